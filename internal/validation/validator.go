// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package validation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/treesync/internal/pathkey"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError is a single failed rule.
type FieldError struct {
	field   string
	tag     string
	param   string
	value   interface{}
	message string
}

// Field returns the namespaced field, e.g. "Config.Backend.URL".
func (e *FieldError) Field() string { return e.field }

// Tag returns the rule that failed.
func (e *FieldError) Tag() string { return e.tag }

// Param returns the rule parameter ("100" for "max=100").
func (e *FieldError) Param() string { return e.param }

// Value returns the rejected value.
func (e *FieldError) Value() interface{} { return e.value }

func (e *FieldError) Error() string { return e.message }

// StructError collects every failed rule of one ValidateStruct call.
type StructError struct {
	errors []FieldError
}

// Errors returns the failed rules in declaration order.
func (se *StructError) Errors() []FieldError {
	return se.errors
}

// Error joins the field messages.
func (se *StructError) Error() string {
	if len(se.errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(se.errors))
	for i := range se.errors {
		messages[i] = se.errors[i].Error()
	}
	return strings.Join(messages, "; ")
}

// Details renders the failed rules for a JSON error body.
func (se *StructError) Details() []map[string]interface{} {
	out := make([]map[string]interface{}, len(se.errors))
	for i, err := range se.errors {
		out[i] = map[string]interface{}{
			"field":   err.field,
			"tag":     err.tag,
			"message": err.message,
		}
	}
	return out
}

// GetValidator returns the shared validator with the treesync rules
// registered. Safe for concurrent use.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// treepath: a string pathkey.Parse accepts.
		_ = validate.RegisterValidation("treepath", func(fl validator.FieldLevel) bool {
			_, err := pathkey.Parse(fl.Field().String())
			return err == nil
		})

		// wsurl: an absolute ws:// or wss:// URL with a host.
		_ = validate.RegisterValidation("wsurl", func(fl validator.FieldLevel) bool {
			u, err := url.Parse(fl.Field().String())
			if err != nil {
				return false
			}
			return (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
		})
	})
	return validate
}

// ValidateStruct validates s with the shared validator. It returns nil or a
// *StructError.
func ValidateStruct(s interface{}) *StructError {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return &StructError{errors: []FieldError{{
			field:   "unknown",
			tag:     "unknown",
			message: err.Error(),
		}}}
	}

	fieldErrors := make([]FieldError, len(validationErrs))
	for i, fe := range validationErrs {
		fieldErrors[i] = FieldError{
			field:   trimRoot(fe.Namespace()),
			tag:     fe.Tag(),
			param:   fe.Param(),
			value:   fe.Value(),
			message: translateError(fe),
		}
	}
	return &StructError{errors: fieldErrors}
}

// ValidateVar checks a single value against tag. name is used in the message.
func ValidateVar(name string, value interface{}, tag string) error {
	err := GetValidator().Var(value, tag)
	if err == nil {
		return nil
	}
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return fmt.Errorf("%s: %w", name, err)
	}
	fe := validationErrs[0]
	return &FieldError{
		field:   name,
		tag:     fe.Tag(),
		param:   fe.Param(),
		value:   fe.Value(),
		message: translate(name, fe),
	}
}

// trimRoot drops the top-level type name from a namespace.
func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

var errorMessageTemplates = map[string]string{
	"required":      "%s is required",
	"url":           "%s must be a valid URL",
	"hostname_port": "%s must be host:port",
	"treepath":      "%s must be a tree path like /a/b without . # $ [ ]",
	"wsurl":         "%s must be a ws:// or wss:// URL",
}

var errorMessageWithParam = map[string]string{
	"oneof":           "%s must be one of: %s",
	"gte":             "%s must be greater than or equal to %s",
	"lte":             "%s must be less than or equal to %s",
	"gt":              "%s must be greater than %s",
	"lt":              "%s must be less than %s",
	"gtefield":        "%s must not be below %s",
	"required_if":     "%s is required when %s",
	"required_unless": "%s is required unless %s",
}

func translateError(fe validator.FieldError) string {
	return translate(trimRoot(fe.Namespace()), fe)
}

func translate(field string, fe validator.FieldError) string {
	tag := fe.Tag()
	param := fe.Param()

	if template, ok := errorMessageTemplates[tag]; ok {
		return fmt.Sprintf(template, field)
	}
	if template, ok := errorMessageWithParam[tag]; ok {
		return fmt.Sprintf(template, field, param)
	}

	isString := fe.Kind().String() == "string"
	switch tag {
	case "min":
		if isString {
			return fmt.Sprintf("%s must be at least %s characters", field, param)
		}
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		if isString {
			return fmt.Sprintf("%s must be at most %s characters", field, param)
		}
		return fmt.Sprintf("%s must be at most %s", field, param)
	default:
		return fmt.Sprintf("%s failed %s validation", field, tag)
	}
}
