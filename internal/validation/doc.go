// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

/*
Package validation wraps go-playground/validator v10 with a shared instance
and readable messages.

Besides the built-in rules it registers:

  - treepath: a tree path accepted by pathkey.Parse
  - wsurl: an absolute ws:// or wss:// URL

Usage:

	type Section struct {
		URL  string `validate:"required,wsurl"`
		Path string `validate:"treepath"`
	}

	if verr := validation.ValidateStruct(&s); verr != nil {
		for _, fe := range verr.Errors() {
			fmt.Println(fe.Field(), fe.Error())
		}
	}

Field names in messages are namespaced without the root type, so a failure
on cfg.Backend.URL reads "Backend.URL is required".
*/
package validation
