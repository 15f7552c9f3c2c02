// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package statusapi

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/treesync/internal/logging"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data,omitempty"`
	Error    *APIError   `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Metadata accompanies every reply.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
}

func respondJSON(w http.ResponseWriter, status int, resp *Response) {
	resp.Metadata.Timestamp = time.Now().UTC()
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func respondData(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(w, status, &Response{Status: "success", Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	respondJSON(w, status, &Response{
		Status: "error",
		Error:  &APIError{Code: code, Message: message, Details: details},
	})
}
