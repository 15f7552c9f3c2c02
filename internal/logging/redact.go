// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package logging

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameters whose values never reach the log.
var sensitiveParams = []string{"auth", "token", "access_token", "key", "api_key", "secret"}

// SanitizeToken masks a token, showing only the first and last 4 characters.
// Example: "eyJhbGciOiJSUzI1NiIsInR5cCI6IkpXVCJ9" -> "eyJh...CJ9"
func SanitizeToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// SanitizeURL masks credentials in a backend URL: userinfo and any
// sensitive query parameter. Unparseable input is fully masked.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	q := u.Query()
	for k := range q {
		if isSensitiveParam(k) {
			q.Set(k, SanitizeToken(q.Get(k)))
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func isSensitiveParam(name string) bool {
	name = strings.ToLower(name)
	for _, s := range sensitiveParams {
		if name == s {
			return true
		}
	}
	return false
}
