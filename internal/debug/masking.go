// Copyright (c) 2024 OData MCP Contributors
// SPDX-License-Identifier: MIT

// Package debug masks credentials before requests and responses reach the logs.
package debug

import (
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// SensitiveKeys contains keys that trigger automatic masking when detected
var SensitiveKeys = []string{
	"password", "passwd", "pwd", "secret",
	"token", "api_key", "apikey", "api-key",
	"authorization", "auth", "credential",
	"x-csrf-token", "csrf", "cookie",
}

// MaskPassword completely masks a password, returning "***"
func MaskPassword(password string) string {
	if len(password) == 0 {
		return ""
	}
	return "***"
}

// MaskToken masks a token, showing only the last 8 characters
// For tokens shorter than 8 characters, returns "****"
func MaskToken(token string) string {
	if len(token) == 0 {
		return ""
	}
	if len(token) <= 8 {
		return "****"
	}
	return "****" + token[len(token)-8:]
}

// MaskValue masks a sensitive value, showing only the last N characters
func MaskValue(value string, showLastChars int) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= showLastChars {
		return strings.Repeat("*", len(value))
	}
	return strings.Repeat("*", len(value)-showLastChars) + value[len(value)-showLastChars:]
}

// MaskURL removes sensitive information from a URL
// - Masks password in userinfo (user:password@host)
// - Masks sensitive query parameters, leaving the encoding of the others intact
func MaskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	if parsed.User != nil {
		if _, hasPass := parsed.User.Password(); hasPass {
			parsed.User = url.UserPassword(parsed.User.Username(), "***")
		}
	}

	if parsed.RawQuery != "" {
		pairs := strings.Split(parsed.RawQuery, "&")
		for i, pair := range pairs {
			key, _, found := strings.Cut(pair, "=")
			name, err := url.QueryUnescape(key)
			if err != nil {
				name = key
			}
			if found && IsSensitiveKey(name) {
				pairs[i] = key + "=***"
			}
		}
		parsed.RawQuery = strings.Join(pairs, "&")
	}

	return parsed.String()
}

// MaskHeader masks sensitive HTTP header values
// - Authorization headers show type but mask the credential
// - Cookie headers keep cookie names but mask values
// - Other sensitive headers are masked using MaskToken
func MaskHeader(name, value string) string {
	if len(value) == 0 {
		return ""
	}

	nameLower := strings.ToLower(name)

	switch nameLower {
	case "authorization":
		parts := strings.SplitN(value, " ", 2)
		if len(parts) == 2 {
			// Preserve auth type (Basic, Bearer, etc.) but mask the credential
			return parts[0] + " " + MaskToken(parts[1])
		}
		return MaskToken(value)
	case "cookie", "set-cookie":
		return maskCookies(value)
	}

	if IsSensitiveKey(nameLower) {
		return MaskToken(value)
	}

	return value
}

func maskCookies(value string) string {
	parts := strings.Split(value, ";")
	for i, part := range parts {
		name, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			parts[i] = strings.TrimSpace(part)
			continue
		}
		parts[i] = name + "=" + MaskValue(v, 0)
	}
	return strings.Join(parts, "; ")
}

// MaskHeaders returns a copy of h with sensitive values masked
func MaskHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		masked := make([]string, len(values))
		for i, v := range values {
			masked[i] = MaskHeader(name, v)
		}
		out[name] = masked
	}
	return out
}

// HeaderAttr renders masked headers as a slog group with sorted keys
func HeaderAttr(key string, h http.Header) slog.Attr {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	masked := MaskHeaders(h)
	attrs := make([]any, 0, len(names))
	for _, name := range names {
		attrs = append(attrs, slog.String(name, strings.Join(masked[name], ", ")))
	}
	return slog.Group(key, attrs...)
}

// IsSensitiveKey checks if a key name indicates sensitive data. OData system
// query options such as $skiptoken are never sensitive.
func IsSensitiveKey(key string) bool {
	if strings.HasPrefix(key, "$") {
		return false
	}
	keyLower := strings.ToLower(key)
	for _, sensitive := range SensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}
