// Copyright (c) 2024 OData MCP Contributors
// SPDX-License-Identifier: MIT

package client

import (
	"math"
	"math/rand"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/zmcp/odata-client/internal/constants"
)

// RetryConfig defines retry behavior for HTTP requests
type RetryConfig struct {
	MaxRetries        int           // Maximum number of retry attempts (0 = no retries)
	InitialBackoff    time.Duration // Initial delay before first retry
	MaxBackoff        time.Duration // Maximum delay between retries
	BackoffMultiplier float64       // Multiplier for exponential backoff
	JitterFraction    float64       // Random jitter fraction (0.0-1.0)
	RetryableStatuses []int         // HTTP status codes that trigger retry
	// Statuses that also retry POST and PATCH. These tell the client the
	// request was not processed.
	NonIdempotentStatuses []int
}

// DefaultRetryConfig returns sensible defaults for retry behavior
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:            3,
		InitialBackoff:        100 * time.Millisecond,
		MaxBackoff:            10 * time.Second,
		BackoffMultiplier:     2.0,
		JitterFraction:        0.1,
		RetryableStatuses:     []int{429, 500, 502, 503, 504},
		NonIdempotentStatuses: []int{429, 503},
	}
}

// NoRetry returns a configuration that sends every request exactly once
func NoRetry() *RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = 0
	return cfg
}

// CalculateBackoff returns the delay for a given attempt (0-indexed)
// attempt 0 returns InitialBackoff, subsequent attempts grow exponentially
func (c *RetryConfig) CalculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialBackoff
	}

	// Exponential backoff: initial * multiplier^attempt
	backoff := float64(c.InitialBackoff) * math.Pow(c.BackoffMultiplier, float64(attempt))

	if backoff > float64(c.MaxBackoff) {
		backoff = float64(c.MaxBackoff)
	}

	// Apply jitter to prevent thundering herd
	if c.JitterFraction > 0 {
		jitterRange := backoff * c.JitterFraction
		jitter := (rand.Float64()*2 - 1) * jitterRange
		backoff += jitter

		if backoff < 0 {
			backoff = 0
		}
	}

	return time.Duration(backoff)
}

// ShouldRetry determines if a request should be retried based on status code and attempt count
func (c *RetryConfig) ShouldRetry(statusCode int, attempt int) bool {
	if attempt >= c.MaxRetries {
		return false
	}
	return c.IsRetryableStatus(statusCode)
}

// ShouldRetryMethod is ShouldRetry narrowed for methods that are not
// idempotent: those only retry on NonIdempotentStatuses
func (c *RetryConfig) ShouldRetryMethod(method string, statusCode int, attempt int) bool {
	if IsIdempotent(method) {
		return c.ShouldRetry(statusCode, attempt)
	}
	return attempt < c.MaxRetries && slices.Contains(c.NonIdempotentStatuses, statusCode)
}

// IsRetryableStatus checks if a status code is in the retryable list
func (c *RetryConfig) IsRetryableStatus(statusCode int) bool {
	return slices.Contains(c.RetryableStatuses, statusCode)
}

// IsIdempotent reports whether repeating method has no additional effect
func IsIdempotent(method string) bool {
	switch method {
	case constants.POST, constants.PATCH:
		return false
	}
	return true
}

// IsCSRFFailure checks if the response indicates a CSRF token validation failure
// This is specific to SAP systems which return 403 with CSRF-related error messages
func IsCSRFFailure(statusCode int, header http.Header, body []byte) bool {
	if statusCode != http.StatusForbidden {
		return false
	}

	if strings.EqualFold(header.Get(constants.CSRFTokenHeader), "required") {
		return true
	}

	bodyStr := string(body)
	return strings.Contains(bodyStr, "CSRF token validation failed") ||
		strings.Contains(strings.ToLower(bodyStr), "csrf")
}
