package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zmcp/odata-client/internal/constants"
	"github.com/zmcp/odata-client/internal/debug"
	"github.com/zmcp/odata-client/internal/models"
)

// RawResponse is an undecoded HTTP response
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport sends one request descriptor. Any HTTP status is a response;
// the error is reserved for failures to obtain one.
type Transport interface {
	Do(ctx context.Context, desc models.RequestDescriptor) (*RawResponse, error)
}

// TransportOption configures an HTTPTransport
type TransportOption func(*HTTPTransport)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.httpClient = c
		}
	}
}

// WithRetry sets the retry policy. Nil keeps the default.
func WithRetry(cfg *RetryConfig) TransportOption {
	return func(t *HTTPTransport) {
		if cfg != nil {
			t.retry = cfg
		}
	}
}

// WithTransportLogger sets the logger for request tracing
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *HTTPTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithCSRF enables SAP-style CSRF token handling. The token is fetched from
// fetchURL (usually the service root) before the first modifying request.
func WithCSRF(fetchURL string) TransportOption {
	return func(t *HTTPTransport) {
		t.csrfURL = fetchURL
	}
}

// HTTPTransport is the net/http Transport with retry and optional CSRF
// handling. It is safe for concurrent use.
type HTTPTransport struct {
	httpClient *http.Client
	retry      *RetryConfig
	logger     *slog.Logger
	csrfURL    string

	mu             sync.RWMutex // Guards csrfToken and sessionCookies
	csrfToken      string
	sessionCookies []*http.Cookie
}

// NewHTTPTransport creates a transport with the default retry policy
func NewHTTPTransport(opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		httpClient: &http.Client{
			Timeout: time.Duration(constants.DefaultTimeout) * time.Second,
		},
		retry:  DefaultRetryConfig(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do executes desc, retrying per the retry policy. After the last attempt the
// final response is returned whatever its status.
func (t *HTTPTransport) Do(ctx context.Context, desc models.RequestDescriptor) (*RawResponse, error) {
	method := desc.Method
	if method == "" {
		method = constants.GET
	}
	modifying := constants.IsModifying(method)

	if t.csrfURL != "" && modifying && t.token() == "" {
		if err := t.fetchCSRFToken(ctx); err != nil {
			t.logger.Warn("CSRF token fetch failed, sending without token", "error", err)
		}
	}

	var (
		lastErr     error
		last        *RawResponse
		csrfRetried bool
	)

	for attempt := 0; attempt <= t.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := t.retry.CalculateBackoff(attempt - 1)
			t.logger.Debug("retrying request", "attempt", attempt, "max", t.retry.MaxRetries, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, t.transportError(method, desc.URI, ctx.Err())
			case <-time.After(backoff):
			}
		}

		req, err := t.newRequest(ctx, method, desc)
		if err != nil {
			return nil, t.transportError(method, desc.URI, err)
		}
		if attempt == 0 {
			t.logger.Debug("odata request",
				"method", method,
				"url", debug.MaskURL(desc.URI),
				debug.HeaderAttr("headers", req.Header))
		}

		resp, err := t.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, t.transportError(method, desc.URI, ctx.Err())
			}
			lastErr = err
			t.logger.Debug("request failed", "error", err)
			if !IsIdempotent(method) {
				// The server may have applied it
				break
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", readErr)
			if !IsIdempotent(method) {
				break
			}
			continue
		}
		last = &RawResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
		t.logger.Debug("odata response", "status", resp.StatusCode, "bytes", len(body))

		// A CSRF refetch does not count toward retries
		if t.csrfURL != "" && modifying && !csrfRetried && IsCSRFFailure(resp.StatusCode, resp.Header, body) {
			csrfRetried = true
			t.logger.Debug("CSRF token validation failed, refetching")
			if err := t.fetchCSRFToken(ctx); err != nil {
				return last, nil
			}
			attempt--
			continue
		}

		if t.retry.ShouldRetryMethod(method, resp.StatusCode, attempt) {
			t.logger.Debug("retryable status", "status", resp.StatusCode)
			continue
		}
		return last, nil
	}

	if last != nil {
		return last, nil
	}
	return nil, t.transportError(method, desc.URI, fmt.Errorf("all %d retries failed: %w", t.retry.MaxRetries, lastErr))
}

func (t *HTTPTransport) newRequest(ctx context.Context, method string, desc models.RequestDescriptor) (*http.Request, error) {
	var body io.Reader
	if len(desc.Body) > 0 {
		body = bytes.NewReader(desc.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, desc.URI, body)
	if err != nil {
		return nil, err
	}
	if desc.Header != nil {
		req.Header = desc.Header.Clone()
	}
	if req.Header.Get(constants.UserAgent) == "" {
		req.Header.Set(constants.UserAgent, constants.DefaultUserAgent)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, cookie := range t.sessionCookies {
		req.AddCookie(cookie)
	}
	if t.csrfToken != "" && constants.IsModifying(method) {
		req.Header.Set(constants.CSRFTokenHeader, t.csrfToken)
	}
	return req, nil
}

func (t *HTTPTransport) token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.csrfToken
}

// fetchCSRFToken fetches a CSRF token from the service. Token fetches are
// not retried.
func (t *HTTPTransport) fetchCSRFToken(ctx context.Context) error {
	t.mu.Lock()
	t.csrfToken = ""
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, constants.GET, t.csrfURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set(constants.CSRFTokenHeader, constants.CSRFTokenFetch)
	req.Header.Set(constants.UserAgent, constants.DefaultUserAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("CSRF token request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	token := resp.Header.Get(constants.CSRFTokenHeader)
	if token == "" || token == constants.CSRFTokenFetch {
		return fmt.Errorf("CSRF token not found in response headers (status %d)", resp.StatusCode)
	}

	t.mu.Lock()
	t.csrfToken = token
	if cookies := resp.Cookies(); len(cookies) > 0 {
		t.sessionCookies = append(t.sessionCookies, cookies...)
	}
	t.mu.Unlock()

	t.logger.Debug("CSRF token fetched", "token", debug.MaskToken(token))
	return nil
}

func (t *HTTPTransport) transportError(method, uri string, err error) error {
	return &models.TransportError{Method: method, URI: debug.MaskURL(uri), Err: err}
}
