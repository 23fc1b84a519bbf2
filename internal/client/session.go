// Package client executes request descriptors against an OData service and
// decodes the responses, following server-driven paging and $batch.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zmcp/odata-client/internal/batch"
	"github.com/zmcp/odata-client/internal/constants"
	"github.com/zmcp/odata-client/internal/debug"
	"github.com/zmcp/odata-client/internal/decode"
	"github.com/zmcp/odata-client/internal/expr"
	"github.com/zmcp/odata-client/internal/metadata"
	"github.com/zmcp/odata-client/internal/models"
	"github.com/zmcp/odata-client/internal/observability"
	"github.com/zmcp/odata-client/internal/query"
)

// Settings is the mutable per-session configuration. Every request
// snapshots it when its headers are built.
type Settings struct {
	Authorization string            // Full Authorization header value, wins over basic auth
	Username      string            // Basic auth
	Password      string            // Basic auth
	Cookies       map[string]string // Sent as one Cookie header, sorted by name
	Header        http.Header       // Extra headers for every request
	PageSize      int               // Prefer: odata.maxpagesize when > 0
}

// Clone returns a deep copy
func (s Settings) Clone() Settings {
	s.Header = s.Header.Clone()
	s.Cookies = maps.Clone(s.Cookies)
	return s
}

// HasBasicAuth returns true if username and password are configured
func (s Settings) HasBasicAuth() bool {
	return s.Username != "" && s.Password != ""
}

// headers renders the settings as request headers
func (s Settings) headers() http.Header {
	h := s.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	switch {
	case s.Authorization != "":
		h.Set(constants.Authorization, s.Authorization)
	case s.HasBasicAuth():
		creds := base64.StdEncoding.EncodeToString([]byte(s.Username + ":" + s.Password))
		h.Set(constants.Authorization, "Basic "+creds)
	}
	if len(s.Cookies) > 0 {
		parts := make([]string, 0, len(s.Cookies))
		for _, name := range slices.Sorted(maps.Keys(s.Cookies)) {
			parts = append(parts, name+"="+s.Cookies[name])
		}
		h.Set(constants.Cookie, strings.Join(parts, "; "))
	}
	if s.PageSize > 0 {
		h.Set(constants.Prefer, fmt.Sprintf("odata.maxpagesize=%d", s.PageSize))
	}
	return h
}

// Option configures a Session
type Option func(*Session)

// WithTransport replaces the default HTTPTransport
func WithTransport(t Transport) Option {
	return func(s *Session) {
		if t != nil {
			s.transport = t
		}
	}
}

// WithResolver types queries and responses against a schema
func WithResolver(r *metadata.Resolver) Option {
	return func(s *Session) {
		s.resolver = r
	}
}

// WithDecoder replaces the decoder built from the resolver
func WithDecoder(d *decode.Decoder) Option {
	return func(s *Session) {
		s.decoder = d
	}
}

// WithLogger sets the session logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInstruments reports spans and metrics to ins
func WithInstruments(ins *observability.Instruments) Option {
	return func(s *Session) {
		if ins != nil {
			s.ins = ins
		}
	}
}

// WithSettings sets the initial settings
func WithSettings(st Settings) Option {
	return func(s *Session) {
		s.settings = st.Clone()
	}
}

// WithRegistry makes Query builders translate filters with registry
func WithRegistry(r *expr.Registry) Option {
	return func(s *Session) {
		s.registry = r
	}
}

// WithBatchOptions configures the composer used by ExecuteBatch
func WithBatchOptions(opts ...batch.Option) Option {
	return func(s *Session) {
		s.batchOpts = append(s.batchOpts, opts...)
	}
}

// Session binds a service root to a transport, a decoder and the mutable
// settings. It holds no per-request state and is safe for concurrent use.
type Session struct {
	serviceRoot string
	transport   Transport
	resolver    *metadata.Resolver
	decoder     *decode.Decoder
	registry    *expr.Registry
	batchOpts   []batch.Option
	logger      *slog.Logger
	ins         *observability.Instruments

	mu       sync.RWMutex
	settings Settings
}

// New creates a session for serviceRoot, which must be an absolute http(s) URL
func New(serviceRoot string, opts ...Option) (*Session, error) {
	u, err := url.Parse(serviceRoot)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &models.ValidationError{Field: "serviceRoot", Reason: fmt.Sprintf("not an absolute http(s) URL: %q", serviceRoot), Err: err}
	}
	if !strings.HasSuffix(serviceRoot, "/") {
		serviceRoot += "/"
	}

	s := &Session{
		serviceRoot: serviceRoot,
		logger:      slog.New(slog.DiscardHandler),
		ins:         observability.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.transport == nil {
		s.transport = NewHTTPTransport(WithTransportLogger(s.logger))
	}
	if s.decoder == nil {
		s.decoder = decode.New(s.resolver, decode.Annotations{})
	}
	return s, nil
}

// ServiceRoot returns the normalized service root, ending in a slash
func (s *Session) ServiceRoot() string {
	return s.serviceRoot
}

// Resolver returns the schema resolver, or nil
func (s *Session) Resolver() *metadata.Resolver {
	return s.resolver
}

// Settings returns a copy of the current settings
func (s *Session) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Clone()
}

// UpdateSettings applies fn to a copy of the settings and swaps it in.
// Requests already built keep the headers they were built with.
func (s *Session) UpdateSettings(fn func(*Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.settings.Clone()
	fn(&next)
	s.settings = next
}

// SetAuthorization sets the Authorization header value
func (s *Session) SetAuthorization(value string) {
	s.UpdateSettings(func(st *Settings) { st.Authorization = value })
}

// SetPageSize sets the preferred server page size; 0 removes the preference
func (s *Session) SetPageSize(n int) {
	s.UpdateSettings(func(st *Settings) { st.PageSize = n })
}

// Endpoint snapshots the service root and current settings for building
// request descriptors
func (s *Session) Endpoint() query.Endpoint {
	return query.Endpoint{ServiceRoot: s.serviceRoot, Header: s.Settings().headers()}
}

// Query starts a query builder bound to the session's schema
func (s *Session) Query() query.Builder {
	b := query.New(s.resolver)
	if s.registry != nil {
		b = b.WithRegistry(s.registry)
	}
	return b
}

// Execute performs one transport call and decodes the response
func (s *Session) Execute(ctx context.Context, desc models.RequestDescriptor) (*models.ResponsePage, error) {
	if desc.URI == "" {
		return nil, &models.ValidationError{Field: "uri", Reason: "request descriptor has no URI"}
	}
	method := desc.Method
	if method == "" {
		method = constants.GET
	}

	ctx, span := s.ins.Tracer.StartRequest(ctx, desc)
	defer span.End()
	logger := observability.LoggerWithTrace(ctx, s.logger)

	start := time.Now()
	resp, err := s.transport.Do(ctx, desc)
	if err != nil {
		err = asTransportError(method, desc.URI, err)
		s.fail(ctx, span, desc.EntitySet, err)
		logger.Debug("request failed", "method", method, "url", debug.MaskURL(desc.URI), "error", err)
		return nil, err
	}
	s.ins.Tracer.SetHTTPStatus(span, resp.StatusCode)
	s.ins.Metrics.RecordRequest(ctx, desc.EntitySet, method, resp.StatusCode, time.Since(start))

	page, err := s.decoder.DecodePage(desc, resp.StatusCode, resp.Header, resp.Body)
	if err != nil {
		s.fail(ctx, span, desc.EntitySet, err)
		logger.Debug("response rejected", "status", resp.StatusCode, "error", err)
		return nil, err
	}

	s.ins.Tracer.RecordPage(span, page)
	s.ins.Metrics.RecordPage(ctx, desc.EntitySet, len(page.Entities))
	logger.Debug("page decoded",
		"status", resp.StatusCode,
		"entities", len(page.Entities),
		"next", page.HasMore(),
		"duration", time.Since(start))
	return page, nil
}

// Pages yields the first page of desc and then every page reached through
// next links, until the server stops sending them. An error is the final
// element. Breaking out of the loop stops fetching.
func (s *Session) Pages(ctx context.Context, desc models.RequestDescriptor) iter.Seq2[*models.ResponsePage, error] {
	return func(yield func(*models.ResponsePage, error) bool) {
		ctx, span := s.ins.Tracer.StartPaging(ctx, desc.EntitySet)
		defer span.End()

		current := desc
		for n := 1; ; n++ {
			if err := ctx.Err(); err != nil {
				err = asTransportError(current.Method, current.URI, err)
				s.ins.Tracer.RecordError(span, err)
				yield(nil, err)
				return
			}

			page, err := s.Execute(ctx, current)
			if err != nil {
				s.logger.Debug("paging stopped", "page", n, "error", err)
				s.ins.Tracer.RecordError(span, err)
				yield(nil, err)
				return
			}
			if !yield(page, nil) || !page.HasMore() {
				return
			}

			next := s.continuation(desc, page.NextLink)
			if next.URI == current.URI {
				err := &models.DecodeError{StatusCode: page.StatusCode, Property: "nextLink", Reason: "server repeated the current page link"}
				s.ins.Tracer.RecordError(span, err)
				yield(nil, err)
				return
			}
			current = next
		}
	}
}

// continuation derives the request for a next link. The link is used
// verbatim; relative links resolve against the service root. Session headers
// are re-read so a refreshed Authorization applies to later pages.
func (s *Session) continuation(desc models.RequestDescriptor, link string) models.RequestDescriptor {
	next := desc.Clone()
	next.Method = constants.GET
	next.Body = nil
	next.URI = s.resolveLink(link)

	if next.Header == nil {
		next.Header = http.Header{}
	}
	for _, name := range []string{constants.Authorization, constants.Cookie, constants.Prefer} {
		next.Header.Del(name)
	}
	next.Header.Del(constants.ContentType)
	for name, values := range s.Settings().headers() {
		next.Header[name] = values
	}
	return next
}

func (s *Session) resolveLink(link string) string {
	switch {
	case strings.HasPrefix(link, "http://"), strings.HasPrefix(link, "https://"):
		return link
	case strings.HasPrefix(link, "/"):
		u, _ := url.Parse(s.serviceRoot)
		return u.Scheme + "://" + u.Host + link
	}
	return s.serviceRoot + link
}

// ExecuteAll yields every entity of every page in server order
func (s *Session) ExecuteAll(ctx context.Context, desc models.RequestDescriptor) iter.Seq2[models.Entity, error] {
	return func(yield func(models.Entity, error) bool) {
		for page, err := range s.Pages(ctx, desc) {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range page.Entities {
				if !yield(e, nil) {
					return
				}
			}
		}
	}
}

// Collect gathers ExecuteAll into a slice. On error the entities read so far
// are returned with it.
func (s *Session) Collect(ctx context.Context, desc models.RequestDescriptor) ([]models.Entity, error) {
	var out []models.Entity
	for e, err := range s.ExecuteAll(ctx, desc) {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ExecuteBatch sends b as one $batch request. Per-request failures are
// reported in the results; the error covers the batch as a whole.
func (s *Session) ExecuteBatch(ctx context.Context, b batch.Batch) ([]batch.Result, error) {
	composer := batch.NewComposer(s.serviceRoot, s.decoder, s.batchOpts...)
	desc, err := composer.Request(b, s.Settings().headers())
	if err != nil {
		return nil, err
	}

	ctx, span := s.ins.Tracer.StartBatch(ctx, b.Len())
	defer span.End()
	s.ins.Metrics.RecordBatchSize(ctx, b.Len())

	start := time.Now()
	resp, err := s.transport.Do(ctx, desc)
	if err != nil {
		err = asTransportError(desc.Method, desc.URI, err)
		s.fail(ctx, span, "", err)
		return nil, err
	}
	s.ins.Tracer.SetHTTPStatus(span, resp.StatusCode)
	s.ins.Metrics.RecordRequest(ctx, "", desc.Method, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 400 {
		err := s.decoder.DecodeError(resp.StatusCode, resp.Body)
		s.fail(ctx, span, "", err)
		return nil, err
	}

	results, err := composer.Decode(b, resp.Header.Get(constants.ContentType), resp.Body)
	if err != nil {
		if de, ok := err.(*models.DecodeError); ok {
			de.StatusCode = resp.StatusCode
		}
		s.fail(ctx, span, "", err)
		return nil, err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			s.ins.Metrics.RecordError(ctx, "", r.Err)
		}
	}
	s.logger.Debug("batch decoded", "requests", len(results), "failed", failed, "duration", time.Since(start))
	return results, nil
}

// Metadata fetches and parses the service's $metadata document
func (s *Session) Metadata(ctx context.Context) (*models.ODataMetadata, error) {
	h := s.Settings().headers()
	h.Set(constants.Accept, constants.ContentTypeXML)
	desc := models.RequestDescriptor{
		Method: constants.GET,
		URI:    s.serviceRoot + constants.MetadataEndpoint,
		Header: h,
	}

	ctx, span := s.ins.Tracer.StartRequest(ctx, desc)
	defer span.End()

	resp, err := s.transport.Do(ctx, desc)
	if err != nil {
		err = asTransportError(desc.Method, desc.URI, err)
		s.fail(ctx, span, "", err)
		return nil, err
	}
	s.ins.Tracer.SetHTTPStatus(span, resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		err := s.decoder.DecodeError(resp.StatusCode, resp.Body)
		s.fail(ctx, span, "", err)
		return nil, err
	}

	meta, err := metadata.ParseMetadata(resp.Body, s.serviceRoot)
	if err != nil {
		err = &models.DecodeError{StatusCode: resp.StatusCode, Reason: "invalid $metadata document", Err: err}
		s.fail(ctx, span, "", err)
		return nil, err
	}
	s.logger.Debug("metadata loaded",
		"namespace", meta.SchemaNamespace,
		"entity_sets", len(meta.EntitySets),
		"entity_types", len(meta.EntityTypes))
	return meta, nil
}

func (s *Session) fail(ctx context.Context, span trace.Span, entitySet string, err error) {
	s.ins.Tracer.RecordError(span, err)
	s.ins.Metrics.RecordError(ctx, entitySet, err)
}

// asTransportError wraps errors from custom transports so callers can rely
// on *models.TransportError
func asTransportError(method, uri string, err error) error {
	var te *models.TransportError
	if errors.As(err, &te) {
		return err
	}
	if method == "" {
		method = constants.GET
	}
	return &models.TransportError{Method: method, URI: debug.MaskURL(uri), Err: err}
}
