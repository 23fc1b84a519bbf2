// Copyright (c) 2024 OData MCP Contributors
// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmcp/odata-client/internal/constants"
	"github.com/zmcp/odata-client/internal/models"
)

// statusSequence answers with the given statuses in turn, repeating the last
func statusSequence(statuses ...int) (http.HandlerFunc, *atomic.Int32) {
	var hits atomic.Int32
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		w.WriteHeader(statuses[n])
		w.Write([]byte(`{}`))
	}, &hits
}

func TestTransportRetries(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		statuses []int
		status   int
		hits     int32
	}{
		{"read recovers", constants.GET, []int{503, 502, 200}, 200, 3},
		{"read gives up with last response", constants.GET, []int{500}, 500, 3},
		{"read not found is final", constants.GET, []int{404}, 404, 1},
		{"delete recovers", constants.DELETE, []int{504, 204}, 204, 2},
		{"create not resent after server error", constants.POST, []int{500, 201}, 500, 1},
		{"create resent when throttled", constants.POST, []int{429, 201}, 201, 2},
		{"update resent when unavailable", constants.PATCH, []int{503, 204}, 204, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, hits := statusSequence(tt.statuses...)
			srv := httptest.NewServer(handler)
			defer srv.Close()

			tr := NewHTTPTransport(WithRetry(steady(2)))
			resp, err := tr.Do(context.Background(), models.RequestDescriptor{Method: tt.method, URI: srv.URL + "/odata/Movies"})
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.hits, hits.Load())
		})
	}
}

func TestTransportErrorWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	uri := srv.URL + "/odata/Movies?sap-password=hunter2&$top=1"
	srv.Close()

	tr := NewHTTPTransport(WithRetry(steady(1)))
	_, err := tr.Do(context.Background(), models.RequestDescriptor{URI: uri})

	var te *models.TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, constants.GET, te.Method)
	assert.Contains(t, te.URI, "sap-password=***")
	assert.Contains(t, te.URI, "$top=1")
}

func TestTransportCancelledDuringBackoff(t *testing.T) {
	handler, hits := statusSequence(503)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	cfg := steady(5)
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = time.Second
	tr := NewHTTPTransport(WithRetry(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Do(ctx, models.RequestDescriptor{URI: srv.URL})

	var te *models.TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), hits.Load())
}

func TestTransportSendsWithoutTokenWhenFetchFails(t *testing.T) {
	var (
		mu     sync.Mutex
		tokens []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == constants.GET {
			// no token offered
			w.WriteHeader(http.StatusOK)
			return
		}
		mu.Lock()
		tokens = append(tokens, r.Header.Get(constants.CSRFTokenHeader))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(WithRetry(NoRetry()), WithCSRF(srv.URL+"/"))
	resp, err := tr.Do(context.Background(), models.RequestDescriptor{
		Method: constants.POST,
		URI:    srv.URL + "/Movies",
		Body:   []byte(`{"ID":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{""}, tokens)
}

func TestTransportKeepsDescriptorHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set(constants.Accept, constants.ContentTypeJSON)
	desc := models.RequestDescriptor{URI: srv.URL, Header: header}

	_, err := NewHTTPTransport(WithRetry(NoRetry())).Do(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, constants.ContentTypeJSON, got.Get(constants.Accept))
	assert.Equal(t, constants.DefaultUserAgent, got.Get(constants.UserAgent))
	// the descriptor itself is untouched
	assert.Empty(t, desc.Header.Get(constants.UserAgent))
}
