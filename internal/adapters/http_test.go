package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSource(t *testing.T, handler http.HandlerFunc) *HTTPPriceSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	src, err := NewHTTPPriceSource(HTTPConfig{BaseURL: srv.URL, Timeout: time.Second, BackoffBase: time.Millisecond})
	require.NoError(t, err)
	return src
}

func TestHTTPPriceSource_GetPrice(t *testing.T) {
	asOf := time.Now().UTC().Add(-5 * time.Second).Truncate(time.Second)
	src := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/price", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"symbol":%q,"price":"187.25","as_of":%q}`, r.URL.Query().Get("symbol"), asOf.Format(time.RFC3339))
	})

	q, err := src.GetPrice(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.True(t, decimal.RequireFromString("187.25").Equal(q.Price))
	assert.True(t, asOf.Equal(q.AsOf))
	assert.Equal(t, "http", q.Source)
}

func TestHTTPPriceSource_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantType string
		wantHits int32
	}{
		{"not_found", http.StatusNotFound, `{}`, "bad_symbol", 1},
		{"server_error_retried", http.StatusInternalServerError, `{}`, "provider_error", 2},
		{"rate_limited_retried", http.StatusTooManyRequests, `{}`, "rate_limit", 2},
		{"bad_json", http.StatusOK, `{"price":`, "provider_error", 1},
		{"provider_message", http.StatusOK, `{"error":"halted"}`, "provider_error", 1},
		{"non_positive_price", http.StatusOK, `{"price":"0","as_of":"2025-01-01T00:00:00Z"}`, "provider_error", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			src := newSource(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := src.GetPrice(context.Background(), "AAPL")
			require.Error(t, err)
			assert.Equal(t, tt.wantType, ErrorType(err))
			assert.Equal(t, tt.wantHits, hits.Load())
		})
	}
}

func TestHTTPPriceSource_Timeout(t *testing.T) {
	release := make(chan struct{})
	src := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := src.GetPrice(ctx, "AAPL")
	require.Error(t, err)
	assert.Equal(t, "timeout", ErrorType(err))
}

func TestNewHTTPPriceSource_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPPriceSource(HTTPConfig{})
	assert.Error(t, err)
}
