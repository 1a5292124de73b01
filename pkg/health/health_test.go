package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHTTPCheckerStatusWindow tests the acceptable status range
func TestHTTPCheckerStatusWindow(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		healthy bool
	}{
		{"200 ok", http.StatusOK, true},
		{"204 no content", http.StatusNoContent, true},
		{"302 redirect to setup page", http.StatusFound, true},
		{"404 not found", http.StatusNotFound, false},
		{"500 server error", http.StatusInternalServerError, false},
		{"503 unavailable", http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			checker := NewHTTPChecker(srv.URL)
			result := checker.Check(context.Background())

			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.NotZero(t, result.CheckedAt)
		})
	}
}

// TestHTTPCheckerUnreachable tests a connection refusal
func TestHTTPCheckerUnreachable(t *testing.T) {
	checker := NewHTTPChecker("http://127.0.0.1:1") // nothing listens on port 1
	result := checker.Check(context.Background())

	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "request failed")
}

// TestHTTPCheckerRespectsContext tests cancellation propagation
func TestHTTPCheckerRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewHTTPChecker(srv.URL).Check(ctx)
	assert.False(t, result.Healthy)
}

// TestTCPChecker tests connect success and refusal
func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	up := NewTCPChecker(ln.Addr().String()).Check(context.Background())
	assert.True(t, up.Healthy)

	down := NewTCPChecker("127.0.0.1:1").Check(context.Background())
	assert.False(t, down.Healthy)
}

// TestCheckerTypes tests the type discriminator
func TestCheckerTypes(t *testing.T) {
	assert.Equal(t, CheckTypeHTTP, NewHTTPChecker("http://x").Type())
	assert.Equal(t, CheckTypeTCP, NewTCPChecker("x:1").Type())
}
