package ingressclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushParsesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/flush", r.URL.Path)
		w.Write([]byte(`{"flushed":4}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	res, err := c.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Flushed)
}

func TestHealthzReturnsRawPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/healthz", r.URL.Path)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	res, err := c.Healthz(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", res["status"])
}
