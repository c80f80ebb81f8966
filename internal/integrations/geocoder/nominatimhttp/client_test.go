package nominatimhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReverseGeocode_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/reverse", r.URL.Path)
		require.Equal(t, "jsonv2", r.URL.Query().Get("format"))
		require.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"display_name":"Moi Avenue, Nairobi, Kenya"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "alertcore-test/1.0")
	addr, err := c.ReverseGeocode(context.Background(), -1.2833, 36.8167)
	require.NoError(t, err)
	require.Equal(t, "Moi Avenue, Nairobi, Kenya", addr)
}

func TestReverseGeocode_ErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"Unable to geocode"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.ReverseGeocode(context.Background(), 0, 0)
	require.Error(t, err)
}

func TestReverseGeocode_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.ReverseGeocode(context.Background(), -1.28, 36.81)
	require.Error(t, err)
}
