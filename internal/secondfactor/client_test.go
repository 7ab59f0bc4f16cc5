package secondfactor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientAllows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req authenticateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "alice", req.Login)
		_ = json.NewEncoder(w).Encode(authenticateResponse{Allowed: true})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, time.Second)
	require.NoError(t, err)
	assert.True(t, c.Authenticate(context.Background(), "alice"))
}

func TestHTTPClientRefuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(authenticateResponse{Allowed: false})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, time.Second)
	require.NoError(t, err)
	assert.False(t, c.Authenticate(context.Background(), "alice"))
}

func TestHTTPClientFailsClosedOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, time.Second)
	require.NoError(t, err)
	assert.False(t, c.Authenticate(context.Background(), "alice"))
}

func TestHTTPClientFailsClosedOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(authenticateResponse{Allowed: true})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, c.Authenticate(context.Background(), "alice"))
}

func TestHTTPClientFailsClosedOnMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, time.Second)
	require.NoError(t, err)
	assert.False(t, c.Authenticate(context.Background(), "alice"))
}

func TestFixedClient(t *testing.T) {
	assert.True(t, Fixed(true).Authenticate(context.Background(), "alice"))
	assert.False(t, Fixed(false).Authenticate(context.Background(), "alice"))
}

func TestNewHTTPClientRejectsEmptyEndpoint(t *testing.T) {
	c, err := NewHTTPClient("", time.Second)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
