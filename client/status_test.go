package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sessions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"abc","remote_addr":"127.0.0.1:9","mode":"encrypt","peer_fingerprint":"ff","started_at":"2024-01-01T00:00:00Z"}]`))
	}))
	defer srv.Close()

	sessions, err := Sessions(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "abc", sessions[0].ID)
	assert.Equal(t, "encrypt", sessions[0].Mode)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), sessions[0].StartedAt)
}

func TestSessionsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := Sessions(context.Background(), srv.URL)
	require.Error(t, err)
}
