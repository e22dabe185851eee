package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefresh_Success(t *testing.T) {
	t.Parallel()

	exp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/sessions/refresh", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var in RefreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "acc-1", in.AccountID)
		assert.Equal(t, "old", in.Token)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(RefreshResponse{ //nolint:errcheck
			Token:     "new",
			Cookies:   map[string]string{"sid": "abc"},
			ExpiresAt: &exp,
		})
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithRateLimit(0, 0))
	got, err := c.Refresh(context.Background(), RefreshRequest{AccountID: "acc-1", Token: "old"})

	require.NoError(t, err)
	assert.Equal(t, "new", got.Token)
	assert.Equal(t, "abc", got.Cookies["sid"])
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, exp.Equal(*got.ExpiresAt))
}

func TestValidate_Invalid(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/validate", r.URL.Path)
		w.Write([]byte(`{"valid":false,"reason":"still suspended"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	got, err := c.Validate(context.Background(), ValidateRequest{AccountID: "acc-2"})

	require.NoError(t, err)
	assert.False(t, got.Valid)
	assert.Equal(t, "still suspended", got.Reason)
}

func TestRefresh_StatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		temporary bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`)) //nolint:errcheck
			}))
			defer srv.Close()

			c := NewClient("k", WithBaseURL(srv.URL))
			_, err := c.Refresh(context.Background(), RefreshRequest{AccountID: "acc-1"})
			require.Error(t, err)

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.Code)
			assert.Equal(t, tt.temporary, se.Temporary())
			assert.Contains(t, err.Error(), "acc-1")
		})
	}
}

func TestRefresh_MalformedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`not json`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.Refresh(context.Background(), RefreshRequest{AccountID: "acc-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func TestRefresh_ContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient("k", WithBaseURL("http://127.0.0.1:1"))
	_, err := c.Refresh(ctx, RefreshRequest{AccountID: "acc-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
