package solver

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

func TestSolve_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/solve", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var in SolveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "ch-1", in.ChallengeID)
		assert.Equal(t, "turnstile", in.Type)
		assert.Equal(t, "0x4AAA", in.SiteKey)

		json.NewEncoder(w).Encode(SolveResponse{Solution: "tok", Confidence: 0.92, SolveTimeMs: 1500}) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithRateLimit(0, 0))
	got, err := c.Solve(context.Background(), SolveRequest{ChallengeID: "ch-1", Type: "turnstile", SiteKey: "0x4AAA"})

	require.NoError(t, err)
	assert.Equal(t, "tok", got.Solution)
	assert.InDelta(t, 0.92, got.Confidence, 1e-9)
	assert.Equal(t, 1500*time.Millisecond, got.SolveTime())
}

func TestSolve_Unsolvable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"unsupported challenge"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.Solve(context.Background(), SolveRequest{ChallengeID: "ch-2"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsolvable))
}

func TestSolve_EmptySolution(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"solution":"","confidence":0}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.Solve(context.Background(), SolveRequest{ChallengeID: "ch-3"})
	assert.True(t, errors.Is(err, ErrUnsolvable))
}

func TestSolve_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.Solve(context.Background(), SolveRequest{ChallengeID: "ch-4"})
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.True(t, se.Temporary())
}
