package pacing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/account-engine/internal/model"
)

func TestInterval(t *testing.T) {
	tests := []struct {
		name string
		rec  model.StrategyRecommendation
		want time.Duration
	}{
		{"hourly cap dominates", model.StrategyRecommendation{MaxRequestsPerHour: 60, MinDelayBetweenRequests: time.Second}, time.Minute},
		{"delay dominates", model.StrategyRecommendation{MaxRequestsPerHour: 3600, MinDelayBetweenRequests: 5 * time.Second}, 5 * time.Second},
		{"delay only", model.StrategyRecommendation{MinDelayBetweenRequests: 3 * time.Second}, 3 * time.Second},
		{"nothing", model.StrategyRecommendation{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Interval(tt.rec))
		})
	}
}

func TestPacer_UnpacedAccountNeverWaits(t *testing.T) {
	p := New()
	_, ok := p.Limit("acc-1")
	assert.False(t, ok)

	for i := 0; i < 100; i++ {
		require.NoError(t, p.Wait(context.Background(), "acc-1"))
	}
	p.OnRateLimit("acc-1")
	p.OnSuccess("acc-1")
	_, ok = p.Limit("acc-1")
	assert.False(t, ok)
}

func TestPacer_AdaptsWithinBounds(t *testing.T) {
	p := New()
	ceiling := p.Apply("acc-1", model.StrategyRecommendation{MaxRequestsPerHour: 3600})
	assert.InDelta(t, 1.0, float64(ceiling), 1e-9)

	p.OnRateLimit("acc-1")
	got, _ := p.Limit("acc-1")
	assert.InDelta(t, 0.5, float64(got), 1e-9)

	for i := 0; i < 10; i++ {
		p.OnRateLimit("acc-1")
	}
	got, _ = p.Limit("acc-1")
	assert.InDelta(t, 0.125, float64(got), 1e-9, "floor is 1/8 of the ceiling")

	for i := 0; i < 50; i++ {
		p.OnSuccess("acc-1")
	}
	got, _ = p.Limit("acc-1")
	assert.InDelta(t, 1.0, float64(got), 1e-9, "recovers to the ceiling, not above")
}

func TestPacer_ReapplyResetsCeiling(t *testing.T) {
	p := New()
	p.Apply("acc-1", model.StrategyRecommendation{MaxRequestsPerHour: 3600})
	p.OnRateLimit("acc-1")

	p.Apply("acc-1", model.StrategyRecommendation{MaxRequestsPerHour: 7200})
	got, ok := p.Limit("acc-1")
	require.True(t, ok)
	assert.InDelta(t, 2.0, float64(got), 1e-9)

	p.Remove("acc-1")
	_, ok = p.Limit("acc-1")
	assert.False(t, ok)
}

func TestPacer_EmptyRecommendationIsUnlimited(t *testing.T) {
	p := New()
	assert.Equal(t, rate.Inf, p.Apply("acc-1", model.StrategyRecommendation{}))
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Wait(context.Background(), "acc-1"))
	}
}

func TestPacer_WaitHonoursContext(t *testing.T) {
	p := New()
	p.Apply("acc-1", model.StrategyRecommendation{MaxRequestsPerHour: 1})

	require.NoError(t, p.Wait(context.Background(), "acc-1"), "first request uses the burst token")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Wait(ctx, "acc-1"))
}
