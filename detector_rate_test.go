package gateguard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateDetectorBudgetExhaustion(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	d, err := NewRateDetector(testPipelineConfig(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	// login budget is 5 per 300s
	for i := 1; i <= 5; i++ {
		req := newTestRequest("10.0.0.1", "POST", "/api/login")
		v := d.Inspect(ctx, req, store)
		assert.False(t, v.Deny, "request %d should be within budget", i)
	}

	req := newTestRequest("10.0.0.1", "POST", "/api/login")
	v := d.Inspect(ctx, req, store)
	assert.True(t, v.Deny)
	assert.Equal(t, CategoryRate, v.Category)
	assert.Equal(t, 429, v.Status)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", v.EventType)
	assert.Equal(t, SeverityMedium, v.Severity)
}

func TestRateDetectorIdentitiesIndependent(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	d, err := NewRateDetector(testPipelineConfig(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		d.Inspect(ctx, newTestRequest("10.0.0.1", "POST", "/api/login"), store)
	}
	v := d.Inspect(ctx, newTestRequest("10.0.0.2", "POST", "/api/login"), store)
	assert.False(t, v.Deny, "a different identity has its own budget")
}

func TestRateDetectorActionsIndependent(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	d, err := NewRateDetector(testPipelineConfig(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		d.Inspect(ctx, newTestRequest("10.0.0.1", "POST", "/api/login"), store)
	}
	v := d.Inspect(ctx, newTestRequest("10.0.0.1", "GET", "/api/discussions"), store)
	assert.False(t, v.Deny, "the api budget is separate from login")
}

func TestRateDetectorWindowReset(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	cfg := testPipelineConfig()
	cfg.RateBudgets = map[string]RateBudget{
		ActionGeneral: {Limit: 2, Window: Duration(time.Minute)},
	}
	d, err := NewRateDetector(cfg, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mk := func(at time.Time) *RequestContext {
		req := newTestRequest("10.0.0.1", "GET", "/home")
		req.ReceivedAt = at
		return req
	}

	assert.False(t, d.Inspect(ctx, mk(base), store).Deny)
	assert.False(t, d.Inspect(ctx, mk(base.Add(time.Second)), store).Deny)
	assert.True(t, d.Inspect(ctx, mk(base.Add(2*time.Second)), store).Deny)

	// a fresh window begins strictly after the boundary
	assert.False(t, d.Inspect(ctx, mk(base.Add(time.Minute+time.Second)), store).Deny)
}
