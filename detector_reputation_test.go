package gateguard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReputationDetector(t *testing.T, cfg *PipelineConfig) *ReputationDetector {
	t.Helper()
	d, err := NewReputationDetector(cfg, DetectorConfig{Name: "reputation"}, testLogger())
	require.NoError(t, err)
	return d
}

func TestReputationDetectorWhitelistBypasses(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.Whitelist = []string{"192.168.0.0/16"}
	d := newReputationDetector(t, cfg)
	store := NewMemoryStore(time.Hour)

	// even a banned whitelisted client passes
	require.NoError(t, SetBlacklist(context.Background(), store, "192.168.1.5", BlacklistEntry{
		Reason: "test", ExpiresAt: time.Now().Add(time.Hour),
	}))

	v := d.Inspect(context.Background(), newTestRequest("192.168.1.5", "GET", "/"), store)
	assert.True(t, v.Bypass)
	assert.False(t, v.Deny)
}

func TestReputationDetectorStaticBlacklist(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.Blacklist = []string{"203.0.113.0/24"}
	d := newReputationDetector(t, cfg)
	store := NewMemoryStore(time.Hour)

	v := d.Inspect(context.Background(), newTestRequest("203.0.113.7", "GET", "/"), store)
	assert.True(t, v.Deny)
	assert.Equal(t, 403, v.Status)
	assert.Equal(t, "BLACKLIST_HIT", v.EventType)
}

func TestReputationDetectorDynamicBanExpiry(t *testing.T) {
	d := newReputationDetector(t, testPipelineConfig())
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, SetBlacklist(ctx, store, "10.0.0.9", BlacklistEntry{
		Reason: "earlier offense", ExpiresAt: now.Add(time.Minute),
	}))

	req := newTestRequest("10.0.0.9", "GET", "/")
	req.ReceivedAt = now
	assert.True(t, d.Inspect(ctx, req, store).Deny)

	// at the exact expiry instant the ban no longer applies
	req.ReceivedAt = now.Add(time.Minute)
	assert.False(t, d.Inspect(ctx, req, store).Deny)
}

func TestReputationDetectorFloorTriggersBan(t *testing.T) {
	cfg := testPipelineConfig()
	d := newReputationDetector(t, cfg)
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	_, err := AdjustReputation(ctx, store, "10.0.0.3", cfg.ReputationFloor, time.Now())
	require.NoError(t, err)

	req := newTestRequest("10.0.0.3", "GET", "/")
	v := d.Inspect(ctx, req, store)
	assert.True(t, v.Deny)
	assert.Equal(t, "REPUTATION_BANNED", v.EventType)
	assert.Equal(t, SeverityCritical, v.Severity)

	rec, err := store.Get(ctx, "10.0.0.3")
	require.NoError(t, err)
	require.NotNil(t, rec.Blacklist)
	assert.True(t, rec.Blacklist.Active(req.ReceivedAt))
	assert.WithinDuration(t, req.ReceivedAt.Add(cfg.FloorBanDuration.Std()), rec.Blacklist.ExpiresAt, time.Second)
}
