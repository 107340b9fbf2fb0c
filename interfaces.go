package gateguard

import (
	"context"
	"time"
)

// ClientStore is the shared per-client state store. All mutation goes
// through Mutate, which applies fn atomically for one identity; two
// concurrent Mutate calls for the same identity never interleave.
type ClientStore interface {
	// Get returns a snapshot copy of the record. Mutating the copy has no
	// effect on the store.
	Get(ctx context.Context, identity string) (ClientRecord, error)

	// Mutate loads (or creates) the record for identity, applies fn and
	// writes the result back as one atomic step. If fn returns an error
	// the record is left unchanged.
	Mutate(ctx context.Context, identity string, fn func(*ClientRecord) error) error

	// SweepExpired drops records whose state has fully aged out and
	// returns how many were removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	HealthCheck(ctx context.Context) error
}

// Detector inspects one request and returns a verdict. Detectors hold no
// per-client state of their own; everything they remember lives in the
// ClientStore so all instances behind a load balancer agree.
type Detector interface {
	Name() string
	Priority() int
	Inspect(ctx context.Context, req *RequestContext, store ClientStore) Verdict
}

// AuditSink receives structured security records.
type AuditSink interface {
	Record(rec AuditRecord)
}

// ClientRecord aggregates everything the pipeline knows about one client
// identity. The zero value is a valid record for a never-seen client.
type ClientRecord struct {
	Reputation  Reputation             `json:"reputation"`
	Blacklist   *BlacklistEntry        `json:"blacklist,omitempty"`
	Rate        map[string]*RateWindow `json:"rate,omitempty"`
	Behavior    BehaviorProfile        `json:"behavior"`
	Correlation CorrelationWindow      `json:"correlation"`
	Offenses    int                    `json:"offenses"`
	LastSeen    time.Time              `json:"last_seen"`
}

type Reputation struct {
	Score     int       `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

type BlacklistEntry struct {
	Reason    string    `json:"reason"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Permanent bool      `json:"permanent"`
}

// Active reports whether the entry still blocks at now. An entry whose
// ExpiresAt equals now is already expired.
func (b *BlacklistEntry) Active(now time.Time) bool {
	if b == nil {
		return false
	}
	return b.Permanent || now.Before(b.ExpiresAt)
}

// RateWindow is a fixed counting window. The window is stale once
// strictly more than its duration has passed since Start; a request
// landing exactly on the boundary still counts against the old window.
type RateWindow struct {
	Count int       `json:"count"`
	Start time.Time `json:"start"`
}

type RequestSample struct {
	Time      time.Time `json:"time"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	UserAgent string    `json:"user_agent"`
	Referer   string    `json:"referer"`
}

type BehaviorProfile struct {
	Risk      int             `json:"risk"`
	Samples   []RequestSample `json:"samples,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type SecurityEvent struct {
	Type    string            `json:"type"`
	Time    time.Time         `json:"time"`
	Details map[string]string `json:"details,omitempty"`
}

type PatternHit struct {
	Name string    `json:"name"`
	Time time.Time `json:"time"`
}

// CorrelationWindow holds the recent security events for one identity and
// the attack patterns already raised for them. Both are pruned to the
// correlation window so a later burst can raise the same pattern again.
type CorrelationWindow struct {
	Events   []SecurityEvent `json:"events,omitempty"`
	Patterns []PatternHit    `json:"patterns,omitempty"`
}

func (w *CorrelationWindow) HasPattern(name string) bool {
	for _, p := range w.Patterns {
		if p.Name == name {
			return true
		}
	}
	return false
}
