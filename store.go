package gateguard

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 128

// MemoryStore is the default ClientStore. Records are partitioned across
// fixed shards so two requests from different clients never contend on
// the same lock; requests from the same client serialize on their shard.
type MemoryStore struct {
	shards  [shardCount]*storeShard
	idleTTL time.Duration
}

type storeShard struct {
	mu      sync.Mutex
	records map[string]*ClientRecord
}

func NewMemoryStore(idleTTL time.Duration) *MemoryStore {
	s := &MemoryStore{idleTTL: idleTTL}
	for i := range s.shards {
		s.shards[i] = &storeShard{records: make(map[string]*ClientRecord)}
	}
	return s
}

func (s *MemoryStore) shard(identity string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Get(_ context.Context, identity string) (ClientRecord, error) {
	sh := s.shard(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[identity]
	if !ok {
		return ClientRecord{}, nil
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Mutate(_ context.Context, identity string, fn func(*ClientRecord) error) error {
	sh := s.shard(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var work ClientRecord
	if rec, ok := sh.records[identity]; ok {
		work = cloneRecord(rec)
	}
	if err := fn(&work); err != nil {
		return err
	}
	sh.records[identity] = &work
	return nil
}

func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for identity, rec := range sh.records {
			if s.expired(rec, now) {
				delete(sh.records, identity)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// expired is true once nothing about the record still matters: any ban has
// lapsed, the reputation carries no penalty and the client has been idle
// past the TTL.
func (s *MemoryStore) expired(rec *ClientRecord, now time.Time) bool {
	if rec.Blacklist.Active(now) {
		return false
	}
	if rec.Reputation.Score < 0 {
		return false
	}
	if s.idleTTL <= 0 {
		return false
	}
	return now.Sub(rec.LastSeen) > s.idleTTL
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// BlacklistSize counts currently active bans, for the gauge.
func (s *MemoryStore) BlacklistSize(now time.Time) int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, rec := range sh.records {
			if rec.Blacklist.Active(now) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func cloneRecord(rec *ClientRecord) ClientRecord {
	out := *rec
	if rec.Blacklist != nil {
		bl := *rec.Blacklist
		out.Blacklist = &bl
	}
	if rec.Rate != nil {
		out.Rate = make(map[string]*RateWindow, len(rec.Rate))
		for k, w := range rec.Rate {
			cw := *w
			out.Rate[k] = &cw
		}
	}
	out.Behavior.Samples = append([]RequestSample(nil), rec.Behavior.Samples...)
	out.Correlation.Events = cloneEvents(rec.Correlation.Events)
	out.Correlation.Patterns = append([]PatternHit(nil), rec.Correlation.Patterns...)
	return out
}

func cloneEvents(events []SecurityEvent) []SecurityEvent {
	if events == nil {
		return nil
	}
	out := make([]SecurityEvent, len(events))
	for i, ev := range events {
		out[i] = ev
		if ev.Details != nil {
			d := make(map[string]string, len(ev.Details))
			for k, v := range ev.Details {
				d[k] = v
			}
			out[i].Details = d
		}
	}
	return out
}

func marshalRecord(rec *ClientRecord) ([]byte, error) { return json.Marshal(rec) }

func unmarshalRecord(data []byte) (ClientRecord, error) {
	var rec ClientRecord
	err := json.Unmarshal(data, &rec)
	return rec, err
}

// ---- typed helpers ----
//
// Detectors and the responder never hold a record across two store calls;
// each helper is one atomic read-modify-write, which is what keeps the
// counters exact under concurrency.

// IncrRateWindow bumps the counter for (identity, action) and returns the
// count inside the current window. The window rolls over only when
// strictly more than window has elapsed since it started.
func IncrRateWindow(ctx context.Context, store ClientStore, identity, action string, window time.Duration, now time.Time) (int, error) {
	var count int
	err := store.Mutate(ctx, identity, func(rec *ClientRecord) error {
		rec.LastSeen = now
		if rec.Rate == nil {
			rec.Rate = make(map[string]*RateWindow)
		}
		w := rec.Rate[action]
		if w == nil || now.Sub(w.Start) > window {
			rec.Rate[action] = &RateWindow{Count: 1, Start: now}
			count = 1
			return nil
		}
		w.Count++
		count = w.Count
		return nil
	})
	return count, err
}

// AdjustReputation applies a delta and returns the new score.
func AdjustReputation(ctx context.Context, store ClientStore, identity string, delta int, now time.Time) (int, error) {
	var score int
	err := store.Mutate(ctx, identity, func(rec *ClientRecord) error {
		rec.Reputation.Score += delta
		rec.Reputation.UpdatedAt = now
		score = rec.Reputation.Score
		return nil
	})
	return score, err
}

// SetBlacklist installs a ban, never shortening one already in force.
func SetBlacklist(ctx context.Context, store ClientStore, identity string, entry BlacklistEntry) error {
	return store.Mutate(ctx, identity, func(rec *ClientRecord) error {
		cur := rec.Blacklist
		if cur != nil && (cur.Permanent || cur.ExpiresAt.After(entry.ExpiresAt)) && !entry.Permanent {
			return nil
		}
		e := entry
		rec.Blacklist = &e
		return nil
	})
}

// RecordOffense increments the repeat-offense counter and returns the
// count before this offense.
func RecordOffense(ctx context.Context, store ClientStore, identity string, now time.Time) (int, error) {
	var prior int
	err := store.Mutate(ctx, identity, func(rec *ClientRecord) error {
		prior = rec.Offenses
		rec.Offenses++
		rec.LastSeen = now
		return nil
	})
	return prior, err
}
