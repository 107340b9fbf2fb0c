package gateguard

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Attack patterns the correlator raises over the event window.
const (
	PatternBruteForceThenSQLI = "BRUTE_FORCE_THEN_SQL_INJECTION"
	PatternMultiVector        = "MULTI_VECTOR_ATTACK"
	PatternRapidAutomated     = "RAPID_AUTOMATED_ATTACK"
	PatternBotAttack          = "BOT_ATTACK"
	PatternPersistent         = "PERSISTENT_ATTACKER"
)

var injectionEvents = map[string]bool{
	"SQL_INJECTION":     true,
	"XSS_ATTEMPT":       true,
	"COMMAND_INJECTION": true,
	"PATH_TRAVERSAL":    true,
	"HEADER_INJECTION":  true,
}

// Correlator folds individual security events into attack patterns that no
// single detector can see. Events and raised patterns live in the shared
// client record and age out with the window, so the same campaign is
// escalated once, and a fresh campaign later escalates again.
type Correlator struct {
	store  ClientStore
	window time.Duration
	log    *logrus.Logger

	// onPattern runs once per newly raised pattern, outside the store lock.
	onPattern func(ctx context.Context, identity, pattern string, events []SecurityEvent)
}

func NewCorrelator(store ClientStore, window time.Duration, log *logrus.Logger) *Correlator {
	return &Correlator{store: store, window: window, log: log}
}

func (c *Correlator) OnPattern(fn func(ctx context.Context, identity, pattern string, events []SecurityEvent)) {
	c.onPattern = fn
}

// Record appends one event for identity and returns any patterns newly
// raised by it. Recording is the only way the window advances; replaying
// the evaluation without a new event changes nothing.
func (c *Correlator) Record(ctx context.Context, identity, eventType string, details map[string]string) ([]string, error) {
	now := time.Now()
	var (
		raised []string
		events []SecurityEvent
	)
	err := c.store.Mutate(ctx, identity, func(rec *ClientRecord) error {
		w := &rec.Correlation
		w.Events = append(w.Events, SecurityEvent{Type: eventType, Time: now, Details: details})
		pruneWindow(w, now.Add(-c.window))

		for _, pattern := range evaluatePatterns(w.Events, now) {
			if w.HasPattern(pattern) {
				continue
			}
			w.Patterns = append(w.Patterns, PatternHit{Name: pattern, Time: now})
			raised = append(raised, pattern)
		}
		events = cloneEvents(w.Events)
		rec.LastSeen = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, pattern := range raised {
		c.log.WithFields(logrus.Fields{
			"identity": identity,
			"pattern":  pattern,
			"events":   len(events),
		}).Warn("attack pattern detected")
		if c.onPattern != nil {
			c.onPattern(ctx, identity, pattern, events)
		}
	}
	return raised, nil
}

func pruneWindow(w *CorrelationWindow, cutoff time.Time) {
	kept := w.Events[:0]
	for _, ev := range w.Events {
		if ev.Time.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	w.Events = kept

	patterns := w.Patterns[:0]
	for _, p := range w.Patterns {
		if p.Time.After(cutoff) {
			patterns = append(patterns, p)
		}
	}
	w.Patterns = patterns
}

func evaluatePatterns(events []SecurityEvent, now time.Time) []string {
	counts := map[string]int{}
	injectionKinds := map[string]bool{}
	for _, ev := range events {
		counts[ev.Type]++
		if injectionEvents[ev.Type] {
			injectionKinds[ev.Type] = true
		}
	}

	var patterns []string
	if counts["FAILED_LOGIN"] >= 3 && counts["SQL_INJECTION"] >= 1 {
		patterns = append(patterns, PatternBruteForceThenSQLI)
	}
	if len(injectionKinds) >= 3 {
		patterns = append(patterns, PatternMultiVector)
	}
	if len(events) > 10 {
		span := now.Sub(events[0].Time)
		if span <= 0 || float64(len(events))/span.Seconds() > 0.1 {
			patterns = append(patterns, PatternRapidAutomated)
		}
	}
	if counts["BOT_DETECTED"] >= 1 && len(injectionKinds) >= 1 {
		patterns = append(patterns, PatternBotAttack)
	}
	if counts["RATE_LIMIT_EXCEEDED"] >= 1 && len(injectionKinds) >= 1 {
		patterns = append(patterns, PatternPersistent)
	}
	return patterns
}
