package gateguard

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type behaviorSettings struct {
	Threshold   int           `mapstructure:"threshold"`
	Increment   int           `mapstructure:"increment"`
	DecayAfter  time.Duration `mapstructure:"decay_after"`
	MaxSamples  int           `mapstructure:"max_samples"`
	RecentCount int           `mapstructure:"recent_count"`
}

// BehaviorDetector accumulates a risk score from how the client moves, not
// what it sends: request cadence, path spread, agent churn. The whole
// sample append, decay and scoring pass happens inside one Mutate so two
// concurrent requests cannot double-count the same anomaly window.
type BehaviorDetector struct {
	settings behaviorSettings
	log      *logrus.Logger
}

func NewBehaviorDetector(p *PipelineConfig, dc DetectorConfig, log *logrus.Logger) (*BehaviorDetector, error) {
	s := behaviorSettings{
		Threshold:   p.BehaviorThreshold,
		Increment:   p.AnomalyIncrement,
		DecayAfter:  p.BehaviorDecayAfter.Std(),
		MaxSamples:  p.BehaviorSamples,
		RecentCount: 10,
	}
	if err := decodeSettings(dc.Settings, &s); err != nil {
		return nil, fmt.Errorf("behavior detector: %w", err)
	}
	if s.Threshold <= 0 || s.Increment <= 0 {
		return nil, fmt.Errorf("behavior detector: threshold and increment must be positive")
	}
	return &BehaviorDetector{settings: s, log: log}, nil
}

func (d *BehaviorDetector) Name() string  { return "behavior" }
func (d *BehaviorDetector) Priority() int { return 70 }

func (d *BehaviorDetector) Inspect(ctx context.Context, req *RequestContext, store ClientStore) Verdict {
	var (
		risk      int
		anomalies []string
	)
	err := store.Mutate(ctx, req.Identity, func(rec *ClientRecord) error {
		prof := &rec.Behavior

		// Stale profiles cool down before the new sample is scored.
		if !prof.UpdatedAt.IsZero() && req.ReceivedAt.Sub(prof.UpdatedAt) > d.settings.DecayAfter {
			prof.Risk = prof.Risk / 2
		}

		prof.Samples = append(prof.Samples, RequestSample{
			Time:      req.ReceivedAt,
			Method:    req.Method,
			Path:      req.Path,
			UserAgent: boundString(req.UserAgent(), 256),
			Referer:   boundString(req.Header("Referer"), 256),
		})
		if len(prof.Samples) > d.settings.MaxSamples {
			prof.Samples = prof.Samples[len(prof.Samples)-d.settings.MaxSamples:]
		}
		prof.UpdatedAt = req.ReceivedAt

		anomalies = d.anomalies(recentSamples(prof.Samples, d.settings.RecentCount), req.ReceivedAt)
		prof.Risk += len(anomalies) * d.settings.Increment
		risk = prof.Risk
		rec.LastSeen = req.ReceivedAt
		return nil
	})
	if err != nil {
		return Fault(d.Name(), err)
	}

	if risk <= d.settings.Threshold {
		return Allow()
	}

	d.log.WithFields(logrus.Fields{
		"identity":  req.Identity,
		"risk":      risk,
		"anomalies": anomalies,
	}).Warn("behavioral risk threshold exceeded")

	v := Deny(d.Name(), CategoryPolicy, SeverityHigh, 403, "ANOMALOUS_BEHAVIOR", "Access denied")
	v.Detail = fmt.Sprintf("risk %d: %v", risk, anomalies)
	return v
}

func recentSamples(samples []RequestSample, n int) []RequestSample {
	if len(samples) <= n {
		return samples
	}
	return samples[len(samples)-n:]
}

func (d *BehaviorDetector) anomalies(recent []RequestSample, now time.Time) []string {
	var found []string
	if len(recent) < 5 {
		return nil
	}

	span := now.Sub(recent[0].Time)
	if span > 0 && float64(len(recent))/span.Seconds() > 2 {
		found = append(found, "high_rate")
	}

	paths := map[string]bool{}
	agents := map[string]bool{}
	blindPosts := 0
	for _, s := range recent {
		paths[s.Path] = true
		agents[s.UserAgent] = true
		if s.Method == "POST" && s.Referer == "" {
			blindPosts++
		}
	}
	if len(recent) > 5 && float64(len(paths))/float64(len(recent)) > 0.9 {
		found = append(found, "path_scanning")
	}
	if len(agents) > 3 {
		found = append(found, "agent_churn")
	}
	if blindPosts > 3 {
		found = append(found, "referer_less_posts")
	}

	// Near-constant inter-request intervals read as scripted traffic.
	if uniform(recent) {
		found = append(found, "uniform_timing")
	}
	return found
}

func uniform(recent []RequestSample) bool {
	if len(recent) < 5 {
		return false
	}
	var intervals []time.Duration
	for i := 1; i < len(recent); i++ {
		intervals = append(intervals, recent[i].Time.Sub(recent[i-1].Time))
	}
	min, max := intervals[0], intervals[0]
	for _, iv := range intervals[1:] {
		if iv < min {
			min = iv
		}
		if iv > max {
			max = iv
		}
	}
	return max > 0 && max-min < 50*time.Millisecond && max < 2*time.Second
}
