package gateguard

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Responder turns a verdict into consequences: reputation penalty, repeat
// offense tracking, a ban when severity or verdict demands one, an audit
// record and metrics. Every state change is a single atomic store call,
// so concurrent denials for one identity just stack their deltas.
type Responder struct {
	store   ClientStore
	audit   AuditSink
	metrics *Metrics
	log     *logrus.Logger
	cfg     func() *PipelineConfig
	now     func() time.Time
}

func NewResponder(store ClientStore, audit AuditSink, metrics *Metrics, log *logrus.Logger, cfg func() *PipelineConfig) *Responder {
	return &Responder{
		store:   store,
		audit:   audit,
		metrics: metrics,
		log:     log,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Apply handles one denial. Failures here are logged but do not change the
// response already chosen for the client; the denial stands either way.
func (r *Responder) Apply(ctx context.Context, req *RequestContext, v Verdict) {
	cfg := r.cfg()
	now := r.now()

	prior, err := RecordOffense(ctx, r.store, req.Identity, now)
	if err != nil {
		r.log.WithError(err).WithField("identity", req.Identity).Error("offense record failed")
	}

	delta := cfg.ReputationDeltas[v.Severity]
	score := 0
	if delta != 0 {
		score, err = AdjustReputation(ctx, r.store, req.Identity, delta, now)
		if err != nil {
			r.log.WithError(err).WithField("identity", req.Identity).Error("reputation update failed")
		}
	}

	if dur := r.banDuration(cfg, v, prior); dur > 0 {
		r.ban(ctx, req.Identity, v.EventType, v.Severity, now, dur)
	}
	if delta != 0 && score <= cfg.ReputationFloor {
		r.ban(ctx, req.Identity, "reputation floor", SeverityCritical, now, cfg.FloorBanDuration.Std())
	}

	r.metrics.Denial(string(v.Category), v.Detector)
	r.audit.Record(AuditRecord{
		Type:     v.EventType,
		Severity: v.Severity,
		Identity: req.Identity,
		Message:  v.Detail,
		Context: map[string]string{
			"detector": v.Detector,
			"method":   req.Method,
			"path":     truncateDetail(req.Path, 200),
		},
	})
}

// banDuration picks the base duration for this severity (or the verdict's
// own override) and scales it by prior offenses, doubling per offense up
// to the configured cap.
func (r *Responder) banDuration(cfg *PipelineConfig, v Verdict, priorOffenses int) time.Duration {
	base := v.BlockFor
	if base == 0 {
		base = cfg.BlacklistDurations[v.Severity].Std()
	}
	if base == 0 {
		return 0
	}
	mult := 1
	capMult := cfg.OffenseCapMult
	if capMult <= 0 {
		capMult = 4
	}
	for i := 0; i < priorOffenses && mult < capMult; i++ {
		mult *= 2
	}
	if mult > capMult {
		mult = capMult
	}
	return base * time.Duration(mult)
}

func (r *Responder) ban(ctx context.Context, identity, reason string, sev Severity, now time.Time, dur time.Duration) {
	err := SetBlacklist(ctx, r.store, identity, BlacklistEntry{
		Reason:    reason,
		Severity:  sev,
		CreatedAt: now,
		ExpiresAt: now.Add(dur),
	})
	if err != nil {
		r.log.WithError(err).WithField("identity", identity).Error("blacklist update failed")
		return
	}
	r.log.WithFields(logrus.Fields{
		"identity": identity,
		"reason":   reason,
		"until":    now.Add(dur),
	}).Warn("client banned")
}

// Escalate is the correlator hook: a raised pattern is worth more than the
// individual events that formed it.
func (r *Responder) Escalate(ctx context.Context, identity, pattern string, events []SecurityEvent) {
	cfg := r.cfg()
	now := r.now()

	score, err := AdjustReputation(ctx, r.store, identity, cfg.CorrelationDelta, now)
	if err != nil {
		r.log.WithError(err).WithField("identity", identity).Error("escalation reputation update failed")
	}
	r.ban(ctx, identity, pattern, SeverityHigh, now, cfg.BlacklistDurations[SeverityHigh].Std())
	if score <= cfg.ReputationFloor {
		r.ban(ctx, identity, "reputation floor", SeverityCritical, now, cfg.FloorBanDuration.Std())
	}

	r.metrics.Pattern(pattern)
	r.audit.Record(AuditRecord{
		Type:     pattern,
		Severity: SeverityCritical,
		Identity: identity,
		Message:  "correlated attack pattern",
		Context:  map[string]string{"events": strconv.Itoa(len(events))},
	})
}
