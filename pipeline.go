package gateguard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type detectorFactory func(p *PipelineConfig, dc DetectorConfig, log *logrus.Logger) (Detector, error)

var detectorFactories = map[string]detectorFactory{
	"volume": func(_ *PipelineConfig, dc DetectorConfig, log *logrus.Logger) (Detector, error) {
		return NewVolumeDetector(dc, log)
	},
	"structural": func(p *PipelineConfig, dc DetectorConfig, log *logrus.Logger) (Detector, error) {
		return NewStructuralDetector(p, dc, log)
	},
	"reputation": func(p *PipelineConfig, dc DetectorConfig, log *logrus.Logger) (Detector, error) {
		return NewReputationDetector(p, dc, log)
	},
	"bot": func(_ *PipelineConfig, dc DetectorConfig, log *logrus.Logger) (Detector, error) {
		return NewBotDetector(dc, log)
	},
	"signature": func(_ *PipelineConfig, dc DetectorConfig, log *logrus.Logger) (Detector, error) {
		return NewSignatureDetector(dc, log)
	},
	"rate": func(p *PipelineConfig, _ DetectorConfig, log *logrus.Logger) (Detector, error) {
		return NewRateDetector(p, log)
	},
	"behavior": func(p *PipelineConfig, dc DetectorConfig, log *logrus.Logger) (Detector, error) {
		return NewBehaviorDetector(p, dc, log)
	},
}

// Pipeline is the request orchestrator: capture once, run the detector
// chain in priority order, stop at the first deny, hand the denial to the
// responder and correlator, otherwise admit. Detector or store failures
// fail closed.
type Pipeline struct {
	detectors  atomic.Pointer[[]Detector]
	store      ClientStore
	correlator *Correlator
	responder  *Responder
	metrics    *Metrics
	log        *logrus.Logger
	cfg        func() *PipelineConfig
	now        func() time.Time

	// SessionIdentity, when set, upgrades the identity from the client IP
	// to the authenticated user so shared NATs do not share fate.
	SessionIdentity func(c *fiber.Ctx) string
}

func NewPipeline(store ClientStore, correlator *Correlator, responder *Responder, metrics *Metrics, log *logrus.Logger, cfg func() *PipelineConfig) (*Pipeline, error) {
	p := &Pipeline{
		store:      store,
		correlator: correlator,
		responder:  responder,
		metrics:    metrics,
		log:        log,
		cfg:        cfg,
		now:        time.Now,
	}
	if err := p.Reconfigure(cfg()); err != nil {
		return nil, err
	}
	return p, nil
}

// Reconfigure rebuilds the detector chain from a new config and swaps it
// in atomically. In-flight requests finish on the chain they started with.
func (p *Pipeline) Reconfigure(cfg *PipelineConfig) error {
	var detectors []Detector
	for _, dc := range cfg.Detectors {
		if !dc.IsEnabled() {
			continue
		}
		factory, ok := detectorFactories[dc.Name]
		if !ok {
			return fmt.Errorf("unknown detector %q", dc.Name)
		}
		d, err := factory(cfg, dc, p.log)
		if err != nil {
			return err
		}
		detectors = append(detectors, d)
	}
	sort.SliceStable(detectors, func(i, j int) bool {
		return detectors[i].Priority() < detectors[j].Priority()
	})
	p.detectors.Store(&detectors)
	return nil
}

// Middleware is the fiber entry point. Everything behind it only ever
// sees admitted requests.
func (p *Pipeline) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		cfg := p.cfg()
		start := p.now()

		// One extra byte so the structural detector can tell "at the
		// limit" from "over it".
		req := CaptureRequest(c, cfg.MaxBodyBytes+1, start)
		if p.SessionIdentity != nil {
			if uid := p.SessionIdentity(c); uid != "" {
				req.UserID = uid
				req.Identity = "user:" + uid
			}
		}

		ctx := c.UserContext()
		for _, d := range *p.detectors.Load() {
			v := p.inspect(ctx, d, req)
			if v.Bypass {
				break
			}
			if v.Err != nil {
				p.log.WithError(v.Err).WithFields(logrus.Fields{
					"detector": v.Detector,
					"identity": req.Identity,
				}).Error("detector failure, failing closed")
				p.metrics.Request("fault")
				p.metrics.ObservePipeline(p.now().Sub(start).Seconds())
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"ok": false, "error": "Service unavailable",
				})
			}
			if v.Deny {
				p.responder.Apply(ctx, req, v)
				if v.EventType != "" {
					if _, err := p.correlator.Record(ctx, req.Identity, v.EventType, map[string]string{
						"detector": v.Detector,
						"path":     truncateDetail(req.Path, 200),
					}); err != nil {
						p.log.WithError(err).WithField("identity", req.Identity).Error("correlation record failed")
					}
				}
				p.metrics.Request("denied")
				p.metrics.ObservePipeline(p.now().Sub(start).Seconds())
				return c.Status(v.Status).JSON(fiber.Map{"ok": false, "error": v.Message})
			}
		}

		p.metrics.Request("admitted")
		p.metrics.ObservePipeline(p.now().Sub(start).Seconds())
		c.Locals("identity", req.Identity)
		return c.Next()
	}
}

// JSONErrorHandler renders errors raised by fiber itself (body over the
// server limit, unmatched routes, handler failures) in the same body shape
// the pipeline uses for denials.
func JSONErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	msg := "Request failed"
	switch code {
	case fiber.StatusRequestEntityTooLarge:
		msg = "Request too large"
	case fiber.StatusNotFound:
		msg = "Not found"
	}
	return c.Status(code).JSON(fiber.Map{"ok": false, "error": msg})
}

// inspect shields the chain from a panicking detector; a panic is a
// system fault, not an admit.
func (p *Pipeline) inspect(ctx context.Context, d Detector, req *RequestContext) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			v = Fault(d.Name(), fmt.Errorf("detector panic: %v", r))
		}
	}()
	return d.Inspect(ctx, req, p.store)
}

// StartSweeper runs the store expiry sweep on its own schedule until ctx
// is done. It never holds more than one shard lock at a time.
func StartSweeper(ctx context.Context, store ClientStore, interval time.Duration, metrics *Metrics, log *logrus.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				removed, err := store.SweepExpired(ctx, now)
				if err != nil {
					log.WithError(err).Warn("store sweep failed")
					continue
				}
				if removed > 0 {
					log.WithField("removed", removed).Debug("swept expired client records")
				}
				if ms, ok := store.(*MemoryStore); ok {
					metrics.SetBlacklistSize(ms.BlacklistSize(now))
				}
			}
		}
	}()
}
