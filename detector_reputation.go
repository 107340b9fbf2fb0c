package gateguard

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// ReputationDetector gates on what is already known about the identity:
// whitelisted networks bypass the rest of the chain, statically or
// dynamically blacklisted clients are refused, and a reputation score at
// or below the floor converts into a long ban on the spot.
type ReputationDetector struct {
	whitelist []*net.IPNet
	blacklist []*net.IPNet
	floor     int
	floorBan  time.Duration
	log       *logrus.Logger
}

func NewReputationDetector(p *PipelineConfig, _ DetectorConfig, log *logrus.Logger) (*ReputationDetector, error) {
	wl, err := parseCIDRs(p.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("reputation detector whitelist: %w", err)
	}
	bl, err := parseCIDRs(p.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("reputation detector blacklist: %w", err)
	}
	return &ReputationDetector{
		whitelist: wl,
		blacklist: bl,
		floor:     p.ReputationFloor,
		floorBan:  p.FloorBanDuration.Std(),
		log:       log,
	}, nil
}

func (d *ReputationDetector) Name() string  { return "reputation" }
func (d *ReputationDetector) Priority() int { return 30 }

func (d *ReputationDetector) Inspect(ctx context.Context, req *RequestContext, store ClientStore) Verdict {
	if ipInNets(req.ClientIP, d.whitelist) {
		return Bypass(d.Name())
	}
	if ipInNets(req.ClientIP, d.blacklist) {
		v := Deny(d.Name(), CategoryPolicy, SeverityHigh, 403, "BLACKLIST_HIT", "Access denied")
		v.Detail = "static blacklist"
		return v
	}

	rec, err := store.Get(ctx, req.Identity)
	if err != nil {
		return Fault(d.Name(), err)
	}
	if rec.Blacklist.Active(req.ReceivedAt) {
		v := Deny(d.Name(), CategoryPolicy, SeverityHigh, 403, "BLACKLIST_HIT", "Access denied")
		v.Detail = "banned: " + rec.Blacklist.Reason
		return v
	}
	if rec.Reputation.Score <= d.floor {
		if err := SetBlacklist(ctx, store, req.Identity, BlacklistEntry{
			Reason:    "reputation floor",
			Severity:  SeverityCritical,
			CreatedAt: req.ReceivedAt,
			ExpiresAt: req.ReceivedAt.Add(d.floorBan),
		}); err != nil {
			return Fault(d.Name(), err)
		}
		d.log.WithFields(logrus.Fields{
			"identity": req.Identity,
			"score":    rec.Reputation.Score,
		}).Warn("reputation floor reached, client banned")
		v := Deny(d.Name(), CategoryPolicy, SeverityCritical, 403, "REPUTATION_BANNED", "Access denied")
		v.Detail = fmt.Sprintf("score %d at floor %d", rec.Reputation.Score, d.floor)
		return v
	}
	return Allow()
}
