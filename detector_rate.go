package gateguard

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// RateDetector enforces the per-action budgets: login, signup, flag
// checks, API and general traffic each get their own fixed window per
// identity. The increment and the check are one atomic store operation,
// so N concurrent requests can never all read the same count.
type RateDetector struct {
	budgets map[string]RateBudget
	log     *logrus.Logger
}

func NewRateDetector(p *PipelineConfig, log *logrus.Logger) (*RateDetector, error) {
	if len(p.RateBudgets) == 0 {
		return nil, fmt.Errorf("rate detector: no budgets configured")
	}
	budgets := make(map[string]RateBudget, len(p.RateBudgets))
	for action, b := range p.RateBudgets {
		budgets[action] = b
	}
	return &RateDetector{budgets: budgets, log: log}, nil
}

func (d *RateDetector) Name() string  { return "rate" }
func (d *RateDetector) Priority() int { return 60 }

func (d *RateDetector) Inspect(ctx context.Context, req *RequestContext, store ClientStore) Verdict {
	budget, ok := d.budgets[req.Action]
	if !ok {
		budget, ok = d.budgets[ActionGeneral]
		if !ok {
			return Allow()
		}
	}

	count, err := IncrRateWindow(ctx, store, req.Identity, req.Action, budget.Window.Std(), req.ReceivedAt)
	if err != nil {
		return Fault(d.Name(), err)
	}
	if count <= budget.Limit {
		return Allow()
	}

	d.log.WithFields(logrus.Fields{
		"identity": req.Identity,
		"action":   req.Action,
		"count":    count,
		"limit":    budget.Limit,
	}).Warn("rate budget exceeded")

	v := Deny(d.Name(), CategoryRate, SeverityMedium, 429, "RATE_LIMIT_EXCEEDED", "Too many requests")
	v.Detail = fmt.Sprintf("%s: %d/%d in %s", req.Action, count, budget.Limit, budget.Window.Std())
	return v
}
