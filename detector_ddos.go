package gateguard

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	volumeSecondAction = "_volume_1s"
	volumeMinuteAction = "_volume_60s"
)

type volumeSettings struct {
	MaxPerSecond   int           `mapstructure:"max_per_second"`
	MaxPerMinute   int           `mapstructure:"max_per_minute"`
	BurstBlock     time.Duration `mapstructure:"burst_block"`
	SustainedBlock time.Duration `mapstructure:"sustained_block"`
}

// VolumeDetector is the cheapest check and runs first: raw request volume
// per identity, a one-second burst window and a one-minute sustained
// window. It counts every request, admitted or not.
type VolumeDetector struct {
	settings volumeSettings
	log      *logrus.Logger
}

func NewVolumeDetector(dc DetectorConfig, log *logrus.Logger) (*VolumeDetector, error) {
	s := volumeSettings{
		MaxPerSecond:   10,
		MaxPerMinute:   100,
		BurstBlock:     5 * time.Minute,
		SustainedBlock: 10 * time.Minute,
	}
	if err := decodeSettings(dc.Settings, &s); err != nil {
		return nil, fmt.Errorf("volume detector: %w", err)
	}
	if s.MaxPerSecond <= 0 || s.MaxPerMinute <= 0 {
		return nil, fmt.Errorf("volume detector: thresholds must be positive")
	}
	return &VolumeDetector{settings: s, log: log}, nil
}

func (d *VolumeDetector) Name() string  { return "volume" }
func (d *VolumeDetector) Priority() int { return 10 }

func (d *VolumeDetector) Inspect(ctx context.Context, req *RequestContext, store ClientStore) Verdict {
	perSec, err := IncrRateWindow(ctx, store, req.Identity, volumeSecondAction, time.Second, req.ReceivedAt)
	if err != nil {
		return Fault(d.Name(), err)
	}
	if perSec > d.settings.MaxPerSecond {
		v := Deny(d.Name(), CategoryRate, SeverityCritical, 429, "DDOS_DETECTED", "Too many requests")
		v.BlockFor = d.settings.BurstBlock
		v.Detail = fmt.Sprintf("%d requests in 1s", perSec)
		return v
	}

	perMin, err := IncrRateWindow(ctx, store, req.Identity, volumeMinuteAction, time.Minute, req.ReceivedAt)
	if err != nil {
		return Fault(d.Name(), err)
	}
	if perMin > d.settings.MaxPerMinute {
		v := Deny(d.Name(), CategoryRate, SeverityCritical, 429, "DDOS_DETECTED", "Too many requests")
		v.BlockFor = d.settings.SustainedBlock
		v.Detail = fmt.Sprintf("%d requests in 60s", perMin)
		return v
	}
	return Allow()
}
