package gateguard

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	botToolRe     = regexp.MustCompile(`(?i)(curl|wget|python-requests|python-urllib|go-http-client|libwww-perl|java/|okhttp|scrapy|httpclient|masscan|nmap|sqlmap|nikto|dirbuster|gobuster|hydra)`)
	botHeadlessRe = regexp.MustCompile(`(?i)(headlesschrome|phantomjs|selenium|puppeteer|playwright|slimerjs)`)
	botGenericRe  = regexp.MustCompile(`(?i)(bot|crawler|spider|scraper)`)
	searchEngines = regexp.MustCompile(`(?i)(googlebot|bingbot|duckduckbot|baiduspider|yandexbot|applebot)`)
)

type botSettings struct {
	Threshold int  `mapstructure:"threshold"`
	Strict    bool `mapstructure:"strict"`
}

// BotDetector scores the request's client fingerprint: automation tool
// user agents, headless browsers, missing or degenerate headers. The
// score is per-request; persistence across requests comes from the
// reputation penalty the responder applies on each denial.
type BotDetector struct {
	settings botSettings
	log      *logrus.Logger
}

func NewBotDetector(dc DetectorConfig, log *logrus.Logger) (*BotDetector, error) {
	s := botSettings{Threshold: 50}
	if err := decodeSettings(dc.Settings, &s); err != nil {
		return nil, fmt.Errorf("bot detector: %w", err)
	}
	if s.Threshold <= 0 {
		return nil, fmt.Errorf("bot detector: threshold must be positive")
	}
	return &BotDetector{settings: s, log: log}, nil
}

func (d *BotDetector) Name() string  { return "bot" }
func (d *BotDetector) Priority() int { return 40 }

func (d *BotDetector) Inspect(_ context.Context, req *RequestContext, _ ClientStore) Verdict {
	ua := req.UserAgent()

	if !d.settings.Strict && searchEngines.MatchString(ua) {
		return Allow()
	}

	score, signals := d.score(req, ua)
	if score < d.settings.Threshold {
		return Allow()
	}

	d.log.WithFields(logrus.Fields{
		"identity": req.Identity,
		"score":    score,
		"signals":  strings.Join(signals, ","),
	}).Warn("automated client detected")

	v := Deny(d.Name(), CategoryPolicy, SeverityMedium, 403, "BOT_DETECTED", "Access denied")
	v.Detail = strings.Join(signals, ",")
	return v
}

func (d *BotDetector) score(req *RequestContext, ua string) (int, []string) {
	score := 0
	var signals []string
	add := func(points int, signal string) {
		score += points
		signals = append(signals, signal)
	}

	bounded := boundString(ua, 512)
	switch {
	case ua == "":
		add(30, "empty_ua")
	case len(ua) < 10:
		add(20, "short_ua")
	}
	if botHeadlessRe.MatchString(bounded) {
		add(40, "headless")
	}
	if botToolRe.MatchString(bounded) {
		add(30, "http_tool")
	}
	if searchEngines.MatchString(bounded) {
		// only reachable in strict mode; the claim is not verified
		if d.settings.Strict {
			add(30, "unverified_search_engine")
		}
	} else if botGenericRe.MatchString(bounded) {
		add(20, "generic_bot")
	}
	if req.Header("Accept") == "" {
		add(15, "no_accept")
	}
	if req.Header("Accept-Language") == "" {
		add(10, "no_accept_language")
	}
	return score, signals
}
