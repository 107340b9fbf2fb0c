package gateguard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

// Duration unmarshals JSON strings like "300s" or "6h".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val) * time.Second)
		return nil
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

type Config struct {
	Server   ServerConfig   `json:"server"`
	Pipeline PipelineConfig `json:"pipeline"`
}

type ServerConfig struct {
	Listen        string `json:"listen"`
	MetricsListen string `json:"metrics_listen"`
	DatabasePath  string `json:"database_path"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	LogLevel      string `json:"log_level"`
	LogJSON       bool   `json:"log_json"`
}

type DetectorConfig struct {
	Name     string         `json:"name"`
	Enabled  *bool          `json:"enabled,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

func (d DetectorConfig) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

type RateBudget struct {
	Limit  int      `json:"limit"`
	Window Duration `json:"window"`
}

type PipelineConfig struct {
	Detectors []DetectorConfig `json:"detectors"`

	RateBudgets map[string]RateBudget `json:"rate_budgets"`

	// ReputationDeltas is the penalty applied per denial severity.
	ReputationDeltas map[Severity]int `json:"reputation_deltas"`
	ReputationFloor  int              `json:"reputation_floor"`
	CorrelationDelta int              `json:"correlation_delta"`

	// BlacklistDurations holds the base ban per severity; severities
	// without an entry never ban on their own.
	BlacklistDurations map[Severity]Duration `json:"blacklist_durations"`
	FloorBanDuration   Duration              `json:"floor_ban_duration"`

	BehaviorThreshold  int      `json:"behavior_threshold"`
	AnomalyIncrement   int      `json:"anomaly_increment"`
	BehaviorDecayAfter Duration `json:"behavior_decay_after"`
	BehaviorSamples    int      `json:"behavior_samples"`

	CorrelationWindow Duration `json:"correlation_window"`

	MaxBodyBytes   int `json:"max_body_bytes"`
	MaxHeaderBytes int `json:"max_header_bytes"`
	MaxQueryBytes  int `json:"max_query_bytes"`
	MaxFormBytes   int `json:"max_form_bytes"`

	Whitelist []string `json:"whitelist"`
	Blacklist []string `json:"blacklist"`

	SweepInterval  Duration `json:"sweep_interval"`
	RecordIdleTTL  Duration `json:"record_idle_ttl"`
	AuditRingSize  int      `json:"audit_ring_size"`
	PersistAudit   bool     `json:"persist_audit"`
	OffenseCapMult int      `json:"offense_cap_mult"`
}

// DefaultConfig mirrors the shipped config.json. Every value can be
// overridden per deployment.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        ":8080",
			MetricsListen: ":9100",
			DatabasePath:  "gateguard.db",
			LogLevel:      "info",
		},
		Pipeline: PipelineConfig{
			Detectors: []DetectorConfig{
				{Name: "volume"},
				{Name: "structural"},
				{Name: "reputation"},
				{Name: "bot"},
				{Name: "signature"},
				{Name: "rate"},
				{Name: "behavior"},
			},
			RateBudgets: map[string]RateBudget{
				ActionLogin:   {Limit: 5, Window: Duration(300 * time.Second)},
				ActionSignup:  {Limit: 3, Window: Duration(time.Hour)},
				ActionCTF:     {Limit: 10, Window: Duration(time.Minute)},
				ActionAPI:     {Limit: 100, Window: Duration(time.Minute)},
				ActionGeneral: {Limit: 200, Window: Duration(time.Minute)},
			},
			ReputationDeltas: map[Severity]int{
				SeverityCritical: -50,
				SeverityHigh:     -25,
				SeverityMedium:   -10,
				SeverityLow:      0,
			},
			ReputationFloor:  -100,
			CorrelationDelta: -30,
			BlacklistDurations: map[Severity]Duration{
				SeverityCritical: Duration(72 * time.Hour),
				SeverityHigh:     Duration(6 * time.Hour),
			},
			FloorBanDuration:   Duration(168 * time.Hour),
			BehaviorThreshold:  50,
			AnomalyIncrement:   10,
			BehaviorDecayAfter: Duration(time.Hour),
			BehaviorSamples:    100,
			CorrelationWindow:  Duration(5 * time.Minute),
			MaxBodyBytes:       10 * 1024,
			MaxHeaderBytes:     8192,
			MaxQueryBytes:      2000,
			MaxFormBytes:       50000,
			SweepInterval:      Duration(time.Minute),
			RecordIdleTTL:      Duration(24 * time.Hour),
			AuditRingSize:      1000,
			OffenseCapMult:     4,
		},
	}
}

// LoadConfig reads path, layers it over the defaults and validates the
// result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is empty")
	}
	p := &c.Pipeline
	for action, b := range p.RateBudgets {
		if b.Limit <= 0 {
			return fmt.Errorf("rate budget %s has invalid limit %d", action, b.Limit)
		}
		if b.Window.Std() <= 0 {
			return fmt.Errorf("rate budget %s has invalid window %v", action, b.Window.Std())
		}
	}
	if p.ReputationFloor >= 0 {
		return fmt.Errorf("reputation floor must be negative, got %d", p.ReputationFloor)
	}
	if p.BehaviorThreshold <= 0 {
		return fmt.Errorf("behavior threshold must be positive, got %d", p.BehaviorThreshold)
	}
	if p.CorrelationWindow.Std() <= 0 {
		return fmt.Errorf("correlation window must be positive")
	}
	if p.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}
	for _, d := range p.Detectors {
		if d.Name == "" {
			return fmt.Errorf("detector with empty name")
		}
		if _, ok := detectorFactories[d.Name]; !ok {
			return fmt.Errorf("unknown detector %q", d.Name)
		}
	}
	if _, err := parseCIDRs(p.Whitelist); err != nil {
		return fmt.Errorf("whitelist: %w", err)
	}
	if _, err := parseCIDRs(p.Blacklist); err != nil {
		return fmt.Errorf("blacklist: %w", err)
	}
	return nil
}

// decodeSettings fills a detector settings struct from the free-form
// settings map, leaving fields at their preset defaults when absent.
func decodeSettings(settings map[string]any, out any) error {
	if len(settings) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(settings); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}

// ConfigWatcher reloads the config file on change and publishes the new
// value atomically. Readers call Current on every request, so a reload
// takes effect without a restart.
type ConfigWatcher struct {
	path    string
	current atomic.Pointer[Config]
	log     *logrus.Logger
	watcher *fsnotify.Watcher
	onSwap  func(*Config)
	done    chan struct{}
}

func NewConfigWatcher(path string, initial *Config, log *logrus.Logger, onSwap func(*Config)) (*ConfigWatcher, error) {
	w := &ConfigWatcher{path: path, log: log, onSwap: onSwap, done: make(chan struct{})}
	w.current.Store(initial)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	// Watch the directory; editors replace the file instead of writing in
	// place, which drops a watch on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	w.watcher = fw
	go w.loop()
	return w, nil
}

func (w *ConfigWatcher) Current() *Config { return w.current.Load() }

func (w *ConfigWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *ConfigWatcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadConfig(w.path)
			if err != nil {
				w.log.WithError(err).Warn("config reload rejected")
				continue
			}
			w.current.Store(cfg)
			if w.onSwap != nil {
				w.onSwap(cfg)
			}
			w.log.WithField("path", w.path).Info("config reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		}
	}
}
