package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Mode            string             `yaml:"mode"`
	Stream          StreamConfig       `yaml:"stream"`
	SIEM            SIEMConfig         `yaml:"siem"`
	Decision        DecisionConfig     `yaml:"decision"`
	Risk            RiskConfig         `yaml:"risk"`
	Resurrection    ResurrectionConfig `yaml:"resurrection"`
	CriticalModules []string           `yaml:"critical_modules"`
	Calibration     CalibrationConfig  `yaml:"calibration"`
	Store           StoreConfig        `yaml:"store"`
	HTTP            HTTPConfig         `yaml:"http"`
	Log             LogConfig          `yaml:"log"`
}

type StreamConfig struct {
	Kind          string       `yaml:"kind"`
	Endpoint      string       `yaml:"endpoint"`
	Topic         string       `yaml:"topic"`
	ConsumerGroup string       `yaml:"consumer_group"`
	ClaimIdleMs   int          `yaml:"claim_idle_ms"`
	PubSub        PubSubConfig `yaml:"pubsub"`
	Mock          MockConfig   `yaml:"mock"`
}

type PubSubConfig struct {
	ProjectID       string `yaml:"project_id"`
	Subscription    string `yaml:"subscription"`
	CredentialsFile string `yaml:"credentials_file"`
}

type MockConfig struct {
	IntervalMs int `yaml:"interval_ms"`
}

type SIEMConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	TimeoutMs int           `yaml:"timeout_ms"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	ConsecutiveFailures int `yaml:"consecutive_failures"`
	CooldownS           int `yaml:"cooldown_s"`
}

type DecisionConfig struct {
	AutoApprove           AutoApproveConfig `yaml:"auto_approve"`
	PendingTimeoutMinutes int               `yaml:"pending_timeout_minutes"`
}

type AutoApproveConfig struct {
	Enabled       bool    `yaml:"enabled"`
	MinConfidence float64 `yaml:"min_confidence"`
	MaxRisk       float64 `yaml:"max_risk"`
}

type RiskConfig struct {
	Weights RiskWeights `yaml:"weights"`
}

type RiskWeights struct {
	SmithConfidence      float64 `yaml:"smith_confidence"`
	SIEMRisk             float64 `yaml:"siem_risk"`
	FalsePositiveHistory float64 `yaml:"false_positive_history"`
	ModuleCriticality    float64 `yaml:"module_criticality"`
	Severity             float64 `yaml:"severity"`
}

type ResurrectionConfig struct {
	Executor             string `yaml:"executor"`
	HealthCheckIntervalS int    `yaml:"health_check_interval_s"`
	HealthCheckTimeoutS  int    `yaml:"health_check_timeout_s"`
	MaxRetryAttempts     int    `yaml:"max_retry_attempts"`
	LabelPrefix          string `yaml:"label_prefix"`
}

type CalibrationConfig struct {
	IntervalHours int `yaml:"interval_hours"`
	WindowDays    int `yaml:"window_days"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type HTTPConfig struct {
	Listen             string `yaml:"listen"`
	APIKeyHash         string `yaml:"api_key_hash"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when a key is absent from the
// YAML file. LoadConfig starts from these values, so a minimal file only
// has to name what it changes.
func Default() *Config {
	return &Config{
		Mode: "observer",
		Stream: StreamConfig{
			Kind:          "durable",
			Endpoint:      "redis://localhost:6379/0",
			Topic:         "smith.events.kill_notifications",
			ConsumerGroup: "medic-agent",
			ClaimIdleMs:   300000,
			Mock:          MockConfig{IntervalMs: 5000},
		},
		SIEM: SIEMConfig{
			Enabled:   false,
			TimeoutMs: 5000,
			Breaker: BreakerConfig{
				ConsecutiveFailures: 3,
				CooldownS:           30,
			},
		},
		Decision: DecisionConfig{
			AutoApprove: AutoApproveConfig{
				Enabled:       true,
				MinConfidence: 0.85,
				MaxRisk:       0.30,
			},
			PendingTimeoutMinutes: 60,
		},
		Risk: RiskConfig{
			Weights: RiskWeights{
				SmithConfidence:      0.30,
				SIEMRisk:             0.25,
				FalsePositiveHistory: 0.20,
				ModuleCriticality:    0.15,
				Severity:             0.10,
			},
		},
		Resurrection: ResurrectionConfig{
			Executor:             "container",
			HealthCheckIntervalS: 1,
			HealthCheckTimeoutS:  60,
			MaxRetryAttempts:     2,
			LabelPrefix:          "medic.module",
		},
		Calibration: CalibrationConfig{
			IntervalHours: 24,
			WindowDays:    30,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/outcomes.db",
		},
		HTTP: HTTPConfig{
			Listen:             "0.0.0.0:8000",
			RateLimitPerMinute: 120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig reads the YAML file at path on top of Default values,
// applies environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment overrides. MEDIC_MODE wins over the file
// so deployments can flip observer/live without editing YAML. Credentials
// (SIEM_TOKEN, MEDIC_STORE_PASSWORD) are read by their components at use
// time and never stored on Config.
func (c *Config) applyEnv() {
	if mode := os.Getenv("MEDIC_MODE"); mode != "" {
		c.Mode = mode
	}
}

// Validate checks the invariants a running agent depends on. A non-nil
// error means the process must refuse to start.
func (c *Config) Validate() error {
	if c.Mode != "observer" && c.Mode != "live" {
		return fmt.Errorf("mode must be observer or live, got %q", c.Mode)
	}

	switch c.Stream.Kind {
	case "durable", "pubsub", "mock":
	default:
		return fmt.Errorf("stream.kind must be durable, pubsub or mock, got %q", c.Stream.Kind)
	}
	if c.Stream.Kind == "pubsub" && c.Stream.PubSub.Subscription == "" {
		return fmt.Errorf("stream.pubsub.subscription is required when stream.kind is pubsub")
	}

	if c.SIEM.Enabled && c.SIEM.BaseURL == "" {
		return fmt.Errorf("siem.base_url is required when siem.enabled is true")
	}

	if err := c.Risk.Weights.Validate(); err != nil {
		return err
	}

	aa := c.Decision.AutoApprove
	if aa.MinConfidence < 0 || aa.MinConfidence > 1 {
		return fmt.Errorf("decision.auto_approve.min_confidence must be in [0,1], got %v", aa.MinConfidence)
	}
	if aa.MaxRisk < 0 || aa.MaxRisk > 1 {
		return fmt.Errorf("decision.auto_approve.max_risk must be in [0,1], got %v", aa.MaxRisk)
	}
	if c.Decision.PendingTimeoutMinutes <= 0 {
		return fmt.Errorf("decision.pending_timeout_minutes must be positive, got %d", c.Decision.PendingTimeoutMinutes)
	}

	switch c.Resurrection.Executor {
	case "container", "dry_run":
	default:
		return fmt.Errorf("resurrection.executor must be container or dry_run, got %q", c.Resurrection.Executor)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite, postgres or memory, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required when store.driver is postgres")
	}

	return nil
}

// Validate enforces that the factor weights form a convex combination.
// Tolerance is 1e-6; anything further off means a misconfigured file and
// the agent refuses to start rather than score with a skewed formula.
func (w RiskWeights) Validate() error {
	for name, v := range map[string]float64{
		"smith_confidence":       w.SmithConfidence,
		"siem_risk":              w.SIEMRisk,
		"false_positive_history": w.FalsePositiveHistory,
		"module_criticality":     w.ModuleCriticality,
		"severity":               w.Severity,
	} {
		if v < 0 {
			return fmt.Errorf("risk.weights.%s must be non-negative, got %v", name, v)
		}
	}

	sum := w.SmithConfidence + w.SIEMRisk + w.FalsePositiveHistory + w.ModuleCriticality + w.Severity
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("risk.weights must sum to 1.0, got %v", sum)
	}
	return nil
}

// IsCritical reports whether module is in the critical set.
func (c *Config) IsCritical(module string) bool {
	for _, m := range c.CriticalModules {
		if m == module {
			return true
		}
	}
	return false
}
