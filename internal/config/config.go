// Package config loads the coordinator configuration from an optional YAML
// file and EDGESWARM_* environment overrides.
//
// Precedence, lowest first: built-in defaults, the timing profile, the YAML
// file, environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/edgeswarm/internal/agents"
	"github.com/dreamware/edgeswarm/internal/cluster"
	"github.com/dreamware/edgeswarm/internal/consensus"
	"github.com/dreamware/edgeswarm/internal/health"
	"github.com/dreamware/edgeswarm/internal/site"
	"github.com/dreamware/edgeswarm/internal/threshold"
	"github.com/dreamware/edgeswarm/internal/tuning"
)

// Environment variables.
const (
	EnvAddr        = "EDGESWARM_ADDR"
	EnvConfig      = "EDGESWARM_CONFIG"
	EnvProfile     = "EDGESWARM_PROFILE"
	EnvDecisionDB  = "EDGESWARM_DECISION_DB"
	EnvExecutorURL = "EDGESWARM_EXECUTOR_URL"
)

// Timing profiles.
const (
	ProfileDemo            = "demo"
	ProfileProductionLocal = "production-local"
)

// Circuit configures the per-site circuit breakers.
type Circuit struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	CoolDown         time.Duration `yaml:"cool_down"`
}

// Health configures the site polling loop.
type Health struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Config is the full coordinator configuration.
type Config struct {
	Addr            string              `yaml:"addr"`
	Profile         string              `yaml:"profile"`
	DecisionLogPath string              `yaml:"decision_log"`
	ExecutorURL     string              `yaml:"executor_url"`
	Sites           []cluster.SiteInfo  `yaml:"sites"`
	Participants    []agents.Definition `yaml:"participants"`
	Thresholds      threshold.Config    `yaml:"thresholds"`
	Consensus       consensus.Config    `yaml:"consensus"`
	Tuning          tuning.Options      `yaml:"tuning"`
	Circuit         Circuit             `yaml:"circuit"`
	Health          Health              `yaml:"health"`
	Debug           bool                `yaml:"debug"`
}

// Default returns the demo configuration with the four built-in
// specialists and no static sites.
func Default() Config {
	return Config{
		Addr:         ":8080",
		Profile:      ProfileDemo,
		Thresholds:   threshold.DefaultConfig(),
		Consensus:    consensus.DefaultConfig(),
		Participants: agents.DefaultDefinitions(),
		Tuning:       tuning.DefaultOptions(),
		Circuit: Circuit{
			FailureThreshold: site.DefaultFailureThreshold,
			CoolDown:         site.DefaultCoolDown,
		},
		Health: Health{
			Interval: health.DefaultInterval,
			Timeout:  health.DefaultTimeout,
		},
	}
}

// ForProfile returns the defaults with the named profile's round timing.
func ForProfile(profile string) (Config, error) {
	cfg := Default()
	switch profile {
	case "", ProfileDemo:
		cfg.Profile = ProfileDemo
	case ProfileProductionLocal:
		cfg.Profile = ProfileProductionLocal
		cfg.Consensus = consensus.ProductionLocalConfig()
	default:
		return Config{}, &cluster.ValidationError{Field: "profile", Reason: fmt.Sprintf("unknown profile %q", profile)}
	}
	return cfg, nil
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	var raw []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		raw = b
	}

	// The profile picks the base the file is layered on.
	var head struct {
		Profile string `yaml:"profile"`
	}
	if err := yaml.Unmarshal(raw, &head); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	profile := head.Profile
	if env := os.Getenv(EnvProfile); env != "" {
		profile = env
	}

	cfg, err := ForProfile(profile)
	if err != nil {
		return Config{}, err
	}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
		cfg.Profile = profile
		if cfg.Profile == "" {
			cfg.Profile = ProfileDemo
		}
	}

	if v := os.Getenv(EnvAddr); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv(EnvDecisionDB); v != "" {
		cfg.DecisionLogPath = v
	}
	if v := os.Getenv(EnvExecutorURL); v != "" {
		cfg.ExecutorURL = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv loads the file named by EDGESWARM_CONFIG, if any.
func FromEnv() (Config, error) {
	return Load(os.Getenv(EnvConfig))
}

// Validate checks every section. The first problem is returned as a
// *cluster.ValidationError.
func (c Config) Validate() error {
	if c.Addr == "" {
		return &cluster.ValidationError{Field: "addr", Reason: "must not be empty"}
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if err := c.Consensus.Validate(); err != nil {
		return err
	}
	if c.Circuit.FailureThreshold <= 0 {
		return &cluster.ValidationError{Field: "circuit.failure_threshold", Reason: "must be positive"}
	}
	if c.Circuit.CoolDown <= 0 {
		return &cluster.ValidationError{Field: "circuit.cool_down", Reason: "must be positive"}
	}
	if c.Health.Interval <= 0 || c.Health.Timeout <= 0 {
		return &cluster.ValidationError{Field: "health", Reason: "interval and timeout must be positive"}
	}

	seen := make(map[cluster.SiteID]bool, len(c.Sites))
	for _, s := range c.Sites {
		if s.ID == "" || s.Addr == "" {
			return &cluster.ValidationError{Field: "sites", Reason: "every site needs an id and an addr"}
		}
		if seen[s.ID] {
			return &cluster.ValidationError{Field: "sites", Reason: fmt.Sprintf("duplicate site %s", s.ID)}
		}
		seen[s.ID] = true
	}

	return validateParticipants(c.Participants)
}

func validateParticipants(defs []agents.Definition) error {
	if len(defs) == 0 {
		return &cluster.ValidationError{Field: "participants", Reason: "at least one participant required"}
	}
	ids := make(map[string]bool, len(defs))
	sum := 0.0
	var errs []error
	for _, d := range defs {
		switch {
		case d.ID == "":
			errs = append(errs, errors.New("participant without id"))
		case ids[d.ID]:
			errs = append(errs, fmt.Errorf("duplicate participant %s", d.ID))
		case d.Weight < 0 || d.Weight > 1:
			errs = append(errs, fmt.Errorf("participant %s weight %v outside [0, 1]", d.ID, d.Weight))
		case d.URL == "" && agents.DefaultWeights[d.Specialization] == 0:
			errs = append(errs, fmt.Errorf("participant %s has unknown specialization %q", d.ID, d.Specialization))
		}
		ids[d.ID] = true
		sum += d.Weight
	}
	if math.Abs(sum-1) > consensus.WeightEpsilon {
		errs = append(errs, fmt.Errorf("weights sum to %v, want 1.0", sum))
	}
	if err := errors.Join(errs...); err != nil {
		return &cluster.ValidationError{Field: "participants", Reason: err.Error()}
	}
	return nil
}
