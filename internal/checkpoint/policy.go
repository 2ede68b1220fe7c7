package checkpoint

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Rule decides when a checkpoint is due. A checkpoint fires when either the
// unit interval or the time interval has elapsed since the last save, or when
// the caller forces one (shutdown, manual request).
type Rule struct {
	EveryUnits    int64         `yaml:"every_units"`
	EveryInterval time.Duration `yaml:"every_interval"`
}

// UnmarshalYAML accepts every_interval as a duration string ("5m", "30s").
func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		EveryUnits    int64  `yaml:"every_units"`
		EveryInterval string `yaml:"every_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	r.EveryUnits = raw.EveryUnits
	if raw.EveryInterval != "" {
		d, err := time.ParseDuration(raw.EveryInterval)
		if err != nil {
			return fmt.Errorf("every_interval: %w", err)
		}
		r.EveryInterval = d
	}
	return nil
}

// PolicyConfig is the on-disk policy format:
//
//	defaults:
//	  every_units: 10
//	  every_interval: 5m
//	types:
//	  training:
//	    every_units: 5
//	  backtest:
//	    every_units: 1000
type PolicyConfig struct {
	Defaults Rule            `yaml:"defaults"`
	Types    map[string]Rule `yaml:"types"`
}

// DefaultRule applies when no policy file is configured.
var DefaultRule = Rule{EveryUnits: 10, EveryInterval: 5 * time.Minute}

// Policy tracks per-job checkpoint cadence against configured rules.
type Policy struct {
	cfg PolicyConfig

	mu   sync.Mutex
	last map[string]mark
}

type mark struct {
	unit int64
	at   time.Time
}

// LoadPolicy reads a policy file. An empty path yields the built-in defaults.
func LoadPolicy(path string) (*Policy, error) {
	cfg := PolicyConfig{Defaults: DefaultRule}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read checkpoint policy %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse checkpoint policy %s: %w", path, err)
		}
		if cfg.Defaults == (Rule{}) {
			cfg.Defaults = DefaultRule
		}
	}
	return &Policy{cfg: cfg, last: make(map[string]mark)}, nil
}

// NewPolicy creates a policy from an in-memory config.
func NewPolicy(cfg PolicyConfig) *Policy {
	if cfg.Defaults == (Rule{}) {
		cfg.Defaults = DefaultRule
	}
	return &Policy{cfg: cfg, last: make(map[string]mark)}
}

func (p *Policy) rule(jobType string) Rule {
	if r, ok := p.cfg.Types[jobType]; ok {
		if r.EveryUnits == 0 {
			r.EveryUnits = p.cfg.Defaults.EveryUnits
		}
		if r.EveryInterval == 0 {
			r.EveryInterval = p.cfg.Defaults.EveryInterval
		}
		return r
	}
	return p.cfg.Defaults
}

// ShouldCheckpoint reports whether a checkpoint is due for the job at the
// given progress unit. force bypasses the cadence entirely.
func (p *Policy) ShouldCheckpoint(jobID, jobType string, unit int64, force bool) bool {
	if force {
		return true
	}
	r := p.rule(jobType)

	p.mu.Lock()
	defer p.mu.Unlock()
	m, seen := p.last[jobID]
	if !seen {
		return true
	}
	if r.EveryUnits > 0 && unit-m.unit >= r.EveryUnits {
		return true
	}
	if r.EveryInterval > 0 && time.Since(m.at) >= r.EveryInterval {
		return true
	}
	return false
}

// MarkCheckpointed records a successful save so cadence counts restart.
func (p *Policy) MarkCheckpointed(jobID string, unit int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last[jobID] = mark{unit: unit, at: time.Now()}
}

// Forget drops cadence tracking for a finished job.
func (p *Policy) Forget(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.last, jobID)
}
