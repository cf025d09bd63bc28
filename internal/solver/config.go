package solver

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Solver types.
const (
	TypeSGD  = "SGD"
	TypeAdam = "Adam"
)

// Learning rate policies.
const (
	PolicyFixed = "fixed" // base_lr
	PolicyStep  = "step"  // base_lr * gamma ^ floor(iter / stepsize)
	PolicyExp   = "exp"   // base_lr * gamma ^ iter
	PolicyInv   = "inv"   // base_lr * (1 + gamma * iter) ^ -power
	PolicyPoly  = "poly"  // base_lr * (1 - iter / max_iter) ^ power
)

// Regularization kinds.
const (
	RegL2 = "L2"
	RegL1 = "L1"
)

// Config holds solver settings. Start from DefaultConfig or
// DefaultAdamConfig; empty strings, a zero base_lr and a zero delta are
// replaced by defaults when a solver is created.
type Config struct {
	Type           string  `yaml:"type"`
	BaseLR         float32 `yaml:"base_lr"`
	LRPolicy       string  `yaml:"lr_policy"`
	Gamma          float32 `yaml:"gamma,omitempty"`
	Power          float32 `yaml:"power,omitempty"`
	StepSize       int     `yaml:"stepsize,omitempty"`
	MaxIter        int     `yaml:"max_iter,omitempty"`
	Momentum       float32 `yaml:"momentum,omitempty"`  // SGD momentum, Adam beta1
	Momentum2      float32 `yaml:"momentum2,omitempty"` // Adam beta2
	Delta          float32 `yaml:"delta,omitempty"`     // Adam epsilon
	WeightDecay    float32 `yaml:"weight_decay,omitempty"`
	Regularization string  `yaml:"regularization_type,omitempty"`
	ClipGradients  float32 `yaml:"clip_gradients,omitempty"`

	// Driver settings, read by the command line tool.
	Net            string `yaml:"net,omitempty"`
	Display        int    `yaml:"display,omitempty"`
	Snapshot       int    `yaml:"snapshot,omitempty"`
	SnapshotPrefix string `yaml:"snapshot_prefix,omitempty"`
}

// DefaultConfig returns plain SGD with a fixed rate of 0.01.
func DefaultConfig() Config {
	cfg := Config{Type: TypeSGD}
	cfg.applyDefaults()
	return cfg
}

// DefaultAdamConfig returns Adam with the usual betas and a rate of 0.001.
func DefaultAdamConfig() Config {
	cfg := Config{Type: TypeAdam, Momentum: 0.9, Momentum2: 0.999}
	cfg.applyDefaults()
	return cfg
}

// defaultsFor returns the defaults of solver type typ.
func defaultsFor(typ string) Config {
	if typ == TypeAdam {
		return DefaultAdamConfig()
	}
	return DefaultConfig()
}

// applyDefaults fills fields whose zero value is unusable. The momentum
// terms are taken as given: zero is a valid beta.
func (c *Config) applyDefaults() {
	if c.Type == "" {
		c.Type = TypeSGD
	}
	if c.LRPolicy == "" {
		c.LRPolicy = PolicyFixed
	}
	if c.Regularization == "" {
		c.Regularization = RegL2
	}
	if c.Type == TypeAdam {
		if c.BaseLR == 0 {
			c.BaseLR = 0.001
		}
		if c.Delta == 0 {
			c.Delta = 1e-8
		}
		return
	}
	if c.BaseLR == 0 {
		c.BaseLR = 0.01
	}
}

// Validate checks the settings after defaults are applied.
func (c Config) Validate() error {
	c.applyDefaults()
	if c.BaseLR < 0 {
		return errors.Errorf("base_lr must not be negative, got %g", c.BaseLR)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return errors.Errorf("momentum must be in [0, 1), got %g", c.Momentum)
	}
	if c.Type == TypeAdam && (c.Momentum2 < 0 || c.Momentum2 >= 1) {
		return errors.Errorf("momentum2 must be in [0, 1), got %g", c.Momentum2)
	}
	if c.Delta < 0 {
		return errors.Errorf("delta must not be negative, got %g", c.Delta)
	}
	switch c.LRPolicy {
	case PolicyFixed, PolicyExp, PolicyInv:
	case PolicyStep:
		if c.StepSize <= 0 {
			return errors.Errorf("lr_policy %q needs a positive stepsize", c.LRPolicy)
		}
	case PolicyPoly:
		if c.MaxIter <= 0 {
			return errors.Errorf("lr_policy %q needs a positive max_iter", c.LRPolicy)
		}
	default:
		return errors.Errorf("unknown lr_policy %q", c.LRPolicy)
	}
	switch c.Regularization {
	case RegL1, RegL2:
	default:
		return errors.Errorf("unknown regularization_type %q", c.Regularization)
	}
	return nil
}

// ParseConfig decodes YAML settings over the defaults of the named solver
// type, so omitted keys keep their defaults and explicit zeros stay zero.
// Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	var head struct {
		Type string `yaml:"type"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse solver config")
	}
	cfg := defaultsFor(head.Type)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "failed to parse solver config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads YAML settings from path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read solver config")
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, errors.Wrap(err, path)
	}
	return cfg, nil
}
