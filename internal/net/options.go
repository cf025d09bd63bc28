package net

import (
	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"github.com/born-ml/caffe/internal/device"
	"github.com/born-ml/caffe/internal/layers"
	"github.com/born-ml/caffe/internal/parallel"
)

// Config collects load-time settings. Use the With... options to change
// individual fields.
type Config struct {
	Controller *device.Controller
	Registry   *layers.Registry
	Logger     logr.Logger
	Phase      layers.Phase
	Parallel   parallel.Config
}

// DefaultConfig returns the settings Load starts from: the process-wide
// device controller and layer registry, klog output, TRAIN phase.
func DefaultConfig() Config {
	return Config{
		Controller: device.Default,
		Registry:   layers.Default,
		Logger:     klog.Background(),
		Phase:      layers.Train,
		Parallel:   parallel.DefaultConfig(),
	}
}

// Option configures Load.
type Option func(*Config)

// WithController allocates the net under c's device mode.
func WithController(c *device.Controller) Option {
	return func(cfg *Config) {
		cfg.Controller = c
	}
}

// WithRegistry creates layers from r.
func WithRegistry(r *layers.Registry) Option {
	return func(cfg *Config) {
		cfg.Registry = r
	}
}

// WithLogger sets the log sink.
func WithLogger(l logr.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithPhase selects TRAIN or TEST behavior.
func WithPhase(p layers.Phase) Option {
	return func(cfg *Config) {
		cfg.Phase = p
	}
}

// WithParallel sets the kernel fan-out.
func WithParallel(p parallel.Config) Option {
	return func(cfg *Config) {
		cfg.Parallel = p
	}
}
