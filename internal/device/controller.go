package device

import (
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"github.com/born-ml/caffe/internal/errdefs"
)

// Controller holds the current device mode and the opened GPU providers.
//
// The mode flag is single-writer: callers must not change it from one
// goroutine while another goroutine is allocating or transferring blobs under
// a different mode. Only the provider cache is locked.
type Controller struct {
	mode    Mode
	device  int
	factory ProviderFactory
	logger  logr.Logger

	mu        sync.Mutex
	providers map[int]Provider
}

// Option configures a Controller.
type Option func(*Controller)

// WithProviderFactory sets how GPU providers are opened.
func WithProviderFactory(f ProviderFactory) Option {
	return func(c *Controller) {
		c.factory = f
	}
}

// WithLogger sets the sink for device events.
func WithLogger(l logr.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// NewController creates a controller in CPU mode.
// Without WithProviderFactory, GPU providers are opened through WebGPU.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		mode:      CPU(),
		factory:   OpenWebGPU,
		logger:    klog.Background(),
		providers: make(map[int]Provider),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Default is the process-wide controller used when a net is loaded without
// an explicit one.
var Default = NewController()

// SetModeCPU selects host execution.
func (c *Controller) SetModeCPU() {
	c.switchTo(CPU())
}

// SetModeGPU selects GPU execution on the given ordinal.
func (c *Controller) SetModeGPU(index int) {
	c.device = index
	c.switchTo(GPU(index))
}

// SetDevice selects the GPU ordinal. In GPU mode the switch is immediate;
// in CPU mode the ordinal is only recorded.
func (c *Controller) SetDevice(index int) {
	c.device = index
	if c.mode.IsGPU() {
		c.switchTo(GPU(index))
	}
}

// Device returns the selected GPU ordinal.
func (c *Controller) Device() int {
	return c.device
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	return c.mode
}

func (c *Controller) switchTo(m Mode) {
	if m == c.mode {
		return
	}
	c.logger.Info("device mode switched", "from", c.mode.String(), "to", m.String())
	c.mode = m
}

// Provider returns the memory provider for m, opening it on first use.
// CPU mode has no provider and returns nil.
func (c *Controller) Provider(m Mode) (Provider, error) {
	if !m.IsGPU() {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.providers[m.Index]; ok {
		return p, nil
	}
	if c.factory == nil {
		return nil, &errdefs.DeviceError{Device: m.String(), Err: ErrNoGPU}
	}
	p, err := c.factory(m.Index)
	if err != nil {
		c.logger.Error(err, "failed to open device", "device", m.String())
		return nil, &errdefs.DeviceError{Device: m.String(), Err: err}
	}
	c.logger.V(1).Info("opened device", "device", m.String(), "provider", p.Name())
	c.providers[m.Index] = p
	return p, nil
}

// Release closes every opened provider.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx, p := range c.providers {
		p.Release()
		delete(c.providers, idx)
	}
}
