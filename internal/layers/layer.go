// Package layers implements the layer kinds a net is composed of and the
// registry that instantiates them by type tag.
//
// Every kind implements the same four-step contract:
//
//	SetUp     validate inputs, allocate parameters (first call only)
//	Reshape   compute output shapes from input shapes (pure)
//	Forward   compute outputs from inputs and parameters
//	Backward  compute input gradients and accumulate parameter gradients
//
// Layers work on host memory; the net synchronises blobs before calling in.
package layers

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/born-ml/caffe/internal/errdefs"
	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/parallel"
	"github.com/born-ml/caffe/internal/tensor"
)

// Phase selects training or inference behavior.
type Phase int

// Phases.
const (
	Train Phase = iota
	Test
)

// String returns "TRAIN" or "TEST".
func (p Phase) String() string {
	if p == Test {
		return "TEST"
	}
	return "TRAIN"
}

// Layer is one unit of computation in a net.
type Layer interface {
	Name() string
	Type() string

	// SetUp checks the inputs against the configuration and allocates
	// parameters. Parameters are allocated on the first call only.
	SetUp(bottom []*tensor.Blob) error

	// Reshape returns the output shapes for the given inputs. It does not
	// modify any blob and returns the same shapes for the same input shapes.
	Reshape(bottom []*tensor.Blob) ([]tensor.Shape, error)

	// Forward computes top from bottom. Inputs are not modified.
	Forward(bottom, top []*tensor.Blob) error

	// Backward overwrites the diff of every bottom with propagateDown set
	// and accumulates parameter gradients.
	Backward(top []*tensor.Blob, propagateDown []bool, bottom []*tensor.Blob) error

	// Params returns the learnable parameters, in a stable order.
	Params() []*tensor.Blob
}

// LossLayer marks layers whose outputs are losses. Their outputs weigh 1 in
// the net loss unless the layer spec says otherwise.
type LossLayer interface {
	Layer
	IsLoss() bool
}

// Context carries load-time settings to layer constructors.
type Context struct {
	Phase    Phase
	Logger   logr.Logger
	Parallel parallel.Config
}

// DefaultContext returns a TRAIN context with a discarding logger.
func DefaultContext() *Context {
	return &Context{
		Phase:    Train,
		Logger:   logr.Discard(),
		Parallel: parallel.DefaultConfig(),
	}
}

// Creator builds a layer from its spec.
type Creator func(spec *graph.LayerSpec, ctx *Context) (Layer, error)

// Registry maps layer type tags to constructors.
type Registry struct {
	mu       sync.RWMutex
	creators map[string]Creator
}

// NewRegistry creates a registry holding every built-in layer kind.
func NewRegistry() *Registry {
	r := &Registry{creators: make(map[string]Creator)}

	r.Register("Input", newInput)
	r.Register("InnerProduct", newInnerProduct)
	r.Register("Embed", newEmbed)
	r.Register("Split", newSplit)
	r.registerActivations()
	r.registerLosses()
	r.Register("Softmax", newSoftmax)
	r.Register("Normalize2", newNormalize2)
	r.Register("Dropout", newDropout)
	r.Register("DetectionOutput", newDetectionOutput)

	return r
}

// Register adds or replaces the constructor for a layer type.
func (r *Registry) Register(layerType string, c Creator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creators[layerType] = c
}

// Create instantiates the layer described by spec.
func (r *Registry) Create(spec *graph.LayerSpec, ctx *Context) (Layer, error) {
	r.mu.RLock()
	c, ok := r.creators[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, &errdefs.ConfigError{
			Layer:   spec.Name,
			Param:   "type",
			Details: fmt.Sprintf("unknown layer type %q (known: %s)", spec.Type, strings.Join(r.TypeList(), ", ")),
		}
	}
	if ctx == nil {
		ctx = DefaultContext()
	}
	return c(spec, ctx)
}

// TypeList returns the registered type tags, sorted.
func (r *Registry) TypeList() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.creators))
	for t := range r.creators {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Default is the process-wide registry.
var Default = NewRegistry()

// Register adds a layer type to the default registry.
func Register(layerType string, c Creator) {
	Default.Register(layerType, c)
}

// Create instantiates a layer from the default registry.
func Create(spec *graph.LayerSpec, ctx *Context) (Layer, error) {
	return Default.Create(spec, ctx)
}

// TypeList returns the type tags of the default registry.
func TypeList() []string {
	return Default.TypeList()
}
