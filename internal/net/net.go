// Package net executes layer graphs.
//
// Load turns a graph.Definition into a Net: it validates the graph, inserts
// Split layers for shared tensors, allocates one blob per tensor under the
// controller's device mode and sets every layer up in execution order.
// Forward and Backward then run the layers in that order and its reverse.
//
// A Net is driven by one goroutine at a time. Overlapping calls fail with a
// StateError instead of blocking. Separate nets may run concurrently.
//
// Example:
//
//	n, err := net.Load(&def, net.WithPhase(layers.Test))
//	if err != nil {
//	    return err
//	}
//	outputs, err := n.Forward(ctx)
package net

import (
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/born-ml/caffe/internal/device"
	"github.com/born-ml/caffe/internal/errdefs"
	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/layers"
	"github.com/born-ml/caffe/internal/tensor"
)

// Net is a loaded, executable layer graph.
type Net struct {
	id     uuid.UUID
	name   string
	source graph.Definition // as given to Load
	def    graph.Definition // with Split layers
	config Config
	logger logr.Logger

	mode     device.Mode
	provider device.Provider

	order         []int // indices into def.Layers
	layers        []layers.Layer
	bottoms       [][]*tensor.Blob
	tops          [][]*tensor.Blob
	needBackward  []bool
	propagateDown [][]bool
	lossWeights   [][]float32 // per layer, per top

	blobs     map[string]*tensor.Blob
	blobNames []string
	inputs    []string
	outputs   []string
	params    []*tensor.Blob
	owners    []string // layer name per param

	state   atomic.Int32
	reached int // end of the contiguous forward run on the current input shapes, -1 for none
	loss    float32
	iter    int
}

// Load builds a Net from def. Every failure is returned as a LoadError
// wrapping the first ConfigError, CycleError, DanglingInputError,
// ShapeError or DeviceError met.
func Load(def *graph.Definition, opts ...Option) (*Net, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	n, err := load(def, cfg)
	if err != nil {
		return nil, &errdefs.LoadError{Net: def.Name, Err: err}
	}
	return n, nil
}

func load(def *graph.Definition, cfg Config) (*Net, error) {
	if _, err := graph.Validate(def); err != nil {
		return nil, err
	}
	expanded := graph.InsertSplits(def)
	order, err := graph.Sort(&expanded)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	n := &Net{
		id:      id,
		name:    def.Name,
		source:  def.Clone(),
		def:     expanded,
		config:  cfg,
		logger:  cfg.Logger.WithValues("net", def.Name, "id", id.String()),
		order:   order,
		blobs:   make(map[string]*tensor.Blob),
		reached: -1,
	}

	n.mode = cfg.Controller.Mode()
	if n.provider, err = cfg.Controller.Provider(n.mode); err != nil {
		return nil, err
	}
	n.logger.V(1).Info("loading net", "layers", len(expanded.Layers), "mode", n.mode.String(), "phase", cfg.Phase.String())

	for _, in := range expanded.Inputs {
		b, err := n.newBlob(in.Name, tensor.Shape(in.Shape))
		if err != nil {
			n.Release()
			return nil, err
		}
		n.inputs = append(n.inputs, in.Name)
		b.ZeroGrad()
	}

	for _, idx := range order {
		if err := n.appendLayer(&expanded.Layers[idx]); err != nil {
			n.Release()
			return nil, err
		}
	}
	n.markBackward()
	n.outputs = graph.Outputs(def)

	n.state.Store(int32(Ready))
	n.logger.Info("net loaded", "layers", len(n.layers), "blobs", len(n.blobs), "params", len(n.params))
	return n, nil
}

func (n *Net) newBlob(name string, shape tensor.Shape) (*tensor.Blob, error) {
	b, err := tensor.NewBlob(name, shape, n.mode, n.provider)
	if err != nil {
		return nil, err
	}
	n.blobs[name] = b
	n.blobNames = append(n.blobNames, name)
	return b, nil
}

// appendLayer creates, wires and sets up one layer.
func (n *Net) appendLayer(spec *graph.LayerSpec) error {
	ctx := &layers.Context{
		Phase:    n.config.Phase,
		Logger:   n.logger.WithValues("layer", spec.Name),
		Parallel: n.config.Parallel,
	}
	l, err := n.config.Registry.Create(spec, ctx)
	if err != nil {
		return err
	}

	bottom := make([]*tensor.Blob, len(spec.Inputs))
	for i, name := range spec.Inputs {
		bottom[i] = n.blobs[name]
	}
	for _, b := range bottom {
		if err := b.SyncHost(); err != nil {
			return err
		}
	}
	if err := l.SetUp(bottom); err != nil {
		return err
	}
	shapes, err := l.Reshape(bottom)
	if err != nil {
		return err
	}
	if len(shapes) != len(spec.Outputs) {
		return &errdefs.ConfigError{
			Layer:   spec.Name,
			Param:   "top",
			Details: fmt.Sprintf("layer computes %d outputs, spec names %d", len(shapes), len(spec.Outputs)),
		}
	}

	top := make([]*tensor.Blob, len(spec.Outputs))
	for i, name := range spec.Outputs {
		if top[i], err = n.newBlob(name, shapes[i]); err != nil {
			return err
		}
	}

	weights, err := lossWeights(l, spec)
	if err != nil {
		return err
	}

	if len(spec.Blobs) > 0 {
		if err := loadBlobs(spec.Name, l.Params(), spec.Blobs); err != nil {
			return err
		}
	}
	for _, p := range l.Params() {
		if err := p.ToDevice(n.mode, n.provider); err != nil {
			return err
		}
		n.params = append(n.params, p)
		n.owners = append(n.owners, spec.Name)
	}

	n.layers = append(n.layers, l)
	n.bottoms = append(n.bottoms, bottom)
	n.tops = append(n.tops, top)
	n.lossWeights = append(n.lossWeights, weights)
	n.logger.V(2).Info("layer set up", "layer", spec.Name, "type", spec.Type, "tops", shapes)
	return nil
}

// lossWeights resolves the weight of each top in the net loss. Loss layers
// default to 1 for their first top, everything else to 0.
func lossWeights(l layers.Layer, spec *graph.LayerSpec) ([]float32, error) {
	w := make([]float32, len(spec.Outputs))
	if len(spec.LossWeight) > 0 {
		if len(spec.LossWeight) != len(spec.Outputs) {
			return nil, &errdefs.ConfigError{
				Layer:   spec.Name,
				Param:   "loss_weight",
				Details: fmt.Sprintf("got %d weights for %d outputs", len(spec.LossWeight), len(spec.Outputs)),
			}
		}
		for i, v := range spec.LossWeight {
			w[i] = float32(v)
		}
		return w, nil
	}
	if ll, ok := l.(layers.LossLayer); ok && ll.IsLoss() && len(w) > 0 {
		w[0] = 1
	}
	return w, nil
}

// loadBlobs copies pre-trained values into params.
func loadBlobs(layer string, params []*tensor.Blob, blobs []graph.BlobData) error {
	if len(blobs) != len(params) {
		return &errdefs.ConfigError{
			Layer:   layer,
			Param:   "blobs",
			Details: fmt.Sprintf("layer has %d params, got %d blobs", len(params), len(blobs)),
		}
	}
	for i, src := range blobs {
		p := params[i]
		if !p.Shape().Equal(tensor.Shape(src.Shape)) {
			return &errdefs.ShapeError{
				Layer:    layer,
				Blob:     p.Name(),
				Expected: []int(p.Shape()),
				Got:      src.Shape,
				Details:  "pre-trained blob shape mismatch",
			}
		}
		if err := p.SyncHost(); err != nil {
			return err
		}
		if err := p.SetData(src.Data); err != nil {
			return errors.Wrapf(err, "layer %q", layer)
		}
		if err := p.SyncDevice(); err != nil {
			return err
		}
	}
	return nil
}

// markBackward decides which layers run backward and which inputs get a
// gradient. A blob needs a gradient when it depends on a learnable parameter
// and some loss depends on it.
func (n *Net) markBackward() {
	count := len(n.layers)
	dependsOnParams := make(map[*tensor.Blob]bool)
	layerNeeds := make([]bool, count)

	for i := range count {
		needs := len(n.layers[i].Params()) > 0
		for _, b := range n.bottoms[i] {
			needs = needs || dependsOnParams[b]
		}
		layerNeeds[i] = needs
		for _, t := range n.tops[i] {
			dependsOnParams[t] = needs
		}
	}

	underLoss := make(map[*tensor.Blob]bool)
	n.needBackward = make([]bool, count)
	n.propagateDown = make([][]bool, count)
	for i := count - 1; i >= 0; i-- {
		contributes := false
		for j, t := range n.tops[i] {
			contributes = contributes || n.lossWeights[i][j] != 0 || underLoss[t]
		}
		n.needBackward[i] = layerNeeds[i] && contributes

		pd := make([]bool, len(n.bottoms[i]))
		for j, b := range n.bottoms[i] {
			pd[j] = n.needBackward[i] && dependsOnParams[b]
			if contributes {
				underLoss[b] = true
			}
		}
		n.propagateDown[i] = pd
	}
}

// Release frees every blob. The net becomes Unloaded.
func (n *Net) Release() {
	n.state.Store(int32(Unloaded))
	for _, b := range n.blobs {
		b.Release()
	}
	for _, p := range n.params {
		p.Release()
	}
}

// ID returns the instance id used in logs.
func (n *Net) ID() uuid.UUID {
	return n.id
}

// Name returns the net name.
func (n *Net) Name() string {
	return n.name
}

// Phase returns the phase the net was loaded in.
func (n *Net) Phase() layers.Phase {
	return n.config.Phase
}

// Mode returns the device the net's blobs live on.
func (n *Net) Mode() device.Mode {
	return n.mode
}

// Definition returns a copy of the executed definition, Split layers
// included.
func (n *Net) Definition() graph.Definition {
	return n.def.Clone()
}

// Order returns the execution order as indices into Definition().Layers.
func (n *Net) Order() []int {
	return append([]int(nil), n.order...)
}

// LayerNames returns the layer names in execution order.
func (n *Net) LayerNames() []string {
	names := make([]string, len(n.layers))
	for i, l := range n.layers {
		names[i] = l.Name()
	}
	return names
}

// Layer returns the layer called name.
func (n *Net) Layer(name string) (layers.Layer, bool) {
	for _, l := range n.layers {
		if l.Name() == name {
			return l, true
		}
	}
	return nil, false
}

// BlobNames returns tensor names in allocation order.
func (n *Net) BlobNames() []string {
	return append([]string(nil), n.blobNames...)
}

// Blob returns the tensor called name.
func (n *Net) Blob(name string) (*tensor.Blob, bool) {
	b, ok := n.blobs[name]
	return b, ok
}

// Inputs returns the external input names.
func (n *Net) Inputs() []string {
	return append([]string(nil), n.inputs...)
}

// Outputs returns the names Forward returns.
func (n *Net) Outputs() []string {
	return append([]string(nil), n.outputs...)
}

// Params returns every learnable parameter in execution order.
func (n *Net) Params() []*tensor.Blob {
	return append([]*tensor.Blob(nil), n.params...)
}

// LayerParams returns the parameters owned by the layer called name.
func (n *Net) LayerParams(name string) []*tensor.Blob {
	var out []*tensor.Blob
	for i, owner := range n.owners {
		if owner == name {
			out = append(out, n.params[i])
		}
	}
	return out
}

// Loss returns the weighted loss of the last forward pass.
func (n *Net) Loss() float32 {
	return n.loss
}

// Iteration returns the number of solver steps taken.
func (n *Net) Iteration() int {
	return n.iter
}

// NeedsBackward reports whether the layer called name runs in Backward.
func (n *Net) NeedsBackward(name string) bool {
	for i, l := range n.layers {
		if l.Name() == name {
			return n.needBackward[i]
		}
	}
	return false
}

// SetIteration sets the solver step count, e.g. when resuming from a
// snapshot.
func (n *Net) SetIteration(iter int) error {
	if err := n.enter("set iteration", Backwarding); err != nil {
		return err
	}
	defer n.leave(Backwarding)
	if iter < 0 {
		return errors.Errorf("negative iteration %d", iter)
	}
	n.iter = iter
	return nil
}
