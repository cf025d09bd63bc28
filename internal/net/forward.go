package net

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/caffe/internal/errdefs"
	"github.com/born-ml/caffe/internal/tensor"
)

// Updater applies accumulated parameter gradients. Solvers implement it.
type Updater interface {
	ApplyUpdate(params []*tensor.Blob, iter int) error
}

// SetInput copies values into the external input called name. A non-nil
// shape reshapes the input first; changing the shape requires a new Forward
// before Backward.
func (n *Net) SetInput(name string, values []float32, shape tensor.Shape) error {
	if err := n.enter("set input", Forwarding); err != nil {
		return err
	}
	defer n.leave(Forwarding)

	if !n.isInput(name) {
		return errors.Errorf("net %q has no input %q", n.name, name)
	}
	b := n.blobs[name]
	if shape != nil && !shape.Equal(b.Shape()) {
		if err := shape.Validate(); err != nil {
			return &errdefs.ShapeError{Blob: name, Got: []int(shape), Details: err.Error()}
		}
		if shape.NumElements() != len(values) {
			return &errdefs.ShapeError{
				Blob:    name,
				Got:     []int(shape),
				Details: fmt.Sprintf("shape requires %d elements, got %d values", shape.NumElements(), len(values)),
			}
		}
		if err := b.Reshape(shape); err != nil {
			return err
		}
		n.reached = -1
	}
	if err := b.SyncHost(); err != nil {
		return err
	}
	if err := b.SetData(values); err != nil {
		return err
	}
	return b.SyncDevice()
}

func (n *Net) isInput(name string) bool {
	for _, in := range n.inputs {
		if in == name {
			return true
		}
	}
	return false
}

// Forward runs every layer in order and returns the declared outputs.
// The returned blobs belong to the net and are overwritten by the next pass.
func (n *Net) Forward(ctx context.Context) (map[string]*tensor.Blob, error) {
	if err := n.enter("forward", Forwarding); err != nil {
		return nil, err
	}
	defer n.leave(Forwarding)

	n.reached = -1
	if _, err := n.forwardRange(ctx, 0, len(n.layers)-1); err != nil {
		return nil, err
	}
	n.reached = len(n.layers) - 1

	out := make(map[string]*tensor.Blob, len(n.outputs))
	for _, name := range n.outputs {
		out[name] = n.blobs[name]
	}
	return out, nil
}

// ForwardFromTo runs the layers at execution positions start through end,
// inclusive, and returns the loss they contribute. Ranges that continue
// from layer 0 without a gap, e.g. [0, 2] then [3, last], count as a full
// forward pass for Backward.
func (n *Net) ForwardFromTo(ctx context.Context, start, end int) (float32, error) {
	if start < 0 || end >= len(n.layers) || start > end {
		return 0, errors.Errorf("forward range [%d, %d] outside [0, %d]", start, end, len(n.layers)-1)
	}
	if err := n.enter("forward", Forwarding); err != nil {
		return 0, err
	}
	defer n.leave(Forwarding)

	loss, err := n.forwardRange(ctx, start, end)
	if err != nil {
		n.reached = -1
		return 0, err
	}
	if start == 0 || start == n.reached+1 {
		n.reached = end
	} else {
		n.reached = -1
	}
	return loss, nil
}

func (n *Net) forwardRange(ctx context.Context, start, end int) (float32, error) {
	var loss float32
	for i := start; i <= end; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		l := n.layers[i]
		if err := n.reshape(i); err != nil {
			return 0, err
		}
		if err := n.syncHost(n.bottoms[i], l.Params()); err != nil {
			return 0, err
		}
		if err := l.Forward(n.bottoms[i], n.tops[i]); err != nil {
			return 0, errors.Wrapf(err, "layer %q forward", l.Name())
		}
		for j, top := range n.tops[i] {
			if w := n.lossWeights[i][j]; w != 0 {
				var sum float32
				for _, v := range top.Data() {
					sum += v
				}
				loss += w * sum
			}
		}
		if err := n.syncDevice(n.tops[i]); err != nil {
			return 0, err
		}
	}
	if err := n.synchronize(); err != nil {
		return 0, err
	}
	n.loss = loss
	return loss, nil
}

// reshape resizes the tops of layer i to match its current inputs.
func (n *Net) reshape(i int) error {
	shapes, err := n.layers[i].Reshape(n.bottoms[i])
	if err != nil {
		return err
	}
	for j, top := range n.tops[i] {
		if !top.Shape().Equal(shapes[j]) {
			if err := top.Reshape(shapes[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Backward propagates the loss gradient through every layer that needs it,
// in reverse order. Parameter gradients accumulate until Step or
// ClearParamDiffs.
func (n *Net) Backward(ctx context.Context) error {
	if err := n.enter("backward", Backwarding); err != nil {
		return err
	}
	defer n.leave(Backwarding)

	if n.reached < 0 || n.reached != len(n.layers)-1 {
		return &errdefs.StateError{
			Op:      "backward",
			State:   Ready.String(),
			Details: "no forward pass on the current input shapes",
		}
	}

	if err := n.seedGradients(); err != nil {
		return err
	}
	for i := len(n.layers) - 1; i >= 0; i-- {
		if !n.needBackward[i] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		l := n.layers[i]
		if err := n.syncHost(n.tops[i], l.Params()); err != nil {
			return err
		}
		if err := n.syncHost(n.bottoms[i], nil); err != nil {
			return err
		}
		if err := l.Backward(n.tops[i], n.propagateDown[i], n.bottoms[i]); err != nil {
			return errors.Wrapf(err, "layer %q backward", l.Name())
		}
		if err := n.syncDevice(n.bottoms[i]); err != nil {
			return err
		}
		if err := n.syncDevice(l.Params()); err != nil {
			return err
		}
	}
	return n.synchronize()
}

// seedGradients clears every activation gradient and sets each weighted
// top's gradient to its loss weight.
func (n *Net) seedGradients() error {
	for _, name := range n.blobNames {
		b := n.blobs[name]
		if err := b.SyncHost(); err != nil {
			return err
		}
		b.ZeroGrad()
	}
	for i, tops := range n.tops {
		for j, top := range tops {
			if w := n.lossWeights[i][j]; w != 0 {
				diff := top.MutableDiff()
				for k := range diff {
					diff[k] = w
				}
			}
		}
	}
	return n.syncDevice(n.blobList())
}

func (n *Net) blobList() []*tensor.Blob {
	out := make([]*tensor.Blob, len(n.blobNames))
	for i, name := range n.blobNames {
		out[i] = n.blobs[name]
	}
	return out
}

// ClearParamDiffs zeroes every parameter gradient.
func (n *Net) ClearParamDiffs() error {
	if err := n.enter("clear param diffs", Backwarding); err != nil {
		return err
	}
	defer n.leave(Backwarding)
	return n.clearParamDiffs()
}

func (n *Net) clearParamDiffs() error {
	if err := n.syncHost(nil, n.params); err != nil {
		return err
	}
	for _, p := range n.params {
		p.ZeroGrad()
	}
	return n.syncDevice(n.params)
}

// Step hands the accumulated parameter gradients to u, then zeroes them.
func (n *Net) Step(u Updater) error {
	if err := n.enter("step", Backwarding); err != nil {
		return err
	}
	defer n.leave(Backwarding)

	if err := n.syncHost(nil, n.params); err != nil {
		return err
	}
	if err := u.ApplyUpdate(n.params, n.iter); err != nil {
		return errors.Wrapf(err, "net %q: update at iteration %d", n.name, n.iter)
	}
	n.iter++
	return n.clearParamDiffs()
}

func (n *Net) syncHost(blobs, params []*tensor.Blob) error {
	for _, b := range blobs {
		if err := b.SyncHost(); err != nil {
			return err
		}
	}
	for _, p := range params {
		if err := p.SyncHost(); err != nil {
			return err
		}
	}
	return nil
}

func (n *Net) syncDevice(blobs []*tensor.Blob) error {
	for _, b := range blobs {
		if err := b.SyncDevice(); err != nil {
			return err
		}
	}
	return nil
}

func (n *Net) synchronize() error {
	if n.provider == nil {
		return nil
	}
	if err := n.provider.Synchronize(); err != nil {
		return &errdefs.DeviceError{Device: n.mode.String(), Err: err}
	}
	return nil
}
