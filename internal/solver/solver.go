// Package solver updates net parameters from their accumulated gradients.
//
// A Solver is handed the parameters after each backward pass. It regularizes
// the gradients, turns them into an update in place (the diff buffer holds
// the step) and applies it with data -= diff.
//
// Example:
//
//	s, err := solver.New(solver.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	for range iters {
//	    n.Forward(ctx)
//	    n.Backward(ctx)
//	    n.Step(s)
//	}
package solver

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/born-ml/caffe/internal/tensor"
)

// Solver applies one update to params. iter counts completed updates.
type Solver interface {
	ApplyUpdate(params []*tensor.Blob, iter int) error

	// Type returns the solver name, e.g. "SGD".
	Type() string

	// History returns the per-parameter state kept between updates.
	History() [][]float32

	// SetHistory restores state saved by History.
	SetHistory(history [][]float32) error
}

// New creates the solver named by cfg.Type.
func New(cfg Config) (Solver, error) {
	switch cfg.Type {
	case TypeSGD, "":
		s, err := NewSGD(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeAdam:
		a, err := NewAdam(cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, errors.Errorf("unknown solver type %q", cfg.Type)
	}
}

// LearningRate returns the rate for iter under cfg's policy.
func LearningRate(cfg *Config, iter int) float32 {
	base := cfg.BaseLR
	it := float32(iter)
	switch cfg.LRPolicy {
	case PolicyStep:
		if cfg.StepSize <= 0 {
			return base
		}
		return base * math32.Pow(cfg.Gamma, float32(iter/cfg.StepSize))
	case PolicyExp:
		return base * math32.Pow(cfg.Gamma, it)
	case PolicyInv:
		return base * math32.Pow(1+cfg.Gamma*it, -cfg.Power)
	case PolicyPoly:
		if iter >= cfg.MaxIter || cfg.MaxIter <= 0 {
			return 0
		}
		return base * math32.Pow(1-it/float32(cfg.MaxIter), cfg.Power)
	default:
		return base
	}
}

// history holds one float32 slice per parameter, allocated on first use.
type history struct {
	slots [][][]float32 // slot, param, values
}

func newHistory(slots int) history {
	return history{slots: make([][][]float32, slots)}
}

func (h *history) ensure(params []*tensor.Blob) error {
	for s := range h.slots {
		if h.slots[s] == nil {
			h.slots[s] = make([][]float32, len(params))
			for i, p := range params {
				h.slots[s][i] = make([]float32, p.Count())
			}
			continue
		}
		if len(h.slots[s]) != len(params) {
			return errors.Errorf("solver history holds %d params, got %d", len(h.slots[s]), len(params))
		}
		for i, p := range params {
			if len(h.slots[s][i]) != p.Count() {
				return errors.Errorf("solver history for %s holds %d values, param has %d", p.Name(), len(h.slots[s][i]), p.Count())
			}
		}
	}
	return nil
}

// flat lists every slot's slices, slot by slot.
func (h *history) flat() [][]float32 {
	var out [][]float32
	for _, slot := range h.slots {
		for _, v := range slot {
			out = append(out, append([]float32(nil), v...))
		}
	}
	return out
}

func (h *history) restore(flat [][]float32) error {
	if len(flat) == 0 {
		clear(h.slots)
		return nil
	}
	if len(flat)%len(h.slots) != 0 {
		return errors.Errorf("history has %d entries, not a multiple of %d slots", len(flat), len(h.slots))
	}
	per := len(flat) / len(h.slots)
	for s := range h.slots {
		h.slots[s] = make([][]float32, per)
		for i := range per {
			h.slots[s][i] = append([]float32(nil), flat[s*per+i]...)
		}
	}
	return nil
}

// regularize adds the weight decay term to each gradient.
func regularize(cfg *Config, params []*tensor.Blob) {
	if cfg.WeightDecay == 0 {
		return
	}
	for _, p := range params {
		data := p.Data()
		diff := p.MutableDiff()
		switch cfg.Regularization {
		case RegL1:
			for i, v := range data {
				diff[i] += cfg.WeightDecay * sign(v)
			}
		default:
			for i, v := range data {
				diff[i] += cfg.WeightDecay * v
			}
		}
	}
}

func sign(v float32) float32 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// clipGradients rescales all gradients so their joint L2 norm does not
// exceed cfg.ClipGradients.
func clipGradients(cfg *Config, params []*tensor.Blob) {
	if cfg.ClipGradients <= 0 {
		return
	}
	var sumsq float32
	for _, p := range params {
		sumsq += p.SumsqDiff()
	}
	norm := math32.Sqrt(sumsq)
	if norm > cfg.ClipGradients {
		scale := cfg.ClipGradients / norm
		for _, p := range params {
			p.ScaleDiff(scale)
		}
	}
}
