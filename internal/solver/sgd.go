package solver

import (
	"github.com/born-ml/caffe/internal/tensor"
)

// SGD is stochastic gradient descent with momentum:
//
//	v = momentum * v + lr * (grad + weight_decay * w)
//	w = w - v
type SGD struct {
	cfg Config
	h   history
}

// NewSGD creates an SGD solver after validating cfg.
func NewSGD(cfg Config) (*SGD, error) {
	cfg.Type = TypeSGD
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SGD{cfg: cfg, h: newHistory(1)}, nil
}

// Type returns "SGD".
func (s *SGD) Type() string { return TypeSGD }

// Config returns the solver settings.
func (s *SGD) Config() Config { return s.cfg }

// ApplyUpdate performs one step.
func (s *SGD) ApplyUpdate(params []*tensor.Blob, iter int) error {
	if err := s.h.ensure(params); err != nil {
		return err
	}
	clipGradients(&s.cfg, params)
	regularize(&s.cfg, params)

	lr := LearningRate(&s.cfg, iter)
	for i, p := range params {
		v := s.h.slots[0][i]
		diff := p.MutableDiff()
		for j, g := range diff {
			v[j] = s.cfg.Momentum*v[j] + lr*g
			diff[j] = v[j]
		}
		p.Update()
	}
	return nil
}

// History returns the momentum buffers.
func (s *SGD) History() [][]float32 { return s.h.flat() }

// SetHistory restores momentum buffers.
func (s *SGD) SetHistory(history [][]float32) error { return s.h.restore(history) }
