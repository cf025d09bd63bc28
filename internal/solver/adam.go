package solver

import (
	"github.com/chewxy/math32"

	"github.com/born-ml/caffe/internal/tensor"
)

// Adam keeps running averages of the gradient and its square:
//
//	m = beta1 * m + (1 - beta1) * g
//	v = beta2 * v + (1 - beta2) * g^2
//	w = w - lr * sqrt(1 - beta2^t) / (1 - beta1^t) * m / (sqrt(v) + eps)
//
// with t = iter + 1. Momentum is used as beta1.
type Adam struct {
	cfg Config
	h   history
}

// NewAdam creates an Adam solver after validating cfg. The betas are used
// as given; start from DefaultAdamConfig for the usual 0.9 and 0.999.
func NewAdam(cfg Config) (*Adam, error) {
	cfg.Type = TypeAdam
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adam{cfg: cfg, h: newHistory(2)}, nil
}

// Type returns "Adam".
func (a *Adam) Type() string { return TypeAdam }

// Config returns the solver settings.
func (a *Adam) Config() Config { return a.cfg }

// ApplyUpdate performs one step.
func (a *Adam) ApplyUpdate(params []*tensor.Blob, iter int) error {
	if err := a.h.ensure(params); err != nil {
		return err
	}
	clipGradients(&a.cfg, params)
	regularize(&a.cfg, params)

	beta1, beta2 := a.cfg.Momentum, a.cfg.Momentum2
	t := float32(iter + 1)
	correction := math32.Sqrt(1-math32.Pow(beta2, t)) / (1 - math32.Pow(beta1, t))
	rate := LearningRate(&a.cfg, iter) * correction

	for i, p := range params {
		m, v := a.h.slots[0][i], a.h.slots[1][i]
		diff := p.MutableDiff()
		for j, g := range diff {
			m[j] = beta1*m[j] + (1-beta1)*g
			v[j] = beta2*v[j] + (1-beta2)*g*g
			diff[j] = rate * m[j] / (math32.Sqrt(v[j]) + a.cfg.Delta)
		}
		p.Update()
	}
	return nil
}

// History returns the first moments followed by the second moments.
func (a *Adam) History() [][]float32 { return a.h.flat() }

// SetHistory restores moments saved by History.
func (a *Adam) SetHistory(history [][]float32) error { return a.h.restore(history) }
