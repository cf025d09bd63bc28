package snapshot

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/born-ml/caffe/internal/net"
	"github.com/born-ml/caffe/internal/proto"
	"github.com/born-ml/caffe/internal/solver"
)

type configurer interface {
	Config() solver.Config
}

// Capture records the parameters and iteration of n and the history of s.
// s may be nil to save weights only.
func Capture(n *net.Net, s solver.Solver) (*State, error) {
	weights, err := n.Weights()
	if err != nil {
		return nil, errors.Wrapf(err, "capture net %q", n.Name())
	}
	st := &State{
		Net:     n.Name(),
		Iter:    n.Iteration(),
		Weights: weights,
	}
	if s != nil {
		st.SolverType = s.Type()
		st.History = s.History()
		if c, ok := s.(configurer); ok {
			cfg := c.Config()
			st.SolverConfig = &cfg
		}
	}
	return st, nil
}

// Restore copies the saved weights into n, sets its iteration and hands the
// saved history to s. s may be nil. A solver of a different type than the
// one saved is rejected.
func Restore(st *State, n *net.Net, s solver.Solver) error {
	if s != nil && st.SolverType != "" && s.Type() != st.SolverType {
		return errors.Errorf("snapshot was taken with a %s solver, got %s", st.SolverType, s.Type())
	}
	if err := n.CopyTrainedLayersFrom(st.weightsProto()); err != nil {
		return errors.Wrapf(err, "restore net %q", n.Name())
	}
	if err := n.SetIteration(st.Iter); err != nil {
		return err
	}
	if s != nil {
		if err := s.SetHistory(st.History); err != nil {
			return errors.Wrap(err, "restore solver history")
		}
	}
	return nil
}

func (st *State) weightsProto() *proto.NetParameter {
	names := make([]string, 0, len(st.Weights))
	for name := range st.Weights {
		names = append(names, name)
	}
	sort.Strings(names)

	np := &proto.NetParameter{Name: st.Net}
	for _, name := range names {
		lp := proto.LayerParameter{Name: name}
		for _, b := range st.Weights[name] {
			shape := make([]int64, len(b.Shape))
			for i, d := range b.Shape {
				shape[i] = int64(d)
			}
			lp.Blobs = append(lp.Blobs, proto.BlobProto{Shape: shape, Data: b.Data})
		}
		np.Layer = append(np.Layer, lp)
	}
	return np
}
