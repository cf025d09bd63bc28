package net

import (
	"github.com/born-ml/caffe/internal/errdefs"
)

// State is the lifecycle stage of a Net.
type State int32

// Net states.
const (
	Unloaded State = iota
	Ready
	Forwarding
	Backwarding
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Unloaded:
		return "Unloaded"
	case Ready:
		return "Ready"
	case Forwarding:
		return "Forwarding"
	case Backwarding:
		return "Backwarding"
	default:
		return "Unknown"
	}
}

// State returns the current state.
func (n *Net) State() State {
	return State(n.state.Load())
}

// enter moves the net from Ready to busy. A net that is already busy, or
// was released, returns a StateError; the caller must call leave on success.
func (n *Net) enter(op string, busy State) error {
	if n.state.CompareAndSwap(int32(Ready), int32(busy)) {
		return nil
	}
	cur := n.State()
	details := ""
	if cur == Forwarding || cur == Backwarding {
		details = "net is in use by another caller"
	}
	return &errdefs.StateError{Op: op, State: cur.String(), Details: details}
}

func (n *Net) leave(busy State) {
	n.state.CompareAndSwap(int32(busy), int32(Ready))
}
