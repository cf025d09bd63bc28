// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package solver updates net parameters from their gradients and saves
// training snapshots.
//
// Example:
//
//	cfg, err := solver.LoadConfig("solver.yaml")
//	if err != nil {
//	    return err
//	}
//	s, err := solver.New(cfg)
//	for range cfg.MaxIter {
//	    n.Forward(ctx)
//	    n.Backward(ctx)
//	    n.Step(s)
//	}
//	st, err := solver.Capture(n, s)
//	err = solver.WriteSnapshot("net_iter_1000.solverstate", st)
package solver

import (
	"github.com/born-ml/caffe/internal/net"
	"github.com/born-ml/caffe/internal/snapshot"
	"github.com/born-ml/caffe/internal/solver"
)

// Solver applies parameter updates. Pass it to Net.Step.
type Solver = solver.Solver

// Config holds solver settings.
type Config = solver.Config

// SGD is stochastic gradient descent with momentum.
type SGD = solver.SGD

// Adam is the adaptive moment estimation solver.
type Adam = solver.Adam

// Snapshot is the saved state of a training run.
type Snapshot = snapshot.State

// Solver types.
const (
	TypeSGD  = solver.TypeSGD
	TypeAdam = solver.TypeAdam
)

// Learning rate policies.
const (
	PolicyFixed = solver.PolicyFixed
	PolicyStep  = solver.PolicyStep
	PolicyExp   = solver.PolicyExp
	PolicyInv   = solver.PolicyInv
	PolicyPoly  = solver.PolicyPoly
)

// New creates the solver named by cfg.Type.
func New(cfg Config) (Solver, error) {
	return solver.New(cfg)
}

// NewSGD creates an SGD solver after validating cfg.
func NewSGD(cfg Config) (*SGD, error) {
	return solver.NewSGD(cfg)
}

// NewAdam creates an Adam solver after validating cfg. The betas are used
// as given.
func NewAdam(cfg Config) (*Adam, error) {
	return solver.NewAdam(cfg)
}

// DefaultConfig returns plain SGD with a fixed rate of 0.01.
func DefaultConfig() Config {
	return solver.DefaultConfig()
}

// DefaultAdamConfig returns Adam with the usual betas.
func DefaultAdamConfig() Config {
	return solver.DefaultAdamConfig()
}

// LoadConfig reads a YAML solver config.
func LoadConfig(path string) (Config, error) {
	return solver.LoadConfig(path)
}

// ParseConfig decodes a YAML solver config.
func ParseConfig(data []byte) (Config, error) {
	return solver.ParseConfig(data)
}

// LearningRate returns the rate for iter under cfg's policy.
func LearningRate(cfg *Config, iter int) float32 {
	return solver.LearningRate(cfg, iter)
}

// Capture records the parameters and iteration of n and the history of s.
func Capture(n *net.Net, s Solver) (*Snapshot, error) {
	return snapshot.Capture(n, s)
}

// Restore loads a snapshot into n and s.
func Restore(st *Snapshot, n *net.Net, s Solver) error {
	return snapshot.Restore(st, n, s)
}

// WriteSnapshot saves st to path.
func WriteSnapshot(path string, st *Snapshot) error {
	return snapshot.WriteFile(path, st)
}

// ReadSnapshot loads a snapshot from path.
func ReadSnapshot(path string) (*Snapshot, error) {
	return snapshot.ReadFile(path)
}
