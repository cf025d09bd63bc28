package graph

import (
	"fmt"
	"sort"

	"github.com/born-ml/caffe/internal/errdefs"
)

// SplitType is the layer type inserted by InsertSplits.
const SplitType = "Split"

// producers maps every tensor name to the index of the layer producing it,
// or -1 for external inputs. Names must be unique.
func producers(def *Definition) (map[string]int, error) {
	seenLayer := make(map[string]bool, len(def.Layers))
	owner := make(map[string]int)

	for _, in := range def.Inputs {
		if _, dup := owner[in.Name]; dup {
			return nil, &errdefs.ConfigError{Layer: def.Name, Param: "input", Details: fmt.Sprintf("input %q declared twice", in.Name)}
		}
		owner[in.Name] = -1
	}

	for i := range def.Layers {
		l := &def.Layers[i]
		if l.Name == "" {
			return nil, &errdefs.ConfigError{Layer: fmt.Sprintf("#%d", i), Details: "layer has no name"}
		}
		if seenLayer[l.Name] {
			return nil, &errdefs.ConfigError{Layer: l.Name, Details: "duplicate layer name"}
		}
		seenLayer[l.Name] = true
		if l.Type == "" {
			return nil, &errdefs.ConfigError{Layer: l.Name, Param: "type", Details: "layer has no type"}
		}

		for _, out := range l.Outputs {
			if prev, dup := owner[out]; dup {
				by := "declared as a network input"
				if prev >= 0 {
					by = fmt.Sprintf("already produced by layer %q", def.Layers[prev].Name)
				}
				return nil, &errdefs.ConfigError{
					Layer:   l.Name,
					Param:   "top",
					Details: fmt.Sprintf("output %q %s", out, by),
				}
			}
			owner[out] = i
		}
	}
	return owner, nil
}

// Sort returns the layer indices of def in execution order.
//
// It runs Kahn's algorithm over producer to consumer edges, always taking the
// ready layer declared first. A layer consuming a tensor that is neither
// produced nor declared as an input yields a DanglingInputError; a graph with
// no valid order yields a CycleError naming the layers left unscheduled. A
// tensor produced twice is a ConfigError.
func Sort(def *Definition) ([]int, error) {
	owner, err := producers(def)
	if err != nil {
		return nil, err
	}

	n := len(def.Layers)
	indegree := make([]int, n)
	consumers := make([][]int, n)

	for i := range def.Layers {
		l := &def.Layers[i]
		for _, in := range l.Inputs {
			p, ok := owner[in]
			if !ok {
				return nil, &errdefs.DanglingInputError{Layer: l.Name, Blob: in}
			}
			if p < 0 {
				continue
			}
			consumers[p] = append(consumers[p], i)
			indegree[i]++
		}
	}

	// ready stays sorted ascending so the earliest declared layer runs first.
	ready := make([]int, 0, n)
	for i := range n {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]int, 0, n)
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, c := range consumers[next] {
			indegree[c]--
			if indegree[c] == 0 {
				pos := sort.SearchInts(ready, c)
				ready = append(ready, 0)
				copy(ready[pos+1:], ready[pos:])
				ready[pos] = c
			}
		}
	}

	if len(order) < n {
		var stuck []string
		for i := range n {
			if indegree[i] > 0 {
				stuck = append(stuck, def.Layers[i].Name)
			}
		}
		return nil, &errdefs.CycleError{Layers: stuck}
	}
	return order, nil
}

// Outputs returns the declared network outputs, or when none are declared,
// every produced tensor no layer consumes, in production order.
func Outputs(def *Definition) []string {
	if len(def.Outputs) > 0 {
		return append([]string(nil), def.Outputs...)
	}

	consumed := make(map[string]bool)
	for i := range def.Layers {
		for _, in := range def.Layers[i].Inputs {
			consumed[in] = true
		}
	}

	var outs []string
	for i := range def.Layers {
		for _, out := range def.Layers[i].Outputs {
			if !consumed[out] {
				outs = append(outs, out)
			}
		}
	}
	return outs
}

// Validate checks def for structural errors and returns the execution order.
// Declared outputs must name an input or a produced tensor.
func Validate(def *Definition) ([]int, error) {
	order, err := Sort(def)
	if err != nil {
		return nil, err
	}

	owner, _ := producers(def)
	for _, out := range def.Outputs {
		if _, ok := owner[out]; !ok {
			return nil, &errdefs.DanglingInputError{Layer: def.Name, Blob: out}
		}
	}
	return order, nil
}

// SplitLayerName names the Split layer fanning out blob produced by layer.
func SplitLayerName(layer, blob string, outputIndex int) string {
	return fmt.Sprintf("%s_%s_%d_split", layer, blob, outputIndex)
}

// SplitBlobName names the k-th copy of blob made by a Split layer.
func SplitBlobName(layer, blob string, outputIndex, k int) string {
	return fmt.Sprintf("%s_%s_%d_split_%d", layer, blob, outputIndex, k)
}

// InsertSplits returns a copy of def in which every tensor read by more than
// one consumer is routed through a Split layer, giving each consumer its own
// gradient buffer. The Split layer is placed directly after the producer
// (or first, for external inputs). Consumer references are rewritten; the
// original tensor name stays valid for outputs.
func InsertSplits(def *Definition) Definition {
	out := def.Clone()

	type ref struct{ layer, slot int }
	readers := make(map[string][]ref)
	for i := range out.Layers {
		for j, in := range out.Layers[i].Inputs {
			readers[in] = append(readers[in], ref{i, j})
		}
	}

	split := func(producer, blob string, outputIndex int) []LayerSpec {
		rs := readers[blob]
		if len(rs) < 2 {
			return nil
		}
		s := LayerSpec{
			Name:   SplitLayerName(producer, blob, outputIndex),
			Type:   SplitType,
			Inputs: []string{blob},
		}
		for k, r := range rs {
			name := SplitBlobName(producer, blob, outputIndex, k)
			s.Outputs = append(s.Outputs, name)
			out.Layers[r.layer].Inputs[r.slot] = name
		}
		return []LayerSpec{s}
	}

	var lead []LayerSpec
	for i, in := range out.Inputs {
		lead = append(lead, split("input", in.Name, i)...)
	}
	after := make([][]LayerSpec, len(out.Layers))
	for i := range out.Layers {
		for j, blob := range out.Layers[i].Outputs {
			after[i] = append(after[i], split(out.Layers[i].Name, blob, j)...)
		}
	}

	layers := make([]LayerSpec, 0, len(out.Layers)+len(lead))
	layers = append(layers, lead...)
	for i := range out.Layers {
		layers = append(layers, out.Layers[i])
		layers = append(layers, after[i]...)
	}
	out.Layers = layers
	return out
}
