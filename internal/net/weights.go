package net

import (
	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/proto"
)

// CopyTrainedLayersFrom loads parameter values from np into the layers of
// the same name. Layers missing from the net are skipped; a layer whose
// blob count or shapes differ fails with a ConfigError or ShapeError.
func (n *Net) CopyTrainedLayersFrom(np *proto.NetParameter) error {
	if err := n.enter("copy trained layers", Forwarding); err != nil {
		return err
	}
	defer n.leave(Forwarding)

	for i := range np.Layer {
		lp := &np.Layer[i]
		if len(lp.Blobs) == 0 {
			continue
		}
		params := n.LayerParams(lp.Name)
		if len(params) == 0 {
			if _, ok := n.Layer(lp.Name); !ok {
				n.logger.V(1).Info("ignoring source layer", "layer", lp.Name)
				continue
			}
		}
		blobs := make([]graph.BlobData, len(lp.Blobs))
		for j, b := range lp.Blobs {
			blobs[j] = graph.BlobData{Shape: toInts(b.Shape), Data: b.Data}
		}
		if err := loadBlobs(lp.Name, params, blobs); err != nil {
			return err
		}
		n.logger.V(2).Info("copied trained layer", "layer", lp.Name, "blobs", len(blobs))
	}
	return n.synchronize()
}

// Weights returns the current parameter values of every layer that has
// parameters, keyed by layer name.
func (n *Net) Weights() (map[string][]graph.BlobData, error) {
	if err := n.syncHost(nil, n.params); err != nil {
		return nil, err
	}
	out := make(map[string][]graph.BlobData)
	for i, p := range n.params {
		owner := n.owners[i]
		out[owner] = append(out[owner], graph.BlobData{
			Shape: append([]int(nil), p.Shape()...),
			Data:  append([]float32(nil), p.Data()...),
		})
	}
	return out, nil
}

// ToProto serializes the definition the net was loaded from. With
// includeWeights the current parameter values are attached to each layer.
func (n *Net) ToProto(includeWeights bool) (*proto.NetParameter, error) {
	def := n.source.Clone()
	if includeWeights {
		weights, err := n.Weights()
		if err != nil {
			return nil, err
		}
		for i := range def.Layers {
			def.Layers[i].Blobs = weights[def.Layers[i].Name]
		}
	}
	return proto.FromDefinition(&def, includeWeights), nil
}

func toInts(xs []int64) []int {
	out := make([]int, len(xs))
	for i, x := range xs {
		out[i] = int(x)
	}
	return out
}
