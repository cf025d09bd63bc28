package proto

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/caffe/internal/graph"
)

// Field numbers.
const (
	netName   protowire.Number = 1
	netInput  protowire.Number = 3
	netOutput protowire.Number = 4
	netLayer  protowire.Number = 100

	inputName  protowire.Number = 1
	inputShape protowire.Number = 2

	layerName       protowire.Number = 1
	layerType       protowire.Number = 2
	layerBottom     protowire.Number = 3
	layerTop        protowire.Number = 4
	layerLossWeight protowire.Number = 5
	layerParam      protowire.Number = 6
	layerBlobs      protowire.Number = 7

	paramKey    protowire.Number = 1
	paramType   protowire.Number = 2
	paramInt    protowire.Number = 3
	paramFloat  protowire.Number = 4
	paramString protowire.Number = 5
	paramBool   protowire.Number = 6
	paramInts   protowire.Number = 7
	paramFloats protowire.Number = 8

	blobShape protowire.Number = 1
	blobData  protowire.Number = 2
)

// Marshal encodes np in the binary wire format.
func Marshal(np *NetParameter) ([]byte, error) {
	for i := range np.Layer {
		for j := range np.Layer[i].Param {
			if _, err := np.Layer[i].Param[j].kind(); err != nil {
				return nil, errors.Wrapf(err, "layer %q", np.Layer[i].Name)
			}
		}
	}
	return appendNet(nil, np), nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedVarints(b []byte, num protowire.Number, xs []int64, zigzag bool) []byte {
	var packed []byte
	for _, x := range xs {
		v := uint64(x)
		if zigzag {
			v = protowire.EncodeZigZag(x)
		}
		packed = protowire.AppendVarint(packed, v)
	}
	return appendMessage(b, num, packed)
}

func appendPackedDoubles(b []byte, num protowire.Number, xs []float64) []byte {
	packed := make([]byte, 0, 8*len(xs))
	for _, x := range xs {
		packed = protowire.AppendFixed64(packed, math.Float64bits(x))
	}
	return appendMessage(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, xs []float32) []byte {
	packed := make([]byte, 0, 4*len(xs))
	for _, x := range xs {
		packed = protowire.AppendFixed32(packed, math.Float32bits(x))
	}
	return appendMessage(b, num, packed)
}

func appendNet(b []byte, np *NetParameter) []byte {
	if np.Name != "" {
		b = appendString(b, netName, np.Name)
	}
	for i := range np.Input {
		in := &np.Input[i]
		var msg []byte
		msg = appendString(msg, inputName, in.Name)
		if len(in.Shape) > 0 {
			msg = appendPackedVarints(msg, inputShape, in.Shape, false)
		}
		b = appendMessage(b, netInput, msg)
	}
	for _, out := range np.Output {
		b = appendString(b, netOutput, out)
	}
	for i := range np.Layer {
		b = appendMessage(b, netLayer, appendLayer(nil, &np.Layer[i]))
	}
	return b
}

func appendLayer(b []byte, lp *LayerParameter) []byte {
	b = appendString(b, layerName, lp.Name)
	b = appendString(b, layerType, lp.Type)
	for _, s := range lp.Bottom {
		b = appendString(b, layerBottom, s)
	}
	for _, s := range lp.Top {
		b = appendString(b, layerTop, s)
	}
	if len(lp.LossWeight) > 0 {
		b = appendPackedDoubles(b, layerLossWeight, lp.LossWeight)
	}
	for i := range lp.Param {
		b = appendMessage(b, layerParam, appendParam(nil, &lp.Param[i]))
	}
	for i := range lp.Blobs {
		blob := &lp.Blobs[i]
		var msg []byte
		if len(blob.Shape) > 0 {
			msg = appendPackedVarints(msg, blobShape, blob.Shape, false)
		}
		if len(blob.Data) > 0 {
			msg = appendPackedFloats(msg, blobData, blob.Data)
		}
		b = appendMessage(b, layerBlobs, msg)
	}
	return b
}

func appendParam(b []byte, e *ParamEntry) []byte {
	b = appendString(b, paramKey, e.Key)
	k, err := e.kind()
	if err != nil {
		return b
	}
	b = protowire.AppendTag(b, paramType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k))

	switch {
	case e.Int != nil:
		b = protowire.AppendTag(b, paramInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(*e.Int))
	case e.Float != nil:
		b = protowire.AppendTag(b, paramFloat, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(*e.Float))
	case e.String != nil:
		b = appendString(b, paramString, *e.String)
	case e.Bool != nil:
		b = protowire.AppendTag(b, paramBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(*e.Bool))
	case len(e.Ints) > 0:
		b = appendPackedVarints(b, paramInts, e.Ints, true)
	case len(e.Floats) > 0:
		b = appendPackedDoubles(b, paramFloats, e.Floats)
	}
	return b
}

// Unmarshal decodes a NetParameter from the binary wire format.
func Unmarshal(data []byte) (*NetParameter, error) {
	np := &NetParameter{}
	if err := readNet(data, np); err != nil {
		return nil, errors.Wrap(err, "failed to parse net")
	}
	return np, nil
}

// fieldFunc handles one field of a message and returns the number of bytes
// it consumed. Returning 0 skips the field.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walk iterates over the fields of a message, skipping unknown ones.
func walk(b []byte, f fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := f(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, errors.Errorf("expected bytes, got wire type %d", typ)
	}
	s, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = s
	return n, nil
}

func consumeMessage(typ protowire.Type, b []byte, read func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, errors.Errorf("expected message, got wire type %d", typ)
	}
	msg, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, read(msg)
}

// consumeVarints reads a packed or a single varint field.
func consumeVarints(typ protowire.Type, b []byte, zigzag bool, dst *[]int64) (int, error) {
	decode := func(v uint64) int64 {
		if zigzag {
			return protowire.DecodeZigZag(v)
		}
		return int64(v)
	}
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		*dst = append(*dst, decode(v))
		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		if *dst == nil {
			*dst = []int64{}
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			*dst = append(*dst, decode(v))
			packed = packed[m:]
		}
		return n, nil
	default:
		return 0, errors.Errorf("expected varint, got wire type %d", typ)
	}
}

// consumeDoubles reads a packed or a single double field.
func consumeDoubles(typ protowire.Type, b []byte, dst *[]float64) (int, error) {
	switch typ {
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		*dst = append(*dst, math.Float64frombits(v))
		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		if len(packed)%8 != 0 {
			return 0, errors.Errorf("packed doubles: %d bytes is not a multiple of 8", len(packed))
		}
		if *dst == nil {
			*dst = make([]float64, 0, len(packed)/8)
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed64(packed)
			*dst = append(*dst, math.Float64frombits(v))
			packed = packed[m:]
		}
		return n, nil
	default:
		return 0, errors.Errorf("expected double, got wire type %d", typ)
	}
}

// consumeFloats reads a packed or a single float field.
func consumeFloats(typ protowire.Type, b []byte, dst *[]float32) (int, error) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		*dst = append(*dst, math.Float32frombits(v))
		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		if len(packed)%4 != 0 {
			return 0, errors.Errorf("packed floats: %d bytes is not a multiple of 4", len(packed))
		}
		if *dst == nil {
			*dst = make([]float32, 0, len(packed)/4)
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			*dst = append(*dst, math.Float32frombits(v))
			packed = packed[m:]
		}
		return n, nil
	default:
		return 0, errors.Errorf("expected float, got wire type %d", typ)
	}
}

func readNet(data []byte, np *NetParameter) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case netName:
			return consumeString(typ, b, &np.Name)
		case netInput:
			return consumeMessage(typ, b, func(msg []byte) error {
				var in InputParameter
				if err := readInput(msg, &in); err != nil {
					return errors.Wrap(err, "input")
				}
				np.Input = append(np.Input, in)
				return nil
			})
		case netOutput:
			var s string
			n, err := consumeString(typ, b, &s)
			np.Output = append(np.Output, s)
			return n, err
		case netLayer:
			return consumeMessage(typ, b, func(msg []byte) error {
				var lp LayerParameter
				if err := readLayer(msg, &lp); err != nil {
					return errors.Wrapf(err, "layer %d", len(np.Layer))
				}
				np.Layer = append(np.Layer, lp)
				return nil
			})
		}
		return 0, nil
	})
}

func readInput(data []byte, in *InputParameter) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case inputName:
			return consumeString(typ, b, &in.Name)
		case inputShape:
			return consumeVarints(typ, b, false, &in.Shape)
		}
		return 0, nil
	})
}

func readLayer(data []byte, lp *LayerParameter) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case layerName:
			return consumeString(typ, b, &lp.Name)
		case layerType:
			return consumeString(typ, b, &lp.Type)
		case layerBottom:
			var s string
			n, err := consumeString(typ, b, &s)
			lp.Bottom = append(lp.Bottom, s)
			return n, err
		case layerTop:
			var s string
			n, err := consumeString(typ, b, &s)
			lp.Top = append(lp.Top, s)
			return n, err
		case layerLossWeight:
			return consumeDoubles(typ, b, &lp.LossWeight)
		case layerParam:
			return consumeMessage(typ, b, func(msg []byte) error {
				var e ParamEntry
				if err := readParam(msg, &e); err != nil {
					return errors.Wrap(err, "param")
				}
				lp.Param = append(lp.Param, e)
				return nil
			})
		case layerBlobs:
			return consumeMessage(typ, b, func(msg []byte) error {
				var blob BlobProto
				if err := readBlob(msg, &blob); err != nil {
					return errors.Wrap(err, "blob")
				}
				lp.Blobs = append(lp.Blobs, blob)
				return nil
			})
		}
		return 0, nil
	})
}

func readParam(data []byte, e *ParamEntry) error {
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case paramKey:
			return consumeString(typ, b, &e.Key)
		case paramType:
			var kinds []int64
			n, err := consumeVarints(typ, b, false, &kinds)
			if err == nil && len(kinds) > 0 {
				e.Type = kindNames[graph.Kind(kinds[len(kinds)-1])]
			}
			return n, err
		case paramInt:
			var xs []int64
			n, err := consumeVarints(typ, b, true, &xs)
			if err == nil && len(xs) > 0 {
				e.Int = &xs[len(xs)-1]
			}
			return n, err
		case paramFloat:
			var xs []float64
			n, err := consumeDoubles(typ, b, &xs)
			if err == nil && len(xs) > 0 {
				e.Float = &xs[len(xs)-1]
			}
			return n, err
		case paramString:
			var s string
			n, err := consumeString(typ, b, &s)
			e.String = &s
			return n, err
		case paramBool:
			var xs []int64
			n, err := consumeVarints(typ, b, false, &xs)
			if err == nil && len(xs) > 0 {
				v := xs[len(xs)-1] != 0
				e.Bool = &v
			}
			return n, err
		case paramInts:
			return consumeVarints(typ, b, true, &e.Ints)
		case paramFloats:
			return consumeDoubles(typ, b, &e.Floats)
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	// Empty lists are not written; the type restores them.
	switch e.Type {
	case "ints":
		if e.Ints == nil {
			e.Ints = []int64{}
		}
	case "floats":
		if e.Floats == nil {
			e.Floats = []float64{}
		}
	}
	return nil
}

func readBlob(data []byte, blob *BlobProto) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case blobShape:
			return consumeVarints(typ, b, false, &blob.Shape)
		case blobData:
			return consumeFloats(typ, b, &blob.Data)
		}
		return 0, nil
	})
}
