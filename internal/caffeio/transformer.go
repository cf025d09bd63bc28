package caffeio

import (
	"github.com/pkg/errors"

	"github.com/born-ml/caffe/internal/tensor"
)

// Transformer turns images into the layout and value range of one net
// input. Preprocess applies, in order: resize to the input size, axis
// transpose, channel swap, raw scale, mean subtraction, input scale.
// Deprocess undoes them except the resize.
type Transformer struct {
	shape       tensor.Shape // num, channels, height, width
	transpose   []int
	channelSwap []int
	rawScale    float32
	mean        []float32 // per channel
	inputScale  float32
	interp      Interpolation
}

// NewTransformer configures a transformer for an input of shape
// {num, channels, height, width}.
func NewTransformer(shape tensor.Shape) (*Transformer, error) {
	if len(shape) != 4 {
		return nil, errors.Errorf("transformer needs a 4-axis input shape, got %v", shape)
	}
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "transformer input shape")
	}
	return &Transformer{shape: shape.Clone(), interp: Bilinear}, nil
}

// SetTranspose sets the axis order applied to the height x width x channels
// image, e.g. {2, 0, 1} for channels first.
func (t *Transformer) SetTranspose(order []int) error {
	if !isPermutation(order, 3) {
		return errors.Errorf("transpose order %v is not a permutation of 3 axes", order)
	}
	t.transpose = append([]int(nil), order...)
	return nil
}

// SetChannelSwap reorders the leading axis after transposition, e.g.
// {2, 1, 0} for RGB to BGR.
func (t *Transformer) SetChannelSwap(order []int) error {
	if !isPermutation(order, t.shape[1]) {
		return errors.Errorf("channel swap %v is not a permutation of %d channels", order, t.shape[1])
	}
	t.channelSwap = append([]int(nil), order...)
	return nil
}

// SetRawScale multiplies values in [0, 1] by scale, e.g. 255.
func (t *Transformer) SetRawScale(scale float32) {
	t.rawScale = scale
}

// SetMean subtracts a per-channel mean. A single value applies to every
// channel.
func (t *Transformer) SetMean(mean []float32) error {
	switch len(mean) {
	case 1:
		t.mean = make([]float32, t.shape[1])
		for i := range t.mean {
			t.mean[i] = mean[0]
		}
	case t.shape[1]:
		t.mean = append([]float32(nil), mean...)
	default:
		return errors.Errorf("mean has %d values for %d channels", len(mean), t.shape[1])
	}
	return nil
}

// SetInputScale multiplies the mean-subtracted values by scale.
func (t *Transformer) SetInputScale(scale float32) {
	t.inputScale = scale
}

// SetInterpolation selects the kernel used to resize images.
func (t *Transformer) SetInterpolation(interp Interpolation) {
	t.interp = interp
}

// Preprocess returns the values of im laid out for the input, one item of
// channels x height x width values.
func (t *Transformer) Preprocess(im *Image) ([]float32, error) {
	if err := im.valid(); err != nil {
		return nil, err
	}
	h, w := t.shape[2], t.shape[3]
	if im.Height != h || im.Width != w {
		var err error
		if im, err = ResizeImage(im, h, w, t.interp); err != nil {
			return nil, err
		}
	}

	dims := [3]int{im.Height, im.Width, im.Channels}
	values := append([]float32(nil), im.Pix...)
	if t.transpose != nil {
		values, dims = permute(values, dims, [3]int(t.transpose))
	}
	if dims[0] != t.shape[1] {
		return nil, errors.Errorf("image has %d values on the leading axis, input has %d channels", dims[0], t.shape[1])
	}
	if t.channelSwap != nil {
		values = swapLeading(values, dims[0], t.channelSwap)
	}

	plane := dims[1] * dims[2]
	for c := range dims[0] {
		row := values[c*plane : (c+1)*plane]
		for i := range row {
			v := row[i]
			if t.rawScale != 0 {
				v *= t.rawScale
			}
			if t.mean != nil {
				v -= t.mean[c]
			}
			if t.inputScale != 0 {
				v *= t.inputScale
			}
			row[i] = v
		}
	}
	return values, nil
}

// Deprocess maps preprocessed values back to a height x width x channels
// image.
func (t *Transformer) Deprocess(values []float32) (*Image, error) {
	c, h, w := t.shape[1], t.shape[2], t.shape[3]
	if len(values) != c*h*w {
		return nil, errors.Errorf("got %d values, input item holds %d", len(values), c*h*w)
	}
	out := append([]float32(nil), values...)
	plane := h * w
	for ch := range c {
		row := out[ch*plane : (ch+1)*plane]
		for i := range row {
			v := row[i]
			if t.inputScale != 0 {
				v /= t.inputScale
			}
			if t.mean != nil {
				v += t.mean[ch]
			}
			if t.rawScale != 0 {
				v /= t.rawScale
			}
			row[i] = v
		}
	}
	if t.channelSwap != nil {
		out = swapLeading(out, c, inverse(t.channelSwap))
	}

	dims := [3]int{c, h, w}
	if t.transpose != nil {
		out, dims = permute(out, dims, [3]int(inverse(t.transpose)))
	}
	return &Image{Height: dims[0], Width: dims[1], Channels: dims[2], Pix: out}, nil
}

// permute reorders the axes of a 3-axis row-major array: output axis i is
// input axis order[i].
func permute(values []float32, dims, order [3]int) ([]float32, [3]int) {
	var outDims, strides [3]int
	strides[2] = 1
	strides[1] = dims[2]
	strides[0] = dims[1] * dims[2]
	for i, ax := range order {
		outDims[i] = dims[ax]
	}
	out := make([]float32, len(values))
	k := 0
	for a := range outDims[0] {
		for b := range outDims[1] {
			for c := range outDims[2] {
				out[k] = values[a*strides[order[0]]+b*strides[order[1]]+c*strides[order[2]]]
				k++
			}
		}
	}
	return out, outDims
}

// swapLeading reorders the n slices along the leading axis.
func swapLeading(values []float32, n int, order []int) []float32 {
	size := len(values) / n
	out := make([]float32, len(values))
	for i, src := range order {
		copy(out[i*size:(i+1)*size], values[src*size:(src+1)*size])
	}
	return out
}

func isPermutation(order []int, n int) bool {
	if len(order) != n {
		return false
	}
	seen := make([]bool, n)
	for _, v := range order {
		if v < 0 || v >= n || seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}

func inverse(order []int) []int {
	inv := make([]int, len(order))
	for i, v := range order {
		inv[v] = i
	}
	return inv
}
