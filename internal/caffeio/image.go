// Package caffeio converts images, arrays and text into net inputs.
//
// Images are held as float32 height x width x channels arrays with values in
// [0, 1], the layout image decoders produce. Nets consume channels x height
// x width, so ImageToBlob and Transformer reorder the axes.
//
// Example:
//
//	img, err := caffeio.LoadImage("cat.jpg", true)
//	if err != nil {
//	    return err
//	}
//	t, _ := caffeio.NewTransformer(tensor.Shape{1, 3, 227, 227})
//	_ = t.SetTranspose([]int{2, 0, 1})
//	values, err := t.Preprocess(img)
package caffeio

import (
	"image"
	"image/color"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder

	"github.com/born-ml/caffe/internal/tensor"
)

// Image is a height x width x channels float32 array.
type Image struct {
	Height   int
	Width    int
	Channels int
	Pix      []float32
}

// NewImage allocates a zeroed image.
func NewImage(height, width, channels int) *Image {
	return &Image{
		Height:   height,
		Width:    width,
		Channels: channels,
		Pix:      make([]float32, height*width*channels),
	}
}

// At returns the value at row y, column x, channel c.
func (im *Image) At(y, x, c int) float32 {
	return im.Pix[(y*im.Width+x)*im.Channels+c]
}

// Set stores v at row y, column x, channel c.
func (im *Image) Set(y, x, c int, v float32) {
	im.Pix[(y*im.Width+x)*im.Channels+c] = v
}

// Shape returns {height, width, channels}.
func (im *Image) Shape() tensor.Shape {
	return tensor.Shape{im.Height, im.Width, im.Channels}
}

func (im *Image) valid() error {
	if im.Height <= 0 || im.Width <= 0 || im.Channels <= 0 {
		return errors.Errorf("invalid image dimensions %dx%dx%d", im.Height, im.Width, im.Channels)
	}
	if len(im.Pix) != im.Height*im.Width*im.Channels {
		return errors.Errorf("image %dx%dx%d holds %d values", im.Height, im.Width, im.Channels, len(im.Pix))
	}
	return nil
}

// LoadImage decodes the file at path into values in [0, 1]. color selects
// three RGB channels, otherwise one gray channel.
func LoadImage(path string, color bool) (*Image, error) {
	//nolint:gosec // G304: image paths come from the caller
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer f.Close()

	src, format, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	im := FromImage(src, color)
	if im.Height == 0 || im.Width == 0 {
		return nil, errors.Errorf("%s: empty %s image", path, format)
	}
	return im, nil
}

// FromImage converts a decoded image.
func FromImage(src image.Image, rgb bool) *Image {
	b := src.Bounds()
	channels := 1
	if rgb {
		channels = 3
	}
	im := NewImage(b.Dy(), b.Dx(), channels)
	for y := range im.Height {
		for x := range im.Width {
			c := src.At(b.Min.X+x, b.Min.Y+y)
			if !rgb {
				g := color.Gray16Model.Convert(c).(color.Gray16)
				im.Set(y, x, 0, float32(g.Y)/0xffff)
				continue
			}
			n := color.NRGBA64Model.Convert(c).(color.NRGBA64)
			im.Set(y, x, 0, float32(n.R)/0xffff)
			im.Set(y, x, 1, float32(n.G)/0xffff)
			im.Set(y, x, 2, float32(n.B)/0xffff)
		}
	}
	return im
}

// Interpolation selects the resampling kernel of ResizeImage.
type Interpolation int

// Interpolation kernels.
const (
	Nearest Interpolation = iota
	Bilinear
	CatmullRom
)

func (i Interpolation) scaler() (draw.Scaler, error) {
	switch i {
	case Nearest:
		return draw.NearestNeighbor, nil
	case Bilinear:
		return draw.BiLinear, nil
	case CatmullRom:
		return draw.CatmullRom, nil
	default:
		return nil, errors.Errorf("unknown interpolation %d", int(i))
	}
}

// ResizeImage resamples im to height x width. Values outside [0, 1] are
// supported: each channel is scaled into 16-bit range around the image
// minimum and maximum and mapped back after resampling.
func ResizeImage(im *Image, height, width int, interp Interpolation) (*Image, error) {
	if err := im.valid(); err != nil {
		return nil, err
	}
	if height <= 0 || width <= 0 {
		return nil, errors.Errorf("invalid target size %dx%d", height, width)
	}
	scaler, err := interp.scaler()
	if err != nil {
		return nil, err
	}

	lo, hi := im.Pix[0], im.Pix[0]
	for _, v := range im.Pix {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	out := NewImage(height, width, im.Channels)
	if hi == lo {
		for i := range out.Pix {
			out.Pix[i] = lo
		}
		return out, nil
	}

	span := hi - lo
	src := image.NewGray16(image.Rect(0, 0, im.Width, im.Height))
	dst := image.NewGray16(image.Rect(0, 0, width, height))
	for c := range im.Channels {
		for y := range im.Height {
			for x := range im.Width {
				v := (im.At(y, x, c) - lo) / span
				src.SetGray16(x, y, color.Gray16{Y: uint16(v*0xffff + 0.5)})
			}
		}
		scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
		for y := range height {
			for x := range width {
				out.Set(y, x, c, lo+float32(dst.Gray16At(x, y).Y)/0xffff*span)
			}
		}
	}
	return out, nil
}

// ImageToBlob stacks images of equal size into a num x channels x height x
// width blob.
func ImageToBlob(name string, images ...*Image) (*tensor.Blob, error) {
	if len(images) == 0 {
		return nil, errors.New("no images")
	}
	first := images[0]
	for i, im := range images {
		if err := im.valid(); err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
		if !im.Shape().Equal(first.Shape()) {
			return nil, errors.Errorf("image %d has shape %v, image 0 has %v", i, im.Shape(), first.Shape())
		}
	}

	h, w, c := first.Height, first.Width, first.Channels
	values := make([]float32, 0, len(images)*c*h*w)
	for _, im := range images {
		for ch := range c {
			for y := range h {
				for x := range w {
					values = append(values, im.At(y, x, ch))
				}
			}
		}
	}
	return tensor.FromSlice(name, values, tensor.Shape{len(images), c, h, w})
}
