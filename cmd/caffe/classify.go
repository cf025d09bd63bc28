package main

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/caffe"
	"github.com/born-ml/caffe/internal/caffeio"
	"github.com/born-ml/caffe/internal/device"
	"github.com/born-ml/caffe/internal/net"
	"github.com/born-ml/caffe/internal/parallel"
	"github.com/born-ml/caffe/internal/tensor"
)

type classifyOptions struct {
	images      []string
	text        string
	encoding    string
	input       string
	output      string
	mean        []float32
	rawScale    float64
	inputScale  float64
	channelSwap []int
	top         int
	labels      []string
}

func classify(args []string, out io.Writer) error {
	fs := newFlagSet("classify")
	model := fs.String("model", "", "net definition file")
	weights := fs.String("weights", "", "trained weights")
	images := fs.String("images", "", "comma separated image files, one batch item each")
	text := fs.String("text", "", "text fed to the input as BPE token ids")
	encoding := fs.String("encoding", caffeio.DefaultEncoding, "BPE encoding for -text")
	input := fs.String("input", "", "input blob (default: first net input)")
	output := fs.String("output", "", "output blob (default: first net output)")
	mean := fs.String("mean", "", "comma separated per-channel mean, after -raw_scale")
	rawScale := fs.Float64("raw_scale", 1, "multiplier for pixel values in [0, 1]")
	inputScale := fs.Float64("input_scale", 1, "multiplier applied after mean subtraction")
	channelSwap := fs.String("channel_swap", "", "channel order, e.g. 2,1,0 for BGR nets")
	top := fs.Int("top", 5, "entries printed per item")
	labels := fs.String("labels", "", "optional file with one label per line")
	gpu := fs.Int("gpu", -1, "GPU ordinal, -1 for CPU")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *model == "" {
		return errors.New("classify: -model is required")
	}
	if (*images == "") == (*text == "") {
		return errors.New("classify: exactly one of -images and -text is required")
	}
	if *top <= 0 {
		return errors.Errorf("classify: -top must be positive, got %d", *top)
	}

	opts := classifyOptions{
		text:       *text,
		encoding:   *encoding,
		input:      *input,
		output:     *output,
		rawScale:   *rawScale,
		inputScale: *inputScale,
		top:        *top,
	}
	if *images != "" {
		opts.images = strings.Split(*images, ",")
	}
	var err error
	if opts.mean, err = parseFloats(*mean); err != nil {
		return errors.Wrap(err, "classify: -mean")
	}
	if opts.channelSwap, err = parseInts(*channelSwap); err != nil {
		return errors.Wrap(err, "classify: -channel_swap")
	}
	if *labels != "" {
		if opts.labels, err = readLines(*labels); err != nil {
			return err
		}
	}

	ctrl := device.NewController()
	defer ctrl.Release()
	if *gpu >= 0 {
		ctrl.SetModeGPU(*gpu)
	}
	n, err := caffe.LoadNet(*model, *weights, caffe.TEST, caffe.WithController(ctrl))
	if err != nil {
		return err
	}
	defer n.Release()
	return runClassify(context.Background(), n, &opts, out)
}

func runClassify(ctx context.Context, n *net.Net, opts *classifyOptions, out io.Writer) error {
	input := opts.input
	if input == "" {
		if len(n.Inputs()) == 0 {
			return errors.Errorf("net %q has no inputs", n.Name())
		}
		input = n.Inputs()[0]
	}
	b, ok := n.Blob(input)
	if !ok {
		return errors.Errorf("net %q has no blob %q", n.Name(), input)
	}

	var (
		values []float32
		shape  tensor.Shape
		err    error
	)
	if opts.text != "" {
		values, shape, err = textInput(b.Shape(), opts)
	} else {
		values, shape, err = imageInput(ctx, b.Shape(), opts)
	}
	if err != nil {
		return err
	}
	if err := n.SetInput(input, values, shape); err != nil {
		return err
	}
	outputs, err := n.Forward(ctx)
	if err != nil {
		return err
	}

	output := opts.output
	if output == "" {
		if len(n.Outputs()) == 0 {
			return errors.Errorf("net %q has no outputs", n.Name())
		}
		output = n.Outputs()[0]
	}
	result, ok := outputs[output]
	if !ok {
		if result, ok = n.Blob(output); !ok {
			return errors.Errorf("net %q has no blob %q", n.Name(), output)
		}
	}
	printTop(out, result, opts)
	return nil
}

// imageInput loads and preprocesses the images concurrently into one batch
// shaped like the input, with the batch axis set to the image count.
func imageInput(ctx context.Context, inShape tensor.Shape, opts *classifyOptions) ([]float32, tensor.Shape, error) {
	if len(inShape) != 4 {
		return nil, nil, errors.Errorf("image input must have 4 axes, got %v", inShape)
	}
	channels := inShape[1]
	if channels != 1 && channels != 3 {
		return nil, nil, errors.Errorf("image input must have 1 or 3 channels, got %d", channels)
	}
	shape := tensor.Shape{len(opts.images), channels, inShape[2], inShape[3]}
	tr, err := caffeio.NewTransformer(shape)
	if err != nil {
		return nil, nil, err
	}
	if err := tr.SetTranspose([]int{2, 0, 1}); err != nil {
		return nil, nil, err
	}
	if opts.channelSwap != nil {
		if err := tr.SetChannelSwap(opts.channelSwap); err != nil {
			return nil, nil, err
		}
	}
	tr.SetRawScale(float32(opts.rawScale))
	tr.SetInputScale(float32(opts.inputScale))
	if opts.mean != nil {
		if err := tr.SetMean(opts.mean); err != nil {
			return nil, nil, err
		}
	}

	per := shape.CountRange(1, 4)
	values := make([]float32, len(opts.images)*per)
	err = parallel.Each(ctx, len(opts.images), func(_ context.Context, i int) error {
		im, err := caffeio.LoadImage(opts.images[i], channels == 3)
		if err != nil {
			return err
		}
		item, err := tr.Preprocess(im)
		if err != nil {
			return errors.Wrap(err, opts.images[i])
		}
		copy(values[i*per:(i+1)*per], item)
		return nil
	}, parallel.DefaultConfig())
	if err != nil {
		return nil, nil, err
	}
	return values, shape, nil
}

// textInput encodes the text and sizes the last input axis to the token
// count. The other axes must hold a single sequence.
func textInput(inShape tensor.Shape, opts *classifyOptions) ([]float32, tensor.Shape, error) {
	ids, err := caffeio.TokenIDs(opts.text, opts.encoding)
	if err != nil {
		return nil, nil, err
	}
	if len(ids) == 0 {
		return nil, nil, errors.New("text encodes to no tokens")
	}
	if len(inShape) == 0 || inShape.CountRange(0, len(inShape)-1) != 1 {
		return nil, nil, errors.Errorf("text input must hold one sequence, got shape %v", inShape)
	}
	shape := inShape.Clone()
	shape[len(shape)-1] = len(ids)
	return ids, shape, nil
}

// printTop writes the largest entries of each item along the leading axis.
func printTop(out io.Writer, result *tensor.Blob, opts *classifyOptions) {
	shape := result.Shape()
	items, per := 1, result.Count()
	if len(shape) > 1 {
		items, per = shape[0], result.CountFrom(1)
	}
	data := result.Data()
	for i := range items {
		row := data[i*per : (i+1)*per]
		idx := make([]int, len(row))
		for k := range idx {
			idx[k] = k
		}
		slices.SortStableFunc(idx, func(a, b int) int { return cmp.Compare(row[b], row[a]) })
		fmt.Fprintf(out, "item %d:\n", i)
		for _, k := range idx[:min(opts.top, len(idx))] {
			fmt.Fprintf(out, "  %.4f  %s\n", row[k], label(opts.labels, k))
		}
	}
}

func label(labels []string, k int) string {
	if k < len(labels) {
		return labels[k]
	}
	return strconv.Itoa(k)
}

func parseFloats(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	var out []float32
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return nil, err
		}
		out = append(out, float32(v))
	}
	return out, nil
}

func parseInts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open labels")
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	return lines, errors.Wrap(sc.Err(), "read labels")
}
