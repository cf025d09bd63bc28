// Package main provides the caffe command line tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/born-ml/caffe"
	"github.com/born-ml/caffe/internal/caffeio"
	"github.com/born-ml/caffe/internal/device"
	"github.com/born-ml/caffe/internal/logging"
	"github.com/born-ml/caffe/internal/net"
	"github.com/born-ml/caffe/internal/proto"
)

const usage = `caffe - layer graph neural networks

Commands:
  version       Show version
  layers        List registered layer types
  device_query  Show the GPU a net would run on (-gpu N)
  time          Benchmark forward and backward passes (-model f -iterations N [-gpu N])
  convert       Convert a net between binary, YAML and SafeTensors (-in a -out b)
  classify      Run images or text through a trained net and print the top
                outputs (-model f -weights w -images a.png,b.png | -text "...")
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return nil
	}
	defer logging.Flush()

	switch args[0] {
	case "version":
		fmt.Fprintln(out, caffe.VersionString())
		return nil
	case "layers":
		for _, t := range caffe.LayerTypeList() {
			fmt.Fprintln(out, t)
		}
		return nil
	case "device_query":
		return deviceQuery(args[1:], out)
	case "time":
		return timeNet(args[1:], out)
	case "convert":
		return convert(args[1:], out)
	case "classify":
		return classify(args[1:], out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return errors.Errorf("unknown command %q", args[0])
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	logging.BindFlags(fs)
	return fs
}

func deviceQuery(args []string, out io.Writer) error {
	fs := newFlagSet("device_query")
	gpu := fs.Int("gpu", 0, "GPU ordinal")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctrl := device.NewController()
	defer ctrl.Release()
	p, err := ctrl.Provider(device.GPU(*gpu))
	if err != nil {
		return errors.Wrapf(err, "query GPU %d", *gpu)
	}
	fmt.Fprintf(out, "Device: %d\nProvider: %s\n", p.Index(), p.Name())
	return nil
}

func timeNet(args []string, out io.Writer) error {
	fs := newFlagSet("time")
	model := fs.String("model", "", "net definition file")
	weights := fs.String("weights", "", "optional trained weights")
	iterations := fs.Int("iterations", 50, "number of timed iterations")
	gpu := fs.Int("gpu", -1, "GPU ordinal, -1 for CPU")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *model == "" {
		return errors.New("time: -model is required")
	}
	if *iterations <= 0 {
		return errors.Errorf("time: -iterations must be positive, got %d", *iterations)
	}

	ctrl := device.NewController()
	defer ctrl.Release()
	if *gpu >= 0 {
		ctrl.SetModeGPU(*gpu)
	}
	n, err := caffe.LoadNet(*model, *weights, caffe.TRAIN, caffe.WithController(ctrl))
	if err != nil {
		return err
	}
	defer n.Release()
	return benchmark(context.Background(), n, *iterations, out)
}

// benchmark feeds random inputs and reports mean forward time per layer and
// mean forward-backward time for the whole net.
func benchmark(ctx context.Context, n *net.Net, iterations int, out io.Writer) error {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, name := range n.Inputs() {
		b, _ := n.Blob(name)
		values := make([]float32, b.Count())
		for i := range values {
			values[i] = rng.Float32()
		}
		if err := n.SetInput(name, values, nil); err != nil {
			return err
		}
	}

	names := n.LayerNames()
	perLayer := make([]time.Duration, len(names))
	var forward, backward time.Duration
	for range iterations {
		for i := range names {
			start := time.Now()
			if _, err := n.ForwardFromTo(ctx, i, i); err != nil {
				return err
			}
			d := time.Since(start)
			perLayer[i] += d
			forward += d
		}
		start := time.Now()
		if err := n.Backward(ctx); err != nil {
			return err
		}
		backward += time.Since(start)
	}

	avg := func(d time.Duration) time.Duration { return d / time.Duration(iterations) }
	for i, name := range names {
		fmt.Fprintf(out, "%20s\tforward: %v\n", name, avg(perLayer[i]))
	}
	fmt.Fprintf(out, "Average forward pass: %v\n", avg(forward))
	fmt.Fprintf(out, "Average backward pass: %v\n", avg(backward))
	fmt.Fprintf(out, "Average forward-backward: %v\n", avg(forward+backward))
	return nil
}

func convert(args []string, out io.Writer) error {
	fs := newFlagSet("convert")
	in := fs.String("in", "", "source file (.yaml/.yml text, .safetensors weights, otherwise binary)")
	dst := fs.String("out", "", "destination file (.safetensors writes weights only)")
	weights := fs.Bool("weights", true, "keep trained blobs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *dst == "" {
		return errors.New("convert: -in and -out are required")
	}

	np, err := caffe.ReadWeights(*in)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(*dst), ".safetensors") {
		if err := caffeio.WriteSafetensors(*dst, np, map[string]string{"source": filepath.Base(*in)}); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %s (%d layers)\n", *dst, len(np.Layer))
		return nil
	}
	if !*weights {
		for i := range np.Layer {
			np.Layer[i].Blobs = nil
		}
	}
	if err := proto.WriteFile(*dst, np); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s (%d layers)\n", *dst, len(np.Layer))
	return nil
}
