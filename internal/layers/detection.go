package layers

import (
	"cmp"
	"math"
	"slices"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/tensor"
)

// Box encodings accepted by code_type.
const (
	CodeCorner     = "CORNER"
	CodeCenterSize = "CENTER_SIZE"
	CodeCornerSize = "CORNER_SIZE"
)

// detectionWidth is the length of one output row:
// [image_id, label, score, xmin, ymin, xmax, ymax].
const detectionWidth = 7

// DetectionOutput turns SSD box regressions and class confidences into
// detections. Inputs are loc [N, P*L*4], conf [N, P*C] (probabilities) and
// prior [1, 2, P*4] holding P prior boxes followed by their variances;
// L is 1 with share_location, C otherwise. Each non-background class is
// filtered by confidence_threshold and reduced by greedy non-maximum
// suppression; keep_top_k then caps the detections per image. The output
// is [1, 1, D, 7]. With no detections it holds one row of -1 per image,
// tagged with the image id. Forward only.
type DetectionOutput struct {
	base
	numClasses       int
	shareLocation    bool
	backgroundLabel  int
	codeType         string
	varianceInTarget bool
	confThreshold    float32
	nmsThreshold     float32
	eta              float32
	topK             int
	keepTopK         int
}

func newDetectionOutput(spec *graph.LayerSpec, ctx *Context) (Layer, error) {
	l := &DetectionOutput{base: newBase(spec, ctx)}
	var err error
	if l.numClasses, err = spec.IntParam("num_classes", 0); err != nil {
		return nil, err
	}
	if l.numClasses <= 0 {
		return nil, l.configErr("num_classes", "must be > 0, got %d", l.numClasses)
	}
	if l.shareLocation, err = spec.BoolParam("share_location", true); err != nil {
		return nil, err
	}
	if l.backgroundLabel, err = spec.IntParam("background_label_id", 0); err != nil {
		return nil, err
	}
	if l.codeType, err = spec.StringParam("code_type", CodeCorner); err != nil {
		return nil, err
	}
	switch l.codeType {
	case CodeCorner, CodeCenterSize, CodeCornerSize:
	default:
		return nil, l.configErr("code_type", "unknown box encoding %q", l.codeType)
	}
	if l.varianceInTarget, err = spec.BoolParam("variance_encoded_in_target", false); err != nil {
		return nil, err
	}
	conf, err := spec.FloatParam("confidence_threshold", -math.MaxFloat32)
	if err != nil {
		return nil, err
	}
	nms, err := spec.FloatParam("nms_threshold", 0.3)
	if err != nil {
		return nil, err
	}
	if nms < 0 {
		return nil, l.configErr("nms_threshold", "must be >= 0, got %g", nms)
	}
	eta, err := spec.FloatParam("eta", 1)
	if err != nil {
		return nil, err
	}
	if eta <= 0 || eta > 1 {
		return nil, l.configErr("eta", "must be in (0, 1], got %g", eta)
	}
	l.confThreshold, l.nmsThreshold, l.eta = float32(conf), float32(nms), float32(eta)
	if l.topK, err = spec.IntParam("top_k", -1); err != nil {
		return nil, err
	}
	if l.keepTopK, err = spec.IntParam("keep_top_k", -1); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *DetectionOutput) numLocClasses() int {
	if l.shareLocation {
		return 1
	}
	return l.numClasses
}

// SetUp requires loc, conf and prior inputs and one output.
func (l *DetectionOutput) SetUp(bottom []*tensor.Blob) error {
	return l.checkArity(bottom, 3, 3, 1, 1)
}

// Reshape checks the inputs agree on the prior count. The real number of
// detections is only known after Forward, which resizes the output.
func (l *DetectionOutput) Reshape(bottom []*tensor.Blob) ([]tensor.Shape, error) {
	if _, err := l.dims(bottom); err != nil {
		return nil, err
	}
	return []tensor.Shape{{1, 1, 1, detectionWidth}}, nil
}

// dims returns the number of priors after checking the input shapes.
func (l *DetectionOutput) dims(bottom []*tensor.Blob) (int, error) {
	loc, conf, prior := bottom[0].Shape(), bottom[1].Shape(), bottom[2].Shape()
	if len(prior) == 0 || prior[len(prior)-1]%4 != 0 || prior.NumElements() != 2*prior[len(prior)-1] {
		return 0, l.shapeErr(l.spec.Inputs[2], nil, prior, "want [1, 2, priors*4]")
	}
	numPriors := prior[len(prior)-1] / 4
	if len(loc) == 0 || loc.CountRange(1, len(loc)) != numPriors*l.numLocClasses()*4 {
		return 0, l.shapeErr(l.spec.Inputs[0], nil, loc, "want %d values per image for %d priors", numPriors*l.numLocClasses()*4, numPriors)
	}
	if len(conf) == 0 || conf[0] != loc[0] || conf.CountRange(1, len(conf)) != numPriors*l.numClasses {
		return 0, l.shapeErr(l.spec.Inputs[1], nil, conf, "want [%d, %d]", loc[0], numPriors*l.numClasses)
	}
	return numPriors, nil
}

type bbox struct {
	xmin, ymin, xmax, ymax float32
}

func (b bbox) size() float32 {
	if b.xmax < b.xmin || b.ymax < b.ymin {
		return 0
	}
	return (b.xmax - b.xmin) * (b.ymax - b.ymin)
}

// jaccard is the intersection over union of two normalised boxes.
func jaccard(a, b bbox) float32 {
	if b.xmin > a.xmax || b.xmax < a.xmin || b.ymin > a.ymax || b.ymax < a.ymin {
		return 0
	}
	inter := bbox{
		xmin: math32.Max(a.xmin, b.xmin),
		ymin: math32.Max(a.ymin, b.ymin),
		xmax: math32.Min(a.xmax, b.xmax),
		ymax: math32.Min(a.ymax, b.ymax),
	}.size()
	if inter == 0 {
		return 0
	}
	return inter / (a.size() + b.size() - inter)
}

// decode applies the regression loc to prior under the layer's encoding.
func (l *DetectionOutput) decode(prior bbox, variance, loc [4]float32) bbox {
	if l.varianceInTarget {
		variance = [4]float32{1, 1, 1, 1}
	}
	pw, ph := prior.xmax-prior.xmin, prior.ymax-prior.ymin
	switch l.codeType {
	case CodeCenterSize:
		cx := variance[0]*loc[0]*pw + (prior.xmin+prior.xmax)/2
		cy := variance[1]*loc[1]*ph + (prior.ymin+prior.ymax)/2
		w := math32.Exp(variance[2]*loc[2]) * pw
		h := math32.Exp(variance[3]*loc[3]) * ph
		return bbox{cx - w/2, cy - h/2, cx + w/2, cy + h/2}
	case CodeCornerSize:
		return bbox{
			prior.xmin + variance[0]*loc[0]*pw,
			prior.ymin + variance[1]*loc[1]*ph,
			prior.xmax + variance[2]*loc[2]*pw,
			prior.ymax + variance[3]*loc[3]*ph,
		}
	default:
		return bbox{
			prior.xmin + variance[0]*loc[0],
			prior.ymin + variance[1]*loc[1],
			prior.xmax + variance[2]*loc[2],
			prior.ymax + variance[3]*loc[3],
		}
	}
}

type scored struct {
	idx   int
	score float32
}

// nms greedily keeps the best scoring boxes whose overlap with every kept
// box stays within the threshold. The threshold shrinks by eta after each
// kept box while it is above 0.5.
func (l *DetectionOutput) nms(boxes []bbox, scores []float32) []scored {
	var order []scored
	for i, s := range scores {
		if s > l.confThreshold {
			order = append(order, scored{i, s})
		}
	}
	slices.SortStableFunc(order, func(a, b scored) int { return cmp.Compare(b.score, a.score) })
	if l.topK > -1 && l.topK < len(order) {
		order = order[:l.topK]
	}

	threshold := l.nmsThreshold
	var kept []scored
	for _, cand := range order {
		keep := true
		for _, k := range kept {
			if jaccard(boxes[cand.idx], boxes[k.idx]) > threshold {
				keep = false
				break
			}
		}
		if keep {
			kept = append(kept, cand)
			if l.eta < 1 && threshold > 0.5 {
				threshold *= l.eta
			}
		}
	}
	return kept
}

type detection struct {
	label int
	scored
}

// detectImage decodes and filters the predictions of one image.
func (l *DetectionOutput) detectImage(loc, conf, priors, variances []float32, numPriors int) [][]float32 {
	locClasses := l.numLocClasses()
	decoded := make([][]bbox, locClasses)
	for c := range locClasses {
		if !l.shareLocation && c == l.backgroundLabel {
			continue
		}
		decoded[c] = make([]bbox, numPriors)
		for p := range numPriors {
			prior := bbox{priors[p*4], priors[p*4+1], priors[p*4+2], priors[p*4+3]}
			off := (p*locClasses + c) * 4
			decoded[c][p] = l.decode(prior, [4]float32(variances[p*4:p*4+4]), [4]float32(loc[off:off+4]))
		}
	}

	var dets []detection
	scores := make([]float32, numPriors)
	for c := range l.numClasses {
		if c == l.backgroundLabel {
			continue
		}
		for p := range numPriors {
			scores[p] = conf[p*l.numClasses+c]
		}
		for _, k := range l.nms(decoded[l.locIndex(c)], scores) {
			dets = append(dets, detection{label: c, scored: k})
		}
	}
	if l.keepTopK > -1 && len(dets) > l.keepTopK {
		slices.SortStableFunc(dets, func(a, b detection) int { return cmp.Compare(b.score, a.score) })
		dets = dets[:l.keepTopK]
		slices.SortStableFunc(dets, func(a, b detection) int { return cmp.Compare(a.label, b.label) })
	}

	rows := make([][]float32, len(dets))
	for i, d := range dets {
		b := decoded[l.locIndex(d.label)][d.idx]
		rows[i] = []float32{0, float32(d.label), d.score, b.xmin, b.ymin, b.xmax, b.ymax}
	}
	return rows
}

func (l *DetectionOutput) locIndex(label int) int {
	if l.shareLocation {
		return 0
	}
	return label
}

// Forward writes the detections of every image and resizes the output.
func (l *DetectionOutput) Forward(bottom, top []*tensor.Blob) error {
	numPriors, err := l.dims(bottom)
	if err != nil {
		return err
	}
	num := bottom[0].Shape()[0]
	loc, conf, prior := bottom[0].Data(), bottom[1].Data(), bottom[2].Data()
	locPer, confPer := numPriors*l.numLocClasses()*4, numPriors*l.numClasses
	priors, variances := prior[:numPriors*4], prior[numPriors*4:]

	var out []float32
	for i := range num {
		rows := l.detectImage(loc[i*locPer:(i+1)*locPer], conf[i*confPer:(i+1)*confPer], priors, variances, numPriors)
		for _, r := range rows {
			r[0] = float32(i)
			out = append(out, r...)
		}
	}
	if len(out) == 0 {
		out = make([]float32, num*detectionWidth)
		for i := range out {
			out[i] = -1
		}
		for i := range num {
			out[i*detectionWidth] = float32(i)
		}
	}
	if err := top[0].Reshape(tensor.Shape{1, 1, len(out) / detectionWidth, detectionWidth}); err != nil {
		return err
	}
	copy(top[0].MutableData(), out)
	return nil
}

// Backward rejects gradient requests: detections are not differentiable.
func (l *DetectionOutput) Backward(_ []*tensor.Blob, propagateDown []bool, _ []*tensor.Blob) error {
	if slices.Contains(propagateDown, true) {
		return errors.Errorf("layer %q: %s has no backward pass", l.Name(), l.Type())
	}
	return nil
}
