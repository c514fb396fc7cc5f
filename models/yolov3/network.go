package yolov3

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolov3/images"
	"github.com/nvr-ai/go-yolov3/models/postprocess"
)

// FeatureMaps are the backbone outputs feeding the head, NCHW, indexed by Scale*.
type FeatureMaps [NumScales]*tensor.Dense

// Output is the result of a forward pass. Which fields are set depends on the mode:
// Conv always; Pred in ModeTrain; Rows in ModeFlatten; Detections and Boxes in ModeNMS.
type Output struct {
	// Conv is the raw NHWC head output per scale, (B, H, W, A*(5+C)).
	Conv [NumScales]*tensor.Dense
	// Pred is the decoded output per scale, (B, H, W, A, 5+C).
	Pred [NumScales]*tensor.Dense
	// Rows is every decoded box of all scales, (N, 5+C), small scale first.
	Rows *tensor.Dense
	// Detections are the NMS survivors in original image coordinates.
	Detections []postprocess.Result
	// Boxes packs Detections as (K, 5) rows of (xmin, ymin, xmax, ymax, score). It is
	// nil when nothing survives.
	Boxes *tensor.Dense
}

// Network is a built head graph. It is not safe for concurrent forward passes.
type Network struct {
	cfg      Config
	plan     ChannelPlan
	g        *G.ExprGraph
	inputs   [NumScales]*G.Node
	outputs  [NumScales]*G.Node
	registry *Registry
}

// Option configures NewNetwork.
type Option func(*options)

type options struct {
	weights WeightBundle
	graph   *G.ExprGraph
}

// WithWeights supplies the weight bundle of a dynamic head.
func WithWeights(b WeightBundle) Option {
	return func(o *options) {
		o.weights = b
	}
}

// WithGraph builds into an existing graph, e.g. one that already holds a backbone.
func WithGraph(g *G.ExprGraph) Option {
	return func(o *options) {
		o.graph = g
	}
}

// NewNetwork validates cfg and builds the head graph.
//
// Trainable configs register their parameters in the returned network's Registry.
// Dynamic configs take every parameter from the WithWeights bundle and fail on the
// first missing or mis-sized tensor.
//
// Arguments:
//   - cfg: The head configuration.
//   - opts: Optional weights and graph.
//
// Returns:
//   - *Network: The built network.
//   - error: A descriptive error naming the offending field or layer.
func NewNetwork(cfg Config, opts ...Option) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Dynamic && o.weights == nil {
		return nil, errors.New("dynamic head needs a weight bundle")
	}

	plan, _ := cfg.ChannelPlan()
	g := o.graph
	if g == nil {
		g = G.NewGraph()
	}

	n := &Network{cfg: cfg, plan: plan, g: g}
	b := &builder{g: g, training: cfg.Training, eps: cfg.BNEpsilon}
	if cfg.Dynamic {
		b.weights = o.weights
	} else {
		n.registry = newRegistry()
		b.registry = n.registry
	}

	batch := cfg.Batch()
	for scale := 0; scale < NumScales; scale++ {
		grid := cfg.GridSize(scale)
		n.inputs[scale] = G.NewTensor(g, tensor.Float32, 4,
			G.WithShape(batch, cfg.BackboneChannels[scale], grid, grid),
			G.WithName(fmt.Sprintf("%s/feature%d", Scope, scale)))
	}

	outputs, err := buildHead(b, cfg, n.inputs)
	if err != nil {
		return nil, err
	}
	n.outputs = outputs
	return n, nil
}

// Config returns the configuration the network was built with.
func (n *Network) Config() Config { return n.cfg }

// Graph returns the underlying expression graph.
func (n *Network) Graph() *G.ExprGraph { return n.g }

// Registry returns the parameter registry, nil for dynamic heads.
func (n *Network) Registry() *Registry { return n.registry }

// Inputs returns the feature map input nodes.
func (n *Network) Inputs() [NumScales]*G.Node { return n.inputs }

// Outputs returns the raw NCHW output nodes.
func (n *Network) Outputs() [NumScales]*G.Node { return n.outputs }

// Decoder returns the box decoder matching the head.
func (n *Network) Decoder() Decoder {
	return Decoder{Anchors: n.plan.Anchors, NumClasses: n.cfg.NumClasses}
}

// bind checks the feature maps against the input nodes and binds them.
func (n *Network) bind(fm FeatureMaps) error {
	for scale, node := range n.inputs {
		t := fm[scale]
		if t == nil {
			return errors.Errorf("feature map %d missing", scale)
		}
		if !t.Shape().Eq(node.Shape()) {
			return errors.Errorf("feature map %d has shape %v, want %v", scale, t.Shape(), node.Shape())
		}
		if err := G.Let(node, t); err != nil {
			return errors.Wrapf(err, "bind feature map %d", scale)
		}
	}
	return nil
}

// Run executes the graph on fm and returns the raw NHWC output per scale.
func (n *Network) Run(fm FeatureMaps) ([NumScales]*tensor.Dense, error) {
	var raw [NumScales]*tensor.Dense
	if err := n.bind(fm); err != nil {
		return raw, err
	}

	tm := G.NewTapeMachine(n.g)
	defer tm.Close()
	if err := tm.RunAll(); err != nil {
		return raw, errors.Wrap(err, "run head")
	}

	for scale, node := range n.outputs {
		v, ok := node.Value().(*tensor.Dense)
		if !ok {
			return raw, errors.Errorf("scale %d produced no dense value", scale)
		}
		nhwc, err := tensor.Transpose(v, 0, 2, 3, 1)
		if err != nil {
			return raw, errors.Wrapf(err, "scale %d to NHWC", scale)
		}
		raw[scale] = contiguous(nhwc.(*tensor.Dense))
	}
	return raw, nil
}

// ForwardOption adjusts a single forward pass.
type ForwardOption func(*forwardOptions)

type forwardOptions struct {
	frame images.Frame
}

// WithFrame maps NMS output onto the given original frame instead of the network
// input resolution.
func WithFrame(f images.Frame) ForwardOption {
	return func(o *forwardOptions) {
		o.frame = f
	}
}

// Forward runs the head and post-processes its output according to the mode.
//
// Arguments:
//   - fm: The backbone feature maps.
//   - opts: Per-call options; WithFrame sets the NMS target frame.
//
// Returns:
//   - *Output: Raw and decoded output.
//   - error: On shape mismatches or graph failures.
func (n *Network) Forward(fm FeatureMaps, opts ...ForwardOption) (*Output, error) {
	o := forwardOptions{frame: images.Frame{Width: n.cfg.InputSize, Height: n.cfg.InputSize, Size: n.cfg.InputSize}}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := n.Run(fm)
	if err != nil {
		return nil, err
	}
	return n.Decode(raw, o.frame)
}

// Decode post-processes raw NHWC head output according to the mode. frame is used
// by ModeNMS only.
func (n *Network) Decode(raw [NumScales]*tensor.Dense, frame images.Frame) (*Output, error) {
	out := &Output{Conv: raw}
	d := n.Decoder()

	switch n.cfg.Mode {
	case ModeTrain:
		for scale := range raw {
			pred, err := d.DecodeTrain(raw[scale], n.cfg.Strides[scale])
			if err != nil {
				return nil, errors.Wrapf(err, "decode scale %d", scale)
			}
			out.Pred[scale] = pred
		}

	case ModeFlatten:
		var rows [NumScales]*tensor.Dense
		for scale := range raw {
			r, err := d.DecodeExport(raw[scale], n.cfg.Strides[scale], n.cfg.InputSize)
			if err != nil {
				return nil, errors.Wrapf(err, "decode scale %d", scale)
			}
			rows[scale] = r
		}
		all, err := ConcatRows(rows)
		if err != nil {
			return nil, err
		}
		out.Rows = all

	case ModeNMS:
		var rows [NumScales]*tensor.Dense
		for scale := range raw {
			r, err := d.DecodeExportNMS(raw[scale], n.cfg.Strides[scale], n.cfg.InputSize, frame.Width, frame.Height)
			if err != nil {
				return nil, errors.Wrapf(err, "decode scale %d", scale)
			}
			rows[scale] = r
		}
		all, err := ConcatRows(rows)
		if err != nil {
			return nil, err
		}
		dets, err := Suppress(all, n.cfg.NumClasses, n.nmsConfig())
		if err != nil {
			return nil, err
		}
		out.Detections = dets
		out.Boxes = ResultsTensor(dets)
	}
	return out, nil
}

func (n *Network) nmsConfig() *postprocess.NMSConfig {
	return &postprocess.NMSConfig{
		ConfidenceThreshold: n.cfg.ConfidenceThreshold,
		IoUThreshold:        n.cfg.NMSThreshold,
		MaxDetections:       n.cfg.MaxDetections,
	}
}
