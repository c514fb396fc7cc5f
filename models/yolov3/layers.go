package yolov3

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// layer is one named stage of the head.
type layer interface {
	ToNode(b *builder, input ...*G.Node) (*G.Node, error)
	Type() string
	String() string
}

// builder carries what every layer needs while the head graph is assembled. Exactly
// one of registry and weights is set.
type builder struct {
	g        *G.ExprGraph
	training bool
	eps      float32
	registry *Registry
	weights  WeightBundle

	// taps is the constant one-hot 3x3 filter bank shared by depthwise convolutions.
	taps *G.Node
}

// channelAxes broadcasts a (1, C, 1, 1) vector over an NCHW tensor.
var channelAxes = []byte{0, 2, 3}

// param creates or looks up the parameter name of layer. Trainable heads register a
// fresh node initialised with init; dynamic heads bind the bundle tensor, which must
// hold exactly shape.TotalSize() values.
func (b *builder) param(id LayerID, name string, shape tensor.Shape, init G.InitWFn, trainable bool) (*G.Node, error) {
	opts := []G.NodeConsOpt{G.WithShape(shape...), G.WithName(paramName(id, name))}

	if b.registry == nil {
		src, err := b.weights.Tensor(id, name)
		if err != nil {
			return nil, err
		}
		if src.Size() != shape.TotalSize() {
			return nil, errors.Errorf("layer %s: %s has %d values, want shape %v", id, name, src.Size(), shape)
		}
		v := src.Clone().(*tensor.Dense)
		if err := v.Reshape(shape...); err != nil {
			return nil, errors.Wrapf(err, "layer %s: reshape %s", id, name)
		}
		return G.NewTensor(b.g, tensor.Float32, shape.Dims(), append(opts, G.WithValue(v))...), nil
	}

	n := G.NewTensor(b.g, tensor.Float32, shape.Dims(), append(opts, G.WithInit(init))...)
	if err := b.registry.add(&Param{Layer: id, Name: name, Node: n, Trainable: trainable}); err != nil {
		return nil, err
	}
	return n, nil
}

// vector wraps eagerly computed per-channel values as a (1, C, 1, 1) node.
func (b *builder) vector(id LayerID, name string, values []float32) *G.Node {
	v := tensor.New(tensor.WithShape(1, len(values), 1, 1), tensor.WithBacking(values))
	return G.NewTensor(b.g, tensor.Float32, 4, G.WithShape(1, len(values), 1, 1), G.WithName(paramName(id, name)), G.WithValue(v))
}

func (b *builder) scalar(v float32) *G.Node {
	return G.NewConstant(v, G.In(b.g))
}

// pointwise is a bias-free 1x1 convolution.
func (b *builder) pointwise(id LayerID, prefix string, x *G.Node, in, out int) (*G.Node, error) {
	w, err := b.param(id, prefix+ParamWeights, tensor.Shape{out, in, 1, 1}, G.GlorotN(1.0), true)
	if err != nil {
		return nil, err
	}
	y, err := G.Conv2d(x, w, tensor.Shape{1, 1}, []int{0, 0}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrapf(err, "layer %s: %sconv", id, prefix)
	}
	return y, nil
}

// depthwise is a per-channel 3x3 convolution with same padding.
//
// Each channel is moved into the batch axis and convolved against a fixed bank of
// nine one-hot kernels, producing the nine shifted copies of every channel. These are
// weighted per channel and summed, which is the depthwise convolution without a
// grouped conv primitive.
func (b *builder) depthwise(id LayerID, prefix string, x *G.Node, channels int) (*G.Node, error) {
	shape := x.Shape()
	n, h, w := shape[0], shape[2], shape[3]

	k, err := b.param(id, prefix+ParamWeights, tensor.Shape{1, channels * 9, 1, 1}, G.GlorotN(1.0), true)
	if err != nil {
		return nil, err
	}
	if b.taps == nil {
		bank := make([]float32, 9*9)
		for i := 0; i < 9; i++ {
			bank[i*9+i] = 1
		}
		b.taps = G.NewConstant(tensor.New(tensor.WithShape(9, 1, 3, 3), tensor.WithBacking(bank)), G.In(b.g), G.WithName("depthwise_taps"))
	}

	wrap := errors.Wrapf
	flat, err := G.Reshape(x, tensor.Shape{n * channels, 1, h, w})
	if err != nil {
		return nil, wrap(err, "layer %s: depthwise fold", id)
	}
	shifted, err := G.Conv2d(flat, b.taps, tensor.Shape{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, wrap(err, "layer %s: depthwise shift", id)
	}
	if shifted, err = G.Reshape(shifted, tensor.Shape{n, channels * 9, h, w}); err != nil {
		return nil, wrap(err, "layer %s: depthwise unfold", id)
	}
	weighted, err := G.BroadcastHadamardProd(shifted, k, nil, channelAxes)
	if err != nil {
		return nil, wrap(err, "layer %s: depthwise weight", id)
	}
	if weighted, err = G.Reshape(weighted, tensor.Shape{n * channels, 9, h * w}); err != nil {
		return nil, wrap(err, "layer %s: depthwise group", id)
	}
	summed, err := G.Sum(weighted, 1)
	if err != nil {
		return nil, wrap(err, "layer %s: depthwise sum", id)
	}
	return G.Reshape(summed, tensor.Shape{n, channels, h, w})
}

// batchNorm normalises x per channel. Dynamic heads fold the statistics into a
// constant scale and shift; trainable heads normalise with batch statistics while
// training and with the moving statistics otherwise.
func (b *builder) batchNorm(id LayerID, prefix string, x *G.Node, channels int) (*G.Node, error) {
	if b.registry == nil {
		scale, shift, err := foldBatchNorm(b.weights, id, prefix, channels, b.eps)
		if err != nil {
			return nil, err
		}
		y, err := G.BroadcastHadamardProd(x, b.vector(id, prefix+"scale", scale), nil, channelAxes)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %s: bn scale", id)
		}
		return G.BroadcastAdd(y, b.vector(id, prefix+"shift", shift), nil, channelAxes)
	}

	vec := tensor.Shape{1, channels, 1, 1}
	gamma, err := b.param(id, prefix+ParamGamma, vec, G.Ones(), true)
	if err != nil {
		return nil, err
	}
	beta, err := b.param(id, prefix+ParamBeta, vec, G.Zeroes(), true)
	if err != nil {
		return nil, err
	}
	mean, err := b.param(id, prefix+ParamMovingMean, vec, G.Zeroes(), false)
	if err != nil {
		return nil, err
	}
	variance, err := b.param(id, prefix+ParamMovingVariance, vec, G.Ones(), false)
	if err != nil {
		return nil, err
	}

	if b.training {
		if mean, err = channelMean(x, channels); err != nil {
			return nil, errors.Wrapf(err, "layer %s: bn mean", id)
		}
	}
	centered, err := G.BroadcastSub(x, mean, nil, channelAxes)
	if err != nil {
		return nil, errors.Wrapf(err, "layer %s: bn center", id)
	}
	if b.training {
		sq, err := G.Square(centered)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %s: bn variance", id)
		}
		if variance, err = channelMean(sq, channels); err != nil {
			return nil, errors.Wrapf(err, "layer %s: bn variance", id)
		}
	}

	std, err := G.Add(variance, b.scalar(b.eps))
	if err == nil {
		std, err = G.Sqrt(std)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "layer %s: bn std", id)
	}
	y, err := G.BroadcastHadamardDiv(centered, std, nil, channelAxes)
	if err == nil {
		y, err = G.BroadcastHadamardProd(y, gamma, nil, channelAxes)
	}
	if err == nil {
		y, err = G.BroadcastAdd(y, beta, nil, channelAxes)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "layer %s: bn affine", id)
	}
	return y, nil
}

// channelMean averages an NCHW tensor over N, H and W into (1, C, 1, 1).
func channelMean(x *G.Node, channels int) (*G.Node, error) {
	m, err := G.Mean(x, 0, 2, 3)
	if err != nil {
		return nil, err
	}
	return G.Reshape(m, tensor.Shape{1, channels, 1, 1})
}

// relu6 clamps x to [0, 6].
func (b *builder) relu6(x *G.Node) (*G.Node, error) {
	lo, err := G.Rectify(x)
	if err != nil {
		return nil, err
	}
	over, err := G.Sub(x, b.scalar(6))
	if err != nil {
		return nil, err
	}
	hi, err := G.Rectify(over)
	if err != nil {
		return nil, err
	}
	return G.Sub(lo, hi)
}

// convBlock is a 1x1 convolution followed by batch norm and ReLU6.
type convBlock struct {
	id      LayerID
	in, out int
}

func (l *convBlock) Type() string { return "conv" }

func (l *convBlock) String() string {
	return fmt.Sprintf("%s: conv 1x1 %d->%d", l.id, l.in, l.out)
}

func (l *convBlock) ToNode(b *builder, input ...*G.Node) (*G.Node, error) {
	y, err := b.pointwise(l.id, "", input[0], l.in, l.out)
	if err != nil {
		return nil, err
	}
	if y, err = b.batchNorm(l.id, "", y, l.out); err != nil {
		return nil, err
	}
	return b.relu6(y)
}

// separableBlock is a depthwise 3x3 and a pointwise 1x1, each with batch norm and ReLU6.
type separableBlock struct {
	id      LayerID
	in, out int
}

func (l *separableBlock) Type() string { return "separable" }

func (l *separableBlock) String() string {
	return fmt.Sprintf("%s: separable 3x3 %d->%d", l.id, l.in, l.out)
}

func (l *separableBlock) ToNode(b *builder, input ...*G.Node) (*G.Node, error) {
	y, err := b.depthwise(l.id, PrefixDepthwise, input[0], l.in)
	if err != nil {
		return nil, err
	}
	if y, err = b.batchNorm(l.id, PrefixDepthwise, y, l.in); err != nil {
		return nil, err
	}
	if y, err = b.relu6(y); err != nil {
		return nil, err
	}
	if y, err = b.pointwise(l.id, PrefixPointwise, y, l.in, l.out); err != nil {
		return nil, err
	}
	if y, err = b.batchNorm(l.id, PrefixPointwise, y, l.out); err != nil {
		return nil, err
	}
	return b.relu6(y)
}

// outputConv is the prediction layer: 1x1 convolution with bias, no norm, no activation.
type outputConv struct {
	id      LayerID
	in, out int
}

func (l *outputConv) Type() string { return "output" }

func (l *outputConv) String() string {
	return fmt.Sprintf("%s: output 1x1 %d->%d", l.id, l.in, l.out)
}

func (l *outputConv) ToNode(b *builder, input ...*G.Node) (*G.Node, error) {
	y, err := b.pointwise(l.id, "", input[0], l.in, l.out)
	if err != nil {
		return nil, err
	}
	bias, err := b.param(l.id, ParamBias, tensor.Shape{1, l.out, 1, 1}, G.Zeroes(), true)
	if err != nil {
		return nil, err
	}
	return G.BroadcastAdd(y, bias, nil, channelAxes)
}

// upsampleLayer is a nearest-neighbour x2 upsample.
type upsampleLayer struct {
	name string
}

func (l *upsampleLayer) Type() string   { return "upsample" }
func (l *upsampleLayer) String() string { return l.name + ": upsample x2" }

func (l *upsampleLayer) ToNode(_ *builder, input ...*G.Node) (*G.Node, error) {
	y, err := G.Upsample2D(input[0], 2)
	if err != nil {
		return nil, errors.Wrap(err, l.name)
	}
	return y, nil
}

// routeLayer concatenates the upsampled branch with a backbone feature map along
// the channel axis, branch first.
type routeLayer struct {
	name string
}

func (l *routeLayer) Type() string   { return "route" }
func (l *routeLayer) String() string { return l.name + ": route" }

func (l *routeLayer) ToNode(_ *builder, input ...*G.Node) (*G.Node, error) {
	if len(input) != 2 {
		return nil, errors.Errorf("%s: expected 2 inputs, got %d", l.name, len(input))
	}
	a, c := input[0].Shape(), input[1].Shape()
	if a[0] != c[0] || a[2] != c[2] || a[3] != c[3] {
		return nil, errors.Errorf("%s: cannot concatenate %v with %v", l.name, a, c)
	}
	y, err := G.Concat(1, input[0], input[1])
	if err != nil {
		return nil, errors.Wrap(err, l.name)
	}
	return y, nil
}
