package yolov3

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolov3/images"
)

// ScaleLoss is the loss of one scale, averaged over the batch.
type ScaleLoss struct {
	GIoU       float64
	Confidence float64
	Class      float64
}

// Total sums the loss terms.
func (l ScaleLoss) Total() float64 {
	return l.GIoU + l.Confidence + l.Class
}

// Loss is the multi-scale training loss.
type Loss struct {
	Scales [NumScales]ScaleLoss
}

// Total sums every term of every scale.
func (l Loss) Total() float64 {
	terms := make([]float64, 0, NumScales)
	for _, s := range l.Scales {
		terms = append(terms, s.Total())
	}
	return floats.Sum(terms)
}

// LossInputs are the per-scale tensors a loss evaluation needs, indexed by Scale*.
type LossInputs struct {
	// Conv is the raw NHWC head output, (B, H, W, A*(5+C)).
	Conv [NumScales]*tensor.Dense
	// Pred is the decoded output, (B, H, W, A, 5+C).
	Pred [NumScales]*tensor.Dense
	// Labels are (B, H, W, A, 6+C): box corners, objectness, class one-hot, mixup weight.
	Labels [NumScales]*tensor.Dense
	// Boxes are the ground-truth corner boxes, (B, MaxBoxes, 4), zero padded.
	Boxes [NumScales]*tensor.Dense
}

// ComputeLoss evaluates the loss of a training forward pass.
//
// Per location with objectness label r, predicted corners p and label corners t:
//
//	giou = r * (2 - w_t*h_t / size^2) * (1 - GIoU(p, t))
//	conf = |r - sigmoid(c)|^2 * (r*CE(r, c) + bgd*CE(r, c))
//	bgd  = (1 - r) * [max IoU(p, any ground truth) < IoULossThreshold]
//
// where c is the raw objectness logit, CE the sigmoid cross entropy and size the
// input resolution of the scale. Both terms are weighted by the mixup weight, summed
// over the grid and averaged over the batch. When ClassLoss is set, the class term
// r * sum_k CE(label_k, class logit_k) is added the same way.
//
// Arguments:
//   - in: The raw and decoded outputs with their labels.
//
// Returns:
//   - Loss: Per-scale terms; Total() is the training objective.
//   - error: On mismatched shapes.
func (n *Network) ComputeLoss(in LossInputs) (Loss, error) {
	var loss Loss
	for scale := 0; scale < NumScales; scale++ {
		l, err := scaleLoss(scaleLossArgs{
			conv:       in.Conv[scale],
			pred:       in.Pred[scale],
			label:      in.Labels[scale],
			boxes:      in.Boxes[scale],
			stride:     n.cfg.Strides[scale],
			anchors:    n.plan.Anchors,
			numClasses: n.cfg.NumClasses,
			iouThresh:  n.cfg.IoULossThreshold,
			classLoss:  n.cfg.ClassLoss,
		})
		if err != nil {
			return Loss{}, errors.Wrapf(err, "loss of scale %d", scale)
		}
		loss.Scales[scale] = l
	}
	return loss, nil
}

// Loss evaluates the training objective of a ModeTrain forward pass.
func (n *Network) Loss(out *Output, labels, boxes [NumScales]*tensor.Dense) (float64, error) {
	l, err := n.ComputeLoss(LossInputs{Conv: out.Conv, Pred: out.Pred, Labels: labels, Boxes: boxes})
	if err != nil {
		return 0, err
	}
	return l.Total(), nil
}

type scaleLossArgs struct {
	conv, pred, label, boxes *tensor.Dense
	stride, anchors          int
	numClasses               int
	iouThresh                float32
	classLoss                bool
}

// sigmoidCE is the numerically stable sigmoid cross entropy of logit x against z.
func sigmoidCE(z, x float64) float64 {
	return math.Max(x, 0) - x*z + math.Log1p(math.Exp(-math.Abs(x)))
}

func rectAt(v []float32) images.Rect {
	return images.Rect{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
}

func scaleLoss(a scaleLossArgs) (ScaleLoss, error) {
	if a.conv == nil || a.pred == nil || a.label == nil || a.boxes == nil {
		return ScaleLoss{}, errors.New("missing tensor")
	}
	attrs := 5 + a.numClasses
	cs := a.conv.Shape()
	if len(cs) != 4 || cs[3] != a.anchors*attrs {
		return ScaleLoss{}, errors.Errorf("conv shape %v does not hold %d x %d", cs, a.anchors, attrs)
	}
	batch, h, w := cs[0], cs[1], cs[2]
	if ps := a.pred.Shape(); !ps.Eq(tensor.Shape{batch, h, w, a.anchors, attrs}) {
		return ScaleLoss{}, errors.Errorf("pred shape %v, want %v", ps, tensor.Shape{batch, h, w, a.anchors, attrs})
	}
	if ls := a.label.Shape(); !ls.Eq(tensor.Shape{batch, h, w, a.anchors, attrs + 1}) {
		return ScaleLoss{}, errors.Errorf("label shape %v, want %v", ls, tensor.Shape{batch, h, w, a.anchors, attrs + 1})
	}
	bs := a.boxes.Shape()
	if len(bs) != 3 || bs[0] != batch || bs[2] != 4 {
		return ScaleLoss{}, errors.Errorf("boxes shape %v, want (%d, M, 4)", bs, batch)
	}
	maxBoxes := bs[1]

	conv := contiguous(a.conv).Float32s()
	pred := contiguous(a.pred).Float32s()
	label := contiguous(a.label).Float32s()
	gt := contiguous(a.boxes).Float32s()

	inputSize := float64(a.stride * h)
	perCell := h * w * a.anchors

	giouPerImage := make([]float64, batch)
	confPerImage := make([]float64, batch)
	classPerImage := make([]float64, batch)

	for n := 0; n < batch; n++ {
		truth := gt[n*maxBoxes*4 : (n+1)*maxBoxes*4]
		for c := 0; c < perCell; c++ {
			row := n*perCell + c
			p := pred[row*attrs : (row+1)*attrs]
			raw := conv[row*attrs : (row+1)*attrs]
			l := label[row*(attrs+1) : (row+1)*(attrs+1)]

			predBox := rectAt(p)
			labelBox := rectAt(l)
			respond := float64(l[4])
			mix := float64(l[attrs])

			scale := 2 - float64(labelBox.Width()*labelBox.Height())/(inputSize*inputSize)
			giouPerImage[n] += mix * respond * scale * (1 - float64(predBox.GIoU(labelBox)))

			var maxIoU float32
			for m := 0; m < maxBoxes; m++ {
				if iou := predBox.IoU(rectAt(truth[m*4:])); iou > maxIoU {
					maxIoU = iou
				}
			}
			bgd := 0.0
			if maxIoU < a.iouThresh {
				bgd = 1 - respond
			}

			logit := float64(raw[4])
			focal := math.Pow(math.Abs(respond-float64(p[4])), 2)
			ce := sigmoidCE(respond, logit)
			confPerImage[n] += mix * focal * (respond*ce + bgd*ce)

			if a.classLoss {
				for k := 0; k < a.numClasses; k++ {
					classPerImage[n] += mix * respond * sigmoidCE(float64(l[5+k]), float64(raw[5+k]))
				}
			}
		}
	}

	return ScaleLoss{
		GIoU:       stat.Mean(giouPerImage, nil),
		Confidence: stat.Mean(confPerImage, nil),
		Class:      stat.Mean(classPerImage, nil),
	}, nil
}
