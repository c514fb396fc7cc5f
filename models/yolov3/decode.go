package yolov3

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Decoder turns raw per-scale head output into boxes.
//
// Raw output is NHWC, (B, H, W, A*(5+C)), with each box laid out as
// (tx, ty, tw, th, objectness, class logits...). A box in cell (row i, column j) of a
// scale with stride s decodes to
//
//	cx = (sigmoid(tx) + j) * s    cy = (sigmoid(ty) + i) * s
//	w  = exp(tw) * s              h  = exp(th) * s
//
// and is emitted as corners, followed by the sigmoid objectness and, when C > 0, the
// sigmoid class probabilities.
type Decoder struct {
	Anchors    int
	NumClasses int
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

func (d Decoder) attrs() int {
	return 5 + d.NumClasses
}

// check validates a raw tensor and returns its batch and grid dimensions.
func (d Decoder) check(raw *tensor.Dense) (batch, h, w int, err error) {
	shape := raw.Shape()
	if len(shape) != 4 {
		return 0, 0, 0, errors.Errorf("raw output must be 4D, got %v", shape)
	}
	if want := d.Anchors * d.attrs(); shape[3] != want {
		return 0, 0, 0, errors.Errorf("raw output has %d channels, want %d anchors x %d", shape[3], d.Anchors, d.attrs())
	}
	return shape[0], shape[1], shape[2], nil
}

// decodeInto writes the decoded rows of raw into dst, which holds B*H*W*A rows of
// 5+C values in raw's memory order.
func (d Decoder) decodeInto(dst []float32, raw *tensor.Dense, stride int) error {
	batch, h, w, err := d.check(raw)
	if err != nil {
		return err
	}
	src := contiguous(raw).Float32s()
	attrs := d.attrs()
	s := float32(stride)

	row := 0
	for n := 0; n < batch; n++ {
		for i := 0; i < h; i++ {
			for j := 0; j < w; j++ {
				for a := 0; a < d.Anchors; a++ {
					in := src[row*attrs : (row+1)*attrs]
					out := dst[row*attrs : (row+1)*attrs]

					cx := (sigmoid(in[0]) + float32(j)) * s
					cy := (sigmoid(in[1]) + float32(i)) * s
					bw := math32.Exp(in[2]) * s
					bh := math32.Exp(in[3]) * s

					out[0] = cx - bw*0.5
					out[1] = cy - bh*0.5
					out[2] = cx + bw*0.5
					out[3] = cy + bh*0.5
					for k := 4; k < attrs; k++ {
						out[k] = sigmoid(in[k])
					}
					row++
				}
			}
		}
	}
	return nil
}

// DecodeTrain decodes one scale keeping the batch and grid: (B, H, W, A, 5+C).
//
// Arguments:
//   - raw: NHWC head output of the scale.
//   - stride: The scale's stride in input pixels.
//
// Returns:
//   - *tensor.Dense: A fresh tensor; raw is not modified.
//   - error: On a malformed raw tensor.
func (d Decoder) DecodeTrain(raw *tensor.Dense, stride int) (*tensor.Dense, error) {
	batch, h, w, err := d.check(raw)
	if err != nil {
		return nil, err
	}
	out := make([]float32, raw.Size())
	if err := d.decodeInto(out, raw, stride); err != nil {
		return nil, err
	}
	return tensor.New(tensor.WithShape(batch, h, w, d.Anchors, d.attrs()), tensor.WithBacking(out)), nil
}

// DecodeExport decodes one scale of a batch-1 export graph into (H*W*A, 5+C) rows.
// The grid must match the export resolution: grid = inputSize / stride.
func (d Decoder) DecodeExport(raw *tensor.Dense, stride, inputSize int) (*tensor.Dense, error) {
	batch, h, w, err := d.check(raw)
	if err != nil {
		return nil, err
	}
	if batch != 1 {
		return nil, errors.Errorf("export decode needs batch 1, got %d", batch)
	}
	if grid := inputSize / stride; h != grid || w != grid {
		return nil, errors.Errorf("grid %dx%d does not match input size %d at stride %d", h, w, inputSize, stride)
	}
	out := make([]float32, raw.Size())
	if err := d.decodeInto(out, raw, stride); err != nil {
		return nil, err
	}
	return tensor.New(tensor.WithShape(h*w*d.Anchors, d.attrs()), tensor.WithBacking(out)), nil
}

// DecodeExportNMS decodes like DecodeExport, then maps the boxes onto a
// targetW x targetH frame and reorders them to (ymin, xmin, ymax, xmax), the layout
// the suppression stage consumes. Confidence and class columns are unchanged.
func (d Decoder) DecodeExportNMS(raw *tensor.Dense, stride, inputSize, targetW, targetH int) (*tensor.Dense, error) {
	if targetW <= 0 || targetH <= 0 {
		return nil, errors.Errorf("invalid target size %dx%d", targetW, targetH)
	}
	rows, err := d.DecodeExport(raw, stride, inputSize)
	if err != nil {
		return nil, err
	}
	sx := float32(targetW) / float32(inputSize)
	sy := float32(targetH) / float32(inputSize)

	data := rows.Float32s()
	attrs := d.attrs()
	for r := 0; r < len(data); r += attrs {
		x1, y1, x2, y2 := data[r]*sx, data[r+1]*sy, data[r+2]*sx, data[r+3]*sy
		data[r], data[r+1], data[r+2], data[r+3] = y1, x1, y2, x2
	}
	return rows, nil
}

// contiguous returns t itself, or a packed copy when t is a strided view.
func contiguous(t *tensor.Dense) *tensor.Dense {
	if t.IsMaterializable() {
		if m, ok := t.Materialize().(*tensor.Dense); ok {
			return m
		}
	}
	return t
}
