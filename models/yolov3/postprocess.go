package yolov3

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolov3/images"
	"github.com/nvr-ai/go-yolov3/models/postprocess"
)

// ConcatRows stacks the flattened rows of every scale in small, medium, large order.
func ConcatRows(rows [NumScales]*tensor.Dense) (*tensor.Dense, error) {
	for i, r := range rows {
		if r == nil || r.Dims() != 2 {
			return nil, errors.Errorf("scale %d: expected 2D rows", i)
		}
	}
	out, err := tensor.Concat(0, rows[0], rows[1], rows[2])
	if err != nil {
		return nil, errors.Wrap(err, "concat scales")
	}
	return out.(*tensor.Dense), nil
}

// Suppress runs the export post-processing over (ymin, xmin, ymax, xmax, conf, probs...)
// rows: keep rows with conf >= config.ConfidenceThreshold, then class-agnostic greedy
// NMS capped at config.MaxDetections. Results carry (xmin, ymin, xmax, ymax) boxes,
// the confidence as score and, for class heads, the most probable class.
//
// No surviving rows is not an error; the result is then empty.
func Suppress(rows *tensor.Dense, numClasses int, config *postprocess.NMSConfig) ([]postprocess.Result, error) {
	attrs := 5 + numClasses
	shape := rows.Shape()
	if len(shape) != 2 || shape[1] != attrs {
		return nil, errors.Errorf("expected (N, %d) rows, got %v", attrs, shape)
	}

	data := contiguous(rows).Float32s()
	candidates := make([]postprocess.Result, 0, 64)
	for r := 0; r+attrs <= len(data); r += attrs {
		row := data[r : r+attrs]
		if row[4] < config.ConfidenceThreshold {
			continue
		}
		candidates = append(candidates, postprocess.Result{
			Box:   images.Rect{X1: row[1], Y1: row[0], X2: row[3], Y2: row[2]},
			Score: row[4],
			Class: argmax(row[5:]),
		})
	}
	return postprocess.ApplyGreedyNMS(candidates, config), nil
}

// ResultsTensor packs results into (K, 5) rows of (xmin, ymin, xmax, ymax, score),
// the boxes-and-scores form of an NMS head's output. An empty result set has no rows,
// and nil stands for it.
func ResultsTensor(results []postprocess.Result) *tensor.Dense {
	if len(results) == 0 {
		return nil
	}
	data := make([]float32, 0, 5*len(results))
	for _, r := range results {
		row := r.Row()
		data = append(data, row[:]...)
	}
	return tensor.New(tensor.WithShape(len(results), 5), tensor.WithBacking(data))
}

func argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
