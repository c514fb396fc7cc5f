// Package backbone provides the feature extractors the detection head runs on.
package backbone

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolov3/models/yolov3"
)

// Backbone turns a preprocessed (N, 3, S, S) image batch into the three NCHW feature
// maps of the head, ordered small, medium, large.
type Backbone interface {
	Extract(input *tensor.Dense) (yolov3.FeatureMaps, error)
	Close() error
}

// Shapes returns the feature map shapes a backbone must produce for cfg.
//
// Arguments:
//   - cfg: The head configuration.
//
// Returns:
//   - [yolov3.NumScales]tensor.Shape: (batch, channels, grid, grid) per scale.
func Shapes(cfg yolov3.Config) [yolov3.NumScales]tensor.Shape {
	var out [yolov3.NumScales]tensor.Shape
	for scale := range out {
		grid := cfg.GridSize(scale)
		out[scale] = tensor.Shape{cfg.Batch(), cfg.BackboneChannels[scale], grid, grid}
	}
	return out
}

// InputShape is the image batch shape a backbone accepts for cfg.
func InputShape(cfg yolov3.Config) tensor.Shape {
	return tensor.Shape{cfg.Batch(), 3, cfg.InputSize, cfg.InputSize}
}

func checkInput(input *tensor.Dense, want tensor.Shape) error {
	if input == nil {
		return errors.New("nil input")
	}
	if !input.Shape().Eq(want) {
		return errors.Errorf("input shape %v, want %v", input.Shape(), want)
	}
	if input.Dtype() != tensor.Float32 {
		return errors.Errorf("input dtype %v, want float32", input.Dtype())
	}
	return nil
}

// Static returns the same feature maps for every input. It stands in for a real
// extractor when features are precomputed.
type Static struct {
	maps  yolov3.FeatureMaps
	input tensor.Shape
}

// NewStatic checks maps against cfg and wraps them.
func NewStatic(cfg yolov3.Config, maps yolov3.FeatureMaps) (*Static, error) {
	shapes := Shapes(cfg)
	for scale, m := range maps {
		if m == nil {
			return nil, errors.Errorf("feature map %d is nil", scale)
		}
		if !m.Shape().Eq(shapes[scale]) {
			return nil, errors.Errorf("feature map %d has shape %v, want %v", scale, m.Shape(), shapes[scale])
		}
	}
	return &Static{maps: maps, input: InputShape(cfg)}, nil
}

// Extract validates the input and returns copies of the stored maps.
func (s *Static) Extract(input *tensor.Dense) (yolov3.FeatureMaps, error) {
	var out yolov3.FeatureMaps
	if err := checkInput(input, s.input); err != nil {
		return out, err
	}
	for scale, m := range s.maps {
		out[scale] = m.Clone().(*tensor.Dense)
	}
	return out, nil
}

// Close is a no-op.
func (s *Static) Close() error {
	return nil
}
