// Package postprocess turns raw head output into detection results.
package postprocess

import (
	"fmt"

	"github.com/nvr-ai/go-yolov3/images"
)

// Result represents a single detection result.
type Result struct {
	// The bounding box of the result, (xmin, ymin, xmax, ymax).
	Box images.Rect
	// The confidence score of the result.
	Score float32
	// The predicted class index of the result. Class-agnostic heads report 0.
	Class int
}

// Row returns the result in the flat (xmin, ymin, xmax, ymax, score) layout emitted by
// the export graphs.
func (r Result) Row() [5]float32 {
	return [5]float32{r.Box.X1, r.Box.Y1, r.Box.X2, r.Box.Y2, r.Score}
}

func (r Result) String() string {
	return fmt.Sprintf("class %d (score %.3f): (%.1f, %.1f), (%.1f, %.1f)",
		r.Class, r.Score, r.Box.X1, r.Box.Y1, r.Box.X2, r.Box.Y2)
}
