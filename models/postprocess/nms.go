package postprocess

import (
	"math"
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
)

// DefaultMaxDetections caps the number of boxes an NMS pass may emit.
const DefaultMaxDetections = 100

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	// Candidates scoring below this are dropped before suppression.
	ConfidenceThreshold float32 `json:"confidence_threshold" yaml:"confidence_threshold"`
	// Overlap threshold for suppression, must be positive. A remaining box whose IoU with a selected box
	// is greater than or equal to this value is discarded.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// If true, suppress only within the same class.
	ClassAware bool `json:"class_aware" yaml:"class_aware"`
	// Upper bound on the number of survivors. Zero means DefaultMaxDetections.
	MaxDetections int `json:"max_detections" yaml:"max_detections"`
}

// FilterByConfidence keeps the detections whose score is at least threshold.
//
// Arguments:
//   - detections: Candidate detections in any order.
//   - threshold: Minimum score, inclusive.
//
// Returns:
//   - A new slice holding the survivors in their original order.
func FilterByConfidence(detections []Result, threshold float32) []Result {
	kept := make([]Result, 0, len(detections))
	for _, d := range detections {
		if d.Score >= threshold {
			kept = append(kept, d)
		}
	}
	return kept
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// Detections are visited in descending score order; equal scores keep their input
// order. Each visited detection that has not been suppressed is selected, and every
// later detection overlapping it with IoU >= config.IoUThreshold is suppressed. The
// pass stops once config.MaxDetections boxes are selected.
//
// Candidate neighbours are looked up in a flatbush index, so only boxes whose bounds
// touch are ever compared. The output is the same as the quadratic scan.
//
// Arguments:
//   - detections: Slice of detections in any order. It is not modified.
//   - config: NMS configuration.
//
// Returns:
//   - Filtered slice of detections, sorted by descending score. An empty input yields
//     an empty, non-nil slice.
func ApplyGreedyNMS(detections []Result, config *NMSConfig) []Result {
	n := len(detections)
	if n == 0 {
		return []Result{}
	}

	limit := config.MaxDetections
	if limit <= 0 {
		limit = DefaultMaxDetections
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return detections[order[a]].Score > detections[order[b]].Score
	})

	// rank[i] is the position of detection i in score order.
	rank := make([]int, n)
	for pos, idx := range order {
		rank[idx] = pos
	}

	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(n)
	for _, d := range detections {
		x1, y1, x2, y2 := indexBounds(d)
		fb.Add(x1, y1, x2, y2)
	}
	fb.Finish()

	filtered := make([]Result, 0, min(n, limit))
	suppressed := make([]bool, n)

	for _, i := range order {
		if suppressed[i] {
			continue
		}
		selected := detections[i]
		filtered = append(filtered, selected)
		if len(filtered) >= limit {
			break
		}

		x1, y1, x2, y2 := indexBounds(selected)
		for _, j := range fb.Search(x1, y1, x2, y2) {
			if j == i || suppressed[j] || rank[j] < rank[i] {
				continue
			}
			if config.ClassAware && detections[j].Class != selected.Class {
				continue
			}
			if selected.Box.IoU(detections[j].Box) >= config.IoUThreshold {
				suppressed[j] = true
			}
		}
	}

	return filtered
}

// Apply runs confidence filtering followed by greedy NMS.
func Apply(detections []Result, config *NMSConfig) []Result {
	return ApplyGreedyNMS(FilterByConfidence(detections, config.ConfidenceThreshold), config)
}

// indexLimit bounds index coordinates so the extent of the whole index still fits in
// an int32. Decoded boxes can be arbitrarily large.
const indexLimit = math.MaxInt32 / 2

// indexBounds widens a float box to the integer grid so the index returns a superset
// of the true overlaps. Clamping is monotonic, so overlapping boxes stay overlapping.
func indexBounds(d Result) (int32, int32, int32, int32) {
	return indexCoord(math32.Floor(d.Box.X1)),
		indexCoord(math32.Floor(d.Box.Y1)),
		indexCoord(math32.Ceil(d.Box.X2)),
		indexCoord(math32.Ceil(d.Box.Y2))
}

func indexCoord(v float32) int32 {
	switch {
	case v >= indexLimit:
		return indexLimit
	case v <= -indexLimit:
		return -indexLimit
	}
	return int32(v)
}
