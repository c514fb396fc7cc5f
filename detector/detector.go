// Package detector runs the full detection pipeline on images: preprocessing, the
// backbone, the YOLOv3 head and post-processing.
package detector

import (
	"fmt"
	"image"
	"strconv"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolov3/backbone"
	"github.com/nvr-ai/go-yolov3/images"
	"github.com/nvr-ai/go-yolov3/metrics"
	"github.com/nvr-ai/go-yolov3/models/postprocess"
	"github.com/nvr-ai/go-yolov3/models/yolov3"
)

// Detection is a post-processed result with its class name.
type Detection struct {
	postprocess.Result
	// Label is the class name, or the class index when the head has no names.
	Label string
}

func (d Detection) String() string {
	return fmt.Sprintf("%s %.3f [%.1f %.1f %.1f %.1f]", d.Label, d.Score, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
}

// Detector owns a backbone and a head and serialises passes through them.
type Detector struct {
	mu       sync.Mutex
	log      logs.Log
	net      *yolov3.Network
	backbone backbone.Backbone
	metrics  *metrics.Metrics
	cfg      yolov3.Config
}

// New wires a detector.
//
// Arguments:
//   - log: Logger for pass failures and summaries.
//   - net: A head built in ModeNMS or ModeFlatten.
//   - bb: The feature extractor. Close on the detector closes it.
//   - m: Collectors to update. Nil disables metrics.
//
// Returns:
//   - *Detector: The detector.
//   - error: If the head was built for training.
func New(log logs.Log, net *yolov3.Network, bb backbone.Backbone, m *metrics.Metrics) (*Detector, error) {
	cfg := net.Config()
	if cfg.Mode == yolov3.ModeTrain {
		return nil, fmt.Errorf("detector needs an export head, got mode %q", cfg.Mode)
	}
	if bb == nil {
		return nil, fmt.Errorf("detector needs a backbone")
	}
	log.Infof("Detector ready: profile %s, mode %s, input %d, %d classes", cfg.Profile, cfg.Mode, cfg.InputSize, cfg.NumClasses)
	return &Detector{log: log, net: net, backbone: bb, metrics: m, cfg: cfg}, nil
}

// Label returns the display name of a class index.
func (d *Detector) Label(class int) string {
	if class >= 0 && class < len(d.cfg.Classes) {
		return d.cfg.Classes[class]
	}
	return strconv.Itoa(class)
}

// Detect runs one image through the pipeline. Boxes are in the image's pixel space.
func (d *Detector) Detect(img image.Image) ([]Detection, error) {
	start := time.Now()
	input, frame, err := images.ToNCHW(img, d.cfg.InputSize)
	if err != nil {
		d.fail(metrics.StagePreprocess, err)
		return nil, err
	}
	d.observe(metrics.StagePreprocess, start)
	return d.DetectTensor(input, frame)
}

// DetectTensor runs a preprocessed (1, 3, S, S) input. frame maps the boxes back to
// the source image.
func (d *Detector) DetectTensor(input *tensor.Dense, frame images.Frame) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	fm, err := d.backbone.Extract(input)
	if err != nil {
		d.fail(metrics.StageBackbone, err)
		return nil, err
	}
	d.observe(metrics.StageBackbone, start)

	start = time.Now()
	out, err := d.net.Forward(fm, yolov3.WithFrame(frame))
	if err != nil {
		d.fail(metrics.StageHead, err)
		return nil, err
	}

	results := out.Detections
	if d.cfg.Mode == yolov3.ModeFlatten {
		results, err = d.suppressRows(out.Rows, frame)
		if err != nil {
			d.fail(metrics.StageHead, err)
			return nil, err
		}
	}
	d.observe(metrics.StageHead, start)

	dets := make([]Detection, len(results))
	labels := make([]string, len(results))
	for i, r := range results {
		dets[i] = Detection{Result: r, Label: d.Label(r.Class)}
		labels[i] = dets[i].Label
	}
	if d.metrics != nil {
		d.metrics.Detected(labels)
	}
	d.log.Debugf("Detector pass: %d detections on %dx%d frame", len(dets), frame.Width, frame.Height)
	return dets, nil
}

// suppressRows applies thresholding and NMS to flattened (x1, y1, x2, y2, ...) rows
// and maps the survivors onto frame.
func (d *Detector) suppressRows(rows *tensor.Dense, frame images.Frame) ([]postprocess.Result, error) {
	if rows == nil {
		return nil, fmt.Errorf("flatten head returned no rows")
	}
	attrs := d.cfg.BoxAttrs()
	data := rows.Float32s()
	candidates := make([]postprocess.Result, 0, len(data)/attrs)
	for i := 0; i+attrs <= len(data); i += attrs {
		row := data[i : i+attrs]
		r := postprocess.Result{
			Box:   images.Rect{X1: row[0], Y1: row[1], X2: row[2], Y2: row[3]},
			Score: row[4],
		}
		for k := 1; k < d.cfg.NumClasses; k++ {
			if row[5+k] > row[5+r.Class] {
				r.Class = k
			}
		}
		candidates = append(candidates, r)
	}

	kept := postprocess.Apply(candidates, &postprocess.NMSConfig{
		ConfidenceThreshold: d.cfg.ConfidenceThreshold,
		IoUThreshold:        d.cfg.NMSThreshold,
		MaxDetections:       d.cfg.MaxDetections,
	})
	for i := range kept {
		kept[i].Box = kept[i].Box.Scale(frame.ScaleX(), frame.ScaleY())
	}
	return kept, nil
}

func (d *Detector) observe(stage string, start time.Time) {
	if d.metrics != nil {
		d.metrics.ObserveStage(stage, start)
	}
}

func (d *Detector) fail(stage string, err error) {
	if d.metrics != nil {
		d.metrics.Fail(stage)
	}
	d.log.Errorf("Detector %s failed: %v", stage, err)
}

// Close releases the backbone.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backbone.Close()
}
