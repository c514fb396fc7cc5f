// Package yolov3 implements a YOLOv3 detection head over a MobileNetV2 feature
// extractor: the head graph, its box decoder, the export post-processing and the
// training loss.
package yolov3

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Profile selects the channel widths and anchor count of the head.
type Profile string

const (
	// ProfileFull funnels the large scale to 512 channels and predicts 3 boxes per cell.
	ProfileFull Profile = "full"
	// ProfileSlim halves every width and predicts 2 boxes per cell.
	ProfileSlim Profile = "slim"
	// ProfileSeparable keeps the full widths, predicts 2 boxes per cell and replaces
	// the inner 1x1 funnels with separable blocks.
	ProfileSeparable Profile = "separable"
)

// Mode selects what a forward pass produces.
type Mode string

const (
	// ModeTrain keeps the batch and grid dimensions: (B, H, W, A, 5+C) per scale.
	ModeTrain Mode = "train"
	// ModeFlatten concatenates every scale into (N, 5+C) rows, batch 1.
	ModeFlatten Mode = "flatten"
	// ModeNMS decodes, thresholds and suppresses, emitting detections in original
	// image coordinates.
	ModeNMS Mode = "nms"
)

// Scale indices. Every per-scale array in this package uses this order.
const (
	ScaleSmall = iota
	ScaleMedium
	ScaleLarge
	NumScales
)

// ChannelPlan is the resolved geometry of a head profile.
type ChannelPlan struct {
	// Widths of the funnel projections per scale, indexed by Scale*.
	Widths [NumScales]int `json:"widths" yaml:"widths"`
	// Anchors is the number of boxes predicted per grid cell.
	Anchors int `json:"anchors" yaml:"anchors"`
	// SeparableFunnel replaces the inner 1x1 funnels with separable blocks.
	SeparableFunnel bool `json:"separable_funnel" yaml:"separable_funnel"`
}

// Plan resolves a profile to its channel plan.
func (p Profile) Plan() (ChannelPlan, error) {
	switch p {
	case ProfileFull:
		return ChannelPlan{Widths: [NumScales]int{128, 256, 512}, Anchors: 3}, nil
	case ProfileSlim:
		return ChannelPlan{Widths: [NumScales]int{64, 128, 256}, Anchors: 2}, nil
	case ProfileSeparable:
		return ChannelPlan{Widths: [NumScales]int{128, 256, 512}, Anchors: 2, SeparableFunnel: true}, nil
	default:
		return ChannelPlan{}, errors.Errorf("unknown head profile %q", p)
	}
}

// Config holds everything needed to build and run a head.
type Config struct {
	// Profile picks the channel widths and anchors per cell.
	Profile Profile `json:"profile" yaml:"profile"`
	// Plan overrides Profile when set. Used for custom or reduced heads.
	Plan *ChannelPlan `json:"plan,omitempty" yaml:"plan,omitempty"`
	// Mode selects the forward output.
	Mode Mode `json:"mode" yaml:"mode"`
	// NumClasses is C. Zero builds a class-agnostic head with 5 channels per box.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// Classes are optional display names, one per class.
	Classes []string `json:"classes,omitempty" yaml:"classes,omitempty"`
	// Strides of the small, medium and large scales.
	Strides []int `json:"strides" yaml:"strides"`
	// BackboneChannels of the small, medium and large feature maps.
	BackboneChannels []int `json:"backbone_channels" yaml:"backbone_channels"`
	// InputSize is the square network input resolution. Export graphs are fixed to it.
	InputSize int `json:"input_size" yaml:"input_size"`
	// BatchSize of training graphs. Export graphs always use 1.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
	// Training switches batch norm to batch statistics.
	Training bool `json:"training" yaml:"training"`
	// Dynamic builds the head from a weight bundle instead of registered parameters.
	Dynamic bool `json:"dynamic" yaml:"dynamic"`
	// IoULossThreshold separates background from ignored cells in the loss.
	IoULossThreshold float32 `json:"iou_loss_threshold" yaml:"iou_loss_threshold"`
	// ConfidenceThreshold drops low scoring rows before NMS.
	ConfidenceThreshold float32 `json:"confidence_threshold" yaml:"confidence_threshold"`
	// NMSThreshold is the IoU at or above which NMS suppresses a box.
	NMSThreshold float32 `json:"nms_threshold" yaml:"nms_threshold"`
	// MaxDetections caps the NMS output.
	MaxDetections int `json:"max_detections" yaml:"max_detections"`
	// ClassLoss enables the class-probability term of the loss.
	ClassLoss bool `json:"class_loss" yaml:"class_loss"`
	// BNEpsilon is added to the variance in batch norm.
	BNEpsilon float32 `json:"bn_epsilon" yaml:"bn_epsilon"`
}

// DefaultConfig returns the full-width training configuration.
//
// @example
//
//	cfg := yolov3.DefaultConfig()
//	cfg.NumClasses = 20
//	net, err := yolov3.NewNetwork(cfg)
func DefaultConfig() Config {
	return Config{
		Profile:             ProfileFull,
		Mode:                ModeTrain,
		NumClasses:          0,
		Strides:             []int{8, 16, 32},
		BackboneChannels:    []int{32, 96, 1280},
		InputSize:           544,
		BatchSize:           1,
		IoULossThreshold:    0.5,
		ConfidenceThreshold: 0.1,
		NMSThreshold:        0.5,
		MaxDetections:       100,
		BNEpsilon:           1e-3,
	}
}

// LoadConfig reads a YAML config file. Fields missing from the file keep their
// DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML document over DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ChannelPlan resolves the plan in effect: the explicit Plan if set, else the profile's.
func (c Config) ChannelPlan() (ChannelPlan, error) {
	if c.Plan != nil {
		return *c.Plan, nil
	}
	return c.Profile.Plan()
}

// BoxAttrs is the per-box channel count, 5 + C.
func (c Config) BoxAttrs() int {
	return 5 + c.NumClasses
}

// Batch is the graph batch size for the configured mode.
func (c Config) Batch() int {
	if c.Mode == ModeTrain {
		return c.BatchSize
	}
	return 1
}

// GridSize returns the side of the output grid at scale.
func (c Config) GridSize(scale int) int {
	return c.InputSize / c.Strides[scale]
}

// Validate checks the config for values the head cannot be built with.
func (c Config) Validate() error {
	if c.NumClasses < 0 {
		return errors.Errorf("num_classes must not be negative, got %d", c.NumClasses)
	}
	if len(c.Classes) > 0 && c.NumClasses > 0 && len(c.Classes) != c.NumClasses {
		return errors.Errorf("got %d class names for %d classes", len(c.Classes), c.NumClasses)
	}

	plan, err := c.ChannelPlan()
	if err != nil {
		return err
	}
	if plan.Anchors <= 0 {
		return errors.Errorf("anchors per cell must be positive, got %d", plan.Anchors)
	}
	for i, w := range plan.Widths {
		if w <= 0 {
			return errors.Errorf("width of scale %d must be positive, got %d", i, w)
		}
	}

	switch c.Mode {
	case ModeTrain, ModeFlatten, ModeNMS:
	default:
		return errors.Errorf("unknown mode %q", c.Mode)
	}

	if len(c.Strides) != NumScales {
		return errors.Errorf("expected %d strides, got %d", NumScales, len(c.Strides))
	}
	if c.Strides[0] <= 0 {
		return errors.Errorf("strides must be positive, got %v", c.Strides)
	}
	for i := 1; i < NumScales; i++ {
		if c.Strides[i] != 2*c.Strides[i-1] {
			return errors.Errorf("each stride must double the previous one, got %v", c.Strides)
		}
	}
	if len(c.BackboneChannels) != NumScales {
		return errors.Errorf("expected %d backbone channel counts, got %d", NumScales, len(c.BackboneChannels))
	}
	for i, ch := range c.BackboneChannels {
		if ch <= 0 {
			return errors.Errorf("backbone channels of scale %d must be positive, got %d", i, ch)
		}
	}
	if c.InputSize <= 0 || c.InputSize%c.Strides[ScaleLarge] != 0 {
		return errors.Errorf("input size %d must be a positive multiple of %d", c.InputSize, c.Strides[ScaleLarge])
	}
	if c.Mode == ModeTrain && c.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Training && c.Dynamic {
		return errors.New("dynamic heads are inference only")
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return errors.Errorf("confidence threshold %v outside [0, 1]", c.ConfidenceThreshold)
	}
	if c.NMSThreshold <= 0 || c.NMSThreshold > 1 {
		return errors.Errorf("nms threshold %v outside (0, 1]", c.NMSThreshold)
	}
	if c.IoULossThreshold <= 0 || c.IoULossThreshold > 1 {
		return errors.Errorf("iou loss threshold %v outside (0, 1]", c.IoULossThreshold)
	}
	if c.MaxDetections <= 0 {
		return errors.Errorf("max detections must be positive, got %d", c.MaxDetections)
	}
	if c.BNEpsilon <= 0 {
		return errors.Errorf("bn epsilon must be positive, got %v", c.BNEpsilon)
	}
	return nil
}
