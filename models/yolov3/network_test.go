package yolov3

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolov3/images"
)

// smallConfig is a tiny head over 3-channel feature maps of a 64x64 input.
func smallConfig(mode Mode) Config {
	cfg := DefaultConfig()
	cfg.Plan = &ChannelPlan{Widths: [NumScales]int{2, 2, 2}, Anchors: 1}
	cfg.BackboneChannels = []int{3, 3, 3}
	cfg.InputSize = 64
	cfg.Mode = mode
	return cfg
}

func featureMaps(cfg Config, fill float32) FeatureMaps {
	var fm FeatureMaps
	for scale := range fm {
		grid := cfg.GridSize(scale)
		data := make([]float32, cfg.Batch()*cfg.BackboneChannels[scale]*grid*grid)
		for i := range data {
			data[i] = fill
		}
		fm[scale] = tensor.New(tensor.WithShape(cfg.Batch(), cfg.BackboneChannels[scale], grid, grid), tensor.WithBacking(data))
	}
	return fm
}

// biasOnlyBundle takes the parameter layout of a trainable build of cfg, zeroes every
// convolution and sets the output bias to bias.
func biasOnlyBundle(t *testing.T, cfg Config, bias []float32) WeightBundle {
	t.Helper()
	trainable := cfg
	trainable.Dynamic = false
	n, err := NewNetwork(trainable)
	require.NoError(t, err)

	b := n.Registry().Snapshot()
	for id, block := range b {
		for name, v := range block {
			switch {
			case strings.HasSuffix(name, ParamWeights):
				v.Zero()
			case name == ParamBias:
				copy(v.Float32s(), bias)
			}
		}
		b[id] = block
	}
	return b
}

func TestNewNetworkOutputShapes(t *testing.T) {
	tests := []struct {
		profile  Profile
		anchors  int
		params   int
		trainers int
	}{
		{ProfileFull, 3, 151, 93},
		{ProfileSlim, 2, 151, 93},
		{ProfileSeparable, 2, 181, 111},
	}

	for _, tt := range tests {
		t.Run(string(tt.profile), func(t *testing.T) {
			cfg := TrainConfig(tt.profile)
			cfg.InputSize = 64
			cfg.NumClasses = 4

			n, err := NewNetwork(cfg)
			require.NoError(t, err)

			outs := n.Outputs()
			for scale, grid := range []int{8, 4, 2} {
				assert.Equal(t, []int{1, tt.anchors * 9, grid, grid}, []int(outs[scale].Shape()))
			}
			assert.Equal(t, tt.params, n.Registry().Len())
			assert.Len(t, n.Registry().Learnables(), tt.trainers)

			_, ok := n.Registry().Lookup(HeadLayer(22), ParamBias)
			assert.True(t, ok)
			_, ok = n.Registry().Lookup(HeadLayer(1), PrefixDepthwise+ParamWeights)
			assert.True(t, ok)
		})
	}
}

func TestPresetsBuild(t *testing.T) {
	for _, p := range []Profile{ProfileFull, ProfileSlim, ProfileSeparable} {
		presets := map[string]Config{
			"train":           TrainConfig(p),
			"flatten":         FlattenConfig(p),
			"nms":             NMSConfig(p),
			"dynamic_flatten": DynamicConfig(p, true),
			"dynamic_nms":     DynamicConfig(p, false),
		}
		for name, cfg := range presets {
			t.Run(string(p)+"/"+name, func(t *testing.T) {
				cfg.InputSize = 64
				var opts []Option
				if cfg.Dynamic {
					opts = append(opts, WithWeights(biasOnlyBundle(t, cfg, nil)))
				}
				n, err := NewNetwork(cfg, opts...)
				require.NoError(t, err)
				for _, out := range n.Outputs() {
					require.NotNil(t, out)
				}
			})
		}
	}
}

func TestNewNetworkSharedGraph(t *testing.T) {
	g := G.NewGraph()
	G.NewScalar(g, tensor.Float32, G.WithName("upstream"), G.WithValue(float32(1)))

	cfg := smallConfig(ModeTrain)
	n, err := NewNetwork(cfg, WithGraph(g))
	require.NoError(t, err)

	assert.Same(t, g, n.Graph())
	assert.Len(t, g.ByName("upstream"), 1)
	for _, out := range n.Outputs() {
		assert.Same(t, g, out.Graph())
	}

	out, err := n.Forward(featureMaps(cfg, 0.5))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8, 8, 1, 5}, []int(out.Pred[ScaleSmall].Shape()))
}

func TestNewNetworkValidation(t *testing.T) {
	cfg := smallConfig(ModeTrain)
	cfg.NumClasses = -1
	_, err := NewNetwork(cfg)
	assert.ErrorContains(t, err, "num_classes")

	cfg = smallConfig(ModeFlatten)
	cfg.Dynamic = true
	_, err = NewNetwork(cfg)
	assert.ErrorContains(t, err, "weight bundle")

	cfg = smallConfig(ModeFlatten)
	cfg.Dynamic = true
	b := biasOnlyBundle(t, cfg, nil)
	delete(b, HeadLayer(5))
	_, err = NewNetwork(cfg, WithWeights(b))
	assert.ErrorContains(t, err, "conv5")

	b = biasOnlyBundle(t, cfg, nil)
	b.Set(HeadLayer(0), ParamWeights, tensor.New(tensor.WithShape(5), tensor.WithBacking(make([]float32, 5))))
	_, err = NewNetwork(cfg, WithWeights(b))
	assert.ErrorContains(t, err, "conv0")
}

func TestNetworkRejectsMismatchedFeatures(t *testing.T) {
	cfg := smallConfig(ModeTrain)
	n, err := NewNetwork(cfg)
	require.NoError(t, err)

	fm := featureMaps(cfg, 0)
	fm[ScaleMedium] = tensor.New(tensor.WithShape(1, 4, 4, 4), tensor.WithBacking(make([]float32, 64)))
	_, err = n.Forward(fm)
	assert.ErrorContains(t, err, "feature map 1")

	fm[ScaleMedium] = nil
	_, err = n.Forward(fm)
	assert.Error(t, err)
}

func TestDynamicNetworkFlatten(t *testing.T) {
	cfg := smallConfig(ModeFlatten)
	cfg.Dynamic = true
	bias := []float32{0, 0, 0, 0, 2}

	n, err := NewNetwork(cfg, WithWeights(biasOnlyBundle(t, cfg, bias)))
	require.NoError(t, err)
	assert.Nil(t, n.Registry())

	out, err := n.Forward(featureMaps(cfg, 1))
	require.NoError(t, err)

	for scale, grid := range []int{8, 4, 2} {
		raw := out.Conv[scale]
		require.Equal(t, []int{1, grid, grid, 5}, []int(raw.Shape()))
		for i, v := range raw.Float32s() {
			assert.InDelta(t, bias[i%5], v, 1e-5)
		}
	}

	require.NotNil(t, out.Rows)
	require.Equal(t, []int{64 + 16 + 4, 5}, []int(out.Rows.Shape()))
	rows := out.Rows.Float32s()
	// The first row is cell (0, 0) of the stride 8 scale.
	assert.InDelta(t, 0, rows[0], 1e-4)
	assert.InDelta(t, 8, rows[2], 1e-4)
	assert.InDelta(t, sigmoid(2), rows[4], 1e-5)
	// The last row is cell (1, 1) of the stride 32 scale.
	last := rows[len(rows)-5:]
	assert.InDelta(t, 32, last[0], 1e-4)
	assert.InDelta(t, 64, last[3], 1e-4)
}

func TestDynamicNetworkNMS(t *testing.T) {
	cfg := smallConfig(ModeNMS)
	cfg.Dynamic = true
	cfg.ConfidenceThreshold = 0.5

	n, err := NewNetwork(cfg, WithWeights(biasOnlyBundle(t, cfg, []float32{0, 0, 0, 0, 1})))
	require.NoError(t, err)

	out, err := n.Forward(featureMaps(cfg, 0), WithFrame(images.Frame{Width: 128, Height: 32, Size: 64}))
	require.NoError(t, err)

	// Cells of one scale tile the frame and cross-scale overlaps stay at IoU 0.25 or
	// below, so nothing is suppressed.
	assert.Len(t, out.Detections, 84)
	for _, d := range out.Detections {
		assert.InDelta(t, sigmoid(1), d.Score, 1e-5)
		assert.LessOrEqual(t, d.Box.X2, float32(128)+1e-3)
		assert.LessOrEqual(t, d.Box.Y2, float32(32)+1e-3)
	}
	require.NotNil(t, out.Boxes)
	assert.Equal(t, []int{84, 5}, []int(out.Boxes.Shape()))
	first := out.Detections[0]
	assert.Equal(t, []float32{first.Box.X1, first.Box.Y1, first.Box.X2, first.Box.Y2, first.Score}, out.Boxes.Float32s()[:5])

	cfg.ConfidenceThreshold = 0.9
	n, err = NewNetwork(cfg, WithWeights(biasOnlyBundle(t, cfg, []float32{0, 0, 0, 0, 1})))
	require.NoError(t, err)
	out, err = n.Forward(featureMaps(cfg, 0))
	require.NoError(t, err)
	assert.NotNil(t, out.Detections)
	assert.Empty(t, out.Detections)
	assert.Nil(t, out.Boxes)
}

func TestTrainableNetworkForwardAndLoss(t *testing.T) {
	for _, training := range []bool{false, true} {
		cfg := smallConfig(ModeTrain)
		cfg.BatchSize = 2
		cfg.Training = training

		n, err := NewNetwork(cfg)
		require.NoError(t, err)

		out, err := n.Forward(featureMaps(cfg, 0.5))
		require.NoError(t, err)

		var labels, boxes [NumScales]*tensor.Dense
		for scale, grid := range []int{8, 4, 2} {
			assert.Equal(t, []int{2, grid, grid, 1, 5}, []int(out.Pred[scale].Shape()))

			label := make([]float32, 2*grid*grid*6)
			for c := 0; c < 2*grid*grid; c++ {
				label[c*6+5] = 1
			}
			labels[scale] = tensor.New(tensor.WithShape(2, grid, grid, 1, 6), tensor.WithBacking(label))
			boxes[scale] = tensor.New(tensor.WithShape(2, 1, 4), tensor.WithBacking(make([]float32, 8)))
		}

		loss, err := n.Loss(out, labels, boxes)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, loss, 0.0)
	}
}

func TestRegistryRestoreAndSnapshot(t *testing.T) {
	cfg := smallConfig(ModeTrain)
	n, err := NewNetwork(cfg)
	require.NoError(t, err)
	reg := n.Registry()

	ones := tensor.New(tensor.WithShape(2, 3), tensor.WithBacking([]float32{1, 1, 1, 1, 1, 1}))
	b := WeightBundle{}
	b.Set(HeadLayer(0), ParamWeights, ones)
	b.Set(HeadLayer(7), ParamGamma, tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{3, 4})))
	b.Set("elsewhere", ParamWeights, ones)

	restored, err := reg.Restore(b, "conv0")
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	p, ok := reg.Lookup(HeadLayer(0), ParamWeights)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, p.Node.Value().Data())

	restored, err = reg.Restore(b)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	trainable := 0
	for _, p := range reg.Params() {
		if p.Trainable {
			trainable++
		}
	}
	assert.Len(t, reg.Learnables(), trainable)
	assert.Less(t, trainable, reg.Len())

	snap := reg.Snapshot()
	assert.Equal(t, []float32{3, 4}, snap[HeadLayer(7)][ParamGamma].Float32s())

	b.Set(HeadLayer(1), PrefixPointwise+ParamWeights, ones)
	_, err = reg.Restore(b)
	assert.Error(t, err, "size mismatch")
}

func TestDescribe(t *testing.T) {
	cfg := TrainConfig(ProfileSeparable)
	s, err := Describe(cfg)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(s), "\n")
	require.Len(t, lines, 27)
	assert.Equal(t, "conv0: conv 1x1 1280->512", lines[0])
	assert.Equal(t, "conv2: separable 3x3 1024->512", lines[2])
	assert.Equal(t, "conv6: output 1x1 1024->10", lines[6])
	assert.Equal(t, "conv8: conv 1x1 352->256", lines[10])
	assert.Equal(t, "conv16: conv 1x1 160->128", lines[20])
	assert.Equal(t, "conv22: output 1x1 256->10", lines[26])
}
