package yolov3

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestLegacyIndex(t *testing.T) {
	tests := []struct {
		id    LayerID
		index int
	}{
		{BackboneLayer(0), 0},
		{BackboneLayer(18), 18},
		{HeadLayer(0), 19},
		{HeadLayer(7), 26},
		{HeadLayer(22), 41},
	}
	for _, tt := range tests {
		got, ok := LegacyIndex(tt.id)
		require.True(t, ok, tt.id)
		assert.Equal(t, tt.index, got, tt.id)

		back, ok := LayerAt(tt.index)
		require.True(t, ok)
		assert.Equal(t, tt.id, back)
	}

	for _, bad := range []LayerID{"conv23", "backbone19", "conv", "route0", "conv-1"} {
		_, ok := LegacyIndex(bad)
		assert.False(t, ok, bad)
	}
	_, ok := LayerAt(42)
	assert.False(t, ok)
}

func TestFromIndexed(t *testing.T) {
	blocks := make([]WeightBlock, 42)
	blocks[3] = WeightBlock{ParamWeights: tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{3}))}
	blocks[41] = WeightBlock{ParamBias: tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{41}))}

	b, err := FromIndexed(blocks)
	require.NoError(t, err)
	assert.Len(t, b, 2)

	v, err := b.Tensor(HeadLayer(22), ParamBias)
	require.NoError(t, err)
	assert.Equal(t, []float32{41}, v.Float32s())

	assert.Len(t, b.Backbone(), 1)
	assert.Contains(t, b.Backbone(), BackboneLayer(3))

	_, err = FromIndexed(make([]WeightBlock, 43))
	assert.Error(t, err)
}

func TestBundleSaveLoad(t *testing.T) {
	dir := t.TempDir()

	b := WeightBundle{}
	b.Set(HeadLayer(6), ParamWeights, tensor.New(tensor.WithShape(2, 3, 1, 1), tensor.WithBacking([]float32{1, 2, 3, 4, 5, 6})))
	b.Set(HeadLayer(1), PrefixDepthwise+ParamGamma, tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{0.5, 2})))
	require.NoError(t, b.Save(dir))

	_, err := os.Stat(filepath.Join(dir, "conv1.depthwise.gamma.npy"))
	require.NoError(t, err)

	loaded, err := LoadBundle(dir)
	require.NoError(t, err)

	w, err := loaded.Tensor(HeadLayer(6), ParamWeights)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 1, 1}, []int(w.Shape()))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, w.Float32s())

	g, err := loaded.Tensor(HeadLayer(1), PrefixDepthwise+ParamGamma)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 2}, g.Float32s())
}

func TestLoadBundleLegacyNames(t *testing.T) {
	dir := t.TempDir()

	b := WeightBundle{}
	b.Set("19", ParamBias, tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{7})))
	b.Set("2", ParamWeights, tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{2})))
	require.NoError(t, b.Save(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	loaded, err := LoadBundle(dir)
	require.NoError(t, err)

	v, err := loaded.Tensor(HeadLayer(0), ParamBias)
	require.NoError(t, err)
	assert.Equal(t, []float32{7}, v.Float32s())
	_, err = loaded.Tensor(BackboneLayer(2), ParamWeights)
	assert.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "99.weights.npy"), nil, 0o644))
	_, err = LoadBundle(dir)
	assert.Error(t, err)
}

func TestBundleTensorErrors(t *testing.T) {
	b := WeightBundle{}
	_, err := b.Tensor(HeadLayer(4), ParamWeights)
	assert.ErrorContains(t, err, "conv4")

	b.Set(HeadLayer(4), ParamGamma, tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{1})))
	_, err = b.Tensor(HeadLayer(4), ParamWeights)
	assert.ErrorContains(t, err, "weights")
}

func TestFoldBatchNorm(t *testing.T) {
	vec := func(v ...float32) *tensor.Dense {
		return tensor.New(tensor.WithShape(len(v)), tensor.WithBacking(v))
	}
	b := WeightBundle{}
	id := HeadLayer(3)
	b.Set(id, PrefixPointwise+ParamGamma, vec(2, 1))
	b.Set(id, PrefixPointwise+ParamBeta, vec(1, 0))
	b.Set(id, PrefixPointwise+ParamMovingMean, vec(3, -1))
	b.Set(id, PrefixPointwise+ParamMovingVariance, vec(4, 1))

	scale, shift, err := foldBatchNorm(b, id, PrefixPointwise, 2, 0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 1}, scale, 1e-6)
	assert.InDeltaSlice(t, []float32{-2, 1}, shift, 1e-6)

	scale, _, err = foldBatchNorm(b, id, PrefixPointwise, 2, 12)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, scale[0], 1e-6)

	_, _, err = foldBatchNorm(b, id, PrefixPointwise, 3, 0)
	assert.ErrorContains(t, err, "want 3")

	_, _, err = foldBatchNorm(b, id, PrefixDepthwise, 2, 0)
	assert.Error(t, err)
}
