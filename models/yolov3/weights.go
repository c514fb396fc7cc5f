package yolov3

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// LayerID names a parameterised layer, e.g. "conv7" or "backbone3".
type LayerID string

// Parameter names inside a WeightBlock.
const (
	ParamWeights        = "weights"
	ParamBias           = "bias"
	ParamGamma          = "gamma"
	ParamBeta           = "beta"
	ParamMovingMean     = "moving_mean"
	ParamMovingVariance = "moving_variance"

	// Separable blocks prefix their two halves.
	PrefixDepthwise = "depthwise."
	PrefixPointwise = "pointwise."
)

const (
	// BackboneLayers is the number of positional entries owned by the backbone.
	BackboneLayers = 19
	// HeadLayers is the number of parameterised head layers, conv0 to conv22.
	HeadLayers = 23
)

// HeadLayer returns the ID of head layer convN.
func HeadLayer(n int) LayerID {
	return LayerID("conv" + strconv.Itoa(n))
}

// BackboneLayer returns the ID of positional backbone entry n.
func BackboneLayer(n int) LayerID {
	return LayerID("backbone" + strconv.Itoa(n))
}

// LegacyIndex returns the position of id in the positional state-dict layout: the
// backbone occupies 0 to 18 and head layer convN sits at 19+N.
func LegacyIndex(id LayerID) (int, bool) {
	s := string(id)
	var base int
	switch {
	case strings.HasPrefix(s, "conv"):
		s, base = strings.TrimPrefix(s, "conv"), BackboneLayers
	case strings.HasPrefix(s, "backbone"):
		s = strings.TrimPrefix(s, "backbone")
	default:
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	if (base == 0 && n >= BackboneLayers) || (base != 0 && n >= HeadLayers) {
		return 0, false
	}
	return base + n, true
}

// LayerAt is the inverse of LegacyIndex.
func LayerAt(index int) (LayerID, bool) {
	switch {
	case index < 0 || index >= BackboneLayers+HeadLayers:
		return "", false
	case index < BackboneLayers:
		return BackboneLayer(index), true
	default:
		return HeadLayer(index - BackboneLayers), true
	}
}

// WeightBlock holds the named tensors of one layer.
type WeightBlock map[string]*tensor.Dense

// WeightBundle maps layers to their weights. It is the parameter source of dynamic
// heads and the checkpoint format of trainable ones.
type WeightBundle map[LayerID]WeightBlock

// FromIndexed converts a positional state dict into a bundle.
//
// Arguments:
//   - blocks: One block per legacy index. Nil entries are skipped.
//
// Returns:
//   - WeightBundle: The keyed bundle.
//   - error: If there are more blocks than the layout has positions.
func FromIndexed(blocks []WeightBlock) (WeightBundle, error) {
	if len(blocks) > BackboneLayers+HeadLayers {
		return nil, errors.Errorf("state dict has %d entries, layout holds %d", len(blocks), BackboneLayers+HeadLayers)
	}
	b := make(WeightBundle, len(blocks))
	for i, block := range blocks {
		if block == nil {
			continue
		}
		id, _ := LayerAt(i)
		b[id] = block
	}
	return b, nil
}

// Backbone returns the subset of entries owned by the backbone.
func (b WeightBundle) Backbone() WeightBundle {
	out := WeightBundle{}
	for id, block := range b {
		if strings.HasPrefix(string(id), "backbone") {
			out[id] = block
		}
	}
	return out
}

// Tensor returns a parameter, failing with the layer and name when it is missing.
func (b WeightBundle) Tensor(id LayerID, name string) (*tensor.Dense, error) {
	block, ok := b[id]
	if !ok {
		return nil, errors.Errorf("weights for layer %s missing", id)
	}
	t, ok := block[name]
	if !ok || t == nil {
		return nil, errors.Errorf("weights for layer %s lack %q", id, name)
	}
	return t, nil
}

// Set stores a parameter, creating the block if needed.
func (b WeightBundle) Set(id LayerID, name string, t *tensor.Dense) {
	block, ok := b[id]
	if !ok {
		block = WeightBlock{}
		b[id] = block
	}
	block[name] = t
}

// LoadBundle reads a directory of NumPy files named "<layer>.<param>.npy". The layer
// may be a LayerID or a legacy positional index, so "19.weights.npy" and
// "conv0.weights.npy" name the same tensor.
func LoadBundle(dir string) (WeightBundle, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read weight directory")
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".npy" {
			continue
		}
		names = append(names, f.Name())
	}
	sort.Strings(names)

	b := WeightBundle{}
	for _, name := range names {
		id, param, err := parseWeightFile(name)
		if err != nil {
			return nil, err
		}
		t, err := readNpy(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		b.Set(id, param, t)
	}
	return b, nil
}

// Save writes the bundle in the layout LoadBundle reads.
func (b WeightBundle) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create weight directory")
	}
	for id, block := range b {
		for param, t := range block {
			path := filepath.Join(dir, fmt.Sprintf("%s.%s.npy", id, param))
			if err := writeNpy(path, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseWeightFile(name string) (LayerID, string, error) {
	stem := strings.TrimSuffix(name, ".npy")
	layer, param, ok := strings.Cut(stem, ".")
	if !ok || layer == "" || param == "" {
		return "", "", errors.Errorf("weight file %q is not <layer>.<param>.npy", name)
	}
	if idx, err := strconv.Atoi(layer); err == nil {
		id, ok := LayerAt(idx)
		if !ok {
			return "", "", errors.Errorf("weight file %q: index %d out of range", name, idx)
		}
		return id, param, nil
	}
	return LayerID(layer), param, nil
}

func readNpy(path string) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	t := new(tensor.Dense)
	if err := t.ReadNpy(f); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("%s: expected float32, got %v", path, t.Dtype())
	}
	return t, nil
}

func writeNpy(path string, t *tensor.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := t.WriteNpy(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	return f.Close()
}

// foldBatchNorm collapses inference batch norm into a per-channel affine transform:
// scale = gamma / sqrt(var + eps), shift = beta - mean * scale.
func foldBatchNorm(b WeightBundle, id LayerID, prefix string, channels int, eps float32) (scale, shift []float32, err error) {
	vecs := make([][]float32, 4)
	for i, name := range []string{ParamGamma, ParamBeta, ParamMovingMean, ParamMovingVariance} {
		t, err := b.Tensor(id, prefix+name)
		if err != nil {
			return nil, nil, err
		}
		if t.Size() != channels {
			return nil, nil, errors.Errorf("layer %s: %s%s has %d values, want %d", id, prefix, name, t.Size(), channels)
		}
		vecs[i] = t.Float32s()
	}
	gamma, beta, mean, variance := vecs[0], vecs[1], vecs[2], vecs[3]

	scale = make([]float32, channels)
	shift = make([]float32, channels)
	for c := 0; c < channels; c++ {
		scale[c] = gamma[c] / math32.Sqrt(variance[c]+eps)
		shift[c] = beta[c] - mean[c]*scale[c]
	}
	return scale, shift, nil
}
