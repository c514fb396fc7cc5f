package postprocess

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-yolov3/images"
)

func box(x1, y1, x2, y2, score float32) Result {
	return Result{Box: images.Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}, Score: score}
}

func randomDetections(r *rand.Rand, n int) []Result {
	out := make([]Result, n)
	for i := range out {
		x := r.Float32() * 200
		y := r.Float32() * 200
		w := 5 + r.Float32()*60
		h := 5 + r.Float32()*60
		out[i] = Result{
			Box:   images.Rect{X1: x, Y1: y, X2: x + w, Y2: y + h},
			Score: r.Float32(),
			Class: r.Intn(3),
		}
	}
	return out
}

// bruteForceNMS is the quadratic reference the indexed implementation must match.
func bruteForceNMS(detections []Result, config *NMSConfig) []Result {
	sorted := append([]Result(nil), detections...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Score > sorted[j-1].Score; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	var kept []Result
	for _, d := range sorted {
		ok := true
		for _, k := range kept {
			if config.ClassAware && k.Class != d.Class {
				continue
			}
			if k.Box.IoU(d.Box) >= config.IoUThreshold {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, d)
		}
	}
	return kept
}

func TestApplyGreedyNMS(t *testing.T) {
	config := &NMSConfig{IoUThreshold: 0.5}

	t.Run("empty input", func(t *testing.T) {
		out := ApplyGreedyNMS(nil, config)
		require.NotNil(t, out)
		assert.Empty(t, out)
	})

	t.Run("suppresses overlapping lower scores", func(t *testing.T) {
		in := []Result{
			box(0, 0, 100, 100, 0.6),
			box(5, 5, 105, 105, 0.9),
			box(300, 300, 350, 350, 0.4),
		}
		out := ApplyGreedyNMS(in, config)
		require.Len(t, out, 2)
		assert.Equal(t, float32(0.9), out[0].Score)
		assert.Equal(t, float32(0.4), out[1].Score)
	})

	t.Run("threshold is inclusive", func(t *testing.T) {
		// IoU is exactly 1/3.
		in := []Result{box(0, 0, 2, 1, 0.9), box(1, 0, 3, 1, 0.8)}
		out := ApplyGreedyNMS(in, &NMSConfig{IoUThreshold: 1.0 / 3.0})
		assert.Len(t, out, 1)
	})

	t.Run("ties keep input order", func(t *testing.T) {
		in := []Result{box(0, 0, 10, 10, 0.5), box(1, 1, 11, 11, 0.5)}
		out := ApplyGreedyNMS(in, config)
		require.Len(t, out, 1)
		assert.Equal(t, in[0], out[0])
	})

	t.Run("class aware keeps other classes", func(t *testing.T) {
		a := box(0, 0, 10, 10, 0.9)
		b := box(0, 0, 10, 10, 0.8)
		b.Class = 1
		assert.Len(t, ApplyGreedyNMS([]Result{a, b}, config), 1)
		assert.Len(t, ApplyGreedyNMS([]Result{a, b}, &NMSConfig{IoUThreshold: 0.5, ClassAware: true}), 2)
	})

	t.Run("caps output", func(t *testing.T) {
		in := make([]Result, 150)
		for i := range in {
			x := float32(i * 20)
			in[i] = box(x, 0, x+10, 10, float32(i)/150)
		}
		out := ApplyGreedyNMS(in, &NMSConfig{IoUThreshold: 0.5})
		require.Len(t, out, DefaultMaxDetections)
		assert.Equal(t, in[149], out[0])

		out = ApplyGreedyNMS(in, &NMSConfig{IoUThreshold: 0.5, MaxDetections: 7})
		assert.Len(t, out, 7)
	})

	t.Run("does not modify input", func(t *testing.T) {
		in := []Result{box(0, 0, 10, 10, 0.1), box(50, 50, 60, 60, 0.9)}
		snapshot := append([]Result(nil), in...)
		ApplyGreedyNMS(in, config)
		assert.Equal(t, snapshot, in)
	})
}

func TestApplyGreedyNMSMatchesBruteForce(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for _, classAware := range []bool{false, true} {
		config := &NMSConfig{IoUThreshold: 0.45, ClassAware: classAware, MaxDetections: 1000}
		for trial := 0; trial < 20; trial++ {
			in := randomDetections(r, 80)
			assert.Equal(t, bruteForceNMS(in, config), ApplyGreedyNMS(in, config))
		}
	}

	t.Run("coordinates beyond int32", func(t *testing.T) {
		in := []Result{
			box(0, 0, 3e9, 3e9, 0.9),
			box(5e8, 5e8, 3e9, 3e9, 0.8),
			box(10, 10, 20, 20, 0.7),
			box(-3e9, -3e9, -5e8, -5e8, 0.6),
			box(-3e9, -3e9, -1e9, -1e9, 0.5),
		}
		config := &NMSConfig{IoUThreshold: 0.5}

		out := ApplyGreedyNMS(in, config)
		assert.Equal(t, bruteForceNMS(in, config), out)
		assert.Equal(t, []Result{in[0], in[2], in[3]}, out)
		assert.Equal(t, out, ApplyGreedyNMS(out, config))
	})
}

func TestApplyGreedyNMSProperties(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	config := &NMSConfig{IoUThreshold: 0.5}

	for trial := 0; trial < 20; trial++ {
		in := randomDetections(r, 60)
		out := ApplyGreedyNMS(in, config)

		// No two survivors overlap at or above the threshold.
		for i := range out {
			for j := i + 1; j < len(out); j++ {
				assert.Less(t, out[i].Box.IoU(out[j].Box), config.IoUThreshold)
			}
		}

		// Idempotent.
		assert.Equal(t, out, ApplyGreedyNMS(out, config))

		// Survivors are a subset of the input.
		for _, o := range out {
			assert.Contains(t, in, o)
		}
	}
}

func TestApplyMonotonicInConfidence(t *testing.T) {
	r := rand.New(rand.NewSource(99))
	in := randomDetections(r, 100)

	prev := len(in) + 1
	for _, threshold := range []float32{0, 0.1, 0.3, 0.5, 0.7, 0.9, 1.1} {
		out := Apply(in, &NMSConfig{ConfidenceThreshold: threshold, IoUThreshold: 0.45})
		assert.LessOrEqual(t, len(out), prev, "threshold %v", threshold)
		prev = len(out)
	}
	assert.Zero(t, prev)
}

func TestApply(t *testing.T) {
	in := []Result{
		box(0, 0, 10, 10, 0.05),
		box(20, 20, 30, 30, 0.1),
		box(21, 21, 31, 31, 0.3),
	}
	out := Apply(in, &NMSConfig{ConfidenceThreshold: 0.1, IoUThreshold: 0.5})
	require.Len(t, out, 1)
	assert.Equal(t, in[2], out[0])

	assert.Empty(t, Apply(in, &NMSConfig{ConfidenceThreshold: 0.99, IoUThreshold: 0.5}))
	assert.Equal(t, [5]float32{21, 21, 31, 31, 0.3}, out[0].Row())
}
