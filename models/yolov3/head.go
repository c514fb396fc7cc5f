package yolov3

import (
	"strings"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// branch is the layer plan of one scale: funnel layers ending in the projection that
// feeds the next scale, then the detection layers producing the raw output.
type branch struct {
	funnel []layer
	detect []layer
	// lateral projects the funnel output for the next scale; nil on the last branch.
	lateral []layer
}

// planHead lays out conv0 to conv22 for the given plan. The large scale is built
// first from the deepest feature map; each following scale consumes the upsampled
// lateral projection routed together with its backbone feature map.
func planHead(plan ChannelPlan, backbone []int, outChannels int) [NumScales]branch {
	var branches [NumScales]branch

	n := 0
	next := func() LayerID {
		id := HeadLayer(n)
		n++
		return id
	}
	funnelLayer := func(in, out int) layer {
		if plan.SeparableFunnel {
			return &separableBlock{id: next(), in: in, out: out}
		}
		return &convBlock{id: next(), in: in, out: out}
	}

	in := backbone[ScaleLarge]
	for i, scale := range []int{ScaleLarge, ScaleMedium, ScaleSmall} {
		w := plan.Widths[scale]
		b := branch{}
		b.funnel = []layer{
			&convBlock{id: next(), in: in, out: w},
			&separableBlock{id: next(), in: w, out: 2 * w},
			funnelLayer(2*w, w),
			&separableBlock{id: next(), in: w, out: 2 * w},
			funnelLayer(2*w, w),
		}
		b.detect = []layer{
			&separableBlock{id: next(), in: w, out: 2 * w},
			&outputConv{id: next(), in: 2 * w, out: outChannels},
		}
		if scale != ScaleSmall {
			nw := plan.Widths[scale-1]
			b.lateral = []layer{
				&convBlock{id: next(), in: w, out: nw},
				&upsampleLayer{name: "upsample" + string(rune('0'+i))},
				&routeLayer{name: "route" + string(rune('0'+i))},
			}
			in = nw + backbone[scale-1]
		}
		branches[scale] = b
	}
	return branches
}

// buildHead wires the head over the three feature map nodes and returns the raw
// NCHW output node of every scale.
func buildHead(b *builder, cfg Config, features [NumScales]*G.Node) ([NumScales]*G.Node, error) {
	var outputs [NumScales]*G.Node

	plan, err := cfg.ChannelPlan()
	if err != nil {
		return outputs, err
	}
	branches := planHead(plan, cfg.BackboneChannels, plan.Anchors*cfg.BoxAttrs())

	x := features[ScaleLarge]
	for _, scale := range []int{ScaleLarge, ScaleMedium, ScaleSmall} {
		br := branches[scale]

		if x, err = runLayers(b, br.funnel, x); err != nil {
			return outputs, err
		}
		if outputs[scale], err = runLayers(b, br.detect, x); err != nil {
			return outputs, err
		}
		if br.lateral == nil {
			continue
		}

		// conv, upsample, then route with the next backbone feature.
		if x, err = runLayers(b, br.lateral[:2], x); err != nil {
			return outputs, err
		}
		if x, err = br.lateral[2].ToNode(b, x, features[scale-1]); err != nil {
			return outputs, err
		}
	}
	return outputs, nil
}

func runLayers(b *builder, layers []layer, x *G.Node) (*G.Node, error) {
	var err error
	for _, l := range layers {
		if x, err = l.ToNode(b, x); err != nil {
			return nil, errors.Wrapf(err, "build %s", l.String())
		}
	}
	return x, nil
}

// Describe renders the layer plan of cfg, one layer per line, in build order.
func Describe(cfg Config) (string, error) {
	plan, err := cfg.ChannelPlan()
	if err != nil {
		return "", err
	}
	branches := planHead(plan, cfg.BackboneChannels, plan.Anchors*cfg.BoxAttrs())

	var sb strings.Builder
	for _, scale := range []int{ScaleLarge, ScaleMedium, ScaleSmall} {
		br := branches[scale]
		for _, group := range [][]layer{br.funnel, br.detect, br.lateral} {
			for _, l := range group {
				sb.WriteString(l.String())
				sb.WriteByte('\n')
			}
		}
	}
	return sb.String(), nil
}
