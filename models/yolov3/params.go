package yolov3

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Scope prefixes every parameter name of the head.
const Scope = "YoloV3"

// Param is one registered graph parameter.
type Param struct {
	Layer     LayerID
	Name      string
	Node      *G.Node
	Trainable bool
}

// FullName is the scoped graph name, e.g. "YoloV3/conv1/depthwise.weights".
func (p *Param) FullName() string {
	return paramName(p.Layer, p.Name)
}

func paramName(layer LayerID, name string) string {
	return Scope + "/" + string(layer) + "/" + name
}

// Registry is the parameter set of a trainable head, returned to the caller instead
// of being published to a global collection.
type Registry struct {
	params []*Param
	byName map[string]*Param
}

func newRegistry() *Registry {
	return &Registry{byName: map[string]*Param{}}
}

func (r *Registry) add(p *Param) error {
	name := p.FullName()
	if _, dup := r.byName[name]; dup {
		return errors.Errorf("parameter %s registered twice", name)
	}
	r.params = append(r.params, p)
	r.byName[name] = p
	return nil
}

// Len returns the number of registered parameters.
func (r *Registry) Len() int {
	return len(r.params)
}

// Lookup finds a parameter by layer and name.
func (r *Registry) Lookup(layer LayerID, name string) (*Param, bool) {
	p, ok := r.byName[paramName(layer, name)]
	return p, ok
}

// Params returns every parameter in registration order.
func (r *Registry) Params() []*Param {
	return append([]*Param(nil), r.params...)
}

// Learnables returns the trainable nodes in registration order. Moving statistics and
// other frozen parameters are left out. The loss in this package is evaluated outside
// the graph, so callers that train build their own cost node over these.
func (r *Registry) Learnables() G.Nodes {
	var nodes G.Nodes
	for _, p := range r.params {
		if p.Trainable {
			nodes = append(nodes, p.Node)
		}
	}
	return nodes
}

// Names returns the sorted scoped names of every parameter.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.params))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Restore binds values from a bundle to the matching parameters. Parameters the
// bundle lacks keep their current value; bundle entries without a parameter are
// ignored. Only layers whose ID starts with one of the given prefixes are touched,
// or all layers when no prefix is given.
//
// Arguments:
//   - b: The source bundle.
//   - prefixes: Optional layer ID prefixes limiting the restore.
//
// Returns:
//   - int: The number of parameters restored.
//   - error: On a size mismatch.
func (r *Registry) Restore(b WeightBundle, prefixes ...string) (int, error) {
	restored := 0
	for _, p := range r.params {
		if !matchesPrefix(string(p.Layer), prefixes) {
			continue
		}
		block, ok := b[p.Layer]
		if !ok {
			continue
		}
		src, ok := block[p.Name]
		if !ok {
			continue
		}
		shape := p.Node.Shape()
		if src.Size() != shape.TotalSize() {
			return restored, errors.Errorf("restore %s: %d values for shape %v", p.FullName(), src.Size(), shape)
		}
		v := src.Clone().(*tensor.Dense)
		if err := v.Reshape(shape...); err != nil {
			return restored, errors.Wrapf(err, "restore %s", p.FullName())
		}
		if err := G.Let(p.Node, v); err != nil {
			return restored, errors.Wrapf(err, "restore %s", p.FullName())
		}
		restored++
	}
	return restored, nil
}

// Snapshot copies the current parameter values into a bundle.
func (r *Registry) Snapshot() WeightBundle {
	b := WeightBundle{}
	for _, p := range r.params {
		v, ok := p.Node.Value().(*tensor.Dense)
		if !ok {
			continue
		}
		b.Set(p.Layer, p.Name, v.Clone().(*tensor.Dense))
	}
	return b
}

func matchesPrefix(s string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
