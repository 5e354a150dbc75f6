package nn

import (
	"fmt"
	"math"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/moegpt/internal/tensor"
)

// Params is the parameter tree: dotted names mapped to tensors in creation
// order. The order is stable across init, checkpoints and optimizer state.
type Params struct {
	m *orderedmap.OrderedMap[string, *tensor.Tensor]
}

// NewParams returns an empty tree.
func NewParams() *Params {
	return &Params{m: orderedmap.New[string, *tensor.Tensor]()}
}

// Set inserts or replaces name. Replacing keeps the original position.
func (p *Params) Set(name string, t *tensor.Tensor) {
	p.m.Set(name, t)
}

// Get returns the tensor stored under name.
func (p *Params) Get(name string) (*tensor.Tensor, bool) {
	return p.m.Get(name)
}

// Len returns the number of tensors.
func (p *Params) Len() int { return p.m.Len() }

// Names returns the parameter names in order.
func (p *Params) Names() []string {
	names := make([]string, 0, p.m.Len())
	for pair := p.m.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Each calls fn for every parameter in order.
func (p *Params) Each(fn func(name string, t *tensor.Tensor)) {
	for pair := p.m.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// Count returns the total number of scalar parameters.
func (p *Params) Count() int {
	n := 0
	p.Each(func(_ string, t *tensor.Tensor) { n += t.Len() })
	return n
}

// Clone deep-copies the tree.
func (p *Params) Clone() *Params {
	out := NewParams()
	p.Each(func(name string, t *tensor.Tensor) { out.Set(name, t.Clone()) })
	return out
}

// ZerosLike returns a tree with the same names and shapes, zero-filled.
func (p *Params) ZerosLike() *Params {
	out := NewParams()
	p.Each(func(name string, t *tensor.Tensor) { out.Set(name, tensor.New(t.Shape...)) })
	return out
}

// AddScaled computes p += alpha*other for every tensor. Both trees must have
// the same structure.
func (p *Params) AddScaled(alpha float32, other *Params) error {
	if err := SameStructure(p, other); err != nil {
		return err
	}
	for pair := p.m.Oldest(); pair != nil; pair = pair.Next() {
		o, _ := other.Get(pair.Key)
		tensor.AddScaled(pair.Value.Data, alpha, o.Data)
	}
	return nil
}

// Scale multiplies every tensor by s in place.
func (p *Params) Scale(s float32) {
	p.Each(func(_ string, t *tensor.Tensor) { tensor.Scale(t.Data, s) })
}

// SameStructure reports an error when a and b differ in names, order or
// shapes.
func SameStructure(a, b *Params) error {
	if a.Len() != b.Len() {
		return fmt.Errorf("parameter trees differ in size: %d vs %d", a.Len(), b.Len())
	}
	pa, pb := a.m.Oldest(), b.m.Oldest()
	for ; pa != nil; pa, pb = pa.Next(), pb.Next() {
		if pa.Key != pb.Key {
			return fmt.Errorf("parameter trees differ: %q vs %q", pa.Key, pb.Key)
		}
		if !slices.Equal(pa.Value.Shape, pb.Value.Shape) {
			return fmt.Errorf("parameter %q: shape %v vs %v", pa.Key, pa.Value.Shape, pb.Value.Shape)
		}
	}
	return nil
}

// Equal reports whether a and b are bit-identical.
func Equal(a, b *Params) bool {
	return MaxAbsDiff(a, b) == 0
}

// MaxAbsDiff returns the largest element-wise difference between two trees
// of the same structure, or +Inf when the structures differ.
func MaxAbsDiff(a, b *Params) float64 {
	if SameStructure(a, b) != nil {
		return math.Inf(1)
	}
	var worst float64
	for pa := a.m.Oldest(); pa != nil; pa = pa.Next() {
		ob, _ := b.Get(pa.Key)
		for i, v := range pa.Value.Data {
			if v != ob.Data[i] {
				d := math.Abs(float64(v) - float64(ob.Data[i]))
				if math.IsNaN(d) {
					return math.Inf(1)
				}
				worst = max(worst, d)
			}
		}
	}
	return worst
}
