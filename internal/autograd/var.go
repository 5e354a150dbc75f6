// Package autograd is a small reverse-mode differentiation tape over
// tensor.Tensor values.
//
// Operations compute their value eagerly. A node only records its parents and
// a backward closure when at least one input requires gradients, so inference
// over constant parameters builds no graph.
package autograd

import (
	"errors"
	"fmt"

	"github.com/samcharles93/moegpt/internal/tensor"
)

// ErrNoGraph is returned by Backward when the loss does not depend on any
// trainable value.
var ErrNoGraph = errors.New("autograd: loss does not depend on a trainable value")

// Var is a node in the computation graph.
type Var struct {
	Value *tensor.Tensor
	Grad  *tensor.Tensor

	requiresGrad bool
	parents      []*Var
	backward     func()
}

// Param wraps t as a trainable leaf.
func Param(t *tensor.Tensor) *Var {
	return &Var{Value: t, requiresGrad: true}
}

// Const wraps t as a leaf that never receives gradients.
func Const(t *tensor.Tensor) *Var {
	return &Var{Value: t}
}

// RequiresGrad reports whether gradients flow into v.
func (v *Var) RequiresGrad() bool { return v.requiresGrad }

// Shape returns the shape of v's value.
func (v *Var) Shape() []int { return v.Value.Shape }

// ZeroGrad drops any accumulated gradient.
func (v *Var) ZeroGrad() { v.Grad = nil }

func (v *Var) grad() []float32 {
	if v.Grad == nil {
		v.Grad = tensor.New(v.Value.Shape...)
	}
	return v.Grad.Data
}

func record(value *tensor.Tensor, parents ...*Var) *Var {
	out := &Var{Value: value}
	for _, p := range parents {
		if p.requiresGrad {
			out.requiresGrad = true
			break
		}
	}
	if out.requiresGrad {
		out.parents = parents
	}
	return out
}

// Backward seeds the scalar loss with gradient 1 and propagates gradients to
// every trainable ancestor. Gradients accumulate into Var.Grad.
func Backward(loss *Var) error {
	if loss.Value.Len() != 1 {
		return fmt.Errorf("autograd: backward needs a scalar loss, got shape %v", loss.Value.Shape)
	}
	if !loss.requiresGrad {
		return ErrNoGraph
	}
	order := topoSort(loss)
	loss.grad()[0] = 1
	for i := len(order) - 1; i >= 0; i-- {
		v := order[i]
		if v.backward != nil && v.Grad != nil {
			v.backward()
		}
	}
	return nil
}

// topoSort returns the trainable subgraph under root in post-order.
func topoSort(root *Var) []*Var {
	type frame struct {
		v    *Var
		next int
	}
	visited := map[*Var]bool{root: true}
	var order []*Var
	stack := []frame{{v: root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.v.parents) {
			p := top.v.parents[top.next]
			top.next++
			if p.requiresGrad && !visited[p] {
				visited[p] = true
				stack = append(stack, frame{v: p})
			}
			continue
		}
		order = append(order, top.v)
		stack = stack[:len(stack)-1]
	}
	return order
}

func mustSameShape(op string, a, b *tensor.Tensor) {
	if !tensor.SameShape(a, b) {
		panic(fmt.Sprintf("autograd: %s shape mismatch %v vs %v", op, a.Shape, b.Shape))
	}
}
