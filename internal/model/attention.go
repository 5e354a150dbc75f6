package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/moegpt/internal/autograd"
	"github.com/samcharles93/moegpt/internal/nn"
	"github.com/samcharles93/moegpt/internal/tensor"
)

// Attention is multi-head scaled dot-product self-attention with a single
// fused query/key/value projection.
type Attention struct {
	HiddenDim int
	NumHeads  int
	Mask      MaskFunc
}

// NewAttention validates the head layout.
func NewAttention(hiddenDim, numHeads int, mask MaskFunc) (Attention, error) {
	if numHeads <= 0 || hiddenDim%numHeads != 0 {
		return Attention{}, configErrorf("hidden_dim %d is not divisible by num_heads %d", hiddenDim, numHeads)
	}
	if mask == nil {
		mask = MultiplicativeMask
	}
	return Attention{HiddenDim: hiddenDim, NumHeads: numHeads, Mask: mask}, nil
}

// Apply attends x (batch, seq, hidden) to itself. It returns the projected
// context (batch, seq, hidden) and the attention weights
// (batch, heads, seq, seq). A nil mask attends everywhere.
func (a Attention) Apply(s nn.Scope, x *autograd.Var, mask *tensor.Tensor) (*autograd.Var, *autograd.Var) {
	shape := x.Shape()
	if len(shape) != 3 || shape[2] != a.HiddenDim {
		panic(fmt.Sprintf("attention: input %v for hidden_dim %d", shape, a.HiddenDim))
	}
	batch, seq := shape[0], shape[1]
	headDim := a.HiddenDim / a.NumHeads

	proj := nn.Dense{Features: 3 * a.HiddenDim, KernelInit: tensor.XavierUniform}.Apply(s.Sub("projection"), x)
	qkv := autograd.SplitLast(proj, 3)
	heads := func(v *autograd.Var) *autograd.Var {
		return autograd.SwapAxes12(autograd.Reshape(v, batch, seq, a.NumHeads, headDim))
	}
	q, k, v := heads(qkv[0]), heads(qkv[1]), heads(qkv[2])

	scores := autograd.Scale(autograd.BatchMatMul(q, k, true), float32(1/math.Sqrt(float64(headDim))))
	if mask != nil {
		scores = a.Mask(scores, mask)
	}
	weights := autograd.Softmax(scores)

	ctx := autograd.BatchMatMul(weights, v, false)
	ctx = autograd.Reshape(autograd.SwapAxes12(ctx), batch, seq, a.HiddenDim)
	out := nn.Dense{Features: a.HiddenDim, KernelInit: tensor.XavierUniform}.Apply(s.Sub("output"), ctx)
	return out, weights
}
