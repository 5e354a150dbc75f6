package nn

import (
	"math"
	"math/rand"

	"github.com/samcharles93/moegpt/internal/autograd"
	"github.com/samcharles93/moegpt/internal/tensor"
)

// Dense is an affine projection of the innermost axis to Features outputs.
type Dense struct {
	Features   int
	NoBias     bool
	KernelInit tensor.Initializer
	BiasInit   tensor.Initializer
}

// Apply projects x (…, in) to (…, Features).
func (d Dense) Apply(s Scope, x *autograd.Var) *autograd.Var {
	kinit := d.KernelInit
	if kinit == nil {
		kinit = tensor.LecunNormal
	}
	kernel := s.Param("kernel", kinit, x.Value.Last(), d.Features)
	y := autograd.MatMul(x, kernel)
	if d.NoBias {
		return y
	}
	binit := d.BiasInit
	if binit == nil {
		binit = tensor.Zeros
	}
	return autograd.AddBias(y, s.Param("bias", binit, d.Features))
}

// LayerNorm normalises the innermost axis with a learned scale and bias.
type LayerNorm struct {
	Epsilon float32
}

// Apply normalises x.
func (l LayerNorm) Apply(s Scope, x *autograd.Var) *autograd.Var {
	n := x.Value.Last()
	scale := s.Param("scale", tensor.Ones, n)
	bias := s.Param("bias", tensor.Zeros, n)
	return autograd.LayerNorm(x, scale, bias, l.Epsilon)
}

// Embed maps token ids to learned vectors.
type Embed struct {
	Num      int
	Features int
}

// Apply looks up ids laid out in shape; the result is (shape..., Features).
func (e Embed) Apply(s Scope, ids []int, shape ...int) *autograd.Var {
	table := s.Param("embedding", tensor.Normal(1/math.Sqrt(float64(e.Features))), e.Num, e.Features)
	return autograd.Embedding(table, ids, shape...)
}

// Dropout is inverted dropout. A nil rng disables it.
type Dropout struct {
	Rate float64
}

// Apply drops elements of x using rng.
func (d Dropout) Apply(x *autograd.Var, rng *rand.Rand) *autograd.Var {
	return autograd.Dropout(x, d.Rate, rng)
}
