package model

import (
	"github.com/samcharles93/moegpt/internal/autograd"
	"github.com/samcharles93/moegpt/internal/tensor"
)

// maskedScore is the score given to masked positions by AdditiveMask.
const maskedScore = -1e9

// MaskFunc applies a 0/1 mask to raw attention scores before the softmax.
type MaskFunc func(scores *autograd.Var, mask *tensor.Tensor) *autograd.Var

// MultiplicativeMask multiplies scores by the mask. Masked positions end up
// with score 0 and still receive probability mass after the softmax.
func MultiplicativeMask(scores *autograd.Var, mask *tensor.Tensor) *autograd.Var {
	return autograd.MulConst(scores, mask)
}

// AdditiveMask replaces masked scores with a large negative value so they
// vanish after the softmax.
func AdditiveMask(scores *autograd.Var, mask *tensor.Tensor) *autograd.Var {
	bias := tensor.New(mask.Shape...)
	for i, m := range mask.Data {
		if m == 0 {
			bias.Data[i] = maskedScore
		}
	}
	// Zero the masked scores first so their gradient is cut.
	return autograd.AddConst(autograd.MulConst(scores, mask), bias)
}

// MaskFuncFor returns the MaskFunc implementing m.
func MaskFuncFor(m Masking) MaskFunc {
	if m == MaskAdditive {
		return AdditiveMask
	}
	return MultiplicativeMask
}

// CausalMask builds the (batch, heads, dst, src) mask in which destination
// position i may attend to source position j iff i >= j - src + dst. With
// src == dst this is the lower-triangular causal mask.
func CausalMask(batch, heads, dst, src int) *tensor.Tensor {
	plane := make([]float32, dst*src)
	for i := range dst {
		for j := range src {
			if i >= j-src+dst {
				plane[i*src+j] = 1
			}
		}
	}
	mask := tensor.New(batch, heads, dst, src)
	for p := range batch * heads {
		copy(mask.Data[p*dst*src:(p+1)*dst*src], plane)
	}
	return mask
}
