package model

import (
	"github.com/samcharles93/moegpt/internal/autograd"
	"github.com/samcharles93/moegpt/internal/nn"
	"github.com/samcharles93/moegpt/internal/tensor"
)

// GEGLU projects its input to 2·OutputDim, splits the result into signal and
// gate halves and returns signal * gelu(gate) using the tanh approximation.
type GEGLU struct {
	OutputDim int
}

// Apply maps x (…, in) to (…, OutputDim).
func (g GEGLU) Apply(s nn.Scope, x *autograd.Var) *autograd.Var {
	h := nn.Dense{Features: 2 * g.OutputDim, KernelInit: tensor.XavierUniform}.Apply(s.Sub("dense"), x)
	return autograd.GEGLU(h)
}
