package autograd

import (
	"fmt"
	"slices"

	"github.com/samcharles93/moegpt/internal/tensor"
)

// Embedding looks up rows of table (vocab, dim) for ids laid out in shape.
// The result has shape (shape..., dim). Ids must already be range checked.
func Embedding(table *Var, ids []int, shape ...int) *Var {
	if table.Value.Rank() != 2 {
		panic(fmt.Sprintf("autograd: embedding table must be rank 2, got %v", table.Value.Shape))
	}
	dim := table.Value.Shape[1]
	val := tensor.New(append(slices.Clone(shape), dim)...)
	if val.Rows() != len(ids) {
		panic(fmt.Sprintf("autograd: %d ids for shape %v", len(ids), shape))
	}
	for i, id := range ids {
		copy(val.Row(i), table.Value.Row(id))
	}
	out := record(val, table)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		dt := table.grad()
		for i, id := range ids {
			tensor.Add(dt[id*dim:(id+1)*dim], out.Grad.Row(i))
		}
	}
	return out
}

// GatherRows selects innermost rows idx of x into a (len(idx), dim) tensor.
func GatherRows(x *Var, idx []int) *Var {
	dim := x.Value.Last()
	val := tensor.New(len(idx), dim)
	for i, r := range idx {
		copy(val.Row(i), x.Value.Row(r))
	}
	out := record(val, x)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		dx := x.grad()
		for i, r := range idx {
			tensor.Add(dx[r*dim:(r+1)*dim], out.Grad.Row(i))
		}
	}
	return out
}

// ScatterGated places gates[idx[i], col] * y[i] into row idx[i] of a new
// tensor of shape (shape..., dim). Rows not named by idx stay zero. gates is
// viewed as rows of width gates.Last().
func ScatterGated(y *Var, idx []int, gates *Var, col int, shape ...int) *Var {
	dim := y.Value.Last()
	if y.Value.Rows() != len(idx) {
		panic(fmt.Sprintf("autograd: scatter of %d rows with %d indices", y.Value.Rows(), len(idx)))
	}
	val := tensor.New(append(slices.Clone(shape), dim)...)
	if val.Rows() != gates.Value.Rows() {
		panic(fmt.Sprintf("autograd: scatter target %v does not match gates %v", val.Shape, gates.Value.Shape))
	}
	e := gates.Value.Last()
	for i, r := range idx {
		g := gates.Value.Data[r*e+col]
		tensor.AddScaled(val.Row(r), g, y.Value.Row(i))
	}
	out := record(val, y, gates)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		for i, r := range idx {
			dout := out.Grad.Row(r)
			if y.requiresGrad {
				g := gates.Value.Data[r*e+col]
				tensor.AddScaled(y.grad()[i*dim:(i+1)*dim], g, dout)
			}
			if gates.requiresGrad {
				gates.grad()[r*e+col] += tensor.Dot(dout, y.Value.Row(i))
			}
		}
	}
	return out
}

// WeightedSum combines equally shaped inputs (…, f) using per-row weights
// gates (…, len(inputs)): out[r] = Σ_e gates[r, e] · inputs[e][r].
func WeightedSum(gates *Var, inputs []*Var) *Var {
	e := gates.Value.Last()
	if e != len(inputs) {
		panic(fmt.Sprintf("autograd: %d weights for %d inputs", e, len(inputs)))
	}
	rows := gates.Value.Rows()
	val := tensor.New(inputs[0].Value.Shape...)
	if val.Rows() != rows {
		panic(fmt.Sprintf("autograd: weighted sum gates %v for inputs %v", gates.Value.Shape, val.Shape))
	}
	for k, in := range inputs {
		mustSameShape("weighted sum", val, in.Value)
		for r := range rows {
			tensor.AddScaled(val.Row(r), gates.Value.Data[r*e+k], in.Value.Row(r))
		}
	}
	parents := append([]*Var{gates}, inputs...)
	out := record(val, parents...)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		f := val.Last()
		for k, in := range inputs {
			for r := range rows {
				dy := out.Grad.Row(r)
				if in.requiresGrad {
					tensor.AddScaled(in.grad()[r*f:(r+1)*f], gates.Value.Data[r*e+k], dy)
				}
				if gates.requiresGrad {
					gates.grad()[r*e+k] += tensor.Dot(dy, in.Value.Row(r))
				}
			}
		}
	}
	return out
}
