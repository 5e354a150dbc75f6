package autograd

import (
	"fmt"
	"math"

	"github.com/samcharles93/moegpt/internal/tensor"
)

// Softmax normalises every innermost row of x into a probability
// distribution.
func Softmax(x *Var) *Var {
	val := x.Value.Clone()
	tensor.SoftmaxRows(val)
	out := record(val, x)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		dx := x.grad()
		n := val.Last()
		for r := range val.Rows() {
			y := val.Row(r)
			dy := out.Grad.Row(r)
			dot := tensor.Dot(dy, y)
			row := dx[r*n : (r+1)*n]
			for j := range y {
				row[j] += y[j] * (dy[j] - dot)
			}
		}
	}
	return out
}

// LayerNorm normalises every innermost row of x to zero mean and unit
// variance, then applies scale and bias.
func LayerNorm(x, scale, bias *Var, eps float32) *Var {
	n := x.Value.Last()
	if scale.Value.Len() != n || bias.Value.Len() != n {
		panic(fmt.Sprintf("autograd: layer norm params %v/%v for input %v", scale.Value.Shape, bias.Value.Shape, x.Value.Shape))
	}
	rows := x.Value.Rows()
	val := tensor.New(x.Value.Shape...)
	xhat := make([]float32, len(val.Data))
	rstd := make([]float32, rows)
	gamma, beta := scale.Value.Data, bias.Value.Data
	for r := range rows {
		in := x.Value.Row(r)
		var mean, sq float64
		for _, v := range in {
			mean += float64(v)
		}
		mean /= float64(n)
		for _, v := range in {
			d := float64(v) - mean
			sq += d * d
		}
		inv := 1 / math.Sqrt(sq/float64(n)+float64(eps))
		rstd[r] = float32(inv)
		dst := val.Row(r)
		xh := xhat[r*n : (r+1)*n]
		for j, v := range in {
			xh[j] = float32((float64(v) - mean) * inv)
			dst[j] = xh[j]*gamma[j] + beta[j]
		}
	}
	out := record(val, x, scale, bias)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		dxhat := make([]float32, n)
		for r := range rows {
			dy := out.Grad.Row(r)
			xh := xhat[r*n : (r+1)*n]
			if scale.requiresGrad {
				dg := scale.grad()
				for j := range n {
					dg[j] += dy[j] * xh[j]
				}
			}
			if bias.requiresGrad {
				tensor.Add(bias.grad(), dy)
			}
			if !x.requiresGrad {
				continue
			}
			var sum, sumX float32
			for j := range n {
				dxhat[j] = dy[j] * gamma[j]
				sum += dxhat[j]
				sumX += dxhat[j] * xh[j]
			}
			meanD := sum / float32(n)
			meanDX := sumX / float32(n)
			row := x.grad()[r*n : (r+1)*n]
			for j := range n {
				row[j] += rstd[r] * (dxhat[j] - meanD - xh[j]*meanDX)
			}
		}
	}
	return out
}
