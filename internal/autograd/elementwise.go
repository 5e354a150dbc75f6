package autograd

import (
	"fmt"
	"math"
	"math/rand"
	"slices"

	"github.com/samcharles93/moegpt/internal/tensor"
)

// Add returns a + b for equally shaped operands.
func Add(a, b *Var) *Var {
	mustSameShape("add", a.Value, b.Value)
	val := a.Value.Clone()
	tensor.Add(val.Data, b.Value.Data)
	out := record(val, a, b)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		if a.requiresGrad {
			tensor.Add(a.grad(), out.Grad.Data)
		}
		if b.requiresGrad {
			tensor.Add(b.grad(), out.Grad.Data)
		}
	}
	return out
}

// AddN sums equally shaped operands.
func AddN(vs ...*Var) *Var {
	if len(vs) == 0 {
		panic("autograd: AddN of nothing")
	}
	val := vs[0].Value.Clone()
	for _, v := range vs[1:] {
		mustSameShape("addn", val, v.Value)
		tensor.Add(val.Data, v.Value.Data)
	}
	out := record(val, vs...)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		for _, v := range vs {
			if v.requiresGrad {
				tensor.Add(v.grad(), out.Grad.Data)
			}
		}
	}
	return out
}

// Scale returns s·x.
func Scale(x *Var, s float32) *Var {
	val := x.Value.Clone()
	tensor.Scale(val.Data, s)
	out := record(val, x)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		tensor.AddScaled(x.grad(), s, out.Grad.Data)
	}
	return out
}

// MulConst multiplies x element-wise by a constant tensor of the same shape.
func MulConst(x *Var, c *tensor.Tensor) *Var {
	mustSameShape("mul", x.Value, c)
	val := x.Value.Clone()
	for i := range val.Data {
		val.Data[i] *= c.Data[i]
	}
	out := record(val, x)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		dx := x.grad()
		for i, g := range out.Grad.Data {
			dx[i] += g * c.Data[i]
		}
	}
	return out
}

// AddConst adds a constant tensor of the same shape to x.
func AddConst(x *Var, c *tensor.Tensor) *Var {
	mustSameShape("add", x.Value, c)
	val := x.Value.Clone()
	tensor.Add(val.Data, c.Data)
	out := record(val, x)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		tensor.Add(x.grad(), out.Grad.Data)
	}
	return out
}

// Dropout zeroes each element with probability rate and scales survivors by
// 1/(1-rate). A nil rng or a non-positive rate returns x unchanged.
func Dropout(x *Var, rate float64, rng *rand.Rand) *Var {
	if rng == nil || rate <= 0 {
		return x
	}
	keep := 1 - rate
	mask := tensor.New(x.Value.Shape...)
	if keep > 0 {
		inv := float32(1 / keep)
		for i := range mask.Data {
			if rng.Float64() < keep {
				mask.Data[i] = inv
			}
		}
	}
	return MulConst(x, mask)
}

// GEGLU constants of the tanh approximation of GELU.
const (
	geluC = 0.7978845608
	geluA = 0.044715
)

// GEGLU splits the innermost axis of x into (signal, gate) halves and returns
// signal * 0.5 * gate * (1 + tanh(0.7978845608 * gate * (1 + 0.044715 * gate²))).
func GEGLU(x *Var) *Var {
	w := x.Value.Last()
	if w%2 != 0 {
		panic(fmt.Sprintf("autograd: GEGLU needs an even innermost axis, got %v", x.Value.Shape))
	}
	d := w / 2
	shape := slices.Clone(x.Value.Shape)
	shape[len(shape)-1] = d
	val := tensor.New(shape...)
	rows := x.Value.Rows()
	for r := range rows {
		in := x.Value.Row(r)
		dst := val.Row(r)
		for j := range d {
			dst[j] = in[j] * gelu(in[d+j])
		}
	}
	out := record(val, x)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		dx := x.grad()
		for r := range rows {
			in := x.Value.Row(r)
			dy := out.Grad.Row(r)
			row := dx[r*w : (r+1)*w]
			for j := range d {
				s, g := in[j], in[d+j]
				row[j] += dy[j] * gelu(g)
				row[d+j] += dy[j] * s * geluGrad(g)
			}
		}
	}
	return out
}

func gelu(g float32) float32 {
	t := math.Tanh(geluC * float64(g) * (1 + geluA*float64(g)*float64(g)))
	return float32(0.5 * float64(g) * (1 + t))
}

func geluGrad(g float32) float32 {
	x := float64(g)
	t := math.Tanh(geluC * x * (1 + geluA*x*x))
	return float32(0.5*(1+t) + 0.5*x*(1-t*t)*geluC*(1+3*geluA*x*x))
}

// Reshape returns x viewed with a new shape. One axis may be -1.
func Reshape(x *Var, shape ...int) *Var {
	out := record(x.Value.Reshape(shape...), x)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		tensor.Add(x.grad(), out.Grad.Data)
	}
	return out
}

// SplitLast splits the innermost axis of x into n equal parts.
func SplitLast(x *Var, n int) []*Var {
	w := x.Value.Last()
	if n <= 0 || w%n != 0 {
		panic(fmt.Sprintf("autograd: cannot split %v into %d parts", x.Value.Shape, n))
	}
	part := w / n
	rows := x.Value.Rows()
	shape := slices.Clone(x.Value.Shape)
	shape[len(shape)-1] = part
	outs := make([]*Var, n)
	for p := range n {
		val := tensor.New(shape...)
		for r := range rows {
			copy(val.Row(r), x.Value.Row(r)[p*part:(p+1)*part])
		}
		out := record(val, x)
		if out.requiresGrad {
			off := p * part
			out.backward = func() {
				dx := x.grad()
				for r := range rows {
					tensor.Add(dx[r*w+off:r*w+off+part], out.Grad.Row(r))
				}
			}
		}
		outs[p] = out
	}
	return outs
}

// SwapAxes12 transposes the middle axes of a rank-4 tensor:
// (a, b, c, d) becomes (a, c, b, d).
func SwapAxes12(x *Var) *Var {
	s := x.Value.Shape
	if len(s) != 4 {
		panic(fmt.Sprintf("autograd: SwapAxes12 needs rank 4, got %v", s))
	}
	a, b, c, d := s[0], s[1], s[2], s[3]
	val := tensor.New(a, c, b, d)
	swap12(val.Data, x.Value.Data, a, b, c, d, false)
	out := record(val, x)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		swap12(x.grad(), out.Grad.Data, a, c, b, d, true)
	}
	return out
}

// swap12 writes src (a, b, c, d) into dst laid out as (a, c, b, d).
func swap12(dst, src []float32, a, b, c, d int, accumulate bool) {
	for i := range a {
		for j := range b {
			for k := range c {
				so := ((i*b+j)*c + k) * d
				do := ((i*c+k)*b + j) * d
				if accumulate {
					tensor.Add(dst[do:do+d], src[so:so+d])
				} else {
					copy(dst[do:do+d], src[so:so+d])
				}
			}
		}
	}
}
