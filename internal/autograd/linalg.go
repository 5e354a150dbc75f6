package autograd

import (
	"fmt"
	"slices"

	"github.com/samcharles93/moegpt/internal/tensor"
)

// MatMul multiplies x (…, k) by the matrix w (k, n).
func MatMul(x, w *Var) *Var {
	if w.Value.Rank() != 2 || x.Value.Last() != w.Value.Shape[0] {
		panic(fmt.Sprintf("autograd: matmul %v × %v", x.Value.Shape, w.Value.Shape))
	}
	m, k, n := x.Value.Rows(), x.Value.Last(), w.Value.Shape[1]
	out := record(tensor.MatMul(x.Value, w.Value), x, w)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		dy := out.Grad.Data
		if x.requiresGrad {
			tensor.Gemm(false, true, m, k, n, 1, dy, w.Value.Data, 1, x.grad())
		}
		if w.requiresGrad {
			tensor.Gemm(true, false, k, n, m, 1, x.Value.Data, dy, 1, w.grad())
		}
	}
	return out
}

// AddBias adds b (n) to every innermost row of x (…, n).
func AddBias(x, b *Var) *Var {
	n := x.Value.Last()
	if b.Value.Len() != n {
		panic(fmt.Sprintf("autograd: bias %v for input %v", b.Value.Shape, x.Value.Shape))
	}
	val := x.Value.Clone()
	for r := range val.Rows() {
		tensor.Add(val.Row(r), b.Value.Data)
	}
	out := record(val, x, b)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		dy := out.Grad
		if x.requiresGrad {
			tensor.Add(x.grad(), dy.Data)
		}
		if b.requiresGrad {
			db := b.grad()
			for r := range dy.Rows() {
				tensor.Add(db, dy.Row(r))
			}
		}
	}
	return out
}

// BatchMatMul multiplies matching trailing matrices of a (…, m, k) and
// b (…, k, n). With transB, b is (…, n, k) and its matrices are transposed.
func BatchMatMul(a, b *Var, transB bool) *Var {
	as, bs := a.Value.Shape, b.Value.Shape
	if len(as) < 2 || len(as) != len(bs) || !slices.Equal(as[:len(as)-2], bs[:len(bs)-2]) {
		panic(fmt.Sprintf("autograd: batch matmul %v × %v", as, bs))
	}
	m, k := as[len(as)-2], as[len(as)-1]
	n := bs[len(bs)-1]
	if transB {
		n = bs[len(bs)-2]
		if bs[len(bs)-1] != k {
			panic(fmt.Sprintf("autograd: batch matmul %v × %vᵀ", as, bs))
		}
	} else if bs[len(bs)-2] != k {
		panic(fmt.Sprintf("autograd: batch matmul %v × %v", as, bs))
	}
	batch := 1
	for _, v := range as[:len(as)-2] {
		batch *= v
	}
	shape := append(slices.Clone(as[:len(as)-1]), n)
	val := tensor.New(shape...)
	for i := range batch {
		tensor.Gemm(false, transB, m, n, k, 1,
			a.Value.Data[i*m*k:(i+1)*m*k], b.Value.Data[i*k*n:(i+1)*k*n],
			0, val.Data[i*m*n:(i+1)*m*n])
	}
	out := record(val, a, b)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		dy := out.Grad.Data
		for i := range batch {
			dyi := dy[i*m*n : (i+1)*m*n]
			ai := a.Value.Data[i*m*k : (i+1)*m*k]
			bi := b.Value.Data[i*k*n : (i+1)*k*n]
			if a.requiresGrad {
				// dA = dY·op(B)ᵀ
				tensor.Gemm(false, !transB, m, k, n, 1, dyi, bi, 1, a.grad()[i*m*k:(i+1)*m*k])
			}
			if b.requiresGrad {
				dbi := b.grad()[i*k*n : (i+1)*k*n]
				if transB {
					tensor.Gemm(true, false, n, k, m, 1, dyi, ai, 1, dbi)
				} else {
					tensor.Gemm(true, false, k, n, m, 1, ai, dyi, 1, dbi)
				}
			}
		}
	}
	return out
}
