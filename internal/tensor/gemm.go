package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Gemm computes c = alpha*op(a)*op(b) + beta*c on row-major slices, where
// op(a) is m×k and op(b) is k×n. When transA is set, a is stored as k×m;
// when transB is set, b is stored as n×k.
func Gemm(transA, transB bool, m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	if len(a) < m*k || len(b) < k*n || len(c) < m*n {
		panic("gemm: dimension mismatch")
	}
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		if beta != 1 {
			Scale(c[:m*n], beta)
		}
		return
	}

	ta, ga := blas.NoTrans, blas32.General{Rows: m, Cols: k, Stride: k, Data: a[:m*k]}
	if transA {
		ta, ga = blas.Trans, blas32.General{Rows: k, Cols: m, Stride: m, Data: a[:m*k]}
	}
	tb, gb := blas.NoTrans, blas32.General{Rows: k, Cols: n, Stride: n, Data: b[:k*n]}
	if transB {
		tb, gb = blas.Trans, blas32.General{Rows: n, Cols: k, Stride: k, Data: b[:k*n]}
	}
	gc := blas32.General{Rows: m, Cols: n, Stride: n, Data: c[:m*n]}
	blas32.Gemm(ta, tb, alpha, ga, gb, beta, gc)
}

// MatMul returns a (…, k) × b (k, n) as a new tensor of shape (…, n).
func MatMul(a, b *Tensor) *Tensor {
	if b.Rank() != 2 || a.Last() != b.Shape[0] {
		panic("gemm: dimension mismatch")
	}
	m, k, n := a.Rows(), a.Last(), b.Shape[1]
	shape := append(append([]int(nil), a.Shape[:a.Rank()-1]...), n)
	out := New(shape...)
	Gemm(false, false, m, n, k, 1, a.Data, b.Data, 0, out.Data)
	return out
}
