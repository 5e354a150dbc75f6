package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"slices"
)

// Tensor is a dense row-major array of float32 values.
//
// Shape lists the extent of every axis, outermost first. Data holds the
// flattened values and always has exactly Len() elements. A Tensor returned by
// Reshape shares Data with its source.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-initialised tensor with the given shape.
func New(shape ...int) *Tensor {
	n := numel(shape)
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float32, n),
	}
}

// FromData wraps existing data in a tensor. It panics when the data length
// does not match the shape.
func FromData(data []float32, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}
}

// Scalar returns a rank-0 tensor holding v.
func Scalar(v float32) *Tensor {
	return &Tensor{Shape: []int{}, Data: []float32{v}}
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Last returns the extent of the innermost axis.
func (t *Tensor) Last() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[len(t.Shape)-1]
}

// Rows returns the number of innermost rows, i.e. Len()/Last().
func (t *Tensor) Rows() int {
	last := t.Last()
	if last == 0 {
		return 0
	}
	return len(t.Data) / last
}

// Row returns a view of the i-th innermost row.
func (t *Tensor) Row(i int) []float32 {
	c := t.Last()
	if i < 0 || i >= t.Rows() {
		panic("row index out of range")
	}
	return t.Data[i*c : (i+1)*c]
}

// Offset returns the flat index of the element at idx.
func (t *Tensor) Offset(idx ...int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(t.Shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range for axis %d (extent %d)", v, i, t.Shape[i]))
		}
		off = off*t.Shape[i] + v
	}
	return off
}

// At returns the element at idx.
func (t *Tensor) At(idx ...int) float32 {
	return t.Data[t.Offset(idx...)]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Zero sets every element to zero.
func (t *Tensor) Zero() {
	clear(t.Data)
}

// Reshape returns a view with a new shape. At most one axis may be -1, in
// which case its extent is inferred.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, v := range shape {
		if v == -1 {
			if infer >= 0 {
				panic("tensor: more than one inferred axis in reshape")
			}
			infer = i
			continue
		}
		known *= v
	}
	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			panic(fmt.Sprintf("tensor: cannot reshape %v into %v", t.Shape, shape))
		}
		shape[infer] = len(t.Data) / known
	}
	if numel(shape) != len(t.Data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v into %v", t.Shape, shape))
	}
	return &Tensor{Shape: shape, Data: t.Data}
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.Shape, b.Shape)
}

// AllClose reports whether every element of a and b differs by at most tol.
func AllClose(a, b *Tensor, tol float64) bool {
	if !SameShape(a, b) {
		return false
	}
	for i := range a.Data {
		if math.Abs(float64(a.Data[i]-b.Data[i])) > tol {
			return false
		}
	}
	return true
}

// FillRand fills the tensor with reproducible pseudo-random values in a small
// range around zero. Multiple calls with the same seed produce identical data.
func FillRand(t *Tensor, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}

func numel(shape []int) int {
	n := 1
	for _, v := range shape {
		if v < 0 {
			panic("negative dimension for tensor")
		}
		n *= v
	}
	return n
}
