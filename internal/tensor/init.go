package tensor

import (
	"math"
	"math/rand"
)

// Initializer fills a freshly allocated tensor from rng.
type Initializer func(rng *rand.Rand, t *Tensor)

// Zeros leaves the tensor zero-filled.
func Zeros(_ *rand.Rand, t *Tensor) { t.Zero() }

// Ones fills the tensor with 1.
func Ones(_ *rand.Rand, t *Tensor) {
	for i := range t.Data {
		t.Data[i] = 1
	}
}

// Normal returns an initializer drawing from N(0, stddev²).
func Normal(stddev float64) Initializer {
	return func(rng *rand.Rand, t *Tensor) {
		for i := range t.Data {
			t.Data[i] = float32(rng.NormFloat64() * stddev)
		}
	}
}

// XavierUniform draws from U(-limit, limit) with limit = sqrt(6/(fanIn+fanOut)).
// Fan-in is the second-to-last axis and fan-out the last, as for a dense
// kernel of shape (in, out).
func XavierUniform(rng *rand.Rand, t *Tensor) {
	fanIn, fanOut := fans(t.Shape)
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range t.Data {
		t.Data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
}

// LecunNormal draws from N(0, 1/fanIn).
func LecunNormal(rng *rand.Rand, t *Tensor) {
	fanIn, _ := fans(t.Shape)
	std := math.Sqrt(1 / float64(fanIn))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
}

func fans(shape []int) (int, int) {
	switch len(shape) {
	case 0:
		return 1, 1
	case 1:
		return shape[0], shape[0]
	}
	recept := 1
	for _, v := range shape[:len(shape)-2] {
		recept *= v
	}
	return shape[len(shape)-2] * recept, shape[len(shape)-1] * recept
}
