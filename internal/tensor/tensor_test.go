package tensor

import (
	"math"
	"testing"
)

func TestReshapeInfersAxisAndSharesData(t *testing.T) {
	t.Parallel()
	x := New(2, 3, 4)
	v := x.Reshape(-1, 4)
	if v.Shape[0] != 6 || v.Shape[1] != 4 {
		t.Fatalf("got shape %v, want [6 4]", v.Shape)
	}
	v.Data[5] = 9
	if x.Data[5] != 9 {
		t.Fatal("reshape did not share data")
	}
}

func TestReshapeRejectsBadShape(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(2, 3).Reshape(4, -1)
}

func TestOffsetRowMajor(t *testing.T) {
	t.Parallel()
	x := New(2, 3, 4)
	if got := x.Offset(1, 2, 3); got != 23 {
		t.Fatalf("got %d, want 23", got)
	}
	if x.Rows() != 6 || x.Last() != 4 {
		t.Fatalf("rows=%d last=%d", x.Rows(), x.Last())
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	t.Parallel()
	x := []float32{1, 2, 3, 1000}
	Softmax(x)
	var sum float64
	for _, v := range x {
		if math.IsNaN(float64(v)) {
			t.Fatal("NaN in softmax output")
		}
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("sum = %v, want 1", sum)
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	x := FromData([]float32{1, 2}, 2)
	y := x.Clone()
	y.Data[0] = 5
	if x.Data[0] != 1 {
		t.Fatal("clone shares data")
	}
}
