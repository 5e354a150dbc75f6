package autograd

import (
	"fmt"
	"math"

	"github.com/samcharles93/moegpt/internal/tensor"
)

// CrossEntropy returns the mean softmax cross-entropy between the innermost
// rows of logits and integer class targets, one per row.
func CrossEntropy(logits *Var, targets []int) *Var {
	rows, v := logits.Value.Rows(), logits.Value.Last()
	if rows != len(targets) {
		panic(fmt.Sprintf("autograd: %d targets for %d logit rows", len(targets), rows))
	}
	probs := logits.Value.Clone()
	var total float64
	for r := range rows {
		row := logits.Value.Row(r)
		t := targets[r]
		if t < 0 || t >= v {
			panic(fmt.Sprintf("autograd: target %d outside [0, %d)", t, v))
		}
		maxv := row[0]
		for _, x := range row[1:] {
			maxv = max(maxv, x)
		}
		var sum float64
		for _, x := range row {
			sum += math.Exp(float64(x - maxv))
		}
		total += math.Log(sum) + float64(maxv) - float64(row[t])
		tensor.Softmax(probs.Row(r))
	}
	mean := float32(0)
	if rows > 0 {
		mean = float32(total / float64(rows))
	}
	out := record(tensor.Scalar(mean), logits)
	if !out.requiresGrad {
		return out
	}
	out.backward = func() {
		g := out.Grad.Data[0] / float32(rows)
		dx := logits.grad()
		for r := range rows {
			p := probs.Row(r)
			row := dx[r*v : (r+1)*v]
			for j := range v {
				row[j] += g * p[j]
			}
			row[targets[r]] -= g
		}
	}
	return out
}
