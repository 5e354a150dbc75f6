package model

import (
	"math"

	"github.com/samcharles93/moegpt/internal/autograd"
	"github.com/samcharles93/moegpt/internal/nn"
	"github.com/samcharles93/moegpt/internal/tensor"
)

// MixtureOfExperts is the feed-forward stage of a decoder block.
//
// With RoutingDense every expert runs on every token and the outputs are
// mixed by the softmax gate, so this is a gated dense ensemble rather than a
// conditionally computed MoE. RoutingTopK gathers each token into its TopK
// most probable experts only and scatters the gate-weighted results back;
// the weights are the unrenormalised gate probabilities, so TopK equal to
// NumExperts reproduces the dense mixture.
type MixtureOfExperts struct {
	NumExperts int
	NumHiddens int
	NumOutputs int
	Routing    Routing
	TopK       int
}

// Apply returns the stage output (…, NumOutputs) and the gating
// distribution (…, NumExperts).
func (m MixtureOfExperts) Apply(s nn.Scope, x *autograd.Var) (*autograd.Var, *autograd.Var) {
	gates := autograd.Softmax(nn.Dense{Features: m.NumExperts, KernelInit: tensor.XavierUniform}.Apply(s.Sub("gate"), x))

	var mixed *autograd.Var
	if m.Routing == RoutingTopK {
		mixed = m.routeTopK(s, x, gates)
	} else {
		outs := make([]*autograd.Var, m.NumExperts)
		for e := range m.NumExperts {
			outs[e] = m.expert().Apply(s.Index("experts", e), x)
		}
		mixed = autograd.WeightedSum(gates, outs)
	}

	act := GEGLU{OutputDim: m.NumHiddens}.Apply(s.Sub("activation"), mixed)
	out := nn.Dense{Features: m.NumOutputs, KernelInit: tensor.XavierUniform}.Apply(s.Sub("dense_final"), act)
	return out, gates
}

func (m MixtureOfExperts) expert() nn.Dense {
	return nn.Dense{Features: m.NumHiddens, KernelInit: tensor.XavierUniform}
}

func (m MixtureOfExperts) routeTopK(s nn.Scope, x, gates *autograd.Var) *autograd.Var {
	k := min(max(m.TopK, 1), m.NumExperts)
	rows := gates.Value.Rows()
	routed := make([][]int, m.NumExperts)
	idx := make([]int, k)
	for r := range rows {
		selectTopK(gates.Value.Row(r), k, idx)
		for _, e := range idx {
			if e >= 0 {
				routed[e] = append(routed[e], r)
			}
		}
	}

	outShape := append([]int(nil), x.Shape()[:len(x.Shape())-1]...)
	parts := make([]*autograd.Var, m.NumExperts)
	for e := range m.NumExperts {
		// Experts with no tokens still bind their parameters.
		y := m.expert().Apply(s.Index("experts", e), autograd.GatherRows(x, routed[e]))
		parts[e] = autograd.ScatterGated(y, routed[e], gates, e, outShape...)
	}
	return autograd.AddN(parts...)
}

// selectTopK writes the indices of the k largest scores to idxOut, highest
// first. Ties go to the lower index.
func selectTopK(scores []float32, k int, idxOut []int) {
	if k <= 0 {
		return
	}
	if k > len(idxOut) {
		panic("topk scratch buffers too small")
	}
	bestScores := make([]float32, k)
	for i := 0; i < k; i++ {
		idxOut[i] = -1
		bestScores[i] = float32(math.Inf(-1))
	}

	for i, score := range scores {
		insert := -1
		for j := 0; j < k; j++ {
			if score > bestScores[j] || (score == bestScores[j] && (idxOut[j] == -1 || i < idxOut[j])) {
				insert = j
				break
			}
		}
		if insert == -1 {
			continue
		}
		for j := k - 1; j > insert; j-- {
			bestScores[j] = bestScores[j-1]
			idxOut[j] = idxOut[j-1]
		}
		bestScores[insert] = score
		idxOut[insert] = i
	}
}
