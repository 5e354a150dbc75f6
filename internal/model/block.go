package model

import (
	"math/rand"

	"github.com/samcharles93/moegpt/internal/autograd"
	"github.com/samcharles93/moegpt/internal/nn"
	"github.com/samcharles93/moegpt/internal/tensor"
)

// Block is one decoder layer: two self-attention sub-layers followed by the
// mixture-of-experts feed-forward stage, each pre-normalised.
type Block struct {
	NumHeads    int
	Attention1  Attention
	Attention2  Attention
	FeedForward MixtureOfExperts
	Norm        nn.LayerNorm
	Dropout     nn.Dropout
	Wiring      ResidualWiring
}

// BlockOutput is the result of one block.
type BlockOutput struct {
	Hidden     *autograd.Var
	Attention1 *autograd.Var
	Attention2 *autograd.Var
	Gates      *autograd.Var
}

// NewBlock builds a block from cfg.
func NewBlock(cfg Config) (Block, error) {
	attn, err := NewAttention(cfg.HiddenDim, cfg.NumHeads, MaskFuncFor(cfg.Masking))
	if err != nil {
		return Block{}, err
	}
	return Block{
		NumHeads:   cfg.NumHeads,
		Attention1: attn,
		Attention2: attn,
		FeedForward: MixtureOfExperts{
			NumExperts: cfg.NumExperts,
			NumHiddens: cfg.FeedForwardDim,
			NumOutputs: cfg.HiddenDim,
			Routing:    cfg.Routing,
			TopK:       cfg.TopK,
		},
		Norm:    nn.LayerNorm{Epsilon: cfg.Epsilon()},
		Dropout: nn.Dropout{Rate: cfg.Dropout},
		Wiring:  cfg.ResidualWiring,
	}, nil
}

// Apply runs the block over x (batch, seq, hidden). The causal mask is
// rebuilt from the current sequence length on every call; the mask argument
// is accepted for call compatibility and ignored. A nil rng disables dropout.
func (b Block) Apply(s nn.Scope, x *autograd.Var, _ *tensor.Tensor, rng *rand.Rand) BlockOutput {
	batch, seq := x.Shape()[0], x.Shape()[1]
	mask := CausalMask(batch, b.NumHeads, seq, seq)
	if b.Wiring == WiringStandard {
		return b.applyStandard(s, x, mask, rng)
	}
	return b.applyLegacy(s, x, mask, rng)
}

// applyLegacy keeps the published wiring: the residual base of each
// attention sub-layer is the dropped-out normalised stream and the
// feed-forward output is added to the second attention output.
func (b Block) applyLegacy(s nn.Scope, x *autograd.Var, mask *tensor.Tensor, rng *rand.Rand) BlockOutput {
	x = b.Norm.Apply(s.Sub("norm1"), x)
	a1, w1 := b.Attention1.Apply(s.Sub("attention1"), x, mask)
	x = autograd.Add(b.Dropout.Apply(x, rng), a1)

	x = b.Norm.Apply(s.Sub("norm2"), x)
	a2, w2 := b.Attention2.Apply(s.Sub("attention2"), x, mask)
	x = autograd.Add(b.Dropout.Apply(x, rng), a2)

	x = b.Norm.Apply(s.Sub("norm3"), x)
	ff, gates := b.FeedForward.Apply(s.Sub("feed_forward").Sub("moe_layer"), x)
	x = autograd.Add(b.Dropout.Apply(ff, rng), a2)

	return BlockOutput{Hidden: x, Attention1: w1, Attention2: w2, Gates: gates}
}

func (b Block) applyStandard(s nn.Scope, x *autograd.Var, mask *tensor.Tensor, rng *rand.Rand) BlockOutput {
	a1, w1 := b.Attention1.Apply(s.Sub("attention1"), b.Norm.Apply(s.Sub("norm1"), x), mask)
	x = autograd.Add(x, b.Dropout.Apply(a1, rng))

	a2, w2 := b.Attention2.Apply(s.Sub("attention2"), b.Norm.Apply(s.Sub("norm2"), x), mask)
	x = autograd.Add(x, b.Dropout.Apply(a2, rng))

	ff, gates := b.FeedForward.Apply(s.Sub("feed_forward").Sub("moe_layer"), b.Norm.Apply(s.Sub("norm3"), x))
	x = autograd.Add(x, b.Dropout.Apply(ff, rng))

	return BlockOutput{Hidden: x, Attention1: w1, Attention2: w2, Gates: gates}
}
