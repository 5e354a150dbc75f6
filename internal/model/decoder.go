package model

import (
	"math/rand"

	"github.com/samcharles93/moegpt/internal/autograd"
	"github.com/samcharles93/moegpt/internal/nn"
	"github.com/samcharles93/moegpt/internal/tensor"
)

// Decoder embeds token ids, runs them through the blocks and projects the
// result onto the vocabulary.
type Decoder struct {
	cfg    Config
	blocks []Block
}

// DecoderOutput holds the result of a decoder pass.
type DecoderOutput struct {
	// Output is (batch, seq, vocab) logits, or (batch, seq, hidden) when the
	// vocabulary projection was skipped.
	Output *autograd.Var
	// Attention and CrossAttention stack the weights of the first and second
	// attention sub-layer of every block: (layers, batch, heads, seq, seq).
	Attention      *tensor.Tensor
	CrossAttention *tensor.Tensor
	// Gates holds each block's gating distribution (batch, seq, experts).
	Gates []*tensor.Tensor
}

// NewDecoder validates cfg and builds the block stack.
func NewDecoder(cfg Config) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	blocks := make([]Block, cfg.NumLayers)
	for i := range blocks {
		b, err := NewBlock(cfg)
		if err != nil {
			return nil, err
		}
		blocks[i] = b
	}
	return &Decoder{cfg: cfg, blocks: blocks}, nil
}

// Apply runs ids (batch×seq, row-major) through the stack. ids must already
// be validated. The mask argument is passed to every block, which ignores it.
func (d *Decoder) Apply(s nn.Scope, ids []int, batch, seq int, mask *tensor.Tensor, rng *rand.Rand, dropLastLayer bool) DecoderOutput {
	x := nn.Embed{Num: d.cfg.VocabSize, Features: d.cfg.EmbedDim}.Apply(s.Sub("embedding"), ids, batch, seq)

	plane := batch * d.cfg.NumHeads * seq * seq
	out := DecoderOutput{
		Attention:      tensor.New(len(d.blocks), batch, d.cfg.NumHeads, seq, seq),
		CrossAttention: tensor.New(len(d.blocks), batch, d.cfg.NumHeads, seq, seq),
		Gates:          make([]*tensor.Tensor, len(d.blocks)),
	}
	for i, b := range d.blocks {
		r := b.Apply(s.Index("layers", i), x, mask, rng)
		x = r.Hidden
		copy(out.Attention.Data[i*plane:(i+1)*plane], r.Attention1.Value.Data)
		copy(out.CrossAttention.Data[i*plane:(i+1)*plane], r.Attention2.Value.Data)
		out.Gates[i] = r.Gates.Value
	}

	if !dropLastLayer {
		x = nn.Dense{Features: d.cfg.VocabSize}.Apply(s.Sub("outputs"), x)
	}
	out.Output = x
	return out
}
