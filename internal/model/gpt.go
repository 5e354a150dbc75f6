package model

import (
	"fmt"
	"math/rand"

	"github.com/samcharles93/moegpt/internal/autograd"
	"github.com/samcharles93/moegpt/internal/nn"
	"github.com/samcharles93/moegpt/internal/tensor"
)

// rootScope is the name of the decoder subtree in the parameter tree.
const rootScope = "decoder"

// GPT is a decoder-only transformer language model.
type GPT struct {
	cfg     Config
	decoder *Decoder
}

// ForwardOptions controls a forward pass.
type ForwardOptions struct {
	// Rng drives dropout. A nil Rng runs the pass without dropout, which is
	// the inference behaviour.
	Rng *rand.Rand
	// DropLastLayer skips the vocabulary projection and returns hidden
	// states.
	DropLastLayer bool
}

// New validates cfg and builds the model.
func New(cfg Config) (*GPT, error) {
	cfg = cfg.WithDefaults()
	dec, err := NewDecoder(cfg)
	if err != nil {
		return nil, err
	}
	return &GPT{cfg: cfg, decoder: dec}, nil
}

// Config returns the effective configuration.
func (g *GPT) Config() Config { return g.cfg }

// Init creates a fresh parameter tree from rng.
func (g *GPT) Init(rng *rand.Rand) *nn.Params {
	b := nn.NewInit(rng)
	g.decoder.Apply(b.Root().Sub(rootScope), []int{g.cfg.StartToken}, 1, 1, nil, nil, false)
	return b.Params()
}

// Forward runs a full parallel pass and returns (batch, seq, vocab) logits,
// or (batch, seq, hidden) when DropLastLayer is set.
func (g *GPT) Forward(params *nn.Params, ids [][]int, opts ForwardOptions) (*tensor.Tensor, error) {
	out, err := g.ForwardDetailed(params, ids, opts)
	if err != nil {
		return nil, err
	}
	return out.Output.Value, nil
}

// ForwardDetailed is Forward that also returns the attention stacks and
// gating distributions.
func (g *GPT) ForwardDetailed(params *nn.Params, ids [][]int, opts ForwardOptions) (DecoderOutput, error) {
	flat, batch, seq, err := g.flatten(ids)
	if err != nil {
		return DecoderOutput{}, err
	}
	b := nn.Bind(params, false)
	out := g.decoder.Apply(b.Root().Sub(rootScope), flat, batch, seq, nil, opts.Rng, opts.DropLastLayer)
	if err := b.Err(); err != nil {
		return DecoderOutput{}, err
	}
	return out, nil
}

// Loss builds the differentiable mean token-level cross-entropy between the
// logits for inputs and the integer targets. b must be a trainable binding;
// after autograd.Backward the gradients are available from b.Grads.
func (g *GPT) Loss(b *nn.Binding, inputs, targets [][]int, opts ForwardOptions) (*autograd.Var, error) {
	flat, batch, seq, err := g.flatten(inputs)
	if err != nil {
		return nil, err
	}
	tflat, tb, ts, err := g.flatten(targets)
	if err != nil {
		return nil, fmt.Errorf("targets: %w", err)
	}
	if tb != batch || ts != seq {
		return nil, fmt.Errorf("%w: targets %dx%d for inputs %dx%d", ErrShape, tb, ts, batch, seq)
	}
	out := g.decoder.Apply(b.Root().Sub(rootScope), flat, batch, seq, nil, opts.Rng, false)
	if err := b.Err(); err != nil {
		return nil, err
	}
	return autograd.CrossEntropy(out.Output, tflat), nil
}

// flatten checks that ids form a non-empty rectangular batch of in-vocabulary
// tokens and returns them row-major.
func (g *GPT) flatten(ids [][]int) ([]int, int, int, error) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return nil, 0, 0, fmt.Errorf("%w: empty token batch", ErrShape)
	}
	batch, seq := len(ids), len(ids[0])
	flat := make([]int, 0, batch*seq)
	for i, row := range ids {
		if len(row) != seq {
			return nil, 0, 0, fmt.Errorf("%w: row %d has %d tokens, want %d", ErrShape, i, len(row), seq)
		}
		for j, id := range row {
			if id < 0 || id >= g.cfg.VocabSize {
				return nil, 0, 0, fmt.Errorf("%w: token %d at [%d][%d] outside [0, %d)", ErrTokenRange, id, i, j, g.cfg.VocabSize)
			}
		}
		flat = append(flat, row...)
	}
	return flat, batch, seq, nil
}
