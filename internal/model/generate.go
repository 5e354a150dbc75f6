package model

import (
	"context"
	"fmt"
	"math/rand"
	"slices"

	"github.com/samcharles93/moegpt/internal/logits"
	"github.com/samcharles93/moegpt/internal/nn"
)

// BatchStop selects when batched generation stops.
type BatchStop string

const (
	// BatchStopLegacy stops only when every row emits the end token on the
	// same step. Rows that finished earlier keep being sampled.
	BatchStopLegacy BatchStop = "legacy"
	// BatchStopMasked freezes a row once it emits the end token and pads it
	// with end tokens; generation stops when every row has finished.
	BatchStopMasked BatchStop = "masked"
)

// GenerateOptions controls autoregressive decoding.
//
// The zero value decodes greedily: Temperature 0 selects the most probable
// token just like Deterministic, and no Rng is needed. Use
// DefaultGenerateOptions to sample at temperature 1.
type GenerateOptions struct {
	// Temperature divides the last-position logits before the softmax.
	// Values <= 0, including the zero value, decode greedily.
	Temperature float32
	// Deterministic picks the most probable token instead of sampling.
	Deterministic bool
	// Rng is the random source for sampling. Required unless decoding is
	// greedy.
	Rng *rand.Rand
	// TopK and TopP optionally narrow the sampling distribution.
	TopK int
	TopP float32
	// BatchStop is the stopping rule of GenerateBatch.
	BatchStop BatchStop
}

// DefaultGenerateOptions samples at temperature 1 from rng.
func DefaultGenerateOptions(rng *rand.Rand) GenerateOptions {
	return GenerateOptions{Temperature: 1, Rng: rng, BatchStop: BatchStopLegacy}
}

type decodeState int

const (
	stateDecoding decodeState = iota
	stateDone
)

// Generate extends a single sequence one token at a time and returns the
// emitted tokens, excluding the prefix. A nil prefix starts from the start
// token. Decoding stops after the end token or once prefix and output
// together reach max_length. Every step reruns the full decoder over the
// grown sequence.
func (g *GPT) Generate(ctx context.Context, params *nn.Params, prefix [][]int, opts GenerateOptions) ([]int, error) {
	if len(prefix) == 0 {
		prefix = [][]int{{g.cfg.StartToken}}
	}
	if len(prefix) != 1 {
		return nil, fmt.Errorf("%w: got %d", ErrBatchSize, len(prefix))
	}
	if _, _, _, err := g.flatten(prefix); err != nil {
		return nil, err
	}
	sampler, err := g.sampler(opts)
	if err != nil {
		return nil, err
	}

	seq := slices.Clone(prefix[0])
	var out []int
	state := stateDecoding
	if len(seq) >= g.cfg.MaxLength {
		state = stateDone
	}
	for state == stateDecoding {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		lgt, err := g.Forward(params, [][]int{seq}, ForwardOptions{})
		if err != nil {
			return out, err
		}
		next := sampler.Sample(lgt.Row(lgt.Rows() - 1))
		out = append(out, next)
		seq = append(seq, next)
		if next == g.cfg.EndToken || len(seq) >= g.cfg.MaxLength {
			state = stateDone
		}
	}
	return out, nil
}

// GenerateBatch decodes every prefix row in lockstep into a zero-initialised
// (batch, max_length) buffer; column i holds the token emitted at step i.
// Prefix rows must share one length. A nil prefix is a single start token.
func (g *GPT) GenerateBatch(ctx context.Context, params *nn.Params, prefix [][]int, opts GenerateOptions) ([][]int, error) {
	if len(prefix) == 0 {
		prefix = [][]int{{g.cfg.StartToken}}
	}
	_, batch, seqLen, err := g.flatten(prefix)
	if err != nil {
		return nil, err
	}
	sampler, err := g.sampler(opts)
	if err != nil {
		return nil, err
	}
	masked := opts.BatchStop == BatchStopMasked

	out := make([][]int, batch)
	input := make([][]int, batch)
	for b := range batch {
		out[b] = make([]int, g.cfg.MaxLength)
		input[b] = slices.Clone(prefix[b])
	}
	finished := make([]bool, batch)
	steps := g.cfg.MaxLength - seqLen

	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		lgt, err := g.Forward(params, input, ForwardOptions{})
		if err != nil {
			return out, err
		}
		cur := len(input[0])
		allEnd := true
		for b := range batch {
			var next int
			if masked && finished[b] {
				next = g.cfg.EndToken
			} else {
				next = sampler.Sample(lgt.Row(b*cur + cur - 1))
			}
			out[b][i] = next
			input[b] = append(input[b], next)
			if next == g.cfg.EndToken {
				finished[b] = true
			} else {
				allEnd = false
			}
		}
		if allEnd {
			break
		}
	}

	if masked {
		for b := range batch {
			if !finished[b] {
				continue
			}
			end := slices.Index(out[b], g.cfg.EndToken)
			for j := end + 1; j < len(out[b]); j++ {
				out[b][j] = g.cfg.EndToken
			}
		}
	}
	return out, nil
}

func (g *GPT) sampler(opts GenerateOptions) (*logits.Sampler, error) {
	return logits.NewSampler(logits.SamplerConfig{
		Temperature: opts.Temperature,
		Greedy:      opts.Deterministic,
		TopK:        opts.TopK,
		TopP:        opts.TopP,
	}, opts.Rng)
}
