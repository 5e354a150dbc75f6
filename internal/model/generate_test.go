package model

import (
	"context"
	"errors"
	"maps"
	"math/rand"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/moegpt/internal/logits"
	"github.com/samcharles93/moegpt/internal/nn"
	"github.com/samcharles93/moegpt/internal/tensor"
)

// forceToken makes token dominate every next-token distribution.
func forceToken(t *testing.T, params *nn.Params, token int) *nn.Params {
	t.Helper()
	out := params.Clone()
	bias, ok := out.Get("decoder.outputs.bias")
	if !ok {
		t.Fatal("missing decoder.outputs.bias")
	}
	bias.Data[token] = 1e4
	return out
}

func TestGenerateDeterministicIsReproducible(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	g, params := newTestModel(t, cfg)
	opts := GenerateOptions{Temperature: 1, Deterministic: true}
	prefix := [][]int{{3, 4}}

	a, err := g.Generate(context.Background(), params, prefix, opts)
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.Generate(context.Background(), params, prefix, opts)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("deterministic generation differs (-first +second):\n%s", diff)
	}
	if len(a) == 0 || len(a) > cfg.MaxLength-len(prefix[0]) {
		t.Fatalf("generated %d tokens, want 1..%d", len(a), cfg.MaxLength-len(prefix[0]))
	}
	if i := slices.Index(a, cfg.EndToken); i >= 0 && i != len(a)-1 {
		t.Fatalf("generation continued after end token: %v", a)
	}
}

func TestGenerateSeededSamplingIsReproducible(t *testing.T) {
	t.Parallel()
	g, params := newTestModel(t, testConfig())
	run := func() []int {
		out, err := g.Generate(context.Background(), params, nil, DefaultGenerateOptions(rand.New(rand.NewSource(5))))
		if err != nil {
			t.Fatal(err)
		}
		return out
	}
	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Fatalf("seeded sampling differs (-first +second):\n%s", diff)
	}
}

func TestGenerateStopsAtEndToken(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	g, params := newTestModel(t, cfg)
	params = forceToken(t, params, cfg.EndToken)

	out, err := g.Generate(context.Background(), params, [][]int{{1, 2, 3}}, GenerateOptions{Deterministic: true})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{cfg.EndToken}, out); diff != "" {
		t.Fatalf("output (-want +got):\n%s", diff)
	}
}

func TestGenerateStopsAtMaxLength(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	g, params := newTestModel(t, cfg)
	params = forceToken(t, params, 7)

	out, err := g.Generate(context.Background(), params, [][]int{{1, 2}}, GenerateOptions{Deterministic: true})
	if err != nil {
		t.Fatal(err)
	}
	want := slices.Repeat([]int{7}, cfg.MaxLength-2)
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("output (-want +got):\n%s", diff)
	}
}

func TestGenerateFromStartToken(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	g, params := newTestModel(t, cfg)
	params = forceToken(t, params, 7)
	out, err := g.Generate(context.Background(), params, nil, GenerateOptions{Deterministic: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != cfg.MaxLength-1 {
		t.Fatalf("generated %d tokens, want %d", len(out), cfg.MaxLength-1)
	}
}

func TestGenerateRequiresSingleSequence(t *testing.T) {
	t.Parallel()
	g, params := newTestModel(t, testConfig())
	_, err := g.Generate(context.Background(), params, [][]int{{1}, {2}}, GenerateOptions{Deterministic: true})
	if !errors.Is(err, ErrBatchSize) {
		t.Fatalf("got %v, want ErrBatchSize", err)
	}
}

func TestZeroGenerateOptionsDecodeGreedily(t *testing.T) {
	t.Parallel()
	g, params := newTestModel(t, testConfig())
	prefix := [][]int{{3, 4}}

	greedy, err := g.Generate(context.Background(), params, prefix, GenerateOptions{Deterministic: true})
	if err != nil {
		t.Fatal(err)
	}
	zero, err := g.Generate(context.Background(), params, prefix, GenerateOptions{})
	if err != nil {
		t.Fatalf("zero options without Rng: %v", err)
	}
	if diff := cmp.Diff(greedy, zero); diff != "" {
		t.Fatalf("zero options differ from deterministic decoding (-deterministic +zero):\n%s", diff)
	}
}

func TestGenerateRequiresRandForSampling(t *testing.T) {
	t.Parallel()
	g, params := newTestModel(t, testConfig())
	_, err := g.Generate(context.Background(), params, nil, GenerateOptions{Temperature: 1})
	if !errors.Is(err, logits.ErrNoRand) {
		t.Fatalf("got %v, want ErrNoRand", err)
	}
}

func TestGenerateHonoursCancellation(t *testing.T) {
	t.Parallel()
	g, params := newTestModel(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Generate(ctx, params, nil, GenerateOptions{Deterministic: true})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestGenerateScenarioPrefix(t *testing.T) {
	if testing.Short() {
		t.Skip("full-size model")
	}
	t.Parallel()
	cfg := DefaultConfig()
	g, params := newTestModel(t, cfg)
	out, err := g.Generate(context.Background(), params, [][]int{{123, 456}}, GenerateOptions{Temperature: 1, Deterministic: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) == 0 || len(out) > 49 {
		t.Fatalf("generated %d tokens, want 1..49", len(out))
	}
	if i := slices.Index(out, cfg.EndToken); i >= 0 && i != len(out)-1 {
		t.Fatalf("generation continued after end token at %d", i)
	}
}

func TestGenerateBatchMatchesSingleSequence(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	g, params := newTestModel(t, cfg)
	opts := GenerateOptions{Deterministic: true}
	prefix := [][]int{{3, 4}, {5, 6}}

	batch, err := g.GenerateBatch(context.Background(), params, prefix, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 || len(batch[0]) != cfg.MaxLength {
		t.Fatalf("buffer is %dx%d, want 2x%d", len(batch), len(batch[0]), cfg.MaxLength)
	}
	for b, row := range prefix {
		single, err := g.Generate(context.Background(), params, [][]int{row}, opts)
		if err != nil {
			t.Fatal(err)
		}
		// Rows keep decoding past their own end token until all rows end, so
		// compare only up to the single-sequence stop.
		if diff := cmp.Diff(single, batch[b][:len(single)]); diff != "" {
			t.Fatalf("row %d (-single +batch):\n%s", b, diff)
		}
	}
}

func TestGenerateBatchStopPolicies(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	g, params := newTestModel(t, cfg)
	params = forceToken(t, params, cfg.EndToken)
	prefix := [][]int{{1}, {2}}

	legacy, err := g.GenerateBatch(context.Background(), params, prefix, GenerateOptions{Deterministic: true})
	if err != nil {
		t.Fatal(err)
	}
	wantLegacy := make([]int, cfg.MaxLength)
	wantLegacy[0] = cfg.EndToken
	for b := range legacy {
		if diff := cmp.Diff(wantLegacy, legacy[b]); diff != "" {
			t.Fatalf("legacy row %d (-want +got):\n%s", b, diff)
		}
	}

	masked, err := g.GenerateBatch(context.Background(), params, prefix, GenerateOptions{Deterministic: true, BatchStop: BatchStopMasked})
	if err != nil {
		t.Fatal(err)
	}
	wantMasked := slices.Repeat([]int{cfg.EndToken}, cfg.MaxLength)
	for b := range masked {
		if diff := cmp.Diff(wantMasked, masked[b]); diff != "" {
			t.Fatalf("masked row %d (-want +got):\n%s", b, diff)
		}
	}
}

// transitionModel zeroes every block so the decoder output is the token
// embedding, then wires the embedding and output projection so the greedy
// successor of each key in next is next[key]. Tokens outside next embed to
// zero.
func transitionModel(t *testing.T, cfg Config, next map[int]int) (*GPT, *nn.Params) {
	t.Helper()
	cfg.ResidualWiring = WiringStandard
	if len(next) > cfg.HiddenDim {
		t.Fatalf("%d transitions need hidden_dim >= %d", len(next), len(next))
	}
	g, params := newTestModel(t, cfg)
	params.Each(func(_ string, p *tensor.Tensor) { p.Zero() })
	embed, ok := params.Get("decoder.embedding.embedding")
	if !ok {
		t.Fatal("missing decoder.embedding.embedding")
	}
	kernel, ok := params.Get("decoder.outputs.kernel")
	if !ok {
		t.Fatal("missing decoder.outputs.kernel")
	}
	keys := slices.Sorted(maps.Keys(next))
	for k, tok := range keys {
		embed.Data[tok*cfg.HiddenDim+k] = 1
		kernel.Data[k*cfg.VocabSize+next[tok]] = 10
	}
	return g, params
}

func TestGenerateBatchRowsFinishingOnDifferentSteps(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	end := cfg.EndToken
	// Row 0 ends on step 0, row 1 on step 1. After the end token the
	// sequence alternates 5, end, 5, ...
	g, params := transitionModel(t, cfg, map[int]int{1: end, 2: 3, 3: end, end: 5, 5: end})
	prefix := [][]int{{1}, {2}}

	legacy, err := g.GenerateBatch(context.Background(), params, prefix, GenerateOptions{Deterministic: true})
	if err != nil {
		t.Fatal(err)
	}
	// The rows never end on the same step, so legacy decoding fills every
	// step and keeps overwriting row 0 after its end token.
	wantLegacy := [][]int{
		{end, 5, end, 5, end, 5, end, 5, end, 0},
		{3, end, 5, end, 5, end, 5, end, 5, 0},
	}
	if diff := cmp.Diff(wantLegacy, legacy); diff != "" {
		t.Fatalf("legacy (-want +got):\n%s", diff)
	}

	masked, err := g.GenerateBatch(context.Background(), params, prefix, GenerateOptions{Deterministic: true, BatchStop: BatchStopMasked})
	if err != nil {
		t.Fatal(err)
	}
	wantMasked := [][]int{
		slices.Repeat([]int{end}, cfg.MaxLength),
		append([]int{3}, slices.Repeat([]int{end}, cfg.MaxLength-1)...),
	}
	if diff := cmp.Diff(wantMasked, masked); diff != "" {
		t.Fatalf("masked (-want +got):\n%s", diff)
	}
}

func TestGenerateBatchRunsToBufferWidth(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	g, params := newTestModel(t, cfg)
	params = forceToken(t, params, 7)
	out, err := g.GenerateBatch(context.Background(), params, [][]int{{1, 2, 3}}, GenerateOptions{Deterministic: true})
	if err != nil {
		t.Fatal(err)
	}
	want := make([]int, cfg.MaxLength)
	for i := range cfg.MaxLength - 3 {
		want[i] = 7
	}
	if diff := cmp.Diff(want, out[0]); diff != "" {
		t.Fatalf("output (-want +got):\n%s", diff)
	}
}
