package model

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/moegpt/internal/autograd"
	"github.com/samcharles93/moegpt/internal/nn"
	"github.com/samcharles93/moegpt/internal/tensor"
)

func testConfig() Config {
	return Config{
		NumLayers:      2,
		HiddenDim:      8,
		NumHeads:       2,
		FeedForwardDim: 12,
		Dropout:        0.1,
		VocabSize:      20,
		EmbedDim:       8,
		MaxLength:      10,
		StartToken:     0,
		EndToken:       19,
		NumExperts:     3,
	}
}

func newTestModel(t *testing.T, cfg Config) (*GPT, *nn.Params) {
	t.Helper()
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, g.Init(rand.New(rand.NewSource(1)))
}

func testTokens(rng *rand.Rand, batch, seq, vocab int) [][]int {
	ids := make([][]int, batch)
	for b := range ids {
		ids[b] = make([]int, seq)
		for s := range ids[b] {
			ids[b][s] = rng.Intn(vocab)
		}
	}
	return ids
}

func fillTestData(x []float32, scale float32) {
	for i := range x {
		x[i] = scale * float32((i%29)-14)
	}
}

func compareSlices(t *testing.T, got, want []float32, tol float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range got {
		g := got[i]
		w := want[i]
		if g < w-tol || g > w+tol {
			t.Fatalf("mismatch at %d: got %v want %v±%v", i, g, w, tol)
		}
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"heads do not divide hidden", func(c *Config) { c.NumHeads = 3 }},
		{"embed differs from hidden", func(c *Config) { c.EmbedDim = 4 }},
		{"end token outside vocab", func(c *Config) { c.EndToken = 20 }},
		{"zero layers", func(c *Config) { c.NumLayers = 0 }},
		{"dropout of one", func(c *Config) { c.Dropout = 1 }},
		{"top k above experts", func(c *Config) { c.Routing = RoutingTopK; c.TopK = 4 }},
		{"unknown wiring", func(c *Config) { c.ResidualWiring = "sideways" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("got %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfigEpsilon(t *testing.T) {
	t.Parallel()
	cfg := testConfig().WithDefaults()
	if got := cfg.Epsilon(); got != float32(0.1) {
		t.Fatalf("legacy epsilon: got %v, want dropout rate", got)
	}
	cfg.ResidualWiring = WiringStandard
	if got := cfg.Epsilon(); got != 1e-6 {
		t.Fatalf("standard epsilon: got %v, want 1e-6", got)
	}
	cfg.NormEpsilon = 1e-5
	if got := cfg.Epsilon(); got != float32(1e-5) {
		t.Fatalf("override epsilon: got %v", got)
	}
}

func TestCausalMaskHidesFuture(t *testing.T) {
	t.Parallel()
	const batch, heads, n = 2, 3, 5
	mask := CausalMask(batch, heads, n, n)
	if diff := cmp.Diff([]int{batch, heads, n, n}, mask.Shape); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	for b := range batch {
		for h := range heads {
			for i := range n {
				for j := range n {
					want := float32(0)
					if j <= i {
						want = 1
					}
					if got := mask.At(b, h, i, j); got != want {
						t.Fatalf("mask[%d,%d,%d,%d] = %v, want %v", b, h, i, j, got, want)
					}
				}
			}
		}
	}
}

func TestCausalMaskDifferentLengths(t *testing.T) {
	t.Parallel()
	// Two destination rows against four sources: the rows line up with the
	// last two source positions.
	mask := CausalMask(1, 1, 2, 4)
	want := []float32{
		1, 1, 1, 0,
		1, 1, 1, 1,
	}
	compareSlices(t, mask.Data, want, 0)
}

func TestAttentionWeightsAreRowStochastic(t *testing.T) {
	t.Parallel()
	attn, err := NewAttention(8, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.New(2, 4, 8)
	fillTestData(x.Data, 0.05)
	init := nn.NewInit(rand.New(rand.NewSource(3)))
	attn.Apply(init.Root(), autograd.Const(x), nil)

	for _, mask := range []*tensor.Tensor{nil, CausalMask(2, 2, 4, 4)} {
		b := nn.Bind(init.Params(), false)
		out, w := attn.Apply(b.Root(), autograd.Const(x), mask)
		if diff := cmp.Diff([]int{2, 4, 8}, out.Shape()); diff != "" {
			t.Fatalf("context shape (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]int{2, 2, 4, 4}, w.Shape()); diff != "" {
			t.Fatalf("weights shape (-want +got):\n%s", diff)
		}
		for r := range w.Value.Rows() {
			var sum float64
			for _, v := range w.Value.Row(r) {
				sum += float64(v)
			}
			if math.Abs(sum-1) > 1e-5 {
				t.Fatalf("row %d sums to %v", r, sum)
			}
		}
	}
}

func TestAttentionRejectsUnevenHeads(t *testing.T) {
	t.Parallel()
	if _, err := NewAttention(10, 3, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
}

func TestMaskingPolicies(t *testing.T) {
	t.Parallel()
	scores := autograd.Const(tensor.FromData([]float32{2, 3, 4, 5}, 1, 1, 2, 2))
	mask := CausalMask(1, 1, 2, 2)

	mul := MultiplicativeMask(scores, mask)
	compareSlices(t, mul.Value.Data, []float32{2, 0, 4, 5}, 0)
	// Multiplicative masking leaves probability on the future position.
	p := autograd.Softmax(mul).Value.Data
	if p[1] <= 0 {
		t.Fatalf("multiplicative mask gave future weight %v, want > 0", p[1])
	}

	add := autograd.Softmax(AdditiveMask(scores, mask)).Value.Data
	if add[1] != 0 || math.Abs(float64(add[0])-1) > 1e-6 {
		t.Fatalf("additive mask row 0 = %v, want [1 0]", add[:2])
	}
}

func TestAdditiveMaskingMakesWeightsCausal(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Masking = MaskAdditive
	g, params := newTestModel(t, cfg)
	out, err := g.ForwardDetailed(params, [][]int{{1, 2, 3, 4}}, ForwardOptions{})
	if err != nil {
		t.Fatal(err)
	}
	w := out.Attention
	for l := range cfg.NumLayers {
		for h := range cfg.NumHeads {
			for i := range 4 {
				for j := i + 1; j < 4; j++ {
					if v := w.At(l, 0, h, i, j); v > 1e-6 {
						t.Fatalf("layer %d head %d attends %d→%d with %v", l, h, i, j, v)
					}
				}
			}
		}
	}
}

func TestGatingDistributionSumsToOne(t *testing.T) {
	t.Parallel()
	g, params := newTestModel(t, testConfig())
	out, err := g.ForwardDetailed(params, testTokens(rand.New(rand.NewSource(2)), 3, 5, 20), ForwardOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for l, gates := range out.Gates {
		if diff := cmp.Diff([]int{3, 5, 3}, gates.Shape); diff != "" {
			t.Fatalf("layer %d gate shape (-want +got):\n%s", l, diff)
		}
		for r := range gates.Rows() {
			var sum float64
			for _, v := range gates.Row(r) {
				sum += float64(v)
			}
			if math.Abs(sum-1) > 1e-5 {
				t.Fatalf("layer %d row %d gates sum to %v", l, r, sum)
			}
		}
	}
}

func TestTopKRoutingWithAllExpertsMatchesDense(t *testing.T) {
	t.Parallel()
	dense := testConfig()
	g, params := newTestModel(t, dense)
	sparse := dense
	sparse.Routing = RoutingTopK
	sparse.TopK = dense.NumExperts
	gs, err := New(sparse)
	if err != nil {
		t.Fatal(err)
	}
	ids := testTokens(rand.New(rand.NewSource(4)), 2, 6, 20)
	want, err := g.Forward(params, ids, ForwardOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := gs.Forward(params, ids, ForwardOptions{})
	if err != nil {
		t.Fatal(err)
	}
	compareSlices(t, got.Data, want.Data, 1e-4)
}

func TestTopKRoutingDiffersFromDense(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	g, params := newTestModel(t, cfg)
	cfg.Routing = RoutingTopK
	cfg.TopK = 1
	gs, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ids := testTokens(rand.New(rand.NewSource(5)), 2, 6, 20)
	dense, _ := g.Forward(params, ids, ForwardOptions{})
	sparse, err := gs.Forward(params, ids, ForwardOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if tensor.AllClose(dense, sparse, 1e-6) {
		t.Fatal("top-1 routing produced the dense output")
	}
}

func TestSelectTopK(t *testing.T) {
	t.Parallel()
	idx := make([]int, 3)
	selectTopK([]float32{0.1, 0.4, 0.2, 0.4, 0.3}, 3, idx)
	if diff := cmp.Diff([]int{1, 3, 4}, idx); diff != "" {
		t.Fatalf("topk (-want +got):\n%s", diff)
	}
}

func TestForwardShapes(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	g, params := newTestModel(t, cfg)
	ids := testTokens(rand.New(rand.NewSource(6)), 3, 7, cfg.VocabSize)

	out, err := g.ForwardDetailed(params, ids, ForwardOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{3, 7, cfg.VocabSize}, out.Output.Shape()); diff != "" {
		t.Fatalf("logits shape (-want +got):\n%s", diff)
	}
	stack := []int{cfg.NumLayers, 3, cfg.NumHeads, 7, 7}
	if diff := cmp.Diff(stack, out.Attention.Shape); diff != "" {
		t.Fatalf("attention stack (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(stack, out.CrossAttention.Shape); diff != "" {
		t.Fatalf("second attention stack (-want +got):\n%s", diff)
	}

	hidden, err := g.Forward(params, ids, ForwardOptions{DropLastLayer: true})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{3, 7, cfg.HiddenDim}, hidden.Shape); diff != "" {
		t.Fatalf("hidden shape (-want +got):\n%s", diff)
	}
}

func TestForwardScenarioShape(t *testing.T) {
	if testing.Short() {
		t.Skip("full-size model")
	}
	t.Parallel()
	cfg := DefaultConfig()
	g, params := newTestModel(t, cfg)
	ids := testTokens(rand.New(rand.NewSource(7)), 8, 50, cfg.VocabSize)
	out, err := g.Forward(params, ids, ForwardOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{8, 50, 1000}, out.Shape); diff != "" {
		t.Fatalf("logits shape (-want +got):\n%s", diff)
	}
}

func TestForwardRejectsBadTokens(t *testing.T) {
	t.Parallel()
	g, params := newTestModel(t, testConfig())
	if _, err := g.Forward(params, [][]int{{1, 2}, {3}}, ForwardOptions{}); !errors.Is(err, ErrShape) {
		t.Fatalf("ragged batch: got %v, want ErrShape", err)
	}
	if _, err := g.Forward(params, [][]int{{1, 20}}, ForwardOptions{}); !errors.Is(err, ErrTokenRange) {
		t.Fatalf("token 20: got %v, want ErrTokenRange", err)
	}
	if _, err := g.Forward(params, nil, ForwardOptions{}); !errors.Is(err, ErrShape) {
		t.Fatalf("empty batch: got %v, want ErrShape", err)
	}
}

func TestForwardIsCausal(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Masking = MaskAdditive
	cfg.ResidualWiring = WiringStandard
	g, params := newTestModel(t, cfg)
	a, err := g.Forward(params, [][]int{{1, 2, 3, 4}}, ForwardOptions{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.Forward(params, [][]int{{1, 2, 3, 9}}, ForwardOptions{})
	if err != nil {
		t.Fatal(err)
	}
	// Changing the last token must not change earlier positions.
	n := 3 * cfg.VocabSize
	compareSlices(t, b.Data[:n], a.Data[:n], 1e-5)
}

func TestWiringPoliciesShareParameters(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	g, params := newTestModel(t, cfg)
	cfg.ResidualWiring = WiringStandard
	gs, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(params.Names(), gs.Init(rand.New(rand.NewSource(1))).Names()); diff != "" {
		t.Fatalf("parameter names differ (-legacy +standard):\n%s", diff)
	}
	ids := [][]int{{1, 2, 3}}
	legacy, _ := g.Forward(params, ids, ForwardOptions{})
	standard, err := gs.Forward(params, ids, ForwardOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if tensor.AllClose(legacy, standard, 1e-6) {
		t.Fatal("wiring policies produced identical logits")
	}
}

func TestBlockIgnoresSuppliedMask(t *testing.T) {
	t.Parallel()
	cfg := testConfig().WithDefaults()
	blk, err := NewBlock(cfg)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.New(1, 3, cfg.HiddenDim)
	fillTestData(x.Data, 0.03)
	init := nn.NewInit(rand.New(rand.NewSource(8)))
	want := blk.Apply(init.Root(), autograd.Const(x), nil, nil)

	noise := tensor.New(1, cfg.NumHeads, 3, 3)
	tensor.FillRand(noise, 1)
	got := blk.Apply(nn.Bind(init.Params(), false).Root(), autograd.Const(x), noise, nil)
	compareSlices(t, got.Hidden.Value.Data, want.Hidden.Value.Data, 0)
}

func TestDropoutOnlyWithRng(t *testing.T) {
	t.Parallel()
	g, params := newTestModel(t, testConfig())
	ids := [][]int{{1, 2, 3, 4}}
	a, _ := g.Forward(params, ids, ForwardOptions{})
	b, _ := g.Forward(params, ids, ForwardOptions{})
	compareSlices(t, a.Data, b.Data, 0)

	c, err := g.Forward(params, ids, ForwardOptions{Rng: rand.New(rand.NewSource(1))})
	if err != nil {
		t.Fatal(err)
	}
	if tensor.AllClose(a, c, 1e-7) {
		t.Fatal("dropout had no effect")
	}
}

func TestLossBackpropagatesToEveryParameter(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	g, params := newTestModel(t, cfg)
	rng := rand.New(rand.NewSource(9))
	inputs := testTokens(rng, 2, 5, cfg.VocabSize)
	targets := testTokens(rng, 2, 5, cfg.VocabSize)

	b := nn.Bind(params, true)
	loss, err := g.Loss(b, inputs, targets, ForwardOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if l := loss.Value.Data[0]; l <= 0 || math.IsNaN(float64(l)) {
		t.Fatalf("loss = %v", l)
	}
	if err := autograd.Backward(loss); err != nil {
		t.Fatal(err)
	}
	grads := b.Grads()
	grads.Each(func(name string, gt *tensor.Tensor) {
		for _, v := range gt.Data {
			if v != 0 {
				return
			}
		}
		t.Errorf("parameter %s received no gradient", name)
	})
}

func TestLossRejectsMismatchedTargets(t *testing.T) {
	t.Parallel()
	g, params := newTestModel(t, testConfig())
	_, err := g.Loss(nn.Bind(params, true), [][]int{{1, 2, 3}}, [][]int{{1, 2}}, ForwardOptions{})
	if !errors.Is(err, ErrShape) {
		t.Fatalf("got %v, want ErrShape", err)
	}
}
