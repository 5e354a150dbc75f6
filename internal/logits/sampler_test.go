package logits

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical results when sampling the same logits vector.
func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()
	logs := []float32{0, 1, 2, 3, 4, 5}
	s1, err := NewSampler(SamplerConfig{Temperature: 0.9, TopK: 4, TopP: 0.95}, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatal(err)
	}
	s2, err := NewSampler(SamplerConfig{Temperature: 0.9, TopK: 4, TopP: 0.95}, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatal(err)
	}
	for range 20 {
		if a, b := s1.Sample(logs), s2.Sample(logs); a != b {
			t.Fatalf("expected deterministic sample, got %d vs %d", a, b)
		}
	}
}

// TestSamplerGreedy tests that greedy sampling returns the index of the
// maximum logit and needs no random source.
func TestSamplerGreedy(t *testing.T) {
	t.Parallel()
	logs := []float32{-1, 5, 3, 7, 2}
	for _, cfg := range []SamplerConfig{{Greedy: true, Temperature: 1}, {Temperature: 0}} {
		s, err := NewSampler(cfg, nil)
		if err != nil {
			t.Fatal(err)
		}
		if idx := s.Sample(logs); idx != 3 {
			t.Fatalf("expected greedy index 3, got %d", idx)
		}
	}
}

func TestSamplerRequiresRandForSampling(t *testing.T) {
	t.Parallel()
	if _, err := NewSampler(SamplerConfig{Temperature: 1}, nil); !errors.Is(err, ErrNoRand) {
		t.Fatalf("got %v, want ErrNoRand", err)
	}
}

// TestSamplerTopP ensures that setting TopP less than 1 restricts sampling to a
// prefix of candidates.
func TestSamplerTopP(t *testing.T) {
	t.Parallel()
	logs := []float32{10, 0, 0, 0, 0}
	s, err := NewSampler(SamplerConfig{Temperature: 1.0, TopK: 5, TopP: 0.5}, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if idx := s.Sample(logs); idx != 0 {
			t.Fatalf("top-p sampling returned unexpected index %d", idx)
		}
	}
}

// TestSamplerFollowsDistribution draws many samples from the full
// vocabulary and compares frequencies with the softmax probabilities.
func TestSamplerFollowsDistribution(t *testing.T) {
	t.Parallel()
	logs := []float32{0, float32(math.Log(2)), float32(math.Log(3)), float32(math.Log(4))}
	s, err := NewSampler(SamplerConfig{Temperature: 1}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	const n = 20000
	counts := make([]int, len(logs))
	for range n {
		counts[s.Sample(logs)]++
	}
	for i, c := range counts {
		want := float64(i+1) / 10
		if got := float64(c) / n; math.Abs(got-want) > 0.02 {
			t.Fatalf("index %d frequency %.3f, want %.3f", i, got, want)
		}
	}
}

func TestProbabilitiesApplyTemperature(t *testing.T) {
	t.Parallel()
	s, err := NewSampler(SamplerConfig{Temperature: 2}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	p := s.Probabilities([]float32{0, 2})
	want := 1 / (1 + math.E)
	if math.Abs(p[0]-want) > 1e-6 || math.Abs(p[0]+p[1]-1) > 1e-9 {
		t.Fatalf("got %v, want [%v %v]", p, want, 1-want)
	}
}
