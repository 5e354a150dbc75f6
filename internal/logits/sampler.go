package logits

import (
	"errors"
	"math"
	"math/rand"
)

// ErrNoRand is returned when stochastic sampling is requested without a
// random source.
var ErrNoRand = errors.New("logits: stochastic sampling requires a random source")

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	// Temperature divides the logits before the softmax. Values <= 0 select
	// greedy decoding.
	Temperature float32
	// Greedy always picks the most probable token.
	Greedy bool
	// TopK restricts sampling to the k most probable tokens. Zero keeps the
	// full vocabulary.
	TopK int
	// TopP truncates the shortlist once its cumulative probability reaches
	// TopP. Values outside (0, 1) disable it.
	TopP float32
}

// Sampler picks the next token from a logits vector.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
	topIdx []int
	topVal []float32
	prob   []float64
}

// NewSampler returns a sampler drawing from rng. rng may be nil only for
// greedy configurations.
func NewSampler(cfg SamplerConfig, rng *rand.Rand) (*Sampler, error) {
	greedy := cfg.Greedy || cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK < 0 {
		cfg.TopK = 0
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if !greedy && rng == nil {
		return nil, ErrNoRand
	}
	return &Sampler{
		rng:    rng,
		cfg:    cfg,
		greedy: greedy,
	}, nil
}

// Greedy reports whether the sampler always returns the argmax.
func (s *Sampler) Greedy() bool { return s.greedy }

// Sample draws a single index from the provided logits vector:
//
//  1. The logits are scaled by the inverse temperature.
//  2. A softmax turns them into a probability distribution, over the whole
//     vocabulary or over the TopK shortlist.
//  3. Greedy samplers return the most probable index.
//  4. Otherwise the shortlist is truncated at TopP and an index is drawn
//     from the categorical distribution.
func (s *Sampler) Sample(logits []float32) int {
	if s.greedy {
		return argmax(logits)
	}

	invTemp := float32(1.0) / s.cfg.Temperature
	k := len(logits)
	if s.cfg.TopK > 0 {
		k = min(s.cfg.TopK, len(logits))
	}
	topIdx, topVal := s.topK(logits, k, invTemp)

	prob := s.softmax(topVal)
	if prob == nil {
		return topIdx[0]
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	if cut < len(prob) {
		var kept float64
		for _, p := range prob[:cut] {
			kept += p
		}
		r *= kept
	}
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r < c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

// Probabilities returns the temperature-scaled softmax over all logits.
func (s *Sampler) Probabilities(logits []float32) []float64 {
	scaled := make([]float32, len(logits))
	invTemp := float32(1.0) / s.cfg.Temperature
	for i, l := range logits {
		scaled[i] = l * invTemp
	}
	return append([]float64(nil), s.softmax(scaled)...)
}

func (s *Sampler) softmax(vals []float32) []float64 {
	if len(vals) == 0 {
		return nil
	}
	maxv := vals[0]
	for _, v := range vals[1:] {
		maxv = max(maxv, v)
	}
	if cap(s.prob) < len(vals) {
		s.prob = make([]float64, len(vals))
	}
	prob := s.prob[:len(vals)]
	var sum float64
	for i, v := range vals {
		e := math.Exp(float64(v - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return nil
	}
	invSum := 1.0 / sum
	for i := range prob {
		prob[i] *= invSum
	}
	return prob
}

// argmax returns the index of the maximum value in the slice. If the slice is empty it panics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest elements in logits,
// scaled by invTemp. When k covers the whole vector the original order is
// kept; otherwise the result is ordered from largest to smallest.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	if k >= len(logits) {
		for i, l := range logits {
			topIdx = append(topIdx, i)
			topVal = append(topVal, l*invTemp)
		}
		s.topIdx, s.topVal = topIdx, topVal
		return topIdx, topVal
	}

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)

		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	if len(topIdx) == 0 {
		return []int{0}, []float32{0}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
