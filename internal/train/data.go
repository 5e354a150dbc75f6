package train

import (
	"fmt"
	"iter"
	"slices"
)

// Batch is one step's worth of rectangular (batch, seq) token ids.
type Batch struct {
	Inputs  [][]int
	Targets [][]int
}

// Size returns the number of rows.
func (b Batch) Size() int { return len(b.Inputs) }

// Loader yields batches in a fixed order. Batches may be called once per
// epoch.
type Loader interface {
	Batches() iter.Seq[Batch]
}

// SliceLoader replays a fixed list of batches.
type SliceLoader []Batch

func (l SliceLoader) Batches() iter.Seq[Batch] {
	return slices.Values(l)
}

// ShiftedBatches groups sequences into batches whose targets are the inputs
// shifted left by one token. Every sequence must have the same length, at
// least two tokens. A trailing partial batch is dropped.
func ShiftedBatches(seqs [][]int, batchSize int) (SliceLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size %d", ErrInvalidOptions, batchSize)
	}
	if len(seqs) < batchSize {
		return nil, fmt.Errorf("%w: %d sequences for batch size %d", ErrEmptyLoader, len(seqs), batchSize)
	}
	width := len(seqs[0])
	if width < 2 {
		return nil, fmt.Errorf("%w: sequences need at least 2 tokens, got %d", ErrBatchShape, width)
	}
	var out SliceLoader
	for start := 0; start+batchSize <= len(seqs); start += batchSize {
		b := Batch{
			Inputs:  make([][]int, batchSize),
			Targets: make([][]int, batchSize),
		}
		for i, seq := range seqs[start : start+batchSize] {
			if len(seq) != width {
				return nil, fmt.Errorf("%w: sequence %d has %d tokens, want %d", ErrBatchShape, start+i, len(seq), width)
			}
			b.Inputs[i] = slices.Clone(seq[:width-1])
			b.Targets[i] = slices.Clone(seq[1:])
		}
		out = append(out, b)
	}
	return out, nil
}

// SyntheticBatches returns n copies of a counting batch: row r holds the
// tokens r*maxLength .. (r+1)*maxLength-1 modulo vocab, split into inputs
// and shifted targets.
func SyntheticBatches(n, batchSize, maxLength, vocab int) SliceLoader {
	seqs := make([][]int, batchSize)
	for r := range seqs {
		seqs[r] = make([]int, maxLength)
		for c := range seqs[r] {
			seqs[r][c] = (r*maxLength + c) % vocab
		}
	}
	one, err := ShiftedBatches(seqs, batchSize)
	if err != nil {
		return nil
	}
	out := make(SliceLoader, n)
	for i := range out {
		out[i] = one[0]
	}
	return out
}
