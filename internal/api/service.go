package api

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"time"

	"github.com/samcharles93/moegpt/internal/logits"
	"github.com/samcharles93/moegpt/internal/model"
	"github.com/samcharles93/moegpt/internal/nn"
)

// Model is the decoder the service drives. *model.GPT implements it.
type Model interface {
	Config() model.Config
	Generate(ctx context.Context, params *nn.Params, prefix [][]int, opts model.GenerateOptions) ([]int, error)
	GenerateBatch(ctx context.Context, params *nn.Params, prefix [][]int, opts model.GenerateOptions) ([][]int, error)
}

// GenerationService runs generations over a fixed parameter tree. The tree
// is only read, so concurrent requests share it.
type GenerationService struct {
	name   string
	model  Model
	params *nn.Params
	clock  func() time.Time
}

func NewGenerationService(name string, m Model, params *nn.Params) *GenerationService {
	return &GenerationService{
		name:   name,
		model:  m,
		params: params,
		clock:  time.Now,
	}
}

func (s *GenerationService) Info() ModelInfo {
	return ModelInfo{
		ID:         s.name,
		Object:     "model",
		Parameters: s.params.Count(),
		Config:     s.model.Config(),
	}
}

func (s *GenerationService) Create(ctx context.Context, req *GenerationRequest) (*Generation, error) {
	if req.Model != "" && req.Model != s.name {
		return nil, invalidParam("model", "unknown model %q", req.Model)
	}
	opts, seed, err := s.options(req)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	gen := &Generation{
		ID:      newGenerationID(),
		Object:  "generation",
		Created: now.Unix(),
		Model:   s.name,
		Prefix:  req.Prefix,
		Seed:    seed,
	}
	if gen.Prefix == nil {
		gen.Prefix = [][]int{}
	}

	if req.Batch {
		prefix := req.Prefix
		if len(prefix) == 0 {
			prefix = [][]int{{s.model.Config().StartToken}}
		}
		seqs, err := s.model.GenerateBatch(ctx, s.params, prefix, opts)
		if err != nil {
			return nil, classify(err)
		}
		gen.Sequences = seqs
		return gen, nil
	}

	tokens, err := s.model.Generate(ctx, s.params, req.Prefix, opts)
	if err != nil {
		return nil, classify(err)
	}
	gen.Tokens = tokens
	gen.Finished = len(tokens) > 0 && tokens[len(tokens)-1] == s.model.Config().EndToken
	return gen, nil
}

func (s *GenerationService) options(req *GenerationRequest) (model.GenerateOptions, int64, error) {
	opts := model.GenerateOptions{
		Temperature:   1,
		Deterministic: req.Deterministic,
		TopK:          req.TopK,
		TopP:          req.TopP,
	}
	if req.Temperature != nil {
		opts.Temperature = *req.Temperature
	}
	if req.TopK < 0 {
		return opts, 0, invalidParam("top_k", "top_k must be non-negative")
	}
	if req.TopP < 0 || req.TopP > 1 {
		return opts, 0, invalidParam("top_p", "top_p must be in [0, 1]")
	}
	switch model.BatchStop(req.BatchStop) {
	case "", model.BatchStopLegacy:
		opts.BatchStop = model.BatchStopLegacy
	case model.BatchStopMasked:
		opts.BatchStop = model.BatchStopMasked
	default:
		return opts, 0, invalidParam("batch_stop", "unknown batch_stop %q", req.BatchStop)
	}
	for i, row := range req.Prefix {
		if len(row) == 0 {
			return opts, 0, invalidParam("prefix", "prefix row %d is empty", i)
		}
	}

	seed := s.clock().UnixNano()
	if req.Seed != nil {
		seed = *req.Seed
	}
	opts.Rng = rand.New(rand.NewSource(seed))
	return opts, seed, nil
}

// classify maps caller mistakes to invalid-request errors.
func classify(err error) error {
	switch {
	case errors.Is(err, model.ErrBatchSize),
		errors.Is(err, model.ErrShape),
		errors.Is(err, model.ErrTokenRange):
		return &RequestError{Param: "prefix", Msg: err.Error()}
	case errors.Is(err, logits.ErrNoRand):
		return &RequestError{Msg: err.Error()}
	}
	return err
}

// cloneGeneration copies the slices of g so stored values cannot be
// modified through a response.
func cloneGeneration(g Generation) Generation {
	g.Tokens = slices.Clone(g.Tokens)
	g.Prefix = cloneRows(g.Prefix)
	g.Sequences = cloneRows(g.Sequences)
	return g
}

func cloneRows(rows [][]int) [][]int {
	if rows == nil {
		return nil
	}
	out := make([][]int, len(rows))
	for i, r := range rows {
		out[i] = slices.Clone(r)
	}
	return out
}
