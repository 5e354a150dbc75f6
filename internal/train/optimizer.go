package train

import (
	"fmt"
	"math"
	"strings"

	"github.com/samcharles93/moegpt/internal/nn"
	"github.com/samcharles93/moegpt/internal/tensor"
)

// Adam defaults.
const (
	AdamBeta1   = 0.9
	AdamBeta2   = 0.999
	AdamEpsilon = 1e-8
)

// OptState is the optimizer's internal state. Slots shadow the structure of
// the parameter tree.
type OptState struct {
	Count int
	Slots []*nn.Params
}

func (s OptState) clone() OptState {
	out := OptState{Count: s.Count, Slots: make([]*nn.Params, len(s.Slots))}
	for i, slot := range s.Slots {
		out.Slots[i] = slot.Clone()
	}
	return out
}

func (s OptState) equal(o OptState) bool {
	if s.Count != o.Count || len(s.Slots) != len(o.Slots) {
		return false
	}
	for i := range s.Slots {
		if !nn.Equal(s.Slots[i], o.Slots[i]) {
			return false
		}
	}
	return true
}

// Optimizer turns gradients into parameter updates. Update never mutates its
// arguments; it returns a new parameter tree and a new state.
type Optimizer interface {
	Name() string
	Init(params *nn.Params) OptState
	Update(params, grads *nn.Params, state OptState) (*nn.Params, OptState, error)
}

// NewOptimizer returns the optimizer registered under name.
func NewOptimizer(name string, learningRate float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "", "adam":
		return NewAdam(learningRate), nil
	case "sgd":
		return SGD{LearningRate: learningRate}, nil
	}
	return nil, fmt.Errorf("%w: unknown optimizer %q", ErrInvalidOptions, name)
}

// Adam is the Adam optimizer with bias-corrected moment estimates.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// NewAdam returns Adam with the standard decay rates.
func NewAdam(learningRate float64) Adam {
	return Adam{
		LearningRate: learningRate,
		Beta1:        AdamBeta1,
		Beta2:        AdamBeta2,
		Epsilon:      AdamEpsilon,
	}
}

func (Adam) Name() string { return "adam" }

func (Adam) Init(params *nn.Params) OptState {
	return OptState{Slots: []*nn.Params{params.ZerosLike(), params.ZerosLike()}}
}

func (a Adam) Update(params, grads *nn.Params, state OptState) (*nn.Params, OptState, error) {
	if err := nn.SameStructure(params, grads); err != nil {
		return nil, OptState{}, fmt.Errorf("gradients: %w", err)
	}
	if len(state.Slots) != 2 {
		return nil, OptState{}, fmt.Errorf("%w: adam state has %d slots", ErrInvalidOptions, len(state.Slots))
	}
	count := state.Count + 1
	bc1 := 1 - math.Pow(a.Beta1, float64(count))
	bc2 := 1 - math.Pow(a.Beta2, float64(count))

	outParams := nn.NewParams()
	mu, nu := nn.NewParams(), nn.NewParams()
	var err error
	params.Each(func(name string, p *tensor.Tensor) {
		if err != nil {
			return
		}
		g, _ := grads.Get(name)
		m0, ok1 := state.Slots[0].Get(name)
		v0, ok2 := state.Slots[1].Get(name)
		if !ok1 || !ok2 {
			err = fmt.Errorf("%w: adam state lacks %s", ErrInvalidOptions, name)
			return
		}
		np, m, v := tensor.New(p.Shape...), tensor.New(p.Shape...), tensor.New(p.Shape...)
		for i, gi := range g.Data {
			mi := a.Beta1*float64(m0.Data[i]) + (1-a.Beta1)*float64(gi)
			vi := a.Beta2*float64(v0.Data[i]) + (1-a.Beta2)*float64(gi)*float64(gi)
			m.Data[i], v.Data[i] = float32(mi), float32(vi)
			step := a.LearningRate * (mi / bc1) / (math.Sqrt(vi/bc2) + a.Epsilon)
			np.Data[i] = float32(float64(p.Data[i]) - step)
		}
		outParams.Set(name, np)
		mu.Set(name, m)
		nu.Set(name, v)
	})
	if err != nil {
		return nil, OptState{}, err
	}
	return outParams, OptState{Count: count, Slots: []*nn.Params{mu, nu}}, nil
}

// SGD is plain gradient descent.
type SGD struct {
	LearningRate float64
}

func (SGD) Name() string { return "sgd" }

func (SGD) Init(*nn.Params) OptState { return OptState{} }

func (s SGD) Update(params, grads *nn.Params, state OptState) (*nn.Params, OptState, error) {
	out := params.Clone()
	if err := out.AddScaled(float32(-s.LearningRate), grads); err != nil {
		return nil, OptState{}, fmt.Errorf("gradients: %w", err)
	}
	return out, OptState{Count: state.Count + 1}, nil
}
