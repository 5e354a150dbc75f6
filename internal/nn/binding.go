// Package nn binds parameter trees to layer code.
//
// The same layer code runs in two modes. An init binding creates every
// parameter it is asked for from an explicit random source; an apply binding
// looks parameters up in an existing tree. Layers address parameters through
// a Scope, which prefixes names with the path of the enclosing modules.
package nn

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strconv"

	"github.com/samcharles93/moegpt/internal/autograd"
	"github.com/samcharles93/moegpt/internal/tensor"
)

var (
	// ErrMissingParam is reported when an apply binding lacks a parameter.
	ErrMissingParam = errors.New("missing parameter")
	// ErrParamShape is reported when a bound parameter has the wrong shape.
	ErrParamShape = errors.New("parameter shape mismatch")
)

// Binding connects layer code to a parameter tree.
type Binding struct {
	params    *Params
	vars      map[string]*autograd.Var
	rng       *rand.Rand
	init      bool
	trainable bool
	err       error
}

// NewInit returns a binding that creates parameters from rng.
func NewInit(rng *rand.Rand) *Binding {
	return &Binding{
		params: NewParams(),
		vars:   make(map[string]*autograd.Var),
		rng:    rng,
		init:   true,
	}
}

// Bind returns a binding over an existing tree. When trainable is set the
// parameters become graph leaves and collect gradients.
func Bind(params *Params, trainable bool) *Binding {
	return &Binding{
		params:    params,
		vars:      make(map[string]*autograd.Var),
		trainable: trainable,
	}
}

// Root returns the top-level scope.
func (b *Binding) Root() Scope { return Scope{b: b} }

// Params returns the bound tree.
func (b *Binding) Params() *Params { return b.params }

// Err returns the first binding error, if any.
func (b *Binding) Err() error { return b.err }

// Grads returns the accumulated gradients in parameter order. Parameters
// that were never reached get zero gradients.
func (b *Binding) Grads() *Params {
	out := NewParams()
	b.params.Each(func(name string, t *tensor.Tensor) {
		if v, ok := b.vars[name]; ok && v.Grad != nil {
			out.Set(name, v.Grad)
			return
		}
		out.Set(name, tensor.New(t.Shape...))
	})
	return out
}

func (b *Binding) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Scope is a position in the module hierarchy.
type Scope struct {
	b      *Binding
	prefix string
}

// Sub returns the child scope called name.
func (s Scope) Sub(name string) Scope {
	if s.prefix == "" {
		return Scope{b: s.b, prefix: name}
	}
	return Scope{b: s.b, prefix: s.prefix + "." + name}
}

// Index returns the child scope name_i, used for repeated submodules.
func (s Scope) Index(name string, i int) Scope {
	return s.Sub(name + "_" + strconv.Itoa(i))
}

// Path returns the dotted path of the scope.
func (s Scope) Path() string { return s.prefix }

// Param returns the parameter name in this scope, creating it with init when
// the binding is in init mode. A missing or mis-shaped parameter is recorded
// on the binding and a zero placeholder is returned so the caller can finish
// the pass before checking Err.
func (s Scope) Param(name string, init tensor.Initializer, shape ...int) *autograd.Var {
	full := s.Sub(name).prefix
	b := s.b
	if v, ok := b.vars[full]; ok {
		return v
	}
	var v *autograd.Var
	switch t, ok := b.params.Get(full); {
	case b.init:
		if ok {
			panic(fmt.Sprintf("nn: parameter %q created twice", full))
		}
		t = tensor.New(shape...)
		init(b.rng, t)
		b.params.Set(full, t)
		v = autograd.Const(t)
	case !ok:
		b.fail(fmt.Errorf("%w: %s", ErrMissingParam, full))
		return autograd.Const(tensor.New(shape...))
	case !slices.Equal(t.Shape, shape):
		b.fail(fmt.Errorf("%w: %s is %v, want %v", ErrParamShape, full, t.Shape, shape))
		return autograd.Const(tensor.New(shape...))
	case b.trainable:
		v = autograd.Param(t)
	default:
		v = autograd.Const(t)
	}
	b.vars[full] = v
	return v
}
