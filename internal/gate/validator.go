// Package gate runs validators in ordered gates and aggregates their verdicts.
//
// Gates run strictly in ascending number. Validators of one gate run
// concurrently against a shared read-only Context and are reported in
// (Order, Code) order. A failing hard-block validator that is not bypassed
// for the run halts the pipeline after its gate.
package gate

import (
	"context"
	"sort"
)

// Validator is a side-effect-free check over a Context.
type Validator interface {
	Code() string
	Gate() int
	Order() int
	HardBlock() bool
	// Execute must not mutate the Context. Panics are recovered by the
	// pipeline and reported as a failure.
	Execute(ctx context.Context, vc *Context) Output
}

// Spec is a validator definition built from plain values and a function.
type Spec struct {
	ValidatorCode string
	GateNumber    int
	Position      int
	Hard          bool
	Fn            func(ctx context.Context, vc *Context) Output
}

func (s Spec) Code() string    { return s.ValidatorCode }
func (s Spec) Gate() int       { return s.GateNumber }
func (s Spec) Order() int      { return s.Position }
func (s Spec) HardBlock() bool { return s.Hard }

func (s Spec) Execute(ctx context.Context, vc *Context) Output {
	return s.Fn(ctx, vc)
}

// withHardBlock overrides the hard-block flag of a validator.
type withHardBlock struct {
	Validator
	hard bool
}

func (w withHardBlock) HardBlock() bool { return w.hard }

// WithHardBlock returns v with its hard-block flag replaced.
func WithHardBlock(v Validator, hard bool) Validator {
	if v.HardBlock() == hard {
		return v
	}
	return withHardBlock{Validator: v, hard: hard}
}

func sortValidators(vs []Validator) {
	sort.SliceStable(vs, func(i, j int) bool {
		a, b := vs[i], vs[j]
		if a.Gate() != b.Gate() {
			return a.Gate() < b.Gate()
		}
		if a.Order() != b.Order() {
			return a.Order() < b.Order()
		}
		return a.Code() < b.Code()
	})
}
