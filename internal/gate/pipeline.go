package gate

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"gateline/internal/domain"
)

// Observer is notified as validators and gates finish. Implementations must
// be safe for concurrent use: validators of one gate report in parallel.
type Observer interface {
	ValidatorStarted(ctx context.Context, runID string, gate int, code string)
	ValidatorFinished(ctx context.Context, res domain.ValidatorResult)
	GateFinished(ctx context.Context, res domain.GateResult)
}

type NopObserver struct{}

func (NopObserver) ValidatorStarted(context.Context, string, int, string)     {}
func (NopObserver) ValidatorFinished(context.Context, domain.ValidatorResult) {}
func (NopObserver) GateFinished(context.Context, domain.GateResult)           {}

// Result is the outcome of RunGates.
type Result struct {
	// Status is FAILED when a hard block halted the run, WARNING when any
	// gate warned, else PASSED.
	Status     string
	Gates      []domain.GateResult
	Validators []domain.ValidatorResult
	// HaltedAt is the gate that halted the run, or -1.
	HaltedAt int
}

// Pipeline holds the registered validators.
type Pipeline struct {
	validators []Validator
	// MaxParallel bounds concurrent validators within a gate; 0 is unbounded.
	MaxParallel int
	Observer    Observer
	Tracer      trace.Tracer
}

func NewPipeline(vs ...Validator) *Pipeline {
	p := &Pipeline{}
	for _, v := range vs {
		p.Register(v)
	}
	return p
}

// Register adds a validator. Registering a code twice replaces the earlier one.
func (p *Pipeline) Register(v Validator) {
	for i, cur := range p.validators {
		if cur.Code() == v.Code() {
			p.validators[i] = v
			sortValidators(p.validators)
			return
		}
	}
	p.validators = append(p.validators, v)
	sortValidators(p.validators)
}

// Validators returns the registered validators in execution order.
func (p *Pipeline) Validators() []Validator {
	out := make([]Validator, len(p.validators))
	copy(out, p.validators)
	return out
}

// Gates returns the distinct gate numbers in ascending order.
func (p *Pipeline) Gates() []int {
	var gates []int
	for _, v := range p.validators {
		if len(gates) == 0 || gates[len(gates)-1] != v.Gate() {
			gates = append(gates, v.Gate())
		}
	}
	return gates
}

func (p *Pipeline) observer() Observer {
	if p.Observer != nil {
		return p.Observer
	}
	return NopObserver{}
}

func (p *Pipeline) tracer() trace.Tracer {
	if p.Tracer != nil {
		return p.Tracer
	}
	return otel.Tracer("gateline/internal/gate")
}

// RunGates executes every gate of run in order against vc. It only returns
// an error when ctx is canceled between gates; validator failures are verdicts.
func (p *Pipeline) RunGates(ctx context.Context, run domain.Run, vc *Context) (Result, error) {
	ctx, span := p.tracer().Start(ctx, "gate.run", trace.WithAttributes(attribute.String("run.id", run.ID)))
	defer span.End()

	res := Result{Status: domain.StatusPassed, HaltedAt: -1}
	for _, gate := range p.Gates() {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
		gr, vrs := p.runGate(ctx, run, gate, vc)
		res.Gates = append(res.Gates, gr)
		res.Validators = append(res.Validators, vrs...)
		p.observer().GateFinished(ctx, gr)
		switch gr.Status {
		case domain.StatusFailed:
			res.Status = domain.StatusFailed
			res.HaltedAt = gate
			span.SetAttributes(attribute.Int("gate.halted_at", gate))
			return res, nil
		case domain.StatusWarning:
			res.Status = domain.StatusWarning
		}
	}
	return res, nil
}

func (p *Pipeline) runGate(ctx context.Context, run domain.Run, gate int, vc *Context) (domain.GateResult, []domain.ValidatorResult) {
	ctx, span := p.tracer().Start(ctx, "gate.gate", trace.WithAttributes(attribute.Int("gate.number", gate)))
	defer span.End()

	var members []Validator
	for _, v := range p.validators {
		if v.Gate() == gate {
			members = append(members, v)
		}
	}
	results := make([]domain.ValidatorResult, len(members))
	var g errgroup.Group
	if p.MaxParallel > 0 {
		g.SetLimit(p.MaxParallel)
	}
	for i, v := range members {
		g.Go(func() error {
			results[i] = p.runValidator(ctx, run, v, vc)
			return nil
		})
	}
	_ = g.Wait()

	gr := aggregate(run.ID, gate, results)
	span.SetAttributes(attribute.String("gate.status", gr.Status))
	return gr, results
}

func (p *Pipeline) runValidator(ctx context.Context, run domain.Run, v Validator, vc *Context) domain.ValidatorResult {
	ctx, span := p.tracer().Start(ctx, "gate.validator", trace.WithAttributes(
		attribute.String("validator.code", v.Code()),
		attribute.Bool("validator.hard_block", v.HardBlock()),
	))
	defer span.End()

	p.observer().ValidatorStarted(ctx, run.ID, v.Gate(), v.Code())
	out := execute(ctx, v, vc)
	trail := out.Trail()
	res := domain.ValidatorResult{
		RunID:         run.ID,
		GateNumber:    v.Gate(),
		ValidatorCode: v.Code(),
		Status:        out.Status(),
		IsHardBlock:   v.HardBlock(),
		Message:       out.Summary(),
		Evidence:      evidence(out),
		Context:       &trail,
	}
	if res.Status == domain.StatusFailed && run.IsBypassed(v.Code()) {
		res.Status = domain.StatusPassed
		res.Bypassed = true
		res.Message = "bypassed: " + res.Message
	}
	span.SetAttributes(attribute.String("validator.status", res.Status))
	if res.Status == domain.StatusFailed {
		span.SetStatus(codes.Error, res.Message)
	}
	p.observer().ValidatorFinished(ctx, res)
	return res
}

// execute runs v and converts a panic or a nil output into a failure.
func execute(ctx context.Context, v Validator, vc *Context) (out Output) {
	defer func() {
		if r := recover(); r != nil {
			out = Failed{
				Message:  fmt.Sprintf("validator %s panicked", v.Code()),
				Evidence: fmt.Sprintf("%v\n%s", r, debug.Stack()),
				Diagnostics: domain.ValidationContext{
					Findings:  []domain.Finding{{Type: domain.FindingFail, Message: fmt.Sprint(r)}},
					Reasoning: "validator raised an unexpected error",
				},
			}
		}
	}()
	out = v.Execute(ctx, vc)
	if out == nil {
		out = Failed{Message: fmt.Sprintf("validator %s returned no output", v.Code())}
	}
	return out
}

func aggregate(runID string, gate int, results []domain.ValidatorResult) domain.GateResult {
	gr := domain.GateResult{RunID: runID, GateNumber: gate, Status: domain.StatusPassed}
	hardFailed, soft := false, false
	for _, r := range results {
		switch r.Status {
		case domain.StatusPassed:
			gr.PassedCount++
		case domain.StatusSkipped:
			gr.SkippedCount++
		case domain.StatusWarning:
			gr.WarningCount++
			soft = true
		case domain.StatusFailed:
			gr.FailedCount++
			if r.IsHardBlock {
				hardFailed = true
			} else {
				soft = true
			}
		}
	}
	switch {
	case hardFailed:
		gr.Status = domain.StatusFailed
	case soft:
		gr.Status = domain.StatusWarning
	}
	return gr
}
