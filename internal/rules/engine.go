// Package rules implements the dynamic rule engine (spec.md §4.D):
// the closed predicate operator set evaluates natively in Go, and the
// additional opt-in "guard" predicate kind compiles a free-form CEL
// boolean expression over {value, change_rate, delta}, grounded on the
// teacher's pkg/kernel/celdp evaluator.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

// Repository is the persistence seam this engine needs. Satisfied by
// *store.RuleRepo.
type Repository interface {
	Applicable(ctx context.Context, sensorKindCode, municipalityID string) ([]domain.DynamicRule, error)
}

// Engine implements spec.md §4.D: evaluate(sensor, reading) returns
// every matched rule in priority order. It holds no repository
// reference itself — the CEL environment is the only state worth
// keeping alive across calls, so Evaluate takes the repository bound
// to the caller's transaction as a parameter instead.
type Engine struct {
	mu       sync.Mutex
	env      *cel.Env
	programs map[string]cel.Program
}

func New() (*Engine, error) {
	env, err := guardEnv()
	if err != nil {
		return nil, err
	}
	return &Engine{env: env, programs: make(map[string]cel.Program)}, nil
}

// guardEnvOnce builds the single CEL environment "guard" predicates
// compile against, shared between runtime evaluation (Engine) and
// write-time validation (rules.ValidatePredicateShape), which has no
// Engine instance of its own to reuse.
var (
	guardEnvOnce sync.Once
	sharedEnv    *cel.Env
	sharedEnvErr error
)

func guardEnv() (*cel.Env, error) {
	guardEnvOnce.Do(func() {
		sharedEnv, sharedEnvErr = cel.NewEnv(
			cel.Variable("value", cel.DoubleType),
			cel.Variable("change_rate", cel.DoubleType),
			cel.Variable("delta", cel.DoubleType),
		)
		if sharedEnvErr != nil {
			sharedEnvErr = fmt.Errorf("build cel env: %w", sharedEnvErr)
		}
	})
	return sharedEnv, sharedEnvErr
}

// Evaluate returns every rule applicable to sensor whose predicate
// tree is satisfied by reading, ordered by priority (spec.md §4.D —
// Repository.Applicable already filters + orders; this only evaluates
// predicates). repo is scoped to the caller's transaction.
func (e *Engine) Evaluate(ctx context.Context, repo Repository, sensor *domain.Sensor, reading *domain.SensorReading) ([]domain.DynamicRule, error) {
	candidates, err := repo.Applicable(ctx, sensor.Kind.Code, sensor.MunicipalityID)
	if err != nil {
		return nil, fmt.Errorf("load applicable rules: %w", err)
	}

	var matched []domain.DynamicRule
	for _, rule := range candidates {
		ok, err := e.matches(rule, reading)
		if err != nil {
			return nil, fmt.Errorf("evaluate rule %s: %w", rule.ID, err)
		}
		if ok {
			matched = append(matched, rule)
		}
	}
	return matched, nil
}

// matches evaluates rule's predicate list against reading, combining
// with "all" (every predicate true) or "any" (at least one true). An
// empty predicate list always returns false (spec.md §4.D).
func (e *Engine) matches(rule domain.DynamicRule, reading *domain.SensorReading) (bool, error) {
	if len(rule.Predicates) == 0 {
		return false, nil
	}

	if rule.Combinator == domain.CombinatorAny {
		for _, p := range rule.Predicates {
			ok, err := e.evalPredicate(p, reading)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	// Default combinator is "all".
	for _, p := range rule.Predicates {
		ok, err := e.evalPredicate(p, reading)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// evalPredicate extracts the relevant field value and applies the
// operator. change_rate and delta predicates read from raw payload
// (spec.md §4.D); unrecognized operators return false, never error.
// A "guard" predicate instead evaluates its free-form CEL expression.
func (e *Engine) evalPredicate(p domain.Predicate, reading *domain.SensorReading) (bool, error) {
	if p.Kind == domain.PredicateGuard {
		return e.evalGuard(p.Expr, reading)
	}

	var lhs float64
	switch p.Kind {
	case domain.PredicateChangeRate:
		lhs, _ = reading.RawData.Float64("change_rate")
	case domain.PredicateDelta:
		lhs, _ = reading.RawData.Float64("delta")
	default:
		lhs = domain.FieldValue(reading, p.Field)
	}

	switch p.Op {
	case domain.OpGT:
		return lhs > p.Value, nil
	case domain.OpLT:
		return lhs < p.Value, nil
	case domain.OpGTE:
		return lhs >= p.Value, nil
	case domain.OpLTE:
		return lhs <= p.Value, nil
	case domain.OpEQ:
		return lhs == p.Value, nil
	case domain.OpNEQ:
		return lhs != p.Value, nil
	case domain.OpWithin:
		return lhs >= p.Low && lhs <= p.High, nil
	default:
		return false, nil
	}
}

// CompileGuard validates that a "guard" predicate's free-form CEL
// expression at least compiles against {value, change_rate, delta}
// before it is accepted, and caches the compiled program for reuse by
// evalGuard — grounded on the teacher's pkg/kernel/celdp validator.
// evalGuard compiles through the same cache on first use;
// rules.ValidatePredicateShape does not call this method and checks
// expressions with validateGuardExpression instead.
func (e *Engine) CompileGuard(expr string) error {
	_, err := e.program(expr)
	return err
}

// program returns the cached compiled CEL program for expr, compiling
// and caching it on first use.
func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	if prg, ok := e.programs[expr]; ok {
		e.mu.Unlock()
		return prg, nil
	}
	e.mu.Unlock()

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid guard expression %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program guard expression %q: %w", expr, err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// validateGuardExpression compiles expr against the shared guard CEL
// environment without needing a live Engine instance — used by
// rules.ValidatePredicateShape at rule-write time (store.RuleRepo.Create),
// where no per-process Engine is in scope.
func validateGuardExpression(expr string) error {
	env, err := guardEnv()
	if err != nil {
		return err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("invalid guard expression %q: %w", expr, issues.Err())
	}
	if _, err := env.Program(ast); err != nil {
		return fmt.Errorf("program guard expression %q: %w", expr, err)
	}
	return nil
}

// evalGuard runs a "guard" predicate's compiled CEL program against
// reading's value and raw-payload-derived change_rate/delta.
func (e *Engine) evalGuard(expr string, reading *domain.SensorReading) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	changeRate, _ := reading.RawData.Float64("change_rate")
	delta, _ := reading.RawData.Float64("delta")
	out, _, err := prg.Eval(map[string]any{
		"value":       reading.Value,
		"change_rate": changeRate,
		"delta":       delta,
	})
	if err != nil {
		return false, fmt.Errorf("eval guard expression %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard expression %q did not evaluate to a bool", expr)
	}
	return result, nil
}
