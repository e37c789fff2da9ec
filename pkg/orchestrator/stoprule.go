package orchestrator

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// stopRules compiles and caches CEL stop-rule programs. A rule sees:
//
//	round, max_rounds, responders, agents, outliers  int
//	variance, confidence, consensus, delta           double
type stopRules struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

type stopInput struct {
	Round      int
	MaxRounds  int
	Responders int
	Agents     int
	Outliers   int
	Variance   float64
	Confidence float64
	Consensus  float64
	Delta      float64
}

func newStopRules() (*stopRules, error) {
	env, err := cel.NewEnv(
		cel.Variable("round", cel.IntType),
		cel.Variable("max_rounds", cel.IntType),
		cel.Variable("responders", cel.IntType),
		cel.Variable("agents", cel.IntType),
		cel.Variable("outliers", cel.IntType),
		cel.Variable("variance", cel.DoubleType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("consensus", cel.DoubleType),
		cel.Variable("delta", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &stopRules{env: env, cache: make(map[string]cel.Program)}, nil
}

func (s *stopRules) program(expr string) (cel.Program, error) {
	s.mu.RLock()
	prg, hit := s.cache[expr]
	s.mu.RUnlock()
	if hit {
		return prg, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prg, hit = s.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := s.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("stop rule must yield bool, got %s", ast.OutputType())
	}
	prg, err := s.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	s.cache[expr] = prg
	return prg, nil
}

func (s *stopRules) evaluate(expr string, in stopInput) (bool, error) {
	prg, err := s.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"round":      int64(in.Round),
		"max_rounds": int64(in.MaxRounds),
		"responders": int64(in.Responders),
		"agents":     int64(in.Agents),
		"outliers":   int64(in.Outliers),
		"variance":   in.Variance,
		"confidence": in.Confidence,
		"consensus":  in.Consensus,
		"delta":      in.Delta,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
