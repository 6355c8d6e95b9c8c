// Copyright 2025 The Apifuse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine drives workflow runs: one step at a time, DIRECT or
// LOOP, accumulating each step's transformed output into the run context
// under the step's id.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"golang.org/x/sync/errgroup"

	"github.com/apifuse/apifuse/internal/caller"
	"github.com/apifuse/apifuse/internal/expression"
	"github.com/apifuse/apifuse/internal/log"
	"github.com/apifuse/apifuse/pkg/errors"
	"github.com/apifuse/apifuse/pkg/workflow"
)

// DefaultLoopConcurrency bounds parallel LOOP iterations.
const DefaultLoopConcurrency = 4

// Runner executes single workflow steps.
type Runner struct {
	caller          *caller.Caller
	eval            *expression.Evaluator
	logger          *slog.Logger
	loopConcurrency int

	condMu    sync.RWMutex
	condCache map[string]*vm.Program
}

// NewRunner creates a step runner. loopConcurrency <= 0 selects the
// default.
func NewRunner(c *caller.Caller, eval *expression.Evaluator, logger *slog.Logger, loopConcurrency int) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if loopConcurrency <= 0 {
		loopConcurrency = DefaultLoopConcurrency
	}
	return &Runner{
		caller:          c,
		eval:            eval,
		logger:          logger,
		loopConcurrency: loopConcurrency,
		condCache:       make(map[string]*vm.Program),
	}
}

// StepRequest is one step plus everything it runs against.
type StepRequest struct {
	Step workflow.Step

	// Context is the accumulated run context: the initial payload plus
	// every prior step's transformed output under its step id.
	Context map[string]any

	Credentials map[string]string
	CallOptions caller.Options
}

// RunStep drives one step. A step whose condition evaluates to false is
// skipped: both return values are nil. On failure the returned StepResult
// records the error alongside the non-nil error.
func (r *Runner) RunStep(ctx context.Context, req StepRequest) (*workflow.StepResult, error) {
	step := req.Step
	logger := r.logger.With(log.StepIDKey, step.ID)
	start := time.Now()

	if step.Condition != "" {
		met, err := r.conditionMet(step.Condition, req.Context)
		if err != nil {
			return r.failed(step.ID, start, err)
		}
		if !met {
			logger.Debug("step condition false, skipping")
			return nil, nil
		}
	}

	mode := step.ExecutionMode
	if mode == "" {
		mode = workflow.ModeDirect
	}

	var (
		raw, transformed any
		meta             map[string]any
		err              error
	)
	switch mode {
	case workflow.ModeDirect:
		raw, transformed, meta, err = r.runDirect(ctx, step, req)
	case workflow.ModeLoop:
		raw, transformed, meta, err = r.runLoop(ctx, step, req)
	default:
		err = &errors.ValidationError{
			Field:   "executionMode",
			Message: fmt.Sprintf("unknown execution mode %q", mode),
		}
	}
	if err != nil {
		logger.Warn("step failed", log.DurationKey, time.Since(start), "error", err)
		return r.failed(step.ID, start, err)
	}

	meta["durationMs"] = time.Since(start).Milliseconds()
	logger.Debug("step completed", log.DurationKey, time.Since(start))

	return &workflow.StepResult{
		StepID:          step.ID,
		Success:         true,
		RawData:         raw,
		TransformedData: transformed,
		Metadata:        meta,
	}, nil
}

func (r *Runner) failed(stepID string, start time.Time, err error) (*workflow.StepResult, error) {
	return &workflow.StepResult{
		StepID:  stepID,
		Success: false,
		Error:   err.Error(),
		Metadata: map[string]any{
			"durationMs": time.Since(start).Milliseconds(),
		},
	}, err
}

func (r *Runner) runDirect(ctx context.Context, step workflow.Step, req StepRequest) (any, any, map[string]any, error) {
	input, err := r.stepInput(ctx, step, req.Context)
	if err != nil {
		return nil, nil, nil, err
	}

	res, err := r.caller.Call(ctx, step.ApiConfig, input, req.Credentials, req.CallOptions)
	if err != nil {
		return nil, nil, nil, err
	}

	transformed, err := r.transformResponse(ctx, step, res.Data, nil)
	if err != nil {
		return nil, nil, nil, err
	}

	meta := map[string]any{"pagesFetched": res.PagesFetched, "lastStatus": res.LastStatus}
	return res.Data, transformed, meta, nil
}

// runLoop fans iterations out over a bounded group. The first failing
// iteration cancels the rest and fails the step.
func (r *Runner) runLoop(ctx context.Context, step workflow.Step, req StepRequest) (any, any, map[string]any, error) {
	items, err := r.loopItems(ctx, step, req.Context)
	if err != nil {
		return nil, nil, nil, err
	}

	totalItems := len(items)
	truncated := false
	if step.LoopMaxIters > 0 && totalItems > step.LoopMaxIters {
		items = items[:step.LoopMaxIters]
		truncated = true
	}

	rawSeq := make([]any, len(items))
	transformedSeq := make([]any, len(items))
	var pages atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.loopConcurrency)

	for i, item := range items {
		g.Go(func() error {
			iterCtx := loopContext(req.Context, item, i)

			input, err := r.stepInput(gctx, step, iterCtx)
			if err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}

			res, err := r.caller.Call(gctx, step.ApiConfig, input, req.Credentials, req.CallOptions)
			if err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
			pages.Add(int64(res.PagesFetched))
			rawSeq[i] = res.Data

			t, err := r.transformResponse(gctx, step, res.Data, map[string]any{
				"loopValue": item,
				"loopIndex": i,
			})
			if err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
			transformedSeq[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}

	meta := map[string]any{
		"iterations":   len(items),
		"totalItems":   totalItems,
		"truncated":    truncated,
		"pagesFetched": int(pages.Load()),
	}
	return rawSeq, transformedSeq, meta, nil
}

// loopItems evaluates the selector into the iteration sequence. Absence
// yields an empty loop; a single non-sequence value iterates once.
func (r *Runner) loopItems(ctx context.Context, step workflow.Step, runCtx map[string]any) ([]any, error) {
	value, err := r.eval.Evaluate(ctx, step.LoopSelector, runCtx)
	if err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	default:
		return []any{v}, nil
	}
}

// loopContext is the run context extended with the per-iteration
// bindings. The item is addressable as loopValue in mappings and as
// {value} in URL and body templates.
func loopContext(runCtx map[string]any, item any, index int) map[string]any {
	out := make(map[string]any, len(runCtx)+3)
	for k, v := range runCtx {
		out[k] = v
	}
	out["loopValue"] = item
	out["loopIndex"] = index
	out["value"] = item
	return out
}

func (r *Runner) stepInput(ctx context.Context, step workflow.Step, runCtx map[string]any) (any, error) {
	if step.InputMapping == "" {
		return runCtx, nil
	}
	return r.eval.Evaluate(ctx, step.InputMapping, runCtx)
}

// transformResponse applies the response mapping to the decoded payload.
// Loop bindings are merged into the environment so projections can
// reference loopValue and loopIndex; with no mapping, the merged
// environment itself is the transformed item, so downstream transforms
// still see which iteration produced it.
func (r *Runner) transformResponse(ctx context.Context, step workflow.Step, raw any, loopBindings map[string]any) (any, error) {
	env := raw
	if loopBindings != nil {
		merged := make(map[string]any, len(loopBindings)+2)
		if m, ok := raw.(map[string]any); ok {
			for k, v := range m {
				merged[k] = v
			}
		} else {
			merged["value"] = raw
		}
		for k, v := range loopBindings {
			merged[k] = v
		}
		env = merged
	}
	if step.ResponseMapping == "" {
		return env, nil
	}
	return r.eval.Evaluate(ctx, step.ResponseMapping, env)
}

// conditionMet evaluates a step condition. Programs are compiled once and
// cached; unknown context keys evaluate as nil rather than failing.
func (r *Runner) conditionMet(condition string, runCtx map[string]any) (bool, error) {
	r.condMu.RLock()
	prog, ok := r.condCache[condition]
	r.condMu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(condition, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return false, &errors.ExpressionError{
				Expression: condition,
				Message:    "invalid condition",
				Cause:      err,
			}
		}
		r.condMu.Lock()
		r.condCache[condition] = prog
		r.condMu.Unlock()
	}

	out, err := expr.Run(prog, runCtx)
	if err != nil {
		return false, &errors.ExpressionError{
			Expression: condition,
			Message:    "condition evaluation failed",
			Cause:      err,
		}
	}
	met, _ := out.(bool)
	return met, nil
}
