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

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/apifuse/apifuse/internal/cache"
	"github.com/apifuse/apifuse/internal/caller"
	"github.com/apifuse/apifuse/internal/expression"
	"github.com/apifuse/apifuse/internal/log"
	"github.com/apifuse/apifuse/internal/store"
	"github.com/apifuse/apifuse/pkg/errors"
	"github.com/apifuse/apifuse/pkg/workflow"
)

// DefaultRunTimeout bounds a whole workflow run.
const DefaultRunTimeout = 5 * time.Minute

// Executor runs workflows end to end: steps in order, context
// accumulation, final transform, schema validation, persistence, and the
// live event feed.
type Executor struct {
	runner  *Runner
	eval    *expression.Evaluator
	runs    store.RunStore
	broker  *Broker
	samples *SampleCache
	logger  *slog.Logger
	timeout time.Duration
}

// ExecutorOptions configures optional executor collaborators.
type ExecutorOptions struct {
	// Runs persists finished runs when non-nil. Persistence is best
	// effort; a store failure never fails the run.
	Runs store.RunStore

	// Broker receives lifecycle events when non-nil.
	Broker *Broker

	// Samples caches sample runs when non-nil.
	Samples *SampleCache

	Logger *slog.Logger

	// Timeout bounds each run; zero selects DefaultRunTimeout.
	Timeout time.Duration
}

// NewExecutor creates an executor around a step runner.
func NewExecutor(runner *Runner, eval *expression.Evaluator, opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	return &Executor{
		runner:  runner,
		eval:    eval,
		runs:    opts.Runs,
		broker:  opts.Broker,
		samples: opts.Samples,
		logger:  logger,
		timeout: timeout,
	}
}

// ExecuteRequest is one run of one workflow.
type ExecuteRequest struct {
	Workflow *workflow.Workflow

	// Payload seeds the run context. Its fields are addressable directly
	// and the whole object again under "payload".
	Payload map[string]any

	Credentials map[string]string

	Tenant    *string
	CacheMode cache.Mode
	RequestID string

	// Timeout bounds this run when positive, overriding the executor
	// default.
	Timeout time.Duration

	// SkipPersist suppresses run persistence (sample runs).
	SkipPersist bool
}

// Execute runs the workflow to completion. Failures are reported inside
// the returned RunResult, never as a panic or lost run.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) *workflow.RunResult {
	run := &workflow.RunResult{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Config:    req.Workflow,
	}

	logger := log.WithTenant(log.WithRunContext(e.logger, run.ID, req.Workflow.ID), req.Tenant)

	if err := req.Workflow.Validate(); err != nil {
		logger.Warn("workflow rejected", "error", err)
		return e.finish(ctx, run, req, fmt.Sprintf("invalid workflow: %v", err))
	}

	timeout := e.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.publish(req, run, Event{Type: EventRunStarted})
	logger.Info("run started", "steps", len(req.Workflow.Steps))

	runCtx := make(map[string]any, len(req.Payload)+len(req.Workflow.Steps)+1)
	for k, v := range req.Payload {
		runCtx[k] = v
	}
	runCtx["payload"] = req.Payload

	for _, step := range req.Workflow.Steps {
		e.publish(req, run, Event{Type: EventStepStarted, StepID: step.ID})

		result, err := e.runner.RunStep(ctx, StepRequest{
			Step:        step,
			Context:     runCtx,
			Credentials: req.Credentials,
			CallOptions: callOptions(req),
		})
		if result == nil && err == nil {
			e.publish(req, run, Event{Type: EventStepSkipped, StepID: step.ID})
			continue
		}
		if result != nil {
			run.StepResults = append(run.StepResults, *result)
		}
		if err != nil {
			msg := stepFailureMessage(ctx, step.ID, err, timeout)
			e.publish(req, run, Event{Type: EventError, StepID: step.ID, Message: msg})
			logger.Warn("run aborted", log.StepIDKey, step.ID, "error", err)
			return e.finish(ctx, run, req, msg)
		}

		e.publish(req, run, Event{Type: EventStepCompleted, StepID: step.ID})
		runCtx[step.ID] = result.TransformedData
	}

	finalTransform := req.Workflow.FinalTransform
	if finalTransform == "" {
		finalTransform = "$"
	}
	res := e.eval.EvaluateWithSchema(ctx, finalTransform, runCtx, req.Workflow.ResponseSchema)
	run.Data = res.Data
	if !res.Success {
		logger.Warn("final transform failed", "error", res.Error)
		return e.finish(ctx, run, req, res.Error)
	}

	run.Success = true
	out := e.finish(ctx, run, req, "")
	logger.Info("run completed", log.DurationKey, run.CompletedAt.Sub(run.StartedAt))
	return out
}

// finish stamps, persists, and announces the run.
func (e *Executor) finish(ctx context.Context, run *workflow.RunResult, req ExecuteRequest, errMsg string) *workflow.RunResult {
	if errMsg != "" {
		run.Success = false
		run.Error = errMsg
	}
	run.CompletedAt = time.Now().UTC()

	if e.runs != nil && !req.SkipPersist {
		// The run context may already be canceled or timed out.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.runs.CreateRun(pctx, run, req.Tenant); err != nil {
			e.logger.Warn("failed to persist run", log.RunIDKey, run.ID, "error", err)
		}
	}

	ev := Event{Type: EventRunCompleted, Data: map[string]any{"success": run.Success}}
	if run.Error != "" {
		ev.Message = run.Error
	}
	e.publish(req, run, ev)
	return run
}

func (e *Executor) publish(req ExecuteRequest, run *workflow.RunResult, ev Event) {
	if e.broker == nil {
		return
	}
	ev.RunID = run.ID
	ev.WorkflowID = req.Workflow.ID
	if req.Tenant != nil {
		ev.Tenant = *req.Tenant
	}
	e.broker.Publish(ev)
}

func callOptions(req ExecuteRequest) caller.Options {
	return caller.Options{
		Tenant:    req.Tenant,
		CacheMode: req.CacheMode,
		RequestID: req.RequestID,
	}
}

// stepFailureMessage distinguishes a run-level timeout from a step error.
func stepFailureMessage(ctx context.Context, stepID string, err error, timeout time.Duration) string {
	if ctx.Err() == context.DeadlineExceeded {
		te := &errors.TimeoutError{Operation: "workflow run", Duration: timeout, Cause: err}
		return te.Error()
	}
	return fmt.Sprintf("step %q failed: %v", stepID, err)
}
