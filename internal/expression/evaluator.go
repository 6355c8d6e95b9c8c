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

// Package expression evaluates JSONata expressions against run data.
//
// All data binding in the engine (input mappings, response mappings, loop
// selectors, final transforms) goes through this package, so its error
// contract is the failure boundary for every user-authored expression.
package expression

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	jsonata "github.com/blues/jsonata-go"

	"github.com/apifuse/apifuse/pkg/errors"
)

const (
	// DefaultTimeout is the default execution time for an expression.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxInputSize is the default maximum input size (10MB).
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Evaluator compiles and runs JSONata expressions with timeout and input
// size protection. Compiled expressions are cached; the evaluator is safe
// for concurrent use.
type Evaluator struct {
	timeout      time.Duration
	maxInputSize int64

	mu    sync.RWMutex
	cache map[string]*jsonata.Expr
}

// New creates an evaluator with the given limits. Zero values select the
// package defaults.
func New(timeout time.Duration, maxInputSize int64) *Evaluator {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Evaluator{
		timeout:      timeout,
		maxInputSize: maxInputSize,
		cache:        make(map[string]*jsonata.Expr),
	}
}

// Evaluate runs a JSONata expression against data.
//
// An empty expression or the identity expression "$" returns data unchanged.
// Expressions that produce no result (undefined references, missing fields)
// yield (nil, nil): absence propagates as absence, not as an error.
func (e *Evaluator) Evaluate(ctx context.Context, expr string, data any) (any, error) {
	if expr == "" || expr == "$" {
		return data, nil
	}

	if err := e.validateInputSize(data); err != nil {
		return nil, err
	}

	prog, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)

	go func() {
		v, err := prog.Eval(data)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- v
	}()

	select {
	case v := <-resultCh:
		return toJSONValue(v)
	case err := <-errCh:
		if stderrors.Is(err, jsonata.ErrUndefined) {
			return nil, nil
		}
		return nil, &errors.ExpressionError{
			Expression: truncate(expr, 120),
			Message:    err.Error(),
			Cause:      err,
		}
	case <-execCtx.Done():
		return nil, &errors.TimeoutError{
			Operation: "expression evaluation",
			Duration:  e.timeout,
			Cause:     execCtx.Err(),
		}
	}
}

// Result is the outcome of EvaluateWithSchema.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EvaluateWithSchema evaluates an expression and, when a schema is given,
// validates the result against it. Evaluation failures and validation
// failures stay distinguishable in the diagnostic.
func (e *Evaluator) EvaluateWithSchema(ctx context.Context, expr string, data any, schema map[string]any) Result {
	value, err := e.Evaluate(ctx, expr, data)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	if len(schema) > 0 {
		if err := ValidateSchema(schema, value); err != nil {
			return Result{Success: false, Data: value, Error: err.Error()}
		}
	}

	return Result{Success: true, Data: value}
}

// Validate compiles an expression without running it. Used by workflow
// validation to catch syntax errors before execution.
func (e *Evaluator) Validate(expr string) error {
	if expr == "" || expr == "$" {
		return nil
	}
	_, err := e.compile(expr)
	return err
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expr string) (*jsonata.Expr, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expr]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := jsonata.Compile(expr)
	if err != nil {
		return nil, &errors.ExpressionError{
			Expression: truncate(expr, 120),
			Message:    fmt.Sprintf("invalid expression: %v", err),
			Cause:      err,
		}
	}

	e.mu.Lock()
	e.cache[expr] = prog
	e.mu.Unlock()

	return prog, nil
}

// toJSONValue coerces an evaluation result into the generic decoded-JSON
// types (map[string]any, []any, float64, string, bool, nil). The JSONata
// library returns native Go values from builtins, []string from $keys for
// example, and those may be nested inside objects, so anything beyond a
// scalar goes through a JSON round-trip.
func toJSONValue(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64:
		return v, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &errors.ExpressionError{
			Message: fmt.Sprintf("result is not JSON-representable: %v", err),
			Cause:   err,
		}
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &errors.ExpressionError{
			Message: fmt.Sprintf("result is not JSON-representable: %v", err),
			Cause:   err,
		}
	}
	return out, nil
}

// validateInputSize checks if the data size is within limits.
func (e *Evaluator) validateInputSize(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return &errors.ExpressionError{
			Message: fmt.Sprintf("context is not JSON-representable: %v", err),
			Cause:   err,
		}
	}
	if int64(len(raw)) > e.maxInputSize {
		return &errors.ExpressionError{
			Message: fmt.Sprintf("context size (%d bytes) exceeds maximum (%d bytes)", len(raw), e.maxInputSize),
		}
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
