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

// Package errors defines the typed error taxonomy used across apifuse.
//
// Every error surfaced to an API caller carries a stable Kind tag plus a
// short human diagnostic. Internal code wraps these with fmt.Errorf("%w")
// so errors.As still finds the typed root.
package errors

import (
	"fmt"
	"time"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	KindValidation       Kind = "ValidationError"
	KindBinding          Kind = "BindingError"
	KindExpression       Kind = "ExpressionError"
	KindNetwork          Kind = "NetworkError"
	KindHTTP             Kind = "HttpError"
	KindDecode           Kind = "DecodeError"
	KindStore            Kind = "StoreError"
	KindSchemaValidation Kind = "SchemaValidationError"
	KindTimeout          Kind = "TimeoutError"
	KindAuth             Kind = "AuthError"
	KindNotFound         Kind = "NotFoundError"
)

// Kinder is implemented by all typed errors in this package.
type Kinder interface {
	error
	Kind() Kind
}

// ValidationError represents malformed input to an API operation: a missing
// required field, a bad enum value, or a constraint violation. Operations
// fail validation before any execution happens.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Kind returns the stable error category.
func (e *ValidationError) Kind() Kind { return KindValidation }

// BindingError represents a {placeholder} or expression that referenced a
// field missing from the call input or credentials at runtime.
type BindingError struct {
	// Name is the placeholder or variable that could not be bound
	Name string

	// Where describes the template the placeholder appeared in (url, header, body...)
	Where string
}

// Error implements the error interface.
func (e *BindingError) Error() string {
	if e.Where != "" {
		return fmt.Sprintf("no value for placeholder {%s} in %s", e.Name, e.Where)
	}
	return fmt.Sprintf("no value for placeholder {%s}", e.Name)
}

// Kind returns the stable error category.
func (e *BindingError) Kind() Kind { return KindBinding }

// ExpressionError represents a JSONata compilation or evaluation failure.
type ExpressionError struct {
	// Expression is the source expression (may be truncated for display)
	Expression string

	// Message describes the compile or runtime failure
	Message string

	// Cause is the underlying evaluator error
	Cause error
}

// Error implements the error interface.
func (e *ExpressionError) Error() string {
	return fmt.Sprintf("expression evaluation failed: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExpressionError) Unwrap() error { return e.Cause }

// Kind returns the stable error category.
func (e *ExpressionError) Kind() Kind { return KindExpression }

// NetworkError represents a transport failure that survived all retries:
// host unreachable, connection reset, or a per-call timeout.
type NetworkError struct {
	// URL is the sanitized request URL
	URL string

	// Attempts is how many times the request was tried
	Attempts int

	// Cause is the underlying transport error
	Cause error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("request to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NetworkError) Unwrap() error { return e.Cause }

// Kind returns the stable error category.
func (e *NetworkError) Kind() Kind { return KindNetwork }

// HTTPError represents a non-2xx response that survived all retries.
type HTTPError struct {
	// URL is the sanitized request URL
	URL string

	// StatusCode is the final HTTP status
	StatusCode int

	// BodySnippet is the start of the response body (bounded)
	BodySnippet string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.BodySnippet != "" {
		return fmt.Sprintf("%s returned HTTP %d: %s", e.URL, e.StatusCode, e.BodySnippet)
	}
	return fmt.Sprintf("%s returned HTTP %d", e.URL, e.StatusCode)
}

// Kind returns the stable error category.
func (e *HTTPError) Kind() Kind { return KindHTTP }

// DecodeError represents a response body that could not be parsed in its
// declared content type.
type DecodeError struct {
	// ContentType is the declared response content type
	ContentType string

	// Cause is the underlying parse error
	Cause error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode %s response: %v", e.ContentType, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DecodeError) Unwrap() error { return e.Cause }

// Kind returns the stable error category.
func (e *DecodeError) Kind() Kind { return KindDecode }

// StoreError represents a persistence backend failure.
type StoreError struct {
	// Op is the store operation that failed (get, upsert, delete, list)
	Op string

	// Entity is the entity kind involved
	Entity string

	// Cause is the underlying backend error
	Cause error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Entity, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StoreError) Unwrap() error { return e.Cause }

// Kind returns the stable error category.
func (e *StoreError) Kind() Kind { return KindStore }

// SchemaValidationError represents final run data that violates the
// workflow's response schema. The run still carries the offending data.
type SchemaValidationError struct {
	// Path is the instance location that violated the schema
	Path string

	// Message describes the violation
	Message string
}

// Error implements the error interface.
func (e *SchemaValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("schema validation failed at %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("schema validation failed: %s", e.Message)
}

// Kind returns the stable error category.
func (e *SchemaValidationError) Kind() Kind { return KindSchemaValidation }

// TimeoutError represents a workflow or call deadline that was exceeded.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "workflow run", "step fetch")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// Kind returns the stable error category.
func (e *TimeoutError) Kind() Kind { return KindTimeout }

// AuthError represents an invalid or absent credential at the gateway.
type AuthError struct {
	// Message describes the authentication failure
	Message string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// Kind returns the stable error category.
func (e *AuthError) Kind() Kind { return KindAuth }

// NotFoundError represents a requested resource that does not exist for the
// caller's tenant.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "api", "run")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Kind returns the stable error category.
func (e *NotFoundError) Kind() Kind { return KindNotFound }
