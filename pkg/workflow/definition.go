// Package workflow defines the declarative workflow model: an ordered list
// of API-call steps plus JSONata data mappings, executed by the engine to
// produce one final transformed artifact.
package workflow

import (
	"time"
)

// ExecutionMode controls how a step drives its API call.
type ExecutionMode string

const (
	// ModeDirect executes the step's API call exactly once.
	ModeDirect ExecutionMode = "DIRECT"
	// ModeLoop executes the step once per item of its loop selector.
	ModeLoop ExecutionMode = "LOOP"
)

// AuthType describes how credentials are injected into a call.
type AuthType string

const (
	AuthNone       AuthType = "NONE"
	AuthHeader     AuthType = "HEADER"
	AuthQueryParam AuthType = "QUERY_PARAM"
	AuthOAuth2     AuthType = "OAUTH2"
)

// PaginationType selects the pagination strategy for an API.
type PaginationType string

const (
	PaginationOffset   PaginationType = "OFFSET_BASED"
	PaginationPage     PaginationType = "PAGE_BASED"
	PaginationCursor   PaginationType = "CURSOR_BASED"
	PaginationDisabled PaginationType = "DISABLED"
)

// Pagination describes how to fetch a multi-page collection.
type Pagination struct {
	Type PaginationType `json:"type"`

	// PageSize is the page length requested from the API.
	PageSize int `json:"pageSize,omitempty"`

	// CursorPath is the dot path to the next-page cursor in each response
	// (CURSOR_BASED only).
	CursorPath string `json:"cursorPath,omitempty"`
}

// ApiConfig describes one HTTP endpoint: where it lives, how to call it,
// and how to unwrap what it returns.
type ApiConfig struct {
	ID string `json:"id,omitempty"`

	// URLHost is the scheme+host, e.g. "https://dog.ceo".
	URLHost string `json:"urlHost"`

	// URLPath is appended to URLHost; {name} placeholders are substituted
	// from the call input and credentials.
	URLPath string `json:"urlPath,omitempty"`

	Method string `json:"method"`

	// Headers and QueryParams support the same {name} placeholders.
	// Query param values may be strings or numbers.
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]any    `json:"queryParams,omitempty"`

	// Body is a string template, substituted even when it holds JSON.
	Body string `json:"body,omitempty"`

	Authentication AuthType    `json:"authentication,omitempty"`
	Pagination     *Pagination `json:"pagination,omitempty"`

	// DataPath selects the payload subtree from the decoded response,
	// e.g. "data.items".
	DataPath string `json:"dataPath,omitempty"`

	// Instruction is human documentation for the endpoint. It is stored
	// and round-tripped but never interpreted by the engine.
	Instruction string `json:"instruction,omitempty"`

	// Timeout is the per-call timeout in seconds (0 = engine default).
	Timeout int `json:"timeout,omitempty"`

	// Retries is the retry count for transient failures (0 = engine default).
	Retries int `json:"retries,omitempty"`

	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Step is one unit of work inside a workflow. Its id doubles as the field
// name its transformed output is stored under in the run context.
type Step struct {
	ID string `json:"id"`

	ApiConfig ApiConfig `json:"apiConfig"`

	// ExecutionMode defaults to DIRECT.
	ExecutionMode ExecutionMode `json:"executionMode,omitempty"`

	// LoopSelector is required for LOOP steps; it evaluates to the
	// sequence the step iterates over.
	LoopSelector string `json:"loopSelector,omitempty"`

	// LoopMaxIters caps the iteration count; excess items are dropped and
	// the truncation recorded in step metadata.
	LoopMaxIters int `json:"loopMaxIters,omitempty"`

	// InputMapping computes the per-invocation input (default "$").
	InputMapping string `json:"inputMapping,omitempty"`

	// ResponseMapping computes the stored output from the raw response
	// (default "$").
	ResponseMapping string `json:"responseMapping,omitempty"`

	// Condition is an optional boolean expression; when it evaluates to
	// false the step is skipped and contributes no step result.
	Condition string `json:"condition,omitempty"`
}

// Workflow is a named, versioned unit of execution.
type Workflow struct {
	ID string `json:"id"`

	Steps []Step `json:"steps"`

	// FinalTransform produces the emitted artifact from the accumulated
	// context (default "$").
	FinalTransform string `json:"finalTransform,omitempty"`

	// ResponseSchema optionally validates the final artifact.
	ResponseSchema map[string]any `json:"responseSchema,omitempty"`

	Instruction string `json:"instruction,omitempty"`

	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// ExtractConfig describes a single-call extraction endpoint. Extraction
// runs are a thin subset of the step engine; the definition is persisted
// with the same lifecycle as workflows and API configs.
type ExtractConfig struct {
	ID          string            `json:"id,omitempty"`
	URLHost     string            `json:"urlHost"`
	URLPath     string            `json:"urlPath,omitempty"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Instruction string            `json:"instruction,omitempty"`
	CreatedAt   *time.Time        `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time        `json:"updatedAt,omitempty"`
}

// TransformConfig describes a standalone data transformation.
type TransformConfig struct {
	ID              string         `json:"id,omitempty"`
	ResponseMapping string         `json:"responseMapping,omitempty"`
	ResponseSchema  map[string]any `json:"responseSchema,omitempty"`
	Instruction     string         `json:"instruction,omitempty"`
	CreatedAt       *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt       *time.Time     `json:"updatedAt,omitempty"`
}

// TenantInfo carries administrative tenant metadata.
type TenantInfo struct {
	Email             string `json:"email,omitempty"`
	EmailEntrySkipped bool   `json:"emailEntrySkipped"`
}

// ValidMethods are the HTTP methods an ApiConfig may declare.
var ValidMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}
