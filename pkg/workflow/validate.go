package workflow

import (
	"fmt"
	"strings"

	"github.com/apifuse/apifuse/pkg/errors"
)

// Validate checks a workflow definition for execution. It catches the
// structural problems that would otherwise surface mid-run: missing steps,
// duplicate step ids, LOOP steps without a selector, and bad API configs.
func (w *Workflow) Validate() error {
	if len(w.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "workflow has no steps",
			Suggestion: "add at least one step before executing",
		}
	}

	seen := make(map[string]bool, len(w.Steps))
	for i, step := range w.Steps {
		if step.ID == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].id", i),
				Message: "step id is required",
			}
		}
		if seen[step.ID] {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("steps[%d].id", i),
				Message:    fmt.Sprintf("duplicate step id %q", step.ID),
				Suggestion: "step ids must be unique within a workflow",
			}
		}
		seen[step.ID] = true

		if err := step.validate(i); err != nil {
			return err
		}
	}

	return nil
}

func (s *Step) validate(index int) error {
	switch s.ExecutionMode {
	case "", ModeDirect:
	case ModeLoop:
		if strings.TrimSpace(s.LoopSelector) == "" {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("steps[%d].loopSelector", index),
				Message:    "loopSelector is required for LOOP steps",
				Suggestion: "provide an expression that selects the sequence to iterate over",
			}
		}
	default:
		return &errors.ValidationError{
			Field:      fmt.Sprintf("steps[%d].executionMode", index),
			Message:    fmt.Sprintf("unknown execution mode %q", s.ExecutionMode),
			Suggestion: "use DIRECT or LOOP",
		}
	}

	if s.LoopMaxIters < 0 {
		return &errors.ValidationError{
			Field:   fmt.Sprintf("steps[%d].loopMaxIters", index),
			Message: "loopMaxIters must be positive",
		}
	}

	return s.ApiConfig.validate(fmt.Sprintf("steps[%d].apiConfig", index))
}

// Validate checks a standalone API config.
func (a *ApiConfig) Validate() error {
	return a.validate("apiConfig")
}

func (a *ApiConfig) validate(field string) error {
	if a.URLHost == "" {
		return &errors.ValidationError{
			Field:   field + ".urlHost",
			Message: "urlHost is required",
		}
	}

	method := strings.ToUpper(a.Method)
	if method == "" {
		return &errors.ValidationError{
			Field:   field + ".method",
			Message: "method is required",
		}
	}
	if !ValidMethods[method] {
		return &errors.ValidationError{
			Field:      field + ".method",
			Message:    fmt.Sprintf("unsupported method %q", a.Method),
			Suggestion: "use one of GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS",
		}
	}

	switch a.Authentication {
	case "", AuthNone, AuthHeader, AuthQueryParam, AuthOAuth2:
	default:
		return &errors.ValidationError{
			Field:   field + ".authentication",
			Message: fmt.Sprintf("unknown authentication type %q", a.Authentication),
		}
	}

	if p := a.Pagination; p != nil {
		switch p.Type {
		case PaginationOffset, PaginationPage, PaginationCursor, PaginationDisabled:
		default:
			return &errors.ValidationError{
				Field:   field + ".pagination.type",
				Message: fmt.Sprintf("unknown pagination type %q", p.Type),
			}
		}
		if p.Type == PaginationCursor && p.CursorPath == "" {
			return &errors.ValidationError{
				Field:   field + ".pagination.cursorPath",
				Message: "cursorPath is required for CURSOR_BASED pagination",
			}
		}
	}

	return nil
}
