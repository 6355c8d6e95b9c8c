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

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apifuse/apifuse/internal/cache"
	"github.com/apifuse/apifuse/internal/engine"
	"github.com/apifuse/apifuse/pkg/errors"
	"github.com/apifuse/apifuse/pkg/workflow"
)

// payloadField accepts either a JSON object or a JSON string holding an
// encoded object. Clients that template their requests often produce the
// latter.
type payloadField map[string]any

func (p *payloadField) UnmarshalJSON(b []byte) error {
	b, err := unquoteJSON(b)
	if err != nil || b == nil {
		return err
	}
	return json.Unmarshal(b, (*map[string]any)(p))
}

// credentialsField mirrors payloadField for the credential map.
type credentialsField map[string]string

func (c *credentialsField) UnmarshalJSON(b []byte) error {
	b, err := unquoteJSON(b)
	if err != nil || b == nil {
		return err
	}
	return json.Unmarshal(b, (*map[string]string)(c))
}

// unquoteJSON unwraps a string-encoded JSON value. It returns nil bytes
// for null and for blank strings.
func unquoteJSON(b []byte) ([]byte, error) {
	if string(b) == "null" {
		return nil, nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		return []byte(s), nil
	}
	return b, nil
}

// executeOptions are the per-run knobs a caller may set. Unknown options
// are ignored; recognized options with bad values are rejected.
type executeOptions struct {
	CacheMode string `json:"cacheMode,omitempty"`

	// Timeout is the run deadline in seconds. Absent means the server
	// default applies.
	Timeout *float64 `json:"timeout,omitempty"`
}

type executeBody struct {
	Payload     payloadField     `json:"payload,omitempty"`
	Credentials credentialsField `json:"credentials,omitempty"`
	Options     *executeOptions  `json:"options,omitempty"`
}

type inlineExecuteBody struct {
	Workflow    *workflow.Workflow `json:"workflow"`
	Payload     payloadField       `json:"payload,omitempty"`
	Credentials credentialsField   `json:"credentials,omitempty"`
	Options     *executeOptions    `json:"options,omitempty"`
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	wf, err := s.store.GetWorkflow(r.Context(), r.PathValue("id"), tenant)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var body executeBody
	if err := decodeOptionalBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}

	req, err := s.executeRequest(r, wf, body.Payload, body.Credentials, body.Options)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	run := s.executor.Execute(r.Context(), req)
	s.recordRunMetrics(run)
	WriteJSON(w, http.StatusOK, run)
}

// handleSampleWorkflow runs a workflow without persisting the result.
// Successful samples are cached per tenant and replayed for subsequent
// sample and validate-expression requests.
func (s *Server) handleSampleWorkflow(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFromContext(r.Context())
	wf, err := s.store.GetWorkflow(r.Context(), r.PathValue("id"), tenant)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var body executeBody
	if err := decodeOptionalBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}

	req, err := s.executeRequest(r, wf, body.Payload, body.Credentials, body.Options)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	run := s.executor.SampleRun(r.Context(), req)
	WriteJSON(w, http.StatusOK, run)
}

// handleExecuteInline runs a workflow definition supplied in the request
// body instead of one looked up from the store.
func (s *Server) handleExecuteInline(w http.ResponseWriter, r *http.Request) {
	var body inlineExecuteBody
	if err := decodeOptionalBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}
	if body.Workflow == nil {
		writeDomainError(w, &errors.ValidationError{Field: "workflow", Message: "workflow definition is required"})
		return
	}

	req, err := s.executeRequest(r, body.Workflow, body.Payload, body.Credentials, body.Options)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	run := s.executor.Execute(r.Context(), req)
	s.recordRunMetrics(run)
	WriteJSON(w, http.StatusOK, run)
}

func (s *Server) executeRequest(r *http.Request, wf *workflow.Workflow, payload map[string]any, creds map[string]string, opts *executeOptions) (engine.ExecuteRequest, error) {
	mode := cache.ModeDisabled
	var timeout time.Duration
	if opts != nil {
		if opts.CacheMode != "" {
			parsed, err := parseCacheMode(opts.CacheMode)
			if err != nil {
				return engine.ExecuteRequest{}, err
			}
			mode = parsed
		}
		if opts.Timeout != nil {
			if *opts.Timeout <= 0 {
				return engine.ExecuteRequest{}, &errors.ValidationError{
					Field:   "options.timeout",
					Message: "timeout must be a positive number of seconds",
				}
			}
			timeout = time.Duration(*opts.Timeout * float64(time.Second))
		}
	}

	return engine.ExecuteRequest{
		Workflow:    wf,
		Payload:     payload,
		Credentials: creds,
		Tenant:      TenantFromContext(r.Context()),
		CacheMode:   mode,
		RequestID:   r.Header.Get("X-Request-ID"),
		Timeout:     timeout,
	}, nil
}

func parseCacheMode(s string) (cache.Mode, error) {
	mode, err := cache.ParseMode(s)
	if err != nil {
		return mode, &errors.ValidationError{Field: "options.cacheMode", Message: err.Error()}
	}
	return mode, nil
}

func (s *Server) recordRunMetrics(run *workflow.RunResult) {
	s.metrics.ObserveRun(run.Success, run.CompletedAt.Sub(run.StartedAt))

	modes := map[string]string{}
	if run.Config != nil {
		for _, step := range run.Config.Steps {
			mode := string(step.ExecutionMode)
			if mode == "" {
				mode = string(workflow.ModeDirect)
			}
			modes[step.ID] = mode
		}
	}
	for _, sr := range run.StepResults {
		s.metrics.ObserveStep(modes[sr.StepID], sr.Success)
		if status, ok := sr.Metadata["lastStatus"].(int); ok && status > 0 {
			s.metrics.UpstreamHTTP.WithLabelValues(strconv.Itoa(status)).Inc()
		}
	}
}

type validateExpressionBody struct {
	Expression string         `json:"expression"`
	Schema     map[string]any `json:"schema,omitempty"`
}

// handleValidateExpression evaluates a candidate expression against the
// workflow's sample run, producing one if none is cached. The evaluation
// outcome is reported in the body, not the status code.
func (s *Server) handleValidateExpression(w http.ResponseWriter, r *http.Request) {
	var body validateExpressionBody
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}
	if body.Expression == "" {
		writeDomainError(w, &errors.ValidationError{Field: "expression", Message: "expression is required"})
		return
	}

	if err := s.eval.Validate(body.Expression); err != nil {
		WriteJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}

	tenant := TenantFromContext(r.Context())
	id := r.PathValue("id")

	sample, ok := s.samples.Get(tenant, id)
	if !ok {
		wf, err := s.store.GetWorkflow(r.Context(), id, tenant)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		sample = s.executor.SampleRun(r.Context(), engine.ExecuteRequest{
			Workflow:  wf,
			Tenant:    tenant,
			CacheMode: cache.ModeDisabled,
			RequestID: r.Header.Get("X-Request-ID"),
		})
	}
	if !sample.Success {
		WriteJSON(w, http.StatusOK, map[string]any{
			"valid": false,
			"error": "sample run failed: " + sample.Error,
		})
		return
	}

	result := s.eval.EvaluateWithSchema(r.Context(), body.Expression, sampleEnv(sample), body.Schema)
	if !result.Success {
		WriteJSON(w, http.StatusOK, map[string]any{"valid": false, "error": result.Error, "result": result.Data})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"valid": true, "result": result.Data})
}

// sampleEnv rebuilds the run context a final transform would see: each
// step's transformed output under its step id.
func sampleEnv(run *workflow.RunResult) map[string]any {
	env := make(map[string]any, len(run.StepResults))
	for _, sr := range run.StepResults {
		env[sr.StepID] = sr.TransformedData
	}
	return env
}
