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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apifuse/apifuse/internal/caller"
	"github.com/apifuse/apifuse/internal/expression"
	"github.com/apifuse/apifuse/internal/store"
	"github.com/apifuse/apifuse/pkg/httpclient"
	"github.com/apifuse/apifuse/pkg/workflow"
)

func newTestExecutor(t *testing.T, opts ExecutorOptions) *Executor {
	t.Helper()

	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.Timeout = 5 * time.Second

	eval := expression.New(0, 0)
	runner := NewRunner(caller.New(cfg, nil, nil), eval, nil, 0)
	return NewExecutor(runner, eval, opts)
}

// dogServer mimics the dog.ceo API shape: a breed listing plus a
// per-breed random image endpoint.
func dogServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/breeds/list/all", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"message":{"beagle":[],"boxer":[]},"status":"success"}`)
	})
	mux.HandleFunc("GET /api/breed/{breed}/images/random", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"message":"https://images.example.com/%s.jpg","status":"success"}`, r.PathValue("breed"))
	})
	return httptest.NewServer(mux)
}

func TestExecuteDirectThenLoop(t *testing.T) {
	srv := dogServer(t)
	defer srv.Close()

	wf := &workflow.Workflow{
		ID: "dog-breeds",
		Steps: []workflow.Step{
			{
				ID: "getAllBreeds",
				ApiConfig: workflow.ApiConfig{
					URLHost:  srv.URL,
					URLPath:  "/api/breeds/list/all",
					Method:   "GET",
					DataPath: "message",
				},
				ResponseMapping: "$keys($)",
			},
			{
				ID: "getBreedImage",
				ApiConfig: workflow.ApiConfig{
					URLHost: srv.URL,
					URLPath: "/api/breed/{value}/images/random",
					Method:  "GET",
				},
				ExecutionMode:   workflow.ModeLoop,
				LoopSelector:    "getAllBreeds",
				ResponseMapping: `{"breed": loopValue, "image": message}`,
			},
		},
		FinalTransform: "getBreedImage",
	}

	run := newTestExecutor(t, ExecutorOptions{}).Execute(context.Background(), ExecuteRequest{Workflow: wf})
	require.True(t, run.Success, "run error: %s", run.Error)
	require.Len(t, run.StepResults, 2)

	items, ok := run.Data.([]any)
	require.True(t, ok, "final data should be a sequence, got %T", run.Data)
	require.Len(t, items, 2)

	breeds := map[string]string{}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		require.True(t, ok)
		breed, _ := obj["breed"].(string)
		image, _ := obj["image"].(string)
		breeds[breed] = image
	}
	assert.Contains(t, breeds, "beagle")
	assert.Contains(t, breeds, "boxer")
	assert.Equal(t, "https://images.example.com/beagle.jpg", breeds["beagle"])
}

func TestExecutePayloadBinding(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"hits":3}`)
	}))
	defer srv.Close()

	wf := &workflow.Workflow{
		ID: "search",
		Steps: []workflow.Step{{
			ID: "query",
			ApiConfig: workflow.ApiConfig{
				URLHost: srv.URL,
				Method:  "POST",
				Body:    `{"q":"{term}"}`,
			},
		}},
		FinalTransform: "query.hits",
	}

	run := newTestExecutor(t, ExecutorOptions{}).Execute(context.Background(), ExecuteRequest{
		Workflow: wf,
		Payload:  map[string]any{"term": "abc"},
	})
	require.True(t, run.Success, "run error: %s", run.Error)
	assert.Equal(t, `{"q":"abc"}`, gotBody)
	assert.Equal(t, 3.0, run.Data)
}

func TestExecuteConditionSkipsStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	api := workflow.ApiConfig{URLHost: srv.URL, Method: "GET"}
	wf := &workflow.Workflow{
		ID: "conditional",
		Steps: []workflow.Step{
			{ID: "always", ApiConfig: api},
			{ID: "never", ApiConfig: api, Condition: "includeExtra == true"},
		},
	}

	run := newTestExecutor(t, ExecutorOptions{}).Execute(context.Background(), ExecuteRequest{
		Workflow: wf,
		Payload:  map[string]any{"includeExtra": false},
	})
	require.True(t, run.Success, "run error: %s", run.Error)
	require.Len(t, run.StepResults, 1, "skipped steps contribute no step result")
	assert.Equal(t, "always", run.StepResults[0].StepID)
}

func TestExecuteRunTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	wf := &workflow.Workflow{
		ID: "slow",
		Steps: []workflow.Step{{
			ID:        "wait",
			ApiConfig: workflow.ApiConfig{URLHost: srv.URL, Method: "GET"},
		}},
	}

	run := newTestExecutor(t, ExecutorOptions{Timeout: 50 * time.Millisecond}).
		Execute(context.Background(), ExecuteRequest{Workflow: wf})
	assert.False(t, run.Success)
	assert.Contains(t, strings.ToLower(run.Error), "timeout")
}

func TestExecuteRequestTimeoutOverridesDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	wf := &workflow.Workflow{
		ID: "slow",
		Steps: []workflow.Step{{
			ID:        "wait",
			ApiConfig: workflow.ApiConfig{URLHost: srv.URL, Method: "GET"},
		}},
	}

	// The per-request deadline wins over a generous executor default.
	run := newTestExecutor(t, ExecutorOptions{Timeout: 30 * time.Second}).
		Execute(context.Background(), ExecuteRequest{Workflow: wf, Timeout: 50 * time.Millisecond})
	assert.False(t, run.Success)
	assert.Contains(t, strings.ToLower(run.Error), "timeout")
}

func TestExecuteSchemaFailureKeepsData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"count":"many"}`)
	}))
	defer srv.Close()

	wf := &workflow.Workflow{
		ID: "typed",
		Steps: []workflow.Step{{
			ID:        "fetch",
			ApiConfig: workflow.ApiConfig{URLHost: srv.URL, Method: "GET"},
		}},
		FinalTransform: "fetch",
		ResponseSchema: map[string]any{
			"type":     "object",
			"required": []any{"count"},
			"properties": map[string]any{
				"count": map[string]any{"type": "integer"},
			},
		},
	}

	run := newTestExecutor(t, ExecutorOptions{}).Execute(context.Background(), ExecuteRequest{Workflow: wf})
	assert.False(t, run.Success)
	assert.Contains(t, run.Error, "count")
	require.NotNil(t, run.Data, "data must survive schema failure")
	obj, ok := run.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "many", obj["count"])
}

func TestExecuteAbortsOnStepFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	var called bool
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		fmt.Fprint(w, `{}`)
	}))
	defer second.Close()

	wf := &workflow.Workflow{
		ID: "failing",
		Steps: []workflow.Step{
			{ID: "first", ApiConfig: workflow.ApiConfig{URLHost: srv.URL, Method: "GET"}},
			{ID: "second", ApiConfig: workflow.ApiConfig{URLHost: second.URL, Method: "GET"}},
		},
	}

	run := newTestExecutor(t, ExecutorOptions{}).Execute(context.Background(), ExecuteRequest{Workflow: wf})
	assert.False(t, run.Success)
	assert.Contains(t, run.Error, `step "first" failed`)
	require.Len(t, run.StepResults, 1)
	assert.False(t, run.StepResults[0].Success)
	assert.False(t, called, "later steps must not run after a failure")
}

func TestExecuteRejectsInvalidWorkflow(t *testing.T) {
	run := newTestExecutor(t, ExecutorOptions{}).Execute(context.Background(), ExecuteRequest{
		Workflow: &workflow.Workflow{ID: "empty"},
	})
	assert.False(t, run.Success)
	assert.Contains(t, run.Error, "invalid workflow")
}

func TestExecutePersistsRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	runs := store.NewMemory()
	tenant := "t1"

	wf := &workflow.Workflow{
		ID: "persisted",
		Steps: []workflow.Step{{
			ID:        "fetch",
			ApiConfig: workflow.ApiConfig{URLHost: srv.URL, Method: "GET"},
		}},
	}

	exec := newTestExecutor(t, ExecutorOptions{Runs: runs})
	run := exec.Execute(context.Background(), ExecuteRequest{Workflow: wf, Tenant: &tenant})
	require.True(t, run.Success)

	stored, total, err := runs.ListRuns(context.Background(), &tenant, "persisted", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, stored, 1)
	assert.Equal(t, run.ID, stored[0].ID)
	assert.Equal(t, "persisted", stored[0].ConfigID())
}

func TestSampleRunCachesAndSkipsPersistence(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	runs := store.NewMemory()
	exec := newTestExecutor(t, ExecutorOptions{Runs: runs, Samples: NewSampleCache(0)})

	wf := &workflow.Workflow{
		ID: "sampled",
		Steps: []workflow.Step{{
			ID:        "fetch",
			ApiConfig: workflow.ApiConfig{URLHost: srv.URL, Method: "GET"},
		}},
	}

	first := exec.SampleRun(context.Background(), ExecuteRequest{Workflow: wf})
	require.True(t, first.Success)
	assert.Equal(t, 1, calls)

	second := exec.SampleRun(context.Background(), ExecuteRequest{Workflow: wf})
	assert.Equal(t, first.ID, second.ID, "second sample must come from the cache")
	assert.Equal(t, 1, calls)

	_, total, err := runs.ListRuns(context.Background(), nil, "", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total, "sample runs are not persisted")
}

func TestExecuteEmitsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	broker := NewBroker()
	events, cancel := broker.Subscribe(16)
	defer cancel()

	wf := &workflow.Workflow{
		ID: "observed",
		Steps: []workflow.Step{{
			ID:        "fetch",
			ApiConfig: workflow.ApiConfig{URLHost: srv.URL, Method: "GET"},
		}},
	}

	exec := newTestExecutor(t, ExecutorOptions{Broker: broker})
	run := exec.Execute(context.Background(), ExecuteRequest{Workflow: wf})
	require.True(t, run.Success)

	var types []EventType
	for len(events) > 0 {
		ev := <-events
		assert.Equal(t, run.ID, ev.RunID)
		assert.Equal(t, "observed", ev.WorkflowID)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventRunStarted, EventStepStarted, EventStepCompleted, EventRunCompleted}, types)
}
