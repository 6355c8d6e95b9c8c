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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apifuse/apifuse/internal/caller"
	"github.com/apifuse/apifuse/internal/expression"
	"github.com/apifuse/apifuse/pkg/httpclient"
	"github.com/apifuse/apifuse/pkg/workflow"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()

	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.Timeout = 5 * time.Second
	return NewRunner(caller.New(cfg, nil, nil), expression.New(0, 0), nil, 0)
}

func TestRunStepLoopTruncation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%q}`, r.URL.Query().Get("item"))
	}))
	defer srv.Close()

	result, err := newTestRunner(t).RunStep(context.Background(), StepRequest{
		Step: workflow.Step{
			ID: "fanout",
			ApiConfig: workflow.ApiConfig{
				URLHost:     srv.URL,
				Method:      "GET",
				QueryParams: map[string]any{"item": "{value}"},
			},
			ExecutionMode: workflow.ModeLoop,
			LoopSelector:  "items",
			LoopMaxIters:  2,
		},
		Context: map[string]any{"items": []any{"a", "b", "c", "d", "e"}},
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)

	assert.Equal(t, true, result.Metadata["truncated"])
	assert.Equal(t, 5, result.Metadata["totalItems"])
	assert.Equal(t, 2, result.Metadata["iterations"])

	raw, ok := result.RawData.([]any)
	require.True(t, ok)
	require.Len(t, raw, 2)
	assert.Equal(t, map[string]any{"id": "a"}, raw[0])
	assert.Equal(t, map[string]any{"id": "b"}, raw[1])
}

func TestRunStepLoopAbortsOnFirstError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("item") == "bad" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	result, err := newTestRunner(t).RunStep(context.Background(), StepRequest{
		Step: workflow.Step{
			ID: "fanout",
			ApiConfig: workflow.ApiConfig{
				URLHost:     srv.URL,
				Method:      "GET",
				QueryParams: map[string]any{"item": "{value}"},
			},
			ExecutionMode: workflow.ModeLoop,
			LoopSelector:  "items",
		},
		Context: map[string]any{"items": []any{"good", "bad", "also-good"}},
	})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "iteration")
}

func TestRunStepLoopDefaultMappingCarriesBindings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"message":"https://img/%s.jpg"}`, r.URL.Query().Get("breed"))
	}))
	defer srv.Close()

	result, err := newTestRunner(t).RunStep(context.Background(), StepRequest{
		Step: workflow.Step{
			ID: "getBreedImage",
			ApiConfig: workflow.ApiConfig{
				URLHost:     srv.URL,
				Method:      "GET",
				QueryParams: map[string]any{"breed": "{value}"},
			},
			ExecutionMode: workflow.ModeLoop,
			LoopSelector:  "breeds",
		},
		Context: map[string]any{"breeds": []any{"beagle", "boxer"}},
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)

	// Without a response mapping each transformed item still records
	// which iteration produced it, so later transforms can project
	// loopValue alongside the payload fields.
	items, ok := result.TransformedData.([]any)
	require.True(t, ok, "expected sequence, got %T", result.TransformedData)
	require.Len(t, items, 2)

	first, ok := items[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "beagle", first["loopValue"])
	assert.Equal(t, 0, first["loopIndex"])
	assert.Equal(t, "https://img/beagle.jpg", first["message"])

	second, ok := items[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "boxer", second["loopValue"])
	assert.Equal(t, "https://img/boxer.jpg", second["message"])
}

func TestRunStepLoopEmptySelection(t *testing.T) {
	result, err := newTestRunner(t).RunStep(context.Background(), StepRequest{
		Step: workflow.Step{
			ID: "fanout",
			ApiConfig: workflow.ApiConfig{
				URLHost: "http://localhost:1",
				Method:  "GET",
			},
			ExecutionMode: workflow.ModeLoop,
			LoopSelector:  "missing",
		},
		Context: map[string]any{"items": []any{}},
	})
	require.NoError(t, err, "an absent selector yields an empty loop, not an error")
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, []any{}, result.RawData)
	assert.Equal(t, 0, result.Metadata["iterations"])
}

func TestRunStepLoopScalarIteratesOnce(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	result, err := newTestRunner(t).RunStep(context.Background(), StepRequest{
		Step: workflow.Step{
			ID:            "single",
			ApiConfig:     workflow.ApiConfig{URLHost: srv.URL, Method: "GET"},
			ExecutionMode: workflow.ModeLoop,
			LoopSelector:  "one",
		},
		Context: map[string]any{"one": "solo"},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, result.Metadata["iterations"])
}

func TestRunStepInputMapping(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("name")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	_, err := newTestRunner(t).RunStep(context.Background(), StepRequest{
		Step: workflow.Step{
			ID: "mapped",
			ApiConfig: workflow.ApiConfig{
				URLHost:     srv.URL,
				Method:      "GET",
				QueryParams: map[string]any{"name": "{value}"},
			},
			InputMapping: "user.name",
		},
		Context: map[string]any{"user": map[string]any{"name": "ada"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ada", gotQuery)
}

func TestRunStepConditionError(t *testing.T) {
	result, err := newTestRunner(t).RunStep(context.Background(), StepRequest{
		Step: workflow.Step{
			ID:        "broken",
			ApiConfig: workflow.ApiConfig{URLHost: "http://localhost:1", Method: "GET"},
			Condition: "this is not an expression ((",
		},
		Context: map[string]any{},
	})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
}

func TestBrokerDropsSlowSubscribers(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventRunStarted, RunID: "r"})
	}
	assert.Len(t, ch, 1, "overflow events are dropped, not blocking")
}

func TestBrokerCancelClosesChannel(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.SubscriberCount())
}
