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

package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/apifuse/apifuse/pkg/errors"
	"github.com/apifuse/apifuse/pkg/workflow"
)

// Definitions are stored as one JSON payload per row; id and timestamps
// are kept in columns and written back into the struct on both paths by a
// per-entity stamper.
type stamper[T any] func(v *T, id string, created, updated time.Time)

func stampWorkflow(w *workflow.Workflow, id string, created, updated time.Time) {
	w.ID = id
	w.CreatedAt, w.UpdatedAt = &created, &updated
}

func stampAPI(a *workflow.ApiConfig, id string, created, updated time.Time) {
	a.ID = id
	a.CreatedAt, a.UpdatedAt = &created, &updated
}

func stampExtract(e *workflow.ExtractConfig, id string, created, updated time.Time) {
	e.ID = id
	e.CreatedAt, e.UpdatedAt = &created, &updated
}

func stampTransform(t *workflow.TransformConfig, id string, created, updated time.Time) {
	t.ID = id
	t.CreatedAt, t.UpdatedAt = &created, &updated
}

func encodePayload[T any](entity string, v *T) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &errors.StoreError{Op: "marshal", Entity: entity, Cause: err}
	}
	return raw, nil
}

func decodeRow[T any](entity string, payload []byte, id string, created, updated time.Time, stamp stamper[T]) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, &errors.StoreError{
			Op:     "unmarshal",
			Entity: entity,
			Cause:  fmt.Errorf("row %q: %w", id, err),
		}
	}
	stamp(v, id, created, updated)
	return v, nil
}

func decodeRun(payload []byte) (*workflow.RunResult, error) {
	var run workflow.RunResult
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, &errors.StoreError{Op: "unmarshal", Entity: "run", Cause: err}
	}
	return &run, nil
}

func notFound(resource, id string) error {
	return &errors.NotFoundError{Resource: resource, ID: id}
}
