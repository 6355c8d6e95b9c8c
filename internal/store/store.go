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

// Package store persists workflow, API, extract, and transform
// definitions plus run results, scoped per tenant.
//
// Tenant scoping follows one predicate everywhere, on reads, writes, and
// deletes alike: a nil tenant is the administrative scope and matches
// every row; a non-nil tenant matches only rows written under that
// tenant. There is no fallback to rows owned by anyone else.
package store

import (
	"context"
	"time"

	"github.com/apifuse/apifuse/pkg/workflow"
)

// DefaultListLimit applies when a list call passes limit <= 0.
const DefaultListLimit = 100

// Store is the persistence contract the engine and the RPC surface share.
type Store interface {
	WorkflowStore
	APIStore
	ExtractStore
	TransformStore
	RunStore
	TenantStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string, tenant *string) (*workflow.Workflow, error)

	// UpsertWorkflow stores wf under id for the caller's tenant. Creation
	// time is preserved across updates. The stored copy is returned with
	// id and timestamps populated.
	UpsertWorkflow(ctx context.Context, id string, wf *workflow.Workflow, tenant *string) (*workflow.Workflow, error)

	DeleteWorkflow(ctx context.Context, id string, tenant *string) error

	// ListWorkflows returns a page ordered by id plus the total count of
	// visible workflows.
	ListWorkflows(ctx context.Context, tenant *string, limit, offset int) ([]*workflow.Workflow, int, error)
}

// APIStore persists standalone API configs.
type APIStore interface {
	GetAPI(ctx context.Context, id string, tenant *string) (*workflow.ApiConfig, error)
	UpsertAPI(ctx context.Context, id string, api *workflow.ApiConfig, tenant *string) (*workflow.ApiConfig, error)
	DeleteAPI(ctx context.Context, id string, tenant *string) error
	ListAPIs(ctx context.Context, tenant *string, limit, offset int) ([]*workflow.ApiConfig, int, error)

	// RenameAPI moves the configs matching the caller's scope from oldID
	// to newID. A tenant renames only its own row; the admin scope
	// renames every row carrying oldID.
	RenameAPI(ctx context.Context, oldID, newID string, tenant *string) (*workflow.ApiConfig, error)
}

// ExtractStore persists extraction configs.
type ExtractStore interface {
	GetExtract(ctx context.Context, id string, tenant *string) (*workflow.ExtractConfig, error)
	UpsertExtract(ctx context.Context, id string, ec *workflow.ExtractConfig, tenant *string) (*workflow.ExtractConfig, error)
	DeleteExtract(ctx context.Context, id string, tenant *string) error
	ListExtracts(ctx context.Context, tenant *string, limit, offset int) ([]*workflow.ExtractConfig, int, error)
}

// TransformStore persists transform configs.
type TransformStore interface {
	GetTransform(ctx context.Context, id string, tenant *string) (*workflow.TransformConfig, error)
	UpsertTransform(ctx context.Context, id string, tc *workflow.TransformConfig, tenant *string) (*workflow.TransformConfig, error)
	DeleteTransform(ctx context.Context, id string, tenant *string) error
	ListTransforms(ctx context.Context, tenant *string, limit, offset int) ([]*workflow.TransformConfig, int, error)
}

// RunStore persists run results. Runs are immutable once created.
type RunStore interface {
	CreateRun(ctx context.Context, run *workflow.RunResult, tenant *string) error
	GetRun(ctx context.Context, id string, tenant *string) (*workflow.RunResult, error)

	// ListRuns returns runs newest first. A non-empty configID restricts
	// the page to runs of that workflow.
	ListRuns(ctx context.Context, tenant *string, configID string, limit, offset int) ([]*workflow.RunResult, int, error)

	DeleteRun(ctx context.Context, id string, tenant *string) error

	// DeleteAllRuns removes every run visible to the caller.
	DeleteAllRuns(ctx context.Context, tenant *string) error
}

// TenantStore holds the single administrative tenant record.
type TenantStore interface {
	GetTenantInfo(ctx context.Context) (*workflow.TenantInfo, error)

	// SetTenantInfo updates only the fields passed non-nil.
	SetTenantInfo(ctx context.Context, email *string, emailEntrySkipped *bool) error
}

// tenantValue maps the caller scope to the stored column value.
func tenantValue(tenant *string) string {
	if tenant == nil {
		return ""
	}
	return *tenant
}

// clampPage normalizes limit and offset.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
