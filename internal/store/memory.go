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
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/apifuse/apifuse/pkg/errors"
	"github.com/apifuse/apifuse/pkg/workflow"
)

// Compile-time interface assertion.
var _ Store = (*Memory)(nil)

type memKey struct {
	id     string
	tenant string
}

type memRecord struct {
	payload   []byte
	createdAt time.Time
	updatedAt time.Time
}

type memRun struct {
	payload   []byte
	configID  string
	startedAt time.Time
}

// Memory is an in-process Store for tests and ephemeral deployments.
// Rows are kept as JSON payloads so reads return independent copies, the
// same way the SQLite backend behaves.
type Memory struct {
	mu         sync.RWMutex
	workflows  map[memKey]memRecord
	apis       map[memKey]memRecord
	extracts   map[memKey]memRecord
	transforms map[memKey]memRecord
	runs       map[memKey]memRun
	tenantInfo workflow.TenantInfo
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workflows:  make(map[memKey]memRecord),
		apis:       make(map[memKey]memRecord),
		extracts:   make(map[memKey]memRecord),
		transforms: make(map[memKey]memRecord),
		runs:       make(map[memKey]memRun),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

// visible reports whether a row owned by rowTenant matches the caller
// scope. The nil (admin) scope matches every row; a tenant matches only
// its own rows.
func visible(rowTenant string, tenant *string) bool {
	return tenant == nil || rowTenant == *tenant
}

// memGet reads the row for id within the caller scope. The admin scope
// picks the lowest tenant value so repeated reads are deterministic.
func memGet[T any](m *Memory, rows map[memKey]memRecord, resource, id string, tenant *string, stamp stamper[T]) (*T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if key, ok := matchKey(rows, id, tenant); ok {
		rec := rows[key]
		return decodeRow(resource, rec.payload, id, rec.createdAt, rec.updatedAt, stamp)
	}
	return nil, notFound(resource, id)
}

// matchKey finds the key for id matching the caller scope, preferring the
// lowest tenant value when the admin scope matches several.
func matchKey(rows map[memKey]memRecord, id string, tenant *string) (memKey, bool) {
	if tenant != nil {
		key := memKey{id: id, tenant: *tenant}
		_, ok := rows[key]
		return key, ok
	}

	var best memKey
	found := false
	for key := range rows {
		if key.id != id {
			continue
		}
		if !found || key.tenant < best.tenant {
			best = key
			found = true
		}
	}
	return best, found
}

func memUpsert[T any](m *Memory, rows map[memKey]memRecord, resource, id string, tenant *string, v *T, stamp stamper[T]) (*T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey{id: id, tenant: tenantValue(tenant)}
	now := nowUTC()
	created := now
	if prev, ok := rows[key]; ok {
		created = prev.createdAt
	}

	stamp(v, id, created, now)
	payload, err := encodePayload(resource, v)
	if err != nil {
		return nil, err
	}

	rows[key] = memRecord{payload: payload, createdAt: created, updatedAt: now}
	return v, nil
}

// memDelete removes the rows for id matching the caller scope. A tenant
// can only remove its own row; the admin scope removes every row with
// that id.
func memDelete(m *Memory, rows map[memKey]memRecord, resource, id string, tenant *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := false
	for key := range rows {
		if key.id == id && visible(key.tenant, tenant) {
			delete(rows, key)
			deleted = true
		}
	}
	if !deleted {
		return notFound(resource, id)
	}
	return nil
}

func memList[T any](m *Memory, rows map[memKey]memRecord, resource string, tenant *string, limit, offset int, stamp stamper[T]) ([]*T, int, error) {
	limit, offset = clampPage(limit, offset)

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]memKey, 0, len(rows))
	for key := range rows {
		if visible(key.tenant, tenant) {
			keys = append(keys, key)
		}
	}
	// Admin listings can carry the same id under several tenants; a
	// secondary tenant order keeps pages stable.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].id == keys[j].id {
			return keys[i].tenant < keys[j].tenant
		}
		return keys[i].id < keys[j].id
	})

	total := len(keys)
	if offset >= total {
		return []*T{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	out := make([]*T, 0, end-offset)
	for _, key := range keys[offset:end] {
		rec := rows[key]
		v, err := decodeRow(resource, rec.payload, key.id, rec.createdAt, rec.updatedAt, stamp)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	return out, total, nil
}

func (m *Memory) GetWorkflow(ctx context.Context, id string, tenant *string) (*workflow.Workflow, error) {
	return memGet(m, m.workflows, "workflow", id, tenant, stampWorkflow)
}

func (m *Memory) UpsertWorkflow(ctx context.Context, id string, wf *workflow.Workflow, tenant *string) (*workflow.Workflow, error) {
	return memUpsert(m, m.workflows, "workflow", id, tenant, wf, stampWorkflow)
}

func (m *Memory) DeleteWorkflow(ctx context.Context, id string, tenant *string) error {
	return memDelete(m, m.workflows, "workflow", id, tenant)
}

func (m *Memory) ListWorkflows(ctx context.Context, tenant *string, limit, offset int) ([]*workflow.Workflow, int, error) {
	return memList(m, m.workflows, "workflow", tenant, limit, offset, stampWorkflow)
}

func (m *Memory) GetAPI(ctx context.Context, id string, tenant *string) (*workflow.ApiConfig, error) {
	return memGet(m, m.apis, "api", id, tenant, stampAPI)
}

func (m *Memory) UpsertAPI(ctx context.Context, id string, api *workflow.ApiConfig, tenant *string) (*workflow.ApiConfig, error) {
	return memUpsert(m, m.apis, "api", id, tenant, api, stampAPI)
}

func (m *Memory) DeleteAPI(ctx context.Context, id string, tenant *string) error {
	return memDelete(m, m.apis, "api", id, tenant)
}

func (m *Memory) ListAPIs(ctx context.Context, tenant *string, limit, offset int) ([]*workflow.ApiConfig, int, error) {
	return memList(m, m.apis, "api", tenant, limit, offset, stampAPI)
}

func (m *Memory) RenameAPI(ctx context.Context, oldID, newID string, tenant *string) (*workflow.ApiConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.apis {
		if key.id == newID && visible(key.tenant, tenant) {
			return nil, &errors.StoreError{
				Op:     "rename",
				Entity: "api",
				Cause:  fmt.Errorf("api %q already exists", newID),
			}
		}
	}

	var moved []memKey
	for key := range m.apis {
		if key.id == oldID && visible(key.tenant, tenant) {
			moved = append(moved, key)
		}
	}
	if len(moved) == 0 {
		return nil, notFound("api", oldID)
	}

	now := nowUTC()
	for _, key := range moved {
		rec := m.apis[key]
		delete(m.apis, key)
		rec.updatedAt = now
		m.apis[memKey{id: newID, tenant: key.tenant}] = rec
	}

	renamedKey, _ := matchKey(m.apis, newID, tenant)
	rec := m.apis[renamedKey]
	return decodeRow("api", rec.payload, newID, rec.createdAt, rec.updatedAt, stampAPI)
}

func (m *Memory) GetExtract(ctx context.Context, id string, tenant *string) (*workflow.ExtractConfig, error) {
	return memGet(m, m.extracts, "extract", id, tenant, stampExtract)
}

func (m *Memory) UpsertExtract(ctx context.Context, id string, ec *workflow.ExtractConfig, tenant *string) (*workflow.ExtractConfig, error) {
	return memUpsert(m, m.extracts, "extract", id, tenant, ec, stampExtract)
}

func (m *Memory) DeleteExtract(ctx context.Context, id string, tenant *string) error {
	return memDelete(m, m.extracts, "extract", id, tenant)
}

func (m *Memory) ListExtracts(ctx context.Context, tenant *string, limit, offset int) ([]*workflow.ExtractConfig, int, error) {
	return memList(m, m.extracts, "extract", tenant, limit, offset, stampExtract)
}

func (m *Memory) GetTransform(ctx context.Context, id string, tenant *string) (*workflow.TransformConfig, error) {
	return memGet(m, m.transforms, "transform", id, tenant, stampTransform)
}

func (m *Memory) UpsertTransform(ctx context.Context, id string, tc *workflow.TransformConfig, tenant *string) (*workflow.TransformConfig, error) {
	return memUpsert(m, m.transforms, "transform", id, tenant, tc, stampTransform)
}

func (m *Memory) DeleteTransform(ctx context.Context, id string, tenant *string) error {
	return memDelete(m, m.transforms, "transform", id, tenant)
}

func (m *Memory) ListTransforms(ctx context.Context, tenant *string, limit, offset int) ([]*workflow.TransformConfig, int, error) {
	return memList(m, m.transforms, "transform", tenant, limit, offset, stampTransform)
}

func (m *Memory) CreateRun(ctx context.Context, run *workflow.RunResult, tenant *string) error {
	payload, err := encodePayload("run", run)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs[memKey{id: run.ID, tenant: tenantValue(tenant)}] = memRun{
		payload:   payload,
		configID:  run.ConfigID(),
		startedAt: run.StartedAt,
	}
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id string, tenant *string) (*workflow.RunResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key, rec := range m.runs {
		if key.id == id && visible(key.tenant, tenant) {
			return decodeRun(rec.payload)
		}
	}
	return nil, notFound("run", id)
}

func (m *Memory) ListRuns(ctx context.Context, tenant *string, configID string, limit, offset int) ([]*workflow.RunResult, int, error) {
	limit, offset = clampPage(limit, offset)

	m.mu.RLock()
	defer m.mu.RUnlock()

	type entry struct {
		key memKey
		rec memRun
	}
	var entries []entry
	for key, rec := range m.runs {
		if !visible(key.tenant, tenant) {
			continue
		}
		if configID != "" && rec.configID != configID {
			continue
		}
		entries = append(entries, entry{key: key, rec: rec})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].rec.startedAt.Equal(entries[j].rec.startedAt) {
			return entries[i].key.id < entries[j].key.id
		}
		return entries[i].rec.startedAt.After(entries[j].rec.startedAt)
	})

	total := len(entries)
	if offset >= total {
		return []*workflow.RunResult{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	out := make([]*workflow.RunResult, 0, end-offset)
	for _, e := range entries[offset:end] {
		run, err := decodeRun(e.rec.payload)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, run)
	}
	return out, total, nil
}

func (m *Memory) DeleteRun(ctx context.Context, id string, tenant *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := false
	for key := range m.runs {
		if key.id == id && visible(key.tenant, tenant) {
			delete(m.runs, key)
			deleted = true
		}
	}
	if !deleted {
		return notFound("run", id)
	}
	return nil
}

func (m *Memory) DeleteAllRuns(ctx context.Context, tenant *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.runs {
		if visible(key.tenant, tenant) {
			delete(m.runs, key)
		}
	}
	return nil
}

func (m *Memory) GetTenantInfo(ctx context.Context) (*workflow.TenantInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := m.tenantInfo
	return &info, nil
}

func (m *Memory) SetTenantInfo(ctx context.Context, email *string, emailEntrySkipped *bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if email != nil {
		m.tenantInfo.Email = *email
	}
	if emailEntrySkipped != nil {
		m.tenantInfo.EmailEntrySkipped = *emailEntrySkipped
	}
	return nil
}
