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
	"sync"
	"time"

	"github.com/apifuse/apifuse/pkg/workflow"
)

// DefaultSampleTTL bounds how long a sample run stays fresh.
const DefaultSampleTTL = 10 * time.Minute

type sampleKey struct {
	tenant     string
	workflowID string
}

type sampleEntry struct {
	run     *workflow.RunResult
	expires time.Time
}

// SampleCache holds recent sample runs per (tenant, workflow) so mapping
// authoring in a client can iterate without re-calling upstream APIs.
type SampleCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[sampleKey]sampleEntry
}

// NewSampleCache creates a cache; ttl <= 0 selects the default.
func NewSampleCache(ttl time.Duration) *SampleCache {
	if ttl <= 0 {
		ttl = DefaultSampleTTL
	}
	return &SampleCache{ttl: ttl, entries: make(map[sampleKey]sampleEntry)}
}

func (c *SampleCache) key(tenant *string, workflowID string) sampleKey {
	k := sampleKey{workflowID: workflowID}
	if tenant != nil {
		k.tenant = *tenant
	}
	return k
}

// Get returns a fresh cached sample, if any.
func (c *SampleCache) Get(tenant *string, workflowID string) (*workflow.RunResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.key(tenant, workflowID)
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.run, true
}

// Put stores a sample run.
func (c *SampleCache) Put(tenant *string, workflowID string, run *workflow.RunResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(tenant, workflowID)] = sampleEntry{
		run:     run,
		expires: time.Now().Add(c.ttl),
	}
}

// Invalidate drops the sample for one workflow, e.g. after its definition
// changed.
func (c *SampleCache) Invalidate(tenant *string, workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, c.key(tenant, workflowID))
}

// SampleRun returns a cached sample for the workflow when fresh,
// otherwise executes it once and caches the outcome. Sample runs are
// never persisted.
func (e *Executor) SampleRun(ctx context.Context, req ExecuteRequest) *workflow.RunResult {
	cacheable := e.samples != nil && req.Workflow.ID != ""
	if cacheable {
		if run, ok := e.samples.Get(req.Tenant, req.Workflow.ID); ok {
			return run
		}
	}

	req.SkipPersist = true
	run := e.Execute(ctx, req)
	if cacheable && run.Success {
		e.samples.Put(req.Tenant, req.Workflow.ID, run)
	}
	return run
}
