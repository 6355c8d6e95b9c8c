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

// Package cache provides the process-wide upstream response cache.
//
// Keys are fingerprints of the outgoing request with credential values
// masked, prefixed by tenant id so responses never mix across tenants.
package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Mode controls how a run interacts with the response cache.
type Mode string

const (
	// ModeEnabled reads and writes the cache.
	ModeEnabled Mode = "ENABLED"
	// ModeReadonly reads but never writes.
	ModeReadonly Mode = "READONLY"
	// ModeWriteonly writes but never reads.
	ModeWriteonly Mode = "WRITEONLY"
	// ModeDisabled bypasses the cache entirely. Default for interactive runs.
	ModeDisabled Mode = "DISABLED"
)

// ParseMode maps a wire string onto a Mode. Empty selects ModeDisabled;
// unknown values are reported so callers can reject bad options.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(s)) {
	case "":
		return ModeDisabled, nil
	case ModeEnabled:
		return ModeEnabled, nil
	case ModeReadonly:
		return ModeReadonly, nil
	case ModeWriteonly:
		return ModeWriteonly, nil
	case ModeDisabled:
		return ModeDisabled, nil
	default:
		return "", fmt.Errorf("unknown cache mode %q", s)
	}
}

// Reads reports whether the mode consults the cache.
func (m Mode) Reads() bool { return m == ModeEnabled || m == ModeReadonly }

// Writes reports whether the mode populates the cache.
func (m Mode) Writes() bool { return m == ModeEnabled || m == ModeWriteonly }

// DefaultTTL bounds how long a cached upstream response is served.
const DefaultTTL = 5 * time.Minute

type entry struct {
	value     any
	expiresAt time.Time
}

// ResponseCache is a process-wide, tenant-partitioned response cache.
// Safe for concurrent use.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
}

// New creates a ResponseCache. A zero ttl selects DefaultTTL.
func New(ttl time.Duration) *ResponseCache {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &ResponseCache{
		entries: make(map[string]entry),
		ttl:     ttl,
	}
}

// Get returns the cached value for a key, if present and fresh.
func (c *ResponseCache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Put stores a value under a key.
func (c *ResponseCache) Put(key string, value any) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Len reports the number of live entries (expired entries may be counted
// until their next Get).
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Fingerprint computes a stable cache key for a request. Headers and query
// params are hashed in sorted order; any credential value occurring in the
// request text is masked first so secrets never influence the key and two
// tenants with different credentials for the same call share nothing
// (tenant partitioning handles isolation).
func Fingerprint(tenant *string, method, fullURL string, headers map[string]string, query map[string]string, body string, credentialValues []string) string {
	mask := func(s string) string {
		for _, cred := range credentialValues {
			if cred == "" {
				continue
			}
			s = strings.ReplaceAll(s, cred, "***")
		}
		return s
	}

	d := xxhash.New()
	writePart := func(s string) {
		_, _ = d.WriteString(mask(s))
		_, _ = d.Write([]byte{0})
	}

	writePart(strings.ToUpper(method))
	writePart(fullURL)

	for _, k := range sortedKeys(headers) {
		writePart(k + "=" + headers[k])
	}
	for _, k := range sortedKeys(query) {
		writePart(k + "=" + query[k])
	}
	writePart(body)

	scope := "admin"
	if tenant != nil {
		scope = *tenant
	}
	return fmt.Sprintf("%s:%016x", scope, d.Sum64())
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
