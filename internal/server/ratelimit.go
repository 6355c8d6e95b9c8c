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
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// tenantLimiter applies a token bucket per tenant scope. The admin scope
// gets its own bucket.
type tenantLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newTenantLimiter(rps float64, burst int) *tenantLimiter {
	return &tenantLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *tenantLimiter) allow(tenant *string) bool {
	scope := "admin"
	if tenant != nil {
		scope = *tenant
	}

	l.mu.Lock()
	bucket, ok := l.buckets[scope]
	if !ok {
		bucket = rate.NewLimiter(l.rps, l.burst)
		l.buckets[scope] = bucket
	}
	l.mu.Unlock()

	return bucket.Allow()
}

// rateLimitMiddleware rejects requests over the per-tenant budget.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(TenantFromContext(r.Context())) {
			WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
