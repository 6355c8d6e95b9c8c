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

// Package httpclient builds the http.Client used for all upstream API
// calls made by workflow steps.
//
// The client composes transport layers:
//   - Retries with exponential backoff and jitter, honoring Retry-After
//   - Request logging with sanitized URLs (sensitive params redacted)
//   - User-Agent injection and per-run request id propagation
//   - TLS 1.2+ and connection pooling
//
// Workflow steps describe calls declaratively, so the engine opts in to
// retrying non-idempotent methods as well; callers that proxy arbitrary
// traffic should leave AllowNonIdempotentRetry off.
package httpclient
