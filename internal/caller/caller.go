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

// Package caller materializes an ApiConfig plus a bound input into one or
// more HTTP requests and returns a single decoded payload.
package caller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/apifuse/apifuse/internal/cache"
	"github.com/apifuse/apifuse/pkg/errors"
	"github.com/apifuse/apifuse/pkg/httpclient"
	"github.com/apifuse/apifuse/pkg/workflow"
)

const (
	// maxPages guards against pagination loops that never terminate.
	maxPages = 500

	// defaultPageSize applies when pagination is enabled without a size.
	defaultPageSize = 50

	// maxBodySnippet bounds error-body excerpts.
	maxBodySnippet = 512

	// maxResponseBytes bounds how much of an upstream response is read.
	maxResponseBytes = 50 * 1024 * 1024
)

// Options carries per-call execution options.
type Options struct {
	// Tenant partitions the response cache. Nil means admin scope.
	Tenant *string

	// CacheMode controls response-cache reads and writes.
	CacheMode cache.Mode

	// RequestID is forwarded upstream for correlation.
	RequestID string
}

// Result is the decoded outcome of a call, with pagination already applied.
type Result struct {
	// Data is the decoded payload; for paginated calls, all pages
	// concatenated into one sequence.
	Data any

	// PagesFetched is the number of pages actually requested. Zero means
	// the result came from the response cache.
	PagesFetched int

	// LastStatus is the HTTP status of the final page.
	LastStatus int
}

// Caller executes ApiConfigs. Clients are pooled per (timeout, retries)
// pair so per-config settings reuse transports. Safe for concurrent use.
type Caller struct {
	baseCfg httpclient.Config
	cache   *cache.ResponseCache
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[clientKey]*http.Client
}

type clientKey struct {
	timeout time.Duration
	retries int
}

// New creates a Caller. A nil responseCache disables caching regardless of
// mode.
func New(baseCfg httpclient.Config, responseCache *cache.ResponseCache, logger *slog.Logger) *Caller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Caller{
		baseCfg: baseCfg,
		cache:   responseCache,
		logger:  logger,
		clients: make(map[clientKey]*http.Client),
	}
}

// Call materializes the config into requests, executes them with the
// configured timeout and retries, applies pagination, and decodes the
// response.
func (c *Caller) Call(ctx context.Context, api workflow.ApiConfig, input any, creds map[string]string, opts Options) (*Result, error) {
	b := newBindings(input, creds)

	fullURL, err := substitute(joinURL(api.URLHost, api.URLPath), b, "url")
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(api.Headers))
	for k, v := range api.Headers {
		sub, err := substitute(v, b, "header "+k)
		if err != nil {
			return nil, err
		}
		headers[k] = sub
	}

	query := make(map[string]string, len(api.QueryParams))
	for k, v := range api.QueryParams {
		sub, err := substitute(stringify(v), b, "query param "+k)
		if err != nil {
			return nil, err
		}
		query[k] = sub
	}

	if err := applyAuth(ctx, &api, creds, headers, query); err != nil {
		return nil, err
	}

	method := strings.ToUpper(api.Method)
	body := ""
	if api.Body != "" && methodHasBody(method) {
		if body, err = substitute(api.Body, b, "body"); err != nil {
			return nil, err
		}
	}

	key := cache.Fingerprint(opts.Tenant, method, fullURL, headers, query, body, credentialValues(creds))
	if c.cache != nil && opts.CacheMode.Reads() {
		if cached, ok := c.cache.Get(key); ok {
			c.logger.Debug("response cache hit", "url", fullURL)
			return &Result{Data: cached, PagesFetched: 0, LastStatus: http.StatusOK}, nil
		}
	}

	if opts.RequestID != "" {
		ctx = httpclient.WithRequestID(ctx, opts.RequestID)
	}

	result, err := c.fetchAll(ctx, api, method, fullURL, headers, query, body)
	if err != nil {
		return nil, err
	}

	if c.cache != nil && opts.CacheMode.Writes() {
		c.cache.Put(key, result.Data)
	}

	return result, nil
}

// fetchAll drives the pagination loop and concatenates page payloads.
func (c *Caller) fetchAll(ctx context.Context, api workflow.ApiConfig, method, fullURL string, headers, query map[string]string, body string) (*Result, error) {
	client, retries := c.clientFor(api)

	paging := api.Pagination
	if paging != nil && paging.Type == workflow.PaginationDisabled {
		paging = nil
	}

	pageSize := defaultPageSize
	if paging != nil && paging.PageSize > 0 {
		pageSize = paging.PageSize
	}

	var items []any
	cursor := ""
	lastStatus := 0

	for page := 0; page < maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pageQuery := make(map[string]string, len(query)+2)
		for k, v := range query {
			pageQuery[k] = v
		}
		if paging != nil {
			switch paging.Type {
			case workflow.PaginationOffset:
				pageQuery["offset"] = strconv.Itoa(page * pageSize)
				pageQuery["pageSize"] = strconv.Itoa(pageSize)
			case workflow.PaginationPage:
				pageQuery["page"] = strconv.Itoa(page + 1)
				pageQuery["pageSize"] = strconv.Itoa(pageSize)
			case workflow.PaginationCursor:
				pageQuery["limit"] = strconv.Itoa(pageSize)
				if cursor != "" {
					pageQuery["cursor"] = cursor
				}
			}
		}

		raw, contentType, status, err := c.doRequest(ctx, client, retries, method, fullURL, headers, pageQuery, body)
		if err != nil {
			return nil, err
		}
		lastStatus = status

		payload, err := decodePayload(raw, contentType, api.DataPath)
		if err != nil {
			return nil, err
		}

		if paging == nil {
			return &Result{Data: payload, PagesFetched: 1, LastStatus: status}, nil
		}

		pageItems, ok := payload.([]any)
		if !ok {
			// A non-sequence page ends pagination; the first page's shape
			// wins for the overall result.
			if page == 0 {
				return &Result{Data: payload, PagesFetched: 1, LastStatus: status}, nil
			}
			break
		}
		items = append(items, pageItems...)

		switch paging.Type {
		case workflow.PaginationOffset, workflow.PaginationPage:
			if len(pageItems) < pageSize {
				return &Result{Data: sequence(items), PagesFetched: page + 1, LastStatus: status}, nil
			}
		case workflow.PaginationCursor:
			next := gjson.GetBytes(raw, paging.CursorPath)
			if !next.Exists() || next.String() == "" || next.String() == cursor {
				return &Result{Data: sequence(items), PagesFetched: page + 1, LastStatus: status}, nil
			}
			cursor = next.String()
		}
	}

	return &Result{Data: sequence(items), PagesFetched: maxPages, LastStatus: lastStatus}, nil
}

// doRequest performs a single page request and returns the raw body plus
// its content type.
func (c *Caller) doRequest(ctx context.Context, client *http.Client, retries int, method, fullURL string, headers, query map[string]string, body string) ([]byte, string, int, error) {
	u, err := url.Parse(fullURL)
	if err != nil {
		return nil, "", 0, &errors.ValidationError{
			Field:   "urlHost",
			Message: fmt.Sprintf("invalid URL %q: %v", fullURL, err),
		}
	}

	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, "", 0, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", 0, &errors.TimeoutError{
				Operation: fmt.Sprintf("%s %s", method, u.Host),
				Duration:  client.Timeout,
				Cause:     ctx.Err(),
			}
		}
		return nil, "", 0, &errors.NetworkError{URL: u.Redacted(), Attempts: retries + 1, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", resp.StatusCode, &errors.NetworkError{URL: u.Redacted(), Attempts: retries + 1, Cause: err}
	}

	if resp.StatusCode >= 400 {
		return nil, "", resp.StatusCode, &errors.HTTPError{
			URL:         u.Redacted(),
			StatusCode:  resp.StatusCode,
			BodySnippet: snippet(raw),
		}
	}

	return raw, resp.Header.Get("Content-Type"), resp.StatusCode, nil
}

// clientFor returns a pooled client honoring the config's timeout and
// retry overrides.
func (c *Caller) clientFor(api workflow.ApiConfig) (*http.Client, int) {
	cfg := c.baseCfg
	if api.Timeout > 0 {
		cfg.Timeout = time.Duration(api.Timeout) * time.Second
	}
	if api.Retries > 0 {
		cfg.RetryAttempts = api.Retries
	}
	// Step calls are declarative and replayable.
	cfg.AllowNonIdempotentRetry = true

	key := clientKey{timeout: cfg.Timeout, retries: cfg.RetryAttempts}

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[key]; ok {
		return client, cfg.RetryAttempts
	}

	client, err := httpclient.New(cfg)
	if err != nil {
		// Base config is validated at startup; overrides only tighten it.
		c.logger.Error("invalid http client config, falling back to defaults", "error", err)
		client, _ = httpclient.New(httpclient.DefaultConfig())
	}
	c.clients[key] = client
	return client, cfg.RetryAttempts
}

// decodePayload decodes a response body by content type and descends into
// dataPath. JSON decodes to maps/sequences; anything else stays raw text.
// A body that declares JSON but does not parse is a DecodeError; bodies
// that merely look like JSON fall back to text when malformed.
func decodePayload(raw []byte, contentType, dataPath string) (any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, nil
	}

	declaredJSON := strings.Contains(strings.ToLower(contentType), "json")
	looksJSON := trimmed[0] == '{' || trimmed[0] == '[' || trimmed[0] == '"'

	if declaredJSON || looksJSON {
		if !gjson.ValidBytes(raw) {
			if !declaredJSON {
				return trimmed, nil
			}
			return nil, &errors.DecodeError{
				ContentType: contentType,
				Cause:       fmt.Errorf("malformed JSON body"),
			}
		}
		if dataPath != "" {
			r := gjson.GetBytes(raw, dataPath)
			if !r.Exists() {
				return nil, nil
			}
			return r.Value(), nil
		}
		return gjson.ParseBytes(raw).Value(), nil
	}

	return trimmed, nil
}

func joinURL(host, path string) string {
	if path == "" {
		return strings.TrimSuffix(host, "/")
	}
	return strings.TrimSuffix(host, "/") + "/" + strings.TrimPrefix(path, "/")
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxBodySnippet {
		return s[:maxBodySnippet] + "..."
	}
	return s
}

// sequence never returns nil so an empty pagination result is a JSON [].
func sequence(items []any) []any {
	if items == nil {
		return []any{}
	}
	return items
}
