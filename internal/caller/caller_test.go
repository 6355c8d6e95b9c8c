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

package caller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apifuse/apifuse/internal/cache"
	"github.com/apifuse/apifuse/pkg/errors"
	"github.com/apifuse/apifuse/pkg/httpclient"
	"github.com/apifuse/apifuse/pkg/workflow"
)

func testCaller(t *testing.T) *Caller {
	t.Helper()
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 5 * time.Second
	cfg.RetryAttempts = 0
	return New(cfg, nil, nil)
}

func TestCallDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"message":{"beagle":[]},"status":"success"}`)
	}))
	defer srv.Close()

	res, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost: srv.URL,
		Method:  "GET",
	}, nil, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.PagesFetched)
	assert.Equal(t, http.StatusOK, res.LastStatus)
	payload, ok := res.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "success", payload["status"])
}

func TestCallBodyPlaceholderInjection(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	_, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost: srv.URL,
		Method:  "POST",
		Body:    `{"q":"{term}"}`,
	}, map[string]any{"term": "abc"}, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, `{"q":"abc"}`, gotBody)
}

func TestCallURLPlaceholder(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	_, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost: srv.URL,
		URLPath: "/api/breed/{value}/images/random",
		Method:  "GET",
	}, map[string]any{"value": "beagle"}, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, "/api/breed/beagle/images/random", gotPath)
}

func TestCallMissingPlaceholderIsBindingError(t *testing.T) {
	_, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost: "http://localhost:1",
		URLPath: "/items/{missing}",
		Method:  "GET",
	}, map[string]any{"present": 1}, nil, Options{})
	require.Error(t, err)

	var be *errors.BindingError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "missing", be.Name)
}

func TestCallCredentialPlaceholder(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Api-Key")
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	_, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost: srv.URL,
		Method:  "GET",
		Headers: map[string]string{"X-Api-Key": "{api_key}"},
	}, nil, map[string]string{"api_key": "sekrit"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, "sekrit", gotAuth)
}

func TestCallHeaderAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	_, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost:        srv.URL,
		Method:         "GET",
		Authentication: workflow.AuthHeader,
	}, nil, map[string]string{"api_key": "tok-1"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestCallQueryParamAuth(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("api_key")
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	_, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost:        srv.URL,
		Method:         "GET",
		Authentication: workflow.AuthQueryParam,
	}, nil, map[string]string{"token": "qtok"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, "qtok", gotKey)
}

func TestCallAuthWithoutCredential(t *testing.T) {
	_, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost:        "http://localhost:1",
		Method:         "GET",
		Authentication: workflow.AuthHeader,
	}, nil, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, errors.KindBinding, errors.KindOf(err))
}

func TestCallHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, "short and stout")
	}))
	defer srv.Close()

	_, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost: srv.URL,
		Method:  "GET",
	}, nil, nil, Options{})
	require.Error(t, err)

	var he *errors.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusTeapot, he.StatusCode)
	assert.Contains(t, he.BodySnippet, "short and stout")
}

func TestCallNetworkError(t *testing.T) {
	_, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost: "http://127.0.0.1:1",
		Method:  "GET",
	}, nil, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, errors.KindNetwork, errors.KindOf(err))
}

func TestCallDataPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"items":[1,2,3]}}`)
	}))
	defer srv.Close()

	res, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost:  srv.URL,
		Method:   "GET",
		DataPath: "data.items",
	}, nil, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, []any{1.0, 2.0, 3.0}, res.Data)
}

func TestCallOffsetPaginationConcatenates(t *testing.T) {
	pages := map[string]string{
		"0": `["a","b"]`,
		"2": `["c","d"]`,
		"4": `["e"]`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		require.Equal(t, "2", r.URL.Query().Get("pageSize"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, pages[offset])
	}))
	defer srv.Close()

	res, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost: srv.URL,
		Method:  "GET",
		Pagination: &workflow.Pagination{
			Type:     workflow.PaginationOffset,
			PageSize: 2,
		},
	}, nil, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, []any{"a", "b", "c", "d", "e"}, res.Data)
	assert.Equal(t, 3, res.PagesFetched)
}

func TestCallPagePagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		switch page {
		case 1:
			fmt.Fprint(w, `["a","b"]`)
		default:
			fmt.Fprint(w, `["c"]`)
		}
	}))
	defer srv.Close()

	res, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost: srv.URL,
		Method:  "GET",
		Pagination: &workflow.Pagination{
			Type:     workflow.PaginationPage,
			PageSize: 2,
		},
	}, nil, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, []any{"a", "b", "c"}, res.Data)
	assert.Equal(t, 2, res.PagesFetched)
}

func TestCallCursorPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("cursor") {
		case "":
			fmt.Fprint(w, `{"items":["a","b"],"next":"c1"}`)
		case "c1":
			fmt.Fprint(w, `{"items":["c"],"next":null}`)
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer srv.Close()

	res, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost:  srv.URL,
		Method:   "GET",
		DataPath: "items",
		Pagination: &workflow.Pagination{
			Type:       workflow.PaginationCursor,
			PageSize:   2,
			CursorPath: "next",
		},
	}, nil, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, []any{"a", "b", "c"}, res.Data)
	assert.Equal(t, 2, res.PagesFetched)
}

func TestCallEmptyPaginatedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	res, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost: srv.URL,
		Method:  "GET",
		Pagination: &workflow.Pagination{
			Type:     workflow.PaginationOffset,
			PageSize: 2,
		},
	}, nil, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, []any{}, res.Data)
}

func TestCallResponseCache(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"n":1}`)
	}))
	defer srv.Close()

	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	c := New(cfg, cache.New(time.Minute), nil)

	tenant := "t1"
	api := workflow.ApiConfig{URLHost: srv.URL, Method: "GET"}
	opts := Options{Tenant: &tenant, CacheMode: cache.ModeEnabled}

	first, err := c.Call(context.Background(), api, nil, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, first.PagesFetched)

	second, err := c.Call(context.Background(), api, nil, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, second.PagesFetched, "second call must be served from cache")
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, 1, calls)

	// Disabled mode bypasses the cache entirely.
	third, err := c.Call(context.Background(), api, nil, nil, Options{Tenant: &tenant, CacheMode: cache.ModeDisabled})
	require.NoError(t, err)
	assert.Equal(t, 1, third.PagesFetched)
	assert.Equal(t, 2, calls)
}

func TestCallPlainTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "pong")
	}))
	defer srv.Close()

	res, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost: srv.URL,
		Method:  "GET",
	}, nil, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Data)
}

func TestCallMalformedDeclaredJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"broken":`)
	}))
	defer srv.Close()

	_, err := testCaller(t).Call(context.Background(), workflow.ApiConfig{
		URLHost: srv.URL,
		Method:  "GET",
	}, nil, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, errors.KindDecode, errors.KindOf(err))
}

func TestSubstitute(t *testing.T) {
	b := newBindings(map[string]any{
		"term":  "abc",
		"count": 3.0,
		"flag":  true,
		"obj":   map[string]any{"inner": "deep"},
	}, map[string]string{"api_key": "k"})

	tests := []struct {
		template string
		want     string
	}{
		{"plain", "plain"},
		{"{term}", "abc"},
		{"n={count}", "n=3"},
		{"f={flag}", "f=true"},
		{"{obj.inner}", "deep"},
		{"{api_key}", "k"},
		{`{"q":"{term}","n":{count}}`, `{"q":"abc","n":3}`},
	}
	for _, tt := range tests {
		got, err := substitute(tt.template, b, "test")
		require.NoError(t, err, tt.template)
		assert.Equal(t, tt.want, got, tt.template)
	}
}

func TestSubstituteScalarInputIsValue(t *testing.T) {
	b := newBindings("beagle", nil)
	got, err := substitute("/breed/{value}/", b, "url")
	require.NoError(t, err)
	assert.Equal(t, "/breed/beagle/", got)
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		contentType string
		dataPath    string
		want        any
		wantErr     bool
	}{
		{"object", `{"a":1}`, "application/json", "", map[string]any{"a": 1.0}, false},
		{"array", `[1,2]`, "application/json", "", []any{1.0, 2.0}, false},
		{"data path", `{"a":{"b":"x"}}`, "application/json", "a.b", "x", false},
		{"missing data path", `{"a":1}`, "application/json", "zz", nil, false},
		{"text", "hello", "text/plain", "", "hello", false},
		{"empty", "", "application/json", "", nil, false},
		{"json-looking text parses", `{"a":1}`, "text/plain", "", map[string]any{"a": 1.0}, false},
		{"declared json malformed", `{"a":`, "application/json", "", nil, true},
		{"undeclared malformed falls back to text", `{oops`, "text/plain", "", "{oops", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodePayload([]byte(tt.raw), tt.contentType, tt.dataPath)
			if tt.wantErr {
				if err == nil {
					// fall-back path returns text instead of failing
					assert.Equal(t, tt.want, got)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "https://x.dev/a/b", joinURL("https://x.dev/", "/a/b"))
	assert.Equal(t, "https://x.dev/a/b", joinURL("https://x.dev", "a/b"))
	assert.Equal(t, "https://x.dev", joinURL("https://x.dev/", ""))
}

func TestStringify(t *testing.T) {
	obj := map[string]any{"k": "v"}
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, string(raw), stringify(obj))
	assert.Equal(t, "1.5", stringify(1.5))
	assert.Equal(t, "7", stringify(7))
}
