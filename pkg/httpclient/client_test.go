package httpclient

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, true},
		{"negative retries", func(c *Config) { c.RetryAttempts = -1 }, true},
		{"zero backoff with retries", func(c *Config) { c.RetryBackoff = 0 }, true},
		{"max backoff below base", func(c *Config) { c.MaxBackoff = time.Millisecond }, true},
		{"empty user agent", func(c *Config) { c.UserAgent = "" }, true},
		{"no retries skips backoff checks", func(c *Config) { c.RetryAttempts = 0; c.RetryBackoff = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryAttempts = 3
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond

	client, err := New(cfg)
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryAttempts = 3
	cfg.RetryBackoff = time.Millisecond

	client, err := New(cfg)
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPostNotRetriedByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryAttempts = 2
	cfg.RetryBackoff = time.Millisecond

	client, err := New(cfg)
	require.NoError(t, err)

	resp, err := client.Post(srv.URL, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, int32(1), calls.Load(), "POST must not retry unless opted in")
}

func TestPostRetriedWhenOptedIn(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryAttempts = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.AllowNonIdempotentRetry = true

	client, err := New(cfg)
	require.NoError(t, err)

	resp, err := client.Post(srv.URL, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUserAgentAndRequestIDHeaders(t *testing.T) {
	var gotUA, gotReqID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReqID = r.Header.Get("X-Request-ID")
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.UserAgent = "apifuse-test/1.0"
	client, err := New(cfg)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(WithRequestID(t.Context(), "run-7"), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "apifuse-test/1.0", gotUA)
	assert.Equal(t, "run-7", gotReqID)
}

func TestSanitizeURL(t *testing.T) {
	u, err := url.Parse("https://api.example.com/v1/q?api_key=sekrit&page=2&Token=abc")
	require.NoError(t, err)

	got := sanitizeURL(u)
	assert.NotContains(t, got, "sekrit")
	assert.NotContains(t, got, "abc")
	assert.Contains(t, got, "page=2")
}

func TestSanitizeURLRedactsCredentialAliases(t *testing.T) {
	// Credentials reach query params under any of the accepted alias
	// names; all of them must be redacted.
	for _, param := range []string{"api_key", "apiKey", "token", "apiToken", "access_token", "signature"} {
		u, err := url.Parse("https://api.example.com/v1/q?" + param + "=hunter2&q=dogs")
		require.NoError(t, err)

		got := sanitizeURL(u)
		assert.NotContains(t, got, "hunter2", "param %s must be redacted", param)
		assert.Contains(t, got, "q=dogs")
	}
}

func TestParseRetryAfter(t *testing.T) {
	rt := &retryTransport{}

	resp := &http.Response{Header: http.Header{}}
	assert.Equal(t, time.Duration(0), rt.parseRetryAfter(resp))

	resp.Header.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, rt.parseRetryAfter(resp))

	resp.Header.Set("Retry-After", "garbage")
	assert.Equal(t, time.Duration(0), rt.parseRetryAfter(resp))
}
