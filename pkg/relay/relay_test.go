package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 辅助函数
// -----------------------------------------------------------------------------

type upstream struct {
	*httptest.Server
	hits atomic.Int32
}

func newUpstream(t *testing.T, fn http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		fn(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

type sleeps struct {
	mu  sync.Mutex
	got []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, d)
	return nil
}

// mustHandler up 非空时把它加入允许的主机
func mustHandler(t *testing.T, up *upstream, cfg Config) (*Handler, *sleeps) {
	t.Helper()
	if up != nil {
		u, err := url.Parse(up.URL)
		require.NoError(t, err)
		cfg.AllowedHosts = append(cfg.AllowedHosts, u.Host)
	}
	h := New(cfg, nil)
	s := &sleeps{}
	h.sleep = s.sleep
	return h, s
}

func relayURL(target string) string {
	return "/relay?url=" + url.QueryEscape(target)
}

func serve(h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// -----------------------------------------------------------------------------
// 重试上限
// -----------------------------------------------------------------------------

func TestRelay_AlwaysGatewayTimeout(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	})
	h, s := mustHandler(t, up, Config{})

	rec := serve(h, http.MethodGet, relayURL(up.URL+"/file?root=0xabc"), nil)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.EqualValues(t, DefaultMaxAttempts, up.hits.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, s.got)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRelay_NotFoundSingleAttempt(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such file", http.StatusNotFound)
	})
	h, s := mustHandler(t, up, Config{})

	rec := serve(h, http.MethodGet, relayURL(up.URL+"/file"), nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.EqualValues(t, 1, up.hits.Load())
	assert.Empty(t, s.got)
	body := decode(t, rec)
	assert.Equal(t, "External server error: 404", body["error"])
	assert.Equal(t, "no such file", body["message"])
}

func TestRelay_RecoversAfterTimeout(t *testing.T) {
	var n atomic.Int32
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		_, _ = w.Write([]byte("payload"))
	})
	h, s := mustHandler(t, up, Config{})

	rec := serve(h, http.MethodGet, relayURL(up.URL), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "payload", rec.Body.String())
	assert.EqualValues(t, 2, up.hits.Load())
	assert.Equal(t, []time.Duration{2 * time.Second}, s.got)
}

func TestRelay_UpstreamTimeout(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	h, _ := mustHandler(t, up, Config{Timeout: 30 * time.Millisecond})

	rec := serve(h, http.MethodGet, relayURL(up.URL), nil)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.EqualValues(t, DefaultMaxAttempts, up.hits.Load())
	body := decode(t, rec)
	assert.Equal(t, "Proxy error", body["error"])
	assert.Equal(t, true, body["isTimeout"])
	assert.Equal(t, false, body["isMemoryError"])
	assert.EqualValues(t, DefaultMaxAttempts, body["attempts"])
}

func TestRelay_ConnectionRefused(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	target := up.URL
	up.Close()
	h, s := mustHandler(t, up, Config{})

	rec := serve(h, http.MethodGet, relayURL(target), nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, s.got, "非超时错误不重试")
	body := decode(t, rec)
	assert.Equal(t, false, body["isTimeout"])
	assert.EqualValues(t, 1, body["attempts"])
}

// -----------------------------------------------------------------------------
// 转发
// -----------------------------------------------------------------------------

func TestRelay_StreamsBodyWithHeaders(t *testing.T) {
	data := strings.Repeat("0g", 4096)
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "0xabc", r.URL.Query().Get("root"))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", "8192")
		_, _ = io.WriteString(w, data)
	})
	h, _ := mustHandler(t, up, Config{})

	rec := serve(h, http.MethodGet, relayURL(up.URL+"/file?root=0xabc"), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.String())
	assert.Equal(t, "8192", rec.Header().Get("Content-Length"))
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", rec.Header().Get("Access-Control-Allow-Headers"))
}

func TestRelay_ForwardsPost(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.Equal(t, "XMLHttpRequest", r.Header.Get("X-Requested-With"))
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write(b)
	})
	h, _ := mustHandler(t, up, Config{})

	req := httptest.NewRequest(http.MethodPost, relayURL(up.URL), strings.NewReader(`{"jsonrpc":"2.0"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"jsonrpc":"2.0"}`, rec.Body.String())
}

func TestRelay_UpstreamServerError(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"message":"segment not synced","details":"shard 3"}`)
	})
	h, s := mustHandler(t, up, Config{})

	rec := serve(h, http.MethodGet, relayURL(up.URL), nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, s.got)
	body := decode(t, rec)
	assert.Equal(t, "External server error", body["error"])
	assert.EqualValues(t, 500, body["status"])
	assert.Equal(t, "Internal Server Error", body["statusText"])
	assert.Equal(t, "segment not synced", body["message"])
	assert.Equal(t, "shard 3", body["details"])
}

func TestRelay_OutOfRangeStatus(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(600)
		_, _ = io.WriteString(w, "weird")
	})
	h, _ := mustHandler(t, up, Config{})

	rec := serve(h, http.MethodGet, relayURL(up.URL), nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 500, body["status"])
	assert.Equal(t, "weird", body["message"])
}

// -----------------------------------------------------------------------------
// 请求校验
// -----------------------------------------------------------------------------

func TestRelay_RequestValidation(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	target, err := url.Parse(up.URL)
	require.NoError(t, err)

	h, _ := mustHandler(t, nil, Config{AllowedHosts: []string{"storage.example", target.Hostname()}})
	strict, _ := mustHandler(t, nil, Config{AllowedHosts: []string{"storage.example"}})

	tests := []struct {
		name    string
		handler *Handler
		method  string
		path    string
		want    int
	}{
		{"preflight", h, http.MethodOptions, "/relay", http.StatusNoContent},
		{"missing url", h, http.MethodGet, "/relay", http.StatusBadRequest},
		{"bad scheme", h, http.MethodGet, relayURL("ftp://storage.example/x"), http.StatusBadRequest},
		{"method", h, http.MethodDelete, relayURL(up.URL), http.StatusMethodNotAllowed},
		{"host not allowed", strict, http.MethodGet, relayURL(up.URL), http.StatusForbidden},
		{"allowed by hostname", h, http.MethodGet, relayURL(up.URL), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(tt.handler, tt.method, tt.path, nil)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
	assert.EqualValues(t, 1, up.hits.Load(), "只有被允许的请求到达上游")
}

func TestRelay_DeniesWithoutAllowedHosts(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "admin page")
	})
	h, _ := mustHandler(t, nil, Config{})

	rec := serve(h, http.MethodGet, relayURL(up.URL+"/internal/admin"), nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, up.hits.Load(), "未配置主机时不转发任何请求")
}

func TestRelay_ClientGoneDuringBackoff(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	})
	h, _ := mustHandler(t, up, Config{})
	h.sleep = func(ctx context.Context, d time.Duration) error { return context.Canceled }

	rec := serve(h, http.MethodGet, relayURL(up.URL+"/file"), nil)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.EqualValues(t, 1, up.hits.Load())
	assert.EqualValues(t, 1, decode(t, rec)["attempts"], "只报告实际发出的次数")
}
