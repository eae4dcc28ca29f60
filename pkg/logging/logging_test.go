package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMiddleware_RequestIDAndCompletionLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	UseLogger(zap.New(core))
	t.Cleanup(func() { UseLogger(nil) })

	var seenID string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hi"))
	}))

	// 1. 客户端传入的 Request ID 必须透传
	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", seenID)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	// 2. 完成日志带状态码与大小
	done := logs.FilterMessage("request completed").All()
	require.Len(t, done, 1)
	fields := done[0].ContextMap()
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
	assert.Equal(t, int64(2), fields["size"])
	assert.Equal(t, "req-123", fields["request_id"])
}

func TestMiddleware_GeneratesRequestID(t *testing.T) {
	UseLogger(zap.NewNop())
	t.Cleanup(func() { UseLogger(nil) })

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestWithContext_FallsBackToGlobal(t *testing.T) {
	l := zap.NewNop()
	UseLogger(l)
	t.Cleanup(func() { UseLogger(nil) })

	assert.Same(t, l, WithContext(context.Background()))
	assert.Empty(t, GetRequestID(context.Background()))
}

func TestSetLevel(t *testing.T) {
	SetLevel("debug")
	assert.Equal(t, zapcore.DebugLevel, globalLevel.Level())
	SetLevel("not-a-level")
	assert.Equal(t, zapcore.DebugLevel, globalLevel.Level(), "非法级别应被忽略")
	SetLevel("info")
}

func TestCallerPointsAtCallSite(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	UseLogger(zap.New(core, zap.AddCaller()))
	t.Cleanup(func() { UseLogger(nil) })

	L().Info("direct")
	WithContext(context.Background()).Info("from context")
	Info("package level")

	entries := logs.All()
	require.Len(t, entries, 3)
	for _, e := range entries {
		require.True(t, e.Caller.Defined, e.Message)
		assert.True(t, strings.HasSuffix(e.Caller.File, "logging_test.go"), "%s: %s", e.Message, e.Caller.File)
	}
}
