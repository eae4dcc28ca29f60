// Package relay implements the same-origin /relay endpoint that forwards
// requests to storage nodes, retrying slow upstreams and streaming the body
// back with permissive CORS headers.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"zgdrive/pkg/download"
	"zgdrive/pkg/logging"
	"zgdrive/pkg/metrics"
)

const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 30 * time.Minute
	DefaultUserAgent   = "zgdrive-relay/1.0"

	// POST 请求体上限
	maxRequestBody = 64 << 20
)

// 只有 POST 会转发这些请求头
var forwardHeaders = []string{"Content-Type", "Authorization", "X-Requested-With"}

// 成功时回传给调用方的响应头
var passthroughHeaders = []string{"Content-Type", "Content-Disposition", "Cache-Control", "ETag", "Last-Modified"}

type Config struct {
	// AllowedHosts 允许转发的目标主机 (host 或 host:port)；为空时拒绝所有目标
	AllowedHosts []string      `mapstructure:"allowed_hosts"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Timeout      time.Duration `mapstructure:"timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
}

// Handler /relay?url= 处理器
type Handler struct {
	cfg     Config
	allowed map[string]struct{}
	client  *http.Client
	backoff func(attempt int) time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// New client 为 nil 时使用不带全局超时的客户端 (每次尝试单独设置超时)
func New(cfg Config, client *http.Client) *Handler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if client == nil {
		client = &http.Client{}
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed[h] = struct{}{}
		}
	}

	return &Handler{
		cfg:     cfg,
		allowed: allowed,
		client:  client,
		backoff: func(attempt int) time.Duration { return time.Duration(attempt) * 2 * time.Second },
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// errorBody 所有错误响应共用的 JSON 结构
type errorBody struct {
	Error         string `json:"error"`
	Status        int    `json:"status,omitempty"`
	StatusText    string `json:"statusText,omitempty"`
	Message       string `json:"message,omitempty"`
	Details       string `json:"details,omitempty"`
	IsTimeout     *bool  `json:"isTimeout,omitempty"`
	IsMemoryError *bool  `json:"isMemoryError,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodPost:
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
		return
	}

	// 1. 校验目标地址
	target, err := h.resolveTarget(r.URL.Query().Get("url"))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errHostNotAllowed) {
			status = http.StatusForbidden
		}
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}

	// 2. POST 请求体只读一次，重试时复用
	var body []byte
	if r.Method == http.MethodPost {
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "Request body too large", Details: err.Error()})
			return
		}
	}

	log := logging.WithContext(r.Context()).With(logging.String("target", target.Host))

	// 3. 有限次数的重试
	made := 0
	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		made = attempt
		if !h.forward(w, r, target.String(), body, attempt) {
			return
		}
		wait := h.backoff(attempt)
		log.Warn("relay attempt failed, retrying",
			logging.Int("attempt", attempt),
			logging.Duration("backoff", wait))
		if err := h.sleep(r.Context(), wait); err != nil {
			break
		}
	}

	metrics.RecordRelayAttempt("exhausted")
	writeJSON(w, http.StatusGatewayTimeout, errorBody{
		Error:    "Proxy error",
		Details:  "All retry attempts failed",
		Attempts: made,
	})
}

// forward 执行一次上游请求；返回 true 表示应当重试 (此时尚未写出任何响应)
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, target string, body []byte, attempt int) bool {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, reqBody)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid url parameter", Details: err.Error()})
		return false
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	if r.Method == http.MethodPost {
		for _, k := range forwardHeaders {
			if v := r.Header.Get(k); v != "" {
				req.Header.Set(k, v)
			}
		}
	}

	last := attempt >= h.cfg.MaxAttempts
	resp, err := h.client.Do(req)
	if err != nil {
		timeout := download.IsTimeout(err)
		memory := download.IsMemoryPressure(err)
		if (timeout || memory) && !last {
			metrics.RecordRelayAttempt("retry")
			return true
		}

		status := http.StatusInternalServerError
		switch {
		case timeout:
			status = http.StatusGatewayTimeout
		case memory:
			status = http.StatusRequestEntityTooLarge
		}
		metrics.RecordRelayAttempt("error")
		logging.WithContext(r.Context()).Error("relay request failed",
			logging.Int("attempt", attempt),
			logging.Int("status", status),
			logging.Err(err))
		writeJSON(w, status, errorBody{
			Error:         "Proxy error",
			Details:       err.Error(),
			IsTimeout:     &timeout,
			IsMemoryError: &memory,
			Attempts:      attempt,
		})
		return false
	}
	defer resp.Body.Close()

	// 504 且还有预算: 丢弃响应体后重试
	if resp.StatusCode == http.StatusGatewayTimeout && !last {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		metrics.RecordRelayAttempt("retry")
		return true
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordRelayAttempt("upstream_error")
		writeUpstreamError(w, resp)
		return false
	}

	// 成功: 流式回传，保留 Content-Length
	for _, k := range passthroughHeaders {
		if v := resp.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", fmt.Sprint(resp.ContentLength))
	}
	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, resp.Body)
	metrics.RecordRelayBytes(n)
	if err != nil {
		// 响应头已经发出，只能记录
		metrics.RecordRelayAttempt("broken")
		logging.WithContext(r.Context()).Warn("relay stream interrupted",
			logging.Int64("bytes", n), logging.Err(err))
		return false
	}
	metrics.RecordRelayAttempt("ok")
	return false
}

// writeUpstreamError 非 2xx 响应转为 JSON 错误；状态码超出范围时按 500 处理
func writeUpstreamError(w http.ResponseWriter, resp *http.Response) {
	status := download.ClampStatus(resp.StatusCode)
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	out := errorBody{
		Error:      "External server error",
		Status:     status,
		StatusText: statusText(resp),
		Message:    strings.TrimSpace(string(raw)),
	}

	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if json.Unmarshal(raw, &parsed) == nil {
		switch {
		case parsed.Message != "":
			out.Message = parsed.Message
		case parsed.Error != "":
			out.Message = parsed.Error
		}
		out.Details = parsed.Details
	}
	if out.Message == "" {
		out.Message = fmt.Sprintf("External server returned %d", resp.StatusCode)
	}
	if status != http.StatusInternalServerError {
		out.Error = fmt.Sprintf("External server error: %d", status)
	}
	writeJSON(w, status, out)
}

func statusText(resp *http.Response) string {
	// resp.Status 形如 "500 Internal Server Error"
	if _, text, ok := strings.Cut(resp.Status, " "); ok && text != "" {
		return text
	}
	return http.StatusText(download.ClampStatus(resp.StatusCode))
}

var (
	errMissingURL     = errors.New("missing url parameter")
	errInvalidURL     = errors.New("invalid url parameter")
	errHostNotAllowed = errors.New("target host is not allowed")
)

func (h *Handler) resolveTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errMissingURL
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errInvalidURL
	}
	host := strings.ToLower(u.Host)
	if _, ok := h.allowed[host]; ok {
		return u, nil
	}
	if _, ok := h.allowed[strings.ToLower(u.Hostname())]; ok {
		return u, nil
	}
	return nil, errHostNotAllowed
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
