// Package download retrieves payloads by root hash through a ladder of
// strategies (relay, direct, long relay) driven by an explicit state machine.
package download

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"zgdrive/pkg/core"
	"zgdrive/pkg/logging"
	"zgdrive/pkg/metrics"
	"zgdrive/pkg/types"
)

const (
	DefaultStreamThreshold  = 10 << 20 // 10 MiB
	DefaultRelayTimeout     = 2 * time.Minute
	DefaultDirectTimeout    = 2 * time.Minute
	DefaultLongRelayTimeout = 30 * time.Minute
	DefaultRetries          = 2

	// 信封检测只看开头这么多字节
	sniffSize = 512
	// 信封 / 错误响应最多读取的字节数
	maxEnvelope = 1 << 20

	codeNotFound = 101
)

// Via 请求的发送方式
type Via string

const (
	ViaRelay  Via = "relay"
	ViaDirect Via = "direct"
)

// Strategy 是阶梯上的一级
type Strategy struct {
	Name    string
	Via     Via
	Timeout time.Duration
	Retries int // 同一级内的额外重试次数
}

type Config struct {
	Endpoint         string        `mapstructure:"endpoint"`  // 存储节点，直连地址为 {Endpoint}/file?root=
	RelayURL         string        `mapstructure:"relay_url"` // 例如 http://localhost:8080/relay；为空时跳过中继
	RelayTimeout     time.Duration `mapstructure:"relay_timeout"`
	DirectTimeout    time.Duration `mapstructure:"direct_timeout"`
	LongRelayTimeout time.Duration `mapstructure:"long_relay_timeout"`
	Retries          int           `mapstructure:"retries"` // 中继阶段的额外重试次数；负数表示不重试
	StreamThreshold  int64         `mapstructure:"stream_threshold"`
	Verify           bool          `mapstructure:"verify"`
}

func (c Config) withDefaults() Config {
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = DefaultRelayTimeout
	}
	if c.DirectTimeout <= 0 {
		c.DirectTimeout = DefaultDirectTimeout
	}
	if c.LongRelayTimeout <= 0 {
		c.LongRelayTimeout = DefaultLongRelayTimeout
	}
	switch {
	case c.Retries == 0:
		c.Retries = DefaultRetries
	case c.Retries < 0:
		c.Retries = 0
	}
	if c.StreamThreshold <= 0 {
		c.StreamThreshold = DefaultStreamThreshold
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	return c
}

// Ladder relay -> direct -> relay-long；没有中继时只剩 direct
func Ladder(cfg Config) []Strategy {
	var out []Strategy
	if cfg.RelayURL != "" {
		out = append(out, Strategy{Name: "relay", Via: ViaRelay, Timeout: cfg.RelayTimeout, Retries: cfg.Retries})
	}
	out = append(out, Strategy{Name: "direct", Via: ViaDirect, Timeout: cfg.DirectTimeout})
	if cfg.RelayURL != "" {
		out = append(out, Strategy{Name: "relay-long", Via: ViaRelay, Timeout: cfg.LongRelayTimeout, Retries: cfg.Retries})
	}
	return out
}

// Mirror 校验通过的负载写入本地对象存储 (storage.Store 满足)
type Mirror interface {
	Put(ctx context.Context, obj core.Object) error
}

// Attempt 一次 HTTP 尝试的记录
type Attempt struct {
	Strategy string        `json:"strategy"`
	Number   int           `json:"number"`
	Status   int           `json:"status,omitempty"`
	Class    Class         `json:"class,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report 下载过程的完整记录
type Report struct {
	Root        types.Hash   `json:"root"`
	Strategy    string       `json:"strategy,omitempty"`
	Attempts    []Attempt    `json:"attempts"`
	Transitions []Transition `json:"transitions"`
	Bytes       int64        `json:"bytes"`
	Streamed    bool         `json:"streamed"`
	Verified    bool         `json:"verified"`
}

// Orchestrator 下载编排
type Orchestrator struct {
	cfg     Config
	ladder  []Strategy
	client  *http.Client
	mirror  Mirror
	backoff func(attempt int) time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// New client 为 nil 时使用不带全局超时的客户端 (超时由每一级策略控制)
func New(cfg Config, client *http.Client, mirror Mirror) *Orchestrator {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{}
	}
	return &Orchestrator{
		cfg:     cfg,
		ladder:  Ladder(cfg),
		client:  client,
		mirror:  mirror,
		backoff: func(attempt int) time.Duration { return time.Duration(attempt) * 2 * time.Second },
		sleep:   sleepCtx,
	}
}

func (o *Orchestrator) Strategies() []Strategy { return o.ladder }

// Fetch 下载到内存
func (o *Orchestrator) Fetch(ctx context.Context, root types.Hash) ([]byte, *Report, error) {
	var buf bytes.Buffer
	rep, err := o.Download(ctx, root, &buf)
	if err != nil {
		return nil, rep, err
	}
	return buf.Bytes(), rep, nil
}

// Download 依次尝试阶梯上的每一级，成功时把负载写入 dst
func (o *Orchestrator) Download(ctx context.Context, root types.Hash, dst io.Writer) (*Report, error) {
	if root.IsZero() {
		return nil, ErrMissingRoot
	}
	root, err := types.ParseHash(root.String())
	if err != nil {
		return nil, err
	}

	log := logging.WithContext(ctx).With(logging.String("root", root.Short()))
	m := newMachine()
	rep := &Report{Root: root}
	defer func() { rep.Transitions = m.log }()

	var last *Error
	for _, s := range o.ladder {
		m.to(StateResolving, s.Name, 0, "")

		for attempt := 1; attempt <= 1+s.Retries; attempt++ {
			m.to(StateFetching, s.Name, attempt, "")
			start := time.Now()
			n, streamed, derr := o.fetch(ctx, m, s, root, dst, rep)

			rec := Attempt{Strategy: s.Name, Number: attempt, Duration: time.Since(start)}
			if derr == nil {
				rep.Attempts = append(rep.Attempts, rec)
				m.to(StateDone, s.Name, attempt, "")
				rep.Strategy = s.Name
				rep.Bytes = n
				rep.Streamed = streamed
				metrics.RecordDownload("", s.Name, n)
				log.Info("download completed",
					logging.String("strategy", s.Name),
					logging.Int("attempts", len(rep.Attempts)),
					logging.Int64("bytes", n))
				return rep, nil
			}

			derr.Strategy = s.Name
			rec.Status, rec.Class, rec.Error = derr.Status, derr.Class, derr.Message
			rep.Attempts = append(rep.Attempts, rec)
			last = derr

			log.Warn("download attempt failed",
				logging.String("strategy", s.Name),
				logging.Int("attempt", attempt),
				logging.String("class", string(derr.Class)),
				logging.String("message", derr.Message))

			// 1. 不存在 / 已写出部分数据 / 调用方取消: 终止
			if derr.Class == ClassNotFound || derr.final || ctx.Err() != nil {
				return o.fail(m, rep, s.Name, derr)
			}
			// 2. 非瞬时错误或本级预算用完: 下一级
			if !derr.Transient || attempt == 1+s.Retries {
				break
			}
			// 3. 退避后在本级重试
			if err := o.sleep(ctx, o.backoff(attempt)); err != nil {
				return o.fail(m, rep, s.Name, derr)
			}
		}
	}

	if last == nil {
		last = newError(ClassNetwork, 0, false, "no download strategy configured")
	}
	return o.fail(m, rep, last.Strategy, last)
}

func (o *Orchestrator) fail(m *machine, rep *Report, strategy string, derr *Error) (*Report, error) {
	m.to(StateFailed, strategy, 0, string(derr.Class))
	metrics.RecordDownload(string(derr.Class), strategy, 0)
	return rep, derr
}

// fetch 执行一次 HTTP 尝试
func (o *Orchestrator) fetch(ctx context.Context, m *machine, s Strategy, root types.Hash, dst io.Writer, rep *Report) (int64, bool, *Error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.targetURL(s, root), nil)
	if err != nil {
		return 0, false, &Error{Class: ClassNetwork, Message: "invalid download url", Err: err}
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return 0, false, classifyTransport(err)
	}
	defer resp.Body.Close()

	status := ClampStatus(resp.StatusCode)
	br := bufio.NewReaderSize(resp.Body, sniffSize)
	head, _ := br.Peek(sniffSize)

	// 1. 信封检测: 节点用 {code, message} 报告错误
	var payload io.Reader = br
	if looksLikeEnvelope(resp.Header.Get("Content-Type"), head) {
		body, err := io.ReadAll(io.LimitReader(br, maxEnvelope))
		if err != nil {
			return 0, false, classifyTransport(err)
		}
		if env, ok := parseEnvelope(body); ok {
			return 0, false, envelopeError(status, env)
		}
		payload = io.MultiReader(bytes.NewReader(body), br)
	}

	// 2. 状态码
	if status < 200 || status >= 300 {
		return 0, false, statusError(status, payload)
	}

	// 3. 大负载直接流式写出
	if resp.ContentLength > o.cfg.StreamThreshold {
		m.to(StateStreaming, s.Name, 0, fmt.Sprintf("content-length %d", resp.ContentLength))
		return o.stream(dst, payload, nil)
	}

	// 4. 小负载先缓冲、校验再写出
	m.to(StateBuffering, s.Name, 0, "")
	buf, err := io.ReadAll(io.LimitReader(payload, o.cfg.StreamThreshold+1))
	if err != nil {
		return 0, false, classifyTransport(err)
	}
	if int64(len(buf)) > o.cfg.StreamThreshold {
		// 未声明长度但实际超过阈值
		m.to(StateStreaming, s.Name, 0, "undeclared length over threshold")
		return o.stream(dst, payload, buf)
	}
	if len(buf) == 0 {
		return 0, false, newError(ClassEmpty, status, false, "downloaded file is empty")
	}

	if o.cfg.Verify {
		if derr := o.verify(ctx, root, buf); derr != nil {
			return 0, false, derr
		}
		rep.Verified = true
	}

	n, err := dst.Write(buf)
	if err != nil {
		return int64(n), false, &Error{Class: ClassNetwork, Message: "failed to write payload", Err: err, final: true}
	}
	return int64(n), false, nil
}

func (o *Orchestrator) stream(dst io.Writer, payload io.Reader, prefix []byte) (int64, bool, *Error) {
	var written int64
	if len(prefix) > 0 {
		n, err := dst.Write(prefix)
		written += int64(n)
		if err != nil {
			return written, true, &Error{Class: ClassNetwork, Message: "failed to write payload", Err: err, final: true}
		}
	}

	n, err := io.Copy(dst, payload)
	written += n
	if err != nil {
		derr := classifyTransport(err)
		// 已经写出的数据无法撤回，不能再重试
		if written > 0 {
			derr.final = true
		}
		return written, true, derr
	}
	if written == 0 {
		return 0, true, newError(ClassEmpty, 0, false, "downloaded file is empty")
	}
	return written, true, nil
}

func (o *Orchestrator) verify(ctx context.Context, root types.Hash, buf []byte) *Error {
	tree, err := core.BuildTree(bytes.NewReader(buf))
	if err != nil {
		return &Error{Class: ClassServer, Message: "failed to hash payload", Err: err}
	}
	if got := tree.Root(); got != root {
		return newError(ClassServer, 0, false, "integrity check failed: got %s", got.Short())
	}
	if o.mirror != nil {
		if err := o.mirror.Put(ctx, core.NewRawBlob(root, buf)); err != nil {
			logging.Warn("failed to mirror payload", logging.String("root", root.Short()), logging.Err(err))
		}
	}
	return nil
}

func (o *Orchestrator) targetURL(s Strategy, root types.Hash) string {
	direct := o.cfg.Endpoint + "/file?root=" + url.QueryEscape(root.String())
	if s.Via == ViaRelay {
		return o.cfg.RelayURL + "?url=" + url.QueryEscape(direct)
	}
	return direct
}

// -----------------------------------------------------------------------------
// 分类
// -----------------------------------------------------------------------------

// ClampStatus 200..599 之外的状态码按 500 处理
func ClampStatus(status int) int {
	if status >= 200 && status <= 599 {
		return status
	}
	return http.StatusInternalServerError
}

// IsTimeout 超时或被中止
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "aborted")
}

// IsMemoryPressure 负载过大导致的内存错误
func IsMemoryPressure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "memory") || strings.Contains(msg, "heap") || strings.Contains(msg, "allocation")
}

func classifyTransport(err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Class: ClassNetwork, Message: "request cancelled", Err: err}
	case IsTimeout(err):
		return &Error{Class: ClassTimeout, Message: "request timed out", Transient: true, Err: err}
	case IsMemoryPressure(err):
		return &Error{Class: ClassServer, Status: http.StatusRequestEntityTooLarge, Message: "payload too large", Transient: true, Err: err}
	default:
		return &Error{Class: ClassNetwork, Message: "network error", Err: err}
	}
}

func statusError(status int, body io.Reader) *Error {
	switch status {
	case http.StatusGatewayTimeout:
		return newError(ClassTimeout, status, true, "upstream timeout (%d)", status)
	case http.StatusRequestEntityTooLarge:
		return newError(ClassServer, status, true, "payload too large (%d)", status)
	}

	raw, _ := io.ReadAll(io.LimitReader(body, 4096))
	msg := strings.TrimSpace(string(raw))
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if json.Unmarshal(raw, &parsed) == nil {
		switch {
		case parsed.Message != "":
			msg = parsed.Message
		case parsed.Details != "":
			msg = parsed.Details
		case parsed.Error != "":
			msg = parsed.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return newError(ClassServer, status, false, "status %d: %s", status, msg)
}

type envelope struct {
	Code    *int   `json:"code"`
	Message string `json:"message"`
}

// looksLikeEnvelope JSON 类型，或未声明为二进制且内容以 { 开头并带 code/message 字段
func looksLikeEnvelope(contentType string, head []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "json") {
		return true
	}
	if isBinaryType(ct) {
		return false
	}
	trimmed := bytes.TrimSpace(head)
	return bytes.HasPrefix(trimmed, []byte("{")) &&
		(bytes.Contains(trimmed, []byte(`"code"`)) || bytes.Contains(trimmed, []byte(`"message"`)))
}

func isBinaryType(ct string) bool {
	for _, p := range []string{"application/octet-stream", "image/", "video/", "audio/", "application/zip", "application/pdf"} {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	return false
}

func parseEnvelope(body []byte) (*envelope, bool) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false
	}
	if env.Code == nil && env.Message == "" {
		return nil, false
	}
	return &env, true
}

func envelopeError(status int, env *envelope) *Error {
	code := 0
	if env.Code != nil {
		code = *env.Code
	}
	if code == codeNotFound {
		return newError(ClassNotFound, status, false, "file not found (code %d)", code)
	}
	if status == http.StatusGatewayTimeout {
		return newError(ClassTimeout, status, true, "upstream timeout: %s", env.Message)
	}
	if status == http.StatusRequestEntityTooLarge {
		return newError(ClassServer, status, true, "payload too large: %s", env.Message)
	}
	if code == 0 && status >= 200 && status < 300 {
		return newError(ClassServer, status, false, "unexpected response format: expected file but got JSON data")
	}
	msg := env.Message
	if msg == "" {
		msg = "Unknown error"
	}
	return newError(ClassServer, status, false, "%s (code %d)", msg, code)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
