// Package exporter saves downloaded payloads to local files.
package exporter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"zgdrive/pkg/download"
	"zgdrive/pkg/logging"
	"zgdrive/pkg/storage"
	"zgdrive/pkg/types"
)

var (
	ErrErrorPayload = errors.New("received an error response instead of a file")
	ErrEmptyPayload = errors.New("downloaded file is empty")
)

// Downloader 按根哈希把内容写入 dst (*download.Orchestrator 实现)
type Downloader interface {
	Download(ctx context.Context, root types.Hash, dst io.Writer) (*download.Report, error)
}

type Exporter struct {
	dl    Downloader
	store storage.Store // 可为 nil；存在时优先读取本地镜像
}

func NewExporter(dl Downloader, store storage.Store) *Exporter {
	return &Exporter{dl: dl, store: store}
}

// DefaultFileName 未指定文件名时使用 download-<哈希前 8 位>.bin
func DefaultFileName(root types.Hash) string {
	s := root.String()
	if len(s) > 8 {
		s = s[:8]
	}
	return fmt.Sprintf("download-%s.bin", s)
}

// Result 一次导出
type Result struct {
	Path   string           `json:"path"`
	Bytes  int64            `json:"bytes"`
	Local  bool             `json:"local"` // 来自本地镜像，没有访问网络
	Report *download.Report `json:"report,omitempty"`
}

// ExportFile 把内容写入 w: 本地镜像命中时直接复制，否则走下载编排
func (e *Exporter) ExportFile(ctx context.Context, root types.Hash, w io.Writer) (*Result, error) {
	if e.store != nil {
		ok, err := e.store.Has(ctx, root)
		if err != nil {
			logging.Warn("local mirror lookup failed", logging.String("root", root.Short()), logging.Err(err))
		}
		if ok {
			rc, err := e.store.Get(ctx, root)
			if err == nil {
				defer rc.Close()
				n, err := io.Copy(w, rc)
				if err != nil {
					return nil, fmt.Errorf("copy from mirror: %w", err)
				}
				return &Result{Bytes: n, Local: true}, nil
			}
			logging.Warn("local mirror read failed", logging.String("root", root.Short()), logging.Err(err))
		}
	}

	if e.dl == nil {
		return nil, fmt.Errorf("%s: %w", root, storage.ErrNotFound)
	}
	rep, err := e.dl.Download(ctx, root, w)
	if err != nil {
		return &Result{Report: rep}, err
	}
	return &Result{Bytes: rep.Bytes, Report: rep}, nil
}

// DownloadToFile 写入 dst:
// dst 为空时写到当前目录；dst 是已存在的目录时在其中使用 name (或默认文件名)。
// 内容先写入同目录的临时文件，校验通过后才改名，失败不会留下半个文件。
func (e *Exporter) DownloadToFile(ctx context.Context, root types.Hash, dst, name string) (*Result, error) {
	target, err := resolveTarget(root, dst, name)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, ".zg-download-*")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // 成功改名后是 no-op

	// 1. 下载 (同时保留开头用于检查)
	head := &headBuffer{limit: sniffLen}
	res, err := e.ExportFile(ctx, root, io.MultiWriter(tmp, head))
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return res, err
	}

	// 2. 检查内容
	if res.Bytes == 0 {
		return res, ErrEmptyPayload
	}
	if LooksLikeErrorPayload(head.Bytes()) {
		return res, ErrErrorPayload
	}

	// 3. 原子落地
	if err := os.Rename(tmpName, target); err != nil {
		return res, err
	}
	res.Path = target
	return res, nil
}

func resolveTarget(root types.Hash, dst, name string) (string, error) {
	if name == "" {
		name = DefaultFileName(root)
	}
	if dst == "" {
		return name, nil
	}
	info, err := os.Stat(dst)
	switch {
	case err == nil && info.IsDir():
		return filepath.Join(dst, name), nil
	case err == nil || errors.Is(err, os.ErrNotExist):
		return dst, nil
	default:
		return "", err
	}
}

const sniffLen = 100

// LooksLikeErrorPayload 以 { 开头并带有 "code" 或 "message" 字段的内容视为错误响应
func LooksLikeErrorPayload(head []byte) bool {
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	head = bytes.TrimSpace(head)
	if !bytes.HasPrefix(head, []byte("{")) {
		return false
	}
	return bytes.Contains(head, []byte(`"code"`)) || bytes.Contains(head, []byte(`"message"`))
}

// headBuffer 只保留前 limit 个字节
type headBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := h.limit - h.buf.Len(); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.buf.Write(p[:room])
	}
	return len(p), nil
}

func (h *headBuffer) Bytes() []byte { return h.buf.Bytes() }
