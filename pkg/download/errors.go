package download

import (
	"errors"
	"fmt"

	"zgdrive/pkg/types"
)

// Class 下载失败的分类
type Class string

const (
	ClassNotFound Class = "NotFound"
	ClassTimeout  Class = "Timeout"
	ClassNetwork  Class = "NetworkError"
	ClassServer   Class = "ServerError"
	ClassEmpty    Class = "Empty"
)

// ErrMissingRoot 未提供根哈希
var ErrMissingRoot = errors.New("root hash is required")

// Error 是一次下载 (或一次尝试) 的分类错误
type Error struct {
	Class    Class
	Status   int // 已归一化到 200..599；没有 HTTP 响应时为 0
	Message  string
	Strategy string
	// Transient 可以在同一策略内重试
	Transient bool
	Err       error

	// final 已经向调用方写出数据，不能再换策略
	final bool
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Class, e.Message)
	if e.Strategy != "" {
		msg = fmt.Sprintf("%s (via %s)", msg, e.Strategy)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf 取出错误分类；不是下载错误时返回空串
func ClassOf(err error) Class {
	var de *Error
	if errors.As(err, &de) {
		return de.Class
	}
	return ""
}

func IsNotFound(err error) bool { return ClassOf(err) == ClassNotFound }

// UserMessage 面向用户的提示: 区分不存在、超时、过大和一般错误
func UserMessage(err error, root types.Hash) string {
	var de *Error
	if !errors.As(err, &de) {
		return err.Error()
	}
	switch de.Class {
	case ClassNotFound:
		return fmt.Sprintf("File not found: The file with root hash %q does not exist in storage or may be on a different network mode", root.Short())
	case ClassTimeout:
		return "Request timeout - the file may be too large or the server is temporarily unavailable. Please try again later."
	case ClassEmpty:
		return "Downloaded file is empty"
	}
	if de.Status == 413 {
		return "Memory error - the file is too large to process. Please try a smaller file or contact support."
	}
	return "Download failed: " + de.Message
}

func newError(class Class, status int, transient bool, format string, args ...any) *Error {
	return &Error{Class: class, Status: status, Transient: transient, Message: fmt.Sprintf(format, args...)}
}
