package storage

import (
	"context"
	"errors"
	"io"
	"strings"

	"zgdrive/pkg/core"
	"zgdrive/pkg/types"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrAmbiguousHash = errors.New("ambiguous hash prefix")
	ErrShortPrefix   = errors.New("hash prefix too short")
)

// MinPrefixLen 短哈希至少需要的十六进制位数 (不含 0x)
const MinPrefixLen = 4

// Store 本地对象存储: 下载镜像的原始内容和命名空间快照
// 实现可以是本地磁盘、S3 兼容存储，或者带 Redis 缓存的装饰器
type Store interface {
	// Put 持久化一个对象；对象已存在时直接返回 (幂等)
	Put(ctx context.Context, obj core.Object) error

	// Get 返回流式读取器，调用方负责 Close
	Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error)

	Has(ctx context.Context, hash types.Hash) (bool, error)

	// ExpandHash 把短哈希扩展为完整哈希
	ExpandHash(ctx context.Context, prefix string) (types.Hash, error)
}

// NormalizePrefix 去掉 0x 并转小写，校验长度和字符
func NormalizePrefix(prefix string) (string, error) {
	p := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(prefix)), "0x")
	if len(p) < MinPrefixLen {
		return "", ErrShortPrefix
	}
	if len(p) > 64 {
		return "", types.ErrInvalidHash
	}
	for _, c := range p {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", types.ErrInvalidHash
		}
	}
	return p, nil
}

// ReadAll 读取整个对象
func ReadAll(ctx context.Context, s Store, hash types.Hash) ([]byte, error) {
	rc, err := s.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
