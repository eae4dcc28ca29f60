package disk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"zgdrive/pkg/core"
	"zgdrive/pkg/storage"
	"zgdrive/pkg/types"
)

// Adapter 实现了 storage.Store 接口
type Adapter struct {
	rootPath string // 比如: ~/.zg/objects
}

// NewAdapter 创建一个新的磁盘存储适配器
func NewAdapter(root string) (*Adapter, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	return &Adapter{rootPath: root}, nil
}

// layout 返回哈希对应的物理路径
// 使用去掉 0x 后的前 2 个字符作为子目录: 0xaabbcc... -> root/aa/bbcc...
func (s *Adapter) layout(hash types.Hash) string {
	hex := strings.ToLower(hash.Hex())
	if len(hex) < 2 {
		return filepath.Join(s.rootPath, hex)
	}
	return filepath.Join(s.rootPath, hex[:2], hex[2:])
}

func (s *Adapter) Put(ctx context.Context, obj core.Object) error {
	targetPath := s.layout(obj.ID())

	// 1. 已存在则跳过
	if _, err := os.Stat(targetPath); err == nil {
		return nil
	}

	// 2. 准备目录
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// 3. 先写临时文件再 Rename: 文件要么不存在，要么完整
	tempFile, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(obj.Bytes()); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	// 4. 移动到最终位置
	return os.Rename(tempFile.Name(), targetPath)
}

func (s *Adapter) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	f, err := os.Open(s.layout(hash))
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Adapter) Has(ctx context.Context, hash types.Hash) (bool, error) {
	_, err := os.Stat(s.layout(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// ExpandHash 在分片目录中按前缀查找
func (s *Adapter) ExpandHash(ctx context.Context, prefix string) (types.Hash, error) {
	p, err := storage.NormalizePrefix(prefix)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(filepath.Join(s.rootPath, p[:2]))
	if os.IsNotExist(err) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}

	var match string
	for _, e := range entries {
		name := e.Name()
		// 跳过未完成的临时文件
		if e.IsDir() || strings.HasPrefix(name, "temp-") {
			continue
		}
		if !strings.HasPrefix(name, p[2:]) {
			continue
		}
		if match != "" {
			return "", storage.ErrAmbiguousHash
		}
		match = name
	}
	if match == "" {
		return "", storage.ErrNotFound
	}
	return types.Hash("0x" + p[:2] + match), nil
}
