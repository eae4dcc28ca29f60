package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"zgdrive/pkg/namespace"
	"zgdrive/pkg/types"
)

// 短 ID 至少需要的字符数 (与 ls 输出一致)
const minIDPrefix = 8

// resolveEntry ref 可以是完整 ID，也可以是 "photos/2024/dog.jpg" 这样的路径；
// 路径中的每一段按名称或 ID 前缀匹配
func resolveEntry(ctx context.Context, owner types.Identity, ref string) (*namespace.Entry, error) {
	ref = strings.Trim(strings.TrimSpace(ref), "/")
	if ref == "" {
		return nil, fmt.Errorf("%w: empty path", namespace.ErrInvalidInput)
	}

	// 1. 完整 ID
	if e, err := ZG.Namespace.Get(ctx, owner, ref); err == nil {
		return e, nil
	} else if !errors.Is(err, namespace.ErrNotFound) && !errors.Is(err, namespace.ErrInvalidInput) {
		return nil, err
	}

	// 2. 逐段解析
	var (
		parent  *string
		current *namespace.Entry
	)
	for _, part := range strings.Split(ref, "/") {
		if current != nil && !current.IsFolder() {
			return nil, fmt.Errorf("%s: %w", current.Name, namespace.ErrNotFolder)
		}
		items, err := ZG.Namespace.List(ctx, owner, parent)
		if err != nil {
			return nil, err
		}
		current = match(items, part)
		if current == nil {
			return nil, fmt.Errorf("%q: %w", ref, namespace.ErrNotFound)
		}
		id := current.ID
		parent = &id
	}
	return current, nil
}

func match(items []namespace.Entry, part string) *namespace.Entry {
	for i := range items {
		if items[i].Name == part {
			return &items[i]
		}
	}
	if len(part) < minIDPrefix {
		return nil
	}
	for i := range items {
		if strings.HasPrefix(items[i].ID, part) {
			return &items[i]
		}
	}
	return nil
}

// resolveFolder 空字符串和 "/" 表示根目录
func resolveFolder(ctx context.Context, owner types.Identity, ref string) (*string, error) {
	if optionalID(ref) == nil {
		return nil, nil
	}
	e, err := resolveEntry(ctx, owner, ref)
	if err != nil {
		return nil, err
	}
	if !e.IsFolder() {
		return nil, fmt.Errorf("%s: %w", e.Name, namespace.ErrNotFolder)
	}
	return &e.ID, nil
}
