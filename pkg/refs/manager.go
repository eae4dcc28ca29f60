package refs

import (
	"context"
	"errors"
	"strings"

	"zgdrive/pkg/meta"
	"zgdrive/pkg/types"
)

var (
	ErrNoHead    = errors.New("no backup exists for this identity")
	ErrStaleHead = errors.New("backup head was updated by someone else")
)

// Store 引用存储 (*meta.Repository 实现)
type Store interface {
	GetRef(ctx context.Context, name string) (*meta.Ref, error)
	UpdateRef(ctx context.Context, name string, newHash types.Hash, oldVersion int64) error
}

// Manager 管理每个身份最近一次备份的头指针
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// HeadName backup/<小写地址>
func HeadName(id types.Identity) string {
	return "backup/" + strings.ToLower(id.String())
}

// GetHead 返回 (快照哈希, 版本号)；从未备份时返回 ErrNoHead
func (m *Manager) GetHead(ctx context.Context, id types.Identity) (types.Hash, int64, error) {
	ref, err := m.store.GetRef(ctx, HeadName(id))
	if errors.Is(err, meta.ErrRefNotFound) {
		return "", 0, ErrNoHead
	}
	if err != nil {
		return "", 0, err
	}
	return ref.TargetHash, ref.Version, nil
}

// UpdateHead 基于 oldVersion 做 CAS 更新；0 表示首次创建
func (m *Manager) UpdateHead(ctx context.Context, id types.Identity, hash types.Hash, oldVersion int64) error {
	err := m.store.UpdateRef(ctx, HeadName(id), hash, oldVersion)
	if errors.Is(err, meta.ErrConcurrentUpdate) {
		return ErrStaleHead
	}
	return err
}
