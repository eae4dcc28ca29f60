// Package backup snapshots an identity's namespace into the object store and
// restores it from there, tracking the latest snapshot per identity.
package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"zgdrive/pkg/core"
	"zgdrive/pkg/logging"
	"zgdrive/pkg/meta"
	"zgdrive/pkg/refs"
	"zgdrive/pkg/storage"
	"zgdrive/pkg/types"
)

// CAS 冲突时的最大重试次数
const maxHeadRetries = 3

var ErrOwnerMismatch = errors.New("snapshot belongs to a different identity")

// Repository 备份所需的元数据操作 (*meta.Repository 实现)
type Repository interface {
	ListOwned(ctx context.Context, owner types.Identity) ([]meta.Entry, error)
	RestoreEntries(ctx context.Context, entries []meta.Entry) (int, error)
}

// Forgetter 恢复后清理命名空间缓存 (*namespace.Service 实现)
type Forgetter interface {
	Forget(id types.Identity)
}

type Service struct {
	repo  Repository
	store storage.Store
	refs  *refs.Manager
	cache Forgetter
}

func NewService(repo Repository, store storage.Store, refMgr *refs.Manager, cache Forgetter) *Service {
	return &Service{repo: repo, store: store, refs: refMgr, cache: cache}
}

type Result struct {
	Snapshot types.Hash `json:"snapshot"`
	Parent   types.Hash `json:"parent,omitempty"`
	Entries  int        `json:"entries"`
}

// Backup 1. 读取全部条目 2. 写入快照对象 3. CAS 移动头指针
func (s *Service) Backup(ctx context.Context, id types.Identity) (*Result, error) {
	owned, err := s.repo.ListOwned(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	entries := toSnapshotEntries(owned)

	for attempt := 1; ; attempt++ {
		// 1. 当前头指针作为父快照
		head, version, err := s.refs.GetHead(ctx, id)
		if err != nil && !errors.Is(err, refs.ErrNoHead) {
			return nil, err
		}
		var parents []types.Hash
		if !head.IsZero() {
			parents = []types.Hash{head}
		}

		snap, err := core.NewSnapshot(id, parents, entries)
		if err != nil {
			return nil, fmt.Errorf("failed to encode snapshot: %w", err)
		}

		// 2. 先写对象再移动指针: 指针永远指向已存在的快照
		if err := s.store.Put(ctx, snap); err != nil {
			return nil, fmt.Errorf("failed to store snapshot: %w", err)
		}

		// 3. CAS
		err = s.refs.UpdateHead(ctx, id, snap.ID(), version)
		if errors.Is(err, refs.ErrStaleHead) && attempt < maxHeadRetries {
			logging.WithContext(ctx).Warn("backup head moved, retrying", logging.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}

		logging.WithContext(ctx).Info("namespace backed up",
			logging.String("owner", id.String()),
			logging.String("snapshot", snap.ID().Short()),
			logging.Int("entries", len(entries)))
		return &Result{Snapshot: snap.ID(), Parent: head, Entries: len(entries)}, nil
	}
}

type RestoreResult struct {
	Snapshot types.Hash `json:"snapshot"`
	Total    int        `json:"total"`
	Restored int        `json:"restored"` // 本次新插入的条目数；重复恢复时为 0
}

// Restore 从快照恢复；hash 为空时使用最近一次备份。已存在的条目保持不变
func (s *Service) Restore(ctx context.Context, id types.Identity, hash types.Hash) (*RestoreResult, error) {
	snap, err := s.load(ctx, id, hash)
	if err != nil {
		return nil, err
	}

	entries, err := fromSnapshotEntries(id, snap.Entries)
	if err != nil {
		return nil, err
	}
	restored, err := s.repo.RestoreEntries(ctx, entries)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Forget(id)
	}
	return &RestoreResult{Snapshot: snap.ID(), Total: len(entries), Restored: restored}, nil
}

// Summary 备份链上的一个快照
type Summary struct {
	Snapshot  types.Hash `json:"snapshot"`
	Entries   int        `json:"entries"`
	Timestamp time.Time  `json:"timestamp"`
}

// History 从头指针沿父链回溯，最多 limit 个
func (s *Service) History(ctx context.Context, id types.Identity, limit int) ([]Summary, error) {
	head, _, err := s.refs.GetHead(ctx, id)
	if err != nil {
		return nil, err
	}

	var out []Summary
	for cur := head; !cur.IsZero() && (limit <= 0 || len(out) < limit); {
		snap, err := s.load(ctx, id, cur)
		if err != nil {
			return out, err
		}
		out = append(out, Summary{
			Snapshot:  snap.ID(),
			Entries:   len(snap.Entries),
			Timestamp: time.Unix(snap.Timestamp, 0),
		})
		cur = ""
		if len(snap.Parents) > 0 {
			cur = snap.Parents[0].Hash
		}
	}
	return out, nil
}

// Snapshot 读取并校验一个快照；hash 为空时读取最近一次备份
func (s *Service) Snapshot(ctx context.Context, id types.Identity, hash types.Hash) (*core.Snapshot, error) {
	return s.load(ctx, id, hash)
}

func (s *Service) load(ctx context.Context, id types.Identity, hash types.Hash) (*core.Snapshot, error) {
	if hash.IsZero() {
		head, _, err := s.refs.GetHead(ctx, id)
		if err != nil {
			return nil, err
		}
		hash = head
	}

	data, err := storage.ReadAll(ctx, s.store, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", hash.Short(), err)
	}
	snap, err := core.DecodeSnapshot(hash, data)
	if err != nil {
		return nil, err
	}
	if types.Identity(snap.Owner).Address() != id.Address() {
		return nil, ErrOwnerMismatch
	}
	return snap, nil
}

// -----------------------------------------------------------------------------
// 转换
// -----------------------------------------------------------------------------

// toSnapshotEntries 父目录排在子条目之前，同层按 ID 排序保证输出稳定
func toSnapshotEntries(entries []meta.Entry) []core.SnapshotEntry {
	byParent := make(map[string][]meta.Entry)
	ids := make(map[string]bool, len(entries))
	for _, e := range entries {
		ids[e.ID] = true
	}
	for _, e := range entries {
		parent := ""
		if e.ParentID != nil && ids[*e.ParentID] {
			parent = *e.ParentID
		}
		byParent[parent] = append(byParent[parent], e)
	}

	out := make([]core.SnapshotEntry, 0, len(entries))
	var walk func(parent string)
	walk = func(parent string) {
		children := byParent[parent]
		sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
		for _, e := range children {
			out = append(out, toSnapshotEntry(e))
			walk(e.ID)
		}
	}
	walk("")
	return out
}

func toSnapshotEntry(e meta.Entry) core.SnapshotEntry {
	se := core.SnapshotEntry{
		ID:        e.ID,
		Type:      string(e.Type),
		Name:      e.Name,
		Extension: e.Extension,
		Size:      e.Size,
		Tier:      string(e.NetworkTier),
		Status:    string(e.UploadStatus),
		CreatedAt: e.CreatedAt.Unix(),
		UpdatedAt: e.UpdatedAt.Unix(),
	}
	if e.ParentID != nil {
		se.ParentID = *e.ParentID
	}
	if e.ContentHash.IsValid() {
		link := core.NewLink(e.ContentHash)
		se.Content = &link
	}
	for _, id := range e.SharedWith() {
		se.SharedWith = append(se.SharedWith, id.String())
	}
	sort.Strings(se.SharedWith)
	return se
}

func fromSnapshotEntries(owner types.Identity, in []core.SnapshotEntry) ([]meta.Entry, error) {
	out := make([]meta.Entry, 0, len(in))
	for _, se := range in {
		t := types.EntryType(se.Type)
		if !t.IsValid() {
			return nil, fmt.Errorf("snapshot entry %s has invalid type %q", se.ID, se.Type)
		}
		e := meta.Entry{
			ID:           se.ID,
			Owner:        owner,
			Type:         t,
			Name:         se.Name,
			Extension:    se.Extension,
			Size:         se.Size,
			NetworkTier:  types.NetworkTier(se.Tier),
			UploadStatus: types.UploadStatus(se.Status),
			CreatedAt:    time.Unix(se.CreatedAt, 0),
			UpdatedAt:    time.Unix(se.UpdatedAt, 0),
		}
		if se.ParentID != "" {
			parent := se.ParentID
			e.ParentID = &parent
		}
		if se.Content != nil {
			e.ContentHash = se.Content.Hash
		}
		for _, sw := range se.SharedWith {
			e.Shares = append(e.Shares, meta.Share{EntryID: se.ID, Identity: types.Identity(sw)})
		}
		out = append(out, e)
	}
	return out, nil
}
