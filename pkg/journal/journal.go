// Package journal keeps a local record of uploads whose commit to the storage
// network could not be confirmed, so they can be rechecked later.
package journal

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"zgdrive/pkg/types"
)

// Entry 一次未确认的上传；相同内容可能对应多个命名空间条目
type Entry struct {
	Root       types.Hash        `json:"root"`
	Path       string            `json:"path,omitempty"`      // 最近一次的本地源文件
	EntryIDs   []string          `json:"entry_ids,omitempty"` // 命名空间中的条目
	Size       int64             `json:"size"`
	Tier       types.NetworkTier `json:"tier"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"last_error,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// Journal 以根哈希为键，持久化为一个 JSON 文件
type Journal struct {
	path    string
	Entries map[types.Hash]Entry `json:"entries"`
	mu      sync.RWMutex
}

// Open 加载或创建日志文件
func Open(path string) (*Journal, error) {
	j := &Journal{
		path:    path,
		Entries: make(map[types.Hash]Entry),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return j, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	if err := json.Unmarshal(data, j); err != nil {
		return nil, fmt.Errorf("corrupted journal file: %w", err)
	}
	if j.Entries == nil {
		j.Entries = make(map[types.Hash]Entry)
	}
	return j, nil
}

// Record 新增或合并一条记录；同一根哈希再次失败时累加尝试次数并保留所有条目
func (j *Journal) Record(e Entry) {
	if e.Path != "" {
		e.Path = CleanPath(e.Path)
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if prev, ok := j.Entries[e.Root]; ok {
		e.Attempts += prev.Attempts
		e.EntryIDs = mergeIDs(prev.EntryIDs, e.EntryIDs)
	} else {
		e.EntryIDs = mergeIDs(nil, e.EntryIDs)
	}
	j.Entries[e.Root] = e
}

func mergeIDs(prev, next []string) []string {
	out := slices.Clone(prev)
	for _, id := range next {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// Resolve 移除某个根哈希下已确认的条目；全部确认后整条记录删除
func (j *Journal) Resolve(root types.Hash, entryIDs ...string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.Entries[root]
	if !ok {
		return
	}
	e.EntryIDs = slices.DeleteFunc(slices.Clone(e.EntryIDs), func(id string) bool {
		return slices.Contains(entryIDs, id)
	})
	if len(e.EntryIDs) == 0 {
		delete(j.Entries, root)
		return
	}
	j.Entries[root] = e
}

func (j *Journal) Remove(root types.Hash) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.Entries[root]
	delete(j.Entries, root)
	return ok
}

func (j *Journal) Get(root types.Hash) (Entry, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.Entries[root]
	e.EntryIDs = slices.Clone(e.EntryIDs)
	return e, ok
}

// Pending 按记录时间排序的副本
func (j *Journal) Pending() []Entry {
	j.mu.RLock()
	snap := make(map[types.Hash]Entry, len(j.Entries))
	for k, e := range j.Entries {
		e.EntryIDs = slices.Clone(e.EntryIDs)
		snap[k] = e
	}
	j.mu.RUnlock()

	out := slices.Collect(maps.Values(snap))
	slices.SortFunc(out, func(a, b Entry) int {
		if c := a.RecordedAt.Compare(b.RecordedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Root.String(), b.Root.String())
	})
	return out
}

func (j *Journal) IsEmpty() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.Entries) == 0
}

// Save 先写临时文件再 Rename
func (j *Journal) Save() error {
	j.mu.RLock()
	data, err := json.MarshalIndent(j, "", "  ")
	j.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "journal-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), j.path)
}

func CleanPath(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}
