package namespace

import (
	"sync"

	"zgdrive/pkg/types"
)

// partition 是缓存的最小失效单位: 某个身份看到的某个父目录
type partition struct {
	identity types.Identity
	parent   string // "" 表示根目录
}

func parentKey(parentID *string) string {
	if parentID == nil {
		return ""
	}
	return *parentID
}

// listCache 是数据库之上的只读缓存。
// gens 记录每个分区的失效代数，防止"读库期间发生写入"时把旧结果写回缓存；
// epoch 覆盖批量失效 (forget / invalidateParent) 时尚未出现在 gens 里的分区。
type listCache struct {
	mu    sync.RWMutex
	items map[partition][]Entry
	gens  map[partition]uint64
	epoch uint64
}

// token 是读库前拍下的版本
type token struct {
	gen   uint64
	epoch uint64
}

func newListCache() *listCache {
	return &listCache{
		items: make(map[partition][]Entry),
		gens:  make(map[partition]uint64),
	}
}

func (c *listCache) get(p partition) ([]Entry, token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok := token{gen: c.gens[p], epoch: c.epoch}
	items, ok := c.items[p]
	if !ok {
		return nil, tok, false
	}
	return cloneEntries(items), tok, true
}

// put 只有在读库前后版本未变时才写入
func (c *listCache) put(p partition, tok token, items []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[p] != tok.gen || c.epoch != tok.epoch {
		return
	}
	c.items[p] = cloneEntries(items)
}

func (c *listCache) invalidate(parts ...partition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range parts {
		delete(c.items, p)
		c.gens[p]++
	}
}

// invalidateParent 删除所有身份下以 parent 为键的分区 (文件夹被删除时)
func (c *listCache) invalidateParent(parent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for p := range c.items {
		if p.parent == parent {
			delete(c.items, p)
		}
	}
}

// forget 清空一个身份的全部分区
func (c *listCache) forget(identity types.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for p := range c.items {
		if p.identity == identity {
			delete(c.items, p)
		}
	}
}

func (c *listCache) has(p partition) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[p]
	return ok
}

func cloneEntries(in []Entry) []Entry {
	out := make([]Entry, len(in))
	for i, e := range in {
		out[i] = e.clone()
	}
	return out
}
