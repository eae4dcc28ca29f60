package core

import (
	"fmt"
	"time"

	"zgdrive/pkg/types"
)

// SnapshotEntry 是命名空间条目在快照中的投影
type SnapshotEntry struct {
	ID         string   `cbor:"id"`
	ParentID   string   `cbor:"p,omitempty"`
	Type       string   `cbor:"t"`
	Name       string   `cbor:"n"`
	Extension  string   `cbor:"x,omitempty"`
	Size       int64    `cbor:"s"`
	Content    *Link    `cbor:"c,omitempty"`
	Tier       string   `cbor:"tier,omitempty"`
	Status     string   `cbor:"st,omitempty"`
	SharedWith []string `cbor:"sw,omitempty"`
	CreatedAt  int64    `cbor:"ca"`
	UpdatedAt  int64    `cbor:"ua"`
}

// Snapshot 是某个身份在某一时刻的完整命名空间
// Parents 指向上一次备份，构成一条备份链
type Snapshot struct {
	hash     types.Hash `cbor:"-"`
	rawBytes []byte     `cbor:"-"`

	TypeVal   ObjectType      `cbor:"t"`
	Owner     string          `cbor:"o"`
	Parents   []Link          `cbor:"p"`
	Entries   []SnapshotEntry `cbor:"e"`
	Timestamp int64           `cbor:"ts"`
}

func NewSnapshot(owner types.Identity, parents []types.Hash, entries []SnapshotEntry) (*Snapshot, error) {
	parentLinks := make([]Link, len(parents))
	for i, p := range parents {
		parentLinks[i] = NewLink(p)
	}
	if entries == nil {
		entries = []SnapshotEntry{}
	}

	s := &Snapshot{
		TypeVal:   TypeSnapshot,
		Owner:     owner.String(),
		Parents:   parentLinks,
		Entries:   entries,
		Timestamp: time.Now().Unix(),
	}
	if err := s.seal(); err != nil {
		return nil, err
	}
	return s, nil
}

// DecodeSnapshot 从存储字节还原快照，并校验内容哈希
func DecodeSnapshot(expected types.Hash, data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := DecodeObject(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.TypeVal != TypeSnapshot {
		return nil, fmt.Errorf("object %s is %q, not a snapshot", expected.Short(), s.TypeVal)
	}
	s.hash = CalculateBlobHash(data)
	s.rawBytes = data
	if !expected.IsZero() && s.hash != expected {
		return nil, fmt.Errorf("snapshot hash mismatch: want %s got %s", expected.Short(), s.hash.Short())
	}
	return &s, nil
}

func (s *Snapshot) seal() error {
	h, b, err := CalculateHash(s)
	if err != nil {
		return err
	}
	s.hash = h
	s.rawBytes = b
	return nil
}

func (s *Snapshot) Type() ObjectType { return TypeSnapshot }
func (s *Snapshot) ID() types.Hash   { return s.hash }
func (s *Snapshot) Bytes() []byte    { return s.rawBytes }
