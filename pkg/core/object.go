package core

import "zgdrive/pkg/types"

// ObjectType 定义了本地对象存储中的对象类型
type ObjectType string

const (
	TypeBlob     ObjectType = "blob"     // 下载后镜像的原始内容
	TypeSnapshot ObjectType = "snapshot" // 命名空间快照 (备份)
)

// Object 是所有可写入 storage.Store 的对象的通用接口
type Object interface {
	Type() ObjectType

	// ID 返回对象的哈希值
	ID() types.Hash

	// Bytes 返回对象的序列化数据 (用于存储)
	Bytes() []byte
}

// RawBlob 是一段已知根哈希的原始内容
// 它的 ID 是 Merkle 根，而不是字节的直接摘要
type RawBlob struct {
	root types.Hash
	data []byte
}

func NewRawBlob(root types.Hash, data []byte) *RawBlob {
	return &RawBlob{root: root, data: data}
}

func (b *RawBlob) Type() ObjectType { return TypeBlob }
func (b *RawBlob) ID() types.Hash   { return b.root }
func (b *RawBlob) Bytes() []byte    { return b.data }
func (b *RawBlob) Size() int64      { return int64(len(b.data)) }
