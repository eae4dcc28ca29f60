package meta

import (
	"time"

	"zgdrive/pkg/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entry 是命名空间中的一个文件或文件夹 (唯一数据源)
type Entry struct {
	// ID 是不透明的 UUID，创建后不可变
	ID string `gorm:"primaryKey;type:varchar(36)"`

	Owner    types.Identity `gorm:"index:idx_entry_owner_parent,priority:1;uniqueIndex:idx_entry_sibling,priority:1;type:varchar(42);not null"`
	ParentID *string        `gorm:"index:idx_entry_owner_parent,priority:2;index:idx_entry_parent;type:varchar(36)"`
	// ParentKey 与 ParentID 相同，根目录为空串 (NULL 不参与唯一约束)
	ParentKey string `gorm:"uniqueIndex:idx_entry_sibling,priority:2;type:varchar(36);not null;default:''"`

	Type      types.EntryType `gorm:"index;uniqueIndex:idx_entry_sibling,priority:3;type:varchar(10);not null"`
	Name      string          `gorm:"uniqueIndex:idx_entry_sibling,priority:4;type:varchar(255);not null"`
	Extension string          `gorm:"uniqueIndex:idx_entry_sibling,priority:5;type:varchar(16);not null;default:''"`

	// --- 仅文件 ---
	Size         int64
	ContentHash  types.Hash         `gorm:"index;type:char(66)"`
	NetworkTier  types.NetworkTier  `gorm:"type:varchar(16)"`
	UploadStatus types.UploadStatus `gorm:"type:varchar(16)"`

	// Upload: 交易哈希、尝试次数、Gas 价格、费用报价等非结构化数据
	Upload datatypes.JSON

	Shares []Share `gorm:"foreignKey:EntryID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Entry) TableName() string {
	return "entries"
}

// BeforeSave 保持 ParentKey 与 ParentID 一致
func (e *Entry) BeforeSave(tx *gorm.DB) error {
	e.ParentKey = ParentKey(e.ParentID)
	return nil
}

// ParentKey 唯一约束使用的父目录键
func ParentKey(parentID *string) string {
	if parentID == nil {
		return ""
	}
	return *parentID
}

// SharedWith 返回被授权的身份列表
func (e *Entry) SharedWith() []types.Identity {
	out := make([]types.Identity, 0, len(e.Shares))
	for _, s := range e.Shares {
		out = append(out, s.Identity)
	}
	return out
}

// IsRoot 判断是否位于根目录
func (e *Entry) IsRoot() bool { return e.ParentID == nil }

// Share 记录一个条目对某个身份的授权 (联合主键保证幂等)
type Share struct {
	EntryID  string         `gorm:"primaryKey;type:varchar(36)"`
	Identity types.Identity `gorm:"primaryKey;index;type:varchar(42)"`

	CreatedAt time.Time
}

func (Share) TableName() string {
	return "entry_shares"
}

// Ref 存储命名指针 (例如 "backup/0xabc...")
type Ref struct {
	Name string `gorm:"primaryKey;type:varchar(255)"`

	// TargetHash 指向快照对象
	TargetHash types.Hash `gorm:"type:char(66);not null"`

	// Version 用于乐观锁并发控制 (CAS)
	Version int64 `gorm:"default:1"`

	UpdatedAt time.Time
}
