package meta

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zgdrive/pkg/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrEntryNotFound    = errors.New("entry not found")
	ErrDuplicateName    = errors.New("an item with the same name already exists in this location")
	ErrCycle            = errors.New("cannot move a folder into itself or its descendants")
	ErrNotFolder        = errors.New("parent is not a folder")
	ErrRefNotFound      = errors.New("reference not found")
	ErrConcurrentUpdate = errors.New("concurrent update detected (CAS failed)")
)

// Repository 封装所有对 SQL 数据库的操作
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// scopeParent 处理根目录 (NULL) 与普通父目录两种查询
func scopeParent(parentID *string) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if parentID == nil {
			return tx.Where("parent_id IS NULL")
		}
		return tx.Where("parent_id = ?", *parentID)
	}
}

// -----------------------------------------------------------------------------
// 1. 条目读写
// -----------------------------------------------------------------------------

// CreateEntry 在一个事务里完成 父目录校验 -> 重名校验 -> 写入
func (r *Repository) CreateEntry(ctx context.Context, e *Entry) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 父目录必须是同一所有者的文件夹
		if e.ParentID != nil {
			if _, err := loadFolder(tx, e.Owner, *e.ParentID); err != nil {
				return err
			}
		}

		// 2. 重名检查 (写入前拒绝)
		if err := checkDuplicate(tx, e.Owner, e.ParentID, e.Type, e.Name, e.Extension, ""); err != nil {
			return err
		}

		// 3. 写入
		if err := tx.Omit("Shares").Create(e).Error; err != nil {
			// 并发写入绕过了第 2 步时由唯一索引兜底
			if isUniqueViolation(err) {
				return ErrDuplicateName
			}
			return fmt.Errorf("failed to create entry: %w", err)
		}
		return nil
	})
}

// GetEntry 按 ID 读取条目 (带授权列表)
func (r *Repository) GetEntry(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	err := r.db.GetConn().WithContext(ctx).
		Preload("Shares").
		Where("id = ?", id).
		First(&e).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListChildren 返回某个所有者在指定父目录下的直接子条目
func (r *Repository) ListChildren(ctx context.Context, owner types.Identity, parentID *string) ([]Entry, error) {
	var entries []Entry
	err := r.db.GetConn().WithContext(ctx).
		Preload("Shares").
		Scopes(scopeParent(parentID)).
		Where("owner = ?", owner).
		Find(&entries).Error
	return entries, err
}

// ListSharedWith 返回直接授权给 identity 的条目
func (r *Repository) ListSharedWith(ctx context.Context, identity types.Identity) ([]Entry, error) {
	var entries []Entry
	err := r.db.GetConn().WithContext(ctx).
		Preload("Shares").
		Joins("JOIN entry_shares ON entry_shares.entry_id = entries.id").
		Where("entry_shares.identity = ?", identity).
		Find(&entries).Error
	return entries, err
}

// ListOwned 返回某个所有者的全部条目 (快照用)
func (r *Repository) ListOwned(ctx context.Context, owner types.Identity) ([]Entry, error) {
	var entries []Entry
	err := r.db.GetConn().WithContext(ctx).
		Preload("Shares").
		Where("owner = ?", owner).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

// Ancestors 从 id 的父目录开始向上回溯到根
func (r *Repository) Ancestors(ctx context.Context, id string) ([]Entry, error) {
	var out []Entry
	tx := r.db.GetConn().WithContext(ctx)

	e, err := loadEntry(tx, id)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{id: true}
	for e.ParentID != nil {
		if seen[*e.ParentID] {
			return nil, fmt.Errorf("%w: corrupted hierarchy at %s", ErrCycle, *e.ParentID)
		}
		seen[*e.ParentID] = true

		var parent Entry
		if err := tx.Preload("Shares").Where("id = ?", *e.ParentID).First(&parent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, parent)
		e = &parent
	}
	return out, nil
}

// MoveResult 描述一次移动/重命名前后的条目
type MoveResult struct {
	Before Entry
	After  Entry
}

// MoveEntry 重命名和/或移动条目，目标位置重新做重名与环检测
// ext 为空时文件保留原扩展名；文件夹忽略 ext
func (r *Repository) MoveEntry(ctx context.Context, owner types.Identity, id, name, ext string, parentID *string) (*MoveResult, error) {
	var res MoveResult
	err := r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 读取原条目
		e, err := loadOwned(tx, owner, id)
		if err != nil {
			return err
		}
		res.Before = *e

		// 2. 新父目录校验 + 环检测
		if parentID != nil {
			if *parentID == id {
				return ErrCycle
			}
			if _, err := loadFolder(tx, owner, *parentID); err != nil {
				return err
			}
			if e.Type == types.EntryFolder {
				if err := checkCycle(tx, id, *parentID); err != nil {
					return err
				}
			}
		}

		// 3. 目标位置重名检查 (排除自己)
		if e.Type != types.EntryFile || ext == "" {
			ext = e.Extension
		}
		if err := checkDuplicate(tx, owner, parentID, e.Type, name, ext, id); err != nil {
			return err
		}

		// 4. 更新
		now := time.Now()
		if err := tx.Model(&Entry{}).Where("id = ?", id).Updates(map[string]any{
			"name":       name,
			"extension":  ext,
			"parent_id":  parentID,
			"parent_key": ParentKey(parentID),
			"updated_at": now,
		}).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateName
			}
			return fmt.Errorf("failed to move entry: %w", err)
		}

		e.Name = name
		e.Extension = ext
		e.ParentID = parentID
		e.ParentKey = ParentKey(parentID)
		e.UpdatedAt = now
		res.After = *e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteTree 级联删除条目及其全部后代 (一个事务内完成)
// 返回被删除的条目，供上层做缓存失效
func (r *Repository) DeleteTree(ctx context.Context, owner types.Identity, id string) ([]Entry, error) {
	var deleted []Entry
	err := r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 根条目
		root, err := loadOwned(tx, owner, id)
		if err != nil {
			return err
		}
		deleted = append(deleted, *root)

		// 2. 广度优先收集后代
		frontier := []string{id}
		for len(frontier) > 0 {
			var children []Entry
			if err := tx.Preload("Shares").Where("parent_id IN ?", frontier).Find(&children).Error; err != nil {
				return err
			}
			frontier = frontier[:0]
			for _, c := range children {
				deleted = append(deleted, c)
				if c.Type == types.EntryFolder {
					frontier = append(frontier, c.ID)
				}
			}
		}

		ids := make([]string, len(deleted))
		for i, e := range deleted {
			ids[i] = e.ID
		}

		// 3. 先删授权，再删条目
		if err := tx.Where("entry_id IN ?", ids).Delete(&Share{}).Error; err != nil {
			return fmt.Errorf("failed to delete shares: %w", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&Entry{}).Error; err != nil {
			return fmt.Errorf("failed to delete entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// UpdateUpload 更新上传状态与附加信息 (内容哈希不可变，这里不触碰)
func (r *Repository) UpdateUpload(ctx context.Context, id string, status types.UploadStatus, upload datatypes.JSON) error {
	result := r.db.GetConn().WithContext(ctx).Model(&Entry{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"upload_status": status,
			"upload":        upload,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// FindByContentHash 返回引用某个内容哈希的条目
func (r *Repository) FindByContentHash(ctx context.Context, owner types.Identity, hash types.Hash) ([]Entry, error) {
	var entries []Entry
	err := r.db.GetConn().WithContext(ctx).
		Where("owner = ? AND content_hash = ?", owner, hash).
		Find(&entries).Error
	return entries, err
}

// -----------------------------------------------------------------------------
// 2. 授权
// -----------------------------------------------------------------------------

// AddShare 幂等授权
func (r *Repository) AddShare(ctx context.Context, owner types.Identity, id string, identity types.Identity) (*Entry, error) {
	var out *Entry
	err := r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, err := loadOwned(tx, owner, id)
		if err != nil {
			return err
		}
		share := Share{EntryID: id, Identity: identity}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&share).Error; err != nil {
			return fmt.Errorf("failed to share entry: %w", err)
		}
		out, err = reload(tx, e.ID)
		return err
	})
	return out, err
}

// RemoveShare 撤销授权 (不存在也视为成功)
func (r *Repository) RemoveShare(ctx context.Context, owner types.Identity, id string, identity types.Identity) (*Entry, error) {
	var out *Entry
	err := r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, err := loadOwned(tx, owner, id)
		if err != nil {
			return err
		}
		if err := tx.Where("entry_id = ? AND identity = ?", id, identity).Delete(&Share{}).Error; err != nil {
			return fmt.Errorf("failed to unshare entry: %w", err)
		}
		out, err = reload(tx, e.ID)
		return err
	})
	return out, err
}

// -----------------------------------------------------------------------------
// 3. 恢复 (备份导入)
// -----------------------------------------------------------------------------

// RestoreEntries 幂等导入条目；已存在的 ID 保持不变
// 调用方需保证父目录排在子条目之前
func (r *Repository) RestoreEntries(ctx context.Context, entries []Entry) (int, error) {
	restored := 0
	err := r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range entries {
			e := entries[i]
			shares := e.Shares
			e.Shares = nil

			// ID 已存在或同名条目已存在时跳过
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&e)
			if result.Error != nil {
				return fmt.Errorf("failed to restore entry %s: %w", e.ID, result.Error)
			}
			restored += int(result.RowsAffected)

			for _, s := range shares {
				s.EntryID = e.ID
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&s).Error; err != nil {
					return fmt.Errorf("failed to restore share: %w", err)
				}
			}
		}
		return nil
	})
	return restored, err
}

// -----------------------------------------------------------------------------
// 4. 引用管理 (备份头指针)
// -----------------------------------------------------------------------------

func (r *Repository) GetRef(ctx context.Context, name string) (*Ref, error) {
	var ref Ref
	err := r.db.GetConn().WithContext(ctx).
		Where("name = ?", name).
		First(&ref).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRefNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// UpdateRef 原子更新引用 (CAS - Compare And Swap)
// oldVersion: 之前读到的版本号；0 表示首次创建
func (r *Repository) UpdateRef(ctx context.Context, name string, newHash types.Hash, oldVersion int64) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 场景 A: 第一次创建
		if oldVersion == 0 {
			ref := Ref{
				Name:       name,
				TargetHash: newHash,
				Version:    1,
			}
			if err := tx.Create(&ref).Error; err != nil {
				if isUniqueViolation(err) {
					return ErrConcurrentUpdate
				}
				return fmt.Errorf("failed to create ref: %w", err)
			}
			return nil
		}

		// 场景 B: 更新现有引用
		// SQL: UPDATE refs SET target_hash = ?, version = version + 1 WHERE name = ? AND version = ?
		result := tx.Model(&Ref{}).
			Where("name = ? AND version = ?", name, oldVersion).
			Updates(map[string]any{
				"target_hash": newHash,
				"version":     gorm.Expr("version + 1"),
				"updated_at":  time.Now(),
			})

		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		return nil
	})
}

// -----------------------------------------------------------------------------
// 事务内辅助函数
// -----------------------------------------------------------------------------

func loadEntry(tx *gorm.DB, id string) (*Entry, error) {
	var e Entry
	err := tx.Preload("Shares").Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// loadOwned 非所有者一律视为不存在，不泄露条目是否存在
func loadOwned(tx *gorm.DB, owner types.Identity, id string) (*Entry, error) {
	e, err := loadEntry(tx, id)
	if err != nil {
		return nil, err
	}
	if e.Owner != owner {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

func loadFolder(tx *gorm.DB, owner types.Identity, id string) (*Entry, error) {
	e, err := loadOwned(tx, owner, id)
	if err != nil {
		return nil, fmt.Errorf("parent %s: %w", id, err)
	}
	if e.Type != types.EntryFolder {
		return nil, ErrNotFolder
	}
	return e, nil
}

func reload(tx *gorm.DB, id string) (*Entry, error) {
	var e Entry
	if err := tx.Preload("Shares").Where("id = ?", id).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// checkDuplicate 同一所有者、同一父目录、同类型、同名 (文件还需同扩展名) 视为重复
func checkDuplicate(tx *gorm.DB, owner types.Identity, parentID *string, typ types.EntryType, name, ext, excludeID string) error {
	q := tx.Model(&Entry{}).
		Scopes(scopeParent(parentID)).
		Where("owner = ? AND type = ? AND name = ?", owner, typ, name)
	if typ == types.EntryFile {
		q = q.Where("extension = ?", ext)
	}
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateName
	}
	return nil
}

// isUniqueViolation 兼容 PG 与 SQLite，以及是否开启 TranslateError
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// checkCycle 从目标父目录向上回溯，若遇到被移动的文件夹则成环
func checkCycle(tx *gorm.DB, movingID, newParentID string) error {
	cur := newParentID
	seen := map[string]bool{}
	for {
		if cur == movingID {
			return ErrCycle
		}
		if seen[cur] {
			return fmt.Errorf("%w: corrupted hierarchy at %s", ErrCycle, cur)
		}
		seen[cur] = true

		e, err := loadEntry(tx, cur)
		if err != nil {
			return err
		}
		if e.ParentID == nil {
			return nil
		}
		cur = *e.ParentID
	}
}
