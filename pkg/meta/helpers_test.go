package meta

import (
	"context"
	"fmt"
	"testing"

	"zgdrive/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// -----------------------------------------------------------------------------
// 通用辅助函数 (Helpers)
// -----------------------------------------------------------------------------

const (
	alice = types.Identity("0x000000000000000000000000000000000000a11c")
	bob   = types.Identity("0x0000000000000000000000000000000000000b0b")
)

// setupTestRepo 构建隔离的测试环境
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	metaDB := NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(Models()...))

	return NewRepository(metaDB)
}

func ptr(s string) *string { return &s }

// mustCreateFolder 创建文件夹，失败直接终止
func mustCreateFolder(t *testing.T, repo *Repository, owner types.Identity, parent *string, name string) *Entry {
	t.Helper()
	e := &Entry{ID: uuid.NewString(), Owner: owner, ParentID: parent, Type: types.EntryFolder, Name: name}
	require.NoError(t, repo.CreateEntry(context.Background(), e), "create folder %s", name)
	return e
}

func mustCreateFile(t *testing.T, repo *Repository, owner types.Identity, parent *string, name, ext string) *Entry {
	t.Helper()
	e := &Entry{
		ID:           uuid.NewString(),
		Owner:        owner,
		ParentID:     parent,
		Type:         types.EntryFile,
		Name:         name,
		Extension:    ext,
		Size:         42,
		ContentHash:  types.Hash("0x" + fmt.Sprintf("%064x", len(name))),
		NetworkTier:  types.TierStandard,
		UploadStatus: types.StatusConfirmed,
	}
	require.NoError(t, repo.CreateEntry(context.Background(), e), "create file %s", name)
	return e
}

// mustUpdateRef 强制更新引用，失败则终止
func mustUpdateRef(t *testing.T, repo *Repository, name string, newHash types.Hash, oldVersion int64, msgAndArgs ...any) {
	t.Helper()
	err := repo.UpdateRef(context.Background(), name, newHash, oldVersion)
	require.NoError(t, err, msgAndArgs...)
}

func countRows(t *testing.T, repo *Repository, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, repo.db.GetConn().Model(model).Count(&n).Error)
	return n
}
