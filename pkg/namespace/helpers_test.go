package namespace

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zgdrive/pkg/meta"
	"zgdrive/pkg/types"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
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
	carol = types.Identity("0x00000000000000000000000000000000000ca201")
)

func setupRepo(t *testing.T) *meta.Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	metaDB := meta.NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(meta.Models()...))
	return meta.NewRepository(metaDB)
}

// setupService 构建 "计数仓储 + 服务"
func setupService(t *testing.T) (*Service, *spyRepo) {
	t.Helper()
	spy := &spyRepo{Repository: setupRepo(t)}
	return NewService(spy, Options{}), spy
}

func ptr(s string) *string { return &s }

func testHash(seed int) types.Hash {
	return types.Hash(fmt.Sprintf("0x%064x", seed))
}

func mustFolder(t *testing.T, svc *Service, owner types.Identity, parent *string, name string) *Entry {
	t.Helper()
	e, err := svc.Create(context.Background(), owner, CreateRequest{
		Type: types.EntryFolder, Name: name, ParentID: parent,
	})
	require.NoError(t, err, "create folder %s", name)
	return e
}

func mustFile(t *testing.T, svc *Service, owner types.Identity, parent *string, name string, size int64) *Entry {
	t.Helper()
	e, err := svc.Create(context.Background(), owner, CreateRequest{
		Type: types.EntryFile, Name: name, ParentID: parent,
		Size: size, ContentHash: testHash(int(size)),
	})
	require.NoError(t, err, "create file %s", name)
	return e
}

func mustList(t *testing.T, svc *Service, who types.Identity, parent *string) []Entry {
	t.Helper()
	items, err := svc.List(context.Background(), who, parent)
	require.NoError(t, err)
	return items
}

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

// -----------------------------------------------------------------------------
// spyRepo 统计底层调用次数，可选地在写入时阻塞
// -----------------------------------------------------------------------------

type spyRepo struct {
	*meta.Repository

	lists  atomic.Int64
	moves  atomic.Int64
	create atomic.Int64

	mu       sync.Mutex
	gate     chan struct{} // 非 nil 时 MoveEntry 等待 gate 关闭
	listGate chan struct{} // 非 nil 时 ListChildren 等待 listGate 关闭
}

func (s *spyRepo) ListChildren(ctx context.Context, owner types.Identity, parentID *string) ([]meta.Entry, error) {
	s.lists.Add(1)
	s.mu.Lock()
	gate := s.listGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-time.After(2 * time.Second):
		}
	}
	return s.Repository.ListChildren(ctx, owner, parentID)
}

func (s *spyRepo) CreateEntry(ctx context.Context, e *meta.Entry) error {
	s.create.Add(1)
	return s.Repository.CreateEntry(ctx, e)
}

func (s *spyRepo) MoveEntry(ctx context.Context, owner types.Identity, id, name, ext string, parentID *string) (*meta.MoveResult, error) {
	s.moves.Add(1)
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-time.After(2 * time.Second):
		}
	}
	return s.Repository.MoveEntry(ctx, owner, id, name, ext, parentID)
}

func (s *spyRepo) UpdateUpload(ctx context.Context, id string, status types.UploadStatus, upload datatypes.JSON) error {
	return s.Repository.UpdateUpload(ctx, id, status, upload)
}

func (s *spyRepo) block() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	return s.gate
}

func (s *spyRepo) blockLists() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listGate = make(chan struct{})
	return s.listGate
}
