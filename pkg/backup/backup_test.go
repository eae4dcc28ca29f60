package backup

import (
	"context"
	"fmt"
	"testing"

	"zgdrive/pkg/meta"
	"zgdrive/pkg/refs"
	"zgdrive/pkg/storage/disk"
	"zgdrive/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	alice = types.Identity("0x000000000000000000000000000000000000a11c")
	bob   = types.Identity("0x0000000000000000000000000000000000000b0b")
)

type forgetSpy struct{ forgotten []types.Identity }

func (f *forgetSpy) Forget(id types.Identity) { f.forgotten = append(f.forgotten, id) }

func setup(t *testing.T) (*Service, *meta.Repository, *forgetSpy) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	metaDB := meta.NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(meta.Models()...))
	repo := meta.NewRepository(metaDB)

	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)

	spy := &forgetSpy{}
	return NewService(repo, store, refs.NewManager(repo), spy), repo, spy
}

func mustEntry(t *testing.T, repo *meta.Repository, parent *string, typ types.EntryType, name string) *meta.Entry {
	t.Helper()
	e := &meta.Entry{ID: uuid.NewString(), Owner: alice, ParentID: parent, Type: typ, Name: name}
	if typ == types.EntryFile {
		e.Extension = "txt"
		e.Size = 12
		e.ContentHash = types.Hash(fmt.Sprintf("0x%064x", len(name)))
		e.NetworkTier = types.TierTurbo
		e.UploadStatus = types.StatusConfirmed
	}
	require.NoError(t, repo.CreateEntry(context.Background(), e))
	return e
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	svc, repo, spy := setup(t)
	ctx := context.Background()

	docs := mustEntry(t, repo, nil, types.EntryFolder, "docs")
	sub := mustEntry(t, repo, &docs.ID, types.EntryFolder, "sub")
	file := mustEntry(t, repo, &sub.ID, types.EntryFile, "report")
	_, err := repo.AddShare(ctx, alice, docs.ID, bob)
	require.NoError(t, err)

	// 1. 备份
	res, err := svc.Backup(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Entries)
	assert.True(t, res.Snapshot.IsValid())
	assert.True(t, res.Parent.IsZero())

	// 2. 全部删除后恢复
	_, err = repo.DeleteTree(ctx, alice, docs.ID)
	require.NoError(t, err)

	out, err := svc.Restore(ctx, alice, "")
	require.NoError(t, err)
	assert.Equal(t, res.Snapshot, out.Snapshot)
	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 3, out.Restored)
	assert.Equal(t, []types.Identity{alice}, spy.forgotten)

	got, err := repo.GetEntry(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "report", got.Name)
	assert.Equal(t, sub.ID, *got.ParentID)
	assert.Equal(t, file.ContentHash, got.ContentHash)
	assert.Equal(t, types.TierTurbo, got.NetworkTier)

	shared, err := repo.GetEntry(ctx, docs.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.Identity{bob}, shared.SharedWith())

	// 3. 再次恢复是幂等的
	again, err := svc.Restore(ctx, alice, res.Snapshot)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Restored)
}

func TestBackup_ChainAndHistory(t *testing.T) {
	svc, repo, _ := setup(t)
	ctx := context.Background()

	mustEntry(t, repo, nil, types.EntryFolder, "one")
	first, err := svc.Backup(ctx, alice)
	require.NoError(t, err)

	mustEntry(t, repo, nil, types.EntryFolder, "two")
	second, err := svc.Backup(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, first.Snapshot, second.Parent)
	assert.Equal(t, 2, second.Entries)

	hist, err := svc.History(ctx, alice, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, second.Snapshot, hist[0].Snapshot)
	assert.Equal(t, first.Snapshot, hist[1].Snapshot)
	assert.Equal(t, 1, hist[1].Entries)

	hist, err = svc.History(ctx, alice, 1)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestRestore_Errors(t *testing.T) {
	svc, repo, _ := setup(t)
	ctx := context.Background()

	_, err := svc.Restore(ctx, alice, "")
	assert.ErrorIs(t, err, refs.ErrNoHead)

	mustEntry(t, repo, nil, types.EntryFolder, "private")
	res, err := svc.Backup(ctx, alice)
	require.NoError(t, err)

	_, err = svc.Restore(ctx, bob, res.Snapshot)
	assert.ErrorIs(t, err, ErrOwnerMismatch)

	_, err = svc.Restore(ctx, alice, types.Hash(fmt.Sprintf("0x%064x", 1)))
	assert.Error(t, err)
}

func TestToSnapshotEntries_ParentsFirst(t *testing.T) {
	p := func(s string) *string { return &s }
	in := []meta.Entry{
		{ID: "c", ParentID: p("b"), Type: types.EntryFile, Name: "c"},
		{ID: "b", ParentID: p("a"), Type: types.EntryFolder, Name: "b"},
		{ID: "a", Type: types.EntryFolder, Name: "a"},
		{ID: "d", Type: types.EntryFolder, Name: "d"},
	}
	out := toSnapshotEntries(in)
	ids := make([]string, len(out))
	for i, e := range out {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
}
