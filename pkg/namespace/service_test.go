package namespace

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"zgdrive/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

// -----------------------------------------------------------------------------
// 场景测试
// -----------------------------------------------------------------------------

func TestService_CreateFolderAndFile(t *testing.T) {
	svc, _ := setupService(t)

	// 1. 根目录创建 Docs，上传 a.txt (10 字节)
	docs := mustFolder(t, svc, alice, nil, "Docs")
	mustFile(t, svc, alice, &docs.ID, "a.txt", 10)

	// 2. 根目录只有 Docs
	root := mustList(t, svc, alice, nil)
	assert.Equal(t, []string{"Docs"}, names(root))

	// 3. Docs 里是 a.txt，大小和哈希格式正确
	inDocs := mustList(t, svc, alice, &docs.ID)
	require.Len(t, inDocs, 1)
	assert.Equal(t, "a.txt", inDocs[0].Name)
	assert.Equal(t, int64(10), inDocs[0].Size)
	assert.Equal(t, "txt", inDocs[0].Extension)
	assert.True(t, inDocs[0].ContentHash.IsValid())
	assert.Len(t, inDocs[0].ContentHash.String(), 66)
	assert.Equal(t, types.StatusConfirmed, inDocs[0].UploadStatus)
	assert.Equal(t, types.TierStandard, inDocs[0].NetworkTier)
}

func TestService_MoveFileToRoot(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	docs := mustFolder(t, svc, alice, nil, "Docs")
	file := mustFile(t, svc, alice, &docs.ID, "a.txt", 10)

	// 先读一遍，让两个分区都进入缓存
	require.Len(t, mustList(t, svc, alice, nil), 1)
	require.Len(t, mustList(t, svc, alice, &docs.ID), 1)

	moved, err := svc.Move(ctx, alice, file.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, moved.ParentID)

	assert.Empty(t, mustList(t, svc, alice, &docs.ID), "旧分区必须失效")
	assert.Equal(t, []string{"Docs", "a.txt"}, names(mustList(t, svc, alice, nil)), "新分区必须失效")
}

// -----------------------------------------------------------------------------
// 不变量
// -----------------------------------------------------------------------------

func TestService_RandomOpsKeepTreeValid(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	folders := []*Entry{mustFolder(t, svc, alice, nil, "f0")}
	var all []*Entry
	all = append(all, folders[0])

	pickParent := func() *string {
		if rng.Intn(4) == 0 {
			return nil
		}
		return &folders[rng.Intn(len(folders))].ID
	}

	for i := 0; i < 200; i++ {
		switch rng.Intn(3) {
		case 0: // 新文件夹 (名称空间很小，故意制造重名)
			name := []string{"a", "b", "c"}[rng.Intn(3)]
			e, err := svc.Create(ctx, alice, CreateRequest{Type: types.EntryFolder, Name: name, ParentID: pickParent()})
			if err == nil {
				folders = append(folders, e)
				all = append(all, e)
			} else {
				require.ErrorIs(t, err, ErrDuplicateName)
			}
		case 1: // 新文件
			name := []string{"x.txt", "y.txt"}[rng.Intn(2)]
			e, err := svc.Create(ctx, alice, CreateRequest{
				Type: types.EntryFile, Name: name, ParentID: pickParent(),
				Size: 1, ContentHash: testHash(i),
			})
			if err == nil {
				all = append(all, e)
			} else {
				require.ErrorIs(t, err, ErrDuplicateName)
			}
		case 2: // 随机移动
			target := all[rng.Intn(len(all))]
			_, err := svc.Move(ctx, alice, target.ID, pickParent())
			if err != nil {
				assert.True(t, isExpectedMoveErr(err), "unexpected move error: %v", err)
			}
		}
	}

	// 从根向下遍历: 无环 (每个节点只访问一次) 且同级无重名
	visited := map[string]bool{}
	var walk func(parent *string)
	walk = func(parent *string) {
		items := mustList(t, svc, alice, parent)
		seen := map[string]bool{}
		for _, e := range items {
			require.False(t, visited[e.ID], "entry %s reachable twice", e.ID)
			visited[e.ID] = true

			key := string(e.Type) + "|" + e.Name + "|" + e.Extension
			require.False(t, seen[key], "duplicate sibling %s", key)
			seen[key] = true

			if e.IsFolder() {
				id := e.ID
				walk(&id)
			}
		}
	}
	walk(nil)
	assert.Len(t, visited, len(all), "every entry must be reachable from the root")
}

func isExpectedMoveErr(err error) bool {
	for _, target := range []error{ErrCycle, ErrDuplicateName, ErrInvalidInput} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func TestService_MoveIntoDescendantRejected(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	a := mustFolder(t, svc, alice, nil, "A")
	b := mustFolder(t, svc, alice, &a.ID, "B")
	c := mustFolder(t, svc, alice, &b.ID, "C")

	_, err := svc.Move(ctx, alice, a.ID, &c.ID)
	assert.ErrorIs(t, err, ErrCycle)

	_, err = svc.Move(ctx, alice, a.ID, &a.ID)
	assert.ErrorIs(t, err, ErrCycle)

	// 树结构保持不变
	assert.Equal(t, []string{"A"}, names(mustList(t, svc, alice, nil)))
}

func TestService_DeleteCascades(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	keep := mustFolder(t, svc, alice, nil, "Keep")
	mustFile(t, svc, alice, &keep.ID, "k.txt", 3)

	docs := mustFolder(t, svc, alice, nil, "Docs")
	sub := mustFolder(t, svc, alice, &docs.ID, "Sub")
	mustFile(t, svc, alice, &docs.ID, "a.txt", 1)
	mustFile(t, svc, alice, &sub.ID, "b.txt", 2)

	// 预热缓存
	mustList(t, svc, alice, &sub.ID)

	n, err := svc.Delete(ctx, alice, docs.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.Equal(t, []string{"Keep"}, names(mustList(t, svc, alice, nil)))
	assert.Equal(t, []string{"k.txt"}, names(mustList(t, svc, alice, &keep.ID)))

	_, err = svc.List(ctx, alice, &sub.ID)
	assert.ErrorIs(t, err, ErrNotFound, "已删除文件夹的缓存分区必须失效")

	_, err = svc.Delete(ctx, alice, docs.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// -----------------------------------------------------------------------------
// 并发合并
// -----------------------------------------------------------------------------

func TestService_ConcurrentRenameCoalesced(t *testing.T) {
	svc, spy := setupService(t)
	ctx := context.Background()

	file := mustFile(t, svc, alice, nil, "old.txt", 5)

	gate := spy.block()
	var wg sync.WaitGroup
	results := make([]*Entry, 2)
	errs := make([]error, 2)

	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.Rename(ctx, alice, file.ID, "a")
		}()
	}

	// 等两个调用都进入 singleflight 后再放行
	require.Eventually(t, func() bool { return spy.moves.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int64(1), spy.moves.Load(), "相同签名只能落库一次")
	assert.Equal(t, results[0].ID, results[1].ID)
	assert.Equal(t, "a", results[0].Name)
	assert.Equal(t, results[0].Name, results[1].Name)
	assert.NotSame(t, results[0], results[1], "每个调用方拿到独立副本")
}

func TestService_ConcurrentCreateCoalesced(t *testing.T) {
	svc, spy := setupService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := svc.Create(ctx, alice, CreateRequest{Type: types.EntryFolder, Name: "Docs"})
			if err == nil {
				ids[i] = e.ID
			} else {
				assert.ErrorIs(t, err, ErrDuplicateName)
			}
		}()
	}
	wg.Wait()

	// 无论是否被合并，最终只有一个 Docs
	assert.Equal(t, []string{"Docs"}, names(mustList(t, svc, alice, nil)))
	assert.LessOrEqual(t, spy.create.Load(), int64(8))
}

// -----------------------------------------------------------------------------
// 缓存
// -----------------------------------------------------------------------------

func TestService_ListIsCached(t *testing.T) {
	svc, spy := setupService(t)

	mustFolder(t, svc, alice, nil, "Docs")
	mustList(t, svc, alice, nil)
	before := spy.lists.Load()

	mustList(t, svc, alice, nil)
	mustList(t, svc, alice, nil)
	assert.Equal(t, before, spy.lists.Load(), "命中缓存时不查库")

	// 写入其它身份不影响 alice 的分区
	mustFolder(t, svc, bob, nil, "Other")
	mustList(t, svc, alice, nil)
	assert.Equal(t, before, spy.lists.Load())

	// alice 自己写入后重新查库
	mustFolder(t, svc, alice, nil, "More")
	assert.Equal(t, []string{"Docs", "More"}, names(mustList(t, svc, alice, nil)))
	assert.Greater(t, spy.lists.Load(), before)
}

func TestService_ListReturnsCopies(t *testing.T) {
	svc, _ := setupService(t)
	mustFolder(t, svc, alice, nil, "Docs")

	first := mustList(t, svc, alice, nil)
	first[0].Name = "mutated"

	assert.Equal(t, "Docs", mustList(t, svc, alice, nil)[0].Name)
}

func TestService_ListJoinedCallerOutlivesCancel(t *testing.T) {
	svc, spy := setupService(t)
	mustFile(t, svc, alice, nil, "a.txt", 1)
	before := spy.lists.Load()
	gate := spy.blockLists()

	// 1. A 发起查询并阻塞在仓储中
	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := svc.List(ctxA, alice, nil)
		errA <- err
	}()
	require.Eventually(t, func() bool { return spy.lists.Load() > before }, time.Second, time.Millisecond)

	// 2. B 加入同一次查询
	type result struct {
		items []Entry
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		items, err := svc.List(context.Background(), alice, nil)
		resB <- result{items, err}
	}()
	time.Sleep(50 * time.Millisecond)

	// 3. A 取消只影响 A
	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(gate)
	got := <-resB
	require.NoError(t, got.err)
	assert.Equal(t, []string{"a.txt"}, names(got.items))
	assert.Equal(t, before+1, spy.lists.Load(), "合并为一次查询")
}

func TestService_Forget(t *testing.T) {
	svc, spy := setupService(t)
	mustFolder(t, svc, alice, nil, "Docs")
	mustList(t, svc, alice, nil)
	require.True(t, svc.cache.has(partition{alice, ""}))

	// 大小写不同的同一地址
	svc.Forget("0x000000000000000000000000000000000000A11C")
	assert.False(t, svc.cache.has(partition{alice, ""}))

	before := spy.lists.Load()
	mustList(t, svc, alice, nil)
	assert.Greater(t, spy.lists.Load(), before)
}

func TestListCache_StalePutDropped(t *testing.T) {
	c := newListCache()
	p := partition{alice, ""}

	_, tok, ok := c.get(p)
	require.False(t, ok)

	// 读库期间发生了写入
	c.invalidate(p)
	c.put(p, tok, []Entry{{Name: "stale"}})
	assert.False(t, c.has(p), "旧版本结果不能写回")

	_, tok, _ = c.get(p)
	c.forget(bob)
	c.put(p, tok, []Entry{{Name: "stale"}})
	assert.False(t, c.has(p), "批量失效后同样丢弃")

	_, tok, _ = c.get(p)
	c.put(p, tok, []Entry{{Name: "fresh"}})
	items, _, ok := c.get(p)
	require.True(t, ok)
	assert.Equal(t, "fresh", items[0].Name)
}

// -----------------------------------------------------------------------------
// 授权
// -----------------------------------------------------------------------------

func TestService_ShareFolder(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	docs := mustFolder(t, svc, alice, nil, "Docs")
	inner := mustFolder(t, svc, alice, &docs.ID, "Inner")
	mustFile(t, svc, alice, &inner.ID, "deep.txt", 7)

	// 1. 授权前 bob 看不到
	assert.Empty(t, mustList(t, svc, bob, nil))
	_, err := svc.List(ctx, bob, &docs.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// 2. 授权后出现在 bob 的根目录，标记 sharedBy
	shared, err := svc.Share(ctx, alice, docs.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, []types.Identity{bob}, shared.SharedWith)

	root := mustList(t, svc, bob, nil)
	require.Len(t, root, 1)
	assert.Equal(t, "Docs", root[0].Name)
	assert.Equal(t, alice, root[0].SharedBy)

	// 3. 子树可读
	assert.Equal(t, []string{"Inner"}, names(mustList(t, svc, bob, &docs.ID)))
	assert.Equal(t, []string{"deep.txt"}, names(mustList(t, svc, bob, &inner.ID)))
	got, err := svc.Get(ctx, bob, inner.ID)
	require.NoError(t, err)
	assert.Equal(t, alice, got.SharedBy)

	// 4. 第三方仍不可见
	_, err = svc.Get(ctx, carol, inner.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// 5. 撤销后 bob 的缓存全部失效
	_, err = svc.Unshare(ctx, alice, docs.ID, bob)
	require.NoError(t, err)
	assert.Empty(t, mustList(t, svc, bob, nil))
	_, err = svc.List(ctx, bob, &inner.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_SharedNestedEntrySurfacesAtRoot(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	docs := mustFolder(t, svc, alice, nil, "Docs")
	file := mustFile(t, svc, alice, &docs.ID, "a.txt", 10)

	_, err := svc.Share(ctx, alice, file.ID, bob)
	require.NoError(t, err)

	root := mustList(t, svc, bob, nil)
	require.Len(t, root, 1)
	assert.Equal(t, "a.txt", root[0].Name)
	assert.Nil(t, root[0].ParentID)

	// 上级文件夹也授权后，只通过文件夹出现一次
	_, err = svc.Share(ctx, alice, docs.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, []string{"Docs"}, names(mustList(t, svc, bob, nil)))
}

func TestService_NewFileVisibleToGrantee(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	docs := mustFolder(t, svc, alice, nil, "Docs")
	_, err := svc.Share(ctx, alice, docs.ID, bob)
	require.NoError(t, err)
	assert.Empty(t, mustList(t, svc, bob, &docs.ID))

	mustFile(t, svc, alice, &docs.ID, "new.txt", 1)
	assert.Equal(t, []string{"new.txt"}, names(mustList(t, svc, bob, &docs.ID)), "被授权方的分区同样失效")
}

func TestService_ShareValidation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	docs := mustFolder(t, svc, alice, nil, "Docs")

	_, err := svc.Share(ctx, alice, docs.ID, alice)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Share(ctx, alice, docs.ID, "not-an-address")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Share(ctx, bob, docs.ID, carol)
	assert.ErrorIs(t, err, ErrNotFound, "非所有者不能授权")
}

// -----------------------------------------------------------------------------
// 校验
// -----------------------------------------------------------------------------

func TestService_CreateValidation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		who  types.Identity
		req  CreateRequest
	}{
		{"bad identity", "alice", CreateRequest{Type: types.EntryFolder, Name: "x"}},
		{"empty name", alice, CreateRequest{Type: types.EntryFolder, Name: "   "}},
		{"bad chars", alice, CreateRequest{Type: types.EntryFolder, Name: "a/b"}},
		{"too long", alice, CreateRequest{Type: types.EntryFolder, Name: strings.Repeat("x", 256)}},
		{"bad type", alice, CreateRequest{Type: "link", Name: "x"}},
		{"bad extension", alice, CreateRequest{Type: types.EntryFile, Name: "a.exe", Size: 1, ContentHash: testHash(1)}},
		{"zero size", alice, CreateRequest{Type: types.EntryFile, Name: "a.txt", ContentHash: testHash(1)}},
		{"too big", alice, CreateRequest{Type: types.EntryFile, Name: "a.txt", Size: DefaultMaxFileSize + 1, ContentHash: testHash(1)}},
		{"bad hash", alice, CreateRequest{Type: types.EntryFile, Name: "a.txt", Size: 1, ContentHash: "0x1234"}},
		{"bad tier", alice, CreateRequest{Type: types.EntryFile, Name: "a.txt", Size: 1, ContentHash: testHash(1), NetworkTier: "fast"}},
		{"bad upload json", alice, CreateRequest{Type: types.EntryFile, Name: "a.txt", Size: 1, ContentHash: testHash(1), Upload: json.RawMessage("{")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.who, tt.req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Empty(t, mustList(t, svc, alice, nil), "校验失败不能写入")
}

func TestService_RenameUpdatesExtension(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	a := mustFile(t, svc, alice, nil, "a.txt", 1)
	mustFile(t, svc, alice, nil, "b.pdf", 2)

	// 1. 新扩展名参与重名检查
	_, err := svc.Rename(ctx, alice, a.ID, "b.pdf")
	assert.ErrorIs(t, err, ErrDuplicateName)

	// 2. 改名后扩展名随之变化
	e, err := svc.Rename(ctx, alice, a.ID, "c.pdf")
	require.NoError(t, err)
	assert.Equal(t, "pdf", e.Extension)

	// 3. 不允许的扩展名
	_, err = svc.Rename(ctx, alice, a.ID, "c.exe")
	assert.ErrorIs(t, err, ErrInvalidInput)

	got, err := svc.Get(ctx, alice, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "c.pdf", got.Name)
	assert.Equal(t, "pdf", got.Extension)
}

func TestService_CreateNormalizes(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	upper := types.Identity("0x000000000000000000000000000000000000A11C")
	_, err := svc.Create(ctx, upper, CreateRequest{
		Type: types.EntryFile, Name: "photo.png", Size: 1,
		ContentHash: types.Hash(testHash(9).Hex()),
	})
	require.ErrorIs(t, err, ErrInvalidInput, "缺少 0x 前缀的哈希应被拒绝")

	e, err := svc.Create(ctx, upper, CreateRequest{
		Type: types.EntryFile, Name: "  Photo.PNG ", Size: 1,
		ContentHash: types.Hash("0x" + strings.ToUpper(testHash(9).Hex())),
		NetworkTier: "TURBO", UploadStatus: types.StatusUnconfirmed,
		Upload: json.RawMessage(`{"txHash":"0xabc"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, alice, e.Owner)
	assert.Equal(t, "Photo.PNG", e.Name)
	assert.Equal(t, "png", e.Extension)
	assert.Equal(t, testHash(9), e.ContentHash)
	assert.Equal(t, types.TierTurbo, e.NetworkTier)
	assert.JSONEq(t, `{"txHash":"0xabc"}`, string(e.Upload))

	// 状态更新: 新字段合并进原有记录
	require.NoError(t, svc.MarkUpload(ctx, alice, e.ID, types.StatusConfirmed, json.RawMessage(`{"finalized":true}`)))
	got, err := svc.Get(ctx, alice, e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, got.UploadStatus)
	assert.JSONEq(t, `{"txHash":"0xabc","finalized":true}`, string(got.Upload))

	// 同名字段覆盖
	require.NoError(t, svc.MarkUpload(ctx, alice, e.ID, types.StatusConfirmed, json.RawMessage(`{"txHash":"0xdef"}`)))
	got, err = svc.Get(ctx, alice, e.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"txHash":"0xdef","finalized":true}`, string(got.Upload))
}

func TestService_UpdateRequiresChange(t *testing.T) {
	svc, _ := setupService(t)
	docs := mustFolder(t, svc, alice, nil, "Docs")

	_, err := svc.Update(context.Background(), alice, docs.ID, UpdateRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Rename(context.Background(), bob, docs.ID, "Mine")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_ListNonFolderParent(t *testing.T) {
	svc, _ := setupService(t)
	file := mustFile(t, svc, alice, nil, "a.txt", 1)

	_, err := svc.List(context.Background(), alice, &file.ID)
	assert.ErrorIs(t, err, ErrNotFolder)

	_, err = svc.List(context.Background(), alice, ptr("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSortEntries(t *testing.T) {
	entries := []Entry{
		{Name: "b.txt", Type: types.EntryFile},
		{Name: "Zeta", Type: types.EntryFolder},
		{Name: "a.txt", Type: types.EntryFile},
		{Name: "alpha", Type: types.EntryFolder},
		{Name: "B.txt", Type: types.EntryFile},
	}
	sortEntries(entries, language.English)
	assert.Equal(t, []string{"alpha", "Zeta", "a.txt", "B.txt", "b.txt"}, names(entries))
}

func TestValidateName(t *testing.T) {
	got, err := ValidateName("  report.pdf ")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", got)

	for _, bad := range []string{"", "..", "a:b", "q?", `x"y`} {
		_, err := ValidateName(bad)
		assert.ErrorIs(t, err, ErrInvalidInput, bad)
	}
	assert.Equal(t, "gz", ExtensionOf("archive.tar.GZ"))
	assert.Equal(t, "", ExtensionOf("Makefile"))
}
