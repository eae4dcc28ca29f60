package service

import (
	"net/http"
	"net/url"
	"testing"

	"zgdrive/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listURL(owner types.Identity, parent string) string {
	q := url.Values{"walletAddress": {owner.String()}}
	if parent != "" {
		q.Set("parentId", parent)
	}
	return "/api/files?" + q.Encode()
}

func TestFiles_CreateAndList(t *testing.T) {
	h := setupTestAPI(t)

	docs := mustCreate(t, h, folderBody(alice, "docs", nil))
	mustCreate(t, h, fileBody(alice, "report.pdf", "pdf", docs, 1))
	mustCreate(t, h, fileBody(alice, "a.txt", "txt", nil, 2))
	mustCreate(t, h, folderBody(alice, "zeta", nil))

	// 文件夹在前，然后按名称
	code, out := call(t, h, http.MethodGet, listURL(alice, ""), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"docs", "zeta", "a.txt"}, itemNames(out))

	code, out = call(t, h, http.MethodGet, listURL(alice, docs), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"report.pdf"}, itemNames(out))
	item := out["items"].([]any)[0].(map[string]any)
	assert.Equal(t, testHash(1), item["rootHash"])
	assert.Equal(t, "confirmed", item["uploadStatus"])
	assert.Equal(t, string(alice), item["walletAddress"])

	// 空目录返回 [] 而不是 null
	code, out = call(t, h, http.MethodGet, listURL(bob, ""), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, out["items"])
	assert.NotNil(t, out["items"])
}

func TestFiles_CreateErrors(t *testing.T) {
	h := setupTestAPI(t)
	mustCreate(t, h, folderBody(alice, "docs", nil))

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing fields", map[string]any{"walletAddress": alice}, http.StatusBadRequest},
		{"bad wallet", folderBody("0x123", "x", nil), http.StatusBadRequest},
		{"bad name", folderBody(alice, "a/b", nil), http.StatusBadRequest},
		{"bad type", map[string]any{"walletAddress": alice, "type": "link", "name": "x"}, http.StatusBadRequest},
		{"extension not allowed", fileBody(alice, "tool.exe", "exe", nil, 1), http.StatusBadRequest},
		{"duplicate", folderBody(alice, "docs", nil), http.StatusConflict},
		{"missing parent", folderBody(alice, "x", "no-such-id"), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := call(t, h, http.MethodPost, "/api/files", tt.body)
			assert.Equal(t, tt.want, code, out)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestFiles_GetRenameMove(t *testing.T) {
	h := setupTestAPI(t)

	docs := mustCreate(t, h, folderBody(alice, "docs", nil))
	archive := mustCreate(t, h, folderBody(alice, "archive", nil))
	file := mustCreate(t, h, fileBody(alice, "a.txt", "txt", docs, 1))

	// 重命名
	code, out := call(t, h, http.MethodPatch, "/api/files/"+file, map[string]any{
		"walletAddress": alice, "name": "b.txt",
	})
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "b.txt", out["item"].(map[string]any)["name"])

	// 移动
	code, out = call(t, h, http.MethodPatch, "/api/files/"+file, map[string]any{
		"walletAddress": alice, "parentId": archive,
	})
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, archive, out["item"].(map[string]any)["parentId"])

	// 移到根目录
	code, out = call(t, h, http.MethodPatch, "/api/files/"+file, map[string]any{
		"walletAddress": alice, "parentId": nil,
	})
	require.Equal(t, http.StatusOK, code, out)
	assert.Nil(t, out["item"].(map[string]any)["parentId"])

	code, out = call(t, h, http.MethodGet, "/api/files/"+file+"?walletAddress="+string(alice), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "b.txt", out["item"].(map[string]any)["name"])

	// 不能把文件夹移进自己
	inner := mustCreate(t, h, folderBody(alice, "inner", docs))
	code, _ = call(t, h, http.MethodPatch, "/api/files/"+docs, map[string]any{
		"walletAddress": alice, "parentId": inner,
	})
	assert.Equal(t, http.StatusBadRequest, code)

	// 没有任何修改
	code, _ = call(t, h, http.MethodPatch, "/api/files/"+file, map[string]any{"walletAddress": alice})
	assert.Equal(t, http.StatusBadRequest, code)

	// 其他人看不到
	code, _ = call(t, h, http.MethodGet, "/api/files/"+file+"?walletAddress="+string(bob), nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestFiles_ShareAndDelete(t *testing.T) {
	h := setupTestAPI(t)

	docs := mustCreate(t, h, folderBody(alice, "docs", nil))
	mustCreate(t, h, fileBody(alice, "a.txt", "txt", docs, 1))

	code, out := call(t, h, http.MethodPatch, "/api/files", map[string]any{
		"itemId": docs, "walletAddress": alice, "action": "share", "targetWalletAddress": bob,
	})
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, []any{string(bob)}, out["item"].(map[string]any)["sharedWith"])

	// bob 的根目录出现共享的文件夹，并能浏览其内容
	_, out = call(t, h, http.MethodGet, listURL(bob, ""), nil)
	assert.Equal(t, []string{"docs"}, itemNames(out))
	_, out = call(t, h, http.MethodGet, listURL(bob, docs), nil)
	assert.Equal(t, []string{"a.txt"}, itemNames(out))

	code, _ = call(t, h, http.MethodPatch, "/api/files", map[string]any{
		"itemId": docs, "walletAddress": alice, "action": "bogus", "targetWalletAddress": bob,
	})
	assert.Equal(t, http.StatusBadRequest, code)

	// bob 不能删除 alice 的条目
	code, _ = call(t, h, http.MethodDelete, "/api/files?id="+docs+"&walletAddress="+string(bob), nil)
	assert.Equal(t, http.StatusNotFound, code)

	// 级联删除
	code, out = call(t, h, http.MethodDelete, "/api/files?id="+docs+"&walletAddress="+string(alice), nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.EqualValues(t, 2, out["deleted"])

	_, out = call(t, h, http.MethodGet, listURL(bob, ""), nil)
	assert.Empty(t, out["items"])

	code, _ = call(t, h, http.MethodDelete, "/api/files?walletAddress="+string(alice), nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBackup_SaveRestoreHistory(t *testing.T) {
	h := setupTestAPI(t)

	// 还没有备份
	code, _ := call(t, h, http.MethodGet, "/api/backup?walletAddress="+string(alice), nil)
	assert.Equal(t, http.StatusNotFound, code)

	docs := mustCreate(t, h, folderBody(alice, "docs", nil))
	mustCreate(t, h, fileBody(alice, "a.txt", "txt", docs, 1))

	code, out := call(t, h, http.MethodPost, "/api/backup", map[string]any{"walletAddress": alice})
	require.Equal(t, http.StatusOK, code, out)
	first := out["snapshot"].(string)
	assert.EqualValues(t, 2, out["entries"])

	code, out = call(t, h, http.MethodGet, "/api/backup?walletAddress="+string(alice), nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, first, out["snapshot"])
	assert.Len(t, out["entries"], 2)

	// 删除后恢复
	code, _ = call(t, h, http.MethodDelete, "/api/files?id="+docs+"&walletAddress="+string(alice), nil)
	require.Equal(t, http.StatusOK, code)

	code, out = call(t, h, http.MethodPost, "/api/backup/restore", map[string]any{"walletAddress": alice})
	require.Equal(t, http.StatusOK, code, out)
	assert.EqualValues(t, 2, out["restored"])

	_, out = call(t, h, http.MethodGet, listURL(alice, ""), nil)
	assert.Equal(t, []string{"docs"}, itemNames(out))

	// 再次恢复是幂等的
	_, out = call(t, h, http.MethodPost, "/api/backup/restore", map[string]any{"walletAddress": alice, "snapshot": first})
	assert.EqualValues(t, 0, out["restored"])

	// 第二次备份指向第一次
	_, out = call(t, h, http.MethodPost, "/api/backup", map[string]any{"walletAddress": alice})
	assert.Equal(t, first, out["parent"])

	code, out = call(t, h, http.MethodGet, "/api/backup/history?walletAddress="+string(alice), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, out["items"], 2)

	// bob 不能读取 alice 的快照
	code, _ = call(t, h, http.MethodGet, "/api/backup?walletAddress="+string(bob)+"&snapshot="+first, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = call(t, h, http.MethodGet, "/api/backup/history?walletAddress="+string(alice)+"&limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}
