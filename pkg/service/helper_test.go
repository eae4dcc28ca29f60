package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"zgdrive/pkg/backup"
	"zgdrive/pkg/meta"
	"zgdrive/pkg/namespace"
	"zgdrive/pkg/refs"
	"zgdrive/pkg/storage/disk"
	"zgdrive/pkg/types"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	alice = types.Identity("0x000000000000000000000000000000000000a11c")
	bob   = types.Identity("0x0000000000000000000000000000000000000b0b")
)

// setupTestAPI 是所有 API 测试共享的基础设施初始化逻辑
func setupTestAPI(t *testing.T) http.Handler {
	t.Helper()

	// 1. Store
	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)

	// 2. DB & Meta
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
	repo := meta.NewRepository(metaDB)

	// 3. Services
	ns := namespace.NewService(repo, namespace.Options{})
	bk := backup.NewService(repo, store, refs.NewManager(repo), ns)
	return NewAPI(ns, bk).Handler()
}

func testHash(seed int) string {
	return fmt.Sprintf("0x%064x", seed)
}

// call 发送一个 JSON 请求并解码响应
func call(t *testing.T, h http.Handler, method, target string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

// mustCreate 创建条目并返回其 ID
func mustCreate(t *testing.T, h http.Handler, body map[string]any) string {
	t.Helper()
	code, out := call(t, h, http.MethodPost, "/api/files", body)
	require.Equal(t, http.StatusOK, code, out)
	item := out["item"].(map[string]any)
	return item["id"].(string)
}

func folderBody(owner types.Identity, name string, parent any) map[string]any {
	return map[string]any{"walletAddress": owner, "type": "folder", "name": name, "parentId": parent}
}

func fileBody(owner types.Identity, name, ext string, parent any, seed int) map[string]any {
	return map[string]any{
		"walletAddress": owner,
		"type":          "file",
		"name":          name,
		"parentId":      parent,
		"fileExtension": ext,
		"fileSize":      1024,
		"rootHash":      testHash(seed),
		"networkType":   "standard",
	}
}

func itemNames(out map[string]any) []string {
	var names []string
	for _, it := range out["items"].([]any) {
		names = append(names, it.(map[string]any)["name"].(string))
	}
	return names
}
