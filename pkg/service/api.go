// Package service exposes the namespace and backup operations as a JSON HTTP
// API keyed by wallet address.
package service

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"zgdrive/pkg/backup"
	"zgdrive/pkg/logging"
	"zgdrive/pkg/namespace"
	"zgdrive/pkg/refs"
	"zgdrive/pkg/storage"
	"zgdrive/pkg/types"
)

// 请求体上限
const maxBody = 1 << 20

// API 命名空间与备份的 HTTP 入口
type API struct {
	ns     *namespace.Service
	backup *backup.Service // 可为 nil；此时不注册备份路由
}

func NewAPI(ns *namespace.Service, bk *backup.Service) *API {
	return &API{ns: ns, backup: bk}
}

// Register 把路由挂到 mux 上
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/files", a.listFiles)
	mux.HandleFunc("POST /api/files", a.createFile)
	mux.HandleFunc("PATCH /api/files", a.shareFile)
	mux.HandleFunc("DELETE /api/files", a.deleteFile)
	mux.HandleFunc("GET /api/files/{id}", a.getFile)
	mux.HandleFunc("PATCH /api/files/{id}", a.updateFile)

	if a.backup != nil {
		mux.HandleFunc("POST /api/backup", a.createBackup)
		mux.HandleFunc("GET /api/backup", a.getBackup)
		mux.HandleFunc("POST /api/backup/restore", a.restoreBackup)
		mux.HandleFunc("GET /api/backup/history", a.backupHistory)
	}
}

// Handler 独立使用时的便捷入口
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.Register(mux)
	return mux
}

// -----------------------------------------------------------------------------
// 响应
// -----------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// statusOf 领域错误到 HTTP 状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, namespace.ErrInvalidInput),
		errors.Is(err, namespace.ErrCycle),
		errors.Is(err, namespace.ErrNotFolder),
		errors.Is(err, types.ErrInvalidIdentity),
		errors.Is(err, types.ErrInvalidHash):
		return http.StatusBadRequest
	case errors.Is(err, namespace.ErrNotFound),
		errors.Is(err, refs.ErrNoHead),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, namespace.ErrDuplicateName),
		errors.Is(err, refs.ErrStaleHead):
		return http.StatusConflict
	case errors.Is(err, backup.ErrOwnerMismatch):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// writeError 4xx 返回错误原文；5xx 只记录日志，对外统一文案
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Err(err))
		writeJSON(w, status, errorResponse{Error: "Internal server error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// walletParam 读取并校验 walletAddress
func walletParam(raw string) (types.Identity, error) {
	if raw == "" {
		return "", errors.New("wallet address is required")
	}
	id, err := types.ParseIdentity(raw)
	if err != nil {
		return "", errors.New("invalid wallet address format")
	}
	return id, nil
}

// optionalParent 空串与 "null" 都表示根目录
func optionalParent(raw string) *string {
	if raw == "" || raw == "null" {
		return nil
	}
	return &raw
}
