package service

import (
	"encoding/json"
	"net/http"

	"zgdrive/pkg/namespace"
)

// GET /api/files?walletAddress=&parentId=
func (a *API) listFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := walletParam(q.Get("walletAddress"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	items, err := a.ns.List(r.Context(), id, optionalParent(q.Get("parentId")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []namespace.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type createBody struct {
	WalletAddress string `json:"walletAddress"`
	namespace.CreateRequest
}

// POST /api/files
func (a *API) createFile(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	if body.WalletAddress == "" || body.Type == "" || body.Name == "" {
		badRequest(w, "Missing required fields")
		return
	}
	id, err := walletParam(body.WalletAddress)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	item, err := a.ns.Create(r.Context(), id, body.CreateRequest)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "item": item})
}

type shareBody struct {
	ItemID              string `json:"itemId"`
	WalletAddress       string `json:"walletAddress"`
	Action              string `json:"action"`
	TargetWalletAddress string `json:"targetWalletAddress"`
}

// PATCH /api/files (共享设置)
func (a *API) shareFile(w http.ResponseWriter, r *http.Request) {
	var body shareBody
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	if body.ItemID == "" || body.WalletAddress == "" || body.Action == "" || body.TargetWalletAddress == "" {
		badRequest(w, "Missing required fields")
		return
	}
	owner, err := walletParam(body.WalletAddress)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	target, err := walletParam(body.TargetWalletAddress)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	var item *namespace.Entry
	switch body.Action {
	case "share":
		item, err = a.ns.Share(r.Context(), owner, body.ItemID, target)
	case "unshare":
		item, err = a.ns.Unshare(r.Context(), owner, body.ItemID, target)
	default:
		badRequest(w, "Invalid action")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "item": item})
}

// DELETE /api/files?id=&walletAddress=
func (a *API) deleteFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	itemID := q.Get("id")
	if itemID == "" || q.Get("walletAddress") == "" {
		badRequest(w, "Item ID and wallet address are required")
		return
	}
	owner, err := walletParam(q.Get("walletAddress"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	n, err := a.ns.Delete(r.Context(), owner, itemID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Item(s) deleted successfully",
		"deleted": n,
	})
}

// GET /api/files/{id}?walletAddress=
func (a *API) getFile(w http.ResponseWriter, r *http.Request) {
	id, err := walletParam(r.URL.Query().Get("walletAddress"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	item, err := a.ns.Get(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

type updateBody struct {
	WalletAddress string          `json:"walletAddress"`
	Name          *string         `json:"name"`
	ParentID      json.RawMessage `json:"parentId"` // 缺省表示不移动，null 表示移到根目录
}

// PATCH /api/files/{id} (重命名和/或移动)
func (a *API) updateFile(w http.ResponseWriter, r *http.Request) {
	var body updateBody
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	owner, err := walletParam(body.WalletAddress)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	req := namespace.UpdateRequest{Name: body.Name}
	if len(body.ParentID) > 0 {
		var parent *string
		if err := json.Unmarshal(body.ParentID, &parent); err != nil {
			badRequest(w, "parentId must be a string or null")
			return
		}
		req.Move = true
		req.ParentID = parent
	}
	if req.Name == nil && !req.Move {
		badRequest(w, "Name or parentId must be provided")
		return
	}

	item, err := a.ns.Update(r.Context(), owner, r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "item": item})
}
