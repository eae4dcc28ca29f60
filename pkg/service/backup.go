package service

import (
	"net/http"
	"strconv"
	"time"

	"zgdrive/pkg/core"
	"zgdrive/pkg/types"
)

type walletBody struct {
	WalletAddress string `json:"walletAddress"`
	Snapshot      string `json:"snapshot,omitempty"`
}

// POST /api/backup
func (a *API) createBackup(w http.ResponseWriter, r *http.Request) {
	var body walletBody
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	id, err := walletParam(body.WalletAddress)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	res, err := a.backup.Backup(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Backup saved successfully",
		"snapshot":  res.Snapshot,
		"parent":    res.Parent,
		"entries":   res.Entries,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// GET /api/backup?walletAddress=&snapshot=
func (a *API) getBackup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := walletParam(q.Get("walletAddress"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	hash, ok := snapshotParam(w, q.Get("snapshot"))
	if !ok {
		return
	}

	snap, err := a.backup.Snapshot(r.Context(), id, hash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"snapshot":  snap.ID(),
		"parents":   parentHashes(snap),
		"entries":   snap.Entries,
		"timestamp": time.Unix(snap.Timestamp, 0).UTC().Format(time.RFC3339),
	})
}

// POST /api/backup/restore
func (a *API) restoreBackup(w http.ResponseWriter, r *http.Request) {
	var body walletBody
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	id, err := walletParam(body.WalletAddress)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	hash, ok := snapshotParam(w, body.Snapshot)
	if !ok {
		return
	}

	res, err := a.backup.Restore(r.Context(), id, hash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"snapshot": res.Snapshot,
		"total":    res.Total,
		"restored": res.Restored,
	})
}

// GET /api/backup/history?walletAddress=&limit=
func (a *API) backupHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := walletParam(q.Get("walletAddress"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	limit := 20
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
	}

	items, err := a.backup.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func snapshotParam(w http.ResponseWriter, raw string) (types.Hash, bool) {
	if raw == "" {
		return "", true
	}
	h, err := types.ParseHash(raw)
	if err != nil {
		badRequest(w, "invalid snapshot hash")
		return "", false
	}
	return h, true
}

func parentHashes(s *core.Snapshot) []types.Hash {
	out := make([]types.Hash, 0, len(s.Parents))
	for _, p := range s.Parents {
		out = append(out, p.Hash)
	}
	return out
}
