package namespace

import (
	"encoding/json"
	"slices"
	"time"

	"zgdrive/pkg/meta"
	"zgdrive/pkg/types"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Entry 是命名空间条目对外的视图
type Entry struct {
	ID           string             `json:"id"`
	Type         types.EntryType    `json:"type"`
	Name         string             `json:"name"`
	ParentID     *string            `json:"parentId"`
	Owner        types.Identity     `json:"walletAddress"`
	Extension    string             `json:"fileExtension,omitempty"`
	Size         int64              `json:"fileSize,omitempty"`
	ContentHash  types.Hash         `json:"rootHash,omitempty"`
	NetworkTier  types.NetworkTier  `json:"networkType,omitempty"`
	UploadStatus types.UploadStatus `json:"uploadStatus,omitempty"`
	Upload       json.RawMessage    `json:"upload,omitempty"`
	SharedWith   []types.Identity   `json:"sharedWith"`
	SharedBy     types.Identity     `json:"sharedBy,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

func (e Entry) IsFolder() bool { return e.Type == types.EntryFolder }

func (e Entry) clone() Entry {
	out := e
	if e.ParentID != nil {
		p := *e.ParentID
		out.ParentID = &p
	}
	out.SharedWith = slices.Clone(e.SharedWith)
	out.Upload = slices.Clone(e.Upload)
	return out
}

// fromModel 把数据库模型转换为视图；viewer 不是所有者时标记 SharedBy
func fromModel(m *meta.Entry, viewer types.Identity) Entry {
	e := Entry{
		ID:           m.ID,
		Type:         m.Type,
		Name:         m.Name,
		ParentID:     m.ParentID,
		Owner:        m.Owner,
		Extension:    m.Extension,
		Size:         m.Size,
		ContentHash:  m.ContentHash,
		NetworkTier:  m.NetworkTier,
		UploadStatus: m.UploadStatus,
		SharedWith:   m.SharedWith(),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if len(m.Upload) > 0 {
		e.Upload = json.RawMessage(m.Upload)
	}
	if viewer != m.Owner {
		e.SharedBy = m.Owner
		// 被授权方只能看到自己
		e.SharedWith = []types.Identity{viewer}
	}
	return e
}

// sortEntries 文件夹在前，然后按本地化名称排序；完全相同时按字节序保证稳定
func sortEntries(entries []Entry, tag language.Tag) {
	cl := collate.New(tag, collate.IgnoreCase)
	slices.SortStableFunc(entries, func(a, b Entry) int {
		if a.IsFolder() != b.IsFolder() {
			if a.IsFolder() {
				return -1
			}
			return 1
		}
		if c := cl.CompareString(a.Name, b.Name); c != 0 {
			return c
		}
		if a.Name != b.Name {
			if a.Name < b.Name {
				return -1
			}
			return 1
		}
		if a.Extension < b.Extension {
			return -1
		}
		if a.Extension > b.Extension {
			return 1
		}
		return 0
	})
}
