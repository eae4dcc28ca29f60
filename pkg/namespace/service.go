package namespace

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strconv"
	"strings"

	"zgdrive/pkg/logging"
	"zgdrive/pkg/meta"
	"zgdrive/pkg/metrics"
	"zgdrive/pkg/types"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
	"gorm.io/datatypes"
)

// 对上层暴露的错误 (与仓储层共用同一组哨兵)
var (
	ErrNotFound      = meta.ErrEntryNotFound
	ErrDuplicateName = meta.ErrDuplicateName
	ErrCycle         = meta.ErrCycle
	ErrNotFolder     = meta.ErrNotFolder
)

// Repository 是命名空间的唯一数据源 (meta.Repository 实现)
type Repository interface {
	CreateEntry(ctx context.Context, e *meta.Entry) error
	GetEntry(ctx context.Context, id string) (*meta.Entry, error)
	ListChildren(ctx context.Context, owner types.Identity, parentID *string) ([]meta.Entry, error)
	ListSharedWith(ctx context.Context, identity types.Identity) ([]meta.Entry, error)
	Ancestors(ctx context.Context, id string) ([]meta.Entry, error)
	MoveEntry(ctx context.Context, owner types.Identity, id, name, ext string, parentID *string) (*meta.MoveResult, error)
	DeleteTree(ctx context.Context, owner types.Identity, id string) ([]meta.Entry, error)
	AddShare(ctx context.Context, owner types.Identity, id string, identity types.Identity) (*meta.Entry, error)
	RemoveShare(ctx context.Context, owner types.Identity, id string, identity types.Identity) (*meta.Entry, error)
	UpdateUpload(ctx context.Context, id string, status types.UploadStatus, upload datatypes.JSON) error
}

// Options 命名空间服务配置
type Options struct {
	MaxFileSize int64    // 默认 5 GiB
	Extensions  []string // 为空时使用 DefaultExtensions
	Locale      string   // 名称排序的语言，默认 en
}

// Service 是本地元数据存储:
// 所有写操作直接落库，列表结果按 (身份, 父目录) 缓存并精确失效；
// 并发的相同操作合并为一次执行。
type Service struct {
	repo    Repository
	cache   *listCache
	flight  singleflight.Group
	maxSize int64
	exts    map[string]bool
	locale  language.Tag
}

func NewService(repo Repository, opts Options) *Service {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	tag, err := language.Parse(opts.Locale)
	if err != nil || opts.Locale == "" {
		tag = language.English
	}
	return &Service{
		repo:    repo,
		cache:   newListCache(),
		maxSize: opts.MaxFileSize,
		exts:    ExtensionSet(opts.Extensions),
		locale:  tag,
	}
}

// CreateRequest 创建文件或文件夹
type CreateRequest struct {
	Type         types.EntryType    `json:"type"`
	Name         string             `json:"name"`
	ParentID     *string            `json:"parentId"`
	Extension    string             `json:"fileExtension,omitempty"`
	Size         int64              `json:"fileSize,omitempty"`
	ContentHash  types.Hash         `json:"rootHash,omitempty"`
	NetworkTier  types.NetworkTier  `json:"networkType,omitempty"`
	UploadStatus types.UploadStatus `json:"uploadStatus,omitempty"`
	Upload       json.RawMessage    `json:"upload,omitempty"`
}

// UpdateRequest 重命名和/或移动；Move 为 true 时 ParentID 生效 (nil 表示根目录)
type UpdateRequest struct {
	Name     *string
	ParentID *string
	Move     bool
}

// do 通过 singleflight 合并相同的并发操作
func (s *Service) do(op, key string, fn func() (any, error)) (any, error) {
	v, err, shared := s.flight.Do(op+"|"+key, fn)
	if shared {
		metrics.RecordDedup(op)
	}
	metrics.RecordNamespaceOp(op, err)
	return v, err
}

// doWait 同 do，但每个调用方只按自己的 ctx 等待；fn 在脱离取消的上下文中执行
func (s *Service) doWait(ctx context.Context, op, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(op+"|"+key, func() (any, error) { return fn(detached) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Shared {
			metrics.RecordDedup(op)
		}
		metrics.RecordNamespaceOp(op, r.Err)
		return r.Val, r.Err
	}
}

// -----------------------------------------------------------------------------
// 读操作
// -----------------------------------------------------------------------------

// List 返回 identity 在 parentID 下可见的条目: 文件夹在前，再按名称排序
func (s *Service) List(ctx context.Context, identity types.Identity, parentID *string) ([]Entry, error) {
	identity, err := validIdentity(identity)
	if err != nil {
		return nil, err
	}
	parentID = normalizeParent(parentID)
	part := partition{identity: identity, parent: parentKey(parentID)}

	// 1. 缓存命中
	if items, _, ok := s.cache.get(part); ok {
		metrics.RecordCacheLookup(true)
		return items, nil
	}
	metrics.RecordCacheLookup(false)

	// 2. 回源 (相同分区的并发读只查一次库)
	v, err := s.doWait(ctx, "list", identity.String()+"|"+part.parent, func(ctx context.Context) (any, error) {
		_, tok, _ := s.cache.get(part)
		items, err := s.load(ctx, identity, parentID)
		if err != nil {
			return nil, err
		}
		sortEntries(items, s.locale)
		s.cache.put(part, tok, items)
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneEntries(v.([]Entry)), nil
}

func (s *Service) load(ctx context.Context, identity types.Identity, parentID *string) ([]Entry, error) {
	if parentID == nil {
		return s.loadRoot(ctx, identity)
	}

	parent, err := s.repo.GetEntry(ctx, *parentID)
	if err != nil {
		return nil, err
	}
	if parent.Owner != identity {
		ok, err := s.canRead(ctx, identity, parent)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}
	}
	if parent.Type != types.EntryFolder {
		return nil, ErrNotFolder
	}

	children, err := s.repo.ListChildren(ctx, parent.Owner, parentID)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(children))
	for i := range children {
		out = append(out, fromModel(&children[i], identity))
	}
	return out, nil
}

// loadRoot 自己的根目录条目 + 直接授权且上级不可见的条目
func (s *Service) loadRoot(ctx context.Context, identity types.Identity) ([]Entry, error) {
	owned, err := s.repo.ListChildren(ctx, identity, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(owned))
	for i := range owned {
		out = append(out, fromModel(&owned[i], identity))
	}

	shared, err := s.repo.ListSharedWith(ctx, identity)
	if err != nil {
		return nil, err
	}
	sharedIDs := make(map[string]bool, len(shared))
	for _, e := range shared {
		sharedIDs[e.ID] = true
	}

	for i := range shared {
		e := &shared[i]
		if e.Owner == identity {
			continue
		}
		if e.ParentID != nil {
			// 通过某个已授权的上级文件夹可达的条目不在根目录重复出现
			anc, err := s.repo.Ancestors(ctx, e.ID)
			if err != nil {
				return nil, err
			}
			if containsShared(anc, sharedIDs) {
				continue
			}
		}
		view := fromModel(e, identity)
		view.ParentID = nil
		out = append(out, view)
	}
	return out, nil
}

func containsShared(entries []meta.Entry, ids map[string]bool) bool {
	for _, a := range entries {
		if ids[a.ID] {
			return true
		}
	}
	return false
}

// canRead 条目本身或任一上级授权给了 identity
func (s *Service) canRead(ctx context.Context, identity types.Identity, e *meta.Entry) (bool, error) {
	if e.Owner == identity || sharedWith(e, identity) {
		return true, nil
	}
	anc, err := s.repo.Ancestors(ctx, e.ID)
	if err != nil {
		return false, err
	}
	for i := range anc {
		if sharedWith(&anc[i], identity) {
			return true, nil
		}
	}
	return false, nil
}

func sharedWith(e *meta.Entry, identity types.Identity) bool {
	for _, s := range e.Shares {
		if s.Identity == identity {
			return true
		}
	}
	return false
}

// Get 读取单个条目 (所有者或被授权方)
func (s *Service) Get(ctx context.Context, identity types.Identity, id string) (*Entry, error) {
	identity, err := validIdentity(identity)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, invalid("id is required")
	}

	m, err := s.repo.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.canRead(ctx, identity, m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	e := fromModel(m, identity)
	return &e, nil
}

// -----------------------------------------------------------------------------
// 写操作
// -----------------------------------------------------------------------------

// Create 校验后写入；重名在写入前被拒绝
func (s *Service) Create(ctx context.Context, owner types.Identity, req CreateRequest) (*Entry, error) {
	owner, err := validIdentity(owner)
	if err != nil {
		return nil, err
	}
	model, err := s.buildEntry(owner, req)
	if err != nil {
		return nil, err
	}

	key := strings.Join([]string{
		owner.String(), parentKey(model.ParentID), string(model.Type), model.Name,
		model.Extension, strconv.FormatInt(model.Size, 10), model.ContentHash.String(),
	}, "|")

	v, err := s.do("create", key, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		m := *model
		m.ID = uuid.NewString()
		if err := s.repo.CreateEntry(ctx, &m); err != nil {
			return nil, err
		}
		s.invalidateEntry(ctx, &m)
		logging.Debug("entry created",
			logging.String("owner", owner.String()),
			logging.String("id", m.ID),
			logging.String("name", m.Name))
		return fromModel(&m, owner), nil
	})
	if err != nil {
		return nil, err
	}
	e := v.(Entry).clone()
	return &e, nil
}

func (s *Service) buildEntry(owner types.Identity, req CreateRequest) (*meta.Entry, error) {
	name, err := ValidateName(req.Name)
	if err != nil {
		return nil, err
	}

	m := &meta.Entry{
		Owner:    owner,
		ParentID: normalizeParent(req.ParentID),
		Type:     req.Type,
		Name:     name,
	}

	switch req.Type {
	case types.EntryFolder:
		return m, nil
	case types.EntryFile:
	default:
		return nil, invalid("type must be %q or %q", types.EntryFile, types.EntryFolder)
	}

	// 1. 扩展名
	ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(req.Extension), "."))
	if ext == "" {
		ext = ExtensionOf(name)
	}
	if !s.exts[ext] {
		return nil, invalid("file type .%s is not allowed", ext)
	}

	// 2. 大小
	if req.Size <= 0 {
		return nil, invalid("file size must be positive")
	}
	if req.Size > s.maxSize {
		return nil, invalid("file size exceeds maximum of %d MB", s.maxSize>>20)
	}

	// 3. 内容哈希与网络档位
	hash, err := types.ParseHash(req.ContentHash.String())
	if err != nil {
		return nil, invalid("invalid root hash")
	}
	tier, err := types.ParseTier(req.NetworkTier.String())
	if err != nil {
		return nil, invalid("invalid network type")
	}

	status := req.UploadStatus
	switch status {
	case "":
		status = types.StatusConfirmed
	case types.StatusConfirmed, types.StatusExisting, types.StatusUnconfirmed:
	default:
		return nil, invalid("invalid upload status %q", status)
	}
	if len(req.Upload) > 0 && !json.Valid(req.Upload) {
		return nil, invalid("upload details must be valid JSON")
	}

	m.Extension = ext
	m.Size = req.Size
	m.ContentHash = hash
	m.NetworkTier = tier
	m.UploadStatus = status
	if len(req.Upload) > 0 {
		m.Upload = datatypes.JSON(req.Upload)
	}
	return m, nil
}

// Rename 只修改名称
func (s *Service) Rename(ctx context.Context, owner types.Identity, id, name string) (*Entry, error) {
	return s.Update(ctx, owner, id, UpdateRequest{Name: &name})
}

// Move 只修改父目录 (nil 表示根目录)
func (s *Service) Move(ctx context.Context, owner types.Identity, id string, parentID *string) (*Entry, error) {
	return s.Update(ctx, owner, id, UpdateRequest{ParentID: parentID, Move: true})
}

// Update 在目标位置重新检查重名，并拒绝把文件夹移入自身或其后代
func (s *Service) Update(ctx context.Context, owner types.Identity, id string, req UpdateRequest) (*Entry, error) {
	owner, err := validIdentity(owner)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, invalid("id is required")
	}
	if req.Name == nil && !req.Move {
		return nil, invalid("nothing to update")
	}

	var newName string
	if req.Name != nil {
		if newName, err = ValidateName(*req.Name); err != nil {
			return nil, err
		}
	}
	newParent := normalizeParent(req.ParentID)

	key := strings.Join([]string{owner.String(), id, newName, strconv.FormatBool(req.Move), parentKey(newParent)}, "|")
	v, err := s.do("update", key, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		cur, err := s.repo.GetEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Owner != owner {
			return nil, ErrNotFound
		}

		// 文件改名时扩展名随新名称变化；新名称没有扩展名时保留原值
		name, ext := cur.Name, ""
		if req.Name != nil {
			name = newName
			if cur.Type == types.EntryFile {
				if ext = ExtensionOf(name); ext != "" && !s.exts[ext] {
					return nil, invalid("file type .%s is not allowed", ext)
				}
			}
		}
		parent := cur.ParentID
		if req.Move {
			parent = newParent
		}

		res, err := s.repo.MoveEntry(ctx, owner, id, name, ext, parent)
		if err != nil {
			return nil, err
		}

		// 旧位置与新位置都要失效
		s.invalidateEntry(ctx, &res.Before)
		s.invalidateEntry(ctx, &res.After)
		if res.After.Type == types.EntryFolder && parentKey(res.Before.ParentID) != parentKey(res.After.ParentID) {
			// 子树可见性随上级授权变化
			s.forgetGrantees(ctx, &res.Before)
			s.forgetGrantees(ctx, &res.After)
		}
		return fromModel(&res.After, owner), nil
	})
	if err != nil {
		return nil, err
	}
	e := v.(Entry).clone()
	return &e, nil
}

// Delete 级联删除条目及其后代，返回删除数量
func (s *Service) Delete(ctx context.Context, owner types.Identity, id string) (int, error) {
	owner, err := validIdentity(owner)
	if err != nil {
		return 0, err
	}
	if id == "" {
		return 0, invalid("id is required")
	}

	v, err := s.do("delete", owner.String()+"|"+id, func() (any, error) {
		ctx := context.WithoutCancel(ctx)

		// 1. 删除前计算受影响的身份 (删除后上级链不再可查)
		root, err := s.repo.GetEntry(ctx, id)
		if err != nil {
			return 0, err
		}
		if root.Owner != owner {
			return 0, ErrNotFound
		}
		audience := s.audience(ctx, root)

		// 2. 删除
		deleted, err := s.repo.DeleteTree(ctx, owner, id)
		if err != nil {
			return 0, err
		}

		// 3. 失效
		var parts []partition
		for _, who := range audience {
			parts = append(parts, partition{who, parentKey(root.ParentID)}, partition{who, ""})
		}
		for i := range deleted {
			for _, sh := range deleted[i].Shares {
				parts = append(parts, partition{sh.Identity, ""}, partition{sh.Identity, parentKey(deleted[i].ParentID)})
			}
		}
		s.cache.invalidate(parts...)
		for _, d := range deleted {
			if d.Type == types.EntryFolder {
				s.cache.invalidateParent(d.ID)
			}
		}

		logging.Info("entry deleted",
			logging.String("owner", owner.String()),
			logging.String("id", id),
			logging.Int("count", len(deleted)))
		return len(deleted), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Share 授权给另一个身份 (幂等)
func (s *Service) Share(ctx context.Context, owner types.Identity, id string, target types.Identity) (*Entry, error) {
	return s.changeShare(ctx, "share", owner, id, target)
}

// Unshare 撤销授权 (幂等)
func (s *Service) Unshare(ctx context.Context, owner types.Identity, id string, target types.Identity) (*Entry, error) {
	return s.changeShare(ctx, "unshare", owner, id, target)
}

func (s *Service) changeShare(ctx context.Context, op string, owner types.Identity, id string, target types.Identity) (*Entry, error) {
	owner, err := validIdentity(owner)
	if err != nil {
		return nil, err
	}
	target, err = validIdentity(target)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, invalid("id is required")
	}
	if target == owner {
		return nil, invalid("cannot share with yourself")
	}

	v, err := s.do(op, owner.String()+"|"+id+"|"+target.String(), func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		var m *meta.Entry
		var err error
		if op == "share" {
			m, err = s.repo.AddShare(ctx, owner, id, target)
		} else {
			m, err = s.repo.RemoveShare(ctx, owner, id, target)
		}
		if err != nil {
			return nil, err
		}

		s.invalidateEntry(ctx, m)
		s.cache.invalidate(partition{target, ""}, partition{target, parentKey(m.ParentID)})
		if m.Type == types.EntryFolder {
			s.cache.forget(target)
		}
		return fromModel(m, owner), nil
	})
	if err != nil {
		return nil, err
	}
	e := v.(Entry).clone()
	return &e, nil
}

// MarkUpload 更新文件的上传状态 (例如待确认的上传被网络确认后)
func (s *Service) MarkUpload(ctx context.Context, owner types.Identity, id string, status types.UploadStatus, upload json.RawMessage) error {
	owner, err := validIdentity(owner)
	if err != nil {
		return err
	}
	_, err = s.do("mark", owner.String()+"|"+id+"|"+string(status), func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		m, err := s.repo.GetEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		if m.Owner != owner {
			return nil, ErrNotFound
		}
		if m.Type != types.EntryFile {
			return nil, invalid("only files carry upload status")
		}
		merged, err := mergeUpload(m.Upload, upload)
		if err != nil {
			return nil, err
		}
		if err := s.repo.UpdateUpload(ctx, id, status, merged); err != nil {
			return nil, err
		}
		s.invalidateEntry(ctx, m)
		return nil, nil
	})
	return err
}

// Forget 丢弃某个身份的全部缓存 (切换身份时调用)
func (s *Service) Forget(identity types.Identity) {
	if norm, err := types.ParseIdentity(identity.String()); err == nil {
		identity = norm
	}
	s.cache.forget(identity)
}

// -----------------------------------------------------------------------------
// 缓存失效
// -----------------------------------------------------------------------------

// audience 所有可能在列表中看到该条目的身份: 所有者 + 条目及其上级的被授权方
func (s *Service) audience(ctx context.Context, m *meta.Entry) []types.Identity {
	seen := map[types.Identity]bool{m.Owner: true}
	out := []types.Identity{m.Owner}
	add := func(e *meta.Entry) {
		for _, sh := range e.Shares {
			if !seen[sh.Identity] {
				seen[sh.Identity] = true
				out = append(out, sh.Identity)
			}
		}
	}
	add(m)

	if m.ParentID != nil {
		if parent, err := s.repo.GetEntry(ctx, *m.ParentID); err == nil {
			add(parent)
		}
		anc, err := s.repo.Ancestors(ctx, *m.ParentID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			logging.Warn("cache audience lookup failed", logging.Err(err))
		}
		for i := range anc {
			add(&anc[i])
		}
	}
	return out
}

func (s *Service) invalidateEntry(ctx context.Context, m *meta.Entry) {
	var parts []partition
	for _, who := range s.audience(ctx, m) {
		parts = append(parts, partition{who, parentKey(m.ParentID)})
		if who != m.Owner {
			parts = append(parts, partition{who, ""})
		}
	}
	s.cache.invalidate(parts...)
}

func (s *Service) forgetGrantees(ctx context.Context, m *meta.Entry) {
	for _, who := range s.audience(ctx, m) {
		if who != m.Owner {
			s.cache.forget(who)
		}
	}
}

func normalizeParent(parentID *string) *string {
	if parentID == nil || *parentID == "" || *parentID == "root" {
		return nil
	}
	p := *parentID
	return &p
}

// mergeUpload 新字段覆盖旧字段，其余保留；任一方不是 JSON 对象时以新值为准
func mergeUpload(prev datatypes.JSON, patch json.RawMessage) (datatypes.JSON, error) {
	if len(patch) == 0 {
		return prev, nil
	}
	var base, next map[string]json.RawMessage
	if len(prev) == 0 || json.Unmarshal(prev, &base) != nil || base == nil {
		return datatypes.JSON(patch), nil
	}
	if json.Unmarshal(patch, &next) != nil || next == nil {
		return datatypes.JSON(patch), nil
	}
	maps.Copy(base, next)
	out, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}
