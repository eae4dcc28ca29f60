package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"zgdrive/pkg/core"
	"zgdrive/pkg/fees"
	"zgdrive/pkg/ignore"
	"zgdrive/pkg/ingester"
	"zgdrive/pkg/journal"
	"zgdrive/pkg/logging"
	"zgdrive/pkg/namespace"
	"zgdrive/pkg/network"
	"zgdrive/pkg/types"
	"zgdrive/pkg/upload"
)

// FileOutcome 一个本地文件的上传结果
type FileOutcome struct {
	Path   string
	Result *upload.Result
	Entry  *namespace.Entry
	// Err 非空时该文件没有上传或没有登记到命名空间
	Err error
}

// UploadFile 1. 校验并打开文件 2. 提交到网络 3. 登记到命名空间 4. 未确认时写入日志
func (a *App) UploadFile(ctx context.Context, path string, parentID *string) (*FileOutcome, error) {
	owner, err := a.RequireIdentity()
	if err != nil {
		return nil, err
	}
	up, err := a.Uploader(ctx)
	if err != nil {
		return nil, err
	}
	out := a.uploadOne(ctx, up, owner, path, parentID)
	if err := a.Journal.Save(); err != nil {
		logging.Warn("failed to save journal", logging.Err(err))
	}
	return out, out.Err
}

func (a *App) uploadOne(ctx context.Context, up *upload.Orchestrator, owner types.Identity, path string, parentID *string) *FileOutcome {
	out := &FileOutcome{Path: path}

	// 1. 本地校验
	f, err := a.Ingester.Open(path)
	if err != nil {
		out.Err = err
		return out
	}
	defer f.Close()

	// 2. 提交
	res, err := up.Upload(ctx, upload.Request{Blob: f})
	if err != nil {
		out.Err = err
		return out
	}
	out.Result = res

	// 3. 登记
	raw, err := json.Marshal(res)
	if err != nil {
		out.Err = err
		return out
	}
	entry, err := a.Namespace.Create(ctx, owner, namespace.CreateRequest{
		Type:         types.EntryFile,
		Name:         f.Name,
		ParentID:     parentID,
		Extension:    f.Extension,
		Size:         f.Size(),
		ContentHash:  res.RootHash,
		NetworkTier:  a.Tier,
		UploadStatus: res.Status,
		Upload:       raw,
	})
	if err != nil {
		out.Err = fmt.Errorf("uploaded %s but failed to record it: %w", res.RootHash.Short(), err)
		return out
	}
	out.Entry = entry

	// 4. 未确认: 留待 pending --recheck
	if res.Status == types.StatusUnconfirmed {
		a.Journal.Record(journal.Entry{
			Root:      res.RootHash,
			Path:      path,
			EntryIDs:  []string{entry.ID},
			Size:      res.Size,
			Tier:      a.Tier,
			Attempts:  res.Attempts,
			LastError: res.LastError,
		})
	}
	return out
}

// DirOutcome 目录上传的汇总
type DirOutcome struct {
	Manifest *ingester.Manifest
	Files    []*FileOutcome
	// 命名空间中新建和复用的文件夹数
	FoldersCreated int
	FoldersReused  int
}

// Failed 上传失败或被跳过的文件数
func (d *DirOutcome) Failed() int {
	n := 0
	for _, f := range d.Files {
		if f.Err != nil {
			n++
		}
	}
	for _, it := range d.Manifest.Files {
		if it.Err != nil {
			n++
		}
	}
	return n
}

// UploadDir 扫描目录 (遵循 .zgignore)，先在命名空间建好文件夹，再逐个上传
// 上传串行执行: 同一个签名者的交易 nonce 必须有序
func (a *App) UploadDir(ctx context.Context, root string, parentID *string) (*DirOutcome, error) {
	owner, err := a.RequireIdentity()
	if err != nil {
		return nil, err
	}

	// 1. 扫描并计算哈希
	matcher, err := ignore.NewMatcher(root)
	if err != nil {
		return nil, err
	}
	manifest, err := a.Ingester.Scan(ctx, root, matcher)
	if err != nil {
		return nil, err
	}

	// 2. 目录结构
	plan, err := a.Builder.Build(ctx, owner, parentID, manifest.Dirs)
	if err != nil {
		return nil, err
	}

	// 3. 逐个上传
	up, err := a.Uploader(ctx)
	if err != nil {
		return nil, err
	}
	out := &DirOutcome{
		Manifest:       manifest,
		FoldersCreated: plan.Created,
		FoldersReused:  plan.Reused,
	}
	for _, it := range manifest.Accepted() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		path := filepath.Join(root, filepath.FromSlash(it.Rel))
		res := a.uploadOne(ctx, up, owner, path, plan.ParentOf(it.Rel))
		if res.Err != nil {
			logging.Warn("file upload failed", logging.String("path", it.Rel), logging.Err(res.Err))
		}
		out.Files = append(out.Files, res)
	}

	if err := a.Journal.Save(); err != nil {
		logging.Warn("failed to save journal", logging.Err(err))
	}
	return out, nil
}

// Estimate 对本地文件做一次费用估算 (不需要私钥)
func (a *App) Estimate(ctx context.Context, path string) (*fees.Quote, types.Hash, error) {
	f, err := a.Ingester.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	root, tree, err := upload.Derive(f)
	if err != nil {
		return nil, "", err
	}
	sub, err := core.NewSubmission(tree, core.NewTag())
	if err != nil {
		return nil, "", err
	}

	est, err := a.Fees(ctx)
	if err != nil {
		return nil, root, err
	}
	q, err := est.Estimate(ctx, sub)
	return q, root, err
}

// FileInfoer 查询存储节点上的文件状态 (*network.Client 实现)
type FileInfoer interface {
	FileInfo(ctx context.Context, root types.Hash) (*network.FileInfo, error)
}

// RecheckResult 一条待确认记录的复查结果
type RecheckResult struct {
	Entry     journal.Entry
	Confirmed bool
	Err       error
}

// Recheck 向存储节点复查所有未确认的上传；已最终确认的会更新命名空间中的每个相关条目并移出日志
func (a *App) Recheck(ctx context.Context) ([]RecheckResult, error) {
	owner, err := a.RequireIdentity()
	if err != nil {
		return nil, err
	}
	pending := a.Journal.Pending()
	if len(pending) == 0 {
		return nil, nil
	}

	var info FileInfoer
	if a.infoer != nil {
		info = a.infoer
	} else {
		client, err := a.Network(ctx)
		if err != nil {
			return nil, err
		}
		info = client
	}
	return a.recheck(ctx, owner, info, pending)
}

func (a *App) recheck(ctx context.Context, owner types.Identity, info FileInfoer, pending []journal.Entry) ([]RecheckResult, error) {
	out := make([]RecheckResult, 0, len(pending))
	for _, e := range pending {
		r := RecheckResult{Entry: e}
		fi, err := info.FileInfo(ctx, e.Root)
		switch {
		case err != nil:
			r.Err = err
		case fi == nil || !fi.Finalized:
			// 节点还不认识或尚未最终确认
		default:
			// 只追加节点信息，保留上传时记录的交易哈希和尝试次数
			raw, err := json.Marshal(map[string]any{"nodeInfo": fi})
			if err != nil {
				r.Err = err
				break
			}
			var done []string
			for _, id := range e.EntryIDs {
				err := a.Namespace.MarkUpload(ctx, owner, id, types.StatusConfirmed, raw)
				if err != nil && !errors.Is(err, namespace.ErrNotFound) {
					r.Err = errors.Join(r.Err, err)
					continue
				}
				done = append(done, id)
			}
			a.Journal.Resolve(e.Root, done...)
			r.Confirmed = r.Err == nil
		}
		out = append(out, r)
	}
	if err := a.Journal.Save(); err != nil {
		return out, err
	}
	return out, nil
}
