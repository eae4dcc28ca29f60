// Package ingester turns local files into validated blobs with a locally
// derived Merkle root, ready for the upload orchestrator.
package ingester

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"zgdrive/pkg/core"
	"zgdrive/pkg/ignore"
	"zgdrive/pkg/logging"
	"zgdrive/pkg/namespace"
	"zgdrive/pkg/types"

	"golang.org/x/sync/errgroup"
)

var ErrNotRegular = errors.New("not a regular file")

type Options struct {
	Extensions  []string // 为空时使用 namespace.DefaultExtensions
	MaxSize     int64    // 默认 namespace.DefaultMaxFileSize
	Concurrency int      // Scan 并行计算哈希的文件数，默认 GOMAXPROCS
}

// File 是一个打开的本地文件，满足 core.Blob
type File struct {
	f         *os.File
	Path      string
	Name      string
	Extension string
	size      int64
}

func (f *File) ReadAt(p []byte, off int64) (int, error) { return f.f.ReadAt(p, off) }
func (f *File) Size() int64                              { return f.size }
func (f *File) Close() error                             { return f.f.Close() }

type Ingester struct {
	exts        map[string]bool
	maxSize     int64
	concurrency int
}

func NewIngester(opts Options) *Ingester {
	if opts.MaxSize <= 0 {
		opts.MaxSize = namespace.DefaultMaxFileSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.GOMAXPROCS(0)
	}
	return &Ingester{
		exts:        namespace.ExtensionSet(opts.Extensions),
		maxSize:     opts.MaxSize,
		concurrency: opts.Concurrency,
	}
}

// Check 只做校验，不打开文件
func (ing *Ingester) Check(name string, size int64) error {
	if _, err := namespace.ValidateName(name); err != nil {
		return err
	}
	ext := namespace.ExtensionOf(name)
	if !ing.exts[ext] {
		return fmt.Errorf("%w: file type .%s is not allowed", namespace.ErrInvalidInput, ext)
	}
	if size <= 0 {
		return fmt.Errorf("%w: file %s is empty", namespace.ErrInvalidInput, name)
	}
	if size > ing.maxSize {
		return fmt.Errorf("%w: file size exceeds maximum of %d MB", namespace.ErrInvalidInput, ing.maxSize>>20)
	}
	return nil
}

// Open 校验并打开文件；调用方负责 Close
func (ing *Ingester) Open(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", path, ErrNotRegular)
	}
	name := info.Name()
	if err := ing.Check(name, info.Size()); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &File{
		f:         f,
		Path:      path,
		Name:      name,
		Extension: namespace.ExtensionOf(name),
		size:      info.Size(),
	}, nil
}

// Item 目录中一个文件的摘要
type Item struct {
	Rel       string     `json:"path"` // 相对扫描根目录，使用 / 分隔
	Root      types.Hash `json:"rootHash,omitempty"`
	Size      int64      `json:"size"`
	Extension string     `json:"extension,omitempty"`
	Err       error      `json:"-"` // 校验或哈希失败的原因；该文件不会被上传
}

// Manifest 一次目录扫描的结果
type Manifest struct {
	Root  string   `json:"root"`
	Dirs  []string `json:"dirs"` // 相对路径，父目录在前
	Files []Item   `json:"files"`
}

// Accepted 返回可以上传的文件
func (m *Manifest) Accepted() []Item {
	out := make([]Item, 0, len(m.Files))
	for _, it := range m.Files {
		if it.Err == nil {
			out = append(out, it)
		}
	}
	return out
}

// Scan 遍历目录并并行计算每个文件的根哈希
// 单个文件校验失败不会中断扫描，只记录在 Item.Err 中
func (ing *Ingester) Scan(ctx context.Context, root string, matcher *ignore.Matcher) (*Manifest, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	// 1. 遍历 (WalkDir 按字典序，父目录总在子项之前)
	m := &Manifest{Root: root}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if matcher.Matches(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel = filepath.ToSlash(rel)
		switch {
		case d.IsDir():
			m.Dirs = append(m.Dirs, rel)
		case d.Type().IsRegular():
			m.Files = append(m.Files, Item{Rel: rel})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	// 2. 并行计算哈希
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.concurrency)
	for i := range m.Files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			// 每个 goroutine 只写自己的下标
			rel := m.Files[i].Rel
			item := ing.hashItem(filepath.Join(root, filepath.FromSlash(rel)))
			item.Rel = rel
			m.Files[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Rel < m.Files[j].Rel })
	logging.Debug("directory scanned",
		logging.String("root", root),
		logging.Int("dirs", len(m.Dirs)),
		logging.Int("files", len(m.Files)))
	return m, nil
}

func (ing *Ingester) hashItem(path string) Item {
	f, err := ing.Open(path)
	if err != nil {
		return Item{Err: err}
	}
	defer f.Close()

	tree, err := core.BuildTreeFromBlob(f)
	if err != nil {
		return Item{Size: f.Size(), Err: err}
	}
	return Item{Root: tree.Root(), Size: f.Size(), Extension: f.Extension}
}
