// Package treebuilder mirrors a local directory hierarchy into the namespace
// before the files inside it are uploaded.
package treebuilder

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"zgdrive/pkg/logging"
	"zgdrive/pkg/namespace"
	"zgdrive/pkg/types"
)

// Namespace 是 Builder 需要的命名空间操作 (*namespace.Service 实现)
type Namespace interface {
	List(ctx context.Context, identity types.Identity, parentID *string) ([]namespace.Entry, error)
	Create(ctx context.Context, owner types.Identity, req namespace.CreateRequest) (*namespace.Entry, error)
}

// Plan 本地相对目录到命名空间文件夹 ID 的映射
type Plan struct {
	Base    *string
	Folders map[string]string
	Created int
	Reused  int
}

// ParentOf 返回某个文件 (相对路径，/ 分隔) 应放入的文件夹
func (p *Plan) ParentOf(rel string) *string {
	dir := path.Dir(rel)
	if dir == "." || dir == "" {
		return p.Base
	}
	if id, ok := p.Folders[dir]; ok {
		return &id
	}
	return p.Base
}

// Builder 负责在命名空间中创建目录结构
type Builder struct {
	ns Namespace
}

func NewBuilder(ns Namespace) *Builder {
	return &Builder{ns: ns}
}

// Build 在 base 下按层创建 dirs (父目录先于子目录)；同名文件夹直接复用
func (b *Builder) Build(ctx context.Context, owner types.Identity, base *string, dirs []string) (*Plan, error) {
	// 1. 构建内存中的目录树
	root := newDirNode("")
	for _, d := range dirs {
		root.addDir(d)
	}

	// 2. 自顶向下创建
	plan := &Plan{Base: base, Folders: make(map[string]string)}
	if err := b.writeNode(ctx, owner, root, "", base, plan); err != nil {
		return nil, err
	}
	logging.Debug("folder plan built",
		logging.String("owner", owner.String()),
		logging.Int("created", plan.Created),
		logging.Int("reused", plan.Reused))
	return plan, nil
}

// -----------------------------------------------------------------------------
// 内存树节点
// -----------------------------------------------------------------------------

type node struct {
	name     string
	children map[string]*node
}

func newDirNode(name string) *node {
	return &node{name: name, children: make(map[string]*node)}
}

// addDir "a/b/c" -> 依次创建 a, b, c
func (n *node) addDir(rel string) {
	current := n
	for _, part := range strings.Split(path.Clean(rel), "/") {
		if part == "" || part == "." {
			continue
		}
		child, ok := current.children[part]
		if !ok {
			child = newDirNode(part)
			current.children[part] = child
		}
		current = child
	}
}

func (n *node) sortedChildren() []*node {
	out := make([]*node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (b *Builder) writeNode(ctx context.Context, owner types.Identity, n *node, rel string, id *string, plan *Plan) error {
	if len(n.children) == 0 {
		return nil
	}

	existing, err := b.ownedFolders(ctx, owner, id)
	if err != nil {
		return err
	}

	for _, child := range n.sortedChildren() {
		childRel := path.Join(rel, child.name)

		childID, ok := existing[child.name]
		if !ok {
			childID, ok, err = b.create(ctx, owner, id, child.name)
			if err != nil {
				return fmt.Errorf("create folder %s: %w", childRel, err)
			}
		}
		if ok {
			plan.Reused++
		} else {
			plan.Created++
		}

		plan.Folders[childRel] = childID
		if err := b.writeNode(ctx, owner, child, childRel, &childID, plan); err != nil {
			return err
		}
	}
	return nil
}

// create 并发创建时可能撞上重名，此时重新读取并复用对方创建的文件夹 (reused = true)
func (b *Builder) create(ctx context.Context, owner types.Identity, parent *string, name string) (id string, reused bool, err error) {
	e, err := b.ns.Create(ctx, owner, namespace.CreateRequest{
		Type:     types.EntryFolder,
		Name:     name,
		ParentID: parent,
	})
	if err == nil {
		return e.ID, false, nil
	}
	if !errors.Is(err, namespace.ErrDuplicateName) {
		return "", false, err
	}

	existing, lerr := b.ownedFolders(ctx, owner, parent)
	if lerr != nil {
		return "", false, lerr
	}
	if id, ok := existing[name]; ok {
		return id, true, nil
	}
	return "", false, err
}

// ownedFolders 只返回自己拥有的文件夹；别人共享来的同名文件夹不复用
func (b *Builder) ownedFolders(ctx context.Context, owner types.Identity, parent *string) (map[string]string, error) {
	entries, err := b.ns.List(ctx, owner, parent)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, e := range entries {
		if e.IsFolder() && e.SharedBy == "" {
			out[e.Name] = e.ID
		}
	}
	return out, nil
}
