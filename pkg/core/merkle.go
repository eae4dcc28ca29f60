package core

import (
	"errors"
	"fmt"
	"io"

	"zgdrive/pkg/chunker"
	"zgdrive/pkg/types"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrEmptyBlob       = errors.New("blob is empty")
	ErrSegmentOutRange = errors.New("segment index out of range")
)

// Blob 是可随机读取的定长数据源 (*bytes.Reader、ingester.File 都满足)
type Blob interface {
	io.ReaderAt
	Size() int64
}

// Tree 是一个文件的两层 Merkle 结构:
// 下层是每个 Segment 内部的块树，上层是 Segment 根组成的树。
type Tree struct {
	size     int64
	chunks   int64
	levels   [][]common.Hash // levels[0] = Segment 根
	lastLeaf []common.Hash   // 最后一个 Segment 的叶子 (构造 Submission 用)
}

// BuildTree 流式构造 Merkle 树，内存占用与 Segment 数成正比，而不是与文件大小成正比
func BuildTree(r io.Reader) (*Tree, error) {
	seg := chunker.NewSegmenter(r)
	t := &Tree{}
	var roots []common.Hash

	for {
		_, data, err := seg.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read segment %d: %w", len(roots), err)
		}

		// 1. 切块并计算叶子
		chunks := chunker.Chunks(data)
		leaves := make([]common.Hash, len(chunks))
		for i, c := range chunks {
			leaves[i] = leafHash(c)
		}

		// 2. Segment 根
		roots = append(roots, merkleRoot(leaves))
		t.lastLeaf = leaves
		t.chunks += int64(len(leaves))
	}

	if len(roots) == 0 {
		return nil, ErrEmptyBlob
	}
	t.size = seg.Total()
	t.levels = buildLevels(roots)
	return t, nil
}

// BuildTreeFromBlob 对随机读取的数据源构造 Merkle 树
func BuildTreeFromBlob(b Blob) (*Tree, error) {
	if b == nil || b.Size() == 0 {
		return nil, ErrEmptyBlob
	}
	return BuildTree(io.NewSectionReader(b, 0, b.Size()))
}

// Root 返回格式化的根哈希
func (t *Tree) Root() types.Hash {
	return types.HashFromBytes(t.rootHash())
}

func (t *Tree) rootHash() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

func (t *Tree) Size() int64      { return t.size }
func (t *Tree) NumChunks() int64 { return t.chunks }
func (t *Tree) NumSegments() int { return len(t.levels[0]) }

// SegmentRoot 返回第 i 个 Segment 的根
func (t *Tree) SegmentRoot(i int) common.Hash { return t.levels[0][i] }

// Proof 是某个 Segment 根到文件根的路径
type Proof struct {
	Leaf     common.Hash
	Siblings []common.Hash
	// Left[i] 为 true 表示 Siblings[i] 在左侧
	Left []bool
}

// SegmentProof 返回第 index 个 Segment 的证明
// 被直接提升的奇数节点在该层没有兄弟，不产生路径项
func (t *Tree) SegmentProof(index int) (*Proof, error) {
	if index < 0 || index >= t.NumSegments() {
		return nil, fmt.Errorf("%w: %d", ErrSegmentOutRange, index)
	}

	p := &Proof{Leaf: t.levels[0][index]}
	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		switch {
		case idx%2 == 1:
			p.Siblings = append(p.Siblings, level[idx-1])
			p.Left = append(p.Left, true)
		case idx+1 < len(level):
			p.Siblings = append(p.Siblings, level[idx+1])
			p.Left = append(p.Left, false)
		}
		idx /= 2
	}
	return p, nil
}

// Verify 从叶子沿路径重算根，并与期望根比较
func (p *Proof) Verify(root types.Hash) bool {
	if len(p.Siblings) != len(p.Left) {
		return false
	}
	h := p.Leaf
	for i, s := range p.Siblings {
		if p.Left[i] {
			h = nodeHash(s, h)
		} else {
			h = nodeHash(h, s)
		}
	}
	return types.HashFromBytes(h) == root
}

// buildLevels 自底向上构造所有层，奇数尾节点原样提升
func buildLevels(leaves []common.Hash) [][]common.Hash {
	levels := [][]common.Hash{leaves}
	cur := leaves
	for len(cur) > 1 {
		next := make([]common.Hash, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			if i+1 < len(cur) {
				next = append(next, nodeHash(cur[i], cur[i+1]))
			} else {
				next = append(next, cur[i])
			}
		}
		levels = append(levels, next)
		cur = next
	}
	return levels
}

func merkleRoot(leaves []common.Hash) common.Hash {
	levels := buildLevels(leaves)
	return levels[len(levels)-1][0]
}

// ReadSegment 从数据源读取第 index 个 Segment，尾部补零到块边界
func ReadSegment(b Blob, index int) ([]byte, error) {
	total := chunker.NumSegments(b.Size())
	if index < 0 || int64(index) >= total {
		return nil, fmt.Errorf("%w: %d", ErrSegmentOutRange, index)
	}

	offset := int64(index) * chunker.SegmentSize
	n := min(int64(chunker.SegmentSize), b.Size()-offset)

	buf := make([]byte, n)
	if _, err := b.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read segment %d: %w", index, err)
	}

	if rem := n % chunker.ChunkSize; rem != 0 {
		buf = append(buf, make([]byte, chunker.ChunkSize-rem)...)
	}
	return buf, nil
}
