package core

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"time"

	"zgdrive/pkg/chunker"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrInvalidSubmission = errors.New("invalid submission")

// SubmissionNode 是一个按 2 的幂对齐的子树
type SubmissionNode struct {
	Root   common.Hash
	Height uint64 // 子树包含 1<<Height 个块
}

// Submission 是提交给 Flow 合约的描述: 长度 + 唯一性标签 + 子树根列表
// 每次尝试都要重新构造 (标签不同)，从不持久化
type Submission struct {
	Length uint64
	Tags   []byte
	Nodes  []SubmissionNode
}

// NewSubmission 把块数按二进制从高到低拆分，每一位对应一个子树
func NewSubmission(t *Tree, tags []byte) (*Submission, error) {
	if t == nil || t.size <= 0 {
		return nil, fmt.Errorf("%w: empty tree", ErrInvalidSubmission)
	}

	s := &Submission{
		Length: uint64(t.size),
		Tags:   tags,
	}

	var offset int64 // 以块为单位
	remaining := uint64(t.chunks)
	for remaining > 0 {
		// 1. 取当前最高位
		height := uint64(bits.Len64(remaining) - 1)
		span := int64(1) << height

		// 2. 计算这棵子树的根
		root, err := t.subtreeRoot(offset, span)
		if err != nil {
			return nil, err
		}

		s.Nodes = append(s.Nodes, SubmissionNode{Root: root, Height: height})
		offset += span
		remaining -= uint64(span)
	}
	return s, nil
}

// subtreeRoot 计算 [offset, offset+span) 块范围的根。
// 大于等于一个 Segment 的子树由 Segment 根组成；更小的子树只可能落在最后一个 Segment。
func (t *Tree) subtreeRoot(offset, span int64) (common.Hash, error) {
	if span >= chunker.SegmentChunks {
		first := offset / chunker.SegmentChunks
		count := span / chunker.SegmentChunks
		segRoots := t.levels[0]
		if first+count > int64(len(segRoots)) {
			return common.Hash{}, fmt.Errorf("%w: subtree beyond segments", ErrInvalidSubmission)
		}
		return merkleRoot(segRoots[first : first+count]), nil
	}

	lastStart := int64(t.NumSegments()-1) * chunker.SegmentChunks
	start := offset - lastStart
	if start < 0 || start+span > int64(len(t.lastLeaf)) {
		return common.Hash{}, fmt.Errorf("%w: subtree outside last segment", ErrInvalidSubmission)
	}
	return merkleRoot(t.lastLeaf[start : start+span]), nil
}

// Sectors 返回计费扇区数 (每个扇区即一个块)
func (s *Submission) Sectors() uint64 {
	var total uint64
	for _, n := range s.Nodes {
		total += uint64(1) << n.Height
	}
	return total
}

// NewTag 生成一个偶数长度十六进制的唯一性标签 (时间 + 随机数)
func NewTag() []byte {
	var r [4]byte
	_, _ = rand.Read(r[:])
	s := strconv.FormatInt(time.Now().UnixMilli(), 16) + strconv.FormatUint(uint64(binary.BigEndian.Uint32(r[:])), 16)
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hexutil.MustDecode("0x" + s)
}
