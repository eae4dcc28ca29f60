package network

import (
	"context"
	"fmt"

	"zgdrive/pkg/core"
	"zgdrive/pkg/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// FileInfo 是存储节点对某个根哈希的记录
type FileInfo struct {
	Tx struct {
		Seq            uint64      `json:"seq"`
		DataMerkleRoot common.Hash `json:"dataMerkleRoot"`
		Size           uint64      `json:"size"`
	} `json:"tx"`
	Finalized      bool   `json:"finalized"`
	IsCached       bool   `json:"isCached"`
	UploadedSegNum uint64 `json:"uploadedSegNum"`
}

// SegmentProof lemma = [leaf, siblings..., root]；path[i] 为 true 表示兄弟在左侧
type SegmentProof struct {
	Lemma []common.Hash `json:"lemma"`
	Path  []bool        `json:"path"`
}

// SegmentWithProof 是 zgs_uploadSegment 的参数 (data 以 base64 编码)
type SegmentWithProof struct {
	Root     common.Hash  `json:"root"`
	Data     []byte       `json:"data"`
	Index    uint64       `json:"index"`
	Proof    SegmentProof `json:"proof"`
	FileSize uint64       `json:"fileSize"`
}

// NewSegmentWithProof 从 Merkle 树和数据源组装第 index 个 Segment
func NewSegmentWithProof(blob core.Blob, tree *core.Tree, index int) (*SegmentWithProof, error) {
	data, err := core.ReadSegment(blob, index)
	if err != nil {
		return nil, err
	}
	proof, err := tree.SegmentProof(index)
	if err != nil {
		return nil, err
	}

	root := common.Hash(tree.Root().Bytes())
	lemma := make([]common.Hash, 0, len(proof.Siblings)+2)
	lemma = append(lemma, proof.Leaf)
	lemma = append(lemma, proof.Siblings...)
	lemma = append(lemma, root)

	return &SegmentWithProof{
		Root:     root,
		Data:     data,
		Index:    uint64(index),
		Proof:    SegmentProof{Lemma: lemma, Path: proof.Left},
		FileSize: uint64(tree.Size()),
	}, nil
}

// NodeClient 是存储节点的 JSON-RPC 客户端
type NodeClient struct {
	url string
	rpc *rpc.Client
}

func DialNode(ctx context.Context, url string) (*NodeClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial storage node %s: %w", url, err)
	}
	return &NodeClient{url: url, rpc: c}, nil
}

func (n *NodeClient) URL() string { return n.url }

// GetFileInfo 节点不认识该根时返回 (nil, nil)
func (n *NodeClient) GetFileInfo(ctx context.Context, root types.Hash) (*FileInfo, error) {
	var info *FileInfo
	if err := n.rpc.CallContext(ctx, &info, "zgs_getFileInfo", root.String()); err != nil {
		return nil, fmt.Errorf("zgs_getFileInfo: %w", err)
	}
	return info, nil
}

func (n *NodeClient) UploadSegment(ctx context.Context, seg *SegmentWithProof) error {
	if err := n.rpc.CallContext(ctx, nil, "zgs_uploadSegment", seg); err != nil {
		return fmt.Errorf("zgs_uploadSegment %d: %w", seg.Index, err)
	}
	return nil
}

func (n *NodeClient) Close() {
	n.rpc.Close()
}
