// Package network talks to the storage network: the flow contract on the
// chain and the storage node that receives segments.
package network

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"zgdrive/pkg/core"
	"zgdrive/pkg/logging"
	"zgdrive/pkg/types"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyExists 节点上已有同一根哈希的已确认数据
	ErrAlreadyExists = errors.New("Data already exists")
	// ErrSubmitTransaction 交易未能发送或未被确认 (可换更高 gas 重试)
	ErrSubmitTransaction = errors.New("failed to submit transaction")
	ErrNoSigner          = errors.New("no signer configured")
	ErrSegmentUpload     = errors.New("failed to upload segment")
)

// FlowChain 是提交交易需要的链上能力 (*ChainClient 实现)
type FlowChain interface {
	HasSigner() bool
	PricePerSector(ctx context.Context) (*big.Int, error)
	Submit(ctx context.Context, sub *core.Submission, value, gasPrice *big.Int, gasLimit uint64) (*ethtypes.Transaction, error)
	WaitMined(ctx context.Context, txHash common.Hash, maxBackoff time.Duration) (*ethtypes.Receipt, error)
}

// StorageNode 是上传 Segment 需要的节点能力 (*NodeClient 实现)
type StorageNode interface {
	GetFileInfo(ctx context.Context, root types.Hash) (*FileInfo, error)
	UploadSegment(ctx context.Context, seg *SegmentWithProof) error
}

// ClientOptions 上传参数
type ClientOptions struct {
	TaskSize        int           // 并发上传的 Segment 数
	FinalityTimeout time.Duration // WaitFinality 时的最长等待
	PollInterval    time.Duration
}

// SubmitOptions 单次提交的 gas 档位
type SubmitOptions struct {
	GasPrice     *big.Int
	GasLimit     uint64
	Fee          *big.Int // 存储费；nil 时按单价现算
	WaitFinality bool
}

// Receipt 一次成功提交的结果
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	Segments    int    `json:"segments"`
	Finalized   bool   `json:"finalized"`
}

// Client 把 "链上登记 + 节点上传" 组合成一次提交
type Client struct {
	cfg   Config
	chain FlowChain
	node  StorageNode
	opts  ClientOptions
}

func NewClient(cfg Config, chain FlowChain, node StorageNode, opts ClientOptions) *Client {
	if opts.TaskSize <= 0 {
		opts.TaskSize = 5
	}
	if opts.FinalityTimeout <= 0 {
		opts.FinalityTimeout = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Client{cfg: cfg, chain: chain, node: node, opts: opts}
}

func (c *Client) Config() Config { return c.cfg }

// HasSigner 没有签名者时只能查询不能上传
func (c *Client) HasSigner() bool {
	return c.chain != nil && c.chain.HasSigner()
}

// FileInfo 查询节点上的文件状态
func (c *Client) FileInfo(ctx context.Context, root types.Hash) (*FileInfo, error) {
	return c.node.GetFileInfo(ctx, root)
}

// Submit 1. 链上已存在则补传 Segment 并返回 ErrAlreadyExists
// 2. 发送 submit 交易并等待回执 3. 并发上传所有 Segment 4. 可选等待最终确认
func (c *Client) Submit(ctx context.Context, blob core.Blob, tree *core.Tree, sub *core.Submission, opts SubmitOptions) (*Receipt, error) {
	root := tree.Root()
	log := logging.WithContext(ctx).With(logging.String("root", root.Short()))

	// 1. 去重
	info, err := c.node.GetFileInfo(ctx, root)
	if err != nil {
		return nil, err
	}
	if info != nil {
		// 链上已有该根: 不再发交易，只补传节点可能缺少的 Segment
		if !info.Finalized {
			log.Info("log entry already on chain, resuming segment upload",
				logging.Int("uploaded_segments", int(info.UploadedSegNum)))
			if err := c.uploadSegments(ctx, blob, tree); err != nil {
				return nil, err
			}
		}
		return nil, ErrAlreadyExists
	}

	if !c.HasSigner() {
		return nil, ErrNoSigner
	}

	// 2. 链上登记
	fee := opts.Fee
	if fee == nil {
		unit, err := c.chain.PricePerSector(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSubmitTransaction, err)
		}
		fee = new(big.Int).Mul(new(big.Int).SetUint64(sub.Sectors()), unit)
	}

	tx, err := c.chain.Submit(ctx, sub, fee, opts.GasPrice, opts.GasLimit)
	if err != nil {
		return nil, classifyTxError(err)
	}
	log.Info("submission sent", logging.String("tx", tx.Hash().Hex()))

	receipt, err := c.chain.WaitMined(ctx, tx.Hash(), 10*time.Second)
	if err != nil {
		if errors.Is(err, ErrSubmitTransaction) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSubmitTransaction, err)
	}

	out := &Receipt{
		TxHash:      tx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		Segments:    tree.NumSegments(),
	}

	// 3. 上传 Segment
	if err := c.uploadSegments(ctx, blob, tree); err != nil {
		return nil, err
	}

	// 4. 最终确认
	if opts.WaitFinality {
		ok, err := c.waitFinalized(ctx, root)
		if err != nil {
			return nil, err
		}
		out.Finalized = ok
	}
	return out, nil
}

func (c *Client) uploadSegments(ctx context.Context, blob core.Blob, tree *core.Tree) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.TaskSize)

	for i := 0; i < tree.NumSegments(); i++ {
		g.Go(func() error {
			seg, err := NewSegmentWithProof(blob, tree, i)
			if err != nil {
				return err
			}
			if err := c.node.UploadSegment(gctx, seg); err != nil {
				// 节点已经收到过该 Segment (例如上次上传中断)
				if strings.Contains(strings.ToLower(err.Error()), "already uploaded") {
					return nil
				}
				return fmt.Errorf("%w: %v", ErrSegmentUpload, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Client) waitFinalized(ctx context.Context, root types.Hash) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.FinalityTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		info, err := c.node.GetFileInfo(ctx, root)
		if err == nil && info != nil && info.Finalized {
			return true, nil
		}
		select {
		case <-ctx.Done():
			// 超时不是失败: 数据已经在节点上，只是还没确认
			return false, nil
		case <-ticker.C:
		}
	}
}

// classifyTxError 余额不足等不可恢复错误原样返回，其余视为可换档重试
func classifyTxError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "data already exists"):
		return ErrAlreadyExists
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "execution reverted"),
		errors.Is(err, ErrNoSigner):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrSubmitTransaction, err)
	}
}
