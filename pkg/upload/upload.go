// Package upload derives a blob's content hash locally and commits it to the
// storage network, escalating gas on transient submission failures.
package upload

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"zgdrive/pkg/core"
	"zgdrive/pkg/logging"
	"zgdrive/pkg/metrics"
	"zgdrive/pkg/network"
	"zgdrive/pkg/types"
)

var (
	ErrMissingInput           = errors.New("no file to upload")
	ErrProviderUnavailable    = errors.New("storage provider unavailable")
	ErrSignerUnavailable      = errors.New("signer unavailable")
	ErrSubmissionConstruction = errors.New("failed to construct submission")
	ErrHashDerivation         = errors.New("failed to derive content hash")
	ErrRemoteTransient        = errors.New("remote commit not confirmed")
	ErrRemoteFatal            = errors.New("remote commit failed")
)

// GasTier 一次提交尝试使用的 gas 价格与上限
type GasTier struct {
	Price *big.Int
	Limit uint64
}

const gwei = 1_000_000_000

// DefaultGasTiers 首次 50 Gwei / 10M，之后两次重试分别为 100 Gwei / 15M 和 200 Gwei / 20M
func DefaultGasTiers() []GasTier {
	return []GasTier{
		{Price: big.NewInt(50 * gwei), Limit: 10_000_000},
		{Price: big.NewInt(100 * gwei), Limit: 15_000_000},
		{Price: big.NewInt(200 * gwei), Limit: 20_000_000},
	}
}

// ValidateTiers 至少一档，且价格与上限都严格递增
func ValidateTiers(tiers []GasTier) error {
	if len(tiers) == 0 {
		return errors.New("at least one gas tier is required")
	}
	for i, t := range tiers {
		if t.Price == nil || t.Price.Sign() <= 0 || t.Limit == 0 {
			return fmt.Errorf("gas tier %d: price and limit must be positive", i)
		}
		if i == 0 {
			continue
		}
		prev := tiers[i-1]
		if t.Price.Cmp(prev.Price) <= 0 || t.Limit <= prev.Limit {
			return fmt.Errorf("gas tier %d must be strictly higher than tier %d", i, i-1)
		}
	}
	return nil
}

// Submitter 把一次 Submission 提交到网络 (*network.Client 实现)
type Submitter interface {
	HasSigner() bool
	Submit(ctx context.Context, blob core.Blob, tree *core.Tree, sub *core.Submission, opts network.SubmitOptions) (*network.Receipt, error)
}

type Options struct {
	Tiers []GasTier
	// AcceptUnconfirmed 所有档位都失败时，以 unconfirmed 状态返回而不是报错
	AcceptUnconfirmed bool
	WaitFinality      bool
}

// Orchestrator 上传编排
type Orchestrator struct {
	submitter Submitter
	opts      Options
	newTag    func() []byte
}

func New(submitter Submitter, opts Options) (*Orchestrator, error) {
	if len(opts.Tiers) == 0 {
		opts.Tiers = DefaultGasTiers()
	}
	if err := ValidateTiers(opts.Tiers); err != nil {
		return nil, err
	}
	return &Orchestrator{submitter: submitter, opts: opts, newTag: core.NewTag}, nil
}

// Request 一次上传
type Request struct {
	Blob core.Blob
	// Fee 来自事先的费用估算 (Quote.RawStorage)；nil 时由网络客户端现算
	Fee *big.Int
}

// Result 上传结果；RootHash 始终是本地计算的哈希
type Result struct {
	RootHash      types.Hash         `json:"rootHash"`
	Status        types.UploadStatus `json:"status"`
	AlreadyExists bool               `json:"alreadyExists"`
	Attempts      int                `json:"attempts"`
	GasPrice      *big.Int           `json:"gasPrice,omitempty"`
	TxHash        string             `json:"txHash,omitempty"`
	Size          int64              `json:"size"`
	// LastError 未确认时最后一次失败的原因
	LastError string `json:"lastError,omitempty"`
}

// Derive 只计算内容哈希，不接触网络
func Derive(blob core.Blob) (types.Hash, *core.Tree, error) {
	if blob == nil || blob.Size() == 0 {
		return "", nil, ErrMissingInput
	}
	tree, err := core.BuildTreeFromBlob(blob)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrHashDerivation, err)
	}
	return tree.Root(), tree, nil
}

// Upload 1. 本地计算哈希 2. 按 gas 档位依次尝试提交 3. "已存在" 视为成功
func (o *Orchestrator) Upload(ctx context.Context, req Request) (*Result, error) {
	// 1. 本地哈希 (先于任何网络调用)
	root, tree, err := Derive(req.Blob)
	if err != nil {
		return nil, err
	}
	log := logging.WithContext(ctx).With(logging.String("root", root.Short()))

	// 2. 前置条件
	if o.submitter == nil {
		return nil, ErrProviderUnavailable
	}
	if !o.submitter.HasSigner() {
		return nil, ErrSignerUnavailable
	}

	res := &Result{RootHash: root, Size: tree.Size()}
	var lastErr error

	// 3. 逐档尝试
	for i, tier := range o.opts.Tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Attempts = i + 1
		res.GasPrice = tier.Price

		// 每次尝试都用新的标签，避免被当作重复提交
		sub, err := core.NewSubmission(tree, o.newTag())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSubmissionConstruction, err)
		}

		receipt, err := o.submitter.Submit(ctx, req.Blob, tree, sub, network.SubmitOptions{
			GasPrice:     tier.Price,
			GasLimit:     tier.Limit,
			Fee:          req.Fee,
			WaitFinality: o.opts.WaitFinality,
		})

		switch {
		case err == nil:
			res.Status = types.StatusConfirmed
			res.TxHash = receipt.TxHash
			log.Info("upload confirmed",
				logging.Int("attempt", res.Attempts),
				logging.String("tx", receipt.TxHash))
			metrics.RecordUpload(string(res.Status), res.Attempts)
			return res, nil

		case IsAlreadyExists(err):
			res.Status = types.StatusExisting
			res.AlreadyExists = true
			log.Info("content already stored")
			metrics.RecordUpload(string(res.Status), res.Attempts)
			return res, nil

		case errors.Is(err, network.ErrNoSigner):
			return nil, ErrSignerUnavailable

		case IsTransient(err):
			lastErr = err
			log.Warn("submission failed, escalating gas",
				logging.Int("attempt", res.Attempts),
				logging.String("gas_price", tier.Price.String()),
				logging.Err(err))

		default:
			metrics.RecordUpload("failed", res.Attempts)
			return nil, fmt.Errorf("%w: %v", ErrRemoteFatal, err)
		}
	}

	// 4. 全部档位失败: 内容哈希已知，但网络未确认
	metrics.RecordUpload(string(types.StatusUnconfirmed), res.Attempts)
	if !o.opts.AcceptUnconfirmed {
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrRemoteTransient, res.Attempts, lastErr)
	}
	res.Status = types.StatusUnconfirmed
	if lastErr != nil {
		res.LastError = lastErr.Error()
	}
	log.Warn("upload not confirmed after all gas tiers", logging.Int("attempts", res.Attempts))
	return res, nil
}

// IsAlreadyExists 网络已有同一内容
func IsAlreadyExists(err error) bool {
	return errors.Is(err, network.ErrAlreadyExists) ||
		(err != nil && strings.Contains(err.Error(), "Data already exists"))
}

// IsTransient 可以换更高 gas 再试的失败
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, network.ErrSubmitTransaction) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "failed to submit transaction") || strings.Contains(msg, "underpriced")
}
