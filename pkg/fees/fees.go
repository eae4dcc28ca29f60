// Package fees estimates what a submission costs before it is sent.
package fees

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"zgdrive/pkg/core"
	"zgdrive/pkg/logging"

	"github.com/shopspring/decimal"
)

// DefaultFallbackGas 无法估算 gas 时使用的固定值
const DefaultFallbackGas uint64 = 500000

var ErrNoChain = errors.New("fee estimator has no chain connection")

// Chain 是估算所需的最小链上能力 (network.ChainClient 实现)
type Chain interface {
	PricePerSector(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateSubmitGas(ctx context.Context, sub *core.Submission, value *big.Int) (uint64, error)
}

// Quote 是一次估算结果: 字符串字段用于展示 (单位为原生代币)，Raw 字段是 wei
type Quote struct {
	StoragePrice string `json:"storageFee"`
	GasFee       string `json:"estimatedGas"`
	Total        string `json:"totalFee"`

	RawStorage  *big.Int `json:"-"`
	RawGas      *big.Int `json:"-"`
	RawTotal    *big.Int `json:"-"`
	GasPrice    *big.Int `json:"-"`
	GasUnits    uint64   `json:"gasUnits"`
	FallbackGas bool     `json:"fallbackGas"`
}

// Estimator 每次调用都重新读取链上价格，不做缓存
type Estimator struct {
	chain       Chain
	fallbackGas uint64
}

func NewEstimator(chain Chain, fallbackGas uint64) *Estimator {
	if fallbackGas == 0 {
		fallbackGas = DefaultFallbackGas
	}
	return &Estimator{chain: chain, fallbackGas: fallbackGas}
}

// Estimate 存储费 = 扇区数 * 单价；gas 费 = 估算 gas * gas 价格
func (e *Estimator) Estimate(ctx context.Context, sub *core.Submission) (*Quote, error) {
	if e == nil || e.chain == nil {
		return nil, ErrNoChain
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: nil submission", core.ErrInvalidSubmission)
	}

	// 1. 存储费
	unit, err := e.chain.PricePerSector(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read price per sector: %w", err)
	}
	storage := new(big.Int).Mul(new(big.Int).SetUint64(sub.Sectors()), unit)

	// 2. gas 价格 (节点不给时按 0 计)
	gasPrice, err := e.chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read gas price: %w", err)
	}
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}

	// 3. gas 用量，失败时回落到固定值
	q := &Quote{GasPrice: gasPrice}
	q.GasUnits, err = e.chain.EstimateSubmitGas(ctx, sub, storage)
	if err != nil {
		logging.Warn("gas estimation failed, using fallback",
			logging.Err(err),
			logging.Int64("fallback", int64(e.fallbackGas)))
		q.GasUnits = e.fallbackGas
		q.FallbackGas = true
	}

	gasFee := new(big.Int).Mul(new(big.Int).SetUint64(q.GasUnits), gasPrice)
	total := new(big.Int).Add(storage, gasFee)

	q.RawStorage = storage
	q.RawGas = gasFee
	q.RawTotal = total
	q.StoragePrice = FormatEther(storage)
	q.GasFee = FormatEther(gasFee)
	q.Total = FormatEther(total)
	return q, nil
}

var weiPerEther = decimal.New(1, 18)

// FormatEther wei -> 18 位精度的十进制字符串 (去掉末尾的 0)
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, 0).DivRound(weiPerEther, 18).String()
}

// FormatGwei 用于展示 gas 价格
func FormatGwei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, 0).DivRound(decimal.New(1, 9), 9).String()
}

// ParseGwei "50" -> 50 * 10^9 wei
func ParseGwei(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid gwei amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid gwei amount %q: negative", s)
	}
	return d.Shift(9).BigInt(), nil
}
