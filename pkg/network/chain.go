package network

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"zgdrive/pkg/core"
	"zgdrive/pkg/logging"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const flowABIJSON = `[
 {"inputs":[],"name":"market","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
 {"inputs":[{"components":[
   {"internalType":"uint256","name":"length","type":"uint256"},
   {"internalType":"bytes","name":"tags","type":"bytes"},
   {"components":[
     {"internalType":"bytes32","name":"root","type":"bytes32"},
     {"internalType":"uint256","name":"height","type":"uint256"}],
    "internalType":"struct SubmissionNode[]","name":"nodes","type":"tuple[]"}],
  "internalType":"struct Submission","name":"submission","type":"tuple"}],
  "name":"submit",
  "outputs":[{"internalType":"uint256","name":"","type":"uint256"},{"internalType":"bytes32","name":"","type":"bytes32"},{"internalType":"uint256","name":"","type":"uint256"},{"internalType":"uint256","name":"","type":"uint256"}],
  "stateMutability":"payable","type":"function"}
]`

const marketABIJSON = `[
 {"inputs":[],"name":"pricePerSector","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	flowABI   = mustParseABI(flowABIJSON)
	marketABI = mustParseABI(marketABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded abi: %v", err))
	}
	return parsed
}

// Backend 是链客户端需要的 RPC 能力 (*ethclient.Client 满足)
type Backend interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// ChainClient 封装 Flow / Market 合约
type ChainClient struct {
	backend  Backend
	flowAddr common.Address
	flow     *bind.BoundContract

	key  *ecdsa.PrivateKey
	from common.Address

	mu      sync.Mutex
	chainID *big.Int
}

// DialChain 连接 L1 RPC；key 为 nil 时只能做只读调用 (估价)
func DialChain(ctx context.Context, cfg Config, key *ecdsa.PrivateKey) (*ChainClient, error) {
	client, err := ethclient.DialContext(ctx, cfg.L1RPC)
	if err != nil {
		logging.Error("failed to dial chain rpc", logging.String("url", cfg.L1RPC), logging.Err(err))
		return nil, err
	}
	return NewChainClient(client, common.HexToAddress(cfg.FlowAddress), key), nil
}

func NewChainClient(backend Backend, flowAddr common.Address, key *ecdsa.PrivateKey) *ChainClient {
	c := &ChainClient{
		backend:  backend,
		flowAddr: flowAddr,
		flow:     bind.NewBoundContract(flowAddr, flowABI, backend, backend, backend),
		key:      key,
	}
	if key != nil {
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c
}

// ParseKey 解析十六进制私钥 (可带 0x 前缀)
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

func (c *ChainClient) HasSigner() bool      { return c.key != nil }
func (c *ChainClient) From() common.Address { return c.from }

// MarketAddress 每次从 Flow 合约读取
func (c *ChainClient) MarketAddress(ctx context.Context) (common.Address, error) {
	var out []any
	if err := c.flow.Call(&bind.CallOpts{Context: ctx}, &out, "market"); err != nil {
		return common.Address{}, fmt.Errorf("flow.market: %w", err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("flow.market: unexpected result %T", out[0])
	}
	return addr, nil
}

// PricePerSector 读取 Market 合约的单价 (wei / sector)
func (c *ChainClient) PricePerSector(ctx context.Context) (*big.Int, error) {
	market, err := c.MarketAddress(ctx)
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(market, marketABI, c.backend, c.backend, c.backend)

	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "pricePerSector"); err != nil {
		return nil, fmt.Errorf("market.pricePerSector: %w", err)
	}
	price, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("market.pricePerSector: unexpected result %T", out[0])
	}
	return price, nil
}

func (c *ChainClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.backend.SuggestGasPrice(ctx)
}

// EstimateSubmitGas 估算 submit(submission) 需要的 gas
func (c *ChainClient) EstimateSubmitGas(ctx context.Context, sub *core.Submission, value *big.Int) (uint64, error) {
	data, err := flowABI.Pack("submit", toFlowSubmission(sub))
	if err != nil {
		return 0, fmt.Errorf("pack submit: %w", err)
	}
	return c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    &c.flowAddr,
		Value: value,
		Data:  data,
	})
}

// Submit 发送 submit 交易 (不等待上链)
func (c *ChainClient) Submit(ctx context.Context, sub *core.Submission, value, gasPrice *big.Int, gasLimit uint64) (*ethtypes.Transaction, error) {
	if c.key == nil {
		return nil, ErrNoSigner
	}
	chainID, err := c.getChainID(ctx)
	if err != nil {
		return nil, err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, chainID)
	if err != nil {
		logging.Error("failed to create transactor", logging.Err(err))
		return nil, err
	}
	opts.Context = ctx
	opts.Value = value
	opts.GasPrice = gasPrice
	opts.GasLimit = gasLimit

	return c.flow.Transact(opts, "submit", toFlowSubmission(sub))
}

func (c *ChainClient) getChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	c.chainID = id
	return id, nil
}

// WaitMined 指数退避轮询回执，直到拿到回执或 ctx 结束
func (c *ChainClient) WaitMined(ctx context.Context, txHash common.Hash, maxBackoff time.Duration) (*ethtypes.Receipt, error) {
	backoff := 500 * time.Millisecond
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			if receipt.Status == ethtypes.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%w: tx reverted: %s", ErrSubmitTransaction, txHash)
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if maxBackoff == 0 || backoff < maxBackoff {
				backoff *= 2
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			return nil, fmt.Errorf("receipt error: %w", err)
		}
	}
}

type flowNode struct {
	Root   [32]byte
	Height *big.Int
}

type flowSubmission struct {
	Length *big.Int
	Tags   []byte
	Nodes  []flowNode
}

func toFlowSubmission(sub *core.Submission) flowSubmission {
	out := flowSubmission{
		Length: new(big.Int).SetUint64(sub.Length),
		Tags:   sub.Tags,
		Nodes:  make([]flowNode, len(sub.Nodes)),
	}
	for i, n := range sub.Nodes {
		out.Nodes[i] = flowNode{Root: n.Root, Height: new(big.Int).SetUint64(n.Height)}
	}
	return out
}
