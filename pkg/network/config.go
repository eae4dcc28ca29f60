package network

import (
	"fmt"
	"net/url"
	"strings"

	"zgdrive/pkg/types"

	"github.com/ethereum/go-ethereum/common"
)

// Config 是一个网络档位的端点与合约地址
type Config struct {
	Name          string `mapstructure:"name"`
	FlowAddress   string `mapstructure:"flow_address"`
	MarketAddress string `mapstructure:"market_address"`
	StorageRPC    string `mapstructure:"storage_rpc"`
	L1RPC         string `mapstructure:"l1_rpc"`
	Explorer      string `mapstructure:"explorer"`
}

// DefaultTiers 两个档位共用合约，只有存储节点不同
func DefaultTiers() map[types.NetworkTier]Config {
	base := Config{
		FlowAddress:   "0xbD75117F80b4E22698D0Cd7612d92BDb8eaff628",
		MarketAddress: "0x53191725d260221bBa307D8EeD6e2Be8DD265e19",
		L1RPC:         "https://evmrpc-testnet.0g.ai",
		Explorer:      "https://chainscan-galileo.0g.ai/tx/",
	}

	standard := base
	standard.Name = "0G-Galileo-Testnet"
	standard.StorageRPC = "https://indexer-storage-testnet-standard.0g.ai"

	turbo := base
	turbo.Name = "0G-Galileo-Testnet (Turbo)"
	turbo.StorageRPC = "https://indexer-storage-testnet-turbo.0g.ai"

	return map[types.NetworkTier]Config{
		types.TierStandard: standard,
		types.TierTurbo:    turbo,
	}
}

// ExplorerURL 交易在区块浏览器上的链接
func (c Config) ExplorerURL(txHash string) string {
	if c.Explorer == "" || txHash == "" {
		return ""
	}
	if !strings.HasSuffix(c.Explorer, "/") {
		return c.Explorer + "/" + txHash
	}
	return c.Explorer + txHash
}

// Validate 检查地址与端点格式
func (c Config) Validate() error {
	if !common.IsHexAddress(c.FlowAddress) {
		return fmt.Errorf("invalid flow address %q", c.FlowAddress)
	}
	if c.MarketAddress != "" && !common.IsHexAddress(c.MarketAddress) {
		return fmt.Errorf("invalid market address %q", c.MarketAddress)
	}
	for name, raw := range map[string]string{"storage_rpc": c.StorageRPC, "l1_rpc": c.L1RPC} {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("invalid %s %q", name, raw)
		}
	}
	return nil
}
