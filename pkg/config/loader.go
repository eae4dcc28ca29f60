package config

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"zgdrive/pkg/download"
	"zgdrive/pkg/fees"
	"zgdrive/pkg/logging"
	"zgdrive/pkg/meta"
	"zgdrive/pkg/network"
	"zgdrive/pkg/relay"
	"zgdrive/pkg/storage/cache"
	"zgdrive/pkg/storage/s3"
	"zgdrive/pkg/types"
	"zgdrive/pkg/upload"

	"github.com/spf13/viper"
)

// EnvPrefix ZG_DATABASE_HOST 覆盖 database.host
const EnvPrefix = "ZG"

// DefaultDataDir 本地数据目录 (数据库、对象、待确认日志)
const DefaultDataDir = ".zg"

// Config 是 viper 解析后的完整配置
type Config struct {
	Wallet     string `mapstructure:"wallet"`
	PrivateKey string `mapstructure:"private_key"`
	Tier       string `mapstructure:"tier"`
	DataDir    string `mapstructure:"data_dir"`

	Database  meta.Config               `mapstructure:"database"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Networks  map[string]network.Config `mapstructure:"networks"`
	Namespace NamespaceConfig           `mapstructure:"namespace"`
	Fees      FeesConfig                `mapstructure:"fees"`
	Upload    UploadConfig              `mapstructure:"upload"`
	Download  download.Config           `mapstructure:"download"`
	Relay     relay.Config              `mapstructure:"relay"`
	Server    ServerConfig              `mapstructure:"server"`
	Log       logging.Config            `mapstructure:"log"`

	// File 实际读取的配置文件；为空表示只用了默认值和环境变量
	File string `mapstructure:"-"`
}

type StorageConfig struct {
	Type  string       `mapstructure:"type"` // disk | s3
	Path  string       `mapstructure:"path"`
	S3    s3.Config    `mapstructure:"s3"`
	Cache cache.Config `mapstructure:"cache"` // url 为空时不启用
}

type NamespaceConfig struct {
	MaxFileSize int64    `mapstructure:"max_file_size"`
	Extensions  []string `mapstructure:"extensions"`
	Locale      string   `mapstructure:"locale"`
}

type FeesConfig struct {
	FallbackGas uint64 `mapstructure:"fallback_gas"`
}

type UploadConfig struct {
	GasPrices         []string      `mapstructure:"gas_prices"` // Gwei
	GasLimits         []uint64      `mapstructure:"gas_limits"`
	AcceptUnconfirmed bool          `mapstructure:"accept_unconfirmed"`
	WaitFinality      bool          `mapstructure:"wait_finality"`
	TaskSize          int           `mapstructure:"task_size"`
	FinalityTimeout   time.Duration `mapstructure:"finality_timeout"`
	Concurrency       int           `mapstructure:"concurrency"` // 目录上传时并发计算哈希的文件数
}

type ServerConfig struct {
	HTTPAddr     string        `mapstructure:"http_addr"`
	GRPCAddr     string        `mapstructure:"grpc_addr"`
	HealthPeriod time.Duration `mapstructure:"health_period"`
}

// Load 初始化 Viper 配置并解析为 Config
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) (*Config, error) {
	// 1. 设置默认值 (Defaults)
	setDefaults()

	// 2. 配置搜索路径
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}

		// 搜索顺序: 当前目录 -> ./.zg -> ~/.zg
		viper.AddConfigPath(".")
		viper.AddConfigPath(DefaultDataDir)
		viper.AddConfigPath(filepath.Join(home, DefaultDataDir))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// 3. 环境变量 (ZG_DATABASE_HOST 等)
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 4. 读取配置文件: 找不到不算错，格式错误才是错
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("fatal error config file: %w", err)
		}
	}

	// 5. 解析
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = viper.ConfigFileUsed()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("wallet", "")
	viper.SetDefault("private_key", "")
	viper.SetDefault("tier", string(types.TierStandard))
	viper.SetDefault("data_dir", DefaultDataDir)

	// 数据库: 默认单用户 sqlite，路径由 data_dir 推导
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.path", "")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.name", "zgdrive")
	viper.SetDefault("database.sslmode", "disable")

	// 存储
	viper.SetDefault("storage.type", "disk")
	viper.SetDefault("storage.path", "")
	viper.SetDefault("storage.s3.endpoint", "")
	viper.SetDefault("storage.s3.region", "us-east-1")
	viper.SetDefault("storage.s3.bucket", "")
	viper.SetDefault("storage.s3.prefix", "")
	viper.SetDefault("storage.s3.access_key_id", "")
	viper.SetDefault("storage.s3.secret_access_key", "")
	viper.SetDefault("storage.cache.url", "")
	viper.SetDefault("storage.cache.ttl", 24*time.Hour)

	// 网络档位
	for tier, n := range network.DefaultTiers() {
		key := "networks." + tier.String()
		viper.SetDefault(key+".name", n.Name)
		viper.SetDefault(key+".flow_address", n.FlowAddress)
		viper.SetDefault(key+".market_address", n.MarketAddress)
		viper.SetDefault(key+".storage_rpc", n.StorageRPC)
		viper.SetDefault(key+".l1_rpc", n.L1RPC)
		viper.SetDefault(key+".explorer", n.Explorer)
	}

	viper.SetDefault("namespace.max_file_size", int64(0))
	viper.SetDefault("namespace.extensions", []string{})
	viper.SetDefault("namespace.locale", "en")

	viper.SetDefault("fees.fallback_gas", fees.DefaultFallbackGas)

	viper.SetDefault("upload.gas_prices", []string{"50", "100", "200"})
	viper.SetDefault("upload.gas_limits", []uint64{10_000_000, 15_000_000, 20_000_000})
	viper.SetDefault("upload.accept_unconfirmed", true)
	viper.SetDefault("upload.wait_finality", false)
	viper.SetDefault("upload.task_size", 5)
	viper.SetDefault("upload.finality_timeout", 5*time.Minute)
	viper.SetDefault("upload.concurrency", 4)

	viper.SetDefault("download.endpoint", "")
	viper.SetDefault("download.relay_url", "")
	viper.SetDefault("download.relay_timeout", download.DefaultRelayTimeout)
	viper.SetDefault("download.direct_timeout", download.DefaultDirectTimeout)
	viper.SetDefault("download.long_relay_timeout", download.DefaultLongRelayTimeout)
	viper.SetDefault("download.retries", download.DefaultRetries)
	viper.SetDefault("download.stream_threshold", int64(download.DefaultStreamThreshold))
	viper.SetDefault("download.verify", true)

	viper.SetDefault("relay.allowed_hosts", []string{})
	viper.SetDefault("relay.max_attempts", relay.DefaultMaxAttempts)
	viper.SetDefault("relay.timeout", relay.DefaultTimeout)
	viper.SetDefault("relay.user_agent", relay.DefaultUserAgent)

	viper.SetDefault("server.http_addr", ":8080")
	viper.SetDefault("server.grpc_addr", ":9090")
	viper.SetDefault("server.health_period", 10*time.Second)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.output", "stderr")
}

// resolvePaths 未显式配置的路径都放在 data_dir 下
func (c *Config) resolvePaths() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "zgdrive.db")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "objects")
	}
}

// RelayHosts 中继允许转发的主机: 显式配置优先，否则取所有档位的存储节点和下载直连地址
func (c *Config) RelayHosts() []string {
	if len(c.Relay.AllowedHosts) > 0 {
		return c.Relay.AllowedHosts
	}
	seen := make(map[string]bool)
	var out []string
	add := func(raw string) {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || seen[u.Host] {
			return
		}
		seen[u.Host] = true
		out = append(out, u.Host)
	}
	for _, n := range c.Networks {
		add(n.StorageRPC)
	}
	add(c.Download.Endpoint)
	sort.Strings(out)
	return out
}

// JournalPath 未确认上传的记录文件
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "pending.json")
}

func (c *Config) Validate() error {
	if _, err := types.ParseTier(c.Tier); err != nil {
		return err
	}
	if c.Wallet != "" {
		if _, err := types.ParseIdentity(c.Wallet); err != nil {
			return fmt.Errorf("invalid wallet: %w", err)
		}
	}
	switch c.Storage.Type {
	case "disk", "s3":
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	if len(c.Upload.GasPrices) != len(c.Upload.GasLimits) {
		return fmt.Errorf("upload.gas_prices and upload.gas_limits must have the same length")
	}
	return nil
}

// NetworkTier 已校验过的档位
func (c *Config) NetworkTier() types.NetworkTier {
	t, _ := types.ParseTier(c.Tier)
	return t
}

// Network 当前档位的网络配置
func (c *Config) Network() (network.Config, error) {
	tier := c.NetworkTier()
	n, ok := c.Networks[tier.String()]
	if !ok {
		return network.Config{}, fmt.Errorf("no network configured for tier %q", tier)
	}
	if err := n.Validate(); err != nil {
		return network.Config{}, fmt.Errorf("network %q: %w", tier, err)
	}
	return n, nil
}

// GasTiers 把 Gwei 字符串转换为上传档位
func (u UploadConfig) GasTiers() ([]upload.GasTier, error) {
	if len(u.GasPrices) == 0 {
		return upload.DefaultGasTiers(), nil
	}
	if len(u.GasPrices) != len(u.GasLimits) {
		return nil, fmt.Errorf("gas prices and limits differ in length")
	}
	tiers := make([]upload.GasTier, len(u.GasPrices))
	for i, p := range u.GasPrices {
		price, err := fees.ParseGwei(p)
		if err != nil {
			return nil, err
		}
		tiers[i] = upload.GasTier{Price: new(big.Int).Set(price), Limit: u.GasLimits[i]}
	}
	if err := upload.ValidateTiers(tiers); err != nil {
		return nil, err
	}
	return tiers, nil
}
