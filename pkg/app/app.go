// pkg/app/app.go
package app

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"zgdrive/pkg/backup"
	"zgdrive/pkg/config"
	"zgdrive/pkg/download"
	"zgdrive/pkg/exporter"
	"zgdrive/pkg/fees"
	"zgdrive/pkg/ingester"
	"zgdrive/pkg/journal"
	"zgdrive/pkg/logging"
	"zgdrive/pkg/meta"
	"zgdrive/pkg/namespace"
	"zgdrive/pkg/network"
	"zgdrive/pkg/refs"
	"zgdrive/pkg/relay"
	"zgdrive/pkg/storage"
	"zgdrive/pkg/storage/cache"
	"zgdrive/pkg/storage/disk"
	"zgdrive/pkg/storage/s3"
	"zgdrive/pkg/treebuilder"
	"zgdrive/pkg/types"
	"zgdrive/pkg/upload"
)

var ErrNoIdentity = errors.New("no wallet configured (use --wallet or ZG_WALLET)")

// App 是整个应用程序的依赖容器 (Dependency Container)
// 本地组件在 New 中全部创建；网络组件在第一次使用时才拨号
type App struct {
	Config *config.Config

	DB        *meta.DB
	Repo      *meta.Repository
	Store     storage.Store
	Refs      *refs.Manager
	Namespace *namespace.Service
	Backup    *backup.Service
	Ingester  *ingester.Ingester
	Builder   *treebuilder.Builder
	Journal   *journal.Journal
	Download  *download.Orchestrator
	Exporter  *exporter.Exporter
	Relay     *relay.Handler

	// Identity 可能为空: 只读命令 (download, fee) 不需要钱包
	Identity types.Identity
	Tier     types.NetworkTier

	mu        sync.Mutex
	chain     *network.ChainClient
	node      *network.NodeClient
	client    *network.Client
	submitter upload.Submitter
	infoer    FileInfoer
	estimator *fees.Estimator
}

// New 是工厂函数，按配置组装所有本地组件
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	// 1. 数据目录
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	// 2. 元数据库 (唯一数据源)
	db, err := meta.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	repo := meta.NewRepository(db)

	// 3. 对象存储 (下载镜像 + 快照)
	store, err := initStore(ctx, cfg.Storage)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	// 4. 待确认日志
	jr, err := journal.Open(cfg.JournalPath())
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ns := namespace.NewService(repo, namespace.Options{
		MaxFileSize: cfg.Namespace.MaxFileSize,
		Extensions:  cfg.Namespace.Extensions,
		Locale:      cfg.Namespace.Locale,
	})
	refMgr := refs.NewManager(repo)

	// 5. 下载直连地址默认为当前档位的存储节点
	dlCfg := cfg.Download
	if dlCfg.Endpoint == "" {
		if n, err := cfg.Network(); err == nil {
			dlCfg.Endpoint = n.StorageRPC
		}
	}
	dl := download.New(dlCfg, &http.Client{}, store)

	// 中继只转发到已配置的存储节点
	relayCfg := cfg.Relay
	relayCfg.AllowedHosts = cfg.RelayHosts()

	a := &App{
		Config:    cfg,
		DB:        db,
		Repo:      repo,
		Store:     store,
		Refs:      refMgr,
		Namespace: ns,
		Backup:    backup.NewService(repo, store, refMgr, ns),
		Ingester: ingester.NewIngester(ingester.Options{
			Extensions:  cfg.Namespace.Extensions,
			MaxSize:     cfg.Namespace.MaxFileSize,
			Concurrency: cfg.Upload.Concurrency,
		}),
		Builder:  treebuilder.NewBuilder(ns),
		Journal:  jr,
		Download: dl,
		Exporter: exporter.NewExporter(dl, store),
		Relay:    relay.New(relayCfg, nil),
		Tier:     cfg.NetworkTier(),
	}

	// 6. 身份 (可选)
	if cfg.Wallet != "" {
		id, err := types.ParseIdentity(cfg.Wallet)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.Identity = id
	}
	return a, nil
}

// initStore 根据 storage.type 选择后端，配置了 redis 时再包一层缓存
func initStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Type {
	case "", "disk":
		if cfg.Path == "" {
			return nil, fmt.Errorf("storage path not set")
		}
		store, err = disk.NewAdapter(cfg.Path)
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("s3 bucket is required")
		}
		store, err = s3.NewAdapter(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}

	if cfg.Cache.RedisURL == "" {
		return store, nil
	}
	cached, err := cache.NewCachedStore(store, cfg.Cache)
	if err != nil {
		// 缓存不可用不影响主流程
		logging.Warn("redis cache disabled", logging.Err(err))
		return store, nil
	}
	return cached, nil
}

// RequireIdentity 写操作必须有钱包身份
func (a *App) RequireIdentity() (types.Identity, error) {
	if a.Identity.IsZero() {
		return "", ErrNoIdentity
	}
	return a.Identity, nil
}

// dial 连接链和存储节点 (只做一次)
func (a *App) dial(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}

	netCfg, err := a.Config.Network()
	if err != nil {
		return err
	}

	// 没有私钥时只能做只读调用 (估价、查询)
	var key *ecdsa.PrivateKey
	if a.Config.PrivateKey != "" {
		if key, err = network.ParseKey(a.Config.PrivateKey); err != nil {
			return err
		}
	}
	chain, err := network.DialChain(ctx, netCfg, key)
	if err != nil {
		return fmt.Errorf("%w: %v", upload.ErrProviderUnavailable, err)
	}

	node, err := network.DialNode(ctx, netCfg.StorageRPC)
	if err != nil {
		return fmt.Errorf("%w: %v", upload.ErrProviderUnavailable, err)
	}

	a.chain = chain
	a.node = node
	a.client = network.NewClient(netCfg, chain, node, network.ClientOptions{
		TaskSize:        a.Config.Upload.TaskSize,
		FinalityTimeout: a.Config.Upload.FinalityTimeout,
	})
	logging.Debug("network connected",
		logging.String("tier", a.Tier.String()),
		logging.String("storage_rpc", netCfg.StorageRPC))
	return nil
}

// Network 懒加载的网络客户端
func (a *App) Network(ctx context.Context) (*network.Client, error) {
	if err := a.dial(ctx); err != nil {
		return nil, err
	}
	return a.client, nil
}

// Uploader 每次调用返回新的编排器，共享同一个网络客户端
func (a *App) Uploader(ctx context.Context) (*upload.Orchestrator, error) {
	tiers, err := a.Config.Upload.GasTiers()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	sub := a.submitter
	a.mu.Unlock()
	if sub == nil {
		client, err := a.Network(ctx)
		if err != nil {
			return nil, err
		}
		sub = client
	}

	return upload.New(sub, upload.Options{
		Tiers:             tiers,
		AcceptUnconfirmed: a.Config.Upload.AcceptUnconfirmed,
		WaitFinality:      a.Config.Upload.WaitFinality,
	})
}

// Fees 费用估算只需要链上只读调用
func (a *App) Fees(ctx context.Context) (*fees.Estimator, error) {
	a.mu.Lock()
	est := a.estimator
	a.mu.Unlock()
	if est != nil {
		return est, nil
	}

	if err := a.dial(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.estimator = fees.NewEstimator(a.chain, a.Config.Fees.FallbackGas)
	return a.estimator, nil
}

// Close 释放数据库和网络连接，并落盘待确认日志
func (a *App) Close() error {
	a.mu.Lock()
	if a.node != nil {
		a.node.Close()
		a.node = nil
	}
	a.mu.Unlock()

	var errs []error
	if a.Journal != nil {
		errs = append(errs, a.Journal.Save())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
