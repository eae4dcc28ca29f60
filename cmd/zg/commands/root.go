package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"zgdrive/pkg/app"
	"zgdrive/pkg/config"
	"zgdrive/pkg/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// ZG 全局应用实例，供子命令使用 (测试中可以预先注入)
	ZG *app.App
	// owned 为 true 表示 ZG 由 PersistentPreRunE 创建，需要在结束时关闭
	owned bool
)

// 不需要组装 App 的命令
var standalone = map[string]bool{"init": true, "ping": true, "help": true, "version": true}

var rootCmd = &cobra.Command{
	Use:           "zg",
	Short:         "zgdrive: wallet-scoped file drive on the 0G storage network",
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE 会在所有子命令执行前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if ZG != nil || standalone[cmd.Name()] {
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ZG, err = app.New(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize zgdrive: %w\n(Did you run 'zg init'?)", err)
		}
		owned = true
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if !owned || ZG == nil {
			return nil
		}
		err := ZG.Close()
		ZG, owned = nil, false
		return err
	},
}

// Execute 是入口；Ctrl-C 会取消正在进行的上传或下载
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
	}
	_ = logging.Sync()
	return err
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./.zg/config.yaml or $HOME/.zg/config.yaml)")
	flags.String("wallet", "", "wallet address that owns the namespace (0x...)")
	flags.String("tier", "", "storage network tier: standard | turbo")
	flags.String("db", "", "sqlite database path")

	// 命令行参数优先于配置文件和环境变量
	for key, flag := range map[string]string{
		"wallet":        "wallet",
		"tier":          "tier",
		"database.path": "db",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Println("Failed to bind flag:", err)
			os.Exit(1)
		}
	}
}

// loadConfig 读取配置并初始化日志
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := logging.Init(cfg.Log); err != nil {
		return nil, err
	}
	if cfg.File != "" {
		logging.Debug("using config file", logging.String("path", cfg.File))
	}
	return cfg, nil
}
