package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a zgdrive workspace in the current directory",
	Long:  `Creates ./.zg with the object store and a config.yaml holding the defaults, so they can be edited.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		// 1. 解析配置 (命令行参数 --wallet/--tier 会写入模板)
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// 2. 创建目录结构
		if err := os.MkdirAll(cfg.Storage.Path, 0o755); err != nil {
			return fmt.Errorf("failed to create workspace: %w", err)
		}

		// 3. 写入配置模板 (已存在时不覆盖)
		path := filepath.Join(cfg.DataDir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(out, "⚠️  zgdrive workspace already exists in %s\n", cfg.DataDir)
			return nil
		}
		// 私钥只从环境变量读取，不落盘
		viper.Set("private_key", "")
		if err := viper.SafeWriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}

		fmt.Fprintf(out, "✅ Initialized zgdrive workspace in %s\n", cfg.DataDir)
		fmt.Fprintf(out, "   Config:  %s\n", path)
		fmt.Fprintf(out, "   Tier:    %s\n", cfg.NetworkTier())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
