package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"TrustProof-Chain/internal/config"
	"TrustProof-Chain/pkg/logger"
)

// cli 保存所有子命令共享的标志与已加载的配置。
type cli struct {
	configPath string
	envFile    string
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "trustproofd",
		Short:         "TrustProof reputation and proof service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "配置文件路径，默认读取 TRUSTPROOF_CONFIG")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "启动前加载的 dotenv 文件")

	root.AddCommand(newServeCommand(c), newScoreCommand(c))
	return root
}

// load 依次加载 dotenv、配置文件与日志。
func (c *cli) load() error {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("加载 %s 失败: %w", c.envFile, err)
		}
	}

	path := c.configPath
	if path == "" {
		path = config.PathFromEnv()
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || c.configPath != "" {
			return err
		}
		cfg = config.Default()
	}
	c.cfg = cfg

	return logger.Init(loggerConfig(cfg.Logging))
}

func loggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		},
	}
}
