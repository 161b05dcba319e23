package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"TrustProof-Chain/pkg/logger"
)

func newServeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 API 服务、证明流水线与 worker 池",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			defer logger.Sync()

			a, err := newApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(); err != nil {
					logger.L().Warn("释放资源失败", slog.Any("error", err))
				}
			}()
			return a.run(ctx)
		},
	}
}
