package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"TrustProof-Chain/internal/attestation"
)

type scoreOptions struct {
	attestations   string
	forcePartition bool
}

// newScoreCommand 在本地计算单个地址的信誉，不启动任何服务。
func newScoreCommand(c *cli) *cobra.Command {
	var opts scoreOptions
	cmd := &cobra.Command{
		Use:   "score <address>",
		Short: "计算地址的 EBSL 信誉分数",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address := args[0]
			if err := attestation.ValidateAddress(address); err != nil {
				return err
			}

			var src attestation.Source
			if opts.attestations != "" {
				src = attestation.NewFileSource(opts.attestations)
			} else {
				var err error
				if src, err = newSource(c.cfg.Attestations); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			list, err := src.Fetch(ctx, address)
			if err != nil {
				return err
			}
			result, err := newEngine(c.cfg.EBSL).ComputeReputation(ctx, address, list, opts.forcePartition)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&opts.attestations, "attestations", "", "从 JSON 文件读取证明，覆盖配置中的来源")
	cmd.Flags().BoolVar(&opts.forcePartition, "force-partition", false, "强制使用分区融合")
	return cmd
}
