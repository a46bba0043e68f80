package main

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/ops"
	"VaultOps/internal/weights"
)

func newGovernanceCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "governance",
		Aliases: []string{"gov"},
		Short:   "Governance proposal helpers",
	}
	cmd.AddCommand(newPreviewCmd(opts), newWeightsCmd(opts))
	return cmd
}

func newPreviewCmd(opts *globalOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Encode Governor.propose arguments for a proposal file without sending",
		Long: `Reads a JSON document {"description": "...", "governor": "0x...", "actions":
[{"contract": "VaultProxy", "contract_type": "VaultAdmin", "signature":
"setRebaseThreshold(uint256)", "args": ["1000"]}]} and prints the targets,
signatures and calldatas the governor would receive.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取提案文件失败")
			}
			var req ops.PreviewRequest
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.UseNumber()
			if err := dec.Decode(&req); err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析提案文件失败")
			}

			rt, closeRuntime, err := openRuntime(cmd, opts)
			if err != nil {
				return err
			}
			defer closeRuntime()
			reg, err := rt.Operations(cmd.Context())
			if err != nil {
				return err
			}
			doc, err := reg.PreviewProposal(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), doc)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "提案 JSON 文件")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newWeightsCmd(opts *globalOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Validate and print a strategy weights file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				cfg, err := loadConfig(cmd, opts)
				if err != nil {
					return err
				}
				file = cfg.Deploy.WeightsFile
			}
			list, err := weights.Load(file)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(map[string]any{"strategies": list})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "权重 YAML 文件，默认使用 deploy.weights_file")
	return cmd
}
