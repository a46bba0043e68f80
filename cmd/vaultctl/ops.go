package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/ops"
)

func newOpsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Run vault, account and governance tasks",
	}
	cmd.AddCommand(newOpsListCmd(), newOpsRunCmd(opts))
	return cmd
}

func newOpsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the built-in operations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list := ops.DefaultOperations()
			sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "OPERATION\tPARAMS\tDESCRIPTION")
			for _, op := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\n", op.Name, strings.Join(op.Params, ","), op.Description)
			}
			return w.Flush()
		},
	}
}

func newOpsRunCmd(opts *globalOptions) *cobra.Command {
	var (
		pairs   []string
		rawJSON string
	)
	cmd := &cobra.Command{
		Use:   "run <operation>",
		Short: "Execute one operation against the configured network",
		Example: `  vaultctl ops run rebase
  vaultctl ops run fund -p amount=1000 -p account=0xabc...
  vaultctl ops run reallocate --params '{"from":"AaveStrategyProxy","to":"CompoundStrategyProxy","assets":"USDC","amounts":"100"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(pairs, rawJSON)
			if err != nil {
				return err
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
			result, err := reg.Execute(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringArrayVarP(&pairs, "param", "p", nil, "操作参数 key=value，可重复")
	cmd.Flags().StringVar(&rawJSON, "params", "", "以 JSON 对象给出的操作参数，与 --param 合并")
	return cmd
}

// parseParams 合并 JSON 参数与 key=value 参数，后者优先。
func parseParams(pairs []string, rawJSON string) (ops.Params, error) {
	params := ops.Params{}
	if strings.TrimSpace(rawJSON) != "" {
		dec := json.NewDecoder(bytes.NewReader([]byte(rawJSON)))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "--params 不是合法的 JSON 对象")
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数格式应为 key=value: %q", pair))
		}
		params[key] = strings.TrimSpace(value)
	}
	return params, nil
}
