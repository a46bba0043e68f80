package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"VaultOps/internal/deploy"
)

func newDeployCmd(opts *globalOptions) *cobra.Command {
	var (
		tags  []string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run the deployment steps selected by tag",
		Long: `Plans the deployment steps carrying any of --tags (all steps when none is
given), closes over their dependencies and runs them in order. Steps recorded as
executed are skipped unless forced. Each step's governance proposal is handed to
the executor selected by --proposal-mode.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, closeRuntime, err := openRuntime(cmd, opts)
			if err != nil {
				return err
			}
			defer closeRuntime()

			runner, err := rt.Runner(cmd.Context(), force)
			if err != nil {
				return err
			}
			reports, err := runner.Run(cmd.Context(), tags)
			if printErr := printJSON(cmd.OutOrStdout(), reports); printErr != nil && err == nil {
				err = printErr
			}
			return err
		},
	}
	cmd.Flags().StringSliceVarP(&tags, "tags", "t", nil, "按标签选择步骤，逗号分隔")
	cmd.Flags().BoolVar(&force, "force", false, "强制重新执行并重新部署所有步骤")
	cmd.AddCommand(newDeployPlanCmd())
	return cmd
}

func newDeployPlanCmd() *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the ordered step plan without touching the chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := deploy.DefaultRegistry()
			if err != nil {
				return err
			}
			plan, err := reg.Plan(tags)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tTAGS\tDEPENDENCIES")
			for _, step := range plan {
				fmt.Fprintf(w, "%s\t%s\t%s\n", step.ID, strings.Join(step.Tags, ","), strings.Join(step.Dependencies, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVarP(&tags, "tags", "t", nil, "按标签选择步骤，逗号分隔")
	return cmd
}
