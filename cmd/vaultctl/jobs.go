package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"VaultOps/sdk/go/vaultops"
)

type jobsOptions struct {
	server string
	token  string
}

func (o *jobsOptions) client() (*vaultops.Client, error) {
	return vaultops.NewClient(o.server, o.token, nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newJobsCmd() *cobra.Command {
	opts := &jobsOptions{}
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and inspect jobs on a running vaultopsd",
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", envOr("VAULTOPS_SERVER", "http://127.0.0.1:8080"), "vaultopsd 地址")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("VAULTOPS_TOKEN"), "API 令牌")
	cmd.AddCommand(
		newJobsSubmitCmd(opts),
		newJobsGetCmd(opts),
		newJobsListCmd(opts),
		newJobsStatsCmd(opts),
	)
	return cmd
}

func newJobsSubmitCmd(opts *jobsOptions) *cobra.Command {
	var (
		pairs      []string
		rawJSON    string
		id         string
		maxRetries int
		wait       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <operation>",
		Short: "Queue an operation; --wait polls until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(pairs, rawJSON)
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			job, err := client.SubmitJob(cmd.Context(), vaultops.JobRequest{
				ID:         id,
				Operation:  args[0],
				Params:     params,
				MaxRetries: maxRetries,
			})
			if err != nil {
				return err
			}
			if wait > 0 {
				ctx := cmd.Context()
				ctx, cancel := context.WithTimeout(ctx, wait)
				defer cancel()
				if job, err = client.WaitForJob(ctx, job.ID, time.Second); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringArrayVarP(&pairs, "param", "p", nil, "操作参数 key=value，可重复")
	cmd.Flags().StringVar(&rawJSON, "params", "", "以 JSON 对象给出的操作参数")
	cmd.Flags().StringVar(&id, "id", "", "作业 ID，重复提交同一 ID 是幂等的")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "最大尝试次数，默认使用服务端配置")
	cmd.Flags().DurationVar(&wait, "wait", 0, "等待作业结束的最长时间")
	return cmd
}

func newJobsGetCmd(opts *jobsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			job, err := client.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func newJobsListCmd(opts *jobsOptions) *cobra.Command {
	var list vaultops.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			jobs, err := client.ListJobs(cmd.Context(), list)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().StringSliceVar(&list.Statuses, "status", nil, "按状态过滤 (pending,running,succeeded,failed)")
	cmd.Flags().StringSliceVar(&list.Operations, "operation", nil, "按操作名过滤")
	cmd.Flags().IntVar(&list.Limit, "limit", 50, "返回条数")
	cmd.Flags().IntVar(&list.Offset, "offset", 0, "跳过条数")
	cmd.Flags().BoolVar(&list.Ascending, "asc", false, "按更新时间升序")
	return cmd
}

func newJobsStatsCmd(opts *jobsOptions) *cobra.Command {
	var list vaultops.ListOptions
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status and operation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			stats, err := client.JobStats(cmd.Context(), list)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().StringSliceVar(&list.Operations, "operation", nil, "按操作名过滤")
	return cmd
}
