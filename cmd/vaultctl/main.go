package main

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"VaultOps/internal/app"
	"VaultOps/internal/config"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/observability/metrics"
	"VaultOps/pkg/logger"
)

const defaultConfigPath = "configs/vaultops.json"

// globalOptions 对应根命令上的持久化参数，非空时覆盖配置文件。
type globalOptions struct {
	configPath   string
	network      string
	fork         bool
	proposalMode string
	logLevel     string
	logFormat    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

// formatError 输出 "[CODE] message"，未编码的错误按原样输出。
func formatError(err error) string {
	if code := xerrors.CodeOf(err); code != xerrors.CodeUnknown {
		return fmt.Sprintf("[%s] %v", code, err)
	}
	return "Error: " + err.Error()
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&globalOptions{})
}

func newRootCmdWith(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Deployment and operations tooling for the CASH vault",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "配置文件路径，默认读取 VAULTOPS_CONFIG 或 "+defaultConfigPath)
	flags.StringVarP(&opts.network, "network", "n", "", "目标网络，覆盖配置与 NETWORK")
	flags.BoolVar(&opts.fork, "fork", false, "RPC 端点为主网分叉节点")
	flags.StringVar(&opts.proposalMode, "proposal-mode", "", "提案执行方式: print/submit/impersonate/direct/governor")
	flags.StringVar(&opts.logLevel, "log-level", "", "日志级别 (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "日志格式 (json, text, console)")

	root.AddCommand(
		newDeployCmd(opts),
		newOpsCmd(opts),
		newGovernanceCmd(opts),
		newJobsCmd(),
	)
	return root
}

// loadConfig 读取配置文件并叠加命令行参数。显式指定的文件不存在时报错，
// 默认路径不存在时退回内置默认值。
func loadConfig(cmd *cobra.Command, opts *globalOptions) (*config.Config, error) {
	path := opts.configPath
	explicit := path != ""
	if !explicit {
		if env := os.Getenv("VAULTOPS_CONFIG"); env != "" {
			path, explicit = env, true
		} else {
			path = filepath.FromSlash(defaultConfigPath)
		}
	}

	var cfg *config.Config
	if _, err := os.Stat(path); err != nil && !explicit && stdErrors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载配置失败")
		}
		cfg = loaded
	}

	if opts.network != "" {
		cfg.Network.Name = opts.network
		cfg.Web3.DefaultChain = opts.network
	}
	if cmd.Flags().Changed("fork") {
		cfg.Network.Fork = opts.fork
	}
	if opts.proposalMode != "" {
		cfg.Deploy.ProposalMode = opts.proposalMode
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	} else if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openRuntime 加载配置、启动链路追踪并连接链节点。返回的 closer 需在命令结束时调用。
func openRuntime(cmd *cobra.Command, opts *globalOptions) (*app.Runtime, func(), error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, nil, err
	}
	ctx := cmd.Context()
	shutdown, err := metrics.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, err
	}
	rt, err := app.Open(ctx, cfg)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, nil, err
	}
	return rt, func() {
		_ = rt.Close()
		_ = shutdown(context.Background())
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
