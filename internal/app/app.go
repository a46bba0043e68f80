// Package app 根据配置组装 vaultctl 与 vaultopsd 共享的运行时：链客户端、
// 命名账户、部署记录仓库、编译产物、治理执行器与指标采集器。
package app

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"

	"VaultOps/internal/artifacts"
	"VaultOps/internal/config"
	"VaultOps/internal/contracts"
	"VaultOps/internal/deploy"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/governance"
	"VaultOps/internal/network"
	"VaultOps/internal/observability/metrics"
	"VaultOps/internal/ops"
	"VaultOps/internal/storage"
	storemysql "VaultOps/internal/storage/mysql"
	"VaultOps/internal/verify"
	"VaultOps/internal/web3"
	"VaultOps/internal/web3/provider"
	"VaultOps/pkg/logger"
)

// Runtime 持有一次进程生命周期内的共享依赖。
type Runtime struct {
	Config    *config.Config
	Network   network.Network
	Chains    *provider.Registry
	Client    web3.Client
	Node      web3.DevNode
	Accounts  network.Accounts
	Repo      storage.Repository
	Artifacts *artifacts.Store
	Metrics   *metrics.Collector

	log *slog.Logger
}

// Open 连接链节点、解析账户并打开部署记录仓库。
func Open(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少配置")
	}
	rt := &Runtime{
		Config:    cfg,
		Network:   network.New(cfg.Network, cfg.Verify.Enabled),
		Artifacts: artifacts.NewStore(cfg.Paths.Artifacts),
		Metrics:   metrics.NewCollector(),
		log:       logger.Named("app"),
	}

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化链客户端失败")
	}
	rt.Chains = chains
	client, err := chains.DefaultClient()
	if err != nil {
		chains.Close()
		return nil, err
	}
	rt.Client = client
	if node, ok := client.(web3.DevNode); ok {
		rt.Node = node
	}

	accounts, err := network.ResolveAccounts(ctx, rt.Network, cfg.Accounts, os.Getenv, client)
	if err != nil {
		chains.Close()
		return nil, err
	}
	rt.Accounts = accounts

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		chains.Close()
		return nil, err
	}
	rt.Repo = repo

	rt.log.Info("运行时已就绪",
		slog.String("network", rt.Network.String()),
		slog.String("deployments", cfg.Storage.Deployments.Driver),
	)
	return rt, nil
}

func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	switch cfg.Storage.Deployments.Driver {
	case "", "file":
		return storage.NewFileRepository(cfg.Paths.Deployments)
	case "mysql":
		return storemysql.NewDeploymentRepository(ctx, storemysql.Config{DSN: cfg.Storage.Deployments.DSN})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的部署记录驱动: %s", cfg.Storage.Deployments.Driver))
	}
}

// Close 释放链客户端与仓库。
func (r *Runtime) Close() error {
	var errs []error
	if r.Repo != nil {
		errs = append(errs, r.Repo.Close())
	}
	if r.Chains != nil {
		r.Chains.Close()
	}
	return stdErrors.Join(errs...)
}

// Deployments 返回绑定到当前网络的部署记录视图。
func (r *Runtime) Deployments() storage.Bound {
	return storage.Bind(r.Repo, r.Network.Name)
}

// Signer 返回命名账户的交易签名者。
func (r *Runtime) Signer(ctx context.Context, role network.Role) (contracts.Signer, error) {
	acc, err := r.Accounts.Get(role)
	if err != nil {
		return contracts.Signer{}, err
	}
	chainID := r.Network.ChainID
	if chainID == nil && !acc.Unlocked() {
		if chainID, err = r.Client.ChainID(ctx); err != nil {
			return contracts.Signer{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询链 ID 失败")
		}
	}
	return contracts.SignerFor(acc, chainID)
}

// Executor 按配置的提案模式构造治理执行器。Governor 合约尚未部署时 submit 模式不可用。
func (r *Runtime) Executor(ctx context.Context) (*governance.Executor, error) {
	mode, err := governance.ParseMode(r.Config.Deploy.ProposalMode)
	if err != nil {
		return nil, err
	}
	govSigner, err := r.Signer(ctx, network.RoleGovernor)
	if err != nil {
		return nil, err
	}
	exec := &governance.Executor{
		Mode:            mode,
		Network:         r.Network,
		Client:          r.Client,
		Node:            r.Node,
		GovernorAccount: govSigner.Address,
		GovernorSigner:  govSigner,
		OutputDir:       r.Config.Paths.Output,
	}
	if proposer, err := r.Signer(ctx, network.RoleProposer); err == nil {
		exec.Proposer = proposer
	}
	if addr, err := r.Deployments().AddressOf(ctx, "Governor"); err == nil {
		gov, err := governance.NewGovernor(r.Client, addr)
		if err != nil {
			return nil, err
		}
		exec.Governor = gov
	} else if !xerrors.HasCode(err, xerrors.CodeDeploymentNotFound) {
		return nil, err
	}
	return exec, nil
}

// DeployEnv 构造部署步骤运行环境。
func (r *Runtime) DeployEnv(ctx context.Context, force bool) (*deploy.Env, error) {
	deployer, err := r.Signer(ctx, network.RoleDeployer)
	if err != nil {
		return nil, err
	}
	governor, err := r.Signer(ctx, network.RoleGovernor)
	if err != nil {
		return nil, err
	}
	return &deploy.Env{
		Network:     r.Network,
		Client:      r.Client,
		Node:        r.Node,
		Accounts:    r.Accounts,
		Deployer:    deployer,
		Governor:    governor,
		Deployments: r.Deployments(),
		Artifacts:   r.Artifacts,
		Config:      r.Config.Deploy,
		Force:       force,
	}, nil
}

// Runner 构造带指标与浏览器验证的部署执行器。
func (r *Runtime) Runner(ctx context.Context, force bool) (*deploy.Runner, error) {
	env, err := r.DeployEnv(ctx, force)
	if err != nil {
		return nil, err
	}
	exec, err := r.Executor(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := deploy.DefaultRegistry()
	if err != nil {
		return nil, err
	}
	runner := deploy.NewRunner(reg, env, exec)
	runner.Observer = r.Metrics
	if r.Network.IsVerificationRequired() {
		verifier := verify.New(r.Config.Verify, r.Artifacts)
		verifier.Observer = r.Metrics
		runner.Verifier = verifier
	}
	return runner, nil
}

// Operations 构造注册了全部运维操作的注册表。
func (r *Runtime) Operations(ctx context.Context) (*ops.Registry, error) {
	exec, err := r.Executor(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := ops.NewDefaultRegistry(&ops.Env{
		Network:        r.Network,
		Client:         r.Client,
		Node:           r.Node,
		Accounts:       r.Accounts,
		Deployments:    r.Deployments(),
		Artifacts:      r.Artifacts,
		Executor:       exec,
		OutputDir:      r.Config.Paths.Output,
		ConfirmTimeout: r.Config.Deploy.ConfirmTimeout,
	})
	if err != nil {
		return nil, err
	}
	reg.SetObserver(r.Metrics)
	return reg, nil
}
