package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"VaultOps/internal/addresses"
	"VaultOps/internal/artifacts"
	"VaultOps/internal/config"
	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/network"
	"VaultOps/internal/storage"
	"VaultOps/internal/web3"
	"VaultOps/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Env 是部署步骤运行时可用的全部上下文：网络、链客户端、命名账户、
// 部署记录与编译产物。
type Env struct {
	Network  network.Network
	Client   web3.Client
	Node     web3.DevNode
	Accounts network.Accounts
	Deployer contracts.Signer
	Governor contracts.Signer

	Deployments storage.Bound
	Artifacts   *artifacts.Store
	Config      config.DeployConfig
	// Force 对所有步骤强制重新执行并重新部署。
	Force bool
	Now   func() time.Time
	Log   *slog.Logger

	mu       sync.Mutex
	assets   *addresses.Set
	oracles  *addresses.Set
	deployed []storage.Deployment
	step     string
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Env) log() *slog.Logger {
	base := e.Log
	if base == nil {
		base = logger.Named("deploy")
	}
	if e.step != "" {
		return base.With("step", e.step)
	}
	return base
}

// GovernorAddr returns the governor account address.
func (e *Env) GovernorAddr() common.Address { return e.Governor.Address }

// DeployerAddr returns the deployer account address.
func (e *Env) DeployerAddr() common.Address { return e.Deployer.Address }

// Assets 懒加载当前网络的资产地址集合。
func (e *Env) Assets(ctx context.Context) (addresses.Set, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.assets != nil {
		return *e.assets, nil
	}
	set, err := addresses.AssetAddresses(ctx, e.Network, e.Deployments)
	if err != nil {
		return addresses.Set{}, err
	}
	e.assets = &set
	return set, nil
}

// Oracles 懒加载当前网络的价格源地址集合。
func (e *Env) Oracles(ctx context.Context) (addresses.Set, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.oracles != nil {
		return *e.oracles, nil
	}
	set, err := addresses.OracleAddresses(ctx, e.Network, e.Deployments)
	if err != nil {
		return addresses.Set{}, err
	}
	e.oracles = &set
	return set, nil
}

// ContractAt binds the ABI of contractType to addr.
func (e *Env) ContractAt(contractType string, addr common.Address) (*contracts.Contract, error) {
	parsed, err := e.abiOf(contractType)
	if err != nil {
		return nil, err
	}
	return contracts.New(e.Client, contractType, contractType, addr, parsed), nil
}

// Contract 按部署名称取地址，并按 contractType 绑定 ABI；contractType 为空时使用记录中的类型。
func (e *Env) Contract(ctx context.Context, name, contractType string) (*contracts.Contract, error) {
	rec, err := e.Deployments.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if contractType == "" {
		contractType = rec.ContractType
	}
	parsed, err := e.abiOf(contractType)
	if err != nil {
		return nil, err
	}
	return contracts.New(e.Client, name, contractType, rec.Address, parsed), nil
}

// Vault binds VaultProxy with the merged VaultAdmin and VaultCore interface.
func (e *Env) Vault(ctx context.Context) (*contracts.Contract, error) {
	rec, err := e.Deployments.Get(ctx, "VaultProxy")
	if err != nil {
		return nil, err
	}
	admin, err := e.abiOf("VaultAdmin")
	if err != nil {
		return nil, err
	}
	core, err := e.abiOf("VaultCore")
	if err != nil {
		return nil, err
	}
	return contracts.New(e.Client, "VaultProxy", "VaultAdmin", rec.Address, contracts.MergeABI(admin, core)), nil
}

func (e *Env) abiOf(contractType string) (abi.ABI, error) {
	if e.Artifacts != nil {
		return e.Artifacts.ABI(contractType)
	}
	return contracts.BuiltinABI(contractType)
}

// Deployed reports whether a record named name exists.
func (e *Env) Deployed(ctx context.Context, name string) (bool, error) {
	_, err := e.Deployments.Get(ctx, name)
	if err == nil {
		return true, nil
	}
	if xerrors.HasCode(err, xerrors.CodeDeploymentNotFound) {
		return false, nil
	}
	return false, err
}

// Require 要求给定部署均已存在。测试网络上缺失时返回 SkipError，其余网络返回原错误。
func (e *Env) Require(ctx context.Context, names ...string) error {
	for _, name := range names {
		ok, err := e.Deployed(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if e.Network.IsTestNetwork() {
			return Skipf("缺少部署 %s", name)
		}
		return storage.NotFound(e.Network.Name, name)
	}
	return nil
}

// Optional 返回资产地址，缺失时记录警告并返回 false。仅用于开发链上可以省略的动作。
func (e *Env) Optional(set addresses.Set, key string) (common.Address, bool) {
	addr, err := set.Get(key)
	if err != nil {
		e.log().Warn("地址缺失, 跳过相关动作", "key", key, "network", e.Network.Name)
		return common.Address{}, false
	}
	return addr, true
}

func (e *Env) recordDeployed(d storage.Deployment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deployed = append(e.deployed, d)
}

// NewDeployments returns the records deployed since the env was created.
func (e *Env) NewDeployments() []storage.Deployment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]storage.Deployment(nil), e.deployed...)
}

func (e *Env) enter(step string) func() {
	e.step = step
	return func() { e.step = "" }
}

func (e *Env) validate() error {
	switch {
	case e.Client == nil:
		return xerrors.New(xerrors.CodeInitializationFailure, "部署环境缺少链客户端")
	case e.Deployments.Repo == nil:
		return xerrors.New(xerrors.CodeInitializationFailure, "部署环境缺少部署记录仓库")
	case e.Deployer.Address == (common.Address{}):
		return xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("网络 %s 缺少 deployer 账户", e.Network.Name))
	case e.Governor.Address == (common.Address{}):
		return xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("网络 %s 缺少 governor 账户", e.Network.Name))
	}
	return nil
}
