package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/storage"
	"VaultOps/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ProxyContractType is the contract type of every governed proxy.
const ProxyContractType = "InitializeGovernedUpgradeabilityProxy"

// Deployed is the outcome of DeployWithConfirmation.
type Deployed struct {
	Record storage.Deployment
	// Reused 为 true 表示字节码与构造参数未变，沿用了已有部署。
	Reused bool
}

// Address returns the deployed address.
func (d Deployed) Address() common.Address { return d.Record.Address }

// bytecodeHash covers the creation code and the encoded constructor arguments.
func bytecodeHash(bytecode, encodedArgs []byte) common.Hash {
	return crypto.Keccak256Hash(bytecode, encodedArgs)
}

// DeployWithConfirmation 以 deployer 部署 contractType（为空时与 name 相同）并保存为 name。
// 已有记录且字节码哈希一致时直接复用，除非开启了 Force。
func (e *Env) DeployWithConfirmation(ctx context.Context, name string, args []any, contractType string) (Deployed, error) {
	if contractType == "" {
		contractType = name
	}
	if e.Artifacts == nil {
		return Deployed{}, xerrors.New(xerrors.CodeInitializationFailure, "部署环境缺少编译产物目录")
	}
	artifact, err := e.Artifacts.Get(contractType)
	if err != nil {
		return Deployed{}, err
	}
	bytecode, err := e.Artifacts.Bytecode(contractType)
	if err != nil {
		return Deployed{}, err
	}
	values, err := contracts.CoerceArgs(artifact.ABI.Constructor.Inputs, args)
	if err != nil {
		return Deployed{}, fmt.Errorf("部署 %s: %w", name, err)
	}
	encoded, err := artifact.ABI.Pack("", values...)
	if err != nil {
		return Deployed{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码 %s 构造参数失败", name))
	}
	hash := bytecodeHash(bytecode, encoded)

	log := e.log().With("deployment", name, "contract", contractType)
	if !e.Force {
		existing, err := e.Deployments.Get(ctx, name)
		switch {
		case err == nil && existing.BytecodeHash == hash:
			log.Info("字节码未变化, 复用已有部署", "address", existing.Address.Hex())
			return Deployed{Record: existing, Reused: true}, nil
		case err == nil:
			log.Info("字节码已变化, 重新部署", "previous", existing.Address.Hex())
		case !xerrors.HasCode(err, xerrors.CodeDeploymentNotFound):
			return Deployed{}, err
		}
	}

	result, err := contracts.Deploy(ctx, e.Client, e.Deployer, artifact.ABI, bytecode, values...)
	if err != nil {
		return Deployed{}, fmt.Errorf("部署 %s 失败: %w", name, err)
	}

	argsJSON, err := json.Marshal(result.Args)
	if err != nil {
		return Deployed{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化构造参数失败")
	}
	rawABI := artifact.RawABI
	if len(bytes.TrimSpace(rawABI)) == 0 {
		rawABI = nil
	}
	record := storage.Deployment{
		Name:         name,
		ContractType: contractType,
		Address:      result.Address,
		ABI:          rawABI,
		TxHash:       result.Receipt.TxHash,
		BlockNumber:  result.Receipt.BlockNumber.Uint64(),
		Args:         argsJSON,
		BytecodeHash: hash,
		DeployedAt:   e.now(),
	}
	if err := e.Deployments.Save(ctx, record); err != nil {
		return Deployed{}, err
	}
	record.Network = e.Deployments.Network
	e.recordDeployed(record)

	log.Info("合约已部署", "address", result.Address.Hex(), "tx", result.Receipt.TxHash.Hex())
	logger.Audit().Info("合约部署",
		"network", e.Network.Name,
		"deployment", name,
		"contract", contractType,
		"address", result.Address.Hex(),
		"tx", result.Receipt.TxHash.Hex(),
		"deployer", e.Deployer.Address.Hex())
	return Deployed{Record: record}, nil
}

// WithConfirmation waits for hash and fails when the transaction reverted.
func (e *Env) WithConfirmation(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := e.confirmContext(ctx)
	defer cancel()
	return contracts.WaitSuccess(ctx, e.Client, hash)
}

func (e *Env) confirmContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.Config.ConfirmTimeout > 0 {
		return context.WithTimeout(ctx, e.Config.ConfirmTimeout)
	}
	return context.WithCancel(ctx)
}

// Send calls signature on c from signer and waits for a successful receipt.
func (e *Env) Send(ctx context.Context, c *contracts.Contract, signer contracts.Signer, signature string, args ...any) (*types.Receipt, error) {
	ctx, cancel := e.confirmContext(ctx)
	defer cancel()
	receipt, err := c.Transact(ctx, signer, signature, args...)
	if err != nil {
		return nil, err
	}
	e.log().Info("交易已确认", "contract", c.Name, "method", signature, "tx", receipt.TxHash.Hex())
	return receipt, nil
}

// proxyType prefers a dedicated proxy artifact such as VaultProxy.
func (e *Env) proxyType(name string) string {
	if e.Artifacts != nil {
		if _, err := e.Artifacts.Bytecode(name); err == nil {
			return name
		}
	}
	return ProxyContractType
}

// ProxyOptions 描述一个治理代理及其实现合约。
type ProxyOptions struct {
	// Proxy is the deployment name of the proxy, e.g. DripperProxy.
	Proxy string
	// ProxyType defaults to the artifact named Proxy, else the generic governed proxy.
	ProxyType string
	// Implementation is the deployment name of the logic contract.
	Implementation string
	// ContractType defaults to Implementation.
	ContractType string
	ImplArgs     []any
	// InitSignature is called through the proxy after it is initialized. Empty skips the call.
	InitSignature string
	InitArgs      []any
}

// DeployProxy 按标准代理流程部署：
// 1. 部署实现合约与代理；2. 代理 initialize(impl, deployer, 0x)；
// 3. 经代理调用实现合约的初始化函数；4. transferGovernance(governor)。
// 代理复用已有部署时跳过初始化。返回按实现合约 ABI 绑定在代理地址上的合约。
func (e *Env) DeployProxy(ctx context.Context, opts ProxyOptions) (*contracts.Contract, error) {
	if opts.ContractType == "" {
		opts.ContractType = opts.Implementation
	}
	impl, err := e.DeployWithConfirmation(ctx, opts.Implementation, opts.ImplArgs, opts.ContractType)
	if err != nil {
		return nil, err
	}
	if opts.ProxyType == "" {
		opts.ProxyType = e.proxyType(opts.Proxy)
	}
	proxy, err := e.DeployWithConfirmation(ctx, opts.Proxy, nil, opts.ProxyType)
	if err != nil {
		return nil, err
	}
	bound, err := e.ContractAt(opts.ContractType, proxy.Address())
	if err != nil {
		return nil, err
	}
	bound.Name = opts.Proxy
	if proxy.Reused {
		e.log().Info("代理已存在, 跳过初始化", "proxy", opts.Proxy, "address", proxy.Address().Hex())
		return bound, nil
	}

	proxyContract, err := e.ContractAt(ProxyContractType, proxy.Address())
	if err != nil {
		return nil, err
	}
	proxyContract.Name = opts.Proxy
	if _, err := e.Send(ctx, proxyContract, e.Deployer, "initialize(address,address,bytes)", impl.Address(), e.DeployerAddr(), []byte{}); err != nil {
		return nil, err
	}
	if opts.InitSignature != "" {
		if _, err := e.Send(ctx, bound, e.Deployer, opts.InitSignature, opts.InitArgs...); err != nil {
			return nil, err
		}
	}
	if _, err := e.Send(ctx, bound, e.Deployer, "transferGovernance", e.GovernorAddr()); err != nil {
		return nil, err
	}
	return bound, nil
}
