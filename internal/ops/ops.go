// Package ops 实现金库运维操作：金库调参、账户资金、治理认领与提案执行。
// 每个操作都返回 Result，既可以由 vaultctl 直接调用，也可以作为 vaultopsd 的作业执行。
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"VaultOps/internal/artifacts"
	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/governance"
	"VaultOps/internal/network"
	"VaultOps/internal/storage"
	"VaultOps/internal/web3"
	"VaultOps/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Result is what every operation reports back.
type Result struct {
	Operation string         `json:"operation"`
	TxHashes  []common.Hash  `json:"tx_hashes,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
}

func newResult(name string) Result {
	return Result{Operation: name, Output: make(map[string]any)}
}

func (r *Result) addReceipt(receipt *types.Receipt) {
	if receipt != nil {
		r.TxHashes = append(r.TxHashes, receipt.TxHash)
	}
}

func (r *Result) addHashes(hashes ...common.Hash) {
	r.TxHashes = append(r.TxHashes, hashes...)
}

func (r *Result) set(key string, value any) {
	if r.Output == nil {
		r.Output = make(map[string]any)
	}
	r.Output[key] = value
}

// Env 是操作执行时的链上下文。
type Env struct {
	Network     network.Network
	Client      web3.Client
	Node        web3.DevNode
	Accounts    network.Accounts
	Deployments storage.Bound
	Artifacts   *artifacts.Store
	// Executor 负责 capital 等需要走治理流程的操作。
	Executor  *governance.Executor
	OutputDir string
	// ConfirmTimeout bounds each wait for a receipt. Zero waits as long as ctx allows.
	ConfirmTimeout time.Duration
	Now            func() time.Time
	Log            *slog.Logger
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Env) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logger.Named("ops")
}

func (e *Env) validate() error {
	switch {
	case e.Client == nil:
		return xerrors.New(xerrors.CodeInitializationFailure, "操作环境缺少链客户端")
	case e.Deployments.Repo == nil:
		return xerrors.New(xerrors.CodeInitializationFailure, "操作环境缺少部署记录仓库")
	}
	return nil
}

// Signer returns the transaction signer of a named account.
func (e *Env) Signer(ctx context.Context, role network.Role) (contracts.Signer, error) {
	acc, err := e.Accounts.Get(role)
	if err != nil {
		return contracts.Signer{}, err
	}
	chainID := e.Network.ChainID
	if chainID == nil && !acc.Unlocked() {
		if chainID, err = e.Client.ChainID(ctx); err != nil {
			return contracts.Signer{}, err
		}
	}
	return contracts.SignerFor(acc, chainID)
}

// Address returns the address of a named account.
func (e *Env) Address(role network.Role) (common.Address, error) {
	acc, err := e.Accounts.Get(role)
	if err != nil {
		return common.Address{}, err
	}
	return acc.Address, nil
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

// ContractAt binds the ABI of contractType to addr.
func (e *Env) ContractAt(contractType string, addr common.Address) (*contracts.Contract, error) {
	parsed, err := e.abiOf(contractType)
	if err != nil {
		return nil, err
	}
	return contracts.New(e.Client, contractType, contractType, addr, parsed), nil
}

func (e *Env) abiOf(contractType string) (abi.ABI, error) {
	if e.Artifacts != nil {
		return e.Artifacts.ABI(contractType)
	}
	return contracts.BuiltinABI(contractType)
}

// vault 绑定 VaultProxy。代理把未知调用转发到 VaultAdmin，读写方法分布在
// VaultCore 与 VaultAdmin 两个实现上，因此绑定两者合并后的接口。
func (e *Env) vault(ctx context.Context) (*contracts.Contract, error) {
	rec, err := e.Deployments.Get(ctx, "VaultProxy")
	if err != nil {
		return nil, err
	}
	parsed, err := e.vaultABI()
	if err != nil {
		return nil, err
	}
	return contracts.New(e.Client, "VaultProxy", "VaultAdmin", rec.Address, parsed), nil
}

func (e *Env) vaultABI() (abi.ABI, error) {
	admin, err := e.abiOf("VaultAdmin")
	if err != nil {
		return abi.ABI{}, err
	}
	core, err := e.abiOf("VaultCore")
	if err != nil {
		return abi.ABI{}, err
	}
	return contracts.MergeABI(admin, core), nil
}

func (e *Env) confirmContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.ConfirmTimeout > 0 {
		return context.WithTimeout(ctx, e.ConfirmTimeout)
	}
	return context.WithCancel(ctx)
}

// send 调用合约方法并把交易哈希记入结果。
func (e *Env) send(ctx context.Context, res *Result, c *contracts.Contract, signer contracts.Signer, signature string, args ...any) error {
	ctx, cancel := e.confirmContext(ctx)
	defer cancel()
	receipt, err := c.Transact(ctx, signer, signature, args...)
	if err != nil {
		return err
	}
	res.addReceipt(receipt)
	e.log().Info("交易已确认", "operation", res.Operation, "contract", c.Name, "method", signature, "tx", receipt.TxHash.Hex())
	return nil
}

// impersonate 在分叉节点上冒充 account，返回结束冒充的函数。
func (e *Env) impersonate(ctx context.Context, account common.Address) (func(), error) {
	if e.Node == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "冒充账户需要开发节点")
	}
	if err := e.Node.ImpersonateAccount(ctx, account); err != nil {
		return nil, err
	}
	return func() {
		if err := e.Node.StopImpersonatingAccount(context.WithoutCancel(ctx), account); err != nil {
			e.log().Warn("停止冒充账户失败", "account", account.Hex(), "error", err)
		}
	}, nil
}

// Operation 描述一个可按名称调用的运维操作。
type Operation struct {
	Name        string
	Description string
	// Params lists the accepted parameter names; a trailing "?" marks optional ones.
	Params []string
	// Restrict rejects networks the operation must never run on.
	Restrict func(net network.Network) error
	Run      func(ctx context.Context, env *Env, p Params) (Result, error)
}

// Descriptor is the public description of an operation.
type Descriptor struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Params      []string `json:"params,omitempty"`
}

// Observer receives per-operation outcomes, typically a metrics recorder.
type Observer interface {
	ObserveOperation(name, status string, duration time.Duration)
}

// TxObserver is optionally implemented by an Observer to count sent transactions.
type TxObserver interface {
	ObserveTransactions(operation string, count int)
}

// Registry 按名称索引操作，并在执行前检查网络限制。
type Registry struct {
	env      *Env
	ops      map[string]Operation
	observer Observer
	tracer   trace.Tracer
}

// NewRegistry indexes ops. Duplicate names are a CONFLICT.
func NewRegistry(env *Env, ops ...Operation) (*Registry, error) {
	if env == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作注册表缺少执行环境")
	}
	r := &Registry{
		env:    env,
		ops:    make(map[string]Operation, len(ops)),
		tracer: otel.Tracer("VaultOps/internal/ops"),
	}
	for _, op := range ops {
		if op.Name == "" || op.Run == nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("操作 %q 缺少名称或执行函数", op.Name))
		}
		if _, dup := r.ops[op.Name]; dup {
			return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("操作 %s 重复注册", op.Name))
		}
		r.ops[op.Name] = op
	}
	return r, nil
}

// SetObserver installs an outcome observer.
func (r *Registry) SetObserver(o Observer) { r.observer = o }

// Network returns the name of the network the registry operates on.
func (r *Registry) Network() string { return r.env.Network.Name }

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.ops[name]
	return ok
}

// Operations lists the registered operations sorted by name.
func (r *Registry) Operations() []Descriptor {
	out := make([]Descriptor, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, Descriptor{Name: op.Name, Description: op.Description, Params: append([]string(nil), op.Params...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute 执行名为 name 的操作。未知操作返回 NOT_FOUND，受限网络返回 NETWORK_FORBIDDEN。
func (r *Registry) Execute(ctx context.Context, name string, params Params) (res Result, err error) {
	name = strings.TrimSpace(name)
	op, ok := r.ops[name]
	if !ok {
		return Result{Operation: name}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知的操作: %s", name),
			xerrors.WithMetadata("operation", name))
	}
	net := r.env.Network
	if op.Restrict != nil {
		if err := op.Restrict(net); err != nil {
			r.observe(name, "forbidden", 0)
			return Result{Operation: name}, err
		}
	}
	if err := r.env.validate(); err != nil {
		return Result{Operation: name}, err
	}
	if params == nil {
		params = Params{}
	}

	ctx, span := r.tracer.Start(ctx, "ops."+name, trace.WithAttributes(
		attribute.String("ops.operation", name),
		attribute.String("ops.network", net.Name),
	))
	log := r.env.log().With("operation", name, "network", net.Name)
	started := time.Now()
	defer func() {
		status := "succeeded"
		if err != nil {
			status = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("操作失败", "code", xerrors.CodeOf(err), "error", err)
		}
		span.End()
		r.observe(name, status, time.Since(started))
	}()

	log.Info("执行操作", "params", params.keys())
	res, err = op.Run(ctx, r.env, params)
	if res.Operation == "" {
		res.Operation = name
	}
	if err != nil {
		return res, err
	}
	logger.Audit().Info("运维操作完成", "operation", name, "network", net.Name, "txs", len(res.TxHashes))
	if txo, ok := r.observer.(TxObserver); ok && len(res.TxHashes) > 0 {
		txo.ObserveTransactions(name, len(res.TxHashes))
	}
	return res, nil
}

func (r *Registry) observe(name, status string, d time.Duration) {
	if r.observer != nil {
		r.observer.ObserveOperation(name, status, d)
	}
}

// forbidden builds the NETWORK_FORBIDDEN error for op on net.
func forbidden(op string, net network.Network, reason string) error {
	return xerrors.New(xerrors.CodeNetworkForbidden,
		fmt.Sprintf("操作 %s 不能在网络 %s 上执行: %s", op, net.String(), reason),
		xerrors.WithMetadata("operation", op),
		xerrors.WithMetadata("network", net.Name))
}

// notOnLiveNetworks refuses mainnet and rinkeby. A mainnet fork is allowed.
func notOnLiveNetworks(op string) func(network.Network) error {
	return func(net network.Network) error {
		if net.IsMainnetButNotFork() || net.IsRinkeby() {
			return forbidden(op, net, "不能用于主网或 Rinkeby")
		}
		return nil
	}
}

// localOrFork only admits dev chains and forks.
func localOrFork(op string) func(network.Network) error {
	return func(net network.Network) error {
		if !net.IsLocalOrFork() {
			return forbidden(op, net, "只能用于本地链或分叉")
		}
		return nil
	}
}

// forkOnly only admits forks.
func forkOnly(op string) func(network.Network) error {
	return func(net network.Network) error {
		if !net.IsFork() {
			return forbidden(op, net, "只能用于分叉")
		}
		return nil
	}
}

// DefaultOperations returns every built-in operation.
func DefaultOperations() []Operation {
	var all []Operation
	all = append(all, vaultOperations()...)
	all = append(all, accountOperations()...)
	all = append(all, governanceOperations()...)
	all = append(all, oracleOperations()...)
	all = append(all, debugOperation(), watchOperation())
	return all
}

// NewDefaultRegistry wires every built-in operation onto env.
func NewDefaultRegistry(env *Env) (*Registry, error) {
	return NewRegistry(env, DefaultOperations()...)
}
