package ops

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"VaultOps/internal/addresses"
	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/governance"
	"VaultOps/internal/network"
	"VaultOps/internal/units"

	"github.com/ethereum/go-ethereum/common"
)

// cashDecimals is the precision of CASH and of the vault's USD valuations.
const cashDecimals = 18

// forkGas is given to impersonated accounts on a fork, in wei (100 native).
var forkGas = new(big.Int).Mul(big.NewInt(100), big.NewInt(1_000_000_000_000_000_000))

// call 描述一个无参数、由命名账户直接发送的合约调用。
type call struct {
	name        string
	description string
	deployment  string
	contract    string
	role        network.Role
	signature   string
}

func (c call) operation() Operation {
	return Operation{
		Name:        c.name,
		Description: c.description,
		Run: func(ctx context.Context, env *Env, _ Params) (Result, error) {
			res := newResult(c.name)
			target, err := env.Contract(ctx, c.deployment, c.contract)
			if err != nil {
				return res, err
			}
			signer, err := env.Signer(ctx, c.role)
			if err != nil {
				return res, err
			}
			if err := env.send(ctx, &res, target, signer, c.signature); err != nil {
				return res, err
			}
			res.set("contract", target.Address.Hex())
			return res, nil
		},
	}
}

func vaultOperations() []Operation {
	ops := []Operation{
		call{"allocate", "将金库中的资产分配到策略", "VaultProxy", "VaultCore", network.RoleDeployer, "allocate"}.operation(),
		call{"rebalance", "按策略权重重新平衡金库", "VaultProxy", "VaultCore", network.RoleGovernor, "balance"}.operation(),
		call{"rebase", "触发 CASH rebase", "VaultProxy", "VaultCore", network.RoleDeployer, "rebase"}.operation(),
		call{"payout", "收取收益并分配", "VaultProxy", "VaultCore", network.RoleGovernor, "payout"}.operation(),
		call{"collect-and-rebase", "Dripper 收取收益并 rebase", "DripperProxy", "Dripper", network.RoleGovernor, "collectAndRebase"}.operation(),
	}
	harvest := call{"harvest", "Harvester 收割全部策略奖励", "HarvesterProxy", "Harvester", network.RoleGovernor, "harvest"}.operation()
	harvest.Restrict = notOnLiveNetworks("harvest")

	return append(ops, []Operation{
		harvest,
		{
			Name:        "harvest-support-strategy",
			Description: "将策略加入 Harvester 支持列表",
			Params:      []string{"strategy"},
			Restrict:    notOnLiveNetworks("harvest-support-strategy"),
			Run:         runHarvestSupportStrategy,
		},
		{
			Name:        "remove-strategy",
			Description: "从 Harvester 与金库中移除策略",
			Params:      []string{"strategy"},
			Restrict:    notOnLiveNetworks("remove-strategy"),
			Run:         runRemoveStrategy,
		},
		{
			Name:        "capital",
			Description: "暂停或恢复金库存款, 经治理执行器落地",
			Params:      []string{"pause"},
			Run:         runCapital,
		},
		{
			Name:        "reallocate",
			Description: "在两个策略之间迁移资产",
			Params:      []string{"from", "to", "assets", "amounts"},
			Restrict:    notOnLiveNetworks("reallocate"),
			Run:         runReallocate,
		},
		{
			Name:        "yield",
			Description: "向金库转入 100000 USDT 模拟收益",
			Params:      []string{"amount?"},
			Restrict:    localOrFork("yield"),
			Run:         runYield,
		},
		{
			Name:        "set-max-supply-diff",
			Description: "设置 maxSupplyDiff",
			Params:      []string{"value"},
			Run:         governedSetter("set-max-supply-diff", "setMaxSupplyDiff(uint256)"),
		},
		{
			Name:        "set-mint-fee-bps",
			Description: "设置铸造费率 (bps)",
			Params:      []string{"value"},
			Run:         governedSetter("set-mint-fee-bps", "setMintFeeBps(uint256)"),
		},
		{
			Name:        "set-redeem-fee-bps",
			Description: "设置赎回费率 (bps)",
			Params:      []string{"value"},
			Run:         governedSetter("set-redeem-fee-bps", "setRedeemFeeBps(uint256)"),
		},
		{
			Name:        "set-quick-deposit-strategy",
			Description: "将已批准的策略设为快速存款策略",
			Params:      []string{"strategy"},
			Run:         runSetQuickDepositStrategy,
		},
		{
			Name:        "set-fee-collectors",
			Description: "设置 Labs/Team/Treasury 收款地址",
			Params:      []string{"labs", "team", "treasury"},
			Run:         runSetFeeCollectors,
		},
		{
			Name:        "set-performance-fee",
			Description: "设置 Labs 与 Team 的收益分成 (bps)",
			Params:      []string{"labsbps", "teambps"},
			Run:         runSetPerformanceFee,
		},
		{
			Name:        "withdraw-all-from-strategy",
			Description: "将策略中的全部资产撤回金库",
			Params:      []string{"strategy"},
			Run:         runWithdrawAllFromStrategy,
		},
		{
			Name:        "withdraw-from-strategy",
			Description: "从策略撤回指定数量的资产",
			Params:      []string{"strategy", "amount"},
			Run:         runWithdrawFromStrategy,
		},
	}...)
}

func runHarvestSupportStrategy(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("harvest-support-strategy")
	strategy, err := p.Address("strategy")
	if err != nil {
		return res, err
	}
	harvester, err := env.Contract(ctx, "HarvesterProxy", "Harvester")
	if err != nil {
		return res, err
	}
	gov, err := env.Signer(ctx, network.RoleGovernor)
	if err != nil {
		return res, err
	}
	if err := env.send(ctx, &res, harvester, gov, "setSupportedStrategy(address,bool)", strategy, true); err != nil {
		return res, err
	}
	res.set("strategy", strategy.Hex())
	return res, nil
}

func runRemoveStrategy(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("remove-strategy")
	strategy, err := p.Address("strategy")
	if err != nil {
		return res, err
	}
	harvester, err := env.Contract(ctx, "HarvesterProxy", "Harvester")
	if err != nil {
		return res, err
	}
	vault, err := env.vault(ctx)
	if err != nil {
		return res, err
	}
	gov, err := env.Signer(ctx, network.RoleGovernor)
	if err != nil {
		return res, err
	}
	if err := env.send(ctx, &res, harvester, gov, "setSupportedStrategy(address,bool)", strategy, false); err != nil {
		return res, err
	}
	if err := env.send(ctx, &res, vault, gov, "removeStrategy(address)", strategy); err != nil {
		return res, err
	}
	res.set("strategy", strategy.Hex())
	return res, nil
}

// runCapital 主网打印多签提案，分叉上走模拟治理流程，其余网络由 governor 直接发送。
func runCapital(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("capital")
	pause, err := p.StrictBool("pause")
	if err != nil {
		return res, err
	}
	if env.Executor == nil {
		return res, xerrors.New(xerrors.CodeInitializationFailure, "capital 操作需要治理执行器")
	}
	vault, err := env.vault(ctx)
	if err != nil {
		return res, err
	}
	name, sig := "Call unpauseCapital", "unpauseCapital()"
	if pause {
		name, sig = "Call pauseCapital", "pauseCapital()"
	}
	env.log().Info("设置金库 capitalPaused", "pause", pause)
	outcome, err := env.Executor.Execute(ctx, &governance.Proposal{
		Name:    name,
		Actions: []governance.Action{{Contract: vault, Signature: sig}},
	})
	res.addHashes(outcome.TxHashes...)
	res.set("pause", pause)
	res.set("mode", string(outcome.Mode))
	if outcome.File != "" {
		res.set("file", outcome.File)
	}
	if outcome.Document != nil {
		res.set("proposal", outcome.Document)
	}
	return res, err
}

// governorFor 返回治理调用的签名者。分叉上冒充 vault.governor()，其余网络使用配置的 governor。
func governorFor(ctx context.Context, env *Env, governed *contracts.Contract) (contracts.Signer, func(), error) {
	if env.Network.IsFork() && env.Node != nil {
		current, err := governed.CallAddress(ctx, "governor")
		if err != nil {
			return contracts.Signer{}, nil, err
		}
		stop, err := env.impersonate(ctx, current)
		if err != nil {
			return contracts.Signer{}, nil, err
		}
		if err := topUp(ctx, env, current); err != nil {
			stop()
			return contracts.Signer{}, nil, err
		}
		return contracts.UnlockedSigner(current), stop, nil
	}
	signer, err := env.Signer(ctx, network.RoleGovernor)
	return signer, func() {}, err
}

// topUp funds an impersonated account that cannot pay for gas.
func topUp(ctx context.Context, env *Env, account common.Address) error {
	balance, err := env.Client.BalanceAt(ctx, account)
	if err != nil {
		return err
	}
	if balance.Sign() > 0 {
		return nil
	}
	return env.Node.SetBalance(ctx, account, forkGas)
}

func governedSetter(name, signature string) func(context.Context, *Env, Params) (Result, error) {
	return func(ctx context.Context, env *Env, p Params) (Result, error) {
		res := newResult(name)
		value, err := p.BigInt("value")
		if err != nil {
			return res, err
		}
		vault, err := env.vault(ctx)
		if err != nil {
			return res, err
		}
		signer, stop, err := governorFor(ctx, env, vault)
		if err != nil {
			return res, err
		}
		defer stop()
		if err := env.send(ctx, &res, vault, signer, signature, value); err != nil {
			return res, err
		}
		res.set("value", value.String())
		return res, nil
	}
}

func runSetQuickDepositStrategy(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("set-quick-deposit-strategy")
	strategy, err := p.Address("strategy")
	if err != nil {
		return res, err
	}
	vault, err := env.vault(ctx)
	if err != nil {
		return res, err
	}
	all, err := vault.CallAddresses(ctx, "getAllStrategies")
	if err != nil {
		return res, err
	}
	res.set("strategy", strategy.Hex())
	if !containsAddress(all, strategy) {
		env.log().Warn("策略未被金库批准, 不做修改", "strategy", strategy.Hex())
		res.set("approved", false)
		return res, nil
	}
	res.set("approved", true)
	gov, err := env.Signer(ctx, network.RoleGovernor)
	if err != nil {
		return res, err
	}
	return res, env.send(ctx, &res, vault, gov, "setQuickDepositStrategies(address[])", []common.Address{strategy})
}

func runSetFeeCollectors(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("set-fee-collectors")
	collectors := make([]common.Address, 0, 3)
	for _, key := range []string{"labs", "team", "treasury"} {
		addr, err := p.Address(key)
		if err != nil {
			return res, err
		}
		collectors = append(collectors, addr)
		res.set(key, addr.Hex())
	}
	vault, err := env.vault(ctx)
	if err != nil {
		return res, err
	}
	gov, err := env.Signer(ctx, network.RoleGovernor)
	if err != nil {
		return res, err
	}
	return res, env.send(ctx, &res, vault, gov, "setFeeParams(address,address,address)", collectors[0], collectors[1], collectors[2])
}

func runSetPerformanceFee(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("set-performance-fee")
	labs, err := p.BigInt("labsbps")
	if err != nil {
		return res, err
	}
	team, err := p.BigInt("teambps")
	if err != nil {
		return res, err
	}
	vault, err := env.vault(ctx)
	if err != nil {
		return res, err
	}
	gov, err := env.Signer(ctx, network.RoleGovernor)
	if err != nil {
		return res, err
	}
	res.set("labs_percent", units.Format(labs, 2))
	res.set("team_percent", units.Format(team, 2))
	return res, env.send(ctx, &res, vault, gov, "setHarvesterFeeParams(uint256,uint256)", labs, team)
}

func runWithdrawAllFromStrategy(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("withdraw-all-from-strategy")
	strategy, err := p.Address("strategy")
	if err != nil {
		return res, err
	}
	vault, err := env.Contract(ctx, "VaultProxy", "VaultCore")
	if err != nil {
		return res, err
	}
	gov, err := env.Signer(ctx, network.RoleGovernor)
	if err != nil {
		return res, err
	}
	res.set("strategy", strategy.Hex())
	return res, env.send(ctx, &res, vault, gov, "withdrawAllFromStrategy(address)", strategy)
}

func runWithdrawFromStrategy(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("withdraw-from-strategy")
	strategy, err := p.Address("strategy")
	if err != nil {
		return res, err
	}
	amount, err := p.BigInt("amount")
	if err != nil {
		return res, err
	}
	vault, err := env.Contract(ctx, "VaultProxy", "VaultCore")
	if err != nil {
		return res, err
	}
	gov, err := env.Signer(ctx, network.RoleGovernor)
	if err != nil {
		return res, err
	}
	res.set("strategy", strategy.Hex())
	res.set("amount", amount.String())
	return res, env.send(ctx, &res, vault, gov, "withdrawFromStrategy(address,uint256)", strategy, amount)
}

// stable 是 reallocate 关心的稳定币。
type stable struct {
	symbol   string
	address  common.Address
	decimals int
}

func stables(ctx context.Context, env *Env) ([]stable, error) {
	set, err := addresses.AssetAddresses(ctx, env.Network, env.Deployments)
	if err != nil {
		return nil, err
	}
	out := make([]stable, 0, 3)
	for _, symbol := range []string{"DAI", "USDC", "USDT"} {
		addr, err := set.Get(symbol)
		if err != nil {
			return nil, err
		}
		decimals, err := units.DecimalsOf(symbol)
		if err != nil {
			return nil, err
		}
		out = append(out, stable{symbol: symbol, address: addr, decimals: decimals})
	}
	return out, nil
}

// runReallocate 只迁移参数中列出、且两个策略都支持的资产；迁移前后记录策略余额与金库总值。
func runReallocate(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("reallocate")
	from, err := p.Address("from")
	if err != nil {
		return res, err
	}
	to, err := p.Address("to")
	if err != nil {
		return res, err
	}
	wanted, err := p.Addresses("assets")
	if err != nil {
		return res, err
	}
	amounts := p.List("amounts")

	all, err := stables(ctx, env)
	if err != nil {
		return res, err
	}
	var assets []stable
	for _, a := range all {
		if containsAddress(wanted, a.address) {
			assets = append(assets, a)
		}
	}
	if len(assets) == 0 {
		return res, invalidParam("assets", "没有可迁移的资产")
	}
	if len(amounts) != len(assets) {
		return res, invalidParam("amounts", "需要 %d 个数量, 得到 %d 个", len(assets), len(amounts))
	}
	values := make([]*big.Int, len(amounts))
	for i, s := range amounts {
		v, ok := parseUint(strings.TrimSpace(s))
		if !ok {
			return res, invalidParam("amounts", "数量无效: %s", s)
		}
		values[i] = v
	}

	fromStrategy, err := env.ContractAt("IStrategy", from)
	if err != nil {
		return res, err
	}
	toStrategy, err := env.ContractAt("IStrategy", to)
	if err != nil {
		return res, err
	}
	for _, a := range assets {
		for _, s := range []*contracts.Contract{fromStrategy, toStrategy} {
			ok, err := s.CallBool(ctx, "supportsAsset", a.address)
			if err != nil {
				return res, err
			}
			if !ok {
				return res, xerrors.New(xerrors.CodeInvalidArgument,
					fmt.Sprintf("策略 %s 不支持资产 %s", s.Address.Hex(), a.symbol))
			}
		}
	}

	vault, err := env.Contract(ctx, "VaultProxy", "VaultCore")
	if err != nil {
		return res, err
	}
	before, err := snapshot(ctx, vault, fromStrategy, toStrategy, all)
	if err != nil {
		return res, err
	}
	res.set("before", before)

	signer, err := env.Signer(ctx, network.RoleStrategist)
	if err != nil {
		return res, err
	}
	if env.Network.IsFork() {
		if env.Node == nil {
			return res, xerrors.New(xerrors.CodeInvalidArgument, "分叉上执行 reallocate 需要开发节点")
		}
		if err := env.Node.SetBalance(ctx, signer.Address, forkGas); err != nil {
			return res, err
		}
		stop, err := env.impersonate(ctx, signer.Address)
		if err != nil {
			return res, err
		}
		defer stop()
		signer = contracts.UnlockedSigner(signer.Address)
	}

	addrs := make([]common.Address, len(assets))
	for i, a := range assets {
		addrs[i] = a.address
	}
	if err := env.send(ctx, &res, vault, signer, "reallocate", from, to, addrs, values); err != nil {
		return res, err
	}
	after, err := snapshot(ctx, vault, fromStrategy, toStrategy, all)
	if err != nil {
		return res, err
	}
	res.set("after", after)
	return res, nil
}

// snapshot 记录金库总值与两个策略对每个已支持资产的余额。
func snapshot(ctx context.Context, vault, from, to *contracts.Contract, assets []stable) (map[string]string, error) {
	total, err := vault.CallBig(ctx, "totalValue")
	if err != nil {
		return nil, err
	}
	out := map[string]string{"totalValue": units.Format(total, cashDecimals)}
	for _, side := range []struct {
		label    string
		strategy *contracts.Contract
	}{{"from", from}, {"to", to}} {
		for _, a := range assets {
			ok, err := side.strategy.CallBool(ctx, "supportsAsset", a.address)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			bal, err := side.strategy.CallBig(ctx, "checkBalance(address)", a.address)
			if err != nil {
				return nil, err
			}
			out[side.label+"."+a.symbol] = units.Format(bal, a.decimals)
		}
	}
	return out, nil
}

// runYield 从富余账户向金库转入 USDT，并记录转入前后的金库状态。
func runYield(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("yield")
	amount, human, err := p.Amount("amount", "100000", 6)
	if err != nil {
		return res, err
	}
	set, err := addresses.AssetAddresses(ctx, env.Network, env.Deployments)
	if err != nil {
		return res, err
	}
	usdtAddr, err := set.Get("USDT")
	if err != nil {
		return res, err
	}
	usdt, err := env.ContractAt("ERC20", usdtAddr)
	if err != nil {
		return res, err
	}
	vault, err := env.Contract(ctx, "VaultProxy", "VaultCore")
	if err != nil {
		return res, err
	}
	cash, err := env.Contract(ctx, "CASHProxy", "CASH")
	if err != nil {
		return res, err
	}

	state := func() (map[string]string, error) {
		bal, err := usdt.CallBig(ctx, "balanceOf", vault.Address)
		if err != nil {
			return nil, err
		}
		total, err := vault.CallBig(ctx, "totalValue")
		if err != nil {
			return nil, err
		}
		supply, err := cash.CallBig(ctx, "totalSupply")
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"usdt":       units.Format(bal, 6),
			"totalValue": units.Format(total, cashDecimals),
			"cashSupply": units.Format(supply, cashDecimals),
		}, nil
	}
	before, err := state()
	if err != nil {
		return res, err
	}
	res.set("before", before)

	var signer contracts.Signer
	if env.Network.IsFork() {
		holder, err := bestHolder(ctx, env, usdt)
		if err != nil {
			return res, err
		}
		stop, err := env.impersonate(ctx, holder)
		if err != nil {
			return res, err
		}
		defer stop()
		signer = contracts.UnlockedSigner(holder)
	} else if signer, err = env.Signer(ctx, network.RoleDeployer); err != nil {
		return res, err
	}
	if err := env.send(ctx, &res, usdt, signer, "transfer", vault.Address, amount); err != nil {
		return res, err
	}
	after, err := state()
	if err != nil {
		return res, err
	}
	res.set("after", after)
	res.set("amount", human)
	return res, nil
}

func containsAddress(list []common.Address, want common.Address) bool {
	for _, a := range list {
		if a == want {
			return true
		}
	}
	return false
}
