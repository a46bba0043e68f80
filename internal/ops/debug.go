package ops

import (
	"context"
	"math/big"

	"VaultOps/internal/contracts"
	"VaultOps/internal/units"

	"github.com/ethereum/go-ethereum/common"
)

// debugDeployments are listed with their addresses when recorded.
var debugDeployments = []string{
	"VaultProxy", "Vault", "VaultCore", "VaultAdmin",
	"CASHProxy", "CASH",
	"HarvesterProxy", "DripperProxy",
	"OracleRouter", "Governor", "VaultValueChecker",
}

func debugOperation() Operation {
	return Operation{
		Name:        "debug",
		Description: "输出金库、CASH、价格与策略的当前配置",
		Run:         runDebug,
	}
}

// dump 收集只读调用结果。单个调用失败只记录错误，不中断整个输出。
type dump struct {
	out    map[string]any
	errors map[string]string
}

func (d *dump) put(key string, value any, err error) {
	if err != nil {
		d.errors[key] = err.Error()
		return
	}
	d.out[key] = value
}

func (d *dump) big(ctx context.Context, key string, c *contracts.Contract, decimals int, sig string, args ...any) {
	v, err := c.CallBig(ctx, sig, args...)
	if err != nil {
		d.put(key, nil, err)
		return
	}
	if decimals < 0 {
		d.put(key, v.String(), nil)
		return
	}
	d.put(key, units.Format(v, decimals), nil)
}

func (d *dump) addr(ctx context.Context, key string, c *contracts.Contract, sig string) {
	v, err := c.CallAddress(ctx, sig)
	if err != nil {
		d.put(key, nil, err)
		return
	}
	d.put(key, v.Hex(), nil)
}

func (d *dump) flag(ctx context.Context, key string, c *contracts.Contract, sig string) {
	v, err := c.CallBool(ctx, sig)
	d.put(key, v, err)
}

func runDebug(ctx context.Context, env *Env, _ Params) (Result, error) {
	res := newResult("debug")
	d := &dump{out: res.Output, errors: make(map[string]string)}

	recorded := make(map[string]string)
	for _, name := range debugDeployments {
		if addr, err := env.Deployments.AddressOf(ctx, name); err == nil {
			recorded[name] = addr.Hex()
		}
	}
	d.put("addresses", recorded, nil)

	vault, err := env.vault(ctx)
	if err != nil {
		return res, err
	}
	d.addr(ctx, "vault.governor", vault, "governor")
	d.addr(ctx, "vault.priceProvider", vault, "priceProvider")
	d.addr(ctx, "vault.strategistAddr", vault, "strategistAddr")
	d.addr(ctx, "vault.primaryStable", vault, "primaryStableAddress")
	d.flag(ctx, "vault.capitalPaused", vault, "capitalPaused")
	d.flag(ctx, "vault.rebasePaused", vault, "rebasePaused")
	d.big(ctx, "vault.totalValue", vault, cashDecimals, "totalValue")
	d.big(ctx, "vault.vaultBuffer", vault, cashDecimals, "vaultBuffer")
	d.big(ctx, "vault.autoAllocateThreshold", vault, cashDecimals, "autoAllocateThreshold")
	d.big(ctx, "vault.rebaseThreshold", vault, cashDecimals, "rebaseThreshold")
	d.big(ctx, "vault.maxSupplyDiff", vault, cashDecimals, "maxSupplyDiff")
	d.big(ctx, "vault.trusteeFeeBps", vault, -1, "trusteeFeeBps")

	if gov, err := env.Contract(ctx, "Governor", "Governor"); err == nil {
		d.addr(ctx, "governor.admin", gov, "admin")
		d.big(ctx, "governor.delay", gov, -1, "delay")
		d.big(ctx, "governor.proposalCount", gov, -1, "proposalCount")
	}

	if cash, err := env.Contract(ctx, "CASHProxy", "CASH"); err == nil {
		d.big(ctx, "cash.totalSupply", cash, cashDecimals, "totalSupply")
		d.big(ctx, "cash.nonRebasingSupply", cash, cashDecimals, "nonRebasingSupply")
		d.big(ctx, "cash.rebasingCreditsPerToken", cash, cashDecimals, "rebasingCreditsPerToken")
	}

	assets, err := stables(ctx, env)
	if err != nil {
		d.put("assets", nil, err)
	}
	if oracle, err := env.Contract(ctx, "OracleRouter", "OracleRouter"); err == nil {
		for _, a := range assets {
			d.big(ctx, "price."+a.symbol, oracle, cashDecimals, "price", a.address)
		}
	}

	strategies, err := vault.CallAddresses(ctx, "getAllStrategies")
	d.put("vault.strategies", hexList(strategies), err)
	balances := make(map[string]map[string]string, len(strategies))
	for _, s := range strategies {
		balances[s.Hex()] = strategyBalances(ctx, env, s, assets)
	}
	d.put("strategy.balances", balances, nil)

	if len(d.errors) > 0 {
		res.set("errors", d.errors)
	}
	return res, nil
}

func strategyBalances(ctx context.Context, env *Env, strategy common.Address, assets []stable) map[string]string {
	out := make(map[string]string, len(assets))
	c, err := env.ContractAt("IStrategy", strategy)
	if err != nil {
		return out
	}
	for _, a := range assets {
		ok, err := c.CallBool(ctx, "supportsAsset", a.address)
		if err != nil || !ok {
			continue
		}
		var bal *big.Int
		if bal, err = c.CallBig(ctx, "checkBalance(address)", a.address); err != nil {
			out[a.symbol] = "error: " + err.Error()
			continue
		}
		out[a.symbol] = units.Format(bal, a.decimals)
	}
	return out
}

func hexList(list []common.Address) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.Hex()
	}
	return out
}
