package ops

import (
	"context"
	"math/big"
	"strings"

	"VaultOps/internal/addresses"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/network"
	"VaultOps/internal/units"
)

// oraclePriceTolerance 是回读价格与写入价格之间允许的相对偏差。
const oraclePriceTolerance = 0.001

func oracleOperations() []Operation {
	return []Operation{
		{
			Name:        "set-oracle-price",
			Description: "设置 Mock Chainlink 喂价 (美元)，并回读金库价格源",
			Params:      []string{"symbol", "price"},
			Restrict:    localOrFork("set-oracle-price"),
			Run:         runSetOraclePrice,
		},
	}
}

func runSetOraclePrice(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("set-oracle-price")
	symbol, err := p.Require("symbol")
	if err != nil {
		return res, err
	}
	price, err := p.Require("price")
	if err != nil {
		return res, err
	}
	symbol = strings.ToUpper(symbol)
	signer, err := env.Signer(ctx, network.RoleDeployer)
	if err != nil {
		return res, err
	}

	sendCtx, cancel := env.confirmContext(ctx)
	receipts, err := units.SetOracleTokenPriceUsd(sendCtx, env.Client, env.Deployments, signer, symbol, price)
	cancel()
	for _, r := range receipts {
		res.addReceipt(r)
	}
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
			return res, invalidParam("price", "%v", err)
		}
		return res, err
	}
	res.set("symbol", symbol)
	res.set("price", price)

	if err := readBackPrices(ctx, env, &res, symbol, price); err != nil {
		if !xerrors.HasCode(err, xerrors.CodeDeploymentNotFound) {
			return res, err
		}
		env.log().Debug("金库未部署, 跳过价格回读", "symbol", symbol)
	}
	return res, nil
}

// readBackPrices 通过金库的价格源读取全部资产价格，确认新价格已生效，
// 并给出金库赎回时会选用的最稳定资产。
func readBackPrices(ctx context.Context, env *Env, res *Result, symbol, price string) error {
	vault, err := env.vault(ctx)
	if err != nil {
		return err
	}
	provider, err := vault.CallAddress(ctx, "priceProvider")
	if err != nil {
		return err
	}
	router, err := env.ContractAt("OracleRouter", provider)
	if err != nil {
		return err
	}
	assets, err := vault.CallAddresses(ctx, "getAllAssets")
	if err != nil {
		return err
	}
	set, err := addresses.AssetAddresses(ctx, env.Network, env.Deployments)
	if err != nil {
		return err
	}
	target, err := set.Get(symbol)
	if err != nil {
		return err
	}
	expected, err := units.Parse(price, units.ChainlinkFeed)
	if err != nil {
		return err
	}

	prices := make([]*big.Int, len(assets))
	listed := make(map[string]string, len(assets))
	for i, asset := range assets {
		if prices[i], err = router.CallBig(ctx, "price", asset); err != nil {
			return err
		}
		listed[asset.Hex()] = units.Format(prices[i], units.ChainlinkFeed)
		if asset == target {
			res.set("router_price", listed[asset.Hex()])
			res.set("applied", units.IsWithinTolerance(prices[i], expected, oraclePriceTolerance))
		}
	}
	res.set("asset_prices", listed)
	if len(assets) > 0 {
		res.set("most_stable_asset", assets[units.MostStableIndex(prices)].Hex())
	}
	return nil
}
