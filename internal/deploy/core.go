package deploy

import (
	"context"
	"fmt"

	"VaultOps/internal/addresses"
	"VaultOps/internal/contracts"
	"VaultOps/internal/governance"
	"VaultOps/internal/network"

	"github.com/ethereum/go-ethereum/common"
)

// GovernorDelay is the timelock delay (seconds) the Governor is deployed with.
const GovernorDelay = 60

// coreStep 部署价格预言机、金库与 CASH、Harvester，配置金库参数并部署 VaultValueChecker。
func coreStep() Step {
	return Step{
		ID:   "001_core",
		Tags: []string{"core", "test", "main", "mainnet"},
		Skip: Never,
		Run: func(ctx context.Context, env *Env) (*governance.Proposal, error) {
			log := env.log()
			log.Info("部署核心合约", "governor", env.GovernorAddr().Hex(), "deployer", env.DeployerAddr().Hex(),
				"fork", env.Network.IsFork(), "mainnet_or_rinkeby_or_fork", env.Network.IsMainnetOrRinkebyOrFork())

			if err := deployOracles(ctx, env); err != nil {
				return nil, fmt.Errorf("部署价格预言机: %w", err)
			}
			if err := deployCore(ctx, env); err != nil {
				return nil, fmt.Errorf("部署金库: %w", err)
			}
			harvester, err := deployHarvester(ctx, env)
			if err != nil {
				return nil, fmt.Errorf("部署 Harvester: %w", err)
			}
			if err := configureVault(ctx, env, harvester); err != nil {
				return nil, fmt.Errorf("配置金库: %w", err)
			}
			vault, err := env.Deployments.AddressOf(ctx, "VaultProxy")
			if err != nil {
				return nil, err
			}
			if _, err := env.DeployWithConfirmation(ctx, "VaultValueChecker", []any{vault}, ""); err != nil {
				return nil, err
			}
			log.Info("001_core 部署完成")
			return nil, nil
		},
	}
}

// oracleFeeds pairs an asset key with its chainlink feed key.
var oracleFeeds = [][2]string{
	{"DAI", "DAI_USD"},
	{"USDC", "USDC_USD"},
	{"USDT", "USDT_USD"},
	{"TUSD", "TUSD_USD"},
	{"AAVE", "AAVE_USD"},
	{"CRV", "CRV_USD"},
	{"CVX", "CVX_USD"},
	{"NonStandardToken", "NonStandardToken_USD"},
}

func deployOracles(ctx context.Context, env *Env) error {
	contractType := "OracleRouterDev"
	if env.Network.IsMainnetOrFork() {
		contractType = "OracleRouter"
	}
	if _, err := env.DeployWithConfirmation(ctx, "OracleRouter", nil, contractType); err != nil {
		return err
	}
	if env.Network.IsMainnetOrFork() {
		return nil
	}

	router, err := env.Contract(ctx, "OracleRouter", contractType)
	if err != nil {
		return err
	}
	assets, err := env.Assets(ctx)
	if err != nil {
		return err
	}
	oracles, err := env.Oracles(ctx)
	if err != nil {
		return err
	}
	env.log().Info("配置测试价格源")
	for _, pair := range oracleFeeds {
		asset, ok := env.Optional(assets, pair[0])
		if !ok {
			continue
		}
		feed, ok := env.Optional(oracles, pair[1])
		if !ok {
			continue
		}
		if _, err := env.Send(ctx, router, env.Deployer, "setFeed", asset, feed); err != nil {
			return err
		}
	}
	return nil
}

func deployCore(ctx context.Context, env *Env) error {
	vaultProxy, err := env.DeployWithConfirmation(ctx, "VaultProxy", nil, env.proxyType("VaultProxy"))
	if err != nil {
		return err
	}
	cashProxy, err := env.DeployWithConfirmation(ctx, "CASHProxy", nil, env.proxyType("CASHProxy"))
	if err != nil {
		return err
	}

	impls := make(map[string]common.Address, 4)
	for _, name := range []string{"CASH", "Vault", "VaultCore", "VaultAdmin"} {
		d, err := env.DeployWithConfirmation(ctx, name, nil, "")
		if err != nil {
			return err
		}
		impls[name] = d.Address()
	}
	if _, err := env.DeployWithConfirmation(ctx, "Governor", []any{env.GovernorAddr(), GovernorDelay}, ""); err != nil {
		return err
	}

	if vaultProxy.Reused && cashProxy.Reused {
		env.log().Info("金库代理已初始化, 跳过初始化")
		return nil
	}

	oracle, err := env.Deployments.AddressOf(ctx, "OracleRouter")
	if err != nil {
		return err
	}
	cashProxyC, err := env.ContractAt(ProxyContractType, cashProxy.Address())
	if err != nil {
		return err
	}
	vaultProxyC, err := env.ContractAt(ProxyContractType, vaultProxy.Address())
	if err != nil {
		return err
	}
	cash, err := env.ContractAt("CASH", cashProxy.Address())
	if err != nil {
		return err
	}
	vault, err := env.ContractAt("Vault", vaultProxy.Address())
	if err != nil {
		return err
	}

	gov := env.GovernorAddr()
	steps := []struct {
		c      *contracts.Contract
		signer contracts.Signer
		sig    string
		args   []any
	}{
		{cashProxyC, env.Deployer, "initialize(address,address,bytes)", []any{impls["CASH"], gov, []byte{}}},
		// 先用 Vault 初始化，再升级到 VaultCore 实现
		{vaultProxyC, env.Deployer, "initialize(address,address,bytes)", []any{impls["Vault"], gov, []byte{}}},
		{vault, env.Governor, "initialize", []any{oracle, cashProxy.Address()}},
		{vaultProxyC, env.Governor, "upgradeTo", []any{impls["VaultCore"]}},
		{vault, env.Governor, "setAdminImpl", []any{impls["VaultAdmin"]}},
		{cash, env.Governor, "initialize", []any{"CASH", "CASH", vaultProxy.Address()}},
	}
	for _, s := range steps {
		if _, err := env.Send(ctx, s.c, s.signer, s.sig, s.args...); err != nil {
			return err
		}
	}
	return nil
}

func deployHarvester(ctx context.Context, env *Env) (common.Address, error) {
	vault, err := env.Deployments.AddressOf(ctx, "VaultProxy")
	if err != nil {
		return common.Address{}, err
	}
	assets, err := env.Assets(ctx)
	if err != nil {
		return common.Address{}, err
	}
	usdc, err := assets.Get("USDC")
	if err != nil {
		return common.Address{}, err
	}
	harvester, err := env.DeployProxy(ctx, ProxyOptions{
		Proxy:          "HarvesterProxy",
		ProxyType:      ProxyContractType,
		Implementation: "Harvester",
		InitSignature:  "initialize",
		InitArgs:       []any{vault, usdc},
	})
	if err != nil {
		return common.Address{}, err
	}

	current, err := harvester.CallAddress(ctx, "governor")
	if err != nil {
		return common.Address{}, err
	}
	if current != env.GovernorAddr() {
		if _, err := env.Send(ctx, harvester, env.Governor, "claimGovernance"); err != nil {
			return common.Address{}, err
		}
	}
	// 后续迁移会改为 Dripper
	if _, err := env.Send(ctx, harvester, env.Governor, "setRewardsProceedsAddress", vault); err != nil {
		return common.Address{}, err
	}
	return harvester.Address, nil
}

func configureVault(ctx context.Context, env *Env, harvester common.Address) error {
	vault, err := env.Vault(ctx)
	if err != nil {
		return err
	}
	assets, err := env.Assets(ctx)
	if err != nil {
		return err
	}
	gov := env.Governor
	log := env.log()

	if swap, ok := env.Optional(assets, "am3crvSwap"); ok {
		poolID, err := addresses.Polygon().Hash("balancerPoolIdUsdcTusdDaiUsdt")
		if err != nil {
			return err
		}
		if _, err := env.Send(ctx, vault, gov, "setSwapper", swap, poolID); err != nil {
			return err
		}
	}

	for _, key := range []string{"DAI", "USDT", "USDC"} {
		asset, err := assets.Get(key)
		if err != nil {
			return err
		}
		supported, err := vault.CallBool(ctx, "isSupportedAsset", asset)
		if err != nil {
			return err
		}
		if supported {
			log.Info("资产已支持", "asset", key)
			continue
		}
		if _, err := env.Send(ctx, vault, gov, "supportAsset", asset); err != nil {
			return err
		}
		log.Info("已添加资产", "asset", key, "address", asset.Hex())
	}

	primary, err := assets.Get("primaryStable")
	if err != nil {
		return err
	}
	if _, err := env.Send(ctx, vault, gov, "setPrimaryStable", primary); err != nil {
		return err
	}
	if _, err := env.Send(ctx, vault, gov, "setHarvester", harvester); err != nil {
		return err
	}

	params := make(map[string]int64, 4)
	for _, key := range []string{"redeemFeeBps", "mintFeeBps", "LabsFeeBps", "TeamFeeBps"} {
		v, err := assets.Param(key)
		if err != nil {
			return err
		}
		params[key] = v
	}
	collectors := make([]common.Address, 0, 3)
	for _, key := range []string{"Labs", "Team", "Treasury"} {
		addr, err := assets.Get(key)
		if err != nil {
			return err
		}
		collectors = append(collectors, addr)
	}

	calls := []struct {
		sig  string
		args []any
	}{
		{"setRedeemFeeBps", []any{params["redeemFeeBps"]}},
		{"setMintFeeBps", []any{params["mintFeeBps"]}},
		{"setFeeParams", []any{collectors[0], collectors[1], collectors[2]}},
		{"setHarvesterFeeParams", []any{params["LabsFeeBps"], params["TeamFeeBps"]}},
		{"unpauseCapital", nil},
	}
	for _, c := range calls {
		if _, err := env.Send(ctx, vault, gov, c.sig, c.args...); err != nil {
			return err
		}
	}
	log.Info("金库已开放存款")
	return nil
}

// liveAddresses reports whether the network resolves the polygon address book.
func liveAddresses(net network.Network) bool {
	return net.IsMainnetOrFork() || net.IsPolygonStaging()
}
