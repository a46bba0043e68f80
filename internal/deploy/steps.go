package deploy

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"VaultOps/internal/addresses"
	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/governance"
	"VaultOps/internal/network"
	"VaultOps/internal/weights"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultNewGovernor receives governance in 079_transfer_governance unless deploy.new_governor is set.
var DefaultNewGovernor = common.HexToAddress("0x6b03b042CbDa485A14398FE8787f90d7C93BEfF0")

// BalancerVault is the Balancer V2 vault on polygon.
var BalancerVault = common.HexToAddress("0xBA12222222228d8Ba445958a75a0704d566BF2C8")

// tetuUsdcBalancerPool is the TETU/USDC pool registered with the swapper.
var tetuUsdcBalancerPool = common.HexToAddress("0xE2f706EF1f7240b803AAe877C9C762644bb808d8")

// DefaultSteps returns every numbered deployment step.
func DefaultSteps() []Step {
	return []Step{
		coreStep(),
		{
			ID:           "034_vault_value_checker",
			Tags:         []string{"test", "main", "mainnet"},
			Dependencies: []string{"001_core"},
			ForceDeploy:  Always,
			Run:          valueCheckerSnapshot,
		},
		{
			ID:           "037_dripper",
			Tags:         []string{"test", "main"},
			Dependencies: []string{"001_core"},
			ForceDeploy:  Always,
			Run:          deployDripper,
		},
		{
			ID:           "039_wrapped_cash",
			Tags:         []string{"test", "main"},
			Dependencies: []string{"001_core"},
			ForceDeploy:  Always,
			Run:          deployWrappedCASH,
		},
		{
			ID:           "048_deploy_aave_usdc",
			Tags:         []string{"test", "main", "this"},
			Dependencies: []string{"001_core"},
			ForceDeploy:  Never,
			// aave 市场地址只存在于 polygon 地址簿
			Skip: func(net network.Network) bool { return !liveAddresses(net) },
			Run:  deployAaveUSDC,
		},
		{
			ID:           "068_set_quickdeposit_strategies",
			Tags:         []string{"test", "main", "mainnet"},
			Dependencies: []string{"001_core"},
			ForceDeploy:  Always,
			Run:          setQuickDepositStrategies,
		},
		{
			ID:           "070_setting_payout_timings",
			Tags:         []string{"test", "main", "mainnet"},
			Dependencies: []string{"001_core"},
			ForceDeploy:  func(net network.Network) bool { return net.IsFork() },
			Run:          setPayoutTimings,
		},
		{
			ID:           "071_upgrade_vault",
			Tags:         []string{"test", "main", "upgrade_vault"},
			Dependencies: []string{"001_core"},
			ForceDeploy:  mainnetOrStaging,
			Run:          upgradeVault,
		},
		{
			ID:          "079_transfer_governance",
			Tags:        []string{"test", "main", "transfer_governance"},
			ForceDeploy: Never,
			Run:         transferGovernance,
		},
		{
			ID:          "081_set_thresholds",
			Tags:        []string{"test", "main", "set_thresholds"},
			ForceDeploy: mainnetOrStaging,
			Run:         setThresholds,
		},
		{
			ID:           "100_setting_weights_to_strats",
			Tags:         []string{"test", "main", "mainnet", "update_weights"},
			Dependencies: []string{"001_core"},
			ForceDeploy:  func(net network.Network) bool { return net.IsMainnet() || net.IsFork() },
			Run:          setStrategyWeights,
		},
		{
			ID:           "102_rebase_to_non_eoa_handler",
			Tags:         []string{"test", "main", "mainnet", "rebase_handler"},
			Dependencies: []string{"001_core"},
			ForceDeploy:  Always,
			Run:          deployRebaseHandler,
		},
		{
			ID:          "203_swapper",
			Tags:        []string{"test", "test_polygon", "swapper"},
			ForceDeploy: Always,
			Run:         deploySwapper,
		},
		{
			ID:          "205_set_depeg_params",
			Tags:        []string{"test", "test_polygon", "set_depeg_params"},
			ForceDeploy: Always,
			Run: vaultAdminProposal("Set depeg params", func(vault *contracts.Contract) []governance.Action {
				return []governance.Action{action(vault, "setDepegParams(bool,uint256)", true, 25)}
			}),
		},
		{
			ID:          "206_set_pool_balance_check_exponent",
			Tags:        []string{"test", "test_polygon", "set_pool_balance_check_exponent"},
			ForceDeploy: Always,
			Run: vaultAdminProposal("Set pool_balance_check_exponent", func(vault *contracts.Contract) []governance.Action {
				return []governance.Action{action(vault, "setPoolBalanceCheckExponent(uint256)", 5)}
			}),
		},
	}
}

// DefaultRegistry registers DefaultSteps.
func DefaultRegistry() (*Registry, error) {
	return NewRegistry(DefaultSteps()...)
}

func mainnetOrStaging(net network.Network) bool {
	return net.IsMainnet() || net.IsPolygonStaging()
}

func action(c *contracts.Contract, signature string, args ...any) governance.Action {
	return governance.Action{Contract: c, Signature: signature, Args: args}
}

func vaultAdmin(ctx context.Context, env *Env) (*contracts.Contract, error) {
	return env.Vault(ctx)
}

// vaultAdminProposal builds a step whose proposal only touches VaultAdmin.
func vaultAdminProposal(name string, actions func(vault *contracts.Contract) []governance.Action) func(context.Context, *Env) (*governance.Proposal, error) {
	return func(ctx context.Context, env *Env) (*governance.Proposal, error) {
		if err := env.Require(ctx, "VaultProxy"); err != nil {
			return nil, err
		}
		vault, err := vaultAdmin(ctx, env)
		if err != nil {
			return nil, err
		}
		return &governance.Proposal{Name: name, Actions: actions(vault)}, nil
	}
}

func valueCheckerSnapshot(ctx context.Context, env *Env) (*governance.Proposal, error) {
	checker, err := env.Contract(ctx, "VaultValueChecker", "VaultValueChecker")
	if err != nil {
		return nil, err
	}
	return &governance.Proposal{
		Name:    "VaultValueChecker test",
		Actions: []governance.Action{action(checker, "takeSnapshot()")},
	}, nil
}

func deployDripper(ctx context.Context, env *Env) (*governance.Proposal, error) {
	vaultAddr, err := env.Deployments.AddressOf(ctx, "VaultProxy")
	if err != nil {
		return nil, err
	}
	assets, err := env.Assets(ctx)
	if err != nil {
		return nil, err
	}
	primary, err := assets.Get("primaryStable")
	if err != nil {
		return nil, err
	}
	dripper, err := env.DeployProxy(ctx, ProxyOptions{
		Proxy:          "DripperProxy",
		Implementation: "Dripper",
		ImplArgs:       []any{vaultAddr, primary},
		InitSignature:  "setDripDuration",
		InitArgs:       []any{int64((7 * 24 * time.Hour).Seconds())},
	})
	if err != nil {
		return nil, err
	}
	harvester, err := env.Contract(ctx, "HarvesterProxy", "Harvester")
	if err != nil {
		return nil, err
	}
	vault, err := vaultAdmin(ctx, env)
	if err != nil {
		return nil, err
	}
	return &governance.Proposal{
		Name: "Add dripper",
		Actions: []governance.Action{
			action(dripper, "claimGovernance()"),
			action(harvester, "setRewardsProceedsAddress(address)", dripper.Address),
			action(vault, "setDripper(address)", dripper.Address),
		},
	}, nil
}

func deployWrappedCASH(ctx context.Context, env *Env) (*governance.Proposal, error) {
	cash, err := env.Deployments.AddressOf(ctx, "CASHProxy")
	if err != nil {
		return nil, err
	}
	wcash, err := env.DeployProxy(ctx, ProxyOptions{
		Proxy:          "WrappedCASHProxy",
		Implementation: "WrappedCASH",
		ImplArgs:       []any{cash, "Wrapped CASH", "WCASH"},
		InitSignature:  "initialize()",
	})
	if err != nil {
		return nil, err
	}
	return &governance.Proposal{
		Name:    "Claim WCASH Governance",
		Actions: []governance.Action{action(wcash, "claimGovernance()")},
	}, nil
}

func deployAaveUSDC(ctx context.Context, env *Env) (*governance.Proposal, error) {
	vaultAddr, err := env.Deployments.AddressOf(ctx, "VaultProxy")
	if err != nil {
		return nil, err
	}
	assets, err := env.Assets(ctx)
	if err != nil {
		return nil, err
	}
	get := func(keys ...string) ([]common.Address, error) {
		out := make([]common.Address, 0, len(keys))
		for _, k := range keys {
			addr, err := assets.Get(k)
			if err != nil {
				return nil, err
			}
			out = append(out, addr)
		}
		return out, nil
	}
	platform, err := get("AAVE")
	if err != nil {
		return nil, err
	}
	usdc, err := get("USDC")
	if err != nil {
		return nil, err
	}
	pTokens, err := get("amUSDC")
	if err != nil {
		return nil, err
	}
	aave, err := get("aavePoolProvider", "aaveDataProvider", "aaveIncentivesController", "aaveVDebtUSDC")
	if err != nil {
		return nil, err
	}

	strategy, err := env.DeployProxy(ctx, ProxyOptions{
		Proxy:          "AaveStrategyUSDCProxy",
		Implementation: "AaveStrategy",
		InitSignature:  "initialize(address,address,address[],address[],address[],address[])",
		InitArgs:       []any{platform[0], vaultAddr, usdc, usdc, pTokens, aave},
	})
	if err != nil {
		return nil, err
	}
	harvester, err := env.Contract(ctx, "HarvesterProxy", "Harvester")
	if err != nil {
		return nil, err
	}
	vault, err := vaultAdmin(ctx, env)
	if err != nil {
		return nil, err
	}
	return &governance.Proposal{
		Name: "Switch to new AaveUSDC strategy",
		Actions: []governance.Action{
			action(strategy, "claimGovernance()"),
			action(vault, "approveStrategy(address)", strategy.Address),
			// 1000 bps = 10%
			action(vault, "setTrusteeFeeBps(uint256)", 1000),
			action(strategy, "setHarvesterAddress(address)", harvester.Address),
			action(vault, "allocate()"),
			action(harvester, "setSupportedStrategy(address,bool)", strategy.Address, true),
		},
	}, nil
}

func setQuickDepositStrategies(ctx context.Context, env *Env) (*governance.Proposal, error) {
	if err := env.Require(ctx, "MeshSwapStrategyUSDCProxy"); err != nil {
		return nil, err
	}
	mesh, err := env.Deployments.AddressOf(ctx, "MeshSwapStrategyUSDCProxy")
	if err != nil {
		return nil, err
	}
	vault, err := vaultAdmin(ctx, env)
	if err != nil {
		return nil, err
	}
	return &governance.Proposal{
		Name:    "Setting the quick deposit strategies",
		Actions: []governance.Action{action(vault, "setQuickDepositStrategies(address[])", []common.Address{mesh})},
	}, nil
}

func setPayoutTimings(ctx context.Context, env *Env) (*governance.Proposal, error) {
	vault, err := vaultAdmin(ctx, env)
	if err != nil {
		return nil, err
	}
	return &governance.Proposal{
		Name: "Setting Payout Timings",
		Actions: []governance.Action{
			action(vault, "setNextPayoutTime(uint256)", env.now().Unix()),
			action(vault, "setPayoutIntervals(uint256,uint256)", int64(24*60*60), int64(15*60)),
		},
	}, nil
}

func upgradeVault(ctx context.Context, env *Env) (*governance.Proposal, error) {
	core, err := env.DeployWithConfirmation(ctx, "VaultCore", nil, "")
	if err != nil {
		return nil, err
	}
	admin, err := env.DeployWithConfirmation(ctx, "VaultAdmin", nil, "")
	if err != nil {
		return nil, err
	}
	proxy, err := env.Contract(ctx, "VaultProxy", ProxyContractType)
	if err != nil {
		return nil, err
	}
	vaultCore, err := env.Contract(ctx, "VaultProxy", "VaultCore")
	if err != nil {
		return nil, err
	}
	vault, err := vaultAdmin(ctx, env)
	if err != nil {
		return nil, err
	}

	actions := []governance.Action{
		action(proxy, "upgradeTo(address)", core.Address()),
		action(vaultCore, "setAdminImpl(address)", admin.Address()),
	}
	assets, err := env.Assets(ctx)
	if err != nil {
		return nil, err
	}
	if swap, ok := env.Optional(assets, "am3crvSwap"); ok {
		poolID, err := addresses.Polygon().Hash("balancerPoolIdUsdcTusdDaiUsdt")
		if err != nil {
			return nil, err
		}
		actions = append(actions, action(vault, "setSwapper(address,bytes32)", swap, poolID))
	}
	return &governance.Proposal{Name: "Upgrade Vault", Actions: actions}, nil
}

// governables lists the proxies and implementations whose governance moves in 079.
var governables = []string{
	"Am3CurveStrategy", "Am3CurveStrategyProxy",
	"CASH", "CASHProxy",
	"Dripper", "DripperProxy",
	"DodoStrategy", "DodoStrategyProxy",
	"DystopiaStrategy", "DystopiaStrategyDaiUsdtProxy", "DystopiaStrategyUsdcDaiProxy", "DystopiaStrategyUsdcUsdtProxy",
	"Harvester", "HarvesterProxy",
	"MeshSwapStrategy", "MeshSwapStrategyDAIProxy", "MeshSwapStrategyUSDCProxy", "MeshSwapStrategyUSDTProxy",
	"MeshSwapStrategyDual", "MeshSwapStrategyUSDCDAIProxy", "MeshSwapStrategyUSDCUSDTProxy", "MeshSwapStrategyUSDTDAIProxy",
	"QuickSwapStrategy", "QuickSwapStrategyUSDCDAIProxy", "QuickSwapStrategyUSDCUSDTProxy",
	"SynapseStrategy", "SynapseStrategyProxy",
	"Vault", "VaultAdmin", "VaultCore", "VaultProxy",
	"WrappedCASH", "WrappedCASHProxy",
}

// Governables returns the deployment names handed over by the governance transfer.
func Governables() []string {
	return append([]string(nil), governables...)
}

// NewGovernor returns the configured governance recipient.
func (e *Env) NewGovernor() (common.Address, error) {
	if e.Config.NewGovernor == "" {
		return DefaultNewGovernor, nil
	}
	if !common.IsHexAddress(e.Config.NewGovernor) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("deploy.new_governor 不是有效地址: %s", e.Config.NewGovernor))
	}
	return common.HexToAddress(e.Config.NewGovernor), nil
}

func transferGovernance(ctx context.Context, env *Env) (*governance.Proposal, error) {
	newGov, err := env.NewGovernor()
	if err != nil {
		return nil, err
	}
	log := env.log()
	for _, name := range governables {
		ok, err := env.Deployed(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Warn("没有部署记录, 跳过治理权转移", "deployment", name)
			continue
		}
		c, err := env.Contract(ctx, name, "Governable")
		if err != nil {
			return nil, err
		}
		if _, err := env.Send(ctx, c, env.Governor, "transferGovernance", newGov); err != nil {
			return nil, err
		}
		log.Info("已调用 transferGovernance", "deployment", name, "address", c.Address.Hex(), "new_governor", newGov.Hex())
	}
	return &governance.Proposal{Name: "Governance Transfer"}, nil
}

type thresholdTarget struct {
	proxy      string
	thresholds []string
}

// thresholdTargets 各策略的最小操作数量，按代币精度给出。
var thresholdTargets = []thresholdTarget{
	{"DystopiaStrategyUsdcDaiProxy", []string{"1000", "100000000000000", "1000", "1000000000000"}},
	{"DystopiaStrategyUsdcUsdtProxy", []string{"1000", "1000", "1000", "1000000000000"}},
	{"DystopiaStrategyDaiUsdtProxy", []string{"100000000000000", "1000", "1000", "1000000000000"}},
	{"MeshSwapStrategyUSDCDAIProxy", []string{"1000", "100000000000000", "1000", "0", "10000000000000"}},
	{"MeshSwapStrategyUSDCUSDTProxy", []string{"1000", "1000", "1000", "0", "10000000000000"}},
	{"MeshSwapStrategyUSDTDAIProxy", []string{"1000", "100000000000000", "1000", "0", "10000000000000"}},
	{"QuickSwapStrategyUSDCDAIProxy", []string{"1000", "100000000000000", "1000", "0", "1000"}},
	{"QuickSwapStrategyUSDCUSDTProxy", []string{"1000", "1000", "1000", "0", "1000"}},
}

func setThresholds(ctx context.Context, env *Env) (*governance.Proposal, error) {
	p := &governance.Proposal{Name: "Setting Threshold"}
	for _, t := range thresholdTargets {
		ok, err := env.Deployed(ctx, t.proxy)
		if err != nil {
			return nil, err
		}
		if !ok {
			env.log().Warn("策略未部署, 跳过阈值设置", "deployment", t.proxy)
			continue
		}
		strategy, err := env.Contract(ctx, t.proxy, "IStrategy")
		if err != nil {
			return nil, err
		}
		values := make([]*big.Int, len(t.thresholds))
		for i, s := range t.thresholds {
			v, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的阈值 %s", s))
			}
			values[i] = v
		}
		p.Actions = append(p.Actions, action(strategy, "setThresholds(uint256[])", values))
	}
	return p, nil
}

func setStrategyWeights(ctx context.Context, env *Env) (*governance.Proposal, error) {
	list, err := weights.Load(env.Config.WeightsFile)
	if err != nil {
		return nil, err
	}
	vault, err := vaultAdmin(ctx, env)
	if err != nil {
		return nil, err
	}
	p, receipts, err := weights.Proposal(ctx, vault, env.Deployer, list, env.Deployments)
	if err != nil {
		if env.Network.IsTestNetwork() && xerrors.HasCode(err, xerrors.CodeDeploymentNotFound) {
			return nil, Skipf("权重中的策略尚未部署: %v", err)
		}
		return nil, err
	}
	for _, r := range receipts {
		env.log().Info("策略已由 deployer 批准", "tx", r.TxHash.Hex())
	}
	return p, nil
}

func deployRebaseHandler(ctx context.Context, env *Env) (*governance.Proposal, error) {
	vaultAddr, err := env.Deployments.AddressOf(ctx, "VaultProxy")
	if err != nil {
		return nil, err
	}
	cash, err := env.Deployments.AddressOf(ctx, "CASHProxy")
	if err != nil {
		return nil, err
	}
	assets, err := env.Assets(ctx)
	if err != nil {
		return nil, err
	}
	usdc, err := assets.Get("USDC")
	if err != nil {
		return nil, err
	}
	handler, err := env.DeployProxy(ctx, ProxyOptions{
		Proxy:          "RebaseToNonEoaHandlerProxy",
		ProxyType:      ProxyContractType,
		Implementation: "RebaseToNonEoaHandler",
		InitSignature:  "initialize",
		InitArgs:       []any{vaultAddr, usdc, cash},
	})
	if err != nil {
		return nil, err
	}
	vault, err := vaultAdmin(ctx, env)
	if err != nil {
		return nil, err
	}
	return &governance.Proposal{
		Name: "Add RebaseToNonEoaHandler",
		Actions: []governance.Action{
			action(handler, "claimGovernance()"),
			action(vault, "setRebaseHandler(address)", handler.Address),
		},
	}, nil
}

func deploySwapper(ctx context.Context, env *Env) (*governance.Proposal, error) {
	if err := env.Require(ctx, "OracleRouter"); err != nil {
		return nil, err
	}
	oracle, err := env.Deployments.AddressOf(ctx, "OracleRouter")
	if err != nil {
		return nil, err
	}
	assets, err := env.Assets(ctx)
	if err != nil {
		return nil, err
	}

	swapper, err := env.DeployProxy(ctx, ProxyOptions{Proxy: "SwapperProxy", Implementation: "Swapper"})
	if err != nil {
		return nil, err
	}
	place, err := env.DeployProxy(ctx, ProxyOptions{
		Proxy:          "BalancerSwapPlaceProxy",
		Implementation: "BalancerSwapPlace",
		InitSignature:  "setBalancerVault(address)",
		InitArgs:       []any{BalancerVault},
	})
	if err != nil {
		return nil, err
	}
	out, err := place.Call(ctx, "swapPlaceType")
	if err != nil {
		return nil, err
	}
	placeType, ok := out[0].(string)
	if !ok {
		return nil, xerrors.New(xerrors.CodeChainFailure, fmt.Sprintf("swapPlaceType 返回了 %T", out[0]))
	}
	env.log().Info("BalancerSwapPlace 类型", "type", placeType)

	actions := []governance.Action{
		action(swapper, "claimGovernance()"),
		action(place, "claimGovernance()"),
		action(swapper, "setParams(uint256,address,uint256)", 0, oracle, 30),
		action(swapper, "swapPlaceRegister(string,address)", placeType, place.Address),
	}
	tetu, okTetu := env.Optional(assets, "TETU")
	usdc, okUsdc := env.Optional(assets, "USDC")
	if okTetu && okUsdc {
		actions = append(actions, action(swapper, "swapPlaceInfoRegister(address,address,address,string)",
			tetu, usdc, tetuUsdcBalancerPool, placeType))
	}
	return &governance.Proposal{Name: "Register Places to Swapper", Actions: actions}, nil
}
