package contracts

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "VaultOps/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var governable = []string{
	"function governor() view returns (address)",
	"function isGovernor() view returns (bool)",
	"function transferGovernance(address _newGovernor)",
	"function claimGovernance()",
	"event PendingGovernorshipTransfer(address indexed previousGovernor, address indexed newGovernor)",
	"event GovernorshipTransferred(address indexed previousGovernor, address indexed newGovernor)",
}

var erc20 = []string{
	"function name() view returns (string)",
	"function symbol() view returns (string)",
	"function decimals() view returns (uint8)",
	"function totalSupply() view returns (uint256)",
	"function balanceOf(address account) view returns (uint256)",
	"function allowance(address owner, address spender) view returns (uint256)",
	"function approve(address spender, uint256 amount) returns (bool)",
	"function transfer(address to, uint256 amount) returns (bool)",
	"function transferFrom(address from, address to, uint256 amount) returns (bool)",
	"event Transfer(address indexed from, address indexed to, uint256 value)",
	"event Approval(address indexed owner, address indexed spender, uint256 value)",
}

var strategy = []string{
	"function supportsAsset(address _asset) view returns (bool)",
	"function checkBalance(address _asset) view returns (uint256)",
	"function setHarvesterAddress(address _harvesterAddress)",
	"function setThresholds(uint256[] _thresholds)",
	"function vaultAddress() view returns (address)",
}

// builtin 内置接口的人类可读 ABI，部署产物缺失时使用。
var builtin = map[string][]string{
	"Governable": governable,

	"InitializeGovernedUpgradeabilityProxy": {
		"function initialize(address _logic, address _initGovernor, bytes _data) payable",
		"function upgradeTo(address newImplementation)",
		"function upgradeToAndCall(address newImplementation, bytes data) payable",
		"function implementation() view returns (address)",
		"function admin() view returns (address)",
		"event Upgraded(address indexed implementation)",
	},

	"Vault": {
		"function initialize(address _priceProvider, address _cash)",
		"function setAdminImpl(address newImpl)",
	},

	"VaultCore": {
		"function initialize(address _priceProvider, address _cash)",
		"function setAdminImpl(address newImpl)",
		"function mint(address _asset, uint256 _amount, uint256 _minimumCASHAmount)",
		"function redeem(uint256 _amount, uint256 _minimumUnitAmount)",
		"function allocate()",
		"function rebase()",
		"function balance()",
		"function payout()",
		"function reallocate(address _strategyFromAddress, address _strategyToAddress, address[] _assets, uint256[] _amounts)",
		"function totalValue() view returns (uint256)",
		"function checkBalance() view returns (uint256)",
		"function getAllStrategies() view returns (address[])",
		"function getAllAssets() view returns (address[])",
		"function getStrategyCount() view returns (uint256)",
		"function getAssetCount() view returns (uint256)",
		"function isSupportedAsset(address _asset) view returns (bool)",
		"function priceUSDMint(address asset) view returns (uint256)",
		"function priceUSDRedeem(address asset) view returns (uint256)",
		"function capitalPaused() view returns (bool)",
		"function rebasePaused() view returns (bool)",
		"function vaultBuffer() view returns (uint256)",
		"function autoAllocateThreshold() view returns (uint256)",
		"function rebaseThreshold() view returns (uint256)",
		"function maxSupplyDiff() view returns (uint256)",
		"function trusteeAddress() view returns (address)",
		"function trusteeFeeBps() view returns (uint256)",
		"function strategistAddr() view returns (address)",
		"function priceProvider() view returns (address)",
		"function primaryStableAddress() view returns (address)",
		"function assetDefaultStrategies(address _asset) view returns (address)",
		"function removeStrategy(address _addr)",
		"function withdrawAllFromStrategy(address _strategyAddr)",
		"function withdrawFromStrategy(address _strategyFromAddress, address[] _assets, uint256[] _amounts)",
		"function withdrawFromStrategy(address _strategyAddr, uint256 _amount)",
		"event Mint(address _addr, uint256 _value)",
		"event Redeem(address _addr, uint256 _value)",
		"event Payout(uint256 _dripperTransferred, uint256 _labsTransferred, uint256 _teamTransferred)",
	},

	"VaultAdmin": {
		"function setSwapper(address _swapper, bytes32 _poolId)",
		"function supportAsset(address _asset)",
		"function setPrimaryStable(address _primaryStable)",
		"function setHarvester(address _harvester)",
		"function setRedeemFeeBps(uint256 _redeemFeeBps)",
		"function setMintFeeBps(uint256 _mintFeeBps)",
		"function setFeeParams(address _labsAddress, address _teamAddress, address _treasuryAddress)",
		"function getFeeParams() view returns (address, uint256, address, uint256, address)",
		"function setHarvesterFeeParams(uint256 _labsFeeBps, uint256 _teamFeeBps)",
		"function pauseCapital()",
		"function unpauseCapital()",
		"function pauseRebase()",
		"function unpauseRebase()",
		"function approveStrategy(address _addr)",
		"function removeStrategy(address _addr)",
		"function setTrusteeFeeBps(uint256 _basis)",
		"function setDripper(address _dripper)",
		"function setQuickDepositStrategies(address[] _quickDepositStrategies)",
		"function setNextPayoutTime(uint256 _nextPayoutTime)",
		"function setPayoutIntervals(uint256 _payoutTimeRange, uint256 _payoutInterval)",
		"function setRebaseHandler(address _rebaseHandler)",
		"function setDepegParams(bool _depeg, uint256 _depegMargin)",
		"function setPoolBalanceCheckExponent(uint256 _exponent)",
		"function setMaxSupplyDiff(uint256 _maxSupplyDiff)",
		"function setStrategistAddr(address _address)",
		"function setStrategyWithWeights((address strategy, uint256 minWeight, uint256 targetWeight, uint256 maxWeight, bool enabled, bool enabledReward)[] _strategyWeights)",
		"function withdrawAllFromStrategy(address _strategyAddr)",
		"function withdrawFromStrategy(address _strategyFromAddress, address[] _assets, uint256[] _amounts)",
	},

	"Harvester": {
		"function initialize(address _vaultAddress, address _primaryStableAddress)",
		"function setRewardsProceedsAddress(address _rewardProceedsAddress)",
		"function rewardProceedsAddress() view returns (address)",
		"function harvest()",
		"function setSupportedStrategy(address _strategyAddress, bool _isSupported)",
		"function supportedStrategies(address _strategy) view returns (bool)",
		"function getTeam() view returns (address)",
		"function getLabs() view returns (address)",
	},

	"Dripper": {
		"constructor(address _vault, address _token)",
		"function setDripDuration(uint256 _durationSeconds)",
		"function collectAndRebase()",
		"function collect()",
		"function availableFunds() view returns (uint256)",
	},

	"CASH": {
		"function initialize(string _nameArg, string _symbolArg, address _vaultAddress)",
		"function name() view returns (string)",
		"function symbol() view returns (string)",
		"function decimals() view returns (uint8)",
		"function totalSupply() view returns (uint256)",
		"function balanceOf(address _account) view returns (uint256)",
		"function creditsBalanceOf(address _account) view returns (uint256, uint256)",
		"function transfer(address _to, uint256 _value) returns (bool)",
		"function approve(address _spender, uint256 _value) returns (bool)",
		"function vaultAddress() view returns (address)",
		"function rebasingCredits() view returns (uint256)",
		"function rebasingCreditsPerToken() view returns (uint256)",
		"function nonRebasingSupply() view returns (uint256)",
		"event Transfer(address indexed from, address indexed to, uint256 value)",
		"event TotalSupplyUpdatedHighres(uint256 totalSupply, uint256 rebasingCredits, uint256 rebasingCreditsPerToken)",
	},

	"WrappedCASH": {
		"constructor(address underlying_, string name_, string symbol_)",
		"function initialize()",
		"function asset() view returns (address)",
		"function totalAssets() view returns (uint256)",
	},

	"Governor": {
		"constructor(address admin_, uint256 delay_)",
		"function propose(address[] targets, string[] signatures, bytes[] calldatas, string description) returns (uint256)",
		"function queue(uint256 proposalId)",
		"function execute(uint256 proposalId) payable",
		"function cancel(uint256 proposalId)",
		"function state(uint256 proposalId) view returns (uint8)",
		"function getActions(uint256 proposalId) view returns (address[] targets, string[] signatures, bytes[] calldatas)",
		"function proposalCount() view returns (uint256)",
		"function admin() view returns (address)",
		"function pendingAdmin() view returns (address)",
		"function delay() view returns (uint256)",
		"event ProposalCreated(uint256 id, address proposer, address[] targets, string[] signatures, bytes[] calldatas, string description)",
		"event ProposalQueued(uint256 id, uint256 eta)",
		"event ProposalExecuted(uint256 id)",
		"event ProposalCancelled(uint256 id)",
	},

	"IStrategy": strategy,

	"AaveStrategy": {
		"function initialize(address _platformAddress, address _vaultAddress, address[] _rewardTokenAddresses, address[] _assets, address[] _pTokens, address[] _aaveAddresses)",
	},

	"ERC20": erc20,

	"MockERC20": {
		"function mint(uint256 amount)",
	},

	"MockChainlinkOracleFeed": {
		"function setDecimals(uint8 _decimals)",
		"function setPrice(int256 _price)",
		"function decimals() view returns (uint8)",
		"function latestRoundData() view returns (uint80 roundId, int256 answer, uint256 startedAt, uint256 updatedAt, uint80 answeredInRound)",
	},

	"OracleRouter": {
		"function setFeed(address _asset, address _feed)",
		"function price(address _asset) view returns (uint256)",
	},

	"Swapper": {
		"function setParams(uint256 _maxSlippage, address _vault, uint256 _minPrice)",
		"function swapPlaceRegister(string _placeType, address _swapPlace)",
		"function swapPlaceInfoRegister(address _token0, address _token1, address _pool, string _swapPlaceType)",
	},

	"BalancerSwapPlace": {
		"function setBalancerVault(address _balancerVault)",
		"function swapPlaceType() view returns (string)",
	},

	"RebaseToNonEoaHandler": {
		"function initialize(address _vault, address _primaryStable, address _cash)",
	},

	"VaultValueChecker": {
		"constructor(address _vault)",
		"function takeSnapshot()",
		"function snapshots(address _user) view returns (uint256 vaultValue, uint256 totalSupply)",
	},
}

// composed 描述由多个内置接口拼接而成的合约类型。
var composed = map[string][]string{
	"VaultCore":             {"VaultCore", "Governable"},
	"VaultAdmin":            {"VaultAdmin", "VaultCore", "Governable"},
	"Vault":                 {"Vault", "Governable"},
	"Harvester":             {"Harvester", "Governable"},
	"Dripper":               {"Dripper", "Governable"},
	"CASH":                  {"CASH", "Governable"},
	"WrappedCASH":           {"WrappedCASH", "ERC20", "Governable"},
	"AaveStrategy":          {"AaveStrategy", "IStrategy", "Governable"},
	"IStrategy":             {"IStrategy", "Governable"},
	"MockERC20":             {"MockERC20", "ERC20"},
	"OracleRouterDev":       {"OracleRouter", "Governable"},
	"OracleRouter":          {"OracleRouter", "Governable"},
	"RebaseToNonEoaHandler": {"RebaseToNonEoaHandler", "Governable"},
	"Swapper":               {"Swapper", "Governable"},
	"BalancerSwapPlace":     {"BalancerSwapPlace", "Governable"},

	"InitializeGovernedUpgradeabilityProxy": {"InitializeGovernedUpgradeabilityProxy", "Governable"},
}

var (
	builtinMu    sync.Mutex
	builtinCache = make(map[string]abi.ABI)
)

// interfaceFor maps a deployment's contract type onto a built-in interface
// name. Proxies, mock tokens, mock feeds and strategies (including dual
// strategies such as MeshSwapStrategyDual) share one interface.
func interfaceFor(contractType string) (string, bool) {
	if _, ok := composed[contractType]; ok {
		return contractType, true
	}
	if _, ok := builtin[contractType]; ok {
		return contractType, true
	}
	switch {
	case strings.HasPrefix(contractType, "MockChainlinkOracleFeed"):
		return "MockChainlinkOracleFeed", true
	case strings.HasSuffix(contractType, "Proxy"):
		return "InitializeGovernedUpgradeabilityProxy", true
	case strings.HasPrefix(contractType, "Mock"):
		return "MockERC20", true
	case strings.Contains(contractType, "Strategy"):
		return "IStrategy", true
	}
	return "", false
}

// BuiltinABI 返回内置接口的 ABI，未知类型返回 ARTIFACT_NOT_FOUND。
func BuiltinABI(contractType string) (abi.ABI, error) {
	name, ok := interfaceFor(contractType)
	if !ok {
		return abi.ABI{}, xerrors.New(xerrors.CodeArtifactNotFound, fmt.Sprintf("没有合约类型 %s 的内置接口", contractType),
			xerrors.WithMetadata("contract", contractType))
	}

	builtinMu.Lock()
	defer builtinMu.Unlock()
	if cached, ok := builtinCache[name]; ok {
		return cached, nil
	}
	parts := composed[name]
	if len(parts) == 0 {
		parts = []string{name}
	}
	var sigs []string
	for _, part := range parts {
		sigs = append(sigs, builtin[part]...)
	}
	parsed, err := ParseHumanABI(dedupe(sigs))
	if err != nil {
		return abi.ABI{}, err
	}
	builtinCache[name] = parsed
	return parsed, nil
}

// BuiltinTypes lists the contract types with a built-in interface.
func BuiltinTypes() []string {
	seen := make(map[string]struct{}, len(builtin)+len(composed))
	for k := range builtin {
		seen[k] = struct{}{}
	}
	for k := range composed {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// dedupe drops repeated signatures so composed interfaces can overlap.
func dedupe(sigs []string) []string {
	seen := make(map[string]struct{}, len(sigs))
	out := sigs[:0:0]
	for _, sig := range sigs {
		key := sig
		if open := strings.Index(sig, "("); open >= 0 {
			if norm, err := NormalizeSignature(strings.TrimPrefix(strings.TrimPrefix(sig, "function "), "event ")); err == nil {
				key = strings.SplitN(sig, " ", 2)[0] + " " + norm
			}
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, sig)
	}
	return out
}
