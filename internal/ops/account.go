package ops

import (
	"context"
	"fmt"
	"math/big"

	"VaultOps/internal/addresses"
	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/network"
	"VaultOps/internal/units"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	// 节点前 4 个账户保留给 deployer、governor 等角色。
	defaultAccountIndex = 4
	defaultNumAccounts  = 10
	defaultFundAmount   = "10000"
	defaultMintAmount   = "1000"
	defaultRedeemAmount = "1000"
	nativeFundAmount    = "100"
	nativeTransferGas   = 21000
)

// fundedTokens are the stablecoins fund hands out.
var fundedTokens = []string{"DAI", "USDC", "USDT"}

func accountOperations() []Operation {
	return []Operation{
		{
			Name:        "accounts",
			Description: "列出命名账户与节点账户",
			Run:         runAccounts,
		},
		{
			Name:        "balance",
			Description: "查询账户的 CASH 余额与 credits",
			Params:      []string{"account"},
			Run:         runBalance,
		},
		{
			Name:        "fund",
			Description: "为测试账户注入原生币与稳定币",
			Params:      []string{"accounts?", "index?", "num?", "amount?", "native?", "native_only?"},
			Restrict:    localOrFork("fund"),
			Run:         runFund,
		},
		{
			Name:        "mint",
			Description: "测试账户用 USDT 铸造 CASH",
			Params:      []string{"index?", "num?", "amount?"},
			Restrict:    localOrFork("mint"),
			Run:         runMint,
		},
		{
			Name:        "redeem",
			Description: "测试账户赎回 CASH",
			Params:      []string{"index?", "num?", "amount?"},
			Restrict:    localOrFork("redeem"),
			Run:         runRedeem,
		},
		{
			Name:        "redeem-for",
			Description: "分叉上冒充指定账户赎回 CASH 并对比余额",
			Params:      []string{"account", "amount"},
			Restrict:    forkOnly("redeem-for"),
			Run:         runRedeemFor,
		},
		{
			Name:        "transfer",
			Description: "从节点账户转出 CASH",
			Params:      []string{"index", "amount", "to"},
			Run:         runTransfer,
		},
	}
}

func runAccounts(ctx context.Context, env *Env, _ Params) (Result, error) {
	res := newResult("accounts")
	named := make(map[string]any)
	for _, role := range env.Accounts.Roles() {
		acc, err := env.Accounts.Get(role)
		if err != nil {
			return res, err
		}
		named[string(role)] = map[string]any{
			"address":  acc.Address.Hex(),
			"unlocked": acc.Unlocked(),
		}
	}
	res.set("network", env.Network.String())
	res.set("named", named)

	list, err := env.Client.Accounts(ctx)
	if err != nil {
		return res, err
	}
	node := make([]string, len(list))
	for i, a := range list {
		node[i] = a.Hex()
	}
	res.set("node", node)
	return res, nil
}

func runBalance(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("balance")
	account, err := p.Address("account")
	if err != nil {
		return res, err
	}
	cash, err := env.Contract(ctx, "CASHProxy", "CASH")
	if err != nil {
		return res, err
	}
	balance, err := cash.CallBig(ctx, "balanceOf", account)
	if err != nil {
		return res, err
	}
	out, err := cash.Call(ctx, "creditsBalanceOf", account)
	if err != nil {
		return res, err
	}
	if len(out) != 2 {
		return res, xerrors.New(xerrors.CodeChainFailure, fmt.Sprintf("creditsBalanceOf 返回了 %d 个值", len(out)))
	}
	credits, ok1 := out[0].(*big.Int)
	perToken, ok2 := out[1].(*big.Int)
	if !ok1 || !ok2 {
		return res, xerrors.New(xerrors.CodeChainFailure, "creditsBalanceOf 返回值类型不匹配")
	}
	res.set("account", account.Hex())
	res.set("balance", units.Format(balance, cashDecimals))
	res.set("credits", units.Format(credits, cashDecimals))
	res.set("credits_per_token", units.Format(perToken, cashDecimals))
	return res, nil
}

// selectAccounts 返回参数 accounts 列出的地址，或节点账户中从 index 开始的 num 个。
func selectAccounts(ctx context.Context, env *Env, p Params) ([]common.Address, error) {
	explicit, err := p.Addresses("accounts")
	if err != nil {
		return nil, err
	}
	if len(explicit) > 0 {
		return explicit, nil
	}
	index, err := p.Int("index", defaultAccountIndex)
	if err != nil {
		return nil, err
	}
	num, err := p.Int("num", defaultNumAccounts)
	if err != nil {
		return nil, err
	}
	if index < 0 || num <= 0 {
		return nil, invalidParam("index", "index 不能为负且 num 必须为正")
	}
	list, err := env.Client.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	if index >= len(list) {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("节点只有 %d 个账户, 无法从第 %d 个开始", len(list), index))
	}
	end := index + num
	if end > len(list) {
		end = len(list)
	}
	return list[index:end], nil
}

// bestHolder 在地址簿的大户中找出 token 余额最大的账户，用于分叉上注资。
// token 为 nil 时比较原生币余额。
func bestHolder(ctx context.Context, env *Env, token *contracts.Contract) (common.Address, error) {
	holders := addresses.Polygon().Holders()
	if len(holders) == 0 {
		return common.Address{}, xerrors.New(xerrors.CodeNotFound, "地址簿中没有大户账户")
	}
	var (
		best    common.Address
		largest *big.Int
	)
	for _, h := range holders {
		var (
			bal *big.Int
			err error
		)
		if token == nil {
			bal, err = env.Client.BalanceAt(ctx, h)
		} else {
			bal, err = token.CallBig(ctx, "balanceOf", h)
		}
		if err != nil {
			return common.Address{}, err
		}
		if largest == nil || bal.Cmp(largest) >= 0 {
			best, largest = h, bal
		}
	}
	return best, nil
}

// sendNative 向每个目标转入 value。签名账户以批量交易发送，解锁账户逐笔发送。
func sendNative(ctx context.Context, env *Env, from contracts.Signer, targets []common.Address, value *big.Int) ([]common.Hash, error) {
	ctx, cancel := env.confirmContext(ctx)
	defer cancel()

	if from.Unlocked() {
		hashes := make([]common.Hash, 0, len(targets))
		for _, to := range targets {
			receipt, err := contracts.Send(ctx, env.Client, from, to, nil, value)
			if err != nil {
				return hashes, err
			}
			hashes = append(hashes, receipt.TxHash)
		}
		return hashes, nil
	}

	nonce, err := env.Client.PendingNonceAt(ctx, from.Address)
	if err != nil {
		return nil, err
	}
	price, err := env.Client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	txs := make([]*types.Transaction, 0, len(targets))
	for i, to := range targets {
		to := to
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce + uint64(i),
			GasPrice: price,
			Gas:      nativeTransferGas,
			To:       &to,
			Value:    value,
		})
		signed, err := from.Opts.Signer(from.Address, tx)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签名转账交易失败")
		}
		txs = append(txs, signed)
	}
	hashes, err := env.Client.SendBatchTransactions(ctx, txs)
	if err != nil {
		return nil, err
	}
	for _, h := range hashes {
		if _, err := contracts.WaitSuccess(ctx, env.Client, h); err != nil {
			return hashes, err
		}
	}
	return hashes, nil
}

// runFund 本地链上由 deployer 转原生币、账户自行铸造 Mock 稳定币；
// 分叉上由余额最大的大户转出原生币与稳定币。
func runFund(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("fund")
	targets, err := selectAccounts(ctx, env, p)
	if err != nil {
		return res, err
	}
	native, nativeHuman, err := p.Amount("native", nativeFundAmount, 18)
	if err != nil {
		return res, err
	}
	_, human, err := p.Amount("amount", defaultFundAmount, 18)
	if err != nil {
		return res, err
	}
	nativeOnly := false
	if _, ok := p.String("native_only"); ok {
		if nativeOnly, err = p.StrictBool("native_only"); err != nil {
			return res, err
		}
	}

	var from contracts.Signer
	fork := env.Network.IsFork()
	if fork {
		whale, err := bestHolder(ctx, env, nil)
		if err != nil {
			return res, err
		}
		stop, err := env.impersonate(ctx, whale)
		if err != nil {
			return res, err
		}
		defer stop()
		from = contracts.UnlockedSigner(whale)
	} else if from, err = env.Signer(ctx, network.RoleDeployer); err != nil {
		return res, err
	}
	hashes, err := sendNative(ctx, env, from, targets, native)
	res.addHashes(hashes...)
	if err != nil {
		return res, err
	}

	funded := make([]string, len(targets))
	for i, t := range targets {
		funded[i] = t.Hex()
	}
	res.set("accounts", funded)
	res.set("native", nativeHuman)
	if nativeOnly {
		return res, nil
	}

	set, err := addresses.AssetAddresses(ctx, env.Network, env.Deployments)
	if err != nil {
		return res, err
	}
	for _, symbol := range fundedTokens {
		addr, err := set.Get(symbol)
		if err != nil {
			return res, err
		}
		decimals, err := units.DecimalsOf(symbol)
		if err != nil {
			return res, err
		}
		amount, err := units.Parse(human, decimals)
		if err != nil {
			return res, invalidParam("amount", "%v", err)
		}
		if fork {
			err = fundFromHolder(ctx, env, &res, addr, targets, amount)
		} else {
			err = mintMocks(ctx, env, &res, addr, targets, amount)
		}
		if err != nil {
			return res, fmt.Errorf("注入 %s: %w", symbol, err)
		}
		env.log().Info("账户已注资", "token", symbol, "amount", human, "accounts", len(targets))
	}
	res.set("amount", human)
	return res, nil
}

func fundFromHolder(ctx context.Context, env *Env, res *Result, token common.Address, targets []common.Address, amount *big.Int) error {
	erc20, err := env.ContractAt("ERC20", token)
	if err != nil {
		return err
	}
	holder, err := bestHolder(ctx, env, erc20)
	if err != nil {
		return err
	}
	stop, err := env.impersonate(ctx, holder)
	if err != nil {
		return err
	}
	defer stop()
	signer := contracts.UnlockedSigner(holder)
	for _, to := range targets {
		if err := env.send(ctx, res, erc20, signer, "transfer", to, amount); err != nil {
			return err
		}
	}
	return nil
}

// mintMocks 让每个目标账户自行调用 Mock 代币的 mint，目标账户需由节点解锁。
func mintMocks(ctx context.Context, env *Env, res *Result, token common.Address, targets []common.Address, amount *big.Int) error {
	mock, err := env.ContractAt("MockERC20", token)
	if err != nil {
		return err
	}
	for _, to := range targets {
		if err := env.send(ctx, res, mock, contracts.UnlockedSigner(to), "mint", amount); err != nil {
			return err
		}
	}
	return nil
}

// accountSigner 返回节点账户的签名者；分叉上先冒充该账户。
func accountSigner(ctx context.Context, env *Env, account common.Address) (contracts.Signer, func(), error) {
	if env.Network.IsFork() {
		stop, err := env.impersonate(ctx, account)
		if err != nil {
			return contracts.Signer{}, nil, err
		}
		return contracts.UnlockedSigner(account), stop, nil
	}
	return contracts.UnlockedSigner(account), func() {}, nil
}

// runMint 每个账户先把 USDT 授权归零再授权目标数量，然后铸造 CASH。
func runMint(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("mint")
	amount, human, err := p.Amount("amount", defaultMintAmount, 6)
	if err != nil {
		return res, err
	}
	targets, err := selectAccounts(ctx, env, p)
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

	balances := make(map[string]string, len(targets))
	for _, account := range targets {
		have, err := usdt.CallBig(ctx, "balanceOf", account)
		if err != nil {
			return res, err
		}
		if have.Cmp(amount) < 0 {
			return res, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("账户 %s 的 USDT 余额 %s 不足以铸造 %s", account.Hex(), units.Format(have, 6), human))
		}
		signer, stop, err := accountSigner(ctx, env, account)
		if err != nil {
			return res, err
		}
		err = func() error {
			defer stop()
			if err := env.send(ctx, &res, usdt, signer, "approve", vault.Address, 0); err != nil {
				return err
			}
			if err := env.send(ctx, &res, usdt, signer, "approve", vault.Address, amount); err != nil {
				return err
			}
			return env.send(ctx, &res, vault, signer, "mint", usdtAddr, amount, 0)
		}()
		if err != nil {
			return res, err
		}
		bal, err := cash.CallBig(ctx, "balanceOf", account)
		if err != nil {
			return res, err
		}
		balances[account.Hex()] = units.Format(bal, cashDecimals)
	}
	res.set("amount", human)
	res.set("cash_balances", balances)
	return res, nil
}

func runRedeem(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("redeem")
	amount, human, err := p.Amount("amount", defaultRedeemAmount, cashDecimals)
	if err != nil {
		return res, err
	}
	targets, err := selectAccounts(ctx, env, p)
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

	balances := make(map[string]map[string]string, len(targets))
	for _, account := range targets {
		before, err := cash.CallBig(ctx, "balanceOf", account)
		if err != nil {
			return res, err
		}
		signer, stop, err := accountSigner(ctx, env, account)
		if err != nil {
			return res, err
		}
		err = env.send(ctx, &res, vault, signer, "redeem", amount, 0)
		stop()
		if err != nil {
			return res, err
		}
		after, err := cash.CallBig(ctx, "balanceOf", account)
		if err != nil {
			return res, err
		}
		balances[account.Hex()] = map[string]string{
			"before": units.Format(before, cashDecimals),
			"after":  units.Format(after, cashDecimals),
		}
	}
	res.set("amount", human)
	res.set("cash_balances", balances)
	return res, nil
}

// redeemSlippageBps 是 redeem-for 允许的最大滑点 (bps)。
const redeemSlippageBps = 500

// runRedeemFor 冒充 account 赎回 amount 个 CASH，最低接受 95% 的稳定币价值。
func runRedeemFor(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("redeem-for")
	account, err := p.Address("account")
	if err != nil {
		return res, err
	}
	amount, human, err := p.Amount("amount", "", cashDecimals)
	if err != nil {
		return res, err
	}
	if amount.Sign() <= 0 {
		return res, invalidParam("amount", "赎回数量必须为正数")
	}
	minimum := new(big.Int).Mul(amount, big.NewInt(10_000-redeemSlippageBps))
	minimum.Quo(minimum, big.NewInt(10_000))

	vault, err := env.Contract(ctx, "VaultProxy", "VaultCore")
	if err != nil {
		return res, err
	}
	cash, err := env.Contract(ctx, "CASHProxy", "CASH")
	if err != nil {
		return res, err
	}
	tracked, err := trackedTokens(ctx, env, cash)
	if err != nil {
		return res, err
	}

	stop, err := env.impersonate(ctx, account)
	if err != nil {
		return res, err
	}
	defer stop()

	before, err := tracked.balances(ctx, account)
	if err != nil {
		return res, err
	}
	env.log().Info("为账户赎回 CASH", "account", account.Hex(), "amount", human)
	if err := env.send(ctx, &res, vault, contracts.UnlockedSigner(account), "redeem", amount, minimum); err != nil {
		return res, err
	}
	after, err := tracked.balances(ctx, account)
	if err != nil {
		return res, err
	}
	res.set("account", account.Hex())
	res.set("amount", human)
	res.set("minimum", units.Format(minimum, cashDecimals))
	res.set("before", before)
	res.set("after", after)
	return res, nil
}

type trackedToken struct {
	symbol   string
	decimals int
	contract *contracts.Contract
}

type tokenSet []trackedToken

// trackedTokens 返回 CASH 与金库中常用稳定币的合约绑定。
func trackedTokens(ctx context.Context, env *Env, cash *contracts.Contract) (tokenSet, error) {
	set, err := addresses.AssetAddresses(ctx, env.Network, env.Deployments)
	if err != nil {
		return nil, err
	}
	out := tokenSet{{symbol: "CASH", decimals: cashDecimals, contract: cash}}
	for _, symbol := range fundedTokens {
		addr, err := set.Get(symbol)
		if err != nil {
			return nil, err
		}
		decimals, err := units.DecimalsOf(symbol)
		if err != nil {
			return nil, err
		}
		erc20, err := env.ContractAt("ERC20", addr)
		if err != nil {
			return nil, err
		}
		out = append(out, trackedToken{symbol: symbol, decimals: decimals, contract: erc20})
	}
	return out, nil
}

func (s tokenSet) balances(ctx context.Context, account common.Address) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for _, t := range s {
		bal, err := t.contract.CallBig(ctx, "balanceOf", account)
		if err != nil {
			return nil, err
		}
		out[t.symbol] = units.Format(bal, t.decimals)
	}
	return out, nil
}

func runTransfer(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("transfer")
	index, err := p.Int("index", -1)
	if err != nil {
		return res, err
	}
	if index < 0 {
		return res, invalidParam("index", "缺少必填参数")
	}
	amount, human, err := p.Amount("amount", "", cashDecimals)
	if err != nil {
		return res, err
	}
	to, err := p.Address("to")
	if err != nil {
		return res, err
	}
	list, err := env.Client.Accounts(ctx)
	if err != nil {
		return res, err
	}
	if index >= len(list) {
		return res, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("节点没有第 %d 个账户", index))
	}
	from := list[index]
	cash, err := env.Contract(ctx, "CASHProxy", "CASH")
	if err != nil {
		return res, err
	}

	balances := func() (map[string]string, error) {
		out := make(map[string]string, 2)
		for _, a := range []common.Address{from, to} {
			bal, err := cash.CallBig(ctx, "balanceOf", a)
			if err != nil {
				return nil, err
			}
			out[a.Hex()] = units.Format(bal, cashDecimals)
		}
		return out, nil
	}
	before, err := balances()
	if err != nil {
		return res, err
	}
	signer, stop, err := accountSigner(ctx, env, from)
	if err != nil {
		return res, err
	}
	err = env.send(ctx, &res, cash, signer, "transfer", to, amount)
	stop()
	if err != nil {
		return res, err
	}
	after, err := balances()
	if err != nil {
		return res, err
	}
	res.set("from", from.Hex())
	res.set("to", to.Hex())
	res.set("amount", human)
	res.set("before", before)
	res.set("after", after)
	return res, nil
}
