package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name         string
	RPCURL       string
	WSURL        string
	BatchRPCURL  string
	Notes        string
	PollInterval time.Duration
}

// Client implements web3.Client and web3.DevNode for EVM compatible chains.
type Client struct {
	name         string
	notes        string
	rpcClient    *gethrpc.Client
	batchClient  *gethrpc.Client
	eth          *ethclient.Client
	eventClient  logSubscriber
	backend      bind.ContractBackend
	sim          *backends.SimulatedBackend
	chainID      *big.Int
	pollInterval time.Duration
	mu           sync.Mutex
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

type receiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

type balanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "连接以太坊节点失败")
	}

	eth := ethclient.NewClient(rpcClient)

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			rpcClient.Close()
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "连接批量交易节点失败")
		}
	}

	eventClient := logSubscriber(eth)
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			eventClient = ethclient.NewClient(wsRPC)
		}
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	return &Client{
		name:         cfg.Name,
		notes:        cfg.Notes,
		rpcClient:    rpcClient,
		batchClient:  batchClient,
		eth:          eth,
		eventClient:  eventClient,
		backend:      eth,
		pollInterval: poll,
	}, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend) *Client {
	return &Client{
		name:         name,
		backend:      backend,
		sim:          backend,
		eventClient:  backend,
		chainID:      new(big.Int).Set(chainID),
		notes:        "simulated backend",
		pollInterval: 20 * time.Millisecond,
	}
}

// Name returns the chain name the client was registered under.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eventClient != nil {
		if ec, ok := c.eventClient.(*ethclient.Client); ok && ec != c.eth {
			ec.Close()
		}
		c.eventClient = nil
	}
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.batchClient = nil
}

// ChainID returns the chain id reported by the node, cached after the first call.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	if c.eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链 ID")
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return new(big.Int).Set(id), nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	id, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块失败")
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(id),
		BlockNumber: toHexBig(head.Number),
		Notes:       c.notes,
	}, nil
}

// BalanceAt returns the native balance of an account at the latest block.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	reader, ok := c.backend.(balanceReader)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "当前客户端不支持余额查询")
	}
	balance, err := reader.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询余额失败")
	}
	return balance, nil
}

// PendingNonceAt returns the next nonce of account, counting pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询账户 nonce 失败",
			xerrors.WithMetadata("account", account.Hex()))
	}
	return nonce, nil
}

// SuggestGasPrice returns the node's legacy gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取 gas 价格失败")
	}
	return price, nil
}

// CodeAt returns the runtime bytecode deployed at account.
func (c *Client) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	code, err := c.backend.CodeAt(ctx, account, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询合约代码失败")
	}
	return code, nil
}

// CallContract executes a read-only call at the latest block.
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "合约调用失败")
	}
	return out, nil
}

// DeployContract sends the contract creation transaction using the provided
// transact opts and bytecode.
func (c *Client) DeployContract(ctx context.Context, auth *bind.TransactOpts, parsed abi.ABI, bytecode []byte, params ...any) (web3.DeploymentResult, error) {
	if auth == nil {
		return web3.DeploymentResult{}, xerrors.New(xerrors.CodeInvalidArgument, "未提供交易签名器")
	}
	if len(bytecode) == 0 {
		return web3.DeploymentResult{}, xerrors.New(xerrors.CodeInvalidArgument, "合约字节码不能为空")
	}

	opts := *auth
	opts.Context = ctx

	address, tx, _, err := bind.DeployContract(&opts, parsed, bytecode, c.backend, params...)
	if err != nil {
		return web3.DeploymentResult{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "部署合约失败")
	}
	c.commit()

	return web3.DeploymentResult{ContractAddress: address, Transaction: tx}, nil
}

// SendTransaction signs calldata with the keyed transactor and broadcasts it.
// Nonce, gas and EIP-1559 fees are filled in by the bind package.
func (c *Client) SendTransaction(ctx context.Context, auth *bind.TransactOpts, to common.Address, data []byte, value *big.Int) (*coretypes.Transaction, error) {
	if auth == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供交易签名器")
	}
	opts := *auth
	opts.Context = ctx
	opts.Value = value

	bound := bind.NewBoundContract(to, abi.ABI{}, c.backend, c.backend, c.backend)
	tx, err := bound.RawTransact(&opts, data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "发送交易失败",
			xerrors.WithMetadata("to", to.Hex()))
	}
	c.commit()
	return tx, nil
}

// SendUnlockedTransaction asks the node to sign and send the transaction.
func (c *Client) SendUnlockedTransaction(ctx context.Context, tx web3.UnlockedTx) (common.Hash, error) {
	if c.rpcClient == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "模拟链不支持节点托管账户签名")
	}
	args := map[string]any{
		"from": tx.From,
		"data": hexutil.Bytes(tx.Data),
	}
	if tx.To != nil {
		args["to"] = *tx.To
	}
	if tx.Value != nil && tx.Value.Sign() > 0 {
		args["value"] = (*hexutil.Big)(tx.Value)
	}
	if tx.Gas > 0 {
		args["gas"] = hexutil.Uint64(tx.Gas)
	}

	var hash common.Hash
	if err := c.rpcClient.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "eth_sendTransaction 失败",
			xerrors.WithMetadata("from", tx.From.Hex()))
	}
	return hash, nil
}

// SendBatchTransactions broadcasts multiple signed transactions in a single
// RPC batch call when possible.
func (c *Client) SendBatchTransactions(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error) {
	if len(txs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "没有可发送的交易")
	}

	if c.sim != nil {
		hashes := make([]common.Hash, 0, len(txs))
		for _, tx := range txs {
			if err := c.sim.SendTransaction(ctx, tx); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "发送交易失败")
			}
			c.sim.Commit()
			hashes = append(hashes, tx.Hash())
		}
		return hashes, nil
	}

	if c.batchClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "当前客户端未配置批量 RPC")
	}

	hashes := make([]common.Hash, len(txs))
	elems := make([]gethrpc.BatchElem, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("序列化交易失败: %w", err)
		}
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{"0x" + hex.EncodeToString(raw)},
			Result: &hashes[i],
		}
	}

	if err := c.batchClient.BatchCallContext(ctx, elems); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "批量发送交易失败")
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, elems[i].Error, fmt.Sprintf("交易 %d 发送失败", i))
		}
	}
	return hashes, nil
}

// WaitMined polls for the receipt of hash until it is available or ctx ends.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	reader, ok := c.backend.(receiptReader)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "当前客户端不支持回执查询")
	}
	c.commit()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := reader.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易回执失败",
				xerrors.WithMetadata("tx", hash.Hex()))
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易确认超时",
				xerrors.WithMetadata("tx", hash.Hex()))
		case <-ticker.C:
			c.commit()
		}
	}
}

// SubscribeEvents attaches a log subscription to the chain.
func (c *Client) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	if c == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	subscriber := c.eventBackend()
	if subscriber == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "当前客户端不支持事件订阅")
	}

	logs := make(chan coretypes.Log, 64)
	sub, err := subscriber.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "订阅事件失败")
	}
	return web3.NewEventSubscription(logs, sub), nil
}

// Accounts lists the accounts managed by the node (eth_accounts).
func (c *Client) Accounts(ctx context.Context) ([]common.Address, error) {
	if c.rpcClient == nil {
		return nil, nil
	}
	var accounts []common.Address
	if err := c.rpcClient.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取节点账户失败")
	}
	return accounts, nil
}

// ImpersonateAccount lets the node sign for account (hardhat_impersonateAccount).
func (c *Client) ImpersonateAccount(ctx context.Context, account common.Address) error {
	return c.devCall(ctx, nil, "hardhat_impersonateAccount", account)
}

// StopImpersonatingAccount reverts ImpersonateAccount.
func (c *Client) StopImpersonatingAccount(ctx context.Context, account common.Address) error {
	return c.devCall(ctx, nil, "hardhat_stopImpersonatingAccount", account)
}

// SetBalance overrides the native balance of account (hardhat_setBalance).
func (c *Client) SetBalance(ctx context.Context, account common.Address, wei *big.Int) error {
	return c.devCall(ctx, nil, "hardhat_setBalance", account, (*hexutil.Big)(wei))
}

// IncreaseTime moves the chain clock forward and mines a block.
func (c *Client) IncreaseTime(ctx context.Context, d time.Duration) error {
	if c.sim != nil {
		if err := c.sim.AdjustTime(d); err != nil {
			return xerrors.Wrap(xerrors.CodeChainFailure, err, "调整模拟链时间失败")
		}
		c.sim.Commit()
		return nil
	}
	if err := c.devCall(ctx, nil, "evm_increaseTime", int64(d/time.Second)); err != nil {
		return err
	}
	return c.Mine(ctx)
}

// Mine produces one block (evm_mine).
func (c *Client) Mine(ctx context.Context) error {
	if c.sim != nil {
		c.sim.Commit()
		return nil
	}
	return c.devCall(ctx, nil, "evm_mine")
}

// BlockTimestamp returns the timestamp of the latest block.
func (c *Client) BlockTimestamp(ctx context.Context) (uint64, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块失败")
	}
	return head.Time, nil
}

func (c *Client) devCall(ctx context.Context, result any, method string, args ...any) error {
	if c.rpcClient == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("当前客户端不支持 %s", method))
	}
	if err := c.rpcClient.CallContext(ctx, result, method, args...); err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, method+" 调用失败")
	}
	return nil
}

func (c *Client) commit() {
	if c.sim != nil {
		c.sim.Commit()
	}
}

func (c *Client) eventBackend() logSubscriber {
	if c.eventClient != nil {
		return c.eventClient
	}
	if subscriber, ok := c.backend.(logSubscriber); ok {
		return subscriber
	}
	return nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var (
	_ web3.Client  = (*Client)(nil)
	_ web3.DevNode = (*Client)(nil)
)
