package web3

import (
	"context"
	"math/big"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
)

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// DeploymentResult captures the outcome of a contract deployment request.
type DeploymentResult struct {
	ContractAddress common.Address
	Transaction     *types.Transaction
}

// UnlockedTx is a transaction signed by the node itself through
// eth_sendTransaction. Dev nodes sign for their own accounts and forks sign
// for impersonated ones.
type UnlockedTx struct {
	From  common.Address
	To    *common.Address
	Data  []byte
	Value *big.Int
	Gas   uint64
}

// EventSubscription wraps a log subscription so callers can manage lifecycle
// without depending on the go-ethereum event package.
type EventSubscription struct {
	logs <-chan types.Log
	sub  gethevent.Subscription
}

// NewEventSubscription constructs a managed subscription wrapper.
func NewEventSubscription(logs <-chan types.Log, sub gethevent.Subscription) *EventSubscription {
	return &EventSubscription{logs: logs, sub: sub}
}

// Logs returns the channel that receives blockchain logs.
func (e *EventSubscription) Logs() <-chan types.Log {
	return e.logs
}

// Err forwards the subscription error channel.
func (e *EventSubscription) Err() <-chan error {
	if e == nil || e.sub == nil {
		return nil
	}
	return e.sub.Err()
}

// Close terminates the subscription.
func (e *EventSubscription) Close() {
	if e == nil || e.sub == nil {
		return
	}
	e.sub.Unsubscribe()
}

// Client defines the chain access the deployment and governance tooling
// needs, so higher layers work the same against a live node, a fork or the
// simulated backend used in tests.
type Client interface {
	Name() string
	ChainID(ctx context.Context) (*big.Int, error)
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error)
	DeployContract(ctx context.Context, auth *bind.TransactOpts, parsed abi.ABI, bytecode []byte, params ...any) (DeploymentResult, error)
	SendTransaction(ctx context.Context, auth *bind.TransactOpts, to common.Address, data []byte, value *big.Int) (*types.Transaction, error)
	SendUnlockedTransaction(ctx context.Context, tx UnlockedTx) (common.Hash, error)
	SendBatchTransactions(ctx context.Context, txs []*types.Transaction) ([]common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*EventSubscription, error)
	Accounts(ctx context.Context) ([]common.Address, error)
	Close()
}

// DevNode exposes the JSON-RPC extensions of hardhat style dev nodes and
// forks: account impersonation, balance cheats and chain time travel.
type DevNode interface {
	ImpersonateAccount(ctx context.Context, account common.Address) error
	StopImpersonatingAccount(ctx context.Context, account common.Address) error
	SetBalance(ctx context.Context, account common.Address, wei *big.Int) error
	IncreaseTime(ctx context.Context, d time.Duration) error
	Mine(ctx context.Context) error
	BlockTimestamp(ctx context.Context) (uint64, error)
}
