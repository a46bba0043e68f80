package ethereum

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// The contract emits one LOG1 with a fixed topic on every call and accepts any calldata.
const (
	simpleContractABI        = "[]"
	simpleContractBin        = "0x6027600c60003960276000f37f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2060006000a100"
	simpleContractEventTopic = "0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"
)

type simulatedEnv struct {
	client  *Client
	backend *backends.SimulatedBackend
	auth    *bind.TransactOpts
	chainID *big.Int
	key     []byte
}

func newSimulatedEnv(t *testing.T) simulatedEnv {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	chainID := big.NewInt(1337)
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		t.Fatalf("new transactor: %v", err)
	}
	auth.GasLimit = 1_000_000

	alloc := core.GenesisAlloc{
		auth.From: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	}
	backend := backends.NewSimulatedBackend(alloc, 8_000_000)
	client := NewSimulatedClient("simulated", chainID, backend)
	t.Cleanup(client.Close)

	return simulatedEnv{client: client, backend: backend, auth: auth, chainID: chainID, key: crypto.FromECDSA(key)}
}

func deploySimple(ctx context.Context, t *testing.T, env simulatedEnv) common.Address {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(simpleContractABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	result, err := env.client.DeployContract(ctx, env.auth, parsed, common.FromHex(simpleContractBin))
	if err != nil {
		t.Fatalf("deploy contract: %v", err)
	}
	if result.ContractAddress == (common.Address{}) {
		t.Fatal("expected contract address to be non-zero")
	}
	return result.ContractAddress
}

func TestClientDeployTransactSubscribe(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newSimulatedEnv(t)
	address := deploySimple(ctx, t, env)

	snapshot, err := env.client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x"+env.chainID.Text(16) {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber == "0x0" {
		t.Fatal("expected block number to advance after deployment")
	}

	sub, err := env.client.SubscribeEvents(ctx, gethcore.FilterQuery{Addresses: []common.Address{address}})
	if err != nil {
		t.Fatalf("subscribe events: %v", err)
	}
	defer sub.Close()

	tx, err := env.client.SendTransaction(ctx, env.auth, address, common.FromHex("0x4d1b1e7d"), nil)
	if err != nil {
		t.Fatalf("send transaction: %v", err)
	}
	receipt, err := env.client.WaitMined(ctx, tx.Hash())
	if err != nil {
		t.Fatalf("wait mined: %v", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("unexpected receipt status %d", receipt.Status)
	}
	if len(receipt.Logs) == 0 {
		t.Fatal("expected receipt to contain logs")
	}

	expectedTopic := common.HexToHash(simpleContractEventTopic)
	select {
	case log := <-sub.Logs():
		if log.Address != address {
			t.Fatalf("unexpected log address %s", log.Address.Hex())
		}
		if len(log.Topics) == 0 || log.Topics[0] != expectedTopic {
			t.Fatalf("unexpected log topics %+v", log.Topics)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event log")
	}

	balance, err := env.client.BalanceAt(ctx, env.auth.From)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() <= 0 {
		t.Fatal("expected positive balance")
	}

	code, err := env.client.CodeAt(ctx, address)
	if err != nil {
		t.Fatalf("code at: %v", err)
	}
	if len(code) == 0 {
		t.Fatal("expected runtime code at contract address")
	}
}

func TestClientSendBatchTransactions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newSimulatedEnv(t)
	address := deploySimple(ctx, t, env)

	key, err := crypto.ToECDSA(env.key)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	nonce, err := env.backend.PendingNonceAt(ctx, env.auth.From)
	if err != nil {
		t.Fatalf("pending nonce: %v", err)
	}
	head, err := env.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		t.Fatalf("latest header: %v", err)
	}
	gasTipCap := big.NewInt(1_000_000_000)
	gasFeeCap := new(big.Int).Set(gasTipCap)
	if head.BaseFee != nil {
		gasFeeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), gasTipCap)
	}

	var txs []*coretypes.Transaction
	for i := uint64(0); i < 2; i++ {
		tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
			ChainID:   env.chainID,
			Nonce:     nonce + i,
			GasTipCap: gasTipCap,
			GasFeeCap: gasFeeCap,
			Gas:       120000,
			To:        &address,
		})
		signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(env.chainID), key)
		if err != nil {
			t.Fatalf("sign tx: %v", err)
		}
		txs = append(txs, signed)
	}

	hashes, err := env.client.SendBatchTransactions(ctx, txs)
	if err != nil {
		t.Fatalf("send batch: %v", err)
	}
	if len(hashes) != 2 {
		t.Fatalf("expected 2 hashes, got %d", len(hashes))
	}
	for _, hash := range hashes {
		if _, err := env.client.WaitMined(ctx, hash); err != nil {
			t.Fatalf("wait mined: %v", err)
		}
	}

	if _, err := env.client.SendBatchTransactions(ctx, nil); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for empty batch, got %v", err)
	}
}

func TestClientIncreaseTime(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newSimulatedEnv(t)

	before, err := env.client.BlockTimestamp(ctx)
	if err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	if err := env.client.IncreaseTime(ctx, 3*24*time.Hour); err != nil {
		t.Fatalf("increase time: %v", err)
	}
	after, err := env.client.BlockTimestamp(ctx)
	if err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	if after < before+3*24*60*60 {
		t.Fatalf("expected clock to advance 3 days, before=%d after=%d", before, after)
	}
}

func TestSimulatedClientRejectsDevRPC(t *testing.T) {
	t.Parallel()

	env := newSimulatedEnv(t)
	err := env.client.ImpersonateAccount(context.Background(), env.auth.From)
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	_, err = env.client.SendUnlockedTransaction(context.Background(), web3.UnlockedTx{From: env.auth.From})
	if err == nil {
		t.Fatal("expected unlocked transactions to be rejected on simulated chain")
	}
	accounts, err := env.client.Accounts(context.Background())
	if err != nil || len(accounts) != 0 {
		t.Fatalf("expected no node accounts, got %v %v", accounts, err)
	}
}
