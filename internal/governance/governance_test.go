package governance

import (
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"VaultOps/internal/config"
	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/network"
	"VaultOps/internal/web3"
	"VaultOps/internal/web3/ethereum"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const anyCallBin = "0x6027600c60003960276000f37f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2060006000a100"

var (
	vaultAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	governorAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	strategyAddr = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func vaultAdmin(t *testing.T, client web3.Client, addr common.Address) *contracts.Contract {
	t.Helper()
	parsed, err := contracts.BuiltinABI("VaultAdmin")
	require.NoError(t, err)
	return contracts.New(client, "VaultProxy", "VaultAdmin", addr, parsed)
}

func TestGovernorArgsStripsSelector(t *testing.T) {
	vault := vaultAdmin(t, nil, vaultAddr)
	action := Action{
		Contract:  vault,
		Signature: "setStrategyWithWeights",
		Args: []any{[]map[string]any{{
			"strategy":      strategyAddr.Hex(),
			"minWeight":     "0",
			"targetWeight":  "100000",
			"maxWeight":     "100000",
			"enabled":       true,
			"enabledReward": true,
		}}},
	}

	target, sig, data, err := GovernorArgs(action)
	require.NoError(t, err)
	assert.Equal(t, vaultAddr, target)
	assert.Equal(t, "setStrategyWithWeights((address,uint256,uint256,uint256,bool,bool)[])", sig)

	full, err := vault.Pack(action.Signature, action.Args...)
	require.NoError(t, err)
	assert.Equal(t, full[4:], data)
	assert.Equal(t, crypto.Keccak256([]byte(sig))[:4], full[:4])
}

func TestBuildProposeArgs(t *testing.T) {
	vault := vaultAdmin(t, nil, vaultAddr)
	args, err := BuildProposeArgs([]Action{
		{Contract: vault, Signature: "pauseCapital()"},
		{Contract: vault, Signature: "setMaxSupplyDiff", Args: []any{"1000000000000000000"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, args.Len())
	assert.Equal(t, []string{"pauseCapital()", "setMaxSupplyDiff(uint256)"}, args.Signatures)
	assert.Equal(t, []string{"0x", "0x0000000000000000000000000000000000000000000000000de0b6b3a7640000"}, args.HexCalldatas())

	_, err = BuildProposeArgs([]Action{{Signature: "pauseCapital()"}})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestDefaultMode(t *testing.T) {
	cases := map[string]struct {
		cfg  config.NetworkConfig
		want Mode
	}{
		"mainnet":      {config.NetworkConfig{Name: "mainnet"}, ModePrint},
		"mainnet fork": {config.NetworkConfig{Name: "mainnet", Fork: true}, ModeImpersonate},
		"localhost":    {config.NetworkConfig{Name: "localhost"}, ModeDirect},
		"hardhat":      {config.NetworkConfig{Name: "hardhat"}, ModeDirect},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, DefaultMode(network.New(tc.cfg, false)))
		})
	}

	m, err := ParseMode(" Governor ")
	require.NoError(t, err)
	assert.Equal(t, ModeGovernor, m)
	_, err = ParseMode("multisig")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestExecutorPrintWritesDocument(t *testing.T) {
	dir := t.TempDir()
	exec := &Executor{
		Network:         network.New(config.NetworkConfig{Name: "mainnet"}, false),
		GovernorAccount: network.MainnetGovernor,
		OutputDir:       dir,
		Now:             func() time.Time { return time.Date(2024, 3, 1, 12, 30, 5, 0, time.UTC) },
	}
	vault := vaultAdmin(t, nil, vaultAddr)

	out, err := exec.Execute(context.Background(), &Proposal{
		Name:    "Pause capital",
		Actions: []Action{{Contract: vault, Signature: "pauseCapital()"}},
	})
	require.NoError(t, err)
	assert.Equal(t, ModePrint, out.Mode)
	assert.Equal(t, filepath.Join(dir, "proposal_mainnet_2024-03-01T12-30-05.000Z.json"), out.File)

	raw, err := os.ReadFile(out.File)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	want := Document{
		Governor:    network.MainnetGovernor,
		Description: "Pause capital",
		Targets:     []common.Address{vaultAddr},
		Signatures:  []string{"pauseCapital()"},
		Calldatas:   []string{"0x"},
	}
	assert.Empty(t, cmp.Diff(want, doc))
}

func TestExecutorEmptyProposalIsNoop(t *testing.T) {
	exec := &Executor{Network: network.New(config.NetworkConfig{Name: "localhost"}, false)}
	out, err := exec.Execute(context.Background(), &Proposal{Name: "nothing"})
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, out.Mode)
	assert.Empty(t, out.TxHashes)

	out, err = exec.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out.TxHashes)
}

func TestExecutorDirectOnSimulatedChain(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(1337))
	require.NoError(t, err)
	opts.GasLimit = 1_000_000
	backend := backends.NewSimulatedBackend(core.GenesisAlloc{
		opts.From: {Balance: new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil)},
	}, 8_000_000)
	client := ethereum.NewSimulatedClient("simulated", big.NewInt(1337), backend)
	t.Cleanup(client.Close)
	signer := contracts.KeyedSigner(opts)

	deployed, err := contracts.Deploy(ctx, client, signer, abi.ABI{}, common.FromHex(anyCallBin))
	require.NoError(t, err)
	vault := vaultAdmin(t, client, deployed.Address)

	exec := &Executor{
		Mode:           ModeDirect,
		Network:        network.New(config.NetworkConfig{Name: "simulated"}, false),
		Client:         client,
		GovernorSigner: signer,
	}
	out, err := exec.Execute(ctx, &Proposal{Actions: []Action{
		{Contract: vault, Signature: "unpauseCapital()"},
		{Contract: vault, Signature: "setMaxSupplyDiff", Args: []any{"1000"}},
	}})
	require.NoError(t, err)
	require.Len(t, out.TxHashes, 2)

	receipt, err := client.WaitMined(ctx, out.TxHashes[1])
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
}

// fakeGovernorChain answers Governor calls from in-memory state.
type fakeGovernorChain struct {
	web3.Client
	gov      abi.ABI
	count    int64
	stuck    bool
	states   map[int64]ProposalState
	sent     []web3.UnlockedTx
	balances map[common.Address]*big.Int
}

func newFakeGovernorChain(t *testing.T) *fakeGovernorChain {
	t.Helper()
	parsed, err := contracts.BuiltinABI("Governor")
	require.NoError(t, err)
	return &fakeGovernorChain{gov: parsed, states: map[int64]ProposalState{}, balances: map[common.Address]*big.Int{}}
}

func (f *fakeGovernorChain) CallContract(_ context.Context, msg gethcore.CallMsg) ([]byte, error) {
	m, err := f.gov.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch m.RawName {
	case "proposalCount":
		return m.Outputs.Pack(big.NewInt(f.count))
	case "state":
		id := new(big.Int).SetBytes(msg.Data[4:36]).Int64()
		return m.Outputs.Pack(uint8(f.states[id]))
	}
	return nil, xerrors.New(xerrors.CodeChainFailure, "unexpected call "+m.Sig)
}

func (f *fakeGovernorChain) SendUnlockedTransaction(_ context.Context, tx web3.UnlockedTx) (common.Hash, error) {
	f.sent = append(f.sent, tx)
	if tx.To != nil && *tx.To == governorAddr {
		m, err := f.gov.MethodById(tx.Data[:4])
		if err != nil {
			return common.Hash{}, err
		}
		switch m.RawName {
		case "propose":
			if !f.stuck {
				f.count++
			}
		case "queue":
			f.states[new(big.Int).SetBytes(tx.Data[4:36]).Int64()] = StateQueued
		case "execute":
			f.states[new(big.Int).SetBytes(tx.Data[4:36]).Int64()] = StateExecuted
		}
	}
	return common.BigToHash(big.NewInt(int64(len(f.sent)))), nil
}

func (f *fakeGovernorChain) WaitMined(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: big.NewInt(1)}, nil
}

func (f *fakeGovernorChain) BalanceAt(_ context.Context, account common.Address) (*big.Int, error) {
	if b, ok := f.balances[account]; ok {
		return b, nil
	}
	return new(big.Int), nil
}

// fakeNode records dev node calls.
type fakeNode struct {
	calls    []string
	advanced time.Duration
	chain    *fakeGovernorChain
}

func (n *fakeNode) ImpersonateAccount(_ context.Context, a common.Address) error {
	n.calls = append(n.calls, "impersonate "+a.Hex())
	return nil
}

func (n *fakeNode) StopImpersonatingAccount(_ context.Context, a common.Address) error {
	n.calls = append(n.calls, "stop "+a.Hex())
	return nil
}

func (n *fakeNode) SetBalance(_ context.Context, a common.Address, wei *big.Int) error {
	n.calls = append(n.calls, "balance "+a.Hex())
	if n.chain != nil {
		n.chain.balances[a] = wei
	}
	return nil
}

func (n *fakeNode) IncreaseTime(_ context.Context, d time.Duration) error {
	n.advanced += d
	return nil
}

func (n *fakeNode) Mine(context.Context) error { return nil }

func (n *fakeNode) BlockTimestamp(context.Context) (uint64, error) { return 0, nil }

func TestProposeAndExecute(t *testing.T) {
	ctx := context.Background()
	chain := newFakeGovernorChain(t)
	chain.count = 4
	node := &fakeNode{}
	gov, err := NewGovernor(chain, governorAddr)
	require.NoError(t, err)

	exec := &Executor{
		Mode:           ModeGovernor,
		Network:        network.New(config.NetworkConfig{Name: "localhost"}, false),
		Client:         chain,
		Node:           node,
		Governor:       gov,
		GovernorSigner: contracts.UnlockedSigner(network.MainnetGovernor),
	}
	vault := vaultAdmin(t, chain, vaultAddr)
	out, err := exec.Execute(ctx, &Proposal{Name: "Pause", Actions: []Action{{Contract: vault, Signature: "pauseCapital()"}}})
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(5), out.ProposalID)
	assert.Len(t, out.TxHashes, 3, "propose, queue, execute")
	assert.Equal(t, TimelockDelay, node.advanced)
	state, err := gov.State(ctx, out.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, state)

	_, err = gov.QueueAndExecute(ctx, node, exec.GovernorSigner, out.ProposalID)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeAlreadyCompleted))
}

func TestProposeRequiresCountIncrease(t *testing.T) {
	chain := newFakeGovernorChain(t)
	chain.stuck = true
	gov, err := NewGovernor(chain, governorAddr)
	require.NoError(t, err)

	args, err := BuildProposeArgs([]Action{{Contract: vaultAdmin(t, chain, vaultAddr), Signature: "pauseCapital()"}})
	require.NoError(t, err)
	_, _, err = gov.Propose(context.Background(), contracts.UnlockedSigner(governorAddr), args, "stuck")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeProposalFailure))
}

func TestExecutorImpersonate(t *testing.T) {
	chain := newFakeGovernorChain(t)
	node := &fakeNode{chain: chain}
	exec := &Executor{
		Network:         network.New(config.NetworkConfig{Name: "mainnet", Fork: true}, false),
		Client:          chain,
		Node:            node,
		GovernorAccount: network.MainnetGovernor,
	}
	vault := vaultAdmin(t, chain, vaultAddr)
	out, err := exec.Execute(context.Background(), &Proposal{Actions: []Action{
		{Contract: vault, Signature: "pauseCapital()"},
		{Contract: vault, Signature: "unpauseCapital()"},
	}})
	require.NoError(t, err)
	assert.Equal(t, ModeImpersonate, out.Mode)
	assert.Len(t, out.TxHashes, 2)

	gov := network.MainnetGovernor.Hex()
	assert.Equal(t, []string{"impersonate " + gov, "balance " + gov, "stop " + gov}, node.calls)
	require.Len(t, chain.sent, 2)
	assert.Equal(t, network.MainnetGovernor, chain.sent[0].From)
	assert.Equal(t, vaultAddr, *chain.sent[0].To)
	assert.Len(t, chain.sent[0].Data, 4, "full calldata with selector")
}

func TestWriteGnosisBatch(t *testing.T) {
	dir := t.TempDir()
	newGov := common.HexToAddress("0xE1E2a51292a094aaF6Dc0485e1D0C93b44f569Ba")
	at := time.Date(2023, 1, 2, 3, 4, 5, 600_000_000, time.UTC)

	path, err := WriteGnosisBatch(dir, "polygon", at, []GnosisTx{TransferGovernanceTx(vaultAddr, newGov)})
	require.NoError(t, err)
	assert.Equal(t, "for_gnosis_polygon_2023-01-02T03-04-05.600Z.json", filepath.Base(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "0", decoded[0]["value"])
	assert.Nil(t, decoded[0]["data"])
	assert.Equal(t, map[string]any{"_newGovernor": newGov.Hex()}, decoded[0]["contractInputsValues"])
	method := decoded[0]["contractMethod"].(map[string]any)
	assert.Equal(t, "transferGovernance", method["name"])
	assert.Equal(t, []any{map[string]any{"internalType": "address", "name": "_newGovernor", "type": "address"}}, method["inputs"])
}
