package weights

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type names map[string]common.Address

func (n names) AddressOf(_ context.Context, name string) (common.Address, error) {
	addr, ok := n[name]
	if !ok {
		return common.Address{}, xerrors.New(xerrors.CodeDeploymentNotFound, name)
	}
	return addr, nil
}

var tetu = names{
	"TetuStrategyDAIProxy":  common.HexToAddress("0xd1"),
	"TetuStrategyUSDTProxy": common.HexToAddress("0xd2"),
	"TetuStrategyUSDCProxy": common.HexToAddress("0xd3"),
}

func TestParsePercent(t *testing.T) {
	cases := map[string]Percent{"30": 30_000, "2.5": 2_500, "0.125": 125, "100": 100_000, "0": 0}
	for in, want := range cases {
		got, err := ParsePercent(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"-1", "100.001", "0.0001", "abc", ""} {
		_, err := ParsePercent(bad)
		assert.True(t, xerrors.HasCode(err, xerrors.CodeWeightsInvalid), bad)
	}
}

func TestBuildDefault(t *testing.T) {
	sorted, built, err := Build(context.Background(), Default(), tetu)
	require.NoError(t, err)

	assert.Equal(t, []string{"TetuStrategy - USDC", "TetuStrategy - DAI", "TetuStrategy - USDT"},
		[]string{sorted[0].Name, sorted[1].Name, sorted[2].Name})
	assert.Equal(t, tetu["TetuStrategyUSDCProxy"], built[0].Strategy)
	assert.Equal(t, big.NewInt(45_000), built[0].TargetWeight)
	assert.Equal(t, big.NewInt(100_000), built[0].MaxWeight)
	assert.Equal(t, big.NewInt(0), built[0].MinWeight)
}

func TestBuildRejectsWrongTotal(t *testing.T) {
	list := Default()
	list[0].TargetWeight = 29 * Scale
	_, _, err := Build(context.Background(), list, tetu)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeWeightsInvalid))

	list = Default()
	list[1].MinWeight = 50 * Scale
	_, _, err = Build(context.Background(), list, tetu)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeWeightsInvalid))
}

func TestBuildProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "n")
		// split 100% into n integer parts
		cuts := make([]int, 0, n-1)
		for i := 0; i < n-1; i++ {
			cuts = append(cuts, rapid.IntRange(0, 100).Draw(t, fmt.Sprintf("cut%d", i)))
		}
		parts := splitHundred(cuts)

		list := make([]StrategyWeight, len(parts))
		for i, p := range parts {
			list[i] = StrategyWeight{
				Strategy:     common.BigToAddress(big.NewInt(int64(i + 1))).Hex(),
				Name:         fmt.Sprintf("s%d", i),
				TargetWeight: Percent(p * Scale),
				MaxWeight:    100 * Scale,
			}
		}

		sorted, built, err := Build(context.Background(), list, nil)
		if err != nil {
			t.Fatalf("valid weights rejected: %v", err)
		}
		sum := new(big.Int)
		for i := range built {
			sum.Add(sum, built[i].TargetWeight)
			if i > 0 && built[i-1].TargetWeight.Cmp(built[i].TargetWeight) < 0 {
				t.Fatalf("not sorted descending at %d", i)
			}
			if i > 0 && sorted[i-1].TargetWeight == sorted[i].TargetWeight && sorted[i-1].Name > sorted[i].Name {
				t.Fatalf("equal weights lost input order at %d", i)
			}
		}
		if sum.Int64() != TotalWeight {
			t.Fatalf("sum %s", sum)
		}

		bump := rapid.IntRange(1, 1000).Draw(t, "bump")
		list[0].TargetWeight += Percent(bump)
		list[0].MaxWeight = list[0].TargetWeight
		if _, _, err := Build(context.Background(), list, nil); !xerrors.HasCode(err, xerrors.CodeWeightsInvalid) {
			t.Fatalf("sum off by %d accepted: %v", bump, err)
		}
	})
}

func splitHundred(cuts []int) []int {
	points := append([]int{0}, cuts...)
	points = append(points, 100)
	for i := 1; i < len(points); i++ {
		for j := i; j > 0 && points[j] < points[j-1]; j-- {
			points[j], points[j-1] = points[j-1], points[j]
		}
	}
	parts := make([]int, 0, len(points)-1)
	for i := 1; i < len(points); i++ {
		parts = append(parts, points[i]-points[i-1])
	}
	return parts
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
strategies:
  - strategy: TetuStrategyUSDCProxy
    name: Tetu USDC
    min_weight: 0
    target_weight: 62.5
    max_weight: 100
    enabled: true
    enabled_reward: true
  - strategy: "0x00000000000000000000000000000000000000e1"
    name: Aave USDC
    target_weight: 37.5
    max_weight: 100
    enabled: true
`), 0o644))

	list, err := Load(path)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, Percent(62_500), list[0].TargetWeight)
	assert.False(t, list[1].EnabledReward)

	_, built, err := Build(context.Background(), list, tetu)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xe1"), built[1].Strategy)

	def, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), def)

	_, err = Parse([]byte("strategies:\n  - strategy: x\n    target_weight: lots\n"))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeWeightsInvalid))
}

// vaultChain serves getAllStrategies and records sent transactions.
type vaultChain struct {
	web3.Client
	vault    abi.ABI
	approved []common.Address
	sent     []web3.UnlockedTx
}

func (v *vaultChain) CallContract(_ context.Context, msg gethcore.CallMsg) ([]byte, error) {
	m, err := v.vault.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	return m.Outputs.Pack(v.approved)
}

func (v *vaultChain) SendUnlockedTransaction(_ context.Context, tx web3.UnlockedTx) (common.Hash, error) {
	v.sent = append(v.sent, tx)
	return common.BigToHash(big.NewInt(int64(len(v.sent)))), nil
}

func (v *vaultChain) WaitMined(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: big.NewInt(1)}, nil
}

func TestProposalApprovesMissingStrategies(t *testing.T) {
	parsed, err := contracts.BuiltinABI("VaultAdmin")
	require.NoError(t, err)
	chain := &vaultChain{vault: parsed, approved: []common.Address{tetu["TetuStrategyDAIProxy"]}}
	vault := contracts.New(chain, "VaultProxy", "VaultAdmin", common.HexToAddress("0xaa"), parsed)
	deployer := contracts.UnlockedSigner(common.HexToAddress("0xde"))

	p, receipts, err := Proposal(context.Background(), vault, deployer, Default(), tetu)
	require.NoError(t, err)
	assert.Len(t, receipts, 2, "USDC and USDT were not approved")
	require.Len(t, chain.sent, 2)
	assert.Equal(t, parsed.Methods["approveStrategy"].ID, chain.sent[0].Data[:4])

	require.Len(t, p.Actions, 1)
	data, err := vault.Pack(p.Actions[0].Signature, p.Actions[0].Args...)
	require.NoError(t, err)
	m := parsed.Methods["setStrategyWithWeights"]
	assert.Equal(t, m.ID, data[:4])
	decoded, err := m.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Len(t, decoded, 1)

	_, _, err = Proposal(context.Background(), vault, deployer, Default()[:2], tetu)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeWeightsInvalid))
	assert.Len(t, chain.sent, 2, "no approvals when the weights are invalid")
}
