package network

import (
	"context"
	"errors"
	"testing"

	"VaultOps/internal/config"
	xerrors "VaultOps/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkFlags(t *testing.T) {
	cases := []struct {
		name     string
		cfg      config.NetworkConfig
		check    func(Network) bool
		expected bool
	}{
		{"localhost", config.NetworkConfig{Name: "localhost"}, Network.IsLocalhost, true},
		{"localhost fork is not localhost", config.NetworkConfig{Name: "localhost", Fork: true}, Network.IsLocalhost, false},
		{"mainnet", config.NetworkConfig{Name: "mainnet"}, Network.IsMainnet, true},
		{"mainnet but not fork", config.NetworkConfig{Name: "mainnet"}, Network.IsMainnetButNotFork, true},
		{"mainnet fork", config.NetworkConfig{Name: "mainnet", Fork: true}, Network.IsMainnetButNotFork, false},
		{"fork counts as mainnet or fork", config.NetworkConfig{Name: "localhost", Fork: true}, Network.IsMainnetOrFork, true},
		{"rinkeby", config.NetworkConfig{Name: "rinkeby"}, Network.IsMainnetOrRinkebyOrFork, true},
		{"staging", config.NetworkConfig{Name: "polygon_staging"}, Network.IsPolygonStaging, true},
		{"hardhat is test network", config.NetworkConfig{Name: "hardhat"}, Network.IsTestNetwork, true},
		{"fork is not test network", config.NetworkConfig{Name: "hardhat", Fork: true}, Network.IsTestNetwork, false},
		{"is test env", config.NetworkConfig{Name: "hardhat", Test: true}, Network.IsTest, true},
		{"smoke test env", config.NetworkConfig{Name: "hardhat", SmokeTest: true}, Network.IsSmokeTest, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.check(New(tc.cfg, false)))
		})
	}
}

func TestNewDefaultsToDevChain(t *testing.T) {
	n := New(config.NetworkConfig{}, true)
	assert.Equal(t, Localhost, n.Name)
	assert.Equal(t, int64(DevChainID), n.ChainID.Int64())
	assert.True(t, n.IsVerificationRequired())
	assert.Equal(t, "localhost(fork)", New(config.NetworkConfig{Name: "localhost", Fork: true}, false).String())
}

type fakeNode struct {
	accounts []common.Address
	err      error
	calls    int
}

func (f *fakeNode) Accounts(context.Context) ([]common.Address, error) {
	f.calls++
	return f.accounts, f.err
}

func TestResolveAccountsLocalUsesFirstNodeAccount(t *testing.T) {
	node := &fakeNode{accounts: []common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")}}
	net := New(config.NetworkConfig{Name: "localhost"}, false)

	accounts, err := ResolveAccounts(context.Background(), net, config.AccountsConfig{}, func(string) string { return "" }, node)
	require.NoError(t, err)

	for _, role := range []Role{RoleDeployer, RoleGovernor, RoleGuardian, RoleAdjuster, RoleStrategist, RoleProposer} {
		acc, err := accounts.Get(role)
		require.NoError(t, err)
		assert.Equal(t, common.HexToAddress("0x01"), acc.Address, role)
		assert.True(t, acc.Unlocked())
	}
	assert.Equal(t, 1, node.calls)
}

func TestResolveAccountsForkUsesProductionAddresses(t *testing.T) {
	node := &fakeNode{accounts: []common.Address{common.HexToAddress("0x01")}}
	net := New(config.NetworkConfig{Name: "localhost", Fork: true}, false)

	accounts, err := ResolveAccounts(context.Background(), net, config.AccountsConfig{}, func(string) string { return "" }, node)
	require.NoError(t, err)

	gov, _ := accounts.Get(RoleGovernor)
	assert.Equal(t, MainnetGovernor, gov.Address)
	strategist, _ := accounts.Get(RoleStrategist)
	assert.Equal(t, MainnetStrategist, strategist.Address)
	// the deployer keeps the node account on a fork
	deployer, _ := accounts.Get(RoleDeployer)
	assert.Equal(t, common.HexToAddress("0x01"), deployer.Address)
}

func TestResolveAccountsPrivateKeyFromEnv(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))
	env := map[string]string{"DEPLOYER_PK": "0x" + hexKey}

	cfg := config.AccountsConfig{
		Deployer: config.AccountConfig{PrivateKeyEnv: "DEPLOYER_PK"},
	}
	net := New(config.NetworkConfig{Name: "mainnet"}, false)
	accounts, err := ResolveAccounts(context.Background(), net, cfg, func(k string) string { return env[k] }, nil)
	require.NoError(t, err)

	deployer, _ := accounts.Get(RoleDeployer)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), deployer.Address)
	assert.False(t, deployer.Unlocked())

	proposer, _ := accounts.Get(RoleProposer)
	assert.Equal(t, deployer.Address, proposer.Address)

	gov, _ := accounts.Get(RoleGovernor)
	assert.Equal(t, MainnetGovernor, gov.Address)
}

func TestResolveAccountsRejectsMismatchedKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	env := map[string]string{"GOVERNOR_PK": common.Bytes2Hex(crypto.FromECDSA(key))}
	cfg := config.AccountsConfig{
		Governor: config.AccountConfig{Address: "0x0000000000000000000000000000000000000abc", PrivateKeyEnv: "GOVERNOR_PK"},
	}
	net := New(config.NetworkConfig{Name: "mainnet"}, false)
	_, err = ResolveAccounts(context.Background(), net, cfg, func(k string) string { return env[k] }, nil)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestResolveAccountsNodeFailure(t *testing.T) {
	node := &fakeNode{err: errors.New("connection refused")}
	net := New(config.NetworkConfig{Name: "localhost"}, false)
	_, err := ResolveAccounts(context.Background(), net, config.AccountsConfig{}, func(string) string { return "" }, node)
	assert.Error(t, err)
}
