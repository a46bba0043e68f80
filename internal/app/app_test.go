package app

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VaultOps/internal/config"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/governance"
	"VaultOps/internal/network"
	"VaultOps/internal/storage"
)

func offlineRuntime(t *testing.T, mode string) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.Deployments = t.TempDir()
	cfg.Paths.Output = t.TempDir()
	cfg.Deploy.ProposalMode = mode

	repo, err := openRepository(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return &Runtime{
		Config:  cfg,
		Network: network.New(config.NetworkConfig{Name: network.Localhost}, false),
		Accounts: network.NewAccounts(
			network.Account{Role: network.RoleDeployer, Address: common.HexToAddress("0xde")},
			network.Account{Role: network.RoleGovernor, Address: common.HexToAddress("0x90")},
		),
		Repo: repo,
	}
}

func TestExecutorWithoutGovernorDeployment(t *testing.T) {
	rt := offlineRuntime(t, "print")

	exec, err := rt.Executor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, governance.ModePrint, exec.Mode)
	assert.Equal(t, common.HexToAddress("0x90"), exec.GovernorAccount)
	assert.Nil(t, exec.Governor, "Governor 未部署时不绑定合约")
	assert.Equal(t, rt.Config.Paths.Output, exec.OutputDir)
}

func TestExecutorRejectsUnknownMode(t *testing.T) {
	rt := offlineRuntime(t, "carrier-pigeon")

	_, err := rt.Executor(context.Background())
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestDeployEnvUsesNamedAccounts(t *testing.T) {
	rt := offlineRuntime(t, "")
	require.NoError(t, rt.Repo.SaveDeployment(context.Background(), storage.Deployment{
		Name:       "VaultProxy",
		Network:    network.Localhost,
		Address:    common.HexToAddress("0xaa"),
		DeployedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}))

	env, err := rt.DeployEnv(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, env.Force)
	assert.Equal(t, common.HexToAddress("0xde"), env.DeployerAddr())
	assert.Equal(t, common.HexToAddress("0x90"), env.GovernorAddr())

	addr, err := env.Deployments.AddressOf(context.Background(), "VaultProxy")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xaa"), addr)
}

func TestOpenRepositoryRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Deployments.Driver = "etcd"
	_, err := openRepository(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}
