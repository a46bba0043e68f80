package ops

import (
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"VaultOps/internal/artifacts"
	"VaultOps/internal/config"
	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/governance"
	"VaultOps/internal/network"
	"VaultOps/internal/storage"
	"VaultOps/internal/web3/ethereum"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// anyCallBin accepts any calldata and emits one LOG1 per call.
const anyCallBin = "0x6027600c60003960276000f37f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2060006000a100"

var anyCallTopic = common.HexToHash("0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20")

type recorder struct {
	mu     sync.Mutex
	events []string
	txs    map[string]int
}

func (r *recorder) ObserveOperation(name, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name+":"+status)
}

func (r *recorder) ObserveTransactions(name string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.txs == nil {
		r.txs = make(map[string]int)
	}
	r.txs[name] += count
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fixture struct {
	env      *Env
	client   *ethereum.Client
	deployer contracts.Signer
}

func newFixture(t *testing.T, cfg config.NetworkConfig) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chainID := big.NewInt(1337)
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	require.NoError(t, err)
	opts.GasLimit = 1_000_000

	backend := backends.NewSimulatedBackend(core.GenesisAlloc{
		opts.From: {Balance: new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)},
	}, 8_000_000)
	client := ethereum.NewSimulatedClient("simulated", chainID, backend)
	t.Cleanup(client.Close)

	repo, err := storage.NewFileRepository(t.TempDir())
	require.NoError(t, err)
	if cfg.ChainID == 0 {
		cfg.ChainID = 1337
	}
	net := network.New(cfg, false)
	return &fixture{
		env: &Env{
			Network:        net,
			Client:         client,
			Accounts:       network.NewAccounts(network.Account{Role: network.RoleDeployer, Address: opts.From, Key: key}),
			Deployments:    storage.Bind(repo, net.Name),
			OutputDir:      t.TempDir(),
			ConfirmTimeout: 10 * time.Second,
			Now:            func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		},
		client:   client,
		deployer: contracts.KeyedSigner(opts),
	}
}

func simulatedFixture(t *testing.T) *fixture {
	return newFixture(t, config.NetworkConfig{Name: network.Simulated})
}

// deployAnyCall deploys the log-emitting stub and records it under name.
func (f *fixture) deployAnyCall(t *testing.T, name string) common.Address {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	deployed, err := contracts.Deploy(ctx, f.client, f.deployer, abi.ABI{}, common.FromHex(anyCallBin))
	require.NoError(t, err)
	require.NoError(t, f.env.Deployments.Save(ctx, storage.Deployment{
		Name:         name,
		ContractType: "AnyCall",
		Address:      deployed.Address,
		DeployedAt:   f.env.now(),
	}))
	return deployed.Address
}

func (f *fixture) registry(t *testing.T) (*Registry, *recorder) {
	t.Helper()
	reg, err := NewDefaultRegistry(f.env)
	require.NoError(t, err)
	rec := &recorder{}
	reg.SetObserver(rec)
	return reg, rec
}

func TestRegistryRejectsDuplicatesAndUnknown(t *testing.T) {
	f := simulatedFixture(t)
	op := Operation{Name: "noop", Run: func(context.Context, *Env, Params) (Result, error) { return Result{}, nil }}

	_, err := NewRegistry(f.env, op, op)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	_, err = NewRegistry(f.env, Operation{Name: "broken"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	reg, rec := f.registry(t)
	_, err = reg.Execute(context.Background(), "does-not-exist", nil)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
	assert.Empty(t, rec.seen())
}

func TestRegistryListsOperationsSorted(t *testing.T) {
	reg, _ := simulatedFixture(t).registry(t)
	ops := reg.Operations()
	require.NotEmpty(t, ops)
	for i := 1; i < len(ops); i++ {
		assert.Less(t, ops[i-1].Name, ops[i].Name)
	}
	for _, name := range []string{"allocate", "capital", "debug", "fund", "mint", "redeem", "redeem-for", "set-oracle-price", "transfer-governance", "watch", "yield"} {
		assert.True(t, reg.Has(name), name)
	}
}

func TestRestrictedOperationsRefuseNetworks(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.NetworkConfig
		op   string
	}{
		{"harvest on mainnet", config.NetworkConfig{Name: network.Mainnet, ChainID: 1}, "harvest"},
		{"reallocate on rinkeby", config.NetworkConfig{Name: network.Rinkeby, ChainID: 4}, "reallocate"},
		{"fund on mainnet", config.NetworkConfig{Name: network.Mainnet, ChainID: 1}, "fund"},
		{"mint on polygon staging", config.NetworkConfig{Name: network.PolygonStaging, ChainID: 137}, "mint"},
		{"execute-on-fork off a fork", config.NetworkConfig{Name: network.Localhost}, "execute-on-fork"},
		{"redeem-for off a fork", config.NetworkConfig{Name: network.Localhost}, "redeem-for"},
		{"set-oracle-price on mainnet", config.NetworkConfig{Name: network.Mainnet, ChainID: 1}, "set-oracle-price"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg, rec := newFixture(t, tc.cfg).registry(t)
			_, err := reg.Execute(context.Background(), tc.op, Params{"id": "1"})
			require.Error(t, err)
			assert.True(t, xerrors.HasCode(err, xerrors.CodeNetworkForbidden), err.Error())
			assert.Equal(t, []string{tc.op + ":forbidden"}, rec.seen())
		})
	}
}

func TestHarvestAllowedOnMainnetFork(t *testing.T) {
	net := network.New(config.NetworkConfig{Name: network.Mainnet, ChainID: 1, Fork: true}, false)
	assert.NoError(t, notOnLiveNetworks("harvest")(net))
	assert.NoError(t, localOrFork("fund")(net))
}

func TestParamsStrictBool(t *testing.T) {
	for _, v := range []any{"true", "TRUE", true} {
		got, err := Params{"pause": v}.StrictBool("pause")
		require.NoError(t, err)
		assert.True(t, got)
	}
	for _, v := range []any{"yes", "1", ""} {
		_, err := Params{"pause": v}.StrictBool("pause")
		assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument), v)
	}
}

func TestParamsList(t *testing.T) {
	cases := []struct {
		in   any
		want []string
	}{
		{"DAI, USDC,,USDT ", []string{"DAI", "USDC", "USDT"}},
		{[]any{"a", " b "}, []string{"a", "b"}},
		{[]string{"x"}, []string{"x"}},
		{nil, nil},
	}
	for _, tc := range cases {
		if diff := cmp.Diff(tc.want, Params{"k": tc.in}.List("k")); diff != "" {
			t.Errorf("List(%v) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}

	_, err := Params{"accounts": "0x12,nope"}.Addresses("accounts")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestParamsAmount(t *testing.T) {
	v, human, err := Params{}.Amount("amount", "1.5", 6)
	require.NoError(t, err)
	assert.Equal(t, "1500000", v.String())
	assert.Equal(t, "1.5", human)

	_, _, err = Params{"amount": "abc"}.Amount("amount", "1", 6)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Uint32().Draw(t, "n")
		decimals := rapid.IntRange(0, 18).Draw(t, "decimals")
		got, _, err := Params{"amount": float64(n)}.Amount("amount", "", decimals)
		if err != nil {
			t.Fatalf("amount %d: %v", n, err)
		}
		want := new(big.Int).Mul(big.NewInt(int64(n)), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
		if got.Cmp(want) != 0 {
			t.Fatalf("amount %d with %d decimals: got %s want %s", n, decimals, got, want)
		}
	})
}

func TestParamsIntAndBigInt(t *testing.T) {
	n, err := Params{"count": json.Number("3")}.Int("count", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = Params{}.Int("count", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	id, err := Params{"id": "0x10"}.BigInt("id")
	require.NoError(t, err)
	assert.Equal(t, int64(16), id.Int64())

	// 前导零按十进制解析。
	id, err = Params{"id": "010"}.BigInt("id")
	require.NoError(t, err)
	assert.Equal(t, int64(10), id.Int64())

	for _, bad := range []string{"-1", "1_000", "0x", "+5", "0b11"} {
		_, err = Params{"id": bad}.BigInt("id")
		assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument), bad)
	}
}

func TestCapitalValidatesPauseFlag(t *testing.T) {
	reg, rec := simulatedFixture(t).registry(t)
	_, err := reg.Execute(context.Background(), "capital", Params{"pause": "maybe"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	assert.Equal(t, []string{"capital:failed"}, rec.seen())
}

func TestCapitalPrintsProposalOnMainnet(t *testing.T) {
	f := newFixture(t, config.NetworkConfig{Name: network.Mainnet, ChainID: 1})
	ctx := context.Background()
	require.NoError(t, f.env.Deployments.Save(ctx, storage.Deployment{
		Name: "VaultProxy", ContractType: "VaultProxy", Address: common.HexToAddress("0xabc"),
	}))
	f.env.Executor = &governance.Executor{
		Network:         f.env.Network,
		Client:          f.client,
		GovernorAccount: network.MainnetGovernor,
		OutputDir:       f.env.OutputDir,
		Now:             f.env.Now,
	}
	reg, _ := f.registry(t)

	res, err := reg.Execute(ctx, "capital", Params{"pause": "true"})
	require.NoError(t, err)
	assert.Equal(t, string(governance.ModePrint), res.Output["mode"])
	assert.Equal(t, true, res.Output["pause"])
	assert.Empty(t, res.TxHashes)
	file, ok := res.Output["file"].(string)
	require.True(t, ok)
	assert.FileExists(t, file)
}

func writeGovernables(t *testing.T, env *Env, list []Governable) {
	t.Helper()
	raw, err := json.Marshal(list)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(env.OutputDir, GovernableFile), raw, 0o644))
}

func TestTransferGovernanceWritesGnosisBatch(t *testing.T) {
	f := simulatedFixture(t)
	a := f.deployAnyCall(t, "VaultProxy")
	b := f.deployAnyCall(t, "CASHProxy")
	writeGovernables(t, f.env, []Governable{
		{Name: "VaultProxy", Governor: f.deployer.Address, Address: a},
		{Name: "CASHProxy", Governor: f.deployer.Address, Address: b},
	})
	reg, rec := f.registry(t)
	newGov := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	res, err := reg.Execute(context.Background(), "transfer-governance", Params{"new_governor": newGov.Hex()})
	require.NoError(t, err)
	assert.Len(t, res.TxHashes, 2)
	assert.Equal(t, 2, rec.txs["transfer-governance"])
	assert.Equal(t, newGov.Hex(), res.Output["new_governor"])
	assert.Equal(t, 2, res.Output["count"])

	path, ok := res.Output["file"].(string)
	require.True(t, ok)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var txs []map[string]any
	require.NoError(t, json.Unmarshal(raw, &txs))
	assert.Len(t, txs, 2)
}

func TestTransferGovernanceNeedsList(t *testing.T) {
	reg, _ := simulatedFixture(t).registry(t)
	_, err := reg.Execute(context.Background(), "transfer-governance", nil)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestClaimGovernanceContinuesPastFailures(t *testing.T) {
	f := simulatedFixture(t)
	a := f.deployAnyCall(t, "VaultProxy")
	b := f.deployAnyCall(t, "Harvester")
	writeGovernables(t, f.env, []Governable{
		{Name: "VaultProxy", Address: a},
		{Name: "Harvester", Address: b},
	})
	reg, rec := f.registry(t)

	res, err := reg.Execute(context.Background(), "claim-governance", nil)
	require.NoError(t, err)
	// 桩合约不返回 governor()，两个合约都记为失败。
	assert.Equal(t, []string{"VaultProxy", "Harvester"}, res.Output["failed"])
	assert.Empty(t, res.Output["claimed"])
	assert.Equal(t, []string{"claim-governance:succeeded"}, rec.seen())
}

func TestGovernorsSkipsUngovernable(t *testing.T) {
	f := simulatedFixture(t)
	f.deployAnyCall(t, "VaultProxy")
	reg, _ := f.registry(t)

	res, err := reg.Execute(context.Background(), "list-governable", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Output["count"])
	assert.FileExists(t, filepath.Join(f.env.OutputDir, GovernableFile))
}

func TestFundSendsNativeBatchFromKeyedDeployer(t *testing.T) {
	f := simulatedFixture(t)
	targets := []common.Address{
		common.HexToAddress("0x00000000000000000000000000000000000000b1"),
		common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		common.HexToAddress("0x00000000000000000000000000000000000000b3"),
	}
	list := make([]any, len(targets))
	for i, a := range targets {
		list[i] = a.Hex()
	}
	reg, _ := f.registry(t)

	ctx := context.Background()
	res, err := reg.Execute(ctx, "fund", Params{"accounts": list, "native_only": "true"})
	require.NoError(t, err)
	assert.Len(t, res.TxHashes, len(targets))
	assert.Equal(t, nativeFundAmount, res.Output["native"])

	want := new(big.Int).Mul(big.NewInt(100), big.NewInt(1_000_000_000_000_000_000))
	for _, a := range targets {
		got, err := f.client.BalanceAt(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Cmp(want), "balance of %s is %s", a.Hex(), got)
	}
}

func TestFundRejectsBadIndex(t *testing.T) {
	reg, _ := simulatedFixture(t).registry(t)
	_, err := reg.Execute(context.Background(), "fund", Params{"index": "-1"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestWatchReceivesContractLogs(t *testing.T) {
	f := simulatedFixture(t)
	addr := f.deployAnyCall(t, "VaultProxy")
	reg, _ := f.registry(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// 订阅建立前发送的日志不会被收到，持续发送直到 watch 返回。
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = contracts.Send(ctx, f.client, f.deployer, addr, []byte{0x01}, nil)
			}
		}
	}()

	res, err := reg.Execute(ctx, "watch", Params{"count": "1", "timeout": "10s"})
	close(done)
	wg.Wait()
	require.NoError(t, err)

	events, ok := res.Output["events"].([]WatchedEvent)
	require.True(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, addr.Hex(), events[0].Address)
	assert.Equal(t, "unknown("+anyCallTopic.Hex()+")", events[0].Event)
	assert.Nil(t, res.Output["timed_out"])
}

func TestWatchTimesOutWithoutEvents(t *testing.T) {
	f := simulatedFixture(t)
	f.deployAnyCall(t, "VaultProxy")
	reg, _ := f.registry(t)

	res, err := reg.Execute(context.Background(), "watch", Params{"timeout": "100ms"})
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["timed_out"])
	assert.Empty(t, res.Output["events"])
}

func TestWatchValidatesParams(t *testing.T) {
	reg, _ := simulatedFixture(t).registry(t)
	for _, p := range []Params{{"count": "0"}, {"timeout": "soon"}} {
		_, err := reg.Execute(context.Background(), "watch", p)
		assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument), strconv.Quote(p.keys()[0]))
	}
}

func TestDebugToleratesMissingContracts(t *testing.T) {
	f := simulatedFixture(t)
	f.deployAnyCall(t, "VaultProxy")
	reg, _ := f.registry(t)

	res, err := reg.Execute(context.Background(), "debug", nil)
	require.NoError(t, err)
	errs, ok := res.Output["errors"].(map[string]string)
	require.True(t, ok)
	assert.Contains(t, errs, "vault.totalValue")
	recorded, ok := res.Output["addresses"].(map[string]string)
	require.True(t, ok)
	assert.Contains(t, recorded, "VaultProxy")
}

func TestPreviewProposalEncodesWithoutSending(t *testing.T) {
	f := simulatedFixture(t)
	vault := f.deployAnyCall(t, "VaultProxy")
	gov := f.deployAnyCall(t, "Governor")
	reg, _ := f.registry(t)
	ctx := context.Background()

	before, err := f.client.PendingNonceAt(ctx, f.deployer.Address)
	require.NoError(t, err)

	doc, err := reg.PreviewProposal(ctx, PreviewRequest{
		Description: "raise trustee fee",
		Actions: []PreviewAction{
			{Contract: "VaultProxy", ContractType: "VaultAdmin", Signature: "setTrusteeFeeBps(uint256)", Args: []any{json.Number("1000")}},
			{Contract: "VaultProxy", ContractType: "VaultAdmin", Signature: "pauseRebase()"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, gov, doc.Governor)
	assert.Equal(t, "raise trustee fee", doc.Description)
	assert.Equal(t, []common.Address{vault, vault}, doc.Targets)
	assert.Equal(t, []string{"setTrusteeFeeBps(uint256)", "pauseRebase()"}, doc.Signatures)
	assert.Equal(t, "0x00000000000000000000000000000000000000000000000000000000000003e8", doc.Calldatas[0])
	assert.Equal(t, "0x", doc.Calldatas[1])

	after, err := f.client.PendingNonceAt(ctx, f.deployer.Address)
	require.NoError(t, err)
	assert.Equal(t, before, after, "preview must not send transactions")
}

func TestPreviewProposalValidation(t *testing.T) {
	f := simulatedFixture(t)
	reg, _ := f.registry(t)
	ctx := context.Background()

	_, err := reg.PreviewProposal(ctx, PreviewRequest{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = reg.PreviewProposal(ctx, PreviewRequest{Actions: []PreviewAction{{Contract: "VaultProxy"}}})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = reg.PreviewProposal(ctx, PreviewRequest{
		Governor: "0x1234",
		Actions:  []PreviewAction{{Contract: "Missing", Signature: "pauseRebase()"}},
	})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeDeploymentNotFound))
}

func TestVaultBindingSurvivesPartialAdminArtifact(t *testing.T) {
	f := simulatedFixture(t)
	dir := t.TempDir()
	// 编译产物中的 VaultAdmin 只有管理函数，读取方法位于 VaultCore。
	artifact := `{"contractName":"VaultAdmin","abi":[` +
		`{"type":"function","name":"approveStrategy","inputs":[{"name":"_addr","type":"address"}],"outputs":[],"stateMutability":"nonpayable"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "VaultAdmin.json"), []byte(artifact), 0o644))
	f.env.Artifacts = artifacts.NewStore(dir)
	f.deployAnyCall(t, "VaultProxy")

	vault, err := f.env.vault(context.Background())
	require.NoError(t, err)
	for _, sig := range []string{"approveStrategy(address)", "getAllStrategies()", "allocate()"} {
		_, err := vault.Method(sig)
		assert.NoError(t, err, sig)
	}
}

func TestSetOraclePriceWritesMockFeed(t *testing.T) {
	f := simulatedFixture(t)
	f.deployAnyCall(t, "MockChainlinkOracleFeedDAI")
	reg, rec := f.registry(t)

	res, err := reg.Execute(context.Background(), "set-oracle-price", Params{"symbol": "dai", "price": "1.02"})
	require.NoError(t, err)
	assert.Len(t, res.TxHashes, 2, "setDecimals and setPrice")
	assert.Equal(t, "DAI", res.Output["symbol"])
	assert.Equal(t, "1.02", res.Output["price"])
	// 没有部署金库时不回读价格。
	assert.NotContains(t, res.Output, "router_price")
	assert.Equal(t, 2, rec.txs["set-oracle-price"])

	_, err = reg.Execute(context.Background(), "set-oracle-price", Params{"symbol": "usdc", "price": "1"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeDeploymentNotFound), err)

	_, err = reg.Execute(context.Background(), "set-oracle-price", Params{"symbol": "dai", "price": "abc"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument), err)

	_, err = reg.Execute(context.Background(), "set-oracle-price", Params{"symbol": "dai"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument), err)
}

func TestRedeemForValidatesBeforeImpersonating(t *testing.T) {
	f := newFixture(t, config.NetworkConfig{Name: network.Simulated, Fork: true})
	reg, _ := f.registry(t)
	account := "0x00000000000000000000000000000000000000b2"

	cases := []struct {
		name   string
		params Params
		code   xerrors.Code
	}{
		{"missing account", Params{"amount": "10"}, xerrors.CodeInvalidArgument},
		{"missing amount", Params{"account": account}, xerrors.CodeInvalidArgument},
		{"zero amount", Params{"account": account, "amount": "0"}, xerrors.CodeInvalidArgument},
		{"vault not deployed", Params{"account": account, "amount": "10"}, xerrors.CodeDeploymentNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Execute(context.Background(), "redeem-for", tc.params)
			require.Error(t, err)
			assert.True(t, xerrors.HasCode(err, tc.code), err.Error())
		})
	}
}
