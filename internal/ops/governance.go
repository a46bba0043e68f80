package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"

	"VaultOps/internal/contracts"
	"VaultOps/internal/deploy"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/governance"
	"VaultOps/internal/network"
	"VaultOps/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// GovernableFile is the file list-governable writes into the output directory.
const GovernableFile = "rgovernable.json"

// Governable is one entry of GovernableFile.
type Governable struct {
	Name     string         `json:"name"`
	Governor common.Address `json:"governor"`
	Address  common.Address `json:"address"`
}

func governanceOperations() []Operation {
	return []Operation{
		{
			Name:        "governors",
			Description: "列出每个部署合约的 governor",
			Run:         runGovernors,
		},
		{
			Name:        "list-governable",
			Description: "把可治理合约写入 rgovernable.json",
			Run:         runListGovernable,
		},
		{
			Name:        "claim-governance",
			Description: "deployer 认领列表中合约的治理权",
			Params:      []string{"file?"},
			Run:         runClaimGovernance,
		},
		{
			Name:        "transfer-governance",
			Description: "将列表中合约的治理权转给新 governor, 并生成 Gnosis 批量交易",
			Params:      []string{"file?", "new_governor?"},
			Run:         runTransferGovernance,
		},
		{
			Name:        "proposal",
			Description: "输出提案状态与动作",
			Params:      []string{"id"},
			Run:         runProposal,
		},
		{
			Name:        "execute",
			Description: "排队 (如需要) 并执行治理提案",
			Params:      []string{"id", "governor?"},
			Run:         runExecute,
		},
		{
			Name:        "execute-on-fork",
			Description: "分叉上冒充 Governor 管理员排队、推进时间并执行提案",
			Params:      []string{"id"},
			Restrict:    forkOnly("execute-on-fork"),
			Run:         runExecuteOnFork,
		},
	}
}

// governables 查询每个部署记录的 governor()，跳过不可治理的合约。按部署时间排序。
func governables(ctx context.Context, env *Env) ([]Governable, error) {
	records, err := env.Deployments.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].DeployedAt.Equal(records[j].DeployedAt) {
			return records[i].DeployedAt.Before(records[j].DeployedAt)
		}
		return records[i].Name < records[j].Name
	})
	out := make([]Governable, 0, len(records))
	for _, rec := range records {
		c, err := env.ContractAt("Governable", rec.Address)
		if err != nil {
			return nil, err
		}
		gov, err := c.CallAddress(ctx, "governor")
		if err != nil {
			env.log().Debug("合约不可治理, 跳过", "deployment", rec.Name, "error", err)
			continue
		}
		out = append(out, Governable{Name: rec.Name, Governor: gov, Address: rec.Address})
	}
	return out, nil
}

func runGovernors(ctx context.Context, env *Env, _ Params) (Result, error) {
	res := newResult("governors")
	list, err := governables(ctx, env)
	if err != nil {
		return res, err
	}
	byName := make(map[string]string, len(list))
	for _, g := range list {
		byName[g.Name] = g.Governor.Hex()
	}
	res.set("governors", byName)
	return res, nil
}

func runListGovernable(ctx context.Context, env *Env, _ Params) (Result, error) {
	res := newResult("list-governable")
	if env.OutputDir == "" {
		return res, xerrors.New(xerrors.CodeInvalidArgument, "list-governable 需要输出目录")
	}
	list, err := governables(ctx, env)
	if err != nil {
		return res, err
	}
	encoded, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return res, fmt.Errorf("序列化 %s 失败: %w", GovernableFile, err)
	}
	if err := os.MkdirAll(env.OutputDir, 0o755); err != nil {
		return res, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建输出目录失败")
	}
	path := filepath.Join(env.OutputDir, GovernableFile)
	if err := os.WriteFile(path, append(encoded, '\n'), 0o644); err != nil {
		return res, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入 %s 失败", path))
	}
	res.set("file", path)
	res.set("count", len(list))
	return res, nil
}

// readGovernables 读取 file 参数指定的列表，缺省为输出目录下的 rgovernable.json。
func readGovernables(env *Env, p Params) ([]Governable, string, error) {
	path, ok := p.String("file")
	if !ok {
		path = filepath.Join(env.OutputDir, GovernableFile)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, path, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("可治理合约列表 %s 不存在, 请先执行 list-governable", path))
		}
		return nil, path, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取 %s 失败", path))
	}
	var list []Governable
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, path, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解析 %s 失败", path))
	}
	return list, path, nil
}

// runClaimGovernance 跳过 governor 已是 deployer 的合约；单个合约认领失败只记录，继续处理其余合约。
func runClaimGovernance(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("claim-governance")
	list, _, err := readGovernables(env, p)
	if err != nil {
		return res, err
	}
	deployer, err := env.Signer(ctx, network.RoleDeployer)
	if err != nil {
		return res, err
	}
	log := env.log().With("operation", res.Operation)

	var claimed, skipped, failed []string
	for _, g := range list {
		c, err := env.ContractAt("Governable", g.Address)
		if err != nil {
			return res, err
		}
		c.Name = g.Name
		current, err := c.CallAddress(ctx, "governor")
		if err != nil {
			log.Warn("读取 governor 失败", "contract", g.Name, "error", err)
			failed = append(failed, g.Name)
			continue
		}
		if current == deployer.Address {
			log.Info("治理权已认领", "contract", g.Name)
			skipped = append(skipped, g.Name)
			continue
		}
		if err := env.send(ctx, &res, c, deployer, "claimGovernance"); err != nil {
			log.Warn("认领治理权失败", "contract", g.Name, "code", xerrors.CodeOf(err), "error", err)
			failed = append(failed, g.Name)
			continue
		}
		claimed = append(claimed, g.Name)
	}
	res.set("claimed", claimed)
	res.set("skipped", skipped)
	res.set("failed", failed)
	return res, nil
}

func runTransferGovernance(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("transfer-governance")
	newGov := deploy.DefaultNewGovernor
	if _, ok := p.String("new_governor"); ok {
		addr, err := p.Address("new_governor")
		if err != nil {
			return res, err
		}
		newGov = addr
	}
	list, _, err := readGovernables(env, p)
	if err != nil {
		return res, err
	}
	deployer, err := env.Signer(ctx, network.RoleDeployer)
	if err != nil {
		return res, err
	}

	txs := make([]governance.GnosisTx, 0, len(list))
	for _, g := range list {
		c, err := env.ContractAt("Governable", g.Address)
		if err != nil {
			return res, err
		}
		c.Name = g.Name
		if err := env.send(ctx, &res, c, deployer, "transferGovernance", newGov); err != nil {
			return res, err
		}
		txs = append(txs, governance.TransferGovernanceTx(g.Address, newGov))
	}
	path, err := governance.WriteGnosisBatch(env.OutputDir, env.Network.Name, env.now(), txs)
	if err != nil {
		return res, err
	}
	logger.Audit().Info("治理权已转出", "network", env.Network.Name, "new_governor", newGov.Hex(), "contracts", len(txs))
	res.set("new_governor", newGov.Hex())
	res.set("file", path)
	res.set("count", len(txs))
	return res, nil
}

func proposalID(p Params) (*big.Int, error) {
	return p.BigInt("id")
}

// governor 绑定 Governor 合约；governor 参数可覆盖部署记录中的地址。
func governorContract(ctx context.Context, env *Env, p Params) (*governance.Governor, error) {
	if _, ok := p.String("governor"); ok {
		addr, err := p.Address("governor")
		if err != nil {
			return nil, err
		}
		c, err := env.ContractAt("Governor", addr)
		if err != nil {
			return nil, err
		}
		return governance.GovernorFrom(c), nil
	}
	c, err := env.Contract(ctx, "Governor", "Governor")
	if err != nil {
		return nil, err
	}
	return governance.GovernorFrom(c), nil
}

func runProposal(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("proposal")
	id, err := proposalID(p)
	if err != nil {
		return res, err
	}
	gov, err := governorContract(ctx, env, p)
	if err != nil {
		return res, err
	}
	state, err := gov.State(ctx, id)
	if err != nil {
		return res, err
	}
	args, err := gov.GetActions(ctx, id)
	if err != nil {
		return res, err
	}
	actions := make([]map[string]string, args.Len())
	for i := range args.Targets {
		actions[i] = map[string]string{
			"target":    args.Targets[i].Hex(),
			"signature": args.Signatures[i],
			"calldata":  hexutil.Encode(args.Calldatas[i]),
		}
	}
	res.set("id", id.String())
	res.set("governor", gov.Address().Hex())
	res.set("state", state.String())
	res.set("actions", actions)
	return res, nil
}

// runExecute 提案为 New 时先排队，然后执行。时间锁未到期时由链上拒绝。
func runExecute(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("execute")
	id, err := proposalID(p)
	if err != nil {
		return res, err
	}
	gov, err := governorContract(ctx, env, p)
	if err != nil {
		return res, err
	}
	signer, err := env.Signer(ctx, network.RoleGovernor)
	if err != nil {
		return res, err
	}
	hashes, err := gov.QueueAndExecute(ctx, nil, signer, id)
	res.addHashes(hashes...)
	res.set("id", id.String())
	return res, err
}

func runExecuteOnFork(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("execute-on-fork")
	id, err := proposalID(p)
	if err != nil {
		return res, err
	}
	if env.Node == nil {
		return res, xerrors.New(xerrors.CodeInvalidArgument, "execute-on-fork 需要开发节点")
	}
	gov, err := governorContract(ctx, env, p)
	if err != nil {
		return res, err
	}
	admin, err := gov.Admin(ctx)
	if err != nil {
		return res, err
	}
	stop, err := env.impersonate(ctx, admin)
	if err != nil {
		return res, err
	}
	defer stop()
	if err := topUp(ctx, env, admin); err != nil {
		return res, err
	}
	hashes, err := gov.QueueAndExecute(ctx, env.Node, contracts.UnlockedSigner(admin), id)
	res.addHashes(hashes...)
	res.set("id", id.String())
	res.set("admin", admin.Hex())
	return res, err
}
