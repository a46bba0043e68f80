package governance

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/units"
	"VaultOps/internal/web3"
	"VaultOps/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ProposalState mirrors the Governor's proposal state enum.
type ProposalState uint8

const (
	StateNew ProposalState = iota
	StateQueued
	StateExpired
	StateExecuted
)

func (s ProposalState) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateQueued:
		return "Queued"
	case StateExpired:
		return "Expired"
	case StateExecuted:
		return "Executed"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// TimelockDelay 是分叉与测试链上排队后推进的时间。
const TimelockDelay = 72 * time.Hour

// Governor wraps the timelocked Governor contract.
type Governor struct {
	contract *contracts.Contract
}

// NewGovernor binds the Governor interface to addr.
func NewGovernor(client web3.Client, addr common.Address) (*Governor, error) {
	c, err := contracts.At(client, "Governor", addr)
	if err != nil {
		return nil, err
	}
	return &Governor{contract: c}, nil
}

// GovernorFrom wraps an already bound contract.
func GovernorFrom(c *contracts.Contract) *Governor {
	return &Governor{contract: c}
}

// Address returns the Governor contract address.
func (g *Governor) Address() common.Address { return g.contract.Address }

// ProposalCount returns proposalCount().
func (g *Governor) ProposalCount(ctx context.Context) (*big.Int, error) {
	return g.contract.CallBig(ctx, "proposalCount")
}

// Delay returns the timelock delay.
func (g *Governor) Delay(ctx context.Context) (time.Duration, error) {
	secs, err := g.contract.CallBig(ctx, "delay")
	if err != nil {
		return 0, err
	}
	return time.Duration(secs.Int64()) * time.Second, nil
}

// Admin returns the Governor admin.
func (g *Governor) Admin(ctx context.Context) (common.Address, error) {
	return g.contract.CallAddress(ctx, "admin")
}

// State returns the state of proposal id.
func (g *Governor) State(ctx context.Context, id *big.Int) (ProposalState, error) {
	v, err := g.contract.CallBig(ctx, "state", id)
	if err != nil {
		return 0, err
	}
	return ProposalState(v.Uint64()), nil
}

// GetActions returns the stored actions of proposal id.
func (g *Governor) GetActions(ctx context.Context, id *big.Int) (ProposeArgs, error) {
	out, err := g.contract.Call(ctx, "getActions", id)
	if err != nil {
		return ProposeArgs{}, err
	}
	if len(out) != 3 {
		return ProposeArgs{}, xerrors.New(xerrors.CodeChainFailure, fmt.Sprintf("getActions 返回了 %d 个值", len(out)))
	}
	targets, ok1 := out[0].([]common.Address)
	sigs, ok2 := out[1].([]string)
	datas, ok3 := out[2].([][]byte)
	if !ok1 || !ok2 || !ok3 {
		return ProposeArgs{}, xerrors.New(xerrors.CodeChainFailure, "getActions 返回值类型不匹配")
	}
	return ProposeArgs{Targets: targets, Signatures: sigs, Calldatas: datas}, nil
}

// Propose 提交提案，并要求 proposalCount 增加；返回新的提案编号。
func (g *Governor) Propose(ctx context.Context, signer contracts.Signer, args ProposeArgs, description string) (*big.Int, *types.Receipt, error) {
	before, err := g.ProposalCount(ctx)
	if err != nil {
		return nil, nil, err
	}
	receipt, err := g.contract.Transact(ctx, signer, "propose", args.Targets, args.Signatures, args.Calldatas, description)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeProposalFailure, err, "提交提案失败")
	}
	after, err := g.ProposalCount(ctx)
	if err != nil {
		return nil, receipt, err
	}
	if after.Cmp(before) <= 0 {
		return nil, receipt, xerrors.New(xerrors.CodeProposalFailure,
			fmt.Sprintf("提交后 proposalCount 未增加 (%s)", after.String()),
			xerrors.WithMetadata("tx", receipt.TxHash.Hex()))
	}
	logger.Audit().Info("治理提案已提交",
		"governor", g.Address().Hex(),
		"proposal_id", after.String(),
		"description", description,
		"actions", args.Len(),
		"proposer", signer.Address.Hex())
	return after, receipt, nil
}

// Queue queues proposal id.
func (g *Governor) Queue(ctx context.Context, signer contracts.Signer, id *big.Int) (*types.Receipt, error) {
	receipt, err := g.contract.Transact(ctx, signer, "queue", id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProposalFailure, err, fmt.Sprintf("提案 %s 排队失败", id))
	}
	return receipt, nil
}

// Execute executes proposal id.
func (g *Governor) Execute(ctx context.Context, signer contracts.Signer, id *big.Int) (*types.Receipt, error) {
	receipt, err := g.contract.Transact(ctx, signer, "execute", id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProposalFailure, err, fmt.Sprintf("执行提案 %s 失败", id))
	}
	logger.Audit().Info("治理提案已执行", "governor", g.Address().Hex(), "proposal_id", id.String(), "tx", receipt.TxHash.Hex())
	return receipt, nil
}

// QueueAndExecute 若提案尚未排队则先排队，推进链上时间（仅开发节点）后执行。
func (g *Governor) QueueAndExecute(ctx context.Context, node web3.DevNode, signer contracts.Signer, id *big.Int) ([]common.Hash, error) {
	var hashes []common.Hash
	state, err := g.State(ctx, id)
	if err != nil {
		return nil, err
	}
	switch state {
	case StateExecuted:
		return nil, xerrors.New(xerrors.CodeAlreadyCompleted, fmt.Sprintf("提案 %s 已执行", id))
	case StateExpired:
		return nil, xerrors.New(xerrors.CodeProposalFailure, fmt.Sprintf("提案 %s 已过期", id))
	case StateNew:
		receipt, err := g.Queue(ctx, signer, id)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, receipt.TxHash)
	}
	if node != nil {
		if err := units.AdvanceTime(ctx, node, TimelockDelay); err != nil {
			return hashes, err
		}
	}
	receipt, err := g.Execute(ctx, signer, id)
	if err != nil {
		return hashes, err
	}
	return append(hashes, receipt.TxHash), nil
}

// ProposeAndExecute 提交、排队、推进三天并执行提案。
func (g *Governor) ProposeAndExecute(ctx context.Context, node web3.DevNode, signer contracts.Signer, args ProposeArgs, description string) (*big.Int, []common.Hash, error) {
	id, receipt, err := g.Propose(ctx, signer, args, description)
	if err != nil {
		return nil, nil, err
	}
	hashes, err := g.QueueAndExecute(ctx, node, signer, id)
	return id, append([]common.Hash{receipt.TxHash}, hashes...), err
}
