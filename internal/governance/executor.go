package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/network"
	"VaultOps/internal/web3"
	"VaultOps/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Mode 决定提案如何落地。
type Mode string

const (
	ModePrint       Mode = "print"
	ModeSubmit      Mode = "submit"
	ModeImpersonate Mode = "impersonate"
	ModeDirect      Mode = "direct"
	ModeGovernor    Mode = "governor"
)

// ParseMode validates a configured mode. An empty string yields "".
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModePrint, ModeSubmit, ModeImpersonate, ModeDirect, ModeGovernor:
		return m, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的提案执行方式: %s", s))
	}
}

// DefaultMode picks the mode from the network: mainnet prints for the
// multisig, a fork impersonates the governor, everything else sends directly.
func DefaultMode(net network.Network) Mode {
	switch {
	case net.IsMainnetButNotFork():
		return ModePrint
	case net.IsFork():
		return ModeImpersonate
	default:
		return ModeDirect
	}
}

// forkGasFunding is given to an impersonated governor that has no ether.
var forkGasFunding = new(big.Int).Mul(big.NewInt(10), big.NewInt(1_000_000_000_000_000_000))

// Executor hands proposals to the chain according to Mode.
type Executor struct {
	Mode    Mode
	Network network.Network
	Client  web3.Client
	// Node is required by the impersonate and governor modes.
	Node web3.DevNode
	// Governor is the timelocked Governor contract, required by submit and governor modes.
	Governor *Governor
	// GovernorAccount governs the protocol contracts.
	GovernorAccount common.Address
	GovernorSigner  contracts.Signer
	Proposer        contracts.Signer
	// OutputDir receives the proposal documents written in print mode.
	OutputDir string
	Now       func() time.Time
}

// Outcome describes what happened to a proposal.
type Outcome struct {
	Mode       Mode          `json:"mode"`
	ProposalID *big.Int      `json:"proposal_id,omitempty"`
	TxHashes   []common.Hash `json:"tx_hashes,omitempty"`
	File       string        `json:"file,omitempty"`
	Document   *Document     `json:"document,omitempty"`
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Executor) mode() Mode {
	if e.Mode != "" {
		return e.Mode
	}
	return DefaultMode(e.Network)
}

// Execute 执行提案；空提案直接返回。
func (e *Executor) Execute(ctx context.Context, p *Proposal) (Outcome, error) {
	mode := e.mode()
	out := Outcome{Mode: mode}
	if p.IsEmpty() {
		return out, nil
	}
	args, err := BuildProposeArgs(p.Actions)
	if err != nil {
		return out, err
	}
	log := logger.Named("governance").With("mode", string(mode), "proposal", p.Description(), "network", e.Network.Name)
	log.Info("执行治理提案", "actions", args.Len())

	switch mode {
	case ModePrint:
		return e.print(log, p, args)
	case ModeSubmit:
		if e.Governor == nil {
			return out, xerrors.New(xerrors.CodeInvalidArgument, "submit 模式需要 Governor 合约")
		}
		id, receipt, err := e.Governor.Propose(ctx, e.Proposer, args, p.Description())
		if err != nil {
			return out, err
		}
		out.ProposalID = id
		out.TxHashes = []common.Hash{receipt.TxHash}
		log.Info("提案已提交, 等待多签排队与执行", "proposal_id", id.String())
		return out, nil
	case ModeImpersonate:
		hashes, err := e.impersonate(ctx, p, args)
		out.TxHashes = hashes
		return out, err
	case ModeDirect:
		for _, a := range p.Actions {
			receipt, err := a.Contract.Transact(ctx, e.GovernorSigner, a.Signature, a.Args...)
			if err != nil {
				return out, err
			}
			out.TxHashes = append(out.TxHashes, receipt.TxHash)
		}
		return out, nil
	case ModeGovernor:
		if e.Governor == nil || e.Node == nil {
			return out, xerrors.New(xerrors.CodeInvalidArgument, "governor 模式需要 Governor 合约与开发节点")
		}
		id, hashes, err := e.Governor.ProposeAndExecute(ctx, e.Node, e.GovernorSigner, args, p.Description())
		out.ProposalID = id
		out.TxHashes = hashes
		return out, err
	default:
		return out, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的提案执行方式: %s", mode))
	}
}

func (e *Executor) print(log *slog.Logger, p *Proposal, args ProposeArgs) (Outcome, error) {
	doc := NewDocument(e.GovernorAccount, p.Description(), args)
	out := Outcome{Mode: ModePrint, Document: &doc}
	log.Info("主网提案需通过多签提交", "governor", e.GovernorAccount.Hex())

	if e.OutputDir == "" {
		return out, nil
	}
	path, err := writeJSON(e.OutputDir, timestampedName("proposal", e.Network.Name, e.now()), doc)
	if err != nil {
		return out, err
	}
	out.File = path
	log.Info("提案参数已写入文件", "file", path)
	return out, nil
}

// impersonate 在分叉上冒充 governor 账户，逐条直接发送提案动作。
func (e *Executor) impersonate(ctx context.Context, p *Proposal, args ProposeArgs) ([]common.Hash, error) {
	if e.Node == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "impersonate 模式需要开发节点")
	}
	gov := e.GovernorAccount
	if err := e.Node.ImpersonateAccount(ctx, gov); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.Node.StopImpersonatingAccount(context.WithoutCancel(ctx), gov); err != nil {
			logger.Named("governance").Warn("停止冒充 governor 失败", "governor", gov.Hex(), "error", err)
		}
	}()

	balance, err := e.Client.BalanceAt(ctx, gov)
	if err != nil {
		return nil, err
	}
	if balance.Sign() == 0 {
		if err := e.Node.SetBalance(ctx, gov, forkGasFunding); err != nil {
			return nil, err
		}
	}

	signer := contracts.UnlockedSigner(gov)
	hashes := make([]common.Hash, 0, args.Len())
	for i, a := range p.Actions {
		data, err := a.Contract.Pack(a.Signature, a.Args...)
		if err != nil {
			return hashes, err
		}
		receipt, err := contracts.Send(ctx, e.Client, signer, args.Targets[i], data, nil)
		if err != nil {
			return hashes, fmt.Errorf("%s.%s: %w", a.Contract.Name, a.Signature, err)
		}
		hashes = append(hashes, receipt.TxHash)
	}
	logger.Audit().Info("分叉上已冒充 governor 执行提案", "governor", gov.Hex(), "proposal", p.Description(), "actions", len(hashes))
	return hashes, nil
}

// timestampedName builds <prefix>_<network>_<ISO-8601 with ':' replaced by '-'>.json.
func timestampedName(prefix, networkName string, at time.Time) string {
	ts := strings.ReplaceAll(at.UTC().Format("2006-01-02T15:04:05.000Z"), ":", "-")
	return fmt.Sprintf("%s_%s_%s.json", prefix, networkName, ts)
}

func writeJSON(dir, name string, v any) (string, error) {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化 %s 失败: %w", name, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建输出目录失败")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, append(encoded, '\n'), 0o644); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入 %s 失败", path))
	}
	return path, nil
}
