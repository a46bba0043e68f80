package ops

import (
	"context"
	"fmt"
	"strings"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/governance"

	"github.com/ethereum/go-ethereum/common"
)

// PreviewAction 是一条待编码的治理动作，Contract 为部署记录名称。
type PreviewAction struct {
	Contract     string `json:"contract"`
	ContractType string `json:"contract_type,omitempty"`
	Signature    string `json:"signature"`
	Args         []any  `json:"args,omitempty"`
}

// PreviewRequest 描述一次提案预览。Governor 为空时使用部署记录中的 Governor。
type PreviewRequest struct {
	Description string          `json:"description"`
	Governor    string          `json:"governor,omitempty"`
	Actions     []PreviewAction `json:"actions"`
}

// PreviewProposal 只编码 Governor.propose 的参数，不发送任何交易。
func (r *Registry) PreviewProposal(ctx context.Context, req PreviewRequest) (governance.Document, error) {
	if len(req.Actions) == 0 {
		return governance.Document{}, xerrors.New(xerrors.CodeInvalidArgument, "提案至少需要一个动作")
	}
	if r.env.Deployments.Repo == nil {
		return governance.Document{}, xerrors.New(xerrors.CodeInitializationFailure, "操作环境缺少部署记录仓库")
	}

	actions := make([]governance.Action, 0, len(req.Actions))
	for i, a := range req.Actions {
		if strings.TrimSpace(a.Contract) == "" || strings.TrimSpace(a.Signature) == "" {
			return governance.Document{}, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("第 %d 个动作缺少 contract 或 signature", i))
		}
		c, err := r.env.Contract(ctx, a.Contract, a.ContractType)
		if err != nil {
			return governance.Document{}, err
		}
		actions = append(actions, governance.Action{Contract: c, Signature: a.Signature, Args: a.Args})
	}
	args, err := governance.BuildProposeArgs(actions)
	if err != nil {
		return governance.Document{}, err
	}

	var gov common.Address
	if req.Governor != "" {
		if !common.IsHexAddress(req.Governor) {
			return governance.Document{}, xerrors.New(xerrors.CodeInvalidArgument, "governor 不是合法地址")
		}
		gov = common.HexToAddress(req.Governor)
	} else {
		if gov, err = r.env.Deployments.AddressOf(ctx, "Governor"); err != nil {
			return governance.Document{}, err
		}
	}

	proposal := governance.Proposal{Name: req.Description, Actions: actions}
	return governance.NewDocument(gov, proposal.Description(), args), nil
}
