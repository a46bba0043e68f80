// Package governance 构建治理提案并按网络选择执行方式：打印给多签、提交到
// Governor 合约、在分叉上冒充 governor 直接执行，或在测试网络上直接发送。
package governance

import (
	"fmt"
	"strings"

	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Action is a single governed call.
type Action struct {
	Contract  *contracts.Contract
	Signature string
	Args      []any
}

// Proposal groups the actions a deployment step or task wants the governor to run.
type Proposal struct {
	Name    string
	Actions []Action
}

// IsEmpty reports whether there is nothing to execute.
func (p *Proposal) IsEmpty() bool {
	return p == nil || len(p.Actions) == 0
}

// Description falls back to the action signatures when no name was given.
func (p *Proposal) Description() string {
	if p == nil {
		return ""
	}
	if strings.TrimSpace(p.Name) != "" {
		return p.Name
	}
	sigs := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		sigs[i] = a.Signature
	}
	return strings.Join(sigs, "; ")
}

// GovernorArgs 返回 Governor 需要的 (target, signature, calldata)，calldata 不含 4 字节选择器。
func GovernorArgs(a Action) (common.Address, string, []byte, error) {
	if a.Contract == nil {
		return common.Address{}, "", nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("提案动作 %s 缺少目标合约", a.Signature))
	}
	m, data, err := a.Contract.PackArgs(a.Signature, a.Args...)
	if err != nil {
		return common.Address{}, "", nil, err
	}
	return a.Contract.Address, m.Sig, data, nil
}

// ProposeArgs holds the parallel arrays passed to Governor.propose.
type ProposeArgs struct {
	Targets    []common.Address `json:"targets"`
	Signatures []string         `json:"signatures"`
	Calldatas  [][]byte         `json:"-"`
}

// BuildProposeArgs encodes every action of the proposal.
func BuildProposeArgs(actions []Action) (ProposeArgs, error) {
	args := ProposeArgs{
		Targets:    make([]common.Address, 0, len(actions)),
		Signatures: make([]string, 0, len(actions)),
		Calldatas:  make([][]byte, 0, len(actions)),
	}
	for i, a := range actions {
		target, sig, data, err := GovernorArgs(a)
		if err != nil {
			return ProposeArgs{}, fmt.Errorf("编码第 %d 个提案动作失败: %w", i, err)
		}
		args.Targets = append(args.Targets, target)
		args.Signatures = append(args.Signatures, sig)
		args.Calldatas = append(args.Calldatas, data)
	}
	return args, nil
}

// Len returns the number of actions.
func (p ProposeArgs) Len() int { return len(p.Targets) }

// HexCalldatas returns the calldatas as 0x strings.
func (p ProposeArgs) HexCalldatas() []string {
	out := make([]string, len(p.Calldatas))
	for i, d := range p.Calldatas {
		out[i] = hexutil.Encode(d)
	}
	return out
}

// Document is the JSON handed to multisig signers when the proposal cannot
// be sent from here.
type Document struct {
	Governor    common.Address   `json:"governor"`
	Description string           `json:"description"`
	Targets     []common.Address `json:"targets"`
	Signatures  []string         `json:"signatures"`
	Calldatas   []string         `json:"calldatas"`
}

// NewDocument renders args for the governor at addr.
func NewDocument(governor common.Address, description string, args ProposeArgs) Document {
	return Document{
		Governor:    governor,
		Description: description,
		Targets:     args.Targets,
		Signatures:  args.Signatures,
		Calldatas:   args.HexCalldatas(),
	}
}
