// Package weights 构建策略权重提案：按目标权重排序、放大 1000 倍并校验总和，
// 最终生成一条 setStrategyWithWeights 治理动作。
package weights

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/governance"
	"VaultOps/internal/units"
	"VaultOps/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"gopkg.in/yaml.v3"
)

// Scale converts percent into the vault's weight units.
const Scale = 1000

// TotalWeight is the required sum of the scaled target weights.
const TotalWeight = 100 * Scale

// Percent is a weight in percent with up to three decimals, stored already
// multiplied by Scale.
type Percent int64

// ParsePercent parses "30", "2.5" or "0.125".
func ParsePercent(s string) (Percent, error) {
	v, err := units.Parse(s, 3)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeWeightsInvalid, err, fmt.Sprintf("权重格式无效: %q", s))
	}
	if v.Sign() < 0 || v.Cmp(big.NewInt(TotalWeight)) > 0 {
		return 0, xerrors.New(xerrors.CodeWeightsInvalid, fmt.Sprintf("权重必须在 0 到 100 之间: %s", s))
	}
	return Percent(v.Int64()), nil
}

// Scaled returns the weight in vault units.
func (p Percent) Scaled() *big.Int { return big.NewInt(int64(p)) }

func (p Percent) String() string { return units.Format(big.NewInt(int64(p)), 3) }

// UnmarshalYAML accepts integer and decimal scalars.
func (p *Percent) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return xerrors.New(xerrors.CodeWeightsInvalid, fmt.Sprintf("第 %d 行: 权重必须是数字", node.Line))
	}
	v, err := ParsePercent(node.Value)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// MarshalYAML renders the percent value.
func (p Percent) MarshalYAML() (any, error) { return p.String(), nil }

// StrategyWeight describes one strategy entry. Strategy is either a
// deployment name or a hex address.
type StrategyWeight struct {
	Strategy      string  `yaml:"strategy"`
	Contract      string  `yaml:"contract,omitempty"`
	Name          string  `yaml:"name"`
	MinWeight     Percent `yaml:"min_weight"`
	TargetWeight  Percent `yaml:"target_weight"`
	MaxWeight     Percent `yaml:"max_weight"`
	Enabled       bool    `yaml:"enabled"`
	EnabledReward bool    `yaml:"enabled_reward"`
}

type weightsFile struct {
	Strategies []StrategyWeight `yaml:"strategies"`
}

// Default is the Tetu allocation: DAI 30, USDT 25, USDC 45.
func Default() []StrategyWeight {
	entry := func(proxy, name string, target Percent) StrategyWeight {
		return StrategyWeight{
			Strategy:      proxy,
			Contract:      "TetuStrategy",
			Name:          name,
			TargetWeight:  target,
			MaxWeight:     100 * Scale,
			Enabled:       true,
			EnabledReward: true,
		}
	}
	return []StrategyWeight{
		entry("TetuStrategyDAIProxy", "TetuStrategy - DAI", 30*Scale),
		entry("TetuStrategyUSDTProxy", "TetuStrategy - USDT", 25*Scale),
		entry("TetuStrategyUSDCProxy", "TetuStrategy - USDC", 45*Scale),
	}
}

// Parse decodes a weights YAML document.
func Parse(data []byte) ([]StrategyWeight, error) {
	var file weightsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		if xerrors.HasCode(err, xerrors.CodeWeightsInvalid) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeWeightsInvalid, err, "解析权重文件失败")
	}
	if len(file.Strategies) == 0 {
		return nil, xerrors.New(xerrors.CodeWeightsInvalid, "权重文件没有策略")
	}
	return file.Strategies, nil
}

// Load reads path, or returns Default when path is empty.
func Load(path string) ([]StrategyWeight, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("读取权重文件 %s 失败", path))
	}
	return Parse(data)
}

// Weight is the on-chain tuple of setStrategyWithWeights.
type Weight struct {
	Strategy      common.Address
	MinWeight     *big.Int
	TargetWeight  *big.Int
	MaxWeight     *big.Int
	Enabled       bool
	EnabledReward bool
}

// Resolver maps a deployment name onto its address.
type Resolver interface {
	AddressOf(ctx context.Context, name string) (common.Address, error)
}

// Build 按目标权重降序稳定排序、解析策略地址，并要求目标权重之和为 100000。
func Build(ctx context.Context, list []StrategyWeight, resolver Resolver) ([]StrategyWeight, []Weight, error) {
	sorted := append([]StrategyWeight(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TargetWeight > sorted[j].TargetWeight })

	var total int64
	out := make([]Weight, 0, len(sorted))
	for _, w := range sorted {
		if w.MinWeight > w.TargetWeight || w.TargetWeight > w.MaxWeight {
			return nil, nil, xerrors.New(xerrors.CodeWeightsInvalid,
				fmt.Sprintf("策略 %s 的权重需满足 min <= target <= max (%s/%s/%s)", w.label(), w.MinWeight, w.TargetWeight, w.MaxWeight))
		}
		addr, err := resolve(ctx, resolver, w.Strategy)
		if err != nil {
			return nil, nil, fmt.Errorf("解析策略 %s 失败: %w", w.label(), err)
		}
		total += int64(w.TargetWeight)
		out = append(out, Weight{
			Strategy:      addr,
			MinWeight:     w.MinWeight.Scaled(),
			TargetWeight:  w.TargetWeight.Scaled(),
			MaxWeight:     w.MaxWeight.Scaled(),
			Enabled:       w.Enabled,
			EnabledReward: w.EnabledReward,
		})
	}
	if total != TotalWeight {
		return nil, nil, xerrors.New(xerrors.CodeWeightsInvalid,
			fmt.Sprintf("目标权重之和为 %d, 需要 %d", total, TotalWeight),
			xerrors.WithMetadata("total", fmt.Sprint(total)))
	}
	return sorted, out, nil
}

func (w StrategyWeight) label() string {
	if w.Name != "" {
		return w.Name
	}
	return w.Strategy
}

func resolve(ctx context.Context, resolver Resolver, strategy string) (common.Address, error) {
	strategy = strings.TrimSpace(strategy)
	if common.IsHexAddress(strategy) {
		return common.HexToAddress(strategy), nil
	}
	if resolver == nil {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无法解析策略 %s", strategy))
	}
	return resolver.AddressOf(ctx, strategy)
}

// Proposal 在金库中批准尚未批准的策略（deployer 发送），并返回设置权重的提案。
func Proposal(ctx context.Context, vault *contracts.Contract, deployer contracts.Signer, list []StrategyWeight, resolver Resolver) (*governance.Proposal, []*types.Receipt, error) {
	sorted, built, err := Build(ctx, list, resolver)
	if err != nil {
		return nil, nil, err
	}
	approved, err := vault.CallAddresses(ctx, "getAllStrategies")
	if err != nil {
		return nil, nil, err
	}
	known := make(map[common.Address]bool, len(approved))
	for _, a := range approved {
		known[a] = true
	}

	log := logger.Named("weights")
	var receipts []*types.Receipt
	for i, w := range built {
		if known[w.Strategy] {
			log.Info("策略已批准", "strategy", sorted[i].label())
			continue
		}
		log.Warn("策略未批准, 由 deployer 批准", "strategy", sorted[i].label(), "address", w.Strategy.Hex())
		receipt, err := vault.Transact(ctx, deployer, "approveStrategy", w.Strategy)
		if err != nil {
			return nil, receipts, err
		}
		receipts = append(receipts, receipt)
		known[w.Strategy] = true
	}

	return &governance.Proposal{
		Name: "Setting Strategy Weights",
		Actions: []governance.Action{{
			Contract:  vault,
			Signature: "setStrategyWithWeights",
			Args:      []any{built},
		}},
	}, receipts, nil
}
