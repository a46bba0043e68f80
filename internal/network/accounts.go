package network

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sort"
	"strings"

	"VaultOps/internal/config"
	xerrors "VaultOps/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Role names a protocol account.
type Role string

const (
	RoleDeployer   Role = "deployer"
	RoleGovernor   Role = "governor"
	RoleGuardian   Role = "guardian"
	RoleAdjuster   Role = "adjuster"
	RoleStrategist Role = "strategist"
	RoleProposer   Role = "proposer"
)

// Production addresses of the protocol roles.
var (
	MainnetDeployer      = common.HexToAddress("0x442bB41E499bB21aFc6a42327C9E257a7d09872e")
	MainnetGovernor      = common.HexToAddress("0x442bB41E499bB21aFc6a42327C9E257a7d09872e")
	MainnetMultisig      = common.HexToAddress("0x442bB41E499bB21aFc6a42327C9E257a7d09872e")
	MainnetClaimAdjuster = MainnetDeployer
	MainnetStrategist    = common.HexToAddress("0x442bB41E499bB21aFc6a42327C9E257a7d09872e")
)

// Account is a named account. A nil Key means the node signs for it.
type Account struct {
	Role    Role
	Address common.Address
	Key     *ecdsa.PrivateKey
}

// Unlocked reports whether transactions are signed by the node.
func (a Account) Unlocked() bool { return a.Key == nil }

// NodeAccounts lists the accounts a dev node manages (eth_accounts).
type NodeAccounts interface {
	Accounts(ctx context.Context) ([]common.Address, error)
}

// Accounts resolves roles to accounts.
type Accounts struct {
	byRole map[Role]Account
}

// NewAccounts builds an Accounts set from explicit entries.
func NewAccounts(list ...Account) Accounts {
	byRole := make(map[Role]Account, len(list))
	for _, a := range list {
		byRole[a.Role] = a
	}
	return Accounts{byRole: byRole}
}

// Get returns the account for role.
func (a Accounts) Get(role Role) (Account, error) {
	acc, ok := a.byRole[role]
	if !ok {
		return Account{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未配置命名账户 %s", role))
	}
	return acc, nil
}

// Roles returns the configured roles in a stable order.
func (a Accounts) Roles() []Role {
	roles := make([]Role, 0, len(a.byRole))
	for r := range a.byRole {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// ResolveAccounts applies the named-account rules: explicit configuration
// first, then the key from the environment, then the production address on
// mainnet or a fork, and finally the first account of the dev node.
func ResolveAccounts(ctx context.Context, net Network, cfg config.AccountsConfig, getenv func(string) string, node NodeAccounts) (Accounts, error) {
	entries := []struct {
		role     Role
		cfg      config.AccountConfig
		mainnet  common.Address
		forkOnly bool
	}{
		{RoleDeployer, cfg.Deployer, MainnetDeployer, false},
		{RoleGovernor, cfg.Governor, MainnetGovernor, true},
		{RoleGuardian, cfg.Guardian, MainnetMultisig, true},
		{RoleAdjuster, cfg.Adjuster, MainnetClaimAdjuster, true},
		{RoleStrategist, cfg.Strategist, MainnetStrategist, true},
		{RoleProposer, cfg.Proposer, common.Address{}, false},
	}

	var nodeDefault *common.Address
	resolveNode := func() (common.Address, error) {
		if nodeDefault != nil {
			return *nodeDefault, nil
		}
		if node == nil {
			return common.Address{}, xerrors.New(xerrors.CodeNotFound, "节点未提供默认账户")
		}
		list, err := node.Accounts(ctx)
		if err != nil {
			return common.Address{}, err
		}
		if len(list) == 0 {
			return common.Address{}, xerrors.New(xerrors.CodeNotFound, "节点未提供默认账户")
		}
		nodeDefault = &list[0]
		return list[0], nil
	}

	byRole := make(map[Role]Account, len(entries))
	for _, e := range entries {
		acc := Account{Role: e.role}

		if env := strings.TrimSpace(e.cfg.PrivateKeyEnv); env != "" {
			if raw := strings.TrimSpace(getenv(env)); raw != "" {
				key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
				if err != nil {
					return Accounts{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解析 %s 私钥失败", e.role))
				}
				acc.Key = key
				acc.Address = crypto.PubkeyToAddress(key.PublicKey)
			}
		}

		if addr := strings.TrimSpace(e.cfg.Address); addr != "" {
			if !common.IsHexAddress(addr) {
				return Accounts{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 地址无效: %s", e.role, addr))
			}
			configured := common.HexToAddress(addr)
			if acc.Key != nil && acc.Address != configured {
				return Accounts{}, xerrors.New(xerrors.CodeInvalidArgument,
					fmt.Sprintf("%s 私钥地址 %s 与配置地址 %s 不一致", e.role, acc.Address.Hex(), configured.Hex()))
			}
			acc.Address = configured
		}

		if acc.Address == (common.Address{}) {
			switch {
			case e.role == RoleProposer:
				if d, ok := byRole[RoleDeployer]; ok {
					acc = Account{Role: RoleProposer, Address: d.Address, Key: d.Key}
				}
			case net.IsMainnet() || (net.IsFork() && e.forkOnly):
				acc.Address = e.mainnet
			default:
				addr, err := resolveNode()
				if err != nil {
					return Accounts{}, fmt.Errorf("解析 %s 账户失败: %w", e.role, err)
				}
				acc.Address = addr
			}
		}
		byRole[e.role] = acc
	}
	return Accounts{byRole: byRole}, nil
}
