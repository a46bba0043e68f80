package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"VaultOps/internal/config"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/web3"
	"VaultOps/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by network name.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients.
// When no definitions file is configured the single RPC URL is registered
// under the default chain name.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll()
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("链 %s 使用了不支持的类型 %s", name, chain.Type))
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:        name,
			RPCURL:      chain.RPCURL,
			WSURL:       chain.WSURL,
			BatchRPCURL: chain.BatchRPCURL,
			Notes:       chain.Description,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	defaultChain := strings.TrimSpace(cfg.DefaultChain)
	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		if defaultChain == "" {
			defaultChain = "default"
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: defaultChain, RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients[defaultChain] = client
	}

	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		defaultChain = sortedNames(clients)[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll()
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("默认链 %s 未在配置中找到", defaultChain))
	}

	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// NewStaticRegistry wraps already constructed clients, used by tests and the
// simulated chain.
func NewStaticRegistry(defaultChain string, clients map[string]web3.Client) *Registry {
	copied := make(map[string]web3.Client, len(clients))
	for k, v := range clients {
		copied[k] = v
	}
	return &Registry{defaultChain: defaultChain, clients: copied}
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("默认链 %s 未在注册表中", r.defaultChain))
	}
	return client, nil
}

// Client returns the chain client identified by name, falling back to the
// default chain when name is empty.
func (r *Registry) Client(name string) (web3.Client, error) {
	if strings.TrimSpace(name) == "" {
		return r.DefaultClient()
	}
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	client, ok := r.clients[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("链 %s 未在注册表中", name))
	}
	return client, nil
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	return sortedNames(r.clients)
}

func sortedNames(clients map[string]web3.Client) []string {
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
