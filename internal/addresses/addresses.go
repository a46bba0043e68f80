// Package addresses 提供内嵌的链上地址簿，并按网络解析资产与预言机地址。
package addresses

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/network"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

//go:embed books/*.yaml
var booksFS embed.FS

// Zero and Dead are the sentinel addresses used by the protocol.
var (
	Zero = common.Address{}
	Dead = common.HexToAddress("0x0000000000000000000000000000000000000001")
)

// Book 是单条链的静态地址簿。
type Book struct {
	Name      string
	addresses map[string]common.Address
	hashes    map[string]common.Hash
	params    map[string]int64
	holders   []common.Address
}

type bookFile struct {
	Addresses map[string]string `yaml:"addresses"`
	Hashes    map[string]string `yaml:"hashes"`
	Params    map[string]int64  `yaml:"params"`
	Holders   []string          `yaml:"holders"`
}

type assetsFile struct {
	Live    []string          `yaml:"live"`
	Mocks   map[string]string `yaml:"mocks"`
	Shared  []string          `yaml:"shared"`
	Oracles struct {
		Live  map[string]string `yaml:"live"`
		Mocks map[string]string `yaml:"mocks"`
	} `yaml:"oracles"`
}

var (
	loadOnce sync.Once
	loadErr  error
	books    map[string]Book
	assets   assetsFile
)

func load() error {
	loadOnce.Do(func() {
		books = make(map[string]Book, 2)
		for _, name := range []string{"polygon", "mainnet"} {
			book, err := parseBook(name)
			if err != nil {
				loadErr = err
				return
			}
			books[name] = book
		}
		raw, err := booksFS.ReadFile("books/assets.yaml")
		if err != nil {
			loadErr = err
			return
		}
		loadErr = yaml.Unmarshal(raw, &assets)
	})
	return loadErr
}

func parseBook(name string) (Book, error) {
	raw, err := booksFS.ReadFile("books/" + name + ".yaml")
	if err != nil {
		return Book{}, err
	}
	var file bookFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Book{}, fmt.Errorf("解析地址簿 %s 失败: %w", name, err)
	}
	book := Book{
		Name:      name,
		addresses: make(map[string]common.Address, len(file.Addresses)),
		hashes:    make(map[string]common.Hash, len(file.Hashes)),
		params:    file.Params,
	}
	for key, value := range file.Addresses {
		if !common.IsHexAddress(value) {
			return Book{}, fmt.Errorf("地址簿 %s 中 %s 不是合法地址: %q", name, key, value)
		}
		book.addresses[key] = common.HexToAddress(value)
	}
	for key, value := range file.Hashes {
		book.hashes[key] = common.HexToHash(value)
	}
	for _, h := range file.Holders {
		book.holders = append(book.holders, common.HexToAddress(strings.TrimSpace(h)))
	}
	return book, nil
}

// Polygon returns the polygon address book.
func Polygon() Book { return mustBook("polygon") }

// Ethereum returns the ethereum mainnet address book.
func Ethereum() Book { return mustBook("mainnet") }

func mustBook(name string) Book {
	if err := load(); err != nil {
		panic(fmt.Sprintf("addresses: embedded books are invalid: %v", err))
	}
	return books[name]
}

// Address 返回地址簿中的地址，未知键返回 NOT_FOUND。
func (b Book) Address(key string) (common.Address, error) {
	addr, ok := b.addresses[key]
	if !ok {
		return common.Address{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("地址簿 %s 中没有 %s", b.Name, key))
	}
	return addr, nil
}

// Hash returns a 32-byte identifier such as a balancer pool id.
func (b Book) Hash(key string) (common.Hash, error) {
	h, ok := b.hashes[key]
	if !ok {
		return common.Hash{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("地址簿 %s 中没有 %s", b.Name, key))
	}
	return h, nil
}

// Param returns a numeric parameter such as a fee in basis points.
func (b Book) Param(key string) (int64, error) {
	v, ok := b.params[key]
	if !ok {
		return 0, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("地址簿 %s 中没有参数 %s", b.Name, key))
	}
	return v, nil
}

// Holders lists large token holders used to fund accounts on forks.
func (b Book) Holders() []common.Address {
	return append([]common.Address(nil), b.holders...)
}

// Keys returns the address keys in sorted order.
func (b Book) Keys() []string {
	keys := make([]string, 0, len(b.addresses))
	for k := range b.addresses {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Deployments resolves a deployment name to its address on the current network.
type Deployments interface {
	AddressOf(ctx context.Context, name string) (common.Address, error)
}

// Set 是按网络解析后的地址集合。
type Set struct {
	network   string
	addresses map[string]common.Address
	params    map[string]int64
}

// Get returns the address for key, or NOT_FOUND. It never returns the zero address.
func (s Set) Get(key string) (common.Address, error) {
	addr, ok := s.addresses[key]
	if !ok || addr == (common.Address{}) {
		return common.Address{}, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("网络 %s 上没有地址 %s", s.network, key),
			xerrors.WithMetadata("key", key))
	}
	return addr, nil
}

// Param returns a numeric parameter carried by the set.
func (s Set) Param(key string) (int64, error) {
	v, ok := s.params[key]
	if !ok {
		return 0, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("网络 %s 上没有参数 %s", s.network, key))
	}
	return v, nil
}

// Len reports the number of resolved addresses.
func (s Set) Len() int { return len(s.addresses) }

// Map returns a copy of the resolved addresses.
func (s Set) Map() map[string]common.Address {
	out := make(map[string]common.Address, len(s.addresses))
	for k, v := range s.addresses {
		out[k] = v
	}
	return out
}

// usesLiveAddresses reports whether the network talks to real polygon contracts.
func usesLiveAddresses(net network.Network) bool {
	return net.IsMainnetOrFork() || net.IsPolygonStaging()
}

// AssetAddresses 返回当前网络的资产地址：主网与分叉使用 polygon 地址簿，
// 开发链使用已部署的 Mock 合约。费用参数与收款方始终来自 polygon 地址簿。
func AssetAddresses(ctx context.Context, net network.Network, deployments Deployments) (Set, error) {
	if err := load(); err != nil {
		return Set{}, err
	}
	polygon := books["polygon"]
	set := Set{
		network:   net.Name,
		addresses: make(map[string]common.Address),
		params:    make(map[string]int64, len(polygon.params)),
	}
	for k, v := range polygon.params {
		set.params[k] = v
	}
	for _, key := range assets.Shared {
		addr, err := polygon.Address(key)
		if err != nil {
			return Set{}, err
		}
		set.addresses[key] = addr
	}

	if usesLiveAddresses(net) {
		for _, key := range assets.Live {
			addr, err := polygon.Address(key)
			if err != nil {
				return Set{}, err
			}
			set.addresses[key] = addr
		}
		return set, nil
	}

	if deployments == nil {
		return Set{}, xerrors.New(xerrors.CodeInvalidArgument, "开发链需要部署记录才能解析 Mock 地址")
	}
	for _, key := range sortedKeys(assets.Mocks) {
		addr, err := deployments.AddressOf(ctx, assets.Mocks[key])
		if err != nil {
			return Set{}, fmt.Errorf("解析资产 %s 失败: %w", key, err)
		}
		set.addresses[key] = addr
	}
	return set, nil
}

// OracleAddresses 返回 Chainlink 价格源地址。主网使用 polygon 价格源，
// PRIMARYSTABLE_USD 指向 USDC 价格源；开发链使用 MockChainlinkOracleFeed 合约。
func OracleAddresses(ctx context.Context, net network.Network, deployments Deployments) (Set, error) {
	if err := load(); err != nil {
		return Set{}, err
	}
	set := Set{network: net.Name, addresses: make(map[string]common.Address)}
	if usesLiveAddresses(net) {
		polygon := books["polygon"]
		for _, pair := range sortedKeys(assets.Oracles.Live) {
			addr, err := polygon.Address(assets.Oracles.Live[pair])
			if err != nil {
				return Set{}, err
			}
			set.addresses[pair] = addr
		}
		return set, nil
	}
	if deployments == nil {
		return Set{}, xerrors.New(xerrors.CodeInvalidArgument, "开发链需要部署记录才能解析 Mock 价格源")
	}
	for _, pair := range sortedKeys(assets.Oracles.Mocks) {
		addr, err := deployments.AddressOf(ctx, assets.Oracles.Mocks[pair])
		if err != nil {
			return Set{}, fmt.Errorf("解析价格源 %s 失败: %w", pair, err)
		}
		set.addresses[pair] = addr
	}
	return set, nil
}

// MockNames lists the mock deployments the asset and oracle sets depend on.
func MockNames() []string {
	if err := load(); err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var names []string
	for _, m := range []map[string]string{assets.Mocks, assets.Oracles.Mocks} {
		for _, name := range m {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
