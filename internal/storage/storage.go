// Package storage 定义部署记录与已执行部署步骤的持久化接口，并提供
// 与 hardhat-deploy 目录结构兼容的文件实现。
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	xerrors "VaultOps/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Deployment is the record of one deployed contract on one network.
type Deployment struct {
	Name         string          `json:"-"`
	ContractType string          `json:"contractName"`
	Address      common.Address  `json:"address"`
	ABI          json.RawMessage `json:"abi,omitempty"`
	TxHash       common.Hash     `json:"transactionHash"`
	BlockNumber  uint64          `json:"blockNumber"`
	Args         json.RawMessage `json:"args,omitempty"`
	BytecodeHash common.Hash     `json:"bytecodeHash"`
	Network      string          `json:"-"`
	DeployedAt   time.Time       `json:"deployedAt"`
}

// Repository 持久化部署记录与已执行的部署步骤。
type Repository interface {
	SaveDeployment(ctx context.Context, d Deployment) error
	GetDeployment(ctx context.Context, network, name string) (Deployment, error)
	ListDeployments(ctx context.Context, network string) ([]Deployment, error)
	MarkExecuted(ctx context.Context, network, stepID string, at time.Time) error
	ExecutedSteps(ctx context.Context, network string) (map[string]time.Time, error)
	Close() error
}

// NotFound builds the typed error returned for a missing deployment.
func NotFound(network, name string) error {
	return xerrors.New(xerrors.CodeDeploymentNotFound, fmt.Sprintf("网络 %s 上没有部署记录 %s", network, name),
		xerrors.WithMetadata("network", network),
		xerrors.WithMetadata("deployment", name))
}

// Bound 将仓库绑定到某个网络，供地址解析使用。
type Bound struct {
	Repo    Repository
	Network string
}

// Bind returns a network-bound view of repo.
func Bind(repo Repository, network string) Bound {
	return Bound{Repo: repo, Network: network}
}

// AddressOf resolves a deployment name to its address.
func (b Bound) AddressOf(ctx context.Context, name string) (common.Address, error) {
	d, err := b.Repo.GetDeployment(ctx, b.Network, name)
	if err != nil {
		return common.Address{}, err
	}
	return d.Address, nil
}

// Get returns the full record of name.
func (b Bound) Get(ctx context.Context, name string) (Deployment, error) {
	return b.Repo.GetDeployment(ctx, b.Network, name)
}

// List returns every record on the bound network.
func (b Bound) List(ctx context.Context) ([]Deployment, error) {
	return b.Repo.ListDeployments(ctx, b.Network)
}

// Save stores d on the bound network.
func (b Bound) Save(ctx context.Context, d Deployment) error {
	d.Network = b.Network
	return b.Repo.SaveDeployment(ctx, d)
}
