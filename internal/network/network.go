// Package network describes the chain a command runs against: its name,
// the fork/test flags taken from the environment and the named accounts
// that sign deployment and governance transactions.
package network

import (
	"math/big"
	"strings"

	"VaultOps/internal/config"
)

const (
	Mainnet        = "mainnet"
	Rinkeby        = "rinkeby"
	Localhost      = "localhost"
	Hardhat        = "hardhat"
	Simulated      = "simulated"
	PolygonStaging = "polygon_staging"
)

// DevChainID is the chain id of the local development node.
const DevChainID = 1337

// Network carries the name of the target chain and the env-derived flags the
// deployment steps and tasks branch on.
type Network struct {
	Name      string
	ChainID   *big.Int
	fork      bool
	test      bool
	smokeTest bool
	verify    bool
}

// New builds a Network from configuration. The verify flag mirrors
// VERIFY_ON_EXPLORER.
func New(cfg config.NetworkConfig, verify bool) Network {
	n := Network{
		Name:      strings.TrimSpace(cfg.Name),
		fork:      cfg.Fork,
		test:      cfg.Test,
		smokeTest: cfg.SmokeTest,
		verify:    verify,
	}
	if n.Name == "" {
		n.Name = Localhost
	}
	if cfg.ChainID > 0 {
		n.ChainID = big.NewInt(cfg.ChainID)
	} else if n.IsTestNetwork() {
		n.ChainID = big.NewInt(DevChainID)
	}
	return n
}

func (n Network) IsFork() bool           { return n.fork }
func (n Network) IsLocalhost() bool      { return !n.fork && n.Name == Localhost }
func (n Network) IsRinkeby() bool        { return n.Name == Rinkeby }
func (n Network) IsMainnet() bool        { return n.Name == Mainnet }
func (n Network) IsPolygonStaging() bool { return n.Name == PolygonStaging }
func (n Network) IsTest() bool           { return n.test }
func (n Network) IsSmokeTest() bool      { return n.smokeTest }

func (n Network) IsMainnetOrFork() bool     { return n.IsMainnet() || n.fork }
func (n Network) IsMainnetButNotFork() bool { return n.IsMainnet() && !n.fork }
func (n Network) IsMainnetOrRinkebyOrFork() bool {
	return n.IsMainnetOrFork() || n.IsRinkeby()
}

// IsVerificationRequired reports whether deployed contracts are submitted to
// the block explorer.
func (n Network) IsVerificationRequired() bool { return n.verify }

// IsTestNetwork reports whether the chain is a disposable dev chain whose
// assets and oracles are mocks deployed by the tooling itself.
func (n Network) IsTestNetwork() bool {
	if n.fork {
		return false
	}
	switch n.Name {
	case Hardhat, Localhost, Simulated:
		return true
	}
	return false
}

// IsLocalOrFork reports whether funding and minting helpers may run.
func (n Network) IsLocalOrFork() bool {
	return n.fork || n.IsLocalhost() || n.Name == Hardhat || n.Name == Simulated
}

// String returns the network name, with a fork suffix when forking.
func (n Network) String() string {
	if n.fork {
		return n.Name + "(fork)"
	}
	return n.Name
}
