// Package web3 houses blockchain connectivity utilities: the Client
// abstraction used by contract bindings and governance helpers, chain
// definitions loaded from YAML, and dev-node helpers such as account
// impersonation and chain time travel.
package web3
