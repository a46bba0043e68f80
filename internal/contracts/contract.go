// Package contracts 提供基于 ABI 的合约调用：人类可读 ABI 解析、参数类型转换、
// 只读调用以及签名发送交易并等待回执。
package contracts

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/network"
	"VaultOps/internal/web3"
	"VaultOps/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer sends transactions on behalf of Address. A nil Opts means the node
// holds the account (dev node account or impersonated on a fork).
type Signer struct {
	Address common.Address
	Opts    *bind.TransactOpts
}

// Unlocked reports whether the node signs for the account.
func (s Signer) Unlocked() bool { return s.Opts == nil }

// KeyedSigner wraps keyed transact opts.
func KeyedSigner(opts *bind.TransactOpts) Signer {
	return Signer{Address: opts.From, Opts: opts}
}

// UnlockedSigner returns a signer that relies on eth_sendTransaction.
func UnlockedSigner(addr common.Address) Signer {
	return Signer{Address: addr}
}

// SignerFor builds the signer of a named account.
func SignerFor(acc network.Account, chainID *big.Int) (Signer, error) {
	if acc.Unlocked() {
		return UnlockedSigner(acc.Address), nil
	}
	if chainID == nil {
		return Signer{}, xerrors.New(xerrors.CodeInvalidArgument, "签名账户需要链 ID")
	}
	opts, err := bind.NewKeyedTransactorWithChainID(acc.Key, chainID)
	if err != nil {
		return Signer{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("创建 %s 交易签名器失败", acc.Role))
	}
	return KeyedSigner(opts), nil
}

// Contract binds an ABI to a deployed address.
type Contract struct {
	Name    string
	Type    string
	Address common.Address
	ABI     abi.ABI

	client web3.Client
}

// New binds parsed to address.
func New(client web3.Client, name, contractType string, address common.Address, parsed abi.ABI) *Contract {
	return &Contract{Name: name, Type: contractType, Address: address, ABI: parsed, client: client}
}

// At binds the built-in interface of contractType to address.
func At(client web3.Client, contractType string, address common.Address) (*Contract, error) {
	parsed, err := BuiltinABI(contractType)
	if err != nil {
		return nil, err
	}
	return New(client, contractType, contractType, address, parsed), nil
}

// ContractAddress lets a *Contract be passed wherever an address argument is expected.
func (c *Contract) ContractAddress() common.Address { return c.Address }

// Client returns the chain client the contract is bound to.
func (c *Contract) Client() web3.Client { return c.client }

// Method 按完整签名或唯一的方法名解析方法。
func (c *Contract) Method(signature string) (abi.Method, error) {
	signature = strings.TrimSpace(signature)
	if strings.Contains(signature, "(") {
		want, err := NormalizeSignature(signature)
		if err != nil {
			return abi.Method{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("方法签名无效: %s", signature))
		}
		for _, m := range c.ABI.Methods {
			if m.Sig == want {
				return m, nil
			}
		}
		return abi.Method{}, c.methodNotFound(signature)
	}

	var found []abi.Method
	for _, m := range c.ABI.Methods {
		if m.RawName == signature {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 0:
		return abi.Method{}, c.methodNotFound(signature)
	case 1:
		return found[0], nil
	}
	sigs := make([]string, len(found))
	for i, m := range found {
		sigs[i] = m.Sig
	}
	return abi.Method{}, xerrors.New(xerrors.CodeInvalidArgument,
		fmt.Sprintf("合约 %s 的方法 %s 存在重载, 请使用完整签名: %s", c.Name, signature, strings.Join(sigs, ", ")))
}

func (c *Contract) methodNotFound(signature string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("合约 %s 没有方法 %s", c.Name, signature),
		xerrors.WithMetadata("contract", c.Name), xerrors.WithMetadata("method", signature))
}

// Pack returns the calldata (selector plus encoded arguments).
func (c *Contract) Pack(signature string, args ...any) ([]byte, error) {
	m, err := c.Method(signature)
	if err != nil {
		return nil, err
	}
	encoded, err := c.packArgs(m, args)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, m.ID...), encoded...), nil
}

// PackArgs encodes the arguments without the 4-byte selector, as the
// governor expects them next to a signature string.
func (c *Contract) PackArgs(signature string, args ...any) (abi.Method, []byte, error) {
	m, err := c.Method(signature)
	if err != nil {
		return abi.Method{}, nil, err
	}
	encoded, err := c.packArgs(m, args)
	if err != nil {
		return abi.Method{}, nil, err
	}
	return m, encoded, nil
}

func (c *Contract) packArgs(m abi.Method, args []any) ([]byte, error) {
	values, err := CoerceArgs(m.Inputs, args)
	if err != nil {
		return nil, err
	}
	encoded, err := m.Inputs.Pack(values...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码 %s.%s 参数失败", c.Name, m.Sig))
	}
	return encoded, nil
}

// Call 执行只读调用并解码返回值。
func (c *Contract) Call(ctx context.Context, signature string, args ...any) ([]any, error) {
	m, err := c.Method(signature)
	if err != nil {
		return nil, err
	}
	encoded, err := c.packArgs(m, args)
	if err != nil {
		return nil, err
	}
	to := c.Address
	out, err := c.client.CallContract(ctx, gethcore.CallMsg{To: &to, Data: append(append([]byte{}, m.ID...), encoded...)})
	if err != nil {
		return nil, fmt.Errorf("调用 %s.%s 失败: %w", c.Name, m.Sig, err)
	}
	values, err := m.Outputs.Unpack(out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, fmt.Sprintf("解码 %s.%s 返回值失败", c.Name, m.Sig))
	}
	return values, nil
}

// CallAddress calls a view returning a single address.
func (c *Contract) CallAddress(ctx context.Context, signature string, args ...any) (common.Address, error) {
	out, err := c.Call(ctx, signature, args...)
	if err != nil {
		return common.Address{}, err
	}
	return first[common.Address](out, c.Name, signature)
}

// CallBig calls a view returning a single integer.
func (c *Contract) CallBig(ctx context.Context, signature string, args ...any) (*big.Int, error) {
	out, err := c.Call(ctx, signature, args...)
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		switch v := out[0].(type) {
		case uint8:
			return big.NewInt(int64(v)), nil
		case uint64:
			return new(big.Int).SetUint64(v), nil
		}
	}
	return first[*big.Int](out, c.Name, signature)
}

// CallBool calls a view returning a single bool.
func (c *Contract) CallBool(ctx context.Context, signature string, args ...any) (bool, error) {
	out, err := c.Call(ctx, signature, args...)
	if err != nil {
		return false, err
	}
	return first[bool](out, c.Name, signature)
}

// CallAddresses calls a view returning address[].
func (c *Contract) CallAddresses(ctx context.Context, signature string, args ...any) ([]common.Address, error) {
	out, err := c.Call(ctx, signature, args...)
	if err != nil {
		return nil, err
	}
	return first[[]common.Address](out, c.Name, signature)
}

func first[T any](out []any, contract, signature string) (T, error) {
	var zero T
	if len(out) == 0 {
		return zero, xerrors.New(xerrors.CodeChainFailure, fmt.Sprintf("%s.%s 没有返回值", contract, signature))
	}
	v, ok := out[0].(T)
	if !ok {
		return zero, xerrors.New(xerrors.CodeChainFailure, fmt.Sprintf("%s.%s 返回了 %T, 需要 %T", contract, signature, out[0], zero))
	}
	return v, nil
}

// Transact 发送交易并等待回执；回执状态失败时返回 TRANSACTION_REVERTED。
func (c *Contract) Transact(ctx context.Context, signer Signer, signature string, args ...any) (*types.Receipt, error) {
	data, err := c.Pack(signature, args...)
	if err != nil {
		return nil, err
	}
	receipt, err := Send(ctx, c.client, signer, c.Address, data, nil)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", c.Name, signature, err)
	}
	logger.Audit().Info("合约交易已确认",
		"contract", c.Name,
		"address", c.Address.Hex(),
		"method", signature,
		"from", signer.Address.Hex(),
		"tx", receipt.TxHash.Hex(),
		"block", receipt.BlockNumber.String())
	return receipt, nil
}

// Send submits calldata to `to` and waits for the receipt.
func Send(ctx context.Context, client web3.Client, signer Signer, to common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	var hash common.Hash
	if signer.Unlocked() {
		h, err := client.SendUnlockedTransaction(ctx, web3.UnlockedTx{From: signer.Address, To: &to, Data: data, Value: value})
		if err != nil {
			return nil, err
		}
		hash = h
	} else {
		tx, err := client.SendTransaction(ctx, signer.Opts, to, data, value)
		if err != nil {
			return nil, err
		}
		hash = tx.Hash()
	}
	return WaitSuccess(ctx, client, hash)
}

// WaitSuccess waits for hash to be mined and fails when the receipt reverted.
func WaitSuccess(ctx context.Context, client web3.Client, hash common.Hash) (*types.Receipt, error) {
	receipt, err := client.WaitMined(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, xerrors.New(xerrors.CodeTransactionReverted, fmt.Sprintf("交易 %s 执行失败", hash.Hex()),
			xerrors.WithMetadata("tx", hash.Hex()),
			xerrors.WithMetadata("block", receipt.BlockNumber.String()))
	}
	return receipt, nil
}

// Deployment is the outcome of a contract creation.
type Deployment struct {
	Address common.Address
	Receipt *types.Receipt
	Args    []any
}

// Deploy 部署合约并等待回执。节点托管账户通过 eth_sendTransaction 发送创建交易。
func Deploy(ctx context.Context, client web3.Client, signer Signer, parsed abi.ABI, bytecode []byte, args ...any) (Deployment, error) {
	values, err := CoerceArgs(parsed.Constructor.Inputs, args)
	if err != nil {
		return Deployment{}, err
	}

	var hash common.Hash
	if signer.Unlocked() {
		encoded, err := parsed.Pack("", values...)
		if err != nil {
			return Deployment{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码构造参数失败")
		}
		data := append(append([]byte{}, bytecode...), encoded...)
		hash, err = client.SendUnlockedTransaction(ctx, web3.UnlockedTx{From: signer.Address, Data: data})
		if err != nil {
			return Deployment{}, err
		}
	} else {
		result, err := client.DeployContract(ctx, signer.Opts, parsed, bytecode, values...)
		if err != nil {
			return Deployment{}, err
		}
		hash = result.Transaction.Hash()
	}

	receipt, err := WaitSuccess(ctx, client, hash)
	if err != nil {
		return Deployment{}, err
	}
	if receipt.ContractAddress == (common.Address{}) {
		return Deployment{}, xerrors.New(xerrors.CodeChainFailure, fmt.Sprintf("交易 %s 没有创建合约", hash.Hex()))
	}
	return Deployment{Address: receipt.ContractAddress, Receipt: receipt, Args: values}, nil
}
