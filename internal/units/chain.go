package units

import (
	"context"
	"fmt"
	"strings"
	"time"

	"VaultOps/internal/addresses"
	"VaultOps/internal/contracts"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/web3"

	"github.com/ethereum/go-ethereum/core/types"
)

// AdvanceTime moves the dev chain clock forward by d and mines a block.
func AdvanceTime(ctx context.Context, node web3.DevNode, d time.Duration) error {
	if d < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "时间只能向前推进")
	}
	return node.IncreaseTime(ctx, d)
}

// AdvanceBlocks mines n empty blocks.
func AdvanceBlocks(ctx context.Context, node web3.DevNode, n int) error {
	for i := 0; i < n; i++ {
		if err := node.Mine(ctx); err != nil {
			return fmt.Errorf("挖出第 %d 个区块失败: %w", i+1, err)
		}
	}
	return nil
}

// BlockTimestamp returns the timestamp of the latest block.
func BlockTimestamp(ctx context.Context, node web3.DevNode) (time.Time, error) {
	ts, err := node.BlockTimestamp(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(ts), 0).UTC(), nil
}

// SetOracleTokenPriceUsd 设置 MockChainlinkOracleFeed<symbol> 的精度与价格，
// 价格以 8 位小数写入。返回已确认的交易回执。
func SetOracleTokenPriceUsd(ctx context.Context, client web3.Client, deployments addresses.Deployments, signer contracts.Signer, symbol, usdPrice string) ([]*types.Receipt, error) {
	name := "MockChainlinkOracleFeed" + strings.ToUpper(strings.TrimSpace(symbol))
	addr, err := deployments.AddressOf(ctx, name)
	if err != nil {
		return nil, err
	}
	price, err := Parse(usdPrice, ChainlinkFeed)
	if err != nil {
		return nil, err
	}
	if price.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("价格必须为正数: %q", usdPrice))
	}
	feed, err := contracts.At(client, "MockChainlinkOracleFeed", addr)
	if err != nil {
		return nil, err
	}
	var receipts []*types.Receipt
	receipt, err := feed.Transact(ctx, signer, "setDecimals(uint8)", ChainlinkFeed)
	if err != nil {
		return receipts, err
	}
	receipts = append(receipts, receipt)
	receipt, err = feed.Transact(ctx, signer, "setPrice(int256)", price)
	if err != nil {
		return receipts, err
	}
	return append(receipts, receipt), nil
}
