package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	xerrors "VaultOps/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	defaultWatchDeployment = "VaultProxy"
	defaultWatchTimeout    = 30 * time.Second
)

func watchOperation() Operation {
	return Operation{
		Name:        "watch",
		Description: "订阅部署合约的事件，收到指定数量或超时后返回",
		Params:      []string{"deployment?", "count?", "timeout?"},
		Run:         runWatch,
	}
}

// WatchedEvent is one log received by the watch operation.
type WatchedEvent struct {
	Block   uint64 `json:"block"`
	TxHash  string `json:"tx"`
	Event   string `json:"event"`
	Address string `json:"address"`
}

func runWatch(ctx context.Context, env *Env, p Params) (Result, error) {
	res := newResult("watch")
	name, ok := p.String("deployment")
	if !ok {
		name = defaultWatchDeployment
	}
	count, err := p.Int("count", 1)
	if err != nil {
		return res, err
	}
	if count <= 0 {
		return res, invalidParam("count", "必须大于 0")
	}
	timeout := defaultWatchTimeout
	if raw, ok := p.String("timeout"); ok {
		if timeout, err = time.ParseDuration(raw); err != nil || timeout <= 0 {
			return res, invalidParam("timeout", "时长无效 %q", raw)
		}
	}

	rec, err := env.Deployments.Get(ctx, name)
	if err != nil {
		return res, err
	}
	events := eventABI(env, rec.ContractType, rec.ABI)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sub, err := env.Client.SubscribeEvents(ctx, gethcore.FilterQuery{Addresses: []common.Address{rec.Address}})
	if err != nil {
		return res, err
	}
	defer sub.Close()
	env.log().Info("开始监听合约事件", "deployment", name, "address", rec.Address.Hex(), "count", count, "timeout", timeout)

	received := make([]WatchedEvent, 0, count)
	res.set("deployment", name)
	for len(received) < count {
		select {
		case lg, open := <-sub.Logs():
			if !open {
				res.set("events", received)
				return res, xerrors.New(xerrors.CodeChainFailure, "事件订阅已关闭")
			}
			received = append(received, WatchedEvent{
				Block:   lg.BlockNumber,
				TxHash:  lg.TxHash.Hex(),
				Event:   eventName(events, lg),
				Address: lg.Address.Hex(),
			})
		case err := <-sub.Err():
			res.set("events", received)
			if err == nil {
				err = errors.New("订阅已取消")
			}
			return res, xerrors.Wrap(xerrors.CodeChainFailure, err, "事件订阅中断")
		case <-ctx.Done():
			res.set("events", received)
			res.set("timed_out", true)
			// 超时不是失败，返回已收到的事件。
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return res, nil
			}
			return res, ctx.Err()
		}
	}
	res.set("events", received)
	return res, nil
}

// eventABI prefers the ABI stored with the deployment, then the artifact or builtin interface.
func eventABI(env *Env, contractType string, stored json.RawMessage) abi.ABI {
	if len(stored) > 0 {
		var parsed abi.ABI
		if err := json.Unmarshal(stored, &parsed); err == nil {
			return parsed
		}
	}
	parsed, err := env.abiOf(contractType)
	if err != nil {
		env.log().Debug("没有事件 ABI, 事件名按主题输出", "type", contractType, "error", err)
	}
	return parsed
}

func eventName(parsed abi.ABI, lg types.Log) string {
	if len(lg.Topics) == 0 {
		return "anonymous"
	}
	if ev, err := parsed.EventByID(lg.Topics[0]); err == nil {
		return ev.Name
	}
	return fmt.Sprintf("unknown(%s)", lg.Topics[0].Hex())
}
