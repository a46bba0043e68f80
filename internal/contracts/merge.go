package contracts

import (
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// MergeABI 合并多个 ABI，用于通过代理调用分布在多个实现合约上的方法。
// 方法与事件按签名去重，先出现的优先；构造函数取第一个非空的。
func MergeABI(parts ...abi.ABI) abi.ABI {
	merged := abi.ABI{
		Methods: make(map[string]abi.Method),
		Events:  make(map[string]abi.Event),
		Errors:  make(map[string]abi.Error),
	}
	seenMethods := make(map[string]bool)
	seenEvents := make(map[string]bool)
	for _, part := range parts {
		if len(merged.Constructor.Inputs) == 0 && len(part.Constructor.Inputs) > 0 {
			merged.Constructor = part.Constructor
		}
		for _, m := range part.Methods {
			if seenMethods[m.Sig] {
				continue
			}
			seenMethods[m.Sig] = true
			merged.Methods[uniqueKey(m.Name, func(k string) bool { _, ok := merged.Methods[k]; return ok })] = m
		}
		for _, e := range part.Events {
			if seenEvents[e.Sig] {
				continue
			}
			seenEvents[e.Sig] = true
			merged.Events[uniqueKey(e.Name, func(k string) bool { _, ok := merged.Events[k]; return ok })] = e
		}
		for name, e := range part.Errors {
			if _, ok := merged.Errors[name]; !ok {
				merged.Errors[name] = e
			}
		}
		if !merged.HasFallback() && part.HasFallback() {
			merged.Fallback = part.Fallback
		}
		if !merged.HasReceive() && part.HasReceive() {
			merged.Receive = part.Receive
		}
	}
	return merged
}

func uniqueKey(name string, taken func(string) bool) string {
	key := name
	for i := 0; taken(key); i++ {
		key = name + strconv.Itoa(i)
	}
	return key
}
