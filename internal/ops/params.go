package ops

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/units"

	"github.com/ethereum/go-ethereum/common"
)

// Params carries operation arguments as decoded from JSON or command-line flags.
type Params map[string]any

func invalidParam(key, format string, args ...any) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %s: %s", key, fmt.Sprintf(format, args...)),
		xerrors.WithMetadata("param", key))
}

func (p Params) keys() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// String returns the parameter rendered as a trimmed string.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(t)
	case fmt.Stringer:
		s = t.String()
	default:
		s = fmt.Sprint(t)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// Require returns a mandatory string parameter.
func (p Params) Require(key string) (string, error) {
	s, ok := p.String(key)
	if !ok {
		return "", invalidParam(key, "缺少必填参数")
	}
	return s, nil
}

// Address returns a mandatory address parameter.
func (p Params) Address(key string) (common.Address, error) {
	s, err := p.Require(key)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, invalidParam(key, "地址无效: %s", s)
	}
	return common.HexToAddress(s), nil
}

// List splits a comma separated parameter, or accepts a JSON array.
func (p Params) List(key string) []string {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}
	var raw []string
	switch t := v.(type) {
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			raw = append(raw, fmt.Sprint(item))
		}
	default:
		s, _ := p.String(key)
		raw = strings.Split(s, ",")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Addresses returns a list of addresses; it may be empty.
func (p Params) Addresses(key string) ([]common.Address, error) {
	items := p.List(key)
	out := make([]common.Address, 0, len(items))
	for _, s := range items {
		if !common.IsHexAddress(s) {
			return nil, invalidParam(key, "地址无效: %s", s)
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}

// Int returns an integer parameter, or def when it is absent.
func (p Params) Int(key string, def int) (int, error) {
	s, ok := p.String(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, invalidParam(key, "需要整数, 得到 %q", s)
	}
	return n, nil
}

// BigInt returns a mandatory non-negative base-unit integer.
func (p Params) BigInt(key string) (*big.Int, error) {
	s, err := p.Require(key)
	if err != nil {
		return nil, err
	}
	n, ok := parseUint(s)
	if !ok {
		return nil, invalidParam(key, "需要非负整数, 得到 %q", s)
	}
	return n, nil
}

// parseUint 解析十进制或 0x 前缀的十六进制非负整数。前导零按十进制处理，不接受下划线。
func parseUint(s string) (*big.Int, bool) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	if s == "" || strings.ContainsAny(s, "_+-") {
		return nil, false
	}
	return new(big.Int).SetString(s, base)
}

// Amount parses a human decimal amount into base units, using def when absent.
func (p Params) Amount(key, def string, decimals int) (*big.Int, string, error) {
	s, ok := p.String(key)
	if !ok {
		s = def
	}
	if s == "" {
		return nil, "", invalidParam(key, "缺少必填参数")
	}
	v, err := units.Parse(s, decimals)
	if err != nil {
		return nil, "", invalidParam(key, "金额无效 %q: %v", s, err)
	}
	return v, s, nil
}

// StrictBool accepts only "true" or "false", case-insensitively.
func (p Params) StrictBool(key string) (bool, error) {
	s, err := p.Require(key)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, invalidParam(key, "只能为 true 或 false, 得到 %q", s)
}
