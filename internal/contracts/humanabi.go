package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "VaultOps/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

type jsonArg struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Components []jsonArg `json:"components,omitempty"`
	Indexed    bool      `json:"indexed,omitempty"`
}

type jsonEntry struct {
	Type            string    `json:"type"`
	Name            string    `json:"name,omitempty"`
	Inputs          []jsonArg `json:"inputs"`
	Outputs         []jsonArg `json:"outputs,omitempty"`
	StateMutability string    `json:"stateMutability,omitempty"`
	Anonymous       bool      `json:"anonymous,omitempty"`
}

// ParseHumanABI 将 "function name(type name, ...) view returns (...)" 形式的
// 人类可读签名转换为 go-ethereum 的 abi.ABI。支持 event、constructor、
// 具名元组以及任意维度的数组。
func ParseHumanABI(signatures []string) (abi.ABI, error) {
	entries := make([]jsonEntry, 0, len(signatures))
	for _, sig := range signatures {
		sig = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sig), ";"))
		if sig == "" {
			continue
		}
		entry, err := parseEntry(sig)
		if err != nil {
			return abi.ABI{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("无法解析 ABI 签名 %q", sig))
		}
		entries = append(entries, entry)
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return abi.ABI{}, err
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return abi.ABI{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建 ABI 失败")
	}
	return parsed, nil
}

// MustParseHumanABI is ParseHumanABI for the built-in interfaces.
func MustParseHumanABI(signatures []string) abi.ABI {
	parsed, err := ParseHumanABI(signatures)
	if err != nil {
		panic(err)
	}
	return parsed
}

func parseEntry(sig string) (jsonEntry, error) {
	kind, rest := "function", sig
	for _, k := range []string{"function", "event", "constructor", "error", "fallback", "receive"} {
		if strings.HasPrefix(sig, k) {
			next := strings.TrimSpace(strings.TrimPrefix(sig, k))
			if k == "constructor" || k == "fallback" || k == "receive" || strings.HasPrefix(sig, k+" ") {
				kind, rest = k, next
				break
			}
		}
	}

	open := strings.Index(rest, "(")
	if open < 0 {
		if kind == "fallback" || kind == "receive" {
			return jsonEntry{Type: kind, Inputs: []jsonArg{}, StateMutability: "payable"}, nil
		}
		return jsonEntry{}, fmt.Errorf("缺少参数列表")
	}
	name := strings.TrimSpace(rest[:open])
	closeIdx, err := matchParen(rest, open)
	if err != nil {
		return jsonEntry{}, err
	}
	inputs, err := parseParams(rest[open+1:closeIdx], kind == "event")
	if err != nil {
		return jsonEntry{}, err
	}

	entry := jsonEntry{Type: kind, Name: name, Inputs: inputs}
	if kind == "function" || kind == "constructor" {
		entry.StateMutability = "nonpayable"
	}
	if kind == "function" && name == "" {
		return jsonEntry{}, fmt.Errorf("函数缺少名称")
	}

	tail := strings.TrimSpace(rest[closeIdx+1:])
	for tail != "" {
		word := tail
		if i := strings.IndexAny(tail, " ("); i >= 0 {
			word = tail[:i]
		}
		switch word {
		case "view", "pure", "payable", "nonpayable":
			entry.StateMutability = word
			tail = strings.TrimSpace(tail[len(word):])
		case "external", "public", "virtual", "override":
			tail = strings.TrimSpace(tail[len(word):])
		case "anonymous":
			entry.Anonymous = true
			tail = strings.TrimSpace(tail[len(word):])
		case "returns":
			tail = strings.TrimSpace(tail[len(word):])
			if !strings.HasPrefix(tail, "(") {
				return jsonEntry{}, fmt.Errorf("returns 后缺少括号")
			}
			end, err := matchParen(tail, 0)
			if err != nil {
				return jsonEntry{}, err
			}
			outputs, err := parseParams(tail[1:end], false)
			if err != nil {
				return jsonEntry{}, err
			}
			entry.Outputs = outputs
			tail = strings.TrimSpace(tail[end+1:])
		default:
			return jsonEntry{}, fmt.Errorf("无法识别的修饰符 %q", word)
		}
	}
	return entry, nil
}

func parseParams(list string, event bool) ([]jsonArg, error) {
	parts, err := splitTopLevel(list)
	if err != nil {
		return nil, err
	}
	args := make([]jsonArg, 0, len(parts))
	for _, part := range parts {
		arg, err := parseParam(part, event)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func parseParam(p string, event bool) (jsonArg, error) {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "tuple")
	var arg jsonArg
	var rest string

	if strings.HasPrefix(p, "(") {
		end, err := matchParen(p, 0)
		if err != nil {
			return jsonArg{}, err
		}
		components, err := parseParams(p[1:end], false)
		if err != nil {
			return jsonArg{}, err
		}
		// 元组字段必须具名，否则 go-ethereum 无法生成对应的结构体
		for i := range components {
			if components[i].Name == "" {
				components[i].Name = fmt.Sprintf("field%d", i)
			}
		}
		rest = p[end+1:]
		dims := rest
		if i := strings.IndexAny(rest, " \t"); i >= 0 {
			dims = rest[:i]
		}
		arg = jsonArg{Type: "tuple" + dims, Components: components}
		rest = strings.TrimSpace(rest[len(dims):])
	} else {
		fields := strings.Fields(p)
		if len(fields) == 0 {
			return jsonArg{}, fmt.Errorf("参数为空")
		}
		arg = jsonArg{Type: normalizeType(fields[0])}
		rest = strings.Join(fields[1:], " ")
	}

	for _, word := range strings.Fields(rest) {
		switch word {
		case "memory", "calldata", "storage", "payable":
		case "indexed":
			if !event {
				return jsonArg{}, fmt.Errorf("只有事件参数可以声明 indexed")
			}
			arg.Indexed = true
		default:
			if arg.Name != "" {
				return jsonArg{}, fmt.Errorf("参数 %q 含有多余的标记", p)
			}
			arg.Name = word
		}
	}
	return arg, nil
}

func normalizeType(t string) string {
	base, dims := t, ""
	if i := strings.Index(t, "["); i >= 0 {
		base, dims = t[:i], t[i:]
	}
	switch base {
	case "uint":
		base = "uint256"
	case "int":
		base = "int256"
	case "byte":
		base = "bytes1"
	}
	return base + dims
}

func matchParen(s string, open int) (int, error) {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return -1, fmt.Errorf("括号不匹配: %q", s)
}

func splitTopLevel(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("括号不匹配: %q", s)
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("括号不匹配: %q", s)
	}
	return append(parts, s[start:]), nil
}

// NormalizeSignature strips whitespace and parameter names from a signature
// such as "initialize(address _logic, bytes data)" so it can be compared with
// abi.Method.Sig.
func NormalizeSignature(sig string) (string, error) {
	sig = strings.TrimSpace(sig)
	open := strings.Index(sig, "(")
	if open < 0 {
		return sig, nil
	}
	end, err := matchParen(sig, open)
	if err != nil {
		return "", err
	}
	params, err := parseParams(sig[open+1:end], false)
	if err != nil {
		return "", err
	}
	types := make([]string, len(params))
	for i, p := range params {
		types[i] = canonicalType(p)
	}
	return strings.TrimSpace(sig[:open]) + "(" + strings.Join(types, ",") + ")", nil
}

func canonicalType(a jsonArg) string {
	if !strings.HasPrefix(a.Type, "tuple") {
		return a.Type
	}
	inner := make([]string, len(a.Components))
	for i, c := range a.Components {
		inner[i] = canonicalType(c)
	}
	return "(" + strings.Join(inner, ",") + ")" + strings.TrimPrefix(a.Type, "tuple")
}
