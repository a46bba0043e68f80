package contracts

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	xerrors "VaultOps/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Addressable is implemented by values that stand for an on-chain address,
// such as a *Contract.
type Addressable interface {
	ContractAddress() common.Address
}

// CoerceArgs converts loosely typed values (JSON, CLI strings or Go values)
// into the Go types go-ethereum expects for args.
func CoerceArgs(args abi.Arguments, values []any) ([]any, error) {
	if len(values) != len(args) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("参数数量不匹配: 需要 %d 个, 实际 %d 个", len(args), len(values)))
	}
	out := make([]any, len(values))
	for i, arg := range args {
		v, err := Coerce(arg.Type, values[i])
		if err != nil {
			name := arg.Name
			if name == "" {
				name = strconv.Itoa(i)
			}
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("参数 %s (%s) 无效", name, arg.Type.String()))
		}
		out[i] = v
	}
	return out, nil
}

// Coerce converts value into the Go representation of t.
func Coerce(t abi.Type, value any) (any, error) {
	rv, err := coerceValue(t, value)
	if err != nil {
		return nil, err
	}
	return rv.Interface(), nil
}

func coerceValue(t abi.Type, value any) (reflect.Value, error) {
	target := t.GetType()
	if value != nil {
		if rv := reflect.ValueOf(value); rv.Type() == target {
			return rv, nil
		}
	}

	switch t.T {
	case abi.AddressTy:
		addr, err := toAddress(value)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(addr), nil

	case abi.BoolTy:
		switch v := value.(type) {
		case bool:
			return reflect.ValueOf(v), nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return reflect.Value{}, fmt.Errorf("无法解析布尔值 %q", v)
			}
			return reflect.ValueOf(b), nil
		}
		return reflect.Value{}, fmt.Errorf("需要布尔值, 实际为 %T", value)

	case abi.IntTy, abi.UintTy:
		n, err := toBigInt(value)
		if err != nil {
			return reflect.Value{}, err
		}
		return intValue(t, target, n)

	case abi.StringTy:
		s, ok := value.(string)
		if !ok {
			return reflect.Value{}, fmt.Errorf("需要字符串, 实际为 %T", value)
		}
		return reflect.ValueOf(s), nil

	case abi.BytesTy:
		b, err := toBytes(value)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b), nil

	case abi.FixedBytesTy, abi.HashTy, abi.FunctionTy:
		b, err := toBytes(value)
		if err != nil {
			return reflect.Value{}, err
		}
		size := target.Len()
		if len(b) != size {
			return reflect.Value{}, fmt.Errorf("需要 %d 字节, 实际 %d 字节", size, len(b))
		}
		out := reflect.New(target).Elem()
		reflect.Copy(out, reflect.ValueOf(b))
		return out, nil

	case abi.SliceTy, abi.ArrayTy:
		items, err := toList(value)
		if err != nil {
			return reflect.Value{}, err
		}
		var out reflect.Value
		if t.T == abi.ArrayTy {
			if len(items) != t.Size {
				return reflect.Value{}, fmt.Errorf("定长数组需要 %d 个元素, 实际 %d 个", t.Size, len(items))
			}
			out = reflect.New(target).Elem()
		} else {
			out = reflect.MakeSlice(target, len(items), len(items))
		}
		for i, item := range items {
			ev, err := coerceValue(*t.Elem, item)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("第 %d 个元素: %w", i, err)
			}
			out.Index(i).Set(ev)
		}
		return out, nil

	case abi.TupleTy:
		return coerceTuple(t, target, value)
	}
	return reflect.Value{}, fmt.Errorf("不支持的 ABI 类型 %s", t.String())
}

func coerceTuple(t abi.Type, target reflect.Type, value any) (reflect.Value, error) {
	out := reflect.New(target).Elem()
	if s, ok := value.(string); ok {
		var decoded any
		if err := decodeJSON(s, &decoded); err != nil {
			return reflect.Value{}, fmt.Errorf("元组 JSON 无效: %w", err)
		}
		value = decoded
	}

	fieldValue := func(i int) (any, bool, error) {
		switch v := value.(type) {
		case map[string]any:
			raw := t.TupleRawNames[i]
			if fv, ok := v[raw]; ok {
				return fv, true, nil
			}
			if fv, ok := v[abi.ToCamelCase(raw)]; ok {
				return fv, true, nil
			}
			return nil, false, nil
		case []any:
			if len(v) != len(t.TupleElems) {
				return nil, false, fmt.Errorf("元组需要 %d 个字段, 实际 %d 个", len(t.TupleElems), len(v))
			}
			return v[i], true, nil
		}
		rv := reflect.Indirect(reflect.ValueOf(value))
		if rv.Kind() == reflect.Struct {
			f := rv.FieldByName(abi.ToCamelCase(t.TupleRawNames[i]))
			if f.IsValid() {
				return f.Interface(), true, nil
			}
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("元组需要对象、数组或结构体, 实际为 %T", value)
	}

	for i, elem := range t.TupleElems {
		fv, ok, err := fieldValue(i)
		if err != nil {
			return reflect.Value{}, err
		}
		if !ok {
			return reflect.Value{}, fmt.Errorf("元组缺少字段 %s", t.TupleRawNames[i])
		}
		ev, err := coerceValue(*elem, fv)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("字段 %s: %w", t.TupleRawNames[i], err)
		}
		out.Field(i).Set(ev)
	}
	return out, nil
}

func intValue(t abi.Type, target reflect.Type, n *big.Int) (reflect.Value, error) {
	if t.T == abi.UintTy && n.Sign() < 0 {
		return reflect.Value{}, fmt.Errorf("无符号整数不能为负数: %s", n)
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size))
	if t.T == abi.IntTy {
		limit.Rsh(limit, 1)
		low := new(big.Int).Neg(limit)
		if n.Cmp(low) < 0 || n.Cmp(limit) >= 0 {
			return reflect.Value{}, fmt.Errorf("%s 超出 int%d 范围", n, t.Size)
		}
	} else if n.Cmp(limit) >= 0 {
		return reflect.Value{}, fmt.Errorf("%s 超出 uint%d 范围", n, t.Size)
	}

	if target == reflect.TypeOf((*big.Int)(nil)) {
		return reflect.ValueOf(new(big.Int).Set(n)), nil
	}
	out := reflect.New(target).Elem()
	if t.T == abi.IntTy {
		out.SetInt(n.Int64())
	} else {
		out.SetUint(n.Uint64())
	}
	return out, nil
}

func toAddress(value any) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		if v == nil {
			return common.Address{}, fmt.Errorf("地址为空")
		}
		return *v, nil
	case Addressable:
		return v.ContractAddress(), nil
	case string:
		s := strings.TrimSpace(v)
		if !common.IsHexAddress(s) {
			return common.Address{}, fmt.Errorf("不是合法地址: %q", v)
		}
		return common.HexToAddress(s), nil
	}
	return common.Address{}, fmt.Errorf("需要地址, 实际为 %T", value)
}

func toBigInt(value any) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return nil, fmt.Errorf("整数为空")
		}
		return v, nil
	case int:
		return big.NewInt(int64(v)), nil
	case int8:
		return big.NewInt(int64(v)), nil
	case int16:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, fmt.Errorf("不是整数: %v", v)
		}
		n, _ := new(big.Float).SetFloat64(v).Int(nil)
		return n, nil
	case json.Number:
		return parseBigInt(v.String())
	case string:
		return parseBigInt(v)
	}
	return nil, fmt.Errorf("需要整数, 实际为 %T", value)
}

func parseBigInt(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	digits := strings.TrimPrefix(s, "-")
	base := 10
	if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		base, digits = 16, digits[2:]
	}
	n, ok := new(big.Int).SetString(digits, base)
	if !ok || digits == "" {
		return nil, fmt.Errorf("无法解析整数 %q", s)
	}
	if neg {
		n.Neg(n)
	}
	return n, nil
}

func toBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case common.Hash:
		return v.Bytes(), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" || s == "0x" {
			return []byte{}, nil
		}
		if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
			return nil, fmt.Errorf("字节串需要 0x 前缀: %q", v)
		}
		b := common.FromHex(s)
		if len(b) == 0 || len(s)%2 != 0 {
			return nil, fmt.Errorf("不是合法的十六进制: %q", v)
		}
		return b, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		out := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(out), rv)
		return out, nil
	}
	return nil, fmt.Errorf("需要字节串, 实际为 %T", value)
}

func toList(value any) ([]any, error) {
	if s, ok := value.(string); ok {
		var decoded []any
		if err := decodeJSON(s, &decoded); err != nil {
			return nil, fmt.Errorf("数组 JSON 无效: %w", err)
		}
		return decoded, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("需要数组, 实际为 %T", value)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

// decodeJSON keeps numbers as json.Number so uint256 values survive.
func decodeJSON(s string, out any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	return dec.Decode(out)
}
