// Package units converts between decimal strings and on-chain integer amounts
// and carries the small numeric helpers the operations use.
package units

import (
	"fmt"
	"math/big"
	"strings"

	xerrors "VaultOps/internal/errors"
)

// Token decimals.
const (
	USDT     = 6
	USDC     = 6
	Mesh     = 6
	DAI      = 18
	TUSD     = 18
	CASH     = 18
	ETH      = 18
	Quick    = 18
	Penrose  = 18
	OGN      = 18
	DystPair = 12
	Oracle   = 6

	// ChainlinkFeed is the precision of the mock chainlink feeds.
	ChainlinkFeed = 8
)

var decimalsBySymbol = map[string]int{
	"usdt":     USDT,
	"usdc":     USDC,
	"mesh":     Mesh,
	"dai":      DAI,
	"tusd":     TUSD,
	"cash":     CASH,
	"wcash":    CASH,
	"eth":      ETH,
	"quick":    Quick,
	"penrose":  Penrose,
	"ogn":      OGN,
	"dystpair": DystPair,
	"oracle":   Oracle,
}

// DecimalsOf returns the decimals of a known token symbol.
func DecimalsOf(symbol string) (int, error) {
	d, ok := decimalsBySymbol[strings.ToLower(strings.TrimSpace(symbol))]
	if !ok {
		return 0, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知代币精度: %s", symbol))
	}
	return d, nil
}

// Parse converts a decimal string such as "1.5" into an integer amount with
// the given number of decimals. More fractional digits than decimals is an error.
func Parse(amount string, decimals int) (*big.Int, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额不能为空")
	}
	if decimals < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "精度不能为负数")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("金额格式无效: %q", amount))
	}
	if whole == "" {
		whole = "0"
	}
	if strings.Contains(frac, ".") || !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("金额格式无效: %q", amount))
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > decimals {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("金额 %q 超出 %d 位小数精度", amount, decimals))
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("金额格式无效: %q", amount))
	}
	if neg {
		out.Neg(out)
	}
	return out, nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(amount string, decimals int) *big.Int {
	v, err := Parse(amount, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders value with the given decimals. Trailing zeros are trimmed
// but at least one fractional digit is kept ("1.0").
func Format(value *big.Int, decimals int) string {
	if value == nil {
		return "0.0"
	}
	abs := new(big.Int).Abs(value).String()
	if len(abs) <= decimals {
		abs = strings.Repeat("0", decimals-len(abs)+1) + abs
	}
	whole := abs[:len(abs)-decimals]
	frac := strings.TrimRight(abs[len(abs)-decimals:], "0")
	if frac == "" {
		frac = "0"
	}
	sign := ""
	if value.Sign() < 0 {
		sign = "-"
	}
	return sign + whole + "." + frac
}

// IsWithinTolerance reports whether value lies in expected ± expected×tolerance.
// tolerance is a fraction (0.05 is 5%) and is applied with three digits of
// precision, so the band is expected×(tolerance×1000)/1000.
func IsWithinTolerance(value, expected *big.Int, tolerance float64) bool {
	if value == nil || expected == nil {
		return false
	}
	band := new(big.Int).Mul(expected, big.NewInt(int64(tolerance*1000)))
	band.Quo(band, big.NewInt(1000))
	low := new(big.Int).Sub(expected, band)
	high := new(big.Int).Add(expected, band)
	return value.Cmp(low) >= 0 && value.Cmp(high) <= 0
}

// PriceOne is one USD in chainlink precision.
var PriceOne = big.NewInt(100_000_000)

var initialLeastDiff = big.NewInt(1_000_000_000)

// MostStableIndex returns the index of the price closest to one USD (1e8).
// Ties keep the first index. It falls back to 0 when no price is within 1e9,
// matching the vault's own selection.
func MostStableIndex(prices []*big.Int) int {
	least := new(big.Int).Set(initialLeastDiff)
	index := 0
	for i, p := range prices {
		if p == nil {
			continue
		}
		diff := new(big.Int).Sub(p, PriceOne)
		diff.Abs(diff)
		if diff.Cmp(least) < 0 {
			least = diff
			index = i
		}
	}
	return index
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
