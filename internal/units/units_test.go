package units

import (
	"math/big"
	"testing"

	xerrors "VaultOps/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParse(t *testing.T) {
	cases := []struct {
		amount   string
		decimals int
		want     string
	}{
		{"1", USDT, "1000000"},
		{"1.5", USDC, "1500000"},
		{"0.000001", USDC, "1"},
		{"1000", CASH, "1000000000000000000000"},
		{".25", DAI, "250000000000000000"},
		{"-2", DystPair, "-2000000000000"},
		{"1.50000000", USDT, "1500000"},
	}
	for _, tc := range cases {
		got, err := Parse(tc.amount, tc.decimals)
		require.NoError(t, err, tc.amount)
		assert.Equal(t, tc.want, got.String(), tc.amount)
	}
}

func TestParseRejects(t *testing.T) {
	for _, amount := range []string{"", "abc", "1.2.3", "0.0000001", "1e6", "-", ".", "-."} {
		_, err := Parse(amount, USDC)
		assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument), amount)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "1.5", Format(big.NewInt(1_500_000), USDC))
	assert.Equal(t, "0.000001", Format(big.NewInt(1), USDT))
	assert.Equal(t, "10.0", Format(big.NewInt(10_000_000), USDT))
	assert.Equal(t, "-0.5", Format(big.NewInt(-500_000), USDT))
	assert.Equal(t, "0.0", Format(nil, CASH))
}

func TestParseFormatRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		decimals := rapid.IntRange(0, 18).Draw(t, "decimals")
		raw := rapid.Int64().Draw(t, "raw")
		value := big.NewInt(raw)

		back, err := Parse(Format(value, decimals), decimals)
		if err != nil {
			t.Fatalf("parse %s: %v", Format(value, decimals), err)
		}
		if back.Cmp(value) != 0 {
			t.Fatalf("round trip %s -> %s", value, back)
		}
	})
}

func TestDecimalsOf(t *testing.T) {
	d, err := DecimalsOf("USDT")
	require.NoError(t, err)
	assert.Equal(t, 6, d)

	d, err = DecimalsOf("dystPair")
	require.NoError(t, err)
	assert.Equal(t, 12, d)

	_, err = DecimalsOf("doge")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestIsWithinTolerance(t *testing.T) {
	expected := big.NewInt(1000)
	assert.True(t, IsWithinTolerance(big.NewInt(1050), expected, 0.05))
	assert.True(t, IsWithinTolerance(big.NewInt(950), expected, 0.05))
	assert.False(t, IsWithinTolerance(big.NewInt(1051), expected, 0.05))
	assert.False(t, IsWithinTolerance(big.NewInt(949), expected, 0.05))
	assert.True(t, IsWithinTolerance(expected, expected, 0))
	assert.False(t, IsWithinTolerance(nil, expected, 1))
}

func TestIsWithinToleranceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		expected := big.NewInt(rapid.Int64Range(0, 1<<40).Draw(t, "expected"))
		tol := float64(rapid.IntRange(0, 1000).Draw(t, "permille")) / 1000

		if !IsWithinTolerance(expected, expected, tol) {
			t.Fatalf("expected value must be within its own band")
		}
		band := new(big.Int).Mul(expected, big.NewInt(int64(tol*1000)))
		band.Quo(band, big.NewInt(1000))
		above := new(big.Int).Add(expected, band)
		above.Add(above, big.NewInt(1))
		if IsWithinTolerance(above, expected, tol) {
			t.Fatalf("%s must be outside %s±%s", above, expected, band)
		}
	})
}

func TestMostStableIndex(t *testing.T) {
	prices := []*big.Int{big.NewInt(99_000_000), big.NewInt(100_010_000), big.NewInt(101_000_000)}
	assert.Equal(t, 1, MostStableIndex(prices))

	tie := []*big.Int{big.NewInt(99_000_000), big.NewInt(101_000_000)}
	assert.Equal(t, 0, MostStableIndex(tie), "ties keep the first index")

	far := []*big.Int{big.NewInt(5_000_000_000)}
	assert.Equal(t, 0, MostStableIndex(far), "falls back to the first asset")
	assert.Equal(t, 0, MostStableIndex(nil))
}
