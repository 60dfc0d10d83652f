package normalize

import (
	"math"
	"math/big"
	"testing"
)

// pow10 returns v × 10^exp as a big integer.
func pow10(v int64, exp int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
	return scale.Mul(scale, big.NewInt(v))
}

func TestRename(t *testing.T) {
	t.Parallel()

	doc := map[string]any{
		"indexTokenPrice.max":       big.NewInt(1),
		"indexTokenPrice.min":       big.NewInt(2),
		"collateralTokenPrice.max":  big.NewInt(3),
		"collateralTokenPrice.min":  big.NewInt(4),
		"values.priceImpactDiffUsd": big.NewInt(5),
		"increasedAtTime":           big.NewInt(1700000000),
	}
	Rename(doc)

	for _, old := range []string{
		"indexTokenPrice.max", "indexTokenPrice.min",
		"collateralTokenPrice.max", "collateralTokenPrice.min",
		"values.priceImpactDiffUsd", "increasedAtTime",
	} {
		if _, ok := doc[old]; ok {
			t.Errorf("key %q should have been renamed away", old)
		}
	}
	if v, ok := doc["indexTokenPriceMax"].(*big.Int); !ok || v.Int64() != 1 {
		t.Errorf("indexTokenPriceMax = %v", doc["indexTokenPriceMax"])
	}
	if v, ok := doc["priceImpactDiffUsd"].(*big.Int); !ok || v.Int64() != 5 {
		t.Errorf("priceImpactDiffUsd = %v", doc["priceImpactDiffUsd"])
	}
	if v, ok := doc["timestamp"].(*big.Int); !ok || v.Int64() != 1700000000 {
		t.Errorf("timestamp = %v", doc["timestamp"])
	}
}

func TestRenameDecreasedAtTime(t *testing.T) {
	t.Parallel()

	doc := map[string]any{"decreasedAtTime": big.NewInt(42)}
	Rename(doc)
	if v, ok := doc["timestamp"].(*big.Int); !ok || v.Int64() != 42 {
		t.Errorf("timestamp = %v, want 42", doc["timestamp"])
	}
	if _, ok := doc["decreasedAtTime"]; ok {
		t.Error("decreasedAtTime should have been renamed away")
	}
}

func TestApply(t *testing.T) {
	t.Parallel()

	// A BTC/USDC-shaped event: 8-decimal index token, 6-decimal collateral.
	doc := map[string]any{
		"sizeInUsd":               pow10(1000, 30),
		"sizeDeltaUsd":            pow10(250, 30),
		"basePnlUsd":              pow10(-425, 29), // -42.5 USD
		"sizeInTokens":            pow10(2, 8),
		"collateralAmount":        pow10(500, 6),
		"collateralDeltaAmount":   pow10(100, 6),
		"executionPrice":          pow10(65000, 22),
		"indexTokenPriceMax":      pow10(65100, 22),
		"collateralTokenPriceMax": pow10(1, 24),
		"fundingFeeAmountPerSize": pow10(3, 6),
		"priceImpactAmount":       pow10(7, 8),
		"orderType":               big.NewInt(4),
		"account":                 "0xabc",
	}
	Apply(doc, 8, 6)

	want := map[string]float64{
		"sizeInUsd":               1000,
		"sizeDeltaUsd":            250,
		"basePnlUsd":              -42.5,
		"sizeInTokens":            2,
		"collateralAmount":        500,
		"collateralDeltaAmount":   100,
		"executionPrice":          65000,
		"indexTokenPriceMax":      65100,
		"collateralTokenPriceMax": 1,
		"fundingFeeAmountPerSize": 3,
		"priceImpactAmount":       7,
	}
	for field, w := range want {
		got, ok := doc[field].(float64)
		if !ok {
			t.Errorf("%s = %T(%v), want float64", field, doc[field], doc[field])
			continue
		}
		if got != w {
			t.Errorf("%s = %v, want %v", field, got, w)
		}
	}
	// Fields outside the divisor table keep their raw values.
	if v, ok := doc["orderType"].(*big.Int); !ok || v.Int64() != 4 {
		t.Errorf("orderType = %v, want untouched big.Int 4", doc["orderType"])
	}
	if doc["account"] != "0xabc" {
		t.Errorf("account = %v, want untouched string", doc["account"])
	}
}

func TestApplyStringifiedInput(t *testing.T) {
	t.Parallel()

	doc := map[string]any{"sizeInUsd": "2500000000000000000000000000000000"}
	Apply(doc, 18, 18)
	if got, ok := doc["sizeInUsd"].(float64); !ok || got != 2500 {
		t.Errorf("sizeInUsd = %v, want 2500", doc["sizeInUsd"])
	}
}

func TestScalePrecision(t *testing.T) {
	t.Parallel()

	// 36 significant digits cannot fit a float64; the result must be the
	// nearest representable value, not an overflow or a truncation.
	v, ok := new(big.Int).SetString("123456789012345678901234567890123456", 10)
	if !ok {
		t.Fatal("SetString failed")
	}
	got := Scale(v, 30)
	want := 123456.789012345678901234567890123456
	ulp := math.Nextafter(want, math.Inf(1)) - want
	if math.Abs(got-want) > ulp {
		t.Errorf("Scale = %v, want %v within one ulp", got, want)
	}

	neg := new(big.Int).Neg(v)
	if got := Scale(neg, 30); got != -want {
		t.Errorf("Scale negative = %v, want %v", got, -want)
	}
}

func TestDegrade(t *testing.T) {
	t.Parallel()

	big256, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457", 10)
	doc := map[string]any{
		"sizeInUsd": big256,
		"account":   "0xabc",
		"isLong":    true,
		"price":     1.5,
	}
	Degrade(doc)
	if got := doc["sizeInUsd"]; got != big256.String() {
		t.Errorf("sizeInUsd = %v, want stringified integer", got)
	}
	if doc["account"] != "0xabc" || doc["isLong"] != true || doc["price"] != 1.5 {
		t.Errorf("non-integer fields should be untouched: %v", doc)
	}
}

func TestFinalize(t *testing.T) {
	t.Parallel()

	huge := new(big.Int).Lsh(big.NewInt(1), 80)
	doc := map[string]any{
		"timestamp": big.NewInt(1700000000),
		"rawValue":  huge,
		"amounts":   []any{big.NewInt(7), new(big.Int).Lsh(big.NewInt(1), 70)},
	}
	Finalize(doc)

	if v, ok := doc["timestamp"].(int64); !ok || v != 1700000000 {
		t.Errorf("timestamp = %T(%v), want int64", doc["timestamp"], doc["timestamp"])
	}
	if v, ok := doc["rawValue"].(string); !ok || v != huge.String() {
		t.Errorf("rawValue = %T(%v), want decimal string", doc["rawValue"], doc["rawValue"])
	}
	arr := doc["amounts"].([]any)
	if v, ok := arr[0].(int64); !ok || v != 7 {
		t.Errorf("amounts[0] = %T(%v), want int64 7", arr[0], arr[0])
	}
	if _, ok := arr[1].(string); !ok {
		t.Errorf("amounts[1] = %T(%v), want decimal string", arr[1], arr[1])
	}
}
