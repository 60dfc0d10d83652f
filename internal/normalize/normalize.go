// Package normalize rescales raw emitter integers into human-readable USD
// and token amounts.
//
// GMX encodes USD values as 30-decimal fixed point and token amounts in the
// token's own decimals; prices carry the difference between the two. The
// conversions here run through decimal arithmetic so 256-bit inputs round to
// the nearest float64 instead of overflowing.
package normalize

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// UsdDecimals is the fixed-point exponent GMX uses for USD amounts.
const UsdDecimals = 30

// fieldRenames maps dotted payload keys to the flat names the rest of the
// pipeline queries by. Mongo rejects dotted keys, so this runs before any
// document is persisted.
var fieldRenames = map[string]string{
	"indexTokenPrice.max":       "indexTokenPriceMax",
	"indexTokenPrice.min":       "indexTokenPriceMin",
	"collateralTokenPrice.max":  "collateralTokenPriceMax",
	"collateralTokenPrice.min":  "collateralTokenPriceMin",
	"values.priceImpactDiffUsd": "priceImpactDiffUsd",
}

var (
	usdFields = []string{
		"sizeInUsd", "sizeDeltaUsd", "priceImpactUsd", "basePnlUsd",
		"uncappedBasePnlUsd", "borrowingFactor", "priceImpactDiffUsd",
	}
	indexTokenFields       = []string{"sizeInTokens", "sizeDeltaInTokens"}
	collateralAmountFields = []string{"collateralAmount", "collateralDeltaAmount"}
	indexPriceFields       = []string{"executionPrice", "indexTokenPriceMax", "indexTokenPriceMin"}
	collateralPriceFields  = []string{"collateralTokenPriceMax", "collateralTokenPriceMin"}
)

// Rename rewrites dotted price keys to their flat names and folds the
// per-direction increasedAtTime/decreasedAtTime field into a single
// timestamp field.
func Rename(doc map[string]any) {
	for old, flat := range fieldRenames {
		if v, ok := doc[old]; ok {
			doc[flat] = v
			delete(doc, old)
		}
	}
	if v, ok := doc["increasedAtTime"]; ok {
		doc["timestamp"] = v
		delete(doc, "increasedAtTime")
	} else if v, ok := doc["decreasedAtTime"]; ok {
		doc["timestamp"] = v
		delete(doc, "decreasedAtTime")
	}
}

// Apply rescales every known amount field of doc in place. indexDecimals
// and collateralDecimals are the ERC-20 decimals of the market's index and
// collateral tokens. Fields that are absent, or not integer-valued, are
// left untouched.
func Apply(doc map[string]any, indexDecimals, collateralDecimals int) {
	for _, f := range usdFields {
		scaleField(doc, f, UsdDecimals)
	}
	for _, f := range indexTokenFields {
		scaleField(doc, f, indexDecimals)
	}
	for _, f := range collateralAmountFields {
		scaleField(doc, f, collateralDecimals)
	}
	for _, f := range indexPriceFields {
		scaleField(doc, f, UsdDecimals-indexDecimals)
	}
	for _, f := range collateralPriceFields {
		scaleField(doc, f, UsdDecimals-collateralDecimals)
	}
	scaleField(doc, "fundingFeeAmountPerSize", collateralDecimals)
	scaleField(doc, "longTokenClaimableFundingAmountPerSize", UsdDecimals)
	scaleField(doc, "shortTokenClaimableFundingAmountPerSize", UsdDecimals)
	scaleField(doc, "priceImpactAmount", indexDecimals)
}

func scaleField(doc map[string]any, field string, decimals int) {
	switch v := doc[field].(type) {
	case *big.Int:
		doc[field] = Scale(v, decimals)
	case string:
		// Documents re-processed from degraded form carry stringified
		// integers.
		if n, ok := new(big.Int).SetString(v, 10); ok {
			doc[field] = Scale(n, decimals)
		}
	}
}

// Scale divides v by 10^decimals and returns the nearest float64.
func Scale(v *big.Int, decimals int) float64 {
	return decimal.NewFromBigInt(v, -int32(decimals)).InexactFloat64()
}

// Degrade stringifies every remaining integer field of a document whose
// market metadata could not be resolved, so the raw event still persists
// within BSON's numeric range.
func Degrade(doc map[string]any) {
	for k, v := range doc {
		if n, ok := v.(*big.Int); ok {
			doc[k] = n.String()
		}
	}
}

// Finalize converts whatever raw integers normalization left behind into
// BSON-safe values: int64 when the value fits, decimal string otherwise.
// Array values are walked element by element.
func Finalize(doc map[string]any) {
	for k, v := range doc {
		switch t := v.(type) {
		case *big.Int:
			doc[k] = clampBig(t)
		case []any:
			for i, el := range t {
				if n, ok := el.(*big.Int); ok {
					t[i] = clampBig(n)
				}
			}
		}
	}
}

func clampBig(v *big.Int) any {
	if v.IsInt64() {
		return v.Int64()
	}
	return v.String()
}
