package money

import "fmt"

// Asset represents a currency this facilitator can express amounts in.
// Zcash amounts are always denominated in zatoshi (1 ZEC = 10^8 zatoshi), but
// the type stays asset-parameterized so request/response formatting code
// doesn't need to special-case the decimal count.
type Asset struct {
	Code     string // Asset code, e.g. "ZEC"
	Decimals uint8  // Number of decimal places (8 for ZEC, matching zatoshi)
}

// ZEC is the facilitator's sole settlement asset.
var ZEC = Asset{Code: "ZEC", Decimals: 8}

var assetRegistry = map[string]Asset{
	"ZEC": ZEC,
}

// GetAsset retrieves an asset by code.
func GetAsset(code string) (Asset, error) {
	asset, ok := assetRegistry[code]
	if !ok {
		return Asset{}, fmt.Errorf("money: unknown asset: %s", code)
	}
	return asset, nil
}

// MustGetAsset retrieves an asset and panics if not found (for tests/constants).
func MustGetAsset(code string) Asset {
	asset, err := GetAsset(code)
	if err != nil {
		panic(err)
	}
	return asset
}
