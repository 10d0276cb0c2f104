package types

import (
	"fmt"
	"math/big"
	"strings"
)

// weiPerToken is the scaling factor between the node API's wei-denominated
// string balances and token units.
var weiPerToken = new(big.Float).SetFloat64(1e18)

// TokensFromWei converts a decimal wei string (as returned by the node API
// and the subgraph) to token units. Malformed input yields an error rather
// than a silent zero so callers can flag bad remote data.
func TokensFromWei(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty balance string")
	}
	wei, ok := new(big.Float).SetString(s)
	if !ok {
		return 0, fmt.Errorf("malformed balance %q", s)
	}
	tokens, _ := new(big.Float).Quo(wei, weiPerToken).Float64()
	return tokens, nil
}

// WeiFromTokens converts token units to an integer wei string for API calls.
func WeiFromTokens(tokens float64) string {
	wei := new(big.Float).Mul(new(big.Float).SetFloat64(tokens), weiPerToken)
	i, _ := wei.Int(nil)
	return i.String()
}
