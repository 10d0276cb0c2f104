// Package economic computes per-peer reward probabilities from stake using
// two configurable sub-models and blends them into a single distribution.
package economic

import (
	"math"

	"github.com/Klingon-tech/mixnet-ct/config"
)

// Legacy is the piecewise stake transform. Stakes below the lower bound
// score zero, stakes up to the cap scale linearly, and stakes beyond the cap
// grow with a dampened power tail.
type Legacy struct {
	a, b, c, l float64
}

// NewLegacy builds the model from its configured coefficients.
func NewLegacy(cfg config.LegacyCoefficients) Legacy {
	return Legacy{a: cfg.A, b: cfg.B, c: cfg.C, l: cfg.L}
}

// TransformedStake maps a raw stake to its reward weight.
func (m Legacy) TransformedStake(x float64) float64 {
	switch {
	case x < m.l:
		return 0
	case x <= m.c:
		return m.a * x
	default:
		return m.a*m.c + math.Pow(x-m.c, 1/m.b)
	}
}

// LowerBound returns the minimum stake that scores above zero.
func (m Legacy) LowerBound() float64 { return m.l }
