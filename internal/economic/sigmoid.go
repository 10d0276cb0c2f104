package economic

import (
	"math"

	"github.com/Klingon-tech/mixnet-ct/config"
)

// Sigmoid is the bucket-based APR model. Each bucket is a logistic curve
// over one normalized network quantity; the bucket APRs are combined and
// offset into a network-wide APR that every eligible peer earns on its stake.
type Sigmoid struct {
	cfg config.SigmoidConfig
}

// NewSigmoid builds the model from configuration.
func NewSigmoid(cfg config.SigmoidConfig) Sigmoid {
	return Sigmoid{cfg: cfg}
}

// bucketAPR evaluates one logistic bucket at x. Outside the curve's domain
// (x at or beyond the upper bound, or non-positive) the bucket is saturated
// and contributes only its offset.
func bucketAPR(b config.BucketConfig, x float64) float64 {
	if x <= 0 || b.Flatness == 0 {
		return b.Offset
	}
	arg := math.Pow(b.UpperBound/x, b.Skewness) - 1
	if arg <= 0 {
		return b.Offset
	}
	return math.Log(arg)/b.Flatness + b.Offset
}

// APR computes the network-wide APR from the two bucket inputs:
// economicSecurity is total counted stake over total token supply, and
// networkLoad is the eligible peer count over the network capacity.
func (m Sigmoid) APR(economicSecurity, networkLoad float64) float64 {
	security := bucketAPR(m.cfg.EconomicSecurity, economicSecurity)
	load := bucketAPR(m.cfg.NetworkLoad, networkLoad)

	var combined float64
	if m.cfg.Combine == config.CombineMultiplicative {
		combined = security * load
	} else {
		combined = security + load
	}

	apr := combined + m.cfg.Offset
	if apr > m.cfg.MaxAPR {
		apr = m.cfg.MaxAPR
	}
	if apr < 0 {
		apr = 0
	}
	return apr
}

// EconomicSecurity normalizes total counted stake against the token supply.
func (m Sigmoid) EconomicSecurity(totalStake float64) float64 {
	if m.cfg.TotalTokenSupply <= 0 {
		return 0
	}
	return totalStake / m.cfg.TotalTokenSupply
}

// NetworkLoad normalizes the eligible peer count against network capacity.
func (m Sigmoid) NetworkLoad(eligible int) float64 {
	if m.cfg.NetworkCapacity <= 0 {
		return 0
	}
	return float64(eligible) / m.cfg.NetworkCapacity
}
