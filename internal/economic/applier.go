package economic

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/Klingon-tech/mixnet-ct/config"
	"github.com/Klingon-tech/mixnet-ct/internal/log"
	"github.com/Klingon-tech/mixnet-ct/internal/metrics"
	"github.com/Klingon-tech/mixnet-ct/internal/registry"
	"github.com/Klingon-tech/mixnet-ct/internal/storage"
	"github.com/Klingon-tech/mixnet-ct/pkg/types"
)

// ErrTooFewEligible is returned when the eligible set is below the configured
// floor. The whole cycle is skipped and every peer is flagged ineligible so
// no stale probabilities survive.
var ErrTooFewEligible = errors.New("economic: too few eligible peers, distribution skipped")

// Reward is one peer's share of a distribution cycle.
type Reward struct {
	Address      types.Address
	SafeAddress  string
	Probability  float64
	Amount       float64
	MessageCount int
}

// Applier evaluates the whole registry against a frozen model snapshot and
// writes the outcome back as derived fields.
type Applier struct {
	reg     *registry.Registry
	budget  *Budget
	rewards *storage.RewardStore

	cfg     config.EconomicConfig
	peerCfg config.PeerConfig

	mu  sync.RWMutex
	own map[string]bool // the engine's own peer ids, never rewarded
}

// NewApplier builds the applier. Configuration is copied, so a cycle in
// flight never sees parameter changes.
func NewApplier(cfg config.EconomicConfig, peerCfg config.PeerConfig, reg *registry.Registry, budget *Budget, rewards *storage.RewardStore) *Applier {
	return &Applier{
		reg:     reg,
		budget:  budget,
		rewards: rewards,
		cfg:     cfg,
		peerCfg: peerCfg,
		own:     make(map[string]bool),
	}
}

// SetOwnPeerIDs records the peer ids of the nodes this engine runs, which
// are excluded from rewards.
func (a *Applier) SetOwnPeerIDs(ids []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.own = make(map[string]bool, len(ids))
	for _, id := range ids {
		a.own[id] = true
	}
}

func (a *Applier) isOwn(peerID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.own[peerID]
}

// eligible reports whether a peer earns rewards this cycle: it must pass
// the admission filters and be reachable right now.
func (a *Applier) eligible(p registry.Peer, legacy Legacy) bool {
	return p.Health == registry.HealthHealthy && a.admissible(p, legacy)
}

// admissible applies the admission filters that do not depend on current
// reachability: registration, version floor, allowance, NFT-or-threshold
// and the stake floor.
func (a *Applier) admissible(p registry.Peer, legacy Legacy) bool {
	if a.isOwn(p.Address.PeerID) {
		return false
	}
	if !p.Registered {
		return false
	}
	if a.peerCfg.MinVersion != "" {
		v := "v" + p.Version
		if !semver.IsValid(v) || semver.Compare(v, "v"+a.peerCfg.MinVersion) < 0 {
			return false
		}
	}
	if p.SafeAllowance < a.cfg.MinSafeAllowance {
		return false
	}
	stake := p.SplitStake()
	if !p.NFTHolder && stake < a.cfg.NFTThreshold {
		return false
	}
	if stake < legacy.LowerBound() {
		return false
	}
	return true
}

// SessionCandidates returns the peers that should hold a relay session:
// every admitted peer that is reachable, plus admitted peers unreachable
// for no longer than grace. Transient unreachability never deselects a
// session here; the session manager's own grace sweep decides the close.
func (a *Applier) SessionCandidates(grace time.Duration) []string {
	now := time.Now()
	legacy := NewLegacy(a.cfg.Legacy.Coefficients)

	var out []string
	for _, p := range a.reg.Snapshot() {
		if !a.admissible(p, legacy) {
			continue
		}
		switch p.Health {
		case registry.HealthHealthy:
			out = append(out, p.Address.PeerID)
		case registry.HealthUnreachable:
			if !p.UnreachableSince.IsZero() && now.Sub(p.UnreachableSince) <= grace {
				out = append(out, p.Address.PeerID)
			}
		}
	}
	return out
}

// Apply runs one evaluation cycle: filter the registry snapshot, score the
// eligible peers under both sub-models, blend, and persist. The returned
// rewards are what the postman distributes this cycle.
func (a *Applier) Apply() ([]Reward, error) {
	// Frozen snapshots: peers and parameters are fixed for the whole cycle.
	peers := a.reg.Snapshot()
	cfg := a.cfg
	legacy := NewLegacy(cfg.Legacy.Coefficients)
	sigmoid := NewSigmoid(cfg.Sigmoid)

	var eligible []registry.Peer
	for _, p := range peers {
		if a.eligible(p, legacy) {
			eligible = append(eligible, p)
		}
	}
	metrics.EligiblePeers.Set(float64(len(eligible)))

	if len(eligible) < cfg.MinEligiblePeers {
		metrics.DistributionSkipped.Inc()
		a.reg.ApplyOutcomes(nil)
		log.Economic.Warn().Int("eligible", len(eligible)).Int("required", cfg.MinEligiblePeers).
			Msg("Too few eligible peers, skipping distribution cycle")
		return nil, ErrTooFewEligible
	}

	// Stake shared through a common safe is counted once per peer via the
	// safe split, so these totals never multiply a safe's balance.
	var totalStake, totalLegacy float64
	legacyScores := make([]float64, len(eligible))
	for i, p := range eligible {
		stake := p.SplitStake()
		totalStake += stake
		legacyScores[i] = legacy.TransformedStake(stake)
		totalLegacy += legacyScores[i]
	}

	apr := sigmoid.APR(sigmoid.EconomicSecurity(totalStake), sigmoid.NetworkLoad(len(eligible)))

	outcomes := make(map[string]registry.Outcome, len(eligible))
	rewards := make([]Reward, 0, len(eligible))
	for i, p := range eligible {
		stake := p.SplitStake()

		var legacyShare, sigmoidShare float64
		if totalLegacy > 0 {
			legacyShare = legacyScores[i] / totalLegacy
		}
		if totalStake > 0 {
			sigmoidShare = stake / totalStake
		}

		prob := cfg.Legacy.Proportion*legacyShare + cfg.Sigmoid.Proportion*sigmoidShare
		if prob < 0 {
			prob = 0
		}
		if prob > 1 {
			prob = 1
		}

		// The legacy share of the payout runs on the transformed stake, so
		// the power tail above c dampens amounts the same way it dampens
		// probabilities. The sigmoid share runs on raw stake.
		yearly := (cfg.Legacy.Proportion*cfg.Legacy.APR*legacyScores[i] +
			cfg.Sigmoid.Proportion*apr*stake) / 100
		amount := a.budget.PerDistribution(yearly)

		outcomes[p.Address.PeerID] = registry.Outcome{Eligible: true, Probability: prob}
		metrics.RewardProbability.WithLabelValues(p.Address.PeerID).Set(prob)
		rewards = append(rewards, Reward{
			Address:      p.Address,
			SafeAddress:  p.SafeAddress,
			Probability:  prob,
			Amount:       amount,
			MessageCount: a.budget.MessageCount(amount),
		})
	}

	a.reg.ApplyOutcomes(outcomes)

	now := time.Now()
	for _, r := range rewards {
		if err := a.rewards.Append(storage.RewardRecord{
			PeerID:      r.Address.PeerID,
			SafeAddress: r.SafeAddress,
			Probability: r.Probability,
			Amount:      r.Amount,
			Timestamp:   now,
		}); err != nil {
			log.Economic.Error().Err(err).Str("peer", r.Address.Short()).
				Msg("Failed to persist reward record")
		}
	}

	log.Economic.Info().Int("eligible", len(eligible)).Float64("apr", apr).
		Float64("total_stake", totalStake).Msg("Distribution cycle evaluated")
	return rewards, nil
}
