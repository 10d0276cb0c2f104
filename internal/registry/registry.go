// Package registry holds the authoritative in-memory view of known peers.
//
// The registry is the single source of truth shared by every control loop.
// Collectors write the fields they own, the economic model applier writes the
// derived reward fields, and everything else reads snapshots. All access goes
// through one registry-wide lock; no caller holds it across a network call.
package registry

import (
	"sync"
	"time"

	"github.com/Klingon-tech/mixnet-ct/internal/log"
	"github.com/Klingon-tech/mixnet-ct/internal/metrics"
	"github.com/Klingon-tech/mixnet-ct/pkg/types"
)

// Health is the reachability state of a peer.
type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthUnreachable
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Peer is one known mixnet participant. Fields split into three ownership
// groups: topology-owned, subgraph-owned, and model-owned. Writers stay
// within their group.
type Peer struct {
	Address types.Address

	// Topology-owned.
	Health           Health
	Version          string
	Quality          float64
	ChannelBalance   float64
	LastSeen         time.Time
	UnreachableSince time.Time

	// Subgraph-owned.
	SafeAddress       string
	SafeBalance       float64
	SafeAllowance     float64
	SafePeerCount     int
	Registered        bool
	NFTHolder         bool
	AllocationBalance float64
	RedeemedRewards   float64

	// Model-owned.
	Eligible    bool
	Probability float64
}

// SplitStake is the stake attributable to this peer once the safe's balance
// is shared among all peer ids backed by the same safe. A safe's stake must
// never be counted more than once across siblings.
func (p *Peer) SplitStake() float64 {
	count := p.SafePeerCount
	if count < 1 {
		count = 1
	}
	return (p.SafeBalance+p.AllocationBalance)/float64(count) + p.ChannelBalance
}

// TopologyInfo is the per-peer data a topology pass produces.
type TopologyInfo struct {
	Address        types.Address
	Version        string
	Quality        float64
	ChannelBalance float64
}

// SafeInfo is the per-peer data the subgraph safes query produces.
type SafeInfo struct {
	SafeAddress   string
	SafeBalance   float64
	SafeAllowance float64
	Registered    bool
}

// Registry is the mutex-guarded peer table.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Get returns a copy of the peer with the given id.
func (r *Registry) Get(peerID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Snapshot returns copies of every peer, safe for lock-free downstream use.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// ApplyTopology merges one full topology pass. Peers in seen are created or
// refreshed; known peers missing from seen flip to unreachable, keeping their
// subgraph-owned fields untouched. Counts new/known/unreachable for metrics.
func (r *Registry) ApplyTopology(seen map[string]TopologyInfo, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added, known, unreachable int

	for id, info := range seen {
		p, ok := r.peers[id]
		if !ok {
			p = &Peer{Address: info.Address}
			r.peers[id] = p
			added++
		} else {
			known++
		}
		p.Address = info.Address
		p.Health = HealthHealthy
		p.Quality = info.Quality
		p.ChannelBalance = info.ChannelBalance
		p.LastSeen = now
		p.UnreachableSince = time.Time{}
		// A failed version probe reports 0.0.0; keep the previous value then.
		if info.Version != "" && info.Version != "0.0.0" {
			p.Version = info.Version
		}
	}

	for id, p := range r.peers {
		if _, ok := seen[id]; ok {
			continue
		}
		if p.Health != HealthUnreachable {
			p.Health = HealthUnreachable
			p.UnreachableSince = now
		}
		unreachable++
	}

	r.recountSafeSiblingsLocked()

	metrics.UniquePeers.WithLabelValues("new").Set(float64(added))
	metrics.UniquePeers.WithLabelValues("known").Set(float64(known))
	metrics.UniquePeers.WithLabelValues("unreachable").Set(float64(unreachable))

	log.Registry.Debug().
		Int("new", added).
		Int("known", known).
		Int("unreachable", unreachable).
		Msg("Merged topology pass")
}

// PruneStale removes peers absent from topology for longer than maxAge.
// Returns the removed peer ids.
func (r *Registry) PruneStale(maxAge time.Duration, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, p := range r.peers {
		if p.Health != HealthUnreachable || p.UnreachableSince.IsZero() {
			continue
		}
		if now.Sub(p.UnreachableSince) > maxAge {
			delete(r.peers, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		r.recountSafeSiblingsLocked()
		log.Registry.Info().Int("count", len(removed)).Msg("Pruned stale peers")
	}
	return removed
}

// ApplySafes merges safe/stake/registration data keyed by native address.
// Topology-owned fields are never touched here.
func (r *Registry) ApplySafes(byNative map[string]SafeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.peers {
		info, ok := byNative[p.Address.Native]
		if !ok {
			continue
		}
		p.SafeAddress = info.SafeAddress
		p.SafeBalance = info.SafeBalance
		p.SafeAllowance = info.SafeAllowance
		p.Registered = info.Registered
	}
	r.recountSafeSiblingsLocked()
}

// ApplyNFTHolders flags peers whose safe is held by an NFT owner.
func (r *Registry) ApplyNFTHolders(safeAddresses map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		p.NFTHolder = safeAddresses[p.SafeAddress]
	}
}

// ApplyAllocations merges unclaimed allocation balances keyed by safe address.
func (r *Registry) ApplyAllocations(bySafe map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		p.AllocationBalance = bySafe[p.SafeAddress]
	}
}

// ApplyRewards merges redeemed reward totals keyed by native address.
func (r *Registry) ApplyRewards(byNative map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		p.RedeemedRewards = byNative[p.Address.Native]
	}
}

// Outcome is the model applier's verdict for one peer.
type Outcome struct {
	Eligible    bool
	Probability float64
}

// ApplyOutcomes writes one evaluation cycle's derived fields. Peers not in
// the map are marked ineligible so a shrinking eligible set never leaves
// stale probabilities behind.
func (r *Registry) ApplyOutcomes(outcomes map[string]Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.peers {
		o, ok := outcomes[id]
		if !ok {
			p.Eligible = false
			p.Probability = 0
			continue
		}
		p.Eligible = o.Eligible
		p.Probability = o.Probability
	}
}

// recountSafeSiblingsLocked recomputes how many peer ids share each safe.
// Callers hold the write lock.
func (r *Registry) recountSafeSiblingsLocked() {
	counts := make(map[string]int)
	for _, p := range r.peers {
		if p.SafeAddress != "" {
			counts[p.SafeAddress]++
		}
	}
	for _, p := range r.peers {
		if p.SafeAddress == "" {
			p.SafePeerCount = 1
			continue
		}
		p.SafePeerCount = counts[p.SafeAddress]
	}
}
