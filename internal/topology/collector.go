// Package topology periodically polls every managed node's view of the
// network and merges it into the peer registry.
package topology

import (
	"context"
	"fmt"
	"time"

	"github.com/Klingon-tech/mixnet-ct/internal/log"
	"github.com/Klingon-tech/mixnet-ct/internal/metrics"
	"github.com/Klingon-tech/mixnet-ct/internal/nodeapi"
	"github.com/Klingon-tech/mixnet-ct/internal/registry"
	"github.com/Klingon-tech/mixnet-ct/pkg/types"
)

// Collector merges peer and channel listings across all managed nodes.
type Collector struct {
	apis    []nodeapi.API
	reg     *registry.Registry
	quality float64
	maxAge  time.Duration
}

// New creates a collector over the given node APIs.
func New(apis []nodeapi.API, reg *registry.Registry, qualityThreshold float64, maxAge time.Duration) *Collector {
	return &Collector{
		apis:    apis,
		reg:     reg,
		quality: qualityThreshold,
		maxAge:  maxAge,
	}
}

// Collect runs one full topology pass: peers unioned across nodes, channel
// balances aggregated from the first node able to serve the full graph.
// A node failing to answer degrades the pass; only when every node fails is
// the registry left untouched and an error returned.
func (c *Collector) Collect(ctx context.Context) error {
	seen := make(map[string]registry.TopologyInfo)
	reachableNodes := 0

	for _, api := range c.apis {
		peers, err := api.Peers(ctx, c.quality)
		if err != nil {
			log.Topology.Warn().Err(err).Msg("Peer listing failed, skipping node")
			continue
		}
		reachableNodes++

		// A peer reachable by any monitored node counts as reachable.
		for _, p := range peers {
			info, ok := seen[p.PeerID]
			if !ok {
				info = registry.TopologyInfo{
					Address: types.NewAddress(p.PeerID, p.PeerAddress),
				}
			}
			info.Version = p.ReportedVersion
			if p.Quality > info.Quality {
				info.Quality = p.Quality
			}
			seen[p.PeerID] = info
		}
	}

	if reachableNodes == 0 {
		return fmt.Errorf("topology pass: no node answered a peer listing")
	}

	balances, err := c.channelBalances(ctx)
	if err != nil {
		// Peers without fresh balances keep last cycle's channel balance of
		// zero for new entries; the pass still updates reachability.
		log.Topology.Warn().Err(err).Msg("Channel graph unavailable this pass")
	} else {
		withBalance := 0
		for id, info := range seen {
			info.ChannelBalance = balances[id]
			seen[id] = info
			if balances[id] > 0 {
				withBalance++
			}
		}
		metrics.TopologySize.Set(float64(withBalance))
	}

	now := time.Now()
	c.reg.ApplyTopology(seen, now)
	c.reg.PruneStale(c.maxAge, now)

	log.Topology.Debug().
		Int("peers", len(seen)).
		Int("nodes", reachableNodes).
		Msg("Topology pass complete")
	return nil
}

// channelBalances sums the balance of all open channels ending at each peer.
// The first node serving the full graph wins; graphs are network-global so
// any node's answer is equivalent.
func (c *Collector) channelBalances(ctx context.Context) (map[string]float64, error) {
	var lastErr error
	for _, api := range c.apis {
		graph, err := api.Channels(ctx, false)
		if err != nil {
			lastErr = err
			continue
		}
		return aggregateBalances(graph), nil
	}
	return nil, fmt.Errorf("channel listing failed on every node: %w", lastErr)
}

// aggregateBalances keys the summed open-channel balance by destination peer.
func aggregateBalances(graph nodeapi.ChannelGraph) map[string]float64 {
	out := make(map[string]float64)
	for _, ch := range graph.All {
		if !ch.Status.IsOpen() {
			continue
		}
		tokens, err := types.TokensFromWei(ch.Balance)
		if err != nil {
			log.Topology.Warn().
				Str("channel", ch.ID).
				Str("balance", ch.Balance).
				Msg("Skipping channel with malformed balance")
			continue
		}
		out[ch.DestinationPeerID] += tokens
	}
	return out
}
