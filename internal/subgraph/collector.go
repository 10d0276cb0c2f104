package subgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Klingon-tech/mixnet-ct/config"
	"github.com/Klingon-tech/mixnet-ct/internal/log"
	"github.com/Klingon-tech/mixnet-ct/internal/metrics"
	"github.com/Klingon-tech/mixnet-ct/internal/registry"
	"github.com/Klingon-tech/mixnet-ct/pkg/types"
)

// Query type names, matching the endpoint keys in the configuration.
const (
	QuerySafes       = "safes"
	QueryStaking     = "staking"
	QueryAllocations = "allocations"
	QueryRewards     = "rewards"
	QueryFundings    = "fundings"
)

const (
	safesQuery = `query Safes($first: Int!, $skip: Int!) {
  safes(first: $first, skip: $skip) {
    address
    balance
    allowance
    registeredNodes { address }
  }
}`
	stakingQuery = `query Stakers($first: Int!, $skip: Int!) {
  accounts(first: $first, skip: $skip, where: {boostsHeld_gt: 0}) {
    owner
  }
}`
	allocationsQuery = `query Allocations($first: Int!, $skip: Int!) {
  allocations(first: $first, skip: $skip) {
    safe
    unclaimedAmount
  }
}`
	rewardsQuery = `query Rewards($first: Int!, $skip: Int!) {
  accounts(first: $first, skip: $skip) {
    address
    redeemedValue
  }
}`
	fundingsQuery = `query Fundings($first: Int!, $skip: Int!, $to: [String!]!) {
  fundings(first: $first, skip: $skip, where: {to_in: $to}) {
    to
    amount
  }
}`
)

// rootField for each query, the array field under "data" in the response.
var queryRoots = map[string]struct {
	query string
	root  string
}{
	QuerySafes:       {safesQuery, "safes"},
	QueryStaking:     {stakingQuery, "accounts"},
	QueryAllocations: {allocationsQuery, "allocations"},
	QueryRewards:     {rewardsQuery, "accounts"},
	QueryFundings:    {fundingsQuery, "fundings"},
}

// Collector polls the subgraph endpoints and writes the results into the
// peer registry. Each query type carries its own failover state, so a broken
// staking endpoint never degrades safe balance collection.
type Collector struct {
	reg       *registry.Registry
	providers map[string]*Provider
}

// NewCollector builds one provider per configured query type.
func NewCollector(cfg config.EconomySubgraphConfig, reg *registry.Registry, timeout time.Duration) (*Collector, error) {
	providers := make(map[string]*Provider, len(cfg.Endpoints))
	for name, pair := range cfg.Endpoints {
		qr, ok := queryRoots[name]
		if !ok {
			return nil, fmt.Errorf("subgraph: unknown query type %q", name)
		}
		providers[name] = NewProvider(name, qr.query, qr.root,
			pair.Primary, pair.Backup, cfg.PageSize, cfg.FailureThreshold, timeout)
	}
	return &Collector{reg: reg, providers: providers}, nil
}

// Provider returns the provider for a query type, nil if not configured.
func (c *Collector) Provider(name string) *Provider { return c.providers[name] }

// CollectSafes fetches safe balances, allowances and node registrations and
// applies them to the registry. On failure the registry keeps the data from
// the last successful poll.
func (c *Collector) CollectSafes(ctx context.Context) error {
	rows, err := c.providers[QuerySafes].FetchAll(ctx, nil)
	if err != nil {
		c.publishDegraded()
		return err
	}

	byNative := make(map[string]registry.SafeInfo)
	for _, raw := range rows {
		var row struct {
			Address         string `json:"address"`
			Balance         string `json:"balance"`
			Allowance       string `json:"allowance"`
			RegisteredNodes []struct {
				Address string `json:"address"`
			} `json:"registeredNodes"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			log.Subgraph.Warn().Err(err).Msg("Skipping malformed safe row")
			continue
		}
		balance, err := types.TokensFromWei(row.Balance)
		if err != nil {
			log.Subgraph.Warn().Str("safe", row.Address).Err(err).Msg("Skipping safe with bad balance")
			continue
		}
		allowance, err := types.TokensFromWei(row.Allowance)
		if err != nil {
			log.Subgraph.Warn().Str("safe", row.Address).Err(err).Msg("Skipping safe with bad allowance")
			continue
		}
		info := registry.SafeInfo{
			SafeAddress:   strings.ToLower(row.Address),
			SafeBalance:   balance,
			SafeAllowance: allowance,
			Registered:    true,
		}
		for _, node := range row.RegisteredNodes {
			byNative[strings.ToLower(node.Address)] = info
		}
	}

	c.reg.ApplySafes(byNative)
	c.publishDegraded()
	log.Subgraph.Debug().Int("nodes", len(byNative)).Msg("Safe data applied")
	return nil
}

// CollectNFTHolders fetches the set of safes holding a staking NFT.
func (c *Collector) CollectNFTHolders(ctx context.Context) error {
	rows, err := c.providers[QueryStaking].FetchAll(ctx, nil)
	if err != nil {
		c.publishDegraded()
		return err
	}

	holders := make(map[string]bool, len(rows))
	for _, raw := range rows {
		var row struct {
			Owner string `json:"owner"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		holders[strings.ToLower(row.Owner)] = true
	}

	c.reg.ApplyNFTHolders(holders)
	c.publishDegraded()
	return nil
}

// CollectAllocations fetches unclaimed allocation balances keyed by safe.
func (c *Collector) CollectAllocations(ctx context.Context) error {
	rows, err := c.providers[QueryAllocations].FetchAll(ctx, nil)
	if err != nil {
		c.publishDegraded()
		return err
	}

	bySafe := make(map[string]float64, len(rows))
	for _, raw := range rows {
		var row struct {
			Safe            string `json:"safe"`
			UnclaimedAmount string `json:"unclaimedAmount"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		amount, err := types.TokensFromWei(row.UnclaimedAmount)
		if err != nil {
			continue
		}
		bySafe[strings.ToLower(row.Safe)] += amount
	}

	c.reg.ApplyAllocations(bySafe)
	c.publishDegraded()
	return nil
}

// CollectRewards fetches already-redeemed reward totals keyed by node address.
func (c *Collector) CollectRewards(ctx context.Context) error {
	rows, err := c.providers[QueryRewards].FetchAll(ctx, nil)
	if err != nil {
		c.publishDegraded()
		return err
	}

	byNative := make(map[string]float64, len(rows))
	for _, raw := range rows {
		var row struct {
			Address       string `json:"address"`
			RedeemedValue string `json:"redeemedValue"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		value, err := types.TokensFromWei(row.RedeemedValue)
		if err != nil {
			continue
		}
		byNative[strings.ToLower(row.Address)] = value
	}

	c.reg.ApplyRewards(byNative)
	c.publishDegraded()
	return nil
}

// CollectFundings sums the funding received by the given safe addresses and
// publishes the total. The safe set normally comes from the registry snapshot.
func (c *Collector) CollectFundings(ctx context.Context, safeAddresses []string) error {
	if len(safeAddresses) == 0 {
		metrics.TotalFunding.Set(0)
		return nil
	}

	lowered := make([]string, len(safeAddresses))
	for i, a := range safeAddresses {
		lowered[i] = strings.ToLower(a)
	}

	rows, err := c.providers[QueryFundings].FetchAll(ctx, map[string]interface{}{"to": lowered})
	if err != nil {
		c.publishDegraded()
		return err
	}

	var total float64
	for _, raw := range rows {
		var row struct {
			To     string `json:"to"`
			Amount string `json:"amount"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		amount, err := types.TokensFromWei(row.Amount)
		if err != nil {
			continue
		}
		total += amount
	}

	metrics.TotalFunding.Set(total)
	c.publishDegraded()
	return nil
}

// Rotate re-probes the primary endpoint of every provider.
func (c *Collector) Rotate(ctx context.Context) {
	for _, p := range c.providers {
		p.Rotate(ctx)
	}
	c.publishDegraded()
}

// publishDegraded raises the degraded gauge while any query type has no
// usable endpoint.
func (c *Collector) publishDegraded() {
	for _, p := range c.providers {
		if p.Mode() == ModeNone {
			metrics.SubgraphDegraded.Set(1)
			return
		}
	}
	metrics.SubgraphDegraded.Set(0)
}
