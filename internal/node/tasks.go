package node

import (
	"context"
	"sync"

	"github.com/Klingon-tech/mixnet-ct/config"
	"github.com/Klingon-tech/mixnet-ct/internal/metrics"
	"github.com/Klingon-tech/mixnet-ct/internal/postman"
)

// registerTasks binds every named task to its component. Cadences come from
// the tasks section of the configuration; omitted tasks stay off.
func (e *Engine) registerTasks() {
	reg := func(name string, fn func(ctx context.Context)) {
		e.sched.Register(name, e.cfg.TaskSchedule(name), fn)
	}

	reg(config.TaskHealthcheck, e.healthcheck)
	reg(config.TaskRetrievePeers, e.retrievePeers)
	reg(config.TaskRetrieveChannels, e.retrieveChannels)
	reg(config.TaskRetrieveBalances, e.retrieveBalances)

	reg(config.TaskOpenChannels, e.perNode(func(ctx context.Context, n *managed) error {
		return n.channels.OpenChannels(ctx)
	}))
	reg(config.TaskFundChannels, e.perNode(func(ctx context.Context, n *managed) error {
		return n.channels.FundChannels(ctx)
	}))
	reg(config.TaskCloseStaleChannels, e.perNode(func(ctx context.Context, n *managed) error {
		return n.channels.CloseStaleChannels(ctx)
	}))
	reg(config.TaskClosePendingChannels, e.perNode(func(ctx context.Context, n *managed) error {
		return n.channels.ClosePendingChannels(ctx)
	}))
	reg(config.TaskCloseIncomingChannels, e.perNode(func(ctx context.Context, n *managed) error {
		return n.channels.CloseIncomingChannels(ctx)
	}))

	reg(config.TaskRotateSubgraphs, e.subgraph.Rotate)
	reg(config.TaskRegisteredNodes, e.collect(e.subgraph.CollectSafes))
	reg(config.TaskNFTHolders, e.collect(e.subgraph.CollectNFTHolders))
	reg(config.TaskAllocations, e.collect(e.subgraph.CollectAllocations))
	reg(config.TaskRewards, e.collect(e.subgraph.CollectRewards))
	reg(config.TaskSafeFundings, e.safeFundings)

	reg(config.TaskTicketParameters, e.ticketParameters)
	reg(config.TaskApplyEconomicModel, e.applyModel)
	reg(config.TaskReconcileSessions, e.reconcileSessions)
	reg(config.TaskDistribute, e.distribute)

	// Shutdown closes every session before the process may exit.
	for _, n := range e.nodes {
		mgr := n.sessions
		e.sched.OnStop(func() {
			mgr.CloseAll(context.Background())
		})
	}
}

// perNode fans one action out over every managed node; failures are logged
// per node and never abort the other nodes' pass.
func (e *Engine) perNode(fn func(ctx context.Context, n *managed) error) func(ctx context.Context) {
	return func(ctx context.Context) {
		for _, n := range e.nodes {
			if err := fn(ctx, n); err != nil {
				e.logger.Warn().Str("node", n.addr.PeerID).Err(err).Msg("Node pass failed")
			}
		}
	}
}

// collect adapts a subgraph collection call; errors mean the registry keeps
// the previous poll's data, which is already logged at the source.
func (e *Engine) collect(fn func(ctx context.Context) error) func(ctx context.Context) {
	return func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Subgraph collection failed, serving cached data")
		}
	}
}

func (e *Engine) healthcheck(ctx context.Context) {
	for _, n := range e.nodes {
		health := 1.0
		if err := n.api.Health(ctx); err != nil {
			health = 0
			e.logger.Warn().Str("node", n.addr.PeerID).Err(err).Msg("Node unhealthy")
		}
		metrics.NodeHealth.WithLabelValues(n.addr.PeerID).Set(health)
	}
}

func (e *Engine) retrievePeers(ctx context.Context) {
	if err := e.topology.Collect(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Topology collection failed, registry unchanged")
	}
}

func (e *Engine) retrieveChannels(ctx context.Context) {
	for _, n := range e.nodes {
		if err := n.channels.Refresh(ctx); err != nil {
			e.logger.Warn().Str("node", n.addr.PeerID).Err(err).Msg("Channel listing failed")
		}
	}
}

func (e *Engine) retrieveBalances(ctx context.Context) {
	for _, n := range e.nodes {
		b, err := n.api.Balances(ctx)
		if err != nil {
			e.logger.Warn().Str("node", n.addr.PeerID).Err(err).Msg("Balance retrieval failed")
			continue
		}
		metrics.NodeBalance.WithLabelValues(n.addr.PeerID, "native").Set(b.Native)
		metrics.NodeBalance.WithLabelValues(n.addr.PeerID, "token").Set(b.Token)
		metrics.NodeBalance.WithLabelValues(n.addr.PeerID, "safe_native").Set(b.SafeNative)
		metrics.NodeBalance.WithLabelValues(n.addr.PeerID, "safe_token").Set(b.SafeToken)
		metrics.NodeBalance.WithLabelValues(n.addr.PeerID, "safe_allowance").Set(b.SafeTokenAllowance)
	}
}

// safeFundings sums incoming funding over the safes of the engine's own
// nodes, not the whole registry.
func (e *Engine) safeFundings(ctx context.Context) {
	own := make(map[string]bool, len(e.nodes))
	for _, n := range e.nodes {
		own[n.addr.PeerID] = true
	}
	var safes []string
	seen := make(map[string]bool)
	for _, p := range e.reg.Snapshot() {
		if own[p.Address.PeerID] && p.SafeAddress != "" && !seen[p.SafeAddress] {
			seen[p.SafeAddress] = true
			safes = append(safes, p.SafeAddress)
		}
	}
	if err := e.subgraph.CollectFundings(ctx, safes); err != nil {
		e.logger.Warn().Err(err).Msg("Funding collection failed")
	}
}

// ticketParameters refreshes the budget from the first node that answers.
func (e *Engine) ticketParameters(ctx context.Context) {
	for _, n := range e.nodes {
		if err := e.budget.Refresh(ctx, n.api); err != nil {
			e.logger.Warn().Str("node", n.addr.PeerID).Err(err).Msg("Ticket parameter refresh failed")
			continue
		}
		return
	}
}

func (e *Engine) applyModel(ctx context.Context) {
	rewards, err := e.applier.Apply()
	if err != nil {
		// A skipped cycle leaves no plan behind.
		e.setRewards(nil)
		return
	}
	e.setRewards(rewards)
}

// reconcileSessions keeps one session per admitted relayer on every node
// and runs the grace sweep. Selection deliberately ignores short
// unreachability: a relayer inside the grace window stays selected so only
// the sweep, never deselection, closes a flapping peer's session.
func (e *Engine) reconcileSessions(ctx context.Context) {
	selected := e.applier.SessionCandidates(e.cfg.Sessions.GracePeriod())
	for _, n := range e.nodes {
		n.sessions.Tick(ctx)
		n.sessions.Reconcile(ctx, selected)
	}
}

// distribute hands the latest reward plan to the postmen, splitting the
// peers round-robin across the managed nodes.
func (e *Engine) distribute(ctx context.Context) {
	rewards := e.takeRewards()
	if len(rewards) == 0 {
		return
	}

	perNode := make([][]postman.Assignment, len(e.nodes))
	for i, r := range rewards {
		n := i % len(e.nodes)
		perNode[n] = append(perNode[n], postman.Assignment{
			Relayer: r.Address.PeerID,
			Count:   r.MessageCount,
		})
	}

	var wg sync.WaitGroup
	for i, n := range e.nodes {
		if len(perNode[i]) == 0 {
			continue
		}
		wg.Add(1)
		go func(n *managed, batch []postman.Assignment) {
			defer wg.Done()
			if _, err := n.postman.Distribute(ctx, batch); err != nil {
				e.logger.Warn().Str("node", n.addr.PeerID).Err(err).Msg("Distribution interrupted")
			}
		}(n, perNode[i])
	}
	wg.Wait()
}
