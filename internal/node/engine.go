// Package node wires the collectors, the model applier and the actuation
// components into one runnable engine that can be embedded in any binary.
package node

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/mixnet-ct/config"
	"github.com/Klingon-tech/mixnet-ct/internal/channels"
	"github.com/Klingon-tech/mixnet-ct/internal/economic"
	clog "github.com/Klingon-tech/mixnet-ct/internal/log"
	"github.com/Klingon-tech/mixnet-ct/internal/metrics"
	"github.com/Klingon-tech/mixnet-ct/internal/nodeapi"
	"github.com/Klingon-tech/mixnet-ct/internal/postman"
	"github.com/Klingon-tech/mixnet-ct/internal/registry"
	"github.com/Klingon-tech/mixnet-ct/internal/scheduler"
	"github.com/Klingon-tech/mixnet-ct/internal/sessions"
	"github.com/Klingon-tech/mixnet-ct/internal/storage"
	"github.com/Klingon-tech/mixnet-ct/internal/subgraph"
	"github.com/Klingon-tech/mixnet-ct/internal/topology"
)

// managed is one node under the engine's control together with its
// per-node actuators. Actuators are built at Start, once the node has told
// us who it is.
type managed struct {
	api      nodeapi.API
	host     string
	addr     nodeapi.Addresses
	channels *channels.Manager
	sessions *sessions.Manager
	postman  *postman.Postman
}

// Engine is the fully wired reconciliation engine.
type Engine struct {
	cfg    *config.Config
	logger zerolog.Logger

	db           storage.DB
	rewardStore  *storage.RewardStore
	messageStore *storage.MessageStore

	reg      *registry.Registry
	topology *topology.Collector
	subgraph *subgraph.Collector
	budget   *economic.Budget
	applier  *economic.Applier

	nodes []*managed

	sched      *scheduler.Scheduler
	metricsSrv *metrics.Server

	mu          sync.Mutex
	lastRewards []economic.Reward
}

// New creates and initializes the engine: logger, storage, API clients,
// collectors and the model applier. Per-node actuators and background tasks
// are set up by Start.
func New(cfg *config.Config) (*Engine, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/ctnetd.log"
	}
	if err := clog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := clog.WithComponent("engine")

	logger.Info().
		Int("nodes", len(cfg.Nodes)).
		Int("subgraph_queries", len(cfg.Subgraph.Endpoints)).
		Msg("Starting mixnet reconciliation engine")

	// ── 2. Open records storage ─────────────────────────────────────
	db, err := storage.NewBadger(cfg.RecordsDir())
	if err != nil {
		return nil, fmt.Errorf("open records database at %s: %w", cfg.RecordsDir(), err)
	}
	rewardStore := storage.NewRewardStore(db)
	messageStore := storage.NewMessageStore(db)
	logger.Info().Str("path", cfg.RecordsDir()).Msg("Records database opened")

	// ── 3. Node API clients ─────────────────────────────────────────
	nodes := make([]*managed, 0, len(cfg.Nodes))
	apis := make([]nodeapi.API, 0, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		client := nodeapi.New(nc.URL, nc.APIKey, cfg.APICallTimeout())
		nodes = append(nodes, &managed{api: client, host: nc.URL})
		apis = append(apis, client)
	}

	// ── 4. Registry and topology collector ──────────────────────────
	reg := registry.New()
	topo := topology.New(apis, reg, cfg.Peer.QualityThreshold, cfg.Channel.MaxAge())

	// ── 5. Subgraph collector ───────────────────────────────────────
	sg, err := subgraph.NewCollector(cfg.Subgraph, reg, cfg.APICallTimeout())
	if err != nil {
		return nil, err
	}

	// ── 6. Economic model ───────────────────────────────────────────
	budget := economic.NewBudget(cfg.Economic.Budget)
	applier := economic.NewApplier(cfg.Economic, cfg.Peer, reg, budget, rewardStore)

	// ── 7. Metrics server ───────────────────────────────────────────
	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Listen)
	}

	return &Engine{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		rewardStore:  rewardStore,
		messageStore: messageStore,
		reg:          reg,
		topology:     topo,
		subgraph:     sg,
		budget:       budget,
		applier:      applier,
		nodes:        nodes,
		sched:        scheduler.New(),
		metricsSrv:   metricsSrv,
	}, nil
}

// Start queries every node's identity, builds the per-node actuators and
// launches the scheduled tasks. At least one node must answer; nodes that
// do not are dropped for this run.
func (e *Engine) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.APICallTimeout())
	defer cancel()

	alive := e.nodes[:0]
	var ownIDs []string
	for _, n := range e.nodes {
		addr, err := n.api.Addresses(ctx)
		if err != nil {
			e.logger.Error().Str("host", n.host).Err(err).Msg("Node did not report its identity, skipping")
			continue
		}
		n.addr = addr
		n.channels = channels.New(n.api, e.reg, e.cfg.Channel, addr)
		n.sessions = sessions.New(n.api, e.reg, e.cfg.Sessions, addr)
		n.postman = postman.New(n.api, e.messageStore, e.cfg.Postman, addr)
		ownIDs = append(ownIDs, addr.PeerID)
		alive = append(alive, n)

		info, err := n.api.Info(ctx)
		if err != nil {
			e.logger.Info().Str("host", n.host).Str("peer_id", addr.PeerID).Msg("Managing node")
		} else {
			e.logger.Info().Str("host", n.host).Str("peer_id", addr.PeerID).
				Str("version", info.Version).Str("network", info.Network).Msg("Managing node")
		}
	}
	if len(alive) == 0 {
		return fmt.Errorf("no managed node is reachable")
	}
	e.nodes = alive
	e.applier.SetOwnPeerIDs(ownIDs)

	e.registerTasks()
	if e.metricsSrv != nil {
		e.metricsSrv.Start()
	}
	e.sched.Start()

	e.logger.Info().Int("nodes", len(e.nodes)).Msg("Engine started")
	return nil
}

// Stop shuts the engine down: stop the task loops, close every session,
// then release the database. The session close-all runs synchronously as a
// scheduler cleanup hook, so the process cannot exit around it.
func (e *Engine) Stop() {
	e.sched.Stop()

	if e.metricsSrv != nil {
		e.metricsSrv.Stop()
	}
	if e.db != nil {
		e.db.Close()
	}
	e.logger.Info().Msg("Goodbye!")
}

// Registry exposes the peer registry, mainly for inspection and tests.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// setRewards stores the latest cycle's distribution plan for the postman.
func (e *Engine) setRewards(rewards []economic.Reward) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastRewards = rewards
}

// takeRewards hands the pending plan to the distribution task, at most once.
func (e *Engine) takeRewards() []economic.Reward {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.lastRewards
	e.lastRewards = nil
	return r
}
