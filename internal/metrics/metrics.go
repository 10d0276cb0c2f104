// Package metrics exposes the engine's prometheus instrumentation.
//
// All values are updated synchronously where state changes; exposition runs on
// its own listener and never blocks the control loops.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Klingon-tech/mixnet-ct/internal/log"
)

var (
	// Registry / topology
	UniquePeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ct_unique_peers",
		Help: "Unique peers by discovery state",
	}, []string{"type"})
	TopologySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ct_topology_size",
		Help: "Number of peers carrying open-channel balance",
	})
	NodeHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ct_node_health",
		Help: "Health of a managed node (1 healthy, 0 not)",
	}, []string{"node"})
	NodeBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ct_node_balance",
		Help: "Managed node balance by token",
	}, []string{"node", "token"})

	// Subgraph
	SubgraphInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ct_subgraph_in_use",
		Help: "Subgraph endpoint in use (0 primary, 1 backup, -1 none)",
	}, []string{"query"})
	SubgraphDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ct_subgraph_degraded",
		Help: "1 when no subgraph endpoint is usable and cached data is served",
	})
	SubgraphSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ct_subgraph_size",
		Help: "Rows fetched from the subgraph by query type",
	}, []string{"query"})
	TotalFunding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ct_total_funding",
		Help: "Total amount sent to the engine's safes",
	})

	// Economic model
	EligiblePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ct_eligible_peers",
		Help: "Number of peers eligible for rewards this cycle",
	})
	DistributionSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ct_distribution_skipped_total",
		Help: "Cycles skipped for lack of eligible peers",
	})
	RewardProbability = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ct_reward_probability",
		Help: "Computed reward probability per peer",
	}, []string{"peer_id"})
	TicketPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ct_ticket_price",
		Help: "Ticket price used by the budget",
	})
	TicketWinningProb = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ct_ticket_winning_prob",
		Help: "Ticket winning probability used by the budget",
	})

	// Channels
	ChannelOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ct_channel_operations_total",
		Help: "Channel operations by node and kind",
	}, []string{"node", "op"})
	OutgoingChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ct_outgoing_channels",
		Help: "Open outgoing channels per node",
	}, []string{"node"})
	ChannelFunds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ct_total_channel_funds",
		Help: "Total funds locked in outgoing channels per node",
	}, []string{"node"})

	// Sessions
	OpenSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ct_open_sessions",
		Help: "Sessions currently open per node",
	}, []string{"node"})
	OrphanedSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ct_orphaned_sessions",
		Help: "Sessions whose remote close failed persistently, per node",
	}, []string{"node"})
	SessionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ct_session_operations_total",
		Help: "Session operations by kind",
	}, []string{"op"})

	// Postman
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ct_messages_total",
		Help: "Relay messages by outcome",
	}, []string{"outcome"})
	QueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ct_message_queue_size",
		Help: "Messages awaiting delivery confirmation",
	})
)

// Server exposes the prometheus endpoint.
type Server struct {
	srv *http.Server
}

// NewServer builds the exposition server on the given listen address.
func NewServer(listen string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start runs the server in the background.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("listen", s.srv.Addr).Msg("Metrics server stopped")
		}
	}()
	log.Info().Str("listen", s.srv.Addr).Msg("Metrics server started")
}

// Stop shuts the server down.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}
