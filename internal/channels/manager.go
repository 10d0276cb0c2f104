// Package channels reconciles one node's outgoing payment channels against
// the peer registry: open to eligible peers, keep funded, close what is
// stale or no longer wanted.
package channels

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/mixnet-ct/config"
	"github.com/Klingon-tech/mixnet-ct/internal/log"
	"github.com/Klingon-tech/mixnet-ct/internal/metrics"
	"github.com/Klingon-tech/mixnet-ct/internal/nodeapi"
	"github.com/Klingon-tech/mixnet-ct/internal/registry"
	"github.com/Klingon-tech/mixnet-ct/pkg/types"
)

// Manager drives the channel state machine for a single node. Local state is
// only bookkeeping; the remote listing fetched at the start of every pass is
// the truth, which keeps every action idempotent.
type Manager struct {
	api  nodeapi.API
	reg  *registry.Registry
	cfg  config.ChannelConfig
	self nodeapi.Addresses

	logger zerolog.Logger

	mu           sync.Mutex
	pendingOpen  map[string]time.Time // destination peer id -> first attempt
	fundAttempts map[string]int       // channel id -> consecutive failures
	fundGivenUp  map[string]bool
}

// New creates a manager for the node identified by self.
func New(api nodeapi.API, reg *registry.Registry, cfg config.ChannelConfig, self nodeapi.Addresses) *Manager {
	return &Manager{
		api:          api,
		reg:          reg,
		cfg:          cfg,
		self:         self,
		logger:       log.Channels.With().Str("node", self.PeerID).Logger(),
		pendingOpen:  make(map[string]time.Time),
		fundAttempts: make(map[string]int),
		fundGivenUp:  make(map[string]bool),
	}
}

// Reconcile runs one pass: fetch the listing, then open, fund and close as
// the registry snapshot dictates. A listing failure aborts the pass; action
// failures are logged and retried next pass.
func (m *Manager) Reconcile(ctx context.Context) error {
	outgoing, incoming, err := m.listing(ctx, false)
	if err != nil {
		return err
	}
	now := time.Now()

	m.confirmPendingOpens(outgoing, now)
	m.closeIncoming(ctx, incoming)
	m.reconcileOutgoing(ctx, outgoing, now)
	m.openMissing(ctx, outgoing, now)
	m.publish(outgoing)
	return nil
}

// listing fetches and splits the current channel graph.
func (m *Manager) listing(ctx context.Context, includeClosed bool) (outgoing, incoming []nodeapi.Channel, err error) {
	graph, err := m.api.Channels(ctx, includeClosed)
	if err != nil {
		return nil, nil, err
	}
	for _, ch := range graph.All {
		switch {
		case ch.SourcePeerID == m.self.PeerID:
			outgoing = append(outgoing, ch)
		case ch.DestinationPeerID == m.self.PeerID:
			incoming = append(incoming, ch)
		}
	}
	return outgoing, incoming, nil
}

// Refresh republishes the channel gauges from a fresh listing without
// acting on it.
func (m *Manager) Refresh(ctx context.Context) error {
	outgoing, _, err := m.listing(ctx, false)
	if err != nil {
		return err
	}
	m.publish(outgoing)
	return nil
}

// OpenChannels runs the opening pass alone: confirm in-flight opens and
// open channels to eligible peers that lack one.
func (m *Manager) OpenChannels(ctx context.Context) error {
	outgoing, _, err := m.listing(ctx, false)
	if err != nil {
		return err
	}
	now := time.Now()
	m.confirmPendingOpens(outgoing, now)
	m.openMissing(ctx, outgoing, now)
	m.publish(outgoing)
	return nil
}

// FundChannels tops up open channels that fell below the minimum balance.
func (m *Manager) FundChannels(ctx context.Context) error {
	outgoing, _, err := m.listing(ctx, false)
	if err != nil {
		return err
	}
	for _, ch := range outgoing {
		if ch.Status.IsOpen() {
			m.fundIfLow(ctx, ch)
		}
	}
	m.publish(outgoing)
	return nil
}

// CloseStaleChannels closes open channels whose destination is gone, stale
// or ineligible.
func (m *Manager) CloseStaleChannels(ctx context.Context) error {
	outgoing, _, err := m.listing(ctx, false)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, ch := range outgoing {
		if ch.Status.IsOpen() && m.shouldClose(ch.DestinationPeerID, now) {
			m.close(ctx, ch)
		}
	}
	return nil
}

// ClosePendingChannels finalizes channels sitting in pending-to-close and
// drops local bookkeeping for channels confirmed closed.
func (m *Manager) ClosePendingChannels(ctx context.Context) error {
	outgoing, _, err := m.listing(ctx, true)
	if err != nil {
		return err
	}
	for _, ch := range outgoing {
		switch {
		case ch.Status.IsPending():
			if err := m.api.CloseChannel(ctx, ch.ID); err != nil {
				m.logger.Warn().Str("channel", ch.ID).Err(err).Msg("Failed to finalize channel close")
				continue
			}
			metrics.ChannelOps.WithLabelValues(m.self.PeerID, "close_finalize").Inc()
		case ch.Status.IsClosed():
			m.mu.Lock()
			delete(m.fundAttempts, ch.ID)
			delete(m.fundGivenUp, ch.ID)
			m.mu.Unlock()
		}
	}
	return nil
}

// CloseIncomingChannels closes inbound channels; this node only relays
// outward.
func (m *Manager) CloseIncomingChannels(ctx context.Context) error {
	_, incoming, err := m.listing(ctx, false)
	if err != nil {
		return err
	}
	m.closeIncoming(ctx, incoming)
	return nil
}

// confirmPendingOpens clears local pending entries once the channel shows up
// in the listing, and gives up on opens stuck beyond the timeout.
func (m *Manager) confirmPendingOpens(outgoing []nodeapi.Channel, now time.Time) {
	listed := make(map[string]bool, len(outgoing))
	for _, ch := range outgoing {
		listed[ch.DestinationPeerID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for dest, since := range m.pendingOpen {
		if listed[dest] {
			delete(m.pendingOpen, dest)
			continue
		}
		if now.Sub(since) > m.cfg.OpenTimeout() {
			delete(m.pendingOpen, dest)
			m.logger.Warn().Str("peer", dest).Dur("waited", now.Sub(since)).
				Msg("Channel open never confirmed, giving up")
			metrics.ChannelOps.WithLabelValues(m.self.PeerID, "open_timeout").Inc()
		}
	}
}

// closeIncoming closes inbound channels; this node only relays outward.
func (m *Manager) closeIncoming(ctx context.Context, incoming []nodeapi.Channel) {
	for _, ch := range incoming {
		if !ch.Status.IsOpen() {
			continue
		}
		if err := m.api.CloseChannel(ctx, ch.ID); err != nil {
			m.logger.Warn().Str("channel", ch.ID).Err(err).Msg("Failed to close incoming channel")
			continue
		}
		metrics.ChannelOps.WithLabelValues(m.self.PeerID, "close_incoming").Inc()
	}
}

// reconcileOutgoing funds underfunded open channels and closes channels to
// peers that are gone, stale or ineligible.
func (m *Manager) reconcileOutgoing(ctx context.Context, outgoing []nodeapi.Channel, now time.Time) {
	for _, ch := range outgoing {
		switch {
		case ch.Status.IsOpen():
			if m.shouldClose(ch.DestinationPeerID, now) {
				m.close(ctx, ch)
				continue
			}
			m.fundIfLow(ctx, ch)
		case ch.Status.IsClosed():
			// Confirmed gone, drop the bookkeeping.
			m.mu.Lock()
			delete(m.fundAttempts, ch.ID)
			delete(m.fundGivenUp, ch.ID)
			m.mu.Unlock()
		}
	}
}

// shouldClose decides whether the channel's destination still deserves one.
func (m *Manager) shouldClose(dest string, now time.Time) bool {
	p, ok := m.reg.Get(dest)
	if !ok {
		return true // pruned from the registry entirely
	}
	if p.Health == registry.HealthUnreachable && !p.UnreachableSince.IsZero() &&
		now.Sub(p.UnreachableSince) > m.cfg.MaxAge() {
		return true
	}
	return !p.Eligible
}

func (m *Manager) close(ctx context.Context, ch nodeapi.Channel) {
	if err := m.api.CloseChannel(ctx, ch.ID); err != nil {
		m.logger.Warn().Str("channel", ch.ID).Str("peer", ch.DestinationPeerID).Err(err).
			Msg("Failed to close channel")
		return
	}
	m.mu.Lock()
	delete(m.fundAttempts, ch.ID)
	delete(m.fundGivenUp, ch.ID)
	m.mu.Unlock()
	metrics.ChannelOps.WithLabelValues(m.self.PeerID, "close").Inc()
	m.logger.Info().Str("channel", ch.ID).Str("peer", ch.DestinationPeerID).Msg("Channel closing")
}

// fundIfLow tops an open channel back up to the funding amount when its
// balance drops below the minimum. After the attempt ceiling the channel is
// flagged once and left alone.
func (m *Manager) fundIfLow(ctx context.Context, ch nodeapi.Channel) {
	balance, err := types.TokensFromWei(ch.Balance)
	if err != nil {
		m.logger.Warn().Str("channel", ch.ID).Err(err).Msg("Unparseable channel balance")
		return
	}
	if balance >= m.cfg.MinBalance {
		m.mu.Lock()
		delete(m.fundAttempts, ch.ID)
		delete(m.fundGivenUp, ch.ID)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if m.fundGivenUp[ch.ID] {
		m.mu.Unlock()
		return
	}
	attempts := m.fundAttempts[ch.ID]
	m.mu.Unlock()

	if err := m.api.FundChannel(ctx, ch.ID, types.WeiFromTokens(m.cfg.FundingAmount)); err != nil {
		m.mu.Lock()
		m.fundAttempts[ch.ID] = attempts + 1
		gaveUp := m.fundAttempts[ch.ID] >= m.cfg.MaxFundAttempts
		if gaveUp {
			m.fundGivenUp[ch.ID] = true
		}
		m.mu.Unlock()
		if gaveUp {
			m.logger.Error().Str("channel", ch.ID).Int("attempts", attempts+1).Err(err).
				Msg("Giving up funding channel")
			metrics.ChannelOps.WithLabelValues(m.self.PeerID, "fund_abandoned").Inc()
		} else {
			m.logger.Warn().Str("channel", ch.ID).Err(err).Msg("Failed to fund channel")
		}
		return
	}

	m.mu.Lock()
	delete(m.fundAttempts, ch.ID)
	m.mu.Unlock()
	metrics.ChannelOps.WithLabelValues(m.self.PeerID, "fund").Inc()
	m.logger.Info().Str("channel", ch.ID).Float64("balance", balance).Msg("Channel funded")
}

// openMissing opens channels to eligible peers that have none, bounded by
// the concurrent-open cap.
func (m *Manager) openMissing(ctx context.Context, outgoing []nodeapi.Channel, now time.Time) {
	existing := make(map[string]bool, len(outgoing))
	for _, ch := range outgoing {
		if !ch.Status.IsClosed() {
			existing[ch.DestinationPeerID] = true
		}
	}

	for _, p := range m.reg.Snapshot() {
		if !p.Eligible || p.Address.PeerID == m.self.PeerID || existing[p.Address.PeerID] {
			continue
		}

		m.mu.Lock()
		if _, pending := m.pendingOpen[p.Address.PeerID]; pending || len(m.pendingOpen) >= m.cfg.MaxConcurrentOpens {
			m.mu.Unlock()
			continue
		}
		m.pendingOpen[p.Address.PeerID] = now
		m.mu.Unlock()

		id, err := m.api.OpenChannel(ctx, p.Address.Native, types.WeiFromTokens(m.cfg.FundingAmount))
		if err != nil {
			m.mu.Lock()
			delete(m.pendingOpen, p.Address.PeerID)
			m.mu.Unlock()
			m.logger.Warn().Str("peer", p.Address.Short()).Err(err).Msg("Failed to open channel")
			continue
		}
		metrics.ChannelOps.WithLabelValues(m.self.PeerID, "open").Inc()
		m.logger.Info().Str("peer", p.Address.Short()).Str("channel", id).Msg("Channel opening")
	}
}

// publish refreshes the channel gauges from the latest listing.
func (m *Manager) publish(outgoing []nodeapi.Channel) {
	var open int
	var funds float64
	for _, ch := range outgoing {
		if !ch.Status.IsOpen() {
			continue
		}
		open++
		if balance, err := types.TokensFromWei(ch.Balance); err == nil {
			funds += balance
		}
	}
	metrics.OutgoingChannels.WithLabelValues(m.self.PeerID).Set(float64(open))
	metrics.ChannelFunds.WithLabelValues(m.self.PeerID).Set(funds)
}
