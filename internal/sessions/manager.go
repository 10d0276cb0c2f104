// Package sessions maintains one relay session per peer selected for
// message distribution, tolerating short unreachability through a grace
// window and guaranteeing every session is closed on shutdown.
package sessions

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
)

// entry is one tracked session. graceSince is zero while the relayer is
// reachable.
type entry struct {
	session       nodeapi.Session
	openedAt      time.Time
	graceSince    time.Time
	closeAttempts int
}

// Manager owns the session table for one node. The table is only ever read
// or mutated under the table lock, and whole passes are serialized by the
// pass lock, so scheduled tasks never iterate concurrently with insertion
// or removal. No lock is held across a remote call.
type Manager struct {
	api  nodeapi.API
	reg  *registry.Registry
	cfg  config.SessionsConfig
	self nodeapi.Addresses

	logger zerolog.Logger

	passMu sync.Mutex

	mu       sync.Mutex
	table    map[string]*entry // relayer peer id -> session
	orphaned map[string]nodeapi.Session
}

// New creates a session manager for the node identified by self.
func New(api nodeapi.API, reg *registry.Registry, cfg config.SessionsConfig, self nodeapi.Addresses) *Manager {
	return &Manager{
		api:      api,
		reg:      reg,
		cfg:      cfg,
		self:     self,
		logger:   log.Sessions.With().Str("node", self.PeerID).Logger(),
		table:    make(map[string]*entry),
		orphaned: make(map[string]nodeapi.Session),
	}
}

// Session returns the open session relayed through the given peer.
func (m *Manager) Session(relayer string) (nodeapi.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.table[relayer]
	if !ok {
		return nodeapi.Session{}, false
	}
	return e.session, true
}

// Len returns the number of locally tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}

// Orphaned returns sessions whose remote close never succeeded.
func (m *Manager) Orphaned() []nodeapi.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]nodeapi.Session, 0, len(m.orphaned))
	for _, s := range m.orphaned {
		out = append(out, s)
	}
	return out
}

// Reconcile aligns the table with the set of relayers selected this cycle:
// missing sessions are opened, sessions to deselected peers are closed.
func (m *Manager) Reconcile(ctx context.Context, selected []string) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	want := make(map[string]bool, len(selected))
	for _, id := range selected {
		want[id] = true
	}

	m.mu.Lock()
	var toClose []string
	var toOpen []string
	for relayer := range m.table {
		if !want[relayer] {
			toClose = append(toClose, relayer)
		}
	}
	for relayer := range want {
		if _, ok := m.table[relayer]; !ok && relayer != m.self.PeerID {
			toOpen = append(toOpen, relayer)
		}
	}
	m.mu.Unlock()

	for _, relayer := range toClose {
		m.closeOne(ctx, relayer)
	}
	for _, relayer := range toOpen {
		m.open(ctx, relayer)
	}
	m.publish()
}

// Tick runs the health sweep: start the grace timer for relayers that went
// unreachable, cancel it on recovery, and close sessions whose relayer
// stayed unreachable past the grace period.
func (m *Manager) Tick(ctx context.Context) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	now := time.Now()
	grace := m.cfg.GracePeriod()

	m.mu.Lock()
	var expired []string
	for relayer, e := range m.table {
		p, ok := m.reg.Get(relayer)
		switch {
		case !ok || p.Health == registry.HealthUnreachable:
			if e.graceSince.IsZero() {
				e.graceSince = now
				if ok && !p.UnreachableSince.IsZero() {
					e.graceSince = p.UnreachableSince
				}
				m.logger.Debug().Str("relayer", relayer).Msg("Relayer unreachable, grace timer started")
			}
			if now.Sub(e.graceSince) > grace {
				expired = append(expired, relayer)
			}
		default:
			// Reachable again: drop the timer, keep the session as is.
			if !e.graceSince.IsZero() {
				e.graceSince = time.Time{}
				m.logger.Debug().Str("relayer", relayer).Msg("Relayer recovered within grace period")
			}
		}
	}
	m.mu.Unlock()

	for _, relayer := range expired {
		m.logger.Info().Str("relayer", relayer).Dur("grace", grace).
			Msg("Grace period expired, closing session")
		m.closeOne(ctx, relayer)
	}
	m.publish()
}

// open opens one relay session through the given peer, targeting this node.
func (m *Manager) open(ctx context.Context, relayer string) {
	s, err := m.api.OpenSession(ctx, nodeapi.SessionRequest{
		Destination: m.self.PeerID,
		Relayer:     relayer,
		Protocol:    nodeapi.SessionUDP,
		ListenHost:  m.cfg.ListenHost,
	})
	if err != nil {
		m.logger.Warn().Str("relayer", relayer).Err(err).Msg("Failed to open session")
		metrics.SessionOps.WithLabelValues("open_failed").Inc()
		return
	}

	m.mu.Lock()
	m.table[relayer] = &entry{session: s, openedAt: time.Now()}
	m.mu.Unlock()
	metrics.SessionOps.WithLabelValues("open").Inc()
	m.logger.Info().Str("relayer", relayer).Int("port", s.Port).Msg("Session opened")
}

// closeOne closes the session for one relayer. The local entry is removed
// only once the remote call has succeeded or the attempt ceiling is hit, in
// which case the session is kept as orphaned instead of silently dropped.
func (m *Manager) closeOne(ctx context.Context, relayer string) {
	m.mu.Lock()
	e, ok := m.table[relayer]
	if !ok {
		m.mu.Unlock()
		return
	}
	s := e.session
	m.mu.Unlock()

	err := m.api.CloseSession(ctx, s)
	if err == nil {
		m.mu.Lock()
		delete(m.table, relayer)
		m.mu.Unlock()
		metrics.SessionOps.WithLabelValues("close").Inc()
		m.logger.Info().Str("relayer", relayer).Msg("Session closed")
		return
	}

	m.mu.Lock()
	e.closeAttempts++
	exhausted := e.closeAttempts >= m.cfg.MaxCloseAttempts
	if exhausted {
		delete(m.table, relayer)
		m.orphaned[relayer] = s
	}
	m.mu.Unlock()

	if exhausted {
		metrics.SessionOps.WithLabelValues("orphaned").Inc()
		m.logger.Error().Str("relayer", relayer).Int("attempts", e.closeAttempts).Err(err).
			Msg("Session close failed persistently, marking orphaned")
	} else {
		metrics.SessionOps.WithLabelValues("close_failed").Inc()
		m.logger.Warn().Str("relayer", relayer).Err(err).Msg("Session close failed, will retry")
	}
	m.publish()
}

// CloseAll closes every tracked session and blocks until done or the
// shutdown timeout expires. Every session gets at least one remote close
// attempt; what cannot be closed in time is recorded as orphaned rather
// than left behind silently.
func (m *Manager) CloseAll(ctx context.Context) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	deadline, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout())
	defer cancel()

	for {
		m.mu.Lock()
		relayers := make([]string, 0, len(m.table))
		for relayer := range m.table {
			relayers = append(relayers, relayer)
		}
		m.mu.Unlock()

		if len(relayers) == 0 {
			break
		}
		for _, relayer := range relayers {
			m.closeOne(deadline, relayer)
		}

		if deadline.Err() != nil {
			// Out of time: whatever failed above stays tracked; orphan it
			// so local state ends empty and the leak is visible.
			m.mu.Lock()
			for relayer, e := range m.table {
				m.orphaned[relayer] = e.session
				delete(m.table, relayer)
				metrics.SessionOps.WithLabelValues("orphaned").Inc()
			}
			m.mu.Unlock()
			m.logger.Error().Msg("Shutdown timeout expired before all sessions closed")
			break
		}
	}
	m.publish()
	m.logger.Info().Int("orphaned", len(m.Orphaned())).Msg("Session shutdown complete")
}

func (m *Manager) publish() {
	m.mu.Lock()
	open := len(m.table)
	orphaned := len(m.orphaned)
	m.mu.Unlock()
	metrics.OpenSessions.WithLabelValues(m.self.PeerID).Set(float64(open))
	metrics.OrphanedSessions.WithLabelValues(m.self.PeerID).Set(float64(orphaned))
}
