// Package postman distributes relay messages to rewarded peers in paced
// batches and records delivery outcomes.
package postman

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/mixnet-ct/config"
	"github.com/Klingon-tech/mixnet-ct/internal/log"
	"github.com/Klingon-tech/mixnet-ct/internal/metrics"
	"github.com/Klingon-tech/mixnet-ct/internal/nodeapi"
	"github.com/Klingon-tech/mixnet-ct/internal/storage"
)

// Assignment is one peer's share of a distribution: how many relay messages
// it should carry this cycle.
type Assignment struct {
	Relayer string
	Count   int
}

// messageTag marks this engine's relay messages; the uuid after it matches
// a send to its inbox confirmation.
const messageTag = "ctnet"

// deliveryPoll paces inbox polls inside the delivery window.
const deliveryPoll = time.Second

// Summary totals one distribution run. Relayed counts the sent messages
// that came back through the inbox within the delivery window.
type Summary struct {
	Sent    int
	Relayed int
	Failed  int
}

// Postman sends the messages for one node. Peers are grouped into batches;
// each round sends one message per peer in the batch, paced by the
// configured delay, then waits up to the delivery window for inbox
// confirmations before the next round. A peer whose sends keep failing is
// dropped for the cycle after the attempt ceiling.
type Postman struct {
	api  nodeapi.API
	st   *storage.MessageStore
	cfg  config.PostmanConfig
	self nodeapi.Addresses

	logger zerolog.Logger
}

// New creates a postman sending through the given node.
func New(api nodeapi.API, st *storage.MessageStore, cfg config.PostmanConfig, self nodeapi.Addresses) *Postman {
	return &Postman{
		api:    api,
		st:     st,
		cfg:    cfg,
		self:   self,
		logger: log.Postman.With().Str("node", self.PeerID).Logger(),
	}
}

// messageDelay is the pacing between two sends inside a batch.
func (p *Postman) messageDelay() time.Duration {
	return time.Duration(p.cfg.DelayBetweenMessagesMS) * time.Millisecond
}

// deliveryDelay is the settle window after each batch.
func (p *Postman) deliveryDelay() time.Duration {
	return time.Duration(p.cfg.DeliveryDelaySeconds) * time.Second
}

// peerState tracks one peer's progress through a distribution.
type peerState struct {
	relayer  string
	left     int
	attempts int
	sent     uint64
	relayed  uint64
	failed   uint64
	dropped  bool
}

// Distribute runs one full distribution. It returns early with the partial
// summary when the context is cancelled.
func (p *Postman) Distribute(ctx context.Context, assignments []Assignment) (Summary, error) {
	states := make([]*peerState, 0, len(assignments))
	var queued int
	for _, a := range assignments {
		if a.Count <= 0 {
			continue
		}
		states = append(states, &peerState{relayer: a.Relayer, left: a.Count})
		queued += a.Count
	}
	metrics.QueueSize.Set(float64(queued))
	defer metrics.QueueSize.Set(0)

	var sum Summary
	pending := make(map[string]int) // message uuid -> index into states
	record := func() {
		for _, s := range states {
			if s.sent == 0 && s.failed == 0 {
				continue
			}
			if err := p.st.Record(s.relayer, s.sent, s.relayed, s.failed); err != nil {
				p.logger.Error().Err(err).Str("peer", s.relayer).Msg("Failed to persist message totals")
			}
		}
	}

	for {
		batch := p.nextBatch(states)
		if len(batch) == 0 {
			break
		}

		for i, idx := range batch {
			s := states[idx]
			if i > 0 {
				if err := sleepCtx(ctx, p.messageDelay()); err != nil {
					record()
					return sum, err
				}
			}

			id := uuid.NewString()
			body := []byte(fmt.Sprintf("%s %s %s", messageTag, id, s.relayer))
			if err := p.api.SendMessage(ctx, p.self.PeerID, s.relayer, body); err != nil {
				s.attempts++
				metrics.MessagesSent.WithLabelValues("failed").Inc()
				if s.attempts >= p.cfg.MaxAttempts {
					s.failed += uint64(s.left)
					sum.Failed += s.left
					s.left = 0
					s.dropped = true
					p.logger.Warn().Str("peer", s.relayer).Int("attempts", s.attempts).Err(err).
						Msg("Dropping peer for this cycle")
				} else {
					p.logger.Debug().Str("peer", s.relayer).Err(err).Msg("Message send failed, will retry")
				}
				continue
			}

			s.left--
			s.sent++
			s.attempts = 0
			sum.Sent++
			pending[id] = idx
			metrics.MessagesSent.WithLabelValues("sent").Inc()
		}

		queued = 0
		for _, s := range states {
			queued += s.left
		}
		metrics.QueueSize.Set(float64(queued))

		if err := p.awaitDelivery(ctx, states, pending, &sum); err != nil {
			record()
			return sum, err
		}
	}

	record()
	p.logger.Info().Int("sent", sum.Sent).Int("relayed", sum.Relayed).Int("failed", sum.Failed).
		Int("peers", len(states)).Msg("Distribution complete")
	return sum, nil
}

// awaitDelivery polls the inbox for the tagged messages sent so far,
// waiting at most the delivery window. Each confirmation counts the message
// as relayed; whatever never comes back stays sent-but-unconfirmed.
func (p *Postman) awaitDelivery(ctx context.Context, states []*peerState, pending map[string]int, sum *Summary) error {
	deadline := time.Now().Add(p.deliveryDelay())
	for {
		msgs, err := p.api.PopMessages(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Inbox poll failed")
		}
		for _, msg := range msgs {
			fields := strings.Fields(msg.Body)
			if len(fields) != 3 || fields[0] != messageTag {
				continue
			}
			idx, ok := pending[fields[1]]
			if !ok {
				continue
			}
			delete(pending, fields[1])
			states[idx].relayed++
			sum.Relayed++
			metrics.MessagesSent.WithLabelValues("relayed").Inc()
		}

		if len(pending) == 0 || !time.Now().Before(deadline) {
			return ctx.Err()
		}
		wait := deliveryPoll
		if rest := time.Until(deadline); rest < wait {
			wait = rest
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// nextBatch picks up to batchSize peer indexes that still have messages to
// send.
func (p *Postman) nextBatch(states []*peerState) []int {
	var batch []int
	for i, s := range states {
		if s.left > 0 && !s.dropped {
			batch = append(batch, i)
			if len(batch) == p.cfg.BatchSize {
				break
			}
		}
	}
	return batch
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
