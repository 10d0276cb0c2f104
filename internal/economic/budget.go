package economic

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/Klingon-tech/mixnet-ct/config"
	"github.com/Klingon-tech/mixnet-ct/internal/log"
	"github.com/Klingon-tech/mixnet-ct/internal/metrics"
	"github.com/Klingon-tech/mixnet-ct/internal/nodeapi"
)

const secondsPerYear = 365 * 24 * 3600

// Budget converts yearly reward amounts into per-distribution amounts and
// relay message counts, using the ticket parameters the network currently
// advertises. Ticket parameters are refreshed by a scheduled task and read
// by the applier and the postman, so access is guarded.
type Budget struct {
	period        time.Duration
	distributions int

	mu          sync.RWMutex
	ticketPrice float64
	winningProb float64
}

// NewBudget builds the budget from configuration. Ticket parameters start
// unset; Refresh must succeed at least once before message counts are
// non-zero.
func NewBudget(cfg config.BudgetConfig) *Budget {
	return &Budget{
		period:        time.Duration(cfg.PeriodSeconds) * time.Second,
		distributions: cfg.DistributionsPerPeriod,
	}
}

// Refresh pulls the current ticket price and winning probability from a node.
func (b *Budget) Refresh(ctx context.Context, api nodeapi.API) error {
	price, err := api.TicketPrice(ctx)
	if err != nil {
		return err
	}
	prob, err := api.WinningProbability(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.ticketPrice = price
	b.winningProb = prob
	b.mu.Unlock()

	metrics.TicketPrice.Set(price)
	metrics.TicketWinningProb.Set(prob)
	log.Economic.Debug().Float64("price", price).Float64("winning_prob", prob).
		Msg("Ticket parameters refreshed")
	return nil
}

// TicketParams returns the last refreshed ticket price and winning
// probability, zero if never refreshed.
func (b *Budget) TicketParams() (price, winningProb float64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ticketPrice, b.winningProb
}

// DistributionsPerYear derives how many reward distributions happen per year
// from the configured period cadence.
func (b *Budget) DistributionsPerYear() float64 {
	if b.period <= 0 || b.distributions <= 0 {
		return 0
	}
	return secondsPerYear / b.period.Seconds() * float64(b.distributions)
}

// PerDistribution converts a yearly reward amount into the amount earned in
// one distribution.
func (b *Budget) PerDistribution(yearly float64) float64 {
	per := b.DistributionsPerYear()
	if per <= 0 {
		return 0
	}
	return yearly / per
}

// MessageCount converts a per-distribution reward amount into the number of
// relay messages to send, based on the expected value of one relayed ticket.
func (b *Budget) MessageCount(amount float64) int {
	price, prob := b.TicketParams()
	if price <= 0 || prob <= 0 || amount <= 0 {
		return 0
	}
	return int(math.Round(amount / (price * prob)))
}
