package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Schedule is the cadence of one named task: either disabled or firing at a
// fixed interval. "off" is a distinct state, not a zero sentinel.
type Schedule struct {
	enabled  bool
	interval time.Duration
}

// Disabled is the schedule of a task that never fires.
var Disabled = Schedule{}

// Every returns a schedule firing at the given interval.
func Every(d time.Duration) Schedule {
	return Schedule{enabled: true, interval: d}
}

// Enabled reports whether the task fires at all.
func (s Schedule) Enabled() bool {
	return s.enabled
}

// Interval returns the firing interval. Only meaningful when Enabled.
func (s Schedule) Interval() time.Duration {
	return s.interval
}

func (s Schedule) String() string {
	if !s.enabled {
		return "off"
	}
	return s.interval.String()
}

// UnmarshalYAML accepts either the literal "off" or an interval in seconds.
func (s *Schedule) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if strings.EqualFold(raw, "off") || raw == "" {
		*s = Disabled
		return nil
	}

	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("schedule must be \"off\" or seconds, got %q", raw)
	}
	if secs <= 0 {
		return fmt.Errorf("schedule interval must be positive, got %v", secs)
	}
	*s = Every(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalYAML renders the schedule back as "off" or seconds.
func (s Schedule) MarshalYAML() (interface{}, error) {
	if !s.enabled {
		return "off", nil
	}
	return s.interval.Seconds(), nil
}

// Task names recognized by the scheduler. Unknown names in the tasks section
// are a validation error so typos do not silently disable a loop.
const (
	TaskHealthcheck           = "healthcheck"
	TaskRetrievePeers         = "retrieve_peers"
	TaskRetrieveChannels      = "retrieve_channels"
	TaskRetrieveBalances      = "retrieve_balances"
	TaskOpenChannels          = "open_channels"
	TaskFundChannels          = "fund_channels"
	TaskCloseStaleChannels    = "close_stale_channels"
	TaskClosePendingChannels  = "close_pending_channels"
	TaskCloseIncomingChannels = "close_incoming_channels"
	TaskRotateSubgraphs       = "rotate_subgraphs"
	TaskRegisteredNodes       = "registered_nodes"
	TaskNFTHolders            = "nft_holders"
	TaskAllocations           = "allocations"
	TaskRewards               = "rewards"
	TaskSafeFundings          = "safe_fundings"
	TaskTicketParameters      = "ticket_parameters"
	TaskApplyEconomicModel    = "apply_economic_model"
	TaskReconcileSessions     = "reconcile_sessions"
	TaskDistribute            = "distribute"
)

// KnownTasks lists every task name the scheduler can drive.
var KnownTasks = []string{
	TaskHealthcheck,
	TaskRetrievePeers,
	TaskRetrieveChannels,
	TaskRetrieveBalances,
	TaskOpenChannels,
	TaskFundChannels,
	TaskCloseStaleChannels,
	TaskClosePendingChannels,
	TaskCloseIncomingChannels,
	TaskRotateSubgraphs,
	TaskRegisteredNodes,
	TaskNFTHolders,
	TaskAllocations,
	TaskRewards,
	TaskSafeFundings,
	TaskTicketParameters,
	TaskApplyEconomicModel,
	TaskReconcileSessions,
	TaskDistribute,
}

// TaskSchedule returns the configured cadence for a task, Disabled when the
// tasks section omits it.
func (c *Config) TaskSchedule(name string) Schedule {
	if s, ok := c.Tasks[name]; ok {
		return s
	}
	return Disabled
}
