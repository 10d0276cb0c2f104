package config

import (
	"fmt"
	"net/url"

	"golang.org/x/mod/semver"
)

// subgraph endpoint names the collector requires.
var requiredEndpoints = []string{"safes", "staking", "allocations", "rewards", "fundings"}

// Validate checks the configuration for operator mistakes. Any error here is
// fatal at startup: the engine never starts partially configured.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if len(cfg.Nodes) == 0 {
		return fmt.Errorf("at least one node endpoint is required")
	}
	for i, n := range cfg.Nodes {
		if n.URL == "" {
			return fmt.Errorf("nodes[%d]: url is required", i)
		}
		if _, err := url.Parse(n.URL); err != nil {
			return fmt.Errorf("nodes[%d]: invalid url %q: %w", i, n.URL, err)
		}
		if n.APIKey == "" {
			return fmt.Errorf("nodes[%d]: api_key is required (file or %s)", i, EnvNodeAPIKey)
		}
	}
	if cfg.APITimeout <= 0 {
		return fmt.Errorf("api_timeout_seconds must be positive")
	}

	if cfg.Subgraph.PageSize <= 0 {
		return fmt.Errorf("subgraph.page_size must be positive")
	}
	if cfg.Subgraph.FailureThreshold <= 0 {
		return fmt.Errorf("subgraph.failure_threshold must be positive")
	}
	for _, name := range requiredEndpoints {
		pair, ok := cfg.Subgraph.Endpoints[name]
		if !ok {
			return fmt.Errorf("subgraph.endpoints.%s is required", name)
		}
		if pair.Primary == "" {
			return fmt.Errorf("subgraph.endpoints.%s: primary url is required", name)
		}
	}
	for name := range cfg.Subgraph.Endpoints {
		if !contains(requiredEndpoints, name) {
			return fmt.Errorf("subgraph.endpoints.%s is not a known query type", name)
		}
	}

	if err := validateEconomic(&cfg.Economic); err != nil {
		return err
	}

	if cfg.Channel.MinBalance < 0 || cfg.Channel.FundingAmount <= 0 {
		return fmt.Errorf("channel.funding_amount must be positive, min_balance non-negative")
	}
	if cfg.Channel.FundingAmount <= cfg.Channel.MinBalance {
		return fmt.Errorf("channel.funding_amount must exceed channel.min_balance")
	}
	if cfg.Channel.MaxAgeSeconds <= 0 || cfg.Channel.OpenTimeoutSeconds <= 0 {
		return fmt.Errorf("channel.max_age_seconds and open_timeout_seconds must be positive")
	}
	if cfg.Channel.MaxConcurrentOpens <= 0 {
		return fmt.Errorf("channel.max_concurrent_opens must be positive")
	}
	if cfg.Channel.MaxFundAttempts <= 0 {
		return fmt.Errorf("channel.max_fund_attempts must be positive")
	}

	if cfg.Sessions.GracePeriodSeconds <= 0 {
		return fmt.Errorf("sessions.grace_period_seconds must be positive")
	}
	if cfg.Sessions.MaxCloseAttempts <= 0 {
		return fmt.Errorf("sessions.max_close_attempts must be positive")
	}
	if cfg.Sessions.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("sessions.shutdown_timeout_seconds must be positive")
	}

	if cfg.Peer.MinVersion != "" && !semver.IsValid("v"+cfg.Peer.MinVersion) {
		return fmt.Errorf("peer.min_version %q is not a valid semantic version", cfg.Peer.MinVersion)
	}
	if cfg.Peer.QualityThreshold < 0 || cfg.Peer.QualityThreshold > 1 {
		return fmt.Errorf("peer.quality_threshold must be in [0, 1]")
	}

	if cfg.Postman.BatchSize <= 0 {
		return fmt.Errorf("postman.batch_size must be positive")
	}
	if cfg.Postman.MaxAttempts <= 0 {
		return fmt.Errorf("postman.max_attempts must be positive")
	}

	for name := range cfg.Tasks {
		if !contains(KnownTasks, name) {
			return fmt.Errorf("tasks.%s is not a known task", name)
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}

func validateEconomic(ec *EconomicConfig) error {
	if ec.MinEligiblePeers <= 0 {
		return fmt.Errorf("economic_model.min_eligible_peers must be positive")
	}
	if ec.MinSafeAllowance < 0 {
		return fmt.Errorf("economic_model.min_safe_allowance must be non-negative")
	}
	if ec.Legacy.Proportion < 0 || ec.Sigmoid.Proportion < 0 {
		return fmt.Errorf("economic_model proportions must be non-negative")
	}
	if ec.Legacy.Proportion == 0 && ec.Sigmoid.Proportion == 0 {
		return fmt.Errorf("at least one economic model proportion must be positive")
	}
	c := ec.Legacy.Coefficients
	if c.L < 0 || c.C < c.L {
		return fmt.Errorf("economic_model.legacy.coefficients require 0 <= l <= c")
	}
	if c.B <= 0 {
		return fmt.Errorf("economic_model.legacy.coefficients.b must be positive")
	}
	switch ec.Sigmoid.Combine {
	case CombineAdditive, CombineMultiplicative:
	default:
		return fmt.Errorf("economic_model.sigmoid.combine must be additive or multiplicative")
	}
	if ec.Sigmoid.NetworkCapacity <= 0 || ec.Sigmoid.TotalTokenSupply <= 0 {
		return fmt.Errorf("economic_model.sigmoid network_capacity and total_token_supply must be positive")
	}
	if ec.Budget.PeriodSeconds <= 0 || ec.Budget.DistributionsPerPeriod <= 0 {
		return fmt.Errorf("economic_model.budget period and distributions must be positive")
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
