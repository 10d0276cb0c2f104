// Package config handles application configuration.
//
// The whole configuration is loaded once at startup, validated, and passed by
// injection to every component constructor. Nothing reads configuration from
// ambient global state after startup.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config holds the full engine configuration.
type Config struct {
	// Core
	DataDir string `yaml:"data_dir"`

	// Remote nodes the engine drives.
	Nodes []NodeConfig `yaml:"nodes"`

	// APITimeout bounds every remote node API call, in seconds.
	APITimeout int `yaml:"api_timeout_seconds"`

	Subgraph EconomySubgraphConfig `yaml:"subgraph"`
	Economic EconomicConfig        `yaml:"economic_model"`
	Channel  ChannelConfig         `yaml:"channel"`
	Sessions SessionsConfig        `yaml:"sessions"`
	Peer     PeerConfig            `yaml:"peer"`
	Postman  PostmanConfig         `yaml:"postman"`

	// Tasks maps task names to their cadence ("off" or interval seconds).
	Tasks map[string]Schedule `yaml:"tasks"`

	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// NodeConfig identifies one remote node API endpoint.
type NodeConfig struct {
	URL string `yaml:"url"`
	// APIKey is sent as the X-Auth-Token header. Usually supplied via the
	// CTNET_NODE_API_KEY environment variable rather than the file.
	APIKey string `yaml:"api_key"`
}

// EndpointPair is a primary/backup URL pair for one subgraph query type.
type EndpointPair struct {
	Primary string `yaml:"primary"`
	Backup  string `yaml:"backup"`
}

// EconomySubgraphConfig holds subgraph query settings.
type EconomySubgraphConfig struct {
	PageSize int `yaml:"page_size"`
	// FailureThreshold is the number of consecutive primary failures before
	// the collector switches to the backup endpoint.
	FailureThreshold int                     `yaml:"failure_threshold"`
	Endpoints        map[string]EndpointPair `yaml:"endpoints"`
}

// LegacyCoefficients are the piecewise legacy model coefficients.
type LegacyCoefficients struct {
	A float64 `yaml:"a"`
	B float64 `yaml:"b"`
	C float64 `yaml:"c"`
	L float64 `yaml:"l"`
}

// LegacyConfig parameterizes the legacy stake-transform model.
type LegacyConfig struct {
	Proportion   float64            `yaml:"proportion"`
	APR          float64            `yaml:"apr"`
	Coefficients LegacyCoefficients `yaml:"coefficients"`
}

// BucketConfig parameterizes one sigmoid bucket.
type BucketConfig struct {
	Flatness   float64 `yaml:"flatness"`
	Skewness   float64 `yaml:"skewness"`
	UpperBound float64 `yaml:"upperbound"`
	Offset     float64 `yaml:"offset"`
}

// SigmoidCombine selects how bucket APRs are combined.
type SigmoidCombine string

const (
	CombineAdditive       SigmoidCombine = "additive"
	CombineMultiplicative SigmoidCombine = "multiplicative"
)

// SigmoidConfig parameterizes the sigmoid model.
type SigmoidConfig struct {
	Proportion       float64        `yaml:"proportion"`
	MaxAPR           float64        `yaml:"max_apr"`
	Offset           float64        `yaml:"offset"`
	Combine          SigmoidCombine `yaml:"combine"`
	NetworkCapacity  float64        `yaml:"network_capacity"`
	TotalTokenSupply float64        `yaml:"total_token_supply"`
	EconomicSecurity BucketConfig   `yaml:"economic_security"`
	NetworkLoad      BucketConfig   `yaml:"network_load"`
}

// BudgetConfig holds the reward budget cadence. Ticket price and winning
// probability come from the node API at runtime, not from the file.
type BudgetConfig struct {
	PeriodSeconds          int `yaml:"period_seconds"`
	DistributionsPerPeriod int `yaml:"distributions_per_period"`
}

// EconomicConfig groups everything the model applier needs.
type EconomicConfig struct {
	MinEligiblePeers int           `yaml:"min_eligible_peers"`
	MinSafeAllowance float64       `yaml:"min_safe_allowance"`
	NFTThreshold     float64       `yaml:"nft_threshold"`
	Legacy           LegacyConfig  `yaml:"legacy"`
	Sigmoid          SigmoidConfig `yaml:"sigmoid"`
	Budget           BudgetConfig  `yaml:"budget"`
}

// ChannelConfig holds the channel policy thresholds.
type ChannelConfig struct {
	MinBalance         float64 `yaml:"min_balance"`
	FundingAmount      float64 `yaml:"funding_amount"`
	MaxAgeSeconds      int     `yaml:"max_age_seconds"`
	OpenTimeoutSeconds int     `yaml:"open_timeout_seconds"`
	MaxConcurrentOpens int     `yaml:"max_concurrent_opens"`
	MaxFundAttempts    int     `yaml:"max_fund_attempts"`
}

// SessionsConfig holds the session policy.
type SessionsConfig struct {
	GracePeriodSeconds     int    `yaml:"grace_period_seconds"`
	PacketSize             int    `yaml:"packet_size"`
	MaxCloseAttempts       int    `yaml:"max_close_attempts"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	ListenHost             string `yaml:"listen_host"`
}

// PeerConfig holds peer admission settings.
type PeerConfig struct {
	MinVersion       string  `yaml:"min_version"`
	QualityThreshold float64 `yaml:"quality_threshold"`
}

// PostmanConfig holds message distribution settings.
type PostmanConfig struct {
	BatchSize              int `yaml:"batch_size"`
	DelayBetweenMessagesMS int `yaml:"delay_between_two_messages_ms"`
	DeliveryDelaySeconds   int `yaml:"message_delivery_delay_seconds"`
	MaxAttempts            int `yaml:"max_attempts"`
}

// MetricsConfig holds the prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

// APICallTimeout returns the hard timeout applied to every node API call.
func (c *Config) APICallTimeout() time.Duration {
	return time.Duration(c.APITimeout) * time.Second
}

// GracePeriod returns the session unreachability grace window.
func (c SessionsConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// ShutdownTimeout bounds the session manager's close-all on exit.
func (c SessionsConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// MaxAge returns the age beyond which an unseen peer's channel closes.
func (c ChannelConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSeconds) * time.Second
}

// OpenTimeout returns how long a channel may sit in pending-to-open.
func (c ChannelConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutSeconds) * time.Second
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.mixnet-ct
//	macOS:   ~/Library/Application Support/MixnetCT
//	Windows: %APPDATA%\MixnetCT
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mixnet-ct"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "MixnetCT")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "MixnetCT")
		}
		return filepath.Join(home, "AppData", "Roaming", "MixnetCT")
	default:
		return filepath.Join(home, ".mixnet-ct")
	}
}

// RecordsDir returns the reward/message records database directory.
func (c *Config) RecordsDir() string {
	return filepath.Join(c.DataDir, "records")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}
