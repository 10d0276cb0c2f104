package config

import "time"

// Default returns the default engine configuration. Node endpoints and
// subgraph URLs have no defaults and must come from the file.
func Default() *Config {
	return &Config{
		DataDir:    DefaultDataDir(),
		APITimeout: 20,
		Subgraph: EconomySubgraphConfig{
			PageSize:         1000,
			FailureThreshold: 3,
		},
		Economic: EconomicConfig{
			MinEligiblePeers: 5,
			MinSafeAllowance: 0.001,
			Legacy: LegacyConfig{
				Proportion: 1,
				APR:        12.5,
				Coefficients: LegacyCoefficients{
					A: 1,
					B: 1.4,
					C: 75000,
					L: 10000,
				},
			},
			Sigmoid: SigmoidConfig{
				Proportion:       0,
				MaxAPR:           15,
				Combine:          CombineAdditive,
				NetworkCapacity:  1000,
				TotalTokenSupply: 450_000_000,
				EconomicSecurity: BucketConfig{
					Flatness:   1,
					Skewness:   1,
					UpperBound: 1,
				},
				NetworkLoad: BucketConfig{
					Flatness:   1,
					Skewness:   1,
					UpperBound: 1,
				},
			},
			Budget: BudgetConfig{
				PeriodSeconds:          2628000, // one month
				DistributionsPerPeriod: 730,
			},
		},
		Channel: ChannelConfig{
			MinBalance:         0.05,
			FundingAmount:      0.2,
			MaxAgeSeconds:      86400,
			OpenTimeoutSeconds: 900,
			MaxConcurrentOpens: 10,
			MaxFundAttempts:    3,
		},
		Sessions: SessionsConfig{
			GracePeriodSeconds:     300,
			PacketSize:             462,
			MaxCloseAttempts:       3,
			ShutdownTimeoutSeconds: 60,
			ListenHost:             "127.0.0.1",
		},
		Peer: PeerConfig{
			MinVersion:       "2.1.0",
			QualityThreshold: 0.5,
		},
		Postman: PostmanConfig{
			BatchSize:              50,
			DelayBetweenMessagesMS: 250,
			DeliveryDelaySeconds:   10,
			MaxAttempts:            4,
		},
		Tasks: map[string]Schedule{
			TaskHealthcheck:           Every(30 * time.Second),
			TaskRetrievePeers:         Every(60 * time.Second),
			TaskRetrieveChannels:      Every(60 * time.Second),
			TaskRetrieveBalances:      Every(300 * time.Second),
			TaskOpenChannels:          Every(300 * time.Second),
			TaskFundChannels:          Every(300 * time.Second),
			TaskCloseStaleChannels:    Every(600 * time.Second),
			TaskClosePendingChannels:  Every(600 * time.Second),
			TaskCloseIncomingChannels: Disabled,
			TaskRotateSubgraphs:       Every(600 * time.Second),
			TaskRegisteredNodes:       Every(300 * time.Second),
			TaskNFTHolders:            Every(600 * time.Second),
			TaskAllocations:           Every(600 * time.Second),
			TaskRewards:               Every(600 * time.Second),
			TaskSafeFundings:          Every(600 * time.Second),
			TaskTicketParameters:      Every(600 * time.Second),
			TaskApplyEconomicModel:    Every(300 * time.Second),
			TaskReconcileSessions:     Every(30 * time.Second),
			TaskDistribute:            Every(60 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9091",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}
