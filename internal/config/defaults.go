package config

// NewDefaultConfig creates a configuration with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "prod",
		Issuer:      "http://localhost:4280",
		Server: ServerConfig{
			Port:         4280,
			Host:         "localhost",
			MaxBodyBytes: 1 << 20,
		},
		Keys: KeysConfig{
			Algorithm:       "RS256",
			RotationPeriod:  "720h",
			RotationOverlap: "24h",
		},
		Tokens: TokensConfig{
			AccessTTL:        "15m",
			IDTTL:            "15m",
			RefreshFamilyTTL: "720h",
			AuthCodeTTL:      "60s",
			DeviceCodeTTL:    "10m",
			DeviceInterval:   "5s",
			CIBARequestTTL:   "5m",
			DeviceSecretTTL:  "720h",
			DeviceSecretCap:  10,
			DeviceSecretOver: "revoke_oldest",
			DPoPProofWindow:  "5m",
			DPoPReplayWindow: "10m",
		},
		Sessions: SessionsConfig{
			TTL:        "1h",
			MaxTTL:     "24h",
			ShardCount: 16,
		},
		Sharding: ShardingConfig{
			ChallengeShards:    16,
			RefreshGenerations: []int{8},
		},
		Storage: StorageConfig{
			Backend: "memory",
			Redis: RedisConfig{
				URL:    "redis://localhost:6379/0",
				Prefix: "authrim",
			},
			Postgres: PostgresConfig{
				Migrate: true,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Outputs:    []string{"console", "file"},
			FilePath:   "./logs/authrim.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		Logout: LogoutConfig{
			BackchannelTimeout: "5s",
			WebhookTimeout:     "5s",
			MaxRetries:         3,
		},
		RateLimit: RateConfig{
			AnonLoginPerMinute: 30,
			EmailSendPerHour:   10,
			EmailVerifyPerHour: 30,
			NativeSSOPerMinute: 20,
			NativeSSOBlock:     "5m",
			TokenBurst:         100,
		},
		Tenants: map[string]TenantConfig{
			"default": {
				AllowsRefreshToken:      true,
				AllowsDeviceCode:        true,
				AllowsClientCredentials: true,
				AllowsNativeSSO:         true,
				MaxTokenTTLSeconds:      3600,
			},
		},
	}
}
