package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:   "~/.wxbridge",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Account: AccountConfig{
			BaseURL:        "http://127.0.0.1:8059",
			TimeoutSeconds: 30,
		},
		Gateway: GatewayConfig{
			URL:                "ws://127.0.0.1:18789",
			AgentID:            "main",
			Channel:            "wechat",
			Scopes:             []string{"operator.read", "operator.write"},
			CallTimeoutSeconds: 120,
		},
		Bridge: BridgeConfig{
			MediaDir:                 "~/.wxbridge/media",
			Workers:                  16,
			LoginTimeoutSeconds:      120,
			LoginPollIntervalSeconds: 2,
			HealthIntervalSeconds:    30,
			SendRatePerSecond:        5,
			SendBurst:                10,
			ShutdownGraceSeconds:     10,
		},
		Pairing: PairingConfig{
			Enabled: true,
			DBPath:  "~/.wxbridge/pairing.db",
		},
		Reconnect: ReconnectConfig{
			BaseMillis: 2000,
			CapMillis:  30000,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
			Path:    "/metrics",
		},
	}
}
