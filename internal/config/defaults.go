package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Browser: BrowserConfig{
			Mode:              "normal",
			URL:               "https://web.whatsapp.com/",
			ProfileDir:        "~/.wabridge/profile",
			ScriptPath:        "~/.wabridge/wapi.js",
			ReadyPollSeconds:  3,
			ReadyTimeoutSecs:  300,
			ScreenshotElement: "#main",
		},
		Bot: BotConfig{
			URL:            "http://localhost:3000/message",
			TimeoutSeconds: 60,
		},
		Callback: CallbackConfig{
			Host:         "localhost",
			Port:         3001,
			Path:         "/api/message",
			MaxBodyBytes: 20 << 20,
		},
		Router: RouterConfig{
			Triggers:      []string{"!"},
			Aliases:       []string{},
			NaturalMarker: "natural",
			Screenshot:    "screenshot",
			Moment:        "record-moment",
		},
		Resolver: ResolverConfig{
			SelfIntervalMs:   3000,
			SelfAttempts:     8,
			QuotedIntervalMs: 5000,
			QuotedAttempts:   10,
			FetchExtension:   5,
			BackfillPages:    3,
		},
		Dispatch: DispatchConfig{
			SettleMs: 2000,
		},
		Bridge: BridgeConfig{
			MaxConcurrent: 5,
			QueueSize:     100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Journal: JournalConfig{
			Enabled: false,
			DBPath:  "~/.wabridge/journal.db",
		},
	}
}
