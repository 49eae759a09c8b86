package config

// Access policy values shared by policy.dmPolicy and policy.groupPolicy.
const (
	PolicyOpen      = "open"
	PolicyAllowlist = "allowlist"
	PolicyDisabled  = "disabled"
)

// DefaultSendTools are the tool names that deliver a reply themselves.
var DefaultSendTools = []string{"telegram_send_message", "telegram_reply_message"}

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:   "~/.teleton",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Telegram: TelegramConfig{
			PollTimeout: 30,
		},
		Policy: PolicyConfig{
			DMPolicy:       PolicyOpen,
			GroupPolicy:    PolicyOpen,
			RequireMention: true,
			AdminIDs:       []int64{},
			AllowFrom:      []int64{},
			GroupAllowFrom: []int64{},
		},
		RateLimit: RateLimitConfig{
			MessagesPerSecond: 30,
			GroupsPerMinute:   20,
		},
		Pipeline: PipelineConfig{
			MaxMessageLength:   4096,
			TypingSimulation:   true,
			DebounceMs:         0,
			EnrichmentTimeoutS: 5,
			DedupCapacity:      500,
			SendTools:          append([]string(nil), DefaultSendTools...),
			BusBufferSize:      100,
			ShutdownTimeoutS:   10,
		},
		Storage: StorageConfig{
			Driver:            "sqlite",
			DBPath:            "~/.teleton/teleton.db",
			OffsetsBackend:    "db",
			OffsetsFile:       "~/.teleton/offsets.json",
			FeedRetentionDays: 90,
			PruneSchedule:     "@daily",
		},
		Provider: ProviderConfig{
			APIBase:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			MaxTokens:      1024,
			Temperature:    0.7,
			TimeoutSeconds: 120,
		},
		Transcription: TranscriptionConfig{
			Enabled: false,
			APIBase: "https://api.groq.com/openai/v1",
			Model:   "whisper-large-v3",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Host:     "127.0.0.1",
			Port:     9464,
			Endpoint: "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Insecure:    true,
			SampleRatio: 1,
		},
	}
}
