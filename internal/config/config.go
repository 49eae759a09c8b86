package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for Teleton.
type Config struct {
	General       GeneralConfig       `json:"general"`
	Telegram      TelegramConfig      `json:"telegram"`
	Policy        PolicyConfig        `json:"policy"`
	RateLimit     RateLimitConfig     `json:"rateLimit"`
	Pipeline      PipelineConfig      `json:"pipeline"`
	Storage       StorageConfig       `json:"storage"`
	Provider      ProviderConfig      `json:"provider"`
	Transcription TranscriptionConfig `json:"transcription"`
	Metrics       MetricsConfig       `json:"metrics"`
	Tracing       TracingConfig       `json:"tracing"`
}

type GeneralConfig struct {
	DataDir   string `json:"dataDir"`
	LogLevel  string `json:"logLevel"`          // debug | info | warn | error
	LogFormat string `json:"logFormat"`         // text | json
	LogFile   string `json:"logFile,omitempty"` // optional log file path
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout int    `json:"pollTimeout"` // long polling timeout in seconds
	Debug       bool   `json:"debug,omitempty"`
}

// PolicyConfig controls which inbound messages the agent answers.
type PolicyConfig struct {
	DMPolicy       string  `json:"dmPolicy"`    // open | allowlist | disabled
	GroupPolicy    string  `json:"groupPolicy"` // open | allowlist | disabled
	RequireMention bool    `json:"requireMention"`
	AdminIDs       []int64 `json:"adminIds"`
	AllowFrom      []int64 `json:"allowFrom"`      // DM senders
	GroupAllowFrom []int64 `json:"groupAllowFrom"` // group chat ids
}

type RateLimitConfig struct {
	MessagesPerSecond int `json:"messagesPerSecond"`
	GroupsPerMinute   int `json:"groupsPerMinute"`
}

type PipelineConfig struct {
	MaxMessageLength   int      `json:"maxMessageLength"`
	TypingSimulation   bool     `json:"typingSimulation"`
	DebounceMs         int      `json:"debounceMs"`
	EnrichmentTimeoutS int      `json:"enrichmentTimeoutSeconds"`
	DedupCapacity      int      `json:"dedupCapacity"`
	SendTools          []string `json:"sendTools"` // tool names that dispatch a reply on their own
	BusBufferSize      int      `json:"busBufferSize"`
	ShutdownTimeoutS   int      `json:"shutdownTimeoutSeconds"`
}

type StorageConfig struct {
	Driver            string `json:"driver"`         // sqlite | postgres
	DBPath            string `json:"dbPath"`         // sqlite only
	PostgresDSN       string `json:"postgresDsn,omitempty"`
	OffsetsBackend    string `json:"offsetsBackend"` // db | file
	OffsetsFile       string `json:"offsetsFile"`
	FeedRetentionDays int    `json:"feedRetentionDays"` // 0 = keep forever
	PruneSchedule     string `json:"pruneSchedule"`     // cron spec
}

// ProviderConfig configures the OpenAI-compatible response generator.
type ProviderConfig struct {
	APIBase        string  `json:"apiBase"`
	APIKey         string  `json:"apiKey,omitempty"`
	Model          string  `json:"model"`
	SystemPrompt   string  `json:"systemPrompt,omitempty"`
	MaxTokens      int     `json:"maxTokens"`
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeoutSeconds"`
}

type TranscriptionConfig struct {
	Enabled  bool   `json:"enabled"`
	APIBase  string `json:"apiBase"`
	APIKey   string `json:"apiKey,omitempty"`
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Endpoint string `json:"endpoint"`
}

// TracingConfig configures OTLP/HTTP span export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"` // host:port of the OTLP/HTTP collector
	Insecure    bool    `json:"insecure"`
	SampleRatio float64 `json:"sampleRatio"`
}

// DefaultConfigDir returns the default config directory (~/.teleton).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".teleton"
	}
	return filepath.Join(home, ".teleton")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.Storage.OffsetsFile = ExpandPath(cfg.Storage.OffsetsFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON re-encodes a YAML document as JSON so a single set of
// struct tags drives both formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(raw)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = marshalYAML(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

func marshalYAML(cfg *Config) ([]byte, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return yaml.Marshal(m)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	for name, p := range map[string]string{
		"policy.dmPolicy":    cfg.Policy.DMPolicy,
		"policy.groupPolicy": cfg.Policy.GroupPolicy,
	} {
		switch p {
		case PolicyOpen, PolicyAllowlist, PolicyDisabled:
		default:
			errs = append(errs, name+" must be one of: open, allowlist, disabled")
		}
	}

	if cfg.RateLimit.MessagesPerSecond < 1 {
		errs = append(errs, "rateLimit.messagesPerSecond must be >= 1")
	}
	if cfg.RateLimit.GroupsPerMinute < 1 {
		errs = append(errs, "rateLimit.groupsPerMinute must be >= 1")
	}
	if cfg.Pipeline.MaxMessageLength < 1 {
		errs = append(errs, "pipeline.maxMessageLength must be >= 1")
	}
	if cfg.Pipeline.DebounceMs < 0 {
		errs = append(errs, "pipeline.debounceMs must be >= 0")
	}
	if cfg.Pipeline.EnrichmentTimeoutS < 1 {
		errs = append(errs, "pipeline.enrichmentTimeoutSeconds must be >= 1")
	}
	if cfg.Pipeline.DedupCapacity < 2 {
		errs = append(errs, "pipeline.dedupCapacity must be >= 2")
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.DBPath == "" {
			errs = append(errs, "storage.dbPath is required for sqlite")
		}
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, "storage.postgresDsn is required for postgres")
		}
	default:
		errs = append(errs, "storage.driver must be one of: sqlite, postgres")
	}
	switch cfg.Storage.OffsetsBackend {
	case "db":
	case "file":
		if cfg.Storage.OffsetsFile == "" {
			errs = append(errs, "storage.offsetsFile is required for the file backend")
		}
	default:
		errs = append(errs, "storage.offsetsBackend must be one of: db, file")
	}
	if cfg.Storage.FeedRetentionDays < 0 {
		errs = append(errs, "storage.feedRetentionDays must be >= 0")
	}

	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		errs = append(errs, "metrics.port must be between 0 and 65535")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, "tracing.endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sampleRatio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
