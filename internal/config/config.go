package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultL0TargetTokens     = 320
	DefaultL1TargetTokens     = 960
	DefaultMaxPromptTokens    = 16000
	DefaultMaxArchives        = 256
	DefaultMaxRecentMessages  = 12
	DefaultArchiveChunkSize   = 8
	DefaultScoreThresholdHigh = 0.62
	DefaultTop1Top2Margin     = 0.18
	DefaultMaxItemsForL1      = 6
	DefaultMaxItemsForL2      = 2

	DefaultDenseTimeoutMs      = 4000
	DefaultDenseBlendAlpha     = 0.35
	DefaultSummarizerTimeoutMs = 30000
	DefaultSummarizerMaxTokens = 2048

	DefaultStorageBackend = "file"
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 18890
	DefaultFlushSchedule  = "@every 5m"
)

type Config struct {
	Layered     LayeredConfig     `json:"layered"`
	Dense       DenseConfig       `json:"dense"`
	Summarizer  SummarizerConfig  `json:"summarizer"`
	Storage     StorageConfig     `json:"storage"`
	Gateway     GatewayConfig     `json:"gateway"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

// LayeredConfig drives archiving and retrieval budgets. Zero values fall back
// to defaults at load time so a partial config file stays valid.
type LayeredConfig struct {
	EnableSessionCompression bool             `json:"enableSessionCompression"`
	L0TargetTokens           int              `json:"l0TargetTokens,omitempty"`
	L1TargetTokens           int              `json:"l1TargetTokens,omitempty"`
	MaxPromptTokens          int              `json:"maxPromptTokens,omitempty"`
	MaxArchives              int              `json:"maxArchives,omitempty"`
	MaxRecentMessages        int              `json:"maxRecentMessages,omitempty"`
	ArchiveChunkSize         int              `json:"archiveChunkSize,omitempty"`
	Escalation               EscalationConfig `json:"escalation"`
}

type EscalationConfig struct {
	ScoreThresholdHigh float64 `json:"scoreThresholdHigh,omitempty"`
	Top1Top2Margin     float64 `json:"top1Top2Margin,omitempty"`
	MaxItemsForL1      int     `json:"maxItemsForL1,omitempty"`
	MaxItemsForL2      int     `json:"maxItemsForL2,omitempty"`
}

type DenseConfig struct {
	BaseURL          string  `json:"baseUrl,omitempty"`
	APIKey           string  `json:"apiKey,omitempty"`
	Model            string  `json:"model,omitempty"`
	RequestTimeoutMs int     `json:"requestTimeoutMs,omitempty"`
	StrictMode       bool    `json:"strictMode"`
	Alpha            float64 `json:"alpha,omitempty"`
}

type SummarizerConfig struct {
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type StorageConfig struct {
	Backend string `json:"backend,omitempty"` // "file" (default) or "sqlite"
	Root    string `json:"root,omitempty"`
	DBPath  string `json:"dbPath,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type MaintenanceConfig struct {
	Enabled       bool   `json:"enabled"`
	FlushSchedule string `json:"flushSchedule,omitempty"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Layered: LayeredConfig{
			EnableSessionCompression: true,
			L0TargetTokens:           DefaultL0TargetTokens,
			L1TargetTokens:           DefaultL1TargetTokens,
			MaxPromptTokens:          DefaultMaxPromptTokens,
			MaxArchives:              DefaultMaxArchives,
			MaxRecentMessages:        DefaultMaxRecentMessages,
			ArchiveChunkSize:         DefaultArchiveChunkSize,
			Escalation: EscalationConfig{
				ScoreThresholdHigh: DefaultScoreThresholdHigh,
				Top1Top2Margin:     DefaultTop1Top2Margin,
				MaxItemsForL1:      DefaultMaxItemsForL1,
				MaxItemsForL2:      DefaultMaxItemsForL2,
			},
		},
		Dense: DenseConfig{
			RequestTimeoutMs: DefaultDenseTimeoutMs,
			Alpha:            DefaultDenseBlendAlpha,
		},
		Summarizer: SummarizerConfig{
			MaxTokens: DefaultSummarizerMaxTokens,
			TimeoutMs: DefaultSummarizerTimeoutMs,
		},
		Storage: StorageConfig{
			Backend: DefaultStorageBackend,
			Root:    filepath.Join(home, ".layerclaw", "context"),
			DBPath:  filepath.Join(home, ".layerclaw", "context.db"),
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Maintenance: MaintenanceConfig{
			Enabled:       false,
			FlushSchedule: DefaultFlushSchedule,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".layerclaw")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LAYERCLAW_API_KEY"); v != "" {
		if cfg.Summarizer.APIKey == "" {
			cfg.Summarizer.APIKey = v
		}
		if cfg.Dense.APIKey == "" {
			cfg.Dense.APIKey = v
		}
	}
	if v := os.Getenv("LAYERCLAW_BASE_URL"); v != "" {
		if cfg.Summarizer.BaseURL == "" {
			cfg.Summarizer.BaseURL = v
		}
		if cfg.Dense.BaseURL == "" {
			cfg.Dense.BaseURL = v
		}
	}
	if v := os.Getenv("LAYERCLAW_DENSE_BASE_URL"); v != "" {
		cfg.Dense.BaseURL = v
	}
	if v := os.Getenv("LAYERCLAW_DENSE_API_KEY"); v != "" {
		cfg.Dense.APIKey = v
	}
	if v := os.Getenv("LAYERCLAW_DENSE_MODEL"); v != "" {
		cfg.Dense.Model = v
	}
	if v := os.Getenv("LAYERCLAW_DENSE_STRICT"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Dense.StrictMode = parsed
		}
	}
	if v := os.Getenv("LAYERCLAW_SUMMARIZER_MODEL"); v != "" {
		cfg.Summarizer.Model = v
	}
	if v := os.Getenv("LAYERCLAW_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("LAYERCLAW_STORAGE_ROOT"); v != "" {
		cfg.Storage.Root = v
	}
	if v := os.Getenv("LAYERCLAW_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("LAYERCLAW_MAX_PROMPT_TOKENS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Layered.MaxPromptTokens = parsed
		}
	}
	if v := os.Getenv("LAYERCLAW_MAX_RECENT_MESSAGES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Layered.MaxRecentMessages = parsed
		}
	}
	if v := os.Getenv("LAYERCLAW_COMPRESSION"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Layered.EnableSessionCompression = parsed
		}
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Layered.L0TargetTokens <= 0 {
		cfg.Layered.L0TargetTokens = def.Layered.L0TargetTokens
	}
	if cfg.Layered.L1TargetTokens <= 0 {
		cfg.Layered.L1TargetTokens = def.Layered.L1TargetTokens
	}
	if cfg.Layered.MaxPromptTokens <= 0 {
		cfg.Layered.MaxPromptTokens = def.Layered.MaxPromptTokens
	}
	if cfg.Layered.MaxArchives <= 0 {
		cfg.Layered.MaxArchives = def.Layered.MaxArchives
	}
	if cfg.Layered.MaxRecentMessages <= 0 {
		cfg.Layered.MaxRecentMessages = def.Layered.MaxRecentMessages
	}
	if cfg.Layered.ArchiveChunkSize <= 0 {
		cfg.Layered.ArchiveChunkSize = def.Layered.ArchiveChunkSize
	}
	if cfg.Layered.Escalation.ScoreThresholdHigh <= 0 {
		cfg.Layered.Escalation.ScoreThresholdHigh = def.Layered.Escalation.ScoreThresholdHigh
	}
	if cfg.Layered.Escalation.Top1Top2Margin <= 0 {
		cfg.Layered.Escalation.Top1Top2Margin = def.Layered.Escalation.Top1Top2Margin
	}
	if cfg.Layered.Escalation.MaxItemsForL1 <= 0 {
		cfg.Layered.Escalation.MaxItemsForL1 = def.Layered.Escalation.MaxItemsForL1
	}
	if cfg.Layered.Escalation.MaxItemsForL2 <= 0 {
		cfg.Layered.Escalation.MaxItemsForL2 = def.Layered.Escalation.MaxItemsForL2
	}
	if cfg.Dense.RequestTimeoutMs <= 0 {
		cfg.Dense.RequestTimeoutMs = def.Dense.RequestTimeoutMs
	}
	if cfg.Dense.Alpha <= 0 {
		cfg.Dense.Alpha = def.Dense.Alpha
	}
	if cfg.Summarizer.MaxTokens <= 0 {
		cfg.Summarizer.MaxTokens = def.Summarizer.MaxTokens
	}
	if cfg.Summarizer.TimeoutMs <= 0 {
		cfg.Summarizer.TimeoutMs = def.Summarizer.TimeoutMs
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = def.Storage.Root
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = def.Storage.DBPath
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = def.Gateway.Host
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = def.Gateway.Port
	}
	if cfg.Maintenance.FlushSchedule == "" {
		cfg.Maintenance.FlushSchedule = def.Maintenance.FlushSchedule
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
