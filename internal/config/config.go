// Package config is the single source of truth for the declarative runtime.
//
// The on-disk form is a permissive JSON variant (comments and trailing commas
// allowed) at ${SPACEDUCK_CONFIG_DIR:-data/config}/spaceduck.config.json5.
// After validation the file is rewritten as plain two-space-indented JSON.
//
// Secrets live on dedicated paths (the per-section "secrets" objects). They are
// excluded from the revision hash, never returned by reads, and never accepted
// by normal patches.
package config

import (
	"os"
	"path/filepath"
)

// FileName is the config file name inside the config directory.
const FileName = "spaceduck.config.json5"

// DefaultPath resolves the config file location from the environment.
func DefaultPath() string {
	dir := os.Getenv("SPACEDUCK_CONFIG_DIR")
	if dir == "" {
		dir = filepath.Join("data", "config")
	}
	return filepath.Join(dir, FileName)
}

// Config is the validated runtime snapshot. Readers hold an immutable pointer;
// writers publish a new pointer atomically.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	AI        AIConfig        `json:"ai"`
	Embedding EmbeddingConfig `json:"embedding"`
	Tools     ToolsConfig     `json:"tools"`
	Channels  ChannelsConfig  `json:"channels"`
	STT       STTConfig       `json:"stt"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Memory    MemoryConfig    `json:"memory"`
	Logging   LoggingConfig   `json:"logging"`
}

// GatewayConfig covers the process-level settings. Port and DataDir require a
// restart; everything else in the document is hot-applicable.
type GatewayConfig struct {
	Port         int      `json:"port"`
	DataDir      string   `json:"dataDir"`
	AuthRequired bool     `json:"authRequired"`
	CORSOrigins  []string `json:"corsOrigins"`
}

// AIConfig selects the LLM provider used by the agent loop.
type AIConfig struct {
	Provider      string            `json:"provider"` // anthropic | openai | openrouter | gemini
	Model         string            `json:"model"`
	BaseURL       string            `json:"baseUrl"`
	Region        string            `json:"region"`
	SystemPrompt  string            `json:"systemPrompt"`
	MaxToolRounds int               `json:"maxToolRounds"`
	Secrets       map[string]string `json:"secrets"`
}

// EmbeddingConfig selects the embedding backend used for memory recall.
type EmbeddingConfig struct {
	Enabled    bool   `json:"enabled"`
	Provider   string `json:"provider"` // ollama | genai | openai
	Model      string `json:"model"`
	BaseURL    string `json:"baseUrl"`
	Dimensions int    `json:"dimensions"`
}

// ToolsConfig gates the built-in tool registry.
type ToolsConfig struct {
	WebFetch  ToggleConfig      `json:"webFetch"`
	WebSearch WebSearchConfig   `json:"webSearch"`
	WebAnswer ToggleConfig      `json:"webAnswer"`
	Marker    ToggleConfig      `json:"marker"`
	Browser   BrowserConfig     `json:"browser"`
	Secrets   map[string]string `json:"secrets"`
}

// ToggleConfig is a bare enabled flag.
type ToggleConfig struct {
	Enabled bool `json:"enabled"`
}

// WebSearchConfig selects the search provider.
type WebSearchConfig struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider"` // brave
}

// BrowserConfig controls the per-conversation browser session pool.
type BrowserConfig struct {
	Enabled              bool `json:"enabled"`
	LivePreview          bool `json:"livePreview"`
	MaxSessions          int  `json:"maxSessions"`
	SessionIdleTimeoutMs int  `json:"sessionIdleTimeoutMs"`
}

// ChannelsConfig enables external chat channels.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures the Telegram long-poll channel.
type TelegramConfig struct {
	Enabled        bool              `json:"enabled"`
	PollIntervalMs int               `json:"pollIntervalMs"`
	Secrets        map[string]string `json:"secrets"`
}

// STTConfig selects the speech-to-text backend.
type STTConfig struct {
	Backend        string              `json:"backend"` // whisper | aws
	Model          string              `json:"model"`
	MaxUploadBytes int64               `json:"maxUploadBytes"`
	TimeoutMs      int                 `json:"timeoutMs"`
	AWSTranscribe  AWSTranscribeConfig `json:"awsTranscribe"`
	Secrets        map[string]string   `json:"secrets"`
}

// AWSTranscribeConfig holds the Amazon Transcribe streaming settings.
type AWSTranscribeConfig struct {
	Region       string `json:"region"`
	LanguageCode string `json:"languageCode"`
}

// SchedulerConfig controls the background task scheduler.
type SchedulerConfig struct {
	HeartbeatIntervalMs int          `json:"heartbeatIntervalMs"`
	MaxConcurrentTasks  int          `json:"maxConcurrentTasks"`
	Budget              BudgetConfig `json:"budget"`
	Retry               RetryConfig  `json:"retry"`
}

// BudgetConfig caps accumulated task spend. Zero disables a cap.
type BudgetConfig struct {
	DailyUSD   float64 `json:"dailyUsd"`
	MonthlyUSD float64 `json:"monthlyUsd"`
}

// RetryConfig shapes the exponential backoff applied to failed tasks.
type RetryConfig struct {
	MaxAttempts   int `json:"maxAttempts"`
	BackoffBaseMs int `json:"backoffBaseMs"`
	BackoffMaxMs  int `json:"backoffMaxMs"`
}

// MemoryConfig controls the memory extractor.
type MemoryConfig struct {
	Enabled       bool    `json:"enabled"`
	MinConfidence float64 `json:"minConfidence"`
}

// LoggingConfig requires a restart to apply.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the full default snapshot. Every non-secret value has a
// default; secrets start unset.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:         8787,
			DataDir:      "data",
			AuthRequired: true,
			CORSOrigins:  []string{"*"},
		},
		AI: AIConfig{
			Provider:      "anthropic",
			Model:         "claude-sonnet-4-20250514",
			SystemPrompt:  "You are spaceduck, a helpful local-first personal assistant.",
			MaxToolRounds: 8,
			Secrets:       map[string]string{},
		},
		Embedding: EmbeddingConfig{
			Enabled:    false,
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			BaseURL:    "http://localhost:11434",
			Dimensions: 768,
		},
		Tools: ToolsConfig{
			WebFetch:  ToggleConfig{Enabled: true},
			WebSearch: WebSearchConfig{Enabled: false, Provider: "brave"},
			WebAnswer: ToggleConfig{Enabled: false},
			Marker:    ToggleConfig{Enabled: false},
			Browser: BrowserConfig{
				Enabled:              false,
				LivePreview:          false,
				MaxSessions:          3,
				SessionIdleTimeoutMs: 300000,
			},
			Secrets: map[string]string{},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:        false,
				PollIntervalMs: 2000,
				Secrets:        map[string]string{},
			},
		},
		STT: STTConfig{
			Backend:        "whisper",
			Model:          "base.en",
			MaxUploadBytes: 25 << 20,
			TimeoutMs:      300000,
			AWSTranscribe: AWSTranscribeConfig{
				Region:       "us-east-1",
				LanguageCode: "en-US",
			},
			Secrets: map[string]string{},
		},
		Scheduler: SchedulerConfig{
			HeartbeatIntervalMs: 15000,
			MaxConcurrentTasks:  2,
			Budget:              BudgetConfig{DailyUSD: 0, MonthlyUSD: 0},
			Retry: RetryConfig{
				MaxAttempts:   3,
				BackoffBaseMs: 5000,
				BackoffMaxMs:  3600000,
			},
		},
		Memory: MemoryConfig{
			Enabled:       true,
			MinConfidence: 0.5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
