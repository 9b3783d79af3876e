package config

import (
	"fmt"
)

// ValidationError carries the issues found by Validate. The config on disk is
// never replaced by an invalid document.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %d issue(s)", len(e.Issues))
}

var knownProviders = map[string]bool{
	"anthropic":  true,
	"openai":     true,
	"openrouter": true,
	"gemini":     true,
}

var knownEmbeddingProviders = map[string]bool{
	"ollama": true,
	"genai":  true,
	"openai": true,
}

var knownSTTBackends = map[string]bool{
	"whisper": true,
	"aws":     true,
}

// Validate checks cfg and fills defaults for empty values. It is total over
// any mutated document: it either returns a nil error with cfg normalized, or
// a *ValidationError listing every issue found.
func Validate(cfg *Config) error {
	var issues []string
	def := Default()

	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = def.Gateway.Port
	}
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		issues = append(issues, fmt.Sprintf("/gateway/port: %d out of range", cfg.Gateway.Port))
	}
	if cfg.Gateway.DataDir == "" {
		cfg.Gateway.DataDir = def.Gateway.DataDir
	}
	if len(cfg.Gateway.CORSOrigins) == 0 {
		cfg.Gateway.CORSOrigins = def.Gateway.CORSOrigins
	}

	if cfg.AI.Provider == "" {
		cfg.AI.Provider = def.AI.Provider
	}
	if !knownProviders[cfg.AI.Provider] {
		issues = append(issues, fmt.Sprintf("/ai/provider: unknown provider %q", cfg.AI.Provider))
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = def.AI.Model
	}
	if cfg.AI.SystemPrompt == "" {
		cfg.AI.SystemPrompt = def.AI.SystemPrompt
	}
	if cfg.AI.MaxToolRounds <= 0 {
		cfg.AI.MaxToolRounds = def.AI.MaxToolRounds
	}
	if cfg.AI.MaxToolRounds > 32 {
		issues = append(issues, fmt.Sprintf("/ai/maxToolRounds: %d exceeds cap of 32", cfg.AI.MaxToolRounds))
	}
	if cfg.AI.Secrets == nil {
		cfg.AI.Secrets = map[string]string{}
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = def.Embedding.Provider
	}
	if !knownEmbeddingProviders[cfg.Embedding.Provider] {
		issues = append(issues, fmt.Sprintf("/embedding/provider: unknown provider %q", cfg.Embedding.Provider))
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = def.Embedding.Model
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = def.Embedding.BaseURL
	}
	if cfg.Embedding.Dimensions <= 0 {
		cfg.Embedding.Dimensions = def.Embedding.Dimensions
	}

	if cfg.Tools.WebSearch.Provider == "" {
		cfg.Tools.WebSearch.Provider = def.Tools.WebSearch.Provider
	}
	if cfg.Tools.WebSearch.Provider != "brave" {
		issues = append(issues, fmt.Sprintf("/tools/webSearch/provider: unknown provider %q", cfg.Tools.WebSearch.Provider))
	}
	if cfg.Tools.Browser.MaxSessions <= 0 {
		cfg.Tools.Browser.MaxSessions = def.Tools.Browser.MaxSessions
	}
	if cfg.Tools.Secrets == nil {
		cfg.Tools.Secrets = map[string]string{}
	}

	if cfg.Channels.Telegram.PollIntervalMs <= 0 {
		cfg.Channels.Telegram.PollIntervalMs = def.Channels.Telegram.PollIntervalMs
	}
	if cfg.Channels.Telegram.Secrets == nil {
		cfg.Channels.Telegram.Secrets = map[string]string{}
	}

	if cfg.STT.Backend == "" {
		cfg.STT.Backend = def.STT.Backend
	}
	if !knownSTTBackends[cfg.STT.Backend] {
		issues = append(issues, fmt.Sprintf("/stt/backend: unknown backend %q", cfg.STT.Backend))
	}
	if cfg.STT.Model == "" {
		cfg.STT.Model = def.STT.Model
	}
	if cfg.STT.MaxUploadBytes <= 0 {
		cfg.STT.MaxUploadBytes = def.STT.MaxUploadBytes
	}
	if cfg.STT.TimeoutMs <= 0 {
		cfg.STT.TimeoutMs = def.STT.TimeoutMs
	}
	if cfg.STT.AWSTranscribe.Region == "" {
		cfg.STT.AWSTranscribe.Region = def.STT.AWSTranscribe.Region
	}
	if cfg.STT.AWSTranscribe.LanguageCode == "" {
		cfg.STT.AWSTranscribe.LanguageCode = def.STT.AWSTranscribe.LanguageCode
	}
	if cfg.STT.Secrets == nil {
		cfg.STT.Secrets = map[string]string{}
	}

	if cfg.Scheduler.HeartbeatIntervalMs <= 0 {
		cfg.Scheduler.HeartbeatIntervalMs = def.Scheduler.HeartbeatIntervalMs
	}
	if cfg.Scheduler.MaxConcurrentTasks <= 0 {
		cfg.Scheduler.MaxConcurrentTasks = def.Scheduler.MaxConcurrentTasks
	}
	if cfg.Scheduler.Budget.DailyUSD < 0 {
		issues = append(issues, "/scheduler/budget/dailyUsd: must be >= 0")
	}
	if cfg.Scheduler.Budget.MonthlyUSD < 0 {
		issues = append(issues, "/scheduler/budget/monthlyUsd: must be >= 0")
	}
	if cfg.Scheduler.Retry.MaxAttempts <= 0 {
		cfg.Scheduler.Retry.MaxAttempts = def.Scheduler.Retry.MaxAttempts
	}
	if cfg.Scheduler.Retry.BackoffBaseMs <= 0 {
		cfg.Scheduler.Retry.BackoffBaseMs = def.Scheduler.Retry.BackoffBaseMs
	}
	if cfg.Scheduler.Retry.BackoffMaxMs <= 0 {
		cfg.Scheduler.Retry.BackoffMaxMs = def.Scheduler.Retry.BackoffMaxMs
	}

	if cfg.Memory.MinConfidence < 0 || cfg.Memory.MinConfidence > 1 {
		issues = append(issues, fmt.Sprintf("/memory/minConfidence: %v outside [0,1]", cfg.Memory.MinConfidence))
	}
	if cfg.Memory.MinConfidence == 0 {
		cfg.Memory.MinConfidence = def.Memory.MinConfidence
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("/logging/level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}

	for path := range secretsByPath(cfg) {
		if !IsSecretPath(path) {
			issues = append(issues, fmt.Sprintf("%s: unknown secret path", path))
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// secretsByPath maps each populated secret path to its value.
func secretsByPath(cfg *Config) map[string]string {
	out := make(map[string]string)
	add := func(prefix string, m map[string]string) {
		for k, v := range m {
			out[prefix+"/"+k] = v
		}
	}
	add("/ai/secrets", cfg.AI.Secrets)
	add("/tools/secrets", cfg.Tools.Secrets)
	add("/channels/telegram/secrets", cfg.Channels.Telegram.Secrets)
	add("/stt/secrets", cfg.STT.Secrets)
	return out
}
