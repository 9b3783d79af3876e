package provider

import (
	"fmt"

	"go.uber.org/zap"

	"spaceduck/internal/config"
)

// SecretFunc resolves a secret by its config pointer path. It returns the
// empty string when the secret is unset.
type SecretFunc func(path string) string

// FromConfig builds the provider selected by the AI section. The secret
// lookup goes through the config store so plaintext keys never ride on the
// snapshot.
func FromConfig(ai config.AIConfig, secret SecretFunc, logger *zap.Logger) (Provider, error) {
	switch ai.Provider {
	case "anthropic":
		return NewAnthropic(secret("/ai/secrets/anthropicApiKey"), ai.BaseURL, ai.Model, logger)
	case "openai":
		return NewOpenAI("openai", secret("/ai/secrets/openaiApiKey"), ai.BaseURL, ai.Model, logger)
	case "openrouter":
		base := ai.BaseURL
		if base == "" {
			base = OpenRouterBaseURL
		}
		return NewOpenAI("openrouter", secret("/ai/secrets/openrouterApiKey"), base, ai.Model, logger)
	case "gemini":
		return NewGemini(secret("/ai/secrets/geminiApiKey"), ai.BaseURL, ai.Model, logger)
	default:
		return nil, fmt.Errorf("unknown ai provider %q", ai.Provider)
	}
}
