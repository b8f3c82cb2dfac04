package ai

import (
	"fmt"
	"strings"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

const defaultMaxTokens = 4096

// profile is the per-provider default model and the env vars searched for
// its key.
type profile struct {
	Name         string
	DefaultModel string
	KeyEnv       []string
}

var profiles = map[string]profile{
	ProviderOpenAI:    {Name: ProviderOpenAI, DefaultModel: "gpt-4o", KeyEnv: []string{"OPENAI_API_KEY"}},
	ProviderAnthropic: {Name: ProviderAnthropic, DefaultModel: "claude-sonnet-4-5", KeyEnv: []string{"ANTHROPIC_API_KEY"}},
	ProviderGemini:    {Name: ProviderGemini, DefaultModel: "gemini-2.5-flash", KeyEnv: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}},
}

// aliases maps the provider spellings people put in config files.
var aliases = map[string]string{
	"":           ProviderOpenAI,
	"gpt":        ProviderOpenAI,
	"claude":     ProviderAnthropic,
	"gemini-api": ProviderGemini,
	"google":     ProviderGemini,
}

func lookupProfile(provider string) (profile, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if a, ok := aliases[name]; ok {
		name = a
	}
	p, ok := profiles[name]
	if !ok {
		return profile{}, fmt.Errorf("unknown LLM provider %q (use openai, anthropic or gemini)", provider)
	}
	return p, nil
}

// Providers lists the supported provider names.
func Providers() []string {
	return []string{ProviderOpenAI, ProviderAnthropic, ProviderGemini}
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	p, err := lookupProfile(provider)
	if err != nil {
		return ""
	}
	return p.DefaultModel
}

// KeyEnvVars lists the environment variables searched for provider's key.
func KeyEnvVars(provider string) []string {
	p, err := lookupProfile(provider)
	if err != nil {
		return nil
	}
	return append([]string(nil), p.KeyEnv...)
}
