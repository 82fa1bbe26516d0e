package providers

import "strings"

// providerInfo is the static description of a known provider: its
// OpenAI-compatible endpoint, the env var its API key comes from, and a
// sensible default model.
type providerInfo struct {
	apiBase      string
	envKey       string
	defaultModel string
}

// Known providers. Everything here speaks the OpenAI chat-completions
// dialect, either natively or through the vendor's compatibility endpoint.
var knownProviders = map[string]providerInfo{
	"openai":     {"https://api.openai.com/v1", "OPENAI_API_KEY", "gpt-4o"},
	"anthropic":  {"https://api.anthropic.com/v1", "ANTHROPIC_API_KEY", "claude-sonnet-4-5"},
	"gemini":     {"https://generativelanguage.googleapis.com/v1beta/openai", "GEMINI_API_KEY", "gemini-2.5-flash"},
	"groq":       {"https://api.groq.com/openai/v1", "GROQ_API_KEY", "llama-3.3-70b-versatile"},
	"cerebras":   {"https://api.cerebras.ai/v1", "CEREBRAS_API_KEY", "llama-3.3-70b"},
	"xai":        {"https://api.x.ai/v1", "XAI_API_KEY", "grok-3"},
	"openrouter": {"https://openrouter.ai/api/v1", "OPENROUTER_API_KEY", "openai/gpt-4o"},
	"mistral":    {"https://api.mistral.ai/v1", "MISTRAL_API_KEY", "mistral-large-latest"},
}

// KeyEnvVar returns the environment variable holding the API key for a
// provider. Unknown providers map to "<PROVIDER>_API_KEY".
func KeyEnvVar(provider string) string {
	if info, ok := knownProviders[provider]; ok {
		return info.envKey
	}
	return strings.ToUpper(provider) + "_API_KEY"
}

// DefaultModelFor returns the default model for a provider, or "" if the
// provider is unknown.
func DefaultModelFor(provider string) string {
	if info, ok := knownProviders[provider]; ok {
		return info.defaultModel
	}
	return ""
}

// Names lists the known provider names.
func Names() []string {
	names := make([]string, 0, len(knownProviders))
	for name := range knownProviders {
		names = append(names, name)
	}
	return names
}

// New constructs a Provider for the given name. Unknown names fall back to
// an OpenAI-compatible client with the OpenAI endpoint, so self-hosted
// gateways keep working by setting the base URL explicitly.
func New(name, apiKey, apiBase, model string) Provider {
	info, ok := knownProviders[name]
	if apiBase == "" && ok {
		apiBase = info.apiBase
	}
	if model == "" && ok {
		model = info.defaultModel
	}
	return NewOpenAIProvider(name, apiKey, apiBase, model)
}
