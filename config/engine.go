package config

import (
	"strings"
	"time"
)

// Provider names returned by Resolve
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderAlias  = "alias"
)

// Endpoint is the concrete backend an agent talks to
type Endpoint struct {
	Provider string
	Model    string
	BaseURL  string // empty = client default
	APIKey   string
	Timeout  time.Duration
}

// Resolve picks the backend from the configured model name.
//
// "ollama" selects the local Ollama server and its own model name, any model
// containing "alias" uses the Alias key, everything else is treated as an
// OpenAI-compatible endpoint.
func (e EngineConfig) Resolve() Endpoint {
	model := strings.TrimSpace(e.Model)
	lower := strings.ToLower(model)

	switch {
	case lower == ProviderOllama:
		return Endpoint{
			Provider: ProviderOllama,
			Model:    e.OllamaModel,
			BaseURL:  e.OllamaBaseURL,
			APIKey:   e.OllamaAPIKey,
			Timeout:  e.OllamaTimeout,
		}
	case strings.Contains(lower, ProviderAlias):
		key := e.AliasAPIKey
		if key == "" {
			key = e.APIKey
		}
		return Endpoint{
			Provider: ProviderAlias,
			Model:    model,
			BaseURL:  e.BaseURL,
			APIKey:   key,
			Timeout:  e.APITimeout,
		}
	default:
		key := e.APIKey
		if key == "" {
			key = e.AliasAPIKey
		}
		return Endpoint{
			Provider: ProviderOpenAI,
			Model:    model,
			BaseURL:  e.BaseURL,
			APIKey:   key,
			Timeout:  e.APITimeout,
		}
	}
}
