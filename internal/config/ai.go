package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	ProviderTypeOpenAI           = "openai"
	ProviderTypeAnthropic        = "anthropic"
	ProviderTypeOpenAICompatible = "openai_compatible"
	ProviderTypeScripted         = "scripted"

	WebSearchBrave    = "brave"
	WebSearchStatic   = "static"
	WebSearchDisabled = "disabled"

	defaultWebSearchProvider = WebSearchBrave
	defaultSearchCacheSize   = 256
	maxSearchCacheSize       = 10000
	defaultBraveAPIKeyEnv    = "BRAVE_SEARCH_API_KEY"
)

// AIConfig configures the model providers and the search backend.
//
// Notes:
//   - Secrets (api keys) must never be stored in this config. Keys are read from the environment.
//   - Field names are snake_case to match the rest of the config surface.
type AIConfig struct {
	// Providers is the provider registry.
	//
	// Notes:
	// - Providers own their allowed model list (provider + model are always configured together).
	// - Exactly one provider model must be marked as default via models[].is_default.
	Providers []AIProvider `json:"providers,omitempty" yaml:"providers,omitempty"`

	// AuxiliaryModel is the wire id (<provider_id>/<model_name>) used inside
	// tools, for example to summarize fetched pages. Empty disables it.
	AuxiliaryModel string `json:"auxiliary_model,omitempty" yaml:"auxiliary_model,omitempty"`

	// WebSearchProvider is "brave" (default), "static" (offline canned
	// results) or "disabled".
	WebSearchProvider string `json:"web_search_provider,omitempty" yaml:"web_search_provider,omitempty"`

	// WebSearchAPIKeyEnv names the env var holding the Brave key.
	WebSearchAPIKeyEnv string `json:"web_search_api_key_env,omitempty" yaml:"web_search_api_key_env,omitempty"`

	// SearchCacheSize bounds the search result cache. 0 disables it.
	SearchCacheSize *int `json:"search_cache_size,omitempty" yaml:"search_cache_size,omitempty"`

	// EstimateMissingUsage fills in token usage with a local tokenizer when a
	// provider reports none.
	EstimateMissingUsage *bool `json:"estimate_missing_usage,omitempty" yaml:"estimate_missing_usage,omitempty"`
}

type AIProvider struct {
	// ID is a stable internal id. It is the first half of model wire ids.
	ID string `json:"id" yaml:"id"`

	// Name is a human-friendly display name (safe to rename at any time).
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible" | "scripted".
	Type string `json:"type" yaml:"type"`

	// BaseURL overrides the provider endpoint (example: "https://api.openai.com/v1").
	// When empty, provider defaults apply (except openai_compatible where base_url is required).
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// APIKeyEnv names the env var holding the key. Defaults per type.
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`

	// Models is the allowed model list for this provider.
	Models []AIProviderModel `json:"models,omitempty" yaml:"models,omitempty"`
}

type AIProviderModel struct {
	ModelName string `json:"model_name" yaml:"model_name"`

	// IsDefault marks the single default model across all providers.
	// Exactly one providers[].models[].is_default must be true.
	IsDefault bool `json:"is_default,omitempty" yaml:"is_default,omitempty"`
}

func (c *AIConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}

	switch strings.TrimSpace(strings.ToLower(c.WebSearchProvider)) {
	case "", WebSearchBrave, WebSearchStatic, WebSearchDisabled:
	default:
		return fmt.Errorf("invalid web_search_provider %q", c.WebSearchProvider)
	}
	if c.SearchCacheSize != nil && (*c.SearchCacheSize < 0 || *c.SearchCacheSize > maxSearchCacheSize) {
		return fmt.Errorf("invalid search_cache_size %d (must be in [0,%d])", *c.SearchCacheSize, maxSearchCacheSize)
	}

	// Validate providers.
	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	defaultCount := 0
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case ProviderTypeOpenAI, ProviderTypeAnthropic, ProviderTypeOpenAICompatible, ProviderTypeScripted:
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == ProviderTypeOpenAICompatible && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}

		// Validate models (provider-owned list).
		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		modelNames := make(map[string]struct{}, len(p.Models))
		for j := range p.Models {
			m := p.Models[j]
			name := strings.TrimSpace(m.ModelName)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing model_name", i, j)
			}
			if strings.Contains(name, "/") {
				return fmt.Errorf("providers[%d].models[%d]: invalid model_name %q (must not contain /)", i, j, name)
			}
			if _, ok := modelNames[name]; ok {
				return fmt.Errorf("providers[%d].models[%d]: duplicate model_name %q", i, j, name)
			}
			modelNames[name] = struct{}{}
			if m.IsDefault {
				defaultCount++
			}
		}
	}

	if defaultCount == 0 {
		return errors.New("missing default model (providers[].models[].is_default)")
	}
	if defaultCount > 1 {
		return errors.New("multiple default models (providers[].models[].is_default)")
	}
	if aux := strings.TrimSpace(c.AuxiliaryModel); aux != "" && !c.IsAllowedModelID(aux) {
		return fmt.Errorf("auxiliary_model %q is not in the provider model list", aux)
	}
	return nil
}

// DefaultModelID returns the default model wire id (<provider_id>/<model_name>).
//
// It assumes Validate() has passed. When config is invalid/incomplete, it returns ("", false).
func (c *AIConfig) DefaultModelID() (string, bool) {
	if c == nil {
		return "", false
	}
	for _, p := range c.Providers {
		pid := strings.TrimSpace(p.ID)
		if pid == "" {
			continue
		}
		for _, m := range p.Models {
			if !m.IsDefault {
				continue
			}
			mn := strings.TrimSpace(m.ModelName)
			if mn == "" {
				continue
			}
			return pid + "/" + mn, true
		}
	}
	return "", false
}

// IsAllowedModelID reports whether the given model wire id (<provider_id>/<model_name>) exists in the config allow-list.
func (c *AIConfig) IsAllowedModelID(modelID string) bool {
	_, _, ok := c.ResolveModel(modelID)
	return ok
}

// ResolveModel splits a model wire id and returns its provider entry.
func (c *AIConfig) ResolveModel(modelID string) (AIProvider, string, bool) {
	if c == nil {
		return AIProvider{}, "", false
	}
	pid, mn, ok := strings.Cut(strings.TrimSpace(modelID), "/")
	pid = strings.TrimSpace(pid)
	mn = strings.TrimSpace(mn)
	if !ok || pid == "" || mn == "" {
		return AIProvider{}, "", false
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) != pid {
			continue
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == mn {
				return p, mn, true
			}
		}
		return AIProvider{}, "", false
	}
	return AIProvider{}, "", false
}

// EffectiveAPIKeyEnv returns the env var holding the provider's key; empty
// for providers that need none.
func (p AIProvider) EffectiveAPIKeyEnv() string {
	if v := strings.TrimSpace(p.APIKeyEnv); v != "" {
		return v
	}
	switch strings.TrimSpace(p.Type) {
	case ProviderTypeOpenAI:
		return "OPENAI_API_KEY"
	case ProviderTypeAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderTypeOpenAICompatible:
		return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(p.ID), "-", "_")) + "_API_KEY"
	default:
		return ""
	}
}

func (c *AIConfig) EffectiveWebSearchProvider() string {
	if c == nil {
		return defaultWebSearchProvider
	}
	v := strings.TrimSpace(strings.ToLower(c.WebSearchProvider))
	switch v {
	case WebSearchBrave, WebSearchStatic, WebSearchDisabled:
		return v
	default:
		return defaultWebSearchProvider
	}
}

func (c *AIConfig) EffectiveWebSearchAPIKeyEnv() string {
	if c == nil || strings.TrimSpace(c.WebSearchAPIKeyEnv) == "" {
		return defaultBraveAPIKeyEnv
	}
	return strings.TrimSpace(c.WebSearchAPIKeyEnv)
}

func (c *AIConfig) EffectiveSearchCacheSize() int {
	if c == nil || c.SearchCacheSize == nil {
		return defaultSearchCacheSize
	}
	v := *c.SearchCacheSize
	if v < 0 {
		return defaultSearchCacheSize
	}
	if v > maxSearchCacheSize {
		return maxSearchCacheSize
	}
	return v
}

func (c *AIConfig) EffectiveEstimateMissingUsage() bool {
	if c == nil || c.EstimateMissingUsage == nil {
		return true
	}
	return *c.EstimateMissingUsage
}
