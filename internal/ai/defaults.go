package ai

import (
	"context"
	"strings"

	"github.com/suPer8Hu/modelchat/internal/config"
)

// NewRegistryFromConfig registers every provider the config can reach. A
// session's model overrides the configured default model; for the model
// server it is ignored since one deployment serves one model.
func NewRegistryFromConfig(cfg config.Config) *Registry {
	reg := NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	reg.Register("modelserver", func(ctx context.Context, model string) (Provider, error) {
		p := NewModelServerProvider(cfg.ModelServerURL, cfg.ModelServerToken)
		if cfg.ModelServerMaxLength > 0 {
			p.MaxLength = cfg.ModelServerMaxLength
		}
		if cfg.ModelServerTemperature > 0 {
			p.Temperature = cfg.ModelServerTemperature
		}
		if cfg.ModelServerTopP > 0 {
			p.TopP = cfg.ModelServerTopP
		}
		return p, nil
	})

	return reg
}
