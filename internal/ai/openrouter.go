package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

type openRouterChatReq struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  newStreamingClient(),
	}
}

func (p *OpenRouterProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	return collect(ctx, p, messages)
}

// StreamRaw forwards OpenRouter's SSE data lines, one line per chunk.
func (p *OpenRouterProvider) StreamRaw(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	return streamResponse(ctx, func() (*http.Response, error) {
		if strings.TrimSpace(p.APIKey) == "" {
			return nil, errors.New("openrouter: api key is required")
		}
		model := strings.TrimSpace(p.Model)
		if model == "" {
			return nil, errors.New("openrouter: model is required")
		}

		header := http.Header{}
		header.Set("Authorization", "Bearer "+p.APIKey)
		if p.SiteURL != "" {
			header.Set("HTTP-Referer", p.SiteURL)
		}
		if p.AppName != "" {
			header.Set("X-Title", p.AppName)
		}

		url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
		return openStream(ctx, p.Client, "openrouter", url, openRouterChatReq{
			Model:    model,
			Messages: messages,
			Stream:   true,
		}, header)
	})
}
