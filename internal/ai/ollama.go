package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

type ollamaChatReq struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: baseURL,
		Model:   model,
		Client:  newStreamingClient(),
	}
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	return collect(ctx, p, messages)
}

// StreamRaw forwards Ollama's NDJSON lines, one line per chunk.
func (p *OllamaProvider) StreamRaw(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	return streamResponse(ctx, func() (*http.Response, error) {
		url := fmt.Sprintf("%s/api/chat", strings.TrimRight(p.BaseURL, "/"))
		return openStream(ctx, p.Client, "ollama", url, ollamaChatReq{
			Model:    p.Model,
			Messages: messages,
			Stream:   true,
		}, nil)
	})
}
