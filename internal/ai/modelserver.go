package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// ModelServerProvider talks to a self-hosted model deployment exposing
// POST /chat/stream. Its output format varies by image (raw JSON, SSE lines,
// NUL-multiplexed SSE, plain text); package stream sorts that out.
type ModelServerProvider struct {
	BaseURL     string
	Token       string
	MaxLength   int
	Temperature float64
	TopP        float64
	Client      *http.Client
}

type modelServerReq struct {
	Messages    []Message `json:"messages"`
	MaxLength   int       `json:"max_length"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
}

func NewModelServerProvider(baseURL, token string) *ModelServerProvider {
	return &ModelServerProvider{
		BaseURL:     baseURL,
		Token:       token,
		MaxLength:   2048,
		Temperature: 0.7,
		TopP:        0.9,
		Client:      newStreamingClient(),
	}
}

func (p *ModelServerProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	return collect(ctx, p, messages)
}

func (p *ModelServerProvider) StreamRaw(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	return streamResponse(ctx, func() (*http.Response, error) {
		base := strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
		if base == "" {
			return nil, fmt.Errorf("modelserver: base url is required")
		}

		var header http.Header
		if p.Token != "" {
			header = http.Header{"Token": []string{p.Token}}
		}

		return openStream(ctx, p.Client, "modelserver", base+"/chat/stream", modelServerReq{
			Messages:    messages,
			MaxLength:   p.MaxLength,
			Temperature: p.Temperature,
			TopP:        p.TopP,
		}, header)
	})
}
