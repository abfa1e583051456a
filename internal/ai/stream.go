package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/suPer8Hu/modelchat/internal/stream"
)

// StreamProvider is an optional interface. Providers that implement it expose
// the raw response stream; each string is one transport chunk, undecoded.
// errs receives at most one error and is closed before chunks.
type StreamProvider interface {
	StreamRaw(ctx context.Context, messages []Message) (chunks <-chan string, errs <-chan error)
}

// collect runs a raw stream to completion through the shared decoder.
func collect(ctx context.Context, sp StreamProvider, messages []Message) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	chunks, errs := sp.StreamRaw(ctx, messages)
	return stream.Collect(ctx, chunks, errs, cancel)
}

// newStreamingClient has no overall timeout: streams live as long as ctx does.
func newStreamingClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 90 * time.Second,
		},
	}
}

// openStream POSTs body as JSON and returns the response when the status is 2xx.
func openStream(ctx context.Context, client *http.Client, name, url string, body any, header http.Header) (*http.Response, error) {
	if client == nil {
		return nil, fmt.Errorf("%s: http client is nil", name)
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/x-ndjson, */*")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%s: %s", name, msg)
	}
	return resp, nil
}

// pumpLines forwards each content line of body as one raw chunk.
// Blank lines and SSE control lines (comments, event:, id:, retry:) are framing, not content.
func pumpLines(ctx context.Context, body io.Reader, chunks chan<- string) error {
	sc := bufio.NewScanner(body)
	// Increase scanner buffer for long JSON lines.
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2*1024*1024)

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if isFramingLine(line) {
			continue
		}
		select {
		case chunks <- line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return sc.Err()
}

func isFramingLine(line string) bool {
	t := strings.TrimSpace(line)
	if t == "" || strings.HasPrefix(t, ":") {
		return true
	}
	for _, p := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// streamResponse runs open in a goroutine and pumps the response body.
func streamResponse(ctx context.Context, open func() (*http.Response, error)) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := open()
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if err := pumpLines(ctx, resp.Body, chunks); err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()

	return chunks, errs
}
