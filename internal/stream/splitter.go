package stream

import "strings"

const (
	// FrameDelimiter separates multiplexed frames inside one chunk.
	FrameDelimiter = "\x00"

	// DoneLiteral is the terminal sentinel used by SSE-style backends.
	DoneLiteral = "[DONE]"

	// SSEPrefix marks a server-sent-event data line.
	SSEPrefix = "data:"
)

// Split breaks one transport chunk into frames. It is purely textual:
// empty candidates are dropped, order is preserved, content is never inspected.
func Split(chunk string) []string {
	if chunk == "" {
		return nil
	}
	if !strings.Contains(chunk, FrameDelimiter) {
		return []string{chunk}
	}

	parts := strings.Split(chunk, FrameDelimiter)
	frames := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		frames = append(frames, p)
	}
	return frames
}
