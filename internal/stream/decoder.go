package stream

import (
	"encoding/json"
	"strings"
)

// classifier inspects one frame. ok=false means "not mine, try the next one".
type classifier func(frame string) (out []Envelope, ok bool)

// shapeRule inspects one parsed JSON object.
type shapeRule func(obj *wireObject) (out []Envelope, ok bool)

// Order matters: explicit terminal signals win over best-effort text extraction.
var classifiers = []classifier{
	classifyDoneLiteral,
	classifySSE,
	classifyJSON,
}

var objectShapes []shapeRule

func init() {
	// Assigned here rather than in the declaration: nestedTextShape recurses
	// into Decode, which would otherwise be an initialization cycle.
	objectShapes = []shapeRule{
		errorShape,
		nestedTextShape,
		textShape,
		legacyContentShape,
		legacyDoneShape,
		choicesShape,
		ollamaShape,
		finishOnlyShape,
	}
}

// wireObject holds every field any known backend uses. Fields stay raw so a
// type mismatch in one field never rejects the whole frame.
type wireObject struct {
	Error        json.RawMessage `json:"error"`
	Text         json.RawMessage `json:"text"`
	FinishReason json.RawMessage `json:"finish_reason"`
	Done         json.RawMessage `json:"done"`
	Type         json.RawMessage `json:"type"`
	Content      json.RawMessage `json:"content"`
	FullContent  json.RawMessage `json:"full_content"`
	Choices      json.RawMessage `json:"choices"`
	Message      json.RawMessage `json:"message"`
	Response     json.RawMessage `json:"response"`
}

// Decode classifies a single frame. It never fails: a frame that is not a
// JSON object and matches no literal comes back as EnvelopeUnrecognized
// carrying the frame itself.
//
// Most frames decode to exactly one envelope. A text delta carrying a
// finish_reason decodes to a delta followed by EnvelopeDone, and a text field
// wrapping NUL-separated sub-frames decodes to the merged sub-frame envelopes.
// A recognized frame with no content (for example a role-only chat chunk)
// and a JSON object of no known shape both decode to an empty slice.
func Decode(frame string) []Envelope {
	for _, c := range classifiers {
		if out, ok := c(frame); ok {
			return out
		}
	}
	return []Envelope{EnvelopeUnrecognized{Raw: frame}}
}

func classifyDoneLiteral(frame string) ([]Envelope, bool) {
	s := strings.TrimSpace(frame)
	if strings.HasPrefix(s, SSEPrefix) {
		s = strings.TrimSpace(s[len(SSEPrefix):])
	}
	if s != DoneLiteral {
		return nil, false
	}
	return []Envelope{EnvelopeDone{}}, true
}

func classifySSE(frame string) ([]Envelope, bool) {
	s := strings.TrimSpace(frame)
	if !strings.HasPrefix(s, SSEPrefix) {
		return nil, false
	}
	obj, ok := parseObject(strings.TrimSpace(s[len(SSEPrefix):]))
	if !ok {
		return []Envelope{EnvelopeUnrecognized{Raw: frame}}, true
	}
	if out, ok := applyShapes(obj); ok {
		return out, true
	}
	// metadata objects (usage, status, ids) carry no content
	return nil, true
}

func classifyJSON(frame string) ([]Envelope, bool) {
	obj, ok := parseObject(strings.TrimSpace(frame))
	if !ok {
		return nil, false
	}
	if out, ok := applyShapes(obj); ok {
		return out, true
	}
	// metadata objects (usage, status, ids) carry no content
	return nil, true
}

func parseObject(s string) (*wireObject, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj wireObject
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return &obj, true
}

func applyShapes(obj *wireObject) ([]Envelope, bool) {
	for _, rule := range objectShapes {
		if out, ok := rule(obj); ok {
			return out, true
		}
	}
	return nil, false
}

func errorShape(obj *wireObject) ([]Envelope, bool) {
	if msg, ok := rawString(obj.Error); ok && msg != "" {
		return []Envelope{EnvelopeError{Message: msg}}, true
	}
	if isObject(obj.Error) {
		var e struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(obj.Error, &e); err == nil && e.Message != "" {
			return []Envelope{EnvelopeError{Message: e.Message}}, true
		}
	}
	return nil, false
}

// nestedTextShape unwraps a backend that proxies another backend's raw
// NUL-separated SSE output inside its own text field.
// The first terminal signal at any nesting level wins.
func nestedTextShape(obj *wireObject) ([]Envelope, bool) {
	text, ok := rawString(obj.Text)
	if !ok || !strings.Contains(text, FrameDelimiter) {
		return nil, false
	}

	var out []Envelope
	for _, f := range Split(text) {
		for _, e := range Decode(f) {
			out = append(out, e)
			if isTerminal(e) {
				return out, true
			}
		}
	}
	if finished(obj) {
		out = append(out, EnvelopeDone{})
	}
	return out, true
}

func textShape(obj *wireObject) ([]Envelope, bool) {
	text, ok := rawString(obj.Text)
	if !ok {
		return nil, false
	}
	return withFinish([]Envelope{EnvelopeDelta{Text: text}}, finished(obj)), true
}

func legacyContentShape(obj *wireObject) ([]Envelope, bool) {
	if t, _ := rawString(obj.Type); t != "content" {
		return nil, false
	}
	content, ok := rawString(obj.Content)
	if !ok {
		return nil, false
	}
	return []Envelope{EnvelopeDelta{Text: content}}, true
}

func legacyDoneShape(obj *wireObject) ([]Envelope, bool) {
	if t, _ := rawString(obj.Type); t != "done" {
		return nil, false
	}
	if full, ok := rawString(obj.FullContent); ok && full != "" {
		return []Envelope{EnvelopeDone{FinalText: &full}}, true
	}
	return []Envelope{EnvelopeDone{}}, true
}

// choicesShape handles OpenAI-compatible chat completion chunks (OpenRouter, vLLM).
func choicesShape(obj *wireObject) ([]Envelope, bool) {
	if len(obj.Choices) == 0 || obj.Choices[0] != '[' {
		return nil, false
	}
	var choices []struct {
		Delta struct {
			Content json.RawMessage `json:"content"`
		} `json:"delta"`
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		Text         json.RawMessage `json:"text"`
		FinishReason json.RawMessage `json:"finish_reason"`
	}
	if err := json.Unmarshal(obj.Choices, &choices); err != nil {
		return nil, false
	}
	if len(choices) == 0 {
		// usage-only trailer
		return nil, true
	}

	c := choices[0]
	var out []Envelope
	for _, raw := range []json.RawMessage{c.Delta.Content, c.Message.Content, c.Text} {
		if s, ok := rawString(raw); ok {
			if s != "" {
				out = append(out, EnvelopeDelta{Text: s})
			}
			break
		}
	}
	return withFinish(out, present(c.FinishReason)), true
}

// ollamaShape handles Ollama /api/chat and /api/generate NDJSON lines.
func ollamaShape(obj *wireObject) ([]Envelope, bool) {
	text, ok := "", false
	if isObject(obj.Message) {
		var m struct {
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(obj.Message, &m); err == nil {
			text, ok = rawString(m.Content)
		}
	}
	if !ok {
		text, ok = rawString(obj.Response)
	}
	if !ok {
		return nil, false
	}

	var out []Envelope
	if text != "" {
		out = append(out, EnvelopeDelta{Text: text})
	}
	return withFinish(out, finished(obj)), true
}

func finishOnlyShape(obj *wireObject) ([]Envelope, bool) {
	if !finished(obj) {
		return nil, false
	}
	return []Envelope{EnvelopeDone{}}, true
}

func withFinish(out []Envelope, done bool) []Envelope {
	if done {
		out = append(out, EnvelopeDone{})
	}
	return out
}

// finished reports a non-null finish_reason or done=true.
func finished(obj *wireObject) bool {
	return present(obj.FinishReason) || string(obj.Done) == "true"
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func isObject(raw json.RawMessage) bool {
	return len(raw) > 0 && raw[0] == '{'
}

func rawString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
