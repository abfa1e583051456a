package stream

// Envelope is the decoded meaning of one frame.
// The unexported marker method keeps the set of cases closed.
type Envelope interface {
	envelope()
}

// EnvelopeDelta is a fragment of generated text to append to the transcript.
type EnvelopeDelta struct {
	Text string
}

func (EnvelopeDelta) envelope() {}

// EnvelopeError is a failure reported by the backend. It terminates the stream.
type EnvelopeError struct {
	Message string
}

func (EnvelopeError) envelope() {}

// EnvelopeDone ends the stream. A non-nil FinalText replaces the transcript.
type EnvelopeDone struct {
	FinalText *string
}

func (EnvelopeDone) envelope() {}

// EnvelopeUnrecognized carries a frame that matched no known shape.
// Its raw text is applied as literal delta text.
type EnvelopeUnrecognized struct {
	Raw string
}

func (EnvelopeUnrecognized) envelope() {}

var (
	_ Envelope = EnvelopeDelta{}
	_ Envelope = EnvelopeError{}
	_ Envelope = EnvelopeDone{}
	_ Envelope = EnvelopeUnrecognized{}
)

func isTerminal(e Envelope) bool {
	switch e.(type) {
	case EnvelopeDone, EnvelopeError:
		return true
	}
	return false
}
