package stream

import (
	"strings"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle      State = iota // created, no chunk seen yet
	StateActive                 // receiving chunks
	StateCompleted              // Done received or transport closed cleanly
	StateFailed                 // backend error or transport failure
	StateAborted                // stopped by the caller
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further envelope will be applied.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusAborted Status = "aborted"
)

// TransportErrorMessage is reported when the transport fails mid-stream.
const TransportErrorMessage = "model response interrupted"

// Result is the terminal outcome of a Session.
type Result struct {
	Status       Status
	Transcript   string
	ErrorMessage string
}

// Callbacks receive Session output. Both are optional.
// OnUpdate carries the full transcript so far, not the delta.
// OnTerminal fires exactly once, and never for an aborted session.
type Callbacks struct {
	OnUpdate   func(transcript string)
	OnTerminal func(Result)
}

// Session decodes one model response. It is not safe for concurrent use:
// chunks, Close and Abort must come from a single goroutine (see Run).
type Session struct {
	cb             Callbacks
	closeTransport func()

	state      State
	transcript strings.Builder
	cause      error
}

// NewSession returns an idle session. closeTransport, if non-nil, is called
// once when the session reaches any terminal state.
func NewSession(cb Callbacks, closeTransport func()) *Session {
	return &Session{cb: cb, closeTransport: closeTransport}
}

func (s *Session) State() State { return s.state }

func (s *Session) Transcript() string { return s.transcript.String() }

// Cause returns the transport error passed to Close, if any.
func (s *Session) Cause() error { return s.cause }

// Feed applies one transport chunk. Frames are applied in order and anything
// after a terminal envelope, in this chunk or later ones, is discarded.
func (s *Session) Feed(chunk string) {
	if s.state.Terminal() {
		return
	}
	s.state = StateActive

	for _, frame := range Split(chunk) {
		for _, env := range Decode(frame) {
			s.apply(env)
			if s.state.Terminal() {
				return
			}
		}
	}
}

// Close reports the end of the transport. A nil err completes the session
// with whatever was accumulated; a non-nil err fails it with a generic message.
func (s *Session) Close(err error) {
	if s.state.Terminal() {
		return
	}
	if err != nil {
		s.cause = err
		s.fail(TransportErrorMessage)
		return
	}
	s.complete()
}

// Abort stops the session without a terminal callback.
func (s *Session) Abort() {
	if s.state.Terminal() {
		return
	}
	s.state = StateAborted
	s.release()
}

func (s *Session) apply(env Envelope) {
	switch e := env.(type) {
	case EnvelopeDelta:
		s.appendText(e.Text)
	case EnvelopeUnrecognized:
		// whitespace-only frames are separators, not content
		if strings.TrimSpace(e.Raw) != "" {
			s.appendText(e.Raw)
		}
	case EnvelopeError:
		s.fail(e.Message)
	case EnvelopeDone:
		if e.FinalText != nil {
			s.transcript.Reset()
			s.transcript.WriteString(*e.FinalText)
		}
		s.complete()
	}
}

func (s *Session) appendText(text string) {
	if text == "" {
		return
	}
	s.transcript.WriteString(text)
	if s.cb.OnUpdate != nil {
		s.cb.OnUpdate(s.transcript.String())
	}
}

func (s *Session) complete() {
	s.state = StateCompleted
	s.release()
	s.emit(Result{Status: StatusSuccess, Transcript: s.transcript.String()})
}

func (s *Session) fail(msg string) {
	s.state = StateFailed
	s.release()
	s.emit(Result{Status: StatusError, Transcript: s.transcript.String(), ErrorMessage: msg})
}

func (s *Session) release() {
	if s.closeTransport != nil {
		s.closeTransport()
		s.closeTransport = nil
	}
}

func (s *Session) emit(r Result) {
	if s.cb.OnTerminal != nil {
		s.cb.OnTerminal(r)
	}
}
