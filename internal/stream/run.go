package stream

import (
	"context"
	"errors"
	"fmt"
)

// ErrAborted is returned by Collect when the stream was cancelled.
var ErrAborted = errors.New("stream aborted")

// BackendError is a terminal failure reported by the model backend or the
// transport. Partial holds the text received before the failure.
type BackendError struct {
	Message string
	Partial string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BackendError) Unwrap() error { return e.Err }

// Run pumps chunks from a transport into s until s terminates or the
// transport closes. Cancelling ctx aborts the session.
//
// The transport closes errs (or sends at most one error on it) before it
// closes chunks.
func Run(ctx context.Context, s *Session, chunks <-chan string, errs <-chan error) {
	for !s.State().Terminal() {
		select {
		case <-ctx.Done():
			s.Abort()
			return
		case c, ok := <-chunks:
			// a transport torn down by cancellation is an abort, not a close
			if ctx.Err() != nil {
				s.Abort()
				return
			}
			if !ok {
				s.Close(pendingErr(errs))
				return
			}
			s.Feed(c)
		}
	}
}

// Collect drains a transport through a fresh Session and returns the final
// transcript. A backend or transport failure returns *BackendError.
func Collect(ctx context.Context, chunks <-chan string, errs <-chan error, closeTransport func()) (string, error) {
	var res Result
	s := NewSession(Callbacks{OnTerminal: func(r Result) { res = r }}, closeTransport)
	Run(ctx, s, chunks, errs)

	switch s.State() {
	case StateCompleted:
		return res.Transcript, nil
	case StateFailed:
		return res.Transcript, &BackendError{Message: res.ErrorMessage, Partial: res.Transcript, Err: s.Cause()}
	default:
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %w", ErrAborted, err)
		}
		return "", ErrAborted
	}
}

func pendingErr(errs <-chan error) error {
	if errs == nil {
		return nil
	}
	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}
