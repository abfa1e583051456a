package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/suPer8Hu/modelchat/internal/ai"
	"github.com/suPer8Hu/modelchat/internal/stream"
)

// StreamOutcome is the single terminal report of a streamed turn.
type StreamOutcome struct {
	Status stream.Status
	// Text is the final transcript (success) or the partial one (error, aborted).
	Text  string
	Error string
	// MessageID is the stored assistant message, 0 when nothing was stored.
	MessageID uint64
}

// Turn is a running assistant reply. Updates carries transcript snapshots,
// newest wins, and is closed when decoding stops; Outcome then yields exactly
// one value.
type Turn struct {
	Updates <-chan string
	Outcome <-chan StreamOutcome
}

// SendMessageStream stores the user message and starts streaming the reply.
// Any turn already running for sessionID is aborted first. Cancelling ctx
// aborts this turn.
func (s *Service) SendMessageStream(ctx context.Context, userID uint64, sessionID string, content string) (*Turn, error) {
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	provider, err := s.providerForSession(ctx, sess)
	if err != nil {
		return nil, err
	}
	sp, ok := provider.(ai.StreamProvider)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	// waits for a replaced turn to finish, so its reply lands before this message
	turnCtx, release := s.tracker.Begin(ctx, sessionID)

	if err := s.repo.InsertMessage(ctx, &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleUser,
		Content:   content,
	}); err != nil {
		release()
		return nil, err
	}

	providerMsgs, err := s.contextMessages(ctx, userID, sessionID)
	if err != nil {
		release()
		return nil, err
	}

	updates := stream.NewLatest()
	outcome := make(chan StreamOutcome, 1)

	go s.runTurn(turnCtx, release, sp, providerMsgs, userID, sessionID, updates, outcome)

	return &Turn{Updates: updates.C(), Outcome: outcome}, nil
}

func (s *Service) runTurn(
	ctx context.Context,
	release func(),
	sp ai.StreamProvider,
	msgs []ai.Message,
	userID uint64,
	sessionID string,
	updates *stream.Latest,
	outcome chan<- StreamOutcome,
) {
	defer close(outcome)
	defer updates.Close()
	// releasing last lets a waiting turn start only after this one's writes
	defer release()

	start := time.Now()
	persistCtx := context.WithoutCancel(ctx)
	ctx, closeTransport := context.WithCancel(ctx)
	defer closeTransport()

	mirror := s.startMirror(ctx, func(ctx context.Context, text string) error {
		return s.live.SetLiveTranscript(ctx, sessionID, text)
	})

	var res stream.Result
	sess := stream.NewSession(stream.Callbacks{
		OnUpdate: func(text string) {
			updates.Put(text)
			mirror.put(text)
		},
		OnTerminal: func(r stream.Result) { res = r },
	}, closeTransport)

	chunks, errs := sp.StreamRaw(ctx, msgs)
	stream.Run(ctx, sess, chunks, errs)
	updates.Close()

	mirror.stop()
	if err := s.live.DeleteLiveTranscript(persistCtx, sessionID); err != nil {
		slog.Warn("chat: drop live transcript failed", "session_id", sessionID, "error", err)
	}

	out := StreamOutcome{Text: sess.Transcript()}
	switch sess.State() {
	case stream.StateCompleted:
		out.Status = stream.StatusSuccess
		out.Text = res.Transcript
	case stream.StateFailed:
		out.Status = stream.StatusError
		out.Text = res.Transcript
		out.Error = res.ErrorMessage
	default:
		out.Status = stream.StatusAborted
	}

	// aborted turns are dropped; failed ones keep whatever arrived
	if out.Status == stream.StatusSuccess || (out.Status == stream.StatusError && out.Text != "") {
		id, err := s.insertAssistant(persistCtx, userID, sessionID, out.Text)
		if err != nil {
			slog.Error("chat: store assistant reply failed", "session_id", sessionID, "error", err)
			if out.Status == stream.StatusSuccess {
				out.Status = stream.StatusError
				out.Error = "failed to save reply"
			}
		} else {
			out.MessageID = id
		}
	}

	attrs := []any{
		"session_id", sessionID,
		"status", string(out.Status),
		"chars", len(out.Text),
		"cost", time.Since(start).String(),
	}
	if cause := sess.Cause(); cause != nil {
		attrs = append(attrs, "error", cause)
	} else if out.Error != "" {
		attrs = append(attrs, "error", out.Error)
	}
	slog.Info("chat: turn finished", attrs...)

	outcome <- out
}

// AbortStream stops the running turn of sessionID. Nothing is stored for it.
func (s *Service) AbortStream(ctx context.Context, userID uint64, sessionID string) error {
	if err := s.ValidateSessionOwner(ctx, userID, sessionID); err != nil {
		return err
	}
	if !s.tracker.Abort(sessionID) {
		return ErrNoActiveStream
	}
	return nil
}

// LiveTranscript returns what the running turn of sessionID has produced so
// far. active is false when no turn is streaming.
func (s *Service) LiveTranscript(ctx context.Context, userID uint64, sessionID string) (text string, active bool, err error) {
	if err := s.ValidateSessionOwner(ctx, userID, sessionID); err != nil {
		return "", false, err
	}
	text, found, err := s.live.GetLiveTranscript(ctx, sessionID)
	if err != nil {
		return "", false, err
	}
	return text, found || s.tracker.Active(sessionID), nil
}

// mirror copies transcript snapshots to a slower store off the decode path.
type mirror struct {
	box  *stream.Latest
	done chan struct{}
}

func (s *Service) startMirror(ctx context.Context, write func(ctx context.Context, text string) error) *mirror {
	m := &mirror{box: stream.NewLatest(), done: make(chan struct{})}
	wctx := context.WithoutCancel(ctx)
	go func() {
		defer close(m.done)
		for text := range m.box.C() {
			if err := write(wctx, text); err != nil {
				slog.Warn("chat: mirror transcript failed", "error", err)
			}
		}
	}()
	return m
}

func (m *mirror) put(text string) { m.box.Put(text) }

// stop flushes the last snapshot and waits for the writer to finish.
func (m *mirror) stop() {
	m.box.Close()
	<-m.done
}
