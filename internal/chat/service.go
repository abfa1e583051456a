package chat

import (
	"context"
	"errors"
	"log/slog"

	"gorm.io/gorm"

	"github.com/suPer8Hu/modelchat/internal/ai"
	"github.com/suPer8Hu/modelchat/internal/stream"
)

var (
	ErrStreamingUnsupported = errors.New("provider does not support streaming")
	ErrNoActiveStream       = errors.New("no active stream")
)

// LiveStore mirrors in-flight transcripts for readers that are not attached
// to the stream (reconnecting clients, job pollers).
type LiveStore interface {
	SetLiveTranscript(ctx context.Context, sessionID, text string) error
	GetLiveTranscript(ctx context.Context, sessionID string) (string, bool, error)
	DeleteLiveTranscript(ctx context.Context, sessionID string) error
	SetJobProgress(ctx context.Context, jobID, text string) error
	GetJobProgress(ctx context.Context, jobID string) (string, bool, error)
	DeleteJobProgress(ctx context.Context, jobID string) error
}

type Option func(*Service)

func WithLiveStore(l LiveStore) Option {
	return func(s *Service) {
		if l != nil {
			s.live = l
		}
	}
}

type Service struct {
	repo              *Repo
	registry          *ai.Registry
	contextWindowSize int
	tracker           *stream.Tracker
	live              LiveStore
}

func NewService(repo *Repo, registry *ai.Registry, contextWindowSize int, opts ...Option) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	s := &Service{
		repo:              repo,
		registry:          registry,
		contextWindowSize: contextWindowSize,
		tracker:           stream.NewTracker(),
		live:              noopLive{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"
)

func (s *Service) CreateSession(ctx context.Context, userID uint64, provider, model string) (*Session, error) {
	if provider == "" {
		provider = defaultProvider
	}
	if model == "" {
		model = defaultModel
	}

	sid, err := NewSessionID()
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID: sid,
		UserID:    userID,
		Provider:  provider,
		Model:     model,
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Providers lists the provider names sessions can be created with.
func (s *Service) Providers() []string {
	return s.registry.Names()
}

func (s *Service) providerForSession(ctx context.Context, sess *Session) (ai.Provider, error) {
	p := sess.Provider
	m := sess.Model
	if p == "" {
		p = defaultProvider
	}
	if m == "" {
		m = defaultModel
	}
	return s.registry.Get(ctx, p, m)
}

// ownedSession loads sessionID and hides sessions of other users behind
// gorm.ErrRecordNotFound.
func (s *Service) ownedSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return sess, nil
}

// contextMessages returns the recent history in ASC order (oldest -> newest).
func (s *Service) contextMessages(ctx context.Context, userID uint64, sessionID string) ([]ai.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, userID, sessionID, s.contextWindowSize)
	if err != nil {
		return nil, err
	}
	providerMsgs := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		providerMsgs = append(providerMsgs, ai.Message{Role: m.Role, Content: m.Content})
	}
	return providerMsgs, nil
}

func (s *Service) insertAssistant(ctx context.Context, userID uint64, sessionID, content string) (uint64, error) {
	m := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleAssistant,
		Content:   content,
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return 0, err
	}
	return m.ID, nil
}

func (s *Service) SendMessage(ctx context.Context, userID uint64, sessionID string, content string) (reply string, assistantMsgID uint64, err error) {
	// 1) verify session ownership
	session, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}

	//  pick provider/model for this session
	provider, err := s.providerForSession(ctx, session)
	if err != nil {
		return "", 0, err
	}

	// 2) store user message (strong consistency)
	if err := s.repo.InsertMessage(ctx, &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleUser,
		Content:   content,
	}); err != nil {
		return "", 0, err
	}

	// 3) build provider messages from recent DB history
	providerMsgs, err := s.contextMessages(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}

	// 4) call provider
	reply, err = provider.Chat(ctx, providerMsgs)
	if err != nil {
		return "", 0, err
	}

	// 5) store assistant message (strong consistency)
	assistantMsgID, err = s.insertAssistant(ctx, userID, sessionID, reply)
	if err != nil {
		return "", 0, err
	}
	return reply, assistantMsgID, nil
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListMessages(ctx, userID, sessionID, limit, beforeID)
}

func (s *Service) ValidateSessionOwner(ctx context.Context, userID uint64, sessionID string) error {
	_, err := s.ownedSession(ctx, userID, sessionID)
	return err
}

func (s *Service) InsertUserMessageOrGetExisting(ctx context.Context, userID uint64, sessionID string, content string, key *string) (*Message, bool, error) {
	if err := s.ValidateSessionOwner(ctx, userID, sessionID); err != nil {
		return nil, false, err
	}
	return s.repo.InsertUserMessageOrGetExisting(ctx, userID, sessionID, content, key)
}

// ClearConversation stops any running turn and deletes the session history.
func (s *Service) ClearConversation(ctx context.Context, userID uint64, sessionID string) (int64, error) {
	if err := s.ValidateSessionOwner(ctx, userID, sessionID); err != nil {
		return 0, err
	}
	s.tracker.Abort(sessionID)
	if err := s.tracker.Wait(ctx, sessionID); err != nil {
		return 0, err
	}

	n, err := s.repo.DeleteMessages(ctx, userID, sessionID)
	if err != nil {
		return 0, err
	}
	if err := s.live.DeleteLiveTranscript(ctx, sessionID); err != nil {
		slog.Warn("chat: drop live transcript failed", "session_id", sessionID, "error", err)
	}
	return n, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

// JobProgress returns the partial reply of a running job, if any.
func (s *Service) JobProgress(ctx context.Context, jobID string) (string, bool, error) {
	return s.live.GetJobProgress(ctx, jobID)
}

// GenerateAssistantReplyAndInsert runs one job turn. Streaming providers are
// decoded through a stream.Session so progress can be mirrored under jobID.
func (s *Service) GenerateAssistantReplyAndInsert(ctx context.Context, userID uint64, sessionID, jobID string) (string, uint64, error) {
	// session ownership check + get session for provider routing
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}

	provider, err := s.providerForSession(ctx, sess)
	if err != nil {
		return "", 0, err
	}

	providerMsgs, err := s.contextMessages(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}

	var reply string
	if sp, ok := provider.(ai.StreamProvider); ok {
		reply, err = s.collectWithProgress(ctx, sp, providerMsgs, jobID)
	} else {
		reply, err = provider.Chat(ctx, providerMsgs)
	}
	if err != nil {
		return "", 0, err
	}

	msgID, err := s.insertAssistant(ctx, userID, sessionID, reply)
	if err != nil {
		return "", 0, err
	}
	return reply, msgID, nil
}

func (s *Service) collectWithProgress(ctx context.Context, sp ai.StreamProvider, msgs []ai.Message, jobID string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mirror := s.startMirror(ctx, func(ctx context.Context, text string) error {
		return s.live.SetJobProgress(ctx, jobID, text)
	})
	defer func() {
		mirror.stop()
		if err := s.live.DeleteJobProgress(context.WithoutCancel(ctx), jobID); err != nil {
			slog.Warn("chat: drop job progress failed", "job_id", jobID, "error", err)
		}
	}()

	var res stream.Result
	sess := stream.NewSession(stream.Callbacks{
		OnUpdate:   mirror.put,
		OnTerminal: func(r stream.Result) { res = r },
	}, cancel)

	chunks, errs := sp.StreamRaw(ctx, msgs)
	stream.Run(ctx, sess, chunks, errs)

	switch sess.State() {
	case stream.StateCompleted:
		return res.Transcript, nil
	case stream.StateFailed:
		return "", &stream.BackendError{Message: res.ErrorMessage, Partial: res.Transcript, Err: sess.Cause()}
	default:
		return "", stream.ErrAborted
	}
}

type noopLive struct{}

func (noopLive) SetLiveTranscript(context.Context, string, string) error { return nil }

func (noopLive) GetLiveTranscript(context.Context, string) (string, bool, error) {
	return "", false, nil
}

func (noopLive) DeleteLiveTranscript(context.Context, string) error { return nil }

func (noopLive) SetJobProgress(context.Context, string, string) error { return nil }

func (noopLive) GetJobProgress(context.Context, string) (string, bool, error) {
	return "", false, nil
}

func (noopLive) DeleteJobProgress(context.Context, string) error { return nil }
