package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/modelchat/internal/ai"
	"github.com/suPer8Hu/modelchat/internal/stream"
	"gorm.io/gorm"
)

type recordingProvider struct {
	last []ai.Message
}

func (p *recordingProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	_ = ctx
	// copy to avoid mutations
	p.last = append([]ai.Message(nil), messages...)
	return "ok", nil
}

// script is one scripted StreamRaw call.
type script struct {
	chunks []string
	err    error
	// hold keeps the stream open after the chunks until ctx is cancelled.
	hold bool
}

// rawProvider replays scripts in order, one per StreamRaw call.
type rawProvider struct {
	mu      sync.Mutex
	scripts []script
	calls   int
}

func (p *rawProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	chunks, errs := p.StreamRaw(ctx, messages)
	return stream.Collect(ctx, chunks, errs, cancel)
}

func (p *rawProvider) StreamRaw(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	p.mu.Lock()
	sc := p.scripts[p.calls%len(p.scripts)]
	p.calls++
	p.mu.Unlock()

	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range sc.chunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
		}
		if sc.hold {
			<-ctx.Done()
			return
		}
		if sc.err != nil {
			errs <- sc.err
		}
	}()
	return chunks, errs
}

type memLive struct {
	mu       sync.Mutex
	live     map[string]string
	jobs     map[string]string
	liveSets []string
	jobSets  []string
}

func newMemLive() *memLive {
	return &memLive{live: map[string]string{}, jobs: map[string]string{}}
}

func (m *memLive) SetLiveTranscript(_ context.Context, sessionID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[sessionID] = text
	m.liveSets = append(m.liveSets, text)
	return nil
}

func (m *memLive) GetLiveTranscript(_ context.Context, sessionID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.live[sessionID]
	return v, ok, nil
}

func (m *memLive) DeleteLiveTranscript(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, sessionID)
	return nil
}

func (m *memLive) SetJobProgress(_ context.Context, jobID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID] = text
	m.jobSets = append(m.jobSets, text)
	return nil
}

func (m *memLive) GetJobProgress(_ context.Context, jobID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.jobs[jobID]
	return v, ok, nil
}

func (m *memLive) DeleteJobProgress(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// turns write from their own goroutine
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Session{}, &Message{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fixture struct {
	db   *gorm.DB
	repo *Repo
	svc  *Service
	live *memLive
	sess *Session
}

func newFixture(t *testing.T, prov ai.Provider) *fixture {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)

	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})

	live := newMemLive()
	svc := NewService(repo, reg, 20, WithLiveStore(live))

	sess, err := svc.CreateSession(context.Background(), 1, "fake", "default")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return &fixture{db: db, repo: repo, svc: svc, live: live, sess: sess}
}

func (f *fixture) messages(t *testing.T) []Message {
	t.Helper()
	var msgs []Message
	if err := f.db.Where("session_id = ?", f.sess.SessionID).Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	return msgs
}

func waitOutcome(t *testing.T, turn *Turn) StreamOutcome {
	t.Helper()
	for range turn.Updates {
	}
	select {
	case out, ok := <-turn.Outcome:
		if !ok {
			t.Fatalf("outcome channel closed without a value")
		}
		return out
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for outcome")
	}
	return StreamOutcome{}
}

func nextUpdate(t *testing.T, turn *Turn) string {
	t.Helper()
	select {
	case v := <-turn.Updates:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for update")
	}
	return ""
}

func TestSendMessage_WritesUserAndAssistant(t *testing.T) {
	db := openTestDB(t)

	repo := NewRepo(db)

	prov := &recordingProvider{}
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})

	svc := NewService(repo, reg, 20)

	// create session
	sess := &Session{
		SessionID: "01TESTSESSIONID00000000000000",
		UserID:    1,
		Provider:  "fake",
		Model:     "default",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := repo.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	reply, assistantID, err := svc.SendMessage(context.Background(), 1, sess.SessionID, "Hello")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if reply != "ok" {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if assistantID == 0 {
		t.Fatalf("expected assistant message id to be set")
	}

	var msgs []Message
	if err := db.Where("session_id = ? AND user_id = ?", sess.SessionID, uint64(1)).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "Hello" {
		t.Fatalf("unexpected user msg: role=%q content=%q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "ok" {
		t.Fatalf("unexpected assistant msg: role=%q content=%q", msgs[1].Role, msgs[1].Content)
	}
}

func TestSendMessage_UsesContextWindow(t *testing.T) {
	db := openTestDB(t)

	repo := NewRepo(db)

	prov := &recordingProvider{}
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})

	window := 3
	svc := NewService(repo, reg, window)

	sess := &Session{
		SessionID: "01TESTSESSIONID00000000000001",
		UserID:    2,
		Provider:  "fake",
		Model:     "default",
	}
	if err := repo.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	// seed messages: 5 messages already in history
	for i := 0; i < 5; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := repo.InsertMessage(context.Background(), &Message{
			SessionID: sess.SessionID,
			UserID:    2,
			Role:      role,
			Content:   "seed",
		}); err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
	}

	// sending a new message: history grows, but provider should get only `window` most recent msgs
	_, _, err := svc.SendMessage(context.Background(), 2, sess.SessionID, "new")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	if len(prov.last) != window {
		t.Fatalf("expected provider to receive %d messages, got %d", window, len(prov.last))
	}
	// The newest message in provider input should be the user message we just sent.
	if prov.last[len(prov.last)-1].Role != "user" || prov.last[len(prov.last)-1].Content != "new" {
		t.Fatalf("expected last provider msg to be new user msg, got role=%q content=%q",
			prov.last[len(prov.last)-1].Role, prov.last[len(prov.last)-1].Content)
	}
}

func TestSendMessage_DecodesRawStream(t *testing.T) {
	f := newFixture(t, &rawProvider{scripts: []script{{
		chunks: []string{`data: {"text":"Hi"}` + "\x00" + `data: {"text":" there"}`, "data: [DONE]"},
	}}})

	reply, _, err := f.svc.SendMessage(context.Background(), 1, f.sess.SessionID, "hello")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if reply != "Hi there" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestSendMessageStream_Success(t *testing.T) {
	f := newFixture(t, &rawProvider{scripts: []script{{
		chunks: []string{
			`data: {"text":"Hel"}` + "\x00" + `data: {"text":"lo"}`,
			`{"text":"!","finish_reason":"stop"}`,
			`{"text":"ignored"}`,
		},
	}}})

	turn, err := f.svc.SendMessageStream(context.Background(), 1, f.sess.SessionID, "hi")
	if err != nil {
		t.Fatalf("send stream: %v", err)
	}
	out := waitOutcome(t, turn)

	if out.Status != stream.StatusSuccess || out.Text != "Hello!" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.MessageID == 0 {
		t.Fatalf("expected assistant message id")
	}

	msgs := f.messages(t)
	if len(msgs) != 2 || msgs[0].Content != "hi" || msgs[1].Content != "Hello!" || msgs[1].Role != RoleAssistant {
		t.Fatalf("unexpected history: %+v", msgs)
	}

	f.live.mu.Lock()
	defer f.live.mu.Unlock()
	if len(f.live.liveSets) == 0 || f.live.liveSets[len(f.live.liveSets)-1] != "Hello!" {
		t.Fatalf("expected live mirror to end at the full text, got %v", f.live.liveSets)
	}
	if _, ok := f.live.live[f.sess.SessionID]; ok {
		t.Fatalf("expected live transcript to be dropped after the turn")
	}
}

func TestSendMessageStream_BackendErrorKeepsPartial(t *testing.T) {
	f := newFixture(t, &rawProvider{scripts: []script{{
		chunks: []string{`{"text":"par"}`, `{"error":"CUDA out of memory"}`},
	}}})

	turn, err := f.svc.SendMessageStream(context.Background(), 1, f.sess.SessionID, "hi")
	if err != nil {
		t.Fatalf("send stream: %v", err)
	}
	out := waitOutcome(t, turn)

	if out.Status != stream.StatusError || out.Error != "CUDA out of memory" || out.Text != "par" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	msgs := f.messages(t)
	if len(msgs) != 2 || msgs[1].Content != "par" {
		t.Fatalf("expected partial reply to be stored, got %+v", msgs)
	}
}

func TestSendMessageStream_TransportErrorIsGeneric(t *testing.T) {
	f := newFixture(t, &rawProvider{scripts: []script{{
		chunks: []string{"plain text"},
		err:    io.ErrUnexpectedEOF,
	}}})

	turn, err := f.svc.SendMessageStream(context.Background(), 1, f.sess.SessionID, "hi")
	if err != nil {
		t.Fatalf("send stream: %v", err)
	}
	out := waitOutcome(t, turn)

	if out.Status != stream.StatusError || out.Error != stream.TransportErrorMessage || out.Text != "plain text" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestSendMessageStream_EmptyFailureStoresNothing(t *testing.T) {
	f := newFixture(t, &rawProvider{scripts: []script{{
		chunks: []string{`{"error":"model not loaded"}`},
	}}})

	turn, err := f.svc.SendMessageStream(context.Background(), 1, f.sess.SessionID, "hi")
	if err != nil {
		t.Fatalf("send stream: %v", err)
	}
	out := waitOutcome(t, turn)

	if out.Status != stream.StatusError || out.MessageID != 0 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if msgs := f.messages(t); len(msgs) != 1 {
		t.Fatalf("expected only the user message, got %d", len(msgs))
	}
}

func TestAbortStream_DropsTurn(t *testing.T) {
	f := newFixture(t, &rawProvider{scripts: []script{{
		chunks: []string{`{"text":"Hel"}`},
		hold:   true,
	}}})
	ctx := context.Background()

	turn, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, "hi")
	if err != nil {
		t.Fatalf("send stream: %v", err)
	}
	if got := nextUpdate(t, turn); got != "Hel" {
		t.Fatalf("unexpected update: %q", got)
	}

	text, active, err := f.svc.LiveTranscript(ctx, 1, f.sess.SessionID)
	if err != nil || !active {
		t.Fatalf("expected an active turn, got text=%q active=%v err=%v", text, active, err)
	}

	if err := f.svc.AbortStream(ctx, 1, f.sess.SessionID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	out := waitOutcome(t, turn)
	if out.Status != stream.StatusAborted || out.Text != "Hel" || out.MessageID != 0 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if msgs := f.messages(t); len(msgs) != 1 {
		t.Fatalf("aborted turn must not be stored, got %d messages", len(msgs))
	}

	if err := f.svc.AbortStream(ctx, 1, f.sess.SessionID); !errors.Is(err, ErrNoActiveStream) {
		t.Fatalf("expected ErrNoActiveStream, got %v", err)
	}
	if _, active, _ := f.svc.LiveTranscript(ctx, 1, f.sess.SessionID); active {
		t.Fatalf("expected no active turn after abort")
	}
}

func TestSendMessageStream_ContextCancelAborts(t *testing.T) {
	f := newFixture(t, &rawProvider{scripts: []script{{
		chunks: []string{"partial"},
		hold:   true,
	}}})

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, "hi")
	if err != nil {
		t.Fatalf("send stream: %v", err)
	}
	nextUpdate(t, turn)
	cancel()

	if out := waitOutcome(t, turn); out.Status != stream.StatusAborted {
		t.Fatalf("expected aborted, got %+v", out)
	}
}

func TestSendMessageStream_NewTurnAbortsPrevious(t *testing.T) {
	f := newFixture(t, &rawProvider{scripts: []script{
		{chunks: []string{`{"text":"first"}`}, hold: true},
		{chunks: []string{`{"text":"second","finish_reason":"stop"}`}},
	}})
	ctx := context.Background()

	first, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, "one")
	if err != nil {
		t.Fatalf("first stream: %v", err)
	}
	nextUpdate(t, first)

	second, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, "two")
	if err != nil {
		t.Fatalf("second stream: %v", err)
	}

	if out := waitOutcome(t, first); out.Status != stream.StatusAborted {
		t.Fatalf("expected first turn aborted, got %+v", out)
	}
	if out := waitOutcome(t, second); out.Status != stream.StatusSuccess || out.Text != "second" {
		t.Fatalf("unexpected second outcome: %+v", out)
	}

	msgs := f.messages(t)
	if len(msgs) != 3 || msgs[2].Content != "second" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
}

func TestSendMessageStream_ReplacedTurnReplyPrecedesNewMessage(t *testing.T) {
	f := newFixture(t, &rawProvider{scripts: []script{
		{chunks: []string{`{"text":"first","finish_reason":"stop"}`}},
		{chunks: []string{`{"text":"second","finish_reason":"stop"}`}},
	}})
	ctx := context.Background()

	first, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, "one")
	if err != nil {
		t.Fatalf("first stream: %v", err)
	}
	// the update and the finish arrive in one frame, so the first turn is
	// complete here but may still be storing its reply
	nextUpdate(t, first)
	second, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, "two")
	if err != nil {
		t.Fatalf("second stream: %v", err)
	}
	waitOutcome(t, first)
	waitOutcome(t, second)

	var got []string
	for _, m := range f.messages(t) {
		got = append(got, m.Content)
	}
	want := []string{"one", "first", "two", "second"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("history out of order: got %v, want %v", got, want)
	}
}

func TestSendMessageStream_ReplacedTurnLeavesNewLiveTranscript(t *testing.T) {
	f := newFixture(t, &rawProvider{scripts: []script{
		{chunks: []string{`{"text":"first"}`}, hold: true},
		{chunks: []string{`{"text":"second"}`}, hold: true},
	}})
	ctx := context.Background()

	first, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, "one")
	if err != nil {
		t.Fatalf("first stream: %v", err)
	}
	nextUpdate(t, first)

	second, err := f.svc.SendMessageStream(ctx, 1, f.sess.SessionID, "two")
	if err != nil {
		t.Fatalf("second stream: %v", err)
	}
	nextUpdate(t, second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		text, active, err := f.svc.LiveTranscript(ctx, 1, f.sess.SessionID)
		if err != nil {
			t.Fatalf("live transcript: %v", err)
		}
		if !active {
			t.Fatal("expected the second turn to be active")
		}
		if text == "second" {
			break
		}
		if text == "first" || time.Now().After(deadline) {
			t.Fatalf("expected live transcript of the second turn, got %q", text)
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.live.mu.Lock()
	sets := append([]string(nil), f.live.liveSets...)
	f.live.mu.Unlock()
	seenSecond := false
	for _, s := range sets {
		if s == "second" {
			seenSecond = true
		} else if seenSecond {
			t.Fatalf("replaced turn wrote after the new turn: %v", sets)
		}
	}

	if err := f.svc.AbortStream(ctx, 1, f.sess.SessionID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	waitOutcome(t, first)
	waitOutcome(t, second)
}

func TestSendMessageStream_Rejects(t *testing.T) {
	f := newFixture(t, &recordingProvider{})

	if _, err := f.svc.SendMessageStream(context.Background(), 1, f.sess.SessionID, "hi"); !errors.Is(err, ErrStreamingUnsupported) {
		t.Fatalf("expected ErrStreamingUnsupported, got %v", err)
	}
	if _, err := f.svc.SendMessageStream(context.Background(), 99, f.sess.SessionID, "hi"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}
	if msgs := f.messages(t); len(msgs) != 0 {
		t.Fatalf("rejected turns must not store messages, got %d", len(msgs))
	}
}

func TestClearConversation(t *testing.T) {
	f := newFixture(t, &recordingProvider{})
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c"} {
		if _, _, err := f.svc.InsertUserMessageOrGetExisting(ctx, 1, f.sess.SessionID, content, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	_ = f.live.SetLiveTranscript(ctx, f.sess.SessionID, "stale")

	n, err := f.svc.ClearConversation(ctx, 1, f.sess.SessionID)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted, got %d", n)
	}
	if msgs := f.messages(t); len(msgs) != 0 {
		t.Fatalf("expected empty history, got %d", len(msgs))
	}
	if _, ok, _ := f.live.GetLiveTranscript(ctx, f.sess.SessionID); ok {
		t.Fatalf("expected live transcript to be dropped")
	}

	if _, err := f.svc.ClearConversation(ctx, 2, f.sess.SessionID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}
}

func TestInsertUserMessageOrGetExisting(t *testing.T) {
	f := newFixture(t, &recordingProvider{})
	ctx := context.Background()
	key := "req-1"

	m1, created, err := f.svc.InsertUserMessageOrGetExisting(ctx, 1, f.sess.SessionID, "hello", &key)
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	m2, created, err := f.svc.InsertUserMessageOrGetExisting(ctx, 1, f.sess.SessionID, "hello", &key)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created || m2.ID != m1.ID {
		t.Fatalf("expected existing message %d, got %d created=%v", m1.ID, m2.ID, created)
	}
	if msgs := f.messages(t); len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
}

func TestGenerateAssistantReplyAndInsert_MirrorsJobProgress(t *testing.T) {
	f := newFixture(t, &rawProvider{scripts: []script{{
		chunks: []string{`{"type":"content","content":"Go"}`, `{"type":"content","content":"pher"}`, `{"type":"done","full_content":"Gopher."}`},
	}}})
	ctx := context.Background()

	if _, _, err := f.svc.InsertUserMessageOrGetExisting(ctx, 1, f.sess.SessionID, "name a mascot", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	reply, msgID, err := f.svc.GenerateAssistantReplyAndInsert(ctx, 1, f.sess.SessionID, "01JOB")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply != "Gopher." || msgID == 0 {
		t.Fatalf("unexpected reply=%q id=%d", reply, msgID)
	}

	f.live.mu.Lock()
	defer f.live.mu.Unlock()
	if len(f.live.jobSets) == 0 {
		t.Fatalf("expected job progress to be mirrored")
	}
	if _, ok := f.live.jobs["01JOB"]; ok {
		t.Fatalf("expected job progress to be dropped when done")
	}
}

func TestGenerateAssistantReplyAndInsert_BackendError(t *testing.T) {
	f := newFixture(t, &rawProvider{scripts: []script{{
		chunks: []string{`data: {"error":{"message":"rate limited"}}`},
	}}})

	_, _, err := f.svc.GenerateAssistantReplyAndInsert(context.Background(), 1, f.sess.SessionID, "01JOB")
	var be *stream.BackendError
	if !errors.As(err, &be) || be.Message != "rate limited" {
		t.Fatalf("expected backend error, got %v", err)
	}
	if msgs := f.messages(t); len(msgs) != 0 {
		t.Fatalf("failed job must not store a reply, got %d", len(msgs))
	}
}

func TestCreateJobOrGetExisting(t *testing.T) {
	f := newFixture(t, &recordingProvider{})
	ctx := context.Background()
	key := "job-key"

	j1 := &Job{ID: "01JOBA", UserID: 1, SessionID: f.sess.SessionID, Prompt: "p", IdempotencyKey: &key, Status: JobQueued}
	got, created, err := f.svc.CreateJobOrGetExisting(ctx, j1)
	if err != nil || !created || got.ID != "01JOBA" {
		t.Fatalf("first create: job=%+v created=%v err=%v", got, created, err)
	}

	j2 := &Job{ID: "01JOBB", UserID: 1, SessionID: f.sess.SessionID, Prompt: "p", IdempotencyKey: &key, Status: JobQueued}
	got, created, err = f.svc.CreateJobOrGetExisting(ctx, j2)
	if err != nil || created || got.ID != "01JOBA" {
		t.Fatalf("second create: job=%+v created=%v err=%v", got, created, err)
	}

	if err := f.repo.UpdateJobStatusRunning(ctx, "01JOBA"); err != nil {
		t.Fatalf("running: %v", err)
	}
	if err := f.repo.MarkJobFailed(ctx, "01JOBA", "boom"); err != nil {
		t.Fatalf("failed: %v", err)
	}
	j, err := f.svc.GetJob(ctx, "01JOBA")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != JobFailed || j.Error == nil || *j.Error != "boom" {
		t.Fatalf("unexpected job: %+v", j)
	}
}
