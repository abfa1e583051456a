package stream

import (
	"context"
	"strings"
	"sync"
)

type turn struct {
	id      uint64
	cancel  context.CancelFunc
	done    chan struct{}
	aborted bool
}

// Tracker keeps at most one active turn per conversation key. Starting a new
// turn cancels the previous one; cancellation is "stop listening and drop".
// A turn counts until its release is called, so side effects of a cancelled
// turn (storing a reply, clearing its live transcript) finish before the turn
// that replaced it starts.
type Tracker struct {
	mu    sync.Mutex
	seq   uint64
	turns map[string]*turn
}

func NewTracker() *Tracker {
	return &Tracker{turns: make(map[string]*turn)}
}

// Begin registers a new turn for key and returns its context. The previous
// turn for key, if any, is cancelled and Begin waits for it to be released,
// or for parent to end. release must be called once the turn has no more
// side effects; it does not touch a newer turn that replaced this one.
func (t *Tracker) Begin(parent context.Context, key string) (ctx context.Context, release func()) {
	key = strings.TrimSpace(key)
	ctx, cancel := context.WithCancel(parent)
	cur := &turn{cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	prev := t.turns[key]
	t.seq++
	cur.id = t.seq
	t.turns[key] = cur
	t.mu.Unlock()

	if prev != nil {
		prev.cancel()
		select {
		case <-prev.done:
		case <-parent.Done():
		}
	}

	var once sync.Once
	release = func() {
		once.Do(func() {
			cancel()
			t.mu.Lock()
			if t.turns[key] == cur {
				delete(t.turns, key)
			}
			t.mu.Unlock()
			close(cur.done)
		})
	}
	return ctx, release
}

// Abort cancels the active turn for key. It reports whether one existed.
// The turn stays tracked until released; see Wait.
func (t *Tracker) Abort(key string) bool {
	key = strings.TrimSpace(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.turns[key]
	if !ok || cur.aborted {
		return false
	}
	cur.aborted = true
	cur.cancel()
	return true
}

// Wait blocks until the turn tracked for key, if any, is released.
func (t *Tracker) Wait(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	t.mu.Lock()
	cur, ok := t.turns[key]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-cur.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether key has a running turn that was not aborted.
func (t *Tracker) Active(key string) bool {
	key = strings.TrimSpace(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.turns[key]
	return ok && !cur.aborted
}
