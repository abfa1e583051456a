package stream

import "sync"

// Latest is a single-slot mailbox for transcript snapshots. Put never blocks:
// a value the reader has not taken yet is replaced. After Close the last
// value is still delivered, then the channel is closed.
type Latest struct {
	mu     sync.Mutex
	ch     chan string
	closed bool
}

func NewLatest() *Latest {
	return &Latest{ch: make(chan string, 1)}
}

func (l *Latest) Put(v string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case <-l.ch:
	default:
	}
	l.ch <- v
}

func (l *Latest) C() <-chan string { return l.ch }

func (l *Latest) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}
