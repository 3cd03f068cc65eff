package server

import (
	"sync"

	"hapanel/internal/logging"
)

const logTailSize = 200

// logTail keeps the most recent log events for /api/logs.
type logTail struct {
	mu          sync.Mutex
	events      []logging.Event
	next        int
	full        bool
	unsubscribe func()
}

func newLogTail(size int) *logTail {
	return &logTail{events: make([]logging.Event, size)}
}

func (t *logTail) attach(logger *logging.Logger) {
	t.unsubscribe = logger.Subscribe(t.add)
}

func (t *logTail) detach() {
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
}

func (t *logTail) add(event logging.Event) {
	t.mu.Lock()
	t.events[t.next] = event
	t.next = (t.next + 1) % len(t.events)
	if t.next == 0 {
		t.full = true
	}
	t.mu.Unlock()
}

// snapshot returns the buffered events oldest first.
func (t *logTail) snapshot() []logging.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		out := make([]logging.Event, t.next)
		copy(out, t.events[:t.next])
		return out
	}
	out := make([]logging.Event, 0, len(t.events))
	out = append(out, t.events[t.next:]...)
	out = append(out, t.events[:t.next]...)
	return out
}
