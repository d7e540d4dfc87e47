package observer

import (
	"context"
	"log/slog"
	"sync"
)

// Tracker knows every open observer session so shutdown can force-close them
// all. Leaving them open would stall process exit on the HTTP server's idle
// connection handling.
type Tracker struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[*Session]struct{})}
}

func (t *Tracker) add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s] = struct{}{}
}

func (t *Tracker) remove(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, s)
}

// Len returns the number of currently open sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// CloseAll force-closes every open session concurrently and waits for them,
// bounded by the context deadline. Closing an already-closed session is a
// no-op, so racing with normal disconnects is fine.
func (t *Tracker) CloseAll(ctx context.Context) {
	t.mu.Lock()
	open := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		open = append(open, s)
	}
	t.mu.Unlock()

	if len(open) == 0 {
		return
	}
	slog.Info("closing observer sessions", "count", len(open))

	var wg sync.WaitGroup
	for _, s := range open {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("timed out waiting for observer sessions to close")
	}
}
