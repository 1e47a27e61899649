// ABOUTME: Channel-based subscriptions over the sync manager
// ABOUTME: Buffered per-watcher channels, dropped events for slow readers, cleanup on ctx cancel

package syncer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/coven-context/internal/state"
)

// watchBufferSize is the channel buffer for each watcher.
const watchBufferSize = 64

// watcher forwards events to a channel without ever blocking delivery.
type watcher struct {
	mu        sync.Mutex
	ch        chan SyncEvent
	closed    bool
	contextID string
	logger    *slog.Logger
}

func (w *watcher) OnStateChange(old, new *state.State) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	ev := SyncEvent{
		ContextID: new.ID,
		Version:   new.Version,
		Old:       old,
		State:     new,
		Timestamp: new.UpdatedAt,
	}
	select {
	case w.ch <- ev:
	default:
		// Reader is behind; it must catch up through Get or history.
		w.logger.Debug("dropped event for slow watcher",
			"context_id", ev.ContextID,
			"version", ev.Version)
	}
	return nil
}

func (w *watcher) OnError(error) {}

func (w *watcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
}

// Watch returns a channel receiving the events of contextID, or of every
// context when contextID is empty, and the subscription id. The channel is
// closed on Unsubscribe, on Close, or when ctx is cancelled.
func (m *Manager) Watch(ctx context.Context, contextID string) (<-chan SyncEvent, string, error) {
	w := &watcher{
		ch:        make(chan SyncEvent, watchBufferSize),
		contextID: contextID,
		logger:    m.logger,
	}

	id, err := m.add(contextID, w)
	if err != nil {
		return nil, "", err
	}

	go func() {
		<-ctx.Done()
		m.Unsubscribe(id)
	}()

	return w.ch, id, nil
}
