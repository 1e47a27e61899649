// ABOUTME: Ordered per-context delivery of committed state to subscribers
// ABOUTME: Commit path only enqueues; a drainer per context notifies outside all locks

package syncer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-context/internal/conflict"
	"github.com/2389/coven-context/internal/state"
)

const (
	// errorBufferSize is the capacity of the Errors channel.
	errorBufferSize = 64

	// allContexts keys subscriptions that observe every context.
	allContexts = ""
)

// ErrClosed is returned when subscribing to a closed manager.
var ErrClosed = errors.New("sync manager closed")

// Subscriber observes committed state. Callbacks run on the context's
// delivery goroutine, so a slow subscriber only delays later events of that
// context.
type Subscriber interface {
	OnStateChange(old, new *state.State) error
	OnError(err error)
}

// Funcs adapts plain functions to Subscriber. Nil fields are ignored.
type Funcs struct {
	Change func(old, new *state.State) error
	Error  func(err error)
}

func (f Funcs) OnStateChange(old, new *state.State) error {
	if f.Change == nil {
		return nil
	}
	return f.Change(old, new)
}

func (f Funcs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// SyncEvent is one committed transition queued for delivery.
type SyncEvent struct {
	ContextID string
	Version   uint64
	// Old is nil when the transition created the context.
	Old       *state.State
	State     *state.State
	Timestamp time.Time
}

type subscription struct {
	id        string
	seq       uint64
	contextID string
	sub       Subscriber
}

// item is either a state event or an error report.
type item struct {
	event *SyncEvent
	err   error
}

type queue struct {
	items []item
}

// Manager fans out committed state to subscribers.
type Manager struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	byID   map[string]subscription
	seq    uint64
	closed bool

	qmu     sync.Mutex
	queues  map[string]*queue
	pending int
	idle    chan struct{}

	errs     chan *state.SyncError
	resolver *conflict.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a manager routing conflicts to resolver. A nil resolver rejects
// every conflict. Pass nil logger for default.
func New(resolver *conflict.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = conflict.NewRegistry(logger)
	}
	return &Manager{
		subs:     make(map[string][]subscription),
		byID:     make(map[string]subscription),
		queues:   make(map[string]*queue),
		idle:     make(chan struct{}),
		errs:     make(chan *state.SyncError, errorBufferSize),
		resolver: resolver,
		logger:   logger.With("component", "syncer"),
		now:      time.Now,
	}
}

// Resolver returns the conflict registry conflicts are routed to.
func (m *Manager) Resolver() *conflict.Registry {
	return m.resolver
}

// Subscribe registers sub for events of contextID and returns its subscription id.
func (m *Manager) Subscribe(contextID string, sub Subscriber) (string, error) {
	if contextID == allContexts {
		return "", fmt.Errorf("%w: context id is required", state.ErrInvalidState)
	}
	return m.add(contextID, sub)
}

// SubscribeAll registers sub for events of every context.
func (m *Manager) SubscribeAll(sub Subscriber) (string, error) {
	return m.add(allContexts, sub)
}

func (m *Manager) add(contextID string, sub Subscriber) (string, error) {
	if sub == nil {
		return "", fmt.Errorf("%w: subscriber is required", state.ErrInvalidState)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}

	m.seq++
	s := subscription{
		id:        uuid.New().String(),
		seq:       m.seq,
		contextID: contextID,
		sub:       sub,
	}
	m.subs[contextID] = append(m.subs[contextID], s)
	m.byID[s.id] = s

	m.logger.Debug("subscriber added",
		"context_id", contextID,
		"sub_id", s.id)
	return s.id, nil
}

// Unsubscribe removes a subscription. Unknown ids are ignored. An event
// already being delivered may still reach the subscriber.
func (m *Manager) Unsubscribe(subID string) {
	m.mu.Lock()
	s, ok := m.byID[subID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byID, subID)
	m.subs[s.contextID] = slices.DeleteFunc(m.subs[s.contextID], func(x subscription) bool {
		return x.id == subID
	})
	if len(m.subs[s.contextID]) == 0 {
		delete(m.subs, s.contextID)
	}
	m.mu.Unlock()

	if c, ok := s.sub.(interface{ close() }); ok {
		c.close()
	}

	m.logger.Debug("subscriber removed",
		"context_id", s.contextID,
		"sub_id", subID)
}

// targets returns the subscribers of contextID in subscription order.
func (m *Manager) targets(contextID string) []subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]subscription, 0, len(m.subs[contextID])+len(m.subs[allContexts]))
	out = append(out, m.subs[contextID]...)
	out = append(out, m.subs[allContexts]...)
	slices.SortFunc(out, func(a, b subscription) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// Synchronize queues the transition from old to new for delivery. It never
// blocks on subscribers and may be called with store locks held.
func (m *Manager) Synchronize(old, new *state.State) {
	if new == nil {
		return
	}
	m.enqueue(new.ID, item{event: &SyncEvent{
		ContextID: new.ID,
		Version:   new.Version,
		Old:       old.Clone(),
		State:     new.Clone(),
		Timestamp: m.now().UTC(),
	}})
}

// ReportError queues err for the OnError callbacks of contextID's subscribers.
func (m *Manager) ReportError(contextID string, err error) {
	if err == nil {
		return
	}
	m.enqueue(contextID, item{err: err})
}

// RouteConflict hands c to the conflict resolver. Failures are also reported
// to the context's subscribers.
func (m *Manager) RouteConflict(ctx context.Context, c *state.Conflict) (*state.Resolution, error) {
	res, err := m.resolver.Resolve(ctx, c)
	if err != nil {
		m.ReportError(c.ContextID, err)
		return nil, err
	}
	return res, nil
}

func (m *Manager) enqueue(contextID string, it item) {
	m.qmu.Lock()
	defer m.qmu.Unlock()

	m.pending++
	q, running := m.queues[contextID]
	if !running {
		q = &queue{}
		m.queues[contextID] = q
	}
	q.items = append(q.items, it)
	if !running {
		go m.drain(contextID, q)
	}
}

// drain delivers the items of one context until its queue is empty.
func (m *Manager) drain(contextID string, q *queue) {
	for {
		m.qmu.Lock()
		if len(q.items) == 0 {
			delete(m.queues, contextID)
			m.qmu.Unlock()
			return
		}
		it := q.items[0]
		q.items[0] = item{}
		q.items = q.items[1:]
		m.qmu.Unlock()

		m.deliver(contextID, it)

		m.qmu.Lock()
		m.pending--
		if m.pending == 0 {
			close(m.idle)
			m.idle = make(chan struct{})
		}
		m.qmu.Unlock()
	}
}

func (m *Manager) deliver(contextID string, it item) {
	for _, s := range m.targets(contextID) {
		if it.err != nil {
			m.notifyError(s, it.err)
			continue
		}
		if err := m.notify(s, it.event); err != nil {
			m.fail(&state.SyncError{
				ContextID:  contextID,
				Version:    it.event.Version,
				Subscriber: s.id,
				Err:        err,
			})
		}
	}
}

func (m *Manager) notify(s subscription, ev *SyncEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return s.sub.OnStateChange(ev.Old.Clone(), ev.State.Clone())
}

func (m *Manager) notifyError(s subscription, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("subscriber panicked handling error",
				"sub_id", s.id,
				"panic", r)
		}
	}()
	s.sub.OnError(err)
}

func (m *Manager) fail(serr *state.SyncError) {
	m.logger.Warn("subscriber notification failed",
		"context_id", serr.ContextID,
		"version", serr.Version,
		"sub_id", serr.Subscriber,
		"error", serr.Err)

	select {
	case m.errs <- serr:
	default:
		m.logger.Debug("dropped sync error, channel full",
			"context_id", serr.ContextID,
			"sub_id", serr.Subscriber)
	}
}

// Errors returns the side channel of subscriber failures. Errors are dropped
// when nobody drains the channel.
func (m *Manager) Errors() <-chan *state.SyncError {
	return m.errs
}

// Flush waits until every queued item has been delivered.
func (m *Manager) Flush(ctx context.Context) error {
	for {
		m.qmu.Lock()
		if m.pending == 0 {
			m.qmu.Unlock()
			return nil
		}
		idle := m.idle
		m.qmu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting subscriptions, waits for queued deliveries and
// removes every subscriber.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	err := m.Flush(ctx)

	m.mu.RLock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Unsubscribe(id)
	}

	m.logger.Debug("sync manager closed")
	return err
}
