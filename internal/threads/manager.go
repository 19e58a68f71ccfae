// Package threads keeps the session's view of conversation threads: which
// exist and which is selected. A local snapshot makes the view available
// before the remote listing arrives; the remote listing is authoritative for
// existence and timestamps.
package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kalambet/threadgate/internal/langgraph"
	"github.com/kalambet/threadgate/internal/storage"
)

// Snapshot keys in the KV store.
const (
	ThreadsKey = "assistant-threads"
	CurrentKey = "current-thread-id"
)

const (
	remoteListLimit    = 100
	defaultActivityTTL = 10 * time.Second
)

// ErrClosed is returned by operations on a closed Manager.
var ErrClosed = errors.New("thread manager closed")

// Remote lists threads known to the backend.
type Remote interface {
	SearchThreads(ctx context.Context, req langgraph.SearchRequest) ([]langgraph.Thread, error)
}

// Manager owns the thread collection and selection for one session.
//
// Every mutation is a message handled by a single goroutine, in arrival order.
// Remote calls run on the caller's goroutine and their results are queued when
// they resolve, so when two reconciliations race the one that resolves last
// wins, regardless of which started first.
type Manager struct {
	store    storage.KV
	remote   Remote
	now      func() time.Time
	logger   *slog.Logger
	activity *cache.Cache

	ops       chan func(*state)
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// state is only touched by the run goroutine.
type state struct {
	threads  []Record
	current  string
	inflight int
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithActivityTTL sets how long remote activity timestamps are reused by
// UpdateThreadActivity before the listing is fetched again.
func WithActivityTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.activity = cache.New(ttl, 2*ttl) }
}

// NewManager starts a Manager. Callers must Close it at session end.
// The manager starts empty; call LoadFromSnapshot and then LoadFromRemote.
func NewManager(store storage.KV, remote Remote, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		remote:   remote,
		now:      time.Now,
		logger:   slog.Default(),
		activity: cache.New(defaultActivityTTL, 2*defaultActivityTTL),
		ops:      make(chan func(*state)),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.done)
	var s state
	for {
		select {
		case <-m.quit:
			return
		case fn := <-m.ops:
			fn(&s)
		}
	}
}

// Close stops the manager. Pending callers receive ErrClosed.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.quit) })
	<-m.done
	return nil
}

// do runs fn on the manager goroutine and waits for it to finish.
func (m *Manager) do(ctx context.Context, fn func(*state)) error {
	ack := make(chan struct{})
	op := func(s *state) {
		fn(s)
		close(ack)
	}
	select {
	case m.ops <- op:
	case <-m.done:
		return ErrClosed
	case <-m.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ack
	return nil
}

// State returns a copy of the current view.
func (m *Manager) State(ctx context.Context) (State, error) {
	var out State
	err := m.do(ctx, func(s *state) {
		out = State{
			Threads:         slices.Clone(s.threads),
			CurrentThreadID: s.current,
			Loading:         s.inflight > 0,
		}
	})
	return out, err
}

// CurrentThreadID returns the selected thread id, or "" when none is selected.
func (m *Manager) CurrentThreadID(ctx context.Context) (string, error) {
	var id string
	err := m.do(ctx, func(s *state) { id = s.current })
	return id, err
}

// LoadFromSnapshot replaces the view with the persisted snapshot. Storage and
// decoding failures are logged and leave an empty view; only ErrClosed and
// context errors are returned.
func (m *Manager) LoadFromSnapshot(ctx context.Context) error {
	return m.do(ctx, func(s *state) {
		s.threads, s.current = nil, ""

		raw, err := m.store.Get(ctx, ThreadsKey)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			m.logger.Error("failed to load threads from snapshot", "error", err)
			return
		default:
			var records []Record
			if err := json.Unmarshal([]byte(raw), &records); err != nil {
				m.logger.Error("failed to decode thread snapshot", "error", err)
				return
			}
			s.threads = dedupe(records)
		}

		current, err := m.store.Get(ctx, CurrentKey)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			m.logger.Error("failed to load current thread from snapshot", "error", err)
		default:
			s.current = current
		}
	})
}

// LoadFromRemote replaces the view with the backend's thread listing. The
// current selection is kept if still listed, otherwise the most recently
// active thread is selected (or none). On failure the view is unchanged and
// the error is returned so the caller can fall back to the snapshot.
func (m *Manager) LoadFromRemote(ctx context.Context) error {
	if err := m.do(ctx, func(s *state) { s.inflight++ }); err != nil {
		return err
	}

	list, fetchErr := m.remote.SearchThreads(ctx, langgraph.SearchRequest{Limit: remoteListLimit})

	// The in-flight counter must be released even if ctx is already done.
	err := m.do(context.WithoutCancel(ctx), func(s *state) {
		s.inflight--
		if fetchErr != nil {
			return
		}
		records := fromRemote(list, m.now())
		m.rememberActivity(records)
		s.threads = records
		if s.current == "" || indexOf(records, s.current) < 0 {
			s.current = ""
			if len(records) > 0 {
				s.current = records[0].ID
			}
		}
		m.persist(s)
	})
	if err != nil {
		return err
	}
	if fetchErr != nil {
		m.logger.Error("failed to load threads from remote", "error", fetchErr)
		return fmt.Errorf("loading threads from remote: %w", fetchErr)
	}
	return nil
}

// AddThread inserts a thread at the front (replacing any record with the same
// id) and selects it. An empty title derives one from the id.
func (m *Manager) AddThread(ctx context.Context, id, title string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if title == "" {
		title = FormatTitle(id)
	}
	now := m.now()
	rec := Record{ID: id, Title: title, CreatedAt: now, LastActive: now}
	return m.do(ctx, func(s *state) {
		s.threads = append([]Record{rec}, slices.DeleteFunc(s.threads, func(r Record) bool { return r.ID == id })...)
		s.current = id
		m.persist(s)
	})
}

// RemoveThread drops a thread locally and clears the selection if it pointed
// at it. It never calls the backend.
func (m *Manager) RemoveThread(ctx context.Context, id string) error {
	return m.do(ctx, func(s *state) {
		s.threads = slices.DeleteFunc(s.threads, func(r Record) bool { return r.ID == id })
		if s.current == id {
			s.current = ""
		}
		m.activity.Delete(id)
		m.persist(s)
	})
}

// SetCurrentThread selects id even if it is not (yet) known locally; the next
// successful LoadFromRemote repairs a dangling selection.
func (m *Manager) SetCurrentThread(ctx context.Context, id string) error {
	return m.do(ctx, func(s *state) {
		s.current = id
		m.persist(s)
	})
}

// UpdateThreadActivity sets a thread's last activity and selects it. A zero
// at looks the value up in the remote listing, falling back to now. The
// collection order is left unchanged.
func (m *Manager) UpdateThreadActivity(ctx context.Context, id string, at time.Time) error {
	if at.IsZero() {
		at = m.remoteActivity(ctx, id)
	}
	return m.do(ctx, func(s *state) {
		if i := indexOf(s.threads, id); i >= 0 {
			s.threads[i].LastActive = at
		}
		s.current = id
		m.persist(s)
	})
}

// UpdateThreadTitle overwrites a thread's title.
func (m *Manager) UpdateThreadTitle(ctx context.Context, id, title string) error {
	return m.do(ctx, func(s *state) {
		if i := indexOf(s.threads, id); i >= 0 {
			s.threads[i].Title = title
		}
		m.persist(s)
	})
}

func (m *Manager) rememberActivity(records []Record) {
	for _, r := range records {
		m.activity.SetDefault(r.ID, r.LastActive)
	}
}

func (m *Manager) remoteActivity(ctx context.Context, id string) time.Time {
	if v, ok := m.activity.Get(id); ok {
		return v.(time.Time)
	}
	list, err := m.remote.SearchThreads(ctx, langgraph.SearchRequest{Limit: remoteListLimit})
	if err != nil {
		m.logger.Warn("failed to look up thread activity, using current time", "thread_id", id, "error", err)
		return m.now()
	}
	records := fromRemote(list, m.now())
	m.rememberActivity(records)
	if i := indexOf(records, id); i >= 0 {
		return records[i].LastActive
	}
	return m.now()
}

// persist writes the snapshot. Failures are logged; in-memory state stays
// authoritative for the rest of the session.
func (m *Manager) persist(s *state) {
	ctx := context.Background()

	records := s.threads
	if records == nil {
		records = []Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		m.logger.Error("failed to encode thread snapshot", "error", err)
	} else if err := m.store.Set(ctx, ThreadsKey, string(data)); err != nil {
		m.logger.Error("failed to save threads to snapshot", "error", err)
	}

	if s.current == "" {
		err = m.store.Delete(ctx, CurrentKey)
	} else {
		err = m.store.Set(ctx, CurrentKey, s.current)
	}
	if err != nil {
		m.logger.Error("failed to save current thread to snapshot", "error", err)
	}
}
