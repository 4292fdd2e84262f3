// Package session holds in-memory conversation history keyed by session id.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one utterance. Turns are values and are never modified once appended.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a read-only snapshot of one conversation.
type Session struct {
	ID         string    `json:"session_id"`
	Turns      []Turn    `json:"messages"`
	LastActive time.Time `json:"last_activity"`
	// Errors counts failed requests by error kind.
	Errors map[string]int `json:"error_summary"`
}

// Summary is the per-session line reported by diagnostics.
type Summary struct {
	ID           string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	LastActive   time.Time `json:"last_activity"`
	ErrorCount   int       `json:"error_count"`
}

// Clock abstracts time for eviction tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type entry struct {
	mu         sync.Mutex
	turns      []Turn
	errors     map[string]int
	lastActive time.Time

	// sem is the per-session request lock; refs counts holders and waiters
	// and is only touched under Store.mu.
	sem  chan struct{}
	refs int
}

// Store maps session ids to their history. Appends to one session are
// serialized; distinct sessions never contend beyond the map lookup.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	clock    Clock
	idleTTL  time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIdleTTL enables eviction of sessions idle for longer than ttl.
func WithIdleTTL(ttl time.Duration) Option {
	return func(s *Store) { s.idleTTL = ttl }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*entry),
		clock:    systemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// getOrCreateLocked must be called with s.mu held.
func (s *Store) getOrCreateLocked(id string) *entry {
	e, ok := s.sessions[id]
	if ok {
		return e
	}
	e = &entry{sem: make(chan struct{}, 1), lastActive: s.clock.Now()}
	s.sessions[id] = e
	metrics.SessionsActive.Set(float64(len(s.sessions)))
	return e
}

func (s *Store) entry(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(id)
}

// GetOrCreate returns a snapshot of the session, creating it if unseen.
func (s *Store) GetOrCreate(id string) Session {
	return s.entry(id).snapshot(id)
}

// Get returns a snapshot of an existing session.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return Session{ID: id}, false
	}
	return e.snapshot(id), true
}

// Append adds a turn to the end of the session, creating it if needed.
func (s *Store) Append(id string, t Turn) {
	e := s.entry(id)
	if t.Timestamp.IsZero() {
		t.Timestamp = s.clock.Now()
	}
	e.mu.Lock()
	e.turns = append(e.turns, t)
	e.lastActive = s.clock.Now()
	e.mu.Unlock()
}

// RecordError counts a failed request against an existing session. Unknown
// sessions are not created.
func (s *Store) RecordError(id, kind string) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.errors == nil {
		e.errors = make(map[string]int)
	}
	e.errors[kind]++
	e.mu.Unlock()
}

// Recent returns up to n of the most recent turns, oldest first.
func (s *Store) Recent(id string, n int) []Turn {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	start := max(0, len(e.turns)-n)
	out := make([]Turn, len(e.turns)-start)
	copy(out, e.turns[start:])
	return out
}

// Lock acquires exclusive use of a session until the returned function is
// called. It returns ctx.Err() if ctx ends first. Calling unlock more than
// once is safe.
func (s *Store) Lock(ctx context.Context, id string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	e := s.getOrCreateLocked(id)
	e.refs++
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		e.refs--
		s.mu.Unlock()
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			release()
		})
	}, nil
}

// Delete removes a session and its history. It reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return false
	}
	if e.refs > 0 {
		// In use: clear history but keep the entry so the lock stays valid.
		e.mu.Lock()
		e.turns = nil
		e.errors = nil
		e.mu.Unlock()
		return true
	}
	delete(s.sessions, id)
	metrics.SessionsActive.Set(float64(len(s.sessions)))
	return true
}

// Len reports the number of sessions held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stats summarizes every session, most recently active first.
func (s *Store) Stats() []Summary {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	entries := make([]*entry, 0, len(s.sessions))
	for id, e := range s.sessions {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]Summary, len(entries))
	for i, e := range entries {
		e.mu.Lock()
		n := 0
		for _, c := range e.errors {
			n += c
		}
		out[i] = Summary{ID: ids[i], MessageCount: len(e.turns), LastActive: e.lastActive, ErrorCount: n}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActive.Equal(out[j].LastActive) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out
}

// TotalTurns counts turns across all sessions.
func (s *Store) TotalTurns() int {
	n := 0
	for _, sum := range s.Stats() {
		n += sum.MessageCount
	}
	return n
}

// Sweep evicts sessions idle longer than the configured TTL that nobody
// holds or waits on. It returns the number evicted.
func (s *Store) Sweep() int {
	if s.idleTTL <= 0 {
		return 0
	}
	cutoff := s.clock.Now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, e := range s.sessions {
		if e.refs > 0 {
			continue
		}
		e.mu.Lock()
		idle := e.lastActive.Before(cutoff)
		e.mu.Unlock()
		if !idle {
			continue
		}
		delete(s.sessions, id)
		evicted++
	}
	if evicted > 0 {
		metrics.SessionsEvicted.Add(float64(evicted))
		metrics.SessionsActive.Set(float64(len(s.sessions)))
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if s.idleTTL <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				slog.Info("sessions_evicted", "count", n, "remaining", s.Len())
			}
		}
	}
}

func (e *entry) snapshot(id string) Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	turns := make([]Turn, len(e.turns))
	copy(turns, e.turns)
	errs := make(map[string]int, len(e.errors))
	for k, v := range e.errors {
		errs[k] = v
	}
	return Session{ID: id, Turns: turns, LastActive: e.lastActive, Errors: errs}
}
