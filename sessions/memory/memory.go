// Package memory provides an in-process sessions.Store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/airtable-mcp-server/sessions"
)

var _ sessions.Store = (*Store)(nil)

// Store keeps records in a map. Expired records are removed lazily when
// they are next looked up.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]entry
}

type entry struct {
	rec       sessions.Record
	expiresAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store whose records live for ttl after their last touch.
// A ttl of zero or less disables expiry.
func New(ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(ctx context.Context, rec sessions.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.liveLocked(rec.ID); ok {
		return sessions.ErrSessionExists
	}
	s.records[rec.ID] = entry{rec: rec, expiresAt: s.deadline()}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (sessions.Record, error) {
	if err := ctx.Err(); err != nil {
		return sessions.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(id)
	if !ok {
		return sessions.Record{}, sessions.ErrSessionNotFound
	}
	return e.rec, nil
}

func (s *Store) Touch(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(id)
	if !ok {
		return sessions.ErrSessionNotFound
	}
	e.expiresAt = s.deadline()
	s.records[id] = e
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.liveLocked(id); !ok {
		return sessions.ErrSessionNotFound
	}
	delete(s.records, id)
	return nil
}

// Len reports the number of records, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) liveLocked(id string) (entry, bool) {
	e, ok := s.records[id]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.records, id)
		return entry{}, false
	}
	return e, true
}

func (s *Store) deadline() time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(s.ttl)
}
