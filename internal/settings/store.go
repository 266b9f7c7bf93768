package settings

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

// Persister saves accepted settings somewhere durable.
type Persister interface {
	Save(ctx context.Context, s Settings) error
}

// snapshot pairs settings with their parsed allowlist so the request path
// never re-parses CIDRs
type snapshot struct {
	settings Settings
	prefixes []netip.Prefix
}

// Store holds the active settings. Reads are lock free, updates are
// serialized so two concurrent saves cannot interleave apply and persist.
type Store struct {
	active atomic.Pointer[snapshot]

	mu        sync.Mutex
	persister Persister
	now       func() time.Time
	onUpdate  func(Settings)
}

type StoreOption func(*Store)

// WithPersister saves every accepted update before it becomes active.
func WithPersister(p Persister) StoreOption {
	return func(s *Store) { s.persister = p }
}

// WithOnUpdate is called after each successful update or external swap.
func WithOnUpdate(fn func(Settings)) StoreOption {
	return func(s *Store) { s.onUpdate = fn }
}

// WithStoreClock replaces time.Now for UpdatedAt stamps.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore validates initial and makes it active.
func NewStore(initial Settings, opts ...StoreOption) (*Store, error) {
	s := &Store{now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.swap(initial); err != nil {
		return nil, xerrors.Wrap(err, "initial settings")
	}
	return s, nil
}

func (s *Store) swap(next Settings) error {
	if err := Validate(next); err != nil {
		return err
	}
	prefixes, err := next.Prefixes()
	if err != nil {
		return xerrors.Wrap(err, "parse allowlist")
	}
	s.active.Store(&snapshot{settings: next.Clone(), prefixes: prefixes})
	return nil
}

// Get returns a copy of the active settings.
func (s *Store) Get() Settings {
	return s.active.Load().settings.Clone()
}

// SettingsRevision identifies the active settings by their update time,
// empty until the first update.
func (s *Store) SettingsRevision() string {
	t := s.active.Load().settings.UpdatedAt
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Allowlist returns the parsed allowlist. The slice is shared, do not modify it.
func (s *Store) Allowlist() []netip.Prefix {
	return s.active.Load().prefixes
}

// Update applies u to the active settings, persists the result and swaps it
// in. Validation failures come back as joined FieldErrors and leave the
// active settings untouched, as does a failed save.
func (s *Store) Update(ctx context.Context, u Update) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := u.Apply(s.Get())
	if err != nil {
		return Settings{}, err
	}
	next.UpdatedAt = s.now().UTC()

	if s.persister != nil {
		if err := s.persister.Save(ctx, next); err != nil {
			return Settings{}, xerrors.Wrap(err, "persist settings")
		}
	}
	if err := s.swap(next); err != nil {
		return Settings{}, err
	}
	if s.onUpdate != nil {
		s.onUpdate(next.Clone())
	}
	return next, nil
}

// Set replaces the active settings wholesale, used when another instance
// changed them. It does not persist.
func (s *Store) Set(next Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.swap(next); err != nil {
		return err
	}
	if s.onUpdate != nil {
		s.onUpdate(next.Clone())
	}
	return nil
}
