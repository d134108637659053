package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExists   = errors.New("session already exists")
)

// Port is the storage boundary the registry persists through. Implementations
// must return ErrNotFound (possibly wrapped) from Load for absent ids.
type Port interface {
	Load(ctx context.Context, id string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]*Record, error)
}

// Registry owns the in-memory cache of live sessions and writes through an
// optional storage port. A nil port keeps sessions purely in memory.
type Registry struct {
	mu           sync.Mutex
	cache        map[string]*State
	port         Port
	historyLimit int
	now          func() time.Time
}

type RegistryOption func(*Registry)

func WithHistoryLimit(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

// WithClock overrides the registry's time source. Used by tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(port Port, opts ...RegistryOption) *Registry {
	r := &Registry{
		cache:        make(map[string]*State),
		port:         port,
		historyLimit: 10,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new session. Creation is check-then-insert under the
// registry lock so two concurrent creates of the same id cannot both succeed.
func (r *Registry) Create(ctx context.Context, id, lessonRef, userRef string, difficulty int, language string) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cache[id]; ok {
		return nil, fmt.Errorf("create session %q: %w", id, ErrExists)
	}
	if r.port != nil {
		if _, err := r.port.Load(ctx, id); err == nil {
			return nil, fmt.Errorf("create session %q: %w", id, ErrExists)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("create session %q: %w", id, err)
		}
	}

	st := newState(id, lessonRef, userRef, difficulty, language, r.historyLimit, r.now)
	r.cache[id] = st
	if r.port != nil {
		if err := r.port.Save(ctx, st.Snapshot()); err != nil {
			delete(r.cache, id)
			return nil, fmt.Errorf("persist session %q: %w", id, err)
		}
	}
	return st, nil
}

// Get returns the cached session or rehydrates it from storage.
func (r *Registry) Get(ctx context.Context, id string) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.cache[id]; ok {
		return st, nil
	}
	if r.port == nil {
		return nil, fmt.Errorf("get session %q: %w", id, ErrNotFound)
	}
	rec, err := r.port.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("get session %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get session %q: %w", id, err)
	}
	st := stateFromRecord(rec, r.historyLimit, r.now)
	r.cache[id] = st
	return st, nil
}

// Update writes the session's current snapshot through the storage port.
func (r *Registry) Update(ctx context.Context, st *State) error {
	if r.port == nil {
		return nil
	}
	if err := r.port.Save(ctx, st.Snapshot()); err != nil {
		return fmt.Errorf("persist session %q: %w", st.ID(), err)
	}
	return nil
}

// Delete drops the session from cache and storage, reporting whether it existed.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	_, cached := r.cache[id]
	delete(r.cache, id)
	r.mu.Unlock()

	if r.port == nil {
		return cached, nil
	}
	stored, err := r.port.Delete(ctx, id)
	if err != nil {
		return cached, fmt.Errorf("delete session %q: %w", id, err)
	}
	return cached || stored, nil
}

// Exists reports whether the id is cached or present in storage.
func (r *Registry) Exists(ctx context.Context, id string) bool {
	r.mu.Lock()
	_, cached := r.cache[id]
	r.mu.Unlock()
	if cached {
		return true
	}
	if r.port == nil {
		return false
	}
	_, err := r.port.Load(ctx, id)
	return err == nil
}

// List returns snapshots of all known sessions, storage first, with cached
// live state taking precedence over its stored copy.
func (r *Registry) List(ctx context.Context) ([]*Record, error) {
	byID := make(map[string]*Record)
	var order []string

	if r.port != nil {
		recs, err := r.port.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		for _, rec := range recs {
			byID[rec.ID] = rec
			order = append(order, rec.ID)
		}
	}

	r.mu.Lock()
	for id, st := range r.cache {
		if _, ok := byID[id]; !ok {
			order = append(order, id)
		}
		byID[id] = st.Snapshot()
	}
	r.mu.Unlock()

	out := make([]*Record, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}
