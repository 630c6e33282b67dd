// Package session keeps the live per-user dialog sessions.
//
// Every user has one entry. Reads return copies; writes replace the whole
// value under the entry lock, so readers never observe a half-applied
// change. Persistence happens after the in-memory swap and outside the field
// lock, serialized per user so the store always ends up with the latest value.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appLog "calbot/internal/log"
	"calbot/internal/model"
)

// Store is the durable backing for sessions.
type Store interface {
	LoadSession(ctx context.Context, userID int64) (model.Session, bool, error)
	SaveSession(ctx context.Context, sess model.Session) error
	AllSessions(ctx context.Context) ([]model.Session, error)
}

type entry struct {
	mu   sync.Mutex // guards sess
	sess model.Session

	// persistMu orders writes to the store for this user.
	persistMu sync.Mutex

	// resolveMu serializes calendar-reference resolution.
	resolveMu sync.Mutex
}

// Registry owns all sessions of the process.
type Registry struct {
	store Store
	now   func() time.Time

	mu      sync.Mutex
	entries map[int64]*entry
}

// NewRegistry returns an empty registry backed by store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:   store,
		now:     time.Now,
		entries: make(map[int64]*entry),
	}
}

// LoadAll pulls every persisted session into memory so the reminder poller
// sees users that have not written since the last restart.
func (r *Registry) LoadAll(ctx context.Context) error {
	all, err := r.store.AllSessions(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range all {
		if _, ok := r.entries[s.UserID]; ok {
			continue
		}
		r.entries[s.UserID] = &entry{sess: sanitize(s)}
	}
	appLog.Info("sessions loaded", "count", len(all))
	return nil
}

// Get returns a copy of the user's session, creating the default session on
// first contact.
func (r *Registry) Get(ctx context.Context, userID int64) (model.Session, error) {
	e, err := r.entry(ctx, userID)
	if err != nil {
		return model.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess, nil
}

// Update applies fn to a copy of the session, swaps it in and persists it.
// The returned value is the session as stored.
func (r *Registry) Update(ctx context.Context, userID int64, fn func(*model.Session)) (model.Session, error) {
	e, err := r.entry(ctx, userID)
	if err != nil {
		return model.Session{}, err
	}

	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	next := e.sess
	fn(&next)
	next.UserID = userID
	next.UpdatedAt = r.now().UTC()
	e.sess = next
	e.mu.Unlock()

	if err := r.store.SaveSession(ctx, next); err != nil {
		return next, fmt.Errorf("persist session %d: %w", userID, err)
	}
	return next, nil
}

// Snapshot copies every known session, ordered by user id.
func (r *Registry) Snapshot() []model.Session {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]model.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.sess)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// LockResolve acquires the user's calendar-resolution lock. Callers must
// invoke the returned function to release it.
func (r *Registry) LockResolve(ctx context.Context, userID int64) (func(), error) {
	e, err := r.entry(ctx, userID)
	if err != nil {
		return nil, err
	}
	e.resolveMu.Lock()
	return e.resolveMu.Unlock, nil
}

func (r *Registry) entry(ctx context.Context, userID int64) (*entry, error) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	r.mu.Unlock()
	if ok {
		return e, nil
	}

	sess, found, err := r.store.LoadSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load session %d: %w", userID, err)
	}
	if !found {
		sess = model.NewSession(userID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have raced us through the load.
	if e, ok := r.entries[userID]; ok {
		return e, nil
	}
	e = &entry{sess: sanitize(sess)}
	r.entries[userID] = e
	return e, nil
}

// sanitize repairs values that could only come from an older schema or a
// hand-edited database.
func sanitize(s model.Session) model.Session {
	if !s.State.Valid() {
		appLog.Warn("session has unknown state; resetting", "user_id", s.UserID, "state", string(s.State))
		s.State = model.StateIdle
		s.DraftTaskName = ""
	}
	if s.TimezoneName == "" {
		s.TimezoneName = model.DefaultTimezone
	}
	return s
}
