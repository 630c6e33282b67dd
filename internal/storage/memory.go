package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"calbot/internal/model"
)

// Memory is a process-local store with the same contract as SQLite. It is
// used in tests and when running without a database file.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[int64]model.Session
	credentials map[credKey][]byte
}

type credKey struct {
	userID   int64
	provider string
}

func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[int64]model.Session),
		credentials: make(map[credKey][]byte),
	}
}

func (m *Memory) LoadSession(_ context.Context, userID int64) (model.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[userID]
	return sess, ok, nil
}

func (m *Memory) SaveSession(_ context.Context, sess model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	m.sessions[sess.UserID] = sess
	return nil
}

func (m *Memory) AllSessions(_ context.Context) ([]model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) LoadCredential(_ context.Context, userID int64, provider string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.credentials[credKey{userID, provider}]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (m *Memory) SaveCredential(_ context.Context, userID int64, provider string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.credentials[credKey{userID, provider}] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) DeleteCredential(_ context.Context, userID int64, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.credentials, credKey{userID, provider})
	return nil
}
