package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lgulliver/freight/pkg/types"
)

// MemoryStore keeps sessions in process memory. The map lock is held only for
// lookups; each session has its own mutex for mutation.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	mu      sync.Mutex
	session *types.UploadSession
	deleted bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (m *MemoryStore) entry(uploadID string) (*memoryEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[uploadID]
	return e, ok
}

func (m *MemoryStore) Create(ctx context.Context, s *types.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[s.UploadID]; ok {
		return ErrExists
	}
	m.entries[s.UploadID] = &memoryEntry{session: s.Clone()}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	e, ok := m.entry(uploadID)
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	return e.session.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, uploadID string, fn UpdateFunc) (*types.UploadSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e, ok := m.entry(uploadID)
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}

	next, write, err := applyUpdate(e.session, fn)
	if err != nil {
		return nil, err
	}
	if write {
		e.session = next
	}
	return next.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, uploadID string) error {
	m.mu.Lock()
	e, ok := m.entries[uploadID]
	delete(m.entries, uploadID)
	m.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.deleted = true
		e.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	entries := make([]*memoryEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	type expiring struct {
		id string
		at time.Time
	}
	var due []expiring
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && !e.session.ExpiresAt.After(before) {
			due = append(due, expiring{id: e.session.UploadID, at: e.session.ExpiresAt})
		}
		e.mu.Unlock()
	}

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	ids := make([]string, len(due))
	for i, d := range due {
		ids[i] = d.id
	}
	return ids, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
