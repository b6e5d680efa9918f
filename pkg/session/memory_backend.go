package session

import (
	"context"
	"sync"
)

// MemoryBackend keeps transcripts in process memory.
// It satisfies the atomicity contract within one process only and does not
// survive restarts; use it for tests and local development.
type MemoryBackend struct {
	mu        sync.RWMutex
	sessions  map[string]Transcript
	exchanges map[string]map[string]struct{}
	closed    bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions:  make(map[string]Transcript),
		exchanges: make(map[string]map[string]struct{}),
	}
}

// Get returns a copy of the session transcript.
func (m *MemoryBackend) Get(ctx context.Context, sessionID string) (Transcript, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	return m.sessions[sessionID].Clone(), nil
}

// AppendAtomic appends turns under a single lock acquisition.
func (m *MemoryBackend) AppendAtomic(ctx context.Context, sessionID string, turns []Turn) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := validateTurns(turns); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if id := exchangeID(turns); id != "" {
		seen, ok := m.exchanges[sessionID]
		if !ok {
			seen = make(map[string]struct{})
			m.exchanges[sessionID] = seen
		}
		if _, dup := seen[id]; dup {
			return nil
		}
		seen[id] = struct{}{}
	}

	m.sessions[sessionID] = append(m.sessions[sessionID], turns...)
	return nil
}

// Clear drops the session transcript.
func (m *MemoryBackend) Clear(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	delete(m.sessions, sessionID)
	delete(m.exchanges, sessionID)
	return nil
}

// Ping reports whether the backend is open.
func (m *MemoryBackend) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close marks the backend closed.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
