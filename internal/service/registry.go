package service

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// sessionMutexRegistry serializes operations per session. Each entry is a
// weighted semaphore of capacity one so acquisition can honor a context
// deadline; entries are reference-counted and removed once no request holds
// or waits on them.
type sessionMutexRegistry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newSessionMutexRegistry() *sessionMutexRegistry {
	return &sessionMutexRegistry{entries: make(map[string]*registryEntry)}
}

// acquire blocks until the session's slot is free or ctx is done. The
// returned release function must be called exactly once.
func (r *sessionMutexRegistry) acquire(ctx context.Context, sessionID string) (func(), error) {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	if !ok {
		entry = &registryEntry{sem: semaphore.NewWeighted(1)}
		r.entries[sessionID] = entry
	}
	entry.refs++
	r.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		r.put(sessionID, entry)
		return nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			entry.sem.Release(1)
			r.put(sessionID, entry)
		})
	}
	return release, nil
}

func (r *sessionMutexRegistry) put(sessionID string, entry *registryEntry) {
	r.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()
}

// size reports the number of live entries, for tests.
func (r *sessionMutexRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
