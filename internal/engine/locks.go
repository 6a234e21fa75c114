package engine

import "sync"

// lockRegistry hands out one mutex per conversation id so turns for the
// same conversation are strictly ordered while distinct conversations run
// in parallel. Entries are reference-counted and removed once the last
// holder releases, keeping the registry bounded by in-flight conversations.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*lockEntry)}
}

// lock acquires the conversation's mutex and returns its release func.
func (r *lockRegistry) lock(conversationID string) func() {
	r.mu.Lock()
	entry, ok := r.locks[conversationID]
	if !ok {
		entry = &lockEntry{}
		r.locks[conversationID] = entry
	}
	entry.refs++
	r.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		r.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(r.locks, conversationID)
		}
		r.mu.Unlock()
	}
}
