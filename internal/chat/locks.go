package chat

import "sync"

// lockTable hands out one mutex per conversation so concurrent turns
// for the same conversation run one after the other instead of
// interleaving their assistant placeholders. Entries are refcounted and
// removed when the last holder releases, keeping the table bounded by
// the number of in-flight turns.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*lockEntry)}
}

// acquire blocks until the lock for key is held and returns the release
// function. Release must be called exactly once.
func (t *lockTable) acquire(key string) (release func()) {
	t.mu.Lock()
	entry, ok := t.locks[key]
	if !ok {
		entry = &lockEntry{}
		t.locks[key] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		t.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}
