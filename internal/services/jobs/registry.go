package jobs

import (
	"context"
	"sort"
	"sync"
)

// jobHandle is the in-memory control surface of one live job. It is never
// persisted; after a restart no handles exist.
type jobHandle struct {
	cancel          context.CancelFunc
	done            chan struct{}
	cancelRequested bool // guarded by the per-id lock
}

// handleRegistry maps job ids to live handles and hands out per-id locks.
// Different ids never contend on the same lock.
type handleRegistry struct {
	mu      sync.RWMutex
	handles map[string]*jobHandle
	locks   keyedMutex
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{
		handles: make(map[string]*jobHandle),
		locks:   keyedMutex{locks: make(map[string]*refMutex)},
	}
}

// lock takes the per-id lock and returns its release func
func (r *handleRegistry) lock(id string) func() {
	return r.locks.Lock(id)
}

func (r *handleRegistry) register(id string, h *jobHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[id] = h
}

func (r *handleRegistry) get(id string) *jobHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[id]
}

func (r *handleRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

// ids returns a sorted snapshot of ids holding a live handle
func (r *handleRegistry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *handleRegistry) all() []*jobHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]*jobHandle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	return handles
}

// keyedMutex is a set of mutexes created on demand and dropped once unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
