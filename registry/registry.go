// Package registry is the shared peer directory consumed by the raft core.
//
// It plays the role of the C++ original's objfactory<T>: a mutex-guarded
// map from small non-negative integer ids to shared, reference-counted
// handles. Unlike objfactory, which relies on std::weak_ptr and a custom
// deleter to reclaim entries once the last std::shared_ptr expires, this
// port uses explicit Get/Release refcounting so that cleanup is
// deterministic rather than tied to garbage-collector timing.
package registry

import "sync"

// Replica is the minimal surface the registry needs from a cluster member
// in order to hand out and track handles. The raft package's *Replica
// satisfies it.
type Replica interface {
	ID() int
}

// Factory constructs a new Replica for the given id. It is supplied once,
// at registry construction, so the registry never needs to know the
// concrete replica type.
type Factory[T Replica] func(id int) T

// Registry is a shared directory of replica handles, keyed by id.
// Identifier 0 is reserved and never constructed as a replica; callers may
// still use id 0 as a sentinel (e.g. "no leader known").
type Registry[T Replica] struct {
	mu      sync.Mutex
	factory Factory[T]
	entries map[int]*entry[T]
}

type entry[T Replica] struct {
	handle   T
	refCount int
}

// New returns a Registry that lazily constructs replicas via factory.
func New[T Replica](factory Factory[T]) *Registry[T] {
	return &Registry[T]{
		factory: factory,
		entries: make(map[int]*entry[T]),
	}
}

// Get returns the handle for id, constructing it on first access. The
// returned handle is shared across all callers, and each call adds one
// reference to the entry (the registry holds none of its own); Get is the primary traversal
// method used by the core (e.g. dispatching a message to a peer).
//
// id must be > 0; id 0 is reserved and Get panics if asked for it, since
// no well-behaved caller should construct a replica with id 0.
func (r *Registry[T]) Get(id int) T {
	if id <= 0 {
		panic("registry: id must be > 0")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		e = &entry[T]{handle: r.factory(id)}
		r.entries[id] = e
	}
	e.refCount++
	return e.handle
}

// Release drops a reference previously obtained via Get. When the last
// reference for id is released the entry is removed from the registry;
// a subsequent Get constructs a fresh replica. Most long-lived callers
// (the executor's periodic tick, an election task) never call Release —
// they hold their handle for the process lifetime — but short-lived
// dispatch paths that explicitly want to drop their reference may.
func (r *Registry[T]) Release(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		delete(r.entries, id)
	}
}

// AllKeys returns the set of ids known to the registry, i.e. every id
// passed to Get whose entry has not since been dropped by Release. The returned slice is a snapshot and safe to range over
// without holding the registry lock.
func (r *Registry[T]) AllKeys() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]int, 0, len(r.entries))
	for id := range r.entries {
		keys = append(keys, id)
	}
	return keys
}

// Count returns the number of ids currently tracked by the registry.
func (r *Registry[T]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
