package engine

import (
	"sync"

	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// CheckpointRegistry holds checkpoint callbacks keyed by engine and
// absolute RAM address.
//
// The engine registers a callback for every Checkpoint it writes and
// unregisters it on remove. Dispatch is called on the path that delivers
// hardware notifications and reports whether a callback was found.
type CheckpointRegistry interface {
	Register(engine int, addr uint32, cb ir.Callback)
	Unregister(engine int, addr uint32)
	Dispatch(engine int, addr uint32) bool
}

// Recorder receives every engine mutation, in order.
type Recorder interface {
	RecordOperation(op ir.Operation) error
}

type checkpointKey struct {
	engine int
	addr   uint32
}

// LocalRegistry is a CheckpointRegistry for engines used without a
// notification dispatcher. It is safe for concurrent use.
type LocalRegistry struct {
	mu    sync.Mutex
	table map[checkpointKey]ir.Callback
}

// NewLocalRegistry returns an empty registry.
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{table: make(map[checkpointKey]ir.Callback)}
}

// Register implements CheckpointRegistry.
func (r *LocalRegistry) Register(engine int, addr uint32, cb ir.Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[checkpointKey{engine, addr}] = cb
}

// Unregister implements CheckpointRegistry.
func (r *LocalRegistry) Unregister(engine int, addr uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.table, checkpointKey{engine, addr})
}

// Dispatch implements CheckpointRegistry. The callback runs without the
// registry lock held.
func (r *LocalRegistry) Dispatch(engine int, addr uint32) bool {
	r.mu.Lock()
	cb, ok := r.table[checkpointKey{engine, addr}]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if cb != nil {
		cb()
	}
	return true
}

// Len returns the number of registered callbacks.
func (r *LocalRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}
