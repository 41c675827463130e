package testutil

import (
	"sync"

	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// Recorder collects engine operations in memory.
//
// Implements engine.Recorder. Set Err to make every RecordOperation call
// fail after storing the operation.
//
// Thread-safety: all methods are safe for concurrent use.
type Recorder struct {
	mu  sync.Mutex
	ops []ir.Operation
	Err error
}

// RecordOperation stores op.
func (r *Recorder) RecordOperation(op ir.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return r.Err
}

// Operations returns a copy of the recorded operations in arrival order.
func (r *Recorder) Operations() []ir.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ir.Operation, len(r.ops))
	copy(out, r.ops)
	return out
}

// Kinds returns the op kind of every recorded operation.
func (r *Recorder) Kinds() []ir.OpKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]ir.OpKind, len(r.ops))
	for i, op := range r.ops {
		kinds[i] = op.Op
	}
	return kinds
}
