package testutil

import (
	"sync"

	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// CallbackCounter hands out labelled callbacks and counts their calls.
//
// Thread-safety: callbacks may fire on the dispatcher goroutine while the
// test reads counts.
type CallbackCounter struct {
	mu     sync.Mutex
	counts map[string]int
	order  []string
}

// NewCallbackCounter creates an empty counter.
func NewCallbackCounter() *CallbackCounter {
	return &CallbackCounter{counts: make(map[string]int)}
}

// Callback returns a callback that records one call under label.
func (c *CallbackCounter) Callback(label string) ir.Callback {
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.counts[label]++
		c.order = append(c.order, label)
	}
}

// Count returns the number of calls recorded under label.
func (c *CallbackCounter) Count(label string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[label]
}

// Order returns every call label in firing order.
func (c *CallbackCounter) Order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}
