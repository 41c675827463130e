// Package irq implements the TPG notification dispatcher.
//
// One Dispatcher polls the interrupt status register of a TPG and delivers
// events in fixed priority: interval, BSA completion, fault, then every
// pending checkpoint in the sequence FIFO.
//
// OWNERSHIP:
//
// The dispatcher owns every callback table. Subscriptions and checkpoint
// registrations made from other goroutines are queued and applied by the
// polling goroutine at the start of each pass, so no table is ever touched
// by two goroutines. A checkpoint registered before an engine is reset is
// therefore always in place before the hardware can report it.
//
// Interval and fault are acknowledged write-1-to-clear. BSA completions are
// acknowledged by writing back the handled bits; checkpoints by popping the
// FIFO.
package irq
