// Package engine programs TPG sequence engines.
//
// An Engine compiles instruction lists into its instruction RAM, tracks the
// occupied regions and the 64 external sequence ids, and maintains the
// 16-slot jump table the hardware consults on reset and on MPS/BCS faults.
//
// ARCHITECTURE:
//
// Single Writer:
// One control goroutine issues every mutation (insert, remove, jump-table
// writes, reset). The engine holds no lock; callers that need concurrent
// mutation serialize externally. Checkpoint notifications arrive on the
// dispatcher goroutine and reach only the CheckpointRegistry.
//
// Insert Flow:
//  1. Request kinds and operands are validated (nothing is allocated yet)
//  2. The allocator picks the best-fit gap; an id is taken from the pool
//  3. Words are encoded at their final addresses and written to RAM
//  4. Checkpoint callbacks are registered by absolute address
//
// A register failure in step 3 unwinds steps 2 and 3 before returning.
//
// Logical Clock:
// Recorded operations are stamped from a Clock shared by all engines of a
// TPG. Records never carry wall-clock timestamps.
package engine
