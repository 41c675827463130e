// Package ir defines the sequence-engine instruction model shared by every
// other package.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Instruction is a sealed interface; switches over it must be exhaustive
//   - Every instruction occupies exactly one RAM word
//   - Operation and checkpoint records are ordered by a logical seq, never by
//     wall-clock time
//   - All JSON tags use snake_case
package ir
