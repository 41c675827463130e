// Package regmap is the named-register capability the sequence engines and
// the notification dispatcher are written against.
//
// Registers are addressed by name and element index. Every register holds
// one or more elements of a declared bit width; scalars are arrays of one.
// Sub-word bit ranges are reached through Field, and a scoped per-index
// view of one array through Array.
//
// Memory is an in-process register file used by the hardware model and by
// tests. Layout names every register a TPG exposes.
package regmap
