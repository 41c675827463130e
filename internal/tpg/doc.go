// Package tpg assembles one timing pattern generator: every sequence
// engine of the register layout, the shared restart register and the
// notification dispatcher that routes checkpoints back to their engines.
//
// Engines are numbered the way the firmware numbers them: allow engines
// first, then beam engines, then experiment engines. Allow and beam
// engines accept beam requests; experiment engines accept experiment
// requests.
package tpg
