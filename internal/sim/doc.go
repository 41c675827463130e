// Package sim models the TPG sequencer firmware closely enough to run
// sequences written by the engine package.
//
// A Machine wraps a regmap.Memory built from a Layout and implements
// regmap.Access on top of it, so engines and the notification dispatcher
// talk to it exactly as they would to hardware. Each Tick is one epoch:
// every running engine executes at most one instruction.
package sim
