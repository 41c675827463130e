package harness

import (
	"fmt"

	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// Trace event types.
const (
	EventStep     = "step"     // A scenario step started
	EventOp       = "op"       // An engine operation was recorded
	EventSim      = "sim"      // The hardware model observed an engine action
	EventNotify   = "notify"   // The dispatcher delivered a checkpoint
	EventCallback = "callback" // A checkpoint callback ran
	EventIRQ      = "irq"      // An interval, fault or BSA handler ran
	EventError    = "error"    // A step failed with an error code
)

// TraceEvent is one entry of a scenario trace.
type TraceEvent struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Step  int    `json:"step"`
	Epoch uint64 `json:"epoch,omitempty"`

	Engine   int    `json:"engine"`
	Sequence int    `json:"sequence"`
	Addr     uint32 `json:"addr"`
	Value    uint32 `json:"value,omitempty"`
	Handled  bool   `json:"handled,omitempty"`

	// Op is set for operation events.
	Op  *ir.Operation `json:"op,omitempty"`
	Seq int64         `json:"seq,omitempty"`
}

// Key returns "type:name", the form assertions match on.
func (e TraceEvent) Key() string {
	return e.Type + ":" + e.Name
}

// String renders the event as one golden-file line.
func (e TraceEvent) String() string {
	switch e.Type {
	case EventStep:
		return fmt.Sprintf("step %d %s", e.Step, e.Name)
	case EventOp:
		op := e.Op
		return fmt.Sprintf("op %s engine=%d sequence=%d addr=0x%03x words=%d slot=%d class=%d sync=%d mask=0x%x seq=%d",
			op.Op, op.Engine, op.Sequence, op.Address, op.Words, op.Slot, op.Class, op.Sync, op.Mask, op.Seq)
	case EventSim:
		return fmt.Sprintf("sim %s epoch=%d engine=%d addr=0x%03x value=0x%04x",
			e.Name, e.Epoch, e.Engine, e.Addr, e.Value)
	case EventNotify:
		return fmt.Sprintf("notify checkpoint engine=%d addr=0x%03x handled=%t seq=%d",
			e.Engine, e.Addr, e.Handled, e.Seq)
	case EventCallback:
		return fmt.Sprintf("callback %s engine=%d", e.Name, e.Engine)
	case EventIRQ:
		if e.Name == "bsa" {
			return fmt.Sprintf("irq bsa array=%d", e.Value)
		}
		return "irq " + e.Name
	case EventError:
		return "error " + e.Name
	default:
		return e.Key()
	}
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step behaved as expected and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace holds every event in the order it happened.
	Trace []TraceEvent `json:"trace"`

	// Errors holds failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Session is the session token the operation log was written under.
	Session string `json:"session"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Count returns how many events have the given key.
func (r *Result) Count(key string) int {
	n := 0
	for _, e := range r.Trace {
		if e.Key() == key {
			n++
		}
	}
	return n
}
