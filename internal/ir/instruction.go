package ir

import "fmt"

// Instruction is a sealed interface over the five sequence instruction kinds.
// Only FixedRateSync, ACRateSync, Branch, Checkpoint, BeamRequest and
// ExptRequest implement it.
//
// Instructions are immutable values. An engine keeps its own copy of the
// instruction list it was given, so one list may be inserted many times.
type Instruction interface {
	instruction() // Sealed

	// Kind identifies the variant for exhaustive switches.
	Kind() Kind

	// Words is the number of RAM words the instruction occupies.
	Words() int

	String() string
}

// Kind enumerates the instruction variants.
type Kind int

const (
	KindFixedRateSync Kind = iota + 1
	KindACRateSync
	KindBranch
	KindCheckpoint
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindFixedRateSync:
		return "FixedRateSync"
	case KindACRateSync:
		return "ACRateSync"
	case KindBranch:
		return "Branch"
	case KindCheckpoint:
		return "Checkpoint"
	case KindRequest:
		return "Request"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Field widths of the firmware instruction word.
const (
	MaxMarker       = 0xf
	MaxOccurrence   = 0xfff
	MaxTimeslotMask = 0x3f
	MaxBranchTest   = 0xff
	MaxRequestValue = 0xffff
)

// FixedRateSync blocks until the fixed-rate marker has fired Occurrence times.
type FixedRateSync struct {
	Marker     uint8  `json:"marker"`
	Occurrence uint16 `json:"occurrence"`
}

func (FixedRateSync) instruction() {}

// Kind implements Instruction.
func (FixedRateSync) Kind() Kind { return KindFixedRateSync }

// Words implements Instruction.
func (FixedRateSync) Words() int { return 1 }

func (i FixedRateSync) String() string {
	return fmt.Sprintf("FixedRateSync(marker=%d,occ=%d)", i.Marker, i.Occurrence)
}

// ACRateSync blocks until the power-line synchronized marker has fired
// Occurrence times in one of the timeslots selected by TimeslotMask.
type ACRateSync struct {
	TimeslotMask uint8  `json:"timeslot_mask"`
	Marker       uint8  `json:"marker"`
	Occurrence   uint16 `json:"occurrence"`
}

func (ACRateSync) instruction() {}

// Kind implements Instruction.
func (ACRateSync) Kind() Kind { return KindACRateSync }

// Words implements Instruction.
func (ACRateSync) Words() int { return 1 }

func (i ACRateSync) String() string {
	return fmt.Sprintf("ACRateSync(tsm=0x%x,marker=%d,occ=%d)", i.TimeslotMask, i.Marker, i.Occurrence)
}

// Counter selects one of the hardware branch counters.
type Counter uint8

const (
	CounterA Counter = iota
	CounterB
	CounterC
)

// ParseCounter accepts "A", "B" or "C".
func ParseCounter(s string) (Counter, error) {
	switch s {
	case "A", "a":
		return CounterA, nil
	case "B", "b":
		return CounterB, nil
	case "C", "c":
		return CounterC, nil
	default:
		return 0, fmt.Errorf("unknown branch counter %q", s)
	}
}

func (c Counter) String() string {
	switch c {
	case CounterA:
		return "A"
	case CounterB:
		return "B"
	case CounterC:
		return "C"
	default:
		return fmt.Sprintf("Counter(%d)", uint8(c))
	}
}

// Branch jumps to the instruction at index Target of the same sequence.
//
// With Test == 0 the jump is unconditional. Otherwise the hardware tests
// counter Counter against Test: while the counter is below Test it is
// incremented and the jump is taken; once it reaches Test the counter is
// cleared and execution falls through.
type Branch struct {
	Target  int     `json:"target"`
	Counter Counter `json:"counter"`
	Test    uint16  `json:"test"`
}

// Jump returns an unconditional branch to instruction index target.
func Jump(target int) Branch {
	return Branch{Target: target}
}

// Loop returns a conditional branch taken test times using counter c.
func Loop(target int, c Counter, test uint16) Branch {
	return Branch{Target: target, Counter: c, Test: test}
}

func (Branch) instruction() {}

// Kind implements Instruction.
func (Branch) Kind() Kind { return KindBranch }

// Words implements Instruction.
func (Branch) Words() int { return 1 }

// Unconditional reports whether the branch is always taken.
func (i Branch) Unconditional() bool { return i.Test == 0 }

func (i Branch) String() string {
	if i.Unconditional() {
		return fmt.Sprintf("Branch(addr=%d)", i.Target)
	}
	return fmt.Sprintf("Branch(addr=%d,cc=%s,test=%d)", i.Target, i.Counter, i.Test)
}

// Callback is invoked by the notification dispatcher when hardware reaches
// a Checkpoint.
type Callback func()

// Checkpoint notifies software when reached, without altering control flow.
// Label is carried for diagnostics; Callback may be nil.
type Checkpoint struct {
	Label    string   `json:"label,omitempty"`
	Callback Callback `json:"-"`
}

func (Checkpoint) instruction() {}

// Kind implements Instruction.
func (Checkpoint) Kind() Kind { return KindCheckpoint }

// Words implements Instruction.
func (Checkpoint) Words() int { return 1 }

func (i Checkpoint) String() string {
	if i.Label != "" {
		return fmt.Sprintf("Checkpoint(%s)", i.Label)
	}
	return "Checkpoint()"
}

// RequestKind distinguishes beam engines from experiment-control engines.
type RequestKind int

const (
	RequestBeam RequestKind = iota + 1
	RequestExpt
)

// ParseRequestKind accepts "beam" or "expt".
func ParseRequestKind(s string) (RequestKind, error) {
	switch s {
	case "beam":
		return RequestBeam, nil
	case "expt":
		return RequestExpt, nil
	default:
		return 0, fmt.Errorf("unknown request kind %q", s)
	}
}

func (k RequestKind) String() string {
	switch k {
	case RequestBeam:
		return "beam"
	case RequestExpt:
		return "expt"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// ControlRequest is the sealed sub-interface for request instructions.
type ControlRequest interface {
	Instruction
	RequestKind() RequestKind
	Value() uint32
}

// BeamRequest requests beam with the given charge.
type BeamRequest struct {
	Charge uint32 `json:"charge"`
}

func (BeamRequest) instruction() {}

// Kind implements Instruction.
func (BeamRequest) Kind() Kind { return KindRequest }

// Words implements Instruction.
func (BeamRequest) Words() int { return 1 }

// RequestKind implements ControlRequest.
func (BeamRequest) RequestKind() RequestKind { return RequestBeam }

// Value implements ControlRequest.
func (i BeamRequest) Value() uint32 { return i.Charge }

func (i BeamRequest) String() string {
	return fmt.Sprintf("BeamRequest(charge=%d)", i.Charge)
}

// ExptRequest emits an experiment-control word.
type ExptRequest struct {
	Word uint32 `json:"word"`
}

func (ExptRequest) instruction() {}

// Kind implements Instruction.
func (ExptRequest) Kind() Kind { return KindRequest }

// Words implements Instruction.
func (ExptRequest) Words() int { return 1 }

// RequestKind implements ControlRequest.
func (ExptRequest) RequestKind() RequestKind { return RequestExpt }

// Value implements ControlRequest.
func (i ExptRequest) Value() uint32 { return i.Word }

func (i ExptRequest) String() string {
	return fmt.Sprintf("ExptRequest(request=%d)", i.Word)
}

// WordCount sums the RAM words of a list of instructions.
func WordCount(instrs []Instruction) int {
	n := 0
	for _, i := range instrs {
		n += i.Words()
	}
	return n
}

// Offset returns the word offset of instruction index within instrs.
// index may equal len(instrs) (one past the end).
func Offset(instrs []Instruction, index int) int {
	n := 0
	for _, i := range instrs[:index] {
		n += i.Words()
	}
	return n
}
