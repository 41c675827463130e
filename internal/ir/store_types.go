package ir

// NOTE: These are log records written by the engine and the dispatcher.
// Seq is a logical clock value; records never carry wall-clock timestamps.

// OpKind names an engine mutation recorded in the operation log.
type OpKind string

const (
	OpInsert     OpKind = "insert"
	OpRemove     OpKind = "remove"
	OpAddress    OpKind = "set_address"
	OpReset      OpKind = "reset"
	OpMPSJump    OpKind = "set_mps_jump"
	OpBCSJump    OpKind = "set_bcs_jump"
	OpMPSState   OpKind = "set_mps_state"
	OpMultiReset OpKind = "reset_engines"
)

// Operation is one engine mutation.
type Operation struct {
	Session  string `json:"session"`
	Seq      int64  `json:"seq"`
	Engine   int    `json:"engine"`
	Op       OpKind `json:"op"`
	Sequence int    `json:"sequence"` // External id, -1 when not applicable
	Address  uint32 `json:"address"`
	Words    int    `json:"words,omitempty"`
	Slot     int    `json:"slot,omitempty"`
	Class    uint32 `json:"class,omitempty"`
	Sync     uint32 `json:"sync,omitempty"`
	Mask     uint64 `json:"mask,omitempty"` // Engine bits of a multi-engine reset
}

// CheckpointEvent records a checkpoint notification delivered by the
// dispatcher.
type CheckpointEvent struct {
	Session string `json:"session"`
	Seq     int64  `json:"seq"`
	Engine  int    `json:"engine"`
	Address uint32 `json:"address"`
	Handled bool   `json:"handled"`
}

// ProgramRecord is a compiled program stored in the program library.
type ProgramRecord struct {
	Hash  string   `json:"hash"`
	Name  string   `json:"name"`
	Kind  string   `json:"kind,omitempty"`
	Words []uint32 `json:"words"`
	Text  []string `json:"text"`
}
