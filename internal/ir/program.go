package ir

// Program is a named instruction list as authored in a program file.
//
// Kind restricts the program to one request kind; zero means the program
// carries no control requests and fits any engine. Start is the instruction
// index used when the program is selected as an engine's manual start.
type Program struct {
	Name         string        `json:"name"`
	Kind         RequestKind   `json:"kind,omitempty"`
	Start        int           `json:"start"`
	Instructions []Instruction `json:"-"`
}

// Words returns the number of RAM words the program occupies.
func (p Program) Words() int {
	return WordCount(p.Instructions)
}

// RequestKinds returns the set of request kinds used by the program.
func (p Program) RequestKinds() map[RequestKind]bool {
	kinds := make(map[RequestKind]bool)
	for _, instr := range p.Instructions {
		if req, ok := instr.(ControlRequest); ok {
			kinds[req.RequestKind()] = true
		}
	}
	return kinds
}

// Clone returns a copy of instrs so the caller's slice can be reused.
func Clone(instrs []Instruction) []Instruction {
	if instrs == nil {
		return nil
	}
	out := make([]Instruction, len(instrs))
	copy(out, instrs)
	return out
}
