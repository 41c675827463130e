package engine

import (
	"fmt"
	"io"
)

// DumpSequence writes the RAM words of sequence id, one per line, read back
// from the hardware and annotated with the instruction they encode.
//
//	[020] 40000001  FixedRateSync(marker=0,occ=1)
func (e *Engine) DumpSequence(w io.Writer, id int) error {
	seq, ok := e.seqs[id]
	if !ok {
		return e.newError(ErrCodeNotFound, id, "sequence %d is not live", id)
	}
	for i := 0; i < seq.Len(); i++ {
		addr := int(seq.Base) + i
		word, err := e.ram.Get(addr)
		if err != nil {
			return e.accessError(id, fmt.Sprintf("read word 0x%x", addr), err)
		}
		note := e.enc.Decode(uint32(word)).String()
		if i < len(seq.Instructions) {
			note = seq.Instructions[i].String()
		}
		if _, err := fmt.Fprintf(w, "[%03x] %08x  %s\n", addr, word, note); err != nil {
			return err
		}
	}
	return nil
}

// Dump writes every live sequence followed by the jump table.
func (e *Engine) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Engine %d (%s)\n", e.id, e.kind); err != nil {
		return err
	}
	for _, id := range e.Sequences() {
		if _, err := fmt.Fprintf(w, "Sequence %d\n", id); err != nil {
			return err
		}
		if err := e.DumpSequence(w, id); err != nil {
			return err
		}
	}
	for slot := 0; slot <= ManualSlot; slot++ {
		s, err := e.jump.Slot(slot)
		if err != nil {
			return e.accessError(-1, "read jump table", err)
		}
		if _, err := fmt.Fprintf(w, "Jump %-6s %s\n", slotName(slot), s); err != nil {
			return err
		}
	}
	return nil
}

func slotName(slot int) string {
	switch slot {
	case BCSSlot:
		return "bcs"
	case ManualSlot:
		return "manual"
	default:
		return fmt.Sprintf("mps%d", slot)
	}
}
