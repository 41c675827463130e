package compiler

import (
	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// Record encodes p at base address 0 and returns its program-library
// record. The hash covers the name and the relocatable word image.
func (e Encoder) Record(p ir.Program) (ir.ProgramRecord, error) {
	words, err := e.EncodeSequence(p.Instructions, 0)
	if err != nil {
		return ir.ProgramRecord{}, err
	}
	text := make([]string, len(p.Instructions))
	for i, instr := range p.Instructions {
		text[i] = instr.String()
	}
	rec := ir.ProgramRecord{
		Hash:  ir.ProgramHash(p.Name, words),
		Name:  p.Name,
		Words: words,
		Text:  text,
	}
	if p.Kind != 0 {
		rec.Kind = p.Kind.String()
	}
	return rec, nil
}
