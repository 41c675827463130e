package regmap

import "fmt"

// Shared TPG registers.
const (
	SeqRestart  = "SeqRestart"
	IrqControl  = "IrqControl"
	IrqStatus   = "IrqStatus"
	SeqFifo     = "SeqFifo"
	BsaComplete = "BsaComplete"

	// Per beam engine, indexed from the first beam engine.
	BeamSeqAllowMask   = "BeamSeqAllowMask"
	BeamSeqDestination = "BeamSeqDestination"
)

// Beam engine control widths.
const (
	AllowMaskBits   = 16
	DestinationBits = 4
)

// Jump table geometry.
const (
	JumpSlots     = 16
	JumpWordBits  = 32
	RAMWordBits   = 32
	MaxEngines    = 64
	fifoDepth     = 1024
	irqStatusBits = 32
)

// Layout describes the register map of one TPG.
type Layout struct {
	AddrBits    uint // Instruction RAM holds 1<<AddrBits words per engine
	Engines     int
	BeamEngines int // Engines with allow mask and destination registers
	BsaArrays   int
}

// RAMWords returns the instruction RAM size of each engine.
func (l Layout) RAMWords() int { return 1 << l.AddrBits }

// RAM names the instruction RAM of engine.
func RAM(engine int) string { return fmt.Sprintf("seqmem[%d]/ram", engine) }

// JumpSlot names the 16-word jump table of engine.
func JumpSlot(engine int) string { return fmt.Sprintf("seqjump[%d]/slot", engine) }

// JumpGo names the one-shot manual start trigger of engine.
func JumpGo(engine int) string { return fmt.Sprintf("seqjump[%d]/go", engine) }

// Validate checks the layout against the register widths.
func (l Layout) Validate() error {
	switch {
	case l.AddrBits < 4 || l.AddrBits > 12:
		// Jump slot StartAddr is 12 bits wide.
		return fmt.Errorf("address width %d outside [4, 12]", l.AddrBits)
	case l.Engines <= 0 || l.Engines > MaxEngines:
		return fmt.Errorf("engine count %d outside [1, %d]", l.Engines, MaxEngines)
	case l.BeamEngines < 0 || l.BeamEngines > l.Engines:
		return fmt.Errorf("beam engine count %d outside [0, %d]", l.BeamEngines, l.Engines)
	case l.BsaArrays < 0 || l.BsaArrays > 64:
		return fmt.Errorf("bsa array count %d outside [0, 64]", l.BsaArrays)
	}
	return nil
}

// NewLayoutMemory defines every register of l in a fresh Memory.
// IrqStatus and BsaComplete are write-1-to-clear.
func NewLayoutMemory(l Layout) (*Memory, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	m := NewMemory()
	for i := 0; i < l.Engines; i++ {
		if err := m.Define(RAM(i), l.RAMWords(), RAMWordBits); err != nil {
			return nil, err
		}
		if err := m.Define(JumpSlot(i), JumpSlots, JumpWordBits); err != nil {
			return nil, err
		}
		if err := m.Define(JumpGo(i), 1, 1); err != nil {
			return nil, err
		}
	}
	defs := []struct {
		name string
		bits uint
	}{
		{SeqRestart, uint(l.Engines)},
		{IrqControl, irqStatusBits},
		{IrqStatus, irqStatusBits},
		{BsaComplete, 64},
	}
	for _, d := range defs {
		if err := m.Define(d.name, 1, d.bits); err != nil {
			return nil, err
		}
	}
	if l.BeamEngines > 0 {
		if err := m.Define(BeamSeqAllowMask, l.BeamEngines, AllowMaskBits); err != nil {
			return nil, err
		}
		if err := m.Define(BeamSeqDestination, l.BeamEngines, DestinationBits); err != nil {
			return nil, err
		}
	}
	if err := m.DefineFIFO(SeqFifo, 32, fifoDepth); err != nil {
		return nil, err
	}
	if err := m.OnWrite(IrqStatus, ClearOnWrite); err != nil {
		return nil, err
	}
	if err := m.OnWrite(BsaComplete, ClearOnWrite); err != nil {
		return nil, err
	}
	return m, nil
}
