package engine

import (
	"fmt"

	"github.com/slaclab/cpsw-tpg/internal/regmap"
)

// Jump table slots.
const (
	MPSSlots   = 14 // Slots 0..13 hold one MPS fault class each
	BCSSlot    = 14
	ManualSlot = 15
)

// Slot word bit fields.
const (
	startAddrShift = 0
	startAddrWidth = 12
	classShift     = 12
	classWidth     = 4
	syncShift      = 16
	syncWidth      = 16

	MaxClass = 1<<classWidth - 1
	MaxSync  = 1<<syncWidth - 1
)

// Slot is one decoded jump-table entry.
type Slot struct {
	Addr  uint32
	Class uint32
	Sync  uint32 // Meaningful for the manual slot only
}

func (s Slot) String() string {
	return fmt.Sprintf("addr=0x%03x class=%d sync=%d", s.Addr, s.Class, s.Sync)
}

// JumpTable is the 16-slot start table of one engine plus its one-shot
// manual start trigger.
type JumpTable struct {
	access regmap.Access
	slots  regmap.Array
	goReg  string
}

// NewJumpTable returns the jump table of engine on a.
func NewJumpTable(a regmap.Access, engine int) *JumpTable {
	return &JumpTable{
		access: a,
		slots:  regmap.Scope(a, regmap.JumpSlot(engine)),
		goReg:  regmap.JumpGo(engine),
	}
}

func checkSlot(slot int) error {
	if slot < 0 || slot > ManualSlot {
		return fmt.Errorf("jump slot %d outside [0, %d]", slot, ManualSlot)
	}
	return nil
}

// SetStart writes the start address and power class of slot in one
// register write, so the firmware never sees a new address with the old
// class. The sync divisor bits are preserved.
func (j *JumpTable) SetStart(slot int, addr, class uint32) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if addr > 1<<startAddrWidth-1 || class > MaxClass {
		return fmt.Errorf("%w: jump slot %d addr %#x class %d", regmap.ErrValueRange, slot, addr, class)
	}
	v := uint64(addr) | uint64(class)<<(classShift-startAddrShift)
	return j.slots.Field(slot, startAddrShift, startAddrWidth+classWidth).Write(j.access, v)
}

// SetSync writes the sync divisor of the manual slot.
func (j *JumpTable) SetSync(divisor uint32) error {
	return j.slots.Field(ManualSlot, syncShift, syncWidth).Write(j.access, uint64(divisor))
}

// Slot reads one entry.
func (j *JumpTable) Slot(slot int) (Slot, error) {
	if err := checkSlot(slot); err != nil {
		return Slot{}, err
	}
	w, err := j.slots.Get(slot)
	if err != nil {
		return Slot{}, err
	}
	return DecodeSlot(uint32(w)), nil
}

// Go pulses the one-shot trigger that latches the manual slot.
func (j *JumpTable) Go() error {
	return j.access.Write(j.goReg, 0, 1)
}

// DecodeSlot splits a raw slot word into its fields.
func DecodeSlot(w uint32) Slot {
	return Slot{
		Addr:  (w >> startAddrShift) & (1<<startAddrWidth - 1),
		Class: (w >> classShift) & MaxClass,
		Sync:  (w >> syncShift) & MaxSync,
	}
}
