package regmap

import (
	"fmt"
	"sort"
	"sync"
)

// WriteFunc computes the value stored by a write from the old contents and
// the written value. It runs with the Memory lock held and must not call
// back into the Memory.
type WriteFunc func(old, value uint64) uint64

// ClearOnWrite is the write-1-to-clear behavior of acknowledge registers.
func ClearOnWrite(old, value uint64) uint64 { return old &^ value }

type register struct {
	bits    uint
	words   []uint64
	fifo    []uint64 // nil unless the register is a FIFO
	depth   int
	onWrite WriteFunc
}

func (r *register) mask() uint64 {
	if r.bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << r.bits) - 1
}

// Memory is an in-process register file. It is safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	regs map[string]*register
}

// NewMemory returns an empty register file.
func NewMemory() *Memory {
	return &Memory{regs: make(map[string]*register)}
}

// Define declares an array register of count elements, each bits wide.
// Defining an existing name is an error.
func (m *Memory) Define(name string, count int, bits uint) error {
	if count <= 0 || bits == 0 || bits > 64 {
		return fmt.Errorf("define %s: invalid shape %d x %d bits", name, count, bits)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regs[name]; ok {
		return fmt.Errorf("define %s: already defined", name)
	}
	m.regs[name] = &register{bits: bits, words: make([]uint64, count)}
	return nil
}

// DefineFIFO declares a read-to-pop FIFO register holding up to depth
// entries. Reading an empty FIFO returns zero.
func (m *Memory) DefineFIFO(name string, bits uint, depth int) error {
	if depth <= 0 || bits == 0 || bits > 64 {
		return fmt.Errorf("define %s: invalid fifo shape %d x %d bits", name, depth, bits)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regs[name]; ok {
		return fmt.Errorf("define %s: already defined", name)
	}
	m.regs[name] = &register{bits: bits, fifo: make([]uint64, 0, depth), depth: depth}
	return nil
}

// OnWrite installs fn as the write behavior of register name.
func (m *Memory) OnWrite(name string, fn WriteFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegister, name)
	}
	r.onWrite = fn
	return nil
}

// Read implements Access. Reading a FIFO pops its oldest entry.
func (m *Memory) Read(name string, index int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(name, index)
	if err != nil {
		return 0, err
	}
	if r.depth > 0 {
		if len(r.fifo) == 0 {
			return 0, nil
		}
		v := r.fifo[0]
		r.fifo = r.fifo[1:]
		return v, nil
	}
	return r.words[index], nil
}

// Write implements Access. Writing a FIFO pushes an entry.
func (m *Memory) Write(name string, index int, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(name, index)
	if err != nil {
		return err
	}
	if value&^r.mask() != 0 {
		return fmt.Errorf("%w: %s[%d] is %d bits, value %#x", ErrValueRange, name, index, r.bits, value)
	}
	if r.depth > 0 {
		return r.push(name, value)
	}
	if r.onWrite != nil {
		value = r.onWrite(r.words[index], value) & r.mask()
	}
	r.words[index] = value
	return nil
}

// Push appends an entry to a FIFO register.
func (m *Memory) Push(name string, value uint64) error {
	return m.Write(name, 0, value)
}

func (r *register) push(name string, value uint64) error {
	if len(r.fifo) >= r.depth {
		return fmt.Errorf("%w: %s depth %d", ErrFIFOFull, name, r.depth)
	}
	r.fifo = append(r.fifo, value)
	return nil
}

// Pending returns the number of entries queued in a FIFO register.
func (m *Memory) Pending(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.regs[name]; ok {
		return len(r.fifo)
	}
	return 0
}

// Set stores value without running the write behavior. The hardware
// model uses it to raise status bits that software clears.
func (m *Memory) Set(name string, index int, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(name, index)
	if err != nil {
		return err
	}
	r.words[index] = value & r.mask()
	return nil
}

// Or sets bits in one element without running the write behavior.
func (m *Memory) Or(name string, index int, bits uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(name, index)
	if err != nil {
		return err
	}
	r.words[index] |= bits & r.mask()
	return nil
}

// Len returns the element count of a register, zero if undefined.
func (m *Memory) Len(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.regs[name]; ok {
		return len(r.words)
	}
	return 0
}

// Names returns every defined register name, sorted.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.regs))
	for n := range m.regs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Memory) lookup(name string, index int) (*register, error) {
	r, ok := m.regs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegister, name)
	}
	n := len(r.words)
	if r.depth > 0 {
		n = 1
	}
	if index < 0 || index >= n {
		return nil, fmt.Errorf("%w: %s[%d], length %d", ErrIndexRange, name, index, n)
	}
	return r, nil
}
