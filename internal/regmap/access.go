package regmap

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrUnknownRegister is returned for a name that was never defined.
	ErrUnknownRegister = errors.New("unknown register")

	// ErrIndexRange is returned for an element index outside the register.
	ErrIndexRange = errors.New("register index out of range")

	// ErrValueRange is returned when a value does not fit the register width.
	ErrValueRange = errors.New("value exceeds register width")

	// ErrFIFOFull is returned by Push when a FIFO is at depth.
	ErrFIFOFull = errors.New("fifo full")
)

// Access reads and writes named registers.
//
// Implementations must make a completed Write visible to every later Read,
// from any goroutine.
type Access interface {
	Read(name string, index int) (uint64, error)
	Write(name string, index int, value uint64) error
}

// Field is a bit range of one register element.
type Field struct {
	Name  string
	Index int
	Shift uint
	Width uint
}

func (f Field) mask() uint64 {
	if f.Width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << f.Width) - 1
}

// Read returns the field value, right aligned.
func (f Field) Read(a Access) (uint64, error) {
	v, err := a.Read(f.Name, f.Index)
	if err != nil {
		return 0, err
	}
	return (v >> f.Shift) & f.mask(), nil
}

// Write replaces the field bits with value, leaving the rest of the element
// unchanged.
func (f Field) Write(a Access, value uint64) error {
	if value > f.mask() {
		return fmt.Errorf("%w: %s[%d] bits %d+%d value %#x",
			ErrValueRange, f.Name, f.Index, f.Shift, f.Width, value)
	}
	old, err := a.Read(f.Name, f.Index)
	if err != nil {
		return err
	}
	v := old&^(f.mask()<<f.Shift) | value<<f.Shift
	return a.Write(f.Name, f.Index, v)
}

// Array is a view of one array register.
type Array struct {
	access Access
	name   string
}

// Scope returns the view of register name.
func Scope(a Access, name string) Array {
	return Array{access: a, name: name}
}

// Name returns the register name.
func (r Array) Name() string { return r.name }

// Get reads element i.
func (r Array) Get(i int) (uint64, error) {
	return r.access.Read(r.name, i)
}

// Set writes element i.
func (r Array) Set(i int, v uint64) error {
	return r.access.Write(r.name, i, v)
}

// Field returns the bit range [shift, shift+width) of element i.
func (r Array) Field(i int, shift, width uint) Field {
	return Field{Name: r.name, Index: i, Shift: shift, Width: width}
}

// Traced wraps a with debug logging of every write.
func Traced(a Access, logger *slog.Logger) Access {
	if logger == nil {
		logger = slog.Default()
	}
	return &traced{next: a, logger: logger}
}

type traced struct {
	next   Access
	logger *slog.Logger
}

func (t *traced) Read(name string, index int) (uint64, error) {
	return t.next.Read(name, index)
}

func (t *traced) Write(name string, index int, value uint64) error {
	err := t.next.Write(name, index, value)
	if err != nil {
		t.logger.Warn("register write failed",
			"register", name,
			"index", index,
			"value", fmt.Sprintf("%#x", value),
			"error", err,
		)
		return err
	}
	t.logger.Debug("register write",
		"register", name,
		"index", index,
		"value", fmt.Sprintf("%#x", value),
	)
	return nil
}
