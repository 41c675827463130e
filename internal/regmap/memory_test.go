package regmap

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReadWrite(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Define("ram", 4, 32))

	require.NoError(t, m.Write("ram", 2, 0xdeadbeef))
	v, err := m.Read("ram", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), v)

	v, err = m.Read("ram", 0)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestMemoryErrors(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Define("r", 2, 8))

	_, err := m.Read("missing", 0)
	assert.ErrorIs(t, err, ErrUnknownRegister)

	_, err = m.Read("r", 2)
	assert.ErrorIs(t, err, ErrIndexRange)

	err = m.Write("r", -1, 0)
	assert.ErrorIs(t, err, ErrIndexRange)

	err = m.Write("r", 0, 0x100)
	assert.ErrorIs(t, err, ErrValueRange)

	assert.Error(t, m.Define("r", 1, 8), "redefinition")
	assert.Error(t, m.Define("z", 0, 8))
	assert.Error(t, m.Define("z", 1, 65))
}

func TestMemoryClearOnWrite(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Define("status", 1, 32))
	require.NoError(t, m.OnWrite("status", ClearOnWrite))

	require.NoError(t, m.Set("status", 0, 0b1011))
	require.NoError(t, m.Write("status", 0, 0b0010))

	v, err := m.Read("status", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b1001), v)

	require.NoError(t, m.Or("status", 0, 0b0100))
	v, _ = m.Read("status", 0)
	assert.Equal(t, uint64(0b1101), v)

	assert.ErrorIs(t, m.OnWrite("missing", ClearOnWrite), ErrUnknownRegister)
}

func TestMemoryFIFO(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.DefineFIFO("fifo", 32, 2))

	v, err := m.Read("fifo", 0)
	require.NoError(t, err)
	assert.Zero(t, v, "empty fifo reads zero")

	require.NoError(t, m.Push("fifo", 7))
	require.NoError(t, m.Push("fifo", 9))
	assert.ErrorIs(t, m.Push("fifo", 11), ErrFIFOFull)
	assert.Equal(t, 2, m.Pending("fifo"))

	v, _ = m.Read("fifo", 0)
	assert.Equal(t, uint64(7), v)
	v, _ = m.Read("fifo", 0)
	assert.Equal(t, uint64(9), v)
	assert.Zero(t, m.Pending("fifo"))

	_, err = m.Read("fifo", 1)
	assert.ErrorIs(t, err, ErrIndexRange)
}

func TestFieldReadModifyWrite(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Define("slot", 16, 32))
	require.NoError(t, m.Write("slot", 3, 0xffff0000))

	f := Field{Name: "slot", Index: 3, Shift: 0, Width: 12}
	require.NoError(t, f.Write(m, 0x123))

	v, _ := m.Read("slot", 3)
	assert.Equal(t, uint64(0xffff0123), v, "bits outside the field are preserved")

	got, err := f.Read(m)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x123), got)

	assert.ErrorIs(t, f.Write(m, 0x1000), ErrValueRange)
}

func TestArrayView(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Define("ram", 8, 32))
	ram := Scope(m, "ram")

	require.NoError(t, ram.Set(5, 42))
	v, err := ram.Get(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
	assert.Equal(t, "ram", ram.Name())

	cls := ram.Field(5, 12, 4)
	require.NoError(t, cls.Write(m, 0xa))
	v, _ = ram.Get(5)
	assert.Equal(t, uint64(0xa02a), v)
}

func TestTracedLogsWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	m := NewMemory()
	require.NoError(t, m.Define("r", 1, 8))
	a := Traced(m, logger)

	require.NoError(t, a.Write("r", 0, 5))
	assert.Contains(t, buf.String(), "register write")
	assert.Contains(t, buf.String(), "register=r")

	assert.Error(t, a.Write("r", 0, 0x1ff))
	assert.Contains(t, buf.String(), "register write failed")

	v, err := a.Read("r", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
}
