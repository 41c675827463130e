package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexPoolReservesTraps(t *testing.T) {
	p := NewIndexPool()
	assert.True(t, p.InUse(TrapLowID))
	assert.True(t, p.InUse(TrapHighID))
	assert.Equal(t, 62, p.Free())

	id, ok := p.Acquire()
	require.True(t, ok)
	assert.Equal(t, 2, id)
}

func TestIndexPoolExhaustion(t *testing.T) {
	p := NewIndexPool()
	for i := 2; i < MaxIDs; i++ {
		id, ok := p.Acquire()
		require.True(t, ok)
		assert.Equal(t, i, id)
	}
	_, ok := p.Acquire()
	assert.False(t, ok)
	assert.Zero(t, p.Free())

	p.Release(40)
	id, ok := p.Acquire()
	require.True(t, ok)
	assert.Equal(t, 40, id, "lowest free id first")
}

func TestIndexPoolNeverReleasesTraps(t *testing.T) {
	p := NewIndexPool()
	p.Release(TrapLowID)
	p.Release(TrapHighID)
	p.Release(MaxIDs)
	p.Release(-3)

	assert.True(t, p.InUse(TrapLowID))
	assert.True(t, p.InUse(TrapHighID))
	assert.False(t, p.InUse(MaxIDs))
	assert.False(t, p.InUse(-1))
}
