package engine

import "math/bits"

// Reserved sequence ids of the two permanent trap sequences.
const (
	TrapLowID  = 0
	TrapHighID = 1
	MaxIDs     = 64
)

// IndexPool hands out the 64 external sequence ids.
type IndexPool struct {
	used uint64
}

// NewIndexPool returns a pool with the trap ids already taken.
func NewIndexPool() *IndexPool {
	return &IndexPool{used: 1<<TrapLowID | 1<<TrapHighID}
}

// Acquire takes the lowest free id.
func (p *IndexPool) Acquire() (int, bool) {
	if p.used == ^uint64(0) {
		return 0, false
	}
	id := bits.TrailingZeros64(^p.used)
	p.used |= 1 << uint(id)
	return id, true
}

// Release returns id to the pool. Trap ids are never released.
func (p *IndexPool) Release(id int) {
	if id <= TrapHighID || id >= MaxIDs {
		return
	}
	p.used &^= 1 << uint(id)
}

// InUse reports whether id is live.
func (p *IndexPool) InUse(id int) bool {
	if id < 0 || id >= MaxIDs {
		return false
	}
	return p.used&(1<<uint(id)) != 0
}

// Free returns the number of ids available.
func (p *IndexPool) Free() int {
	return MaxIDs - bits.OnesCount64(p.used)
}
