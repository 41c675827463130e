package engine

import "sort"

// Region is a contiguous block of instruction RAM.
type Region struct {
	Base  int
	Words int
}

// End returns one past the last word of r.
func (r Region) End() int { return r.Base + r.Words }

// Allocator places blocks in a RAM of fixed size using best fit.
//
// Occupied regions are kept sorted by base address. Free space is never
// tracked separately: the gaps between consecutive regions, and before the
// first and after the last up to the top of RAM, are the candidates.
type Allocator struct {
	size    int
	regions []Region
}

// NewAllocator returns an allocator for a RAM of size words.
func NewAllocator(size int) *Allocator {
	return &Allocator{size: size}
}

// Size returns the RAM size in words.
func (a *Allocator) Size() int { return a.size }

// Place returns the base of the smallest gap that holds n words, ties
// resolving to the lowest address. It does not reserve the gap.
func (a *Allocator) Place(n int) (int, bool) {
	if n <= 0 {
		return 0, false
	}
	best, bestSize := -1, 0
	for _, g := range a.Gaps() {
		if g.Words < n {
			continue
		}
		if best < 0 || g.Words < bestSize {
			best, bestSize = g.Base, g.Words
			if bestSize == n {
				break
			}
		}
	}
	return best, best >= 0
}

// Reserve marks [base, base+n) occupied. It reports false if the block
// leaves RAM or overlaps a live region.
func (a *Allocator) Reserve(base, n int) bool {
	if n <= 0 || base < 0 || base+n > a.size {
		return false
	}
	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].Base >= base })
	if i > 0 && a.regions[i-1].End() > base {
		return false
	}
	if i < len(a.regions) && a.regions[i].Base < base+n {
		return false
	}
	a.regions = append(a.regions, Region{})
	copy(a.regions[i+1:], a.regions[i:])
	a.regions[i] = Region{Base: base, Words: n}
	return true
}

// Release frees the region starting at base.
func (a *Allocator) Release(base int) bool {
	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].Base >= base })
	if i == len(a.regions) || a.regions[i].Base != base {
		return false
	}
	a.regions = append(a.regions[:i], a.regions[i+1:]...)
	return true
}

// Gaps returns the free regions in ascending address order.
func (a *Allocator) Gaps() []Region {
	var gaps []Region
	addr := 0
	for _, r := range a.regions {
		if r.Base > addr {
			gaps = append(gaps, Region{Base: addr, Words: r.Base - addr})
		}
		addr = r.End()
	}
	if addr < a.size {
		gaps = append(gaps, Region{Base: addr, Words: a.size - addr})
	}
	return gaps
}

// Regions returns the occupied regions in ascending address order.
func (a *Allocator) Regions() []Region {
	out := make([]Region, len(a.regions))
	copy(out, a.regions)
	return out
}
