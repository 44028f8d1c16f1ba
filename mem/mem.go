// Package mem implements the physical page allocator and the MMU context.
//
// Physical memory is a reserved arena of page frames. A frame is named by
// its physical address (Pa_t); the direct map (Dmap) returns the frame's
// byte view. Frames carry a reference count, a state, and an optional
// back-reference to the owning page cache. The back-reference is only valid
// while the owning cache's lock is held.
package mem

import "fmt"
import "sync"
import "sync/atomic"
import "unsafe"

const PGSHIFT uint = 12
const PGSIZE int = 1 << PGSHIFT
const PGOFFSET Pa_t = 0xfff
const PGMASK Pa_t = ^(PGOFFSET)

// Pa_t is a physical address.
type Pa_t uintptr

// Bytepg_t is the byte view of one frame.
type Bytepg_t [PGSIZE]uint8

// Pmap_t is one level of a page-table tree stored in a frame.
type Pmap_t [512]Pa_t

// Page states (§3 physical page). A frame is created Free, moves to
// Allocated when handed out, and may sit in a cache as Cached (clean) or
// Modified (dirty).
type Pgstate_t uint8

const (
	PG_FREE Pgstate_t = iota
	PG_ALLOCATED
	PG_MODIFIED
	PG_CACHED
)

func (s Pgstate_t) String() string {
	switch s {
	case PG_FREE:
		return "free"
	case PG_ALLOCATED:
		return "allocated"
	case PG_MODIFIED:
		return "modified"
	case PG_CACHED:
		return "cached"
	}
	return "bad state"
}

// Pgowner_i is implemented by page caches so a frame can name its owner
// without an import cycle.
type Pgowner_i interface {
	Pagename() string
}

// Physpg_t is the bookkeeping for one frame.
type Physpg_t struct {
	Refcnt int32
	State  Pgstate_t
	// index into pgs of the next frame on the free list
	nexti uint32
	// owner cache and byte offset within it; at most one owning cache
	Cache  Pgowner_i
	Offset int64
}

// Physmem_t is the physical page allocator. Free frames are kept on two
// segregated lists: frames reachable through the physical map region are
// preferred; the high list is used only when the low list is empty.
type Physmem_t struct {
	sync.Mutex
	pgs    []Physpg_t
	arena  []Bytepg_t
	startn uint32
	// low (pmap-reachable) and high free lists
	freei   uint32
	hfreei  uint32
	freelen int32
	// first frame index of the high region
	highn uint32
}

const _nofree = ^uint32(0)

func (phys *Physmem_t) pgidx(p_pg Pa_t) uint32 {
	idx := uint32(p_pg>>PGSHIFT) - phys.startn
	if int(idx) >= len(phys.pgs) {
		panic(fmt.Sprintf("bad phys addr %#x", int(p_pg)))
	}
	return idx
}

// Page returns the bookkeeping record for a frame.
func (phys *Physmem_t) Page(p_pg Pa_t) *Physpg_t {
	return &phys.pgs[phys.pgidx(p_pg)]
}

func (phys *Physmem_t) Refaddr(p_pg Pa_t) *int32 {
	return &phys.pgs[phys.pgidx(p_pg)].Refcnt
}

// Refcnt returns the frame's current reference count.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	return int(atomic.LoadInt32(phys.Refaddr(p_pg)))
}

// Refup takes a reference on a frame.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	c := atomic.AddInt32(phys.Refaddr(p_pg), 1)
	if c <= 0 {
		panic("refup of free page")
	}
}

// Refdown drops a reference; when the count reaches zero and the frame is
// clean it returns to the free list. Reports whether the frame was freed.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	idx := phys.pgidx(p_pg)
	c := atomic.AddInt32(&phys.pgs[idx].Refcnt, -1)
	if c < 0 {
		panic("negative ref count")
	}
	if c != 0 {
		return false
	}
	phys.Lock()
	pg := &phys.pgs[idx]
	if pg.Refcnt != 0 {
		// raced with Refup
		phys.Unlock()
		return false
	}
	pg.State = PG_FREE
	pg.Cache = nil
	pg.Offset = 0
	if idx >= phys.highn {
		pg.nexti = phys.hfreei
		phys.hfreei = idx
	} else {
		pg.nexti = phys.freei
		phys.freei = idx
	}
	phys.freelen++
	phys.Unlock()
	return true
}

// Refpg_new allocates a zeroed frame in state Allocated with refcount 1.
func (phys *Physmem_t) Refpg_new() (*Bytepg_t, Pa_t, bool) {
	pg, p_pg, ok := phys.Refpg_new_nozero()
	if !ok {
		return nil, 0, false
	}
	*pg = Bytepg_t{}
	return pg, p_pg, true
}

// Refpg_new_nozero is Refpg_new without the zero fill.
func (phys *Physmem_t) Refpg_new_nozero() (*Bytepg_t, Pa_t, bool) {
	phys.Lock()
	idx := phys.freei
	fl := &phys.freei
	if idx == _nofree {
		idx = phys.hfreei
		fl = &phys.hfreei
	}
	if idx == _nofree {
		phys.Unlock()
		return nil, 0, false
	}
	pg := &phys.pgs[idx]
	*fl = pg.nexti
	phys.freelen--
	if pg.Refcnt != 0 {
		panic("freelist page has refs")
	}
	pg.Refcnt = 1
	pg.State = PG_ALLOCATED
	phys.Unlock()
	p_pg := Pa_t(idx+phys.startn) << PGSHIFT
	return phys.Dmap(p_pg), p_pg, true
}

// Freelen returns the number of free frames.
func (phys *Physmem_t) Freelen() int {
	phys.Lock()
	r := int(phys.freelen)
	phys.Unlock()
	return r
}

// Dmap returns the byte view of the frame containing p.
func (phys *Physmem_t) Dmap(p Pa_t) *Bytepg_t {
	return &phys.arena[phys.pgidx(p&PGMASK)]
}

// Dmap8 returns the bytes of the frame starting at p's offset.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	return pg[off:]
}

func pg2pmap(pg *Bytepg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

// Dmappmap returns the page-table view of the frame containing p.
func (phys *Physmem_t) Dmappmap(p Pa_t) *Pmap_t {
	return pg2pmap(phys.Dmap(p))
}

// Physmem is the system physical allocator, set up by Phys_init.
var Physmem = &Physmem_t{}

// P_zeropg is a frame that stays zero; mappings of it are always read-only.
var P_zeropg Pa_t
var Zeropg *Bytepg_t

// Phys_init reserves respgs frames, the upper eighth of which form the
// not-pmap-reachable high region. Boot-time allocations never block; the
// allocator simply fails when both lists are empty.
func Phys_init(respgs int) *Physmem_t {
	phys := Physmem
	phys.pgs = make([]Physpg_t, respgs)
	phys.arena = make([]Bytepg_t, respgs)
	phys.startn = 0x100
	phys.highn = uint32(respgs - respgs/8)
	phys.freei = _nofree
	phys.hfreei = _nofree
	phys.freelen = 0
	for i := respgs - 1; i >= 0; i-- {
		idx := uint32(i)
		if idx >= phys.highn {
			phys.pgs[idx].nexti = phys.hfreei
			phys.hfreei = idx
		} else {
			phys.pgs[idx].nexti = phys.freei
			phys.freei = idx
		}
		phys.freelen++
	}
	_, p_z, ok := phys.Refpg_new()
	if !ok {
		panic("no mem for zero page")
	}
	P_zeropg = p_z
	Zeropg = phys.Dmap(p_z)
	return phys
}
