// Package kmem manages the kernel virtual address window. It hands out
// page-multiple ranges of kernel VA, optionally backed by physical frames
// mapped through the kernel MMU context.
//
// Free ranges are bucketed by floor(log2(size)) with a bitmap of non-empty
// buckets; allocated ranges are indexed by a hash on the base address. All
// ranges, free and allocated, sit on one sorted list so frees can coalesce
// with their neighbours.
package kmem

import "fmt"
import "sync"

import "kiwi/defs"
import "kiwi/mem"
import "kiwi/stats"
import "kiwi/util"

const kmem_debug = false

// number of free buckets; covers any range size expressible in a uintptr
const nfreelists = 64

const initialHashSize = 16

// chain depth at which a rehash is flagged
const rehashThreshold = 32

type range_t struct {
	addr      uintptr
	size      uintptr
	allocated bool
	// sorted all-ranges list
	prev, next *range_t
	// free bucket chain or hash chain, depending on allocated
	chain *range_t
}

type kstats_t struct {
	Nalloc  stats.Counter_t
	Nfree   stats.Counter_t
	Nsplit  stats.Counter_t
	Nmerge  stats.Counter_t
	Nrehash stats.Counter_t
}

// Kmem_t is one kernel VA window.
type Kmem_t struct {
	sync.Mutex
	base uintptr
	size uintptr
	// sorted list of all ranges
	head, tail *range_t
	free       [nfreelists]*range_t
	freemap    uint64
	hash       []*range_t
	hashsize   int
	rehashflag bool
	pool       *range_t
	ctx        *mem.Mmuctx_t
	stats      kstats_t
}

// Kmem is the kernel allocator instance, set by Kmem_init.
var Kmem *Kmem_t

// Kmem_init creates the kernel allocator over [base, base+size) backed by
// the given MMU context and installs it as the package instance.
func Kmem_init(base, size uintptr, ctx *mem.Mmuctx_t) *Kmem_t {
	Kmem = MkKmem(base, size, ctx)
	return Kmem
}

// MkKmem returns an allocator over [base, base+size).
func MkKmem(base, size uintptr, ctx *mem.Mmuctx_t) *Kmem_t {
	if base&uintptr(mem.PGOFFSET) != 0 || size&uintptr(mem.PGOFFSET) != 0 {
		panic("kmem window not page aligned")
	}
	km := &Kmem_t{base: base, size: size, ctx: ctx}
	km.hash = make([]*range_t, initialHashSize)
	km.hashsize = initialHashSize
	r := km.getrange()
	r.addr = base
	r.size = size
	km.head, km.tail = r, r
	km.freeinsert(r)
	return km
}

// Reserve marks [addr, addr+size) as allocated without touching the MMU.
// Boot hands kmem the loader-used VA this way so a later free of it is
// handled like any other.
func (km *Kmem_t) Reserve(addr, size uintptr) {
	km.Lock()
	defer km.Unlock()
	r := km.searchfree(size, addr)
	if r == nil || r.addr > addr || r.addr+r.size < addr+size {
		panic("reserve outside free range")
	}
	km.freeremove(r)
	// split off the leading piece
	if r.addr < addr {
		lead := km.getrange()
		lead.addr = r.addr
		lead.size = addr - r.addr
		km.insertbefore(lead, r)
		r.addr = addr
		r.size -= lead.size
		km.freeinsert(lead)
	}
	// and the trailing piece
	if r.size > size {
		tailr := km.getrange()
		tailr.addr = addr + size
		tailr.size = r.size - size
		km.insertafter(tailr, r)
		r.size = size
		km.freeinsert(tailr)
	}
	r.allocated = true
	km.hashinsert(r)
}

//
// range structure pool. structures come in page-sized batches, mirroring
// the private slab the range allocator feeds on.
//

func (km *Kmem_t) getrange() *range_t {
	if km.pool == nil {
		n := mem.PGSIZE / 64
		for i := 0; i < n; i++ {
			r := &range_t{}
			r.chain = km.pool
			km.pool = r
		}
	}
	r := km.pool
	km.pool = r.chain
	*r = range_t{}
	return r
}

func (km *Kmem_t) putrange(r *range_t) {
	*r = range_t{}
	r.chain = km.pool
	km.pool = r
}

//
// sorted all-ranges list
//

func (km *Kmem_t) insertbefore(n, at *range_t) {
	n.next = at
	n.prev = at.prev
	if at.prev != nil {
		at.prev.next = n
	} else {
		km.head = n
	}
	at.prev = n
}

func (km *Kmem_t) insertafter(n, at *range_t) {
	n.prev = at
	n.next = at.next
	if at.next != nil {
		at.next.prev = n
	} else {
		km.tail = n
	}
	at.next = n
}

func (km *Kmem_t) unlink(r *range_t) {
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		km.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	} else {
		km.tail = r.prev
	}
	r.prev, r.next = nil, nil
}

//
// free buckets
//

func bucketfor(size uintptr) uint {
	return util.Log2(uint(size))
}

func (km *Kmem_t) freeinsert(r *range_t) {
	b := bucketfor(r.size)
	r.allocated = false
	r.chain = km.free[b]
	km.free[b] = r
	km.freemap |= 1 << b
}

func (km *Kmem_t) freeremove(r *range_t) {
	b := bucketfor(r.size)
	pp := &km.free[b]
	for *pp != nil && *pp != r {
		pp = &(*pp).chain
	}
	if *pp == nil {
		panic("range not on free bucket")
	}
	*pp = r.chain
	r.chain = nil
	if km.free[b] == nil {
		km.freemap &^= 1 << b
	}
}

// searchfree finds a free range of at least size bytes; when addr is
// non-zero the range must contain [addr, addr+size).
func (km *Kmem_t) searchfree(size, addr uintptr) *range_t {
	if addr != 0 {
		for r := km.head; r != nil; r = r.next {
			if !r.allocated && r.addr <= addr &&
				r.addr+r.size >= addr+size {
				return r
			}
		}
		return nil
	}
	k := bucketfor(size)
	// for a non-power-of-two size prefer a higher bucket: any range
	// there is guaranteed large enough, no chain walk needed
	if !util.Ispow2(uint(size)) && km.freemap>>(k+1) != 0 {
		k++
	}
	for b := k; b < nfreelists; b++ {
		if km.freemap&(1<<b) == 0 {
			continue
		}
		for r := km.free[b]; r != nil; r = r.chain {
			if r.size >= size {
				return r
			}
		}
	}
	return nil
}

//
// allocated hash
//

func (km *Kmem_t) hashidx(addr uintptr) int {
	h := uint64(addr) * 0x9e3779b97f4a7c15
	return int(h % uint64(km.hashsize))
}

func (km *Kmem_t) hashinsert(r *range_t) {
	i := km.hashidx(r.addr)
	depth := 0
	for c := km.hash[i]; c != nil; c = c.chain {
		depth++
	}
	if depth >= rehashThreshold && !km.rehashflag {
		km.rehashflag = true
		km.stats.Nrehash.Inc()
	}
	r.chain = km.hash[i]
	km.hash[i] = r
}

func (km *Kmem_t) hashremove(addr, size uintptr) *range_t {
	i := km.hashidx(addr)
	pp := &km.hash[i]
	for *pp != nil {
		r := *pp
		if r.addr == addr {
			if r.size != size {
				panic(fmt.Sprintf("kmem free %#x: size %v != %v",
					addr, size, r.size))
			}
			*pp = r.chain
			r.chain = nil
			return r
		}
		pp = &r.chain
	}
	return nil
}

//
// public contract
//

// Raw_alloc reserves a VA range with no physical backing. Returns 0 when
// the window is exhausted, unless MM_BOOT, which panics.
func (km *Kmem_t) Raw_alloc(size uintptr, flags defs.Mmflag_t) uintptr {
	if size == 0 || size&uintptr(mem.PGOFFSET) != 0 {
		panic("bad kmem size")
	}
	km.Lock()
	r := km.searchfree(size, 0)
	if r == nil {
		km.Unlock()
		if flags&defs.MM_BOOT != 0 {
			panic("kmem exhausted during boot")
		}
		return 0
	}
	km.freeremove(r)
	if r.size > size {
		// give the tail back
		tailr := km.getrange()
		tailr.addr = r.addr + size
		tailr.size = r.size - size
		km.insertafter(tailr, r)
		r.size = size
		km.freeinsert(tailr)
		km.stats.Nsplit.Inc()
	}
	r.allocated = true
	km.hashinsert(r)
	km.stats.Nalloc.Inc()
	addr := r.addr
	km.Unlock()
	if kmem_debug {
		fmt.Printf("kmem: raw_alloc %#x +%#x\n", addr, size)
	}
	return addr
}

// Raw_free returns a range; size must match the allocation exactly.
func (km *Kmem_t) Raw_free(addr, size uintptr) {
	km.Lock()
	r := km.hashremove(addr, size)
	if r == nil {
		panic(fmt.Sprintf("kmem free of unallocated range %#x", addr))
	}
	km.stats.Nfree.Inc()
	// coalesce with the left neighbour, then the right
	if p := r.prev; p != nil && !p.allocated {
		km.freeremove(p)
		km.unlink(p)
		r.addr = p.addr
		r.size += p.size
		km.putrange(p)
		km.stats.Nmerge.Inc()
	}
	if n := r.next; n != nil && !n.allocated {
		km.freeremove(n)
		km.unlink(n)
		r.size += n.size
		km.putrange(n)
		km.stats.Nmerge.Inc()
	}
	km.freeinsert(r)
	km.Unlock()
}

// Alloc reserves a range and backs every page with a fresh frame. MM_ZERO
// zeroes the backing.
func (km *Kmem_t) Alloc(size uintptr, flags defs.Mmflag_t) uintptr {
	size = uintptr(util.Roundup(int(size), mem.PGSIZE))
	addr := km.Raw_alloc(size, flags)
	if addr == 0 {
		return 0
	}
	for off := uintptr(0); off < size; off += uintptr(mem.PGSIZE) {
		var p_pg mem.Pa_t
		var ok bool
		if flags&defs.MM_ZERO != 0 {
			_, p_pg, ok = mem.Physmem.Refpg_new()
		} else {
			_, p_pg, ok = mem.Physmem.Refpg_new_nozero()
		}
		if ok {
			ok = km.ctx.Map(addr+off, p_pg, mem.PTE_W)
			// the map took its own reference
			if ok {
				mem.Physmem.Refdown(p_pg)
			}
		}
		if !ok {
			if flags&defs.MM_BOOT != 0 {
				panic("kmem backing exhausted during boot")
			}
			km.unback(addr, off)
			km.Raw_free(addr, size)
			return 0
		}
	}
	return addr
}

// Free is the inverse of Alloc.
func (km *Kmem_t) Free(addr, size uintptr) {
	size = uintptr(util.Roundup(int(size), mem.PGSIZE))
	km.unback(addr, size)
	km.Raw_free(addr, size)
}

func (km *Kmem_t) unback(addr, size uintptr) {
	for off := uintptr(0); off < size; off += uintptr(mem.PGSIZE) {
		km.ctx.Unmap(addr+off, false)
	}
}

// Map reserves a range and maps the pre-existing contiguous physical range
// starting at paddr into it.
func (km *Kmem_t) Map(paddr mem.Pa_t, size uintptr, flags defs.Mmflag_t) uintptr {
	size = uintptr(util.Roundup(int(size), mem.PGSIZE))
	addr := km.Raw_alloc(size, flags)
	if addr == 0 {
		return 0
	}
	for off := uintptr(0); off < size; off += uintptr(mem.PGSIZE) {
		if !km.ctx.Map(addr+off, paddr+mem.Pa_t(off), mem.PTE_W) {
			km.unback(addr, off)
			km.Raw_free(addr, size)
			return 0
		}
	}
	return addr
}

// Unmap is the inverse of Map; shared selects a remote TLB shootdown.
func (km *Kmem_t) Unmap(addr, size uintptr, shared bool) {
	size = uintptr(util.Roundup(int(size), mem.PGSIZE))
	for off := uintptr(0); off < size; off += uintptr(mem.PGSIZE) {
		km.ctx.Unmap(addr+off, shared)
	}
	km.Raw_free(addr, size)
}

// Readbytes returns the backing bytes of [addr, addr+n) for kernel callers.
func (km *Kmem_t) Readbytes(addr uintptr, n int) []uint8 {
	ret := make([]uint8, 0, n)
	for n > 0 {
		p_pg, _, ok := km.ctx.Query(addr)
		if !ok {
			panic("unbacked kmem read")
		}
		src := mem.Physmem.Dmap8(p_pg + mem.Pa_t(addr&uintptr(mem.PGOFFSET)))
		l := util.Min(n, len(src))
		ret = append(ret, src[:l]...)
		addr += uintptr(l)
		n -= l
	}
	return ret
}

// Writebytes copies src into the backing of addr.
func (km *Kmem_t) Writebytes(addr uintptr, src []uint8) {
	for len(src) > 0 {
		p_pg, _, ok := km.ctx.Query(addr)
		if !ok {
			panic("unbacked kmem write")
		}
		dst := mem.Physmem.Dmap8(p_pg + mem.Pa_t(addr&uintptr(mem.PGOFFSET)))
		did := copy(dst, src)
		src = src[did:]
		addr += uintptr(did)
	}
}

// Stats returns the allocator's counters.
func (km *Kmem_t) Stats() string {
	return "kmem" + stats.Stats2String(km.stats)
}
