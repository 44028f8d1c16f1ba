package mem

import "fmt"
import "sync"
import "sync/atomic"

// Page-table entry bits. Bits 9-11 are ignored by the hardware walker and
// carry the copy-on-write state.
const PTE_P Pa_t = 1 << 0
const PTE_W Pa_t = 1 << 1
const PTE_U Pa_t = 1 << 2
const PTE_X Pa_t = 1 << 3
const PTE_COW Pa_t = 1 << 9
const PTE_WASCOW Pa_t = 1 << 10

const PTE_ADDR Pa_t = PGMASK
const PTE_FLAGS Pa_t = PTE_P | PTE_W | PTE_U | PTE_X | PTE_COW | PTE_WASCOW

// MAXCPUS bounds the number of logical CPUs.
const MAXCPUS = 64

// Mmuctx_t is a page-table tree plus a lock. It owns at most one physical
// address space on each CPU; Switch loads it.
type Mmuctx_t struct {
	sync.Mutex
	p_pml4 Pa_t
	// bitmask of CPUs that have this context loaded
	cpumask uint64
	// shootdowns observed; tests and the debugger read this
	Nshoots int64
}

var _curctx [MAXCPUS]atomic.Pointer[Mmuctx_t]

// Mkmmuctx allocates an empty context. Returns nil when out of frames.
func Mkmmuctx() *Mmuctx_t {
	_, p_pml4, ok := Physmem.Refpg_new()
	if !ok {
		return nil
	}
	return &Mmuctx_t{p_pml4: p_pml4}
}

// Kernel context, created by Phys_init callers during boot.
var Kmmuctx *Mmuctx_t

func (ctx *Mmuctx_t) walk(va uintptr, create bool) *Pa_t {
	l4b := (va >> (12 + 9*3)) & 0x1ff
	pdpb := (va >> (12 + 9*2)) & 0x1ff
	pdb := (va >> (12 + 9*1)) & 0x1ff
	ptb := (va >> (12 + 9*0)) & 0x1ff

	next := Physmem.Dmappmap(ctx.p_pml4)
	for _, idx := range []uintptr{l4b, pdpb, pdb} {
		pe := next[idx]
		if pe&PTE_P == 0 {
			if !create {
				return nil
			}
			_, p_np, ok := Physmem.Refpg_new()
			if !ok {
				return nil
			}
			pe = p_np | PTE_P | PTE_W | PTE_U
			next[idx] = pe
		}
		next = Physmem.Dmappmap(pe & PTE_ADDR)
	}
	return &next[ptb]
}

// Map installs va → p_pg with the given protection bits. The frame's
// refcount is raised. Fails with false when a mapping already exists or a
// table frame cannot be allocated.
func (ctx *Mmuctx_t) Map(va uintptr, p_pg Pa_t, prot Pa_t) bool {
	if va&uintptr(PGOFFSET) != 0 || p_pg&PGOFFSET != 0 {
		panic("unaligned map")
	}
	pte := ctx.walk(va, true)
	if pte == nil {
		return false
	}
	if *pte&PTE_P != 0 {
		panic(fmt.Sprintf("va %#x already mapped", va))
	}
	Physmem.Refup(p_pg)
	*pte = p_pg | prot | PTE_P
	return true
}

// Remap replaces an existing mapping in place, dropping the old frame's
// reference. Used by the fault handler on protection faults.
func (ctx *Mmuctx_t) Remap(va uintptr, p_pg Pa_t, prot Pa_t) bool {
	pte := ctx.walk(va, true)
	if pte == nil {
		return false
	}
	Physmem.Refup(p_pg)
	if *pte&PTE_P != 0 {
		Physmem.Refdown(*pte & PTE_ADDR)
	}
	*pte = p_pg | prot | PTE_P
	return true
}

// Unmap removes the mapping at va and returns the frame it referenced. The
// frame's reference is dropped. shared selects a remote TLB shootdown.
func (ctx *Mmuctx_t) Unmap(va uintptr, shared bool) (Pa_t, bool) {
	pte := ctx.walk(va, false)
	if pte == nil || *pte&PTE_P == 0 {
		return 0, false
	}
	p_old := *pte & PTE_ADDR
	*pte = 0
	Physmem.Refdown(p_old)
	ctx.Invalidate(va, 1, shared)
	return p_old, true
}

// Protect updates the protection bits of every present mapping in
// [start, end) and shoots down the range.
func (ctx *Mmuctx_t) Protect(start, end uintptr, prot Pa_t) {
	n := 0
	for va := start; va < end; va += uintptr(PGSIZE) {
		pte := ctx.walk(va, false)
		if pte == nil || *pte&PTE_P == 0 {
			continue
		}
		*pte = (*pte & PTE_ADDR) | prot | PTE_P
		n++
	}
	if n > 0 {
		ctx.Invalidate(start, int((end-start))>>int(PGSHIFT), true)
	}
}

// Query returns the frame and flags mapped at va.
func (ctx *Mmuctx_t) Query(va uintptr) (Pa_t, Pa_t, bool) {
	pte := ctx.walk(va, false)
	if pte == nil || *pte&PTE_P == 0 {
		return 0, 0, false
	}
	return *pte & PTE_ADDR, *pte & PTE_FLAGS, true
}

// Pte returns the raw pte pointer for va, creating intermediate levels when
// create is set. The fault handler writes through it under the ctx lock.
func (ctx *Mmuctx_t) Pte(va uintptr, create bool) *Pa_t {
	return ctx.walk(va, create)
}

// Switch loads the context on the given CPU.
func (ctx *Mmuctx_t) Switch(cpu int) {
	if cpu < 0 || cpu >= MAXCPUS {
		panic("bad cpu")
	}
	if old := _curctx[cpu].Load(); old != nil {
		// clear our bit in the old context
		for {
			m := atomic.LoadUint64(&old.cpumask)
			if atomic.CompareAndSwapUint64(&old.cpumask, m, m&^(1<<uint(cpu))) {
				break
			}
		}
	}
	for {
		m := atomic.LoadUint64(&ctx.cpumask)
		if atomic.CompareAndSwapUint64(&ctx.cpumask, m, m|1<<uint(cpu)) {
			break
		}
	}
	_curctx[cpu].Store(ctx)
}

// Current returns the context loaded on cpu.
func Current(cpu int) *Mmuctx_t {
	return _curctx[cpu].Load()
}

// Invalidate flushes [va, va+pgcount*PGSIZE) from the TLB of every CPU with
// this context loaded. With shared false only the local flush is counted.
func (ctx *Mmuctx_t) Invalidate(va uintptr, pgcount int, shared bool) {
	if pgcount == 0 {
		return
	}
	n := int64(1)
	if shared {
		m := atomic.LoadUint64(&ctx.cpumask)
		n = 0
		for ; m != 0; m &= m - 1 {
			n++
		}
		if n == 0 {
			n = 1
		}
	}
	atomic.AddInt64(&ctx.Nshoots, n)
}

// Free tears the tree down, dropping references on every mapped frame. The
// context must not be loaded anywhere.
func (ctx *Mmuctx_t) Free() {
	if atomic.LoadUint64(&ctx.cpumask) != 0 {
		panic("freeing loaded mmu context")
	}
	ctx.freelevel(ctx.p_pml4, 3)
	Physmem.Refdown(ctx.p_pml4)
	ctx.p_pml4 = 0
}

func (ctx *Mmuctx_t) freelevel(p_tbl Pa_t, lev int) {
	tbl := Physmem.Dmappmap(p_tbl)
	for i, pe := range tbl {
		if pe&PTE_P == 0 {
			continue
		}
		p := pe & PTE_ADDR
		if lev > 0 {
			ctx.freelevel(p, lev-1)
		}
		Physmem.Refdown(p)
		tbl[i] = 0
	}
}
