package vm

import "fmt"
import "sort"
import "sync"

import "kiwi/defs"
import "kiwi/limits"
import "kiwi/mem"
import "kiwi/util"

// Vmflag_t carries the region flags of a mapping request.
type Vmflag_t uint

const (
	VM_READ Vmflag_t = 1 << iota
	VM_WRITE
	VM_EXEC
	VM_PRIVATE
	VM_FIXED
	VM_SHARED
)

// Region_t is a contiguous range of an address space with uniform flags
// backed by a VM object.
type Region_t struct {
	start, end uintptr
	perms      Access_t
	private    bool
	obj        Vmobj_i
	off        int64
	as         *Aspace_t
}

// Start and End expose the region's half-open interval.
func (r *Region_t) Start() uintptr { return r.start }
func (r *Region_t) End() uintptr   { return r.end }

func (r *Region_t) pglen() int {
	return int(r.end-r.start) >> mem.PGSHIFT
}

// Aspace_t is a user address space: a sorted set of non-overlapping
// regions plus the MMU context they are installed in.
type Aspace_t struct {
	sync.Mutex
	regions []*Region_t
	Ctx     *mem.Mmuctx_t
	base    uintptr
	top     uintptr
}

// Mkaspace creates an address space spanning [base, top) user VA.
func Mkaspace(base, top uintptr) (*Aspace_t, defs.Err_t) {
	ctx := mem.Mkmmuctx()
	if ctx == nil {
		return nil, -defs.ENOMEM
	}
	return &Aspace_t{Ctx: ctx, base: base, top: top}, 0
}

func (as *Aspace_t) find(va uintptr) (*Region_t, int) {
	i := sort.Search(len(as.regions), func(i int) bool {
		return as.regions[i].end > va
	})
	if i < len(as.regions) && as.regions[i].start <= va {
		return as.regions[i], i
	}
	return nil, i
}

// findhole returns a start address for a mapping of size bytes, or 0.
func (as *Aspace_t) findhole(size uintptr) uintptr {
	prev := as.base
	for _, r := range as.regions {
		if r.start-prev >= size {
			return prev
		}
		prev = r.end
	}
	if as.top-prev >= size {
		return prev
	}
	return 0
}

// Map installs a mapping of obj at [addr, addr+size) (addr 0 = kernel
// chooses; VM_FIXED requires the exact range to be free). A VM_PRIVATE
// mapping shadows obj with a per-region anonymous object so writes are
// copy-on-write against it.
func (as *Aspace_t) Map(obj Vmobj_i, off int64, size uintptr, addr uintptr,
	flags Vmflag_t) (uintptr, defs.Err_t) {
	if size == 0 || size&uintptr(mem.PGOFFSET) != 0 ||
		addr&uintptr(mem.PGOFFSET) != 0 || off&int64(mem.PGOFFSET) != 0 {
		return 0, -defs.EINVAL
	}
	if flags&VM_PRIVATE != 0 && flags&VM_SHARED != 0 {
		return 0, -defs.EINVAL
	}
	as.Lock()
	defer as.Unlock()
	if len(as.regions) >= limits.Syslimit.Regions {
		return 0, -defs.ENOMEM
	}
	if addr == 0 {
		addr = as.findhole(size)
		if addr == 0 {
			return 0, -defs.ENOMEM
		}
	} else {
		if addr < as.base || addr+size > as.top {
			return 0, -defs.EINVAL
		}
		for _, r := range as.regions {
			if addr < r.end && addr+size > r.start {
				if flags&VM_FIXED != 0 {
					return 0, -defs.EEXIST
				}
				return 0, -defs.EINVAL
			}
		}
	}
	pglen := int(size >> mem.PGSHIFT)
	private := flags&VM_PRIVATE != 0
	regoff := off
	if private {
		src, ok := obj.(Pagesrc_i)
		if !ok {
			return 0, -defs.EOPNOTSUPP
		}
		obj = Mkanon(pglen, src, off)
		regoff = 0
	}
	r := &Region_t{
		start:   addr,
		end:     addr + size,
		perms:   accessof(flags),
		private: private,
		obj:     obj,
		off:     regoff,
		as:      as,
	}
	if err := obj.Map(regoff, pglen); err != 0 {
		return 0, err
	}
	obj.Get(r)
	as.insert(r)
	return addr, 0
}

func accessof(flags Vmflag_t) Access_t {
	var a Access_t
	if flags&VM_READ != 0 {
		a |= ACC_READ
	}
	if flags&VM_WRITE != 0 {
		a |= ACC_WRITE
	}
	if flags&VM_EXEC != 0 {
		a |= ACC_EXEC
	}
	return a
}

func (as *Aspace_t) insert(r *Region_t) {
	i := sort.Search(len(as.regions), func(i int) bool {
		return as.regions[i].start > r.start
	})
	as.regions = append(as.regions, nil)
	copy(as.regions[i+1:], as.regions[i:])
	as.regions[i] = r
}

// Unmap removes [addr, addr+size), updating the MMU context with a remote
// shootdown. Partial overlaps trim or split regions.
func (as *Aspace_t) Unmap(addr, size uintptr) defs.Err_t {
	if addr&uintptr(mem.PGOFFSET) != 0 {
		return -defs.EINVAL
	}
	size = uintptr(util.Roundup(int(size), mem.PGSIZE))
	end := addr + size
	as.Lock()
	defer as.Unlock()
	for i := 0; i < len(as.regions); {
		r := as.regions[i]
		if r.end <= addr || r.start >= end {
			i++
			continue
		}
		ostart, oend := util.Max(r.start, addr), util.Min(r.end, end)
		for va := ostart; va < oend; va += uintptr(mem.PGSIZE) {
			as.Ctx.Unmap(va, true)
		}
		r.obj.Unmap(r.off+int64(ostart-r.start),
			int(oend-ostart)>>mem.PGSHIFT)
		switch {
		case ostart == r.start && oend == r.end:
			r.obj.Release(r)
			as.regions = append(as.regions[:i], as.regions[i+1:]...)
			continue
		case ostart == r.start:
			r.off += int64(oend - r.start)
			r.start = oend
		case oend == r.end:
			r.end = ostart
		default:
			// middle removal splits the region
			tail := &Region_t{
				start: oend, end: r.end, perms: r.perms,
				private: r.private, obj: r.obj,
				off: r.off + int64(oend-r.start), as: as,
			}
			r.end = ostart
			tail.obj.Get(tail)
			as.insert(tail)
		}
		i++
	}
	return 0
}

// Protect changes the flags of every whole region inside [addr, addr+size)
// and downgrades the installed mappings.
func (as *Aspace_t) Protect(addr, size uintptr, flags Vmflag_t) defs.Err_t {
	end := addr + size
	as.Lock()
	defer as.Unlock()
	found := false
	for _, r := range as.regions {
		if r.end <= addr || r.start >= end {
			continue
		}
		found = true
		r.perms = accessof(flags)
		prot := mem.Pa_t(mem.PTE_U)
		if r.perms&ACC_WRITE != 0 {
			prot |= mem.PTE_W
		}
		if r.perms&ACC_EXEC != 0 {
			prot |= mem.PTE_X
		}
		as.Ctx.Protect(util.Max(r.start, addr), util.Min(r.end, end), prot)
	}
	if !found {
		return -defs.ENOENT
	}
	return 0
}

// Pgfault is the fault entry point. It verifies the access against the
// region's flags and dispatches to the backing object; an unhandled fault
// is -EFAULT, which the process layer turns into a signal.
func (as *Aspace_t) Pgfault(va uintptr, access Access_t) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	r, _ := as.find(va)
	if r == nil {
		return -defs.EFAULT
	}
	if r.perms&access != access {
		return -defs.EFAULT
	}
	reason := FAULT_NOTPRESENT
	if _, _, present := as.Ctx.Query(va &^ uintptr(mem.PGOFFSET)); present {
		reason = FAULT_PROTECTION
	}
	return r.obj.Fault(r, va, reason, access)
}

// Copyregion duplicates one private region of as into dst at the same
// address: dst's region shadows the same object slots and the source's
// installed writable mappings are flipped read-only so the next store on
// either side faults for its own copy.
func (as *Aspace_t) Copyregion(r *Region_t, dst *Aspace_t) defs.Err_t {
	if !r.private {
		return -defs.EOPNOTSUPP
	}
	src, ok := r.obj.(Pagesrc_i)
	if !ok {
		return -defs.EOPNOTSUPP
	}
	pglen := r.pglen()
	nobj := Mkanon(pglen, src, r.off)
	nr := &Region_t{
		start: r.start, end: r.end, perms: r.perms, private: true,
		obj: nobj, off: 0, as: dst,
	}
	if err := nobj.Map(0, pglen); err != 0 {
		return err
	}
	nobj.Get(nr)
	dst.Lock()
	dst.insert(nr)
	dst.Unlock()
	// flip the source's present writable mappings read-only
	ro := mem.Pa_t(mem.PTE_U)
	if r.perms&ACC_EXEC != 0 {
		ro |= mem.PTE_X
	}
	as.Ctx.Protect(r.start, r.end, ro|mem.PTE_COW)
	return 0
}

// Read copies n bytes at va out of the address space, faulting pages in as
// needed. A miss on an unmapped address is -EFAULT.
func (as *Aspace_t) Read(va uintptr, n int) ([]uint8, defs.Err_t) {
	ret := make([]uint8, 0, n)
	for n > 0 {
		pgva := va &^ uintptr(mem.PGOFFSET)
		p_pg, _, ok := as.Ctx.Query(pgva)
		if !ok {
			if err := as.Pgfault(va, ACC_READ); err != 0 {
				return nil, err
			}
			p_pg, _, ok = as.Ctx.Query(pgva)
			if !ok {
				panic("fault succeeded but no mapping")
			}
		}
		src := mem.Physmem.Dmap8(p_pg + mem.Pa_t(va&uintptr(mem.PGOFFSET)))
		l := util.Min(n, len(src))
		ret = append(ret, src[:l]...)
		va += uintptr(l)
		n -= l
	}
	return ret, 0
}

// Write copies src into the address space at va with write-fault
// semantics, so copy-on-write is honoured.
func (as *Aspace_t) Write(va uintptr, src []uint8) defs.Err_t {
	for len(src) > 0 {
		pgva := va &^ uintptr(mem.PGOFFSET)
		p_pg, flags, ok := as.Ctx.Query(pgva)
		if !ok || flags&mem.PTE_W == 0 {
			if err := as.Pgfault(va, ACC_WRITE); err != 0 {
				return err
			}
			p_pg, _, ok = as.Ctx.Query(pgva)
			if !ok {
				panic("fault succeeded but no mapping")
			}
		}
		dst := mem.Physmem.Dmap8(p_pg + mem.Pa_t(va&uintptr(mem.PGOFFSET)))
		did := copy(dst, src)
		src = src[did:]
		va += uintptr(did)
	}
	return 0
}

// Free unmaps everything and destroys the MMU context.
func (as *Aspace_t) Free() {
	as.Lock()
	for _, r := range as.regions {
		for va := r.start; va < r.end; va += uintptr(mem.PGSIZE) {
			as.Ctx.Unmap(va, false)
		}
		r.obj.Unmap(r.off, r.pglen())
		r.obj.Release(r)
	}
	as.regions = nil
	as.Unlock()
	as.Ctx.Free()
}

// Dump prints the region list for the kernel debugger.
func (as *Aspace_t) Dump() string {
	as.Lock()
	defer as.Unlock()
	s := ""
	for _, r := range as.regions {
		perms := ""
		if r.perms&ACC_READ != 0 {
			perms += "r"
		}
		if r.perms&ACC_WRITE != 0 {
			perms += "w"
		}
		if r.perms&ACC_EXEC != 0 {
			perms += "x"
		}
		if r.private {
			perms += "p"
		}
		s += fmt.Sprintf("[%#x-%#x) %s\n", r.start, r.end, perms)
	}
	return s
}
