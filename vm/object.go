package vm

import "fmt"
import "sync"

import "kiwi/defs"
import "kiwi/mem"

// Access_t is the access that caused a fault.
type Access_t uint

const (
	ACC_READ Access_t = 1 << iota
	ACC_WRITE
	ACC_EXEC
)

// Faultreason_t distinguishes not-present from protection faults.
type Faultreason_t uint

const (
	FAULT_NOTPRESENT Faultreason_t = iota
	FAULT_PROTECTION
)

// Vmobj_i is the capability set every region backer provides. A region
// holds a Get reference on its object; Map/Unmap bracket the region's
// coverage of the object so per-page region counts stay exact.
type Vmobj_i interface {
	Get(r *Region_t)
	Release(r *Region_t)
	Map(off int64, pglen int) defs.Err_t
	Unmap(off int64, pglen int)
	Fault(r *Region_t, va uintptr, reason Faultreason_t, access Access_t) defs.Err_t
}

// Pagesrc_i is the optional capability for objects whose pages can be
// fetched by others (COW sources, caches).
type Pagesrc_i interface {
	Pageget(off int64) (mem.Pa_t, defs.Err_t)
	Pagerelease(off int64, p_pg mem.Pa_t)
}

//
// anonymous object
//

// Anonobj_t is an anonymous VM object: pages allocated on first touch,
// optionally shadowing a source object for copy-on-write.
type Anonobj_t struct {
	sync.Mutex
	npages int
	// sparse page array; 0 means empty slot
	pages []mem.Pa_t
	// per-slot region reference counts
	refs []uint32
	// COW parent, if any, and our offset within it
	source Pagesrc_i
	srcoff int64
	// regions currently mapping this object
	regions []*Region_t
}

// Mkanon creates an anonymous object of npages pages. source is nil for a
// plain zero-fill object.
func Mkanon(npages int, source Pagesrc_i, srcoff int64) *Anonobj_t {
	if npages <= 0 {
		panic("bad anon size")
	}
	return &Anonobj_t{
		npages: npages,
		pages:  make([]mem.Pa_t, npages),
		refs:   make([]uint32, npages),
		source: source,
		srcoff: srcoff,
	}
}

// Npages returns the object's size in pages.
func (o *Anonobj_t) Npages() int {
	return o.npages
}

func (o *Anonobj_t) Get(r *Region_t) {
	o.Lock()
	o.regions = append(o.regions, r)
	o.Unlock()
}

func (o *Anonobj_t) Release(r *Region_t) {
	o.Lock()
	for i := range o.regions {
		if o.regions[i] == r {
			copy(o.regions[i:], o.regions[i+1:])
			o.regions = o.regions[:len(o.regions)-1]
			break
		}
	}
	last := len(o.regions) == 0
	o.Unlock()
	if last {
		o.free()
	}
}

func (o *Anonobj_t) free() {
	o.Lock()
	for i, p_pg := range o.pages {
		if p_pg != 0 {
			mem.Physmem.Refdown(p_pg)
			o.pages[i] = 0
		}
	}
	o.Unlock()
}

func (o *Anonobj_t) Map(off int64, pglen int) defs.Err_t {
	i := int(off >> mem.PGSHIFT)
	if i+pglen > o.npages {
		return -defs.EINVAL
	}
	o.Lock()
	for j := i; j < i+pglen; j++ {
		o.refs[j]++
	}
	o.Unlock()
	return 0
}

func (o *Anonobj_t) Unmap(off int64, pglen int) {
	i := int(off >> mem.PGSHIFT)
	o.Lock()
	for j := i; j < i+pglen && j < o.npages; j++ {
		if o.refs[j] == 0 {
			panic("slot region count underflow")
		}
		o.refs[j]--
		if o.refs[j] == 0 && o.pages[j] != 0 {
			mem.Physmem.Refdown(o.pages[j])
			o.pages[j] = 0
		}
	}
	o.Unlock()
}

// Pageget fetches the page at off, allocating a zero page on first touch.
// The returned frame carries a reference for the caller.
func (o *Anonobj_t) Pageget(off int64) (mem.Pa_t, defs.Err_t) {
	i := int(off >> mem.PGSHIFT)
	o.Lock()
	defer o.Unlock()
	if i >= o.npages {
		return 0, -defs.EINVAL
	}
	if p := o.pages[i]; p != 0 {
		mem.Physmem.Refup(p)
		return p, 0
	}
	if o.source != nil {
		o.Unlock()
		p, err := o.source.Pageget(o.srcoff + off)
		o.Lock()
		return p, err
	}
	_, p_pg, ok := mem.Physmem.Refpg_new()
	if !ok {
		return 0, -defs.ENOMEM
	}
	o.pages[i] = p_pg
	mem.Physmem.Refup(p_pg)
	return p_pg, 0
}

func (o *Anonobj_t) Pagerelease(off int64, p_pg mem.Pa_t) {
	mem.Physmem.Refdown(p_pg)
}

// Fault implements the anonymous fault algorithm (§4.E). Called with the
// address space lock held; installs the mapping in r's MMU context.
func (o *Anonobj_t) Fault(r *Region_t, va uintptr, reason Faultreason_t,
	access Access_t) defs.Err_t {
	pgva := va &^ uintptr(mem.PGOFFSET)
	off := r.off + int64(pgva-r.start)
	i := int(off >> mem.PGSHIFT)
	if i >= o.npages {
		panic(fmt.Sprintf("fault past object end: slot %v of %v", i, o.npages))
	}
	ctx := r.as.Ctx

	// a protection fault re-installs: drop the old mapping first so the
	// refcount check below sees only true sharers
	if reason == FAULT_PROTECTION {
		ctx.Unmap(pgva, true)
	}

	o.Lock()
	defer o.Unlock()

	iswrite := access&ACC_WRITE != 0
	local := o.pages[i]

	prot := o.prot(r, true)

	if local == 0 && o.source == nil {
		// first touch of a plain anonymous page
		_, p_pg, ok := mem.Physmem.Refpg_new()
		if !ok {
			return -defs.ENOMEM
		}
		o.pages[i] = p_pg
		if !ctx.Map(pgva, p_pg, prot) {
			o.pages[i] = 0
			mem.Physmem.Refdown(p_pg)
			return -defs.ENOMEM
		}
		return 0
	}

	if iswrite {
		if local != 0 {
			if mem.Physmem.Refcnt(local) > 1 {
				// shared; copy before writing
				if !r.private {
					panic("shared anon page copied")
				}
				p_new, err := o.copypage(local)
				if err != 0 {
					return err
				}
				mem.Physmem.Refdown(local)
				o.pages[i] = p_new
				local = p_new
			}
			if !ctx.Map(pgva, local, prot) {
				return -defs.ENOMEM
			}
			return 0
		}
		// no local page: copy out of the source and detach the slot
		p_src, err := o.sourcegetlocked(off)
		if err != 0 {
			return err
		}
		p_new, err := o.copypage(p_src)
		o.source.Pagerelease(o.srcoff+off, p_src)
		if err != 0 {
			return err
		}
		o.pages[i] = p_new
		if !ctx.Map(pgva, p_new, prot) {
			o.pages[i] = 0
			mem.Physmem.Refdown(p_new)
			return -defs.ENOMEM
		}
		return 0
	}

	// read or exec
	roprot := o.prot(r, false)
	if local != 0 {
		p := roprot
		if mem.Physmem.Refcnt(local) == 1 && !r.private {
			p = prot
		}
		if !ctx.Map(pgva, local, p) {
			return -defs.ENOMEM
		}
		return 0
	}
	p_src, err := o.sourcegetlocked(off)
	if err != 0 {
		return err
	}
	ok := ctx.Map(pgva, p_src, roprot)
	o.source.Pagerelease(o.srcoff+off, p_src)
	if !ok {
		return -defs.ENOMEM
	}
	return 0
}

// sourcegetlocked fetches from the source without holding our lock across
// the call.
func (o *Anonobj_t) sourcegetlocked(off int64) (mem.Pa_t, defs.Err_t) {
	src := o.source
	if src == nil {
		// reading an empty slot of a sourceless object allocates
		_, p_pg, ok := mem.Physmem.Refpg_new()
		if !ok {
			return 0, -defs.ENOMEM
		}
		i := int(off >> mem.PGSHIFT)
		o.pages[i] = p_pg
		mem.Physmem.Refup(p_pg)
		return p_pg, 0
	}
	o.Unlock()
	p, err := src.Pageget(o.srcoff + off)
	o.Lock()
	return p, err
}

func (o *Anonobj_t) copypage(p_src mem.Pa_t) (mem.Pa_t, defs.Err_t) {
	dst, p_new, ok := mem.Physmem.Refpg_new_nozero()
	if !ok {
		return 0, -defs.ENOMEM
	}
	*dst = *mem.Physmem.Dmap(p_src)
	return p_new, 0
}

// prot translates the region's permissions to pte bits; writable selects
// whether PTE_W is honoured (a read fault on a writable private region
// installs read-only so the later write faults for its copy).
func (o *Anonobj_t) prot(r *Region_t, writable bool) mem.Pa_t {
	p := mem.PTE_U
	if r.perms&ACC_WRITE != 0 && writable {
		p |= mem.PTE_W
	} else if r.perms&ACC_WRITE != 0 {
		p |= mem.PTE_COW
	}
	if r.perms&ACC_EXEC != 0 {
		p |= mem.PTE_X
	}
	return p
}

//
// cache-backed (file) object
//

// Cacheobj_t backs regions with a vm_cache; file mappings and cached
// devices use it. Faults install the cache's own frames, so stores through
// shared mappings are visible to file I/O.
type Cacheobj_t struct {
	sync.Mutex
	cache   *Vmcache_t
	regions []*Region_t
}

// Mkcacheobj wraps a cache in a mappable object.
func Mkcacheobj(c *Vmcache_t) *Cacheobj_t {
	return &Cacheobj_t{cache: c}
}

func (co *Cacheobj_t) Get(r *Region_t) {
	co.Lock()
	co.regions = append(co.regions, r)
	co.Unlock()
}

func (co *Cacheobj_t) Release(r *Region_t) {
	co.Lock()
	for i := range co.regions {
		if co.regions[i] == r {
			copy(co.regions[i:], co.regions[i+1:])
			co.regions = co.regions[:len(co.regions)-1]
			break
		}
	}
	co.Unlock()
}

func (co *Cacheobj_t) Map(off int64, pglen int) defs.Err_t {
	if off+int64(pglen)<<mem.PGSHIFT > co.cache.Size() {
		return -defs.EINVAL
	}
	return 0
}

func (co *Cacheobj_t) Unmap(off int64, pglen int) {
}

func (co *Cacheobj_t) Pageget(off int64) (mem.Pa_t, defs.Err_t) {
	return co.cache.Get_page(off, false)
}

func (co *Cacheobj_t) Pagerelease(off int64, p_pg mem.Pa_t) {
	co.cache.Release_page(off, false)
}

func (co *Cacheobj_t) Fault(r *Region_t, va uintptr, reason Faultreason_t,
	access Access_t) defs.Err_t {
	pgva := va &^ uintptr(mem.PGOFFSET)
	off := r.off + int64(pgva-r.start)
	if reason == FAULT_PROTECTION {
		r.as.Ctx.Unmap(pgva, true)
	}
	p_pg, err := co.cache.Get_page(off, false)
	if err != 0 {
		return err
	}
	prot := mem.Pa_t(mem.PTE_U)
	iswrite := access&ACC_WRITE != 0
	if r.perms&ACC_WRITE != 0 {
		prot |= mem.PTE_W
	}
	if r.perms&ACC_EXEC != 0 {
		prot |= mem.PTE_X
	}
	ok := r.as.Ctx.Map(pgva, p_pg, prot)
	co.cache.Release_page(off, iswrite)
	if !ok {
		return -defs.ENOMEM
	}
	return 0
}

//
// device object
//

// Devobj_t maps a fixed set of frames (a simulated BAR or framebuffer).
type Devobj_t struct {
	frames []mem.Pa_t
}

// Mkdevobj wraps pre-existing frames in a mappable object.
func Mkdevobj(frames []mem.Pa_t) *Devobj_t {
	return &Devobj_t{frames: frames}
}

func (d *Devobj_t) Get(r *Region_t)     {}
func (d *Devobj_t) Release(r *Region_t) {}

func (d *Devobj_t) Map(off int64, pglen int) defs.Err_t {
	if int(off>>mem.PGSHIFT)+pglen > len(d.frames) {
		return -defs.EINVAL
	}
	return 0
}

func (d *Devobj_t) Unmap(off int64, pglen int) {}

func (d *Devobj_t) Fault(r *Region_t, va uintptr, reason Faultreason_t,
	access Access_t) defs.Err_t {
	pgva := va &^ uintptr(mem.PGOFFSET)
	off := r.off + int64(pgva-r.start)
	i := int(off >> mem.PGSHIFT)
	if i >= len(d.frames) {
		return -defs.EFAULT
	}
	if reason == FAULT_PROTECTION {
		r.as.Ctx.Unmap(pgva, true)
	}
	prot := mem.Pa_t(mem.PTE_U)
	if r.perms&ACC_WRITE != 0 {
		prot |= mem.PTE_W
	}
	if !r.as.Ctx.Map(pgva, d.frames[i], prot) {
		return -defs.ENOMEM
	}
	return 0
}
