// Package vm implements the page cache (vm_cache), VM objects with
// copy-on-write, and user address spaces with the page fault handler.
package vm

import "fmt"
import "sync"

import "kiwi/defs"
import "kiwi/mem"
import "kiwi/stats"

const cache_debug = false

// Cachereader_i fills a cache page from backing store.
type Cachereader_i interface {
	Readpage(off int64, dst *mem.Bytepg_t) defs.Err_t
}

// Cachewriter_i writes a dirty cache page back. A source without it never
// has Modified pages; release marks everything Cached.
type Cachewriter_i interface {
	Writepage(off int64, src *mem.Bytepg_t) defs.Err_t
}

type cstats_t struct {
	Nhit   stats.Counter_t
	Nfill  stats.Counter_t
	Nflush stats.Counter_t
	Nevict stats.Counter_t
}

// Vmcache_t is a sparse offset → frame mapping backing a byte-addressable
// object. Offsets are page multiples. The cache owns its frames: each frame
// holds one cache reference plus one per outstanding Get_page.
type Vmcache_t struct {
	sync.Mutex
	pages   map[int64]mem.Pa_t
	size    int64
	src     interface{}
	name    string
	deleted bool
	stats   cstats_t
}

// Mkcache creates a cache of the given byte size. src may be nil (pages are
// zero-filled and never written back) or implement Cachereader_i and
// optionally Cachewriter_i.
func Mkcache(size int64, src interface{}, name string) *Vmcache_t {
	return &Vmcache_t{
		pages: make(map[int64]mem.Pa_t),
		size:  size,
		src:   src,
		name:  name,
	}
}

// Pagename implements mem.Pgowner_i.
func (c *Vmcache_t) Pagename() string {
	return c.name
}

// Size returns the cache's current byte size.
func (c *Vmcache_t) Size() int64 {
	c.Lock()
	r := c.size
	c.Unlock()
	return r
}

func (c *Vmcache_t) reader() (Cachereader_i, bool) {
	r, ok := c.src.(Cachereader_i)
	return r, ok
}

func (c *Vmcache_t) writer() (Cachewriter_i, bool) {
	w, ok := c.src.(Cachewriter_i)
	return w, ok
}

// Get_page returns the frame backing offset, taking a reference on it. With
// overwrite set a missing page is not filled from backing store; the caller
// promises to write the whole page. Offset must be page aligned and below
// the cache size.
func (c *Vmcache_t) Get_page(offset int64, overwrite bool) (mem.Pa_t, defs.Err_t) {
	if offset&int64(mem.PGOFFSET) != 0 {
		panic("unaligned cache offset")
	}
	c.Lock()
	if c.deleted {
		panic("get on deleted cache")
	}
	if offset >= c.size {
		c.Unlock()
		return 0, -defs.EINVAL
	}
	if p_pg, ok := c.pages[offset]; ok {
		mem.Physmem.Refup(p_pg)
		c.stats.Nhit.Inc()
		c.Unlock()
		return p_pg, 0
	}
	c.Unlock()

	// fill outside the lock; losing a race inserts once and frees the
	// loser's frame
	pg, p_pg, ok := mem.Physmem.Refpg_new()
	if !ok {
		return 0, -defs.ENOMEM
	}
	if !overwrite {
		if rd, ok := c.reader(); ok {
			if err := rd.Readpage(offset, pg); err != 0 {
				mem.Physmem.Refdown(p_pg)
				return 0, err
			}
		}
		c.stats.Nfill.Inc()
	}
	c.Lock()
	if c.deleted {
		c.Unlock()
		mem.Physmem.Refdown(p_pg)
		return 0, -defs.ENOENT
	}
	if exist, ok := c.pages[offset]; ok {
		mem.Physmem.Refup(exist)
		c.Unlock()
		mem.Physmem.Refdown(p_pg)
		return exist, 0
	}
	c.pages[offset] = p_pg
	pgent := mem.Physmem.Page(p_pg)
	pgent.Cache = c
	pgent.Offset = offset
	// the map holds the cache's reference; the caller's is the one taken
	// at allocation
	mem.Physmem.Refup(p_pg)
	c.Unlock()
	if cache_debug {
		fmt.Printf("cache %s: fill off %#x pg %#x\n", c.name, offset, int(p_pg))
	}
	return p_pg, 0
}

// Release_page drops the reference from a Get_page. dirty records that the
// caller wrote the page.
func (c *Vmcache_t) Release_page(offset int64, dirty bool) {
	c.Lock()
	p_pg, ok := c.pages[offset]
	if !ok {
		panic("release of uncached page")
	}
	pgent := mem.Physmem.Page(p_pg)
	_, haswriter := c.writer()
	if dirty && haswriter {
		pgent.State = mem.PG_MODIFIED
	}
	// a page past the current size is freed as soon as its last user
	// lets go; supports shrinking while in use
	if offset >= c.size && mem.Physmem.Refcnt(p_pg) == 2 {
		delete(c.pages, offset)
		pgent.Cache = nil
		mem.Physmem.Refdown(p_pg) // cache's ref
		c.stats.Nevict.Inc()
		c.Unlock()
		mem.Physmem.Refdown(p_pg) // caller's ref
		return
	}
	if mem.Physmem.Refcnt(p_pg) == 2 && pgent.State != mem.PG_MODIFIED {
		// only the cache's reference remains
		pgent.State = mem.PG_CACHED
	}
	c.Unlock()
	mem.Physmem.Refdown(p_pg)
}

// Resize changes the cache size. Shrinking discards pages at or past the
// new size whose only reference is the cache's; busier pages are discarded
// when released.
func (c *Vmcache_t) Resize(newsize int64) {
	c.Lock()
	if newsize < c.size {
		for off, p_pg := range c.pages {
			if off < newsize {
				continue
			}
			if mem.Physmem.Refcnt(p_pg) == 1 {
				delete(c.pages, off)
				mem.Physmem.Page(p_pg).Cache = nil
				mem.Physmem.Refdown(p_pg)
				c.stats.Nevict.Inc()
			}
		}
	}
	c.size = newsize
	c.Unlock()
}

// Flush writes back every Modified page.
func (c *Vmcache_t) Flush() defs.Err_t {
	wr, ok := c.writer()
	if !ok {
		return 0
	}
	c.Lock()
	defer c.Unlock()
	for off, p_pg := range c.pages {
		pgent := mem.Physmem.Page(p_pg)
		if pgent.State != mem.PG_MODIFIED {
			continue
		}
		if err := wr.Writepage(off, mem.Physmem.Dmap(p_pg)); err != 0 {
			return err
		}
		pgent.State = mem.PG_CACHED
		c.stats.Nflush.Inc()
	}
	return 0
}

// Flush_page writes one page back if it is still dirty and the cache is
// live. For the page daemon; races with Destroy are resolved by the
// deleted flag.
func (c *Vmcache_t) Flush_page(offset int64) defs.Err_t {
	c.Lock()
	defer c.Unlock()
	if c.deleted {
		return 0
	}
	p_pg, ok := c.pages[offset]
	if !ok {
		return 0
	}
	pgent := mem.Physmem.Page(p_pg)
	if pgent.State != mem.PG_MODIFIED {
		return 0
	}
	wr, haswr := c.writer()
	if !haswr {
		panic("modified page in writerless cache")
	}
	if err := wr.Writepage(offset, mem.Physmem.Dmap(p_pg)); err != 0 {
		return err
	}
	pgent.State = mem.PG_CACHED
	c.stats.Nflush.Inc()
	return 0
}

// Evict_page drops a clean unreferenced page. Reports whether it was
// evicted.
func (c *Vmcache_t) Evict_page(offset int64) bool {
	c.Lock()
	defer c.Unlock()
	if c.deleted {
		return false
	}
	p_pg, ok := c.pages[offset]
	if !ok {
		return false
	}
	pgent := mem.Physmem.Page(p_pg)
	if pgent.State == mem.PG_MODIFIED || mem.Physmem.Refcnt(p_pg) > 1 {
		return false
	}
	delete(c.pages, offset)
	pgent.Cache = nil
	mem.Physmem.Refdown(p_pg)
	c.stats.Nevict.Inc()
	return true
}

// Destroy tears the cache down. No page may be in use. With discard false
// dirty pages are flushed first.
func (c *Vmcache_t) Destroy(discard bool) defs.Err_t {
	if !discard {
		if err := c.Flush(); err != 0 {
			return err
		}
	}
	c.Lock()
	c.deleted = true
	for off, p_pg := range c.pages {
		if mem.Physmem.Refcnt(p_pg) != 1 {
			panic(fmt.Sprintf("cache %s: destroy with page %#x in use",
				c.name, off))
		}
		mem.Physmem.Page(p_pg).Cache = nil
		mem.Physmem.Refdown(p_pg)
	}
	c.pages = nil
	c.Unlock()
	return 0
}

// Io_req_t is one byte-granular transfer against a cache.
type Io_req_t struct {
	Buf    []uint8
	Offset int64
	Write  bool
}

// Io performs a transfer of arbitrary offset and length by splitting it
// into a leading partial page, whole pages, and a trailing partial page.
// Whole-page writes skip the backing-store fill. Reads past the cache size
// are short. Returns the bytes moved.
func (c *Vmcache_t) Io(req *Io_req_t) (int, defs.Err_t) {
	off := req.Offset
	buf := req.Buf
	if off < 0 {
		return 0, -defs.EINVAL
	}
	size := c.Size()
	if !req.Write {
		if off >= size {
			return 0, 0
		}
		if off+int64(len(buf)) > size {
			buf = buf[:size-off]
		}
	} else if off+int64(len(buf)) > size {
		return 0, -defs.EINVAL
	}
	did := 0
	for len(buf) > 0 {
		pgoff := off & int64(mem.PGOFFSET)
		pgbase := off - pgoff
		n := mem.PGSIZE - int(pgoff)
		if n > len(buf) {
			n = len(buf)
		}
		wholepg := req.Write && pgoff == 0 && n == mem.PGSIZE
		p_pg, err := c.Get_page(pgbase, wholepg)
		if err != 0 {
			return did, err
		}
		pg := mem.Physmem.Dmap(p_pg)
		if req.Write {
			copy(pg[pgoff:int(pgoff)+n], buf[:n])
		} else {
			copy(buf[:n], pg[pgoff:int(pgoff)+n])
		}
		c.Release_page(pgbase, req.Write)
		buf = buf[n:]
		off += int64(n)
		did += n
	}
	return did, 0
}

// Stats returns the cache's counters.
func (c *Vmcache_t) Stats() string {
	return "vmcache " + c.name + stats.Stats2String(c.stats)
}
