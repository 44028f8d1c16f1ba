// Package net provides refcounted network packets built from chains of
// heterogeneous buffers, and the interface table that links drivers,
// address families and protocol input.
package net

import "sync"
import "sync/atomic"

import "kiwi/defs"
import "kiwi/stats"

const net_debug = false

// Buffer ownership tags; destruction dispatches on them.
type Buftag_t uint8

const (
	// heap-owned bytes, struct returned to the buf pool
	BUF_KALLOC Buftag_t = iota
	// pool-owned bytes and struct
	BUF_SLAB
	// caller-owned bytes with a free hook
	BUF_EXT
	// a view into another packet, which it pins
	BUF_SUBSET
)

const slabbufsz = 2048

// buf_t is one contiguous piece of a packet.
type buf_t struct {
	tag  Buftag_t
	data []uint8
	// BUF_EXT
	freef func([]uint8)
	// BUF_SUBSET
	pinned *Packet_t
}

var bufpool = sync.Pool{New: func() interface{} { return new(buf_t) }}
var slabpool = sync.Pool{New: func() interface{} {
	return make([]uint8, slabbufsz)
}}

var pstat struct {
	Nalloc stats.Counter_t
	Nfree  stats.Counter_t
	Nsub   stats.Counter_t
}

// Pktstats dumps the packet counters.
func Pktstats() string {
	return stats.Stats2String(pstat)
}

// Packet_t is a refcounted chain of buffers. A packet is mutable
// (prepend, append, offset, subset source data) only while its
// refcount is exactly one.
type Packet_t struct {
	ref  int64
	bufs []*buf_t
	// link-layer type as parsed by receive
	Linktype uint16
	// window into the pinned packet when a subset view is not
	// contiguous
	suboff int
	sublen int
}

// Mkpacket allocates a packet with one pool-backed buffer of n bytes
// (n ≤ the slab buffer size) or a heap buffer beyond that.
func Mkpacket(n int) *Packet_t {
	p := &Packet_t{ref: 1}
	b := bufpool.Get().(*buf_t)
	if n <= slabbufsz {
		b.tag = BUF_SLAB
		b.data = slabpool.Get().([]uint8)[:n]
	} else {
		b.tag = BUF_KALLOC
		b.data = make([]uint8, n)
	}
	b.freef = nil
	b.pinned = nil
	p.bufs = []*buf_t{b}
	pstat.Nalloc.Inc()
	return p
}

// Mkpacket_ext wraps caller-owned bytes; freef runs at destruction.
func Mkpacket_ext(data []uint8, freef func([]uint8)) *Packet_t {
	b := bufpool.Get().(*buf_t)
	b.tag = BUF_EXT
	b.data = data
	b.freef = freef
	b.pinned = nil
	pstat.Nalloc.Inc()
	return &Packet_t{ref: 1, bufs: []*buf_t{b}}
}

// Ref takes a packet reference; the packet becomes immutable once
// shared.
func (p *Packet_t) Ref() {
	if atomic.AddInt64(&p.ref, 1) <= 1 {
		panic("ref of dead packet")
	}
}

// Free drops one reference; the last walks the buffer list and
// destroys each by tag.
func (p *Packet_t) Free() {
	c := atomic.AddInt64(&p.ref, -1)
	if c < 0 {
		panic("packet ref underflow")
	}
	if c != 0 {
		return
	}
	for _, b := range p.bufs {
		switch b.tag {
		case BUF_KALLOC:
			b.data = nil
		case BUF_SLAB:
			slabpool.Put(b.data[:slabbufsz])
			b.data = nil
		case BUF_EXT:
			if b.freef != nil {
				b.freef(b.data)
			}
			b.data = nil
		case BUF_SUBSET:
			b.pinned.Free()
			b.pinned = nil
			b.data = nil
		default:
			panic("bad buf tag")
		}
		bufpool.Put(b)
	}
	p.bufs = nil
	pstat.Nfree.Inc()
}

func (p *Packet_t) mutable() {
	if atomic.LoadInt64(&p.ref) != 1 {
		panic("mutating shared packet")
	}
}

// Len is the total byte length across buffers.
func (p *Packet_t) Len() int {
	l := 0
	for _, b := range p.bufs {
		if b.tag == BUF_SUBSET && b.data == nil {
			l += p.sublen
			continue
		}
		l += len(b.data)
	}
	return l
}

// Prepend adds n bytes of headroom as a new first buffer and returns
// it for the caller to fill.
func (p *Packet_t) Prepend(n int) []uint8 {
	p.mutable()
	b := bufpool.Get().(*buf_t)
	if n <= slabbufsz {
		b.tag = BUF_SLAB
		b.data = slabpool.Get().([]uint8)[:n]
	} else {
		b.tag = BUF_KALLOC
		b.data = make([]uint8, n)
	}
	b.freef = nil
	b.pinned = nil
	p.bufs = append([]*buf_t{b}, p.bufs...)
	return b.data
}

// Append adds caller-owned bytes at the tail.
func (p *Packet_t) Append(data []uint8, freef func([]uint8)) {
	p.mutable()
	b := bufpool.Get().(*buf_t)
	b.tag = BUF_EXT
	b.data = data
	b.freef = freef
	b.pinned = nil
	p.bufs = append(p.bufs, b)
}

// Advance strips n bytes from the front, dropping emptied buffers.
func (p *Packet_t) Advance(n int) defs.Err_t {
	p.mutable()
	if n > p.Len() {
		return -defs.EINVAL
	}
	for n > 0 {
		b := p.bufs[0]
		if n < len(b.data) {
			b.data = b.data[n:]
			break
		}
		n -= len(b.data)
		p.dropfirst()
	}
	return 0
}

func (p *Packet_t) dropfirst() {
	b := p.bufs[0]
	p.bufs = p.bufs[1:]
	switch b.tag {
	case BUF_SLAB:
		slabpool.Put(b.data[:slabbufsz])
	case BUF_EXT:
		if b.freef != nil {
			b.freef(b.data)
		}
	case BUF_SUBSET:
		b.pinned.Free()
	}
	b.data = nil
	b.pinned = nil
	bufpool.Put(b)
}

// Subset creates a new packet viewing [off, off+size) of p. The view
// pins p until the subset packet dies.
func (p *Packet_t) Subset(off, size int) (*Packet_t, defs.Err_t) {
	if off < 0 || size < 0 || off+size > p.Len() {
		return nil, -defs.EINVAL
	}
	p.Ref()
	b := bufpool.Get().(*buf_t)
	b.tag = BUF_SUBSET
	b.pinned = p
	b.freef = nil
	// a contiguous view when possible; Data and Copy_from on the
	// subset fall back to the pinned packet otherwise
	b.data = p.Data(off, size)
	np := &Packet_t{ref: 1, bufs: []*buf_t{b}}
	if b.data == nil {
		// keep the window for recursive copies
		np.suboff, np.sublen = off, size
	}
	pstat.Nsub.Inc()
	return np, 0
}

// Data returns a contiguous byte view of [off, off+size) only when the
// range lies within a single buffer; otherwise nil and the caller must
// use Copy_from.
func (p *Packet_t) Data(off, size int) []uint8 {
	for _, b := range p.bufs {
		if off < len(b.data) {
			if off+size <= len(b.data) {
				return b.data[off : off+size]
			}
			return nil
		}
		off -= len(b.data)
	}
	return nil
}

// Copy_from copies len(dst) bytes starting at off into dst, crossing
// buffer boundaries and descending into subset buffers recursively.
// Returns the bytes copied.
func (p *Packet_t) Copy_from(dst []uint8, off int) int {
	done := 0
	for _, b := range p.bufs {
		if done == len(dst) {
			break
		}
		blen := len(b.data)
		if b.tag == BUF_SUBSET && b.data == nil {
			blen = p.sublen
		}
		if off >= blen {
			off -= blen
			continue
		}
		if b.tag == BUF_SUBSET && b.data == nil {
			n := blen - off
			if n > len(dst)-done {
				n = len(dst) - done
			}
			done += b.pinned.Copy_from(dst[done:done+n],
				p.suboff+off)
			off = 0
			continue
		}
		n := copy(dst[done:], b.data[off:])
		done += n
		off = 0
	}
	return done
}
