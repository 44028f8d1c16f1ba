package obj

import "math/bits"
import "sync"

import "kiwi/defs"
import "kiwi/limits"

// Handle_t is one per-process reference to an object, with a right
// mask checked at use sites.
type Handle_t struct {
	Id     int
	Obj    *Object_t
	Rights defs.Rights_t
}

// hnode_t is a node of the handle table's AVL tree, keyed by id.
type hnode_t struct {
	h      *Handle_t
	left   *hnode_t
	right  *hnode_t
	height int
}

func hheight(n *hnode_t) int {
	if n == nil {
		return 0
	}
	return n.height
}

func (n *hnode_t) fix() *hnode_t {
	lh, rh := hheight(n.left), hheight(n.right)
	if lh > rh+1 {
		if hheight(n.left.left) < hheight(n.left.right) {
			n.left = n.left.rotl()
		}
		return n.rotr()
	}
	if rh > lh+1 {
		if hheight(n.right.right) < hheight(n.right.left) {
			n.right = n.right.rotr()
		}
		return n.rotl()
	}
	n.height = max(lh, rh) + 1
	return n
}

func (n *hnode_t) rotl() *hnode_t {
	r := n.right
	n.right = r.left
	r.left = n
	n.height = max(hheight(n.left), hheight(n.right)) + 1
	r.height = max(hheight(r.left), hheight(r.right)) + 1
	return r
}

func (n *hnode_t) rotr() *hnode_t {
	l := n.left
	n.left = l.right
	l.right = n
	n.height = max(hheight(n.left), hheight(n.right)) + 1
	l.height = max(hheight(l.left), hheight(l.right)) + 1
	return l
}

func hinsert(n *hnode_t, h *Handle_t) *hnode_t {
	if n == nil {
		return &hnode_t{h: h, height: 1}
	}
	if h.Id < n.h.Id {
		n.left = hinsert(n.left, h)
	} else if h.Id > n.h.Id {
		n.right = hinsert(n.right, h)
	} else {
		panic("duplicate handle id")
	}
	return n.fix()
}

func hlookup(n *hnode_t, id int) *Handle_t {
	for n != nil {
		if id < n.h.Id {
			n = n.left
		} else if id > n.h.Id {
			n = n.right
		} else {
			return n.h
		}
	}
	return nil
}

func hremove(n *hnode_t, id int) *hnode_t {
	if n == nil {
		return nil
	}
	if id < n.h.Id {
		n.left = hremove(n.left, id)
	} else if id > n.h.Id {
		n.right = hremove(n.right, id)
	} else {
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		// replace with the in-order successor
		s := n.right
		for s.left != nil {
			s = s.left
		}
		n.h = s.h
		n.right = hremove(n.right, s.h.Id)
	}
	return n.fix()
}

func hwalk(n *hnode_t, f func(*Handle_t)) {
	if n == nil {
		return
	}
	hwalk(n.left, f)
	f(n.h)
	hwalk(n.right, f)
}

// Table_t is a per-process handle table: an AVL tree keyed by id plus
// a bitmap of used ids so the lowest free id allocates in O(1).
// Lookups take the read lock so many threads can use handles at once;
// alloc, dup and close take the write lock.
type Table_t struct {
	sync.RWMutex
	root   *hnode_t
	bitmap []uint64
	nh     int
	closed bool
}

// Mktable returns an empty handle table sized to the system limit.
func Mktable() *Table_t {
	words := (limits.Syslimit.Handles + 63) / 64
	return &Table_t{bitmap: make([]uint64, words)}
}

// lowest free id, or -1 when the table is full
func (t *Table_t) freeid() int {
	for i, w := range t.bitmap {
		if w != ^uint64(0) {
			id := i*64 + bits.TrailingZeros64(^w)
			if id >= limits.Syslimit.Handles {
				return -1
			}
			return id
		}
	}
	return -1
}

// Alloc inserts o with the given rights at the lowest free id. The
// table owns one object reference per handle; the caller's reference
// is consumed. Returns the id or -EMFILE.
func (t *Table_t) Alloc(o *Object_t, rights defs.Rights_t) (int, defs.Err_t) {
	t.Lock()
	defer t.Unlock()
	if t.closed {
		return 0, -defs.EBADF
	}
	id := t.freeid()
	if id == -1 {
		limits.Lhits++
		return 0, -defs.EMFILE
	}
	t.bitmap[id/64] |= 1 << uint(id%64)
	h := &Handle_t{Id: id, Obj: o, Rights: rights}
	t.root = hinsert(t.root, h)
	t.nh++
	return id, 0
}

// Get looks up id. The returned handle's object is pinned by an extra
// reference; release it with Put.
func (t *Table_t) Get(id int) (*Handle_t, defs.Err_t) {
	t.RLock()
	defer t.RUnlock()
	h := hlookup(t.root, id)
	if h == nil {
		return nil, -defs.EBADF
	}
	h.Obj.Ref()
	return h, 0
}

// Getr is Get plus a rights check; missing rights give -EACCES.
func (t *Table_t) Getr(id int, need defs.Rights_t) (*Handle_t, defs.Err_t) {
	h, err := t.Get(id)
	if err != 0 {
		return nil, err
	}
	if h.Rights&need != need {
		t.Put(h)
		return nil, -defs.EACCES
	}
	return h, 0
}

// Put undoes Get.
func (t *Table_t) Put(h *Handle_t) {
	h.Obj.Unref()
}

// Dup clones id into a new handle at the lowest free id, optionally
// narrowing the rights (rights outside the source mask give -EACCES).
func (t *Table_t) Dup(id int, rights defs.Rights_t) (int, defs.Err_t) {
	t.Lock()
	defer t.Unlock()
	h := hlookup(t.root, id)
	if h == nil {
		return 0, -defs.EBADF
	}
	if rights&^h.Rights != 0 {
		return 0, -defs.EACCES
	}
	nid := t.freeid()
	if nid == -1 {
		limits.Lhits++
		return 0, -defs.EMFILE
	}
	h.Obj.Ref()
	t.bitmap[nid/64] |= 1 << uint(nid%64)
	t.root = hinsert(t.root, &Handle_t{Id: nid, Obj: h.Obj, Rights: rights})
	t.nh++
	return nid, 0
}

// Close removes id, dropping the table's object reference.
func (t *Table_t) Close(id int) defs.Err_t {
	t.Lock()
	h := hlookup(t.root, id)
	if h == nil {
		t.Unlock()
		return -defs.EBADF
	}
	t.root = hremove(t.root, id)
	t.bitmap[id/64] &^= 1 << uint(id%64)
	t.nh--
	t.Unlock()
	h.Obj.Unref()
	return 0
}

// Destroy closes every handle; the table refuses use afterwards.
func (t *Table_t) Destroy() {
	t.Lock()
	var hs []*Handle_t
	hwalk(t.root, func(h *Handle_t) {
		hs = append(hs, h)
	})
	t.root = nil
	for i := range t.bitmap {
		t.bitmap[i] = 0
	}
	t.nh = 0
	t.closed = true
	t.Unlock()
	for _, h := range hs {
		h.Obj.Unref()
	}
}

// Len returns the live handle count.
func (t *Table_t) Len() int {
	t.RLock()
	defer t.RUnlock()
	return t.nh
}
