package fs

import "kiwi/limits"
import "kiwi/stats"

// Dentry flags.
type Dflag_t uint8

const (
	// DENT_KEEP pins the dentry; the LRU never reclaims it.
	DENT_KEEP Dflag_t = 1 << iota
)

// Dentry_t is one cached name in the tree. All dentries of a
// namespace are guarded by the Fs_t dcache lock; a dentry holds one
// reference on its node and children pin their parent.
type Dentry_t struct {
	name   string
	parent *Dentry_t
	node   *Node_t
	mnt    *Mount_t
	// a filesystem mounted over this dentry
	covered  *Mount_t
	children map[string]*Dentry_t
	flags    Dflag_t
	// LRU links, valid while the dentry is unused (no children)
	lprev, lnext *Dentry_t
	onlru        bool
}

// Name returns the dentry's component name.
func (d *Dentry_t) Name() string { return d.name }

// Node returns the resolved node.
func (d *Dentry_t) Node() *Node_t { return d.node }

// Keep pins d against LRU reclaim.
func (d *Dentry_t) Keep(fs *Fs_t) {
	fs.dlk.Lock()
	d.flags |= DENT_KEEP
	if d.onlru {
		fs.lru_del(d)
	}
	fs.dlk.Unlock()
}

// dcache state embedded in Fs_t; dlk guards the whole tree plus the
// LRU of leaf dentries.
type dcache_t struct {
	ndents int
	// LRU of reclaimable dentries, head oldest
	lhead, ltail *Dentry_t
	dstat        struct {
		Dhit     stats.Counter_t
		Dmiss    stats.Counter_t
		Dreclaim stats.Counter_t
	}
}

func (fs *Fs_t) lru_add(d *Dentry_t) {
	if d.onlru || d.flags&DENT_KEEP != 0 {
		return
	}
	d.onlru = true
	d.lprev = fs.dc.ltail
	d.lnext = nil
	if fs.dc.ltail != nil {
		fs.dc.ltail.lnext = d
	} else {
		fs.dc.lhead = d
	}
	fs.dc.ltail = d
}

func (fs *Fs_t) lru_del(d *Dentry_t) {
	if !d.onlru {
		return
	}
	d.onlru = false
	if d.lprev != nil {
		d.lprev.lnext = d.lnext
	} else {
		fs.dc.lhead = d.lnext
	}
	if d.lnext != nil {
		d.lnext.lprev = d.lprev
	} else {
		fs.dc.ltail = d.lprev
	}
	d.lprev, d.lnext = nil, nil
}

// mkdentry attaches a resolved child; caller holds dlk. The child
// starts unused and reclaimable.
func (fs *Fs_t) mkdentry(parent *Dentry_t, name string, n *Node_t) *Dentry_t {
	d := &Dentry_t{name: name, parent: parent, node: n, mnt: n.Mnt,
		children: make(map[string]*Dentry_t)}
	parent.children[name] = d
	// a parent with children is busy
	fs.lru_del(parent)
	fs.lru_add(d)
	fs.dc.ndents++
	if fs.dc.ndents > limits.Syslimit.Dentries {
		fs.reclaim()
	}
	return d
}

// reclaim drops the oldest unused dentry; caller holds dlk.
func (fs *Fs_t) reclaim() {
	d := fs.dc.lhead
	for d != nil && (len(d.children) > 0 || d.covered != nil) {
		d = d.lnext
	}
	if d == nil {
		limits.Lhits++
		return
	}
	fs.detach(d)
	fs.dc.dstat.Dreclaim.Inc()
}

// detach unhooks d from the tree and drops its node reference; caller
// holds dlk.
func (fs *Fs_t) detach(d *Dentry_t) {
	fs.lru_del(d)
	if d.parent != nil {
		delete(d.parent.children, d.name)
		if len(d.parent.children) == 0 && d.parent.parent != nil {
			fs.lru_add(d.parent)
		}
	}
	fs.dc.ndents--
	d.node.Refdown()
}

// Dcachestats dumps the dcache counters.
func (fs *Fs_t) Dcachestats() string {
	return stats.Stats2String(fs.dc.dstat)
}
