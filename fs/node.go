// Package fs resolves names, tracks in-memory nodes and dentries, and
// routes file I/O through vm_cache when the filesystem provides one.
// Concrete filesystems plug in through the mount and node op sets.
package fs

import "sync"

import "kiwi/defs"
import "kiwi/limits"
import "kiwi/stats"
import "kiwi/vm"

const fs_debug = false

// Ftype_t is a node's kind.
type Ftype_t uint8

const (
	FT_FILE Ftype_t = iota
	FT_DIR
	FT_SYMLINK
	FT_FIFO
	FT_DEV
)

// Dirent_t is one directory entry as read_dir produces them.
type Dirent_t struct {
	Name string
	Id   defs.Nodeid_t
	Type Ftype_t
}

// Info_t is the metadata block info and read_node fill in.
type Info_t struct {
	Id    defs.Nodeid_t
	Type  Ftype_t
	Links int
	Size  int64
	Uid   defs.Uid_t
	Gid   defs.Gid_t
	// device id, FT_DEV only
	Dev defs.Devid_t
}

// Mountops_i is the per-filesystem op set.
type Mountops_i interface {
	// Root names the filesystem's root node.
	Root() defs.Nodeid_t
	// Read_node populates n from n.Id: type, size, links, ids, Ops.
	Read_node(n *Node_t) defs.Err_t
	Unmount() defs.Err_t
	Flush() defs.Err_t
}

// Nodeops_i is the per-node op set. Directory-taking ops hold the
// directory node's lock.
type Nodeops_i interface {
	// Free releases filesystem-private state when the in-memory node
	// dies; for a removed node it also reclaims the on-disk storage.
	Free(n *Node_t)
	Flushn(n *Node_t) defs.Err_t
	Lookup(dir *Node_t, name string) (defs.Nodeid_t, defs.Err_t)
	// Create makes a new child; target is the symlink target for
	// FT_SYMLINK, dev the device id for FT_DEV, both ignored
	// otherwise.
	Create(dir *Node_t, name string, typ Ftype_t, target string, dev defs.Devid_t) (defs.Nodeid_t, defs.Err_t)
	Link(dir *Node_t, name string, n *Node_t) defs.Err_t
	Unlink(dir *Node_t, name string, n *Node_t) defs.Err_t
	Info(n *Node_t, st *Info_t) defs.Err_t
	Resize(n *Node_t, sz int64) defs.Err_t
	// Read_dir returns the entry at cursor pos and the next cursor;
	// -ENOENT past the end. "." and ".." are not produced.
	Read_dir(dir *Node_t, pos int) (Dirent_t, int, defs.Err_t)
}

// Optional node capabilities, asserted at use sites.

// Symlink_i reads a symlink's target.
type Symlink_i interface {
	Read_symlink(n *Node_t) (string, defs.Err_t)
}

// Getcache_i makes a node's content memory-mappable; when present,
// file I/O goes through the cache.
type Getcache_i interface {
	Get_cache(n *Node_t) (*vm.Vmcache_t, defs.Err_t)
}

// Nodeio_i is direct I/O for nodes without a cache (devices, fifos).
type Nodeio_i interface {
	Io(n *Node_t, req *vm.Io_req_t) (int, defs.Err_t)
}

// Openclose_i observes open file lifetimes (devices, fifos).
type Openclose_i interface {
	Open(n *Node_t)
	Closed(n *Node_t)
}

// Rename_i renames within one filesystem atomically; without it the
// fs layer falls back to link+unlink.
type Rename_i interface {
	Rename(odir *Node_t, oname string, ndir *Node_t, nname string) defs.Err_t
}

// Mount flags.
type Mntflag_t uint

const (
	MNT_RDONLY Mntflag_t = 1 << iota
)

// Mount_t is one mounted filesystem instance plus its node table.
type Mount_t struct {
	Ops   Mountops_i
	Flags Mntflag_t

	nlk   sync.Mutex
	nodes map[defs.Nodeid_t]*Node_t

	// namespace attachment, guarded by the Fs_t dcache lock
	rootdent   *Dentry_t
	mountpoint *Dentry_t

	nstat struct {
		Nhit  stats.Counter_t
		Nmiss stats.Counter_t
	}
}

func mkmount(ops Mountops_i, flags Mntflag_t) *Mount_t {
	return &Mount_t{Ops: ops, Flags: flags,
		nodes: make(map[defs.Nodeid_t]*Node_t)}
}

// Rdonly reports whether writes must fail with -EROFS.
func (m *Mount_t) Rdonly() bool {
	return m.Flags&MNT_RDONLY != 0
}

// Node_t is the in-memory representation of a filesystem node. The
// lock guards the mutable fields; Id, Mnt and Ops are immutable after
// read_node.
type Node_t struct {
	sync.Mutex
	Id    defs.Nodeid_t
	Type  Ftype_t
	Links int
	Size  int64
	Uid   defs.Uid_t
	Gid   defs.Gid_t
	Dev   defs.Devid_t
	Mnt   *Mount_t
	Ops   Nodeops_i
	// filesystem-private
	Priv interface{}

	ref     int
	removed bool
	cache   *vm.Vmcache_t
}

// Getnode returns id's node with one more reference, reading it in on
// first use. The per-mount node table caches unreferenced nodes until
// the vnode limit forces them out.
func (m *Mount_t) Getnode(id defs.Nodeid_t) (*Node_t, defs.Err_t) {
	m.nlk.Lock()
	defer m.nlk.Unlock()
	if n, ok := m.nodes[id]; ok {
		n.ref++
		m.nstat.Nhit.Inc()
		return n, 0
	}
	m.nstat.Nmiss.Inc()
	n := &Node_t{Id: id, Mnt: m, ref: 1}
	if err := m.Ops.Read_node(n); err != 0 {
		return nil, err
	}
	if len(m.nodes) >= limits.Syslimit.Vnodes {
		if !m.reclaim1() {
			limits.Lhits++
			return nil, -defs.ENOMEM
		}
	}
	m.nodes[id] = n
	return n, 0
}

// drop one unreferenced cached node; caller holds nlk
func (m *Mount_t) reclaim1() bool {
	for id, n := range m.nodes {
		n.Lock()
		ok := n.ref == 0
		n.Unlock()
		if ok {
			m.destroy(id, n, false)
			return true
		}
	}
	return false
}

func (m *Mount_t) destroy(id defs.Nodeid_t, n *Node_t, removed bool) {
	delete(m.nodes, id)
	if n.cache != nil {
		n.cache.Destroy(removed)
		n.cache = nil
	}
	n.Ops.Free(n)
}

// Refup takes another reference on an already-held node.
func (n *Node_t) Refup() {
	n.Mnt.nlk.Lock()
	n.ref++
	n.Mnt.nlk.Unlock()
}

// Refdown drops one reference. A node whose link count hit zero is
// destroyed when its last in-memory reference goes; live nodes stay
// cached in the table.
func (n *Node_t) Refdown() {
	m := n.Mnt
	m.nlk.Lock()
	n.ref--
	if n.ref < 0 {
		panic("node ref underflow")
	}
	if n.ref == 0 && n.removed {
		m.destroy(n.Id, n, true)
	}
	m.nlk.Unlock()
}

// Markremoved notes that the last link is gone; destruction is
// deferred to the last Refdown.
func (n *Node_t) Markremoved() {
	m := n.Mnt
	m.nlk.Lock()
	n.removed = true
	m.nlk.Unlock()
}

// Getcache lazily attaches the node's vm_cache; -ENOSYS when the
// filesystem does not provide one.
func (n *Node_t) Getcache() (*vm.Vmcache_t, defs.Err_t) {
	gc, ok := n.Ops.(Getcache_i)
	if !ok {
		return nil, -defs.ENOSYS
	}
	n.Lock()
	defer n.Unlock()
	if n.cache == nil {
		c, err := gc.Get_cache(n)
		if err != 0 {
			return nil, err
		}
		n.cache = c
	}
	return n.cache, 0
}

// Nodeio moves bytes through the cache when one exists, otherwise
// through the node's direct I/O op. Device nodes go straight to the
// registered device; device writes do not touch filesystem state, so
// the read-only check does not apply to them.
func (n *Node_t) Nodeio(req *vm.Io_req_t) (int, defs.Err_t) {
	if n.Type == FT_DEV {
		d, err := lookupdev(n.Dev)
		if err != 0 {
			return 0, err
		}
		return d.Io(req)
	}
	if req.Write && n.Mnt.Rdonly() {
		return 0, -defs.EROFS
	}
	c, err := n.Getcache()
	if err == 0 {
		if req.Write {
			// grow the file before the transfer so the cache
			// accepts the new pages
			end := req.Offset + int64(len(req.Buf))
			n.Lock()
			if end > n.Size {
				if rerr := n.Ops.Resize(n, end); rerr != 0 {
					n.Unlock()
					return 0, rerr
				}
				n.Size = end
				c.Resize(end)
			}
			n.Unlock()
		}
		return c.Io(req)
	}
	if io, ok := n.Ops.(Nodeio_i); ok {
		return io.Io(n, req)
	}
	return 0, -defs.ENOSYS
}

// Truncate resizes the node and its cache.
func (n *Node_t) Truncate(sz int64) defs.Err_t {
	if n.Mnt.Rdonly() {
		return -defs.EROFS
	}
	n.Lock()
	defer n.Unlock()
	if err := n.Ops.Resize(n, sz); err != 0 {
		return err
	}
	n.Size = sz
	if n.cache != nil {
		n.cache.Resize(sz)
	}
	return 0
}

// Nodeinfo fills st from the node.
func (n *Node_t) Nodeinfo(st *Info_t) defs.Err_t {
	n.Lock()
	defer n.Unlock()
	return n.Ops.Info(n, st)
}
