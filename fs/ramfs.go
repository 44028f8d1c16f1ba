package fs

import "sync"

import "kiwi/defs"
import "kiwi/mem"
import "kiwi/util"
import "kiwi/vm"

// Ramfs_t is a memory-backed filesystem. File content lives in each
// node's vm_cache with the ramfs node as backing store, so mapped
// files and read/write share pages.
type Ramfs_t struct {
	sync.Mutex
	nodes  map[defs.Nodeid_t]*rnode_t
	nextid defs.Nodeid_t
	rootid defs.Nodeid_t
}

type rnode_t struct {
	id    defs.Nodeid_t
	typ   Ftype_t
	links int
	size  int64
	uid   defs.Uid_t
	gid   defs.Gid_t
	// directory entries in creation order
	kids  map[string]defs.Nodeid_t
	order []string
	// symlink target
	target string
	// device id for FT_DEV
	dev defs.Devid_t
	// file bytes, the cache's backing store
	data []uint8
}

// MkRamfs returns an empty ramfs with a root directory.
func MkRamfs() *Ramfs_t {
	r := &Ramfs_t{nodes: make(map[defs.Nodeid_t]*rnode_t), nextid: 1}
	root := r.mknode(FT_DIR)
	root.links = 1
	r.rootid = root.id
	return r
}

// caller holds r's lock
func (r *Ramfs_t) mknode(typ Ftype_t) *rnode_t {
	rn := &rnode_t{id: r.nextid, typ: typ}
	r.nextid++
	if typ == FT_DIR {
		rn.kids = make(map[string]defs.Nodeid_t)
	}
	r.nodes[rn.id] = rn
	return rn
}

func (r *Ramfs_t) Root() defs.Nodeid_t {
	return r.rootid
}

func (r *Ramfs_t) Read_node(n *Node_t) defs.Err_t {
	r.Lock()
	rn, ok := r.nodes[n.Id]
	r.Unlock()
	if !ok {
		return -defs.ENOENT
	}
	n.Type = rn.typ
	n.Links = rn.links
	n.Size = rn.size
	n.Uid = rn.uid
	n.Gid = rn.gid
	n.Dev = rn.dev
	n.Ops = r
	n.Priv = rn
	return 0
}

func (r *Ramfs_t) Unmount() defs.Err_t {
	r.Lock()
	r.nodes = make(map[defs.Nodeid_t]*rnode_t)
	r.Unlock()
	return 0
}

func (r *Ramfs_t) Flush() defs.Err_t {
	return 0
}

func (r *Ramfs_t) rn(n *Node_t) *rnode_t {
	return n.Priv.(*rnode_t)
}

func (r *Ramfs_t) Free(n *Node_t) {
	rn := r.rn(n)
	r.Lock()
	if rn.links == 0 {
		delete(r.nodes, rn.id)
		rn.data = nil
	}
	r.Unlock()
}

// memory is already "written back"
func (r *Ramfs_t) Flushn(n *Node_t) defs.Err_t {
	return 0
}

func (r *Ramfs_t) Lookup(dir *Node_t, name string) (defs.Nodeid_t, defs.Err_t) {
	rd := r.rn(dir)
	r.Lock()
	defer r.Unlock()
	id, ok := rd.kids[name]
	if !ok {
		return 0, -defs.ENOENT
	}
	return id, 0
}

func (r *Ramfs_t) Create(dir *Node_t, name string, typ Ftype_t,
	target string, dev defs.Devid_t) (defs.Nodeid_t, defs.Err_t) {
	rd := r.rn(dir)
	r.Lock()
	defer r.Unlock()
	if _, ok := rd.kids[name]; ok {
		return 0, -defs.EEXIST
	}
	rn := r.mknode(typ)
	rn.links = 1
	rn.target = target
	rn.dev = dev
	rd.kids[name] = rn.id
	rd.order = append(rd.order, name)
	return rn.id, 0
}

func (r *Ramfs_t) Link(dir *Node_t, name string, n *Node_t) defs.Err_t {
	rd := r.rn(dir)
	rn := r.rn(n)
	r.Lock()
	defer r.Unlock()
	if _, ok := rd.kids[name]; ok {
		return -defs.EEXIST
	}
	rd.kids[name] = rn.id
	rd.order = append(rd.order, name)
	rn.links++
	return 0
}

func (r *Ramfs_t) Unlink(dir *Node_t, name string, n *Node_t) defs.Err_t {
	rd := r.rn(dir)
	rn := r.rn(n)
	r.Lock()
	defer r.Unlock()
	if _, ok := rd.kids[name]; !ok {
		return -defs.ENOENT
	}
	delete(rd.kids, name)
	for i, x := range rd.order {
		if x == name {
			rd.order = append(rd.order[:i], rd.order[i+1:]...)
			break
		}
	}
	rn.links--
	return 0
}

func (r *Ramfs_t) Info(n *Node_t, st *Info_t) defs.Err_t {
	rn := r.rn(n)
	r.Lock()
	defer r.Unlock()
	st.Id = rn.id
	st.Type = rn.typ
	st.Links = rn.links
	st.Size = rn.size
	st.Uid = rn.uid
	st.Gid = rn.gid
	st.Dev = rn.dev
	return 0
}

func (r *Ramfs_t) Resize(n *Node_t, sz int64) defs.Err_t {
	rn := r.rn(n)
	r.Lock()
	defer r.Unlock()
	if sz < int64(len(rn.data)) {
		rn.data = rn.data[:sz]
	}
	rn.size = sz
	return 0
}

func (r *Ramfs_t) Read_dir(dir *Node_t, pos int) (Dirent_t, int, defs.Err_t) {
	var de Dirent_t
	rd := r.rn(dir)
	r.Lock()
	defer r.Unlock()
	if pos < 0 || pos >= len(rd.order) {
		return de, pos, -defs.ENOENT
	}
	name := rd.order[pos]
	id := rd.kids[name]
	de.Name = name
	de.Id = id
	de.Type = r.nodes[id].typ
	return de, pos + 1, 0
}

func (r *Ramfs_t) Read_symlink(n *Node_t) (string, defs.Err_t) {
	rn := r.rn(n)
	r.Lock()
	defer r.Unlock()
	if rn.typ != FT_SYMLINK {
		return "", -defs.EINVAL
	}
	return rn.target, 0
}

func (r *Ramfs_t) Get_cache(n *Node_t) (*vm.Vmcache_t, defs.Err_t) {
	if n.Type != FT_FILE {
		return nil, -defs.ENOSYS
	}
	src := &ramsrc_t{r: r, rn: r.rn(n)}
	n.Lock()
	sz := n.Size
	n.Unlock()
	return vm.Mkcache(sz, src, "ramfs"), 0
}

// ramsrc_t is a file's cache backing store: fills from and writes back
// to the node's byte slice.
type ramsrc_t struct {
	r  *Ramfs_t
	rn *rnode_t
}

func (s *ramsrc_t) Readpage(off int64, dst *mem.Bytepg_t) defs.Err_t {
	s.r.Lock()
	defer s.r.Unlock()
	for i := range dst {
		dst[i] = 0
	}
	if off < int64(len(s.rn.data)) {
		copy(dst[:], s.rn.data[off:])
	}
	return 0
}

func (s *ramsrc_t) Writepage(off int64, src *mem.Bytepg_t) defs.Err_t {
	s.r.Lock()
	defer s.r.Unlock()
	end := util.Min(off+int64(mem.PGSIZE), s.rn.size)
	if end <= off {
		return 0
	}
	if int64(len(s.rn.data)) < end {
		nd := make([]uint8, end)
		copy(nd, s.rn.data)
		s.rn.data = nd
	}
	copy(s.rn.data[off:end], src[:end-off])
	return 0
}
