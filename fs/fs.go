package fs

import "sync"

import "kiwi/defs"
import "kiwi/vm"

const maxlinks = 8

// Open flags.
type Fflag_t uint

const (
	O_CREAT Fflag_t = 1 << iota
	O_EXCL
	O_TRUNC
	O_APPEND
	O_NOFOLLOW
	O_DIRECTORY
)

// Fs_t is one filesystem namespace: a tree of mounts rooted at a
// single filesystem, the dentry cache, and the walk machinery.
type Fs_t struct {
	dlk  sync.Mutex
	root *Dentry_t
	dc   dcache_t
	mlk  sync.Mutex
	mnts []*Mount_t
}

// MkFs builds a namespace with rootops mounted at /.
func MkFs(rootops Mountops_i, flags Mntflag_t) (*Fs_t, defs.Err_t) {
	fs := &Fs_t{}
	m := mkmount(rootops, flags)
	rn, err := m.Getnode(rootops.Root())
	if err != 0 {
		return nil, err
	}
	if rn.Type != FT_DIR {
		rn.Refdown()
		return nil, -defs.ENOTDIR
	}
	fs.root = &Dentry_t{name: "/", node: rn, mnt: m,
		children: make(map[string]*Dentry_t), flags: DENT_KEEP}
	m.rootdent = fs.root
	fs.mnts = []*Mount_t{m}
	return fs, 0
}

// lookup resolves one component under dir; caller holds dlk. The
// dcache answers when it can, otherwise the filesystem's lookup runs
// and the result is attached.
func (fs *Fs_t) lookup(dir *Dentry_t, name string) (*Dentry_t, defs.Err_t) {
	if d, ok := dir.children[name]; ok {
		fs.dc.dstat.Dhit.Inc()
		return d, 0
	}
	fs.dc.dstat.Dmiss.Inc()
	dn := dir.node
	dn.Lock()
	id, err := dn.Ops.Lookup(dn, name)
	dn.Unlock()
	if err != 0 {
		return nil, err
	}
	n, err := dir.mnt.Getnode(id)
	if err != 0 {
		return nil, err
	}
	return fs.mkdentry(dir, name, n), 0
}

// walk resolves path to a dentry. follow controls whether a final
// symlink is chased; intermediate ones always are. A path that enters
// a mounted dentry continues at the mount's root; ".." at a mount
// root ascends through the mountpoint.
func (fs *Fs_t) walk(path string, follow bool) (*Dentry_t, defs.Err_t) {
	fs.dlk.Lock()
	defer fs.dlk.Unlock()
	return fs.walklocked(path, fs.root, follow, 0)
}

func (fs *Fs_t) walklocked(path string, start *Dentry_t, follow bool,
	depth int) (*Dentry_t, defs.Err_t) {
	if depth > maxlinks {
		return nil, -defs.ELOOP
	}
	if !Bpath_validate(path) {
		return nil, -defs.ENAMETOOLONG
	}
	cur := start
	if path[0] == '/' {
		cur = fs.root
	}
	cur = fs.crossdown(cur)
	pp := Pathparts_t{}
	pp.Pp_init(path)
	for cn, ok := pp.Next(); ok; cn, ok = pp.Next() {
		if cn == "." {
			continue
		}
		if cn == ".." {
			cur = fs.crossup(cur)
			if cur.parent != nil {
				cur = cur.parent
			}
			continue
		}
		if cur.node.Type != FT_DIR {
			return nil, -defs.ENOTDIR
		}
		child, err := fs.lookup(cur, cn)
		if err != 0 {
			return nil, err
		}
		last := pp.loc >= len(pp.path)
		if child.node.Type == FT_SYMLINK && (!last || follow) {
			sl, ok := child.node.Ops.(Symlink_i)
			if !ok {
				return nil, -defs.EINVAL
			}
			target, serr := sl.Read_symlink(child.node)
			if serr != 0 {
				return nil, serr
			}
			child, err = fs.walklocked(target, cur, true, depth+1)
			if err != 0 {
				return nil, err
			}
		}
		cur = fs.crossdown(child)
	}
	return cur, 0
}

// crossdown jumps into the filesystem mounted over d, if any.
func (fs *Fs_t) crossdown(d *Dentry_t) *Dentry_t {
	for d.covered != nil {
		d = d.covered.rootdent
	}
	return d
}

// crossup jumps from a mount root back to its mountpoint for "..".
func (fs *Fs_t) crossup(d *Dentry_t) *Dentry_t {
	for d.parent == nil && d.mnt.mountpoint != nil {
		d = d.mnt.mountpoint
	}
	return d
}

// walkparent resolves all but the last component, returning the
// directory dentry and the final name.
func (fs *Fs_t) walkparent(path string) (*Dentry_t, string, defs.Err_t) {
	dirs, fn := Sdirname(path)
	if fn == "" || fn == "." || fn == ".." {
		return nil, "", -defs.EINVAL
	}
	if dirs == "" {
		dirs = "."
	}
	fs.dlk.Lock()
	defer fs.dlk.Unlock()
	d, err := fs.walklocked(dirs, fs.root, true, 0)
	if err != 0 {
		return nil, "", err
	}
	if d.node.Type != FT_DIR {
		return nil, "", -defs.ENOTDIR
	}
	return d, fn, 0
}

// create makes a node of the given type under path's parent. The new
// dentry is returned with one extra reference on its node.
func (fs *Fs_t) create(path string, typ Ftype_t, target string,
	dev defs.Devid_t) (*Dentry_t, defs.Err_t) {
	dir, fn, err := fs.walkparent(path)
	if err != 0 {
		return nil, err
	}
	if dir.mnt.Rdonly() {
		return nil, -defs.EROFS
	}
	fs.dlk.Lock()
	defer fs.dlk.Unlock()
	if _, ok := dir.children[fn]; ok {
		return nil, -defs.EEXIST
	}
	dn := dir.node
	dn.Lock()
	if _, lerr := dn.Ops.Lookup(dn, fn); lerr == 0 {
		dn.Unlock()
		return nil, -defs.EEXIST
	}
	id, err := dn.Ops.Create(dn, fn, typ, target, dev)
	dn.Unlock()
	if err != 0 {
		return nil, err
	}
	n, err := dir.mnt.Getnode(id)
	if err != 0 {
		return nil, err
	}
	d := fs.mkdentry(dir, fn, n)
	n.Refup()
	return d, 0
}

// Open resolves path into an open file. O_CREAT creates a regular
// file when the path is absent; with O_EXCL an existing one fails.
func (fs *Fs_t) Open(path string, rights defs.Rights_t, flags Fflag_t) (*File_t, defs.Err_t) {
	var n *Node_t
	d, err := fs.walk(path, flags&O_NOFOLLOW == 0)
	if err == 0 {
		if flags&O_CREAT != 0 && flags&O_EXCL != 0 {
			return nil, -defs.EEXIST
		}
		n = d.node
		n.Refup()
	} else if err == -defs.ENOENT && flags&O_CREAT != 0 {
		d, err = fs.create(path, FT_FILE, "", 0)
		if err != 0 {
			return nil, err
		}
		n = d.node
	} else {
		return nil, err
	}
	if flags&O_NOFOLLOW != 0 && n.Type == FT_SYMLINK {
		n.Refdown()
		return nil, -defs.ELOOP
	}
	if flags&O_DIRECTORY != 0 && n.Type != FT_DIR {
		n.Refdown()
		return nil, -defs.ENOTDIR
	}
	if n.Type == FT_DIR && rights&defs.RIGHT_WRITE != 0 {
		n.Refdown()
		return nil, -defs.EISDIR
	}
	if rights&defs.RIGHT_WRITE != 0 && n.Mnt.Rdonly() {
		n.Refdown()
		return nil, -defs.EROFS
	}
	if flags&O_TRUNC != 0 && n.Type == FT_FILE {
		if err := n.Truncate(0); err != 0 {
			n.Refdown()
			return nil, err
		}
	}
	if oc, ok := n.Ops.(Openclose_i); ok {
		oc.Open(n)
	}
	f := &File_t{node: n, dent: d, rights: rights,
		append: flags&O_APPEND != 0}
	return f, 0
}

// Create_dir, Create_fifo, Create_symlink and Create_dev make the
// respective node types; the new node reference is dropped since no
// file stays open.
func (fs *Fs_t) Create_dir(path string) defs.Err_t {
	d, err := fs.create(path, FT_DIR, "", 0)
	if err != 0 {
		return err
	}
	d.node.Refdown()
	return 0
}

func (fs *Fs_t) Create_fifo(path string) defs.Err_t {
	d, err := fs.create(path, FT_FIFO, "", 0)
	if err != 0 {
		return err
	}
	d.node.Refdown()
	return 0
}

func (fs *Fs_t) Create_symlink(target, path string) defs.Err_t {
	if target == "" {
		return -defs.EINVAL
	}
	d, err := fs.create(path, FT_SYMLINK, target, 0)
	if err != 0 {
		return err
	}
	d.node.Refdown()
	return 0
}

// Create_dev makes a device node naming dev; the device need not be
// registered yet, I/O on an unbound id fails with -ENODEV.
func (fs *Fs_t) Create_dev(path string, dev defs.Devid_t) defs.Err_t {
	d, err := fs.create(path, FT_DEV, "", dev)
	if err != 0 {
		return err
	}
	d.node.Refdown()
	return 0
}

// Info stats path; follow chases a final symlink.
func (fs *Fs_t) Info(path string, follow bool) (Info_t, defs.Err_t) {
	var st Info_t
	d, err := fs.walk(path, follow)
	if err != 0 {
		return st, err
	}
	err = d.node.Nodeinfo(&st)
	return st, err
}

// Readlink returns a symlink's target without following it.
func (fs *Fs_t) Readlink(path string) (string, defs.Err_t) {
	d, err := fs.walk(path, false)
	if err != 0 {
		return "", err
	}
	sl, ok := d.node.Ops.(Symlink_i)
	if !ok {
		return "", -defs.EINVAL
	}
	return sl.Read_symlink(d.node)
}

// Link makes newpath another name for oldpath's node. Directories
// cannot be linked and both names must live on one mount.
func (fs *Fs_t) Link(oldpath, newpath string) defs.Err_t {
	od, err := fs.walk(oldpath, false)
	if err != 0 {
		return err
	}
	n := od.node
	if n.Type == FT_DIR {
		return -defs.EISDIR
	}
	dir, fn, err := fs.walkparent(newpath)
	if err != 0 {
		return err
	}
	if dir.mnt != n.Mnt {
		return -defs.EXDEV
	}
	if dir.mnt.Rdonly() {
		return -defs.EROFS
	}
	fs.dlk.Lock()
	defer fs.dlk.Unlock()
	if _, ok := dir.children[fn]; ok {
		return -defs.EEXIST
	}
	dn := dir.node
	dn.Lock()
	defer dn.Unlock()
	if _, lerr := dn.Ops.Lookup(dn, fn); lerr == 0 {
		return -defs.EEXIST
	}
	if err := dn.Ops.Link(dn, fn, n); err != 0 {
		return err
	}
	n.Lock()
	n.Links++
	n.Unlock()
	return 0
}

// Unlink removes path's name. A directory must be empty; its node is
// destroyed once the last in-memory reference drops.
func (fs *Fs_t) Unlink(path string) defs.Err_t {
	dir, fn, err := fs.walkparent(path)
	if err != 0 {
		return err
	}
	if dir.mnt.Rdonly() {
		return -defs.EROFS
	}
	fs.dlk.Lock()
	defer fs.dlk.Unlock()
	d, err := fs.lookup(dir, fn)
	if err != 0 {
		return err
	}
	if d.covered != nil {
		return -defs.EBUSY
	}
	n := d.node
	if n.Type == FT_DIR {
		n.Lock()
		_, _, derr := n.Ops.Read_dir(n, 0)
		n.Unlock()
		if derr == 0 {
			return -defs.ENOTEMPTY
		}
	}
	dn := dir.node
	dn.Lock()
	err = dn.Ops.Unlink(dn, fn, n)
	dn.Unlock()
	if err != 0 {
		return err
	}
	n.Lock()
	n.Links--
	gone := n.Links <= 0
	n.Unlock()
	if gone {
		n.Markremoved()
	}
	fs.detach(d)
	return 0
}

// Rename moves oldpath to newpath on one mount, atomically when the
// filesystem can, otherwise as link then unlink.
func (fs *Fs_t) Rename(oldpath, newpath string) defs.Err_t {
	odir, ofn, err := fs.walkparent(oldpath)
	if err != 0 {
		return err
	}
	ndir, nfn, err := fs.walkparent(newpath)
	if err != 0 {
		return err
	}
	if odir.mnt != ndir.mnt {
		return -defs.EXDEV
	}
	if odir.mnt.Rdonly() {
		return -defs.EROFS
	}
	fs.dlk.Lock()
	defer fs.dlk.Unlock()
	od, err := fs.lookup(odir, ofn)
	if err != 0 {
		return err
	}
	if _, ok := ndir.children[nfn]; ok {
		return -defs.EEXIST
	}
	if r, ok := odir.node.Ops.(Rename_i); ok {
		odir.node.Lock()
		if odir != ndir {
			ndir.node.Lock()
		}
		err = r.Rename(odir.node, ofn, ndir.node, nfn)
		if odir != ndir {
			ndir.node.Unlock()
		}
		odir.node.Unlock()
		if err != 0 {
			return err
		}
	} else {
		n := od.node
		ndn := ndir.node
		ndn.Lock()
		err = ndn.Ops.Link(ndn, nfn, n)
		ndn.Unlock()
		if err != 0 {
			return err
		}
		odn := odir.node
		odn.Lock()
		err = odn.Ops.Unlink(odn, ofn, n)
		odn.Unlock()
		if err != 0 {
			return err
		}
	}
	fs.detach(od)
	return 0
}

// Pathof rebuilds an open file's canonical path by walking the dentry
// chain upward, crossing mount roots back through their mountpoints.
// Once the name is gone from the tree (unlinked, renamed away or
// reclaimed) it returns -ENOENT.
func (fs *Fs_t) Pathof(f *File_t) (string, defs.Err_t) {
	fs.dlk.Lock()
	defer fs.dlk.Unlock()
	d := f.dent
	if d == nil {
		return "", -defs.ENOENT
	}
	var parts []string
	for {
		d = fs.crossup(d)
		if d.parent == nil {
			break
		}
		// a detached dentry is no longer its parent's child
		if d.parent.children[d.name] != d {
			return "", -defs.ENOENT
		}
		parts = append(parts, d.name)
		d = d.parent
	}
	if d != fs.root {
		return "", -defs.ENOENT
	}
	if len(parts) == 0 {
		return "/", 0
	}
	ret := ""
	for i := len(parts) - 1; i >= 0; i-- {
		ret += "/" + parts[i]
	}
	return ret, 0
}

// Mount attaches ops over the directory at path.
func (fs *Fs_t) Mount(path string, ops Mountops_i, flags Mntflag_t) defs.Err_t {
	d, err := fs.walk(path, true)
	if err != 0 {
		return err
	}
	if d.node.Type != FT_DIR {
		return -defs.ENOTDIR
	}
	m := mkmount(ops, flags)
	rn, err := m.Getnode(ops.Root())
	if err != 0 {
		return err
	}
	if rn.Type != FT_DIR {
		rn.Refdown()
		return -defs.ENOTDIR
	}
	fs.dlk.Lock()
	defer fs.dlk.Unlock()
	if d.covered != nil {
		rn.Refdown()
		return -defs.EBUSY
	}
	m.rootdent = &Dentry_t{name: d.name, node: rn, mnt: m,
		children: make(map[string]*Dentry_t), flags: DENT_KEEP}
	m.mountpoint = d
	d.covered = m
	fs.lru_del(d)
	fs.mlk.Lock()
	fs.mnts = append(fs.mnts, m)
	fs.mlk.Unlock()
	return 0
}

// Unmount detaches the filesystem mounted at path. Mounts with nodes
// still referenced beyond the root are busy.
func (fs *Fs_t) Unmount(path string) defs.Err_t {
	d, err := fs.walk(path, true)
	if err != 0 {
		return err
	}
	fs.dlk.Lock()
	m := d.mnt
	if m.mountpoint == nil || d != m.rootdent {
		fs.dlk.Unlock()
		return -defs.EINVAL
	}
	// drop cached dentries below the mount root so only the root's
	// node reference remains
	for _, c := range d.children {
		if len(c.children) > 0 || c.covered != nil {
			fs.dlk.Unlock()
			return -defs.EBUSY
		}
		fs.detach(c)
	}
	m.nlk.Lock()
	busy := false
	for _, n := range m.nodes {
		want := 0
		if n == d.node {
			want = 1
		}
		if n.ref > want {
			busy = true
			break
		}
	}
	m.nlk.Unlock()
	if busy {
		fs.dlk.Unlock()
		return -defs.EBUSY
	}
	m.mountpoint.covered = nil
	m.mountpoint = nil
	d.node.Refdown()
	fs.dlk.Unlock()
	fs.mlk.Lock()
	for i, x := range fs.mnts {
		if x == m {
			fs.mnts = append(fs.mnts[:i], fs.mnts[i+1:]...)
			break
		}
	}
	fs.mlk.Unlock()
	return m.Ops.Unmount()
}

// Sync flushes every mount: dirty node caches first, then the
// filesystems' own metadata.
func (fs *Fs_t) Sync() defs.Err_t {
	fs.mlk.Lock()
	mnts := make([]*Mount_t, len(fs.mnts))
	copy(mnts, fs.mnts)
	fs.mlk.Unlock()
	var ret defs.Err_t
	for _, m := range mnts {
		m.nlk.Lock()
		nodes := make([]*Node_t, 0, len(m.nodes))
		for _, n := range m.nodes {
			nodes = append(nodes, n)
		}
		m.nlk.Unlock()
		for _, n := range nodes {
			n.Lock()
			c := n.cache
			n.Unlock()
			if c != nil {
				if err := c.Flush(); err != 0 {
					ret = err
				}
			}
			if err := n.Ops.Flushn(n); err != 0 {
				ret = err
			}
		}
		if err := m.Ops.Flush(); err != 0 {
			ret = err
		}
	}
	return ret
}

// File_t is an open file: a referenced node plus a cursor. dent is the
// name the file was opened under, kept for path reconstruction; the
// file does not pin it against unlink or reclaim.
type File_t struct {
	sync.Mutex
	node   *Node_t
	dent   *Dentry_t
	pos    int64
	dirpos int
	rights defs.Rights_t
	append bool
	closed bool
}

// Node exposes the open file's node.
func (f *File_t) Node() *Node_t { return f.node }

// Read copies from the cursor, advancing it.
func (f *File_t) Read(dst []uint8) (int, defs.Err_t) {
	if f.rights&defs.RIGHT_READ == 0 {
		return 0, -defs.EACCES
	}
	f.Lock()
	defer f.Unlock()
	req := &vm.Io_req_t{Buf: dst, Offset: f.pos}
	did, err := f.node.Nodeio(req)
	f.pos += int64(did)
	return did, err
}

// Write copies to the cursor; O_APPEND writes go to the end.
func (f *File_t) Write(src []uint8) (int, defs.Err_t) {
	if f.rights&defs.RIGHT_WRITE == 0 {
		return 0, -defs.EACCES
	}
	f.Lock()
	defer f.Unlock()
	if f.append {
		f.node.Lock()
		f.pos = f.node.Size
		f.node.Unlock()
	}
	req := &vm.Io_req_t{Buf: src, Offset: f.pos, Write: true}
	did, err := f.node.Nodeio(req)
	f.pos += int64(did)
	return did, err
}

// Pread and Pwrite are the cursorless variants.
func (f *File_t) Pread(dst []uint8, off int64) (int, defs.Err_t) {
	if f.rights&defs.RIGHT_READ == 0 {
		return 0, -defs.EACCES
	}
	req := &vm.Io_req_t{Buf: dst, Offset: off}
	return f.node.Nodeio(req)
}

func (f *File_t) Pwrite(src []uint8, off int64) (int, defs.Err_t) {
	if f.rights&defs.RIGHT_WRITE == 0 {
		return 0, -defs.EACCES
	}
	req := &vm.Io_req_t{Buf: src, Offset: off, Write: true}
	return f.node.Nodeio(req)
}

// Seek whence values.
const (
	SEEK_SET = iota
	SEEK_CUR
	SEEK_END
)

// Seek moves the cursor.
func (f *File_t) Seek(off int64, whence int) (int64, defs.Err_t) {
	f.Lock()
	defer f.Unlock()
	var np int64
	switch whence {
	case SEEK_SET:
		np = off
	case SEEK_CUR:
		np = f.pos + off
	case SEEK_END:
		f.node.Lock()
		np = f.node.Size + off
		f.node.Unlock()
	default:
		return 0, -defs.EINVAL
	}
	if np < 0 {
		return 0, -defs.EINVAL
	}
	f.pos = np
	return np, 0
}

// Read_dir returns the next directory entry, -ENOENT at the end.
func (f *File_t) Read_dir() (Dirent_t, defs.Err_t) {
	if f.node.Type != FT_DIR {
		var de Dirent_t
		return de, -defs.ENOTDIR
	}
	f.Lock()
	defer f.Unlock()
	n := f.node
	n.Lock()
	de, next, err := n.Ops.Read_dir(n, f.dirpos)
	n.Unlock()
	if err == 0 {
		f.dirpos = next
	}
	return de, err
}

// Request issues a device control op on an open device node.
func (f *File_t) Request(op int, arg int64) (int64, defs.Err_t) {
	if f.node.Type != FT_DEV {
		return 0, -defs.EINVAL
	}
	d, err := lookupdev(f.node.Dev)
	if err != 0 {
		return 0, err
	}
	return d.Request(op, arg)
}

// Truncate resizes the open file.
func (f *File_t) Truncate(sz int64) defs.Err_t {
	if f.rights&defs.RIGHT_WRITE == 0 {
		return -defs.EACCES
	}
	return f.node.Truncate(sz)
}

// Close drops the file's node reference.
func (f *File_t) Close() defs.Err_t {
	f.Lock()
	if f.closed {
		f.Unlock()
		return -defs.EBADF
	}
	f.closed = true
	f.Unlock()
	if oc, ok := f.node.Ops.(Openclose_i); ok {
		oc.Closed(f.node)
	}
	f.node.Refdown()
	return 0
}
