package kernel

import "time"

import "kiwi/defs"
import "kiwi/fs"
import "kiwi/ipc"
import "kiwi/ktime"
import "kiwi/obj"
import "kiwi/proc"
import "kiwi/sched"
import "kiwi/vm"

// System call numbers.
const (
	SYS_CLOSE = 1 + iota
	SYS_TYPE
	SYS_WAIT
	SYS_WAIT_MULTIPLE
	SYS_DUP
	SYS_PROC_CREATE
	SYS_EXIT
	SYS_GETPID
	SYS_PROC_STATUS
	SYS_MMAP
	SYS_MUNMAP
	SYS_MPROTECT
	SYS_OPEN
	SYS_READ
	SYS_WRITE
	SYS_SEEK
	SYS_READ_DIR
	SYS_CREATE_DIR
	SYS_CREATE_FIFO
	SYS_CREATE_SYMLINK
	SYS_CREATE_DEV
	SYS_READ_SYMLINK
	SYS_MOUNT
	SYS_UNMOUNT
	SYS_INFO
	SYS_LINK
	SYS_UNLINK
	SYS_RENAME
	SYS_SYNC
	SYS_PATH
	SYS_DEV_REQUEST
	SYS_PORT_CREATE
	SYS_PORT_LISTEN
	SYS_CONN_OPEN
	SYS_CONN_SEND
	SYS_CONN_RECEIVE
	SYS_CONN_REPLY
	SYS_SYSTEM_TIME
	SYS_TIMER_CREATE
	SYS_TIMER_START
	SYS_TIMER_STOP
)

const maxpath = 4096

// readstr fetches a NUL-terminated string from the process.
func readstr(p *proc.Proc_t, va uintptr) (string, defs.Err_t) {
	var ret []uint8
	for len(ret) < maxpath {
		chunk, err := p.Aspace.Read(va, 64)
		if err != 0 {
			return "", err
		}
		for i, c := range chunk {
			if c == 0 {
				return string(append(ret, chunk[:i]...)), 0
			}
		}
		ret = append(ret, chunk...)
		va += 64
	}
	return "", -defs.ENAMETOOLONG
}

// Sys_close drops a handle.
func (k *Kernel_t) Sys_close(p *proc.Proc_t, hid int) defs.Err_t {
	return p.Handles.Close(hid)
}

// Sys_type names a handle's object type.
func (k *Kernel_t) Sys_type(p *proc.Proc_t, hid int) (string, defs.Err_t) {
	h, err := p.Handles.Get(hid)
	if err != 0 {
		return "", err
	}
	t := h.Obj.Ops.Objtype()
	p.Handles.Put(h)
	return t, 0
}

// Sys_dup clones a handle with narrowed rights.
func (k *Kernel_t) Sys_dup(p *proc.Proc_t, hid int, rights defs.Rights_t) (int, defs.Err_t) {
	return p.Handles.Dup(hid, rights)
}

// Sys_wait blocks on one handle's event.
func (k *Kernel_t) Sys_wait(p *proc.Proc_t, hid int, event uint,
	tmo time.Duration, intr <-chan bool) (obj.Waitres_t, defs.Err_t) {
	return obj.Wait_one(p.Handles, hid, event, tmo, intr)
}

// Sys_wait_multiple blocks on a set of handles.
func (k *Kernel_t) Sys_wait_multiple(p *proc.Proc_t, reqs []obj.Waitreq_t,
	tmo time.Duration, intr <-chan bool) (obj.Waitres_t, defs.Err_t) {
	return obj.Wait_multiple(p.Handles, reqs, tmo, intr)
}

// Sys_proc_create makes a process in the caller's image, returning a
// handle to it. The child starts empty; the loader populates it.
func (k *Kernel_t) Sys_proc_create(p *proc.Proc_t, name string, prio int) (int, defs.Err_t) {
	child, err := proc.Mkproc(name, prio, p.Ident)
	if err != 0 {
		return 0, err
	}
	hid, err := p.Handles.Alloc(child.O,
		defs.RIGHT_READ|defs.RIGHT_WRITE|defs.RIGHT_DESTROY)
	if err != 0 {
		child.Kill(-1)
		child.O.Unref()
		return 0, err
	}
	return hid, 0
}

// Sys_exit retires the calling thread; the last thread out kills the
// process.
func (k *Kernel_t) Sys_exit(p *proc.Proc_t, t *sched.Thread_t, status int) {
	p.Threadexit(t, status)
}

// Sys_getpid returns the caller's process id.
func (k *Kernel_t) Sys_getpid(p *proc.Proc_t) int {
	return p.Pid
}

// Sys_proc_status reports (dead, status) for a process handle.
func (k *Kernel_t) Sys_proc_status(p *proc.Proc_t, hid int) (bool, int, defs.Err_t) {
	h, err := p.Handles.Get(hid)
	if err != 0 {
		return false, 0, err
	}
	defer p.Handles.Put(h)
	tp, ok := h.Obj.Ops.(*proc.Proc_t)
	if !ok {
		return false, 0, -defs.EINVAL
	}
	dead, st := tp.Dead()
	return dead, st, 0
}

// Sys_mmap maps a file handle (or anonymous memory with hid == -1)
// into the caller.
func (k *Kernel_t) Sys_mmap(p *proc.Proc_t, hid int, off int64, size,
	addr uintptr, flags vm.Vmflag_t) (uintptr, defs.Err_t) {
	if hid == defs.IdNone {
		npg := int((size + 0xfff) >> 12)
		return p.Aspace.Map(vm.Mkanon(npg, nil, 0), 0, size, addr,
			flags)
	}
	h, err := p.Handles.Getr(hid, defs.RIGHT_READ)
	if err != 0 {
		return 0, err
	}
	defer p.Handles.Put(h)
	fo, ferr := fileof(h)
	if ferr != 0 {
		return 0, ferr
	}
	c, cerr := fo.F.Node().Getcache()
	if cerr != 0 {
		return 0, cerr
	}
	if flags&vm.VM_WRITE != 0 && flags&vm.VM_PRIVATE == 0 &&
		h.Rights&defs.RIGHT_WRITE == 0 {
		return 0, -defs.EACCES
	}
	return p.Aspace.Map(vm.Mkcacheobj(c), off, size, addr, flags)
}

// Sys_munmap and Sys_mprotect are thin wrappers.
func (k *Kernel_t) Sys_munmap(p *proc.Proc_t, addr, size uintptr) defs.Err_t {
	return p.Aspace.Unmap(addr, size)
}

func (k *Kernel_t) Sys_mprotect(p *proc.Proc_t, addr, size uintptr,
	flags vm.Vmflag_t) defs.Err_t {
	return p.Aspace.Protect(addr, size, flags)
}

// Sys_open opens a path into a file handle.
func (k *Kernel_t) Sys_open(p *proc.Proc_t, path string, rights defs.Rights_t,
	flags fs.Fflag_t) (int, defs.Err_t) {
	f, err := k.Fs.Open(path, rights, flags)
	if err != 0 {
		return 0, err
	}
	fo := mkfileobj(f, p.Ident)
	hid, err := p.Handles.Alloc(fo.O, rights)
	if err != 0 {
		fo.O.Unref()
		return 0, err
	}
	return hid, 0
}

// Sys_read and Sys_write move bytes through a file handle.
func (k *Kernel_t) Sys_read(p *proc.Proc_t, hid int, dst []uint8) (int, defs.Err_t) {
	h, err := p.Handles.Getr(hid, defs.RIGHT_READ)
	if err != 0 {
		return 0, err
	}
	defer p.Handles.Put(h)
	fo, ferr := fileof(h)
	if ferr != 0 {
		return 0, ferr
	}
	return fo.F.Read(dst)
}

func (k *Kernel_t) Sys_write(p *proc.Proc_t, hid int, src []uint8) (int, defs.Err_t) {
	h, err := p.Handles.Getr(hid, defs.RIGHT_WRITE)
	if err != 0 {
		return 0, err
	}
	defer p.Handles.Put(h)
	fo, ferr := fileof(h)
	if ferr != 0 {
		return 0, ferr
	}
	return fo.F.Write(src)
}

func (k *Kernel_t) Sys_seek(p *proc.Proc_t, hid int, off int64, whence int) (int64, defs.Err_t) {
	h, err := p.Handles.Get(hid)
	if err != 0 {
		return 0, err
	}
	defer p.Handles.Put(h)
	fo, ferr := fileof(h)
	if ferr != 0 {
		return 0, ferr
	}
	return fo.F.Seek(off, whence)
}

// Sys_read_dir reads the next entry of a directory handle.
func (k *Kernel_t) Sys_read_dir(p *proc.Proc_t, hid int) (fs.Dirent_t, defs.Err_t) {
	var de fs.Dirent_t
	h, err := p.Handles.Getr(hid, defs.RIGHT_READ)
	if err != 0 {
		return de, err
	}
	defer p.Handles.Put(h)
	fo, ferr := fileof(h)
	if ferr != 0 {
		return de, ferr
	}
	return fo.F.Read_dir()
}

// Path-level fs calls.
func (k *Kernel_t) Sys_create_dir(p *proc.Proc_t, path string) defs.Err_t {
	return k.Fs.Create_dir(path)
}

func (k *Kernel_t) Sys_create_fifo(p *proc.Proc_t, path string) defs.Err_t {
	return k.Fs.Create_fifo(path)
}

func (k *Kernel_t) Sys_create_symlink(p *proc.Proc_t, target, path string) defs.Err_t {
	return k.Fs.Create_symlink(target, path)
}

func (k *Kernel_t) Sys_create_dev(p *proc.Proc_t, path string, dev defs.Devid_t) defs.Err_t {
	return k.Fs.Create_dev(path, dev)
}

func (k *Kernel_t) Sys_read_symlink(p *proc.Proc_t, path string) (string, defs.Err_t) {
	return k.Fs.Readlink(path)
}

func (k *Kernel_t) Sys_info(p *proc.Proc_t, path string, follow bool) (fs.Info_t, defs.Err_t) {
	return k.Fs.Info(path, follow)
}

func (k *Kernel_t) Sys_link(p *proc.Proc_t, old, new string) defs.Err_t {
	return k.Fs.Link(old, new)
}

func (k *Kernel_t) Sys_unlink(p *proc.Proc_t, path string) defs.Err_t {
	return k.Fs.Unlink(path)
}

func (k *Kernel_t) Sys_rename(p *proc.Proc_t, old, new string) defs.Err_t {
	return k.Fs.Rename(old, new)
}

func (k *Kernel_t) Sys_sync(p *proc.Proc_t) defs.Err_t {
	return k.Fs.Sync()
}

// Sys_path rebuilds a file handle's canonical path.
func (k *Kernel_t) Sys_path(p *proc.Proc_t, hid int) (string, defs.Err_t) {
	h, err := p.Handles.Get(hid)
	if err != 0 {
		return "", err
	}
	defer p.Handles.Put(h)
	fo, ferr := fileof(h)
	if ferr != 0 {
		return "", ferr
	}
	return k.Fs.Pathof(fo.F)
}

// Sys_dev_request issues a device control op through a device node
// handle.
func (k *Kernel_t) Sys_dev_request(p *proc.Proc_t, hid int, op int,
	arg int64) (int64, defs.Err_t) {
	h, err := p.Handles.Getr(hid, defs.RIGHT_WRITE)
	if err != 0 {
		return 0, err
	}
	defer p.Handles.Put(h)
	fo, ferr := fileof(h)
	if ferr != 0 {
		return 0, ferr
	}
	return fo.F.Request(op, arg)
}

// Sys_port_create makes an IPC port handle.
func (k *Kernel_t) Sys_port_create(p *proc.Proc_t) (int, defs.Err_t) {
	port := ipc.Mkport(p.Ident.Uid, 0)
	hid, err := p.Handles.Alloc(port.O,
		defs.RIGHT_READ|defs.RIGHT_WRITE|defs.RIGHT_DESTROY)
	if err != 0 {
		port.O.Unref()
		return 0, err
	}
	return hid, 0
}

// Sys_port_listen accepts one pending connection on a port handle.
func (k *Kernel_t) Sys_port_listen(p *proc.Proc_t, hid int) (int, defs.Err_t) {
	h, err := p.Handles.Getr(hid, defs.RIGHT_READ)
	if err != 0 {
		return 0, err
	}
	defer p.Handles.Put(h)
	port, ok := h.Obj.Ops.(*ipc.Port_t)
	if !ok {
		return 0, -defs.EINVAL
	}
	ep, aerr := port.Accept()
	if aerr != 0 {
		return 0, aerr
	}
	nhid, err := p.Handles.Alloc(ep.O,
		defs.RIGHT_READ|defs.RIGHT_WRITE|defs.RIGHT_DESTROY)
	if err != 0 {
		ep.O.Unref()
		return 0, err
	}
	return nhid, 0
}

// Sys_conn_open connects to a port handle.
func (k *Kernel_t) Sys_conn_open(p *proc.Proc_t, hid int) (int, defs.Err_t) {
	h, err := p.Handles.Getr(hid, defs.RIGHT_WRITE)
	if err != 0 {
		return 0, err
	}
	defer p.Handles.Put(h)
	port, ok := h.Obj.Ops.(*ipc.Port_t)
	if !ok {
		return 0, -defs.EINVAL
	}
	ep, cerr := port.Connect(p.Ident.Uid, 0)
	if cerr != 0 {
		return 0, cerr
	}
	nhid, err := p.Handles.Alloc(ep.O,
		defs.RIGHT_READ|defs.RIGHT_WRITE|defs.RIGHT_DESTROY)
	if err != 0 {
		ep.O.Unref()
		return 0, err
	}
	return nhid, 0
}

// Sys_conn_send and Sys_conn_receive move messages. Sent handles turn
// into object payloads; received objects come back as fresh handles.
func (k *Kernel_t) Sys_conn_send(p *proc.Proc_t, hid int, data []uint8,
	hids []int) defs.Err_t {
	h, err := p.Handles.Getr(hid, defs.RIGHT_WRITE)
	if err != 0 {
		return err
	}
	defer p.Handles.Put(h)
	ep, ok := h.Obj.Ops.(*ipc.Endpoint_t)
	if !ok {
		return -defs.EINVAL
	}
	msg := &ipc.Msg_t{Data: data}
	for _, mh := range hids {
		oh, err := p.Handles.Get(mh)
		if err != 0 {
			for _, o := range msg.Objs {
				o.Unref()
			}
			return err
		}
		// the Get reference rides with the message
		msg.Objs = append(msg.Objs, oh.Obj)
	}
	if serr := ep.Send(msg); serr != 0 {
		for _, o := range msg.Objs {
			o.Unref()
		}
		return serr
	}
	return 0
}

// Sys_conn_reply answers the last message received on the connection.
func (k *Kernel_t) Sys_conn_reply(p *proc.Proc_t, hid int, data []uint8,
	hids []int) defs.Err_t {
	h, err := p.Handles.Getr(hid, defs.RIGHT_WRITE)
	if err != 0 {
		return err
	}
	defer p.Handles.Put(h)
	ep, ok := h.Obj.Ops.(*ipc.Endpoint_t)
	if !ok {
		return -defs.EINVAL
	}
	msg := &ipc.Msg_t{Data: data}
	for _, mh := range hids {
		oh, err := p.Handles.Get(mh)
		if err != 0 {
			for _, o := range msg.Objs {
				o.Unref()
			}
			return err
		}
		msg.Objs = append(msg.Objs, oh.Obj)
	}
	if rerr := ep.Reply(msg); rerr != 0 {
		for _, o := range msg.Objs {
			o.Unref()
		}
		return rerr
	}
	return 0
}

func (k *Kernel_t) Sys_conn_receive(p *proc.Proc_t, hid int) ([]uint8, []int, defs.Err_t) {
	h, err := p.Handles.Getr(hid, defs.RIGHT_READ)
	if err != 0 {
		return nil, nil, err
	}
	defer p.Handles.Put(h)
	ep, ok := h.Obj.Ops.(*ipc.Endpoint_t)
	if !ok {
		return nil, nil, -defs.EINVAL
	}
	msg, rerr := ep.Recv()
	if rerr != 0 {
		return nil, nil, rerr
	}
	var hids []int
	for _, o := range msg.Objs {
		nhid, aerr := p.Handles.Alloc(o,
			defs.RIGHT_READ|defs.RIGHT_WRITE)
		if aerr != 0 {
			o.Unref()
			continue
		}
		hids = append(hids, nhid)
	}
	return msg.Data, hids, 0
}

// Sys_system_time returns nanoseconds since boot.
func (k *Kernel_t) Sys_system_time() int64 {
	return ktime.System_time()
}

// Sys_unix_time returns wall-clock seconds.
func (k *Kernel_t) Sys_unix_time() int64 {
	return time.Now().Unix()
}

// Sys_timer_create makes a timer object handle on the caller's CPU
// timer list.
func (k *Kernel_t) Sys_timer_create(p *proc.Proc_t, cpu int) (int, defs.Err_t) {
	if cpu < 0 || cpu >= len(k.Timers) {
		return 0, -defs.EINVAL
	}
	to := ktime.Mktimerobj(k.Timers[cpu], p.Ident.Uid, 0)
	hid, err := p.Handles.Alloc(to.O,
		defs.RIGHT_READ|defs.RIGHT_WRITE|defs.RIGHT_DESTROY)
	if err != 0 {
		to.O.Unref()
		return 0, err
	}
	return hid, 0
}

func (k *Kernel_t) timerof(p *proc.Proc_t, hid int, need defs.Rights_t) (*ktime.Timerobj_t, *obj.Handle_t, defs.Err_t) {
	h, err := p.Handles.Getr(hid, need)
	if err != 0 {
		return nil, nil, err
	}
	to, ok := h.Obj.Ops.(*ktime.Timerobj_t)
	if !ok {
		p.Handles.Put(h)
		return nil, nil, -defs.EINVAL
	}
	return to, h, 0
}

func (k *Kernel_t) Sys_timer_start(p *proc.Proc_t, hid int, delay, period int64) defs.Err_t {
	to, h, err := k.timerof(p, hid, defs.RIGHT_WRITE)
	if err != 0 {
		return err
	}
	to.Set(delay, period)
	p.Handles.Put(h)
	return 0
}

func (k *Kernel_t) Sys_timer_stop(p *proc.Proc_t, hid int) defs.Err_t {
	to, h, err := k.timerof(p, hid, defs.RIGHT_WRITE)
	if err != 0 {
		return err
	}
	to.Stop()
	p.Handles.Put(h)
	return 0
}
