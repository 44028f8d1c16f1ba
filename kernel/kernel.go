// Package kernel glues the subsystems into the system call surface: a
// handle-based boundary where files, ports, connections, timers and
// processes are all objects in the calling process's table.
package kernel

import "sync"

import "kiwi/defs"
import "kiwi/fs"
import "kiwi/ktime"
import "kiwi/obj"
import "kiwi/sched"
import "kiwi/svcmgr"

const kernel_debug = false

// Kernel_t owns the machine-wide state the syscalls reach for.
type Kernel_t struct {
	Fs     *fs.Fs_t
	Sched  *sched.Sched_t
	Timers []*ktime.Cputimers_t
	Mgr    *svcmgr.Mgr_t
}

// Mkkernel assembles a kernel from its parts.
func Mkkernel(rootfs *fs.Fs_t, s *sched.Sched_t,
	timers []*ktime.Cputimers_t) *Kernel_t {
	return &Kernel_t{Fs: rootfs, Sched: s, Timers: timers}
}

// Fileobj_t wraps an open file as a kernel object.
type Fileobj_t struct {
	sync.Mutex
	F *fs.File_t
	O *obj.Object_t
}

func mkfileobj(f *fs.File_t, ident obj.Ident_t) *Fileobj_t {
	fo := &Fileobj_t{F: f}
	fo.O = obj.Mkobj(fo, ident.Uid, 0)
	return fo
}

func (fo *Fileobj_t) Objtype() string { return "file" }

func (fo *Fileobj_t) Close() {
	fo.F.Close()
}

// files have no waitable events
func (fo *Fileobj_t) Wait(w *obj.Waiter_t) defs.Err_t {
	return -defs.EOPNOTSUPP
}

func (fo *Fileobj_t) Unwait(w *obj.Waiter_t) {
}

// fileof digs the open file out of a handle.
func fileof(h *obj.Handle_t) (*Fileobj_t, defs.Err_t) {
	fo, ok := h.Obj.Ops.(*Fileobj_t)
	if !ok {
		return nil, -defs.EINVAL
	}
	return fo, 0
}
