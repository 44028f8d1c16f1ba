// Package proc ties a process together: an address space, a handle
// table, a priority class and a set of threads. A process is itself a
// kernel object that signals its death event, so parents and the
// service manager can wait on it.
package proc

import "fmt"
import "sync"
import "sync/atomic"

import "kiwi/defs"
import "kiwi/hashtable"
import "kiwi/limits"
import "kiwi/obj"
import "kiwi/sched"
import "kiwi/vm"

const proc_debug = false

// user VA layout
const (
	USERMIN uintptr = 0x10000
	USERMAX uintptr = 0x7f_0000_0000
)

// Pstate_t is a process's lifecycle state.
type Pstate_t uint8

const (
	PRUNNING Pstate_t = iota
	PDEAD
)

// Proc_t is one process.
type Proc_t struct {
	sync.Mutex
	obj.Eventsrc_t
	Pid     int
	Name    string
	O       *obj.Object_t
	Aspace  *vm.Aspace_t
	Handles *obj.Table_t
	// priority class feeding thread priorities
	Prio    int
	Ident   obj.Ident_t
	threads map[defs.Tid_t]*sched.Thread_t
	state   Pstate_t
	status  int
}

// Pattr_t is the attribute block handed to a fresh process: its
// identity, the handles the parent maps into it, and argv/env.
type Pattr_t struct {
	RootPort int
	// parent handle id -> child handle id
	Handlemap [][2]int
	Argv      []string
	Env       []string
}

var pidcounter int64

// Ptable maps live pids to processes.
var Ptable = hashtable.MkHash[int, *Proc_t](1024)

var nprocs limits.Sysatomic_t

// Mkproc creates a process with an empty address space and handle
// table. The caller owns the returned object reference.
func Mkproc(name string, prio int, ident obj.Ident_t) (*Proc_t, defs.Err_t) {
	if nprocs.Take() == false {
		limits.Lhits++
		return nil, -defs.ENOMEM
	}
	as, err := vm.Mkaspace(USERMIN, USERMAX)
	if err != 0 {
		nprocs.Give()
		return nil, err
	}
	p := &Proc_t{
		Pid:     int(atomic.AddInt64(&pidcounter, 1)),
		Name:    name,
		Aspace:  as,
		Handles: obj.Mktable(),
		Prio:    prio,
		Ident:   ident,
		threads: make(map[defs.Tid_t]*sched.Thread_t),
	}
	p.O = obj.Mkobj(p, ident.Uid, gid0(ident))
	Ptable.Set(p.Pid, p)
	return p, 0
}

func gid0(id obj.Ident_t) defs.Gid_t {
	if len(id.Gids) > 0 {
		return id.Gids[0]
	}
	return 0
}

func init() {
	nprocs = limits.Sysatomic_t(limits.Syslimit.Sysprocs)
}

// Lookup finds a live process by pid.
func Lookup(pid int) (*Proc_t, bool) {
	return Ptable.Get(pid)
}

// Mkthread adds a thread to the process; threadprio is relative to
// the process's class.
func (p *Proc_t) Mkthread(name string, threadprio int) (*sched.Thread_t, defs.Err_t) {
	p.Lock()
	defer p.Unlock()
	if p.state == PDEAD {
		return nil, -defs.ESRCH
	}
	t := sched.Mkthread(fmt.Sprintf("%s/%s", p.Name, name), p.Prio,
		threadprio)
	p.threads[t.Tid] = t
	return t, 0
}

// Threadexit retires one thread; the last one kills the process.
func (p *Proc_t) Threadexit(t *sched.Thread_t, status int) {
	p.Lock()
	delete(p.threads, t.Tid)
	last := len(p.threads) == 0
	p.Unlock()
	if last {
		p.die(status)
	}
}

// Kill tears the process down regardless of live threads.
func (p *Proc_t) Kill(status int) {
	p.Lock()
	p.threads = make(map[defs.Tid_t]*sched.Thread_t)
	p.Unlock()
	p.die(status)
}

// die frees the address space and handles, signals death and drops
// the pid. die is the only place the process goes PDEAD; losers of a
// Kill vs. last-exit race return before touching the teardown state.
// The Proc_t itself lives until the last object reference.
func (p *Proc_t) die(status int) {
	p.Lock()
	if p.state == PDEAD {
		p.Unlock()
		return
	}
	p.state = PDEAD
	p.status = status
	p.Unlock()
	p.Handles.Destroy()
	p.Aspace.Free()
	Ptable.Del(p.Pid)
	nprocs.Give()
	p.Esignal(defs.PROCESS_EVENT_DEATH)
}

// Dead reports (dead, exit status).
func (p *Proc_t) Dead() (bool, int) {
	p.Lock()
	defer p.Unlock()
	return p.state == PDEAD, p.status
}

// Nthreads returns the live thread count.
func (p *Proc_t) Nthreads() int {
	p.Lock()
	defer p.Unlock()
	return len(p.threads)
}

// object type descriptor

func (p *Proc_t) Objtype() string { return "process" }

func (p *Proc_t) Close() {
	// a closed process object does not kill the process; the
	// process dies with its threads
}

func (p *Proc_t) Wait(w *obj.Waiter_t) defs.Err_t {
	return p.Ewait(w)
}

func (p *Proc_t) Unwait(w *obj.Waiter_t) {
	p.Eunwait(w)
}
