// Package obj is the unified object layer: every user-visible kernel
// artifact is an Object_t with a type descriptor, a reference count and
// optional security attributes, reached through per-process handle
// tables and waited on through the multi-object wait primitive.
package obj

import "sync"
import "sync/atomic"
import "time"

import "kiwi/defs"
import "kiwi/ksync"

const obj_debug = false

// Objops_i is the type descriptor. Close runs when the last reference
// drops. Wait registers w for its event and must report (leaving w
// registered) whether the event is already pending; Unwait removes a
// registration and is idempotent.
type Objops_i interface {
	Objtype() string
	Close()
	Wait(w *Waiter_t) defs.Err_t
	Unwait(w *Waiter_t)
}

// Consumer_i is implemented by types whose events are one-shot: a
// successful wait consumes the delivered event so a re-wait does not
// see it again.
type Consumer_i interface {
	Consume(event uint)
}

// Object_t is the common head of every kernel object.
type Object_t struct {
	sync.Mutex
	Ops   Objops_i
	ref   int64
	Owner defs.Uid_t
	Group defs.Gid_t
	// user-managed and system-managed ACLs, both optional
	Uacl Acl_t
	Sacl Acl_t
}

// Mkobj initializes an object head with one reference.
func Mkobj(ops Objops_i, owner defs.Uid_t, group defs.Gid_t) *Object_t {
	return &Object_t{Ops: ops, ref: 1, Owner: owner, Group: group}
}

// Ref takes a reference.
func (o *Object_t) Ref() {
	if atomic.AddInt64(&o.ref, 1) <= 1 {
		panic("ref of dead object")
	}
}

// Unref drops one; the type's Close runs at zero.
func (o *Object_t) Unref() {
	c := atomic.AddInt64(&o.ref, -1)
	if c < 0 {
		panic("object ref underflow")
	}
	if c == 0 {
		o.Ops.Close()
	}
}

// Refcnt returns the current count, for assertions.
func (o *Object_t) Refcnt() int64 {
	return atomic.LoadInt64(&o.ref)
}

// mwait_t is the shared state of one wait_multiple call: a counting
// semaphore bumped by the winning signal and a CAS-guarded pointer to
// the first signalled waiter, so exactly one entry wins even when
// several objects fire at once.
type mwait_t struct {
	sem   *ksync.Sem_t
	first atomic.Pointer[Waiter_t]
}

// Waiter_t is one entry's registration on its object.
type Waiter_t struct {
	mw    *mwait_t
	Obj   *Object_t
	Event uint
	Idx   int
	Udata uintptr
}

// Signal fires the waiter. The first signal of the wait wins the CAS
// and wakes the sleeper; later ones are no-ops. Safe from IRQ context.
func (w *Waiter_t) Signal() bool {
	if !w.mw.first.CompareAndSwap(nil, w) {
		return false
	}
	w.mw.sem.Up()
	return true
}

// Waitreq_t is one input entry of Wait_multiple.
type Waitreq_t struct {
	Hid   int
	Event uint
	Udata uintptr
}

// Waitres_t identifies the signalled entry.
type Waitres_t struct {
	Idx   int
	Event uint
	Udata uintptr
}

// Wait_multiple blocks until one of the listed (handle, event) pairs
// fires, the timeout lapses (-ETIMEDOUT) or the wait is interrupted
// (-EINTR). Each object gets a waiter registered before sleeping and
// removed on every return path; a registered waiter holds an object
// reference so a concurrently closed handle cannot free the object
// under the wait. A zero timeout means wait forever.
func Wait_multiple(ht *Table_t, reqs []Waitreq_t, timeout time.Duration,
	intr <-chan bool) (Waitres_t, defs.Err_t) {
	var res Waitres_t
	if len(reqs) == 0 {
		return res, -defs.EINVAL
	}
	mw := &mwait_t{sem: ksync.MkSem(0)}
	waiters := make([]*Waiter_t, 0, len(reqs))
	undo := func() {
		for _, w := range waiters {
			w.Obj.Ops.Unwait(w)
			w.Obj.Unref()
		}
	}
	for i, r := range reqs {
		h, err := ht.Get(r.Hid)
		if err != 0 {
			undo()
			return res, err
		}
		o := h.Obj
		o.Ref()
		ht.Put(h)
		w := &Waiter_t{mw: mw, Obj: o, Event: r.Event, Idx: i,
			Udata: r.Udata}
		waiters = append(waiters, w)
		if werr := o.Ops.Wait(w); werr != 0 {
			if werr == -defs.EAGAIN {
				// already pending; the registration decides
				// the winner through the usual CAS
				w.Signal()
				continue
			}
			undo()
			return res, werr
		}
	}
	err := mw.sem.Timeddown(timeout, intr)
	undo()
	win := mw.first.Load()
	if win != nil {
		// a signal raced the timeout; the signal wins
		res.Idx = win.Idx
		res.Event = win.Event
		res.Udata = win.Udata
		if c, ok := win.Obj.Ops.(Consumer_i); ok {
			c.Consume(win.Event)
		}
		return res, 0
	}
	if err == 0 {
		panic("wait satisfied with no winner")
	}
	return res, err
}

// Wait_one is the single-object special case.
func Wait_one(ht *Table_t, hid int, event uint, timeout time.Duration,
	intr <-chan bool) (Waitres_t, defs.Err_t) {
	return Wait_multiple(ht, []Waitreq_t{{Hid: hid, Event: event}},
		timeout, intr)
}

// Eventsrc_t is the waiter bookkeeping most object types embed: a set
// of registered waiters per event number plus a sticky pending set so
// an event signalled before the wait is not lost.
type Eventsrc_t struct {
	sync.Mutex
	waiters []*Waiter_t
	pending uint
}

// Ewait registers w, reporting -EAGAIN when w's event already fired.
func (e *Eventsrc_t) Ewait(w *Waiter_t) defs.Err_t {
	e.Lock()
	defer e.Unlock()
	e.waiters = append(e.waiters, w)
	if e.pending&w.Event != 0 {
		return -defs.EAGAIN
	}
	return 0
}

// Eunwait removes w if still registered.
func (e *Eventsrc_t) Eunwait(w *Waiter_t) {
	e.Lock()
	defer e.Unlock()
	for i, x := range e.waiters {
		if x == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// Esignal fires event: every matching registered waiter gets a Signal
// and the event goes sticky for future waits.
func (e *Eventsrc_t) Esignal(event uint) {
	e.Lock()
	e.pending |= event
	ws := make([]*Waiter_t, 0, len(e.waiters))
	for _, w := range e.waiters {
		if w.Event&event != 0 {
			ws = append(ws, w)
		}
	}
	e.Unlock()
	for _, w := range ws {
		w.Signal()
	}
}

// Eclear unsticks event (for level-style conditions like "message
// available" that stop holding once consumed).
func (e *Eventsrc_t) Eclear(event uint) {
	e.Lock()
	e.pending &^= event
	e.Unlock()
}
