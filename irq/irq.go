// Package irq is the interrupt framework: controller domains that
// translate raw vectors, per-slot handler lists with level and edge
// delivery, and lazily created per-slot threads that run deferred
// handler halves outside interrupt context.
package irq

import "fmt"
import "sync"
import "sync/atomic"

import "kiwi/defs"
import "kiwi/ksync"

const irq_debug = false

// Trigger mode of a slot.
type Mode_t uint8

const (
	EDGE Mode_t = iota
	LEVEL
)

// Status returned by an early handler.
type Status_t int

const (
	UNHANDLED Status_t = iota
	HANDLED
	// HANDLED plus an immediate reschedule request
	PREEMPT
	// defer the thread half
	RUN_THREAD
)

// Earlyfn_t runs in interrupt context. Threadfn_t runs on the slot's
// irq-N thread when the early half returned RUN_THREAD (or always, for
// registrations without an early half).
type Earlyfn_t func(num int, data interface{}) Status_t
type Threadfn_t func(num int, data interface{})

// Ctl_i is implemented by interrupt controller drivers.
type Ctl_i interface {
	Enable(num int)
	Disable(num int)
	// Pre runs before handler dispatch (ack for edge), Post after
	// (eoi for level).
	Pre(num int, mode Mode_t)
	Post(num int, mode Mode_t)
}

// Handler_t is one registration on a slot.
type Handler_t struct {
	slot    *slot_t
	early   Earlyfn_t
	threadf Threadfn_t
	data    interface{}
	name    string
	// set by the early half, consumed by the irq thread
	thread_pending bool
}

// slot_t is one interrupt line within a domain.
type slot_t struct {
	sync.Mutex
	num  int
	mode Mode_t
	// mask depth; the line is unmasked only at zero
	disable  int
	handlers []*Handler_t
	// per-slot thread, created lazily on the first threaded
	// registration and torn down with the last
	sem      *ksync.Sem_t
	nthreadh int
	threadon bool
	fired    int64
	spurious int64
}

// Domain_t groups the slots of one interrupt controller. A domain may
// retarget its vectors into another domain so cascaded controllers
// route through their upstream; chains must terminate.
type Domain_t struct {
	sync.Mutex
	Name  string
	ctl   Ctl_i
	slots map[int]*slot_t
	// local vector -> (domain, vector)
	redir map[int]redir_t
}

type redir_t struct {
	dom *Domain_t
	num int
}

// Mkdomain creates an interrupt domain backed by ctl.
func Mkdomain(name string, ctl Ctl_i) *Domain_t {
	return &Domain_t{Name: name, ctl: ctl, slots: map[int]*slot_t{},
		redir: map[int]redir_t{}}
}

// Set_translate retargets (d, num) to (target, tnum).
func (d *Domain_t) Set_translate(num int, target *Domain_t, tnum int) {
	d.Lock()
	d.redir[num] = redir_t{target, tnum}
	d.Unlock()
}

// Translate follows the redirect chain from (d, num) to its terminus.
func (d *Domain_t) Translate(num int) (*Domain_t, int) {
	for {
		d.Lock()
		r, ok := d.redir[num]
		d.Unlock()
		if !ok {
			return d, num
		}
		d, num = r.dom, r.num
	}
}

func (d *Domain_t) slot(num int) *slot_t {
	d.Lock()
	defer d.Unlock()
	s, ok := d.slots[num]
	if !ok {
		s = &slot_t{num: num, mode: EDGE, disable: 1}
		d.slots[num] = s
	}
	return s
}

// Set_mode configures num's trigger mode; only allowed while the slot
// has no handlers.
func (d *Domain_t) Set_mode(num int, mode Mode_t) defs.Err_t {
	s := d.slot(num)
	s.Lock()
	defer s.Unlock()
	if len(s.handlers) > 0 {
		return -defs.EBUSY
	}
	s.mode = mode
	return 0
}

// Mode returns num's trigger mode.
func (d *Domain_t) Mode(num int) Mode_t {
	s := d.slot(num)
	s.Lock()
	defer s.Unlock()
	return s.mode
}

// Register attaches a handler to (d, num) after translation. At least
// one of early and threadf must be non-nil. The first registration
// unmasks the line; the first threaded registration spawns the slot's
// irq-N thread.
func (d *Domain_t) Register(num int, name string, early Earlyfn_t,
	threadf Threadfn_t, data interface{}) (*Handler_t, defs.Err_t) {
	if early == nil && threadf == nil {
		return nil, -defs.EINVAL
	}
	d, num = d.Translate(num)
	s := d.slot(num)
	h := &Handler_t{slot: s, early: early, threadf: threadf, data: data,
		name: name}
	s.Lock()
	s.handlers = append(s.handlers, h)
	if threadf != nil {
		s.nthreadh++
		if !s.threadon {
			s.threadon = true
			s.sem = ksync.MkSem(0)
			go d.irqthread(s)
		}
	}
	if len(s.handlers) == 1 {
		s.disable = 0
		d.ctl.Enable(num)
	}
	s.Unlock()
	return h, 0
}

// Unregister removes h; the line is masked when the last handler goes
// and the slot thread exits with the last threaded handler.
func (d *Domain_t) Unregister(h *Handler_t) defs.Err_t {
	s := h.slot
	s.Lock()
	found := false
	for i, x := range s.handlers {
		if x == h {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		s.Unlock()
		return -defs.ENOENT
	}
	if h.threadf != nil {
		s.nthreadh--
		if s.nthreadh == 0 && s.threadon {
			s.threadon = false
			// wake the thread so it sees the shutdown
			s.sem.Up()
		}
	}
	if len(s.handlers) == 0 {
		s.disable = 1
		d.ctl.Disable(s.num)
	}
	s.Unlock()
	return 0
}

// Disable masks num, counting nested calls.
func (d *Domain_t) Disable(num int) {
	s := d.slot(num)
	s.Lock()
	s.disable++
	if s.disable == 1 {
		d.ctl.Disable(num)
	}
	s.Unlock()
}

// Enable undoes one Disable; the line is unmasked at depth zero.
func (d *Domain_t) Enable(num int) {
	s := d.slot(num)
	s.Lock()
	if s.disable == 0 {
		s.Unlock()
		panic("irq enable underflow")
	}
	s.disable--
	if s.disable == 0 {
		d.ctl.Enable(num)
	}
	s.Unlock()
}

// Dispatch delivers num in interrupt context. Level slots stop at the
// first early handler that claims the interrupt; edge slots run every
// early handler since edges can coalesce. Early halves that return
// RUN_THREAD set thread_pending, and the slot is masked and its
// semaphore bumped so the irq-N thread runs the deferred halves.
// Returns true when a handler requested preemption.
func (d *Domain_t) Dispatch(num int) bool {
	d.Lock()
	s, ok := d.slots[num]
	d.Unlock()
	if !ok {
		d.ctl.Pre(num, EDGE)
		d.ctl.Post(num, EDGE)
		return false
	}
	s.Lock()
	s.fired++
	mode := s.mode
	d.ctl.Pre(num, mode)
	claimed := false
	preempt := false
	wake := false
	for _, h := range s.handlers {
		if h.early == nil {
			// thread-only registration: always deferred
			h.thread_pending = true
			wake = true
			claimed = true
			continue
		}
		st := h.early(num, h.data)
		switch st {
		case HANDLED:
			claimed = true
		case PREEMPT:
			claimed = true
			preempt = true
		case RUN_THREAD:
			claimed = true
			h.thread_pending = true
			wake = true
		}
		if mode == LEVEL && st != UNHANDLED {
			break
		}
	}
	if wake {
		s.disable++
		if s.disable == 1 {
			d.ctl.Disable(num)
		}
	}
	if !claimed {
		s.spurious++
		if irq_debug && s.spurious%100 == 1 {
			fmt.Printf("irq: %s num %d spurious (%d)\n", d.Name,
				num, s.spurious)
		}
	}
	d.ctl.Post(num, mode)
	sem := s.sem
	s.Unlock()
	if wake && sem != nil {
		sem.Up()
	}
	return preempt
}

// irqthread runs deferred handler halves one at a time, re-locking
// around each list walk since handlers may unregister concurrently,
// and re-enables the slot when no pending work remains.
func (d *Domain_t) irqthread(s *slot_t) {
	for {
		s.sem.Down()
		s.Lock()
		if !s.threadon {
			s.Unlock()
			return
		}
		for {
			var h *Handler_t
			for _, x := range s.handlers {
				if x.thread_pending {
					h = x
					break
				}
			}
			if h == nil {
				break
			}
			h.thread_pending = false
			s.Unlock()
			h.threadf(s.num, h.data)
			s.Lock()
		}
		s.disable--
		reenable := s.disable == 0
		s.Unlock()
		if reenable {
			d.ctl.Enable(s.num)
		}
	}
}

// Counts returns (fired, spurious) for num.
func (d *Domain_t) Counts(num int) (int64, int64) {
	d.Lock()
	s, ok := d.slots[num]
	d.Unlock()
	if !ok {
		return 0, 0
	}
	s.Lock()
	defer s.Unlock()
	return s.fired, s.spurious
}

// Devreg_t ties registrations to a device's lifetime so they are
// released on device destroy.
type Devreg_t struct {
	sync.Mutex
	dom  *Domain_t
	regs []*Handler_t
	dead int32
}

// Mkdevreg creates a device-owned registration set on d.
func Mkdevreg(d *Domain_t) *Devreg_t {
	return &Devreg_t{dom: d}
}

// Register is Domain_t.Register tracked by the device.
func (r *Devreg_t) Register(num int, name string, early Earlyfn_t,
	threadf Threadfn_t, data interface{}) (*Handler_t, defs.Err_t) {
	if atomic.LoadInt32(&r.dead) != 0 {
		return nil, -defs.EINVAL
	}
	h, err := r.dom.Register(num, name, early, threadf, data)
	if err != 0 {
		return nil, err
	}
	r.Lock()
	r.regs = append(r.regs, h)
	r.Unlock()
	return h, 0
}

// Destroy unregisters everything the device registered.
func (r *Devreg_t) Destroy() {
	atomic.StoreInt32(&r.dead, 1)
	r.Lock()
	regs := r.regs
	r.regs = nil
	r.Unlock()
	for _, h := range regs {
		r.dom.Unregister(h)
	}
}
