// Package sched implements the O(1) thread scheduler: per-CPU active and
// expired queues of 32 priority FIFOs with a bitmap of non-empty levels,
// interactivity bonuses and CPU-bound penalties, and cross-CPU balancing on
// wakeup.
package sched

import "fmt"
import "math/bits"
import "sync"
import "sync/atomic"

import "kiwi/defs"

const sched_debug = false

// Nprio is the number of priority levels.
const Nprio = 32

// Timeslice granted to a freshly selected thread, in microseconds.
const Timeslice = 3000

// priority adjustment window around max_prio
const priowindow = 5

// Thread states.
type Tstate_t uint8

const (
	TREADY Tstate_t = iota
	TRUNNING
	TSLEEPING
	TDEAD
)

func (s Tstate_t) String() string {
	switch s {
	case TREADY:
		return "ready"
	case TRUNNING:
		return "running"
	case TSLEEPING:
		return "sleeping"
	case TDEAD:
		return "dead"
	}
	return "bad state"
}

// Thread flags.
type Tflag_t uint8

const (
	TF_WIRED Tflag_t = 1 << iota
	TF_UNQUEUEABLE
	TF_UNPREEMPTABLE
	TF_PREEMPTED
	TF_IN_USERMEM
)

// Thread_t is a schedulable execution context. The register save area and
// kernel stack live in Ctx/Kstack; the scheduler itself only moves the
// descriptor between queues.
type Thread_t struct {
	sync.Mutex
	Tid    defs.Tid_t
	Name   string
	State  Tstate_t
	Flags  Tflag_t
	Cpu    int
	Kstack uintptr
	Ctx    [17]uintptr

	maxprio  int
	currprio int
	// remaining timeslice in microseconds
	timeslice  int
	preemptcnt int32
	// set when the slice ran out while preemption was disabled
	pendingpreempt bool
}

var nexttid int64

// Mkthread builds a thread. procprio is the owning process's priority
// class, threadprio the thread's priority within it; the final level is
// 5 + 8*procprio + 2*(threadprio-1), clamped to [0, 31].
func Mkthread(name string, procprio, threadprio int) *Thread_t {
	p := 5 + 8*procprio + 2*(threadprio-1)
	if p > Nprio-1 {
		p = Nprio - 1
	}
	if p < 0 {
		p = 0
	}
	t := &Thread_t{
		Tid:      defs.Tid_t(atomic.AddInt64(&nexttid, 1)),
		Name:     name,
		State:    TSLEEPING,
		Cpu:      -1,
		maxprio:  p,
		currprio: p,
	}
	return t
}

// Maxprio and Currprio expose the thread's priority pair.
func (t *Thread_t) Maxprio() int  { return t.maxprio }
func (t *Thread_t) Currprio() int { return t.currprio }

// Timeslice returns the remaining slice in microseconds.
func (t *Thread_t) Timeslice() int { return t.timeslice }

// Preempt_disable increments the thread's preemption disable count.
func (t *Thread_t) Preempt_disable() {
	atomic.AddInt32(&t.preemptcnt, 1)
}

// Preempt_enable decrements it; a preemption that arrived while disabled
// reports true so the caller can reschedule immediately.
func (t *Thread_t) Preempt_enable() bool {
	c := atomic.AddInt32(&t.preemptcnt, -1)
	if c < 0 {
		panic("preempt count underflow")
	}
	if c == 0 && t.pendingpreempt {
		t.pendingpreempt = false
		return true
	}
	return false
}

// runq_t is one priority queue: 32 FIFOs plus a bitmap of non-empty ones.
type runq_t struct {
	fifos  [Nprio][]*Thread_t
	bitmap uint32
}

func (q *runq_t) push(t *Thread_t) {
	p := t.currprio
	q.fifos[p] = append(q.fifos[p], t)
	q.bitmap |= 1 << uint(p)
}

func (q *runq_t) pop() *Thread_t {
	if q.bitmap == 0 {
		return nil
	}
	// highest-priority non-empty FIFO
	i := Nprio - 1 - bits.LeadingZeros32(q.bitmap)
	t := q.fifos[i][0]
	q.fifos[i] = q.fifos[i][1:]
	if len(q.fifos[i]) == 0 {
		q.bitmap &^= 1 << uint(i)
	}
	return t
}

func (q *runq_t) remove(t *Thread_t) bool {
	p := t.currprio
	for i, x := range q.fifos[p] {
		if x == t {
			q.fifos[p] = append(q.fifos[p][:i], q.fifos[p][i+1:]...)
			if len(q.fifos[p]) == 0 {
				q.bitmap &^= 1 << uint(p)
			}
			return true
		}
	}
	return false
}

// Cpu_t is one CPU's scheduler state.
type Cpu_t struct {
	sync.Mutex
	id      int
	active  *runq_t
	expired *runq_t
	Curr    *Thread_t
	Prev    *Thread_t
	Idle    *Thread_t
	// ready + running threads assigned here
	load          int32
	ShouldPreempt int32
}

// Load returns the CPU's ready+running count.
func (c *Cpu_t) Load() int {
	return int(atomic.LoadInt32(&c.load))
}

// Sched_t is the machine-wide scheduler.
type Sched_t struct {
	cpus []*Cpu_t
	// total runnable threads
	nrun int32
	// cross-CPU reschedule request; the target CPU observes the insert
	// before the IPI per the ordering guarantee
	ipi func(cpu int)
}

// MkSched creates a scheduler with ncpus CPUs, each with an idle thread.
func MkSched(ncpus int, ipi func(cpu int)) *Sched_t {
	s := &Sched_t{ipi: ipi}
	for i := 0; i < ncpus; i++ {
		c := &Cpu_t{id: i, active: &runq_t{}, expired: &runq_t{}}
		idle := Mkthread(fmt.Sprintf("idle-%d", i), 0, 0)
		idle.Flags = TF_WIRED | TF_UNQUEUEABLE | TF_UNPREEMPTABLE
		idle.Cpu = i
		idle.currprio = 0
		idle.State = TREADY
		c.Idle = idle
		c.Curr = idle
		s.cpus = append(s.cpus, c)
	}
	return s
}

// Ncpus returns the CPU count.
func (s *Sched_t) Ncpus() int {
	return len(s.cpus)
}

// Cpu returns the per-CPU state.
func (s *Sched_t) Cpu(i int) *Cpu_t {
	return s.cpus[i]
}

// Insert makes t runnable and picks a CPU for it:
// stay put when the last CPU's load is at or below average, otherwise move
// to the first CPU below average. The chosen CPU is flagged for preemption
// when it is idle or t outprioritizes its running thread.
func (s *Sched_t) Insert(t *Thread_t) {
	t.Lock()
	if t.State == TREADY || t.State == TDEAD {
		t.Unlock()
		panic("inserting " + t.State.String() + " thread")
	}
	t.State = TREADY
	target := t.Cpu
	if target < 0 {
		target = 0
	}
	if len(s.cpus) > 1 && t.Flags&TF_WIRED == 0 {
		total := int(atomic.LoadInt32(&s.nrun)) + 1
		avg := (total + len(s.cpus) - 1) / len(s.cpus)
		if s.cpus[target].Load() > avg {
			for _, c := range s.cpus {
				if c.Load() < avg {
					target = c.id
					break
				}
			}
		}
	}
	t.Cpu = target
	t.Unlock()

	c := s.cpus[target]
	c.Lock()
	if t.Flags&TF_UNQUEUEABLE == 0 {
		c.expired.push(t)
	}
	atomic.AddInt32(&c.load, 1)
	atomic.AddInt32(&s.nrun, 1)
	preempt := c.Curr == c.Idle ||
		(c.Curr != nil && t.currprio > c.Curr.currprio)
	c.Unlock()
	if preempt {
		atomic.StoreInt32(&c.ShouldPreempt, 1)
		if s.ipi != nil {
			s.ipi(target)
		}
	}
}

// Pick selects the next thread to run on cpu in O(1): swap active and
// expired when active is drained, pop the highest non-empty FIFO, grant a
// fresh timeslice. Falls back to the idle thread with a zero slice.
func (s *Sched_t) Pick(cpu int) *Thread_t {
	c := s.cpus[cpu]
	c.Lock()
	defer c.Unlock()
	if c.active.bitmap == 0 && c.expired.bitmap != 0 {
		c.active, c.expired = c.expired, c.active
	}
	t := c.active.pop()
	if t == nil {
		t = c.Idle
		t.timeslice = 0
	} else {
		t.timeslice = Timeslice
	}
	c.Prev = c.Curr
	c.Curr = t
	t.State = TRUNNING
	atomic.StoreInt32(&c.ShouldPreempt, 0)
	return t
}

// Requeue puts the current thread of cpu back after preemption or yield.
// An exhausted slice penalizes the priority one step (stopping
// priowindow below max_prio); an early yield earns one step back toward
// max_prio. The thread lands in the expired queue at its new priority.
func (s *Sched_t) Requeue(cpu int, t *Thread_t) {
	t.Lock()
	if t.State != TRUNNING {
		t.Unlock()
		panic("requeue of non-running thread")
	}
	if t.timeslice == 0 {
		if t.currprio > t.maxprio-priowindow && t.currprio > 0 {
			t.currprio--
		}
	} else if t.currprio < t.maxprio {
		t.currprio++
	}
	t.State = TREADY
	t.Flags &^= TF_PREEMPTED
	t.Unlock()

	c := s.cpus[cpu]
	c.Lock()
	if t.Flags&TF_UNQUEUEABLE == 0 {
		c.expired.push(t)
	}
	if c.Curr == t {
		c.Curr = c.Idle
	}
	c.Unlock()
}

// Block marks the current thread of cpu sleeping and removes it from the
// CPU's accounting. The caller parks it on a wait queue.
func (s *Sched_t) Block(cpu int, t *Thread_t) {
	t.Lock()
	if t.State != TRUNNING {
		t.Unlock()
		panic("blocking non-running thread")
	}
	t.State = TSLEEPING
	t.Unlock()
	c := s.cpus[cpu]
	c.Lock()
	if c.Curr == t {
		c.Curr = c.Idle
	}
	atomic.AddInt32(&c.load, -1)
	atomic.AddInt32(&s.nrun, -1)
	c.Unlock()
}

// Exit retires the thread for good.
func (s *Sched_t) Exit(cpu int, t *Thread_t) {
	t.Lock()
	t.State = TDEAD
	t.Unlock()
	c := s.cpus[cpu]
	c.Lock()
	if c.Curr == t {
		c.Curr = c.Idle
	}
	atomic.AddInt32(&c.load, -1)
	atomic.AddInt32(&s.nrun, -1)
	c.Unlock()
}

// Tick charges us microseconds against the running thread's slice. When
// the slice runs out the CPU is flagged for preemption; a thread with
// preemption disabled records it and replays on Preempt_enable.
func (s *Sched_t) Tick(cpu int, us int) {
	c := s.cpus[cpu]
	c.Lock()
	t := c.Curr
	if t == nil || t == c.Idle {
		c.Unlock()
		return
	}
	t.timeslice -= us
	if t.timeslice > 0 {
		c.Unlock()
		return
	}
	t.timeslice = 0
	if t.Flags&TF_UNPREEMPTABLE != 0 {
		c.Unlock()
		return
	}
	if atomic.LoadInt32(&t.preemptcnt) > 0 {
		t.pendingpreempt = true
		t.Flags |= TF_PREEMPTED
		c.Unlock()
		return
	}
	c.Unlock()
	atomic.StoreInt32(&c.ShouldPreempt, 1)
}

// Preemptpending reports and clears the CPU's preemption request.
func (s *Sched_t) Preemptpending(cpu int) bool {
	return atomic.SwapInt32(&s.cpus[cpu].ShouldPreempt, 0) != 0
}

// Steal moves a ready thread from the busiest CPU to cpu; the idle loop
// calls it before halting. Returns nil when nothing is stealable.
func (s *Sched_t) Steal(cpu int) *Thread_t {
	var busiest *Cpu_t
	for _, c := range s.cpus {
		if c.id == cpu {
			continue
		}
		if busiest == nil || c.Load() > busiest.Load() {
			busiest = c
		}
	}
	if busiest == nil || busiest.Load() <= s.cpus[cpu].Load()+1 {
		return nil
	}
	busiest.Lock()
	t := busiest.expired.pop()
	if t == nil {
		t = busiest.active.pop()
	}
	if t != nil && t.Flags&TF_WIRED != 0 {
		// put it back; wired threads never migrate
		busiest.active.push(t)
		t = nil
	}
	if t != nil {
		atomic.AddInt32(&busiest.load, -1)
	}
	busiest.Unlock()
	if t == nil {
		return nil
	}
	t.Lock()
	t.Cpu = cpu
	t.Unlock()
	c := s.cpus[cpu]
	c.Lock()
	c.expired.push(t)
	atomic.AddInt32(&c.load, 1)
	c.Unlock()
	return t
}
