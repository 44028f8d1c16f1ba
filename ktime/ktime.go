// Package ktime keeps system time and per-CPU timer lists. The hardware
// is abstracted as a timer device that is either periodic or one-shot;
// with a one-shot device the next expiry is programmed on every tick.
// Expired timers run either inline from tick context (fast) or on the
// CPU's timer bottom half.
package ktime

import "sort"
import "sync"
import "time"

import "kiwi/defs"
import "kiwi/ksync"

const ktime_debug = false

var boot = time.Now()

// System_time returns nanoseconds since boot.
func System_time() int64 {
	return int64(time.Since(boot))
}

// Fastfn_t runs in tick context; it returns whether a reschedule is
// wanted. Threadfn_t runs on the CPU's timer thread.
type Fastfn_t func(now int64) bool
type Threadfn_t func(now int64)

// Timerdev_i abstracts the per-CPU tick source.
type Timerdev_i interface {
	// Periodic devices tick on their own; one-shot devices fire once
	// per Arm.
	Periodic() bool
	// Arm programs the next expiry, ns from now. Only used on
	// one-shot devices.
	Arm(ns int64)
}

// Timer_t is one pending timer.
type Timer_t struct {
	expiry int64
	// 0 means one-shot
	period  int64
	fast    Fastfn_t
	threadf Threadfn_t
	cpu     *Cputimers_t
	armed   bool
}

// Cputimers_t is one CPU's timer list, sorted by absolute expiry, plus
// the queue feeding its bottom-half thread.
type Cputimers_t struct {
	sync.Mutex
	id   int
	dev  Timerdev_i
	list []*Timer_t
	thq  []*Timer_t
	sem  *ksync.Sem_t
}

// Mkcputimers starts CPU id's timer state and bottom-half thread.
func Mkcputimers(id int, dev Timerdev_i) *Cputimers_t {
	c := &Cputimers_t{id: id, dev: dev, sem: ksync.MkSem(0)}
	go c.bottomhalf()
	return c
}

func (c *Cputimers_t) bottomhalf() {
	for {
		c.sem.Down()
		c.Lock()
		if len(c.thq) == 0 {
			c.Unlock()
			continue
		}
		t := c.thq[0]
		c.thq = c.thq[1:]
		c.Unlock()
		t.threadf(System_time())
	}
}

// enqueue inserts t keeping the list sorted; returns whether t became
// the head so a one-shot device can be reprogrammed.
func (c *Cputimers_t) enqueue(t *Timer_t) bool {
	i := sort.Search(len(c.list), func(i int) bool {
		return c.list[i].expiry > t.expiry
	})
	c.list = append(c.list, nil)
	copy(c.list[i+1:], c.list[i:])
	c.list[i] = t
	t.armed = true
	return i == 0
}

// Mktimer builds an unarmed timer on c. Exactly one of fast and
// threadf is typically set; both non-nil runs fast first.
func (c *Cputimers_t) Mktimer(fast Fastfn_t, threadf Threadfn_t) *Timer_t {
	return &Timer_t{fast: fast, threadf: threadf, cpu: c}
}

// Arm schedules t to fire delay ns from now, then every period ns if
// period is non-zero. Re-arming an armed timer moves it.
func (t *Timer_t) Arm(delay, period int64) {
	c := t.cpu
	c.Lock()
	if t.armed {
		c.remove(t)
	}
	t.expiry = System_time() + delay
	t.period = period
	head := c.enqueue(t)
	c.Unlock()
	if head && !c.dev.Periodic() {
		c.dev.Arm(delay)
	}
}

// Cancel disarms t; returns whether it was pending.
func (t *Timer_t) Cancel() bool {
	c := t.cpu
	c.Lock()
	defer c.Unlock()
	if !t.armed {
		return false
	}
	c.remove(t)
	return true
}

func (c *Cputimers_t) remove(t *Timer_t) {
	for i, x := range c.list {
		if x == t {
			c.list = append(c.list[:i], c.list[i+1:]...)
			break
		}
	}
	t.armed = false
}

// Tick runs every timer whose expiry has passed. Fast handlers run
// inline; thread handlers are pushed to the bottom half. Periodic
// timers re-arm in place. Returns whether any fast handler asked for a
// reschedule. The tick source calls this from interrupt context.
func (c *Cputimers_t) Tick() bool {
	now := System_time()
	resched := false
	var wake int
	c.Lock()
	for len(c.list) > 0 && c.list[0].expiry <= now {
		t := c.list[0]
		c.list = c.list[1:]
		t.armed = false
		if t.fast != nil {
			if t.fast(now) {
				resched = true
			}
		}
		if t.threadf != nil {
			c.thq = append(c.thq, t)
			wake++
		}
		if t.period != 0 {
			t.expiry += t.period
			if t.expiry <= now {
				// missed ticks collapse into one
				t.expiry = now + t.period
			}
			c.enqueue(t)
		}
	}
	if !c.dev.Periodic() && len(c.list) > 0 {
		c.dev.Arm(c.list[0].expiry - now)
	}
	c.Unlock()
	for ; wake > 0; wake-- {
		c.sem.Up()
	}
	return resched
}

// Next returns the ns until the earliest expiry, or -1 when idle.
func (c *Cputimers_t) Next() int64 {
	c.Lock()
	defer c.Unlock()
	if len(c.list) == 0 {
		return -1
	}
	d := c.list[0].expiry - System_time()
	if d < 0 {
		d = 0
	}
	return d
}

// Sleep blocks the caller for ns nanoseconds as a waitqueue wait with
// a timeout that nothing ever wakes; interruptible sleeps return
// -EINTR on a receive from intr.
func Sleep(ns int64, intr <-chan bool) defs.Err_t {
	var q ksync.Waitq_t
	w := q.Register()
	defer q.Unregister(w)
	err := w.Timedwait(time.Duration(ns), intr)
	if err == -defs.ETIMEDOUT {
		// the timeout is the point
		return 0
	}
	return err
}

// Hosttimer_t drives a Cputimers_t from the host clock, standing in
// for the per-CPU tick hardware.
type Hosttimer_t struct {
	sync.Mutex
	c    *Cputimers_t
	arm  *time.Timer
	dead bool
}

func (h *Hosttimer_t) Periodic() bool { return false }

func (h *Hosttimer_t) Arm(ns int64) {
	h.Lock()
	defer h.Unlock()
	if h.dead {
		return
	}
	if h.arm != nil {
		h.arm.Stop()
	}
	h.arm = time.AfterFunc(time.Duration(ns), func() {
		h.c.Tick()
	})
}

// Stop quiesces the device.
func (h *Hosttimer_t) Stop() {
	h.Lock()
	h.dead = true
	if h.arm != nil {
		h.arm.Stop()
	}
	h.Unlock()
}

// Mkhosttimers returns a CPU timer list driven by the host clock.
func Mkhosttimers(id int) (*Cputimers_t, *Hosttimer_t) {
	h := &Hosttimer_t{}
	c := Mkcputimers(id, h)
	h.c = c
	return c, h
}
