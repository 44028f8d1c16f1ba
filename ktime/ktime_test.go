package ktime

import "fmt"
import "sync/atomic"
import "testing"
import "time"

import "kiwi/defs"
import "kiwi/obj"

// manually ticked timer device
type tdev_t struct {
	arms int32
	last int64
}

func (d *tdev_t) Periodic() bool { return false }

func (d *tdev_t) Arm(ns int64) {
	atomic.AddInt32(&d.arms, 1)
	atomic.StoreInt64(&d.last, ns)
}

func TestOneshot(t *testing.T) {
	dev := &tdev_t{}
	c := Mkcputimers(0, dev)

	fired := int32(0)
	tm := c.Mktimer(func(now int64) bool {
		atomic.AddInt32(&fired, 1)
		return false
	}, nil)
	tm.Arm(10*int64(time.Millisecond), 0)
	if atomic.LoadInt32(&dev.arms) != 1 {
		t.Fatalf("device not programmed")
	}
	// too early: nothing fires
	c.Tick()
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("fired early")
	}
	time.Sleep(20 * time.Millisecond)
	c.Tick()
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("did not fire")
	}
	// one-shot stays done
	time.Sleep(20 * time.Millisecond)
	c.Tick()
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("one-shot fired twice")
	}
	if c.Next() != -1 {
		t.Fatalf("idle list has a next expiry")
	}
}

func TestPeriodic(t *testing.T) {
	dev := &tdev_t{}
	c := Mkcputimers(0, dev)

	fired := int32(0)
	tm := c.Mktimer(func(now int64) bool {
		atomic.AddInt32(&fired, 1)
		return false
	}, nil)
	tm.Arm(5*int64(time.Millisecond), 5*int64(time.Millisecond))
	for i := 0; i < 3; i++ {
		time.Sleep(10 * time.Millisecond)
		c.Tick()
	}
	got := atomic.LoadInt32(&fired)
	// missed expiries collapse: at most one firing per tick
	if got != 3 {
		t.Fatalf("fired %d times over 3 ticks", got)
	}
	if !tm.Cancel() {
		t.Fatalf("cancel of armed periodic timer")
	}
	time.Sleep(10 * time.Millisecond)
	c.Tick()
	if atomic.LoadInt32(&fired) != got {
		t.Fatalf("fired after cancel")
	}
}

func TestThreadHandler(t *testing.T) {
	dev := &tdev_t{}
	c := Mkcputimers(0, dev)

	done := make(chan int64, 1)
	tm := c.Mktimer(nil, func(now int64) {
		done <- now
	})
	tm.Arm(int64(time.Millisecond), 0)
	time.Sleep(5 * time.Millisecond)
	c.Tick()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("thread handler never ran")
	}
}

func TestRearmMoves(t *testing.T) {
	dev := &tdev_t{}
	c := Mkcputimers(0, dev)
	tm := c.Mktimer(func(now int64) bool { return false }, nil)

	tm.Arm(int64(time.Hour), 0)
	tm.Arm(int64(time.Millisecond), 0)
	c.Lock()
	n := len(c.list)
	c.Unlock()
	if n != 1 {
		t.Fatalf("re-arm duplicated the timer: %d entries", n)
	}
	if c.Next() > int64(time.Millisecond) {
		t.Fatalf("re-arm kept the old expiry")
	}
}

func TestResched(t *testing.T) {
	dev := &tdev_t{}
	c := Mkcputimers(0, dev)
	tm := c.Mktimer(func(now int64) bool { return true }, nil)
	tm.Arm(0, 0)
	time.Sleep(time.Millisecond)
	if !c.Tick() {
		t.Fatalf("fast handler resched request lost")
	}
}

func TestSleep(t *testing.T) {
	start := time.Now()
	if err := Sleep(int64(50*time.Millisecond), nil); err != 0 {
		t.Fatalf("sleep: %d", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("sleep returned early")
	}

	intr := make(chan bool, 1)
	intr <- true
	if err := Sleep(int64(time.Hour), intr); err != -defs.EINTR {
		t.Fatalf("interrupted sleep: %d", err)
	}
}

func TestHosttimer(t *testing.T) {
	c, h := Mkhosttimers(0)
	defer h.Stop()

	fired := make(chan bool, 1)
	tm := c.Mktimer(nil, func(now int64) {
		fired <- true
	})
	tm.Arm(int64(10*time.Millisecond), 0)
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatalf("host-driven timer never fired")
	}
}

// two timer objects in one wait set: the shorter one wins the first
// wait, and a second wait sees the longer one rather than the
// already-consumed event
func TestTimerObjWait(t *testing.T) {
	c, h := Mkhosttimers(0)
	defer h.Stop()
	ht := obj.Mktable()

	t1 := Mktimerobj(c, 1, 0)
	t2 := Mktimerobj(c, 1, 0)
	h1, _ := ht.Alloc(t1.O, defs.RIGHT_READ|defs.RIGHT_WRITE)
	h2, _ := ht.Alloc(t2.O, defs.RIGHT_READ|defs.RIGHT_WRITE)

	t1.Set(int64(50*time.Millisecond), 0)
	t2.Set(int64(200*time.Millisecond), 0)

	reqs := []obj.Waitreq_t{
		{Hid: h1, Event: defs.TIMER_EVENT},
		{Hid: h2, Event: defs.TIMER_EVENT},
	}
	start := time.Now()
	res, err := obj.Wait_multiple(ht, reqs, 5*time.Second, nil)
	if err != 0 {
		t.Fatalf("wait: %d", err)
	}
	if res.Idx != 0 {
		t.Fatalf("long timer won: %+v", res)
	}
	if e := time.Since(start); e < 40*time.Millisecond || e > 180*time.Millisecond {
		t.Fatalf("first wait took %v", e)
	}

	res, err = obj.Wait_multiple(ht, reqs, 5*time.Second, nil)
	if err != 0 {
		t.Fatalf("wait: %d", err)
	}
	if res.Idx != 1 {
		t.Fatalf("consumed event won again: %+v", res)
	}
	if e := time.Since(start); e < 180*time.Millisecond {
		t.Fatalf("second wait returned at %v", e)
	}
	fmt.Printf("Pass TestTimerObjWait\n")
}

func TestTimerObjStop(t *testing.T) {
	c, h := Mkhosttimers(0)
	defer h.Stop()
	ht := obj.Mktable()

	to := Mktimerobj(c, 1, 0)
	hid, _ := ht.Alloc(to.O, defs.RIGHT_READ|defs.RIGHT_WRITE)
	to.Set(int64(30*time.Millisecond), 0)
	if !to.Stop() {
		t.Fatalf("stop of armed timer")
	}
	if _, err := obj.Wait_one(ht, hid, defs.TIMER_EVENT,
		100*time.Millisecond, nil); err != -defs.ETIMEDOUT {
		t.Fatalf("stopped timer fired: %d", err)
	}
}

func TestSystemTime(t *testing.T) {
	a := System_time()
	time.Sleep(time.Millisecond)
	b := System_time()
	if b <= a {
		t.Fatalf("time went backwards: %d %d", a, b)
	}
}
