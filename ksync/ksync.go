// Package ksync provides the blocking primitives the kernel assumes: a
// counting semaphore with timeout and interruptible waits, and a wait queue
// with no lost wakeups (intent is recorded before the condition is checked;
// the condition setter wakes after the state change).
package ksync

import "sync"
import "time"

import "kiwi/defs"

// Sem_t is a counting semaphore. Up never blocks and may be called from IRQ
// context; Down blocks until the count is positive.
type Sem_t struct {
	sync.Mutex
	count   int
	waiters []chan bool
}

// MkSem returns a semaphore with an initial count.
func MkSem(n int) *Sem_t {
	if n < 0 {
		panic("negative sem count")
	}
	return &Sem_t{count: n}
}

// Up increments the semaphore, waking one waiter if any.
func (s *Sem_t) Up() {
	s.Lock()
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.Unlock()
		// buffered; a waiter that timed out concurrently won't block us
		w <- true
		return
	}
	s.count++
	s.Unlock()
}

// Down decrements the semaphore, blocking until possible.
func (s *Sem_t) Down() {
	if err := s.Timeddown(0, nil); err != 0 {
		panic("untimed down failed")
	}
}

// Trydown decrements the semaphore only if it can do so without blocking.
func (s *Sem_t) Trydown() bool {
	s.Lock()
	ok := s.count > 0
	if ok {
		s.count--
	}
	s.Unlock()
	return ok
}

// Timeddown decrements the semaphore. A zero timeout means wait forever. If
// intr is non-nil a receive on it cancels the wait with -EINTR; expiry of
// the timeout returns -ETIMEDOUT. On failure the semaphore is untouched.
func (s *Sem_t) Timeddown(timeout time.Duration, intr <-chan bool) defs.Err_t {
	s.Lock()
	if s.count > 0 {
		s.count--
		s.Unlock()
		return 0
	}
	mych := make(chan bool, 1)
	s.waiters = append(s.waiters, mych)
	s.Unlock()

	var toch <-chan time.Time
	if timeout != 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		toch = t.C
	}
	select {
	case <-mych:
		return 0
	case <-toch:
		return s.abort(mych, -defs.ETIMEDOUT)
	case <-intr:
		return s.abort(mych, -defs.EINTR)
	}
}

// abort removes mych from the waiter list; if an Up raced with the
// cancellation and already committed a wakeup to us, consume it and report
// success so no count is lost.
func (s *Sem_t) abort(mych chan bool, err defs.Err_t) defs.Err_t {
	s.Lock()
	for i := range s.waiters {
		if s.waiters[i] == mych {
			copy(s.waiters[i:], s.waiters[i+1:])
			s.waiters = s.waiters[:len(s.waiters)-1]
			s.Unlock()
			return err
		}
	}
	s.Unlock()
	<-mych
	return 0
}

// Waiter_t is one thread's registration on a wait queue.
type Waiter_t struct {
	q  *Waitq_t
	ch chan bool
}

// Waitq_t wakes threads waiting for a condition change.
type Waitq_t struct {
	sync.Mutex
	waiters []*Waiter_t
}

// Register records the calling thread's intent to wait. It must be called
// before re-checking the condition.
func (q *Waitq_t) Register() *Waiter_t {
	w := &Waiter_t{q: q, ch: make(chan bool, 1)}
	q.Lock()
	q.waiters = append(q.waiters, w)
	q.Unlock()
	return w
}

// Unregister removes the waiter; safe to call after a wakeup.
func (q *Waitq_t) Unregister(w *Waiter_t) {
	q.Lock()
	for i := range q.waiters {
		if q.waiters[i] == w {
			copy(q.waiters[i:], q.waiters[i+1:])
			q.waiters = q.waiters[:len(q.waiters)-1]
			break
		}
	}
	q.Unlock()
}

// Timedwait blocks until a wakeup, the timeout (0 = forever), or an
// interrupt. The waiter stays registered on timeout/interrupt until
// Unregister.
func (w *Waiter_t) Timedwait(timeout time.Duration, intr <-chan bool) defs.Err_t {
	var toch <-chan time.Time
	if timeout != 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		toch = t.C
	}
	select {
	case <-w.ch:
		return 0
	case <-toch:
		return -defs.ETIMEDOUT
	case <-intr:
		return -defs.EINTR
	}
}

// Wakeall wakes every registered waiter.
func (q *Waitq_t) Wakeall() {
	q.Lock()
	ws := q.waiters
	q.waiters = nil
	q.Unlock()
	for _, w := range ws {
		select {
		case w.ch <- true:
		default:
		}
	}
}

// Wakeone wakes the oldest registered waiter, if any.
func (q *Waitq_t) Wakeone() {
	q.Lock()
	if len(q.waiters) == 0 {
		q.Unlock()
		return
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	q.Unlock()
	select {
	case w.ch <- true:
	default:
	}
}
