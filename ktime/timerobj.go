package ktime

import "kiwi/defs"
import "kiwi/obj"

// Timerobj_t is the user-visible timer: a kernel object that signals
// TIMER_EVENT on expiry and can be waited on alone or in a
// wait-multiple set.
type Timerobj_t struct {
	obj.Eventsrc_t
	O *obj.Object_t
	t *Timer_t
}

// Mktimerobj creates an unarmed timer object on c.
func Mktimerobj(c *Cputimers_t, owner defs.Uid_t, group defs.Gid_t) *Timerobj_t {
	to := &Timerobj_t{}
	to.t = c.Mktimer(nil, func(now int64) {
		to.Esignal(defs.TIMER_EVENT)
	})
	to.O = obj.Mkobj(to, owner, group)
	return to
}

// Set arms the timer: fire delay ns from now, repeating every period
// ns when period is non-zero. The fired state is cleared so a previous
// expiry is not mistaken for the new one.
func (to *Timerobj_t) Set(delay, period int64) {
	to.Eclear(defs.TIMER_EVENT)
	to.t.Arm(delay, period)
}

// Stop disarms; returns whether it was pending.
func (to *Timerobj_t) Stop() bool {
	return to.t.Cancel()
}

func (to *Timerobj_t) Objtype() string { return "timer" }

func (to *Timerobj_t) Close() {
	to.t.Cancel()
}

func (to *Timerobj_t) Wait(w *obj.Waiter_t) defs.Err_t {
	return to.Ewait(w)
}

func (to *Timerobj_t) Unwait(w *obj.Waiter_t) {
	to.Eunwait(w)
}

// Consume clears the fired state once a wait has seen it; a periodic
// timer's next expiry sets it again.
func (to *Timerobj_t) Consume(event uint) {
	to.Eclear(event)
}
