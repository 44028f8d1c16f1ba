package limits

import "sync/atomic"
import "unsafe"

// Lhits counts limit hits.
var Lhits int

// Sysatomic_t is a numeric limit that can be atomically updated.
type Sysatomic_t int64

// Syslimit_t tracks system wide resource limits.
type Syslimit_t struct {
	// protected by the process table lock
	Sysprocs int
	// per-process handle table entries
	Handles int
	// per-address-space regions
	Regions int
	// total in-memory fs nodes
	Vnodes int
	// total cached dentries
	Dentries int
	// vm_cache pages
	Cachepgs int
	// arp table entries
	Arpents int
	// up network interfaces
	Ifaces int
	// pending connects per service
	Svcconns int
	// queued messages per connection
	Conmsgs Sysatomic_t
}

// Syslimit describes the configured system wide limits.
var Syslimit *Syslimit_t = MkSysLimit()

// MkSysLimit returns a pointer to the default set of limits.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Sysprocs: 1e4,
		Handles:  1 << 10,
		Regions:  1 << 9,
		Vnodes:   20000,
		Dentries: 1 << 15,
		Cachepgs: 1 << 16,
		Arpents:  1024,
		Ifaces:   16,
		Svcconns: 128,
		Conmsgs:  1 << 14,
	}
}

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

// Given increases the limit by the provided amount.
func (s *Sysatomic_t) Given(_n uint) {
	n := int64(_n)
	if n < 0 {
		panic("too mighty")
	}
	atomic.AddInt64(s._aptr(), n)
}

// Taken tries to decrement the limit by the provided amount and reports
// whether it succeeded.
func (s *Sysatomic_t) Taken(_n uint) bool {
	n := int64(_n)
	if n < 0 {
		panic("too mighty")
	}
	g := atomic.AddInt64(s._aptr(), -n)
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), n)
	return false
}

// Take decrements the limit and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

// Give increments the limit by one.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}
