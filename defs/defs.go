// Package defs holds the small shared types and constants every kernel
// subsystem depends on: error numbers, ids, handle rights, object events and
// allocation flags.
package defs

// Tid_t names a kernel thread.
type Tid_t int

// Nodeid_t names a filesystem node within a mount.
type Nodeid_t int

// Devid_t names a registered device: driver number in the high half,
// instance in the low half.
type Devid_t uint

func Mkdev(maj, min int) Devid_t {
	return Devid_t(uint(maj)<<32 | uint(min))
}

func Unmkdev(d Devid_t) (int, int) {
	return int(d >> 32), int(d & 0xffffffff)
}

// Uid_t and Gid_t are 32-bit signed ids; -1 means "owning entity" or "do not
// change" depending on context.
type Uid_t int32
type Gid_t int32

const IdNone = -1

// Allocation mode flags. MM_BOOT panics on exhaustion, MM_WAIT
// reclaims and retries, the zero value returns -ENOMEM immediately.
type Mmflag_t uint

const (
	MM_NOWAIT Mmflag_t = 0
	MM_BOOT   Mmflag_t = 1 << iota
	MM_WAIT
	MM_ZERO
)

// Handle rights bits.
type Rights_t uint32

const (
	RIGHT_READ Rights_t = 1 << iota
	RIGHT_WRITE
	RIGHT_EXECUTE
	RIGHT_DESTROY
	RIGHT_OWNER
)

// Object wait event numbers. Each object type documents its own small set;
// the kernel core treats them as opaque.
const (
	PROCESS_EVENT_DEATH     = 1
	PORT_EVENT_CONNECTION   = 1
	CONNECTION_EVENT_HANGUP = 1
	CONNECTION_EVENT_MESSAGE = 2
	TIMER_EVENT             = 1
)
