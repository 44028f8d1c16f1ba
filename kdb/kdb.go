// Package kdb is the kernel debugger's machine glue: hardware
// break/watchpoint bookkeeping, register access by name, frame-pointer
// backtraces bounded to a thread's kernel stack, cross-CPU freeze and
// single-stepping. Instruction decoding uses the x86 disassembler.
package kdb

import "fmt"
import "sort"
import "strings"
import "sync"
import "sync/atomic"

import "golang.org/x/arch/x86/x86asm"

import "kiwi/defs"

const kdb_debug = false

// Nbreak is the hardware breakpoint register count on x86-64.
const Nbreak = 4

// rflags bits
const (
	fl_trap   = 1 << 8
	fl_resume = 1 << 16
)

// Regs_t is a thread's saved register file.
type Regs_t struct {
	Rax, Rbx, Rcx, Rdx    uint64
	Rsi, Rdi, Rbp, Rsp    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	Rip, Rflags, Cs, Ss   uint64
}

var regnames = map[string]func(*Regs_t) *uint64{
	"rax": func(r *Regs_t) *uint64 { return &r.Rax },
	"rbx": func(r *Regs_t) *uint64 { return &r.Rbx },
	"rcx": func(r *Regs_t) *uint64 { return &r.Rcx },
	"rdx": func(r *Regs_t) *uint64 { return &r.Rdx },
	"rsi": func(r *Regs_t) *uint64 { return &r.Rsi },
	"rdi": func(r *Regs_t) *uint64 { return &r.Rdi },
	"rbp": func(r *Regs_t) *uint64 { return &r.Rbp },
	"rsp": func(r *Regs_t) *uint64 { return &r.Rsp },
	"r8":  func(r *Regs_t) *uint64 { return &r.R8 },
	"r9":  func(r *Regs_t) *uint64 { return &r.R9 },
	"r10": func(r *Regs_t) *uint64 { return &r.R10 },
	"r11": func(r *Regs_t) *uint64 { return &r.R11 },
	"r12": func(r *Regs_t) *uint64 { return &r.R12 },
	"r13": func(r *Regs_t) *uint64 { return &r.R13 },
	"r14": func(r *Regs_t) *uint64 { return &r.R14 },
	"r15": func(r *Regs_t) *uint64 { return &r.R15 },
	"rip": func(r *Regs_t) *uint64 { return &r.Rip },
	"rflags": func(r *Regs_t) *uint64 { return &r.Rflags },
	"cs":  func(r *Regs_t) *uint64 { return &r.Cs },
	"ss":  func(r *Regs_t) *uint64 { return &r.Ss },
}

// Get reads a register by name.
func (r *Regs_t) Get(name string) (uint64, bool) {
	f, ok := regnames[strings.ToLower(name)]
	if !ok {
		return 0, false
	}
	return *f(r), true
}

// Set writes a register by name.
func (r *Regs_t) Set(name string, v uint64) bool {
	f, ok := regnames[strings.ToLower(name)]
	if !ok {
		return false
	}
	*f(r) = v
	return true
}

// Dump renders every register, four per line, in a stable order.
func (r *Regs_t) Dump() string {
	names := make([]string, 0, len(regnames))
	for n := range regnames {
		names = append(names, n)
	}
	sort.Strings(names)
	var sb strings.Builder
	for i, n := range names {
		v, _ := r.Get(n)
		fmt.Fprintf(&sb, "%-6s %016x  ", n, v)
		if i%4 == 3 {
			sb.WriteByte('\n')
		}
	}
	if len(names)%4 != 0 {
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Bptype_t selects what a hardware breakpoint watches.
type Bptype_t uint8

const (
	BP_EXEC Bptype_t = iota
	BP_WRITE
	BP_RW
)

// Bp_t is one installed break/watchpoint.
type Bp_t struct {
	Addr uintptr
	Typ  Bptype_t
	// 1, 2, 4 or 8; execution breakpoints use 1
	Size int
	slot int
}

// Hwsetter_i programs the debug registers; per-CPU hardware hides
// behind it.
type Hwsetter_i interface {
	Setbp(slot int, addr uintptr, typ Bptype_t, size int)
	Clearbp(slot int)
}

// Debugger_t owns the breakpoint slots and the freeze machinery.
type Debugger_t struct {
	mu  sync.Mutex
	bps [Nbreak]*Bp_t
	hw  Hwsetter_i
	// cross-call used to freeze remote CPUs; NMI-like so even
	// IRQ-disabled code stops
	nmi    func(cpu int)
	ncpus  int
	frozen int32
}

// Mkdebugger creates the debugger for ncpus CPUs.
func Mkdebugger(hw Hwsetter_i, ncpus int, nmi func(cpu int)) *Debugger_t {
	return &Debugger_t{hw: hw, ncpus: ncpus, nmi: nmi}
}

// Install claims a free slot; all four in use is -EAGAIN, a bad size
// -EINVAL.
func (d *Debugger_t) Install(addr uintptr, typ Bptype_t, size int) (*Bp_t, defs.Err_t) {
	switch size {
	case 1, 2, 4, 8:
	default:
		return nil, -defs.EINVAL
	}
	if typ == BP_EXEC {
		size = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < Nbreak; i++ {
		if d.bps[i] == nil {
			bp := &Bp_t{Addr: addr, Typ: typ, Size: size, slot: i}
			d.bps[i] = bp
			if d.hw != nil {
				d.hw.Setbp(i, addr, typ, size)
			}
			return bp, 0
		}
	}
	return nil, -defs.EAGAIN
}

// Remove frees the breakpoint's slot.
func (d *Debugger_t) Remove(bp *Bp_t) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bps[bp.slot] != bp {
		return -defs.ENOENT
	}
	d.bps[bp.slot] = nil
	if d.hw != nil {
		d.hw.Clearbp(bp.slot)
	}
	return 0
}

// Installed lists the live breakpoints.
func (d *Debugger_t) Installed() []*Bp_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ret []*Bp_t
	for _, bp := range d.bps {
		if bp != nil {
			ret = append(ret, bp)
		}
	}
	return ret
}

// Freeze stops every CPU but cur while the debugger runs. Nested
// freezes stack.
func (d *Debugger_t) Freeze(cur int) {
	if atomic.AddInt32(&d.frozen, 1) != 1 {
		return
	}
	if d.nmi == nil {
		return
	}
	for i := 0; i < d.ncpus; i++ {
		if i != cur {
			d.nmi(i)
		}
	}
}

// Unfreeze releases the CPUs once the outermost freeze ends.
func (d *Debugger_t) Unfreeze() {
	if atomic.AddInt32(&d.frozen, -1) < 0 {
		panic("unbalanced unfreeze")
	}
}

// Frozen is polled by remote CPUs spinning in their NMI handler.
func (d *Debugger_t) Frozen() bool {
	return atomic.LoadInt32(&d.frozen) > 0
}

// Singlestep arms the trap flag and sets the resume flag so a
// breakpoint at the current instruction does not immediately re-fire.
func Singlestep(r *Regs_t) {
	r.Rflags |= fl_trap | fl_resume
}

// Stepdone disarms the trap flag after the step trap.
func Stepdone(r *Regs_t) {
	r.Rflags &^= uint64(fl_trap)
}

// Memread_t reads one word of a thread's kernel memory; it reports
// false for unmapped addresses so the walk stops cleanly.
type Memread_t func(va uintptr) (uint64, bool)

// Backtrace walks frame pointers from rbp, keeping every frame inside
// the thread's kernel stack [stackbase, stacktop). The return PCs are
// collected until the chain leaves the stack, cycles or hits the
// depth bound.
func Backtrace(rbp, stackbase, stacktop uintptr, read Memread_t) []uintptr {
	const maxdepth = 64
	var pcs []uintptr
	for i := 0; i < maxdepth; i++ {
		if rbp < stackbase || rbp+16 > stacktop || rbp&7 != 0 {
			break
		}
		retpc, ok := read(rbp + 8)
		if !ok || retpc == 0 {
			break
		}
		pcs = append(pcs, uintptr(retpc))
		next, ok := read(rbp)
		if !ok || uintptr(next) <= rbp {
			// frames must move up the stack
			break
		}
		rbp = uintptr(next)
	}
	return pcs
}

// Disasm decodes one instruction at pc, returning its rendering and
// length. Undecodable bytes come back as a raw byte marker of length
// one so the dump can continue.
func Disasm(code []uint8, pc uint64) (string, int) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		if len(code) == 0 {
			return "", 0
		}
		return fmt.Sprintf(".byte %#02x", code[0]), 1
	}
	return x86asm.GNUSyntax(inst, pc, nil), inst.Len
}

// Disassemble renders n instructions starting at pc.
func Disassemble(code []uint8, pc uint64, n int) string {
	var sb strings.Builder
	for i := 0; i < n && len(code) > 0; i++ {
		s, l := Disasm(code, pc)
		if l == 0 {
			break
		}
		fmt.Fprintf(&sb, "%016x  %s\n", pc, s)
		code = code[l:]
		pc += uint64(l)
	}
	return sb.String()
}
