package kdb

import "strings"
import "testing"

import "kiwi/defs"

func TestRegNames(t *testing.T) {
	var r Regs_t
	if !r.Set("rax", 0xdead) {
		t.Fatalf("set rax")
	}
	if v, ok := r.Get("RAX"); !ok || v != 0xdead {
		t.Fatalf("get rax: %x %v", v, ok)
	}
	if !r.Set("r15", 7) {
		t.Fatalf("set r15")
	}
	if v, _ := r.Get("r15"); v != 7 {
		t.Fatalf("r15 %x", v)
	}
	if _, ok := r.Get("xmm0"); ok {
		t.Fatalf("phantom register")
	}
	if r.Set("bogus", 1) {
		t.Fatalf("set phantom register")
	}
}

func TestRegDump(t *testing.T) {
	var r Regs_t
	r.Rip = 0xffffffff81000000
	s := r.Dump()
	if !strings.Contains(s, "rip") {
		t.Fatalf("dump misses rip: %q", s)
	}
	if !strings.Contains(s, "ffffffff81000000") {
		t.Fatalf("dump misses value: %q", s)
	}
}

type thw_t struct {
	set   [Nbreak]bool
	addrs [Nbreak]uintptr
}

func (h *thw_t) Setbp(slot int, addr uintptr, typ Bptype_t, size int) {
	h.set[slot] = true
	h.addrs[slot] = addr
}

func (h *thw_t) Clearbp(slot int) {
	h.set[slot] = false
}

func TestBreakSlots(t *testing.T) {
	hw := &thw_t{}
	d := Mkdebugger(hw, 1, nil)

	var bps [Nbreak]*Bp_t
	for i := 0; i < Nbreak; i++ {
		bp, err := d.Install(uintptr(0x1000+i), BP_EXEC, 1)
		if err != 0 {
			t.Fatalf("install %d: %v", i, err)
		}
		bps[i] = bp
		if !hw.set[i] || hw.addrs[i] != uintptr(0x1000+i) {
			t.Fatalf("slot %d not programmed", i)
		}
	}
	if _, err := d.Install(0x2000, BP_EXEC, 1); err != -defs.EAGAIN {
		t.Fatalf("fifth breakpoint: %v", err)
	}
	if len(d.Installed()) != Nbreak {
		t.Fatalf("installed %d", len(d.Installed()))
	}

	// freeing a middle slot makes room again
	if err := d.Remove(bps[2]); err != 0 {
		t.Fatalf("remove: %v", err)
	}
	if hw.set[2] {
		t.Fatalf("slot 2 still programmed")
	}
	if err := d.Remove(bps[2]); err != -defs.ENOENT {
		t.Fatalf("double remove: %v", err)
	}
	bp, err := d.Install(0x3000, BP_WRITE, 4)
	if err != 0 {
		t.Fatalf("reinstall: %v", err)
	}
	if hw.addrs[2] != 0x3000 {
		t.Fatalf("freed slot not reused")
	}
	if bp.Size != 4 {
		t.Fatalf("size %d", bp.Size)
	}
}

func TestBreakSize(t *testing.T) {
	d := Mkdebugger(nil, 1, nil)
	if _, err := d.Install(0x1000, BP_WRITE, 3); err != -defs.EINVAL {
		t.Fatalf("bad size: %v", err)
	}
	// exec breakpoints are forced to length 1
	bp, err := d.Install(0x1000, BP_EXEC, 8)
	if err != 0 {
		t.Fatalf("install: %v", err)
	}
	if bp.Size != 1 {
		t.Fatalf("exec size %d", bp.Size)
	}
}

func TestFreeze(t *testing.T) {
	nmis := make(map[int]int)
	d := Mkdebugger(nil, 4, func(cpu int) {
		nmis[cpu]++
	})
	d.Freeze(2)
	if !d.Frozen() {
		t.Fatalf("not frozen")
	}
	// the freezing CPU is not cross-called
	if nmis[2] != 0 || nmis[0] != 1 || nmis[1] != 1 || nmis[3] != 1 {
		t.Fatalf("nmis %v", nmis)
	}
	// nesting does not re-NMI
	d.Freeze(2)
	if nmis[0] != 1 {
		t.Fatalf("nested freeze re-sent nmi")
	}
	d.Unfreeze()
	if !d.Frozen() {
		t.Fatalf("inner unfreeze thawed")
	}
	d.Unfreeze()
	if d.Frozen() {
		t.Fatalf("still frozen")
	}
}

func TestSinglestep(t *testing.T) {
	var r Regs_t
	Singlestep(&r)
	if r.Rflags&fl_trap == 0 || r.Rflags&fl_resume == 0 {
		t.Fatalf("rflags %x", r.Rflags)
	}
	Stepdone(&r)
	if r.Rflags&fl_trap != 0 {
		t.Fatalf("trap flag survived")
	}
}

func TestBacktrace(t *testing.T) {
	// a fake stack of three frames: each frame is [saved rbp, ret pc]
	const base = uintptr(0x8000)
	const top = uintptr(0x9000)
	words := map[uintptr]uint64{
		0x8100: 0x8200, 0x8108: 0x401000,
		0x8200: 0x8300, 0x8208: 0x402000,
		0x8300: 0,      0x8308: 0x403000,
	}
	read := func(va uintptr) (uint64, bool) {
		v, ok := words[va]
		return v, ok
	}
	pcs := Backtrace(0x8100, base, top, read)
	if len(pcs) != 3 {
		t.Fatalf("%d frames", len(pcs))
	}
	if pcs[0] != 0x401000 || pcs[1] != 0x402000 || pcs[2] != 0x403000 {
		t.Fatalf("pcs %x", pcs)
	}

	// rbp outside the stack walks nothing
	if pcs := Backtrace(0x100, base, top, read); len(pcs) != 0 {
		t.Fatalf("walked out of bounds")
	}
	// misaligned rbp
	if pcs := Backtrace(0x8104, base, top, read); len(pcs) != 0 {
		t.Fatalf("walked misaligned frame")
	}
}

func TestBacktraceCycle(t *testing.T) {
	const base = uintptr(0x8000)
	const top = uintptr(0x9000)
	// a frame pointing at itself must not loop
	words := map[uintptr]uint64{
		0x8100: 0x8100, 0x8108: 0x401000,
	}
	read := func(va uintptr) (uint64, bool) {
		v, ok := words[va]
		return v, ok
	}
	pcs := Backtrace(0x8100, base, top, read)
	if len(pcs) != 1 {
		t.Fatalf("%d frames", len(pcs))
	}
}

func TestDisasm(t *testing.T) {
	// nop; ret
	code := []uint8{0x90, 0xc3}
	s, l := Disasm(code, 0x1000)
	if l != 1 || !strings.Contains(s, "nop") {
		t.Fatalf("nop: %q %d", s, l)
	}
	s, l = Disasm(code[1:], 0x1001)
	if l != 1 || !strings.Contains(s, "ret") {
		t.Fatalf("ret: %q %d", s, l)
	}
	// an undecodable byte falls back to a raw marker
	s, l = Disasm([]uint8{0xff}, 0x1000)
	if l != 1 || !strings.HasPrefix(s, ".byte") {
		t.Fatalf("bad byte: %q %d", s, l)
	}
	if s, l := Disasm(nil, 0); s != "" || l != 0 {
		t.Fatalf("empty code: %q %d", s, l)
	}
}

func TestDisassemble(t *testing.T) {
	// xor %eax,%eax; inc %eax; ret
	code := []uint8{0x31, 0xc0, 0xff, 0xc0, 0xc3}
	s := Disassemble(code, 0x400000, 10)
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("%d lines: %q", len(lines), s)
	}
	if !strings.HasPrefix(lines[0], "0000000000400000") {
		t.Fatalf("pc column: %q", lines[0])
	}
	if !strings.HasPrefix(lines[2], "0000000000400004") {
		t.Fatalf("pc advance: %q", lines[2])
	}
}
