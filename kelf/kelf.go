// Package kelf parses and loads ELF64 images: executables and
// position-independent binaries into address spaces, and relocatable
// objects into kernel module arenas.
package kelf

import "kiwi/defs"
import "kiwi/mem"
import "kiwi/util"
import "kiwi/vm"

const kelf_debug = false

// Elf_t wraps a raw image.
type Elf_t struct {
	data []uint8
}

// ELF constants.
const (
	elf_magic   = 0x464c457f
	elfclass64  = 2
	elfdata2lsb = 1
	ev_current  = 1
	em_x86_64   = 62

	ET_REL  = 1
	ET_EXEC = 2
	ET_DYN  = 3

	PT_LOAD    = 1
	PT_DYNAMIC = 2
	PT_INTERP  = 3

	PF_X = 1
	PF_W = 2
	PF_R = 4

	DT_NULL = 0
	DT_INIT = 12

	ehdr_size = 64
	phdr_size = 56
	shdr_size = 64
)

// Mkelf wraps data; Validate before use.
func Mkelf(data []uint8) *Elf_t {
	return &Elf_t{data: data}
}

func (e *Elf_t) rd(sz, off int) int {
	if off+sz > len(e.data) {
		return -1
	}
	return util.Readn(e.data, sz, off)
}

// Validate checks magic, class, endianness, version, machine and type;
// anything off is -ENOEXEC.
func (e *Elf_t) Validate() defs.Err_t {
	if len(e.data) < ehdr_size {
		return -defs.ENOEXEC
	}
	if e.rd(4, 0) != elf_magic {
		return -defs.ENOEXEC
	}
	if e.data[4] != elfclass64 || e.data[5] != elfdata2lsb ||
		e.data[6] != ev_current {
		return -defs.ENOEXEC
	}
	switch e.Type() {
	case ET_EXEC, ET_DYN, ET_REL:
	default:
		return -defs.ENOEXEC
	}
	if e.rd(2, 18) != em_x86_64 {
		return -defs.ENOEXEC
	}
	return 0
}

// Type returns the image type.
func (e *Elf_t) Type() int {
	return e.rd(2, 16)
}

// Entry is the entry VA.
func (e *Elf_t) Entry() uintptr {
	return uintptr(e.rd(8, 24))
}

// Phdr_t is one program header.
type Phdr_t struct {
	Ptype  int
	Flags  int
	Offset int64
	Vaddr  uintptr
	Filesz int64
	Memsz  int64
}

// Nph returns the program header count.
func (e *Elf_t) Nph() int {
	return e.rd(2, 56)
}

// Phdr decodes header i.
func (e *Elf_t) Phdr(i int) (Phdr_t, defs.Err_t) {
	var p Phdr_t
	phoff := e.rd(8, 32)
	off := phoff + i*phdr_size
	if i < 0 || i >= e.Nph() || off+phdr_size > len(e.data) {
		return p, -defs.ENOEXEC
	}
	p.Ptype = e.rd(4, off)
	p.Flags = e.rd(4, off+4)
	p.Offset = int64(e.rd(8, off+8))
	p.Vaddr = uintptr(e.rd(8, off+16))
	p.Filesz = int64(e.rd(8, off+32))
	p.Memsz = int64(e.rd(8, off+40))
	if p.Filesz > p.Memsz || p.Offset+p.Filesz > int64(len(e.data)) {
		return p, -defs.ENOEXEC
	}
	return p, 0
}

// Interp returns the PT_INTERP path, or "".
func (e *Elf_t) Interp() (string, defs.Err_t) {
	for i := 0; i < e.Nph(); i++ {
		p, err := e.Phdr(i)
		if err != 0 {
			return "", err
		}
		if p.Ptype != PT_INTERP {
			continue
		}
		s := e.data[p.Offset : p.Offset+p.Filesz]
		// NUL terminated
		for j, c := range s {
			if c == 0 {
				return string(s[:j]), 0
			}
		}
		return string(s), 0
	}
	return "", 0
}

// Initfn returns the DT_INIT VA (adjusted by bias) or 0.
func (e *Elf_t) Initfn(bias uintptr) (uintptr, defs.Err_t) {
	for i := 0; i < e.Nph(); i++ {
		p, err := e.Phdr(i)
		if err != 0 {
			return 0, err
		}
		if p.Ptype != PT_DYNAMIC {
			continue
		}
		for o := p.Offset; o+16 <= p.Offset+p.Filesz; o += 16 {
			tag := e.rd(8, int(o))
			val := e.rd(8, int(o)+8)
			if tag == DT_NULL {
				break
			}
			if tag == DT_INIT {
				return uintptr(val) + bias, 0
			}
		}
	}
	return 0, 0
}

func vmprot(flags int) vm.Vmflag_t {
	if flags == 0 {
		// headers with no protection bits inherit read+execute
		return vm.VM_READ | vm.VM_EXEC
	}
	var f vm.Vmflag_t
	if flags&PF_R != 0 {
		f |= vm.VM_READ
	}
	if flags&PF_W != 0 {
		f |= vm.VM_WRITE
	}
	if flags&PF_X != 0 {
		f |= vm.VM_EXEC
	}
	return f
}

// Image_t describes one loaded binary.
type Image_t struct {
	Entry  uintptr
	Init   uintptr
	Interp string
}

// Load maps every PT_LOAD of a validated image into as at bias (0 for
// ET_EXEC). Each segment becomes an anonymous region: file bytes are
// copied in and the memsz tail beyond filesz stays demand-zero. The
// copy happens through writable mappings; the final protection is
// applied afterwards.
func (e *Elf_t) Load(as *vm.Aspace_t, bias uintptr) (Image_t, defs.Err_t) {
	var img Image_t
	if err := e.Validate(); err != 0 {
		return img, err
	}
	if e.Type() == ET_REL {
		return img, -defs.ENOEXEC
	}
	for i := 0; i < e.Nph(); i++ {
		p, err := e.Phdr(i)
		if err != 0 {
			return img, err
		}
		if p.Ptype != PT_LOAD || p.Memsz == 0 {
			continue
		}
		va := p.Vaddr + bias
		start := util.Rounddown(va, uintptr(mem.PGSIZE))
		end := util.Roundup(va+uintptr(p.Memsz), uintptr(mem.PGSIZE))
		npg := int((end - start) / uintptr(mem.PGSIZE))
		anon := vm.Mkanon(npg, nil, 0)
		flags := vmprot(p.Flags) | vm.VM_FIXED
		_, err = as.Map(anon, 0, end-start, start,
			flags|vm.VM_WRITE)
		if err != 0 {
			return img, err
		}
		if p.Filesz > 0 {
			src := e.data[p.Offset : p.Offset+p.Filesz]
			if err := as.Write(va, src); err != 0 {
				return img, err
			}
		}
		if flags&vm.VM_WRITE == 0 {
			if err := as.Protect(start, end-start,
				vmprot(p.Flags)); err != 0 {
				return img, err
			}
		}
	}
	img.Entry = e.Entry() + bias
	var err defs.Err_t
	img.Interp, err = e.Interp()
	if err != 0 {
		return img, err
	}
	img.Init, err = e.Initfn(bias)
	return img, err
}

// Loadrange returns the VA span of the image's PT_LOAD headers so a
// caller can reserve it before loading an interpreter elsewhere.
func (e *Elf_t) Loadrange() (uintptr, uintptr, defs.Err_t) {
	var lo, hi uintptr
	lo = ^uintptr(0)
	for i := 0; i < e.Nph(); i++ {
		p, err := e.Phdr(i)
		if err != 0 {
			return 0, 0, err
		}
		if p.Ptype != PT_LOAD || p.Memsz == 0 {
			continue
		}
		s := util.Rounddown(p.Vaddr, uintptr(mem.PGSIZE))
		t := util.Roundup(p.Vaddr+uintptr(p.Memsz), uintptr(mem.PGSIZE))
		if s < lo {
			lo = s
		}
		if t > hi {
			hi = t
		}
	}
	if hi == 0 {
		return 0, 0, -defs.ENOEXEC
	}
	return lo, hi, 0
}
