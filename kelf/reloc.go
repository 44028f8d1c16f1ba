package kelf

import "strings"

import "kiwi/defs"
import "kiwi/util"

// Section header constants.
const (
	SHT_PROGBITS = 1
	SHT_SYMTAB   = 2
	SHT_STRTAB   = 3
	SHT_RELA     = 4
	SHT_NOBITS   = 8

	SHF_ALLOC = 2

	SHN_UNDEF = 0
	SHN_ABS   = 0xfff1
)

// x86-64 relocation types.
const (
	R_X86_64_64    = 1
	R_X86_64_PC32  = 2
	R_X86_64_PLT32 = 4
	R_X86_64_32    = 10
	R_X86_64_32S   = 11
)

const exportprefix = "__module_export_"

type shdr_t struct {
	name      int
	shtype    int
	flags     int
	addr      uintptr
	offset    int64
	size      int64
	link      int
	info      int
	addralign int64
	entsize   int64
	// arena offset after placement
	dest int64
}

// Module_t is a relocated kernel module: its arena, the load bias and
// the exported symbols.
type Module_t struct {
	Arena   []uint8
	Base    uintptr
	Exports map[string]uintptr
}

func (e *Elf_t) nsh() int {
	return e.rd(2, 60)
}

func (e *Elf_t) shdr(i int) (shdr_t, defs.Err_t) {
	var s shdr_t
	shoff := e.rd(8, 40)
	off := shoff + i*shdr_size
	if i < 0 || i >= e.nsh() || off+shdr_size > len(e.data) {
		return s, -defs.ENOEXEC
	}
	s.name = e.rd(4, off)
	s.shtype = e.rd(4, off+4)
	s.flags = e.rd(8, off+8)
	s.addr = uintptr(e.rd(8, off+16))
	s.offset = int64(e.rd(8, off+24))
	s.size = int64(e.rd(8, off+32))
	s.link = e.rd(4, off+40)
	s.info = e.rd(4, off+44)
	s.addralign = int64(e.rd(8, off+48))
	s.entsize = int64(e.rd(8, off+56))
	s.dest = -1
	return s, 0
}

func (e *Elf_t) cstr(strtab shdr_t, off int) string {
	o := strtab.offset + int64(off)
	for i := o; i < strtab.offset+strtab.size && i < int64(len(e.data)); i++ {
		if e.data[i] == 0 {
			return string(e.data[o:i])
		}
	}
	return ""
}

type sym_t struct {
	name  int
	info  uint8
	shndx int
	value uintptr
}

func (e *Elf_t) sym(symtab shdr_t, i int) sym_t {
	const symsz = 24
	off := int(symtab.offset) + i*symsz
	var s sym_t
	s.name = e.rd(4, off)
	s.info = e.data[off+4]
	s.shndx = e.rd(2, off+6)
	s.value = uintptr(e.rd(8, off+8))
	return s
}

// Relocate links an ET_REL image into a fresh arena placed at base:
// loadable sections are laid out with their alignment, the symbol
// table is resolved against the placed sections plus resolver for
// undefined names, relocations are applied, and __module_export_*
// symbols are published.
func (e *Elf_t) Relocate(base uintptr, resolver func(string) (uintptr, bool)) (*Module_t, defs.Err_t) {
	if err := e.Validate(); err != 0 {
		return nil, err
	}
	if e.Type() != ET_REL {
		return nil, -defs.ENOEXEC
	}
	nsh := e.nsh()
	shdrs := make([]shdr_t, nsh)
	for i := 0; i < nsh; i++ {
		s, err := e.shdr(i)
		if err != 0 {
			return nil, err
		}
		shdrs[i] = s
	}
	// place loadable sections
	var arenasz int64
	for i := range shdrs {
		s := &shdrs[i]
		if s.flags&SHF_ALLOC == 0 || s.size == 0 {
			continue
		}
		align := s.addralign
		if align < 1 {
			align = 1
		}
		arenasz = util.Roundup(arenasz, align)
		s.dest = arenasz
		arenasz += s.size
	}
	if arenasz == 0 {
		return nil, -defs.ENOEXEC
	}
	m := &Module_t{Arena: make([]uint8, arenasz), Base: base,
		Exports: make(map[string]uintptr)}
	for i := range shdrs {
		s := &shdrs[i]
		if s.dest == -1 || s.shtype == SHT_NOBITS {
			continue
		}
		copy(m.Arena[s.dest:s.dest+s.size],
			e.data[s.offset:s.offset+s.size])
	}
	// resolve symbols
	symaddr := func(symtab shdr_t, idx int) (uintptr, string, defs.Err_t) {
		sym := e.sym(symtab, idx)
		strtab := shdrs[symtab.link]
		name := e.cstr(strtab, sym.name)
		switch sym.shndx {
		case SHN_UNDEF:
			if resolver != nil {
				if va, ok := resolver(name); ok {
					return va, name, 0
				}
			}
			return 0, name, -defs.ENOENT
		case SHN_ABS:
			return sym.value, name, 0
		default:
			sec := shdrs[sym.shndx]
			if sec.dest == -1 {
				return 0, name, -defs.ENOEXEC
			}
			return base + uintptr(sec.dest) + sym.value, name, 0
		}
	}
	// apply relocations
	for i := range shdrs {
		rs := shdrs[i]
		if rs.shtype != SHT_RELA {
			continue
		}
		target := shdrs[rs.info]
		if target.dest == -1 {
			continue
		}
		symtab := shdrs[rs.link]
		const relasz = 24
		for o := int64(0); o+relasz <= rs.size; o += relasz {
			ro := int(rs.offset + o)
			r_off := int64(e.rd(8, ro))
			r_info := uint64(e.rd(8, ro+8))
			r_add := int64(e.rd(8, ro+16))
			rtype := int(uint32(r_info))
			symidx := int(r_info >> 32)
			sa, _, err := symaddr(symtab, symidx)
			if err != 0 {
				return nil, err
			}
			spot := target.dest + r_off
			p := base + uintptr(spot)
			switch rtype {
			case R_X86_64_64:
				util.Writen(m.Arena, 8, int(spot),
					int(int64(sa)+r_add))
			case R_X86_64_PC32, R_X86_64_PLT32:
				v := int64(sa) + r_add - int64(p)
				if int64(int32(v)) != v {
					return nil, -defs.ERANGE
				}
				util.Writen(m.Arena, 4, int(spot), int(int32(v)))
			case R_X86_64_32:
				v := int64(sa) + r_add
				if v != int64(uint32(v)) {
					return nil, -defs.ERANGE
				}
				util.Writen(m.Arena, 4, int(spot), int(uint32(v)))
			case R_X86_64_32S:
				v := int64(sa) + r_add
				if int64(int32(v)) != v {
					return nil, -defs.ERANGE
				}
				util.Writen(m.Arena, 4, int(spot), int(int32(v)))
			default:
				return nil, -defs.ENOSYS
			}
		}
	}
	// publish exports
	for i := range shdrs {
		st := shdrs[i]
		if st.shtype != SHT_SYMTAB || st.entsize == 0 {
			continue
		}
		nsyms := int(st.size / st.entsize)
		strtab := shdrs[st.link]
		for j := 0; j < nsyms; j++ {
			sym := e.sym(st, j)
			name := e.cstr(strtab, sym.name)
			if !strings.HasPrefix(name, exportprefix) {
				continue
			}
			va, _, err := symaddr(st, j)
			if err != 0 {
				return nil, err
			}
			m.Exports[strings.TrimPrefix(name, exportprefix)] = va
		}
	}
	return m, 0
}
