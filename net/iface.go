package net

import "sync"

import "kiwi/defs"
import "kiwi/limits"

// Family_i is one address family's hooks into the interface layer.
type Family_i interface {
	Family() int
	Addr_valid(a []uint8) bool
	Addr_equal(a, b []uint8) bool
	Addr_add(ifc *Iface_t, a []uint8) defs.Err_t
	Addr_remove(ifc *Iface_t, a []uint8) defs.Err_t
}

// Famremove_i lets a family discard routes when an interface goes.
type Famremove_i interface {
	Iface_remove(ifc *Iface_t)
}

// Linkdev_i is the driver side of an interface.
type Linkdev_i interface {
	// Send consumes one packet reference.
	Send(p *Packet_t) defs.Err_t
	Mtu() int
	// Hdrlen is the link header size Transmit prepends.
	Hdrlen() int
	// Mkhdr fills a prepended link header for ltype toward dst.
	Mkhdr(hdr []uint8, dst []uint8, ltype uint16)
}

// Proto_i receives packets of one link-layer type.
type Proto_i interface {
	Input(ifc *Iface_t, p *Packet_t)
}

// addr_t is one interface address.
type addr_t struct {
	family int
	addr   []uint8
}

// Iface_t is one up interface.
type Iface_t struct {
	Id    int
	Name  string
	dev   Linkdev_i
	addrs []addr_t
}

// Mtu exposes the device MTU.
func (ifc *Iface_t) Mtu() int { return ifc.dev.Mtu() }

// the interface table: a read/write lock, monotonically increasing
// ids, and the registered families and protocols
var iflk sync.RWMutex
var ifaces []*Iface_t
var nextifid int = 1
var families = map[int]Family_i{}
var protos = map[uint16]Proto_i{}

// Register_family installs f's hooks.
func Register_family(f Family_i) {
	iflk.Lock()
	families[f.Family()] = f
	iflk.Unlock()
}

// Register_proto routes received packets of ltype to pr.
func Register_proto(ltype uint16, pr Proto_i) {
	iflk.Lock()
	protos[ltype] = pr
	iflk.Unlock()
}

// Iface_add brings dev up as a new interface.
func Iface_add(name string, dev Linkdev_i) (*Iface_t, defs.Err_t) {
	iflk.Lock()
	defer iflk.Unlock()
	if len(ifaces) >= limits.Syslimit.Ifaces {
		limits.Lhits++
		return nil, -defs.ENOMEM
	}
	ifc := &Iface_t{Id: nextifid, Name: name, dev: dev}
	nextifid++
	ifaces = append(ifaces, ifc)
	return ifc, 0
}

// Iface_remove takes the interface down, letting each family with
// addresses on it tear down its state.
func Iface_remove(ifc *Iface_t) defs.Err_t {
	iflk.Lock()
	defer iflk.Unlock()
	idx := -1
	for i, x := range ifaces {
		if x == ifc {
			idx = i
			break
		}
	}
	if idx == -1 {
		return -defs.ENODEV
	}
	for _, f := range families {
		if fr, ok := f.(Famremove_i); ok {
			fr.Iface_remove(ifc)
		}
	}
	ifc.addrs = nil
	ifaces = append(ifaces[:idx], ifaces[idx+1:]...)
	return 0
}

// Iface_find returns the interface with the given id, or nil.
func Iface_find(id int) *Iface_t {
	iflk.RLock()
	defer iflk.RUnlock()
	for _, ifc := range ifaces {
		if ifc.Id == id {
			return ifc
		}
	}
	return nil
}

// Addr_add validates and installs an address through its family.
func (ifc *Iface_t) Addr_add(family int, a []uint8) defs.Err_t {
	iflk.Lock()
	defer iflk.Unlock()
	f, ok := families[family]
	if !ok {
		return -defs.EINVAL
	}
	if !f.Addr_valid(a) {
		return -defs.EINVAL
	}
	for _, x := range ifc.addrs {
		if x.family == family && f.Addr_equal(x.addr, a) {
			return -defs.EEXIST
		}
	}
	if err := f.Addr_add(ifc, a); err != 0 {
		return err
	}
	na := make([]uint8, len(a))
	copy(na, a)
	ifc.addrs = append(ifc.addrs, addr_t{family: family, addr: na})
	return 0
}

// Addr_remove takes an address down.
func (ifc *Iface_t) Addr_remove(family int, a []uint8) defs.Err_t {
	iflk.Lock()
	defer iflk.Unlock()
	f, ok := families[family]
	if !ok {
		return -defs.EINVAL
	}
	for i, x := range ifc.addrs {
		if x.family == family && f.Addr_equal(x.addr, a) {
			if err := f.Addr_remove(ifc, a); err != 0 {
				return err
			}
			ifc.addrs = append(ifc.addrs[:i], ifc.addrs[i+1:]...)
			return 0
		}
	}
	return -defs.ENOENT
}

// Addr_has reports whether the interface owns a, for input filtering.
func (ifc *Iface_t) Addr_has(family int, a []uint8) bool {
	iflk.RLock()
	defer iflk.RUnlock()
	f, ok := families[family]
	if !ok {
		return false
	}
	for _, x := range ifc.addrs {
		if x.family == family && f.Addr_equal(x.addr, a) {
			return true
		}
	}
	return false
}

// Receive dispatches an input packet by its parsed link-layer type;
// unclaimed packets are dropped. Consumes the caller's reference.
func (ifc *Iface_t) Receive(p *Packet_t) {
	iflk.RLock()
	pr, ok := protos[p.Linktype]
	iflk.RUnlock()
	if !ok {
		p.Free()
		return
	}
	pr.Input(ifc, p)
}

// Transmit prepends the link header and hands the packet to the
// driver; payloads beyond the MTU fail with -EMSGSIZE. Consumes the
// caller's reference.
func (ifc *Iface_t) Transmit(p *Packet_t, dst []uint8, ltype uint16) defs.Err_t {
	if p.Len() > ifc.dev.Mtu() {
		p.Free()
		return -defs.EMSGSIZE
	}
	hdr := p.Prepend(ifc.dev.Hdrlen())
	ifc.dev.Mkhdr(hdr, dst, ltype)
	return ifc.dev.Send(p)
}
