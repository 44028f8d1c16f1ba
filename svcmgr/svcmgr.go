// Package svcmgr is the service manager core: it owns a port, mediates
// named connect requests, spawns on-demand services and tracks their
// registered ports and deaths. The invariant throughout is that every
// pending connect is answered or discarded exactly once.
package svcmgr

import "sync"

import "kiwi/defs"
import "kiwi/ipc"
import "kiwi/limits"
import "kiwi/obj"
import "kiwi/proc"

const svcmgr_debug = false

// Service flags.
type Svcflag_t uint

const (
	// the service speaks IPC and registers a port
	SVC_IPC Svcflag_t = 1 << iota
	// start the service on first connect
	SVC_ONDEMAND
)

// Replyf_t delivers a connect's outcome. A nil port means failure;
// a delivered port carries one object reference for the client.
type Replyf_t func(err defs.Err_t, port *ipc.Port_t)

// Spawnf_t launches a service binary; the manager's host supplies it.
type Spawnf_t func(name string) (*proc.Proc_t, defs.Err_t)

type service_t struct {
	name  string
	flags Svcflag_t
	p     *proc.Proc_t
	port  *ipc.Port_t
	// connects waiting for REGISTER_PORT
	pending []Replyf_t
}

// Mgr_t is the manager instance.
type Mgr_t struct {
	sync.Mutex
	Port  *ipc.Port_t
	svcs  map[string]*service_t
	spawn Spawnf_t
	ident obj.Ident_t
}

// Mkmgr creates a manager with its own port.
func Mkmgr(spawn Spawnf_t, ident obj.Ident_t) *Mgr_t {
	return &Mgr_t{
		Port:  ipc.Mkport(ident.Uid, 0),
		svcs:  make(map[string]*service_t),
		spawn: spawn,
		ident: ident,
	}
}

// Add declares a named service.
func (m *Mgr_t) Add(name string, flags Svcflag_t) defs.Err_t {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.svcs[name]; ok {
		return -defs.EEXIST
	}
	m.svcs[name] = &service_t{name: name, flags: flags}
	return 0
}

// Connect resolves a client's request for name. The reply function
// runs exactly once: immediately when the port is known or the request
// cannot succeed, or later from Register_port or the death handler.
func (m *Mgr_t) Connect(name string, reply Replyf_t) {
	m.Lock()
	s, ok := m.svcs[name]
	if !ok || s.flags&SVC_IPC == 0 {
		m.Unlock()
		reply(-defs.ENOENT, nil)
		return
	}
	if s.port != nil {
		port := s.port
		port.O.Ref()
		m.Unlock()
		reply(0, port)
		return
	}
	if s.p == nil {
		if s.flags&SVC_ONDEMAND == 0 {
			m.Unlock()
			reply(-defs.EAGAIN, nil)
			return
		}
		p, err := m.spawn(name)
		if err != 0 {
			m.Unlock()
			reply(err, nil)
			return
		}
		s.p = p
		m.Unlock()
		go m.reap(s, p)
		m.Lock()
		// re-check: registration may have raced the spawn
		if s.port != nil {
			port := s.port
			port.O.Ref()
			m.Unlock()
			reply(0, port)
			return
		}
	}
	if len(s.pending) >= limits.Syslimit.Svcconns {
		m.Unlock()
		limits.Lhits++
		reply(-defs.EAGAIN, nil)
		return
	}
	s.pending = append(s.pending, reply)
	m.Unlock()
}

// Register_port is the service side: it publishes the port and
// answers every queued connect.
func (m *Mgr_t) Register_port(p *proc.Proc_t, port *ipc.Port_t) defs.Err_t {
	m.Lock()
	var s *service_t
	for _, x := range m.svcs {
		if x.p == p {
			s = x
			break
		}
	}
	if s == nil || s.flags&SVC_IPC == 0 {
		m.Unlock()
		return -defs.ESRCH
	}
	if s.port != nil {
		m.Unlock()
		return -defs.EEXIST
	}
	port.O.Ref()
	s.port = port
	pend := s.pending
	s.pending = nil
	m.Unlock()
	for _, reply := range pend {
		port.O.Ref()
		reply(0, port)
	}
	return 0
}

// Attach marks an externally started process as the named service.
func (m *Mgr_t) Attach(name string, p *proc.Proc_t) defs.Err_t {
	m.Lock()
	s, ok := m.svcs[name]
	if !ok {
		m.Unlock()
		return -defs.ENOENT
	}
	if s.p != nil {
		m.Unlock()
		return -defs.EEXIST
	}
	s.p = p
	m.Unlock()
	go m.reap(s, p)
	return 0
}

// Get_process looks a live service's process up, returning it with an
// extra object reference.
func (m *Mgr_t) Get_process(name string) (*proc.Proc_t, defs.Err_t) {
	m.Lock()
	defer m.Unlock()
	s, ok := m.svcs[name]
	if !ok || s.p == nil {
		return nil, -defs.ESRCH
	}
	s.p.O.Ref()
	return s.p, 0
}

// reap waits for the service's death, then closes its port, drops the
// back-pointer and fails whatever connects were still queued.
func (m *Mgr_t) reap(s *service_t, p *proc.Proc_t) {
	ht := obj.Mktable()
	p.O.Ref()
	hid, err := ht.Alloc(p.O, defs.RIGHT_READ)
	if err != 0 {
		p.O.Unref()
		return
	}
	if _, werr := obj.Wait_one(ht, hid, defs.PROCESS_EVENT_DEATH, 0,
		nil); werr != 0 && werr != -defs.EAGAIN {
		ht.Destroy()
		return
	}
	ht.Destroy()
	m.Lock()
	if s.p != p {
		m.Unlock()
		return
	}
	s.p = nil
	port := s.port
	s.port = nil
	pend := s.pending
	s.pending = nil
	m.Unlock()
	if port != nil {
		port.O.Unref()
	}
	for _, reply := range pend {
		reply(-defs.ECONNRESET, nil)
	}
}
