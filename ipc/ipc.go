// Package ipc provides ports and connections: a port accepts
// connection requests and yields connection endpoints; endpoints carry
// byte messages with optional object payloads, delivered in order.
package ipc

import "sync"

import "kiwi/defs"
import "kiwi/limits"
import "kiwi/obj"

const ipc_debug = false

// Maxmsg bounds one message's data.
const Maxmsg = 16 << 10

// Msg_t is one queued message. Objs transfers object references to
// the receiver.
type Msg_t struct {
	Data []uint8
	Objs []*obj.Object_t
}

// Endpoint_t is one side of a connection; a kernel object signalling
// CONNECTION_EVENT_MESSAGE and CONNECTION_EVENT_HANGUP.
type Endpoint_t struct {
	obj.Eventsrc_t
	O    *obj.Object_t
	peer *Endpoint_t

	mu     sync.Mutex
	msgs   []*Msg_t
	hangup bool
	// a received message awaits its reply
	owereply bool
}

// Mkpair creates a connected endpoint pair.
func Mkpair(owner defs.Uid_t, group defs.Gid_t) (*Endpoint_t, *Endpoint_t) {
	a := &Endpoint_t{}
	b := &Endpoint_t{}
	a.peer, b.peer = b, a
	a.O = obj.Mkobj(a, owner, group)
	b.O = obj.Mkobj(b, owner, group)
	return a, b
}

// Send queues msg at the peer. Delivery is in order; the queue is
// bounded by the system message limit (-EAGAIN when full) and a dead
// peer returns -EPIPE.
func (e *Endpoint_t) Send(msg *Msg_t) defs.Err_t {
	if len(msg.Data) > Maxmsg {
		return -defs.EMSGSIZE
	}
	p := e.peer
	p.mu.Lock()
	if p.hangup {
		p.mu.Unlock()
		return -defs.EPIPE
	}
	if !limits.Syslimit.Conmsgs.Take() {
		p.mu.Unlock()
		limits.Lhits++
		return -defs.EAGAIN
	}
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	p.Esignal(defs.CONNECTION_EVENT_MESSAGE)
	return 0
}

// Recv dequeues the oldest message. An empty queue returns -EAGAIN,
// or -EPIPE once the peer hung up; callers block via the object wait
// path. The message event is cleared when the queue drains.
func (e *Endpoint_t) Recv() (*Msg_t, defs.Err_t) {
	e.mu.Lock()
	if len(e.msgs) == 0 {
		hung := e.hangup
		// clear before unlocking so a racing send's signal is
		// not wiped after its append
		e.Eclear(defs.CONNECTION_EVENT_MESSAGE)
		e.mu.Unlock()
		if hung {
			return nil, -defs.EPIPE
		}
		return nil, -defs.EAGAIN
	}
	m := e.msgs[0]
	e.msgs = e.msgs[1:]
	if len(e.msgs) == 0 {
		e.Eclear(defs.CONNECTION_EVENT_MESSAGE)
	}
	e.owereply = true
	e.mu.Unlock()
	limits.Syslimit.Conmsgs.Give()
	return m, 0
}

// Reply answers the most recently received message; each receive
// admits one reply. On the wire a reply is an ordinary message to the
// peer. -EINVAL without a message outstanding.
func (e *Endpoint_t) Reply(msg *Msg_t) defs.Err_t {
	e.mu.Lock()
	if !e.owereply {
		e.mu.Unlock()
		return -defs.EINVAL
	}
	e.owereply = false
	e.mu.Unlock()
	if err := e.Send(msg); err != 0 {
		e.mu.Lock()
		e.owereply = true
		e.mu.Unlock()
		return err
	}
	return 0
}

// object type descriptor

func (e *Endpoint_t) Objtype() string { return "connection" }

// Close hangs up: the peer sees CONNECTION_EVENT_HANGUP and queued
// but unreceived messages are dropped with their object payloads.
func (e *Endpoint_t) Close() {
	p := e.peer
	p.mu.Lock()
	p.hangup = true
	p.mu.Unlock()
	p.Esignal(defs.CONNECTION_EVENT_HANGUP)
	e.mu.Lock()
	msgs := e.msgs
	e.msgs = nil
	e.hangup = true
	e.mu.Unlock()
	for _, m := range msgs {
		limits.Syslimit.Conmsgs.Give()
		for _, o := range m.Objs {
			o.Unref()
		}
	}
}

func (e *Endpoint_t) Wait(w *obj.Waiter_t) defs.Err_t {
	return e.Ewait(w)
}

func (e *Endpoint_t) Unwait(w *obj.Waiter_t) {
	e.Eunwait(w)
}

// Port_t accepts connections; a kernel object signalling
// PORT_EVENT_CONNECTION while requests are pending.
type Port_t struct {
	obj.Eventsrc_t
	O *obj.Object_t

	mu      sync.Mutex
	pending []*Endpoint_t
	closed  bool
}

// Mkport creates a port.
func Mkport(owner defs.Uid_t, group defs.Gid_t) *Port_t {
	p := &Port_t{}
	p.O = obj.Mkobj(p, owner, group)
	return p
}

// Connect asks the port for a connection, returning the client
// endpoint immediately; the server side is queued for Accept. The
// pending queue is bounded per the connect backlog limit.
func (p *Port_t) Connect(owner defs.Uid_t, group defs.Gid_t) (*Endpoint_t, defs.Err_t) {
	client, server := Mkpair(owner, group)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		client.O.Unref()
		server.O.Unref()
		return nil, -defs.ECONNREFUSED
	}
	if len(p.pending) >= limits.Syslimit.Svcconns {
		p.mu.Unlock()
		limits.Lhits++
		client.O.Unref()
		server.O.Unref()
		return nil, -defs.EAGAIN
	}
	p.pending = append(p.pending, server)
	p.mu.Unlock()
	p.Esignal(defs.PORT_EVENT_CONNECTION)
	return client, 0
}

// Accept pops the oldest pending connection's server endpoint, or
// -EAGAIN when none are queued.
func (p *Port_t) Accept() (*Endpoint_t, defs.Err_t) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.Eclear(defs.PORT_EVENT_CONNECTION)
		p.mu.Unlock()
		return nil, -defs.EAGAIN
	}
	s := p.pending[0]
	p.pending = p.pending[1:]
	if len(p.pending) == 0 {
		p.Eclear(defs.PORT_EVENT_CONNECTION)
	}
	p.mu.Unlock()
	return s, 0
}

// object type descriptor

func (p *Port_t) Objtype() string { return "port" }

// Close refuses future connects and hangs up queued ones.
func (p *Port_t) Close() {
	p.mu.Lock()
	p.closed = true
	pend := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, s := range pend {
		s.O.Unref()
	}
}

func (p *Port_t) Wait(w *obj.Waiter_t) defs.Err_t {
	return p.Ewait(w)
}

func (p *Port_t) Unwait(w *obj.Waiter_t) {
	p.Eunwait(w)
}
