package ipc

import "sync/atomic"
import "testing"
import "time"

import "kiwi/defs"
import "kiwi/limits"
import "kiwi/obj"

const rw = defs.RIGHT_READ | defs.RIGHT_WRITE

// tpay_t is a dummy payload object.
type tpay_t struct {
	obj.Eventsrc_t
	O      *obj.Object_t
	closed int32
}

func (p *tpay_t) Objtype() string { return "tpay" }

func (p *tpay_t) Close() {
	atomic.AddInt32(&p.closed, 1)
}

func (p *tpay_t) Wait(w *obj.Waiter_t) defs.Err_t { return p.Ewait(w) }

func (p *tpay_t) Unwait(w *obj.Waiter_t) { p.Eunwait(w) }

func mkpay() *tpay_t {
	p := &tpay_t{}
	p.O = obj.Mkobj(p, 0, 0)
	return p
}

func TestSendRecv(t *testing.T) {
	a, b := Mkpair(0, 0)
	defer a.O.Unref()
	defer b.O.Unref()

	for i := 0; i < 3; i++ {
		m := &Msg_t{Data: []uint8{uint8(i)}}
		if err := a.Send(m); err != 0 {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		m, err := b.Recv()
		if err != 0 {
			t.Fatalf("recv %d: %v", i, err)
		}
		if m.Data[0] != uint8(i) {
			t.Fatalf("out of order: %d at %d", m.Data[0], i)
		}
	}
	if _, err := b.Recv(); err != -defs.EAGAIN {
		t.Fatalf("empty recv: %v", err)
	}
}

func TestMsgsize(t *testing.T) {
	a, b := Mkpair(0, 0)
	defer a.O.Unref()
	defer b.O.Unref()
	m := &Msg_t{Data: make([]uint8, Maxmsg+1)}
	if err := a.Send(m); err != -defs.EMSGSIZE {
		t.Fatalf("oversized send: %v", err)
	}
	m.Data = m.Data[:Maxmsg]
	if err := a.Send(m); err != 0 {
		t.Fatalf("max send: %v", err)
	}
}

func TestReply(t *testing.T) {
	a, b := Mkpair(0, 0)
	defer a.O.Unref()
	defer b.O.Unref()

	// nothing received yet
	if err := b.Reply(&Msg_t{Data: []uint8{9}}); err != -defs.EINVAL {
		t.Fatalf("reply before recv: %v", err)
	}
	if err := a.Send(&Msg_t{Data: []uint8{1}}); err != 0 {
		t.Fatalf("send: %v", err)
	}
	if _, err := b.Recv(); err != 0 {
		t.Fatalf("recv: %v", err)
	}
	if err := b.Reply(&Msg_t{Data: []uint8{2}}); err != 0 {
		t.Fatalf("reply: %v", err)
	}
	m, err := a.Recv()
	if err != 0 || m.Data[0] != 2 {
		t.Fatalf("reply delivery: %v", err)
	}
	// one receive admits one reply
	if err := b.Reply(&Msg_t{Data: []uint8{3}}); err != -defs.EINVAL {
		t.Fatalf("double reply: %v", err)
	}
}

func TestReplyFullQueue(t *testing.T) {
	old := limits.Syslimit.Conmsgs
	defer func() {
		limits.Syslimit.Conmsgs = old
	}()
	limits.Syslimit.Conmsgs = 1

	a, b := Mkpair(0, 0)
	defer a.O.Unref()
	defer b.O.Unref()
	if err := a.Send(&Msg_t{Data: []uint8{1}}); err != 0 {
		t.Fatalf("send: %v", err)
	}
	if _, err := b.Recv(); err != 0 {
		t.Fatalf("recv: %v", err)
	}
	// fill a's queue so the reply cannot land
	if err := b.Send(&Msg_t{Data: []uint8{5}}); err != 0 {
		t.Fatalf("fill: %v", err)
	}
	if err := b.Reply(&Msg_t{Data: []uint8{2}}); err != -defs.EAGAIN {
		t.Fatalf("reply into full queue: %v", err)
	}
	// a failed reply is still owed
	if _, err := a.Recv(); err != 0 {
		t.Fatalf("drain: %v", err)
	}
	if err := b.Reply(&Msg_t{Data: []uint8{2}}); err != 0 {
		t.Fatalf("retried reply: %v", err)
	}
	m, err := a.Recv()
	if err != 0 || m.Data[0] != 2 {
		t.Fatalf("reply delivery: %v", err)
	}
}

func TestHangup(t *testing.T) {
	a, b := Mkpair(0, 0)
	defer b.O.Unref()
	if err := a.Send(&Msg_t{Data: []uint8{7}}); err != 0 {
		t.Fatalf("send: %v", err)
	}
	// closing drops the last reference and hangs up
	a.O.Unref()

	// queued data is still readable, then the hangup shows
	m, err := b.Recv()
	if err != 0 || m.Data[0] != 7 {
		t.Fatalf("drain: %v", err)
	}
	if _, err := b.Recv(); err != -defs.EPIPE {
		t.Fatalf("recv after hangup: %v", err)
	}
	if err := b.Send(&Msg_t{Data: []uint8{1}}); err != -defs.EPIPE {
		t.Fatalf("send to dead peer: %v", err)
	}
}

func TestQueueLimit(t *testing.T) {
	old := limits.Syslimit.Conmsgs
	limits.Syslimit.Conmsgs = 2
	defer func() {
		limits.Syslimit.Conmsgs = old
	}()

	a, b := Mkpair(0, 0)
	defer a.O.Unref()
	defer b.O.Unref()
	if err := a.Send(&Msg_t{}); err != 0 {
		t.Fatalf("send 1: %v", err)
	}
	if err := a.Send(&Msg_t{}); err != 0 {
		t.Fatalf("send 2: %v", err)
	}
	if err := a.Send(&Msg_t{}); err != -defs.EAGAIN {
		t.Fatalf("send over limit: %v", err)
	}
	// receiving gives the slot back
	if _, err := b.Recv(); err != 0 {
		t.Fatalf("recv: %v", err)
	}
	if err := a.Send(&Msg_t{}); err != 0 {
		t.Fatalf("send after drain: %v", err)
	}
}

func TestObjPayload(t *testing.T) {
	a, b := Mkpair(0, 0)
	defer a.O.Unref()
	defer b.O.Unref()

	pay := mkpay()
	if err := a.Send(&Msg_t{Data: []uint8{1}, Objs: []*obj.Object_t{pay.O}}); err != 0 {
		t.Fatalf("send: %v", err)
	}
	m, err := b.Recv()
	if err != 0 {
		t.Fatalf("recv: %v", err)
	}
	if len(m.Objs) != 1 || m.Objs[0] != pay.O {
		t.Fatalf("payload lost")
	}
	if atomic.LoadInt32(&pay.closed) != 0 {
		t.Fatalf("payload closed in flight")
	}
	m.Objs[0].Unref()
	if atomic.LoadInt32(&pay.closed) != 1 {
		t.Fatalf("payload leaked")
	}
}

func TestCloseDropsPayload(t *testing.T) {
	a, b := Mkpair(0, 0)
	defer a.O.Unref()

	pay := mkpay()
	if err := a.Send(&Msg_t{Objs: []*obj.Object_t{pay.O}}); err != 0 {
		t.Fatalf("send: %v", err)
	}
	// b dies with the message still queued
	b.O.Unref()
	if atomic.LoadInt32(&pay.closed) != 1 {
		t.Fatalf("unreceived payload leaked")
	}
}

func TestPortConnectAccept(t *testing.T) {
	p := Mkport(0, 0)
	defer p.O.Unref()

	if _, err := p.Accept(); err != -defs.EAGAIN {
		t.Fatalf("empty accept: %v", err)
	}
	client, err := p.Connect(0, 0)
	if err != 0 {
		t.Fatalf("connect: %v", err)
	}
	defer client.O.Unref()
	server, err := p.Accept()
	if err != 0 {
		t.Fatalf("accept: %v", err)
	}
	defer server.O.Unref()

	if err := client.Send(&Msg_t{Data: []uint8{42}}); err != 0 {
		t.Fatalf("send: %v", err)
	}
	m, err := server.Recv()
	if err != 0 || m.Data[0] != 42 {
		t.Fatalf("recv: %v", err)
	}
	if err := server.Send(&Msg_t{Data: []uint8{43}}); err != 0 {
		t.Fatalf("reply: %v", err)
	}
	m, err = client.Recv()
	if err != 0 || m.Data[0] != 43 {
		t.Fatalf("reply recv: %v", err)
	}
}

func TestPortClosed(t *testing.T) {
	p := Mkport(0, 0)
	client, err := p.Connect(0, 0)
	if err != 0 {
		t.Fatalf("connect: %v", err)
	}
	defer client.O.Unref()

	// closing the port hangs up the pending connection
	p.O.Unref()
	if _, err := client.Recv(); err != -defs.EPIPE {
		t.Fatalf("pending client after close: %v", err)
	}

	p2 := Mkport(0, 0)
	p2.Close()
	if _, err := p2.Connect(0, 0); err != -defs.ECONNREFUSED {
		t.Fatalf("connect to closed port: %v", err)
	}
	p2.O.Unref()
}

func TestPortBacklog(t *testing.T) {
	old := limits.Syslimit.Svcconns
	limits.Syslimit.Svcconns = 1
	defer func() {
		limits.Syslimit.Svcconns = old
	}()

	p := Mkport(0, 0)
	defer p.O.Unref()
	c1, err := p.Connect(0, 0)
	if err != 0 {
		t.Fatalf("connect: %v", err)
	}
	defer c1.O.Unref()
	if _, err := p.Connect(0, 0); err != -defs.EAGAIN {
		t.Fatalf("backlogged connect: %v", err)
	}
}

func TestWaitMessage(t *testing.T) {
	a, b := Mkpair(0, 0)
	defer a.O.Unref()

	ht := obj.Mktable()
	defer ht.Destroy()
	hid, err := ht.Alloc(b.O, rw)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		a.Send(&Msg_t{Data: []uint8{9}})
	}()
	res, err := obj.Wait_one(ht, hid, defs.CONNECTION_EVENT_MESSAGE,
		time.Second, nil)
	if err != 0 {
		t.Fatalf("wait: %v", err)
	}
	if res.Event != defs.CONNECTION_EVENT_MESSAGE {
		t.Fatalf("event %v", res.Event)
	}
	if m, err := b.Recv(); err != 0 || m.Data[0] != 9 {
		t.Fatalf("recv after wait: %v", err)
	}
}

func TestWaitHangup(t *testing.T) {
	a, b := Mkpair(0, 0)
	ht := obj.Mktable()
	defer ht.Destroy()
	hid, err := ht.Alloc(b.O, rw)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		a.O.Unref()
	}()
	res, err := obj.Wait_one(ht, hid, defs.CONNECTION_EVENT_HANGUP,
		time.Second, nil)
	if err != 0 {
		t.Fatalf("wait: %v", err)
	}
	if res.Event != defs.CONNECTION_EVENT_HANGUP {
		t.Fatalf("event %v", res.Event)
	}
}

func TestWaitConnection(t *testing.T) {
	p := Mkport(0, 0)
	ht := obj.Mktable()
	defer ht.Destroy()
	hid, err := ht.Alloc(p.O, rw)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}

	// a connect queued before the wait is not lost
	client, cerr := p.Connect(0, 0)
	if cerr != 0 {
		t.Fatalf("connect: %v", cerr)
	}
	defer client.O.Unref()
	res, err := obj.Wait_one(ht, hid, defs.PORT_EVENT_CONNECTION,
		time.Second, nil)
	if err != 0 {
		t.Fatalf("wait: %v", err)
	}
	if res.Event != defs.PORT_EVENT_CONNECTION {
		t.Fatalf("event %v", res.Event)
	}
	server, aerr := p.Accept()
	if aerr != 0 {
		t.Fatalf("accept after wait: %v", aerr)
	}
	server.O.Unref()
}
