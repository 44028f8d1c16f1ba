package svcmgr

import "kiwi/defs"
import "kiwi/ipc"
import "kiwi/obj"
import "kiwi/proc"
import "kiwi/util"

// Wire opcodes, first byte of a request.
const (
	MSG_CONNECT       = 1
	MSG_REGISTER_PORT = 2
	MSG_GET_PROCESS   = 3
)

// Serve accepts connections on the manager port and answers requests
// until the port dies. Runs as the manager's main loop.
func (m *Mgr_t) Serve() {
	ht := obj.Mktable()
	defer ht.Destroy()
	m.Port.O.Ref()
	hid, err := ht.Alloc(m.Port.O, defs.RIGHT_READ)
	if err != 0 {
		m.Port.O.Unref()
		return
	}
	for {
		if _, werr := obj.Wait_one(ht, hid,
			defs.PORT_EVENT_CONNECTION, 0, nil); werr != 0 {
			return
		}
		for {
			ep, aerr := m.Port.Accept()
			if aerr != 0 {
				break
			}
			go m.serveconn(ep)
		}
	}
}

// serveconn answers one client until hangup.
func (m *Mgr_t) serveconn(ep *ipc.Endpoint_t) {
	defer ep.O.Unref()
	ht := obj.Mktable()
	defer ht.Destroy()
	ep.O.Ref()
	hid, err := ht.Alloc(ep.O, defs.RIGHT_READ)
	if err != 0 {
		ep.O.Unref()
		return
	}
	ev := uint(defs.CONNECTION_EVENT_MESSAGE | defs.CONNECTION_EVENT_HANGUP)
	for {
		res, werr := obj.Wait_one(ht, hid, ev, 0, nil)
		if werr != 0 {
			return
		}
		if res.Event&defs.CONNECTION_EVENT_HANGUP != 0 {
			return
		}
		for {
			msg, rerr := ep.Recv()
			if rerr == -defs.EPIPE {
				return
			}
			if rerr != 0 {
				break
			}
			m.dispatch(ep, msg)
		}
	}
}

func mkstatus(err defs.Err_t, objs []*obj.Object_t) *ipc.Msg_t {
	d := make([]uint8, 4)
	util.Writen(d, 4, 0, int(err))
	return &ipc.Msg_t{Data: d, Objs: objs}
}

func (m *Mgr_t) dispatch(ep *ipc.Endpoint_t, msg *ipc.Msg_t) {
	if len(msg.Data) < 1 {
		ep.Send(mkstatus(-defs.EINVAL, nil))
		return
	}
	op := msg.Data[0]
	name := string(msg.Data[1:])
	switch op {
	case MSG_CONNECT:
		m.Connect(name, func(err defs.Err_t, port *ipc.Port_t) {
			if err != 0 {
				ep.Send(mkstatus(err, nil))
				return
			}
			// the queued reference transfers to the reply
			if serr := ep.Send(mkstatus(0,
				[]*obj.Object_t{port.O})); serr != 0 {
				port.O.Unref()
			}
		})
	case MSG_REGISTER_PORT:
		// the port object and the registering process ride along
		if len(msg.Objs) < 2 {
			ep.Send(mkstatus(-defs.EINVAL, nil))
			return
		}
		port, pok := objport(msg.Objs[0])
		p, prok := objproc(msg.Objs[1])
		if !pok || !prok {
			ep.Send(mkstatus(-defs.EINVAL, nil))
		} else {
			ep.Send(mkstatus(m.Register_port(p, port), nil))
		}
		for _, o := range msg.Objs {
			o.Unref()
		}
	case MSG_GET_PROCESS:
		p, err := m.Get_process(name)
		if err != 0 {
			ep.Send(mkstatus(err, nil))
			return
		}
		if serr := ep.Send(mkstatus(0,
			[]*obj.Object_t{p.O})); serr != 0 {
			p.O.Unref()
		}
	default:
		ep.Send(mkstatus(-defs.ENOSYS, nil))
	}
}

func objport(o *obj.Object_t) (*ipc.Port_t, bool) {
	p, ok := o.Ops.(*ipc.Port_t)
	return p, ok
}

func objproc(o *obj.Object_t) (*proc.Proc_t, bool) {
	p, ok := o.Ops.(*proc.Proc_t)
	return p, ok
}
