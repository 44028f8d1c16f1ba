package obj

import "fmt"
import "sync/atomic"
import "testing"
import "time"

import "kiwi/defs"

// minimal waitable object for the tests
type tobj_t struct {
	Eventsrc_t
	O      *Object_t
	closed int32
}

func mktobj(owner defs.Uid_t) *tobj_t {
	to := &tobj_t{}
	to.O = Mkobj(to, owner, 0)
	return to
}

func (to *tobj_t) Objtype() string { return "test" }

func (to *tobj_t) Close() {
	atomic.AddInt32(&to.closed, 1)
}

func (to *tobj_t) Wait(w *Waiter_t) defs.Err_t {
	return to.Ewait(w)
}

func (to *tobj_t) Unwait(w *Waiter_t) {
	to.Eunwait(w)
}

func TestRefcount(t *testing.T) {
	to := mktobj(1)
	to.O.Ref()
	to.O.Unref()
	if atomic.LoadInt32(&to.closed) != 0 {
		t.Fatalf("closed with references out")
	}
	to.O.Unref()
	if atomic.LoadInt32(&to.closed) != 1 {
		t.Fatalf("last unref did not close")
	}
}

func TestHandleTable(t *testing.T) {
	ht := Mktable()
	to := mktobj(1)
	hid, err := ht.Alloc(to.O, defs.RIGHT_READ|defs.RIGHT_WRITE)
	if err != 0 {
		t.Fatalf("alloc: %d", err)
	}

	h, err := ht.Get(hid)
	if err != 0 {
		t.Fatalf("get: %d", err)
	}
	if h.Obj != to.O || h.Rights != defs.RIGHT_READ|defs.RIGHT_WRITE {
		t.Fatalf("wrong handle")
	}
	ht.Put(h)

	if _, err := ht.Get(hid + 100); err != -defs.EBADF {
		t.Fatalf("get of bogus id: %d", err)
	}
	if err := ht.Close(hid); err != 0 {
		t.Fatalf("close: %d", err)
	}
	if atomic.LoadInt32(&to.closed) != 1 {
		t.Fatalf("close did not drop the table's ref")
	}
	if _, err := ht.Get(hid); err != -defs.EBADF {
		t.Fatalf("get after close: %d", err)
	}
}

func TestHandleIds(t *testing.T) {
	ht := Mktable()
	var ids []int
	for i := 0; i < 10; i++ {
		to := mktobj(1)
		hid, err := ht.Alloc(to.O, defs.RIGHT_READ)
		if err != 0 {
			t.Fatalf("alloc: %d", err)
		}
		ids = append(ids, hid)
	}
	// lowest free id is reused
	ht.Close(ids[3])
	to := mktobj(1)
	hid, _ := ht.Alloc(to.O, defs.RIGHT_READ)
	if hid != ids[3] {
		t.Fatalf("got %d, want %d", hid, ids[3])
	}
	if ht.Len() != 10 {
		t.Fatalf("len %d", ht.Len())
	}
}

func TestHandleRights(t *testing.T) {
	ht := Mktable()
	to := mktobj(1)
	hid, _ := ht.Alloc(to.O, defs.RIGHT_READ)

	if _, err := ht.Getr(hid, defs.RIGHT_WRITE); err != -defs.EACCES {
		t.Fatalf("write via read-only handle: %d", err)
	}
	h, err := ht.Getr(hid, defs.RIGHT_READ)
	if err != 0 {
		t.Fatalf("getr: %d", err)
	}
	ht.Put(h)

	// dup may only narrow
	if _, err := ht.Dup(hid, defs.RIGHT_READ|defs.RIGHT_WRITE); err != -defs.EACCES {
		t.Fatalf("widening dup: %d", err)
	}
	nhid, err := ht.Dup(hid, defs.RIGHT_READ)
	if err != 0 {
		t.Fatalf("dup: %d", err)
	}
	if nhid == hid {
		t.Fatalf("dup returned same id")
	}
	// one reference per handle
	if to.O.Refcnt() != 2 {
		t.Fatalf("refcnt %d", to.O.Refcnt())
	}
}

func TestTableDestroy(t *testing.T) {
	ht := Mktable()
	var tos []*tobj_t
	for i := 0; i < 5; i++ {
		to := mktobj(1)
		ht.Alloc(to.O, defs.RIGHT_READ)
		tos = append(tos, to)
	}
	ht.Destroy()
	for i, to := range tos {
		if atomic.LoadInt32(&to.closed) != 1 {
			t.Fatalf("object %d survived destroy", i)
		}
	}
	to := mktobj(1)
	if _, err := ht.Alloc(to.O, defs.RIGHT_READ); err == 0 {
		t.Fatalf("alloc on destroyed table")
	}
}

//
// ACLs
//

func TestRightsNoAcl(t *testing.T) {
	to := mktobj(7)
	owner := &Ident_t{Uid: 7}
	other := &Ident_t{Uid: 8}
	if to.O.Rights(owner)&defs.RIGHT_OWNER == 0 {
		t.Fatalf("owner has no rights")
	}
	if to.O.Rights(other) != 0 {
		t.Fatalf("stranger has rights")
	}
}

func TestUaclExclusive(t *testing.T) {
	to := mktobj(7)
	owner := &Ident_t{Uid: 7}
	err := to.O.Set_acl(owner, false, Acl_t{
		{Type: ACL_USER, Value: 8, Rights: defs.RIGHT_READ},
		{Type: ACL_GROUP, Value: 5, Rights: defs.RIGHT_WRITE},
		{Type: ACL_OTHERS, Value: 0, Rights: defs.RIGHT_EXECUTE},
	})
	if err != 0 {
		t.Fatalf("set_acl: %d", err)
	}

	// a matching user entry hides group and others entries
	both := &Ident_t{Uid: 8, Gids: []defs.Gid_t{5}}
	if r := to.O.Rights(both); r != defs.RIGHT_READ {
		t.Fatalf("user match rights %#x", r)
	}
	ingrp := &Ident_t{Uid: 9, Gids: []defs.Gid_t{5}}
	if r := to.O.Rights(ingrp); r != defs.RIGHT_WRITE {
		t.Fatalf("group match rights %#x", r)
	}
	stranger := &Ident_t{Uid: 10}
	if r := to.O.Rights(stranger); r != defs.RIGHT_EXECUTE {
		t.Fatalf("others rights %#x", r)
	}
}

func TestSaclAccumulates(t *testing.T) {
	to := mktobj(7)
	owner := &Ident_t{Uid: 7}
	err := to.O.Set_acl(owner, true, Acl_t{
		{Type: ACL_USER, Value: 8, Rights: defs.RIGHT_READ},
		{Type: ACL_GROUP, Value: 5, Rights: defs.RIGHT_WRITE},
		{Type: ACL_SESSION, Value: 42, Rights: defs.RIGHT_EXECUTE},
	})
	if err != 0 {
		t.Fatalf("set_acl: %d", err)
	}
	id := &Ident_t{Uid: 8, Gids: []defs.Gid_t{5}, Session: 42}
	want := defs.RIGHT_READ | defs.RIGHT_WRITE | defs.RIGHT_EXECUTE
	if r := to.O.Rights(id); r != want {
		t.Fatalf("rights %#x, want %#x", r, want)
	}
}

func TestAclOwnerValue(t *testing.T) {
	to := mktobj(7)
	owner := &Ident_t{Uid: 7}
	// -1 binds to the owning user at check time
	to.O.Set_acl(owner, false, Acl_t{
		{Type: ACL_USER, Value: -1, Rights: defs.RIGHT_READ},
	})
	if r := to.O.Rights(owner); r != defs.RIGHT_READ {
		t.Fatalf("owner rights %#x", r)
	}
	to.O.Owner = 9
	if r := to.O.Rights(&Ident_t{Uid: 9}); r != defs.RIGHT_READ {
		t.Fatalf("new owner rights %#x", r)
	}
}

func TestAclDenied(t *testing.T) {
	to := mktobj(7)
	stranger := &Ident_t{Uid: 8}
	err := to.O.Set_acl(stranger, false, Acl_t{
		{Type: ACL_OTHERS, Value: 0, Rights: defs.RIGHT_OWNER},
	})
	if err != -defs.EACCES {
		t.Fatalf("stranger changed acl: %d", err)
	}
}

func TestAclCanonical(t *testing.T) {
	a := Acl_t{
		{Type: ACL_USER, Value: 3, Rights: defs.RIGHT_READ},
		{Type: ACL_USER, Value: 3, Rights: defs.RIGHT_WRITE},
		{Type: ACL_OTHERS, Value: 5, Rights: defs.RIGHT_READ}, // invalid
		{Type: acl_ntypes, Value: 0, Rights: defs.RIGHT_READ}, // invalid
	}
	c := a.Canonical()
	if len(c) != 1 {
		t.Fatalf("canonical kept %d entries", len(c))
	}
	if c[0].Rights != defs.RIGHT_READ|defs.RIGHT_WRITE {
		t.Fatalf("rights not merged: %#x", c[0].Rights)
	}
}

//
// multi-wait
//

func TestWaitTimeout(t *testing.T) {
	ht := Mktable()
	to := mktobj(1)
	hid, _ := ht.Alloc(to.O, defs.RIGHT_READ)

	start := time.Now()
	_, err := Wait_one(ht, hid, 1, 50*time.Millisecond, nil)
	if err != -defs.ETIMEDOUT {
		t.Fatalf("wait: %d", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("timeout fired early")
	}
	// the failed wait left nothing registered
	to.Lock()
	nw := len(to.waiters)
	to.Unlock()
	if nw != 0 {
		t.Fatalf("%d stale waiters", nw)
	}
}

func TestWaitSignal(t *testing.T) {
	ht := Mktable()
	to := mktobj(1)
	hid, _ := ht.Alloc(to.O, defs.RIGHT_READ)

	go func() {
		time.Sleep(20 * time.Millisecond)
		to.Esignal(1)
	}()
	res, err := Wait_one(ht, hid, 1, 5*time.Second, nil)
	if err != 0 {
		t.Fatalf("wait: %d", err)
	}
	if res.Idx != 0 || res.Event != 1 {
		t.Fatalf("res %+v", res)
	}
}

func TestWaitPending(t *testing.T) {
	ht := Mktable()
	to := mktobj(1)
	hid, _ := ht.Alloc(to.O, defs.RIGHT_READ)

	// event fired before the wait started
	to.Esignal(1)
	start := time.Now()
	_, err := Wait_one(ht, hid, 1, 5*time.Second, nil)
	if err != 0 {
		t.Fatalf("wait: %d", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("pending event blocked")
	}
}

func TestWaitMultiple(t *testing.T) {
	ht := Mktable()
	a := mktobj(1)
	b := mktobj(1)
	ahid, _ := ht.Alloc(a.O, defs.RIGHT_READ)
	bhid, _ := ht.Alloc(b.O, defs.RIGHT_READ)

	reqs := []Waitreq_t{
		{Hid: ahid, Event: 1, Udata: 100},
		{Hid: bhid, Event: 1, Udata: 200},
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Esignal(1)
	}()
	res, err := Wait_multiple(ht, reqs, 5*time.Second, nil)
	if err != 0 {
		t.Fatalf("wait: %d", err)
	}
	if res.Idx != 1 || res.Udata != 200 {
		t.Fatalf("res %+v", res)
	}
	fmt.Printf("Pass TestWaitMultiple\n")
}

func TestWaitHoldsRef(t *testing.T) {
	ht := Mktable()
	to := mktobj(1)
	hid, _ := ht.Alloc(to.O, defs.RIGHT_READ)

	done := make(chan bool)
	go func() {
		_, err := Wait_one(ht, hid, 1, 5*time.Second, nil)
		if err != 0 {
			t.Errorf("wait: %d", err)
		}
		done <- true
	}()
	time.Sleep(20 * time.Millisecond)
	// closing the handle must not free the object under the wait
	ht.Close(hid)
	if atomic.LoadInt32(&to.closed) != 0 {
		t.Fatalf("object freed under wait")
	}
	to.Esignal(1)
	<-done
	if atomic.LoadInt32(&to.closed) != 1 {
		t.Fatalf("object leaked after wait")
	}
}

func TestWaitInterrupt(t *testing.T) {
	ht := Mktable()
	to := mktobj(1)
	hid, _ := ht.Alloc(to.O, defs.RIGHT_READ)

	intr := make(chan bool, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		intr <- true
	}()
	_, err := Wait_one(ht, hid, 1, 5*time.Second, intr)
	if err != -defs.EINTR {
		t.Fatalf("wait: %d", err)
	}
}
