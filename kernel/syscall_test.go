package kernel

import "bytes"
import "fmt"
import "testing"
import "time"

import "kiwi/defs"
import "kiwi/disk"
import "kiwi/fs"
import "kiwi/ktime"
import "kiwi/mem"
import "kiwi/obj"
import "kiwi/proc"
import "kiwi/sched"
import "kiwi/vm"

const rw = defs.RIGHT_READ | defs.RIGHT_WRITE

var tident = obj.Ident_t{Uid: 0, Gids: []defs.Gid_t{0}}

func mkkern(t *testing.T) (*Kernel_t, func()) {
	mem.Phys_init(2048)
	rootfs, err := fs.MkFs(fs.MkRamfs(), 0)
	if err != 0 {
		t.Fatalf("mkfs: %v", err)
	}
	ct, host := ktime.Mkhosttimers(0)
	k := Mkkernel(rootfs, sched.MkSched(1, nil),
		[]*ktime.Cputimers_t{ct})
	return k, host.Stop
}

func mkuser(t *testing.T, name string) *proc.Proc_t {
	p, err := proc.Mkproc(name, 2, tident)
	if err != 0 {
		t.Fatalf("mkproc: %v", err)
	}
	return p
}

func TestFileCalls(t *testing.T) {
	k, stop := mkkern(t)
	defer stop()
	p := mkuser(t, "init")
	defer p.Kill(0)

	hid, err := k.Sys_open(p, "/hello", rw, fs.O_CREAT)
	if err != 0 {
		t.Fatalf("open: %v", err)
	}
	if ty, terr := k.Sys_type(p, hid); terr != 0 || ty != "file" {
		t.Fatalf("type %q: %v", ty, terr)
	}
	msg := []uint8("hello, kernel")
	if n, werr := k.Sys_write(p, hid, msg); werr != 0 || n != len(msg) {
		t.Fatalf("write %d: %v", n, werr)
	}
	if off, serr := k.Sys_seek(p, hid, 0, fs.SEEK_SET); serr != 0 || off != 0 {
		t.Fatalf("seek %d: %v", off, serr)
	}
	got := make([]uint8, len(msg))
	if n, rerr := k.Sys_read(p, hid, got); rerr != 0 || n != len(msg) {
		t.Fatalf("read %d: %v", n, rerr)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("%q", got)
	}
	if err := k.Sys_close(p, hid); err != 0 {
		t.Fatalf("close: %v", err)
	}
	if err := k.Sys_close(p, hid); err != -defs.EBADF {
		t.Fatalf("double close: %v", err)
	}
	if _, err := k.Sys_read(p, hid, got); err != -defs.EBADF {
		t.Fatalf("read closed handle: %v", err)
	}
}

func TestRightsOnHandles(t *testing.T) {
	k, stop := mkkern(t)
	defer stop()
	p := mkuser(t, "init")
	defer p.Kill(0)

	hid, err := k.Sys_open(p, "/ro", defs.RIGHT_READ, fs.O_CREAT)
	if err != 0 {
		t.Fatalf("open: %v", err)
	}
	if _, werr := k.Sys_write(p, hid, []uint8("x")); werr != -defs.EACCES {
		t.Fatalf("write through read handle: %v", werr)
	}
	// dup narrows only
	if _, derr := k.Sys_dup(p, hid, rw); derr != -defs.EACCES {
		t.Fatalf("widening dup: %v", derr)
	}
	nhid, derr := k.Sys_dup(p, hid, defs.RIGHT_READ)
	if derr != 0 {
		t.Fatalf("dup: %v", derr)
	}
	if _, rerr := k.Sys_read(p, nhid, make([]uint8, 1)); rerr != 0 {
		t.Fatalf("read through dup: %v", rerr)
	}
}

func TestPathCalls(t *testing.T) {
	k, stop := mkkern(t)
	defer stop()
	p := mkuser(t, "init")
	defer p.Kill(0)

	if err := k.Sys_create_dir(p, "/etc"); err != 0 {
		t.Fatalf("mkdir: %v", err)
	}
	hid, err := k.Sys_open(p, "/etc/passwd", rw, fs.O_CREAT)
	if err != 0 {
		t.Fatalf("open: %v", err)
	}
	k.Sys_write(p, hid, []uint8("root"))
	if pth, perr := k.Sys_path(p, hid); perr != 0 || pth != "/etc/passwd" {
		t.Fatalf("path %q: %v", pth, perr)
	}
	k.Sys_close(p, hid)

	info, ierr := k.Sys_info(p, "/etc/passwd", true)
	if ierr != 0 || info.Size != 4 {
		t.Fatalf("info: %v %d", ierr, info.Size)
	}
	if err := k.Sys_link(p, "/etc/passwd", "/etc/pw"); err != 0 {
		t.Fatalf("link: %v", err)
	}
	if err := k.Sys_rename(p, "/etc/pw", "/pw"); err != 0 {
		t.Fatalf("rename: %v", err)
	}
	if err := k.Sys_unlink(p, "/pw"); err != 0 {
		t.Fatalf("unlink: %v", err)
	}
	if err := k.Sys_create_symlink(p, "/etc/passwd", "/l"); err != 0 {
		t.Fatalf("symlink: %v", err)
	}
	if tgt, rerr := k.Sys_read_symlink(p, "/l"); rerr != 0 || tgt != "/etc/passwd" {
		t.Fatalf("readlink %q: %v", tgt, rerr)
	}
	if err := k.Sys_sync(p); err != 0 {
		t.Fatalf("sync: %v", err)
	}

	// directory listing through a handle
	dh, derr := k.Sys_open(p, "/etc", defs.RIGHT_READ, fs.O_DIRECTORY)
	if derr != 0 {
		t.Fatalf("opendir: %v", derr)
	}
	var names []string
	for {
		de, err := k.Sys_read_dir(p, dh)
		if err == -defs.ENOENT {
			break
		}
		if err != 0 {
			t.Fatalf("read_dir: %v", err)
		}
		names = append(names, de.Name)
	}
	if len(names) != 1 || names[0] != "passwd" {
		t.Fatalf("entries %v", names)
	}
}

func TestMmapCalls(t *testing.T) {
	k, stop := mkkern(t)
	defer stop()
	p := mkuser(t, "init")
	defer p.Kill(0)

	// anonymous mapping
	va, err := k.Sys_mmap(p, defs.IdNone, 0, uintptr(2*mem.PGSIZE), 0,
		vm.VM_READ|vm.VM_WRITE)
	if err != 0 {
		t.Fatalf("anon mmap: %v", err)
	}
	if werr := p.Aspace.Write(va, []uint8{1, 2, 3}); werr != 0 {
		t.Fatalf("write: %v", werr)
	}
	if err := k.Sys_mprotect(p, va, uintptr(2*mem.PGSIZE), vm.VM_READ); err != 0 {
		t.Fatalf("mprotect: %v", err)
	}
	if werr := p.Aspace.Write(va, []uint8{9}); werr != -defs.EFAULT {
		t.Fatalf("write after mprotect: %v", werr)
	}
	if err := k.Sys_munmap(p, va, uintptr(2*mem.PGSIZE)); err != 0 {
		t.Fatalf("munmap: %v", err)
	}
	if _, rerr := p.Aspace.Read(va, 1); rerr != -defs.EFAULT {
		t.Fatalf("read after munmap: %v", rerr)
	}

	// a file mapping sees the file bytes
	hid, oerr := k.Sys_open(p, "/data", rw, fs.O_CREAT)
	if oerr != 0 {
		t.Fatalf("open: %v", oerr)
	}
	k.Sys_write(p, hid, []uint8("mapped bytes"))
	va, err = k.Sys_mmap(p, hid, 0, uintptr(mem.PGSIZE), 0,
		vm.VM_READ|vm.VM_PRIVATE)
	if err != 0 {
		t.Fatalf("file mmap: %v", err)
	}
	b, rerr := p.Aspace.Read(va, 6)
	if rerr != 0 || string(b) != "mapped" {
		t.Fatalf("mapped read %q: %v", b, rerr)
	}

	// shared writable mappings need a writable handle
	ro, _ := k.Sys_dup(p, hid, defs.RIGHT_READ)
	if _, err := k.Sys_mmap(p, ro, 0, uintptr(mem.PGSIZE), 0,
		vm.VM_READ|vm.VM_WRITE); err != -defs.EACCES {
		t.Fatalf("shared write map on read handle: %v", err)
	}
}

func TestProcCalls(t *testing.T) {
	k, stop := mkkern(t)
	defer stop()
	p := mkuser(t, "init")
	defer p.Kill(0)

	if k.Sys_getpid(p) != p.Pid {
		t.Fatalf("getpid")
	}
	chid, err := k.Sys_proc_create(p, "child", 1)
	if err != 0 {
		t.Fatalf("proc_create: %v", err)
	}
	dead, _, serr := k.Sys_proc_status(p, chid)
	if serr != 0 || dead {
		t.Fatalf("status: %v dead %v", serr, dead)
	}

	// the child's only thread exits; the parent's wait sees the death
	h, gerr := p.Handles.Get(chid)
	if gerr != 0 {
		t.Fatalf("get: %v", gerr)
	}
	child := h.Obj.Ops.(*proc.Proc_t)
	p.Handles.Put(h)
	ct, terr := child.Mkthread("main", 1)
	if terr != 0 {
		t.Fatalf("mkthread: %v", terr)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		k.Sys_exit(child, ct, 42)
	}()
	res, werr := k.Sys_wait(p, chid, defs.PROCESS_EVENT_DEATH,
		time.Second, nil)
	if werr != 0 || res.Event != defs.PROCESS_EVENT_DEATH {
		t.Fatalf("wait: %v %v", werr, res.Event)
	}
	dead, status, serr := k.Sys_proc_status(p, chid)
	if serr != 0 || !dead || status != 42 {
		t.Fatalf("status: %v %v %d", serr, dead, status)
	}
	fmt.Printf("Pass TestProcCalls\n")
}

func TestConnCalls(t *testing.T) {
	k, stop := mkkern(t)
	defer stop()
	srv := mkuser(t, "server")
	defer srv.Kill(0)
	cl := mkuser(t, "client")
	defer cl.Kill(0)

	// the server's port travels to the client as an object payload,
	// here installed by hand
	phid, err := k.Sys_port_create(srv)
	if err != 0 {
		t.Fatalf("port_create: %v", err)
	}
	ph, _ := srv.Handles.Get(phid)
	ph.Obj.Ref()
	clport, aerr := cl.Handles.Alloc(ph.Obj, rw)
	srv.Handles.Put(ph)
	if aerr != 0 {
		t.Fatalf("alloc: %v", aerr)
	}

	chid, cerr := k.Sys_conn_open(cl, clport)
	if cerr != 0 {
		t.Fatalf("conn_open: %v", cerr)
	}
	shid, lerr := k.Sys_port_listen(srv, phid)
	if lerr != 0 {
		t.Fatalf("port_listen: %v", lerr)
	}
	if _, lerr := k.Sys_port_listen(srv, phid); lerr != -defs.EAGAIN {
		t.Fatalf("empty listen: %v", lerr)
	}

	// a file handle rides the message to the server
	fhid, oerr := k.Sys_open(cl, "/shared", rw, fs.O_CREAT)
	if oerr != 0 {
		t.Fatalf("open: %v", oerr)
	}
	k.Sys_write(cl, fhid, []uint8("payload"))
	if serr := k.Sys_conn_send(cl, chid, []uint8("take this"),
		[]int{fhid}); serr != 0 {
		t.Fatalf("conn_send: %v", serr)
	}
	data, hids, rerr := k.Sys_conn_receive(srv, shid)
	if rerr != 0 || string(data) != "take this" || len(hids) != 1 {
		t.Fatalf("conn_receive: %v %q %v", rerr, data, hids)
	}
	if n, serr := k.Sys_seek(srv, hids[0], 0, fs.SEEK_SET); serr != 0 || n != 0 {
		t.Fatalf("seek payload: %v", serr)
	}
	got := make([]uint8, 7)
	if _, rerr := k.Sys_read(srv, hids[0], got); rerr != 0 {
		t.Fatalf("read payload: %v", rerr)
	}
	if string(got) != "payload" {
		t.Fatalf("%q", got)
	}
	if _, _, rerr := k.Sys_conn_receive(srv, shid); rerr != -defs.EAGAIN {
		t.Fatalf("empty receive: %v", rerr)
	}

	// the server answers the received message
	if rerr := k.Sys_conn_reply(srv, shid, []uint8("got it"), nil); rerr != 0 {
		t.Fatalf("conn_reply: %v", rerr)
	}
	rep, _, rerr := k.Sys_conn_receive(cl, chid)
	if rerr != 0 || string(rep) != "got it" {
		t.Fatalf("reply receive: %v %q", rerr, rep)
	}
	// replies do not stack
	if rerr := k.Sys_conn_reply(srv, shid, []uint8("again"), nil); rerr != -defs.EINVAL {
		t.Fatalf("reply without message: %v", rerr)
	}
}

func TestDevCalls(t *testing.T) {
	k, stop := mkkern(t)
	defer stop()
	p := mkuser(t, "init")
	defer p.Kill(0)

	d, derr := disk.Mkdisk("sys0", disk.Mkmemdisk(512, 4))
	if derr != 0 {
		t.Fatalf("mkdisk: %v", derr)
	}
	id := defs.Mkdev(3, 0)
	if err := fs.Register_dev(id, &fs.Diskdev_t{D: d}); err != 0 {
		t.Fatalf("register: %v", err)
	}
	if err := k.Sys_create_dev(p, "/dev/sd0", id); err != -defs.ENOENT {
		t.Fatalf("mknod under missing dir: %v", err)
	}
	k.Sys_create_dir(p, "/dev")
	if err := k.Sys_create_dev(p, "/dev/sd0", id); err != 0 {
		t.Fatalf("mknod: %v", err)
	}

	hid, oerr := k.Sys_open(p, "/dev/sd0", rw, 0)
	if oerr != 0 {
		t.Fatalf("open: %v", oerr)
	}
	if n, werr := k.Sys_write(p, hid, []uint8("raw")); werr != 0 || n != 3 {
		t.Fatalf("dev write %d: %v", n, werr)
	}
	k.Sys_seek(p, hid, 0, fs.SEEK_SET)
	got := make([]uint8, 3)
	if n, rerr := k.Sys_read(p, hid, got); rerr != 0 || n != 3 || string(got) != "raw" {
		t.Fatalf("dev read %q %d: %v", got, n, rerr)
	}
	if v, qerr := k.Sys_dev_request(p, hid, fs.DEV_REQ_BLOCKS, 0); qerr != 0 || v != 4 {
		t.Fatalf("dev_request %d: %v", v, qerr)
	}

	// control ops need a writable device handle
	ro, _ := k.Sys_dup(p, hid, defs.RIGHT_READ)
	if _, qerr := k.Sys_dev_request(p, ro, fs.DEV_REQ_BLOCKS, 0); qerr != -defs.EACCES {
		t.Fatalf("request via read handle: %v", qerr)
	}
	fmt.Printf("Pass TestDevCalls\n")
}

func TestTimerCalls(t *testing.T) {
	k, stop := mkkern(t)
	defer stop()
	p := mkuser(t, "init")
	defer p.Kill(0)

	if _, err := k.Sys_timer_create(p, 5); err != -defs.EINVAL {
		t.Fatalf("bad cpu: %v", err)
	}
	hid, err := k.Sys_timer_create(p, 0)
	if err != 0 {
		t.Fatalf("timer_create: %v", err)
	}
	begin := time.Now()
	if err := k.Sys_timer_start(p, hid, int64(50*time.Millisecond), 0); err != 0 {
		t.Fatalf("timer_start: %v", err)
	}
	res, werr := k.Sys_wait(p, hid, defs.TIMER_EVENT, time.Second, nil)
	if werr != 0 || res.Event != defs.TIMER_EVENT {
		t.Fatalf("wait: %v", werr)
	}
	if time.Since(begin) < 40*time.Millisecond {
		t.Fatalf("fired early")
	}
	if err := k.Sys_timer_stop(p, hid); err != 0 {
		t.Fatalf("timer_stop: %v", err)
	}
	if st := k.Sys_system_time(); st <= 0 {
		t.Fatalf("system time %d", st)
	}
}

func TestReadstr(t *testing.T) {
	k, stop := mkkern(t)
	defer stop()
	_ = k
	p := mkuser(t, "init")
	defer p.Kill(0)

	va, err := p.Aspace.Map(vm.Mkanon(2, nil, 0), 0,
		uintptr(2*mem.PGSIZE), 0, vm.VM_READ|vm.VM_WRITE)
	if err != 0 {
		t.Fatalf("map: %v", err)
	}
	p.Aspace.Write(va, append([]uint8("/etc/passwd"), 0))
	s, rerr := readstr(p, va)
	if rerr != 0 || s != "/etc/passwd" {
		t.Fatalf("readstr %q: %v", s, rerr)
	}

	// no terminator anywhere in range
	long := make([]uint8, 2*mem.PGSIZE)
	for i := range long {
		long[i] = 'a'
	}
	p.Aspace.Write(va, long)
	if _, rerr := readstr(p, va); rerr != -defs.ENAMETOOLONG {
		t.Fatalf("unterminated: %v", rerr)
	}
}
