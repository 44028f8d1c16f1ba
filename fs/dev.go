package fs

import "sync"

import "kiwi/defs"
import "kiwi/disk"
import "kiwi/vm"

// Dev_i is a device reachable through an FT_DEV node: byte I/O plus a
// control op for everything byte streams cannot express.
type Dev_i interface {
	Io(req *vm.Io_req_t) (int, defs.Err_t)
	Request(op int, arg int64) (int64, defs.Err_t)
}

var devlk sync.Mutex
var devs = make(map[defs.Devid_t]Dev_i)

// Register_dev binds dev to id; opens of FT_DEV nodes carrying id
// dispatch to it. An id can be bound once.
func Register_dev(id defs.Devid_t, dev Dev_i) defs.Err_t {
	devlk.Lock()
	defer devlk.Unlock()
	if _, ok := devs[id]; ok {
		return -defs.EEXIST
	}
	devs[id] = dev
	return 0
}

func lookupdev(id defs.Devid_t) (Dev_i, defs.Err_t) {
	devlk.Lock()
	d, ok := devs[id]
	devlk.Unlock()
	if !ok {
		return nil, -defs.ENODEV
	}
	return d, 0
}

// Device control ops.
const (
	DEV_REQ_BLKSIZE = 1
	DEV_REQ_BLOCKS  = 2
)

// Diskdev_t exposes a published disk (or partition) as a device node
// target: reads and writes are the disk's byte-granular I/O and the
// control ops report block geometry.
type Diskdev_t struct {
	D *disk.Disk_t
}

func (dd *Diskdev_t) Io(req *vm.Io_req_t) (int, defs.Err_t) {
	if req.Write {
		return dd.D.Write(req.Buf, req.Offset)
	}
	return dd.D.Read(req.Buf, req.Offset)
}

func (dd *Diskdev_t) Request(op int, arg int64) (int64, defs.Err_t) {
	switch op {
	case DEV_REQ_BLKSIZE:
		return int64(dd.D.Block_size()), 0
	case DEV_REQ_BLOCKS:
		return dd.D.Blocks(), 0
	}
	return 0, -defs.EINVAL
}
