// Package disk layers byte-granular I/O over block devices and scans
// new disks for partition tables, publishing each partition as a child
// device that delegates to its parent at an LBA offset.
package disk

import "fmt"
import "sync"

import "kiwi/defs"
import "kiwi/util"

const disk_debug = false

// Blockdev_i is the driver side: whole-block transfers only.
type Blockdev_i interface {
	Bread(lba int64, nblocks int, dst []uint8) defs.Err_t
	Bwrite(lba int64, nblocks int, src []uint8) defs.Err_t
	Block_size() int
	Blocks() int64
}

// Disk_t is a published disk device: a block device plus byte-granular
// read/write, possibly a partition of a parent disk.
type Disk_t struct {
	sync.Mutex
	Name string
	bdev Blockdev_i
	// partition children, if any
	parts []*Disk_t
	fs    interface{}
}

// Mkdisk publishes bdev and runs the partition probes; each published
// partition (or the raw disk when no table is found) is offered to the
// filesystem probes.
func Mkdisk(name string, bdev Blockdev_i) (*Disk_t, defs.Err_t) {
	d := &Disk_t{Name: name, bdev: bdev}
	found := false
	for _, p := range partprobes {
		ok, err := p(d)
		if err != 0 {
			return nil, err
		}
		if ok {
			found = true
			break
		}
	}
	if found {
		for _, c := range d.parts {
			fsprobe(c)
		}
	} else {
		fsprobe(d)
	}
	return d, 0
}

// Partitions returns the children published by the table scan.
func (d *Disk_t) Partitions() []*Disk_t {
	d.Lock()
	defer d.Unlock()
	return d.parts
}

// Fs returns what the filesystem probe attached, if anything.
func (d *Disk_t) Fs() interface{} {
	d.Lock()
	defer d.Unlock()
	return d.fs
}

func (d *Disk_t) Block_size() int { return d.bdev.Block_size() }
func (d *Disk_t) Blocks() int64   { return d.bdev.Blocks() }

func (d *Disk_t) Bread(lba int64, nblocks int, dst []uint8) defs.Err_t {
	return d.bdev.Bread(lba, nblocks, dst)
}

func (d *Disk_t) Bwrite(lba int64, nblocks int, src []uint8) defs.Err_t {
	return d.bdev.Bwrite(lba, nblocks, src)
}

// Read copies count bytes from byte offset off into dst. The transfer
// decomposes into a leading partial block, whole middle blocks moved
// directly, and a trailing partial block; a single scratch block is
// allocated only when a partial piece exists.
func (d *Disk_t) Read(dst []uint8, off int64) (int, defs.Err_t) {
	return d.rw(dst, off, false)
}

// Write is the byte-granular store; partial blocks read-modify-write
// through the scratch block.
func (d *Disk_t) Write(src []uint8, off int64) (int, defs.Err_t) {
	return d.rw(src, off, true)
}

func (d *Disk_t) rw(buf []uint8, off int64, write bool) (int, defs.Err_t) {
	bsz := int64(d.bdev.Block_size())
	devsz := d.bdev.Blocks() * bsz
	if off < 0 {
		return 0, -defs.EINVAL
	}
	if off >= devsz {
		if write {
			return 0, -defs.ENOSPC
		}
		return 0, 0
	}
	count := int64(len(buf))
	if off+count > devsz {
		count = devsz - off
	}
	var scratch []uint8
	getscratch := func() []uint8 {
		if scratch == nil {
			scratch = make([]uint8, bsz)
		}
		return scratch
	}
	done := int64(0)
	// leading partial block
	if r := off % bsz; r != 0 {
		lba := off / bsz
		n := util.Min(bsz-r, count)
		s := getscratch()
		if err := d.bdev.Bread(lba, 1, s); err != 0 {
			return int(done), err
		}
		if write {
			copy(s[r:r+n], buf[:n])
			if err := d.bdev.Bwrite(lba, 1, s); err != 0 {
				return int(done), err
			}
		} else {
			copy(buf[:n], s[r:r+n])
		}
		done += n
	}
	// full middle blocks
	if rem := count - done; rem >= bsz {
		lba := (off + done) / bsz
		nb := rem / bsz
		sub := buf[done : done+nb*bsz]
		var err defs.Err_t
		if write {
			err = d.bdev.Bwrite(lba, int(nb), sub)
		} else {
			err = d.bdev.Bread(lba, int(nb), sub)
		}
		if err != 0 {
			return int(done), err
		}
		done += nb * bsz
	}
	// trailing partial block
	if rem := count - done; rem > 0 {
		lba := (off + done) / bsz
		s := getscratch()
		if err := d.bdev.Bread(lba, 1, s); err != 0 {
			return int(done), err
		}
		if write {
			copy(s[:rem], buf[done:count])
			if err := d.bdev.Bwrite(lba, 1, s); err != 0 {
				return int(done), err
			}
		} else {
			copy(buf[done:count], s[:rem])
		}
		done += rem
	}
	return int(done), 0
}

// partition_t delegates block I/O to the parent shifted by an LBA
// offset and clipped to the partition's extent.
type partition_t struct {
	parent *Disk_t
	start  int64
	nsects int64
}

func (p *partition_t) Block_size() int { return p.parent.Block_size() }
func (p *partition_t) Blocks() int64   { return p.nsects }

func (p *partition_t) clip(lba int64, nblocks int) defs.Err_t {
	if lba < 0 || lba+int64(nblocks) > p.nsects {
		return -defs.EINVAL
	}
	return 0
}

func (p *partition_t) Bread(lba int64, nblocks int, dst []uint8) defs.Err_t {
	if err := p.clip(lba, nblocks); err != 0 {
		return err
	}
	return p.parent.Bread(p.start+lba, nblocks, dst)
}

func (p *partition_t) Bwrite(lba int64, nblocks int, src []uint8) defs.Err_t {
	if err := p.clip(lba, nblocks); err != 0 {
		return err
	}
	return p.parent.Bwrite(p.start+lba, nblocks, src)
}

// Partprobe_t inspects a fresh disk for a partition table; it returns
// whether one was recognized.
type Partprobe_t func(d *Disk_t) (bool, defs.Err_t)

// Fsprobe_t inspects a device for a filesystem and returns what it
// mounted, or nil.
type Fsprobe_t func(d *Disk_t) interface{}

var probelk sync.Mutex
var partprobes []Partprobe_t
var fsprobes []Fsprobe_t

// Register_partprobe appends a partition probe; probes run in
// registration order on each new disk.
func Register_partprobe(p Partprobe_t) {
	probelk.Lock()
	partprobes = append(partprobes, p)
	probelk.Unlock()
}

// Register_fsprobe appends a filesystem probe.
func Register_fsprobe(p Fsprobe_t) {
	probelk.Lock()
	fsprobes = append(fsprobes, p)
	probelk.Unlock()
}

func fsprobe(d *Disk_t) {
	probelk.Lock()
	probes := fsprobes
	probelk.Unlock()
	for _, p := range probes {
		if fs := p(d); fs != nil {
			d.Lock()
			d.fs = fs
			d.Unlock()
			return
		}
	}
}

// MBR layout constants.
const (
	mbr_sig_off   = 510
	mbr_sig       = 0xaa55
	mbr_ent_off   = 446
	mbr_ent_size  = 16
	mbr_nents     = 4
	mbr_type_off  = 4
	mbr_lba_off   = 8
	mbr_sects_off = 12
)

// Mbrprobe reads sector 0 and publishes a child disk for each of the
// four primary entries with a non-zero type byte. The boot signature
// 0xAA55 lives at offset 510, little-endian; entries are 16 bytes from
// offset 446 with the partition type at +4, the starting LBA at +8 and
// the sector count at +12.
func Mbrprobe(d *Disk_t) (bool, defs.Err_t) {
	if d.Block_size() < 512 {
		// sector 0 must cover the whole 512-byte MBR
		return false, 0
	}
	sect := make([]uint8, d.Block_size())
	if err := d.Bread(0, 1, sect); err != 0 {
		return false, err
	}
	if util.Readn(sect, 2, mbr_sig_off) != mbr_sig {
		return false, 0
	}
	found := false
	for i := 0; i < mbr_nents; i++ {
		e := sect[mbr_ent_off+i*mbr_ent_size:]
		if e[mbr_type_off] == 0 {
			continue
		}
		start := int64(uint32(util.Readn(e, 4, mbr_lba_off)))
		nsects := int64(uint32(util.Readn(e, 4, mbr_sects_off)))
		if nsects == 0 || start+nsects > d.Blocks() {
			continue
		}
		found = true
		p := &partition_t{parent: d, start: start, nsects: nsects}
		name := fmt.Sprintf("%s.%d", d.Name, i)
		c := &Disk_t{Name: name, bdev: p}
		d.Lock()
		d.parts = append(d.parts, c)
		d.Unlock()
		if disk_debug {
			fmt.Printf("disk: %s type %#x lba %d sects %d\n",
				name, e[mbr_type_off], start, nsects)
		}
	}
	return found, 0
}

func init() {
	Register_partprobe(Mbrprobe)
}

// Memdisk_t is a RAM-backed block device for tests and ram disks.
type Memdisk_t struct {
	sync.Mutex
	bsz  int
	data []uint8
}

// Mkmemdisk returns a zeroed RAM disk of nblocks blocks.
func Mkmemdisk(bsz int, nblocks int64) *Memdisk_t {
	return &Memdisk_t{bsz: bsz, data: make([]uint8, int64(bsz)*nblocks)}
}

func (m *Memdisk_t) Block_size() int { return m.bsz }
func (m *Memdisk_t) Blocks() int64   { return int64(len(m.data) / m.bsz) }

func (m *Memdisk_t) Bread(lba int64, nblocks int, dst []uint8) defs.Err_t {
	n := int64(nblocks) * int64(m.bsz)
	o := lba * int64(m.bsz)
	if o < 0 || o+n > int64(len(m.data)) || int64(len(dst)) < n {
		return -defs.EINVAL
	}
	m.Lock()
	copy(dst[:n], m.data[o:o+n])
	m.Unlock()
	return 0
}

func (m *Memdisk_t) Bwrite(lba int64, nblocks int, src []uint8) defs.Err_t {
	n := int64(nblocks) * int64(m.bsz)
	o := lba * int64(m.bsz)
	if o < 0 || o+n > int64(len(m.data)) || int64(len(src)) < n {
		return -defs.EINVAL
	}
	m.Lock()
	copy(m.data[o:o+n], src[:n])
	m.Unlock()
	return 0
}
