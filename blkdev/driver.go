package blkdev

import (
	"fmt"
	"sync"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-fscore/common"
)

// DiskDriver serves one major from goose disks, one disk per minor.
// Minors can be marked removable; swapping the disk of a removable minor
// is reported through MediaChanged.
type DiskDriver struct {
	mu        *sync.Mutex
	disks     map[uint64]disk.Disk
	removable map[uint64]bool
	changed   map[uint64]bool
}

func MkDiskDriver() *DiskDriver {
	return &DiskDriver{
		mu:        new(sync.Mutex),
		disks:     make(map[uint64]disk.Disk),
		removable: make(map[uint64]bool),
		changed:   make(map[uint64]bool),
	}
}

func (dd *DiskDriver) Attach(minor uint64, d disk.Disk, removable bool) {
	dd.mu.Lock()
	dd.disks[minor] = d
	dd.removable[minor] = removable
	dd.mu.Unlock()
}

// Swap replaces the media of a removable minor.
func (dd *DiskDriver) Swap(minor uint64, d disk.Disk) {
	dd.mu.Lock()
	defer dd.mu.Unlock()
	if !dd.removable[minor] {
		panic("Swap: fixed media")
	}
	dd.disks[minor] = d
	dd.changed[minor] = true
}

func (dd *DiskDriver) MediaChanged(minor uint64) bool {
	dd.mu.Lock()
	defer dd.mu.Unlock()
	c := dd.changed[minor]
	dd.changed[minor] = false
	return c
}

func (dd *DiskDriver) Transfer(req *Request) error {
	dd.mu.Lock()
	d := dd.disks[req.Dev.Minor()]
	dd.mu.Unlock()
	if d == nil {
		return fmt.Errorf("no disk for dev %d", req.Dev)
	}
	if req.Sector%common.NSECT != 0 || req.NrSectors%common.NSECT != 0 {
		return fmt.Errorf("unaligned request %v", req)
	}
	start := req.Sector / common.NSECT
	n := req.NrSectors / common.NSECT
	if start+n > d.Size() {
		return fmt.Errorf("request %v beyond end of device", req)
	}
	for i := uint64(0); i < n; i++ {
		data := req.Data[i*common.BlockSize : (i+1)*common.BlockSize]
		switch req.Cmd {
		case READ:
			copy(data, d.Read(start+i))
		case WRITE:
			blk := make(disk.Block, common.BlockSize)
			copy(blk, data)
			d.Write(start+i, blk)
		default:
			return fmt.Errorf("bad command %v", req)
		}
	}
	return nil
}
