package fs

import (
	"fmt"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-fscore/blkdev"
	"github.com/mit-pdos/go-fscore/common"
)

// OpenDisk returns a disk image of nblocks blocks backed by file name, or
// an in-memory disk if name is empty.
func OpenDisk(name string, nblocks uint64) (disk.Disk, error) {
	if name == "" {
		util.DPrintf(1, "OpenDisk: create mem disk\n")
		return disk.NewMemDisk(nblocks), nil
	}
	util.DPrintf(1, "OpenDisk: open file disk %s\n", name)
	file, err := disk.NewFileDisk(name, nblocks)
	if err != nil {
		return nil, fmt.Errorf("could not create disk %s: %w", name, err)
	}
	return file, nil
}

// AttachDisk makes d the medium of dev, registering a disk driver for
// dev's major on first use.
func (fs *Fs) AttachDisk(dev common.Dev, d disk.Disk, removable bool) {
	fs.mlock.Lock()
	dd, ok := fs.drivers[dev.Major()]
	if !ok {
		dd = blkdev.MkDiskDriver()
		fs.drivers[dev.Major()] = dd
	}
	fs.mlock.Unlock()
	if !ok {
		fs.RegisterDevice(dev.Major(), dd)
	}
	dd.Attach(dev.Minor(), d, removable)
}

// SwapDisk replaces the medium of a removable dev.
func (fs *Fs) SwapDisk(dev common.Dev, d disk.Disk) {
	fs.mlock.Lock()
	dd, ok := fs.drivers[dev.Major()]
	fs.mlock.Unlock()
	if !ok {
		panic("SwapDisk: no disk driver")
	}
	dd.Swap(dev.Minor(), d)
}
