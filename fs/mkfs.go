package fs

import (
	"fmt"
	"time"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-fscore/common"
	"github.com/mit-pdos/go-fscore/dir"
	"github.com/mit-pdos/go-fscore/inode"
	"github.com/mit-pdos/go-fscore/super"
)

func (fs *Fs) putBlock(dev common.Dev, bn common.Bnum, fill func(d disk.Block)) {
	b := fs.Bc.Getblk(dev, bn)
	fs.Bc.Clear(b)
	fs.Bc.Modify(b, func(d disk.Block) bool {
		fill(d)
		return true
	})
	fs.Bc.Brelse(b)
}

// Mkfs writes an empty file system of nzones blocks and ninodes inodes
// onto dev.  The root directory is inode 1 and holds "." and "..".
func (fs *Fs) Mkfs(dev common.Dev, nzones uint64, ninodes uint64) error {
	if err := super.CheckLayout(nzones, ninodes); err != nil {
		return fmt.Errorf("mkfs %d: %w", dev, err)
	}
	fs.mlock.Lock()
	defer fs.mlock.Unlock()
	if _, ok := fs.mounts[dev]; ok || dev == fs.rootDev || fs.Sbt.GetSuper(dev) != nil {
		return fmt.Errorf("mkfs %d: %w", dev, ErrBusy)
	}

	// the device must hold the whole file system
	fs.Bc.Invalidate(dev)
	b := fs.Bc.Bread(dev, common.Bnum(nzones-1))
	if b == nil {
		return fmt.Errorf("mkfs %d: cannot read block %d", dev, nzones-1)
	}
	fs.Bc.Brelse(b)

	sb := super.MkSuperBlock(nzones, ninodes)
	util.DPrintf(1, "Mkfs: %v\n", sb)
	for bn := sb.ImapStart(); bn < common.Bnum(sb.FirstDataZone); bn++ {
		fs.putBlock(dev, bn, func(d disk.Block) {})
	}
	fs.putBlock(dev, common.SUPER_BLOCKNR, func(d disk.Block) {
		copy(d, sb.Encode())
	})

	// bit 0 is reserved, bit 1 is the root inode and its directory block
	fs.putBlock(dev, sb.ImapStart(), func(d disk.Block) { d[0] = 0x3 })
	fs.putBlock(dev, sb.ZmapStart(), func(d disk.Block) { d[0] = 0x3 })

	t := uint64(time.Now().Unix())
	root := &inode.Inode{
		Mode:   common.S_IFDIR | 0755,
		Nlinks: 2,
		Size:   2 * common.DIRENTSZ,
		Atime:  t,
		Mtime:  t,
		Ctime:  t,
	}
	root.Zone[0] = common.Bnum(sb.FirstDataZone)
	bn, slot := sb.InodeBlock(common.ROOTINUM)
	fs.putBlock(dev, bn, func(d disk.Block) {
		copy(d[slot*common.INODESZ:], root.Encode())
	})
	fs.putBlock(dev, root.Zone[0], func(d disk.Block) {
		copy(d[0:], dir.EncodeDirEnt(&dir.DirEnt{Inum: common.ROOTINUM, Name: "."}))
		copy(d[common.DIRENTSZ:], dir.EncodeDirEnt(&dir.DirEnt{Inum: common.ROOTINUM, Name: ".."}))
	})

	fs.Bc.SyncDev(dev)
	// the superblock must have made it to the device
	fs.Bc.Invalidate(dev)
	b = fs.Bc.Bread(dev, common.SUPER_BLOCKNR)
	if b == nil {
		return fmt.Errorf("mkfs %d: cannot read back superblock", dev)
	}
	magic := super.Decode(b.Data).Magic
	fs.Bc.Brelse(b)
	if magic != common.SUPER_MAGIC {
		return fmt.Errorf("mkfs %d: superblock not written", dev)
	}
	return nil
}
