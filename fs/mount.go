package fs

import (
	"fmt"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-fscore/common"
	"github.com/mit-pdos/go-fscore/inode"
)

// MountRoot makes dev the root file system.
func (fs *Fs) MountRoot(dev common.Dev) error {
	fs.mlock.Lock()
	defer fs.mlock.Unlock()
	if fs.root != nil {
		return fmt.Errorf("root on %d: %w", fs.rootDev, ErrBusy)
	}
	fs.checkDiskChange(dev)
	sb := fs.Sbt.ReadSuper(dev)
	if sb == nil {
		return fmt.Errorf("root device %d: %w", dev, ErrNoSuper)
	}
	fs.rootDev = dev
	fs.root = fs.It.Iget(dev, common.ROOTINUM)
	zfree, ifree := fs.Sbt.NFree(dev)
	util.DPrintf(0, "%d/%d free blocks, %d/%d free inodes\n", zfree,
		sb.Nzones-sb.FirstDataZone, ifree, sb.Ninodes)
	return nil
}

// Mount mounts dev on directory dir.  On success the mount keeps the
// caller's reference to dir until Umount.
func (fs *Fs) Mount(dev common.Dev, dir *inode.Inode) error {
	fs.mlock.Lock()
	defer fs.mlock.Unlock()

	if fs.It.Count(dir) != 1 || dir.Inum == common.ROOTINUM {
		return fmt.Errorf("mount on %d/%d: %w", dir.Dev, dir.Inum, ErrBusy)
	}
	if !common.IsDir(dir.Mode) {
		return fmt.Errorf("mount on %d/%d: %w", dir.Dev, dir.Inum, ErrNotDir)
	}
	if fs.It.IsMounted(dir) {
		return fmt.Errorf("mount on %d/%d: %w", dir.Dev, dir.Inum, ErrBusy)
	}
	if _, ok := fs.mounts[dev]; ok {
		return fmt.Errorf("mount %d: %w", dev, ErrBusy)
	}
	// dir must not live on dev or below it
	for d := dir.Dev; ; {
		if d == dev {
			return fmt.Errorf("mount %d on %d/%d: %w", dev, dir.Dev, dir.Inum,
				ErrMountCycle)
		}
		m, ok := fs.mounts[d]
		if !ok {
			break
		}
		d = m.imount.Dev
	}
	fs.checkDiskChange(dev)
	sb := fs.Sbt.ReadSuper(dev)
	if sb == nil {
		return fmt.Errorf("mount %d: %w", dev, ErrNoSuper)
	}
	isup := fs.It.Iget(dev, common.ROOTINUM)
	fs.It.SetMount(dir, sb)
	fs.mounts[dev] = &mount{sb: sb, imount: dir, isup: isup}
	util.DPrintf(1, "Mount %d on %d/%d\n", dev, dir.Dev, dir.Inum)
	return nil
}

// Umount detaches dev, which must have no inodes in use other than its
// root.
func (fs *Fs) Umount(dev common.Dev) error {
	fs.mlock.Lock()
	defer fs.mlock.Unlock()

	if dev == fs.rootDev {
		return fmt.Errorf("umount root %d: %w", dev, ErrBusy)
	}
	m, ok := fs.mounts[dev]
	if !ok {
		return fmt.Errorf("umount %d: %w", dev, ErrNotMounted)
	}
	if fs.It.InUse(dev, m.isup) {
		return fmt.Errorf("umount %d: %w", dev, ErrBusy)
	}
	delete(fs.mounts, dev)
	fs.It.ClearMount(m.imount)
	fs.It.Iput(m.imount)
	fs.It.Iput(m.isup)
	fs.Bc.SyncDev(dev)
	fs.It.Invalidate(dev)
	fs.Sbt.PutSuper(dev)
	util.DPrintf(1, "Umount %d\n", dev)
	return nil
}

// putSuper drops dev's superblock after a media change, unless something
// still depends on it.  Requires mlock.
func (fs *Fs) putSuper(dev common.Dev) {
	if dev == fs.rootDev && fs.root != nil {
		util.DPrintf(0, "root diskette changed: prepare for armageddon\n")
		return
	}
	if fs.Sbt.GetSuper(dev) == nil {
		return
	}
	if _, ok := fs.mounts[dev]; ok {
		util.DPrintf(0, "Mounted disk %d changed\n", dev)
		return
	}
	fs.Sbt.PutSuper(dev)
}

func (fs *Fs) checkDiskChange(dev common.Dev) bool {
	if !fs.Queue.MediaChanged(dev) {
		return false
	}
	util.DPrintf(0, "Disk change detected on device %d\n", dev)
	fs.putSuper(dev)
	fs.It.Invalidate(dev)
	fs.Bc.Invalidate(dev)
	return true
}

// CheckDiskChange invalidates everything cached for dev if its media was
// changed, and reports whether it was.
func (fs *Fs) CheckDiskChange(dev common.Dev) bool {
	fs.mlock.Lock()
	defer fs.mlock.Unlock()
	return fs.checkDiskChange(dev)
}
