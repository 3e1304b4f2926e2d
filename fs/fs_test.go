package fs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-fscore/blkdev"
	"github.com/mit-pdos/go-fscore/common"
	"github.com/mit-pdos/go-fscore/dir"
	"github.com/mit-pdos/go-fscore/inode"
	"github.com/mit-pdos/go-fscore/super"
)

var hd0 = common.MkDev(blkdev.HD_MAJOR, 0)
var hd1 = common.MkDev(blkdev.HD_MAJOR, 1)
var fd0 = common.MkDev(blkdev.FLOPPY_MAJOR, 0)

const regMode = common.S_IFREG | 0644

func mkTestFs(t *testing.T) *Fs {
	f := MkFs(Config{
		BufMem:   64 * common.BlockSize,
		NHash:    13,
		NRequest: 16,
		NInode:   16,
		NSuper:   4,
	})
	t.Cleanup(f.Shutdown)
	return f
}

// mkTestRoot formats hd0 and hd1 and mounts hd0 as root.
func mkTestRoot(t *testing.T) (*Fs, disk.Disk, disk.Disk) {
	f := mkTestFs(t)
	d0 := disk.NewMemDisk(200)
	d1 := disk.NewMemDisk(200)
	f.AttachDisk(hd0, d0, false)
	f.AttachDisk(hd1, d1, false)
	require.NoError(t, f.Mkfs(hd0, 200, 64))
	require.NoError(t, f.Mkfs(hd1, 200, 64))
	require.NoError(t, f.MountRoot(hd0))
	return f, d0, d1
}

func mkdir(t *testing.T, f *Fs, parent *inode.Inode, name string) *inode.Inode {
	ip := f.It.NewInode(parent.Dev, common.S_IFDIR|0755)
	require.NotNil(t, ip)
	require.True(t, dir.InitDir(f.It, ip, parent.Inum))
	require.True(t, dir.AddName(f.It, parent, ip.Inum, name))
	return ip
}

func TestMkfsMountRoot(t *testing.T) {
	f, _, _ := mkTestRoot(t)
	assert.Equal(t, hd0, f.RootDev())

	root := f.Root()
	require.NotNil(t, root)
	defer f.ReleaseInode(root)
	assert.True(t, common.IsDir(root.Mode))
	assert.Equal(t, uint32(2), root.Nlinks)
	assert.Equal(t, 2*common.DIRENTSZ, root.Size)

	inum, off := dir.LookupName(f.It, root, ".")
	assert.Equal(t, common.ROOTINUM, inum)
	assert.Equal(t, uint64(0), off)
	inum, off = dir.LookupName(f.It, root, "..")
	assert.Equal(t, common.ROOTINUM, inum)
	assert.Equal(t, common.DIRENTSZ, off)

	sb := f.Sbt.GetSuper(hd0)
	require.NotNil(t, sb)
	zfree, ifree := f.Sbt.NFree(hd0)
	assert.Equal(t, sb.Nzones-sb.FirstDataZone-1, zfree)
	assert.Equal(t, uint64(63), ifree)

	assert.ErrorIs(t, f.Mkfs(hd0, 200, 64), ErrBusy)
	assert.ErrorIs(t, f.MountRoot(hd1), ErrBusy)
}

func TestMkfsErrors(t *testing.T) {
	f := mkTestFs(t)
	f.AttachDisk(hd0, disk.NewMemDisk(50), false)
	assert.ErrorIs(t, f.Mkfs(hd0, 4, 64), super.ErrLayout)
	assert.Error(t, f.Mkfs(hd0, 200, 64))
	assert.NoError(t, f.Mkfs(hd0, 50, 16))
}

func TestMountRootNoFileSystem(t *testing.T) {
	f := mkTestFs(t)
	f.AttachDisk(hd0, disk.NewMemDisk(50), false)
	assert.ErrorIs(t, f.MountRoot(hd0), ErrNoSuper)
	assert.Nil(t, f.Root())
}

func TestFileSurvivesRemount(t *testing.T) {
	f, _, _ := mkTestRoot(t)
	root := f.Root()
	defer f.ReleaseInode(root)

	mnt := mkdir(t, f, root, "mnt")
	mntInum := mnt.Inum
	require.NoError(t, f.Mount(hd1, mnt))

	r1 := f.AcquireInode(hd0, mntInum)
	assert.Equal(t, hd1, r1.Dev)
	assert.Equal(t, common.ROOTINUM, r1.Inum)

	data := []byte("hello, mounted world")
	ip := f.It.NewInode(hd1, regMode)
	require.NotNil(t, ip)
	_, ok := f.It.Write(ip, 0, data)
	require.True(t, ok)
	require.True(t, dir.AddName(f.It, r1, ip.Inum, "f"))
	f.ReleaseInode(ip)

	assert.ErrorIs(t, f.Umount(hd1), ErrBusy)
	f.ReleaseInode(r1)
	require.NoError(t, f.Umount(hd1))
	assert.Nil(t, f.Sbt.GetSuper(hd1))
	f.Bc.Invalidate(hd1)

	again := f.AcquireInode(hd0, mntInum)
	assert.Equal(t, hd0, again.Dev)
	require.NoError(t, f.Mount(hd1, again))

	r1 = f.AcquireInode(hd0, mntInum)
	defer f.ReleaseInode(r1)
	inum, _ := dir.LookupName(f.It, r1, "f")
	require.NotEqual(t, common.NULLINUM, inum)
	fip := f.AcquireInode(hd1, inum)
	defer f.ReleaseInode(fip)
	got := make([]byte, 100)
	n := f.It.Read(fip, 0, got)
	assert.Equal(t, data, got[:n])
}

func TestMountErrors(t *testing.T) {
	f, _, _ := mkTestRoot(t)
	root := f.Root()
	defer f.ReleaseInode(root)

	assert.ErrorIs(t, f.Mount(hd1, root), ErrBusy)

	file := f.It.NewInode(hd0, regMode)
	require.NotNil(t, file)
	assert.ErrorIs(t, f.Mount(hd1, file), ErrNotDir)
	f.ReleaseInode(file)

	mnt := mkdir(t, f, root, "mnt")
	held := f.It.Dup(mnt)
	assert.ErrorIs(t, f.Mount(hd1, mnt), ErrBusy)
	f.ReleaseInode(held)

	assert.ErrorIs(t, f.Mount(hd0, mnt), ErrMountCycle)

	f.AttachDisk(common.MkDev(blkdev.HD_MAJOR, 2), disk.NewMemDisk(20), false)
	assert.ErrorIs(t, f.Mount(common.MkDev(blkdev.HD_MAJOR, 2), mnt), ErrNoSuper)

	require.NoError(t, f.Mount(hd1, mnt))
	other := mkdir(t, f, root, "other")
	assert.ErrorIs(t, f.Mount(hd1, other), ErrBusy)
	f.ReleaseInode(other)
}

func TestUmountErrors(t *testing.T) {
	f, _, _ := mkTestRoot(t)
	assert.ErrorIs(t, f.Umount(hd0), ErrBusy)
	assert.ErrorIs(t, f.Umount(hd1), ErrNotMounted)
}

func TestCheckDiskChange(t *testing.T) {
	f := mkTestFs(t)
	blk := make(disk.Block, common.BlockSize)
	a := disk.NewMemDisk(20)
	blk[0] = 1
	a.Write(5, blk)
	f.AttachDisk(fd0, a, true)

	b := f.ReadBlock(fd0, 5)
	require.NotNil(t, b)
	assert.Equal(t, byte(1), b.Data[0])
	f.ReleaseBlock(b)
	assert.False(t, f.CheckDiskChange(fd0))

	c := disk.NewMemDisk(20)
	blk[0] = 2
	c.Write(5, blk)
	f.SwapDisk(fd0, c)
	assert.True(t, f.CheckDiskChange(fd0))
	assert.False(t, f.CheckDiskChange(fd0))

	b = f.ReadBlock(fd0, 5)
	require.NotNil(t, b)
	assert.Equal(t, byte(2), b.Data[0])
	f.ReleaseBlock(b)
}

func TestDiskChangeOnMountedFloppy(t *testing.T) {
	f, _, _ := mkTestRoot(t)
	f.AttachDisk(fd0, disk.NewMemDisk(50), true)
	require.NoError(t, f.Mkfs(fd0, 50, 16))

	root := f.Root()
	defer f.ReleaseInode(root)
	mnt := mkdir(t, f, root, "floppy")
	require.NoError(t, f.Mount(fd0, mnt))

	f.SwapDisk(fd0, disk.NewMemDisk(50))
	assert.True(t, f.CheckDiskChange(fd0))
	// still mounted, so the superblock stays
	assert.NotNil(t, f.Sbt.GetSuper(fd0))
	require.NoError(t, f.Umount(fd0))
	assert.Nil(t, f.Sbt.GetSuper(fd0))
}

func TestTranslateAndFlush(t *testing.T) {
	f, d0, _ := mkTestRoot(t)
	ip := f.It.NewInode(hd0, regMode)
	require.NotNil(t, ip)
	defer f.ReleaseInode(ip)

	bn := f.TranslateBlock(ip, 0, true)
	require.NotEqual(t, common.NULLBNUM, bn)
	assert.Equal(t, bn, f.TranslateBlock(ip, 0, false))
	assert.Equal(t, common.NULLBNUM, f.TranslateBlock(ip, 1, false))

	b := f.ReadBlock(hd0, bn)
	require.NotNil(t, b)
	b.Data[0] = 0x5A
	f.MarkBufferDirty(b)
	f.ReleaseBlock(b)
	f.FlushDevice(hd0)
	assert.Equal(t, byte(0x5A), d0.Read(uint64(bn))[0])

	b = f.ReadBlock(hd0, bn)
	b.Data[1] = 0xA5
	f.MarkBufferDirty(b)
	f.ReleaseBlock(b)
	f.FlushAll()
	assert.Equal(t, byte(0xA5), d0.Read(uint64(bn))[1])

	f.InvalidateDevice(hd1)
}

func TestIputBlockDeviceSyncsIt(t *testing.T) {
	f, _, d1 := mkTestRoot(t)

	b := f.Bc.Getblk(hd1, 3)
	f.Bc.Clear(b)
	b.Data[0] = 7
	f.ReleaseBlock(b)

	bip := f.It.NewInode(hd0, common.S_IFBLK|0600)
	require.NotNil(t, bip)
	bip.Zone[0] = common.Bnum(hd1)
	f.ReleaseInode(bip)
	assert.Equal(t, byte(7), d1.Read(3)[0])
}

func TestWriteStats(t *testing.T) {
	f, _, _ := mkTestRoot(t)
	var w bytes.Buffer
	f.WriteStats(&w)
	assert.Contains(t, w.String(), "getblk")
	assert.Contains(t, w.String(), "req.Read")
	f.ResetStats()
}

func TestOpenDisk(t *testing.T) {
	d, err := OpenDisk("", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), d.Size())

	d, err = OpenDisk(t.TempDir()+"/img", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), d.Size())
	d.Close()
}
