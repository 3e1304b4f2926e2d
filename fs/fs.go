package fs

import (
	"errors"
	"io"
	"sync"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-fscore/bcache"
	"github.com/mit-pdos/go-fscore/blkdev"
	"github.com/mit-pdos/go-fscore/buf"
	"github.com/mit-pdos/go-fscore/common"
	"github.com/mit-pdos/go-fscore/inode"
	"github.com/mit-pdos/go-fscore/super"
)

var (
	ErrBusy       = errors.New("device or inode busy")
	ErrNotDir     = errors.New("not a directory")
	ErrNoSuper    = errors.New("no valid file system")
	ErrMountCycle = errors.New("mount would create a cycle")
	ErrNotMounted = errors.New("not mounted")
)

type mount struct {
	sb     *super.SuperBlock
	imount *inode.Inode // inode mounted on
	isup   *inode.Inode // root of the mounted file system
}

// Fs wires the request queue, the buffer cache, the superblock table and
// the inode table together and is what the rest of a kernel talks to.
type Fs struct {
	mu    *sync.Mutex // shared by the buffer cache and the request queue
	Queue *blkdev.Queue
	Bc    *bcache.Bcache
	Sbt   *super.Table
	It    *inode.Itable

	mlock   sync.Mutex // protects drivers, mounts, rootDev and root
	drivers map[uint64]*blkdev.DiskDriver
	mounts  map[common.Dev]*mount
	rootDev common.Dev
	root    *inode.Inode
}

func MkFs(cfg Config) *Fs {
	mu := new(sync.Mutex)
	q := blkdev.MkQueue(mu, cfg.NRequest)
	bc := bcache.MkBcache(mu, q, cfg.NBuf(), cfg.NHash)
	sbt := super.MkTable(bc, cfg.NSuper)
	it := inode.MkItable(bc, sbt, cfg.NInode)
	util.DPrintf(1, "MkFs: %d buffers %d requests %d inodes %d supers\n",
		cfg.NBuf(), cfg.NRequest, cfg.NInode, cfg.NSuper)
	return &Fs{
		mu:      mu,
		Queue:   q,
		Bc:      bc,
		Sbt:     sbt,
		It:      it,
		drivers: make(map[uint64]*blkdev.DiskDriver),
		mounts:  make(map[common.Dev]*mount),
		rootDev: common.NODEV,
	}
}

func (fs *Fs) RegisterDevice(major uint64, d blkdev.Driver) {
	fs.Queue.Register(major, d)
}

// Shutdown writes everything back and stops the device workers.
func (fs *Fs) Shutdown() {
	fs.mlock.Lock()
	root := fs.root
	fs.root = nil
	fs.mlock.Unlock()
	if root != nil {
		fs.It.Iput(root)
	}
	fs.Bc.Sync()
	fs.Queue.Shutdown()
}

func (fs *Fs) RootDev() common.Dev {
	fs.mlock.Lock()
	defer fs.mlock.Unlock()
	return fs.rootDev
}

// Root returns a new reference to the root directory.
func (fs *Fs) Root() *inode.Inode {
	fs.mlock.Lock()
	defer fs.mlock.Unlock()
	if fs.root == nil {
		return nil
	}
	return fs.It.Dup(fs.root)
}

// AcquireInode returns inode inum of dev, referenced.
func (fs *Fs) AcquireInode(dev common.Dev, inum common.Inum) *inode.Inode {
	return fs.It.Iget(dev, inum)
}

func (fs *Fs) ReleaseInode(ip *inode.Inode) {
	fs.It.Iput(ip)
}

// TranslateBlock maps logical block bn of ip to a disk block, allocating
// it if create is set.  It returns 0 for a hole or a full device.
func (fs *Fs) TranslateBlock(ip *inode.Inode, bn uint64, create bool) common.Bnum {
	fs.It.Lock(ip)
	defer fs.It.Unlock(ip)
	if create {
		return fs.It.CreateBlock(ip, bn)
	}
	return fs.It.Bmap(ip, bn)
}

// ReadBlock returns the buffer for block bn of dev, or nil on an I/O
// error.  The caller releases it with ReleaseBlock.
func (fs *Fs) ReadBlock(dev common.Dev, bn common.Bnum) *buf.Buf {
	return fs.Bc.Bread(dev, bn)
}

func (fs *Fs) ReleaseBlock(b *buf.Buf) {
	fs.Bc.Brelse(b)
}

func (fs *Fs) MarkBufferDirty(b *buf.Buf) {
	fs.Bc.MarkDirty(b)
}

func (fs *Fs) FlushDevice(dev common.Dev) {
	fs.Bc.SyncDev(dev)
}

func (fs *Fs) FlushAll() {
	fs.Bc.Sync()
}

// InvalidateDevice forgets every cached inode and block of dev.
func (fs *Fs) InvalidateDevice(dev common.Dev) {
	fs.It.Invalidate(dev)
	fs.Bc.Invalidate(dev)
}

func (fs *Fs) WriteStats(w io.Writer) {
	fs.Bc.WriteStats(w)
	fs.Queue.WriteStats(w)
}

func (fs *Fs) ResetStats() {
	fs.Bc.ResetStats()
	fs.Queue.ResetStats()
}
