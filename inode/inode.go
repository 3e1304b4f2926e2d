package inode

import (
	"fmt"
	"sync"
	"time"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-fscore/bcache"
	"github.com/mit-pdos/go-fscore/common"
	"github.com/mit-pdos/go-fscore/super"
)

type Inode struct {
	// the on-disk inode:
	Mode   uint32
	Uid    uint32
	Gid    uint32
	Nlinks uint32
	Size   uint64
	Atime  uint64
	Mtime  uint64
	Ctime  uint64
	Zone   [common.NZONE]common.Bnum

	// in-memory info:
	Dev     common.Dev
	Inum    common.Inum
	Pipe    bool
	Mount   bool
	MountSb *super.SuperBlock // root of the file system mounted here

	count  uint32
	dirty  bool
	locked bool
	wait   *sync.Cond // lock and pipe waiters

	page []byte
	head uint64
	tail uint64
}

func now() uint64 {
	return uint64(time.Now().Unix())
}

func (ip *Inode) String() string {
	return fmt.Sprintf("%d/%d m %o n %d sz %d c %d d %v l %v %v", ip.Dev,
		ip.Inum, ip.Mode, ip.Nlinks, ip.Size, ip.count, ip.dirty,
		ip.locked, ip.Zone)
}

func (ip *Inode) Encode() []byte {
	enc := marshal.NewEnc(common.INODESZ)
	enc.PutInt32(ip.Mode)
	enc.PutInt32(ip.Uid)
	enc.PutInt32(ip.Gid)
	enc.PutInt32(ip.Nlinks)
	enc.PutInt(ip.Size)
	enc.PutInt(ip.Atime)
	enc.PutInt(ip.Mtime)
	enc.PutInt(ip.Ctime)
	for _, z := range ip.Zone {
		enc.PutInt(uint64(z))
	}
	return enc.Finish()
}

func (ip *Inode) decode(d []byte) {
	dec := marshal.NewDec(d)
	ip.Mode = dec.GetInt32()
	ip.Uid = dec.GetInt32()
	ip.Gid = dec.GetInt32()
	ip.Nlinks = dec.GetInt32()
	ip.Size = dec.GetInt()
	ip.Atime = dec.GetInt()
	ip.Mtime = dec.GetInt()
	ip.Ctime = dec.GetInt()
	for i := range ip.Zone {
		ip.Zone[i] = common.Bnum(dec.GetInt())
	}
}

// reset forgets everything about ip except its wait condition.
func (ip *Inode) reset() {
	*ip = Inode{wait: ip.wait}
}

func (ip *Inode) waitUnlocked() {
	for ip.locked {
		ip.wait.Wait()
	}
}

func (ip *Inode) lock() {
	ip.waitUnlocked()
	ip.locked = true
}

func (ip *Inode) unlock() {
	ip.locked = false
	ip.wait.Broadcast()
}

//
// The in-memory inode table.  mu protects each entry's identity, count
// and flags; an inode's other fields belong to whoever holds its lock
// flag.  Inodes are read and written with mu released.
//
// Callers must not hold an inode lock across Iput, Sync, or a device
// flush, since those wait for every locked inode.
//
type Itable struct {
	mu     *sync.Mutex
	bc     *bcache.Bcache
	sbt    *super.Table
	inodes []*Inode
	last   int // next-fit cursor
}

func MkItable(bc *bcache.Bcache, sbt *super.Table, ninode uint64) *Itable {
	if ninode == 0 {
		panic("MkItable")
	}
	it := &Itable{
		mu:     new(sync.Mutex),
		bc:     bc,
		sbt:    sbt,
		inodes: make([]*Inode, ninode),
		last:   0,
	}
	for i := range it.inodes {
		it.inodes[i] = &Inode{wait: sync.NewCond(it.mu)}
	}
	bc.SetSyncInodes(it.Sync)
	return it
}

func (it *Itable) Lock(ip *Inode) {
	it.mu.Lock()
	ip.lock()
	it.mu.Unlock()
}

func (it *Itable) Unlock(ip *Inode) {
	it.mu.Lock()
	ip.unlock()
	it.mu.Unlock()
}

func (it *Itable) markDirty(ip *Inode) {
	it.mu.Lock()
	ip.dirty = true
	it.mu.Unlock()
}

// MarkDirty records that ip's on-disk copy is stale.  The caller holds
// ip's lock or is its only user.
func (it *Itable) MarkDirty(ip *Inode) {
	it.markDirty(ip)
}

func (it *Itable) Count(ip *Inode) uint32 {
	it.mu.Lock()
	defer it.mu.Unlock()
	return ip.count
}

// Dup takes another reference to ip.
func (it *Itable) Dup(ip *Inode) *Inode {
	it.mu.Lock()
	ip.count = ip.count + 1
	it.mu.Unlock()
	return ip
}

// InUse reports whether some inode of dev other than except is
// referenced.
func (it *Itable) InUse(dev common.Dev, except *Inode) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	for _, ip := range it.inodes {
		if ip.Dev != dev || ip.count == 0 {
			continue
		}
		if ip == except && ip.count == 1 {
			continue
		}
		return true
	}
	return false
}

func (it *Itable) SetMount(ip *Inode, sb *super.SuperBlock) {
	it.mu.Lock()
	ip.Mount = true
	ip.MountSb = sb
	it.mu.Unlock()
}

func (it *Itable) IsMounted(ip *Inode) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return ip.Mount
}

func (it *Itable) ClearMount(ip *Inode) {
	it.mu.Lock()
	ip.Mount = false
	ip.MountSb = nil
	it.mu.Unlock()
}

// readInode fills ip from disk.  Requires mu; ip must already carry its
// dev and inum.
func (it *Itable) readInode(ip *Inode) {
	ip.lock()
	dev := ip.Dev
	inum := ip.Inum
	it.mu.Unlock()

	sb := it.sbt.GetSuper(dev)
	if sb == nil {
		it.mu.Lock()
		panic("readInode: no superblock")
	}
	if !it.sbt.InumAllocated(dev, inum) {
		util.DPrintf(1, "readInode: %d/%d is free\n", dev, inum)
		it.mu.Lock()
		ip.unlock()
		return
	}
	bn, slot := sb.InodeBlock(inum)
	b := it.bc.Bread(dev, bn)
	if b == nil {
		it.mu.Lock()
		panic("readInode: unable to read i-node block")
	}
	ip.decode(b.Data[slot*common.INODESZ : (slot+1)*common.INODESZ])
	it.bc.Brelse(b)
	util.DPrintf(5, "readInode %v\n", ip)

	it.mu.Lock()
	ip.unlock()
}

// writeInode copies ip into its inode block.  Requires mu.
func (it *Itable) writeInode(ip *Inode) {
	ip.lock()
	if !ip.dirty || ip.Dev == common.NODEV {
		ip.dirty = false
		ip.unlock()
		return
	}
	dev := ip.Dev
	inum := ip.Inum
	it.mu.Unlock()

	sb := it.sbt.GetSuper(dev)
	if sb == nil {
		it.mu.Lock()
		panic("writeInode: no superblock")
	}
	bn, slot := sb.InodeBlock(inum)
	b := it.bc.Bread(dev, bn)
	if b == nil {
		it.mu.Lock()
		panic("writeInode: unable to read i-node block")
	}
	rec := ip.Encode()
	it.bc.Modify(b, func(d disk.Block) bool {
		copy(d[slot*common.INODESZ:(slot+1)*common.INODESZ], rec)
		return true
	})
	it.bc.Brelse(b)
	util.DPrintf(5, "writeInode %v\n", ip)

	it.mu.Lock()
	ip.dirty = false
	ip.unlock()
}

// getEmpty claims an unreferenced inode, preferring a clean unlocked one
// past the cursor.  Requires mu.
func (it *Itable) getEmpty() *Inode {
	for {
		var ip *Inode
		for i := 0; i < len(it.inodes); i++ {
			it.last = (it.last + 1) % len(it.inodes)
			cand := it.inodes[it.last]
			if cand.count == 0 {
				ip = cand
				if !cand.dirty && !cand.locked {
					break
				}
			}
		}
		if ip == nil {
			for _, x := range it.inodes {
				util.DPrintf(0, "%v\n", x)
			}
			panic("No free inodes in mem")
		}
		ip.waitUnlocked()
		for ip.dirty {
			it.writeInode(ip)
			ip.waitUnlocked()
		}
		if ip.count == 0 {
			ip.reset()
			ip.count = 1
			return ip
		}
	}
}

// GetEmpty returns a referenced inode with no identity.
func (it *Itable) GetEmpty() *Inode {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.getEmpty()
}

// Iget returns inode inum of dev, referenced.  If the inode is a mount
// point, the root of the mounted file system is returned instead.
func (it *Itable) Iget(dev common.Dev, inum common.Inum) *Inode {
	if dev == common.NODEV {
		panic("Iget: dev 0")
	}
	it.mu.Lock()
	defer it.mu.Unlock()

	empty := it.getEmpty()
	var hops uint64 = 0
	for i := 0; i < len(it.inodes); {
		ip := it.inodes[i]
		if ip.Dev != dev || ip.Inum != inum {
			i++
			continue
		}
		ip.waitUnlocked()
		if ip.Dev != dev || ip.Inum != inum {
			i = 0
			continue
		}
		ip.count = ip.count + 1
		if !ip.Mount {
			it.iput(empty)
			return ip
		}
		sb := ip.MountSb
		if sb == nil {
			util.DPrintf(0, "Iget: mounted inode %d/%d hasn't got sb\n", dev, inum)
			it.iput(empty)
			return ip
		}
		hops++
		if hops > it.sbt.NSuper() {
			panic("Iget: mount cycle")
		}
		it.iput(ip)
		dev = sb.Dev
		inum = common.ROOTINUM
		i = 0
	}
	empty.Dev = dev
	empty.Inum = inum
	it.readInode(empty)
	return empty
}

// iput requires mu.
func (it *Itable) iput(ip *Inode) {
	if ip == nil {
		return
	}
	ip.waitUnlocked()
	if ip.count == 0 {
		panic("iput: trying to free free inode")
	}
	if ip.Pipe {
		ip.wait.Broadcast()
		ip.count = ip.count - 1
		if ip.count > 0 {
			return
		}
		ip.page = nil
		ip.Pipe = false
		ip.dirty = false
		return
	}
	if ip.Dev == common.NODEV {
		ip.count = ip.count - 1
		return
	}
	if common.IsBlk(ip.Mode) {
		d := common.Dev(ip.Zone[0])
		it.mu.Unlock()
		it.bc.SyncDev(d)
		it.mu.Lock()
		ip.waitUnlocked()
	}
	for {
		if ip.count > 1 {
			ip.count = ip.count - 1
			return
		}
		// mode 0 was never created on disk; there is nothing to free
		if ip.Nlinks == 0 && ip.Mode != 0 {
			ip.lock()
			it.mu.Unlock()
			it.truncate(ip)
			it.mu.Lock()
			ip.unlock()
			// the freed zones must not stay in the record on disk
			it.writeInode(ip)
			ip.waitUnlocked()
			if ip.count > 1 {
				continue
			}
			it.freeInode(ip)
			return
		}
		if ip.dirty {
			it.writeInode(ip)
			ip.waitUnlocked()
			continue
		}
		ip.count = ip.count - 1
		return
	}
}

// Iput drops a reference to ip.  The last reference to an unlinked inode
// frees its blocks and its inode number.
func (it *Itable) Iput(ip *Inode) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.iput(ip)
}

// NewInode allocates an inode number on dev and returns a fresh inode
// for it with one link, or nil if dev has no free inodes.
func (it *Itable) NewInode(dev common.Dev, mode uint32) *Inode {
	it.mu.Lock()
	defer it.mu.Unlock()
	ip := it.getEmpty()
	inum := it.sbt.AllocInum(dev)
	if inum == common.NULLINUM {
		it.iput(ip)
		return nil
	}
	t := now()
	ip.Dev = dev
	ip.Inum = inum
	ip.Mode = mode
	ip.Nlinks = 1
	ip.Atime = t
	ip.Mtime = t
	ip.Ctime = t
	ip.dirty = true
	util.DPrintf(1, "NewInode -> %v\n", ip)
	return ip
}

// freeInode requires mu.
func (it *Itable) freeInode(ip *Inode) {
	if ip.Dev == common.NODEV {
		ip.reset()
		return
	}
	if ip.count > 1 {
		panic(fmt.Sprintf("freeInode: count %d", ip.count))
	}
	if ip.Nlinks != 0 {
		panic("freeInode: inode has links")
	}
	util.DPrintf(1, "freeInode %v\n", ip)
	it.sbt.FreeInum(ip.Dev, ip.Inum)
	ip.reset()
}

// FreeInode releases the inode number of an unlinked inode held by its
// last user.
func (it *Itable) FreeInode(ip *Inode) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.freeInode(ip)
}

// Sync writes every dirty inode into its buffer.
func (it *Itable) Sync() {
	it.mu.Lock()
	defer it.mu.Unlock()
	for _, ip := range it.inodes {
		ip.waitUnlocked()
		if ip.dirty && !ip.Pipe {
			it.writeInode(ip)
		}
	}
}

// Invalidate forgets every inode of dev, after its media went away.
func (it *Itable) Invalidate(dev common.Dev) {
	it.mu.Lock()
	defer it.mu.Unlock()
	for _, ip := range it.inodes {
		ip.waitUnlocked()
		if ip.Dev != dev {
			continue
		}
		if ip.count > 0 {
			util.DPrintf(0, "inode %d/%d in use on removed disk\n", dev, ip.Inum)
		}
		ip.Dev = common.NODEV
		ip.dirty = false
	}
}
