package bcache

import (
	"io"
	"sync"
	"time"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-fscore/blkdev"
	"github.com/mit-pdos/go-fscore/buf"
	"github.com/mit-pdos/go-fscore/common"
	"github.com/mit-pdos/go-fscore/util/stats"
)

//
// Fixed-size block buffer cache.  Buffers live in a flat arena; hash
// chains and the circular free ring link them by index.  Every buffer is
// always on the free ring, whether referenced or not; allocation only
// retags a buffer with a new (dev, blkno).
//
// mu protects the links, the hash table and all buffer flags.  It is
// shared with the request queue, and it is never held across a transfer
// or across an explicit wait.
//

const none = -1

type Bcache struct {
	mu *sync.Mutex
	q  *blkdev.Queue

	bufs     []*buf.Buf
	hnext    []int
	hprev    []int
	fnext    []int
	fprev    []int
	hash     []int
	freeList int        // eviction cursor into the free ring
	bufWait  *sync.Cond // signalled when a buffer is released

	syncInodes func()

	ops [nop]stats.Op
}

// MkBcache builds nbuf buffers over one preallocated region.
func MkBcache(mu *sync.Mutex, q *blkdev.Queue, nbuf uint64, nhash uint64) *Bcache {
	if nbuf < 2 || nhash == 0 {
		panic("MkBcache")
	}
	n := int(nbuf)
	bc := &Bcache{
		mu:       mu,
		q:        q,
		bufs:     make([]*buf.Buf, n),
		hnext:    make([]int, n),
		hprev:    make([]int, n),
		fnext:    make([]int, n),
		fprev:    make([]int, n),
		hash:     make([]int, nhash),
		freeList: 0,
		bufWait:  sync.NewCond(mu),
	}
	mem := make([]byte, nbuf*common.BlockSize)
	for i := 0; i < n; i++ {
		data := disk.Block(mem[uint64(i)*common.BlockSize : uint64(i+1)*common.BlockSize])
		bc.bufs[i] = buf.MkBuf(mu, data)
		bc.hnext[i] = none
		bc.hprev[i] = none
		bc.fnext[i] = (i + 1) % n
		bc.fprev[i] = (i + n - 1) % n
	}
	for i := range bc.hash {
		bc.hash[i] = none
	}
	util.DPrintf(1, "MkBcache: %d buffers, %d hash buckets\n", nbuf, nhash)
	return bc
}

// SetSyncInodes installs the hook that writes dirty inodes into their
// buffers; SyncDev and Sync call it between their two passes.
func (bc *Bcache) SetSyncInodes(f func()) {
	bc.mu.Lock()
	bc.syncInodes = f
	bc.mu.Unlock()
}

func (bc *Bcache) NBuf() uint64 {
	return uint64(len(bc.bufs))
}

func (bc *Bcache) hashfn(dev common.Dev, blkno common.Bnum) uint64 {
	return (uint64(dev) ^ uint64(blkno)) % uint64(len(bc.hash))
}

func (bc *Bcache) removeFromQueues(i int) {
	b := bc.bufs[i]
	if bc.hnext[i] != none {
		bc.hprev[bc.hnext[i]] = bc.hprev[i]
	}
	if bc.hprev[i] != none {
		bc.hnext[bc.hprev[i]] = bc.hnext[i]
	}
	h := bc.hashfn(b.Dev, b.Blkno)
	if bc.hash[h] == i {
		bc.hash[h] = bc.hnext[i]
	}
	if bc.fprev[i] == none || bc.fnext[i] == none {
		panic("Free block list corrupted")
	}
	bc.fnext[bc.fprev[i]] = bc.fnext[i]
	bc.fprev[bc.fnext[i]] = bc.fprev[i]
	if bc.freeList == i {
		bc.freeList = bc.fnext[i]
	}
}

// insertIntoQueues puts buffer i at the end of the free ring, and on its
// hash chain if it names a device.
func (bc *Bcache) insertIntoQueues(i int) {
	b := bc.bufs[i]
	bc.fnext[i] = bc.freeList
	bc.fprev[i] = bc.fprev[bc.freeList]
	bc.fnext[bc.fprev[bc.freeList]] = i
	bc.fprev[bc.freeList] = i

	bc.hnext[i] = none
	bc.hprev[i] = none
	if b.Dev == common.NODEV {
		return
	}
	h := bc.hashfn(b.Dev, b.Blkno)
	bc.hnext[i] = bc.hash[h]
	bc.hash[h] = i
	if bc.hnext[i] != none {
		bc.hprev[bc.hnext[i]] = i
	}
}

func (bc *Bcache) findBuffer(dev common.Dev, blkno common.Bnum) int {
	for i := bc.hash[bc.hashfn(dev, blkno)]; i != none; i = bc.hnext[i] {
		b := bc.bufs[i]
		if b.Dev == dev && b.Blkno == blkno {
			return i
		}
	}
	return none
}

// getHashTable returns the referenced, unlocked buffer for (dev, blkno)
// or nil.  Requires mu.
func (bc *Bcache) getHashTable(dev common.Dev, blkno common.Bnum) *buf.Buf {
	for {
		i := bc.findBuffer(dev, blkno)
		if i == none {
			return nil
		}
		b := bc.bufs[i]
		b.IncRef()
		b.Wait()
		if b.Dev == dev && b.Blkno == blkno {
			return b
		}
		// retagged while we slept
		b.DecRef()
		bc.bufWait.Broadcast()
	}
}

// Find returns the cached buffer for (dev, blkno), referenced, or nil if
// the block is not in the cache.
func (bc *Bcache) Find(dev common.Dev, blkno common.Bnum) *buf.Buf {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.getHashTable(dev, blkno)
}

// victim scans the free ring from the cursor for the unreferenced buffer
// with the lowest badness, stopping at the first clean unlocked one.
func (bc *Bcache) victim() int {
	var v = none
	var tmp = bc.freeList
	for {
		b := bc.bufs[tmp]
		if b.Count() == 0 {
			if v == none || b.Badness() < bc.bufs[v].Badness() {
				v = tmp
				if b.Badness() == 0 {
					break
				}
			}
		}
		tmp = bc.fnext[tmp]
		if tmp == bc.freeList {
			break
		}
	}
	return v
}

// Getblk returns the unique buffer for (dev, blkno), referenced.  It
// never fails; it waits for a buffer to be released when all of them
// are in use.
func (bc *Bcache) Getblk(dev common.Dev, blkno common.Bnum) *buf.Buf {
	defer bc.ops[getblkOp].Record(time.Now())
	if dev == common.NODEV {
		panic("Getblk: NODEV")
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
repeat:
	for {
		if b := bc.getHashTable(dev, blkno); b != nil {
			bc.ops[hitOp].Inc()
			return b
		}
		v := bc.victim()
		if v == none {
			util.DPrintf(5, "Getblk: all buffers in use\n")
			bc.bufWait.Wait()
			continue
		}
		b := bc.bufs[v]
		b.Wait()
		if b.Count() > 0 {
			continue
		}
		for b.IsDirty() {
			vdev := b.Dev
			bc.mu.Unlock()
			bc.flushBuffers(vdev, false)
			bc.mu.Lock()
			b.Wait()
			if b.Count() > 0 {
				continue repeat
			}
		}
		// someone may have added (dev, blkno) while we slept
		if bc.findBuffer(dev, blkno) != none {
			continue
		}
		bc.ops[missOp].Inc()
		bc.removeFromQueues(v)
		b.Retag(dev, blkno)
		bc.insertIntoQueues(v)
		util.DPrintf(10, "Getblk: %d/%d -> buffer %d\n", dev, blkno, v)
		return b
	}
}

func (bc *Bcache) Brelse(b *buf.Buf) {
	if b == nil {
		return
	}
	defer bc.ops[brelseOp].Record(time.Now())
	bc.mu.Lock()
	defer bc.mu.Unlock()
	b.Wait()
	if b.Count() == 0 {
		panic("Brelse: trying to free free buffer")
	}
	b.DecRef()
	bc.bufWait.Broadcast()
}

func (bc *Bcache) uptodate(b *buf.Buf) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return b.IsUptodate()
}

// waitUptodate waits for b's transfer and reports whether it holds valid
// data.
func (bc *Bcache) waitUptodate(b *buf.Buf) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	b.Wait()
	return b.IsUptodate()
}

// Bread returns the buffer for (dev, blkno) filled from the device, or
// nil if the block could not be read.
func (bc *Bcache) Bread(dev common.Dev, blkno common.Bnum) *buf.Buf {
	defer bc.ops[breadOp].Record(time.Now())
	b := bc.Getblk(dev, blkno)
	if bc.uptodate(b) {
		return b
	}
	bc.q.LLRWBlock(blkdev.READ, b)
	if bc.waitUptodate(b) {
		return b
	}
	bc.Brelse(b)
	return nil
}

// Breada is Bread of first, also starting read-ahead of rest.
func (bc *Bcache) Breada(dev common.Dev, first common.Bnum, rest ...common.Bnum) *buf.Buf {
	b := bc.Getblk(dev, first)
	if !bc.uptodate(b) {
		bc.q.LLRWBlock(blkdev.READ, b)
	}
	for _, bn := range rest {
		tmp := bc.Getblk(dev, bn)
		if !bc.uptodate(tmp) {
			bc.q.LLRWBlock(blkdev.READA, tmp)
		}
		// drop the reference without waiting for the read-ahead
		bc.mu.Lock()
		tmp.DecRef()
		bc.bufWait.Broadcast()
		bc.mu.Unlock()
	}
	if bc.waitUptodate(b) {
		return b
	}
	bc.Brelse(b)
	return nil
}

// BreadPage reads blocks into consecutive BlockSize chunks of dst.  All
// reads are started before any is waited for.  A zero block number, or a
// block that cannot be read, leaves its chunk untouched.
func (bc *Bcache) BreadPage(dev common.Dev, blocks []common.Bnum, dst []byte) {
	if uint64(len(dst)) < uint64(len(blocks))*common.BlockSize {
		panic("BreadPage")
	}
	bufs := make([]*buf.Buf, len(blocks))
	for i, bn := range blocks {
		if bn == common.NULLBNUM {
			continue
		}
		bufs[i] = bc.Getblk(dev, bn)
		if !bc.uptodate(bufs[i]) {
			bc.q.LLRWBlock(blkdev.READ, bufs[i])
		}
	}
	for i, b := range bufs {
		if b == nil {
			continue
		}
		if bc.waitUptodate(b) {
			copy(dst[uint64(i)*common.BlockSize:], b.Data)
		}
		bc.Brelse(b)
	}
}

// Write starts a write-back of b if it is dirty and waits for it.
func (bc *Bcache) Write(b *buf.Buf) bool {
	bc.q.LLRWBlock(blkdev.WRITE, b)
	return bc.waitUptodate(b)
}

// Modify runs f on the data of a referenced buffer while holding the
// buffer's lock, so it waits for any transfer in flight.  b is marked
// dirty if f reports a change.  f must not call back into the cache.
func (bc *Bcache) Modify(b *buf.Buf, f func(d disk.Block) bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	b.Lock()
	if f(b.Data) {
		b.SetDirty(true)
	}
	b.Unlock()
}

func (bc *Bcache) MarkDirty(b *buf.Buf) {
	bc.mu.Lock()
	b.SetDirty(true)
	bc.mu.Unlock()
}

// Clear zeroes a referenced buffer and marks it valid and dirty, for
// blocks that are freshly allocated on disk.
func (bc *Bcache) Clear(b *buf.Buf) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	b.Wait()
	for i := range b.Data {
		b.Data[i] = 0
	}
	b.SetUptodate(true)
	b.SetDirty(true)
}

// Forget drops the cached copy of a block that is being freed on disk.
// It reports false if someone else still holds the buffer.
func (bc *Bcache) Forget(dev common.Dev, blkno common.Bnum) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	b := bc.getHashTable(dev, blkno)
	if b == nil {
		return true
	}
	var ok = true
	if b.Count() != 1 {
		util.DPrintf(0, "trying to free block (%d:%d), count=%d\n",
			dev, blkno, b.Count())
		ok = false
	} else {
		b.SetDirty(false)
		b.SetUptodate(false)
	}
	b.DecRef()
	bc.bufWait.Broadcast()
	return ok
}

// flushBuffers writes back the dirty buffers of dev (of every device if
// all is set) and waits for the writes.
func (bc *Bcache) flushBuffers(dev common.Dev, all bool) {
	var pending []*buf.Buf
	bc.mu.Lock()
	for _, b := range bc.bufs {
		if !all && b.Dev != dev {
			continue
		}
		b.Wait()
		if b.Dev == common.NODEV || (!all && b.Dev != dev) || !b.IsDirty() {
			continue
		}
		bc.mu.Unlock()
		bc.q.LLRWBlock(blkdev.WRITE, b)
		bc.mu.Lock()
		pending = append(pending, b)
	}
	for _, b := range pending {
		b.Wait()
	}
	bc.mu.Unlock()
}

func (bc *Bcache) inodeSync() {
	bc.mu.Lock()
	f := bc.syncInodes
	bc.mu.Unlock()
	if f != nil {
		f()
	}
}

// SyncDev writes back dev.  Writing the inodes dirties their buffers, so
// the buffers are flushed again afterwards.
func (bc *Bcache) SyncDev(dev common.Dev) {
	defer bc.ops[syncOp].Record(time.Now())
	util.DPrintf(1, "SyncDev %d\n", dev)
	bc.flushBuffers(dev, false)
	bc.inodeSync()
	bc.flushBuffers(dev, false)
}

// Sync writes back every device.
func (bc *Bcache) Sync() {
	defer bc.ops[syncOp].Record(time.Now())
	util.DPrintf(1, "Sync\n")
	bc.flushBuffers(common.NODEV, true)
	bc.inodeSync()
	bc.flushBuffers(common.NODEV, true)
}

// Invalidate forgets the contents of every buffer of dev, after its media
// went away.
func (bc *Bcache) Invalidate(dev common.Dev) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	for _, b := range bc.bufs {
		if b.Dev != dev {
			continue
		}
		b.Wait()
		if b.Dev == dev {
			b.SetUptodate(false)
			b.SetDirty(false)
		}
	}
}

const (
	getblkOp int = iota
	breadOp
	brelseOp
	syncOp
	hitOp
	missOp
	nop
)

var opNames = []string{"getblk", "bread", "brelse", "sync", "hit", "miss"}

func (bc *Bcache) WriteStats(w io.Writer) {
	stats.WriteTable(opNames, bc.ops[:], w)
}

func (bc *Bcache) ResetStats() {
	for i := range bc.ops {
		bc.ops[i].Reset()
	}
}
