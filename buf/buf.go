package buf

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-fscore/common"
)

// Buf is one cached disk block.
//
// The flags and the reference count are protected by the mutex the buffer
// was made with, which the buffer cache and the request queue share. Every
// method requires the caller to hold that mutex. Data belongs to whoever
// holds the buffer's lock flag while it is locked, and to the reference
// holders otherwise.
type Buf struct {
	mu   *sync.Mutex
	wait *sync.Cond // broadcast when the buffer is unlocked

	Dev   common.Dev
	Blkno common.Bnum
	Data  disk.Block

	dirty    bool
	uptodate bool
	locked   bool
	count    uint32
}

func MkBuf(mu *sync.Mutex, data disk.Block) *Buf {
	return &Buf{
		mu:    mu,
		wait:  sync.NewCond(mu),
		Dev:   common.NODEV,
		Blkno: common.NULLBNUM,
		Data:  data,
	}
}

func (b *Buf) String() string {
	return fmt.Sprintf("%d/%d c %d d %v u %v l %v", b.Dev, b.Blkno, b.count,
		b.dirty, b.uptodate, b.locked)
}

// Wait suspends until b is unlocked. The mutex is released while
// suspended, so the caller must re-validate anything it read before.
func (b *Buf) Wait() {
	for b.locked {
		b.wait.Wait()
	}
}

func (b *Buf) Lock() {
	b.Wait()
	b.locked = true
}

func (b *Buf) Unlock() {
	if !b.locked {
		util.DPrintf(0, "Unlock: buffer %v not locked\n", b)
	}
	b.locked = false
	b.wait.Broadcast()
}

func (b *Buf) IsLocked() bool {
	return b.locked
}

func (b *Buf) IsDirty() bool {
	return b.dirty
}

func (b *Buf) SetDirty(dirty bool) {
	b.dirty = dirty
}

func (b *Buf) IsUptodate() bool {
	return b.uptodate
}

func (b *Buf) SetUptodate(uptodate bool) {
	b.uptodate = uptodate
}

func (b *Buf) Count() uint32 {
	return b.count
}

func (b *Buf) IncRef() {
	b.count = b.count + 1
}

func (b *Buf) DecRef() {
	if b.count == 0 {
		panic("DecRef")
	}
	b.count = b.count - 1
}

// Badness scores b as a replacement victim: dirty costs a write-back,
// locked costs a wait.
func (b *Buf) Badness() uint64 {
	var s uint64 = 0
	if b.dirty {
		s += 2
	}
	if b.locked {
		s += 1
	}
	return s
}

// Retag gives an unreferenced buffer a new identity, handing it out
// referenced once, clean and not yet valid.
func (b *Buf) Retag(dev common.Dev, blkno common.Bnum) {
	b.Dev = dev
	b.Blkno = blkno
	b.count = 1
	b.dirty = false
	b.uptodate = false
}
