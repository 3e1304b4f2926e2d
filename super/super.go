package super

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-fscore/bcache"
	"github.com/mit-pdos/go-fscore/buf"
	"github.com/mit-pdos/go-fscore/common"
)

// Disk layout: block 0 is the boot block and is never touched, block 1
// holds the superblock, then come the inode bitmap, the zone bitmap, the
// inode table and the data zones.
//
// Bit 0 of each bitmap is reserved, so bit n of the inode bitmap is inode
// n and bit n of the zone bitmap is block FirstDataZone+n-1.

type SuperBlock struct {
	// on disk
	Ninodes       uint64
	Nzones        uint64
	ImapBlocks    uint64
	ZmapBlocks    uint64
	FirstDataZone uint64
	LogZoneSize   uint64
	MaxSize       uint64
	Magic         uint64

	// in memory
	Dev    common.Dev
	imap   []*buf.Buf
	zmap   []*buf.Buf
	locked bool
	wait   *sync.Cond
}

var ErrLayout = errors.New("file system does not fit")

func layout(nzones uint64, ninodes uint64) (uint64, uint64, uint64, error) {
	imap := util.RoundUp(ninodes+1, common.NBITBLOCK)
	zmap := util.RoundUp(nzones, common.NBITBLOCK)
	if ninodes == 0 || imap > common.MAX_IMAP_BLOCK || zmap > common.MAX_ZMAP_BLOCK {
		return 0, 0, 0, fmt.Errorf("%d zones %d inodes: %w", nzones, ninodes, ErrLayout)
	}
	first := 2 + imap + zmap + util.RoundUp(ninodes, common.INODEBLK)
	if first >= nzones {
		return 0, 0, 0, fmt.Errorf("%d zones %d inodes: no room for data: %w",
			nzones, ninodes, ErrLayout)
	}
	return imap, zmap, first, nil
}

// CheckLayout reports whether a file system of nzones blocks with
// ninodes inodes can be laid out.
func CheckLayout(nzones uint64, ninodes uint64) error {
	_, _, _, err := layout(nzones, ninodes)
	return err
}

// MkSuperBlock computes the layout of a file system with nzones blocks
// and ninodes inodes.
func MkSuperBlock(nzones uint64, ninodes uint64) *SuperBlock {
	imap, zmap, first, err := layout(nzones, ninodes)
	if err != nil {
		panic("MkSuperBlock: " + err.Error())
	}
	return &SuperBlock{
		Ninodes:       ninodes,
		Nzones:        nzones,
		ImapBlocks:    imap,
		ZmapBlocks:    zmap,
		FirstDataZone: first,
		LogZoneSize:   0,
		MaxSize:       common.MAXFILEBLK * common.BlockSize,
		Magic:         common.SUPER_MAGIC,
	}
}

func (sb *SuperBlock) String() string {
	return fmt.Sprintf("dev %d ninodes %d nzones %d imap %d zmap %d data %d",
		sb.Dev, sb.Ninodes, sb.Nzones, sb.ImapBlocks, sb.ZmapBlocks,
		sb.FirstDataZone)
}

func (sb *SuperBlock) Encode() []byte {
	enc := marshal.NewEnc(common.BlockSize)
	enc.PutInt(sb.Ninodes)
	enc.PutInt(sb.Nzones)
	enc.PutInt(sb.ImapBlocks)
	enc.PutInt(sb.ZmapBlocks)
	enc.PutInt(sb.FirstDataZone)
	enc.PutInt(sb.LogZoneSize)
	enc.PutInt(sb.MaxSize)
	enc.PutInt(sb.Magic)
	return enc.Finish()
}

func Decode(blk disk.Block) *SuperBlock {
	dec := marshal.NewDec(blk)
	sb := &SuperBlock{}
	sb.Ninodes = dec.GetInt()
	sb.Nzones = dec.GetInt()
	sb.ImapBlocks = dec.GetInt()
	sb.ZmapBlocks = dec.GetInt()
	sb.FirstDataZone = dec.GetInt()
	sb.LogZoneSize = dec.GetInt()
	sb.MaxSize = dec.GetInt()
	sb.Magic = dec.GetInt()
	return sb
}

func (sb *SuperBlock) ImapStart() common.Bnum {
	return common.SUPER_BLOCKNR + 1
}

func (sb *SuperBlock) ZmapStart() common.Bnum {
	return sb.ImapStart() + common.Bnum(sb.ImapBlocks)
}

func (sb *SuperBlock) InodeStart() common.Bnum {
	return sb.ZmapStart() + common.Bnum(sb.ZmapBlocks)
}

// InodeBlock returns the block holding inode inum and the inode's slot
// in it.
func (sb *SuperBlock) InodeBlock(inum common.Inum) (common.Bnum, uint64) {
	if inum == common.NULLINUM {
		panic("InodeBlock")
	}
	n := uint64(inum) - 1
	return sb.InodeStart() + common.Bnum(n/common.INODEBLK), n % common.INODEBLK
}

// Table is the in-memory superblock table, one entry per mounted device.
// mu also protects the bitmap contents of every entry.
type Table struct {
	mu  *sync.Mutex
	bc  *bcache.Bcache
	sbs []*SuperBlock
}

func MkTable(bc *bcache.Bcache, nsuper uint64) *Table {
	t := &Table{
		mu:  new(sync.Mutex),
		bc:  bc,
		sbs: make([]*SuperBlock, nsuper),
	}
	for i := range t.sbs {
		t.sbs[i] = &SuperBlock{Dev: common.NODEV, wait: sync.NewCond(t.mu)}
	}
	return t
}

func (t *Table) NSuper() uint64 {
	return uint64(len(t.sbs))
}

func (sb *SuperBlock) waitUnlocked() {
	for sb.locked {
		sb.wait.Wait()
	}
}

func (sb *SuperBlock) lock() {
	sb.waitUnlocked()
	sb.locked = true
}

func (sb *SuperBlock) unlock() {
	sb.locked = false
	sb.wait.Broadcast()
}

// getSuper requires t.mu.
func (t *Table) getSuper(dev common.Dev) *SuperBlock {
	if dev == common.NODEV {
		return nil
	}
	for {
		var found *SuperBlock
		for _, sb := range t.sbs {
			if sb.Dev == dev {
				found = sb
				break
			}
		}
		if found == nil {
			return nil
		}
		found.waitUnlocked()
		if found.Dev == dev {
			return found
		}
	}
}

// GetSuper returns the superblock of a mounted device, or nil.
func (t *Table) GetSuper(dev common.Dev) *SuperBlock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getSuper(dev)
}

func (t *Table) releaseMaps(sb *SuperBlock) {
	for _, b := range sb.imap {
		t.bc.Brelse(b)
	}
	for _, b := range sb.zmap {
		t.bc.Brelse(b)
	}
	sb.imap = nil
	sb.zmap = nil
}

func (t *Table) readMaps(sb *SuperBlock) bool {
	sb.imap = make([]*buf.Buf, 0, sb.ImapBlocks)
	sb.zmap = make([]*buf.Buf, 0, sb.ZmapBlocks)
	for i := uint64(0); i < sb.ImapBlocks; i++ {
		b := t.bc.Bread(sb.Dev, sb.ImapStart()+common.Bnum(i))
		if b == nil {
			return false
		}
		sb.imap = append(sb.imap, b)
	}
	for i := uint64(0); i < sb.ZmapBlocks; i++ {
		b := t.bc.Bread(sb.Dev, sb.ZmapStart()+common.Bnum(i))
		if b == nil {
			return false
		}
		sb.zmap = append(sb.zmap, b)
	}
	// bit 0 is never handed out
	for _, b := range []*buf.Buf{sb.imap[0], sb.zmap[0]} {
		t.bc.Modify(b, func(d disk.Block) bool {
			return !setBit(d, 0)
		})
	}
	return true
}

// ReadSuper loads the superblock and bitmaps of dev into a free table
// entry and keeps the bitmap buffers referenced until PutSuper.  It
// returns nil if the table is full, the block cannot be read or the
// magic number is wrong.
func (t *Table) ReadSuper(dev common.Dev) *SuperBlock {
	if dev == common.NODEV {
		return nil
	}
	t.mu.Lock()
	if sb := t.getSuper(dev); sb != nil {
		t.mu.Unlock()
		return sb
	}
	var sb *SuperBlock
	for _, s := range t.sbs {
		if s.Dev == common.NODEV && !s.locked {
			sb = s
			break
		}
	}
	if sb == nil {
		t.mu.Unlock()
		util.DPrintf(0, "ReadSuper: no free superblock for %d\n", dev)
		return nil
	}
	sb.Dev = dev
	sb.lock()
	t.mu.Unlock()

	ok := t.fill(sb)

	t.mu.Lock()
	if !ok {
		sb.Dev = common.NODEV
	}
	sb.unlock()
	t.mu.Unlock()
	if !ok {
		return nil
	}
	util.DPrintf(1, "ReadSuper: %v\n", sb)
	return sb
}

// fill runs with sb locked and t.mu released, since it reads the disk.
func (t *Table) fill(sb *SuperBlock) bool {
	b := t.bc.Bread(sb.Dev, common.SUPER_BLOCKNR)
	if b == nil {
		return false
	}
	d := Decode(b.Data)
	t.bc.Brelse(b)
	if d.Magic != common.SUPER_MAGIC {
		util.DPrintf(0, "ReadSuper: dev %d bad magic %x\n", sb.Dev, d.Magic)
		return false
	}
	sb.Ninodes = d.Ninodes
	sb.Nzones = d.Nzones
	sb.ImapBlocks = d.ImapBlocks
	sb.ZmapBlocks = d.ZmapBlocks
	sb.FirstDataZone = d.FirstDataZone
	sb.LogZoneSize = d.LogZoneSize
	sb.MaxSize = d.MaxSize
	sb.Magic = d.Magic
	if sb.ImapBlocks == 0 || sb.ZmapBlocks == 0 ||
		sb.ImapBlocks > common.MAX_IMAP_BLOCK ||
		sb.ZmapBlocks > common.MAX_ZMAP_BLOCK {
		util.DPrintf(0, "ReadSuper: dev %d bad bitmap size\n", sb.Dev)
		return false
	}
	if !t.readMaps(sb) {
		t.releaseMaps(sb)
		return false
	}
	return true
}

// PutSuper drops dev's table entry and its bitmap buffers.
func (t *Table) PutSuper(dev common.Dev) {
	t.mu.Lock()
	sb := t.getSuper(dev)
	if sb == nil {
		t.mu.Unlock()
		return
	}
	sb.lock()
	sb.Dev = common.NODEV
	t.mu.Unlock()

	t.releaseMaps(sb)

	t.mu.Lock()
	sb.unlock()
	t.mu.Unlock()
	util.DPrintf(1, "PutSuper: %d\n", dev)
}

func findFirstZero(blk disk.Block) (uint64, bool) {
	for i, b := range blk {
		if b == 0xff {
			continue
		}
		for bit := uint64(0); bit < 8; bit++ {
			if b&(1<<bit) == 0 {
				return uint64(i)*8 + bit, true
			}
		}
	}
	return 0, false
}

func setBit(blk disk.Block, n uint64) bool {
	old := blk[n/8]&(1<<(n%8)) != 0
	blk[n/8] |= 1 << (n % 8)
	return old
}

func clearBit(blk disk.Block, n uint64) bool {
	old := blk[n/8]&(1<<(n%8)) != 0
	blk[n/8] &= ^(1 << (n % 8))
	return old
}

// allocBit claims the first clear bit below limit, returning 0 if there
// is none.
func (t *Table) allocBit(bm []*buf.Buf, limit uint64) uint64 {
	for i, b := range bm {
		var bit uint64 = 0
		var found = false
		t.bc.Modify(b, func(d disk.Block) bool {
			n, ok := findFirstZero(d)
			if !ok {
				return false
			}
			found = true
			if uint64(i)*common.NBITBLOCK+n >= limit {
				return false
			}
			bit = uint64(i)*common.NBITBLOCK + n
			setBit(d, n)
			return true
		})
		if found {
			return bit
		}
	}
	return 0
}

func (t *Table) freeBit(bm []*buf.Buf, bit uint64) bool {
	var old bool
	t.bc.Modify(bm[bit/common.NBITBLOCK], func(d disk.Block) bool {
		old = clearBit(d, bit%common.NBITBLOCK)
		return true
	})
	return old
}

// NewBlock allocates a data zone on dev and returns it zeroed and dirty
// in the cache, or 0 if the device is full.
func (t *Table) NewBlock(dev common.Dev) common.Bnum {
	t.mu.Lock()
	sb := t.getSuper(dev)
	if sb == nil {
		t.mu.Unlock()
		panic("NewBlock: nonexistent device")
	}
	bit := t.allocBit(sb.zmap, sb.Nzones-sb.FirstDataZone+1)
	t.mu.Unlock()
	if bit == 0 {
		util.DPrintf(1, "NewBlock: dev %d full\n", dev)
		return common.NULLBNUM
	}
	bn := common.Bnum(sb.FirstDataZone + bit - 1)
	b := t.bc.Getblk(dev, bn)
	t.bc.Clear(b)
	t.bc.Brelse(b)
	util.DPrintf(5, "NewBlock: dev %d -> %d\n", dev, bn)
	return bn
}

// FreeBlock returns a data zone to dev's bitmap and drops its cached
// copy.  A block still referenced by someone else is not freed.
func (t *Table) FreeBlock(dev common.Dev, bn common.Bnum) {
	sb := t.GetSuper(dev)
	if sb == nil {
		panic("FreeBlock: nonexistent device")
	}
	if uint64(bn) < sb.FirstDataZone || uint64(bn) >= sb.Nzones {
		panic("FreeBlock: block not in data zone")
	}
	if !t.bc.Forget(dev, bn) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.freeBit(sb.zmap, uint64(bn)-sb.FirstDataZone+1) {
		util.DPrintf(0, "FreeBlock: dev %d block %d already cleared\n", dev, bn)
	}
}

// AllocInum claims an inode number on dev, or returns 0.
func (t *Table) AllocInum(dev common.Dev) common.Inum {
	t.mu.Lock()
	defer t.mu.Unlock()
	sb := t.getSuper(dev)
	if sb == nil {
		panic("AllocInum: nonexistent device")
	}
	return common.Inum(t.allocBit(sb.imap, sb.Ninodes+1))
}

func (t *Table) FreeInum(dev common.Dev, inum common.Inum) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sb := t.getSuper(dev)
	if sb == nil {
		panic("FreeInum: nonexistent device")
	}
	if inum == common.NULLINUM || uint64(inum) > sb.Ninodes {
		panic("FreeInum: inode 0 or nonexistent inode")
	}
	if !t.freeBit(sb.imap, uint64(inum)) {
		util.DPrintf(0, "FreeInum: dev %d inode %d already cleared\n", dev, inum)
	}
}

// InumAllocated reports whether inum's bit is set in dev's inode bitmap.
func (t *Table) InumAllocated(dev common.Dev, inum common.Inum) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sb := t.getSuper(dev)
	if sb == nil || inum == common.NULLINUM || uint64(inum) > sb.Ninodes {
		return false
	}
	b := sb.imap[uint64(inum)/common.NBITBLOCK]
	off := uint64(inum) % common.NBITBLOCK
	return b.Data[off/8]&(1<<(off%8)) != 0
}

// NFree counts the clear bits of dev's zone and inode bitmaps.
func (t *Table) NFree(dev common.Dev) (uint64, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sb := t.getSuper(dev)
	if sb == nil {
		return 0, 0
	}
	return countZero(sb.zmap, sb.Nzones-sb.FirstDataZone+1),
		countZero(sb.imap, sb.Ninodes+1)
}

func countZero(bm []*buf.Buf, limit uint64) uint64 {
	var n uint64 = 0
	for bit := uint64(0); bit < limit; bit++ {
		b := bm[bit/common.NBITBLOCK]
		off := bit % common.NBITBLOCK
		if b.Data[off/8]&(1<<(off%8)) == 0 {
			n++
		}
	}
	return n
}
