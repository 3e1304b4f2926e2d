package inode

import (
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-fscore/buf"
	"github.com/mit-pdos/go-fscore/common"
)

// # blocks read with one BreadPage
const readRun uint64 = 4

// Read copies bytes of ip starting at off into dst and returns how many
// it copied; reading stops at the end of the file.  Holes and blocks that
// cannot be read come back as zeroes.
func (it *Itable) Read(ip *Inode, off uint64, dst []byte) uint64 {
	it.Lock(ip)
	defer it.Unlock(ip)

	if off >= ip.Size {
		return 0
	}
	count := util.Min(uint64(len(dst)), ip.Size-off)
	util.DPrintf(5, "Read: %d/%d off %d cnt %d\n", ip.Dev, ip.Inum, off, count)
	var n uint64 = 0
	for n < count {
		pos := off + n
		boff := pos % common.BlockSize
		if boff == 0 && count-n >= common.BlockSize {
			nblk := util.Min((count-n)/common.BlockSize, readRun)
			blocks := make([]common.Bnum, nblk)
			for i := range blocks {
				blocks[i] = it.bmap(ip, pos/common.BlockSize+uint64(i), false)
			}
			span := dst[n : n+nblk*common.BlockSize]
			for i := range span {
				span[i] = 0
			}
			it.bc.BreadPage(ip.Dev, blocks, span)
			n += nblk * common.BlockSize
			continue
		}
		chars := util.Min(common.BlockSize-boff, count-n)
		var b *buf.Buf
		blk := it.bmap(ip, pos/common.BlockSize, false)
		if blk != common.NULLBNUM {
			var next = common.NULLBNUM
			if n+chars < count {
				next = it.bmap(ip, pos/common.BlockSize+1, false)
			}
			if next != common.NULLBNUM {
				b = it.bc.Breada(ip.Dev, blk, next)
			} else {
				b = it.bc.Bread(ip.Dev, blk)
			}
		}
		if b != nil {
			copy(dst[n:n+chars], b.Data[boff:boff+chars])
			it.bc.Brelse(b)
		} else {
			for i := n; i < n+chars; i++ {
				dst[i] = 0
			}
		}
		n += chars
	}
	ip.Atime = now()
	return n
}

// Write copies src into ip at off, allocating blocks as needed, and
// returns the number of bytes written.  It reports false if it stopped
// early because the device filled up or a block could not be read.
func (it *Itable) Write(ip *Inode, off uint64, src []byte) (uint64, bool) {
	it.Lock(ip)
	defer it.Unlock(ip)

	count := uint64(len(src))
	if off+count > common.MAXFILEBLK*common.BlockSize {
		return 0, false
	}
	util.DPrintf(5, "Write: %d/%d off %d cnt %d\n", ip.Dev, ip.Inum, off, count)
	var n uint64 = 0
	for n < count {
		pos := off + n
		boff := pos % common.BlockSize
		chars := util.Min(common.BlockSize-boff, count-n)
		blk := it.bmap(ip, pos/common.BlockSize, true)
		if blk == common.NULLBNUM {
			break
		}
		var b *buf.Buf
		if chars == common.BlockSize {
			// whole block: no need to read it first
			b = it.bc.Getblk(ip.Dev, blk)
			it.bc.Clear(b)
		} else {
			b = it.bc.Bread(ip.Dev, blk)
			if b == nil {
				break
			}
		}
		it.bc.Modify(b, func(d disk.Block) bool {
			copy(d[boff:boff+chars], src[n:n+chars])
			return true
		})
		it.bc.Brelse(b)
		n += chars
		if off+n > ip.Size {
			ip.Size = off + n
		}
	}
	t := now()
	ip.Mtime = t
	ip.Ctime = t
	it.markDirty(ip)
	util.DPrintf(1, "Write: %d/%d off %d cnt %d size %d\n", ip.Dev, ip.Inum,
		off, n, ip.Size)
	return n, n == count
}
