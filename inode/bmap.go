package inode

import (
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-fscore/common"
)

//
// Block address translation.  Logical blocks 0..NDIRECT-1 are direct
// zones, the next NINDIRECT go through the single-indirect zone and the
// rest through the double-indirect zone.  An indirect block is an array
// of 8-byte little-endian block numbers; 0 is a hole.
//
// The caller holds ip's lock.
//

// root makes sure zone z of ip exists when creating, and reports whether
// it does.
func (it *Itable) root(ip *Inode, z uint64, create bool) bool {
	if create && ip.Zone[z] == common.NULLBNUM {
		ip.Zone[z] = it.sbt.NewBlock(ip.Dev)
		if ip.Zone[z] != common.NULLBNUM {
			ip.Ctime = now()
			it.markDirty(ip)
		}
	}
	return ip.Zone[z] != common.NULLBNUM
}

// indirect returns entry idx of indirect block ind, allocating it when
// creating.
func (it *Itable) indirect(dev common.Dev, ind common.Bnum, idx uint64, create bool) common.Bnum {
	b := it.bc.Bread(dev, ind)
	if b == nil {
		return common.NULLBNUM
	}
	off := idx * 8
	bn := common.Bnum(machine.UInt64Get(b.Data[off : off+8]))
	if create && bn == common.NULLBNUM {
		bn = it.sbt.NewBlock(dev)
		if bn != common.NULLBNUM {
			it.bc.Modify(b, func(d disk.Block) bool {
				machine.UInt64Put(d[off:off+8], uint64(bn))
				return true
			})
		}
	}
	it.bc.Brelse(b)
	return bn
}

func (it *Itable) bmap(ip *Inode, bn uint64, create bool) common.Bnum {
	if bn >= common.MAXFILEBLK {
		panic("bmap: block>big")
	}
	if bn < common.NDIRECT {
		if create && ip.Zone[bn] == common.NULLBNUM {
			ip.Zone[bn] = it.sbt.NewBlock(ip.Dev)
			if ip.Zone[bn] != common.NULLBNUM {
				ip.Ctime = now()
				it.markDirty(ip)
			}
		}
		return ip.Zone[bn]
	}
	bn -= common.NDIRECT
	if bn < common.NINDIRECT {
		if !it.root(ip, common.INDIRECT, create) {
			return common.NULLBNUM
		}
		return it.indirect(ip.Dev, ip.Zone[common.INDIRECT], bn, create)
	}
	bn -= common.NINDIRECT
	if !it.root(ip, common.DINDIRECT, create) {
		return common.NULLBNUM
	}
	ind := it.indirect(ip.Dev, ip.Zone[common.DINDIRECT], bn/common.NINDIRECT, create)
	if ind == common.NULLBNUM {
		return common.NULLBNUM
	}
	return it.indirect(ip.Dev, ind, bn%common.NINDIRECT, create)
}

// Bmap maps logical block bn of ip to a disk block, or 0 for a hole.
func (it *Itable) Bmap(ip *Inode, bn uint64) common.Bnum {
	return it.bmap(ip, bn, false)
}

// CreateBlock is Bmap, allocating missing blocks.  It returns 0 if the
// device is full or an indirect block cannot be read.
func (it *Itable) CreateBlock(ip *Inode, bn uint64) common.Bnum {
	return it.bmap(ip, bn, true)
}

func (it *Itable) freeInd(dev common.Dev, ind common.Bnum) {
	if ind == common.NULLBNUM {
		return
	}
	b := it.bc.Bread(dev, ind)
	if b != nil {
		for i := uint64(0); i < common.NINDIRECT; i++ {
			bn := common.Bnum(machine.UInt64Get(b.Data[i*8 : i*8+8]))
			if bn != common.NULLBNUM {
				it.sbt.FreeBlock(dev, bn)
			}
		}
		it.bc.Brelse(b)
	}
	it.sbt.FreeBlock(dev, ind)
}

func (it *Itable) freeDind(dev common.Dev, dind common.Bnum) {
	if dind == common.NULLBNUM {
		return
	}
	b := it.bc.Bread(dev, dind)
	if b != nil {
		for i := uint64(0); i < common.NINDIRECT; i++ {
			it.freeInd(dev, common.Bnum(machine.UInt64Get(b.Data[i*8:i*8+8])))
		}
		it.bc.Brelse(b)
	}
	it.sbt.FreeBlock(dev, dind)
}

// truncate frees every block of a regular file or directory.  Requires
// ip's lock and not mu.
func (it *Itable) truncate(ip *Inode) {
	if !common.IsReg(ip.Mode) && !common.IsDir(ip.Mode) {
		return
	}
	for i := uint64(0); i < common.NDIRECT; i++ {
		if ip.Zone[i] != common.NULLBNUM {
			it.sbt.FreeBlock(ip.Dev, ip.Zone[i])
			ip.Zone[i] = common.NULLBNUM
		}
	}
	it.freeInd(ip.Dev, ip.Zone[common.INDIRECT])
	it.freeDind(ip.Dev, ip.Zone[common.DINDIRECT])
	ip.Zone[common.INDIRECT] = common.NULLBNUM
	ip.Zone[common.DINDIRECT] = common.NULLBNUM
	ip.Size = 0
	t := now()
	ip.Mtime = t
	ip.Ctime = t
	it.markDirty(ip)
}

func (it *Itable) Truncate(ip *Inode) {
	it.Lock(ip)
	defer it.Unlock(ip)
	it.truncate(ip)
}
