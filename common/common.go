package common

import (
	"github.com/tchajed/goose/machine/disk"
)

const (
	BlockSize  uint64 = disk.BlockSize
	SectorSize uint64 = 512
	NSECT      uint64 = BlockSize / SectorSize // sectors per block
	PageSize   uint64 = 4096

	NZONE     uint64 = 9         // # zone pointers in an inode
	NDIRECT   uint64 = 7         // zones 0..6 are direct
	INDIRECT  uint64 = NDIRECT   // single-indirect zone
	DINDIRECT uint64 = NDIRECT + 1
	NINDIRECT uint64 = BlockSize / 8 // # bnums per indirect block

	// first logical block that does not fit in the inode
	MAXFILEBLK uint64 = NDIRECT + NINDIRECT + NINDIRECT*NINDIRECT

	INODESZ        uint64 = 128 // on-disk size
	INODEBLK       uint64 = BlockSize / INODESZ
	NBITBLOCK      uint64 = BlockSize * 8
	NAMELEN        uint64 = 24
	DIRENTSZ       uint64 = 8 + NAMELEN
	DIRENTBLK      uint64 = BlockSize / DIRENTSZ
	SUPER_MAGIC    uint64 = 0x137f
	SUPER_BLOCKNR  Bnum   = 1
	MAX_IMAP_BLOCK uint64 = 8
	MAX_ZMAP_BLOCK uint64 = 8
)

// Dev is a device number: major in the high byte, minor in the low byte.
type Dev uint64

const NODEV Dev = 0

func MkDev(major uint64, minor uint64) Dev {
	return Dev(major<<8 | minor&0xff)
}

func (d Dev) Major() uint64 {
	return uint64(d) >> 8
}

func (d Dev) Minor() uint64 {
	return uint64(d) & 0xff
}

type Bnum uint64

const NULLBNUM Bnum = 0

type Inum uint64

const NULLINUM Inum = 0
const ROOTINUM Inum = 1

// Mode bits of an inode
const (
	S_IFMT  uint32 = 0170000
	S_IFREG uint32 = 0100000
	S_IFBLK uint32 = 0060000
	S_IFDIR uint32 = 0040000
	S_IFCHR uint32 = 0020000
	S_IFIFO uint32 = 0010000
)

func IsDir(mode uint32) bool {
	return mode&S_IFMT == S_IFDIR
}

func IsReg(mode uint32) bool {
	return mode&S_IFMT == S_IFREG
}

func IsBlk(mode uint32) bool {
	return mode&S_IFMT == S_IFBLK
}
