package dir

import (
	"bytes"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine"

	"github.com/mit-pdos/go-fscore/common"
	"github.com/mit-pdos/go-fscore/inode"
)

//
// A directory is a file holding an array of DIRENTSZ-byte entries: an
// 8-byte inode number followed by a NAMELEN-byte name padded with zero
// bytes.  Inode number 0 marks a free entry.
//

type DirEnt struct {
	Inum common.Inum
	Name string // <= NAMELEN
}

func IllegalName(name string) bool {
	return name == "" || uint64(len(name)) > common.NAMELEN ||
		bytes.IndexByte([]byte(name), '/') >= 0 ||
		bytes.IndexByte([]byte(name), 0) >= 0
}

// Caller must ensure de.Name fits
func EncodeDirEnt(de *DirEnt) []byte {
	d := make([]byte, common.DIRENTSZ)
	machine.UInt64Put(d[:8], uint64(de.Inum))
	copy(d[8:], de.Name)
	return d
}

func DecodeDirEnt(d []byte) *DirEnt {
	de := &DirEnt{}
	de.Inum = common.Inum(machine.UInt64Get(d[:8]))
	name := d[8:common.DIRENTSZ]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	de.Name = string(name)
	return de
}

func readEnt(it *inode.Itable, dip *inode.Inode, off uint64) (*DirEnt, bool) {
	data := make([]byte, common.DIRENTSZ)
	if it.Read(dip, off, data) != common.DIRENTSZ {
		return nil, false
	}
	return DecodeDirEnt(data), true
}

// LookupName returns the inode number of name in dip and the offset of
// its entry, or 0 if there is no such entry.
func LookupName(it *inode.Itable, dip *inode.Inode, name string) (common.Inum, uint64) {
	if !common.IsDir(dip.Mode) {
		return common.NULLINUM, 0
	}
	for off := uint64(0); off < dip.Size; off += common.DIRENTSZ {
		de, ok := readEnt(it, dip, off)
		if !ok {
			break
		}
		if de.Inum != common.NULLINUM && de.Name == name {
			return de.Inum, off
		}
	}
	return common.NULLINUM, 0
}

// AddName puts an entry for inum in the first free slot of dip, or at
// its end.
func AddName(it *inode.Itable, dip *inode.Inode, inum common.Inum, name string) bool {
	if IllegalName(name) {
		return false
	}
	var off = dip.Size
	for o := uint64(0); o < dip.Size; o += common.DIRENTSZ {
		de, ok := readEnt(it, dip, o)
		if !ok {
			break
		}
		if de.Inum == common.NULLINUM {
			off = o
			break
		}
	}
	ent := EncodeDirEnt(&DirEnt{Inum: inum, Name: name})
	util.DPrintf(5, "AddName %d/%d: %s -> %d off %d\n", dip.Dev, dip.Inum, name, inum, off)
	n, _ := it.Write(dip, off, ent)
	return n == common.DIRENTSZ
}

// RemName clears name's entry in dip and returns the inode number it
// held.
func RemName(it *inode.Itable, dip *inode.Inode, name string) (common.Inum, bool) {
	inum, off := LookupName(it, dip, name)
	if inum == common.NULLINUM {
		return common.NULLINUM, false
	}
	util.DPrintf(5, "RemName %d/%d: %s off %d\n", dip.Dev, dip.Inum, name, off)
	ent := EncodeDirEnt(&DirEnt{Inum: common.NULLINUM})
	n, _ := it.Write(dip, off, ent)
	return inum, n == common.DIRENTSZ
}

func IsDirEmpty(it *inode.Itable, dip *inode.Inode) bool {
	// check all entries after . and ..
	for off := 2 * common.DIRENTSZ; off < dip.Size; off += common.DIRENTSZ {
		de, ok := readEnt(it, dip, off)
		if !ok {
			break
		}
		if de.Inum != common.NULLINUM {
			return false
		}
	}
	return true
}

func InitDir(it *inode.Itable, dip *inode.Inode, parent common.Inum) bool {
	if !AddName(it, dip, dip.Inum, ".") {
		return false
	}
	return AddName(it, dip, parent, "..")
}

// Apply calls f on every used entry of dip.
func Apply(it *inode.Itable, dip *inode.Inode, f func(de *DirEnt, off uint64)) {
	for off := uint64(0); off < dip.Size; off += common.DIRENTSZ {
		de, ok := readEnt(it, dip, off)
		if !ok {
			break
		}
		if de.Inum == common.NULLINUM {
			continue
		}
		f(de, off)
	}
}
