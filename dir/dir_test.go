package dir_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-fscore/blkdev"
	"github.com/mit-pdos/go-fscore/common"
	"github.com/mit-pdos/go-fscore/dir"
	"github.com/mit-pdos/go-fscore/fs"
	"github.com/mit-pdos/go-fscore/inode"
)

func mkRoot(t *testing.T) (*fs.Fs, *inode.Inode) {
	f := fs.MkFs(fs.Config{
		BufMem:   32 * common.BlockSize,
		NHash:    7,
		NRequest: 8,
		NInode:   8,
		NSuper:   2,
	})
	t.Cleanup(f.Shutdown)
	dev := common.MkDev(blkdev.HD_MAJOR, 0)
	f.AttachDisk(dev, disk.NewMemDisk(100), false)
	require.NoError(t, f.Mkfs(dev, 100, 32))
	require.NoError(t, f.MountRoot(dev))
	root := f.Root()
	t.Cleanup(func() { f.ReleaseInode(root) })
	return f, root
}

func TestDirEntLayout(t *testing.T) {
	name := "abcdefghijklmnopqrstuvwx"
	require.Equal(t, common.NAMELEN, uint64(len(name)))
	d := dir.EncodeDirEnt(&dir.DirEnt{Inum: 0x0102, Name: name})
	assert.Equal(t, common.DIRENTSZ, uint64(len(d)))
	assert.Equal(t, byte(0x02), d[0])
	assert.Equal(t, byte(0x01), d[1])
	assert.Equal(t, byte('a'), d[8])

	de := dir.DecodeDirEnt(d)
	assert.Equal(t, common.Inum(0x0102), de.Inum)
	assert.Equal(t, name, de.Name)

	de = dir.DecodeDirEnt(dir.EncodeDirEnt(&dir.DirEnt{Inum: 3, Name: "x"}))
	assert.Equal(t, "x", de.Name)
}

func TestIllegalName(t *testing.T) {
	assert.True(t, dir.IllegalName(""))
	assert.True(t, dir.IllegalName("a/b"))
	assert.True(t, dir.IllegalName("abcdefghijklmnopqrstuvwxy"))
	assert.False(t, dir.IllegalName("abcdefghijklmnopqrstuvwx"))
	assert.False(t, dir.IllegalName(".."))
}

func TestAddLookupRemove(t *testing.T) {
	f, root := mkRoot(t)

	assert.True(t, dir.AddName(f.It, root, 5, "a"))
	assert.True(t, dir.AddName(f.It, root, 6, "b"))
	assert.False(t, dir.AddName(f.It, root, 7, "a/b"))
	assert.Equal(t, 4*common.DIRENTSZ, root.Size)
	assert.False(t, dir.IsDirEmpty(f.It, root))

	inum, off := dir.LookupName(f.It, root, "b")
	assert.Equal(t, common.Inum(6), inum)
	assert.Equal(t, 3*common.DIRENTSZ, off)

	inum, ok := dir.RemName(f.It, root, "a")
	assert.True(t, ok)
	assert.Equal(t, common.Inum(5), inum)
	inum, _ = dir.LookupName(f.It, root, "a")
	assert.Equal(t, common.NULLINUM, inum)
	_, ok = dir.RemName(f.It, root, "a")
	assert.False(t, ok)

	// the freed slot is reused
	assert.True(t, dir.AddName(f.It, root, 8, "c"))
	_, off = dir.LookupName(f.It, root, "c")
	assert.Equal(t, 2*common.DIRENTSZ, off)
	assert.Equal(t, 4*common.DIRENTSZ, root.Size)

	var names []string
	dir.Apply(f.It, root, func(de *dir.DirEnt, off uint64) {
		names = append(names, de.Name)
	})
	assert.Equal(t, []string{".", "..", "c", "b"}, names)
}

func TestInitDir(t *testing.T) {
	f, root := mkRoot(t)

	ip := f.It.NewInode(root.Dev, common.S_IFDIR|0755)
	require.NotNil(t, ip)
	defer f.ReleaseInode(ip)
	require.True(t, dir.InitDir(f.It, ip, root.Inum))
	assert.True(t, dir.IsDirEmpty(f.It, ip))

	inum, _ := dir.LookupName(f.It, ip, "..")
	assert.Equal(t, root.Inum, inum)
	inum, _ = dir.LookupName(f.It, ip, ".")
	assert.Equal(t, ip.Inum, inum)

	file := f.It.NewInode(root.Dev, common.S_IFREG|0644)
	require.NotNil(t, file)
	defer f.ReleaseInode(file)
	inum, _ = dir.LookupName(f.It, file, ".")
	assert.Equal(t, common.NULLINUM, inum)
}
