package timed_disk

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tchajed/goose/machine/disk"
)

func TestTimedDisk(t *testing.T) {
	assert := assert.New(t)
	d := New(disk.NewMemDisk(10))

	blk := make(disk.Block, disk.BlockSize)
	blk[0] = 7
	d.Write(3, blk)
	assert.Equal(byte(7), d.Read(3)[0])

	got := make(disk.Block, disk.BlockSize)
	d.ReadTo(3, got)
	assert.Equal(byte(7), got[0])
	assert.Equal(uint64(10), d.Size())

	assert.Equal(uint32(2), d.ops[readOp].Count())
	assert.Equal(uint32(1), d.ops[writeOp].Count())

	var w bytes.Buffer
	d.WriteStats(&w)
	assert.Contains(w.String(), "disk.Write")

	d.ResetStats()
	assert.Equal(uint32(0), d.ops[readOp].Count())
}
