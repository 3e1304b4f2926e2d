package blkdev

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-fscore/buf"
	"github.com/mit-pdos/go-fscore/common"
)

var hd0 = common.MkDev(HD_MAJOR, 0)

// gateDriver holds every transfer until gate is closed.
type gateDriver struct {
	mu      sync.Mutex
	served  []common.Bnum
	tries   int
	fail    bool
	started chan common.Bnum
	gate    chan struct{}
}

func mkGateDriver() *gateDriver {
	return &gateDriver{
		started: make(chan common.Bnum, 100),
		gate:    make(chan struct{}),
	}
}

func (g *gateDriver) Transfer(req *Request) error {
	bn := common.Bnum(req.Sector / common.NSECT)
	g.started <- bn
	<-g.gate
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tries++
	if g.fail {
		return errors.New("injected failure")
	}
	g.served = append(g.served, bn)
	if req.Cmd == READ {
		req.Data[0] = byte(bn)
	}
	return nil
}

func (g *gateDriver) order() []common.Bnum {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]common.Bnum{}, g.served...)
}

func mkBuf(mu *sync.Mutex, bn common.Bnum) *buf.Buf {
	b := buf.MkBuf(mu, make(disk.Block, common.BlockSize))
	b.Dev = hd0
	b.Blkno = bn
	return b
}

func waitBuf(mu *sync.Mutex, b *buf.Buf) {
	mu.Lock()
	b.Wait()
	mu.Unlock()
}

func setDirty(mu *sync.Mutex, b *buf.Buf) {
	mu.Lock()
	b.SetDirty(true)
	mu.Unlock()
}

func mkTestQueue(nreq uint64) (*sync.Mutex, *Queue, *gateDriver) {
	mu := new(sync.Mutex)
	q := MkQueue(mu, nreq)
	g := mkGateDriver()
	q.Register(HD_MAJOR, g)
	return mu, q, g
}

func submitAll(t *testing.T, mu *sync.Mutex, q *Queue, g *gateDriver, bns []common.Bnum) []*buf.Buf {
	bufs := make([]*buf.Buf, len(bns))
	for i, bn := range bns {
		bufs[i] = mkBuf(mu, bn)
		q.LLRWBlock(READ, bufs[i])
		if i == 0 {
			// the head is in service before the rest arrive
			assert.Equal(t, bn, <-g.started)
		}
	}
	return bufs
}

func TestElevatorSweep(t *testing.T) {
	mu, q, g := mkTestQueue(32)
	defer q.Shutdown()

	bufs := submitAll(t, mu, q, g, []common.Bnum{50, 10, 30})
	close(g.gate)
	for _, b := range bufs {
		waitBuf(mu, b)
	}
	order := g.order()
	assert.Equal(t, []common.Bnum{50, 10, 30}, order)
	rest := order[1:]
	assert.True(t, sort.SliceIsSorted(rest, func(i, j int) bool {
		return rest[i] < rest[j]
	}))
}

func TestElevatorWrap(t *testing.T) {
	mu, q, g := mkTestQueue(32)
	defer q.Shutdown()

	bufs := submitAll(t, mu, q, g, []common.Bnum{50, 70, 20, 60, 10})
	close(g.gate)
	for _, b := range bufs {
		waitBuf(mu, b)
	}
	// one sweep up from the head, then one from the bottom
	assert.Equal(t, []common.Bnum{50, 60, 70, 10, 20}, g.order())
}

func TestReadFillsBuffer(t *testing.T) {
	mu, q, g := mkTestQueue(32)
	defer q.Shutdown()
	close(g.gate)

	b := mkBuf(mu, 9)
	q.LLRWBlock(READ, b)
	waitBuf(mu, b)
	mu.Lock()
	assert.True(t, b.IsUptodate())
	assert.False(t, b.IsLocked())
	mu.Unlock()
	assert.Equal(t, byte(9), b.Data[0])
}

func TestWriteCapLeavesRoomForReads(t *testing.T) {
	mu, q, g := mkTestQueue(6)
	defer q.Shutdown()

	// writes may use 2/3 of the pool
	var writes []*buf.Buf
	for i := 0; i < 4; i++ {
		b := mkBuf(mu, common.Bnum(100+i))
		setDirty(mu, b)
		q.LLRWBlock(WRITE, b)
		writes = append(writes, b)
		if i == 0 {
			<-g.started
		}
	}

	extra := mkBuf(mu, 200)
	setDirty(mu, extra)
	blocked := make(chan struct{})
	go func() {
		q.LLRWBlock(WRITE, extra)
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("write beyond the write cap did not block")
	case <-time.After(50 * time.Millisecond):
	}

	read := make(chan struct{})
	go func() {
		q.LLRWBlock(READ, mkBuf(mu, 300))
		close(read)
	}()
	select {
	case <-read:
	case <-time.After(time.Second):
		t.Fatal("read could not get a request slot")
	}

	close(g.gate)
	<-blocked
	waitBuf(mu, extra)
	for _, b := range writes {
		waitBuf(mu, b)
		mu.Lock()
		assert.False(t, b.IsDirty())
		mu.Unlock()
	}
}

func TestRedundantShortCircuit(t *testing.T) {
	mu, q, g := mkTestQueue(32)
	defer q.Shutdown()
	close(g.gate)

	clean := mkBuf(mu, 1)
	q.LLRWBlock(WRITE, clean)

	valid := mkBuf(mu, 2)
	mu.Lock()
	valid.SetUptodate(true)
	mu.Unlock()
	q.LLRWBlock(READ, valid)

	mu.Lock()
	assert.False(t, clean.IsLocked())
	assert.False(t, valid.IsLocked())
	mu.Unlock()
	assert.Empty(t, g.order())
}

func TestAheadDroppedWhenLocked(t *testing.T) {
	mu, q, g := mkTestQueue(32)
	defer q.Shutdown()
	close(g.gate)

	b := mkBuf(mu, 5)
	mu.Lock()
	b.Lock()
	mu.Unlock()

	q.LLRWBlock(READA, b)

	mu.Lock()
	b.Unlock()
	assert.False(t, b.IsUptodate())
	mu.Unlock()
	assert.Empty(t, g.order())

	q.LLRWBlock(READA, b)
	waitBuf(mu, b)
	assert.Equal(t, []common.Bnum{5}, g.order())
}

func TestTransferErrorRetries(t *testing.T) {
	mu, q, g := mkTestQueue(32)
	defer q.Shutdown()
	g.fail = true
	close(g.gate)

	b := mkBuf(mu, 3)
	q.LLRWBlock(READ, b)
	waitBuf(mu, b)
	mu.Lock()
	assert.False(t, b.IsUptodate())
	mu.Unlock()
	g.mu.Lock()
	assert.Equal(t, int(MAX_ERRORS), g.tries)
	g.mu.Unlock()
}

func TestNonexistentDevice(t *testing.T) {
	mu := new(sync.Mutex)
	q := MkQueue(mu, 32)
	defer q.Shutdown()

	b := mkBuf(mu, 1)
	b.Dev = common.MkDev(5, 0)
	q.LLRWBlock(READ, b)
	mu.Lock()
	assert.False(t, b.IsLocked())
	assert.False(t, b.IsUptodate())
	mu.Unlock()
}

func TestDiskDriver(t *testing.T) {
	dd := MkDiskDriver()
	dd.Attach(0, disk.NewMemDisk(4), false)
	dd.Attach(1, disk.NewMemDisk(4), true)

	data := make(disk.Block, common.BlockSize)
	data[10] = 42
	w := &Request{Dev: hd0, Cmd: WRITE, Sector: 2 * common.NSECT,
		NrSectors: common.NSECT, Data: data}
	require.NoError(t, dd.Transfer(w))

	got := make(disk.Block, common.BlockSize)
	r := &Request{Dev: hd0, Cmd: READ, Sector: 2 * common.NSECT,
		NrSectors: common.NSECT, Data: got}
	require.NoError(t, dd.Transfer(r))
	assert.Equal(t, byte(42), got[10])

	r.Sector = 4 * common.NSECT
	assert.Error(t, dd.Transfer(r))
	r.Sector = 1
	assert.Error(t, dd.Transfer(r))

	assert.False(t, dd.MediaChanged(1))
	dd.Swap(1, disk.NewMemDisk(4))
	assert.True(t, dd.MediaChanged(1))
	assert.False(t, dd.MediaChanged(1))
	assert.Panics(t, func() { dd.Swap(0, disk.NewMemDisk(4)) })
}

func TestRawDriver(t *testing.T) {
	rd, err := OpenRawDriver(t.TempDir()+"/disk.img", 8)
	require.NoError(t, err)
	defer rd.Close()

	data := make(disk.Block, common.BlockSize)
	data[0] = 1
	data[common.BlockSize-1] = 2
	require.NoError(t, rd.Transfer(&Request{Cmd: WRITE,
		Sector: 7 * common.NSECT, NrSectors: common.NSECT, Data: data}))
	require.NoError(t, rd.Sync())

	got := make(disk.Block, common.BlockSize)
	require.NoError(t, rd.Transfer(&Request{Cmd: READ,
		Sector: 7 * common.NSECT, NrSectors: common.NSECT, Data: got}))
	assert.Equal(t, data, got)

	assert.Error(t, rd.Transfer(&Request{Cmd: READ,
		Sector: 8 * common.NSECT, NrSectors: common.NSECT, Data: got}))
}

func TestMediaChangedThroughQueue(t *testing.T) {
	mu := new(sync.Mutex)
	q := MkQueue(mu, 32)
	defer q.Shutdown()
	dd := MkDiskDriver()
	dd.Attach(0, disk.NewMemDisk(4), true)
	q.Register(FLOPPY_MAJOR, dd)

	fd0 := common.MkDev(FLOPPY_MAJOR, 0)
	assert.False(t, q.MediaChanged(fd0))
	dd.Swap(0, disk.NewMemDisk(4))
	assert.True(t, q.MediaChanged(fd0))
	assert.False(t, q.MediaChanged(hd0))
}
