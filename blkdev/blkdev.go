package blkdev

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-fscore/buf"
	"github.com/mit-pdos/go-fscore/common"
	"github.com/mit-pdos/go-fscore/util/stats"
)

//
// Block-device request queue.  Each major device owns an ordered list of
// pending transfers, drained by a per-device worker that stands in for
// the interrupt handler.  The request pool, the device lists and the
// buffer flags are all protected by the mutex shared with the buffer
// cache.
//

type Cmd uint32

const (
	READ Cmd = iota
	WRITE
	READA  // read-ahead; dropped if the buffer is busy
	WRITEA // write-ahead; dropped if the buffer is busy
)

const (
	NR_BLK_DEV   uint64 = 7
	MEM_MAJOR    uint64 = 1
	FLOPPY_MAJOR uint64 = 2
	HD_MAJOR     uint64 = 3

	MAX_ERRORS uint32 = 7 // tries before a transfer is failed
)

type Request struct {
	Dev       common.Dev // NODEV if the slot is free
	Cmd       Cmd
	Errors    uint32
	Sector    uint64
	NrSectors uint64
	Data      disk.Block
	Buf       *buf.Buf
	next      *Request
}

func (req *Request) String() string {
	return fmt.Sprintf("dev %d cmd %d sector %d n %d", req.Dev, req.Cmd,
		req.Sector, req.NrSectors)
}

// Driver performs the physical transfer of one request.  It is called
// without the queue mutex held.
type Driver interface {
	Transfer(req *Request) error
}

// Removable is implemented by drivers whose media can be swapped.
// MediaChanged reports, and clears, a change since the last call.
type Removable interface {
	MediaChanged(minor uint64) bool
}

type blkDev struct {
	driver  Driver
	current *Request   // head of the queue, being transferred
	kick    *sync.Cond // signalled when current becomes non-nil
}

type Queue struct {
	mu       *sync.Mutex
	requests []Request
	wait     *sync.Cond // signalled when a request slot is freed
	devs     [NR_BLK_DEV]*blkDev

	shutdown bool
	nthread  uint32
	condShut *sync.Cond

	ops [2]stats.Op
}

func MkQueue(mu *sync.Mutex, nrequest uint64) *Queue {
	if nrequest < 3 {
		panic("MkQueue: need at least 3 requests")
	}
	q := &Queue{
		mu:       mu,
		requests: make([]Request, nrequest),
		wait:     sync.NewCond(mu),
		condShut: sync.NewCond(mu),
	}
	for i := range q.requests {
		q.requests[i].Dev = common.NODEV
	}
	return q
}

// Register installs the driver for major and starts its worker.
func (q *Queue) Register(major uint64, d Driver) {
	if major == 0 || major >= NR_BLK_DEV {
		panic("Register")
	}
	q.mu.Lock()
	if q.devs[major] != nil {
		q.mu.Unlock()
		panic("Register: major in use")
	}
	bd := &blkDev{driver: d, kick: sync.NewCond(q.mu)}
	q.devs[major] = bd
	q.nthread = q.nthread + 1
	q.mu.Unlock()
	go q.run(bd)
}

// Driver returns the driver registered for dev's major, or nil.
func (q *Queue) Driver(dev common.Dev) Driver {
	major := dev.Major()
	if major >= NR_BLK_DEV {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.devs[major] == nil {
		return nil
	}
	return q.devs[major].driver
}

// MediaChanged asks a removable driver whether dev's media was swapped.
func (q *Queue) MediaChanged(dev common.Dev) bool {
	r, ok := q.Driver(dev).(Removable)
	if !ok {
		return false
	}
	return r.MediaChanged(dev.Minor())
}

// Shutdown drains every device queue and stops the workers.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	for _, bd := range q.devs {
		if bd != nil {
			bd.kick.Broadcast()
		}
	}
	for q.nthread > 0 {
		util.DPrintf(1, "Shutdown: wait %d\n", q.nthread)
		q.condShut.Wait()
	}
	q.mu.Unlock()
}

// inOrder is the elevator order: reads before writes, then by device,
// then by ascending sector.
func inOrder(s1 *Request, s2 *Request) bool {
	return s1.Cmd < s2.Cmd || (s1.Cmd == s2.Cmd && (s1.Dev < s2.Dev ||
		(s1.Dev == s2.Dev && s1.Sector < s2.Sector)))
}

// addRequest links req into bd's queue.  If the device was idle req
// becomes the head and its worker is started on it.
func (q *Queue) addRequest(bd *blkDev, req *Request) {
	req.next = nil
	if req.Buf != nil {
		req.Buf.SetDirty(false)
	}
	tmp := bd.current
	if tmp == nil {
		bd.current = req
		bd.kick.Signal()
		return
	}
	for ; tmp.next != nil; tmp = tmp.next {
		if (inOrder(tmp, req) || !inOrder(tmp, tmp.next)) &&
			inOrder(req, tmp.next) {
			break
		}
	}
	util.DPrintf(10, "addRequest: %v after %v\n", req, tmp)
	req.next = tmp.next
	tmp.next = req
}

// freeSlot returns a free request slot usable for rw, or nil.  Writes
// may only use the bottom two thirds of the pool.
func (q *Queue) freeSlot(rw Cmd) *Request {
	var top = uint64(len(q.requests))
	if rw != READ {
		top = (top * 2) / 3
	}
	for i := top; i > 0; i-- {
		if q.requests[i-1].Dev == common.NODEV {
			return &q.requests[i-1]
		}
	}
	return nil
}

func (q *Queue) makeRequest(bd *blkDev, rw Cmd, b *buf.Buf) {
	var ahead = false
	if rw == READA || rw == WRITEA {
		if b.IsLocked() {
			return
		}
		ahead = true
		if rw == READA {
			rw = READ
		} else {
			rw = WRITE
		}
	}
	if rw != READ && rw != WRITE {
		panic("makeRequest: bad command")
	}
	b.Lock()
	if (rw == WRITE && !b.IsDirty()) || (rw == READ && b.IsUptodate()) {
		b.Unlock()
		return
	}
	var req *Request
	for {
		req = q.freeSlot(rw)
		if req != nil {
			break
		}
		if ahead {
			b.Unlock()
			return
		}
		q.wait.Wait()
	}
	req.Dev = b.Dev
	req.Cmd = rw
	req.Errors = 0
	req.Sector = uint64(b.Blkno) * common.NSECT
	req.NrSectors = common.NSECT
	req.Data = b.Data
	req.Buf = b
	req.next = nil
	q.addRequest(bd, req)
}

// LLRWBlock starts a transfer of b in direction rw.  It returns once the
// request is queued; completion unlocks b.  The caller must not hold the
// shared mutex.
func (q *Queue) LLRWBlock(rw Cmd, b *buf.Buf) {
	q.mu.Lock()
	defer q.mu.Unlock()
	major := b.Dev.Major()
	if major >= NR_BLK_DEV || q.devs[major] == nil {
		util.DPrintf(0, "Trying to read nonexistent block-device %d\n", b.Dev)
		return
	}
	q.makeRequest(q.devs[major], rw, b)
}

// endRequest completes the head request of bd and advances the queue.
func (q *Queue) endRequest(bd *blkDev, ok bool) {
	req := bd.current
	if req.Buf != nil {
		req.Buf.SetUptodate(ok)
		req.Buf.Unlock()
	}
	if !ok {
		util.DPrintf(0, "I/O error: %v\n", req)
	}
	bd.current = req.next
	req.Dev = common.NODEV
	req.Buf = nil
	req.Data = nil
	req.next = nil
	q.wait.Broadcast()
}

func (q *Queue) transfer(bd *blkDev, req *Request) error {
	defer q.ops[req.Cmd].Record(time.Now())
	return bd.driver.Transfer(req)
}

func (q *Queue) run(bd *blkDev) {
	q.mu.Lock()
	for {
		for bd.current == nil && !q.shutdown {
			bd.kick.Wait()
		}
		req := bd.current
		if req == nil {
			break
		}
		q.mu.Unlock()
		err := q.transfer(bd, req)
		q.mu.Lock()
		if err != nil {
			req.Errors = req.Errors + 1
			util.DPrintf(1, "transfer %v: %v\n", req, err)
			if req.Errors < MAX_ERRORS {
				continue
			}
		}
		q.endRequest(bd, err == nil)
	}
	q.nthread = q.nthread - 1
	q.condShut.Broadcast()
	q.mu.Unlock()
}

var opNames = []string{"req.Read", "req.Write"}

func (q *Queue) WriteStats(w io.Writer) {
	stats.WriteTable(opNames, q.ops[:], w)
}

func (q *Queue) ResetStats() {
	for i := range q.ops {
		q.ops[i].Reset()
	}
}
