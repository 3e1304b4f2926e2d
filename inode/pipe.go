package inode

import (
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-fscore/common"
)

//
// A pipe is an inode with no device that owns one page used as a ring
// buffer.  head is where the writer puts bytes, tail where the reader
// takes them; the ring holds at most PageSize-1 bytes.  The inode is
// referenced once by each end, so a count other than 2 means an end has
// gone away.
//

func (ip *Inode) pipeSize() uint64 {
	return (ip.head - ip.tail) & (common.PageSize - 1)
}

// GetPipe returns a pipe inode referenced by both ends.
func (it *Itable) GetPipe() *Inode {
	it.mu.Lock()
	defer it.mu.Unlock()
	ip := it.getEmpty()
	ip.page = make([]byte, common.PageSize)
	ip.count = 2
	ip.head = 0
	ip.tail = 0
	ip.Pipe = true
	return ip
}

// PipeRead fills dst from the pipe, waiting for the writer until dst is
// full or the writer is gone, and returns the number of bytes read.
func (it *Itable) PipeRead(ip *Inode, dst []byte) uint64 {
	it.mu.Lock()
	defer it.mu.Unlock()
	count := uint64(len(dst))
	var n uint64 = 0
	for n < count {
		for ip.pipeSize() == 0 {
			ip.wait.Broadcast()
			if ip.count != 2 {
				return n
			}
			ip.wait.Wait()
		}
		chars := util.Min(common.PageSize-ip.tail, count-n)
		chars = util.Min(chars, ip.pipeSize())
		copy(dst[n:n+chars], ip.page[ip.tail:ip.tail+chars])
		ip.tail = (ip.tail + chars) & (common.PageSize - 1)
		n += chars
	}
	ip.wait.Broadcast()
	return n
}

// PipeWrite copies src into the pipe, waiting for the reader to make
// room.  It reports false if the reader went away before all of src was
// written.
func (it *Itable) PipeWrite(ip *Inode, src []byte) (uint64, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	count := uint64(len(src))
	var n uint64 = 0
	for n < count {
		for ip.pipeSize() == common.PageSize-1 {
			ip.wait.Broadcast()
			if ip.count != 2 {
				util.DPrintf(1, "PipeWrite: broken pipe\n")
				return n, false
			}
			ip.wait.Wait()
		}
		chars := util.Min(common.PageSize-ip.head, count-n)
		chars = util.Min(chars, common.PageSize-1-ip.pipeSize())
		copy(ip.page[ip.head:ip.head+chars], src[n:n+chars])
		ip.head = (ip.head + chars) & (common.PageSize - 1)
		n += chars
	}
	ip.wait.Broadcast()
	return n, true
}
