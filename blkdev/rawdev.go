package blkdev

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-fscore/common"
)

// RawDriver serves requests from a disk image file with positioned
// reads and writes.  All minors map to the same image.
type RawDriver struct {
	fd   int
	size uint64 // in bytes
}

func OpenRawDriver(path string, nblocks uint64) (*RawDriver, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := nblocks * common.BlockSize
	if uint64(st.Size) < size {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("truncate %s: %w", path, err)
		}
	}
	return &RawDriver{fd: fd, size: size}, nil
}

func (rd *RawDriver) Transfer(req *Request) error {
	off := req.Sector * common.SectorSize
	n := req.NrSectors * common.SectorSize
	if off+n > rd.size {
		return fmt.Errorf("request %v beyond end of image", req)
	}
	var cnt int
	var err error
	switch req.Cmd {
	case READ:
		cnt, err = unix.Pread(rd.fd, req.Data[:n], int64(off))
	case WRITE:
		cnt, err = unix.Pwrite(rd.fd, req.Data[:n], int64(off))
	default:
		return fmt.Errorf("bad command %v", req)
	}
	if err != nil {
		return err
	}
	if uint64(cnt) != n {
		return fmt.Errorf("short transfer %d of %d", cnt, n)
	}
	return nil
}

func (rd *RawDriver) Sync() error {
	return unix.Fsync(rd.fd)
}

func (rd *RawDriver) Close() error {
	return unix.Close(rd.fd)
}
