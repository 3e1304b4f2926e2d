package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-fscore/blkdev"
	"github.com/mit-pdos/go-fscore/common"
	"github.com/mit-pdos/go-fscore/dir"
	"github.com/mit-pdos/go-fscore/fs"
	"github.com/mit-pdos/go-fscore/util/timed_disk"
)

func mkdata(sz uint64) []byte {
	data := make([]byte, sz)
	for i := range data {
		data[i] = byte(i % 128)
	}
	return data
}

func writeFile(f *fs.Fs, name string, data []byte, chunk uint64) time.Duration {
	root := f.Root()
	defer f.ReleaseInode(root)

	start := time.Now()
	ip := f.It.NewInode(root.Dev, common.S_IFREG|0644)
	if ip == nil {
		log.Fatal("out of inodes")
	}
	for off := uint64(0); off < uint64(len(data)); off += chunk {
		end := util.Min(off+chunk, uint64(len(data)))
		n, ok := f.It.Write(ip, off, data[off:end])
		if !ok || n != end-off {
			log.Fatalf("write %s at %d: short write %d", name, off, n)
		}
	}
	if !dir.AddName(f.It, root, ip.Inum, name) {
		log.Fatalf("cannot add %s", name)
	}
	f.ReleaseInode(ip)
	f.FlushAll()
	return time.Since(start)
}

func readFile(f *fs.Fs, name string, sz uint64, chunk uint64) ([]byte, time.Duration) {
	root := f.Root()
	defer f.ReleaseInode(root)

	start := time.Now()
	inum, _ := dir.LookupName(f.It, root, name)
	if inum == common.NULLINUM {
		log.Fatalf("%s not found", name)
	}
	ip := f.AcquireInode(root.Dev, inum)
	defer f.ReleaseInode(ip)
	data := make([]byte, sz)
	for off := uint64(0); off < sz; off += chunk {
		end := util.Min(off+chunk, sz)
		f.It.Read(ip, off, data[off:end])
	}
	return data, time.Since(start)
}

func rate(sz uint64, d time.Duration) string {
	return humanize.IBytes(uint64(float64(sz)/d.Seconds())) + "/s"
}

func main() {
	var diskfile string
	flag.StringVar(&diskfile, "disk", "", "disk image (empty for MemDisk)")

	var nblocks uint64
	flag.Uint64Var(&nblocks, "size", 16384, "size of file system (in blocks)")

	var format bool
	flag.BoolVar(&format, "mkfs", true, "format the disk first")

	var filesize uint64
	flag.Uint64Var(&filesize, "file-size", 8*1024*1024, "size of test file (in bytes)")

	var chunk uint64
	flag.Uint64Var(&chunk, "chunk", 16*1024, "bytes per read or write call")

	var name string
	flag.StringVar(&name, "name", "data", "name of test file in the root directory")

	cfg := fs.DefaultConfig()
	flag.Uint64Var(&cfg.BufMem, "bufmem", cfg.BufMem, "buffer cache memory (in bytes)")
	flag.Uint64Var(&cfg.NInode, "ninode", cfg.NInode, "in-memory inodes")

	var dumpStats bool
	flag.BoolVar(&dumpStats, "stats", false, "dump stats to stderr at end")

	flag.Uint64Var(&util.Debug, "debug", 0, "debug level (higher is more verbose)")
	flag.Parse()

	if chunk == 0 {
		log.Fatal("chunk must be positive")
	}

	var d disk.Disk
	d, err := fs.OpenDisk(diskfile, nblocks)
	if err != nil {
		log.Fatal(err)
	}
	if dumpStats {
		d = timed_disk.New(d)
	}
	defer d.Close()

	f := fs.MkFs(cfg)
	dev := common.MkDev(blkdev.HD_MAJOR, 0)
	f.AttachDisk(dev, d, false)
	if format {
		if err := f.Mkfs(dev, nblocks, nblocks/4); err != nil {
			log.Fatal(err)
		}
	}
	if err := f.MountRoot(dev); err != nil {
		log.Fatal(err)
	}

	data := mkdata(filesize)
	wt := writeFile(f, name, data, chunk)
	fmt.Printf("write %s: %v (%s)\n", humanize.IBytes(filesize), wt, rate(filesize, wt))

	// drop the cache so the read goes to the device
	f.Bc.Invalidate(dev)
	got, rt := readFile(f, name, filesize, chunk)
	fmt.Printf("read %s: %v (%s)\n", humanize.IBytes(filesize), rt, rate(filesize, rt))
	if !bytes.Equal(got, data) {
		fmt.Fprintf(os.Stderr, "read back different data\n")
	}

	if dumpStats {
		f.WriteStats(os.Stderr)
		d.(*timed_disk.Disk).WriteStats(os.Stderr)
	}
	f.Shutdown()
}
