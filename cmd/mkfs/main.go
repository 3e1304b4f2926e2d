package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-fscore/blkdev"
	"github.com/mit-pdos/go-fscore/common"
	"github.com/mit-pdos/go-fscore/fs"
)

func main() {
	var diskfile string
	flag.StringVar(&diskfile, "disk", "", "disk image to format (required)")

	var nblocks uint64
	flag.Uint64Var(&nblocks, "size", 16384, "size of file system (in blocks)")

	var ninodes uint64
	flag.Uint64Var(&ninodes, "inodes", 0, "number of inodes (default: one per 4 blocks)")

	var raw bool
	flag.BoolVar(&raw, "raw", false, "access the image with pread/pwrite instead of a goose file disk")

	flag.Uint64Var(&util.Debug, "debug", 0, "debug level (higher is more verbose)")
	flag.Parse()

	if diskfile == "" {
		fmt.Fprintf(os.Stderr, "usage: mkfs -disk <image> [-size blocks] [-inodes n]\n")
		os.Exit(2)
	}
	if ninodes == 0 {
		ninodes = nblocks / 4
	}

	cfg := fs.DefaultConfig()
	cfg.NSuper = 1
	f := fs.MkFs(cfg)
	dev := common.MkDev(blkdev.HD_MAJOR, 0)

	var rd *blkdev.RawDriver
	if raw {
		var err error
		rd, err = blkdev.OpenRawDriver(diskfile, nblocks)
		if err != nil {
			log.Fatal(err)
		}
		defer rd.Close()
		f.RegisterDevice(blkdev.HD_MAJOR, rd)
	} else {
		d, err := fs.OpenDisk(diskfile, nblocks)
		if err != nil {
			log.Fatal(err)
		}
		defer d.Close()
		f.AttachDisk(dev, d, false)
	}

	if err := f.Mkfs(dev, nblocks, ninodes); err != nil {
		f.Shutdown()
		log.Fatal(err)
	}
	// mount it once to check that it reads back
	if err := f.MountRoot(dev); err != nil {
		f.Shutdown()
		log.Fatal(err)
	}
	fmt.Println(f.Sbt.GetSuper(dev))
	zones, inodes := f.Sbt.NFree(dev)
	f.Shutdown()
	if rd != nil {
		if err := rd.Sync(); err != nil {
			log.Fatal(err)
		}
	}

	fmt.Printf("%s: %s, %d blocks, %d inodes (%d zones and %d inodes free)\n",
		diskfile, humanize.IBytes(nblocks*common.BlockSize), nblocks, ninodes,
		zones, inodes)
}
