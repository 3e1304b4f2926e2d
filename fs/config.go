package fs

import (
	"github.com/mit-pdos/go-fscore/common"
)

// Config sizes every fixed pool of the core.
type Config struct {
	BufMem   uint64 // bytes of buffer memory
	NHash    uint64 // buffer hash buckets
	NRequest uint64 // request slots
	NInode   uint64 // in-memory inodes
	NSuper   uint64 // mounted file systems
}

func DefaultConfig() Config {
	return Config{
		BufMem:   4 << 20,
		NHash:    307,
		NRequest: 32,
		NInode:   32,
		NSuper:   8,
	}
}

func (cfg Config) NBuf() uint64 {
	return cfg.BufMem / common.BlockSize
}
