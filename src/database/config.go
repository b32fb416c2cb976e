package database

import (
	"github.com/Blackdeer1524/carapacedb/src"
	"github.com/Blackdeer1524/carapacedb/src/recovery"
	"github.com/Blackdeer1524/carapacedb/src/storage/fs"
)

type AccessMode uint8

const (
	AccessReadWrite AccessMode = iota
	AccessReadOnly
)

func (m AccessMode) String() string {
	if m == AccessReadOnly {
		return "read-only"
	}
	return "read-write"
}

type Config struct {
	AccessMode AccessMode
	FileSystem fs.FileSystem
	DirectIO   bool
	// read cache size in blocks, 0 disables the cache
	BlockCacheSize int
	WALBufferSize  int
	// a commit that grows the log past this size triggers a checkpoint;
	// 0 disables automatic checkpoints
	CheckpointWALSize int64
	CheckpointWorkers int
	Logger            src.Logger
}

func DefaultConfig() Config {
	return Config{
		AccessMode:        AccessReadWrite,
		FileSystem:        fs.NewOS(),
		BlockCacheSize:    64,
		WALBufferSize:     recovery.DefaultBufferSize,
		CheckpointWALSize: 16 << 20,
		CheckpointWorkers: 4,
		Logger:            src.NopLogger(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FileSystem == nil {
		c.FileSystem = d.FileSystem
	}
	if c.WALBufferSize <= 0 {
		c.WALBufferSize = d.WALBufferSize
	}
	if c.CheckpointWorkers <= 0 {
		c.CheckpointWorkers = d.CheckpointWorkers
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}
