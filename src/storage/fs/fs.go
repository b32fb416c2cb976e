// Package fs is the file-system capability the storage layer is written
// against: positioned reads and writes, size, sync, locking and a handful of
// directory operations.
package fs

import (
	"errors"
	"io"
)

var (
	ErrLocked     = errors.New("file is locked")
	ErrClosed     = errors.New("file is closed")
	ErrInvalidArg = errors.New("invalid file flags")
)

type FileFlags uint16

const (
	FlagRead FileFlags = 1 << iota
	FlagWrite
	FlagDirectIO
	FlagCreate
)

func (f FileFlags) Has(flag FileFlags) bool {
	return f&flag == flag
}

type LockType uint8

const (
	NoLock LockType = iota
	ReadLock
	WriteLock
)

func (l LockType) String() string {
	switch l {
	case NoLock:
		return "NO_LOCK"
	case ReadLock:
		return "READ_LOCK"
	case WriteLock:
		return "WRITE_LOCK"
	default:
		return "UNKNOWN_LOCK"
	}
}

// File is an open file handle. ReadAt and WriteAt transfer the whole buffer
// or fail; a short transfer is reported as io.ErrUnexpectedEOF.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	Path() string
	Size() (int64, error)
	Sync() error
	Truncate(size int64) error
}

type FileSystem interface {
	OpenFile(path string, flags FileFlags, lock LockType) (File, error)
	Exists(path string) (bool, error)
	Remove(path string) error
	Rename(from, to string) error
	MkdirAll(path string) error
	// ListFiles calls fn for every entry of dir in lexical order.
	ListFiles(dir string, fn func(name string, isDir bool)) error
}
