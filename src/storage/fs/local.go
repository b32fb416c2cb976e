package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ncw/directio"
	"github.com/spf13/afero"
)

// Local implements FileSystem on top of an afero.Fs. With afero.OsFs it is
// the local disk, with afero.MemMapFs it is the in-memory test double.
//
// Locks are tracked per Local instance and, for files backed by *os.File,
// additionally taken with flock so that other processes observe them.
type Local struct {
	fs afero.Fs

	mu    sync.Mutex
	locks map[string]*lockState
}

type lockState struct {
	readers int
	writer  bool
}

var _ FileSystem = &Local{}

func New(fs afero.Fs) *Local {
	return &Local{
		fs:    fs,
		locks: map[string]*lockState{},
	}
}

func NewOS() *Local {
	return New(afero.NewOsFs())
}

func NewMemory() *Local {
	return New(afero.NewMemMapFs())
}

// Afero exposes the underlying afero.Fs (used by tests to copy file images).
func (l *Local) Afero() afero.Fs {
	return l.fs
}

func (l *Local) isOS() bool {
	_, ok := l.fs.(*afero.OsFs)
	return ok
}

func openFlags(flags FileFlags) (int, error) {
	var osFlags int
	switch {
	case flags.Has(FlagRead | FlagWrite), flags.Has(FlagWrite):
		osFlags = os.O_RDWR
	case flags.Has(FlagRead):
		osFlags = os.O_RDONLY
	default:
		return 0, fmt.Errorf("%w: neither read nor write requested", ErrInvalidArg)
	}

	if flags.Has(FlagCreate) {
		if !flags.Has(FlagWrite) {
			return 0, fmt.Errorf("%w: create requires write", ErrInvalidArg)
		}
		osFlags |= os.O_CREATE
	}
	return osFlags, nil
}

func (l *Local) OpenFile(path string, flags FileFlags, lock LockType) (File, error) {
	osFlags, err := openFlags(flags)
	if err != nil {
		return nil, err
	}

	path = filepath.Clean(path)

	if err := l.acquire(path, lock); err != nil {
		return nil, err
	}

	var f afero.File
	if flags.Has(FlagDirectIO) && l.isOS() {
		f, err = directio.OpenFile(path, osFlags, 0600)
	} else {
		f, err = l.fs.OpenFile(path, osFlags, 0600)
	}
	if err != nil {
		l.release(path, lock)
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	if osFile, ok := f.(*os.File); ok && lock != NoLock {
		if err := flock(osFile, lock); err != nil {
			l.release(path, lock)
			return nil, errors.Join(fmt.Errorf("failed to lock %s: %w", path, err), f.Close())
		}
	}

	return &localFile{
		owner: l,
		file:  f,
		path:  path,
		lock:  lock,
	}, nil
}

func (l *Local) acquire(path string, lock LockType) error {
	if lock == NoLock {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.locks[path]
	if !ok {
		st = &lockState{}
		l.locks[path] = st
	}

	switch lock {
	case ReadLock:
		if st.writer {
			return fmt.Errorf("%s: %w", path, ErrLocked)
		}
		st.readers++
	case WriteLock:
		if st.writer || st.readers > 0 {
			return fmt.Errorf("%s: %w", path, ErrLocked)
		}
		st.writer = true
	}
	return nil
}

func (l *Local) release(path string, lock LockType) {
	if lock == NoLock {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.locks[path]
	if !ok {
		return
	}

	switch lock {
	case ReadLock:
		st.readers--
	case WriteLock:
		st.writer = false
	}

	if st.readers <= 0 && !st.writer {
		delete(l.locks, path)
	}
}

func (l *Local) Exists(path string) (bool, error) {
	return afero.Exists(l.fs, filepath.Clean(path))
}

func (l *Local) Remove(path string) error {
	if err := l.fs.Remove(filepath.Clean(path)); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

func (l *Local) Rename(from, to string) error {
	if err := l.fs.Rename(filepath.Clean(from), filepath.Clean(to)); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
	}
	return nil
}

func (l *Local) MkdirAll(path string) error {
	if err := l.fs.MkdirAll(filepath.Clean(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

func (l *Local) ListFiles(dir string, fn func(name string, isDir bool)) error {
	infos, err := afero.ReadDir(l.fs, filepath.Clean(dir))
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}

	for _, info := range infos {
		fn(info.Name(), info.IsDir())
	}
	return nil
}

type localFile struct {
	owner *Local
	file  afero.File
	path  string
	lock  LockType

	closeOnce sync.Once
}

var _ File = &localFile{}

func (f *localFile) Path() string {
	return f.path
}

func (f *localFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.file.ReadAt(p, off)
	if n == len(p) {
		return n, nil
	}

	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return n, fmt.Errorf("read %d of %d bytes at offset %d of %s: %w", n, len(p), off, f.path, err)
}

func (f *localFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := f.file.WriteAt(p, off)
	if err != nil {
		return n, fmt.Errorf("write at offset %d of %s: %w", off, f.path, err)
	}

	if n != len(p) {
		return n, fmt.Errorf(
			"wrote %d of %d bytes at offset %d of %s: %w",
			n,
			len(p),
			off,
			f.path,
			io.ErrUnexpectedEOF,
		)
	}
	return n, nil
}

func (f *localFile) Size() (int64, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", f.path, err)
	}
	return info.Size(), nil
}

func (f *localFile) Sync() error {
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", f.path, err)
	}
	return nil
}

func (f *localFile) Truncate(size int64) error {
	if err := f.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", f.path, err)
	}
	return nil
}

func (f *localFile) Close() error {
	var err error
	f.closeOnce.Do(func() {
		if osFile, ok := f.file.(*os.File); ok && f.lock != NoLock {
			err = funlock(osFile)
		}
		err = errors.Join(err, f.file.Close())
		f.owner.release(f.path, f.lock)
	})
	return err
}
