package recovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/Blackdeer1524/carapacedb/src"
	"github.com/Blackdeer1524/carapacedb/src/pkg/assert"
	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
	"github.com/Blackdeer1524/carapacedb/src/storage/fs"
)

const DefaultBufferSize = 4096

func checksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// Path is the location of the log that belongs to the database file at dbPath.
func Path(dbPath string) string {
	return dbPath + ".wal"
}

type Options struct {
	ReadOnly   bool
	BufferSize int
	Logger     src.Logger
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Logger == nil {
		o.Logger = src.NopLogger()
	}
	return o
}

// TxnLogger is the write-ahead log of one database file. Records of one
// transaction are appended together and terminated by a commit marker;
// only groups that reached their marker are replayed.
type TxnLogger struct {
	fsys fs.FileSystem
	path string
	opts Options

	// seqMu orders appends; a group is written contiguously.
	seqMu  sync.Mutex
	file   fs.File
	header Header
	buf    []byte

	// flushed is the length of the file, size also counts buffered bytes
	flushed int64
	size    int64
}

var (
	_ common.ITxnLogger = &TxnLogger{}
)

// Create writes a fresh log for the given checkpoint, replacing any existing one.
func Create(fsys fs.FileSystem, path string, header Header, opts Options) (*TxnLogger, error) {
	opts = opts.withDefaults()
	assert.Assert(!opts.ReadOnly, "cannot create a log in read-only mode")

	header.Version = Version
	if err := writeHeaderFile(fsys, path, header); err != nil {
		return nil, err
	}
	return Open(fsys, path, opts)
}

// Open opens an existing log. Appends go after the last byte in the file;
// call Replay first to drop an unfinished tail.
func Open(fsys fs.FileSystem, path string, opts Options) (*TxnLogger, error) {
	opts = opts.withDefaults()

	flags := fs.FlagRead
	if !opts.ReadOnly {
		flags |= fs.FlagWrite
	}

	// the database file lock covers the log
	file, err := fsys.OpenFile(path, flags, fs.NoLock)
	if err != nil {
		return nil, err
	}

	l, err := load(fsys, path, file, opts)
	if err != nil {
		return nil, errors.Join(err, file.Close())
	}
	return l, nil
}

func load(fsys fs.FileSystem, path string, file fs.File, opts Options) (*TxnLogger, error) {
	size, err := file.Size()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize)
	if size < HeaderSize {
		return nil, &ReplayError{
			Offset: size,
			Err:    fmt.Errorf("%w: log of %d bytes has no header", ErrWALCorrupt, size),
		}
	}
	if _, err := file.ReadAt(buf, 0); err != nil {
		return nil, err
	}

	header, err := decodeHeader(buf)
	if err != nil {
		return nil, &ReplayError{Offset: 0, Err: err}
	}

	return &TxnLogger{
		fsys:    fsys,
		path:    path,
		opts:    opts,
		file:    file,
		header:  header,
		buf:     make([]byte, 0, opts.BufferSize),
		flushed: size,
		size:    size,
	}, nil
}

func writeHeaderFile(fsys fs.FileSystem, path string, header Header) error {
	tmp := path + ".tmp"

	f, err := fsys.OpenFile(tmp, fs.FlagRead|fs.FlagWrite|fs.FlagCreate, fs.NoLock)
	if err != nil {
		return err
	}

	err = func() error {
		if err := f.Truncate(0); err != nil {
			return err
		}
		if _, err := f.WriteAt(header.encode(), 0); err != nil {
			return err
		}
		return f.Sync()
	}()
	if err = errors.Join(err, f.Close()); err != nil {
		return fmt.Errorf("failed to write log header: %w", err)
	}

	return fsys.Rename(tmp, path)
}

func (l *TxnLogger) Header() Header {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	return l.header
}

// Size is the number of bytes in the log, including buffered ones.
func (l *TxnLogger) Size() int64 {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	return l.size
}

func (l *TxnLogger) writeAssumeLocked(p []byte) error {
	if len(l.buf)+len(p) > cap(l.buf) {
		if err := l.flushBufferAssumeLocked(); err != nil {
			return err
		}
	}

	if len(p) >= cap(l.buf) {
		if _, err := l.file.WriteAt(p, l.flushed); err != nil {
			return err
		}
		l.flushed += int64(len(p))
		l.size = l.flushed
		return nil
	}

	l.buf = append(l.buf, p...)
	l.size += int64(len(p))
	return nil
}

func (l *TxnLogger) flushBufferAssumeLocked() error {
	if len(l.buf) == 0 {
		return nil
	}

	if _, err := l.file.WriteAt(l.buf, l.flushed); err != nil {
		return err
	}
	l.flushed += int64(len(l.buf))
	l.buf = l.buf[:0]
	return nil
}

func (l *TxnLogger) appendRecordAssumeLocked(r common.LogRecord) error {
	assert.Assert(r.Type != common.LogRecordInvalid, "invalid log record type")

	if err := l.writeAssumeLocked(encodeRecordHeader(r)); err != nil {
		return err
	}
	return l.writeAssumeLocked(r.Payload)
}

// AppendCommit appends the records of one transaction followed by its commit
// marker, then flushes and syncs the log. On failure the partial group is cut
// off, so the log stays replayable.
func (l *TxnLogger) AppendCommit(commitTS common.Timestamp, records []common.LogRecord) error {
	if l.opts.ReadOnly {
		return fmt.Errorf("append to %s: %w", l.path, ErrReadOnly)
	}

	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	if l.file == nil {
		return fmt.Errorf("append commit %s: %w", commitTS, ErrWALClosed)
	}
	assert.Assert(len(l.buf) == 0, "log buffer is not empty between commits")
	start := l.flushed

	err := func() error {
		for _, r := range records {
			if err := l.appendRecordAssumeLocked(r); err != nil {
				return err
			}
		}
		if err := l.appendRecordAssumeLocked(encodeCommit(commitTS)); err != nil {
			return err
		}
		if err := l.flushBufferAssumeLocked(); err != nil {
			return err
		}
		return l.file.Sync()
	}()
	if err == nil {
		return nil
	}

	l.buf = l.buf[:0]
	l.flushed, l.size = start, start
	if terr := l.file.Truncate(start); terr != nil {
		err = errors.Join(err, terr)
	}
	return fmt.Errorf("failed to append commit %s: %w", commitTS, err)
}

// Reset replaces the log with an empty one for the given checkpoint
// iteration. The new header is written to a temporary file and renamed over
// the log.
func (l *TxnLogger) Reset(iteration uint64) error {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	if l.file == nil {
		return ErrWALClosed
	}

	header := l.header
	header.Iteration = iteration

	// the current log stays in use until the new one is in place
	if err := writeHeaderFile(l.fsys, l.path, header); err != nil {
		return err
	}

	file, err := l.fsys.OpenFile(l.path, fs.FlagRead|fs.FlagWrite, fs.NoLock)
	if err != nil {
		// the old handle points at a log that is no longer on disk
		err = errors.Join(err, l.file.Close())
		l.file = nil
		return fmt.Errorf("failed to reopen %s: %w", l.path, err)
	}

	if err := l.file.Close(); err != nil {
		l.opts.Logger.Warnw("failed to close replaced log", "path", l.path, "error", err)
	}
	l.file = file
	l.header = header
	l.buf = l.buf[:0]
	l.flushed, l.size = HeaderSize, HeaderSize
	return nil
}

// Records calls fn for every complete record in the log, in order.
func (l *TxnLogger) Records(fn func(offset int64, r common.LogRecord) error) error {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	if l.file == nil {
		return ErrWALClosed
	}
	_, err := l.readAssumeLocked(fn)
	return err
}

// readAssumeLocked walks the flushed part of the log and returns the offset
// right after the last record.
func (l *TxnLogger) readAssumeLocked(fn func(offset int64, r common.LogRecord) error) (int64, error) {
	off := int64(HeaderSize)
	hdr := make([]byte, recordHeaderSize)

	for off < l.flushed {
		if l.flushed-off < recordHeaderSize {
			return off, &ReplayError{
				Offset: off,
				Err:    fmt.Errorf("%w: %w: record header", ErrWALCorrupt, ErrWALTruncated),
			}
		}
		if _, err := l.file.ReadAt(hdr, off); err != nil {
			return off, &ReplayError{Offset: off, Err: err}
		}

		typ := common.LogRecordType(hdr[0])
		n := int64(binary.LittleEndian.Uint32(hdr[1:5]))
		sum := binary.LittleEndian.Uint64(hdr[5:13])

		if typ == common.LogRecordInvalid || typ > common.LogRecordCommit {
			return off, &ReplayError{
				Offset: off,
				Err:    fmt.Errorf("%w: unknown record type %d", ErrWALCorrupt, typ),
			}
		}
		if l.flushed-off-recordHeaderSize < n {
			return off, &ReplayError{
				Offset: off,
				Err:    fmt.Errorf("%w: %w: %s record", ErrWALCorrupt, ErrWALTruncated, typ),
			}
		}

		payload := make([]byte, n)
		if _, err := l.file.ReadAt(payload, off+recordHeaderSize); err != nil {
			return off, &ReplayError{Offset: off, Err: err}
		}
		if checksum(payload) != sum {
			return off, &ReplayError{
				Offset: off,
				Err:    fmt.Errorf("%w: %s record checksum mismatch", ErrWALCorrupt, typ),
			}
		}

		if err := fn(off, common.LogRecord{Type: typ, Payload: payload}); err != nil {
			return off, err
		}
		off += recordHeaderSize + n
	}
	return off, nil
}

// Dump writes a human readable listing of the log.
func (l *TxnLogger) Dump(b *strings.Builder) error {
	return l.Records(func(offset int64, r common.LogRecord) error {
		fmt.Fprintf(b, "[%d]: %s\n", offset, recordString(r))
		return nil
	})
}

func (l *TxnLogger) Sync() error {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	if l.opts.ReadOnly {
		return nil
	}
	if l.file == nil {
		return ErrWALClosed
	}
	if err := l.flushBufferAssumeLocked(); err != nil {
		return err
	}
	return l.file.Sync()
}

func (l *TxnLogger) Close() error {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	if l.file == nil {
		return nil
	}

	var err error
	if !l.opts.ReadOnly {
		err = l.flushBufferAssumeLocked()
	}
	err = errors.Join(err, l.file.Close())
	l.file = nil
	return err
}
