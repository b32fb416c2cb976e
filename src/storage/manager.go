package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/carapacedb/src"
	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
	"github.com/Blackdeer1524/carapacedb/src/recovery"
	"github.com/Blackdeer1524/carapacedb/src/storage/disk"
	"github.com/Blackdeer1524/carapacedb/src/storage/fs"
)

var (
	ErrReadOnly      = errors.New("database is opened read-only")
	ErrClosed        = errors.New("storage manager is closed")
	ErrBlockTooLarge = errors.New("block payload is too large")
)

type Options struct {
	ReadOnly bool
	DirectIO bool
	// read cache size in blocks
	CacheBlocks       int
	WALBufferSize     int
	CheckpointWorkers int
	Logger            src.Logger
}

// Loader rebuilds the catalog from what the storage holds.
type Loader interface {
	// LoadCatalog receives the catalog image of the last checkpoint.
	LoadCatalog(data []byte) error
	// ReplayCatalog receives the catalog records of one committed
	// transaction found in the write-ahead log.
	ReplayCatalog(commitTS common.Timestamp, records []common.LogRecord) error
}

// Manager owns one database file and its write-ahead log. Committed block
// images stay in memory until the next checkpoint writes them out.
type Manager struct {
	mu sync.Mutex

	fsys fs.FileSystem
	path string
	opts Options
	log  src.Logger

	blocks *disk.Manager
	wal    *recovery.TxnLogger

	dirty map[common.BlockID][]byte

	// chains referenced by the active header; they become free once the
	// next header is written
	metaBlocks     []common.BlockID
	freeListBlocks []common.BlockID

	lastCommit common.Timestamp
	replayed   bool
	closed     bool
}

var (
	_ common.BlockStore = &Manager{}
)

// Open opens the database file at path, creating it when it does not exist
// yet. The checkpointed catalog and the committed log records are handed to
// loader before Open returns.
func Open(fsys fs.FileSystem, path string, opts Options, loader Loader) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = src.NopLogger()
	}
	if opts.CheckpointWorkers <= 0 {
		opts.CheckpointWorkers = 1
	}

	m := &Manager{
		fsys:  fsys,
		path:  path,
		opts:  opts,
		log:   opts.Logger,
		dirty: map[common.BlockID][]byte{},
	}

	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, err
	}

	if !exists {
		if opts.ReadOnly {
			return nil, fmt.Errorf("cannot open %s read-only: %w", path, os.ErrNotExist)
		}
		if err := m.create(); err != nil {
			return nil, errors.Join(err, m.Close())
		}
		return m, nil
	}

	if err := m.load(loader); err != nil {
		return nil, errors.Join(err, m.Close())
	}
	return m, nil
}

func (m *Manager) diskOptions() disk.Options {
	return disk.Options{
		ReadOnly:    m.opts.ReadOnly,
		DirectIO:    m.opts.DirectIO,
		CacheBlocks: m.opts.CacheBlocks,
	}
}

func (m *Manager) walOptions() recovery.Options {
	return recovery.Options{
		ReadOnly:   m.opts.ReadOnly,
		BufferSize: m.opts.WALBufferSize,
		Logger:     m.log,
	}
}

func (m *Manager) create() error {
	if dir := filepath.Dir(m.path); dir != "." {
		if err := m.fsys.MkdirAll(dir); err != nil {
			return err
		}
	}

	blocks, err := disk.Create(m.fsys, m.path, m.diskOptions())
	if err != nil {
		return err
	}
	m.blocks = blocks

	main := blocks.MainHeader()
	m.wal, err = recovery.Create(
		m.fsys,
		recovery.Path(m.path),
		recovery.Header{DatabaseID: main.DatabaseID, Iteration: blocks.Header().Iteration},
		m.walOptions(),
	)
	if err != nil {
		return err
	}

	m.log.Infow("created database", zap.String("path", m.path), zap.Stringer("id", main.DatabaseID))
	return nil
}

func (m *Manager) load(loader Loader) error {
	blocks, err := disk.Open(m.fsys, m.path, m.diskOptions())
	if err != nil {
		return err
	}
	m.blocks = blocks

	header := blocks.Header()
	m.log.Infow(
		"opened database",
		zap.String("path", m.path),
		zap.Uint64("iteration", header.Iteration),
		zap.Uint64("blocks", header.BlockCount),
		zap.Bool("read_only", m.opts.ReadOnly),
	)

	if header.FreeList != common.InvalidBlockID {
		data, ids, err := disk.ReadChain(blocks, header.FreeList)
		if err != nil {
			return fmt.Errorf("failed to read free list: %w", err)
		}
		free, err := disk.DecodeFreeList(data)
		if err != nil {
			return err
		}
		if err := blocks.LoadFreeList(free); err != nil {
			return err
		}
		m.freeListBlocks = ids
	}

	if meta := blocks.GetMetaBlock(); meta != common.InvalidBlockID {
		data, ids, err := disk.ReadChain(blocks, meta)
		if err != nil {
			return fmt.Errorf("failed to read catalog: %w", err)
		}
		if err := loader.LoadCatalog(data); err != nil {
			return fmt.Errorf("failed to load catalog: %w", err)
		}
		m.metaBlocks = ids
	}

	return m.openWAL(loader)
}

func (m *Manager) openWAL(loader Loader) error {
	main, header := m.blocks.MainHeader(), m.blocks.Header()
	walPath := recovery.Path(m.path)

	exists, err := m.fsys.Exists(walPath)
	if err != nil {
		return err
	}
	if !exists {
		if m.opts.ReadOnly {
			return nil
		}
		m.wal, err = recovery.Create(
			m.fsys,
			walPath,
			recovery.Header{DatabaseID: main.DatabaseID, Iteration: header.Iteration},
			m.walOptions(),
		)
		return err
	}

	m.wal, err = recovery.Open(m.fsys, walPath, m.walOptions())
	if err != nil {
		return err
	}

	replay, err := m.wal.Check(main.DatabaseID, header.Iteration)
	if err != nil {
		return err
	}
	if !replay {
		m.log.Infow(
			"skipping checkpointed log",
			zap.Uint64("log_iteration", m.wal.Header().Iteration),
			zap.Uint64("iteration", header.Iteration),
		)
		if m.opts.ReadOnly {
			return nil
		}
		return m.wal.Reset(header.Iteration)
	}

	stats, err := m.wal.Replay(func(g recovery.CommitGroup) error {
		return m.replayGroup(g, loader)
	})
	if err != nil {
		return fmt.Errorf("failed to replay %s: %w", walPath, err)
	}

	m.replayed = stats.Commits > 0
	m.log.Infow(
		"replayed log",
		zap.Int("commits", stats.Commits),
		zap.Int("records", stats.Records),
		zap.Int("discarded", stats.Discarded),
		zap.Int("dirty_blocks", len(m.dirty)),
	)
	return nil
}

func (m *Manager) replayGroup(g recovery.CommitGroup, loader Loader) error {
	var catalog []common.LogRecord

	for _, r := range g.Records {
		switch r.Type {
		case common.LogRecordBlockWrite:
			id, data, err := recovery.DecodeBlockWrite(r.Payload)
			if err != nil {
				return err
			}
			if err := m.blocks.MarkUsed(id); err != nil {
				return err
			}
			m.dirty[id] = padBlock(data)
		case common.LogRecordBlockFree:
			id, err := recovery.DecodeBlockFree(r.Payload)
			if err != nil {
				return err
			}
			delete(m.dirty, id)
			if m.opts.ReadOnly {
				// nothing gets allocated in read-only mode
				continue
			}
			if err := m.blocks.FreeBlock(id); err != nil {
				return err
			}
		default:
			catalog = append(catalog, r)
		}
	}

	m.lastCommit = max(m.lastCommit, g.CommitTS)
	if len(catalog) == 0 {
		return nil
	}
	return loader.ReplayCatalog(g.CommitTS, catalog)
}

func padBlock(data []byte) []byte {
	block := make([]byte, disk.BlockDataSize)
	copy(block, data)
	return block
}

// Replayed reports whether Open applied committed log records that are not
// part of the database file yet.
func (m *Manager) Replayed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.replayed
}

// LastCommit is the highest commit timestamp found in the log.
func (m *Manager) LastCommit() common.Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastCommit
}

func (m *Manager) ReadOnly() bool {
	return m.opts.ReadOnly
}

// WAL is nil for a read-only database without a log file.
func (m *Manager) WAL() *recovery.TxnLogger {
	return m.wal
}

func (m *Manager) WALSize() int64 {
	if m.wal == nil {
		return 0
	}
	return m.wal.Size()
}

func (m *Manager) Header() disk.DatabaseHeader {
	return m.blocks.Header()
}

func (m *Manager) MainHeader() disk.MainHeader {
	return m.blocks.MainHeader()
}

func (m *Manager) BlockCount() uint64 {
	return m.blocks.BlockCount()
}

func (m *Manager) FreeBlocks() []common.BlockID {
	return m.blocks.FreeBlocks()
}

func (m *Manager) checkWritable() error {
	if m.closed {
		return ErrClosed
	}
	if m.opts.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

func (m *Manager) CreateBlock() (common.BlockID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritable(); err != nil {
		return common.InvalidBlockID, err
	}

	block, err := m.blocks.CreateBlock()
	if err != nil {
		return common.InvalidBlockID, err
	}
	return block.ID, nil
}

func (m *Manager) FreeBlock(id common.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritable(); err != nil {
		return err
	}
	if err := m.blocks.FreeBlock(id); err != nil {
		return err
	}

	delete(m.dirty, id)
	return nil
}

// ReadBlock returns the committed payload of the block.
func (m *Manager) ReadBlock(id common.BlockID) ([]byte, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if data, ok := m.dirty[id]; ok {
		m.mu.Unlock()
		return slices.Clone(data), nil
	}
	m.mu.Unlock()

	block := disk.NewBlock(id)
	if err := m.blocks.Read(block); err != nil {
		return nil, err
	}
	return slices.Clone(block.Data()), nil
}

// WriteBlock stores a committed block image. It reaches the file at the
// next checkpoint.
func (m *Manager) WriteBlock(id common.BlockID, data []byte) error {
	if len(data) > disk.BlockDataSize {
		return fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritable(); err != nil {
		return err
	}

	m.dirty[id] = padBlock(data)
	return nil
}

// Checkpoint writes dirty blocks, the catalog image and the free list, then
// switches the header and empties the log. The caller keeps transactions
// from committing meanwhile.
func (m *Manager) Checkpoint(ctx context.Context, catalog func() ([]byte, error)) error {
	data, err := catalog()
	if err != nil {
		return fmt.Errorf("failed to serialize catalog: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritable(); err != nil {
		return err
	}

	m.log.Debugw("checkpoint started", zap.Int("dirty_blocks", len(m.dirty)))

	if err := m.flushDirtyAssumeLocked(ctx); err != nil {
		return fmt.Errorf("failed to flush blocks: %w", err)
	}

	var (
		allocated     []common.BlockID
		headerWritten bool
	)
	err = func() error {
		metaIDs, err := m.allocateAssumeLocked(disk.ChainBlocks(len(data)))
		allocated = append(allocated, metaIDs...)
		if err != nil {
			return err
		}
		metaFirst, err := disk.WriteChain(m.blocks, metaIDs, data)
		if err != nil {
			return err
		}

		pending := slices.Concat(m.metaBlocks, m.freeListBlocks)

		// allocating chain blocks shrinks the free list, so grow the chain
		// until it fits what is left
		var freeIDs []common.BlockID
		for {
			need := disk.FreeListBlocks(len(m.blocks.FreeBlocks()) + len(pending))
			if len(freeIDs) >= need {
				break
			}
			ids, err := m.allocateAssumeLocked(1)
			allocated = append(allocated, ids...)
			if err != nil {
				return err
			}
			freeIDs = append(freeIDs, ids...)
		}

		free := slices.Concat(m.blocks.FreeBlocks(), pending)
		freeFirst, err := disk.WriteChain(m.blocks, freeIDs, disk.EncodeFreeList(free))
		if err != nil {
			return err
		}

		if err := m.blocks.WriteHeader(disk.DatabaseHeader{
			MetaBlock: metaFirst,
			FreeList:  freeFirst,
		}); err != nil {
			return err
		}
		headerWritten = true

		m.metaBlocks = metaIDs
		m.freeListBlocks = freeIDs
		for _, id := range pending {
			if err := m.blocks.FreeBlock(id); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		if !headerWritten {
			for _, id := range allocated {
				_ = m.blocks.FreeBlock(id)
			}
		}
		return fmt.Errorf("checkpoint failed: %w", err)
	}

	clear(m.dirty)

	header := m.blocks.Header()
	if err := m.wal.Reset(header.Iteration); err != nil {
		return fmt.Errorf("failed to reset log: %w", err)
	}

	m.log.Infow(
		"checkpoint finished",
		zap.Uint64("iteration", header.Iteration),
		zap.Uint64("blocks", header.BlockCount),
		zap.Int("catalog_bytes", len(data)),
	)
	return nil
}

func (m *Manager) allocateAssumeLocked(n int) ([]common.BlockID, error) {
	ids := make([]common.BlockID, 0, n)
	for range n {
		block, err := m.blocks.CreateBlock()
		if err != nil {
			return ids, err
		}
		ids = append(ids, block.ID)
	}
	return ids, nil
}

func (m *Manager) flushDirtyAssumeLocked(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.CheckpointWorkers)

	for id, data := range m.dirty {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			block := disk.NewBlock(id)
			copy(block.Data(), data)
			return m.blocks.Write(block)
		})
	}
	return g.Wait()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var err error
	if m.wal != nil {
		err = errors.Join(err, m.wal.Close())
	}
	if m.blocks != nil {
		err = errors.Join(err, m.blocks.Close())
	}
	return err
}
