package disk

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/ncw/directio"

	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
	"github.com/Blackdeer1524/carapacedb/src/storage/fs"
)

// BlockManager allocates, reads and writes fixed-size blocks and owns the
// database headers.
type BlockManager interface {
	// CreateBlock allocates a block id: a freed one if available, otherwise
	// a new one at the end of the file.
	CreateBlock() (*Block, error)
	// FreeBlock makes id available to CreateBlock again.
	FreeBlock(id common.BlockID) error
	// MarkUsed forces id to be allocated. Used when replaying the log.
	MarkUsed(id common.BlockID) error

	Read(block *Block) error
	Write(block *Block) error

	// WriteHeader is the last step of a checkpoint. It writes the inactive
	// header slot and makes it the active one.
	WriteHeader(header DatabaseHeader) error
	Header() DatabaseHeader
	MainHeader() MainHeader

	// GetFreeBlockID returns the id the next CreateBlock will hand out.
	GetFreeBlockID() common.BlockID
	GetMetaBlock() common.BlockID
	BlockCount() uint64
	FreeBlocks() []common.BlockID
	LoadFreeList(ids []common.BlockID) error

	Sync() error
	Close() error
}

type Options struct {
	ReadOnly bool
	DirectIO bool
	// CacheBlocks is the capacity of the read cache in blocks, 0 disables it.
	CacheBlocks int
}

// Manager is the BlockManager of a single database file.
type Manager struct {
	// block I/O runs under the read lock together with the cache fill,
	// writes and cache invalidation under the write lock
	mu sync.RWMutex

	file     fs.File
	readOnly bool
	closed   bool

	header *headerRegion
	alloc  allocator

	cache *ristretto.Cache[int64, []byte]
}

var (
	_ BlockManager = &Manager{}
)

func openOptions(opts Options, create bool) (fs.FileFlags, fs.LockType) {
	flags := fs.FlagRead
	lock := fs.ReadLock
	if !opts.ReadOnly {
		flags |= fs.FlagWrite
		lock = fs.WriteLock
	}
	if create {
		flags |= fs.FlagCreate
	}
	if opts.DirectIO {
		flags |= fs.FlagDirectIO
	}
	return flags, lock
}

func newCache(blocks int) (*ristretto.Cache[int64, []byte], error) {
	if blocks <= 0 {
		return nil, nil
	}

	return ristretto.NewCache(&ristretto.Config[int64, []byte]{
		NumCounters: int64(blocks) * 10,
		MaxCost:     int64(blocks) * BlockSize,
		BufferItems: 64,
	})
}

// Create initializes a new database file at path. It fails if the file
// already exists.
func Create(fsys fs.FileSystem, path string, opts Options) (*Manager, error) {
	if opts.ReadOnly {
		return nil, fmt.Errorf("cannot create %s: %w", path, ErrReadOnly)
	}

	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("database file %s already exists: %w", path, os.ErrExist)
	}

	flags, lock := openOptions(opts, true)
	file, err := fsys.OpenFile(path, flags, lock)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		file:   file,
		header: newHeaderRegion(directio.AlignedBlock(HeaderSize), NewMainHeader()),
		alloc:  allocator{free: newFreeList()},
	}

	if _, err := file.WriteAt(m.header.buf, 0); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to write headers: %w", err), file.Close())
	}
	if err := file.Sync(); err != nil {
		return nil, errors.Join(err, file.Close())
	}

	if m.cache, err = newCache(opts.CacheBlocks); err != nil {
		return nil, errors.Join(err, file.Close())
	}
	return m, nil
}

// Open loads an existing database file and selects the active header.
// The free list is not loaded here, see LoadFreeList.
func Open(fsys fs.FileSystem, path string, opts Options) (*Manager, error) {
	flags, lock := openOptions(opts, false)
	file, err := fsys.OpenFile(path, flags, lock)
	if err != nil {
		return nil, err
	}

	m, err := load(file, opts)
	if err != nil {
		return nil, errors.Join(err, file.Close())
	}
	return m, nil
}

func load(file fs.File, opts Options) (*Manager, error) {
	size, err := file.Size()
	if err != nil {
		return nil, err
	}
	if size < HeaderSize {
		return nil, fmt.Errorf(
			"%w: file %s has %d bytes, header needs %d",
			ErrCorruptHeader,
			file.Path(),
			size,
			HeaderSize,
		)
	}

	buf := directio.AlignedBlock(HeaderSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("failed to read headers: %w", err)
	}

	region, err := loadHeaderRegion(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file.Path(), err)
	}

	cache, err := newCache(opts.CacheBlocks)
	if err != nil {
		return nil, err
	}

	return &Manager{
		file:     file,
		readOnly: opts.ReadOnly,
		header:   region,
		alloc: allocator{
			free:       newFreeList(),
			blockCount: region.Active().BlockCount,
		},
		cache: cache,
	}, nil
}

func (m *Manager) checkWritable() error {
	if m.closed {
		return ErrManagerClosed
	}
	if m.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (m *Manager) CreateBlock() (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritable(); err != nil {
		return nil, err
	}
	return NewBlock(m.alloc.allocate()), nil
}

func (m *Manager) FreeBlock(id common.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritable(); err != nil {
		return err
	}
	if err := m.alloc.release(id); err != nil {
		return err
	}

	if m.cache != nil {
		m.cache.Del(int64(id))
	}
	return nil
}

func (m *Manager) MarkUsed(id common.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	return m.alloc.markUsed(id)
}

func (m *Manager) Read(block *Block) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrManagerClosed
	}
	if !block.ID.IsValid() || uint64(block.ID) >= m.alloc.blockCount {
		return fmt.Errorf("read block %d of %d: %w", block.ID, m.alloc.blockCount, ErrBlockOutOfRange)
	}

	if m.cache != nil {
		if data, ok := m.cache.Get(int64(block.ID)); ok {
			copy(block.buf, data)
			return nil
		}
	}

	if _, err := m.file.ReadAt(block.buf, blockOffset(block.ID)); err != nil {
		return fmt.Errorf("failed to read block %d: %w", block.ID, err)
	}
	if err := block.verify(); err != nil {
		return err
	}

	if m.cache != nil {
		m.cache.Set(int64(block.ID), append([]byte(nil), block.buf...), BlockSize)
	}
	return nil
}

func (m *Manager) Write(block *Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritable(); err != nil {
		return err
	}
	if err := m.alloc.checkAllocated(block.ID); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	block.seal()
	if m.cache != nil {
		m.cache.Del(int64(block.ID))
	}

	if _, err := m.file.WriteAt(block.buf, blockOffset(block.ID)); err != nil {
		return fmt.Errorf("failed to write block %d: %w", block.ID, err)
	}
	return nil
}

func (m *Manager) WriteHeader(header DatabaseHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWritable(); err != nil {
		return err
	}

	// everything the new header points to must hit the disk before it does
	if err := m.file.Sync(); err != nil {
		return err
	}

	header.BlockCount = m.alloc.blockCount
	if err := header.validate(); err != nil {
		return err
	}

	slot, staged := m.header.stage(header)
	if _, err := m.file.WriteAt(m.header.buf, 0); err != nil {
		m.header.rollback(slot)
		return fmt.Errorf("failed to write header slot %d: %w", slot, err)
	}
	if err := m.file.Sync(); err != nil {
		m.header.rollback(slot)
		return err
	}

	m.header.commit(slot, staged)
	return nil
}

func (m *Manager) Header() DatabaseHeader {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.header.Active()
}

func (m *Manager) MainHeader() MainHeader {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.header.main
}

func (m *Manager) GetFreeBlockID() common.BlockID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n := len(m.alloc.free.ids); n > 0 {
		return m.alloc.free.ids[n-1]
	}
	return common.BlockID(m.alloc.blockCount)
}

func (m *Manager) GetMetaBlock() common.BlockID {
	return m.Header().MetaBlock
}

func (m *Manager) BlockCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.alloc.blockCount
}

func (m *Manager) FreeBlocks() []common.BlockID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.alloc.free.snapshot()
}

func (m *Manager) LoadFreeList(ids []common.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if !id.IsValid() || uint64(id) >= m.alloc.blockCount {
			return fmt.Errorf(
				"%w: free block %d outside of %d blocks",
				ErrCorruptChain,
				id,
				m.alloc.blockCount,
			)
		}
	}
	return m.alloc.free.reset(ids)
}

func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.readOnly {
		return nil
	}
	return m.file.Sync()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if m.cache != nil {
		m.cache.Close()
	}
	return m.file.Close()
}
