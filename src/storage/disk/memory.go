package disk

import (
	"fmt"
	"sync"

	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
)

// InMemoryManager keeps blocks in a map. It follows the same allocation and
// header rules as Manager and is meant for tests.
type InMemoryManager struct {
	mu sync.Mutex

	blocks map[common.BlockID][]byte
	alloc  allocator
	main   MainHeader
	header DatabaseHeader
}

var (
	_ BlockManager = &InMemoryManager{}
)

func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		blocks: map[common.BlockID][]byte{},
		alloc:  allocator{free: newFreeList()},
		main:   NewMainHeader(),
		header: EmptyDatabaseHeader(),
	}
}

func (m *InMemoryManager) CreateBlock() (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return NewBlock(m.alloc.allocate()), nil
}

func (m *InMemoryManager) FreeBlock(id common.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.alloc.release(id)
}

func (m *InMemoryManager) MarkUsed(id common.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.alloc.markUsed(id)
}

func (m *InMemoryManager) Read(block *Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !block.ID.IsValid() || uint64(block.ID) >= m.alloc.blockCount {
		return fmt.Errorf("read block %d of %d: %w", block.ID, m.alloc.blockCount, ErrBlockOutOfRange)
	}

	data, ok := m.blocks[block.ID]
	if !ok {
		block.Clear()
		block.seal()
		return nil
	}
	copy(block.buf, data)
	return block.verify()
}

func (m *InMemoryManager) Write(block *Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.alloc.checkAllocated(block.ID); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	block.seal()
	m.blocks[block.ID] = append([]byte(nil), block.buf...)
	return nil
}

func (m *InMemoryManager) WriteHeader(header DatabaseHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	header.BlockCount = m.alloc.blockCount
	if err := header.validate(); err != nil {
		return err
	}

	header.Iteration = m.header.Iteration + 1
	m.header = header
	return nil
}

func (m *InMemoryManager) Header() DatabaseHeader {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.header
}

func (m *InMemoryManager) MainHeader() MainHeader {
	return m.main
}

func (m *InMemoryManager) GetFreeBlockID() common.BlockID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.alloc.free.ids); n > 0 {
		return m.alloc.free.ids[n-1]
	}
	return common.BlockID(m.alloc.blockCount)
}

func (m *InMemoryManager) GetMetaBlock() common.BlockID {
	return m.Header().MetaBlock
}

func (m *InMemoryManager) BlockCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.alloc.blockCount
}

func (m *InMemoryManager) FreeBlocks() []common.BlockID {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.alloc.free.snapshot()
}

func (m *InMemoryManager) LoadFreeList(ids []common.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.alloc.free.reset(ids)
}

func (m *InMemoryManager) Sync() error {
	return nil
}

func (m *InMemoryManager) Close() error {
	return nil
}
