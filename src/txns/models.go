package txns

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync/atomic"

	"github.com/Blackdeer1524/carapacedb/src/catalog"
	"github.com/Blackdeer1524/carapacedb/src/pkg/assert"
	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
	"github.com/Blackdeer1524/carapacedb/src/pkg/utils"
	"github.com/Blackdeer1524/carapacedb/src/recovery"
	"github.com/Blackdeer1524/carapacedb/src/storage/disk"
)

var (
	ErrTransactionNotActive = errors.New("transaction is not active")
	ErrReadOnly             = errors.New("cannot commit changes to a read-only database")
	ErrBlockConflict        = errors.New("block is written by a concurrent transaction")
	ErrBlockFreed           = errors.New("block was freed by this transaction")
	ErrBlockTooLarge        = errors.New("block payload is too large")
	ErrNoStorage            = errors.New("transaction manager has no storage attached")
)

type State uint8

const (
	StateActive State = iota
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// noActiveQuery is the active query of a transaction between queries.
const noActiveQuery = common.QueryNumber(math.MaxUint64)

// Transaction is one unit of work. It is used by one goroutine at a time;
// only its manager touches it concurrently, under the manager lock.
type Transaction struct {
	id       common.TxnID
	start    common.Timestamp
	commitTS common.Timestamp
	state    State
	// replayed transactions are already in the log
	replay bool

	activeQuery atomic.Uint64
	// query number at the time the transaction finished
	highestActiveQuery common.QueryNumber

	// undo buffer
	entries    []*catalog.Entry
	records    []common.LogRecord
	writes     map[common.BlockID][]byte
	frees      map[common.BlockID]struct{}
	allocated  []common.BlockID
	blockStore common.BlockStore
	locks      *blockLocker
}

var _ catalog.Transaction = &Transaction{}

func newTransaction(
	id common.TxnID,
	start common.Timestamp,
	store common.BlockStore,
	locks *blockLocker,
) *Transaction {
	t := &Transaction{
		id:         id,
		start:      start,
		writes:     map[common.BlockID][]byte{},
		frees:      map[common.BlockID]struct{}{},
		blockStore: store,
		locks:      locks,
	}
	t.activeQuery.Store(uint64(noActiveQuery))
	return t
}

func (t *Transaction) ID() common.TxnID {
	return t.id
}

func (t *Transaction) StartTimestamp() common.Timestamp {
	return t.start
}

// CommitTimestamp is NilTimestamp until the transaction commits.
func (t *Transaction) CommitTimestamp() common.Timestamp {
	return t.commitTS
}

func (t *Transaction) State() State {
	return t.state
}

func (t *Transaction) ActiveQuery() common.QueryNumber {
	return common.QueryNumber(t.activeQuery.Load())
}

func (t *Transaction) String() string {
	return fmt.Sprintf("%s(start %s, %s)", t.id, t.start, t.state)
}

// PushCatalogEntry is called by the catalog for every version the
// transaction creates.
func (t *Transaction) PushCatalogEntry(e *catalog.Entry, record common.LogRecord) {
	assert.Assert(t.state == StateActive, "%s changed the catalog after it finished", t)

	t.entries = append(t.entries, e)
	t.records = append(t.records, record)
}

// CatalogEntries returns the catalog versions written by the transaction in
// the order they were created.
func (t *Transaction) CatalogEntries() []*catalog.Entry {
	return slices.Clone(t.entries)
}

// HasChanges reports whether committing the transaction writes anything.
func (t *Transaction) HasChanges() bool {
	return len(t.entries) > 0 || len(t.writes) > 0 || len(t.frees) > 0
}

func (t *Transaction) checkActive() error {
	if t.state != StateActive {
		return fmt.Errorf("%w: %s", ErrTransactionNotActive, t)
	}
	if t.blockStore == nil {
		return ErrNoStorage
	}
	return nil
}

func (t *Transaction) lock(id common.BlockID) error {
	if !t.locks.Lock(t, id) {
		return fmt.Errorf("%w: block %d", ErrBlockConflict, id)
	}
	return nil
}

// CreateBlock allocates a block. It is returned to the free list if the
// transaction rolls back.
func (t *Transaction) CreateBlock() (common.BlockID, error) {
	if err := t.checkActive(); err != nil {
		return common.InvalidBlockID, err
	}

	id, err := t.blockStore.CreateBlock()
	if err != nil {
		return common.InvalidBlockID, err
	}
	t.allocated = append(t.allocated, id)

	t.locks.Claim(t, id)
	return id, nil
}

// WriteBlock buffers a new image of the block until commit.
func (t *Transaction) WriteBlock(id common.BlockID, data []byte) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if len(data) > disk.BlockDataSize {
		return fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, len(data))
	}
	if _, ok := t.frees[id]; ok {
		return fmt.Errorf("%w: %d", ErrBlockFreed, id)
	}
	if err := t.lock(id); err != nil {
		return err
	}

	t.writes[id] = slices.Clone(data)
	return nil
}

// ReadBlock returns the transaction's own image of the block if it wrote
// one, the latest committed image otherwise.
func (t *Transaction) ReadBlock(id common.BlockID) ([]byte, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	if _, ok := t.frees[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrBlockFreed, id)
	}
	if data, ok := t.writes[id]; ok {
		return slices.Clone(data), nil
	}
	return t.blockStore.ReadBlock(id)
}

// FreeBlock releases the block when the transaction commits.
func (t *Transaction) FreeBlock(id common.BlockID) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if _, ok := t.frees[id]; ok {
		return fmt.Errorf("%w: %d", ErrBlockFreed, id)
	}
	if err := t.lock(id); err != nil {
		return err
	}

	delete(t.writes, id)
	t.frees[id] = struct{}{}
	return nil
}

// prepareCommit gives blocks allocated but never written an empty image,
// so that the allocation survives a crash.
func (t *Transaction) prepareCommit() {
	for _, id := range t.allocated {
		_, written := t.writes[id]
		_, freed := t.frees[id]
		if !written && !freed {
			t.writes[id] = nil
		}
	}
}

// logRecords is what the log has to hold for the transaction to survive a
// crash: catalog changes in the order they were made, then block images,
// then freed blocks. Blocks both allocated and freed here never reach the
// log.
func (t *Transaction) logRecords() []common.LogRecord {
	records := slices.Clone(t.records)
	for _, id := range utils.SortedKeys(t.writes) {
		records = append(records, recovery.EncodeBlockWrite(id, t.writes[id]))
	}
	for _, id := range utils.SortedKeys(t.frees) {
		if !slices.Contains(t.allocated, id) {
			records = append(records, recovery.EncodeBlockFree(id))
		}
	}
	return records
}

var _ common.BlockStore = &Transaction{}
