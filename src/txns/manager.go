package txns

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/carapacedb/src"
	"github.com/Blackdeer1524/carapacedb/src/catalog"
	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
	"github.com/Blackdeer1524/carapacedb/src/pkg/utils"
)

type retiredSet struct {
	set                *catalog.Set
	highestActiveQuery common.QueryNumber
}

// Stats describes the bookkeeping of a Manager.
type Stats struct {
	Active            int
	RecentlyCommitted int
	Old               int
	OldCatalogSets    int
	// lifetime counters
	Committed       uint64
	RolledBack      uint64
	CleanedEntries  uint64
	ReclaimedTxns   uint64
	ReclaimedSets   uint64
	CurrentQuery    common.QueryNumber
	NextTimestamp   common.Timestamp
	NextTransaction common.TxnID
}

// Manager hands out transaction ids and timestamps and drives commit,
// rollback and the garbage collection of catalog versions. All of its state
// is guarded by one lock so that starts and commits are totally ordered.
type Manager struct {
	mu sync.Mutex

	catalog  *catalog.Catalog
	store    common.BlockStore
	wal      common.ITxnLogger
	readOnly bool
	log      src.Logger

	currentTransactionID common.TxnID
	// start and commit timestamps come from the same counter
	currentTimestamp common.Timestamp
	currentQuery     atomic.Uint64

	active            map[common.TxnID]*Transaction
	recentlyCommitted []*Transaction
	old               []*Transaction
	oldCatalogSets    []retiredSet

	locks *blockLocker
	stats Stats
}

func NewManager(cat *catalog.Catalog, log src.Logger) *Manager {
	if log == nil {
		log = src.NopLogger()
	}

	return &Manager{
		catalog:              cat,
		wal:                  common.NoLogs(),
		log:                  log,
		currentTransactionID: common.TransactionIDStart,
		currentTimestamp:     common.FirstTimestamp,
		active:               map[common.TxnID]*Transaction{},
		locks:                newBlockLocker(),
	}
}

// Attach connects the manager to the block storage and the log. Until then
// only replayed transactions can commit changes.
func (m *Manager) Attach(store common.BlockStore, wal common.ITxnLogger, readOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.store = store
	if wal != nil {
		m.wal = wal
	}
	m.readOnly = readOnly
}

func (m *Manager) Catalog() *catalog.Catalog {
	return m.catalog
}

func (m *Manager) Start() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.startAssumeLocked()
}

// StartReplay starts a transaction for changes read back from the log. Its
// commit does not log them again and is allowed on read-only databases.
func (m *Manager) StartReplay() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.startAssumeLocked()
	txn.replay = true
	return txn
}

func (m *Manager) startAssumeLocked() *Transaction {
	txn := newTransaction(m.currentTransactionID, m.currentTimestamp, m.store, m.locks)
	m.currentTransactionID++
	m.currentTimestamp++

	m.active[txn.id] = txn
	return txn
}

// Commit makes the changes of txn durable and then visible. If the log
// cannot take them the transaction is rolled back instead.
func (m *Manager) Commit(txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txn.state != StateActive {
		return fmt.Errorf("%w: %s", ErrTransactionNotActive, txn)
	}

	if !txn.replay && m.readOnly && txn.HasChanges() {
		err := m.rollbackAssumeLocked(txn)
		return errors.Join(fmt.Errorf("%w: %s", ErrReadOnly, txn), err)
	}

	txn.prepareCommit()
	commitTS := m.currentTimestamp

	if !txn.replay && txn.HasChanges() {
		if err := m.wal.AppendCommit(commitTS, txn.logRecords()); err != nil {
			rbErr := m.rollbackAssumeLocked(txn)
			return errors.Join(fmt.Errorf("failed to log commit of %s: %w", txn, err), rbErr)
		}
	}
	m.currentTimestamp++

	// the commit is durable from here on
	applyErr := m.applyBlocksAssumeLocked(txn)

	for _, e := range txn.entries {
		e.Commit(commitTS)
	}

	txn.commitTS = commitTS
	txn.state = StateCommitted
	m.locks.Release(txn.id, commitTS)
	delete(m.active, txn.id)
	m.recentlyCommitted = append(m.recentlyCommitted, txn)
	m.stats.Committed++

	m.gcAssumeLocked()

	if applyErr != nil {
		m.log.Errorw("committed transaction could not update blocks", zap.Stringer("txn", txn), zap.Error(applyErr))
		return fmt.Errorf("%s is committed but its blocks were not applied: %w", txn, applyErr)
	}
	return nil
}

func (m *Manager) applyBlocksAssumeLocked(txn *Transaction) error {
	if len(txn.writes) == 0 && len(txn.frees) == 0 {
		return nil
	}
	if m.store == nil {
		return ErrNoStorage
	}

	var err error
	for _, id := range utils.SortedKeys(txn.writes) {
		err = errors.Join(err, m.store.WriteBlock(id, txn.writes[id]))
	}
	for _, id := range utils.SortedKeys(txn.frees) {
		err = errors.Join(err, m.store.FreeBlock(id))
	}
	return err
}

// Rollback undoes the catalog changes of txn and releases the blocks it
// allocated.
func (m *Manager) Rollback(txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txn.state != StateActive {
		return fmt.Errorf("%w: %s", ErrTransactionNotActive, txn)
	}
	return m.rollbackAssumeLocked(txn)
}

func (m *Manager) rollbackAssumeLocked(txn *Transaction) error {
	for _, e := range slices.Backward(txn.entries) {
		m.catalog.Undo(e)
	}

	var err error
	if m.store != nil {
		for _, id := range txn.allocated {
			err = errors.Join(err, m.store.FreeBlock(id))
		}
	}

	txn.state = StateRolledBack
	m.locks.Release(txn.id, common.NilTimestamp)
	delete(m.active, txn.id)
	txn.highestActiveQuery = m.queryNumber()
	m.old = append(m.old, txn)
	m.stats.RolledBack++

	m.gcAssumeLocked()

	if err != nil {
		return fmt.Errorf("failed to release blocks of %s: %w", txn, err)
	}
	return nil
}

func (m *Manager) queryNumber() common.QueryNumber {
	return common.QueryNumber(m.currentQuery.Load())
}

// GetQueryNumber issues the number of a new query.
func (m *Manager) GetQueryNumber() common.QueryNumber {
	return common.QueryNumber(m.currentQuery.Add(1))
}

// BeginQuery records that txn runs a new query and returns its number.
// Catalog sets retired after this point stay around until the query is
// over.
func (m *Manager) BeginQuery(txn *Transaction) common.QueryNumber {
	q := m.GetQueryNumber()
	txn.activeQuery.Store(uint64(q))
	return q
}

// EndQuery marks txn as not running any query.
func (m *Manager) EndQuery(txn *Transaction) {
	txn.activeQuery.Store(uint64(noActiveQuery))
}

// AddCatalogSet registers a catalog set nobody can reach any more. It is
// released once every query that might still read it has finished.
func (m *Manager) AddCatalogSet(set *catalog.Set) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addCatalogSetAssumeLocked(set)
}

func (m *Manager) addCatalogSetAssumeLocked(set *catalog.Set) {
	m.oldCatalogSets = append(m.oldCatalogSets, retiredSet{
		set:                set,
		highestActiveQuery: m.queryNumber(),
	})
}

// Quiesce runs fn while no transaction can start, commit or roll back.
func (m *Manager) Quiesce(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return fn()
}

// ActiveCount is the number of running transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.active)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.Active = len(m.active)
	s.RecentlyCommitted = len(m.recentlyCommitted)
	s.Old = len(m.old)
	s.OldCatalogSets = len(m.oldCatalogSets)
	s.CurrentQuery = m.queryNumber()
	s.NextTimestamp = m.currentTimestamp
	s.NextTransaction = m.currentTransactionID
	return s
}

// gcAssumeLocked runs whenever the active set shrinks. Versions committed
// before the oldest snapshot hide nothing anyone can see, so the history
// under them is cleaned. Finished transactions and retired catalog sets are
// released once no query that started before they finished is running.
func (m *Manager) gcAssumeLocked() {
	lowestStart := m.currentTimestamp
	lowestQuery := noActiveQuery
	for _, txn := range m.active {
		lowestStart = min(lowestStart, txn.start)
		lowestQuery = min(lowestQuery, txn.ActiveQuery())
	}

	var cleaned, retired int
	i := 0
	for ; i < len(m.recentlyCommitted); i++ {
		txn := m.recentlyCommitted[i]
		if txn.commitTS >= lowestStart {
			break
		}

		for _, e := range txn.entries {
			sets := m.catalog.Cleanup(e)
			for _, set := range sets {
				m.addCatalogSetAssumeLocked(set)
			}
			retired += len(sets)
		}
		cleaned += len(txn.entries)

		txn.highestActiveQuery = m.queryNumber()
		m.old = append(m.old, txn)
	}
	m.recentlyCommitted = slices.Delete(m.recentlyCommitted, 0, i)
	m.locks.Prune(lowestStart)

	keptTxns := len(m.old)
	m.old = slices.DeleteFunc(m.old, func(txn *Transaction) bool {
		return txn.highestActiveQuery < lowestQuery
	})
	reclaimedTxns := keptTxns - len(m.old)

	keptSets := len(m.oldCatalogSets)
	m.oldCatalogSets = slices.DeleteFunc(m.oldCatalogSets, func(s retiredSet) bool {
		return s.highestActiveQuery < lowestQuery
	})
	reclaimedSets := keptSets - len(m.oldCatalogSets)

	m.stats.CleanedEntries += uint64(cleaned)
	m.stats.ReclaimedTxns += uint64(reclaimedTxns)
	m.stats.ReclaimedSets += uint64(reclaimedSets)

	if cleaned > 0 || reclaimedTxns > 0 || reclaimedSets > 0 {
		m.log.Debugw(
			"garbage collected",
			zap.Int("entries", cleaned),
			zap.Int("retired_sets", retired),
			zap.Int("transactions", reclaimedTxns),
			zap.Int("catalog_sets", reclaimedSets),
		)
	}
}
