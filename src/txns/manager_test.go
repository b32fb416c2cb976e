package txns

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/panjf2000/ants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/carapacedb/src/catalog"
	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
	"github.com/Blackdeer1524/carapacedb/src/recovery"
)

type memStore struct {
	mu     sync.Mutex
	blocks map[common.BlockID][]byte
	free   []common.BlockID
	next   common.BlockID
}

func newMemStore() *memStore {
	return &memStore{blocks: map[common.BlockID][]byte{}}
}

func (s *memStore) CreateBlock() (common.BlockID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		return id, nil
	}
	id := s.next
	s.next++
	return id, nil
}

func (s *memStore) FreeBlock(id common.BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blocks, id)
	s.free = append(s.free, id)
	return nil
}

func (s *memStore) ReadBlock(id common.BlockID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]byte(nil), s.blocks[id]...), nil
}

func (s *memStore) WriteBlock(id common.BlockID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks[id] = append([]byte(nil), data...)
	return nil
}

type commit struct {
	ts      common.Timestamp
	records []common.LogRecord
}

type recordingWAL struct {
	mu      sync.Mutex
	commits []commit
	fail    error
}

func (w *recordingWAL) AppendCommit(ts common.Timestamp, records []common.LogRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fail != nil {
		return w.fail
	}
	w.commits = append(w.commits, commit{ts: ts, records: records})
	return nil
}

func newTestManager(t *testing.T) (*Manager, *memStore, *recordingWAL) {
	t.Helper()

	store, wal := newMemStore(), &recordingWAL{}
	m := NewManager(catalog.New(nil), nil)
	m.Attach(store, wal, false)
	return m, store, wal
}

func createTable(t *testing.T, m *Manager, txn *Transaction, name string) *catalog.Entry {
	t.Helper()

	e, err := m.Catalog().CreateTable(txn, catalog.DefaultSchema, name, &catalog.TableInfo{
		Columns: []catalog.ColumnDefinition{{Name: "id", Type: "BIGINT"}},
	})
	require.NoError(t, err)
	return e
}

func lookup(m *Manager, txn *Transaction, kind catalog.Kind, name string) error {
	_, err := m.Catalog().GetEntry(txn, catalog.DefaultSchema, kind, name)
	return err
}

func TestManager_Timestamps(t *testing.T) {
	m, _, _ := newTestManager(t)

	a := m.Start()
	b := m.Start()
	assert.Equal(t, common.TransactionIDStart, a.ID())
	assert.Equal(t, common.TransactionIDStart+1, b.ID())
	assert.Equal(t, common.FirstTimestamp, a.StartTimestamp())
	assert.Equal(t, common.FirstTimestamp+1, b.StartTimestamp())

	require.NoError(t, m.Commit(a))
	assert.Equal(t, common.FirstTimestamp+2, a.CommitTimestamp())
	assert.Equal(t, StateCommitted, a.State())

	c := m.Start()
	assert.Equal(t, common.FirstTimestamp+3, c.StartTimestamp())

	require.ErrorIs(t, m.Commit(a), ErrTransactionNotActive)
	require.ErrorIs(t, m.Rollback(a), ErrTransactionNotActive)
	require.NoError(t, m.Rollback(b))
	assert.Equal(t, StateRolledBack, b.State())
	assert.Equal(t, 1, m.ActiveCount())
}

func TestManager_SnapshotScenario(t *testing.T) {
	m, _, _ := newTestManager(t)
	cat := m.Catalog()

	a := m.Start()
	createTable(t, m, a, "t1")
	_, err := cat.CreateIndex(a, catalog.DefaultSchema, "idx1", &catalog.IndexInfo{Table: "t1", Columns: []string{"id"}})
	require.NoError(t, err)

	b := m.Start()
	require.ErrorIs(t, lookup(m, b, catalog.KindTable, "t1"), catalog.ErrEntryNotFound)

	require.NoError(t, m.Commit(a))
	require.ErrorIs(t, lookup(m, b, catalog.KindTable, "t1"), catalog.ErrEntryNotFound)

	c := m.Start()
	require.NoError(t, lookup(m, c, catalog.KindTable, "t1"))

	d := m.Start()
	err = cat.DropEntry(d, catalog.DropInfo{Kind: catalog.KindTable, Schema: catalog.DefaultSchema, Name: "t1"})
	require.ErrorIs(t, err, catalog.ErrHasDependents)
	require.NoError(t, cat.DropEntry(d, catalog.DropInfo{
		Kind:    catalog.KindTable,
		Schema:  catalog.DefaultSchema,
		Name:    "t1",
		Cascade: true,
	}))
	require.NoError(t, m.Commit(d))

	e := m.Start()
	require.ErrorIs(t, lookup(m, e, catalog.KindTable, "t1"), catalog.ErrEntryNotFound)
	require.ErrorIs(t, lookup(m, e, catalog.KindIndex, "idx1"), catalog.ErrEntryNotFound)
	require.NoError(t, lookup(m, c, catalog.KindTable, "t1"))
	require.NoError(t, lookup(m, c, catalog.KindIndex, "idx1"))

	// b and c still need the old versions
	assert.Positive(t, cat.Dependencies().EdgeCount())
	assert.Equal(t, 2, m.Stats().RecentlyCommitted)

	require.NoError(t, m.Rollback(b))
	require.NoError(t, m.Commit(c))
	require.NoError(t, m.Commit(e))

	stats := m.Stats()
	assert.Zero(t, stats.RecentlyCommitted)
	assert.Zero(t, stats.Active)
	assert.Zero(t, cat.Dependencies().EdgeCount())
}

func TestManager_CommitLogsBeforeVisibility(t *testing.T) {
	m, store, wal := newTestManager(t)

	txn := m.Start()
	createTable(t, m, txn, "t1")
	id, err := txn.CreateBlock()
	require.NoError(t, err)
	require.NoError(t, txn.WriteBlock(id, []byte("payload")))
	empty, err := txn.CreateBlock()
	require.NoError(t, err)
	require.NoError(t, m.Commit(txn))

	require.Len(t, wal.commits, 1)
	logged := wal.commits[0]
	assert.Equal(t, txn.CommitTimestamp(), logged.ts)
	require.Len(t, logged.records, 3)
	assert.Equal(t, common.LogRecordCreateEntry, logged.records[0].Type)

	gotID, data, err := recovery.DecodeBlockWrite(logged.records[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, []byte("payload"), data)

	// allocated without a write still reaches the log
	gotID, data, err = recovery.DecodeBlockWrite(logged.records[2].Payload)
	require.NoError(t, err)
	assert.Equal(t, empty, gotID)
	assert.Empty(t, data)

	stored, err := store.ReadBlock(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), stored)

	// empty transactions are not logged
	require.NoError(t, m.Commit(m.Start()))
	assert.Len(t, wal.commits, 1)
}

func TestManager_LogFailureRollsBack(t *testing.T) {
	m, store, wal := newTestManager(t)
	wal.fail = errors.New("disk full")

	txn := m.Start()
	createTable(t, m, txn, "t1")
	id, err := txn.CreateBlock()
	require.NoError(t, err)
	require.NoError(t, txn.WriteBlock(id, []byte("lost")))

	err = m.Commit(txn)
	require.ErrorContains(t, err, "disk full")
	assert.Equal(t, StateRolledBack, txn.State())
	assert.Equal(t, []common.BlockID{id}, store.free)

	wal.fail = nil
	check := m.Start()
	require.ErrorIs(t, lookup(m, check, catalog.KindTable, "t1"), catalog.ErrEntryNotFound)
	createTable(t, m, check, "t1")
	require.NoError(t, m.Commit(check))
}

func TestManager_ReadOnly(t *testing.T) {
	m := NewManager(catalog.New(nil), nil)
	m.Attach(newMemStore(), nil, true)

	reader := m.Start()
	require.NoError(t, m.Commit(reader))

	writer := m.Start()
	createTable(t, m, writer, "t1")
	require.ErrorIs(t, m.Commit(writer), ErrReadOnly)
	assert.Equal(t, StateRolledBack, writer.State())

	replay := m.StartReplay()
	createTable(t, m, replay, "t1")
	require.NoError(t, m.Commit(replay))
	require.NoError(t, lookup(m, m.Start(), catalog.KindTable, "t1"))
}

func TestManager_BlockOwnership(t *testing.T) {
	m, store, _ := newTestManager(t)

	setup := m.Start()
	id, err := setup.CreateBlock()
	require.NoError(t, err)
	require.NoError(t, setup.WriteBlock(id, []byte("v1")))
	require.NoError(t, m.Commit(setup))

	a := m.Start()
	b := m.Start()
	require.NoError(t, a.WriteBlock(id, []byte("v2")))
	require.ErrorIs(t, b.WriteBlock(id, []byte("v3")), ErrBlockConflict)
	require.ErrorIs(t, b.FreeBlock(id), ErrBlockConflict)

	got, err := a.ReadBlock(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
	got, err = b.ReadBlock(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, m.Commit(a))

	// b took its snapshot before a committed
	require.ErrorIs(t, b.WriteBlock(id, []byte("v3")), ErrBlockConflict)
	require.NoError(t, m.Rollback(b))

	c := m.Start()
	require.NoError(t, c.FreeBlock(id))
	_, err = c.ReadBlock(id)
	require.ErrorIs(t, err, ErrBlockFreed)
	require.ErrorIs(t, c.WriteBlock(id, nil), ErrBlockFreed)
	require.NoError(t, m.Commit(c))
	assert.Contains(t, store.free, id)

	_, err = c.ReadBlock(id)
	require.ErrorIs(t, err, ErrTransactionNotActive)
	_, owned := m.locks.Owner(id)
	assert.False(t, owned)
}

func TestManager_ReallocatedBlock(t *testing.T) {
	m, store, _ := newTestManager(t)

	setup := m.Start()
	id, err := setup.CreateBlock()
	require.NoError(t, err)
	require.NoError(t, setup.WriteBlock(id, []byte("v1")))
	require.NoError(t, m.Commit(setup))

	old := m.Start()
	freer := m.Start()
	require.NoError(t, freer.FreeBlock(id))
	require.NoError(t, m.Commit(freer))

	// the free list hands the block to a snapshot older than the free
	got, err := old.CreateBlock()
	require.NoError(t, err)
	require.Equal(t, id, got)
	require.NoError(t, old.WriteBlock(got, []byte("reused")))
	require.NoError(t, m.Commit(old))

	data, err := store.ReadBlock(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("reused"), data)
}

func TestManager_RollbackFreesAllocatedBlocks(t *testing.T) {
	m, store, wal := newTestManager(t)

	txn := m.Start()
	first, err := txn.CreateBlock()
	require.NoError(t, err)
	second, err := txn.CreateBlock()
	require.NoError(t, err)
	require.NoError(t, txn.FreeBlock(second))
	require.NoError(t, m.Rollback(txn))
	assert.ElementsMatch(t, []common.BlockID{first, second}, store.free)

	// allocated and freed by the same transaction never reaches the log
	txn = m.Start()
	id, err := txn.CreateBlock()
	require.NoError(t, err)
	require.NoError(t, txn.FreeBlock(id))
	require.NoError(t, m.Commit(txn))
	require.Len(t, wal.commits, 1)
	assert.Empty(t, wal.commits[0].records)
}

func TestManager_RetiredCatalogSets(t *testing.T) {
	m, _, _ := newTestManager(t)
	cat := m.Catalog()

	setup := m.Start()
	_, err := cat.CreateSchema(setup, "s1", catalog.ErrorOnConflict)
	require.NoError(t, err)
	require.NoError(t, m.Commit(setup))

	reader := m.Start()
	m.BeginQuery(reader)

	drop := m.Start()
	require.NoError(t, cat.DropEntry(drop, catalog.DropInfo{Kind: catalog.KindSchema, Name: "s1"}))
	require.NoError(t, m.Commit(drop))
	assert.Equal(t, 1, m.Stats().RecentlyCommitted)

	// the reader finishes its transaction; the drop becomes collectable but
	// the sets of s1 are kept for the query that is still running elsewhere
	other := m.Start()
	m.BeginQuery(other)
	m.EndQuery(reader)
	require.NoError(t, m.Commit(reader))

	stats := m.Stats()
	// only the reader itself, committed after other started
	assert.Equal(t, 1, stats.RecentlyCommitted)
	assert.Equal(t, 1, stats.Old)
	assert.Equal(t, 4, stats.OldCatalogSets)

	m.EndQuery(other)
	require.NoError(t, m.Commit(other))
	stats = m.Stats()
	assert.Zero(t, stats.OldCatalogSets)
	assert.Zero(t, stats.Old)
	assert.Equal(t, uint64(4), stats.ReclaimedSets)
}

func TestManager_ConcurrentDDL(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}

	const (
		workers = 8
		tasks   = 400
		names   = 50
	)

	m, _, _ := newTestManager(t)

	pool, err := ants.NewPool(workers)
	require.NoError(t, err)
	defer pool.Release()

	var (
		wg        sync.WaitGroup
		committed atomic.Int64
		conflicts atomic.Int64
	)
	for i := range tasks {
		wg.Add(1)
		task := func() {
			defer wg.Done()

			txn := m.Start()
			name := fmt.Sprintf("t%d", i%names)
			cat := m.Catalog()

			var err error
			if i%3 == 2 {
				err = cat.DropEntry(txn, catalog.DropInfo{
					Kind:     catalog.KindTable,
					Schema:   catalog.DefaultSchema,
					Name:     name,
					IfExists: true,
				})
			} else {
				_, err = cat.CreateEntry(txn, catalog.CreateInfo{
					Kind:       catalog.KindTable,
					Schema:     catalog.DefaultSchema,
					Name:       name,
					OnConflict: catalog.IgnoreOnConflict,
					Payload:    &catalog.TableInfo{},
				})
			}

			if err != nil {
				assert.ErrorIs(t, err, catalog.ErrWriteConflict)
				conflicts.Add(1)
				assert.NoError(t, m.Rollback(txn))
				return
			}
			assert.NoError(t, m.Commit(txn))
			committed.Add(1)
		}
		require.NoError(t, pool.Submit(task))
	}
	wg.Wait()

	assert.Equal(t, int64(tasks), committed.Load()+conflicts.Load())
	assert.Zero(t, m.ActiveCount())

	stats := m.Stats()
	assert.Zero(t, stats.RecentlyCommitted)
	assert.Equal(t, uint64(committed.Load()), stats.Committed)

	// every surviving table is a single clean version
	check := m.Start()
	require.NoError(t, m.Catalog().Scan(check, catalog.DefaultSchema, catalog.KindTable, func(e *catalog.Entry) bool {
		assert.Nil(t, e.Child(), e.String())
		return true
	}))
}
