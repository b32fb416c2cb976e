package catalog

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
	"github.com/Blackdeer1524/carapacedb/src/pkg/serialize"
)

type testTxn struct {
	id      common.TxnID
	start   common.Timestamp
	entries []*Entry
	records []common.LogRecord
}

func (t *testTxn) ID() common.TxnID                 { return t.id }
func (t *testTxn) StartTimestamp() common.Timestamp { return t.start }

func (t *testTxn) PushCatalogEntry(e *Entry, r common.LogRecord) {
	t.entries = append(t.entries, e)
	t.records = append(t.records, r)
}

// clock hands out ids and timestamps the way the transaction manager does.
type clock struct {
	cat    *Catalog
	ts     common.Timestamp
	nextID common.TxnID
}

func newClock(cat *Catalog) *clock {
	return &clock{cat: cat, ts: common.FirstTimestamp, nextID: common.TransactionIDStart}
}

func (c *clock) begin() *testTxn {
	t := &testTxn{id: c.nextID, start: c.ts}
	c.nextID++
	c.ts++
	return t
}

func (c *clock) commit(t *testTxn) common.Timestamp {
	ts := c.ts
	c.ts++
	for _, e := range t.entries {
		e.Commit(ts)
	}
	return ts
}

func (c *clock) rollback(t *testTxn) {
	for _, e := range slices.Backward(t.entries) {
		c.cat.Undo(e)
	}
}

func (c *clock) cleanup(t *testTxn) []*Set {
	var retired []*Set
	for _, e := range t.entries {
		retired = append(retired, c.cat.Cleanup(e)...)
	}
	return retired
}

func usersTable() *TableInfo {
	return &TableInfo{Columns: []ColumnDefinition{
		{Name: "id", Type: "BIGINT"},
		{Name: "name", Type: "VARCHAR", Nullable: true},
	}}
}

func mustCreateTable(t *testing.T, cat *Catalog, txn Transaction, schema, name string) *Entry {
	e, err := cat.CreateTable(txn, schema, name, usersTable())
	require.NoError(t, err)
	return e
}

func visible(cat *Catalog, txn Transaction, kind Kind, name string) bool {
	_, err := cat.GetEntry(txn, DefaultSchema, kind, name)
	return err == nil
}

func TestCatalog_DefaultSchema(t *testing.T) {
	cat := New(nil)
	clk := newClock(cat)
	txn := clk.begin()

	main, err := cat.GetEntry(txn, "", KindSchema, DefaultSchema)
	require.NoError(t, err)
	assert.True(t, main.Internal)
	assert.Equal(t, common.NilTimestamp, main.Timestamp())

	err = cat.DropEntry(txn, DropInfo{Kind: KindSchema, Name: DefaultSchema, Cascade: true})
	require.ErrorIs(t, err, ErrInternalEntry)
}

func TestCatalog_Isolation(t *testing.T) {
	cat := New(nil)
	clk := newClock(cat)

	a := clk.begin()
	entry := mustCreateTable(t, cat, a, DefaultSchema, "t1")
	assert.Equal(t, common.Timestamp(a.ID()), entry.Timestamp())
	assert.True(t, visible(cat, a, KindTable, "t1"))

	b := clk.begin()
	assert.False(t, visible(cat, b, KindTable, "t1"))

	clk.commit(a)
	assert.False(t, visible(cat, b, KindTable, "t1"), "snapshot predates the commit")

	c := clk.begin()
	got, err := cat.GetEntry(c, DefaultSchema, KindTable, "t1")
	require.NoError(t, err)
	assert.Same(t, entry, got)
	assert.Equal(t, usersTable(), got.Table())
}

func TestCatalog_CreateConflicts(t *testing.T) {
	cat := New(nil)
	clk := newClock(cat)

	a := clk.begin()
	mustCreateTable(t, cat, a, DefaultSchema, "t1")

	_, err := cat.CreateTable(a, DefaultSchema, "t1", usersTable())
	require.ErrorIs(t, err, ErrEntryExists)

	// views share the namespace of tables
	_, err = cat.CreateView(a, DefaultSchema, "t1", &ViewInfo{Query: "SELECT 1"}, nil)
	require.ErrorIs(t, err, ErrEntryExists)

	b := clk.begin()
	_, err = cat.CreateTable(b, DefaultSchema, "t1", usersTable())
	require.ErrorIs(t, err, ErrWriteConflict)

	clk.commit(a)

	// committed after b started
	_, err = cat.CreateTable(b, DefaultSchema, "t1", usersTable())
	require.ErrorIs(t, err, ErrWriteConflict)

	c := clk.begin()
	existing, err := cat.CreateEntry(c, CreateInfo{
		Kind:       KindTable,
		Schema:     DefaultSchema,
		Name:       "t1",
		OnConflict: IgnoreOnConflict,
		Payload:    &TableInfo{},
	})
	require.NoError(t, err)
	assert.Len(t, existing.Table().Columns, 2)
	assert.Empty(t, c.entries)

	_, err = cat.CreateTable(c, "missing", "t2", usersTable())
	require.ErrorIs(t, err, ErrEntryNotFound)

	_, err = cat.CreateEntry(c, CreateInfo{Kind: KindTable, Schema: DefaultSchema, Name: "x", Payload: &ViewInfo{}})
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestCatalog_DropKeepsOldSnapshots(t *testing.T) {
	cat := New(nil)
	clk := newClock(cat)

	a := clk.begin()
	mustCreateTable(t, cat, a, DefaultSchema, "t1")
	clk.commit(a)

	reader := clk.begin()
	d := clk.begin()
	require.NoError(t, cat.DropEntry(d, DropInfo{Kind: KindTable, Schema: DefaultSchema, Name: "t1"}))
	assert.False(t, visible(cat, d, KindTable, "t1"))
	assert.True(t, visible(cat, reader, KindTable, "t1"))

	err := cat.DropEntry(d, DropInfo{Kind: KindTable, Schema: DefaultSchema, Name: "t1"})
	require.ErrorIs(t, err, ErrEntryNotFound)
	require.NoError(t, cat.DropEntry(d, DropInfo{Kind: KindTable, Schema: DefaultSchema, Name: "t1", IfExists: true}))

	// the name can be reused right away by the dropping transaction
	recreated := mustCreateTable(t, cat, d, DefaultSchema, "t1")
	clk.commit(d)

	assert.True(t, visible(cat, reader, KindTable, "t1"))
	e := clk.begin()
	got, err := cat.GetEntry(e, DefaultSchema, KindTable, "t1")
	require.NoError(t, err)
	assert.Same(t, recreated, got)
}

func TestCatalog_Alter(t *testing.T) {
	cat := New(nil)
	clk := newClock(cat)

	a := clk.begin()
	original := mustCreateTable(t, cat, a, DefaultSchema, "users")
	_, err := cat.CreateView(a, DefaultSchema, "v", &ViewInfo{Query: "SELECT * FROM users"}, []QualifiedName{{Name: "users"}})
	require.NoError(t, err)
	clk.commit(a)

	reader := clk.begin()
	b := clk.begin()
	altered, err := cat.AlterEntry(b, AlterInfo{
		Type:    AlterRenameColumn,
		Kind:    KindTable,
		Schema:  DefaultSchema,
		Name:    "users",
		Column:  "name",
		NewName: "full_name",
	})
	require.NoError(t, err)
	assert.Equal(t, original.ID, altered.ID)
	assert.Same(t, original, altered.Child())
	assert.Equal(t, "full_name", altered.Table().Columns[1].Name)
	assert.Equal(t, "name", original.Table().Columns[1].Name)

	comment := "people"
	_, err = cat.AlterEntry(b, AlterInfo{Type: AlterSetComment, Kind: KindTable, Schema: DefaultSchema, Name: "users", Comment: &comment})
	require.NoError(t, err)
	_, err = cat.AlterEntry(b, AlterInfo{
		Type:       AlterAddColumn,
		Kind:       KindTable,
		Schema:     DefaultSchema,
		Name:       "users",
		Definition: &ColumnDefinition{Name: "age", Type: "INTEGER", Nullable: true},
	})
	require.NoError(t, err)
	_, err = cat.AlterEntry(b, AlterInfo{Type: AlterRemoveColumn, Kind: KindTable, Schema: DefaultSchema, Name: "users", Column: "id"})
	require.NoError(t, err)

	_, err = cat.AlterEntry(b, AlterInfo{Type: AlterRemoveColumn, Kind: KindTable, Schema: DefaultSchema, Name: "users", Column: "id"})
	require.ErrorIs(t, err, ErrColumnNotFound)
	_, err = cat.AlterEntry(b, AlterInfo{Type: AlterRenameColumn, Kind: KindTable, Schema: DefaultSchema, Name: "users", Column: "age", NewName: "full_name"})
	require.ErrorIs(t, err, ErrColumnExists)
	_, err = cat.AlterEntry(b, AlterInfo{Type: AlterSetComment, Kind: KindView, Schema: DefaultSchema, Name: "v"})
	require.ErrorIs(t, err, ErrUnsupportedAlter)
	_, err = cat.AlterEntry(b, AlterInfo{Type: AlterSetComment, Kind: KindSchema, Name: DefaultSchema})
	require.ErrorIs(t, err, ErrUnsupportedAlter)

	clk.commit(b)

	old, err := cat.GetEntry(reader, DefaultSchema, KindTable, "users")
	require.NoError(t, err)
	assert.Same(t, original, old)

	c := clk.begin()
	current, err := cat.GetEntry(c, DefaultSchema, KindTable, "users")
	require.NoError(t, err)
	assert.Equal(t, []ColumnDefinition{
		{Name: "full_name", Type: "VARCHAR", Nullable: true},
		{Name: "age", Type: "INTEGER", Nullable: true},
	}, current.Table().Columns)
	require.NotNil(t, current.Table().Comment)
	assert.Equal(t, "people", *current.Table().Comment)
	assert.Equal(t, AlterRemoveColumn, current.Alter.Type)
}

func TestCatalog_DropWithDependents(t *testing.T) {
	cat := New(nil)
	clk := newClock(cat)

	a := clk.begin()
	table := mustCreateTable(t, cat, a, DefaultSchema, "t1")
	index, err := cat.CreateIndex(a, DefaultSchema, "idx1", &IndexInfo{Table: "t1", Columns: []string{"id"}})
	require.NoError(t, err)
	assert.Equal(t, []QualifiedName{{Schema: DefaultSchema, Name: "t1"}}, index.Dependencies)
	clk.commit(a)

	b := clk.begin()
	err = cat.DropEntry(b, DropInfo{Kind: KindTable, Schema: DefaultSchema, Name: "t1"})
	require.ErrorIs(t, err, ErrHasDependents)

	var depErr *DependencyError
	require.True(t, errors.As(err, &depErr))
	assert.Equal(t, QualifiedName{Schema: DefaultSchema, Name: "t1"}, depErr.Entry)
	assert.Equal(t, []QualifiedName{{Schema: DefaultSchema, Name: "idx1"}}, depErr.Dependents)
	assert.Empty(t, b.entries)

	// once the index is gone for this transaction the table can go too
	require.NoError(t, cat.DropEntry(b, DropInfo{Kind: KindIndex, Schema: DefaultSchema, Name: "idx1"}))
	require.NoError(t, cat.DropEntry(b, DropInfo{Kind: KindTable, Schema: DefaultSchema, Name: "t1"}))
	clk.rollback(b)

	c := clk.begin()
	require.NoError(t, cat.DropEntry(c, DropInfo{Kind: KindTable, Schema: DefaultSchema, Name: "t1", Cascade: true}))
	require.Len(t, c.entries, 2)
	assert.Equal(t, index.ID, c.entries[0].ID)
	assert.Equal(t, table.ID, c.entries[1].ID)
	for _, e := range c.entries {
		assert.True(t, e.Deleted)
	}
	assert.False(t, visible(cat, c, KindIndex, "idx1"))
}

func TestCatalog_DependentsOfOtherTransactions(t *testing.T) {
	cat := New(nil)
	clk := newClock(cat)

	a := clk.begin()
	mustCreateTable(t, cat, a, DefaultSchema, "t1")
	clk.commit(a)

	b := clk.begin()
	_, err := cat.CreateIndex(b, DefaultSchema, "idx1", &IndexInfo{Table: "t1", Columns: []string{"id"}})
	require.NoError(t, err)

	c := clk.begin()
	err = cat.DropEntry(c, DropInfo{Kind: KindTable, Schema: DefaultSchema, Name: "t1"})
	require.ErrorIs(t, err, ErrWriteConflict)

	clk.rollback(b)
	require.NoError(t, cat.DropEntry(c, DropInfo{Kind: KindTable, Schema: DefaultSchema, Name: "t1"}))

	// and the other way around
	d := clk.begin()
	_, err = cat.CreateIndex(d, DefaultSchema, "idx2", &IndexInfo{Table: "t1", Columns: []string{"id"}})
	require.ErrorIs(t, err, ErrWriteConflict)
}

func TestCatalog_RollbackErasesEdges(t *testing.T) {
	cat := New(nil)
	clk := newClock(cat)
	deps := cat.Dependencies()

	a := clk.begin()
	schema, err := cat.CreateSchema(a, "s1", ErrorOnConflict)
	require.NoError(t, err)
	table := mustCreateTable(t, cat, a, "s1", "t1")
	index, err := cat.CreateIndex(a, "s1", "idx1", &IndexInfo{Table: "t1"})
	require.NoError(t, err)

	assert.Equal(t, []common.EntryID{table.ID, index.ID}, deps.Dependents(schema.ID))
	assert.Equal(t, []common.EntryID{schema.ID, table.ID}, deps.Dependencies(index.ID))

	clk.rollback(a)
	assert.Zero(t, deps.EdgeCount())

	b := clk.begin()
	_, err = cat.GetEntry(b, "", KindSchema, "s1")
	require.ErrorIs(t, err, ErrEntryNotFound)
	_, err = cat.GetEntry(b, "s1", KindTable, "t1")
	require.ErrorIs(t, err, ErrEntryNotFound)
	assert.Equal(t, 1, cat.schemas.Len())
}

func TestCatalog_CleanupCollectsDroppedObjects(t *testing.T) {
	cat := New(nil)
	clk := newClock(cat)
	deps := cat.Dependencies()

	a := clk.begin()
	schema, err := cat.CreateSchema(a, "s1", ErrorOnConflict)
	require.NoError(t, err)
	mustCreateTable(t, cat, a, "s1", "t1")
	_, err = cat.CreateView(a, DefaultSchema, "v1", &ViewInfo{Query: "SELECT * FROM s1.t1"}, []QualifiedName{{Schema: "s1", Name: "t1"}})
	require.NoError(t, err)
	clk.commit(a)
	clk.cleanup(a)
	assert.Equal(t, 3, deps.EdgeCount())

	d := clk.begin()
	err = cat.DropEntry(d, DropInfo{Kind: KindSchema, Name: "s1"})
	require.ErrorIs(t, err, ErrHasDependents)
	require.NoError(t, cat.DropEntry(d, DropInfo{Kind: KindSchema, Name: "s1", Cascade: true}))
	require.Len(t, d.entries, 3)
	clk.commit(d)

	retired := clk.cleanup(d)
	assert.Len(t, retired, 4)
	assert.Zero(t, deps.EdgeCount())
	assert.False(t, deps.HasObject(schema.ID))

	assert.Equal(t, 1, cat.schemas.Len())
	assert.Zero(t, schema.schemaSets().tables.Len())
	_, err = cat.GetEntry(clk.begin(), DefaultSchema, KindView, "v1")
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestCatalog_CleanupTruncatesHistory(t *testing.T) {
	cat := New(nil)
	clk := newClock(cat)

	a := clk.begin()
	first := mustCreateTable(t, cat, a, DefaultSchema, "t1")
	clk.commit(a)

	b := clk.begin()
	second, err := cat.AlterEntry(b, AlterInfo{Type: AlterSetComment, Kind: KindTable, Schema: DefaultSchema, Name: "t1"})
	require.NoError(t, err)
	clk.commit(b)

	clk.cleanup(b)
	assert.Nil(t, second.Child())
	assert.Nil(t, first.parent.Load())
	assert.Same(t, second, first.set.newestOf(first.ID))

	// a dropped object whose name was taken again by a later commit
	c := clk.begin()
	require.NoError(t, cat.DropEntry(c, DropInfo{Kind: KindTable, Schema: DefaultSchema, Name: "t1"}))
	clk.commit(c)
	e := clk.begin()
	third := mustCreateTable(t, cat, e, DefaultSchema, "t1")
	clk.commit(e)

	clk.cleanup(c)
	clk.cleanup(e)
	assert.Nil(t, third.Child())
	assert.Nil(t, first.set.newestOf(first.ID))
	assert.Same(t, third, first.set.newestOf(third.ID))
	assert.True(t, visible(cat, clk.begin(), KindTable, "t1"))
}

func TestCatalog_Scan(t *testing.T) {
	cat := New(nil)
	clk := newClock(cat)

	a := clk.begin()
	for _, name := range []string{"c", "a", "b"} {
		mustCreateTable(t, cat, a, DefaultSchema, name)
	}
	_, err := cat.CreateView(a, DefaultSchema, "aa", &ViewInfo{Query: "SELECT 1"}, nil)
	require.NoError(t, err)
	_, err = cat.CreateSequence(a, DefaultSchema, "seq", &SequenceInfo{Start: 1, Increment: 1, Max: 100})
	require.NoError(t, err)
	require.NoError(t, cat.DropEntry(a, DropInfo{Kind: KindTable, Schema: DefaultSchema, Name: "b"}))

	var names []string
	require.NoError(t, cat.Scan(a, DefaultSchema, KindTable, func(e *Entry) bool {
		names = append(names, e.Name)
		return true
	}))
	assert.Equal(t, []string{"a", "c"}, names)

	var first []string
	require.NoError(t, cat.Scan(a, DefaultSchema, KindTable, func(e *Entry) bool {
		first = append(first, e.Name)
		return false
	}))
	assert.Equal(t, []string{"a"}, first)

	var schemas []string
	require.NoError(t, cat.Scan(a, "", KindSchema, func(e *Entry) bool {
		schemas = append(schemas, e.Name)
		return true
	}))
	assert.Equal(t, []string{DefaultSchema}, schemas)

	require.ErrorIs(t, cat.Scan(a, "nope", KindTable, func(*Entry) bool { return true }), ErrEntryNotFound)
}

func populate(t *testing.T, cat *Catalog, txn Transaction) {
	_, err := cat.CreateSchema(txn, "s1", ErrorOnConflict)
	require.NoError(t, err)
	def := "0"
	comment := "orders"
	_, err = cat.CreateTable(txn, "s1", "orders", &TableInfo{
		Columns: []ColumnDefinition{
			{Name: "id", Type: "BIGINT"},
			{Name: "amount", Type: "DOUBLE", Nullable: true, Default: &def},
		},
		Comment: &comment,
	})
	require.NoError(t, err)
	_, err = cat.CreateIndex(txn, "s1", "orders_id", &IndexInfo{Table: "orders", Columns: []string{"id"}, Unique: true})
	require.NoError(t, err)
	_, err = cat.CreateView(txn, DefaultSchema, "big_orders", &ViewInfo{
		Query:   "SELECT * FROM s1.orders WHERE amount > 100",
		Aliases: []string{"id", "amount"},
	}, []QualifiedName{{Schema: "s1", Name: "orders"}})
	require.NoError(t, err)
	_, err = cat.CreateSequence(txn, "s1", "order_ids", &SequenceInfo{Start: 1, Increment: 1, Min: 1, Max: 1 << 40})
	require.NoError(t, err)
	_, err = cat.CreateFunction(txn, KindScalarFunction, DefaultSchema, "double_it", &FunctionInfo{
		Arguments:  []string{"x"},
		ReturnType: "BIGINT",
		Body:       "x * 2",
	})
	require.NoError(t, err)
}

func checkPopulated(t *testing.T, cat *Catalog, txn Transaction) {
	orders, err := cat.GetEntry(txn, "s1", KindTable, "orders")
	require.NoError(t, err)
	require.Len(t, orders.Table().Columns, 2)
	assert.Equal(t, "0", *orders.Table().Columns[1].Default)
	assert.Equal(t, "orders", *orders.Table().Comment)

	index, err := cat.GetEntry(txn, "s1", KindIndex, "orders_id")
	require.NoError(t, err)
	assert.Equal(t, &IndexInfo{Table: "orders", Columns: []string{"id"}, Unique: true}, index.Index())

	view, err := cat.GetEntry(txn, DefaultSchema, KindView, "big_orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "amount"}, view.View().Aliases)

	seq, err := cat.GetEntry(txn, "s1", KindSequence, "order_ids")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<40), seq.Sequence().Max)

	fn, err := cat.GetEntry(txn, DefaultSchema, KindScalarFunction, "double_it")
	require.NoError(t, err)
	assert.Equal(t, "x * 2", fn.Function().Body)

	// dependency edges are back
	err = cat.DropEntry(txn, DropInfo{Kind: KindTable, Schema: "s1", Name: "orders"})
	require.ErrorIs(t, err, ErrHasDependents)
	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.ElementsMatch(t, []QualifiedName{
		{Schema: "s1", Name: "orders_id"},
		{Schema: DefaultSchema, Name: "big_orders"},
	}, depErr.Dependents)
}

func TestCatalog_CheckpointRoundTrip(t *testing.T) {
	cat := New(nil)
	clk := newClock(cat)

	a := clk.begin()
	populate(t, cat, a)
	clk.commit(a)

	// uncommitted work is not part of the image
	pending := clk.begin()
	mustCreateTable(t, cat, pending, "s1", "draft")
	_, err := cat.AlterEntry(pending, AlterInfo{Type: AlterRemoveColumn, Kind: KindTable, Schema: "s1", Name: "orders", Column: "amount"})
	require.NoError(t, err)

	image, err := cat.Image()
	require.NoError(t, err)

	loaded := New(nil)
	require.NoError(t, loaded.Load(serialize.NewDeserializer(image)))

	txn := newClock(loaded).begin()
	checkPopulated(t, loaded, txn)
	_, err = loaded.GetEntry(txn, "s1", KindTable, "draft")
	require.ErrorIs(t, err, ErrEntryNotFound)

	orders, err := loaded.GetEntry(txn, "s1", KindTable, "orders")
	require.NoError(t, err)
	assert.Equal(t, common.NilTimestamp, orders.Timestamp())

	require.Error(t, New(nil).Load(serialize.NewDeserializer(image[:len(image)-1])))
}

func TestCatalog_Replay(t *testing.T) {
	cat := New(nil)
	clk := newClock(cat)

	a := clk.begin()
	populate(t, cat, a)
	mustCreateTable(t, cat, a, DefaultSchema, "tmp")
	_, err := cat.AlterEntry(a, AlterInfo{Type: AlterRenameColumn, Kind: KindTable, Schema: DefaultSchema, Name: "tmp", Column: "id", NewName: "key"})
	require.NoError(t, err)
	require.NoError(t, cat.DropEntry(a, DropInfo{Kind: KindSchema, Name: "s1", Cascade: true}))
	clk.commit(a)

	replayed := New(nil)
	rclk := newClock(replayed)
	txn := rclk.begin()
	for _, r := range a.records {
		require.NoError(t, replayed.Replay(txn, r))
	}
	rclk.commit(txn)

	check := rclk.begin()
	tmp, err := replayed.GetEntry(check, DefaultSchema, KindTable, "tmp")
	require.NoError(t, err)
	assert.Equal(t, "key", tmp.Table().Columns[0].Name)

	_, err = replayed.GetEntry(check, "", KindSchema, "s1")
	require.ErrorIs(t, err, ErrEntryNotFound)
	_, err = replayed.GetEntry(check, DefaultSchema, KindView, "big_orders")
	require.ErrorIs(t, err, ErrEntryNotFound)
	_, err = replayed.GetEntry(check, DefaultSchema, KindScalarFunction, "double_it")
	require.NoError(t, err)

	require.Error(t, replayed.Replay(check, common.LogRecord{Type: common.LogRecordBlockFree}))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("scalar_function")
	require.NoError(t, err)
	assert.Equal(t, KindScalarFunction, k)

	k, err = ParseKind("table")
	require.NoError(t, err)
	assert.Equal(t, KindTable, k)

	_, err = ParseKind("bogus")
	require.ErrorIs(t, err, ErrInvalidKind)
}
