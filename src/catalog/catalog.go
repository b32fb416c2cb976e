package catalog

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Blackdeer1524/carapacedb/src"
	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
)

// DefaultSchema exists from bootstrap and cannot be dropped.
const DefaultSchema = "main"

type schemaSets struct {
	// tables and views share one namespace
	tables    *Set
	indexes   *Set
	sequences *Set
	functions *Set
}

func newSchemaSets(schema string) *schemaSets {
	return &schemaSets{
		tables:    NewSet(schema + ".tables"),
		indexes:   NewSet(schema + ".indexes"),
		sequences: NewSet(schema + ".sequences"),
		functions: NewSet(schema + ".functions"),
	}
}

func (s *schemaSets) forKind(kind Kind) (*Set, error) {
	switch kind {
	case KindTable, KindView:
		return s.tables, nil
	case KindIndex:
		return s.indexes, nil
	case KindSequence:
		return s.sequences, nil
	case KindTableFunction, KindScalarFunction:
		return s.functions, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
}

func (s *schemaSets) all() []*Set {
	return []*Set{s.tables, s.indexes, s.sequences, s.functions}
}

// Catalog maps (schema, kind, name) to versioned entries. All structural
// changes go through one write lock; lookups do not lock.
type Catalog struct {
	writeMu sync.Mutex

	schemas *Set
	deps    *DependencyManager
	// set holding each object; guarded by writeMu
	owners map[common.EntryID]*Set

	nextID atomic.Uint64
	log    src.Logger
}

// New returns a catalog that holds only the default schema.
func New(log src.Logger) *Catalog {
	if log == nil {
		log = src.NopLogger()
	}

	c := &Catalog{
		schemas: NewSet("schemas"),
		deps:    NewDependencyManager(),
		owners:  map[common.EntryID]*Set{},
		log:     log,
	}

	txn := &bootstrapTransaction{}
	_, err := c.createEntryAssumeLocked(txn, CreateInfo{
		Kind:     KindSchema,
		Name:     DefaultSchema,
		Internal: true,
		Payload:  &SchemaInfo{},
	})
	if err != nil {
		panic(fmt.Sprintf("failed to bootstrap the catalog: %v", err))
	}
	txn.finish()
	return c
}

// bootstrapTransaction sees everything and leaves its versions visible to
// every transaction.
type bootstrapTransaction struct {
	entries []*Entry
}

var _ Transaction = &bootstrapTransaction{}

func (b *bootstrapTransaction) ID() common.TxnID {
	return common.TxnID(math.MaxUint64)
}

func (b *bootstrapTransaction) StartTimestamp() common.Timestamp {
	return common.Timestamp(math.MaxUint64 - 1)
}

func (b *bootstrapTransaction) PushCatalogEntry(e *Entry, _ common.LogRecord) {
	b.entries = append(b.entries, e)
}

func (b *bootstrapTransaction) finish() {
	for _, e := range b.entries {
		e.Commit(common.NilTimestamp)
	}
}

func (c *Catalog) Dependencies() *DependencyManager {
	return c.deps
}

func (c *Catalog) newID() common.EntryID {
	return common.EntryID(c.nextID.Add(1))
}

func (c *Catalog) schemaSetsFor(txn Transaction, schema string) (*Entry, *schemaSets, error) {
	e := c.schemas.GetEntry(txn, schema)
	if e == nil {
		return nil, nil, fmt.Errorf("%w: schema %s", ErrEntryNotFound, schema)
	}
	return e, e.schemaSets(), nil
}

func (c *Catalog) CreateEntry(txn Transaction, info CreateInfo) (*Entry, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.createEntryAssumeLocked(txn, info)
}

func (c *Catalog) CreateSchema(txn Transaction, name string, onConflict OnConflict) (*Entry, error) {
	return c.CreateEntry(txn, CreateInfo{
		Kind:       KindSchema,
		Name:       name,
		OnConflict: onConflict,
		Payload:    &SchemaInfo{},
	})
}

func (c *Catalog) CreateTable(txn Transaction, schema, name string, table *TableInfo) (*Entry, error) {
	return c.CreateEntry(txn, CreateInfo{
		Kind:    KindTable,
		Schema:  schema,
		Name:    name,
		Payload: table,
	})
}

func (c *Catalog) CreateView(
	txn Transaction,
	schema, name string,
	view *ViewInfo,
	dependencies []QualifiedName,
) (*Entry, error) {
	return c.CreateEntry(txn, CreateInfo{
		Kind:         KindView,
		Schema:       schema,
		Name:         name,
		Payload:      view,
		Dependencies: dependencies,
	})
}

func (c *Catalog) CreateIndex(txn Transaction, schema, name string, index *IndexInfo) (*Entry, error) {
	return c.CreateEntry(txn, CreateInfo{
		Kind:    KindIndex,
		Schema:  schema,
		Name:    name,
		Payload: index,
	})
}

func (c *Catalog) CreateSequence(txn Transaction, schema, name string, seq *SequenceInfo) (*Entry, error) {
	return c.CreateEntry(txn, CreateInfo{
		Kind:    KindSequence,
		Schema:  schema,
		Name:    name,
		Payload: seq,
	})
}

// CreateFunction creates a table function or a scalar function.
func (c *Catalog) CreateFunction(
	txn Transaction,
	kind Kind,
	schema, name string,
	fn *FunctionInfo,
) (*Entry, error) {
	return c.CreateEntry(txn, CreateInfo{
		Kind:    kind,
		Schema:  schema,
		Name:    name,
		Payload: fn,
	})
}

func (c *Catalog) createEntryAssumeLocked(txn Transaction, info CreateInfo) (*Entry, error) {
	if err := checkPayload(info.Kind, info.Payload); err != nil {
		return nil, err
	}

	if info.Kind == KindSchema {
		return c.createSchemaAssumeLocked(txn, info)
	}

	schema, sets, err := c.schemaSetsFor(txn, info.Schema)
	if err != nil {
		return nil, err
	}
	if conflicts(txn, c.schemas.head(info.Schema)) {
		return nil, fmt.Errorf("%w: schema %s", ErrWriteConflict, info.Schema)
	}

	set, err := sets.forKind(info.Kind)
	if err != nil {
		return nil, err
	}
	if existing := set.GetEntry(txn, info.Name); existing != nil && info.OnConflict == IgnoreOnConflict {
		return existing, nil
	}

	deps, depEntries, err := c.resolveDependenciesAssumeLocked(txn, info)
	if err != nil {
		return nil, err
	}
	info.Dependencies = deps

	record, err := encodeCreateRecord(info)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:           c.newID(),
		Kind:         info.Kind,
		Schema:       info.Schema,
		Name:         info.Name,
		Internal:     info.Internal,
		Payload:      info.Payload,
		Dependencies: deps,
	}
	if err := set.CreateEntry(txn, entry, record); err != nil {
		return nil, err
	}

	c.owners[entry.ID] = set
	c.deps.AddDependency(entry.ID, schema.ID)
	for _, dep := range depEntries {
		c.deps.AddDependency(entry.ID, dep.ID)
	}
	return entry, nil
}

func (c *Catalog) createSchemaAssumeLocked(txn Transaction, info CreateInfo) (*Entry, error) {
	if existing := c.schemas.GetEntry(txn, info.Name); existing != nil && info.OnConflict == IgnoreOnConflict {
		return existing, nil
	}

	info.Schema = ""
	record, err := encodeCreateRecord(info)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:       c.newID(),
		Kind:     KindSchema,
		Name:     info.Name,
		Internal: info.Internal,
		Payload:  &SchemaInfo{sets: newSchemaSets(info.Name)},
	}
	if err := c.schemas.CreateEntry(txn, entry, record); err != nil {
		return nil, err
	}

	c.owners[entry.ID] = c.schemas
	return entry, nil
}

// resolveDependenciesAssumeLocked qualifies the names an object refers to
// and finds their entries. An index always refers to its table.
func (c *Catalog) resolveDependenciesAssumeLocked(
	txn Transaction,
	info CreateInfo,
) ([]QualifiedName, []*Entry, error) {
	names := make([]QualifiedName, 0, len(info.Dependencies)+1)
	for _, n := range info.Dependencies {
		if n.Schema == "" {
			n.Schema = info.Schema
		}
		names = append(names, n)
	}

	if index, ok := info.Payload.(*IndexInfo); ok {
		table, err := c.lookupAssumeLocked(txn, KindTable, info.Schema, index.Table)
		if err != nil {
			return nil, nil, fmt.Errorf("index %s: %w", info.Name, err)
		}
		names = append(names, table.QualifiedName())
	}

	slices.SortFunc(names, func(a, b QualifiedName) int {
		return cmp.Or(cmp.Compare(a.Schema, b.Schema), cmp.Compare(a.Name, b.Name))
	})
	names = slices.Compact(names)

	entries := make([]*Entry, 0, len(names))
	for _, n := range names {
		e, err := c.findObjectAssumeLocked(txn, n)
		if err != nil {
			return nil, nil, err
		}
		if conflicts(txn, e.set.head(e.Name)) {
			return nil, nil, fmt.Errorf("%w: %s", ErrWriteConflict, n)
		}
		entries = append(entries, e)
	}
	return names, entries, nil
}

// findObjectAssumeLocked looks a name up in every set of its schema.
func (c *Catalog) findObjectAssumeLocked(txn Transaction, n QualifiedName) (*Entry, error) {
	_, sets, err := c.schemaSetsFor(txn, n.Schema)
	if err != nil {
		return nil, err
	}
	for _, set := range sets.all() {
		if e := set.GetEntry(txn, n.Name); e != nil {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, n)
}

func (c *Catalog) lookupAssumeLocked(txn Transaction, kind Kind, schema, name string) (*Entry, error) {
	if kind == KindSchema {
		e := c.schemas.GetEntry(txn, name)
		if e == nil {
			return nil, fmt.Errorf("%w: schema %s", ErrEntryNotFound, name)
		}
		return e, nil
	}

	_, sets, err := c.schemaSetsFor(txn, schema)
	if err != nil {
		return nil, err
	}
	set, err := sets.forKind(kind)
	if err != nil {
		return nil, err
	}

	e := set.GetEntry(txn, name)
	if e == nil {
		return nil, fmt.Errorf("%w: %s %s.%s", ErrEntryNotFound, kind, schema, name)
	}
	if e.Kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s, not a %s", ErrEntryNotFound, e.QualifiedName(), e.Kind, kind)
	}
	return e, nil
}

// GetEntry returns the version of the object visible to txn.
func (c *Catalog) GetEntry(txn Transaction, schema string, kind Kind, name string) (*Entry, error) {
	return c.lookupAssumeLocked(txn, kind, schema, name)
}

// Scan calls fn for every live object of the given kind in schema visible
// to txn, in name order, until fn returns false. Schemas are scanned with
// KindSchema, the schema argument is ignored then.
func (c *Catalog) Scan(txn Transaction, schema string, kind Kind, fn func(*Entry) bool) error {
	if kind == KindSchema {
		c.schemas.Scan(txn, fn)
		return nil
	}

	_, sets, err := c.schemaSetsFor(txn, schema)
	if err != nil {
		return err
	}
	set, err := sets.forKind(kind)
	if err != nil {
		return err
	}

	set.Scan(txn, func(e *Entry) bool {
		if e.Kind != kind {
			return true
		}
		return fn(e)
	})
	return nil
}

// objectVersionAssumeLocked returns the version of object id visible to txn.
func (c *Catalog) objectVersionAssumeLocked(txn Transaction, id common.EntryID) *Entry {
	owner, ok := c.owners[id]
	if !ok {
		return nil
	}
	return owner.versionOf(txn, id)
}

func (c *Catalog) checkNoConflictAssumeLocked(txn Transaction, id common.EntryID) error {
	owner, ok := c.owners[id]
	if !ok {
		return nil
	}
	newest := owner.newestOf(id)
	if newest != nil && conflicts(txn, newest) {
		return fmt.Errorf("%w: %s", ErrWriteConflict, newest.QualifiedName())
	}
	return nil
}

func (c *Catalog) liveAssumeLocked(txn Transaction, id common.EntryID) bool {
	v := c.objectVersionAssumeLocked(txn, id)
	return v != nil && !v.Deleted
}

// DropEntry drops an object. Without cascade it fails with a
// *DependencyError while live objects depend on it; with cascade all of
// them are dropped as well, in reverse cascade order.
func (c *Catalog) DropEntry(txn Transaction, info DropInfo) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	entry, err := c.lookupAssumeLocked(txn, info.Kind, info.Schema, info.Name)
	if err != nil {
		if info.IfExists && errors.Is(err, ErrEntryNotFound) {
			return nil
		}
		return err
	}
	if entry.Internal {
		return fmt.Errorf("%w: %s", ErrInternalEntry, entry.QualifiedName())
	}

	var conflict error
	follow := func(id common.EntryID) bool {
		if conflict != nil {
			return false
		}
		if err := c.checkNoConflictAssumeLocked(txn, id); err != nil {
			conflict = err
			return false
		}
		return c.liveAssumeLocked(txn, id)
	}

	order := c.deps.CascadeOrder(entry.ID, follow)
	if conflict != nil {
		return conflict
	}

	if !info.Cascade && len(order) > 1 {
		depErr := &DependencyError{Entry: entry.QualifiedName()}
		for _, id := range c.deps.Dependents(entry.ID) {
			if v := c.objectVersionAssumeLocked(txn, id); v != nil && !v.Deleted {
				depErr.Dependents = append(depErr.Dependents, v.QualifiedName())
			}
		}
		return depErr
	}

	// dependents go first, a replayed drop must still find its schema
	for _, id := range slices.Backward(order) {
		v := c.objectVersionAssumeLocked(txn, id)
		if v == nil || v.Deleted {
			continue
		}
		if err := c.dropVersionAssumeLocked(txn, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) dropVersionAssumeLocked(txn Transaction, v *Entry) error {
	record, err := encodeDropRecord(v.Kind, v.Schema, v.Name)
	if err != nil {
		return err
	}
	_, err = v.set.DropEntry(txn, v.Name, record)
	return err
}

// AlterEntry appends a new version of the object described by info.
func (c *Catalog) AlterEntry(txn Transaction, info AlterInfo) (*Entry, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if info.Kind == KindSchema {
		return nil, fmt.Errorf("%w: %s on a schema", ErrUnsupportedAlter, info.Type)
	}

	entry, err := c.lookupAssumeLocked(txn, info.Kind, info.Schema, info.Name)
	if err != nil {
		return nil, err
	}

	record, err := encodeAlterRecord(&info)
	if err != nil {
		return nil, err
	}
	return entry.set.AlterEntry(txn, &info, record)
}

// Undo removes a version written by a transaction that rolls back.
func (c *Catalog) Undo(entry *Entry) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if created := entry.set.undo(entry); created {
		c.deps.EraseObject(entry.ID)
		delete(c.owners, entry.ID)
	}
}

// Cleanup is called for versions committed before every active transaction
// started. It drops the history they hide and collects objects whose
// deletion everyone sees. The sets of collected schemas are returned; they
// may still be read by running queries.
func (c *Catalog) Cleanup(entry *Entry) []*Set {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var retired []*Set
	for _, e := range entry.set.cleanup(entry) {
		c.deps.EraseObject(e.ID)
		delete(c.owners, e.ID)
		if sets := e.schemaSets(); sets != nil {
			retired = append(retired, sets.all()...)
		}
	}
	return retired
}
