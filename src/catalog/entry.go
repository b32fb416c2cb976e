package catalog

import (
	"fmt"
	"sync/atomic"

	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
)

// Transaction is what the catalog needs from the transaction that performs
// a change.
type Transaction interface {
	ID() common.TxnID
	StartTimestamp() common.Timestamp
	// PushCatalogEntry registers a version created by the transaction, with
	// the log record that reproduces it.
	PushCatalogEntry(entry *Entry, record common.LogRecord)
}

// Entry is one immutable version of one catalog object. Versions of a name
// form a chain from the newest (the head, owned by the set) through child
// links to older ones.
type Entry struct {
	ID       common.EntryID
	Kind     Kind
	Schema   string
	Name     string
	Deleted  bool
	Internal bool
	Payload  Payload

	Dependencies []QualifiedName
	// set on versions produced by an alter
	Alter *AlterInfo

	// the writer's transaction id until commit, then the commit timestamp
	timestamp atomic.Uint64

	child  atomic.Pointer[Entry]
	parent atomic.Pointer[Entry]

	set *Set
}

func (e *Entry) Timestamp() common.Timestamp {
	return common.Timestamp(e.timestamp.Load())
}

// Commit makes the version visible to transactions that start at or after ts.
func (e *Entry) Commit(ts common.Timestamp) {
	e.timestamp.Store(uint64(ts))
}

// Child is the next older version, nil at the end of the chain.
func (e *Entry) Child() *Entry {
	return e.child.Load()
}

func (e *Entry) QualifiedName() QualifiedName {
	return QualifiedName{Schema: e.Schema, Name: e.Name}
}

func (e *Entry) String() string {
	state := ""
	if e.Deleted {
		state = " deleted"
	}
	return fmt.Sprintf("%s %s#%d@%s%s", e.Kind, e.QualifiedName(), e.ID, e.Timestamp(), state)
}

func (e *Entry) Table() *TableInfo {
	t, _ := e.Payload.(*TableInfo)
	return t
}

func (e *Entry) View() *ViewInfo {
	v, _ := e.Payload.(*ViewInfo)
	return v
}

func (e *Entry) Index() *IndexInfo {
	i, _ := e.Payload.(*IndexInfo)
	return i
}

func (e *Entry) Sequence() *SequenceInfo {
	s, _ := e.Payload.(*SequenceInfo)
	return s
}

func (e *Entry) Function() *FunctionInfo {
	f, _ := e.Payload.(*FunctionInfo)
	return f
}

func (e *Entry) schemaSets() *schemaSets {
	s, _ := e.Payload.(*SchemaInfo)
	if s == nil {
		return nil
	}
	return s.sets
}

func visibleTo(txn Transaction, ts common.Timestamp) bool {
	return ts == common.Timestamp(txn.ID()) || ts <= txn.StartTimestamp()
}

// conflicts reports whether txn may not put a new version on top of head:
// head is being written by another transaction or was committed after txn
// took its snapshot.
func conflicts(txn Transaction, head *Entry) bool {
	ts := head.Timestamp()
	if ts == common.Timestamp(txn.ID()) {
		return false
	}
	return !ts.IsCommitted() || ts > txn.StartTimestamp()
}

// visibleVersion walks the chain from e to the newest version txn can see.
func visibleVersion(txn Transaction, e *Entry) *Entry {
	for ; e != nil; e = e.child.Load() {
		if visibleTo(txn, e.Timestamp()) {
			return e
		}
	}
	return nil
}

// newVersion copies the common fields of e into a version that will sit on
// top of it.
func (e *Entry) newVersion() *Entry {
	return &Entry{
		ID:           e.ID,
		Kind:         e.Kind,
		Schema:       e.Schema,
		Name:         e.Name,
		Internal:     e.Internal,
		Payload:      e.Payload,
		Dependencies: e.Dependencies,
		set:          e.set,
	}
}
