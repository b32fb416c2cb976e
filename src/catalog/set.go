package catalog

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Blackdeer1524/carapacedb/src/pkg/assert"
	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
)

// Set is a name indexed container of version chains for one category of
// objects. Readers load the head map atomically and never lock; writers
// copy it under mu.
type Set struct {
	name string

	mu    sync.Mutex
	heads atomic.Pointer[map[string]*Entry]
	// newest version of every object
	entries map[common.EntryID]*Entry
}

func NewSet(name string) *Set {
	s := &Set{
		name:    name,
		entries: map[common.EntryID]*Entry{},
	}
	s.heads.Store(&map[string]*Entry{})
	return s
}

func (s *Set) Name() string {
	return s.name
}

func (s *Set) head(name string) *Entry {
	return (*s.heads.Load())[name]
}

func (s *Set) publishAssumeLocked(name string, e *Entry) {
	next := maps.Clone(*s.heads.Load())
	if e == nil {
		delete(next, name)
	} else {
		next[name] = e
	}
	s.heads.Store(&next)
}

// CreateEntry publishes entry as the new head of its name. The entry is
// fully built by the caller; it becomes reachable in one atomic store.
func (s *Set) CreateEntry(txn Transaction, entry *Entry, record common.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.head(entry.Name)
	if head != nil {
		if conflicts(txn, head) {
			return fmt.Errorf("%w: %s", ErrWriteConflict, head.QualifiedName())
		}
		if !head.Deleted {
			return fmt.Errorf("%w: %s %s", ErrEntryExists, head.Kind, head.QualifiedName())
		}
	}

	entry.set = s
	entry.timestamp.Store(uint64(txn.ID()))
	s.linkAssumeLocked(head, entry)
	txn.PushCatalogEntry(entry, record)
	return nil
}

func (s *Set) linkAssumeLocked(head, entry *Entry) {
	if head != nil {
		entry.child.Store(head)
		head.parent.Store(entry)
	}
	s.entries[entry.ID] = entry
	s.publishAssumeLocked(entry.Name, entry)
}

// GetEntry returns the version of name visible to txn, or nil if there is
// none or it is a deletion marker.
func (s *Set) GetEntry(txn Transaction, name string) *Entry {
	e := visibleVersion(txn, s.head(name))
	if e == nil || e.Deleted {
		return nil
	}
	return e
}

// newestOf returns the newest version of the object with the given id.
func (s *Set) newestOf(id common.EntryID) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.entries[id]
}

// versionOf returns the version of object id visible to txn.
func (s *Set) versionOf(txn Transaction, id common.EntryID) *Entry {
	for e := s.newestOf(id); e != nil && e.ID == id; e = e.child.Load() {
		if visibleTo(txn, e.Timestamp()) {
			return e
		}
	}
	return nil
}

// update puts a new version produced by build on top of the version of
// name visible to txn.
func (s *Set) update(
	txn Transaction,
	name string,
	build func(current *Entry) (*Entry, common.LogRecord, error),
) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.head(name)
	if head == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	if conflicts(txn, head) {
		return nil, fmt.Errorf("%w: %s", ErrWriteConflict, head.QualifiedName())
	}
	if head.Deleted {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, head.QualifiedName())
	}

	next, record, err := build(head)
	if err != nil {
		return nil, err
	}

	next.timestamp.Store(uint64(txn.ID()))
	s.linkAssumeLocked(head, next)
	txn.PushCatalogEntry(next, record)
	return next, nil
}

// DropEntry appends a deletion marker on top of name. Transactions that
// started earlier keep seeing the previous version.
func (s *Set) DropEntry(txn Transaction, name string, record common.LogRecord) (*Entry, error) {
	return s.update(txn, name, func(current *Entry) (*Entry, common.LogRecord, error) {
		marker := current.newVersion()
		marker.Deleted = true
		return marker, record, nil
	})
}

// AlterEntry appends the version produced by info.
func (s *Set) AlterEntry(txn Transaction, info *AlterInfo, record common.LogRecord) (*Entry, error) {
	return s.update(txn, info.Name, func(current *Entry) (*Entry, common.LogRecord, error) {
		payload, err := info.alter(current.Kind, current.Payload)
		if err != nil {
			return nil, record, fmt.Errorf("%s: %w", current.QualifiedName(), err)
		}

		next := current.newVersion()
		next.Payload = payload
		next.Alter = info
		return next, record, nil
	})
}

// Scan calls fn for every live entry visible to txn, in name order.
func (s *Set) Scan(txn Transaction, fn func(*Entry) bool) {
	heads := *s.heads.Load()
	for _, name := range slices.Sorted(maps.Keys(heads)) {
		e := visibleVersion(txn, heads[name])
		if e == nil || e.Deleted {
			continue
		}
		if !fn(e) {
			return
		}
	}
}

// undo unlinks a version of a rolled back transaction. It reports whether
// the version created its object.
func (s *Set) undo(entry *Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	assert.Assert(
		entry.parent.Load() == nil,
		"undoing %s which is not the head of its chain",
		entry,
	)

	child := entry.child.Load()
	if child != nil {
		child.parent.Store(nil)
	}
	s.publishAssumeLocked(entry.Name, child)

	if child != nil && child.ID == entry.ID {
		s.entries[entry.ID] = child
		return false
	}
	delete(s.entries, entry.ID)
	return true
}

// cleanup runs once no active transaction can see anything older than
// entry. History below entry is cut off; a deletion marker takes its object
// with it. The permanently removed objects are returned.
func (s *Set) cleanup(entry *Entry) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*Entry

	if child := entry.child.Swap(nil); child != nil {
		child.parent.Store(nil)
		// the name was reused, the old object lost its last version
		if child.ID != entry.ID && s.entries[child.ID] == child {
			delete(s.entries, child.ID)
			removed = append(removed, child)
		}
	}

	if !entry.Deleted {
		return removed
	}

	// a deletion marker and an empty chain look the same to readers
	if parent := entry.parent.Load(); parent != nil {
		parent.child.CompareAndSwap(entry, nil)
		entry.parent.Store(nil)
	} else if s.head(entry.Name) == entry {
		s.publishAssumeLocked(entry.Name, nil)
	}

	if s.entries[entry.ID] == entry {
		delete(s.entries, entry.ID)
		removed = append(removed, entry)
	}
	return removed
}

// Len is the number of names in the head index.
func (s *Set) Len() int {
	return len(*s.heads.Load())
}
