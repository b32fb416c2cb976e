package txns

import (
	"sync"

	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
)

// blockLocker hands out exclusive write ownership of blocks. Nobody waits:
// a transaction that asks for a block owned by another active transaction,
// or committed after its snapshot was taken, is refused.
type blockLocker struct {
	mu sync.Mutex

	owners map[common.BlockID]common.TxnID
	locked map[common.TxnID]map[common.BlockID]struct{}
	// commit timestamp of the last write of each block
	committed map[common.BlockID]common.Timestamp
}

func newBlockLocker() *blockLocker {
	return &blockLocker{
		owners:    map[common.BlockID]common.TxnID{},
		locked:    map[common.TxnID]map[common.BlockID]struct{}{},
		committed: map[common.BlockID]common.Timestamp{},
	}
}

func (l *blockLocker) Lock(txn *Transaction, id common.BlockID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner, ok := l.owners[id]; ok {
		return owner == txn.id
	}
	if ts, ok := l.committed[id]; ok && ts > txn.start {
		return false
	}

	l.ownAssumeLocked(txn.id, id)
	return true
}

// Claim gives txn a block the allocator just handed out. Whoever freed it
// may still hold it while its commit finishes, and the stamp of that commit
// no longer guards anything.
func (l *blockLocker) Claim(txn *Transaction, id common.BlockID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner, ok := l.owners[id]; ok && owner != txn.id {
		delete(l.locked[owner], id)
	}
	delete(l.committed, id)

	l.ownAssumeLocked(txn.id, id)
}

func (l *blockLocker) ownAssumeLocked(txn common.TxnID, id common.BlockID) {
	l.owners[id] = txn
	blocks, ok := l.locked[txn]
	if !ok {
		blocks = map[common.BlockID]struct{}{}
		l.locked[txn] = blocks
	}
	blocks[id] = struct{}{}
}

// Release gives up every block owned by txn. A committing transaction
// passes its commit timestamp so that older snapshots cannot overwrite its
// blocks; a rolled back one passes NilTimestamp.
func (l *blockLocker) Release(txn common.TxnID, commitTS common.Timestamp) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id := range l.locked[txn] {
		delete(l.owners, id)
		if commitTS != common.NilTimestamp {
			l.committed[id] = commitTS
		}
	}
	delete(l.locked, txn)
}

// Prune forgets commits every active snapshot already sees.
func (l *blockLocker) Prune(lowestStart common.Timestamp) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, ts := range l.committed {
		if ts <= lowestStart {
			delete(l.committed, id)
		}
	}
}

func (l *blockLocker) Owner(id common.BlockID) (common.TxnID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner, ok := l.owners[id]
	return owner, ok
}
