package common

import "fmt"

type (
	TxnID       uint64
	Timestamp   uint64
	BlockID     int64
	EntryID     uint64
	QueryNumber uint64
)

// TransactionIDStart is the first transaction id handed out. Uncommitted
// catalog versions carry their writer's transaction id as timestamp, so ids
// must never collide with start or commit timestamps.
const TransactionIDStart TxnID = 1 << 62

const (
	// NilTimestamp marks versions that exist since bootstrap (or were loaded
	// from a checkpoint) and are visible to every transaction.
	NilTimestamp Timestamp = 0

	FirstTimestamp Timestamp = 1
)

const (
	InvalidBlockID BlockID = -1
	NilEntryID     EntryID = 0
)

// IsCommitted reports whether ts is a commit timestamp rather than the id of
// the transaction that is still writing it.
func (ts Timestamp) IsCommitted() bool {
	return ts < Timestamp(TransactionIDStart)
}

func (ts Timestamp) String() string {
	if ts.IsCommitted() {
		return fmt.Sprintf("ts:%d", uint64(ts))
	}
	return fmt.Sprintf("txn:%d", uint64(ts)-uint64(TransactionIDStart))
}

func (id TxnID) String() string {
	return fmt.Sprintf("txn:%d", uint64(id)-uint64(TransactionIDStart))
}

func (id BlockID) IsValid() bool {
	return id >= 0
}
