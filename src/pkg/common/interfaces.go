package common

// LogRecordType tags one write-ahead log record.
type LogRecordType uint8

const (
	LogRecordInvalid LogRecordType = iota
	LogRecordCreateEntry
	LogRecordDropEntry
	LogRecordAlterEntry
	LogRecordBlockWrite
	LogRecordBlockFree
	LogRecordCommit
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordCreateEntry:
		return "CREATE_ENTRY"
	case LogRecordDropEntry:
		return "DROP_ENTRY"
	case LogRecordAlterEntry:
		return "ALTER_ENTRY"
	case LogRecordBlockWrite:
		return "BLOCK_WRITE"
	case LogRecordBlockFree:
		return "BLOCK_FREE"
	case LogRecordCommit:
		return "COMMIT"
	default:
		return "INVALID"
	}
}

type LogRecord struct {
	Type    LogRecordType
	Payload []byte
}

// ITxnLogger is the write-ahead log as seen by committing transactions.
type ITxnLogger interface {
	// AppendCommit appends records followed by a commit marker and makes
	// them durable before returning.
	AppendCommit(commitTS Timestamp, records []LogRecord) error
}

// BlockStore is the block-level storage as seen by transactions.
type BlockStore interface {
	CreateBlock() (BlockID, error)
	FreeBlock(id BlockID) error
	ReadBlock(id BlockID) ([]byte, error)
	WriteBlock(id BlockID, data []byte) error
}
