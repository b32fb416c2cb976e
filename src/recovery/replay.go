package recovery

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
)

// CommitGroup is the records of one committed transaction, in log order.
type CommitGroup struct {
	CommitTS common.Timestamp
	Records  []common.LogRecord
}

type ReplayStats struct {
	Commits int
	Records int
	// complete records after the last commit marker
	Discarded int
}

// Check decides whether the log has to be replayed on top of the checkpoint
// with the given iteration. A log of an older checkpoint is already part of
// the database file.
func (l *TxnLogger) Check(databaseID uuid.UUID, iteration uint64) (bool, error) {
	h := l.Header()
	if h.DatabaseID != databaseID {
		return false, fmt.Errorf(
			"%w: log %s, database %s",
			ErrWALMismatch,
			h.DatabaseID,
			databaseID,
		)
	}
	if h.Iteration > iteration {
		return false, fmt.Errorf(
			"%w: log iteration %d is ahead of checkpoint %d",
			ErrWALMismatch,
			h.Iteration,
			iteration,
		)
	}
	return h.Iteration == iteration, nil
}

// Replay hands every committed group to apply, in commit order. Records
// after the last commit marker belong to a transaction that never got an
// acknowledgement: they are dropped, together with a record cut short by a
// crash, and cut off the file unless the log is read-only. A damaged record
// stops replay with an error wrapping ErrWALCorrupt.
func (l *TxnLogger) Replay(apply func(CommitGroup) error) (ReplayStats, error) {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	var (
		stats      ReplayStats
		pending    []common.LogRecord
		lastCommit = int64(HeaderSize)
	)

	_, err := l.readAssumeLocked(func(offset int64, r common.LogRecord) error {
		if r.Type != common.LogRecordCommit {
			pending = append(pending, r)
			return nil
		}

		ts, err := DecodeCommit(r.Payload)
		if err != nil {
			return &ReplayError{Offset: offset, Err: fmt.Errorf("%w: %v", ErrWALCorrupt, err)}
		}

		if err := apply(CommitGroup{CommitTS: ts, Records: pending}); err != nil {
			return &ReplayError{Offset: offset, Err: err}
		}

		stats.Commits++
		stats.Records += len(pending)
		pending = nil
		lastCommit = offset + recordHeaderSize + int64(len(r.Payload))
		return nil
	})

	// a torn record is always the last thing in the file, so nothing after
	// it can have been acknowledged
	torn := errors.Is(err, ErrWALTruncated)
	if err != nil && !torn {
		return stats, err
	}

	if len(pending) == 0 && !torn {
		return stats, nil
	}

	stats.Discarded = len(pending)
	l.opts.Logger.Warnw(
		"discarding uncommitted log tail",
		"path", l.path,
		"records", len(pending),
		"torn", torn,
		"offset", lastCommit,
	)

	l.flushed, l.size = lastCommit, lastCommit
	if l.opts.ReadOnly {
		return stats, nil
	}
	if err := l.file.Truncate(lastCommit); err != nil {
		return stats, err
	}
	return stats, l.file.Sync()
}
