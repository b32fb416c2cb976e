// Package database puts the catalog, the transaction manager and the
// storage manager together behind one handle.
package database

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/carapacedb/src"
	"github.com/Blackdeer1524/carapacedb/src/catalog"
	"github.com/Blackdeer1524/carapacedb/src/pkg/common"
	"github.com/Blackdeer1524/carapacedb/src/pkg/serialize"
	"github.com/Blackdeer1524/carapacedb/src/storage"
	"github.com/Blackdeer1524/carapacedb/src/txns"
)

var ErrClosed = errors.New("database is closed")

type Database struct {
	path string
	cfg  Config
	log  src.Logger

	catalog *catalog.Catalog
	txns    *txns.Manager
	storage *storage.Manager

	mu     sync.Mutex
	closed bool
}

// loader rebuilds the catalog while the storage manager opens.
type loader struct {
	db *Database
}

func (l loader) LoadCatalog(data []byte) error {
	return l.db.catalog.Load(serialize.NewDeserializer(data))
}

// ReplayCatalog applies the catalog records of one logged commit in a
// transaction of their own.
func (l loader) ReplayCatalog(commitTS common.Timestamp, records []common.LogRecord) error {
	txn := l.db.txns.StartReplay()
	for i, r := range records {
		if err := l.db.catalog.Replay(txn, r); err != nil {
			return errors.Join(
				fmt.Errorf("commit %d, record %d: %w", commitTS, i, err),
				l.db.txns.Rollback(txn),
			)
		}
	}
	return l.db.txns.Commit(txn)
}

// Open opens the database at path, creating it if needed. Committed work
// found in the log is replayed and, unless the database is read-only,
// checkpointed right away.
func Open(path string, cfg Config) (*Database, error) {
	cfg = cfg.withDefaults()
	readOnly := cfg.AccessMode == AccessReadOnly

	cat := catalog.New(cfg.Logger)
	db := &Database{
		path:    path,
		cfg:     cfg,
		log:     cfg.Logger,
		catalog: cat,
		txns:    txns.NewManager(cat, cfg.Logger),
	}

	st, err := storage.Open(cfg.FileSystem, path, storage.Options{
		ReadOnly:          readOnly,
		DirectIO:          cfg.DirectIO,
		CacheBlocks:       cfg.BlockCacheSize,
		WALBufferSize:     cfg.WALBufferSize,
		CheckpointWorkers: cfg.CheckpointWorkers,
		Logger:            cfg.Logger,
	}, loader{db: db})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	db.storage = st

	if readOnly {
		db.txns.Attach(st, nil, true)
	} else {
		db.txns.Attach(st, st.WAL(), false)
	}

	if st.Replayed() && !readOnly {
		if err := db.Checkpoint(context.Background()); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to checkpoint replayed log: %w", err), st.Close())
		}
	}

	db.log.Infow(
		"database ready",
		zap.String("path", path),
		zap.Stringer("mode", cfg.AccessMode),
		zap.Bool("replayed", st.Replayed()),
	)
	return db, nil
}

func (db *Database) Path() string {
	return db.path
}

func (db *Database) ReadOnly() bool {
	return db.cfg.AccessMode == AccessReadOnly
}

func (db *Database) Catalog() *catalog.Catalog {
	return db.catalog
}

func (db *Database) Storage() *storage.Manager {
	return db.storage
}

func (db *Database) TransactionManager() *txns.Manager {
	return db.txns
}

func (db *Database) Begin() *txns.Transaction {
	return db.txns.Start()
}

// Commit commits txn. When the log has grown past CheckpointWALSize a
// checkpoint follows; its failure does not undo the commit and is only
// logged.
func (db *Database) Commit(txn *txns.Transaction) error {
	if err := db.txns.Commit(txn); err != nil {
		return err
	}

	if db.ReadOnly() || db.cfg.CheckpointWALSize <= 0 {
		return nil
	}
	if size := db.storage.WALSize(); size > db.cfg.CheckpointWALSize {
		if err := db.Checkpoint(context.Background()); err != nil {
			db.log.Errorw("automatic checkpoint failed", zap.Int64("wal_size", size), zap.Error(err))
		}
	}
	return nil
}

func (db *Database) Rollback(txn *txns.Transaction) error {
	return db.txns.Rollback(txn)
}

// Update runs fn in a new transaction and commits it, or rolls it back if
// fn fails.
func (db *Database) Update(fn func(txn *txns.Transaction) error) error {
	txn := db.Begin()
	if err := fn(txn); err != nil {
		return errors.Join(err, db.Rollback(txn))
	}
	return db.Commit(txn)
}

// View runs fn in a new transaction that is rolled back afterwards.
func (db *Database) View(fn func(txn *txns.Transaction) error) error {
	txn := db.Begin()
	defer func() { _ = db.Rollback(txn) }()

	return fn(txn)
}

// Checkpoint writes the committed state into the database file and
// empties the log. Transactions cannot finish meanwhile.
func (db *Database) Checkpoint(ctx context.Context) error {
	db.mu.Lock()
	closed := db.closed
	db.mu.Unlock()
	if closed {
		return ErrClosed
	}

	return db.txns.Quiesce(func() error {
		return db.storage.Checkpoint(ctx, db.catalog.Image)
	})
}

// Close checkpoints a writable database and releases its files.
func (db *Database) Close() error {
	var err error
	if !db.ReadOnly() {
		err = db.Checkpoint(context.Background())
		if errors.Is(err, ErrClosed) {
			return nil
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	if active := db.txns.ActiveCount(); active > 0 {
		db.log.Warnw("closing with active transactions", zap.Int("active", active))
	}
	err = errors.Join(err, db.storage.Close())
	db.log.Infow("database closed", zap.String("path", db.path))
	return err
}
