package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/carapacedb/src"
	"github.com/Blackdeer1524/carapacedb/src/database"
	"github.com/Blackdeer1524/carapacedb/src/pkg/utils"
)

// Entrypoint owns what a command needs: the environment, the logger and
// the open database.
type Entrypoint struct {
	EnvFile string
	// overrides CARAPACE_DATABASE_PATH when set
	DatabasePath string
	// commands that only look at the database force read-only access
	ReadOnly bool

	Env envVars

	db  *database.Database
	log src.Logger
}

func (e *Entrypoint) Init(_ context.Context) error {
	env, err := loadEnv(e.EnvFile)
	if err != nil {
		return err
	}
	e.Env = env

	if e.Env.Environment == EnvDev {
		e.log = utils.Must(zap.NewDevelopment()).Sugar()
	} else {
		e.log = utils.Must(zap.NewProduction()).Sugar()
	}

	path := e.Env.DatabasePath
	if e.DatabasePath != "" {
		path = e.DatabasePath
	}

	cfg := e.Env.databaseConfig(e.log)
	if e.ReadOnly {
		cfg.AccessMode = database.AccessReadOnly
	}

	e.db, err = database.Open(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	return nil
}

func (e *Entrypoint) DB() *database.Database {
	return e.db
}

func (e *Entrypoint) Logger() src.Logger {
	return e.log
}

func (e *Entrypoint) Close() (err error) {
	if e.db != nil {
		err = e.db.Close()
		e.db = nil
	}

	if e.log != nil {
		if err != nil {
			e.log.Errorw("failed to close database", zap.Error(err))
		}
		// syncing stderr fails on some platforms, nothing to report there
		_ = e.log.Sync()
	}

	return err
}
