package app

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Blackdeer1524/carapacedb/src"
	"github.com/Blackdeer1524/carapacedb/src/database"
	"github.com/Blackdeer1524/carapacedb/src/storage/fs"
)

const envPrefix = "CARAPACE"

const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

type envVars struct {
	Environment       string `envconfig:"ENVIRONMENT" default:"dev"`
	DatabasePath      string `envconfig:"DATABASE_PATH" default:"carapace.db"`
	ReadOnly          bool   `envconfig:"READ_ONLY" default:"false"`
	DirectIO          bool   `envconfig:"DIRECT_IO" default:"false"`
	BlockCacheSize    int    `envconfig:"BLOCK_CACHE_SIZE" default:"64"`
	WALBufferSize     int    `envconfig:"WAL_BUFFER_SIZE" default:"4096"`
	CheckpointWALSize int64  `envconfig:"CHECKPOINT_WAL_SIZE" default:"16777216"`
	CheckpointWorkers int    `envconfig:"CHECKPOINT_WORKERS" default:"4"`
}

// loadEnv reads the CARAPACE_* variables. Values from envFile (or ./.env
// when envFile is empty and the file exists) never override variables that
// are already set.
func loadEnv(envFile string) (envVars, error) {
	var env envVars

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return env, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return env, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := envconfig.Process(envPrefix, &env); err != nil {
		return env, err
	}

	if env.Environment != EnvDev && env.Environment != EnvProd {
		return env, fmt.Errorf("%s_ENVIRONMENT must be %q or %q, got %q", envPrefix, EnvDev, EnvProd, env.Environment)
	}
	if env.DatabasePath == "" {
		return env, fmt.Errorf("%s_DATABASE_PATH is empty", envPrefix)
	}
	return env, nil
}

func (e envVars) databaseConfig(log src.Logger) database.Config {
	cfg := database.DefaultConfig()
	cfg.FileSystem = fs.NewOS()
	cfg.DirectIO = e.DirectIO
	cfg.BlockCacheSize = e.BlockCacheSize
	cfg.WALBufferSize = e.WALBufferSize
	cfg.CheckpointWALSize = e.CheckpointWALSize
	cfg.CheckpointWorkers = e.CheckpointWorkers
	cfg.Logger = log
	if e.ReadOnly {
		cfg.AccessMode = database.AccessReadOnly
	}
	return cfg
}
