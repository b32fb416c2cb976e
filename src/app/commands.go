package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants"
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/carapacedb/src/catalog"
	"github.com/Blackdeer1524/carapacedb/src/database"
	"github.com/Blackdeer1524/carapacedb/src/txns"
)

// NewRootCommand builds the carapace command tree.
func NewRootCommand() *cobra.Command {
	e := &Entrypoint{}

	root := &cobra.Command{
		Use:           "carapace",
		Short:         "Inspect and maintain a CarapaceDB database file",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&e.DatabasePath, "db", "", "database file (default $CARAPACE_DATABASE_PATH)")
	root.PersistentFlags().StringVar(&e.EnvFile, "env-file", "", "file with CARAPACE_* variables (default ./.env)")

	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "List and change catalog entries",
	}
	catalogCmd.AddCommand(
		listCommand(e),
		createSchemaCommand(e),
		createTableCommand(e),
		dropCommand(e),
	)

	root.AddCommand(
		inspectCommand(e),
		checkpointCommand(e),
		catalogCmd,
		benchCommand(e),
	)
	return root
}

// withDatabase opens the database around run.
func withDatabase(
	e *Entrypoint,
	readOnly bool,
	run func(cmd *cobra.Command, args []string, db *database.Database) error,
) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		e.ReadOnly = readOnly
		if err := e.Init(cmd.Context()); err != nil {
			return err
		}
		defer func() { err = errors.Join(err, e.Close()) }()

		return run(cmd, args, e.DB())
	}
}

func inspectCommand(e *Entrypoint) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print headers, free blocks and the write-ahead log",
		Args:  cobra.NoArgs,
		RunE: withDatabase(e, true, func(cmd *cobra.Command, _ []string, db *database.Database) error {
			out := cmd.OutOrStdout()
			st := db.Storage()

			main, header := st.MainHeader(), st.Header()
			fmt.Fprintf(out, "database:    %s\n", main.DatabaseID)
			fmt.Fprintf(out, "version:     %d\n", main.VersionNumber)
			fmt.Fprintf(out, "iteration:   %d\n", header.Iteration)
			fmt.Fprintf(out, "meta block:  %d\n", header.MetaBlock)
			fmt.Fprintf(out, "free list:   %d\n", header.FreeList)
			fmt.Fprintf(out, "blocks:      %d\n", st.BlockCount())
			fmt.Fprintf(out, "free blocks: %v\n", st.FreeBlocks())

			wal := st.WAL()
			if wal == nil {
				fmt.Fprintln(out, "log:         missing")
				return nil
			}
			fmt.Fprintf(out, "log:         %d bytes, iteration %d\n", wal.Size(), wal.Header().Iteration)

			var b strings.Builder
			if err := wal.Dump(&b); err != nil {
				return err
			}
			_, err := io.WriteString(out, b.String())
			return err
		}),
	}
}

func checkpointCommand(e *Entrypoint) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Write the committed state into the database file and empty the log",
		Args:  cobra.NoArgs,
		RunE: withDatabase(e, false, func(cmd *cobra.Command, _ []string, db *database.Database) error {
			if err := db.Checkpoint(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint %d written\n", db.Storage().Header().Iteration)
			return nil
		}),
	}
}

var listedKinds = []catalog.Kind{
	catalog.KindTable,
	catalog.KindView,
	catalog.KindIndex,
	catalog.KindSequence,
	catalog.KindTableFunction,
	catalog.KindScalarFunction,
}

func describe(e *catalog.Entry) string {
	switch e.Kind {
	case catalog.KindTable:
		cols := make([]string, 0, len(e.Table().Columns))
		for _, c := range e.Table().Columns {
			col := c.Name + " " + c.Type
			if !c.Nullable {
				col += " NOT NULL"
			}
			cols = append(cols, col)
		}
		return "(" + strings.Join(cols, ", ") + ")"
	case catalog.KindView:
		return "AS " + e.View().Query
	case catalog.KindIndex:
		return "ON " + e.Index().Table + "(" + strings.Join(e.Index().Columns, ", ") + ")"
	default:
		return ""
	}
}

func listCommand(e *Entrypoint) *cobra.Command {
	return &cobra.Command{
		Use:   "list [SCHEMA]",
		Short: "List catalog entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: withDatabase(e, true, func(cmd *cobra.Command, args []string, db *database.Database) error {
			out := cmd.OutOrStdout()
			cat := db.Catalog()

			return db.View(func(txn *txns.Transaction) error {
				var schemas []string
				if len(args) == 1 {
					schemas = args
				} else if err := cat.Scan(txn, "", catalog.KindSchema, func(s *catalog.Entry) bool {
					schemas = append(schemas, s.Name)
					return true
				}); err != nil {
					return err
				}

				for _, schema := range schemas {
					fmt.Fprintf(out, "schema %s\n", schema)
					for _, kind := range listedKinds {
						err := cat.Scan(txn, schema, kind, func(entry *catalog.Entry) bool {
							fmt.Fprintf(out, "  %s %s %s\n", kind, entry.QualifiedName(), describe(entry))
							return true
						})
						if err != nil {
							return err
						}
					}
				}
				return nil
			})
		}),
	}
}

func createSchemaCommand(e *Entrypoint) *cobra.Command {
	var ifNotExists bool

	cmd := &cobra.Command{
		Use:   "create-schema NAME",
		Short: "Create a schema",
		Args:  cobra.ExactArgs(1),
		RunE: withDatabase(e, false, func(cmd *cobra.Command, args []string, db *database.Database) error {
			onConflict := catalog.ErrorOnConflict
			if ifNotExists {
				onConflict = catalog.IgnoreOnConflict
			}
			return db.Update(func(txn *txns.Transaction) error {
				_, err := db.Catalog().CreateSchema(txn, args[0], onConflict)
				return err
			})
		}),
	}
	cmd.Flags().BoolVar(&ifNotExists, "if-not-exists", false, "succeed if the schema exists")
	return cmd
}

// parseColumn accepts NAME:TYPE with an optional :null suffix.
func parseColumn(s string) (catalog.ColumnDefinition, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return catalog.ColumnDefinition{}, fmt.Errorf("column %q: want NAME:TYPE[:null]", s)
	}

	col := catalog.ColumnDefinition{Name: parts[0], Type: strings.ToUpper(parts[1])}
	if len(parts) == 3 {
		if parts[2] != "null" {
			return catalog.ColumnDefinition{}, fmt.Errorf("column %q: unknown modifier %q", s, parts[2])
		}
		col.Nullable = true
	}
	return col, nil
}

func createTableCommand(e *Entrypoint) *cobra.Command {
	return &cobra.Command{
		Use:   "create-table SCHEMA NAME COL:TYPE[:null]...",
		Short: "Create a table",
		Args:  cobra.MinimumNArgs(3),
		RunE: withDatabase(e, false, func(cmd *cobra.Command, args []string, db *database.Database) error {
			table := &catalog.TableInfo{}
			for _, arg := range args[2:] {
				col, err := parseColumn(arg)
				if err != nil {
					return err
				}
				table.Columns = append(table.Columns, col)
			}

			return db.Update(func(txn *txns.Transaction) error {
				_, err := db.Catalog().CreateTable(txn, args[0], args[1], table)
				return err
			})
		}),
	}
}

func dropCommand(e *Entrypoint) *cobra.Command {
	var cascade, ifExists bool

	cmd := &cobra.Command{
		Use:   "drop KIND SCHEMA NAME",
		Short: "Drop a catalog entry",
		Long:  "Drop a catalog entry. KIND is one of table, view, index, sequence, schema, table_function, scalar_function; SCHEMA is ignored for schemas.",
		Args:  cobra.ExactArgs(3),
		RunE: withDatabase(e, false, func(cmd *cobra.Command, args []string, db *database.Database) error {
			kind, err := catalog.ParseKind(args[0])
			if err != nil {
				return err
			}

			return db.Update(func(txn *txns.Transaction) error {
				return db.Catalog().DropEntry(txn, catalog.DropInfo{
					Kind:     kind,
					Schema:   args[1],
					Name:     args[2],
					IfExists: ifExists,
					Cascade:  cascade,
				})
			})
		}),
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "drop dependent entries as well")
	cmd.Flags().BoolVar(&ifExists, "if-exists", false, "succeed if the entry does not exist")
	return cmd
}

type benchResult struct {
	committed atomic.Int64
	conflicts atomic.Int64
	failed    atomic.Int64
}

// benchTask creates or drops one of a small set of tables and writes a
// block for every table it creates, so that concurrent tasks collide.
func benchTask(db *database.Database, i, names int, res *benchResult) error {
	name := fmt.Sprintf("bench_%d", i%names)

	err := db.Update(func(txn *txns.Transaction) error {
		cat := db.Catalog()
		if i%4 == 3 {
			return cat.DropEntry(txn, catalog.DropInfo{
				Kind:     catalog.KindTable,
				Schema:   catalog.DefaultSchema,
				Name:     name,
				IfExists: true,
			})
		}

		if _, err := cat.CreateTable(txn, catalog.DefaultSchema, name, &catalog.TableInfo{
			Columns: []catalog.ColumnDefinition{{Name: "id", Type: "BIGINT"}},
		}); err != nil {
			return err
		}
		id, err := txn.CreateBlock()
		if err != nil {
			return err
		}
		return txn.WriteBlock(id, []byte(name))
	})

	switch {
	case err == nil:
		res.committed.Add(1)
	case errors.Is(err, catalog.ErrWriteConflict), errors.Is(err, catalog.ErrEntryExists):
		res.conflicts.Add(1)
	default:
		res.failed.Add(1)
		return err
	}
	return nil
}

func benchCommand(e *Entrypoint) *cobra.Command {
	var workers, count, names int

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run concurrent DDL transactions against the database",
		Args:  cobra.NoArgs,
		RunE: withDatabase(e, false, func(cmd *cobra.Command, _ []string, db *database.Database) error {
			if workers <= 0 || count <= 0 || names <= 0 {
				return errors.New("--workers, --txns and --names must be positive")
			}

			pool, err := ants.NewPool(workers)
			if err != nil {
				return err
			}
			defer pool.Release()

			var (
				wg       sync.WaitGroup
				res      benchResult
				firstErr error
				errOnce  sync.Once
			)
			start := time.Now()
			for i := range count {
				wg.Add(1)
				task := func() {
					defer wg.Done()
					if err := benchTask(db, i, names, &res); err != nil {
						errOnce.Do(func() { firstErr = err })
					}
				}
				if err := pool.Submit(task); err != nil {
					wg.Done()
					return err
				}
			}
			wg.Wait()
			elapsed := time.Since(start)

			if err := db.Checkpoint(context.Background()); err != nil {
				return err
			}

			stats := db.TransactionManager().Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "transactions: %d in %s (%.0f/s)\n", count, elapsed.Round(time.Millisecond), float64(count)/elapsed.Seconds())
			fmt.Fprintf(out, "committed:    %d\n", res.committed.Load())
			fmt.Fprintf(out, "conflicts:    %d\n", res.conflicts.Load())
			fmt.Fprintf(out, "failed:       %d\n", res.failed.Load())
			fmt.Fprintf(out, "gc:           %d entries cleaned, %d transactions and %d catalog sets reclaimed\n",
				stats.CleanedEntries, stats.ReclaimedTxns, stats.ReclaimedSets)
			return firstErr
		}),
	}
	cmd.Flags().IntVar(&workers, "workers", 8, "concurrent workers")
	cmd.Flags().IntVar(&count, "txns", 1000, "transactions to run")
	cmd.Flags().IntVar(&names, "names", 32, "distinct table names")
	return cmd
}

// Execute runs the command line.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}
