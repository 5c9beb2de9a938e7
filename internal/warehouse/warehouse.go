// Package warehouse is the analytical store: a SQLite database whose external
// tables are snapshots of CSV objects in the object store.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.trai.ch/zerr"
	_ "modernc.org/sqlite"

	"github.com/aristath/stocketl/internal/errkind"
	"github.com/aristath/stocketl/internal/objectstore"
	"github.com/aristath/stocketl/internal/reconcile"
	"github.com/aristath/stocketl/internal/table"
)

const catalogTable = "_external_tables"

// SQLiteWarehouse implements reconcile.Client on SQLite.
type SQLiteWarehouse struct {
	db     *sql.DB
	store  objectstore.Store
	logger *slog.Logger
}

var _ reconcile.Client = (*SQLiteWarehouse)(nil)

// Open opens (or creates) the warehouse database at dbPath. External tables
// read their data from store.
func Open(ctx context.Context, dbPath string, store objectstore.Store, logger *slog.Logger) (*SQLiteWarehouse, error) {
	if dbPath == "" {
		return nil, errkind.Configurationf("warehouse path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create warehouse directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	return open(ctx, dsn, store, logger)
}

// OpenMemory opens a private in-memory warehouse.
func OpenMemory(ctx context.Context, store objectstore.Store, logger *slog.Logger) (*SQLiteWarehouse, error) {
	// Named so every pooled connection sees the same database
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, dsn, store, logger)
}

func open(ctx context.Context, dsn string, store objectstore.Store, logger *slog.Logger) (*SQLiteWarehouse, error) {
	if store == nil {
		return nil, errkind.Configurationf("warehouse needs an object store")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	// Replacements run in one transaction; a single connection keeps them
	// and readers strictly ordered.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errkind.Transient(fmt.Errorf("connect warehouse: %w", err))
	}
	return &SQLiteWarehouse{db: db, store: store, logger: logger}, nil
}

// Close closes the database.
func (w *SQLiteWarehouse) Close() error {
	return w.db.Close()
}

// Prepare creates the external table catalog.
func (w *SQLiteWarehouse) Prepare(ctx context.Context) error {
	_, err := w.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS `+catalogTable+` (
		name TEXT PRIMARY KEY,
		spec TEXT NOT NULL,
		objects INTEGER NOT NULL,
		registered_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create catalog: %w", err)
	}
	return nil
}

// DeleteTable drops the table name. A missing table is reconcile.ErrNotFound.
func (w *SQLiteWarehouse) DeleteTable(ctx context.Context, name string) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := objectExists(ctx, tx, "table", name)
	if err != nil {
		return err
	}
	if !exists {
		return zerr.With(zerr.Wrap(reconcile.ErrNotFound, "delete table"), "table", name)
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE "+reconcile.QuoteIdent(name)); err != nil {
		return fmt.Errorf("drop table %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+catalogTable+" WHERE name = ?", name); err != nil {
		return fmt.Errorf("update catalog: %w", err)
	}
	return tx.Commit()
}

// CreateOrReplaceTableFromQuery drops name and rebuilds it from query in one
// transaction. Readers see either the old table or the new one.
func (w *SQLiteWarehouse) CreateOrReplaceTableFromQuery(ctx context.Context, name, query string) (int64, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	quoted := reconcile.QuoteIdent(name)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoted); err != nil {
		return 0, fmt.Errorf("drop table %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "CREATE TABLE "+quoted+" AS "+query); err != nil {
		return 0, zerr.With(zerr.Wrap(err, "create table from query"), "table", name)
	}

	var rows int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoted).Scan(&rows); err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s: %w", name, err)
	}
	return rows, nil
}

// CreateOrReplaceView replaces the definition of view name.
func (w *SQLiteWarehouse) CreateOrReplaceView(ctx context.Context, name, query string) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	quoted := reconcile.QuoteIdent(name)
	if _, err := tx.ExecContext(ctx, "DROP VIEW IF EXISTS "+quoted); err != nil {
		return fmt.Errorf("drop view %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "CREATE VIEW "+quoted+" AS "+query); err != nil {
		return zerr.With(zerr.Wrap(err, "create view"), "view", name)
	}
	return tx.Commit()
}

// RunQuery runs a read-only query and returns every row.
func (w *SQLiteWarehouse) RunQuery(ctx context.Context, query string) (table.Result, error) {
	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return table.Result{}, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return table.Result{}, err
	}
	res := table.Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return table.Result{}, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	return res, rows.Err()
}

// Column describes one column of a stored table.
type Column struct {
	Name string
	Type string
}

// TableSchema returns the columns of table name in declaration order.
func (w *SQLiteWarehouse) TableSchema(ctx context.Context, name string) ([]Column, error) {
	rows, err := w.db.QueryContext(ctx, "SELECT name, type FROM pragma_table_info(?) ORDER BY cid", name)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", name, err)
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, zerr.With(zerr.Wrap(reconcile.ErrNotFound, "table schema"), "table", name)
	}
	return out, nil
}

// ViewDefinition returns the stored CREATE VIEW statement for name.
func (w *SQLiteWarehouse) ViewDefinition(ctx context.Context, name string) (string, error) {
	var def string
	err := w.db.QueryRowContext(ctx, "SELECT sql FROM sqlite_master WHERE type = 'view' AND name = ?", name).Scan(&def)
	if err == sql.ErrNoRows {
		return "", zerr.With(zerr.Wrap(reconcile.ErrNotFound, "view definition"), "view", name)
	}
	if err != nil {
		return "", fmt.Errorf("view definition %s: %w", name, err)
	}
	return def, nil
}

// RowCount returns the number of rows in table or view name.
func (w *SQLiteWarehouse) RowCount(ctx context.Context, name string) (int64, error) {
	res, err := w.RunQuery(ctx, "SELECT COUNT(*) FROM "+reconcile.QuoteIdent(name))
	if err != nil {
		return 0, err
	}
	return res.Int64()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func objectExists(ctx context.Context, q querier, kind, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", kind, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("look up %s %s: %w", kind, name, err)
	}
	return n > 0, nil
}
