// Package reconcile converges named tables and views in the analytical store
// to their declared specs. Every operation is create-or-replace, so running
// it twice leaves the store as running it once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.trai.ch/zerr"

	"github.com/aristath/stocketl/internal/errkind"
	"github.com/aristath/stocketl/internal/scheduler"
	"github.com/aristath/stocketl/internal/table"
)

// ErrNotFound is returned by a Client when the named table does not exist.
var ErrNotFound = zerr.New("table not found")

// Client is the analytical store.
type Client interface {
	// Prepare creates the dataset if needed.
	Prepare(ctx context.Context) error
	DeleteTable(ctx context.Context, name string) error
	CreateExternalTable(ctx context.Context, spec ExternalTableSpec) error
	// CreateOrReplaceTableFromQuery swaps in the result of query as name and
	// returns its row count.
	CreateOrReplaceTableFromQuery(ctx context.Context, name, query string) (int64, error)
	CreateOrReplaceView(ctx context.Context, name, query string) error
	RunQuery(ctx context.Context, query string) (table.Result, error)
}

// Error is a store rejection during reconciliation.
type Error struct {
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports the reconciliation kind.
func (e *Error) Is(target error) bool { return target == errkind.ErrReconciliation }

// Materialized describes a table built by Materialize.
type Materialized struct {
	TableName string
	RowCount  int64
}

// Reconciler applies specs through a Client. Operations on the same name are
// serialized; ordering between names is left to the caller.
type Reconciler struct {
	client Client
	locks  *scheduler.ResourceLockManager
	logger *slog.Logger
}

// New creates a Reconciler. A nil lock manager gets a private one.
func New(client Client, locks *scheduler.ResourceLockManager, logger *slog.Logger) *Reconciler {
	if locks == nil {
		locks = scheduler.NewResourceLockManager()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{client: client, locks: locks, logger: logger}
}

// Client returns the underlying store client.
func (r *Reconciler) Client() Client {
	return r.client
}

// Prepare makes sure the dataset exists.
func (r *Reconciler) Prepare(ctx context.Context) error {
	if err := r.client.Prepare(ctx); err != nil {
		return &Error{Op: "prepare", Name: "dataset", Err: err}
	}
	return nil
}

// RegisterExternal deletes any table named spec.TableName and creates the
// external table. The table's schema afterwards is exactly spec.Schema.
func (r *Reconciler) RegisterExternal(ctx context.Context, spec ExternalTableSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	return r.locks.WithLock(spec.TableName, func() error {
		if err := r.client.DeleteTable(ctx, spec.TableName); err != nil && !errors.Is(err, ErrNotFound) {
			return &Error{Op: "delete table", Name: spec.TableName, Err: err}
		}
		if err := r.client.CreateExternalTable(ctx, spec); err != nil {
			return &Error{Op: "create external table", Name: spec.TableName, Err: err}
		}
		r.logger.Info("external table registered", "table", spec.TableName, "source", spec.SourceURIPattern)
		return nil
	})
}

// Materialize builds spec.TableName from its query, replacing any previous
// contents. The source table is locked too, so it cannot be re-registered
// while the query reads it.
func (r *Reconciler) Materialize(ctx context.Context, spec MaterializationSpec) (Materialized, error) {
	query, err := MaterializeSQL(spec)
	if err != nil {
		return Materialized{}, err
	}

	var out Materialized
	err = r.locks.WithLocks([]string{spec.TableName, spec.SourceTable}, func() error {
		start := time.Now()
		rows, err := r.client.CreateOrReplaceTableFromQuery(ctx, spec.TableName, query)
		if err != nil {
			return &Error{Op: "materialize", Name: spec.TableName, Err: err}
		}
		out = Materialized{TableName: spec.TableName, RowCount: rows}
		r.logger.Info("table materialized", "table", spec.TableName, "rows", rows, "duration", time.Since(start))
		return nil
	})
	return out, err
}

// DefineView creates or replaces spec.Name while holding spec.Source.
func (r *Reconciler) DefineView(ctx context.Context, spec ViewSpec) error {
	query, err := ViewSQL(spec)
	if err != nil {
		return err
	}

	return r.locks.WithLocks([]string{spec.Name, spec.Source}, func() error {
		if err := r.client.CreateOrReplaceView(ctx, spec.Name, query); err != nil {
			return &Error{Op: "define view", Name: spec.Name, Err: err}
		}
		r.logger.Info("view defined", "view", spec.Name)
		return nil
	})
}
