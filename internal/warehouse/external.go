package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"regexp"
	"strconv"
	"strings"

	"go.trai.ch/zerr"

	"github.com/aristath/stocketl/internal/errkind"
	"github.com/aristath/stocketl/internal/reconcile"
	"github.com/aristath/stocketl/internal/table"
)

// CreateExternalTable creates spec.TableName and loads a snapshot of every CSV
// object matching spec.SourceURIPattern. An existing table is an error.
func (w *SQLiteWarehouse) CreateExternalTable(ctx context.Context, spec reconcile.ExternalTableSpec) error {
	ddl, err := reconcile.ExternalTableDDL(spec)
	if err != nil {
		return err
	}
	objects, err := w.matchObjects(ctx, spec.SourceURIPattern)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		w.logger.Warn("external table source matches no objects", "table", spec.TableName, "pattern", spec.SourceURIPattern)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := objectExists(ctx, tx, "table", spec.TableName)
	if err != nil {
		return err
	}
	if exists {
		return errkind.Configurationf("table %s already exists", spec.TableName)
	}
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", spec.TableName, err)
	}

	cols := spec.Columns()
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, f := range cols {
		names[i] = reconcile.QuoteIdent(f.Name)
		marks[i] = "?"
	}
	insert, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		reconcile.QuoteIdent(spec.TableName), strings.Join(names, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	var total int
	for _, obj := range objects {
		n, err := w.loadObject(ctx, insert, spec, obj)
		if err != nil {
			return zerr.With(zerr.Wrap(err, "load external object"), "object", obj)
		}
		total += n
	}

	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO `+catalogTable+` (name, spec, objects) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET spec = excluded.spec, objects = excluded.objects, registered_at = CURRENT_TIMESTAMP
	`, spec.TableName, string(raw), len(objects)); err != nil {
		return fmt.Errorf("update catalog: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", spec.TableName, err)
	}
	w.logger.Debug("external table loaded", "table", spec.TableName, "objects", len(objects), "rows", total)
	return nil
}

// ExternalSpec returns the definition the named table was last registered with.
func (w *SQLiteWarehouse) ExternalSpec(ctx context.Context, name string) (reconcile.ExternalTableSpec, error) {
	var raw string
	err := w.db.QueryRowContext(ctx, "SELECT spec FROM "+catalogTable+" WHERE name = ?", name).Scan(&raw)
	if err == sql.ErrNoRows {
		return reconcile.ExternalTableSpec{}, zerr.With(zerr.Wrap(reconcile.ErrNotFound, "external spec"), "table", name)
	}
	if err != nil {
		return reconcile.ExternalTableSpec{}, fmt.Errorf("read catalog: %w", err)
	}
	var spec reconcile.ExternalTableSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return reconcile.ExternalTableSpec{}, fmt.Errorf("decode spec for %s: %w", name, err)
	}
	return spec, nil
}

// matchObjects lists the CSV objects matching a wildcard pattern.
func (w *SQLiteWarehouse) matchObjects(ctx context.Context, pattern string) ([]string, error) {
	re, dir, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	infos, err := w.store.List(ctx, dir)
	if err != nil {
		return nil, errkind.Transient(fmt.Errorf("list %s: %w", dir, err))
	}

	var out []string
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".csv") && re.MatchString(info.Path) {
			out = append(out, info.Path)
		}
	}
	return out, nil
}

// compilePattern turns a source pattern into a regexp where * matches any
// run of characters, and returns the directory to list.
func compilePattern(pattern string) (*regexp.Regexp, string, error) {
	pattern = strings.TrimPrefix(strings.TrimSpace(pattern), "/")
	literal, _, _ := strings.Cut(pattern, "*")
	dir := path.Dir(literal)
	if !strings.Contains(pattern, "*") {
		dir = path.Dir(pattern)
	}
	if dir == "." || dir == "/" {
		return nil, "", errkind.Configurationf("source pattern %q must name a directory", pattern)
	}

	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, "", errkind.Configuration(fmt.Errorf("source pattern %q: %w", pattern, err))
	}
	return re, dir, nil
}

// partitionValues reads key=value segments of objectPath below prefix.
func partitionValues(objectPath, prefix string) map[string]string {
	rel := strings.TrimPrefix(objectPath, strings.TrimSuffix(prefix, "/")+"/")
	if rel == objectPath {
		return nil
	}
	out := make(map[string]string)
	for _, seg := range strings.Split(path.Dir(rel), "/") {
		k, v, ok := strings.Cut(seg, "=")
		if ok {
			out[strings.ToLower(k)] = v
		}
	}
	return out
}

func (w *SQLiteWarehouse) loadObject(ctx context.Context, insert *sql.Stmt, spec reconcile.ExternalTableSpec, obj string) (int, error) {
	rc, err := w.store.Open(ctx, obj)
	if err != nil {
		return 0, errkind.Transient(err)
	}
	defer rc.Close()

	t, err := table.ReadCSV(rc, ',')
	if err != nil {
		return 0, err
	}

	parts := partitionValues(obj, spec.PartitionURIPrefix)
	for _, k := range spec.PartitionKeys {
		if _, ok := parts[strings.ToLower(k)]; !ok {
			return 0, errkind.Configurationf("object %s has no %s partition", obj, k)
		}
	}

	cols := spec.Columns()
	args := make([]any, len(cols))
	for i := range t.Rows {
		for j, f := range cols {
			if j >= len(spec.Schema) {
				args[j] = parts[strings.ToLower(f.Name)]
				continue
			}
			v, err := convert(t.Value(i, f.Name), f.Type)
			if err != nil {
				return 0, fmt.Errorf("row %d column %s: %w", i+1, f.Name, err)
			}
			args[j] = v
		}
		if _, err := insert.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("insert row %d: %w", i+1, err)
		}
	}
	return len(t.Rows), nil
}

// convert parses a CSV cell as a logical type. Empty cells are NULL.
func convert(s, logical string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	switch strings.ToUpper(logical) {
	case reconcile.TypeFloat, "FLOAT64", "REAL":
		return strconv.ParseFloat(s, 64)
	case reconcile.TypeInteger, reconcile.TypeInt, "INT64":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) {
			return nil, fmt.Errorf("not an integer: %q", s)
		}
		return int64(f), nil
	default:
		return s, nil
	}
}
