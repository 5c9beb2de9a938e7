// Package table holds the row-oriented tables that flow between pipeline
// stages and their CSV encoding.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Table is a header plus string cells. An empty cell is a missing value.
type Table struct {
	Columns []string
	Rows    [][]string
}

// New creates an empty table with the given columns.
func New(columns ...string) *Table {
	return &Table{Columns: append([]string(nil), columns...)}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Index returns the position of column name, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Append adds a row. Short rows are padded with missing values.
func (t *Table) Append(row ...string) {
	if len(row) < len(t.Columns) {
		padded := make([]string, len(t.Columns))
		copy(padded, row)
		row = padded
	}
	t.Rows = append(t.Rows, row)
}

// Value returns the cell of row i in column name.
func (t *Table) Value(i int, name string) string {
	j := t.Index(name)
	if j < 0 || j >= len(t.Rows[i]) {
		return ""
	}
	return t.Rows[i][j]
}

// Float parses the cell of row i in column name. ok is false for missing or
// unparsable values.
func (t *Table) Float(i int, name string) (v float64, ok bool) {
	s := strings.TrimSpace(t.Value(i, name))
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Select returns a new table with only the named columns, in that order.
// Unknown columns come out empty.
func (t *Table) Select(columns ...string) *Table {
	out := New(columns...)
	idx := make([]int, len(columns))
	for i, c := range columns {
		idx[i] = t.Index(c)
	}
	for _, row := range t.Rows {
		r := make([]string, len(columns))
		for i, j := range idx {
			if j >= 0 && j < len(row) {
				r[i] = row[j]
			}
		}
		out.Rows = append(out.Rows, r)
	}
	return out
}

// Filter returns the rows for which keep returns true.
func (t *Table) Filter(keep func(i int) bool) *Table {
	out := New(t.Columns...)
	for i, row := range t.Rows {
		if keep(i) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// SanitizeName turns a provider column name into a string-safe identifier:
// "Net Income (Common)" becomes "Net_Income_Common".
func SanitizeName(name string) string {
	s := unsafeChars.ReplaceAllString(strings.TrimSpace(name), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "column"
	}
	return s
}

// SanitizeColumns renames every column with SanitizeName, suffixing
// duplicates with _2, _3 and so on.
func (t *Table) SanitizeColumns() {
	seen := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		name := SanitizeName(c)
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		t.Columns[i] = name
	}
}

// ReadCSV decodes a CSV stream whose first record is the header.
func ReadCSV(r io.Reader, delimiter rune) (*Table, error) {
	cr := csv.NewReader(r)
	if delimiter != 0 {
		cr.Comma = delimiter
	}
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	// Strip a UTF-8 byte order mark
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	t := New(header...)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		t.Append(rec...)
	}
	return t, nil
}

// ReadCSVFile decodes the CSV file at path.
func ReadCSVFile(path string, delimiter rune) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f, delimiter)
}

// WriteCSV encodes t as comma-separated CSV with a header.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// WriteCSVFile writes t to path, creating parent directories.
func (t *Table) WriteCSVFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
