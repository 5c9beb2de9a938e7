package table

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrEmptyResult is returned when a scalar is requested from a result with no rows.
var ErrEmptyResult = errors.New("query returned no rows")

// Result is the typed outcome of a warehouse query.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Scalar returns the first column of the first row.
func (r Result) Scalar() (any, error) {
	if len(r.Rows) == 0 || len(r.Rows[0]) == 0 {
		return nil, ErrEmptyResult
	}
	return r.Rows[0][0], nil
}

// Int64 returns the first column of the first row as an integer.
func (r Result) Int64() (int64, error) {
	v, err := r.Scalar()
	if err != nil {
		return 0, err
	}
	return AsInt64(v)
}

// AsInt64 converts a driver value to int64.
func AsInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	case nil:
		return 0, errors.New("value is NULL")
	default:
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
}
