package table

import (
	"fmt"
	"strings"
)

// OuterMerge joins left and right on keys, keeping rows from both sides that
// have no partner. The result has left's columns followed by right's columns
// that left lacks. A column present on both sides takes left's value unless
// that value is missing.
func OuterMerge(left, right *Table, keys ...string) (*Table, error) {
	leftKeys, err := keyIndexes(left, keys)
	if err != nil {
		return nil, fmt.Errorf("left side: %w", err)
	}
	rightKeys, err := keyIndexes(right, keys)
	if err != nil {
		return nil, fmt.Errorf("right side: %w", err)
	}

	out := New(left.Columns...)
	// rightPos[j] is where right column j lands in out
	rightPos := make([]int, len(right.Columns))
	for j, c := range right.Columns {
		if i := out.Index(c); i >= 0 {
			rightPos[j] = i
			continue
		}
		out.Columns = append(out.Columns, c)
		rightPos[j] = len(out.Columns) - 1
	}

	byKey := make(map[string][]int, len(right.Rows))
	for r, row := range right.Rows {
		k := compositeKey(row, rightKeys)
		byKey[k] = append(byKey[k], r)
	}
	matched := make([]bool, len(right.Rows))

	for _, lrow := range left.Rows {
		partners := byKey[compositeKey(lrow, leftKeys)]
		if len(partners) == 0 {
			out.Append(lrow...)
			continue
		}
		for _, r := range partners {
			matched[r] = true
			out.Rows = append(out.Rows, combine(len(out.Columns), lrow, right.Rows[r], rightPos))
		}
	}

	for r, rrow := range right.Rows {
		if !matched[r] {
			out.Rows = append(out.Rows, combine(len(out.Columns), nil, rrow, rightPos))
		}
	}
	return out, nil
}

// LeftJoin adds to left the columns of right it lacks, filled from the first
// right row with the same keys. Rows of right without a partner are dropped.
func LeftJoin(left, right *Table, keys ...string) (*Table, error) {
	leftKeys, err := keyIndexes(left, keys)
	if err != nil {
		return nil, fmt.Errorf("left side: %w", err)
	}
	rightKeys, err := keyIndexes(right, keys)
	if err != nil {
		return nil, fmt.Errorf("right side: %w", err)
	}

	out := New(left.Columns...)
	var extra []int // right columns appended to out
	for j, c := range right.Columns {
		if out.Index(c) < 0 {
			out.Columns = append(out.Columns, c)
			extra = append(extra, j)
		}
	}

	first := make(map[string][]string, len(right.Rows))
	for _, row := range right.Rows {
		k := compositeKey(row, rightKeys)
		if _, ok := first[k]; !ok {
			first[k] = row
		}
	}

	for _, lrow := range left.Rows {
		row := make([]string, len(out.Columns))
		copy(row, lrow)
		if rrow, ok := first[compositeKey(lrow, leftKeys)]; ok {
			for n, j := range extra {
				if j < len(rrow) {
					row[len(left.Columns)+n] = rrow[j]
				}
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func combine(width int, left, right []string, rightPos []int) []string {
	row := make([]string, width)
	copy(row, left)
	for j, v := range right {
		if j >= len(rightPos) {
			break
		}
		if p := rightPos[j]; row[p] == "" {
			row[p] = v
		}
	}
	return row
}

func keyIndexes(t *Table, keys []string) ([]int, error) {
	idx := make([]int, len(keys))
	for i, k := range keys {
		idx[i] = t.Index(k)
		if idx[i] < 0 {
			return nil, fmt.Errorf("merge key %q not found", k)
		}
	}
	return idx, nil
}

func compositeKey(row []string, idx []int) string {
	parts := make([]string, len(idx))
	for i, j := range idx {
		if j < len(row) {
			parts[i] = row[j]
		}
	}
	return strings.Join(parts, "\x1f")
}
