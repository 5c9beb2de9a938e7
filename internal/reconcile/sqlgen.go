package reconcile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aristath/stocketl/internal/errkind"
)

// SQL generation targets the SQLite dialect of the warehouse. Every function
// here is pure.

// QuoteIdent quotes an identifier for use in generated SQL.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// sqlType maps a logical type to a storage class.
func sqlType(logical string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(logical)) {
	case TypeString:
		return "TEXT", nil
	case TypeFloat, "FLOAT64", "REAL":
		return "REAL", nil
	case TypeInteger, TypeInt, "INT64":
		return "INTEGER", nil
	case TypeDate:
		return "TEXT", nil
	default:
		return "", errkind.Configurationf("unknown column type %q", logical)
	}
}

// castExpr converts column to a logical type. Dates are normalized to
// YYYY-MM-DD text.
func castExpr(column, logical string) (string, error) {
	if strings.EqualFold(logical, TypeDate) {
		return "date(" + QuoteIdent(column) + ")", nil
	}
	t, err := sqlType(logical)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CAST(%s AS %s)", QuoteIdent(column), t), nil
}

// ExternalTableDDL returns the CREATE TABLE statement backing an external
// table snapshot.
func ExternalTableDDL(spec ExternalTableSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	cols := spec.Columns()
	defs := make([]string, len(cols))
	for i, f := range cols {
		t, _ := sqlType(f.Type)
		defs[i] = QuoteIdent(f.Name) + " " + t
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", QuoteIdent(spec.TableName), strings.Join(defs, ", ")), nil
}

// MaterializeSQL returns the query that builds spec's table.
func MaterializeSQL(spec MaterializationSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	casts := make(map[string]CastRule, len(spec.CastRules))
	for _, r := range spec.CastRules {
		casts[r.Column] = r
	}

	exprs := make([]string, 0, len(spec.Columns)+len(spec.CastRules))
	used := make(map[string]bool)
	for _, c := range spec.Columns {
		r, ok := casts[c]
		if !ok {
			exprs = append(exprs, QuoteIdent(c))
			continue
		}
		e, err := castExpr(r.Column, r.Type)
		if err != nil {
			return "", err
		}
		exprs = append(exprs, e+" AS "+QuoteIdent(r.alias()))
		used[c] = true
	}
	for _, r := range spec.CastRules {
		if used[r.Column] {
			continue
		}
		e, err := castExpr(r.Column, r.Type)
		if err != nil {
			return "", err
		}
		exprs = append(exprs, e+" AS "+QuoteIdent(r.alias()))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(exprs, ", "))
	b.WriteString(" FROM ")
	b.WriteString(QuoteIdent(spec.SourceTable))
	if p := strings.TrimSpace(spec.SelectionPredicate); p != "" {
		b.WriteString(" WHERE ")
		b.WriteString(p)
	}
	return b.String(), nil
}

// ViewSQL returns the query that defines spec's view.
func ViewSQL(spec ViewSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	exprs := make([]string, len(spec.Select))
	for i, e := range spec.Select {
		exprs[i] = strings.TrimSpace(e.Expr)
		if e.Alias != "" {
			exprs[i] += " AS " + QuoteIdent(e.Alias)
		}
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(exprs, ", "))
	b.WriteString(" FROM ")
	b.WriteString(QuoteIdent(spec.Source))
	if w := strings.TrimSpace(spec.Where); w != "" {
		b.WriteString(" WHERE ")
		b.WriteString(w)
	}
	if len(spec.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(spec.GroupBy, ", "))
	}
	if len(spec.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(spec.OrderBy, ", "))
	}
	if spec.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(spec.Limit))
	}
	return b.String(), nil
}
