package reconcile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aristath/stocketl/internal/errkind"
)

// Logical column types understood by the analytical store.
const (
	TypeString  = "STRING"
	TypeFloat   = "FLOAT"
	TypeInteger = "INTEGER"
	TypeInt     = "INT"
	TypeDate    = "DATE"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Field is one column of an external table schema.
type Field struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// ExternalTableSpec declares a table whose data lives in the object store.
// SourceURIPattern may use * to match any sequence of characters, including
// path separators. Path segments of the form key=value below
// PartitionURIPrefix become STRING columns for every key in PartitionKeys.
type ExternalTableSpec struct {
	TableName          string   `json:"table_name" yaml:"table_name"`
	SourceURIPattern   string   `json:"source_uri_pattern" yaml:"source_uri_pattern"`
	Schema             []Field  `json:"schema" yaml:"schema"`
	PartitionKeys      []string `json:"partition_keys,omitempty" yaml:"partition_keys,omitempty"`
	PartitionURIPrefix string   `json:"partition_uri_prefix,omitempty" yaml:"partition_uri_prefix,omitempty"`
}

// Columns returns the schema columns followed by the partition keys.
func (s ExternalTableSpec) Columns() []Field {
	out := make([]Field, 0, len(s.Schema)+len(s.PartitionKeys))
	out = append(out, s.Schema...)
	for _, k := range s.PartitionKeys {
		out = append(out, Field{Name: k, Type: TypeString})
	}
	return out
}

// Validate checks the spec is complete and uses known types.
func (s ExternalTableSpec) Validate() error {
	if err := validIdent("table name", s.TableName); err != nil {
		return err
	}
	if s.SourceURIPattern == "" {
		return errkind.Configurationf("external table %s has no source uri pattern", s.TableName)
	}
	if len(s.Schema) == 0 {
		return errkind.Configurationf("external table %s has an empty schema", s.TableName)
	}
	seen := make(map[string]bool)
	for _, f := range s.Columns() {
		if err := validIdent("column", f.Name); err != nil {
			return err
		}
		if _, err := sqlType(f.Type); err != nil {
			return err
		}
		key := strings.ToLower(f.Name)
		if seen[key] {
			return errkind.Configurationf("external table %s declares column %s twice", s.TableName, f.Name)
		}
		seen[key] = true
	}
	if len(s.PartitionKeys) > 0 && s.PartitionURIPrefix == "" {
		return errkind.Configurationf("external table %s has partition keys but no partition prefix", s.TableName)
	}
	return nil
}

// CastRule converts Column to Type in a materialization, exposed as Alias
// (Column when empty).
type CastRule struct {
	Column string `json:"column" yaml:"column"`
	Type   string `json:"type" yaml:"type"`
	Alias  string `json:"alias,omitempty" yaml:"alias,omitempty"`
}

func (c CastRule) alias() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.Column
}

// MaterializationSpec declares a physical table built from a query over
// SourceTable. A cast rule for a column in Columns replaces it in place;
// other cast rules are appended.
type MaterializationSpec struct {
	TableName          string     `json:"table_name" yaml:"table_name"`
	SourceTable        string     `json:"source_table" yaml:"source_table"`
	Columns            []string   `json:"columns" yaml:"columns"`
	SelectionPredicate string     `json:"selection_predicate,omitempty" yaml:"selection_predicate,omitempty"`
	CastRules          []CastRule `json:"cast_rules,omitempty" yaml:"cast_rules,omitempty"`
}

// Validate checks the spec references valid identifiers and types.
func (s MaterializationSpec) Validate() error {
	if err := validIdent("table name", s.TableName); err != nil {
		return err
	}
	if err := validIdent("source table", s.SourceTable); err != nil {
		return err
	}
	if len(s.Columns) == 0 && len(s.CastRules) == 0 {
		return errkind.Configurationf("materialization %s selects no columns", s.TableName)
	}
	for _, c := range s.Columns {
		if err := validIdent("column", c); err != nil {
			return err
		}
	}
	for _, r := range s.CastRules {
		if err := validIdent("column", r.Column); err != nil {
			return err
		}
		if err := validIdent("alias", r.alias()); err != nil {
			return err
		}
		if _, err := sqlType(r.Type); err != nil {
			return err
		}
	}
	return nil
}

// SelectExpr is one output column of a view.
type SelectExpr struct {
	Expr  string `json:"expr" yaml:"expr"`
	Alias string `json:"alias,omitempty" yaml:"alias,omitempty"`
}

// ViewSpec declares a logical view. Expressions are SQL fragments in the
// store's dialect.
type ViewSpec struct {
	Name    string       `json:"name" yaml:"name"`
	Source  string       `json:"source" yaml:"source"`
	Select  []SelectExpr `json:"select" yaml:"select"`
	Where   string       `json:"where,omitempty" yaml:"where,omitempty"`
	GroupBy []string     `json:"group_by,omitempty" yaml:"group_by,omitempty"`
	OrderBy []string     `json:"order_by,omitempty" yaml:"order_by,omitempty"`
	Limit   int          `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// Validate checks the view has a name, a source and at least one column.
func (s ViewSpec) Validate() error {
	if err := validIdent("view name", s.Name); err != nil {
		return err
	}
	if err := validIdent("view source", s.Source); err != nil {
		return err
	}
	if len(s.Select) == 0 {
		return errkind.Configurationf("view %s selects no columns", s.Name)
	}
	for _, e := range s.Select {
		if strings.TrimSpace(e.Expr) == "" {
			return errkind.Configurationf("view %s has an empty select expression", s.Name)
		}
		if e.Alias != "" {
			if err := validIdent("alias", e.Alias); err != nil {
				return err
			}
		}
	}
	if s.Limit < 0 {
		return errkind.Configurationf("view %s has a negative limit", s.Name)
	}
	return nil
}

func validIdent(what, name string) error {
	if !identRe.MatchString(name) {
		return errkind.Configuration(fmt.Errorf("invalid %s %q", what, name))
	}
	return nil
}
