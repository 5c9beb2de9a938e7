// Package source loads market datasets from the data provider.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"go.trai.ch/zerr"

	"github.com/aristath/stocketl/internal/errkind"
	"github.com/aristath/stocketl/internal/table"
)

// Failure kinds reported by sources.
var (
	ErrAuthentication = zerr.New("provider rejected credentials")
	ErrNotFound       = zerr.New("dataset not found")
	ErrRateLimit      = zerr.New("provider rate limit exceeded")
)

// Delimiter is the field separator of provider CSV files.
const Delimiter = ';'

// Dataset identifies one provider file.
type Dataset struct {
	Name    string // income, balance, cashflow, shareprices, companies
	Variant string // annual, quarterly, daily; empty for reference data
	Market  string // us, de, ...
}

// FileName returns the provider's file name for d, e.g. "us-income-annual.csv".
func (d Dataset) FileName() string {
	if d.Variant == "" {
		return fmt.Sprintf("%s-%s.csv", d.Market, d.Name)
	}
	return fmt.Sprintf("%s-%s-%s.csv", d.Market, d.Name, d.Variant)
}

func (d Dataset) String() string {
	return d.FileName()
}

// Source loads datasets.
type Source interface {
	Load(ctx context.Context, d Dataset) (*table.Table, error)
}

var keyChars = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// CleanAPIKey strips characters that cannot appear in a provider key, such
// as quotes and whitespace picked up from env files.
func CleanAPIKey(raw string) string {
	return keyChars.ReplaceAllString(raw, "")
}

// FixtureSource reads datasets from provider-formatted files in a directory.
type FixtureSource struct {
	Dir string
}

// Load reads <Dir>/<market>-<name>[-<variant>].csv.
func (s *FixtureSource) Load(ctx context.Context, d Dataset) (*table.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := filepath.Join(s.Dir, d.FileName())
	if _, err := os.Stat(p); err != nil {
		return nil, errkind.Configuration(zerr.With(zerr.Wrap(ErrNotFound, "fixture dataset"), "path", p))
	}
	t, err := table.ReadCSVFile(p, Delimiter)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", d, err)
	}
	return t, nil
}
