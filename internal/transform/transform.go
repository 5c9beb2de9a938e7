// Package transform implements the jobs run on the compute cluster: they read
// raw datasets from the object store, derive metrics and write hive-style
// partitioned output back.
package transform

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/aristath/stocketl/internal/cluster"
	"github.com/aristath/stocketl/internal/errkind"
	"github.com/aristath/stocketl/internal/objectstore"
	"github.com/aristath/stocketl/internal/table"
)

// Job names understood by the cluster.
const (
	JobFundamentals = "fundamentals"
	JobPrices       = "prices"
)

// PartFile is the file name written inside each partition directory.
const PartFile = "part-00000.csv"

// RawPrefix is where the extract stage uploads dataset ds.
func RawPrefix(ds string) string {
	return path.Join("raw", ds)
}

// RawObject is the object the extract stage writes for dataset ds.
func RawObject(ds string) string {
	return path.Join(RawPrefix(ds), ds+".csv")
}

// TransformedPrefix is where the transform stage writes dataset ds.
func TransformedPrefix(ds string) string {
	return path.Join("transformed", ds)
}

// Jobs runs transform jobs against an object store.
type Jobs struct {
	Store     objectstore.Store
	Logger    *slog.Logger
	Quarterly bool // Fundamentals are quarterly and get a quarter partition
}

// Register makes every job available on c.
func (j *Jobs) Register(c *cluster.LocalCluster) {
	c.Register(JobFundamentals, j.Fundamentals)
	c.Register(JobPrices, j.Prices)
}

func (j *Jobs) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

// readRaw concatenates every raw CSV object of dataset ds.
func (j *Jobs) readRaw(ctx context.Context, ds string) (*table.Table, error) {
	objs, err := j.Store.List(ctx, RawPrefix(ds))
	if err != nil {
		return nil, err
	}

	var out *table.Table
	for _, obj := range objs {
		if !strings.HasSuffix(obj.Path, ".csv") {
			continue
		}
		t, err := readObject(ctx, j.Store, obj.Path)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = t
			continue
		}
		out.Rows = append(out.Rows, t.Select(out.Columns...).Rows...)
	}
	if out == nil {
		return nil, errkind.Configurationf("no raw objects under %s", RawPrefix(ds))
	}
	return out, nil
}

func readObject(ctx context.Context, store objectstore.Store, p string) (*table.Table, error) {
	rc, err := store.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	t, err := table.ReadCSV(rc, ',')
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return t, nil
}

// writePartitions replaces everything under prefix with one CSV object per
// partition. partitionOf returns the partition path of a row, or "" to drop it.
func writePartitions(ctx context.Context, store objectstore.Store, prefix string, t *table.Table, partitionOf func(i int) string) (int, error) {
	groups := make(map[string]*table.Table)
	for i := range t.Rows {
		p := partitionOf(i)
		if p == "" {
			continue
		}
		g, ok := groups[p]
		if !ok {
			g = table.New(t.Columns...)
			groups[p] = g
		}
		g.Rows = append(g.Rows, t.Rows[i])
	}

	if err := store.DeletePrefix(ctx, prefix); err != nil {
		return 0, err
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var buf bytes.Buffer
		if err := groups[k].WriteCSV(&buf); err != nil {
			return 0, err
		}
		if _, err := store.Write(ctx, path.Join(prefix, k, PartFile), &buf); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func formatFloat(v float64, ok bool) string {
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func ratio(num, den float64, numOK, denOK bool) (float64, bool) {
	if !numOK || !denOK || den == 0 {
		return 0, false
	}
	return num / den, true
}

// dateParts splits an ISO date (YYYY-MM-DD, optionally with a time part).
func dateParts(s string) (year, month int, ok bool) {
	s = strings.TrimSpace(s)
	if len(s) < 10 || s[4] != '-' || s[7] != '-' {
		return 0, 0, false
	}
	y, err := strconv.Atoi(s[:4])
	if err != nil {
		return 0, 0, false
	}
	m, err := strconv.Atoi(s[5:7])
	if err != nil || m < 1 || m > 12 {
		return 0, 0, false
	}
	return y, m, true
}
