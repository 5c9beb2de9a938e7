package source

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/stocketl/internal/errkind"
)

func zipped(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestSimFin_DownloadAndCache(t *testing.T) {
	archive := zipped(t, "us-income-annual.csv", "Ticker;Report Date;Revenue\nAAPL;2021-09-30;100\n")
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "api-key abc-123", r.Header.Get("Authorization"))
		assert.Equal(t, "income", r.URL.Query().Get("dataset"))
		assert.Equal(t, "annual", r.URL.Query().Get("variant"))
		assert.Equal(t, "us", r.URL.Query().Get("market"))
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	s, err := NewSimFin(SimFinConfig{
		APIKey:      " \"abc-123\"\n",
		BaseURL:     srv.URL,
		DataDir:     t.TempDir(),
		RefreshDays: 30,
	}, nil)
	require.NoError(t, err)

	ds := Dataset{Name: "income", Variant: "annual", Market: "us"}
	for i := 0; i < 2; i++ {
		tbl, err := s.Load(context.Background(), ds)
		require.NoError(t, err)
		assert.Equal(t, []string{"Ticker", "Report Date", "Revenue"}, tbl.Columns)
		assert.Equal(t, "AAPL", tbl.Value(0, "Ticker"))
	}
	assert.Equal(t, int32(1), hits.Load(), "second load should come from the cache")
}

func TestSimFin_NoRefreshAlwaysDownloads(t *testing.T) {
	archive := zipped(t, "us-companies.csv", "Ticker;Company Name\nAAPL;Apple\n")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Empty(t, r.URL.Query().Get("variant"))
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	s, err := NewSimFin(SimFinConfig{APIKey: "k", BaseURL: srv.URL, DataDir: t.TempDir()}, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := s.Load(context.Background(), Dataset{Name: "companies", Market: "us"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestSimFin_StatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantKind      error
		wantSentinel  error
		wantRetryable bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantKind: errkind.ErrConfiguration, wantSentinel: ErrAuthentication},
		{name: "forbidden", status: http.StatusForbidden, wantKind: errkind.ErrConfiguration, wantSentinel: ErrAuthentication},
		{name: "not found", status: http.StatusNotFound, wantKind: errkind.ErrConfiguration, wantSentinel: ErrNotFound},
		{name: "rate limited", status: http.StatusTooManyRequests, wantKind: errkind.ErrTransientIO, wantSentinel: ErrRateLimit, wantRetryable: true},
		{name: "server error", status: http.StatusBadGateway, wantKind: errkind.ErrTransientIO, wantRetryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			s, err := NewSimFin(SimFinConfig{APIKey: "k", BaseURL: srv.URL, DataDir: t.TempDir()}, nil)
			require.NoError(t, err)

			_, err = s.Load(context.Background(), Dataset{Name: "balance", Variant: "annual", Market: "us"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantKind)
			if tt.wantSentinel != nil {
				assert.ErrorIs(t, err, tt.wantSentinel)
			}
			assert.Equal(t, tt.wantRetryable, errkind.IsRetryable(err))
		})
	}
}

func TestSimFin_CorruptArchiveIsDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not a zip"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	s, err := NewSimFin(SimFinConfig{APIKey: "k", BaseURL: srv.URL, DataDir: dir, RefreshDays: 30}, nil)
	require.NoError(t, err)

	ds := Dataset{Name: "shareprices", Variant: "daily", Market: "us"}
	_, err = s.Load(context.Background(), ds)
	require.Error(t, err)
	assert.True(t, errkind.IsTransient(err))

	_, statErr := os.Stat(filepath.Join(dir, "us-shareprices-daily.zip"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestNewSimFin_MissingKey(t *testing.T) {
	_, err := NewSimFin(SimFinConfig{APIKey: "  \"\" "}, nil)
	assert.ErrorIs(t, err, errkind.ErrConfiguration)
}

func TestFixtureSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "us-shareprices-daily.csv"), []byte("Ticker;Date;Close\nAAPL;2021-01-04;129.41\n"), 0o644))

	s := &FixtureSource{Dir: dir}
	tbl, err := s.Load(context.Background(), Dataset{Name: "shareprices", Variant: "daily", Market: "us"})
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())

	_, err = s.Load(context.Background(), Dataset{Name: "income", Variant: "annual", Market: "us"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, errkind.ErrConfiguration)
}

func TestCleanAPIKey(t *testing.T) {
	assert.Equal(t, "abc-DEF-123", CleanAPIKey(" 'abc-DEF-123'\r\n"))
}
