package objectstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/stocketl/internal/errkind"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "bucket"))
	require.NoError(t, err)
	return s
}

func TestPut_Idempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "fundamentals.csv")
	require.NoError(t, os.WriteFile(local, []byte("Ticker\nAAPL\n"), 0o644))

	first, err := s.Put(ctx, local, "raw/fundamentals/fundamentals.csv")
	require.NoError(t, err)
	assert.False(t, first.Skipped)
	assert.Equal(t, int64(12), first.Size)

	second, err := s.Put(ctx, local, "raw/fundamentals/fundamentals.csv")
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.Checksum, second.Checksum)

	// Changed content is rewritten
	require.NoError(t, os.WriteFile(local, []byte("Ticker\nMSFT\n"), 0o644))
	third, err := s.Put(ctx, local, "raw/fundamentals/fundamentals.csv")
	require.NoError(t, err)
	assert.False(t, third.Skipped)
	assert.NotEqual(t, first.Checksum, third.Checksum)

	rc, err := s.Open(ctx, "raw/fundamentals/fundamentals.csv")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "Ticker\nMSFT\n", string(body))
}

func TestListAndDeletePrefix(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, p := range []string{
		"transformed/prices/year=2021/month=02/part-00000.csv",
		"transformed/prices/year=2021/month=01/part-00000.csv",
		"transformed/fundamentals/year=2021/part-00000.csv",
	} {
		_, err := s.Write(ctx, p, strings.NewReader("x"))
		require.NoError(t, err)
	}

	objs, err := s.List(ctx, "transformed/prices")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "transformed/prices/year=2021/month=01/part-00000.csv", objs[0].Path)

	require.NoError(t, s.DeletePrefix(ctx, "transformed/prices"))
	objs, err = s.List(ctx, "transformed/prices")
	require.NoError(t, err)
	assert.Empty(t, objs)

	ok, err := s.Exists(ctx, "transformed/fundamentals/year=2021/part-00000.csv")
	require.NoError(t, err)
	assert.True(t, ok)

	// Deleting again is fine
	require.NoError(t, s.DeletePrefix(ctx, "transformed/prices"))
}

func TestOpenMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Open(context.Background(), "raw/none.csv")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(context.Background(), "raw/none.csv")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPathsStayInsideBucket(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	info, err := s.Write(ctx, "../../escape.csv", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "escape.csv", info.Path)
	_, err = os.Stat(filepath.Join(s.Root(), "escape.csv"))
	assert.NoError(t, err)

	_, err = s.Write(ctx, "/", strings.NewReader("x"))
	assert.ErrorIs(t, err, errkind.ErrConfiguration)
}
