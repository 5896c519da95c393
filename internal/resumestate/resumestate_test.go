package resumestate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	p := Progress{BytesCopied: 4096, BlockMapOffset: 128, UpdatedAt: time.Unix(1750000000, 0)}
	require.NoError(t, s.Put("main", "20260101-000000F", "pg_data/base/1/16384", p))

	got, found, err := s.Get("main", "20260101-000000F", "pg_data/base/1/16384")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(4096), got.BytesCopied)
	assert.Equal(t, int64(128), got.BlockMapOffset)
}

func TestGetMissingFileNotFound(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.Get("main", "20260101-000000F", "pg_data/missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListReturnsAllFilesForStanzaAndLabel(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("main", "20260101-000000F", "a", Progress{BytesCopied: 1}))
	require.NoError(t, s.Put("main", "20260101-000000F", "b", Progress{BytesCopied: 2}))
	require.NoError(t, s.Put("main", "20260202-000000F", "c", Progress{BytesCopied: 3}))

	list, err := s.List("main", "20260101-000000F")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, int64(1), list["a"].BytesCopied)
	assert.Equal(t, int64(2), list["b"].BytesCopied)
}

func TestDeleteDropsOnlyThatBackupsRecords(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("main", "20260101-000000F", "a", Progress{BytesCopied: 1}))
	require.NoError(t, s.Put("main", "20260202-000000F", "b", Progress{BytesCopied: 2}))

	require.NoError(t, s.Delete("main", "20260101-000000F"))

	list, err := s.List("main", "20260101-000000F")
	require.NoError(t, err)
	assert.Empty(t, list)

	other, err := s.List("main", "20260202-000000F")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestDeleteOnAbsentBucketIsNoop(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Delete("main", "never-existed"))
}
