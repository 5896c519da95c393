package uri

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeIdentityAllBytes(t *testing.T) {
	var all []byte
	for b := 0; b < 256; b++ {
		all = append(all, byte(b))
	}
	s := string(all)

	encoded := Encode(s, ModeStrict)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, s, decoded)
}

func TestPathModeLeavesSlashUnescaped(t *testing.T) {
	encoded := Encode("a/b c", ModePath)
	require.Equal(t, "a/b%20c", encoded)
}

func TestStrictModeEscapesSlash(t *testing.T) {
	encoded := Encode("a/b", ModeStrict)
	require.Equal(t, "a%2Fb", encoded)
}

func TestQueryRendersSortedAscending(t *testing.T) {
	q := NewQuery()
	require.NoError(t, q.Add("list-type", "2"))
	require.NoError(t, q.Add("prefix", "backup/"))
	require.NoError(t, q.Add("delimiter", "/"))

	require.Equal(t, "delimiter=%2F&list-type=2&prefix=backup%2F", q.Render())
}

func TestQueryAddDuplicateIsError(t *testing.T) {
	q := NewQuery()
	require.NoError(t, q.Add("k", "v1"))
	require.Error(t, q.Add("k", "v2"))
}

func TestQueryPutOverwrites(t *testing.T) {
	q := NewQuery()
	q.Put("k", "v1")
	q.Put("k", "v2")
	v, ok := q.Get("k")
	require.True(t, ok)
	require.Equal(t, "v2", v)
}
