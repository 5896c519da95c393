package pack

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripScalars(t *testing.T) {
	w := NewWriter()
	w.WriteUInt(42)
	w.WriteInt(-7)
	w.WriteBool(true)
	w.WriteString("hello")
	w.WriteBinary([]byte{0xde, 0xad, 0xbe, 0xef})

	r := NewReader(w.Bytes())

	f, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, TypeUInt, f.Type)
	u, err := r.ReadUInt()
	require.NoError(t, err)
	require.Equal(t, uint64(42), u)

	f, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, TypeInt, f.Type)
	i, err := r.ReadInt()
	require.NoError(t, err)
	require.Equal(t, int64(-7), i)

	f, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, TypeBool, f.Type)
	b, err := r.ReadBool()
	require.NoError(t, err)
	require.True(t, b)

	f, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, TypeString, f.Type)
	s, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	f, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, TypeBinary, f.Type)
	bin, err := r.ReadBinary()
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, bin)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestPositionalTagsIncrementByOne(t *testing.T) {
	w := NewWriter()
	w.WriteUInt(1)
	w.WriteUInt(2)
	w.WriteUInt(3)

	r := NewReader(w.Bytes())
	for want := uint64(0); want < 3; want++ {
		f, err := r.Next()
		require.NoError(t, err)
		require.Equal(t, want, f.ID)
		_, err = r.ReadUInt()
		require.NoError(t, err)
	}
}

func TestExplicitTagIDsSkipGaps(t *testing.T) {
	w := NewWriter()
	w.WriteUIntID(0, 10)
	w.WriteUIntID(5, 20) // a gap: fields 1-4 not present

	r := NewReader(w.Bytes())
	f, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(0), f.ID)
	_, _ = r.ReadUInt()

	f, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(5), f.ID)
	v, err := r.ReadUInt()
	require.NoError(t, err)
	require.Equal(t, uint64(20), v)
}

func TestUnknownTagIsSkippable(t *testing.T) {
	w := NewWriter()
	w.WriteString("known-before")
	w.WriteUIntID(99, 123) // pretend this tag is unknown to the reader
	w.WriteString("known-after")

	r := NewReader(w.Bytes())

	f, err := r.Next()
	require.NoError(t, err)
	s, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "known-before", s)

	f, err = r.Next()
	require.NoError(t, err)
	require.NoError(t, r.Skip(f.Type))

	f, err = r.Next()
	require.NoError(t, err)
	s, err = r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "known-after", s)
}

func TestNestedArrayRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteString("outer")
	w.BeginArray()
	w.WriteUInt(1)
	w.WriteUInt(2)
	w.EndArray()
	w.WriteString("after")

	r := NewReader(w.Bytes())

	f, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, TypeString, f.Type)
	s, _ := r.ReadString()
	require.Equal(t, "outer", s)

	f, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, TypeArray, f.Type)
	require.NoError(t, r.BeginArray())

	f, err = r.Next()
	require.NoError(t, err)
	v1, _ := r.ReadUInt()
	require.Equal(t, uint64(1), v1)

	f, err = r.Next()
	require.NoError(t, err)
	v2, _ := r.ReadUInt()
	require.Equal(t, uint64(2), v2)

	f, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, TypeEnd, f.Type)

	f, err = r.Next()
	require.NoError(t, err)
	s, _ = r.ReadString()
	require.Equal(t, "after", s)
}

func TestSkipArraySkipsNestedContent(t *testing.T) {
	w := NewWriter()
	w.BeginArray()
	w.WriteUInt(1)
	w.BeginArray()
	w.WriteString("deep")
	w.EndArray()
	w.EndArray()
	w.WriteString("after")

	r := NewReader(w.Bytes())
	f, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, TypeArray, f.Type)
	require.NoError(t, r.Skip(f.Type))

	f, err = r.Next()
	require.NoError(t, err)
	s, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "after", s)
}
