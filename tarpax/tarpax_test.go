package tarpax

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShortRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteDirectory("a/", 0755, 0, 0, 0, "root", "root"))
	require.NoError(t, w.BeginFile("a/b.txt", 13, 0644, 0, 0, 0, "root", "root"))
	n, err := w.WriteContent([]byte("hello, world!"))
	require.NoError(t, err)
	require.Equal(t, 13, n)
	require.NoError(t, w.FinalizeEntry())
	require.NoError(t, w.Finalize())

	r := NewReader(bytes.NewReader(buf.Bytes()))

	h1, err := r.NextHeader()
	require.NoError(t, err)
	require.Equal(t, "a/", h1.Name)
	require.Equal(t, TypeDirectory, h1.Typeflag)

	h2, err := r.NextHeader()
	require.NoError(t, err)
	require.Equal(t, "a/b.txt", h2.Name)
	require.Equal(t, int64(13), h2.Size)

	content := make([]byte, 13)
	total := 0
	for total < 13 {
		n, err := r.ReadContent(content[total:])
		require.NoError(t, err)
		if n == 0 {
			break
		}
		total += n
	}
	require.Equal(t, "hello, world!", string(content[:total]))

	_, err = r.NextHeader()
	require.ErrorIs(t, err, io.EOF)
}

func TestChecksumInvariant(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteDirectory("dir/", 0755, 1, 2, 100, "u", "g"))
	require.NoError(t, w.Finalize())

	block := buf.Bytes()[:blockSize]
	var arr [blockSize]byte
	copy(arr[:], block)

	stored, err := parseOctalOrBase256(arr[offChksum : offChksum+lenChksum])
	require.NoError(t, err)
	require.Equal(t, checksum(&arr), stored)
}

func TestPAXLengthFixpoint(t *testing.T) {
	rec := MakeRecord("path", strings.Repeat("x", 97)+"/y")
	sp := strings.IndexByte(rec, ' ')
	require.Greater(t, sp, 0)
	require.Equal(t, len(rec), atoiMust(t, rec[:sp]))
	require.Equal(t, byte('\n'), rec[len(rec)-1])
}

func atoiMust(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		require.True(t, c >= '0' && c <= '9')
		n = n*10 + int(c-'0')
	}
	return n
}

func TestPAXRoundTrip(t *testing.T) {
	data := MakeRecord("path", "foo/bar") + MakeRecord("uid", "1000")
	records, err := ParseRecords([]byte(data))
	require.NoError(t, err)
	require.Equal(t, "foo/bar", records["path"])
	require.Equal(t, "1000", records["uid"])
}

func TestLongPathPAXEmission(t *testing.T) {
	// No '/' leaves a name of at most 100 bytes, so no ustar split exists.
	longPath := strings.Repeat("x", 101) + "/" + strings.Repeat("y", 101)
	require.Greater(t, len(longPath), 100)

	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteSymlink(longPath, "target", 0777, 0, 0, 0, "root", "root"))
	require.NoError(t, w.Finalize())
	require.Equal(t, byte(TypePAXRecord), buf.Bytes()[offTypeflag])

	r := NewReader(bytes.NewReader(buf.Bytes()))
	h, err := r.NextHeader()
	require.NoError(t, err)
	require.Equal(t, longPath, h.Name)
	require.Equal(t, TypeSymlink, h.Typeflag)
	require.Equal(t, "target", h.Linkname)
}

func TestSizeMismatchOnFinalize(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.BeginFile("f", 10, 0644, 0, 0, 0, "root", "root"))
	_, err := w.WriteContent([]byte("short"))
	require.NoError(t, err)
	err = w.FinalizeEntry()
	require.Error(t, err)
}

func TestWriteContentWithoutBeginFails(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	_, err := w.WriteContent([]byte("x"))
	require.Error(t, err)
}
