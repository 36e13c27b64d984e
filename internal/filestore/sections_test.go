package filestore

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSpanFiles(t *testing.T, contents []string) []*os.File {
	t.Helper()
	dir := t.TempDir()
	files := make([]*os.File, len(contents))
	for i, s := range contents {
		name := filepath.Join(dir, "file"+strconv.Itoa(i))
		require.NoError(t, os.WriteFile(name, []byte(s), 0o600))
		f, err := os.OpenFile(name, os.O_RDWR, 0o600)
		require.NoError(t, err)
		t.Cleanup(func() { f.Close() })
		files[i] = f
	}
	return files
}

func fileContent(t *testing.T, f *os.File) string {
	t.Helper()
	fi, err := f.Stat()
	require.NoError(t, err)
	b := make([]byte, fi.Size())
	_, err = f.ReadAt(b, 0)
	require.NoError(t, err)
	return string(b)
}

func TestFileSpansReadFull(t *testing.T) {
	files := openSpanFiles(t, []string{"asdf", "a", "", "qwerty"})
	s := fileSpans{
		{file: files[0], off: 2, length: 2}, // "df"
		{file: files[1], off: 0, length: 1}, // "a"
		{file: files[2], off: 0, length: 0}, // ""
		{file: files[3], off: 0, length: 2}, // "qw"
	}

	buf := make([]byte, 5)
	require.NoError(t, s.readFull(buf))
	assert.Equal(t, "dfaqw", string(buf))
}

func TestFileSpansReadFullShortFile(t *testing.T) {
	files := openSpanFiles(t, []string{"ab"})
	s := fileSpans{{file: files[0], off: 0, length: 4}}

	buf := make([]byte, 4)
	assert.Error(t, s.readFull(buf))
}

func TestFileSpansWrite(t *testing.T) {
	files := openSpanFiles(t, []string{"asdf", "a", "", "qwerty"})
	s := fileSpans{
		{file: files[0], off: 2, length: 2},
		{file: files[1], off: 0, length: 1},
		{file: files[2], off: 0, length: 0},
		{file: files[3], off: 0, length: 2},
	}

	n, err := s.write([]byte("12345"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Equal(t, "as12", fileContent(t, files[0]))
	assert.Equal(t, "3", fileContent(t, files[1]))
	assert.Equal(t, "", fileContent(t, files[2]))
	assert.Equal(t, "45erty", fileContent(t, files[3]))
}
