package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func readTarEntries(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	gz, err := gzip.NewReader(r)
	require.NoError(t, err)
	defer gz.Close()

	tr := tar.NewReader(gz)
	out := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(data)
	}
	return out
}

func TestWriteEntriesAndRoots(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTempFile(t, dir, "config.yaml", "key: value")
	uploadsDir := filepath.Join(dir, "uploads")
	writeTempFile(t, uploadsDir, "sub/file1.txt", "alpha")
	writeTempFile(t, uploadsDir, "file2.txt", "beta")

	var buf bytes.Buffer
	err := Write(&buf,
		[]Entry{{LogicalPath: "config/config.yaml", SourcePath: configPath}},
		[]Root{{Prefix: "uploads", SourceDir: uploadsDir}},
	)
	require.NoError(t, err)

	entries := readTarEntries(t, &buf)
	assert.Equal(t, "key: value", entries["config/config.yaml"])
	assert.Equal(t, "alpha", entries["uploads/sub/file1.txt"])
	assert.Equal(t, "beta", entries["uploads/file2.txt"])
}

func TestWriteMissingFileFails(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, []Entry{{LogicalPath: "missing.txt", SourcePath: "/no/such/path"}}, nil)
	require.Error(t, err)
}

func TestWriteSkipsMissingRoot(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, nil, []Root{{Prefix: "absent", SourceDir: filepath.Join(t.TempDir(), "does-not-exist")}})
	require.NoError(t, err)

	entries := readTarEntries(t, &buf)
	assert.Empty(t, entries)
}

func TestExtractTarGzRoundTrips(t *testing.T) {
	dir := t.TempDir()
	srcFile := writeTempFile(t, dir, "payload.txt", "hello-extract")

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []Entry{{LogicalPath: "nested/payload.txt", SourcePath: srcFile}}, nil))

	destDir := t.TempDir()
	require.NoError(t, ExtractTarGz(buf.Bytes(), destDir))

	data, err := os.ReadFile(filepath.Join(destDir, "nested", "payload.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello-extract", string(data))
}

func TestExtractTarGzRejectsPathTraversal(t *testing.T) {
	var tarBuf bytes.Buffer
	gz := gzip.NewWriter(&tarBuf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Size: 4, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	err = ExtractTarGz(tarBuf.Bytes(), t.TempDir())
	require.Error(t, err)
}

func TestPipeReaderProducesSameStream(t *testing.T) {
	dir := t.TempDir()
	filePath := writeTempFile(t, dir, "file.txt", "piped-content")

	rc := PipeReader([]Entry{{LogicalPath: "file.txt", SourcePath: filePath}}, nil)
	defer rc.Close()

	entries := readTarEntries(t, rc)
	assert.Equal(t, "piped-content", entries["file.txt"])
}
