package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func TestTarRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "manifest.json"), "[]")
	writeFile(t, filepath.Join(src, "aaa", "layer.tar"), "layer a")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "empty"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "bbb"), 0755))
	require.NoError(t, os.Symlink("../aaa/layer.tar", filepath.Join(src, "bbb", "layer.tar")))

	var buf bytes.Buffer
	require.NoError(t, WriteTar(&buf, src))

	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, ExtractTar(&buf, dst))

	data, err := os.ReadFile(filepath.Join(dst, "aaa", "layer.tar"))
	require.NoError(t, err)
	assert.Equal(t, "layer a", string(data))

	link, err := os.Readlink(filepath.Join(dst, "bbb", "layer.tar"))
	require.NoError(t, err)
	assert.Equal(t, "../aaa/layer.tar", link)

	info, err := os.Stat(filepath.Join(dst, "empty"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestExtractRejectsTraversal(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.Symlink("../../outside", filepath.Join(src, "evil")))

	var buf bytes.Buffer
	require.NoError(t, WriteTar(&buf, src))
	assert.Error(t, ExtractTar(&buf, t.TempDir()))
}

func TestPackUnpackToNewLocations(t *testing.T) {
	src := t.TempDir()
	dir := filepath.Join(src, "image")
	file := filepath.Join(src, "image-layers", "sha256_x", "layer.tar")
	writeFile(t, filepath.Join(dir, "manifest.json"), `[{"Config":"c.json"}]`)
	writeFile(t, filepath.Join(dir, "c.json"), `{}`)
	writeFile(t, file, "layer bytes")

	var buf bytes.Buffer
	require.NoError(t, Pack(&buf, []string{dir, file}))

	dst := t.TempDir()
	newDir := filepath.Join(dst, "restored")
	newFile := filepath.Join(dst, "layers", "layer.tar")
	require.NoError(t, Unpack(bytes.NewReader(buf.Bytes()), []string{newDir, newFile}))

	data, err := os.ReadFile(filepath.Join(newDir, "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, `[{"Config":"c.json"}]`, string(data))

	data, err = os.ReadFile(newFile)
	require.NoError(t, err)
	assert.Equal(t, "layer bytes", string(data))
}

func TestUnpackRejectsUnknownIndex(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a"), "a")
	writeFile(t, filepath.Join(src, "b"), "b")

	var buf bytes.Buffer
	require.NoError(t, Pack(&buf, []string{filepath.Join(src, "a"), filepath.Join(src, "b")}))

	err := Unpack(bytes.NewReader(buf.Bytes()), []string{filepath.Join(t.TempDir(), "a")})
	assert.Error(t, err)
}

func TestPackMissingPath(t *testing.T) {
	var buf bytes.Buffer
	err := Pack(&buf, []string{filepath.Join(t.TempDir(), "nope")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}
