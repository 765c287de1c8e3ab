package in_toto

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileResolverRecordsSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, ioutil.WriteFile(path, []byte("contents"), 0644))

	r := fileResolver{}
	set, err := r.Resolve("a.txt", dir, nil, DefaultHashAlgorithms)
	require.NoError(t, err)
	require.Contains(t, set, "a.txt")
	assert.NotEmpty(t, set["a.txt"]["sha256"])
}

func TestFileResolverRespectsExcludes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.key")
	require.NoError(t, ioutil.WriteFile(path, []byte("s"), 0644))

	r := fileResolver{}
	set, err := r.Resolve("secret.key", dir, ExcludePatterns{"*.key"}, DefaultHashAlgorithms)
	require.NoError(t, err)
	assert.Empty(t, set)
}

// spec.md §4.4: a dir:// artifact resolves to a single composite digest
// over a sorted "path:algo:digest" listing of every file it contains, not
// one ArtifactSet entry per file.
func TestDirResolverWalksTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "top.txt"), []byte("top"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("nested"), 0644))

	r := dirResolver{}
	set, err := r.Resolve(".", dir, nil, DefaultHashAlgorithms)
	require.NoError(t, err)
	require.Contains(t, set, ".")
	assert.Len(t, set, 1)
	assert.NotEmpty(t, set["."]["sha256"])
}

func TestDirResolverDigestChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "top.txt"), []byte("top"), 0644))

	r := dirResolver{}
	before, err := r.Resolve(".", dir, nil, DefaultHashAlgorithms)
	require.NoError(t, err)

	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "top.txt"), []byte("changed"), 0644))
	after, err := r.Resolve(".", dir, nil, DefaultHashAlgorithms)
	require.NoError(t, err)

	assert.NotEqual(t, before["."]["sha256"], after["."]["sha256"])
}

func TestDirResolverDetectsSymlinkCycle(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(sub, 0755))
	loop := filepath.Join(sub, "loop")
	require.NoError(t, os.Symlink(dir, loop))

	r := dirResolver{}
	_, err := r.Resolve(".", dir, nil, DefaultHashAlgorithms)
	require.NoError(t, err)
}

func TestOstreeResolverStripsScheme(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "obj"), []byte("data"), 0644))

	r := ostreeResolver{}
	set, err := r.Resolve("ostree://.", dir, nil, DefaultHashAlgorithms)
	require.NoError(t, err)
	require.Contains(t, set, "ostree://.")
	assert.NotEmpty(t, set["ostree://."]["sha256"])
}

func TestHashFileNormalizesLineEndings(t *testing.T) {
	dirCRLF := t.TempDir()
	dirLF := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(dirCRLF, "f"), []byte("a\r\nb"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dirLF, "f"), []byte("a\nb"), 0644))

	d1, err := hashFile(filepath.Join(dirCRLF, "f"), DefaultHashAlgorithms)
	require.NoError(t, err)
	d2, err := hashFile(filepath.Join(dirLF, "f"), DefaultHashAlgorithms)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestResolverForUnknownScheme(t *testing.T) {
	_, ok := ResolverFor("s3")
	assert.False(t, ok)
}
