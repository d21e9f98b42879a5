package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImagesIdempotentAndSorted(t *testing.T) {
	r := New()
	r.PutImage(Image{Digest: "bbb", Name: "zeta"})
	r.PutImage(Image{Digest: "aaa", Name: "alpha"})
	r.PutImage(Image{Digest: "bbb", Name: "zeta"}) // reload refreshes, no duplicate

	imgs := r.Images()
	require.Len(t, imgs, 2)
	assert.Equal(t, "alpha", imgs[0].Name)
	assert.Equal(t, "zeta", imgs[1].Name)
	assert.False(t, imgs[0].LoadedAt.IsZero())

	img, ok := r.Image("aaa")
	require.True(t, ok)
	assert.Equal(t, "alpha", img.Name)

	_, ok = r.Image("nope")
	assert.False(t, ok)
}

func TestInstancesNewestFirst(t *testing.T) {
	r := New()
	r.PutInstance(Instance{ID: "one", Name: "a", StartedAt: time.Now().Add(-time.Hour)})
	r.PutInstance(Instance{ID: "two", Name: "b"})

	insts := r.Instances()
	require.Len(t, insts, 2)
	assert.Equal(t, "two", insts[0].ID)

	r.DropInstance("two")
	assert.Len(t, r.Instances(), 1)

	s := r.Stats()
	assert.Equal(t, 0, s.Images)
	assert.Equal(t, 1, s.Instances)
}

func TestScannerMatchesManifests(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	for _, name := range []string{
		"a.manifest.yaml",
		"b.manifest.toml",
		"nested/c.manifest.json",
		"d.wasm",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	s := NewScanner(dir, "", nil)
	paths, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, filepath.Join(dir, "a.manifest.yaml"), paths[0])
	assert.Equal(t, filepath.Join(dir, "b.manifest.toml"), paths[1])
	assert.Equal(t, filepath.Join(dir, "nested", "c.manifest.json"), paths[2])
}

func TestScannerCustomPattern(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "top.manifest.yaml"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "deep.manifest.yaml"), []byte("x"), 0o644))

	s := NewScanner(dir, "*.manifest.yaml", nil)
	paths, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, filepath.Join(dir, "top.manifest.yaml"), paths[0])
}

func TestScannerMissingRoot(t *testing.T) {
	s := NewScanner(filepath.Join(t.TempDir(), "missing"), "", nil)
	paths, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, paths)
}
