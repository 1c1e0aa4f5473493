package downloader

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTarGz(t *testing.T, tarPath string, files map[string]string) {
	f, err := os.Create(tarPath)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err = tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
}

func TestUntar(t *testing.T) {
	baseDir := t.TempDir()
	tarPath := filepath.Join(baseDir, "data.tar.gz")
	writeTarGz(t, tarPath, map[string]string{
		"data/a.bin":     "hello",
		"data/sub/b.bin": "world",
	})

	require.NoError(t, Untar(baseDir, tarPath))
	got, err := os.ReadFile(filepath.Join(baseDir, "data", "a.bin"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
	got, err = os.ReadFile(filepath.Join(baseDir, "data", "sub", "b.bin"))
	require.NoError(t, err)
	require.Equal(t, "world", string(got))
}

func TestUntarRejectsEscapingPaths(t *testing.T) {
	baseDir := t.TempDir()
	tarPath := filepath.Join(baseDir, "evil.tar.gz")
	writeTarGz(t, tarPath, map[string]string{
		"../escape.bin": "nope",
	})
	require.Error(t, Untar(baseDir, tarPath))
	_, err := os.Stat(filepath.Join(filepath.Dir(baseDir), "escape.bin"))
	require.True(t, os.IsNotExist(err))
}
