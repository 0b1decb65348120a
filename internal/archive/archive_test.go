package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestExtractAll(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "ettevotja_rekvisiidid__yldandmed.json.zip")
	writeZip(t, archivePath, map[string]string{
		"ettevotja_rekvisiidid__yldandmed.json": `[{"ariregistri_kood": 501}]`,
	})

	scratch := filepath.Join(dir, "scratch")
	got := ExtractAll([]string{archivePath}, scratch)
	require.Len(t, got, 1)

	payload := got["ettevotja_rekvisiidid__yldandmed.json.zip"]
	require.NotEmpty(t, payload)
	body, err := os.ReadFile(payload)
	require.NoError(t, err)
	assert.Equal(t, `[{"ariregistri_kood": 501}]`, string(body))
}

func TestExtractAll_SkipsEmptyAndBrokenArchives(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.zip")
	writeZip(t, empty, nil)

	broken := filepath.Join(dir, "broken.zip")
	require.NoError(t, os.WriteFile(broken, []byte("not a zip"), 0o644))

	good := filepath.Join(dir, "good.zip")
	writeZip(t, good, map[string]string{"payload.csv": "a;b\n1;2\n"})

	got := ExtractAll([]string{empty, broken, good}, filepath.Join(dir, "scratch"))
	require.Len(t, got, 1, "only the usable archive yields a payload")
	assert.Contains(t, got, "good.zip")
}
