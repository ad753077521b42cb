package reflector

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadPoolFile_SkipsHeaderAndMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reflectors.csv")
	content := "ip,note\n1.1.1.1,cloudflare\nnot-an-ip,bad\n8.8.8.8,google\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	pool, err := LoadPoolFile(testLogger(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Len())
}

func TestLoadPoolFile_AllEntriesMalformedIsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reflectors.csv")
	content := "ip\nnope\nnope2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadPoolFile(testLogger(), path)
	assert.Error(t, err)
}

func TestLoadPoolFile_MissingFile(t *testing.T) {
	_, err := LoadPoolFile(testLogger(), "/nonexistent/path.csv")
	assert.Error(t, err)
}

func TestPool_AllIsACopy(t *testing.T) {
	pool := NewPool(addrs("1.1.1.1", "8.8.8.8"))
	got := pool.All()
	got[0] = addrs("9.9.9.9")[0]
	assert.True(t, pool.All()[0] == addrs("1.1.1.1")[0])
}
