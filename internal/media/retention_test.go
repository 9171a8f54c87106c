package media

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func segmentCount(t *testing.T, dir string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.ts"))
	require.NoError(t, err)
	return len(matches)
}

func TestRetention_KeepsNewestSegments(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 8; i++ {
		path := filepath.Join(dir, fmt.Sprintf("segment_%03d.ts", i))
		require.NoError(t, os.WriteFile(path, []byte("ts"), 0o644))
		mod := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, os.Chtimes(path, mod, mod))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, PlaylistName), []byte("#EXTM3U"), 0o644))

	r, err := NewRetention(dir, 3, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 3, segmentCount(t, dir))
	for _, name := range []string{"segment_005.ts", "segment_006.ts", "segment_007.ts"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	assert.FileExists(t, filepath.Join(dir, PlaylistName))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_008.ts"), []byte("ts"), 0o644))
	assert.Eventually(t, func() bool {
		return segmentCount(t, dir) == 3
	}, 2*time.Second, 20*time.Millisecond)
	assert.FileExists(t, filepath.Join(dir, "segment_008.ts"))
}

func TestRetention_MissingDir(t *testing.T) {
	_, err := NewRetention(filepath.Join(t.TempDir(), "missing"), 3, zerolog.Nop())
	assert.Error(t, err)
}

func TestRetention_CloseIsIdempotent(t *testing.T) {
	r, err := NewRetention(t.TempDir(), 3, zerolog.Nop())
	require.NoError(t, err)
	r.Close()
	r.Close()
}
