package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "postpilot/pkg/logx"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	s, err := NewStore(cfg, logx.Nop())
	require.NoError(t, err)
	return s
}

func TestSaveAndPath(t *testing.T) {
	s := newTestStore(t, Config{})

	ref, err := s.Save("My Reel.MP4", strings.NewReader("video bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ref, ".mp4"))
	// The original name never leaks into the ref.
	assert.NotContains(t, ref, "Reel")

	p, err := s.Path(ref)
	require.NoError(t, err)
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "video bytes", string(b))
}

func TestSaveRejectsFormat(t *testing.T) {
	s := newTestStore(t, Config{Formats: []string{"mp4"}})

	_, err := s.Save("notes.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrBadFormat)

	_, err = s.Save("no-extension", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestSaveRejectsOversize(t *testing.T) {
	root := t.TempDir()
	s := newTestStore(t, Config{Root: root, MaxSizeBytes: 10})

	_, err := s.Save("big.mp4", strings.NewReader("0123456789A"))
	assert.ErrorIs(t, err, ErrTooLarge)

	// The partial write is cleaned up.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Exactly at the cap is fine.
	ref, err := s.Save("fits.mp4", strings.NewReader("0123456789"))
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
}

func TestURL(t *testing.T) {
	s := newTestStore(t, Config{PublicBaseURL: "https://media.example.com/files/"})

	ref, err := s.Save("clip.mp4", strings.NewReader("x"))
	require.NoError(t, err)

	u, err := s.URL(ref)
	require.NoError(t, err)
	assert.Equal(t, "https://media.example.com/files/"+ref, u)

	_, err = s.URL("missing.mp4")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestURLRequiresBase(t *testing.T) {
	s := newTestStore(t, Config{})
	ref, err := s.Save("clip.mp4", strings.NewReader("x"))
	require.NoError(t, err)

	_, err = s.URL(ref)
	assert.Error(t, err)
}

func TestRemove(t *testing.T) {
	s := newTestStore(t, Config{})

	ref, err := s.Save("clip.mp4", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, s.Remove(ref))
	_, err = s.Path(ref)
	assert.ErrorIs(t, err, ErrNotFound)

	// Absent refs are a no-op.
	require.NoError(t, s.Remove(ref))
}

func TestPathStripsDirectories(t *testing.T) {
	s := newTestStore(t, Config{})

	ref, err := s.Save("clip.mp4", strings.NewReader("x"))
	require.NoError(t, err)

	p, err := s.Path("../../" + ref)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(ref), filepath.Base(p))
	assert.NotContains(t, p, "..")
}
