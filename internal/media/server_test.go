package media

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "postpilot/pkg/logx"
)

func serveTest(t *testing.T, s *Server, path string) *http.Response {
	t.Helper()
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Result()
}

func TestServerServesStoredRef(t *testing.T) {
	st := newTestStore(t, Config{})
	srv := NewServer(st, ":0", logx.Nop())

	ref, err := st.Save("clip.mp4", strings.NewReader("video bytes"))
	require.NoError(t, err)

	resp := serveTest(t, srv, "/"+ref)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "video bytes", string(b))
}

func TestServerNeverListsDirectory(t *testing.T) {
	root := t.TempDir()
	st := newTestStore(t, Config{Root: root})
	srv := NewServer(st, ":0", logx.Nop())

	_, err := st.Save("clip.mp4", strings.NewReader("x"))
	require.NoError(t, err)

	// The root itself and anything that is not an exact ref stay invisible.
	resp := serveTest(t, srv, "/")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	resp = serveTest(t, srv, "/sub")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerRejectsUnknownAndNestedPaths(t *testing.T) {
	st := newTestStore(t, Config{})
	srv := NewServer(st, ":0", logx.Nop())

	resp := serveTest(t, srv, "/missing.mp4")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = serveTest(t, srv, "/a/b.mp4")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
