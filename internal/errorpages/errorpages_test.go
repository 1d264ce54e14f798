package errorpages

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEmbeddedTemplate(t *testing.T) {
	t.Setenv("HOP_ERROR_PAGES_DIR", t.TempDir())

	rec := httptest.NewRecorder()
	Render(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusBadGateway)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Bad Gateway")
}

func TestRenderFallbackPlainText(t *testing.T) {
	t.Setenv("HOP_ERROR_PAGES_DIR", t.TempDir())

	rec := httptest.NewRecorder()
	Render(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusTeapot)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "418 I'm a teapot", rec.Body.String())
}

func TestLoadPrefersExternalDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "502.html"), []byte("custom"), 0o644))
	t.Setenv("HOP_ERROR_PAGES_DIR", dir)

	data, ok := Load(http.StatusBadGateway)
	require.True(t, ok)
	assert.Equal(t, "custom", string(data))
}

func TestWriteRawIsParseableResponse(t *testing.T) {
	t.Setenv("HOP_ERROR_PAGES_DIR", t.TempDir())

	var buf bytes.Buffer
	require.NoError(t, WriteRaw(&buf, StatusTLSHandshakeFailed))

	resp, err := http.ReadResponse(bufio.NewReader(&buf), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, StatusTLSHandshakeFailed, resp.StatusCode)
	assert.True(t, resp.Close)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Relay Handshake Failed")
}

func TestAssetsHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	AssetsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, AssetsPrefix+"errors.css", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ".card")
}
