package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokeworks/fastboot/internal/config"
	"github.com/stokeworks/fastboot/internal/lifecycle"
	"github.com/stokeworks/fastboot/internal/logging"
	"github.com/stokeworks/fastboot/internal/render"
	"github.com/stokeworks/fastboot/internal/sandbox"
)

const testPackageJSON = `{
	"name": "demo",
	"fastboot": {
		"schemaVersion": 3,
		"appName": "demo",
		"manifest": {
			"appFiles": ["app.js"],
			"vendorFiles": [],
			"htmlFile": "index.html"
		},
		"hostWhitelist": ["example.com"]
	}
}`

const testAppJS = `function visitApplication(path, info, options) {
	document.body.innerHTML = "<h1>rendered " + path + " for " + info.request.host() + "</h1>";
	info.shoebox.route = path;
	info.response.headers["x-app"] = ["demo"];
	return Promise.resolve();
}`

const testIndexHTML = `<!DOCTYPE html><html><head><title>demo</title></head><body></body></html>`

func writeTestDist(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"package.json": testPackageJSON,
		"app.js":       testAppJS,
		"index.html":   testIndexHTML,
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	return dir
}

func newTestRouter(t *testing.T, renderCfg render.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if renderCfg.DistPath == "" {
		renderCfg.DistPath = writeTestDist(t)
	}
	driver := sandbox.NewDriver(sandbox.DefaultConfig(), nil)
	coord, err := render.NewCoordinator(renderCfg, config.LoadApp, driver, lifecycle.NewManual(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { coord.Close() })

	cfg := config.Default()
	handlers := NewHandlers(coord, cfg, logging.NewNop())

	router := gin.New()
	router.GET("/healthz", handlers.Health)
	router.NoRoute(handlers.Render)
	return router
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, render.Config{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestRenderEndpoint(t *testing.T) {
	router := newTestRouter(t, render.Config{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/posts/1?page=2", nil)
	req.Header.Set("Accept", "text/html")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "<h1>rendered /posts/1?page=2 for example.com</h1>")
	assert.Contains(t, body, `id="fastboot-body-start"`)
	assert.Contains(t, body, `id="fastboot-body-end"`)
	assert.Contains(t, body, `id="shoebox-route"`)
	assert.Equal(t, "demo", w.Header().Get("X-App"))
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
}

func TestRenderEndpointServesAnyPath(t *testing.T) {
	router := newTestRouter(t, render.Config{})

	for _, path := range []string{"/", "/deep/nested/route", "/with-dash"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, "path %s", path)
		assert.Contains(t, w.Body.String(), "rendered "+path)
	}
}

func TestRenderEndpointRejectsUnlistedHost(t *testing.T) {
	router := newTestRouter(t, render.Config{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "evil.test"
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRenderEndpointFailureReturns500(t *testing.T) {
	dir := t.TempDir()
	broken := map[string]string{
		"package.json": testPackageJSON,
		// visitApplication is never defined.
		"app.js":     `var stub = true;`,
		"index.html": testIndexHTML,
	}
	for name, body := range broken {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	router := newTestRouter(t, render.Config{DistPath: dir})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestRenderEndpointResilientServesAnyway(t *testing.T) {
	dir := t.TempDir()
	broken := map[string]string{
		"package.json": testPackageJSON,
		"app.js":       `var stub = true;`,
		"index.html":   testIndexHTML,
	}
	for name, body := range broken {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	router := newTestRouter(t, render.Config{DistPath: dir, Resilient: true})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	router.ServeHTTP(w, req)

	// The shell template still goes out with a 200.
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<title>demo</title>")
}

func TestClientRequestMapping(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/submit?a=1&a=2", nil)
	req.Header.Set("X-Custom", "yes")
	req.Header.Set("Cookie", "session=abc")

	cr := clientRequest(req)
	assert.Equal(t, "http:", cr.Protocol)
	assert.Equal(t, http.MethodPost, cr.Method)
	assert.Equal(t, "/submit", cr.Path)
	assert.Equal(t, []string{"1", "2"}, cr.Query["a"])
	assert.Equal(t, []string{"yes"}, cr.Headers["X-Custom"])
	assert.Equal(t, []string{"session=abc"}, cr.Headers["Cookie"])
}
