package routes

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/klauspost/compress/gzip"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-cdn/internal/cache"
	"github.com/any-hub/any-cdn/internal/index"
	"github.com/any-hub/any-cdn/internal/registry"
	"github.com/any-hub/any-cdn/internal/server"
	"github.com/any-hub/any-cdn/internal/uplink"
)

type testEnv struct {
	app *fiber.App
	reg *registry.Registry
}

func newEnv(t *testing.T, secure bool) testEnv {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	idx := index.New()
	reg, err := registry.New(registry.Options{
		Index:  idx,
		Store:  store,
		Uplink: uplink.NewCache(uplink.CacheOptions{Index: idx, Store: store, Logger: logger}),
		Secure: secure,
		Logger: logger,
	})
	require.NoError(t, err)

	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Proxy: server.ProxyHandlerFunc(func(c fiber.Ctx) error {
			return c.SendStatus(fiber.StatusTeapot)
		}),
	})
	require.NoError(t, err)
	RegisterPackageRoutes(app, PackageOptions{Registry: reg, Logger: logger, MaxUploadSize: 1 << 20})
	RegisterDiagnosticsRoutes(app, reg)
	RegisterImportMapRoutes(app, map[string]string{
		"/router@latest": "/router/1.8.0/interface.js",
		"/external":      "https://cdn.example.com/x.js",
	})
	return testEnv{app: app, reg: reg}
}

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func uploadRequest(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile(field, "pkg.tar.gz")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/packages", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	return req
}

func widget(version, code string) map[string]string {
	return map[string]string{
		"package.json": `{"name":"@demo/widget","version":"` + version + `","license":"MIT"}`,
		"README.md":    "# widget",
		"index.js":     code,
	}
}

func (e testEnv) do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := e.app.Test(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var payload map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &payload), string(raw))
	}
	return resp.StatusCode, payload
}

func (e testEnv) list(t *testing.T, target string) []registry.Summary {
	t.Helper()
	resp, err := e.app.Test(httptest.NewRequest(http.MethodGet, target, nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var out []registry.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestUploadThenQuery(t *testing.T) {
	e := newEnv(t, false)

	status, payload := e.do(t, uploadRequest(t, UploadField, tarball(t, widget("1.0.0", "export default 1;"))))
	require.Equal(t, fiber.StatusOK, status, payload)
	assert.Equal(t, "[info] Package published at http://example.com/@demo/widget/1.0.0", payload["message"])

	onDisk, err := os.ReadFile(filepath.Join(e.reg.PackagesFolder(), "@demo", "widget", "1.0.0", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "export default 1;", string(onDisk))

	status, payload = e.do(t, httptest.NewRequest(http.MethodGet, "/api/packages/@demo/widget", nil))
	require.Equal(t, fiber.StatusOK, status)
	pkg := payload["package"].(map[string]any)
	assert.Equal(t, "@demo/widget", pkg["name"])
	assert.Equal(t, "# widget", pkg["readme"])
	assert.Equal(t, []any{"1.0.0"}, payload["versions"])
	assert.Contains(t, payload["purl"], "widget@1.0.0")
	assert.Equal(t, true, payload["licenseValid"])

	status, _ = e.do(t, httptest.NewRequest(http.MethodGet, "/api/packages/@demo/widget/1.0.0", nil))
	assert.Equal(t, fiber.StatusOK, status)

	recent := e.list(t, "/api/packages")
	require.Len(t, recent, 1)
	assert.Equal(t, "@demo/widget", recent[0].Package.Name)

	assert.Len(t, e.list(t, "/api/search?q=WIDGET"), 1)
	assert.Empty(t, e.list(t, "/api/search?q=nothing"))

	// 暂存目录在发布后被清理。
	staging, err := filepath.Glob(filepath.Join(e.reg.PackagesFolder(), ".staging-*"))
	require.NoError(t, err)
	assert.Empty(t, staging)
}

func TestPackageLookupMisses(t *testing.T) {
	e := newEnv(t, false)

	status, payload := e.do(t, httptest.NewRequest(http.MethodGet, "/api/packages/missing", nil))
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "not_found", payload["error"])
	assert.Contains(t, payload["message"], "missing")

	status, _ = e.do(t, httptest.NewRequest(http.MethodGet, "/api/packages/missing/1.0.0", nil))
	assert.Equal(t, fiber.StatusNotFound, status)

	status, payload = e.do(t, httptest.NewRequest(http.MethodGet, "/api/packages/@scope", nil))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", payload["error"])
}

func TestSecureUploadConflict(t *testing.T) {
	e := newEnv(t, true)

	status, _ := e.do(t, uploadRequest(t, UploadField, tarball(t, widget("1.0.0", "original"))))
	require.Equal(t, fiber.StatusOK, status)

	status, payload := e.do(t, uploadRequest(t, UploadField, tarball(t, widget("1.0.0", "overwrite"))))
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "conflict", payload["error"])
	assert.Contains(t, payload["message"], "secure mode")

	onDisk, err := os.ReadFile(filepath.Join(e.reg.PackagesFolder(), "@demo", "widget", "1.0.0", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(onDisk))

	staging, err := filepath.Glob(filepath.Join(e.reg.PackagesFolder(), ".staging-*"))
	require.NoError(t, err)
	assert.Empty(t, staging, "rejected uploads must not leave staging dirs behind")
}

func TestInsecureUploadReplacesVersion(t *testing.T) {
	e := newEnv(t, false)

	files := widget("1.0.0", "v1")
	files["old.js"] = "gone soon"
	status, _ := e.do(t, uploadRequest(t, UploadField, tarball(t, files)))
	require.Equal(t, fiber.StatusOK, status)

	status, _ = e.do(t, uploadRequest(t, UploadField, tarball(t, widget("1.0.0", "v2"))))
	require.Equal(t, fiber.StatusOK, status)

	dir := filepath.Join(e.reg.PackagesFolder(), "@demo", "widget", "1.0.0")
	onDisk, err := os.ReadFile(filepath.Join(dir, "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(onDisk))
	assert.NoFileExists(t, filepath.Join(dir, "old.js"))
}

func TestUploadRejectsBadRequests(t *testing.T) {
	e := newEnv(t, false)

	status, payload := e.do(t, uploadRequest(t, "wrong", tarball(t, widget("1.0.0", "x"))))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", payload["error"])

	status, _ = e.do(t, uploadRequest(t, UploadField, []byte("not a tarball at all")))
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = e.do(t, uploadRequest(t, UploadField, tarball(t, map[string]string{"index.js": "x"})))
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = e.do(t, uploadRequest(t, UploadField, tarball(t, map[string]string{"package.json": `{"name":"p"}`})))
	assert.Equal(t, fiber.StatusBadRequest, status)

	assert.Equal(t, 0, e.reg.IndexSize())
}

func TestHealthReportsIndexAndUplink(t *testing.T) {
	e := newEnv(t, true)
	status, _ := e.do(t, uploadRequest(t, UploadField, tarball(t, widget("1.0.0", "x"))))
	require.Equal(t, fiber.StatusOK, status)

	status, payload := e.do(t, httptest.NewRequest(http.MethodGet, "/-/health", nil))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, float64(1), payload["packages"])
	assert.Equal(t, true, payload["secure"])
	assert.Equal(t, "disabled", payload["uplink"].(map[string]any)["breaker"])
}

func TestImportMaps(t *testing.T) {
	e := newEnv(t, false)

	status, payload := e.do(t, httptest.NewRequest(http.MethodGet, "/importMaps", nil))
	require.Equal(t, fiber.StatusOK, status)
	imports := payload["imports"].(map[string]any)
	assert.Equal(t, "http://example.com/router/1.8.0/interface.js", imports["router@latest"])
	assert.Equal(t, "https://cdn.example.com/x.js", imports["external"])
}

func TestParsePackagePath(t *testing.T) {
	cases := []struct {
		raw, name, version string
		ok                 bool
	}{
		{"lit", "lit", "", true},
		{"lit/3.0.0", "lit", "3.0.0", true},
		{"@foo/bar", "@foo/bar", "", true},
		{"@foo/bar/1.0.0/", "@foo/bar", "1.0.0", true},
		{"", "", "", false},
		{"@foo", "", "", false},
		{"lit/3.0.0/extra", "", "", false},
	}
	for _, tc := range cases {
		name, version, err := parsePackagePath(tc.raw)
		if !tc.ok {
			assert.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.name, name)
		assert.Equal(t, tc.version, version)
	}
}
