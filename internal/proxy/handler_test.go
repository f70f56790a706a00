package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-cdn/internal/cache"
	"github.com/any-hub/any-cdn/internal/index"
	"github.com/any-hub/any-cdn/internal/pkgmeta"
	"github.com/any-hub/any-cdn/internal/registry"
	"github.com/any-hub/any-cdn/internal/server"
	"github.com/any-hub/any-cdn/internal/uplink"
)

type env struct {
	app *fiber.App
	reg *registry.Registry
}

func newEnv(t *testing.T, uplinkHost string, redirects map[string]string) env {
	t.Helper()
	logger, _ := logtest.NewNullLogger()

	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	idx := index.New()

	var client *uplink.Client
	if uplinkHost != "" {
		client, err = uplink.NewClient(uplink.ClientOptions{Host: uplinkHost, HTTPClient: &http.Client{Timeout: 5 * time.Second}})
		require.NoError(t, err)
	}
	reg, err := registry.New(registry.Options{
		Index:  idx,
		Store:  store,
		Uplink: uplink.NewCache(uplink.CacheOptions{Client: client, Index: idx, Store: store, MissTTL: time.Minute, Logger: logger}),
		Logger: logger,
	})
	require.NoError(t, err)

	handler, err := NewHandler(Options{Registry: reg, Redirects: redirects, Logger: logger})
	require.NoError(t, err)
	app, err := server.NewApp(server.AppOptions{Logger: logger, Proxy: handler})
	require.NoError(t, err)
	return env{app: app, reg: reg}
}

func (e env) publish(t *testing.T, name, version string, files map[string]string) {
	t.Helper()
	ctx := context.Background()
	for file, body := range files {
		_, err := e.reg.Store().Put(ctx, cache.Locator{Name: name, Version: version, File: file}, bytes.NewReader([]byte(body)), cache.PutOptions{})
		require.NoError(t, err)
	}
	_, err := e.reg.SavePackage(ctx, pkgmeta.Record{Name: name, Version: version})
	require.NoError(t, err)
}

func (e env) get(t *testing.T, target string) (*http.Response, string) {
	t.Helper()
	resp, err := e.app.Test(httptest.NewRequest(http.MethodGet, target, nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestServeLocalFileIsImmutable(t *testing.T) {
	e := newEnv(t, "", nil)
	e.publish(t, "left-pad", "1.3.0", map[string]string{"index.js": "export default 1;"})

	resp, body := e.get(t, "/left-pad/1.3.0/index.js")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "export default 1;", body)
	assert.Equal(t, "public, immutable", resp.Header.Get("Cache-Control"))
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
	assert.Empty(t, resp.Header.Get("SourceMap"))
}

func TestServeLocalFileWithSourceMap(t *testing.T) {
	e := newEnv(t, "", nil)
	e.publish(t, "@foo/bar", "1.0.0", map[string]string{
		"dist/index.js":     "console.log(1);",
		"dist/index.js.map": "{}",
	})

	resp, body := e.get(t, "/@foo/bar/1.0.0/dist/index.js")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "index.js.map", resp.Header.Get("SourceMap"))
	assert.Equal(t, "application/javascript", resp.Header.Get("Content-Type"))
	assert.Equal(t, "console.log(1);\n//# sourceMappingURL=index.js.map", body)
	assert.Empty(t, resp.Header.Get("Cache-Control"))

	resp, body = e.get(t, "/@foo/bar/1.0.0/dist/index.js.map")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "{}", body)
}

func TestMissingSourceMapIs404(t *testing.T) {
	e := newEnv(t, "", nil)
	e.publish(t, "p", "1.0.0", map[string]string{"index.js": "x"})

	resp, body := e.get(t, "/p/1.0.0/index.js.map")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "source map not found")
}

func TestBareNameRedirectsToLatestEntry(t *testing.T) {
	e := newEnv(t, "", nil)
	e.publish(t, "p", "1.0.0", nil)
	e.publish(t, "p", "1.2.0", nil)
	e.publish(t, "p", "2.0.0-beta.1", nil)

	resp, _ := e.get(t, "/p")
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "/p/2.0.0-beta.1/index.js", resp.Header.Get("Location"))
}

func TestVersionRangeRedirectsToResolvedEntry(t *testing.T) {
	e := newEnv(t, "", nil)
	for _, v := range []string{"1.0.0", "1.4.2", "2.0.0"} {
		e.publish(t, "p", v, nil)
	}

	resp, _ := e.get(t, "/p/^1")
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "/p/1.4.2/index.js", resp.Header.Get("Location"))

	resp, _ = e.get(t, "/p/latest")
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "/p/2.0.0/index.js", resp.Header.Get("Location"))

	resp, _ = e.get(t, "/p/9.9.9")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestScopedNameRedirects(t *testing.T) {
	e := newEnv(t, "", nil)
	e.publish(t, "@foo/bar", "1.0.0", nil)
	e.publish(t, "baz_qux", "3.1.0", nil)

	resp, _ := e.get(t, "/@foo/bar")
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "/@foo/bar/1.0.0/index.js", resp.Header.Get("Location"))

	// 只有上游回填的扁平名记录时，回退到扁平路径。
	resp, _ = e.get(t, "/@baz/qux/3")
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "/baz_qux/3.1.0/index.js", resp.Header.Get("Location"))

	resp, _ = e.get(t, "/@foo/bar/1.0.0/missing.js")
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "/foo_bar/1.0.0/missing.js", resp.Header.Get("Location"))
}

func TestRangeFileRedirectsToPinnedVersion(t *testing.T) {
	e := newEnv(t, "", nil)
	e.publish(t, "lit", "2.4.0", map[string]string{"index.js": "export const lit = 2;"})
	e.publish(t, "baz_qux", "3.1.0", map[string]string{"dist/qux.js": "qux"})

	for _, target := range []string{"/lit/^2.0.0/index.js", "/lit/latest/index.js", "/lit/2/index.js", "/lit/v2.4.0/index.js"} {
		resp, _ := e.get(t, target)
		require.Equal(t, fiber.StatusFound, resp.StatusCode, target)
		assert.Equal(t, "/lit/2.4.0/index.js", resp.Header.Get("Location"), target)
	}

	resp, body := e.get(t, "/lit/2.4.0/index.js")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "export const lit = 2;", body)

	resp, _ = e.get(t, "/@baz/qux/^3/dist/qux.js")
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "/baz_qux/3.1.0/dist/qux.js", resp.Header.Get("Location"))

	resp, body = e.get(t, "/ghost/latest/index.js")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, `"not_found"`)
}

func TestRangeFileFilledFromUplink(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("from upstream " + r.URL.Path))
	}))
	defer upstream.Close()
	e := newEnv(t, upstream.URL, nil)

	// 本地没有任何版本时，范围 coerce 成确切版本再回源。
	resp, _ := e.get(t, "/lit/^3.1.0/index.js")
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "/lit/3.1.0/index.js", resp.Header.Get("Location"))
	assert.Equal(t, int32(0), hits.Load())

	resp, _ = e.get(t, "/lit/3.1.0/index.js")
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	resp, body := e.get(t, "/lit/3.1.0/index.js")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "from upstream /lit/3.1.0/index.js", body)

	resp, _ = e.get(t, "/lit/latest/index.js")
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "/lit/3.1.0/index.js", resp.Header.Get("Location"))
	assert.Equal(t, int32(1), hits.Load())
}

func TestMissingFileFilledFromUplink(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("from upstream " + r.URL.Path))
	}))
	defer upstream.Close()
	e := newEnv(t, upstream.URL, nil)

	resp, _ := e.get(t, "/lit/3.1.0/index.js")
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "/lit/3.1.0/index.js", resp.Header.Get("Location"))

	resp, body := e.get(t, "/lit/3.1.0/index.js")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "from upstream /lit/3.1.0/index.js", body)
	assert.Equal(t, int32(1), hits.Load())

	assert.True(t, e.reg.Exists("lit", "3.1.0"))
	resp, _ = e.get(t, "/lit")
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "/lit/3.1.0/index.js", resp.Header.Get("Location"))
}

func TestMissingFileWithoutUplinkIs404(t *testing.T) {
	e := newEnv(t, "", nil)

	resp, body := e.get(t, "/ghost/1.0.0/index.js")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, `"not_found"`)
	assert.Equal(t, 0, e.reg.IndexSize())
}

func TestUpstreamFailureIs404(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()
	e := newEnv(t, upstream.URL, nil)

	resp, body := e.get(t, "/flaky/1.0.0/index.js")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, `"upstream_unavailable"`)
}

func TestRedirectionTable(t *testing.T) {
	e := newEnv(t, "", map[string]string{"/Polyfills/webcomponents.js": "/@webcomponents/webcomponentsjs/2.8.0/webcomponents-loader.js"})

	resp, _ := e.get(t, "/Polyfills/webcomponents.js")
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "/@webcomponents/webcomponentsjs/2.8.0/webcomponents-loader.js", resp.Header.Get("Location"))
}

func TestUnknownPackageIs404(t *testing.T) {
	e := newEnv(t, "", nil)
	for _, target := range []string{"/", "/nothing", "/@scope", "/nothing/1.0.0"} {
		resp, _ := e.get(t, target)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode, target)
	}
}

func TestBuildPathEscapesSegments(t *testing.T) {
	assert.Equal(t, "/@foo/bar/1.0.0/dist/a%20b.js", buildPath("@foo/bar", "1.0.0", "dist/a b.js"))
	assert.Equal(t, "/p/1.0.0/index.js", buildPath("p", "1.0.0", "/index.js"))
}
