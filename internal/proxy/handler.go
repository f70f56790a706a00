package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cdn/internal/cache"
	"github.com/any-hub/any-cdn/internal/logging"
	"github.com/any-hub/any-cdn/internal/pkgmeta"
	"github.com/any-hub/any-cdn/internal/registry"
	"github.com/any-hub/any-cdn/internal/server"
)

const sourceMapExt = ".map"

// Options 描述 Handler 依赖。
type Options struct {
	Registry  *registry.Registry
	Redirects map[string]string
	Logger    logrus.FieldLogger
}

// Handler 处理包文件请求：重定向表 → 版本解析重定向 → 本地文件 → 上游回源。
type Handler struct {
	reg       *registry.Registry
	store     cache.Store
	redirects map[string]string
	logger    logrus.FieldLogger
}

// NewHandler constructs the catch-all package handler.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	redirects := make(map[string]string, len(opts.Redirects))
	for from, to := range opts.Redirects {
		redirects[from] = to
	}
	return &Handler{
		reg:       opts.Registry,
		store:     opts.Registry.Store(),
		redirects: redirects,
		logger:    logger,
	}, nil
}

// target 是从请求路径解析出的 name[/version[/file]]。
type target struct {
	pkg     pkgmeta.PackageName
	version string
	file    string
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	reqPath := string(c.Request().URI().Path())

	if to, ok := h.redirects[reqPath]; ok {
		h.logger.WithFields(logrus.Fields{
			"action":     "redirect",
			"request_id": server.RequestID(c),
			"from":       reqPath,
			"to":         to,
		}).Info("redirection_matched")
		return redirect(c, to)
	}

	t, err := parseTarget(reqPath)
	if err != nil {
		return err
	}

	switch {
	case t.version == "":
		return h.redirectLatest(c, t)
	case t.file == "":
		return h.redirectVersion(c, t)
	}

	if pinned, err := h.pinFile(c, t); pinned || err != nil {
		return err
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	served, err := h.serveLocal(ctx, c, t)
	if served || err != nil {
		return err
	}

	if strings.HasSuffix(t.file, ".js"+sourceMapExt) {
		return fmt.Errorf("%w: source map not found at %s", registry.ErrNotFound, reqPath)
	}
	if t.pkg.Scoped() {
		return redirect(c, buildPath(t.pkg.Flatten(), t.version, t.file))
	}

	localPath, err := h.reg.GetFileFromUplink(ctx, t.pkg.Name(), t.version, t.file)
	fields := logging.PackageFields(t.pkg.Name(), t.version, t.file)
	fields["action"] = "proxy"
	fields["request_id"] = server.RequestID(c)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Info("uplink_miss")
		return err
	}
	fields["local_path"] = localPath
	h.logger.WithFields(fields).Debug("uplink_filled")
	return redirect(c, buildPath(t.pkg.Name(), t.version, t.file))
}

// serveLocal 输出已落盘的文件。带同名 .map 的 .js 文件追加 sourceMappingURL，
// 其它文件按不可变资源缓存。
func (h *Handler) serveLocal(ctx context.Context, c fiber.Ctx, t target) (bool, error) {
	locator := cache.Locator{Name: t.pkg.Name(), Version: t.version, File: t.file}
	result, err := h.store.Get(ctx, locator)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrNotFound), errors.Is(err, cache.ErrInvalidLocator):
		return false, nil
	default:
		return false, err
	}
	defer result.Reader.Close()

	if ext := path.Ext(t.file); ext != "" {
		c.Type(ext)
	} else {
		c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	}

	var trailer string
	if strings.HasSuffix(t.file, ".js") && h.hasSourceMap(ctx, locator) {
		mapName := path.Base(t.file) + sourceMapExt
		c.Set(fiber.HeaderContentType, "application/javascript")
		c.Set("SourceMap", mapName)
		trailer = "\n//# sourceMappingURL=" + mapName
	} else {
		c.Set(fiber.HeaderCacheControl, "public, immutable")
	}

	c.Status(fiber.StatusOK)
	w := c.Response().BodyWriter()
	if _, err := io.Copy(w, result.Reader); err != nil {
		return true, fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read package file failed: %v", err))
	}
	if trailer != "" {
		if _, err := io.WriteString(w, trailer); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (h *Handler) hasSourceMap(ctx context.Context, locator cache.Locator) bool {
	locator.File += sourceMapExt
	_, err := h.store.Stat(ctx, locator)
	return err == nil
}

// redirectLatest 把 /name 与 /@scope/name 重定向到最高版本的默认入口。
func (h *Handler) redirectLatest(c fiber.Ctx, t target) error {
	var lastErr error
	for _, name := range candidateNames(t.pkg) {
		rec, err := h.reg.GetPackage(name)
		if err != nil {
			if !errors.Is(err, registry.ErrNotFound) {
				return err
			}
			lastErr = err
			continue
		}
		return redirect(c, buildPath(name, rec.Version, rec.DefaultEntryPoint()))
	}
	return lastErr
}

// redirectVersion 把 /name/range 解析为确切版本后重定向到默认入口。
func (h *Handler) redirectVersion(c fiber.Ctx, t target) error {
	var lastErr error
	for _, name := range candidateNames(t.pkg) {
		version, err := h.reg.GetSemverVersion(name, t.version)
		if err != nil {
			if !errors.Is(err, registry.ErrNotFound) {
				return err
			}
			lastErr = err
			continue
		}
		rec, err := h.reg.GetPackageVersion(name, version)
		if err != nil {
			lastErr = err
			continue
		}
		return redirect(c, buildPath(name, rec.Version, rec.DefaultEntryPoint()))
	}
	return lastErr
}

// pinFile 把 /name/<range|tag>/file 解析为确切版本并重定向。确切版本号不查索引。
// 没有本地版本的候选名让给下一个；最后一个候选名仍允许 coerce 结果，交给上游回源。
func (h *Handler) pinFile(c fiber.Ctx, t target) (bool, error) {
	if _, err := semver.StrictNewVersion(t.version); err == nil {
		return false, nil
	}
	names := candidateNames(t.pkg)
	var lastErr error
	for i, name := range names {
		if i < len(names)-1 && len(h.reg.Versions(name)) == 0 {
			continue
		}
		version, err := h.reg.GetSemverVersion(name, t.version)
		if err != nil {
			if !errors.Is(err, registry.ErrNotFound) {
				return false, err
			}
			lastErr = err
			continue
		}
		if name == t.pkg.Name() && version == t.version {
			return false, nil
		}
		return true, redirect(c, buildPath(name, version, t.file))
	}
	return false, lastErr
}

// candidateNames 先查请求名；作用域包再查上游回填时使用的扁平名。
func candidateNames(pkg pkgmeta.PackageName) []string {
	if pkg.Scoped() {
		return []string{pkg.Name(), pkg.Flatten()}
	}
	return []string{pkg.Name()}
}

func parseTarget(reqPath string) (target, error) {
	trimmed := strings.Trim(reqPath, "/")
	if trimmed == "" {
		return target{}, fmt.Errorf("%w: %s", registry.ErrNotFound, reqPath)
	}
	parts := strings.Split(trimmed, "/")

	var t target
	if strings.HasPrefix(parts[0], "@") {
		if len(parts) < 2 {
			return target{}, fmt.Errorf("%w: %s", registry.ErrNotFound, reqPath)
		}
		t.pkg = pkgmeta.ParseName(parts[0] + "/" + parts[1])
		parts = parts[2:]
	} else {
		t.pkg = pkgmeta.ParseName(parts[0])
		parts = parts[1:]
	}
	if err := t.pkg.Validate(); err != nil {
		return target{}, fmt.Errorf("%w: %w", registry.ErrNotFound, err)
	}
	if len(parts) > 0 {
		t.version = parts[0]
	}
	if len(parts) > 1 {
		t.file = strings.Join(parts[1:], "/")
	}
	return t, nil
}

// buildPath 拼接 /name/version/file，逐段转义。
func buildPath(name, version, file string) string {
	segments := append(strings.Split(name, "/"), version)
	segments = append(segments, strings.Split(file, "/")...)
	var b strings.Builder
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(url.PathEscape(seg))
	}
	return b.String()
}

func redirect(c fiber.Ctx, location string) error {
	return c.Redirect().Status(fiber.StatusFound).To(location)
}
