package routes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cdn/internal/logging"
	"github.com/any-hub/any-cdn/internal/pkgmeta"
	"github.com/any-hub/any-cdn/internal/registry"
	"github.com/any-hub/any-cdn/internal/server"
	"github.com/any-hub/any-cdn/internal/upload"
)

// UploadField 是发布接口中承载 tar 包的 multipart 字段名。
const UploadField = "package"

// PackageOptions 描述包接口依赖。
type PackageOptions struct {
	Registry      *registry.Registry
	Logger        logrus.FieldLogger
	MaxUploadSize int64
}

// RegisterPackageRoutes 注册 /api/packages 与 /api/search。
func RegisterPackageRoutes(app *fiber.App, opts PackageOptions) {
	if app == nil || opts.Registry == nil {
		return
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	reg := opts.Registry

	app.Post("/api/packages", func(c fiber.Ctx) error {
		return publishPackage(c, reg, logger, opts.MaxUploadSize)
	})

	app.Get("/api/packages", func(c fiber.Ctx) error {
		return c.JSON(reg.GetLastPublishedPackages(registry.DefaultRecentLimit))
	})

	app.Get("/api/packages/*", func(c fiber.Ctx) error {
		name, version, err := parsePackagePath(c.Params("*"))
		if err != nil {
			return err
		}
		var rec pkgmeta.Record
		if version == "" {
			rec, err = reg.GetPackage(name)
		} else {
			rec, err = reg.GetPackageVersion(name, version)
		}
		if err != nil {
			return err
		}
		return c.JSON(reg.Summarize(rec))
	})

	app.Get("/api/search", func(c fiber.Ctx) error {
		return c.JSON(reg.FindPublishedPackages(c.Query("q")))
	})
}

func publishPackage(c fiber.Ctx, reg *registry.Registry, logger logrus.FieldLogger, maxBytes int64) error {
	header, err := c.FormFile(UploadField)
	if err != nil {
		return fmt.Errorf("%w: multipart field %q is required", registry.ErrInvalidInput, UploadField)
	}
	file, err := header.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	ctx := c.Context()
	staged, err := upload.Extract(ctx, file, upload.Options{
		StagingRoot: reg.PackagesFolder(),
		MaxBytes:    maxBytes,
	})
	if err != nil {
		if errors.Is(err, upload.ErrInvalidArchive) || errors.Is(err, upload.ErrTooLarge) || errors.Is(err, pkgmeta.ErrInvalidManifest) {
			return fmt.Errorf("%w: %w", registry.ErrInvalidInput, err)
		}
		return err
	}
	defer func() {
		if cerr := staged.Cleanup(); cerr != nil {
			logger.WithError(cerr).WithField("action", "publish").Warn("staging_cleanup_failed")
		}
	}()

	rec, err := reg.Publish(ctx, staged)
	if err != nil {
		fields := logging.PackageFields(staged.Record().Name, staged.Record().Version, "")
		fields["action"] = "publish"
		fields["request_id"] = server.RequestID(c)
		logger.WithFields(fields).WithError(err).Warn("publish_rejected")
		return err
	}

	return c.JSON(fiber.Map{
		"message": fmt.Sprintf("[info] Package published at %s/%s/%s", c.BaseURL(), rec.Name, rec.Version),
		"package": rec,
	})
}

// parsePackagePath 解析 name[/version] 或 @scope/name[/version]。
func parsePackagePath(raw string) (string, string, error) {
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	var name string
	switch {
	case len(parts) == 0 || parts[0] == "":
		return "", "", fmt.Errorf("%w: package name required", registry.ErrInvalidInput)
	case strings.HasPrefix(parts[0], "@"):
		if len(parts) < 2 {
			return "", "", fmt.Errorf("%w: scoped name %q needs a package segment", registry.ErrInvalidInput, parts[0])
		}
		name, parts = parts[0]+"/"+parts[1], parts[2:]
	default:
		name, parts = parts[0], parts[1:]
	}
	switch len(parts) {
	case 0:
		return name, "", nil
	case 1:
		return name, parts[0], nil
	default:
		return "", "", fmt.Errorf("%w: unexpected path %q", registry.ErrNotFound, raw)
	}
}
