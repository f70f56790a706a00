package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-cdn/internal/registry"
	"github.com/any-hub/any-cdn/internal/uplink"
	"github.com/any-hub/any-cdn/internal/version"
)

type healthPayload struct {
	Status         string        `json:"status"`
	Version        string        `json:"version"`
	Packages       int           `json:"packages"`
	PackagesFolder string        `json:"packages_folder"`
	Secure         bool          `json:"secure"`
	Uplink         uplink.Status `json:"uplink"`
}

// RegisterDiagnosticsRoutes 暴露 /-/health，供运维查询索引规模与上游熔断状态。
func RegisterDiagnosticsRoutes(app *fiber.App, reg *registry.Registry) {
	if app == nil || reg == nil {
		return
	}
	app.Get("/-/health", func(c fiber.Ctx) error {
		return c.JSON(healthPayload{
			Status:         "ok",
			Version:        version.Full(),
			Packages:       reg.IndexSize(),
			PackagesFolder: reg.PackagesFolder(),
			Secure:         reg.Secure(),
			Uplink:         reg.UplinkStatus(),
		})
	})
}

// RegisterImportMapRoutes 暴露 /importMaps：把重定向表转换成浏览器 import map，
// 键去掉开头的 /，值补全为当前服务的绝对地址。
func RegisterImportMapRoutes(app *fiber.App, redirects map[string]string) {
	if app == nil {
		return
	}
	app.Get("/importMaps", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"imports": importMap(c.BaseURL(), redirects)})
	})
}

func importMap(base string, redirects map[string]string) map[string]string {
	out := make(map[string]string, len(redirects))
	for from, to := range redirects {
		target := to
		if strings.HasPrefix(to, "/") {
			target = strings.TrimRight(base, "/") + to
		}
		out[strings.TrimPrefix(from, "/")] = target
	}
	return out
}
