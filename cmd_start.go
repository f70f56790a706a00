package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/any-cdn/internal/cache"
	"github.com/any-hub/any-cdn/internal/config"
	"github.com/any-hub/any-cdn/internal/index"
	"github.com/any-hub/any-cdn/internal/logging"
	"github.com/any-hub/any-cdn/internal/proxy"
	"github.com/any-hub/any-cdn/internal/registry"
	"github.com/any-hub/any-cdn/internal/server"
	"github.com/any-hub/any-cdn/internal/server/routes"
	"github.com/any-hub/any-cdn/internal/uplink"
	"github.com/any-hub/any-cdn/internal/version"
)

const shutdownTimeout = 10 * time.Second

type startOverrides struct {
	port           int
	packagesFolder string
	uplink         string
	secure         bool
}

func newStartCmd() *cobra.Command {
	var o startOverrides
	cmd := &cobra.Command{
		Use:   "start",
		Short: "启动包仓库 HTTP 服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := applyStartOverrides(cmd, cfg, o); err != nil {
				return err
			}
			logger, err := logging.InitLogger(cfg.Global)
			if err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}
			return serve(cmd.Context(), cfg, path, logger)
		},
	}
	cmd.Flags().IntVarP(&o.port, "port", "p", 0, "监听端口，覆盖 ListenPort")
	cmd.Flags().StringVar(&o.packagesFolder, "packages-folder", "", "包存放目录，覆盖 PackagesFolder")
	cmd.Flags().StringVar(&o.uplink, "uplink", "", "上游 CDN 地址，覆盖 UplinkHost")
	cmd.Flags().BoolVar(&o.secure, "secure", false, "禁止覆盖已发布版本，覆盖 Secure")
	return cmd
}

// applyStartOverrides 用显式给出的命令行参数覆盖配置并重新校验。
func applyStartOverrides(cmd *cobra.Command, cfg *config.Config, o startOverrides) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Global.ListenPort = o.port
	}
	if flags.Changed("packages-folder") {
		cfg.Global.PackagesFolder = o.packagesFolder
	}
	if flags.Changed("uplink") {
		cfg.Global.UplinkHost = o.uplink
	}
	if flags.Changed("secure") {
		cfg.Global.Secure = o.secure
	}
	return cfg.Normalize()
}

// buildApp 按“存储 → 索引 → 上游 → 门面 → 路由”的顺序组装服务，
// 返回的 App 尚未监听端口。
func buildApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*fiber.App, *registry.Registry, error) {
	store, err := cache.NewStore(cfg.Global.PackagesFolder)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化包目录失败: %w", err)
	}
	idx := index.New()

	var client *uplink.Client
	if cfg.HasUplink() {
		client, err = uplink.NewClient(uplink.ClientOptions{
			Host:             cfg.Global.UplinkHost,
			HTTPClient:       server.NewUpstreamClient(ctx, cfg),
			MaxRetries:       cfg.Global.MaxRetries,
			InitialBackoff:   cfg.Global.InitialBackoff.DurationValue(),
			BreakerThreshold: cfg.Global.BreakerThreshold,
		})
		if err != nil {
			return nil, nil, err
		}
	}
	cacheLayer := uplink.NewCache(uplink.CacheOptions{
		Client:  client,
		Index:   idx,
		Store:   store,
		MissTTL: cfg.Global.UplinkMissTTL.DurationValue(),
		Logger:  logger,
	})

	reg, err := registry.New(registry.Options{
		Index:           idx,
		Store:           store,
		Uplink:          cacheLayer,
		Secure:          cfg.Global.Secure,
		SeedConcurrency: cfg.Global.SeedConcurrency,
		Logger:          logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := reg.Start(ctx); err != nil {
		return nil, nil, err
	}

	redirects := cfg.RedirectMap()
	handler, err := proxy.NewHandler(proxy.Options{Registry: reg, Redirects: redirects, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:    logger,
		Proxy:     handler,
		BodyLimit: int(cfg.Global.MaxUploadSize),
	})
	if err != nil {
		return nil, nil, err
	}
	routes.RegisterPackageRoutes(app, routes.PackageOptions{
		Registry:      reg,
		Logger:        logger,
		MaxUploadSize: cfg.Global.MaxUploadSize,
	})
	routes.RegisterDiagnosticsRoutes(app, reg)
	routes.RegisterImportMapRoutes(app, redirects)
	return app, reg, nil
}

// serve 监听端口直到 ctx 结束，随后优雅关闭。
func serve(ctx context.Context, cfg *config.Config, path string, logger *logrus.Logger) error {
	app, reg, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	fields := logging.BaseFields("startup", path)
	fields["listen"] = cfg.ListenAddress()
	fields["packagesFolder"] = reg.PackagesFolder()
	fields["packages"] = reg.IndexSize()
	fields["uplink"] = cfg.Global.UplinkHost
	fields["secure"] = reg.Secure()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("shutdown_failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   cfg.ListenAddress(),
	}).Info("Fiber 服务启动")

	if err := app.Listen(cfg.ListenAddress()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("HTTP 服务启动失败: %w", err)
	}
	return nil
}
