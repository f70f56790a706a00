package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/any-cdn/internal/config"
	"github.com/any-hub/any-cdn/internal/logging"
	"github.com/any-hub/any-cdn/internal/publish"
)

type publishFlags struct {
	registry string
	source   string
	watch    bool
}

func newPublishCmd() *cobra.Command {
	var f publishFlags
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "打包当前项目并上传到仓库",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("registry") {
				cfg.Publish.Registry = f.registry
			}
			if cmd.Flags().Changed("source") {
				cfg.Publish.SourceFolder = f.source
			}
			logger, err := logging.InitLogger(cfg.Global)
			if err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}
			return runPublish(cmd.Context(), cfg, f.watch, logger)
		},
	}
	cmd.Flags().StringVar(&f.registry, "registry", "", "仓库地址，默认 http://localhost:<ListenPort>")
	cmd.Flags().StringVar(&f.source, "source", "", "构建产物目录，覆盖 Publish.SourceFolder")
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "文件变化后自动重新发布")
	return cmd
}

// registryURL 返回上传目标；未配置时指向本机仓库。
func registryURL(cfg *config.Config) string {
	if cfg.Publish.Registry != "" {
		return cfg.Publish.Registry
	}
	return "http://localhost:" + strconv.Itoa(cfg.Global.ListenPort)
}

// runPublish 发布一次；watch 模式下首次失败只记录日志，随后持续监听直到 ctx 结束。
func runPublish(ctx context.Context, cfg *config.Config, watch bool, logger logrus.FieldLogger) error {
	publisher, err := publish.NewPublisher(registryURL(cfg), nil)
	if err != nil {
		return err
	}
	packOpts := publish.PackOptions{
		SourceFolder: cfg.Publish.SourceFolder,
		ManifestPath: cfg.Publish.ManifestPath,
		ReadmePath:   cfg.Publish.ReadmePath,
	}

	once := func(ctx context.Context) error {
		archive, err := publish.Pack(packOpts)
		if err != nil {
			return err
		}
		if archive.MissingReadme {
			fmt.Fprintf(stdErr, "[warn] %s not found, publishing without readme\n", packOpts.ReadmePath)
		}
		result, err := publisher.Publish(ctx, archive)
		if result.Message != "" {
			fmt.Fprintln(stdOut, result.Message)
		}
		if err != nil {
			return err
		}
		fields := logging.PackageFields(archive.Name, archive.Version, "")
		fields["action"] = "publish"
		fields["files"] = archive.Files
		fields["registry"] = publisher.Endpoint()
		logger.WithFields(fields).Info("package_published")
		return nil
	}

	if !watch {
		return once(ctx)
	}
	if err := once(ctx); err != nil {
		logger.WithFields(logrus.Fields{"action": "publish"}).WithError(err).Warn("publish_failed")
	}
	fmt.Fprintf(stdOut, "[info] watching %s for changes\n", packOpts.SourceFolder)
	return publish.Watch(ctx, publish.WatchOptions{
		SourceFolder: packOpts.SourceFolder,
		ManifestPath: packOpts.ManifestPath,
		ReadmePath:   packOpts.ReadmePath,
		Debounce:     cfg.Publish.Debounce.DurationValue(),
		Logger:       logger,
	}, once)
}
