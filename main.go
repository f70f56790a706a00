package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/any-hub/any-cdn/internal/config"
	"github.com/any-hub/any-cdn/internal/logging"
	"github.com/any-hub/any-cdn/internal/version"
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// run 执行命令行并返回退出码，方便测试。
func run(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "any-cdn",
		Short:         "Static package registry with a pull-through uplink cache",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().String("config", "", "配置文件路径（默认 ./config.toml，可被 "+config.EnvConfigPath+" 覆盖）")

	root.AddCommand(newStartCmd(), newPublishCmd(), newCheckConfigCmd(), newVersionCmd())
	return root
}

// configPath 返回最终配置路径，以及它是否由用户显式指定。
func configPath(cmd *cobra.Command) (string, bool) {
	if flag, _ := cmd.Flags().GetString("config"); strings.TrimSpace(flag) != "" {
		return flag, true
	}
	explicit := strings.TrimSpace(os.Getenv(config.EnvConfigPath)) != ""
	return config.DefaultPath(), explicit
}

// loadConfig 读取配置。未显式指定且默认文件不存在时使用内置默认值。
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, explicit := configPath(cmd)
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			cfg := &config.Config{}
			if err := cfg.Normalize(); err != nil {
				return nil, path, err
			}
			return cfg, path, nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("加载配置失败: %w", err)
	}
	return cfg, path, nil
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "校验配置文件后退出",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := configPath(cmd)
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			logger, err := logging.InitLogger(cfg.Global)
			if err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}

			fields := logging.BaseFields("check_config", path)
			fields["packagesFolder"] = cfg.Global.PackagesFolder
			fields["uplink"] = cfg.Global.UplinkHost
			fields["secure"] = cfg.Global.Secure
			fields["redirects"] = len(cfg.Redirections)
			fields["result"] = "ok"
			logger.WithFields(fields).Info("配置校验通过")
			fmt.Fprintf(stdOut, "config ok: %s\n", path)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本信息",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			printVersion()
		},
	}
}

// printVersion 输出注入的版本与提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
