package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "ANY_CDN_CONFIG"

// DefaultPath 返回默认配置路径：环境变量优先，否则为 config.toml。
func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return "config.toml"
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize 填充默认值、展开目录并执行校验；命令行覆盖配置后需要再次调用。
func (c *Config) Normalize() error {
	applyGlobalDefaults(&c.Global)
	applyPublishDefaults(&c.Publish)

	if err := c.Validate(); err != nil {
		return err
	}

	folder, err := expandPath(c.Global.PackagesFolder)
	if err != nil {
		return fmt.Errorf("无法解析包目录: %w", err)
	}
	c.Global.PackagesFolder = folder
	c.Global.UplinkHost = strings.TrimRight(strings.TrimSpace(c.Global.UplinkHost), "/")
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenHost", "")
	v.SetDefault("ListenPort", 8080)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", LogFormatJSON)
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("PackagesFolder", "./packages")
	v.SetDefault("Secure", false)
	v.SetDefault("UplinkHost", "")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxRetries", 0)
	v.SetDefault("InitialBackoff", "200ms")
	v.SetDefault("UplinkMissTTL", "1m")
	v.SetDefault("BreakerThreshold", 5)
	v.SetDefault("DNSRefreshInterval", "5m")
	v.SetDefault("SeedConcurrency", 8)
	v.SetDefault("MaxUploadSize", 100*1024*1024)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8080
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	g.LogFormat = strings.ToLower(strings.TrimSpace(g.LogFormat))
	if g.LogFormat == "" {
		g.LogFormat = LogFormatJSON
	}
	if g.PackagesFolder == "" {
		g.PackagesFolder = "./packages"
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(200 * time.Millisecond)
	}
	if g.BreakerThreshold == 0 {
		g.BreakerThreshold = 5
	}
	if g.SeedConcurrency == 0 {
		g.SeedConcurrency = 8
	}
	if g.MaxUploadSize == 0 {
		g.MaxUploadSize = 100 * 1024 * 1024
	}
}

func applyPublishDefaults(p *PublishConfig) {
	if p.SourceFolder == "" {
		p.SourceFolder = "dist"
	}
	if p.ManifestPath == "" {
		p.ManifestPath = "package.json"
	}
	if p.ReadmePath == "" {
		p.ReadmePath = "README.md"
	}
	if p.Debounce.DurationValue() == 0 {
		p.Debounce = Duration(300 * time.Millisecond)
	}
}

// expandPath 展开 ~ 并转换为绝对路径。
func expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
