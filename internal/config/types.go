package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 日志输出格式。
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// GlobalConfig 描述服务端运行时行为。
type GlobalConfig struct {
	ListenHost     string `mapstructure:"ListenHost"`
	ListenPort     int    `mapstructure:"ListenPort"`
	LogLevel       string `mapstructure:"LogLevel"`
	LogFormat      string `mapstructure:"LogFormat"`
	LogFilePath    string `mapstructure:"LogFilePath"`
	LogMaxSize     int    `mapstructure:"LogMaxSize"`
	LogMaxBackups  int    `mapstructure:"LogMaxBackups"`
	LogCompress    bool   `mapstructure:"LogCompress"`
	PackagesFolder string `mapstructure:"PackagesFolder"`
	// Secure 打开后已发布的 name@version 不允许覆盖。
	Secure             bool     `mapstructure:"Secure"`
	UplinkHost         string   `mapstructure:"UplinkHost"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	MaxRetries         int      `mapstructure:"MaxRetries"`
	InitialBackoff     Duration `mapstructure:"InitialBackoff"`
	UplinkMissTTL      Duration `mapstructure:"UplinkMissTTL"`
	BreakerThreshold   int64    `mapstructure:"BreakerThreshold"`
	DNSRefreshInterval Duration `mapstructure:"DNSRefreshInterval"`
	SeedConcurrency    int      `mapstructure:"SeedConcurrency"`
	MaxUploadSize      int64    `mapstructure:"MaxUploadSize"`
}

// PublishConfig 供 publish 子命令使用。
type PublishConfig struct {
	Registry     string   `mapstructure:"Registry"`
	SourceFolder string   `mapstructure:"SourceFolder"`
	ManifestPath string   `mapstructure:"ManifestPath"`
	ReadmePath   string   `mapstructure:"ReadmePath"`
	Debounce     Duration `mapstructure:"Debounce"`
}

// Redirection 把一个请求路径 302 到另一个路径，通常用于给依赖起别名。
// 使用 [[Redirect]] 数组而不是表，避免 viper 对键做小写化与按 . 拆分。
type Redirection struct {
	From string `mapstructure:"From"`
	To   string `mapstructure:"To"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig  `mapstructure:",squash"`
	Publish      PublishConfig `mapstructure:"Publish"`
	Redirections []Redirection `mapstructure:"Redirect"`
}

// RedirectMap 返回 From → To 映射，后出现的同名项覆盖前者。
func (c *Config) RedirectMap() map[string]string {
	out := make(map[string]string, len(c.Redirections))
	for _, r := range c.Redirections {
		out[r.From] = r.To
	}
	return out
}

// ListenAddress 返回 host:port 形式的监听地址。
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Global.ListenHost, strconv.Itoa(c.Global.ListenPort))
}

// HasUplink 表示是否配置了上游 CDN。
func (c *Config) HasUplink() bool {
	return strings.TrimSpace(c.Global.UplinkHost) != ""
}
