package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", strconv.Itoa(g.ListenPort), "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", g.LogLevel, "仅支持 trace/debug/info/warn/error/fatal/panic")
	}
	if g.LogFormat != LogFormatJSON && g.LogFormat != LogFormatText {
		return newFieldError("Global.LogFormat", g.LogFormat, "仅支持 json/text")
	}
	if strings.TrimSpace(g.PackagesFolder) == "" {
		return newFieldError("Global.PackagesFolder", "", "不能为空")
	}
	if g.UplinkHost != "" {
		if err := validateUpstream(g.UplinkHost); err != nil {
			return fmt.Errorf("Global.UplinkHost: %w", err)
		}
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "", "必须大于 0")
	}
	if g.UplinkMissTTL.DurationValue() < 0 {
		return newFieldError("Global.UplinkMissTTL", "", "不能为负数")
	}
	if g.BreakerThreshold < 0 {
		return newFieldError("Global.BreakerThreshold", "", "不能为负数")
	}
	if g.DNSRefreshInterval.DurationValue() < 0 {
		return newFieldError("Global.DNSRefreshInterval", "", "不能为负数")
	}
	if g.SeedConcurrency < 0 {
		return newFieldError("Global.SeedConcurrency", "", "不能为负数")
	}
	if g.MaxUploadSize < 0 {
		return newFieldError("Global.MaxUploadSize", "", "不能为负数")
	}

	if c.Publish.Registry != "" {
		if err := validateUpstream(c.Publish.Registry); err != nil {
			return fmt.Errorf("Publish.Registry: %w", err)
		}
	}

	for _, r := range c.Redirections {
		if !strings.HasPrefix(r.From, "/") {
			return newFieldError(redirectionField(r.From), r.From, "From 必须以 / 开头")
		}
		if strings.TrimSpace(r.To) == "" {
			return newFieldError(redirectionField(r.From), r.To, "To 不能为空")
		}
	}

	return nil
}

func validateUpstream(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
