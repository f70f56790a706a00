package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFailsWithInvalidFields(t *testing.T) {
	if _, err := Load(fixture("missing.toml")); err == nil {
		t.Fatalf("非法字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
PackagesFolder = "./data"
UpstreamTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(fixture("does-not-exist.toml")); err == nil {
		t.Fatalf("配置文件不存在时应失败")
	}
}

func TestDefaultPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/any-cdn/config.toml")
	if got := DefaultPath(); got != "/etc/any-cdn/config.toml" {
		t.Fatalf("环境变量应优先: %s", got)
	}
	t.Setenv(EnvConfigPath, "")
	if got := DefaultPath(); got != "config.toml" {
		t.Fatalf("默认路径应为 config.toml: %s", got)
	}
}

func fixture(name string) string {
	return filepath.Join("testdata", name)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
