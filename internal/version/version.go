// Package version 保存构建时注入的版本信息。
package version

import "fmt"

// 构建时通过 -ldflags "-X github.com/any-hub/any-cdn/internal/version.Version=..." 注入。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回 CLI 展示用的版本串，如 "any-cdn 0.1.0 (dev)"。
func Full() string {
	return fmt.Sprintf("any-cdn %s (%s)", Version, Commit)
}

// UserAgent 返回对外请求使用的 User-Agent，component 区分发起方。
func UserAgent(component string) string {
	if component == "" {
		return "any-cdn/" + Version
	}
	return fmt.Sprintf("any-cdn-%s/%s", component, Version)
}
