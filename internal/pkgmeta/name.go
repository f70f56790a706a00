package pkgmeta

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidName 表示包名无法被解析或包含非法字符。
var ErrInvalidName = errors.New("invalid package name")

// scopeSeparator 是上游地址中 scope 与包名之间的分隔符。
const scopeSeparator = "_"

// PackageName 描述 npm 风格的包名，Scope 不带 @ 前缀，未使用 scope 时为空。
type PackageName struct {
	Scope string
	Base  string
}

// ParseName 解析 `@scope/name` 或 `name` 形式的原始 token。
// 以 @ 开头时按第一个 `/` 切分，其余情况视为无 scope。
func ParseName(token string) PackageName {
	if strings.HasPrefix(token, "@") {
		scope, base, _ := strings.Cut(token[1:], "/")
		return PackageName{Scope: scope, Base: base}
	}
	return PackageName{Base: token}
}

// ParseFlattened 是 Flatten 的近似逆运算：第一个 `_` 视为 scope 边界并补回 @。
// 若原始 scope 本身包含 `_`，还原结果会与原名不同，这是已知限制。
func ParseFlattened(flat string) PackageName {
	scope, base, found := strings.Cut(flat, scopeSeparator)
	if !found || scope == "" || base == "" {
		return PackageName{Base: flat}
	}
	return PackageName{Scope: scope, Base: base}
}

// Name 返回规范形式：`@scope/name` 或 `name`。
func (n PackageName) Name() string {
	if n.Scope == "" {
		return n.Base
	}
	return "@" + n.Scope + "/" + n.Base
}

// Flatten 返回上游可寻址的别名，很多 CDN 不支持 scope 路径段。
func (n PackageName) Flatten() string {
	if n.Scope == "" {
		return n.Base
	}
	return strings.TrimPrefix(n.Scope, "@") + scopeSeparator + n.Base
}

// Scoped 表示是否带 scope。
func (n PackageName) Scoped() bool {
	return n.Scope != ""
}

func (n PackageName) String() string {
	return n.Name()
}

// Validate 检查包名能否安全地作为索引键与磁盘路径使用。
func (n PackageName) Validate() error {
	if n.Base == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	for _, part := range []string{n.Scope, n.Base} {
		if part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidName, n.Name())
		}
		if strings.ContainsAny(part, "#/\\ \t\r\n") {
			return fmt.Errorf("%w: %q", ErrInvalidName, n.Name())
		}
	}
	if n.Scoped() && strings.HasPrefix(n.Scope, "@") {
		return fmt.Errorf("%w: %q", ErrInvalidName, n.Name())
	}
	return nil
}

// FlattenName 是 ParseName(token).Flatten() 的便捷写法。
func FlattenName(token string) string {
	return ParseName(token).Flatten()
}
