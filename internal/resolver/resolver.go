// Package resolver 负责把版本号、范围或标签解析为索引中确切存在的版本。
package resolver

import (
	"errors"
	"regexp"
	"sort"
	"strconv"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cdn/internal/index"
	"github.com/any-hub/any-cdn/internal/pkgmeta"
)

var (
	// ErrNoVersions 表示索引中没有该包的任何版本。
	ErrNoVersions = errors.New("package has no published versions")
	// ErrInvalidSpec 表示版本描述既不是范围也无法 coerce 成版本号。
	ErrInvalidSpec = errors.New("invalid version spec")
)

// Source 是解析器依赖的只读索引视图。
type Source interface {
	Keys() []index.Key
	Get(key index.Key) (pkgmeta.Record, error)
}

// Resolver 在 Source 之上实现 latest/范围解析。
type Resolver struct {
	source Source
	logger logrus.FieldLogger
}

// New 创建解析器，logger 为空时使用 logrus 标准 logger。
func New(source Source, logger logrus.FieldLogger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{source: source, logger: logger}
}

// Versions 返回 name 的全部版本，按语义化版本升序。
func (r *Resolver) Versions(name string) []string {
	var versions []string
	for _, key := range r.source.Keys() {
		if key.Name == name {
			versions = append(versions, key.Version)
		}
	}
	sortVersions(versions)
	return versions
}

// Latest 返回 name 的最高版本记录（预发布低于正式版）。
func (r *Resolver) Latest(name string) (pkgmeta.Record, error) {
	versions := r.Versions(name)
	if len(versions) == 0 {
		return pkgmeta.Record{}, ErrNoVersions
	}
	return r.source.Get(index.Key{Name: name, Version: versions[len(versions)-1]})
}

// SemverVersion 把 spec 解析为确切版本号。
//
// 确切版本直接返回，不扫描索引；latest、* 与空串取最高版本；
// 其余按范围取满足约束的最高版本，全部不满足时退回 spec 的 coerce 结果。
func (r *Resolver) SemverVersion(name, spec string) (string, error) {
	coerced, ok := Coerce(spec)
	if ok && coerced == spec {
		return spec, nil
	}

	versions := r.Versions(name)
	switch spec {
	case "", "latest", "*":
		if len(versions) == 0 {
			return "", ErrNoVersions
		}
		return versions[len(versions)-1], nil
	default:
		if constraint, err := semver.NewConstraint(spec); err == nil {
			for i := len(versions) - 1; i >= 0; i-- {
				v, err := semver.NewVersion(versions[i])
				if err != nil {
					continue
				}
				if constraint.Check(v) {
					return versions[i], nil
				}
			}
		}
	}

	if !ok {
		return "", ErrInvalidSpec
	}
	r.logger.WithFields(logrus.Fields{
		"action":  "resolve_fallback",
		"package": name,
		"spec":    spec,
		"version": coerced,
	}).Debug("no stored version satisfies range, using coerced version")
	return coerced, nil
}

var coercePattern = regexp.MustCompile(`(\d+)(?:\.(\d+))?(?:\.(\d+))?`)

// Coerce 取字符串中第一段 X[.Y[.Z]] 数字，缺失部分补 0，返回 X.Y.Z。
func Coerce(spec string) (string, bool) {
	m := coercePattern.FindStringSubmatch(spec)
	if m == nil {
		return "", false
	}
	parts := [3]string{m[1], m[2], m[3]}
	var nums [3]uint64
	for i, part := range parts {
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return "", false
		}
		nums[i] = n
	}
	return semver.New(nums[0], nums[1], nums[2], "", "").String(), true
}

// sortVersions 原地升序；无法解析的版本排在最前并按字典序。
func sortVersions(versions []string) {
	parsed := make(map[string]*semver.Version, len(versions))
	for _, raw := range versions {
		if v, err := semver.NewVersion(raw); err == nil {
			parsed[raw] = v
		}
	}
	sort.SliceStable(versions, func(i, j int) bool {
		a, b := parsed[versions[i]], parsed[versions[j]]
		switch {
		case a == nil && b == nil:
			return versions[i] < versions[j]
		case a == nil:
			return true
		case b == nil:
			return false
		}
		if c := a.Compare(b); c != 0 {
			return c < 0
		}
		return versions[i] < versions[j]
	})
}
