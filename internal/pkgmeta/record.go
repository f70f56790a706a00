package pkgmeta

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/github/go-spdx/v2/spdxexp"
	"github.com/package-url/packageurl-go"
)

// DefaultEntryPoint 在既没有 entryPoints 也没有 exports 时使用。
const DefaultEntryPoint = "index.js"

// Record 是单个已发布版本的内存元数据，由 package.json 派生。
type Record struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Created      time.Time         `json:"created"`
	Updated      time.Time         `json:"updated"`
	Dependencies map[string]string `json:"dependencies"`
	Description  string            `json:"description,omitempty"`
	License      string            `json:"license,omitempty"`
	Author       string            `json:"author,omitempty"`
	Keywords     []string          `json:"keywords"`
	Main         string            `json:"main,omitempty"`
	Exports      map[string]any    `json:"exports"`
	EntryPoints  []string          `json:"entryPoints"`
	Repository   string            `json:"repository,omitempty"`
	Uplink       string            `json:"uplink,omitempty"`
	Readme       string            `json:"readme,omitempty"`
}

// NewStubRecord 构造上游回源时合成的最小记录。
func NewStubRecord(name, version, uplinkHost string, created time.Time) Record {
	rec := Record{
		Name:    name,
		Version: version,
		Uplink:  uplinkHost,
		Created: created,
	}
	rec.normalize(nil)
	return rec
}

// DefaultEntryPoint 返回第一个入口文件，缺省为 index.js。
func (r Record) DefaultEntryPoint() string {
	if len(r.EntryPoints) > 0 && r.EntryPoints[0] != "" {
		return r.EntryPoints[0]
	}
	return DefaultEntryPoint
}

// PackageName 返回解析后的包名。
func (r Record) PackageName() PackageName {
	return ParseName(r.Name)
}

// PURL 返回 package-url，例如 pkg:npm/%40scope/name@1.0.0。
func (r Record) PURL() string {
	n := r.PackageName()
	namespace := ""
	if n.Scoped() {
		namespace = "@" + n.Scope
	}
	return packageurl.NewPackageURL(packageurl.TypeNPM, namespace, n.Base, r.Version, nil, "").ToString()
}

// LicenseValid 表示 License 是否为合法的 SPDX 表达式。
func (r Record) LicenseValid() bool {
	license := strings.TrimSpace(r.License)
	if license == "" {
		return false
	}
	valid, _ := spdxexp.ValidateLicenses([]string{license})
	return valid
}

// Clone 深拷贝可变字段，索引对外只暴露副本。
func (r Record) Clone() Record {
	out := r
	out.Dependencies = maps.Clone(r.Dependencies)
	out.Exports = maps.Clone(r.Exports)
	out.Keywords = slices.Clone(r.Keywords)
	out.EntryPoints = slices.Clone(r.EntryPoints)
	if out.Dependencies == nil {
		out.Dependencies = map[string]string{}
	}
	if out.Exports == nil {
		out.Exports = map[string]any{}
	}
	if out.Keywords == nil {
		out.Keywords = []string{}
	}
	if out.EntryPoints == nil {
		out.EntryPoints = []string{}
	}
	return out
}

// normalize 填充默认值；exportKeys 为 exports 的原始顺序，nil 时按字典序。
func (r *Record) normalize(exportKeys []string) {
	if r.Dependencies == nil {
		r.Dependencies = map[string]string{}
	}
	if r.Exports == nil {
		r.Exports = map[string]any{}
	}
	if r.Keywords == nil {
		r.Keywords = []string{}
	}
	if len(r.EntryPoints) == 0 {
		if exportKeys == nil {
			exportKeys = slices.Sorted(maps.Keys(r.Exports))
		}
		r.EntryPoints = entryPointsFromExports(exportKeys)
	}
}

// entryPointsFromExports 只处理以 ./ 开头的子路径：去掉前缀、首个 : 换成 _、追加 .js。
func entryPointsFromExports(keys []string) []string {
	points := make([]string, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, "./") {
			continue
		}
		points = append(points, strings.Replace(key[2:], ":", "_", 1)+".js")
	}
	return points
}
