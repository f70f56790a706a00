// Package registry 是包仓库的门面：组合索引、版本解析、磁盘存储与上游回源，
// 并把各组件的错误统一映射为 ErrNotFound/ErrConflict/ErrInvalidInput 等分类。
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cdn/internal/cache"
	"github.com/any-hub/any-cdn/internal/index"
	"github.com/any-hub/any-cdn/internal/logging"
	"github.com/any-hub/any-cdn/internal/pkgmeta"
	"github.com/any-hub/any-cdn/internal/resolver"
	"github.com/any-hub/any-cdn/internal/uplink"
)

// DefaultRecentLimit 是最近发布列表的默认条数。
const DefaultRecentLimit = 10

// Options 描述门面依赖，Index 与 Store 必须显式注入。
type Options struct {
	Index           *index.Store
	Store           cache.Store
	Uplink          *uplink.Cache
	Secure          bool
	SeedConcurrency int
	Logger          logrus.FieldLogger
	Clock           func() time.Time
}

// Registry 对外提供发布、查询与回源能力。
type Registry struct {
	index    *index.Store
	store    cache.Store
	uplink   *uplink.Cache
	resolver *resolver.Resolver
	secure   bool
	seedN    int
	logger   logrus.FieldLogger
	now      func() time.Time
}

// Artifact 是已解包、待提交的一次发布。Commit 负责把文件原子地放到版本目录。
type Artifact interface {
	Record() pkgmeta.Record
	Commit(versionDir string) error
}

// Summary 是列表与详情接口中的一项：某个包的代表记录及其全部版本。
type Summary struct {
	Package      pkgmeta.Record `json:"package"`
	Versions     []string       `json:"versions"`
	PURL         string         `json:"purl"`
	LicenseValid bool           `json:"licenseValid"`
}

// New 构造门面。
func New(opts Options) (*Registry, error) {
	if opts.Index == nil {
		return nil, errors.New("registry index required")
	}
	if opts.Store == nil {
		return nil, errors.New("registry store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Registry{
		index:    opts.Index,
		store:    opts.Store,
		uplink:   opts.Uplink,
		resolver: resolver.New(opts.Index, logger),
		secure:   opts.Secure,
		seedN:    opts.SeedConcurrency,
		logger:   logger,
		now:      now,
	}, nil
}

// Start 扫描 packagesFolder 并一次性填充索引。
func (r *Registry) Start(ctx context.Context) error {
	manifests, err := r.store.Scan(ctx, cache.ScanOptions{Concurrency: r.seedN, Logger: r.logger})
	if err != nil {
		return fmt.Errorf("scan packages folder: %w", err)
	}

	seed := make(map[index.Key]pkgmeta.Record, len(manifests))
	for _, m := range manifests {
		seed[index.KeyOf(m.Record)] = m.Record
	}
	if err := r.index.Initialize(seed); err != nil {
		if errors.Is(err, index.ErrAlreadyInitialized) {
			return wrap(ErrAlreadyInitialized, err)
		}
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"action":   "seed",
		"folder":   r.store.Root(),
		"packages": len(seed),
	}).Info("index_seeded")
	return nil
}

// SavePackage 只写元数据：文件必须已经落在 packagesFolder/name/version 下。
// 安全模式下已存在的 name@version 返回 ErrConflict。
func (r *Registry) SavePackage(ctx context.Context, rec pkgmeta.Record) (pkgmeta.Record, error) {
	return r.commit(ctx, rec, nil)
}

// Publish 在同一个键锁内完成“存在性检查 → 提交文件 → 写索引”，
// 安全模式下冲突的发布不会触碰磁盘上的既有文件。
func (r *Registry) Publish(ctx context.Context, art Artifact) (pkgmeta.Record, error) {
	return r.commit(ctx, art.Record(), art.Commit)
}

func (r *Registry) commit(ctx context.Context, rec pkgmeta.Record, place func(string) error) (pkgmeta.Record, error) {
	name := pkgmeta.ParseName(rec.Name)
	if err := name.Validate(); err != nil {
		return pkgmeta.Record{}, wrap(ErrInvalidInput, err)
	}
	if err := pkgmeta.ValidateVersion(rec.Version); err != nil {
		return pkgmeta.Record{}, wrap(ErrInvalidInput, err)
	}
	if err := ctx.Err(); err != nil {
		return pkgmeta.Record{}, err
	}

	key := index.KeyOf(rec)
	saved, _, err := r.index.Update(key, func(current *pkgmeta.Record) (*pkgmeta.Record, error) {
		if r.secure && current != nil {
			return nil, ErrConflict
		}
		next := rec
		switch {
		case current != nil && !current.Created.IsZero():
			next.Created = current.Created
		case next.Created.IsZero():
			next.Created = r.now().UTC()
		}
		if place != nil {
			dir, err := r.store.VersionDir(rec.Name, rec.Version)
			if err != nil {
				return nil, wrap(ErrInvalidInput, err)
			}
			if err := place(dir); err != nil {
				return nil, fmt.Errorf("commit package files: %w", err)
			}
			if err := r.stampCreated(ctx, rec.Name, rec.Version, next.Created); err != nil {
				fields := logging.PackageFields(rec.Name, rec.Version, pkgmeta.ManifestFile)
				fields["action"] = "publish"
				r.logger.WithFields(fields).WithError(err).Warn("manifest_stamp_failed")
			}
		}
		return &next, nil
	})
	if err != nil {
		return pkgmeta.Record{}, err
	}

	fields := logging.PackageFields(rec.Name, rec.Version, "")
	fields["action"] = "publish"
	fields["secure"] = r.secure
	r.logger.WithFields(fields).Info("package_saved")
	return saved, nil
}

// stampCreated 把索引中的 created 写回已提交的 package.json，重启扫描后发布时间不变。
func (r *Registry) stampCreated(ctx context.Context, name, version string, created time.Time) error {
	result, err := r.store.Get(ctx, cache.Locator{Name: name, Version: version, File: pkgmeta.ManifestFile})
	if err != nil {
		return err
	}
	data, err := io.ReadAll(result.Reader)
	result.Reader.Close()
	if err != nil {
		return err
	}
	stamped, err := pkgmeta.StampCreated(data, created)
	if err != nil {
		return err
	}
	_, err = r.store.WriteManifest(ctx, name, version, stamped)
	return err
}

// Exists 判断 name@version 是否已在索引中。
func (r *Registry) Exists(name, version string) bool {
	return r.index.Exist(index.Key{Name: name, Version: version})
}

// Versions 返回 name 的全部版本（语义化版本升序）。
func (r *Registry) Versions(name string) []string {
	versions := r.resolver.Versions(name)
	if versions == nil {
		return []string{}
	}
	return versions
}

// GetPackage 返回最高版本的记录。
func (r *Registry) GetPackage(name string) (pkgmeta.Record, error) {
	rec, err := r.resolver.Latest(name)
	if err != nil {
		return pkgmeta.Record{}, wrap(ErrNotFound, fmt.Errorf("no info for %s: %w", name, err))
	}
	return rec, nil
}

// GetPackageVersion 返回确切版本的记录。
func (r *Registry) GetPackageVersion(name, version string) (pkgmeta.Record, error) {
	rec, err := r.index.Get(index.Key{Name: name, Version: version})
	if err != nil {
		return pkgmeta.Record{}, wrap(ErrNotFound, fmt.Errorf("no info for %s@%s: %w", name, version, err))
	}
	return rec, nil
}

// GetSemverVersion 把范围或标签解析为确切版本号，见 resolver.SemverVersion。
func (r *Registry) GetSemverVersion(name, spec string) (string, error) {
	version, err := r.resolver.SemverVersion(name, spec)
	switch {
	case err == nil:
		return version, nil
	case errors.Is(err, resolver.ErrNoVersions):
		return "", wrap(ErrNotFound, err)
	default:
		return "", wrap(ErrInvalidInput, err)
	}
}

// GetFileFromUplink 从上游拉取文件并返回本地路径。
func (r *Registry) GetFileFromUplink(ctx context.Context, name, version, file string) (string, error) {
	localPath, err := r.uplink.Fetch(ctx, name, version, file)
	switch {
	case err == nil:
		return localPath, nil
	case errors.Is(err, uplink.ErrUnavailable):
		return "", &upstreamUnavailable{cause: err}
	case errors.Is(err, uplink.ErrNoUplink), errors.Is(err, uplink.ErrNotFound):
		return "", wrap(ErrNotFound, err)
	default:
		return "", err
	}
}

// GetLastPublishedPackages 按 created 倒序返回最近发布的包，同名版本合并为一项。
func (r *Registry) GetLastPublishedPackages(limit int) []Summary {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	values := r.index.Values()
	sort.SliceStable(values, func(i, j int) bool {
		if !values[i].Created.Equal(values[j].Created) {
			return values[i].Created.After(values[j].Created)
		}
		return index.KeyOf(values[i]).String() < index.KeyOf(values[j]).String()
	})

	seen := make(map[string]struct{})
	out := make([]Summary, 0, limit)
	for _, rec := range values {
		if _, ok := seen[rec.Name]; ok {
			continue
		}
		seen[rec.Name] = struct{}{}
		out = append(out, r.Summarize(rec))
		if len(out) == limit {
			break
		}
	}
	return out
}

// FindPublishedPackages 对索引键做不区分大小写的子串匹配，每个包返回最高版本。
func (r *Registry) FindPublishedPackages(query string) []Summary {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return []Summary{}
	}

	names := make(map[string]struct{})
	for _, key := range r.index.Keys() {
		if strings.Contains(strings.ToLower(key.String()), query) {
			names[key.Name] = struct{}{}
		}
	}

	out := make([]Summary, 0, len(names))
	for name := range names {
		rec, err := r.resolver.Latest(name)
		if err != nil {
			continue
		}
		out = append(out, r.Summarize(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Package.Name < out[j].Package.Name })
	return out
}

// Summarize 附带 rec 所属包的全部版本、purl 与许可证校验结果。
func (r *Registry) Summarize(rec pkgmeta.Record) Summary {
	return Summary{
		Package:      rec,
		Versions:     r.Versions(rec.Name),
		PURL:         rec.PURL(),
		LicenseValid: rec.LicenseValid(),
	}
}

// FlattenedName 返回上游使用的扁平化包名。
func (r *Registry) FlattenedName(name string) string {
	return pkgmeta.FlattenName(name)
}

// PackagesFolder 返回包目录的绝对路径。
func (r *Registry) PackagesFolder() string {
	return r.store.Root()
}

// Secure 表示是否禁止覆盖已发布版本。
func (r *Registry) Secure() bool {
	return r.secure
}

// IndexSize 返回索引条目数。
func (r *Registry) IndexSize() int {
	return r.index.Len()
}

// UplinkStatus 返回上游诊断信息。
func (r *Registry) UplinkStatus() uplink.Status {
	return r.uplink.Status()
}

// Store 返回底层磁盘存储，供静态文件服务使用。
func (r *Registry) Store() cache.Store {
	return r.store
}
