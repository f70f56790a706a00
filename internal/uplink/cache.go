package uplink

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/any-cdn/internal/cache"
	"github.com/any-hub/any-cdn/internal/index"
	"github.com/any-hub/any-cdn/internal/logging"
	"github.com/any-hub/any-cdn/internal/pkgmeta"
)

// Indexer 是回填索引所需的最小接口。
type Indexer interface {
	Update(key index.Key, fn index.UpdateFunc) (pkgmeta.Record, bool, error)
}

// CacheOptions 描述回源缓存依赖。Client 为 nil 表示未配置上游。
type CacheOptions struct {
	Client  *Client
	Index   Indexer
	Store   cache.Store
	MissTTL time.Duration
	Logger  logrus.FieldLogger
	Clock   func() time.Time
}

// Cache 把上游文件拉取到本地 packagesFolder，并在首次命中某个版本时合成索引记录。
type Cache struct {
	client *Client
	index  Indexer
	store  cache.Store
	misses *gocache.Cache
	group  singleflight.Group
	logger logrus.FieldLogger
	now    func() time.Time
}

// Status 是回源组件的诊断快照。
type Status struct {
	Host    string `json:"host"`
	Breaker string `json:"breaker"`
	Misses  int    `json:"recent_misses"`
}

// NewCache 构造回源缓存；MissTTL <= 0 时不缓存上游未命中。
func NewCache(opts CacheOptions) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	c := &Cache{
		client: opts.Client,
		index:  opts.Index,
		store:  opts.Store,
		logger: logger,
		now:    now,
	}
	if opts.MissTTL > 0 {
		// cleanupInterval 为 0：不启动后台清理 goroutine，过期项在读取时判定。
		c.misses = gocache.New(opts.MissTTL, 0)
	}
	return c
}

// Enabled 表示是否配置了上游。
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// Status 返回当前上游、熔断状态与未命中缓存条数。
func (c *Cache) Status() Status {
	if !c.Enabled() {
		return Status{Breaker: "disabled"}
	}
	st := Status{Host: c.client.Host(), Breaker: c.client.BreakerState()}
	if c.misses != nil {
		st.Misses = c.misses.ItemCount()
	}
	return st
}

// Fetch 从上游拉取 name@version 下的 file，返回本地绝对路径。
// 同一文件的并发请求只会产生一次上游请求；调用方取消 ctx 不会中断已经开始的回源。
func (c *Cache) Fetch(ctx context.Context, name, version, file string) (string, error) {
	if !c.Enabled() {
		return "", ErrNoUplink
	}

	pkg := pkgmeta.ParseName(name)
	if err := pkg.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err := pkgmeta.ValidateVersion(version); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	file = strings.TrimPrefix(path.Clean("/"+file), "/")
	if file == "" {
		return "", fmt.Errorf("%w: empty file", ErrNotFound)
	}

	key := index.Key{Name: name, Version: version}.String() + "/" + file
	if c.misses != nil {
		if _, found := c.misses.Get(key); found {
			return "", fmt.Errorf("%w: recently missed", ErrNotFound)
		}
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.fill(context.WithoutCancel(ctx), pkg, version, file, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Cache) fill(ctx context.Context, pkg pkgmeta.PackageName, version, file, missKey string) (string, error) {
	started := time.Now()
	name := pkg.Name()
	flat := pkg.Flatten()
	fields := logging.PackageFields(name, version, file)
	fields["action"] = "uplink"
	fields["upstream"] = c.client.URL(flat, version, file)
	fields["cache_hit"] = false

	resp, err := c.client.Fetch(ctx, flat, version, file)
	if err != nil {
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		if errors.Is(err, ErrNotFound) && c.misses != nil {
			c.misses.SetDefault(missKey, struct{}{})
		}
		c.logger.WithFields(fields).WithError(err).Warn("uplink_failed")
		return "", err
	}
	defer resp.Body.Close()
	fields["upstream_status"] = resp.Status

	if err := c.ensureRecord(ctx, name, flat, version); err != nil {
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		c.logger.WithFields(fields).WithError(err).Error("uplink_record_failed")
		return "", err
	}

	entry, err := c.persist(ctx, cache.Locator{Name: name, Version: version, File: file}, resp)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Error("uplink_write_failed")
		return "", fmt.Errorf("persist upstream file: %w", err)
	}

	fields["size_bytes"] = entry.SizeBytes
	c.logger.WithFields(fields).Info("uplink_complete")
	return entry.FilePath, nil
}

// persist 在 (name, version) 键锁内落盘，与发布替换版本目录互斥。
// 不能嵌套在 ensureRecord 内：键锁不可重入，非作用域包两者是同一个键。
func (c *Cache) persist(ctx context.Context, locator cache.Locator, resp *Response) (*cache.Entry, error) {
	var entry *cache.Entry
	_, _, err := c.index.Update(index.Key{Name: locator.Name, Version: locator.Version}, func(*pkgmeta.Record) (*pkgmeta.Record, error) {
		var err error
		entry, err = c.store.Put(ctx, locator, resp.Body, cache.PutOptions{ModTime: resp.LastModified})
		return nil, err
	})
	return entry, err
}

// ensureRecord 在 (flattened, version) 首次出现时合成记录：先写清单文件，再写索引。
// 清单写在请求名目录下；该目录已有真实清单时不覆盖。
func (c *Cache) ensureRecord(ctx context.Context, name, flat, version string) error {
	key := index.Key{Name: flat, Version: version}
	_, _, err := c.index.Update(key, func(current *pkgmeta.Record) (*pkgmeta.Record, error) {
		if current != nil {
			return nil, nil
		}
		stub := pkgmeta.NewStubRecord(flat, version, c.client.Host(), c.now().UTC())

		manifest := cache.Locator{Name: name, Version: version, File: pkgmeta.ManifestFile}
		if _, err := c.store.Stat(ctx, manifest); err == nil {
			return &stub, nil
		} else if !errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}

		data, err := pkgmeta.EncodeStubManifest(stub)
		if err != nil {
			return nil, err
		}
		if _, err := c.store.WriteManifest(ctx, name, version, data); err != nil {
			return nil, fmt.Errorf("write stub manifest: %w", err)
		}
		return &stub, nil
	})
	return err
}
