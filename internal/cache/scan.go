package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/any-hub/any-cdn/internal/pkgmeta"
)

// DefaultScanConcurrency 是启动扫描时并行解析清单的默认上限。
const DefaultScanConcurrency = 8

// ScanOptions 控制启动扫描。
type ScanOptions struct {
	Concurrency int
	Logger      logrus.FieldLogger
}

// Manifest 是扫描得到的一份清单及其文件信息。
type Manifest struct {
	Record  pkgmeta.Record
	Path    string
	ModTime time.Time
}

func (s *fileStore) Scan(ctx context.Context, opts ScanOptions) ([]Manifest, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultScanConcurrency
	}

	paths, err := s.manifestPaths()
	if err != nil {
		return nil, err
	}

	results := make([]*Manifest, len(paths))
	sem := semaphore.NewWeighted(int64(limit))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, manifestPath := range paths {
		if err := sem.Acquire(groupCtx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)
			m, err := readManifest(manifestPath)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"action": "seed",
					"path":   manifestPath,
				}).Warnf("skip manifest: %v", err)
				return nil
			}
			results[i] = m
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	manifests := make([]Manifest, 0, len(results))
	for _, m := range results {
		if m != nil {
			manifests = append(manifests, *m)
		}
	}
	return manifests, nil
}

// manifestPaths 收集 <name>/<version>/package.json 与 @scope/<name>/<version>/package.json，
// 以 . 开头的暂存目录会被跳过。
func (s *fileStore) manifestPaths() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, relErr := filepath.Rel(s.basePath, p)
		if relErr != nil || rel == "." {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			maxDepth := 2
			if strings.HasPrefix(parts[0], "@") {
				maxDepth = 3
			}
			if len(parts) > maxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != pkgmeta.ManifestFile {
			return nil
		}
		depth := 3
		if strings.HasPrefix(parts[0], "@") {
			depth = 4
		}
		if len(parts) == depth {
			paths = append(paths, p)
		}
		return nil
	})
	return paths, err
}

// readManifest 解析清单；没有 created 字段时用文件修改时间代替发布时间。
func readManifest(manifestPath string) (*Manifest, error) {
	info, err := os.Stat(manifestPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}
	rec, err := pkgmeta.DecodeManifest(data)
	if err != nil {
		return nil, err
	}
	if rec.Created.IsZero() {
		rec.Created = info.ModTime().UTC()
	}
	return &Manifest{Record: rec, Path: manifestPath, ModTime: info.ModTime()}, nil
}
