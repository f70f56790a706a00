// Package upload 把发布上传的 tar / tar.gz 解包到 packagesFolder 下的暂存目录，
// 校验 package.json 后再整体提交到 <name>/<version>。
package upload

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/any-hub/any-cdn/internal/pkgmeta"
)

var (
	// ErrInvalidArchive 表示上传内容不是合法的 tar / tar.gz 或包含越界路径。
	ErrInvalidArchive = errors.New("invalid package archive")
	// ErrTooLarge 表示解包后的总大小超过上限。
	ErrTooLarge = errors.New("package archive too large")
)

// stagingPrefix 以 . 开头，启动扫描会跳过这些目录。
const stagingPrefix = ".staging-"

// Options 控制解包行为。
type Options struct {
	// StagingRoot 必须与 packagesFolder 位于同一文件系统，提交时使用 rename。
	StagingRoot string
	// MaxBytes 限制解包后文件总字节数，<= 0 表示不限制。
	MaxBytes int64
}

// Staged 是一次解包结果，实现 registry.Artifact。
type Staged struct {
	dir    string
	root   string
	record pkgmeta.Record
}

// Extract 解包 r 并解析其中的 package.json。失败时不会留下暂存目录。
func Extract(ctx context.Context, r io.Reader, opts Options) (*Staged, error) {
	if opts.StagingRoot == "" {
		return nil, errors.New("staging root required")
	}
	if err := os.MkdirAll(opts.StagingRoot, 0o755); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(opts.StagingRoot, stagingPrefix+"*")
	if err != nil {
		return nil, err
	}

	staged, err := extractInto(ctx, r, dir, opts.MaxBytes)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return staged, nil
}

func extractInto(ctx context.Context, r io.Reader, dir string, maxBytes int64) (*Staged, error) {
	reader, err := decompress(r)
	if err != nil {
		return nil, err
	}

	tr := tar.NewReader(reader)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}

		rel, err := entryPath(hdr.Name)
		if err != nil {
			return nil, err
		}
		if rel == "" {
			continue
		}
		target := filepath.Join(dir, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			total += hdr.Size
			if maxBytes > 0 && total > maxBytes {
				return nil, ErrTooLarge
			}
			if err := writeFile(target, tr, hdr.Size); err != nil {
				return nil, err
			}
		default:
			// 链接与设备文件一律忽略。
		}
	}

	root := dir
	if _, err := os.Stat(filepath.Join(dir, pkgmeta.ManifestFile)); errors.Is(err, os.ErrNotExist) {
		// npm pack 生成的包以 package/ 为顶层目录。
		nested := filepath.Join(dir, "package")
		if _, err := os.Stat(filepath.Join(nested, pkgmeta.ManifestFile)); err == nil {
			root = nested
		}
	}

	data, err := os.ReadFile(filepath.Join(root, pkgmeta.ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("%w: package.json missing", ErrInvalidArchive)
	}
	rec, err := pkgmeta.DecodeManifest(data)
	if err != nil {
		return nil, err
	}
	if rec.Readme == "" {
		if readme, err := os.ReadFile(filepath.Join(root, "README.md")); err == nil {
			rec.Readme = string(readme)
		}
	}
	return &Staged{dir: dir, root: root, record: rec}, nil
}

// decompress 通过魔数识别 gzip，其余按未压缩 tar 处理。
func decompress(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		return gz, nil
	}
	return br, nil
}

// entryPath 规范化 tar 条目路径，拒绝绝对路径与 .. 越界。
func entryPath(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidArchive, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: path traversal %q", ErrInvalidArchive, name)
		}
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

func writeFile(target string, r io.Reader, size int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, size); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	return f.Close()
}

// Record 返回解析后的清单记录。
func (s *Staged) Record() pkgmeta.Record {
	return s.record
}

// Root 返回解包内容的根目录。
func (s *Staged) Root() string {
	return s.root
}

// Commit 用暂存内容整体替换 versionDir：旧目录先改名，新目录 rename 到位后再删除旧目录。
func (s *Staged) Commit(versionDir string) error {
	if err := os.MkdirAll(filepath.Dir(versionDir), 0o755); err != nil {
		return err
	}

	var backup string
	if _, err := os.Stat(versionDir); err == nil {
		backup = filepath.Join(filepath.Dir(versionDir), ".old-"+filepath.Base(versionDir)+filepath.Base(s.dir))
		if err := os.Rename(versionDir, backup); err != nil {
			return err
		}
	}

	if err := os.Rename(s.root, versionDir); err != nil {
		if backup != "" {
			_ = os.Rename(backup, versionDir)
		}
		return err
	}
	if backup != "" {
		_ = os.RemoveAll(backup)
	}
	return os.RemoveAll(s.dir)
}

// Cleanup 删除暂存目录，Commit 成功后调用也是安全的。
func (s *Staged) Cleanup() error {
	return os.RemoveAll(s.dir)
}
