// Package publish 实现 publish 子命令：把构建产物与 package.json、README.md
// 打成 tar.gz，以 multipart 方式上传到仓库，并可在文件变化后自动重新发布。
package publish

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/any-hub/any-cdn/internal/pkgmeta"
)

// ReadmeFile 是归档根目录中 README 的文件名。
const ReadmeFile = "README.md"

// PackOptions 描述归档来源。ReadmePath 指向的文件不存在时仅跳过。
type PackOptions struct {
	SourceFolder string
	ManifestPath string
	ReadmePath   string
}

// Archive 是打包结果。
type Archive struct {
	Name          string
	Version       string
	Data          []byte
	Files         int
	MissingReadme bool
}

// FileName 返回上传时使用的文件名，如 foo_bar_1.0.0.tar.gz。
func (a *Archive) FileName() string {
	return fmt.Sprintf("%s_%s.tar.gz", pkgmeta.FlattenName(a.Name), a.Version)
}

// Pack 把 SourceFolder 的内容放到归档根目录，再写入 package.json 与 README.md。
// 源目录中同名的根文件会被这两个文件替代，源目录本身不会被修改。
func Pack(opts PackOptions) (*Archive, error) {
	manifest, err := os.ReadFile(opts.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", opts.ManifestPath, err)
	}
	rec, err := pkgmeta.DecodeManifest(manifest)
	if err != nil {
		return nil, err
	}

	var readme []byte
	missingReadme := false
	if opts.ReadmePath != "" {
		readme, err = os.ReadFile(opts.ReadmePath)
		if errors.Is(err, fs.ErrNotExist) {
			missingReadme, readme = true, nil
		} else if err != nil {
			return nil, fmt.Errorf("read %s: %w", opts.ReadmePath, err)
		}
	}

	info, err := os.Stat(opts.SourceFolder)
	if err != nil {
		return nil, fmt.Errorf("source folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source folder %s is not a directory", opts.SourceFolder)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	files := 0
	err = filepath.WalkDir(opts.SourceFolder, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(opts.SourceFolder, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)
		if name == pkgmeta.ManifestFile || (readme != nil && name == ReadmeFile) {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			return tw.WriteHeader(&tar.Header{Name: name + "/", Typeflag: tar.TypeDir, Mode: 0o755, ModTime: time.Now()})
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := addFile(tw, name, p); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", opts.SourceFolder, err)
	}

	now := time.Now()
	if err := addBytes(tw, pkgmeta.ManifestFile, manifest, now); err != nil {
		return nil, err
	}
	files++
	if readme != nil {
		if err := addBytes(tw, ReadmeFile, readme, now); err != nil {
			return nil, err
		}
		files++
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	return &Archive{
		Name:          rec.Name,
		Version:       rec.Version,
		Data:          buf.Bytes(),
		Files:         files,
		MissingReadme: missingReadme,
	}, nil
}

func addFile(tw *tar.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func addBytes(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), ModTime: modTime}); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
