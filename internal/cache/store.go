package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理 packagesFolder 下的制品文件。磁盘布局遵循：
//
//	<PackagesFolder>/<name>/<version>/package.json   # 清单
//	<PackagesFolder>/<name>/<version>/<file>         # 任意制品文件
//
// scoped 包的 <name> 含字面量 @scope/ 目录层级。
type Store interface {
	// Root 返回 packagesFolder 的绝对路径。
	Root() string

	// Get 返回一个可流式读取的文件。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Stat 返回文件信息而不打开文件。若不存在则返回 ErrNotFound。
	Stat(ctx context.Context, locator Locator) (*Entry, error)

	// Put 将正文写入目标文件，通过临时文件 + rename 保证原子性。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个文件，文件不存在时视为成功。
	Remove(ctx context.Context, locator Locator) error

	// WriteManifest 原子写入 <name>/<version>/package.json。
	WriteManifest(ctx context.Context, name, version string, data []byte) (*Entry, error)

	// VersionDir 返回 <name>/<version> 目录的绝对路径，不保证目录存在。
	VersionDir(name, version string) (string, error)

	// Scan 遍历全部清单，解析失败的清单记录警告后跳过。
	Scan(ctx context.Context, opts ScanOptions) ([]Manifest, error)
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Locator 唯一定位一个制品文件，File 为版本目录下的相对 URL 路径。
type Locator struct {
	Name    string
	Version string
	File    string
}

// Entry 表示一个已存在的文件，包含绝对路径及文件信息。
type Entry struct {
	Locator   Locator `json:"locator"`
	FilePath  string  `json:"file_path"`
	SizeBytes int64   `json:"size_bytes"`
	ModTime   time.Time
}

// ReadResult 组合 Entry 与正文 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示文件不存在。
	ErrNotFound = errors.New("package file not found")
	// ErrInvalidLocator 表示 Locator 会逃逸出 packagesFolder 或缺少必要字段。
	ErrInvalidLocator = errors.New("invalid package file locator")
)
