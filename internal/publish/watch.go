package publish

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce 是连续文件事件合并为一次发布的等待时间。
const DefaultDebounce = 300 * time.Millisecond

// WatchOptions 描述监听范围。SourceFolder 递归监听，ManifestPath/ReadmePath 只看这两个文件。
type WatchOptions struct {
	SourceFolder string
	ManifestPath string
	ReadmePath   string
	Debounce     time.Duration
	Logger       logrus.FieldLogger
}

// Watch 在文件变化并静默 Debounce 之后调用 onChange，阻塞直到 ctx 结束。
// onChange 返回的错误只记录日志，不会终止监听。
func Watch(ctx context.Context, opts WatchOptions, onChange func(context.Context) error) error {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := newWatchSet(opts)
	if err != nil {
		return err
	}
	defer w.fsw.Close()

	var (
		timer   *time.Timer
		pending bool
	)
	timerC := func() <-chan time.Time {
		if timer != nil {
			return timer.C
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				_ = w.addTree(event.Name)
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			pending = true

		case <-timerC():
			if !pending {
				continue
			}
			pending = false
			if err := onChange(ctx); err != nil {
				logger.WithFields(logrus.Fields{"action": "watch"}).WithError(err).Warn("republish_failed")
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logger.WithFields(logrus.Fields{"action": "watch"}).WithError(err).Warn("watch_error")
		}
	}
}

type watchSet struct {
	fsw    *fsnotify.Watcher
	source string
	files  map[string]struct{}
}

func newWatchSet(opts WatchOptions) (*watchSet, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	source, err := filepath.Abs(opts.SourceFolder)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	w := &watchSet{fsw: fsw, source: source, files: make(map[string]struct{})}

	if err := w.addTree(source); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", source, err)
	}

	dirs := make(map[string]struct{})
	for _, p := range []string{opts.ManifestPath, opts.ReadmePath} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		w.files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if isWithin(source, dir) {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching directory %s: %w", dir, err)
		}
	}
	return w, nil
}

// addTree 监听 root 及其全部子目录；fsnotify 本身不递归。
func (w *watchSet) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(p)
		}
		return nil
	})
}

func (w *watchSet) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	if _, ok := w.files[name]; ok {
		return true
	}
	return isWithin(w.source, name)
}

// isWithin 判断 p 是否位于 root 之下（或等于 root）。
func isWithin(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
