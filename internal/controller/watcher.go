package controller

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watcher turns file-system activity under the watched paths into wake-ups.
// Directories are watched recursively; a file is watched through its parent
// directory and only its own events count.
type watcher struct {
	fs     *fsnotify.Watcher
	files  map[string]bool // watched files, by absolute path
	dirs   map[string]bool // recursively watched directory roots
	wake   chan struct{}
	logger *zap.Logger
}

func newWatcher(paths []string, logger *zap.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &watcher{
		fs:     fw,
		files:  make(map[string]bool),
		dirs:   make(map[string]bool),
		wake:   make(chan struct{}, 1),
		logger: logger,
	}

	added := 0
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		info, err := os.Stat(abs)
		switch {
		case err == nil && info.IsDir():
			w.dirs[abs] = true
			added += w.addTree(abs)
		case err == nil || errors.Is(err, fs.ErrNotExist):
			// Files may not exist yet (an events stream before the first
			// event); their directory must.
			dir := filepath.Dir(abs)
			if err := fw.Add(dir); err != nil {
				logger.Debug("cannot watch path", zap.String("path", abs), zap.Error(err))
				continue
			}
			w.files[abs] = true
			added++
		default:
			logger.Debug("cannot watch path", zap.String("path", abs), zap.Error(err))
		}
	}
	if added == 0 {
		fw.Close()
		return nil, errors.New("no watchable paths")
	}
	return w, nil
}

// addTree watches root and every directory below it.
func (w *watcher) addTree(root string) int {
	n := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := w.fs.Add(path); err == nil {
			n++
		}
		return nil
	})
	return n
}

func (w *watcher) relevant(name string) bool {
	if w.files[name] {
		return true
	}
	for dir := range w.dirs {
		if name == dir || strings.HasPrefix(name, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// run forwards events until ctx is done or the watcher is closed.
func (w *watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addTree(event.Name)
				}
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				select {
				case w.wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}

// Close stops the underlying watcher.
func (w *watcher) Close() error {
	return w.fs.Close()
}
