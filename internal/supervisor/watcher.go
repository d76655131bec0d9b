package supervisor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agent-racer/pitwall/internal/session"
)

// watchFiles starts the session's file watcher. Changes are batched for
// the debounce period and reported as one FilesChanged.
func (d *Dispatcher) watchFiles(a WatchFiles) error {
	if !d.registry.Exists(a.Session) {
		return fmt.Errorf("watch %v: %w", a.Session, ErrUnknownSession)
	}
	if _, ok := d.tasks.lookup(a.Session, watchTask); ok {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %v: %w", a.Session, err)
	}
	cfg := d.cfg.Watch
	dir := d.tasks.workDir(a.Session)
	for _, root := range cfg.Paths {
		root = watchRoot(dir, root)
		if err := addTree(w, root); err != nil {
			d.logger.Warn("cannot watch path", "session", a.Session, "path", root, "err", err)
		}
	}

	_, err = d.goTask(a.Session, watchTask, true, func(ctx context.Context, _ *Task) {
		defer w.Close()
		fw := &fileWatcher{
			id:       a.Session,
			w:        w,
			exts:     cfg.Extensions,
			debounce: cfg.Debounce,
			d:        d,
		}
		fw.run(ctx)
	})
	if err != nil {
		w.Close()
	}
	return err
}

// watchRoot resolves a relative watch path against the launch's working
// directory.
func watchRoot(dir, path string) string {
	if dir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

type fileWatcher struct {
	d        *Dispatcher
	id       session.ID
	w        *fsnotify.Watcher
	exts     []string
	debounce time.Duration
}

func (fw *fileWatcher) run(ctx context.Context) {
	pending := make(map[string]struct{})
	timer := time.NewTimer(fw.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addTree(fw.w, ev.Name); err != nil {
						fw.d.logger.Debug("cannot watch new directory", "path", ev.Name, "err", err)
					}
					continue
				}
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !fw.matches(ev.Name) {
				continue
			}
			if len(pending) == 0 {
				timer.Reset(fw.debounce)
			}
			pending[ev.Name] = struct{}{}

		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			fw.d.logger.Warn("file watcher error", "session", fw.id, "err", err)

		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			clear(pending)
			fw.d.logger.Debug("files changed", "session", fw.id, "count", len(paths))
			fw.d.bus.Emit(FilesChanged{Session: fw.id, Paths: paths})
		}
	}
}

func (fw *fileWatcher) matches(path string) bool {
	if len(fw.exts) == 0 {
		return true
	}
	return slices.Contains(fw.exts, strings.ToLower(filepath.Ext(path)))
}

// addTree watches root and every directory below it, skipping hidden ones.
func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if !de.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(de.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}
