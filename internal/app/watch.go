package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vk/dgsplice/internal/splice"
)

// reloadDebounce is how long the watcher waits for more writes before
// reloading operator sources.
const reloadDebounce = 100 * time.Millisecond

// operatorFiles returns the absolute source paths of every operator in host
// that was loaded from a file.
func operatorFiles(host *splice.Host) map[string]struct{} {
	files := make(map[string]struct{})
	for _, name := range host.Operators() {
		path, err := host.OperatorFilePath(name)
		if err != nil || path == "" {
			continue
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		files[path] = struct{}{}
	}
	return files
}

// watch reloads operator source files when they change and calls onReload
// with the names of the operators whose source changed. It blocks until ctx
// is cancelled.
func (a *App) watch(ctx context.Context, host *splice.Host, onReload func(context.Context, []string) error) error {
	files := operatorFiles(host)
	if len(files) == 0 {
		a.logger.Warn("Watch requested but no operator is backed by a file.")
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dirs := make(map[string]struct{})
	for f := range files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	watched := make([]string, 0, len(dirs))
	for d := range dirs {
		// Editors often replace files, so the directory is watched.
		if err := watcher.Add(d); err != nil {
			return fmt.Errorf("failed to watch %s: %w", d, err)
		}
		watched = append(watched, d)
	}
	sort.Strings(watched)
	a.logger.Info("👀 Watching operator sources.", "files", len(files), "directories", watched)

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, tracked := files[filepath.Clean(event.Name)]; !tracked {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			a.logger.Debug("Operator source changed.", "file", event.Name, "op", event.Op.String())
			timer.Reset(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("File watcher error.", "error", err)

		case <-timer.C:
			changed, err := host.ReloadOperatorFiles()
			if err != nil {
				a.logger.Error("Failed to reload operator sources.", "error", err)
				continue
			}
			if len(changed) == 0 {
				continue
			}
			a.logger.Info("🔁 Operators reloaded.", "operators", changed)
			if err := onReload(ctx, changed); err != nil {
				a.logger.Error("Re-evaluation after reload failed.", "error", err)
			}
		}
	}
}
