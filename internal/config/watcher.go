package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the new, validated config after any watched file
// changed. It runs on the watcher goroutine.
type ReloadFunc func(newCfg *Config)

// Watcher reloads the config file when it, or any fallback host file it
// names, changes on disk. fsnotify gives fast notification on regular
// filesystems; a content-hash poll catches ConfigMap symlink swaps that
// inotify misses.
type Watcher struct {
	path     string
	onReload ReloadFunc
	logger   *slog.Logger

	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	extra   []string // fallback files from the last good config.
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a watcher for the config file at path. extra lists
// additional files whose change should also trigger a reload (the fallback
// host files). Nothing is watched until Start.
func NewWatcher(path string, extra []string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		extra:        append([]string(nil), extra...),
		onReload:     onReload,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// files returns the config path followed by the current extra files.
func (w *Watcher) files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.extra)+1)
	out = append(out, w.path)
	return append(out, w.extra...)
}

// fingerprint combines the content hash of every watched file with the
// "..data" symlink target of each parent directory.
func fingerprint(paths []string) string {
	h := sha256.New()
	seenDirs := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write([]byte(hashFile(p)))
		dir := filepath.Dir(p)
		if _, ok := seenDirs[dir]; ok {
			continue
		}
		seenDirs[dir] = struct{}{}
		h.Write([]byte(readlink(filepath.Join(dir, "..data"))))
	}
	return string(h.Sum(nil))
}

// Start watches until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.addWatches(fsw); err != nil {
		return err
	}

	w.logger.Info("config watcher started", "path", w.path)

	last := fingerprint(w.files())

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	pollTicker := time.NewTicker(w.pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C
			// Atomic save-and-rename drops the old inode from the watch.
			_ = fsw.Add(event.Name)

		case <-debounceCh:
			debounceCh = nil
			w.reload(fsw)
			last = fingerprint(w.files())

		case <-pollTicker.C:
			if fp := fingerprint(w.files()); fp != last {
				last = fp
				w.logger.Debug("config change detected via polling", "path", w.path)
				w.reload(fsw)
				last = fingerprint(w.files())
			}

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", watchErr)
		}
	}
}

// addWatches registers every parent directory and file. The config file's
// directory must be watchable; extra files are best effort.
func (w *Watcher) addWatches(fsw *fsnotify.Watcher) error {
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	for _, p := range w.files() {
		_ = fsw.Add(filepath.Dir(p))
		_ = fsw.Add(p)
	}
	return nil
}

// reload loads and validates the config. On failure the previous config
// stays in effect.
func (w *Watcher) reload(fsw *fsnotify.Watcher) {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}

	w.mu.Lock()
	w.extra = append([]string(nil), newCfg.Fallback.Files...)
	w.mu.Unlock()
	if fsw != nil {
		_ = w.addWatches(fsw)
	}

	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(newCfg)
}

// Stop terminates the watcher goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// hashFile returns the SHA-256 digest of the resolved file content, or ""
// if it cannot be read.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the target of a symlink, or "" if path is not one.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
