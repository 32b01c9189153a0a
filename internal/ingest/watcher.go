package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type WatchConfig struct {
	Root        string        // inbox directory, watched recursively
	InitialScan bool          // emit documents already present at start
	Debounce    time.Duration // coalesce write bursts of one file
}

// Watch emits the paths of documents that appear under cfg.Root. Hidden
// files and unsupported extensions are ignored. Both channels close when
// ctx ends.
func Watch(ctx context.Context, cfg WatchConfig, logger *slog.Logger) (<-chan string, <-chan error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Root == "" {
		return nil, nil, errors.New("inbox root is required")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create fsnotify watcher", "error", err)
		return nil, nil, err
	}

	var initial []string
	err = filepath.WalkDir(cfg.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != cfg.Root && IsHidden(path) {
				return filepath.SkipDir
			}
			return w.Add(path)
		}
		if cfg.InitialScan && isDocument(path) {
			initial = append(initial, path)
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to add inbox directory", "root", cfg.Root, "error", err)
		_ = w.Close()
		return nil, nil, err
	}

	evCh := make(chan string, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(evCh)
		defer w.Close()

		for _, p := range initial {
			select {
			case evCh <- p:
			case <-ctx.Done():
				return
			}
		}

		var (
			mu      sync.Mutex
			pending = map[string]*time.Timer{}
			flushed = make(chan string, 256)
		)
		defer func() {
			mu.Lock()
			for _, t := range pending {
				t.Stop()
			}
			mu.Unlock()
		}()
		schedule := func(path string) {
			mu.Lock()
			defer mu.Unlock()
			if t, ok := pending[path]; ok {
				t.Reset(cfg.Debounce)
				return
			}
			pending[path] = time.AfterFunc(cfg.Debounce, func() {
				mu.Lock()
				delete(pending, path)
				mu.Unlock()
				select {
				case flushed <- path:
				default:
					logger.Warn("inbox event dropped, consumer is behind", "path", path)
				}
			})
		}

		for {
			select {
			case <-ctx.Done():
				return
			case p := <-flushed:
				select {
				case evCh <- p:
				case <-ctx.Done():
					return
				}
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if e.Has(fsnotify.Create) && !IsHidden(e.Name) {
					// New subdirectories are batches; watch them too.
					if fi, err := os.Stat(e.Name); err == nil && fi.IsDir() {
						if err := w.Add(e.Name); err != nil {
							logger.Warn("failed to watch inbox subdirectory", "path", e.Name, "error", err)
						}
					}
				}
				if !isDocument(e.Name) || !(e.Has(fsnotify.Create) || e.Has(fsnotify.Write)) {
					continue
				}
				if cfg.Debounce <= 0 {
					select {
					case evCh <- e.Name:
					case <-ctx.Done():
						return
					}
					continue
				}
				schedule(e.Name)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("inbox watcher error", "error", err)
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()

	return evCh, errCh, nil
}

func isDocument(path string) bool {
	return !IsHidden(path) && AllowedExt(filepath.Ext(path))
}
