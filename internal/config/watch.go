package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/August26/stealthfetch-go/internal/logging"
	"github.com/August26/stealthfetch-go/internal/model"
	"github.com/August26/stealthfetch-go/internal/parser"
)

// WatchProxyFile re-parses path on every write and hands the fresh list to
// onReload. Editors that replace the file (rename+create) are handled by
// watching the parent directory. The watcher stops when ctx is cancelled.
func WatchProxyFile(ctx context.Context, path string, log *slog.Logger, onReload func([]model.ProxyEndpoint)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return err
	}

	wlog := logging.With(log, "config")

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				endpoints, err := parser.LoadFromFile(abs)
				if err != nil {
					wlog.Warn("proxy file reload failed", "path", abs, "err", err)
					continue
				}
				wlog.Info("proxy file reloaded", "path", abs, "endpoints", len(endpoints))
				onReload(endpoints)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				wlog.Warn("proxy file watch error", "err", err)
			}
		}
	}()
	return nil
}
