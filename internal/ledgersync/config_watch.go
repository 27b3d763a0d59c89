package ledgersync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const configReloadDebounce = 250 * time.Millisecond

// WatchConfig reloads path whenever it changes and hands every valid result
// to onChange. Invalid edits are logged and skipped. The parent directory is
// watched so editors that replace the file by rename are seen too. Blocks
// until ctx is done.
func WatchConfig(ctx context.Context, path string, getenv func(string) string, logger *slog.Logger, onChange func(Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(configReloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "path", target, "error", err)
		case <-pending:
			pending = nil
			cfg, err := LoadConfig(target)
			if err == nil {
				cfg.ApplyEnv(getenv)
				err = cfg.Validate()
			}
			if err != nil {
				logger.Error("config reload rejected", "path", target, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", target)
			onChange(cfg)
		}
	}
}
