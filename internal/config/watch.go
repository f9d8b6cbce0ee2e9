package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the config whenever a config or .env file in the base
// directory changes and hands the result to onChange. A file that fails to
// load or validate is logged and the previous config stays active. Watch
// blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context, logger *slog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// editors replace files by rename, so watch the directory
	if err := watcher.Add(m.baseDir); err != nil {
		return fmt.Errorf("watch %s: %w", m.baseDir, err)
	}

	logger.Debug("Watching config directory", "dir", m.baseDir)

	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !relevant(ev) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}

			trigger = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("Config watcher error", "error", err)

		case <-trigger:
			trigger = nil
			m.reload(logger, onChange)
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}

	switch filepath.Base(ev.Name) {
	case DefaultYAMLFilename, DefaultConfigFilename, EnvFilename:
		return true
	}

	return false
}

func (m *Manager) reload(logger *slog.Logger, onChange func(*Config)) {
	previous := m.Get()

	cfg, err := m.Load()
	if err != nil {
		logger.Error("Config reload failed, keeping previous config", "error", err)
		m.configValue.Store(previous)

		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("Reloaded config is invalid, keeping previous config", "error", err)
		m.configValue.Store(previous)

		return
	}

	logger.Info("Config reloaded", "path", m.GetPath(), "aliases", len(cfg.ModelMapping))
	onChange(cfg)
}
