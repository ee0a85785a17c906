package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch re-loads the config file whenever it changes on disk and hands the
// new config to onReload. The watch is placed on the containing directory
// because most editors replace the file instead of writing it in place.
// A config that fails to load or validate is logged and skipped; the running
// config stays in effect. Returns when ctx is done.
func Watch(ctx context.Context, path string, log zerolog.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err = watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)
	log = log.With().Str("component", "config_watch").Str("path", target).Logger()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			cfg, loadErr := Load(target)
			if loadErr != nil {
				log.Warn().Err(loadErr).Msg("Ignoring invalid config change")
				continue
			}
			log.Info().Msg("Config reloaded")
			onReload(cfg)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(watchErr).Msg("Config watcher error")
		case <-ctx.Done():
			return nil
		}
	}
}
