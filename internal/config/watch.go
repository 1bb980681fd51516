package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watch reloads path whenever it is written and calls fn with the new config
// (env overrides applied) once validate accepts it. Invalid edits are logged
// and skipped. Watch blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file, since editors often
// replace files by rename.
func Watch(ctx context.Context, path string, validate func(*Config) error, fn func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	var debounce <-chan time.Time

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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(150 * time.Millisecond)
			}

		case <-debounce:
			debounce = nil
			cfg, err := LoadPartial(path)
			if err == nil {
				ApplyEnv(&cfg)
				err = validate(&cfg)
			}
			if err != nil {
				log.Warnf("reload %s: %v (keeping previous config)", path, err)
				continue
			}
			log.Infof("reloaded %s", path)
			fn(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}
