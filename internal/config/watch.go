package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDelay coalesces the bursts of events editors produce when saving.
const reloadDelay = 100 * time.Millisecond

// Watcher reloads a configuration file whenever it changes and hands every
// valid new configuration to a callback. Invalid files are logged and
// ignored; the running configuration stays in place.
type Watcher struct {
	path     string
	onChange func(*Config)
	log      logrus.FieldLogger
	fs       *fsnotify.Watcher
}

// NewWatcher watches path. The directory is watched rather than the file so
// that editors replacing the file by rename are seen too.
func NewWatcher(path string, onChange func(*Config), log logrus.FieldLogger) (*Watcher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		log:      log.WithField("config", path),
		fs:       fw,
	}, nil
}

// Run delivers reloads until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	name := filepath.Base(w.path)
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			pending = time.After(reloadDelay)
		case <-pending:
			pending = nil
			cfg, err := w.reload()
			if err != nil {
				w.log.WithError(err).Warn("config reload failed, keeping current configuration")
				continue
			}
			w.log.Info("configuration reloaded")
			w.onChange(cfg)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("file watcher error")
		}
	}
}

func (w *Watcher) reload() (*Config, error) {
	return Load(w.path)
}
