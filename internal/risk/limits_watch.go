package risk

import (
	"context"
	"os"
	"path/filepath"

	"keel/internal/logger"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadLimitsFile reads a risk-limits YAML file.
func LoadLimitsFile(path string) (Limits, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, err
	}
	var limits Limits
	if err := yaml.Unmarshal(raw, &limits); err != nil {
		return Limits{}, err
	}
	return limits, nil
}

// WatchLimitsFile reloads the governor's limits whenever the file at
// path changes. It blocks until ctx is done. Editors replace files
// rather than writing in place, so the watch is on the directory and
// events are filtered by name.
func WatchLimitsFile(ctx context.Context, path string, g *Governor) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)
	logger.Infof("risk: watching limits file %s", target)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			limits, err := LoadLimitsFile(target)
			if err != nil {
				logger.Errorf("risk: limits reload failed (%s): %v", target, err)
				continue
			}
			g.UpdateLimits(limits)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("risk: limits watcher error: %v", err)
		}
	}
}
