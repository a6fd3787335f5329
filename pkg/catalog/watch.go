package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/rolegate/pkg/observability"
)

// DefaultDebounce coalesces the burst of events editors emit for one save
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads the catalog at path whenever it changes and hands each successfully
// parsed document to onChange. Parse errors are logged and the previous catalog stays
// in effect. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *logrus.Logger, onChange func(*Document) error) error {
	logger = observability.OrDefault(logger)
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve catalog path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic rename-over saves are still seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	log := logger.WithField("catalog", path)
	log.Info("Watching catalog for changes")

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)

		case <-timer.C:
			doc, err := Load(path)
			if err != nil {
				log.WithError(err).Warn("Ignoring invalid catalog")
				continue
			}
			if err := onChange(doc); err != nil {
				log.WithError(err).Error("Failed to apply reloaded catalog")
				continue
			}
			log.WithFields(logrus.Fields{
				"permissions": len(doc.Permissions),
				"roles":       len(doc.Roles),
			}).Info("Reloaded catalog")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("Catalog watcher error")
		}
	}
}
