package registry

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/suburbhost/suburb/internal/domain"
)

// Watch rescans the sites directory whenever its contents change. Events are
// debounced so a burst of writes triggers a single discovery pass. onRescan,
// when non-nil, receives each fresh descriptor set. Blocks until ctx is
// cancelled.
func (r *Registry) Watch(ctx context.Context, rootDir, mode string, debounce time.Duration, onRescan func([]domain.SiteDescriptor)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(rootDir); err != nil {
		return err
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("sites watcher error", "error", err)
		case <-timerCh:
			timer = nil
			timerCh = nil
			sites, err := r.Discover(ctx, rootDir, mode)
			if err != nil {
				r.logger.Error("rescan after change failed", "error", err)
				continue
			}
			if onRescan != nil {
				onRescan(sites)
			}
		}
	}
}
