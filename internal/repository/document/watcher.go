package document

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads the repository when files under the pattern's base directory change.
// onReload is called after every reload that recorded changes. Watch blocks until ctx is done.
func (r *FileRepo) Watch(ctx context.Context, debounce time.Duration, onReload func(changes int)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	base, _ := doublestar.SplitPattern(filepath.ToSlash(r.pattern))
	if err := w.Add(filepath.FromSlash(base)); err != nil {
		return fmt.Errorf("watch %s: %w", base, err)
	}
	r.logger.Info("Watching documents", zap.String("dir", base))

	timer := time.NewTimer(debounce)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !r.relevant(event) {
				continue
			}
			if !pending {
				pending = true
				timer.Reset(debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("File watcher error", zap.Error(err))
		case <-timer.C:
			pending = false
			n, err := r.Reload()
			if err != nil {
				r.logger.Error("Document reload failed", zap.Error(err))
				continue
			}
			if n > 0 && onReload != nil {
				onReload(n)
			}
		}
	}
}

func (r *FileRepo) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	ok, err := doublestar.PathMatch(filepath.FromSlash(r.pattern), event.Name)
	return err == nil && ok
}
