package restore

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/autopeer-io/devicekit/pkg/log"
)

const imageChangeOps = fsnotify.Write | fsnotify.Remove | fsnotify.Rename | fsnotify.Create

// imageGuard reports modifications of the firmware file while a restore runs.
// It watches the parent directory so replacements and renames are seen too.
type imageGuard struct {
	watcher *fsnotify.Watcher
	target  string
	changed chan string
}

// watchImage starts a guard for path. Failing to watch is not fatal to a
// restore; the caller gets a nil guard and an error to log.
func watchImage(ctx context.Context, path string, logger log.Logger) (*imageGuard, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}

	g := &imageGuard{watcher: w, target: abs, changed: make(chan string, 1)}
	go g.loop(ctx, logger)
	return g, nil
}

func (g *imageGuard) loop(ctx context.Context, logger log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != g.target || !ev.Op.Has(imageChangeOps) {
				continue
			}
			select {
			case g.changed <- ev.Op.String():
			default:
			}
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Image watch error", "error", err)
		}
	}
}

// Changed delivers the operation that modified the image. Nil-safe.
func (g *imageGuard) Changed() <-chan string {
	if g == nil {
		return nil
	}
	return g.changed
}

func (g *imageGuard) Close() error {
	if g == nil {
		return nil
	}
	return g.watcher.Close()
}
