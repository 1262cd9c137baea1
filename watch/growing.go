// Package watch follows a file that is still being written.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const DefaultQuietPeriod = 2 * time.Second

// ReportFunc receives the number of bytes known to be final and whether the
// file is complete. dl.Loader.UpdateLocalFileLocation fits.
type ReportFunc func(size int64, isReady bool)

// Growing reports the size of a file while something else appends to it.
// The file counts as complete once it was not written for the quiet period.
type Growing struct {
	path   string
	quiet  time.Duration
	report ReportFunc

	size int64
}

func NewGrowing(path string, quiet time.Duration, report ReportFunc) *Growing {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Growing{path: path, quiet: quiet, report: report, size: -1}
}

// Run watches until the file is complete or ctx is done.
func (g *Growing) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer w.Close()
	// editors and loggers replace files, so the directory is watched
	if err = w.Add(filepath.Dir(g.path)); err != nil {
		return errors.Wrapf(err, "watch %s", filepath.Dir(g.path))
	}
	if err = g.update(); err != nil {
		return err
	}

	quiet := time.NewTimer(g.quiet)
	defer quiet.Stop()
	name := filepath.Clean(g.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"path":     g.path,
				"error":    err.Error(),
			}).Warn("Watch error")
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				return errors.Errorf("%s was removed while being watched", g.path)
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err = g.update(); err != nil {
				return err
			}
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(g.quiet)
		case <-quiet.C:
			if err = g.update(); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"path":     g.path,
				"size":     g.size,
			}).Debug("File is complete")
			g.report(g.size, true)
			return nil
		}
	}
}

func (g *Growing) update() error {
	fi, err := os.Stat(g.path)
	if err != nil {
		return errors.Wrapf(err, "stat %s", g.path)
	}
	if fi.Size() == g.size {
		return nil
	}
	if fi.Size() < g.size {
		return errors.Errorf("%s shrank from %d to %d bytes", g.path, g.size, fi.Size())
	}
	g.size = fi.Size()
	g.report(g.size, false)
	return nil
}
