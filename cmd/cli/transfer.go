package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/timerzz/xload/checkpoint"
	"github.com/timerzz/xload/dl"
	"github.com/timerzz/xload/hls"
	"github.com/timerzz/xload/parts"
	"github.com/timerzz/xload/pkg/progressbar"
	"github.com/timerzz/xload/resource"
	"github.com/timerzz/xload/transport/httprange"
	"github.com/timerzz/xload/watch"
)

// barCallback feeds loader progress into a progress bar.
type barCallback struct {
	bar *progressbar.Bar
}

func (c barCallback) OnProgress(p dl.Progress) {
	c.bar.SetCur(p.ReadySize)
	c.bar.SetTotal(max(p.Size, p.ReadySize))
}

func (c barCallback) OnOK(size int64) error {
	c.bar.SetCur(size)
	c.bar.SetTotal(size)
	return nil
}

func (c barCallback) OnError(err error) {
	logrus.Errorf("transfer failed: %v", err)
}

// session is what every command needs: a transport, a running scheduler and
// the checkpoint store.
type session struct {
	t         *httprange.Transport
	scheduler *resource.Scheduler
	store     *checkpoint.Store
	maxLimit  int64
}

func newSession(ctx context.Context, o *options) (*session, error) {
	mode, err := resource.ParseMode(o.mode)
	if err != nil {
		return nil, err
	}
	t, err := httprange.New(o.transport)
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.Open(o.checkpointDir)
	if err != nil {
		t.Release()
		return nil, err
	}
	scheduler := resource.NewScheduler(resource.Config{MaxLimit: o.maxLimit, Mode: mode})
	go scheduler.Run(ctx)
	return &session{t: t, scheduler: scheduler, store: store, maxLimit: o.maxLimit}, nil
}

func (s *session) close() {
	s.t.Release()
}

// record loads the checkpoint of a transfer or starts a new one.
func (s *session) record(direction dl.Direction, url, path string) (*checkpoint.Record, []int32) {
	key := checkpoint.Key(direction, url, path)
	r, err := s.store.Load(key)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			logrus.Warnf("ignore checkpoint: %v", err)
		}
		return &checkpoint.Record{URL: url, Path: path, Direction: direction}, nil
	}
	ready, err := r.ReadyParts()
	if err != nil {
		logrus.Warnf("ignore checkpoint: %v", err)
		return &checkpoint.Record{URL: url, Path: path, Direction: direction}, nil
	}
	logrus.WithFields(logrus.Fields{
		"function": "record",
		"url":      url,
		"ready":    len(ready),
		"updated":  r.UpdatedAt,
	}).Info("Resume transfer")
	return r, ready
}

func newBar(title string, step func(*progressbar.Bar)) *progressbar.Bar {
	return progressbar.New(
		progressbar.WithInterval(time.Second),
		progressbar.WithTitle(title),
		progressbar.WithBytes(),
		progressbar.WithStepHook(step),
		progressbar.WithFinishHook(func() {
			fmt.Printf("\n")
		}),
	)
}

// parsePriority narrows the --priority flag to the range a loader accepts.
func parsePriority(p int) (int8, error) {
	if p < math.MinInt8 || p > math.MaxInt8 {
		return 0, errors.Errorf("priority %d out of range [%d, %d]", p, math.MinInt8, math.MaxInt8)
	}
	return int8(p), nil
}

func downloadCommand(o *options) *cli.Command {
	var (
		url, output   string
		offset, limit int64
		priority      int
	)
	return &cli.Command{
		Name:  "download",
		Usage: "download a file with range requests",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "u", Aliases: []string{"url"}, Required: true, Destination: &url},
			&cli.StringFlag{Name: "o", Aliases: []string{"output"}, Required: true, Destination: &output},
			&cli.Int64Flag{Name: "offset", Usage: "only fetch the window starting here", Destination: &offset},
			&cli.Int64Flag{Name: "limit", Usage: "size of the window, 0 up to the end", Destination: &limit},
			&cli.IntFlag{Name: "priority", Destination: &priority},
		},
		Action: func(c *cli.Context) error {
			prio, err := parsePriority(priority)
			if err != nil {
				return err
			}
			s, err := newSession(c.Context, o)
			if err != nil {
				return err
			}
			defer s.close()

			rec, ready := s.record(dl.Download, url, output)
			f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return errors.Wrapf(err, "open %s", output)
			}
			defer f.Close()

			opts := []httprange.Option{httprange.WithWindow(offset, limit)}
			if rec.PartSize > 0 {
				opts = append(opts, httprange.WithResume(rec.Size, rec.PartSize, ready, ""))
			}
			d, err := s.t.Downloader(url, f, opts...)
			if err != nil {
				return err
			}

			bar := newBar("downloading", func(b *progressbar.Bar) {
				b.SetSize(s.t.Transferred())
			})
			go bar.Run()
			defer bar.Finish()

			cfg := dl.Config{Priority: prio, MaxLimit: s.maxLimit}
			l := dl.New(cfg, d, d, s.store.Callback(rec, barCallback{bar}), s.scheduler)
			if err = l.Run(c.Context); errors.Is(err, parts.ErrWindowSatisfied) {
				return nil
			}
			return err
		},
	}
}

func uploadCommand(o *options) *cli.Command {
	var (
		url, file string
		growing   bool
		quiet     time.Duration
		priority  int
	)
	return &cli.Command{
		Name:  "upload",
		Usage: "upload a file with Content-Range requests",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "u", Aliases: []string{"url"}, Required: true, Destination: &url},
			&cli.StringFlag{Name: "f", Aliases: []string{"file"}, Required: true, Destination: &file},
			&cli.BoolFlag{Name: "growing", Usage: "the file is still being written", Destination: &growing},
			&cli.DurationFlag{
				Name:        "quiet",
				Value:       watch.DefaultQuietPeriod,
				Usage:       "a growing file is complete after this long without writes",
				Destination: &quiet,
			},
			&cli.IntFlag{Name: "priority", Destination: &priority},
		},
		Action: func(c *cli.Context) error {
			prio, err := parsePriority(priority)
			if err != nil {
				return err
			}
			s, err := newSession(c.Context, o)
			if err != nil {
				return err
			}
			defer s.close()

			f, err := os.Open(file)
			if err != nil {
				return errors.Wrapf(err, "open %s", file)
			}
			defer f.Close()
			fi, err := f.Stat()
			if err != nil {
				return errors.Wrapf(err, "stat %s", file)
			}

			rec, ready := s.record(dl.Upload, url, file)
			var opts []httprange.Option
			if rec.PartSize > 0 {
				opts = append(opts, httprange.WithResume(rec.Size, rec.PartSize, ready, rec.Session))
			}
			if growing {
				opts = append(opts, httprange.WithGrowing())
			}
			rec.Size = fi.Size()
			u := s.t.Uploader(url, f, fi.Size(), opts...)

			bar := newBar("uploading", func(b *progressbar.Bar) {
				b.SetSize(s.t.Transferred())
			})
			go bar.Run()
			defer bar.Finish()

			cb := s.store.Callback(rec, barCallback{bar}).WithSession(u.Session)
			l := dl.New(dl.Config{Priority: prio, MaxLimit: s.maxLimit}, u, u, cb, s.scheduler)
			if growing {
				ctx, cancel := context.WithCancel(c.Context)
				defer cancel()
				go func() {
					w := watch.NewGrowing(file, quiet, l.UpdateLocalFileLocation)
					if err := w.Run(ctx); err != nil && ctx.Err() == nil {
						logrus.Errorf("watch %s failed: %v", file, err)
						l.Close()
					}
				}()
			}
			return l.Run(c.Context)
		},
	}
}

func hlsCommand(o *options) *cli.Command {
	var cfg hls.Config
	cfg.WorkDir, _ = os.Getwd()
	return &cli.Command{
		Name:  "hls",
		Usage: "download an m3u8 playlist into one file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "u",
				Usage:       "url of the m3u8 playlist",
				Destination: &cfg.M3u8Url,
			},
			&cli.StringFlag{
				Name:        "p",
				Usage:       "local m3u8 playlist",
				Destination: &cfg.M3u8Path,
			},
			&cli.StringFlag{
				Name:        "f",
				Usage:       "name of the saved file",
				Value:       "file.mp4",
				Destination: &cfg.SaveName,
			},
			&cli.StringFlag{
				Name:        "d",
				Aliases:     []string{"dir"},
				Usage:       "directory to save into",
				Value:       cfg.WorkDir,
				Destination: &cfg.WorkDir,
			},
			&cli.StringFlag{
				Name:        "b",
				Aliases:     []string{"base"},
				Usage:       "base url of relative segment uris",
				Destination: &cfg.BaseUrl,
			},
			&cli.IntFlag{
				Name:        "parallel",
				Value:       8,
				Usage:       "segments transferred at the same time",
				Destination: &cfg.Parallel,
			},
		},
		Action: func(c *cli.Context) error {
			s, err := newSession(c.Context, o)
			if err != nil {
				return err
			}
			defer s.close()
			cfg.MaxLimit = s.maxLimit

			d := hls.New(cfg, s.t, s.scheduler)
			bar := progressbar.New(
				progressbar.WithInterval(time.Second),
				progressbar.WithStepHook(func(b *progressbar.Bar) {
					cur, total := d.Progress()
					b.SetSize(d.DownloadSize())
					b.SetCur(cur)
					b.SetTotal(total)
				}),
				progressbar.WithTitle("downloading"),
				progressbar.WithFinishHook(func() {
					fmt.Printf("\n")
				}),
			)
			go bar.Run()
			defer bar.Finish()
			return d.Run(c.Context)
		},
	}
}
