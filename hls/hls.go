// Package hls downloads an HLS media playlist into one file. Every segment is
// a separate transfer; all of them share one transport and one resource
// scheduler.
package hls

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/grafov/m3u8"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/timerzz/xload/dl"
	"github.com/timerzz/xload/pkg/decode"
	"github.com/timerzz/xload/pkg/utils"
	"github.com/timerzz/xload/transport/httprange"
)

var ErrMasterPlaylist = errors.New("master playlists are not supported")

const defaultParallel = 8

type Config struct {
	M3u8Url  string
	M3u8Path string
	// BaseUrl resolves relative segment URIs; it defaults to the playlist URL.
	BaseUrl  string
	WorkDir  string
	SaveName string
	// Parallel bounds how many segments transfer at the same time.
	Parallel int
	MaxLimit int64
}

type Downloader struct {
	cfg Config
	t   *httprange.Transport
	reg dl.Registrar

	playList *m3u8.MediaPlaylist
	keys     map[string][]byte
	segments []*segment
	tmp      string

	total    int64
	complete int64

	done chan struct{}
}

func New(cfg Config, t *httprange.Transport, reg dl.Registrar) *Downloader {
	if cfg.Parallel <= 0 {
		cfg.Parallel = defaultParallel
	}
	if cfg.BaseUrl == "" {
		cfg.BaseUrl = cfg.M3u8Url
	}
	return &Downloader{
		cfg:  cfg,
		t:    t,
		reg:  reg,
		keys: make(map[string][]byte),
		done: make(chan struct{}),
	}
}

// Wait is closed when Run returns.
func (d *Downloader) Wait() <-chan struct{} {
	return d.done
}

// Progress returns the number of finished and of all segments.
func (d *Downloader) Progress() (int64, int64) {
	return atomic.LoadInt64(&d.complete), atomic.LoadInt64(&d.total)
}

// DownloadSize returns the bytes received so far.
func (d *Downloader) DownloadSize() int64 {
	return d.t.Transferred()
}

func (d *Downloader) Run(ctx context.Context) (err error) {
	defer close(d.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err = d.parse(ctx); err != nil {
		return
	}
	if err = d.mkTmp(); err != nil {
		return
	}
	if err = d.initSegments(ctx); err != nil {
		return
	}

	pool, err := ants.NewPool(d.cfg.Parallel)
	if err != nil {
		return errors.Wrap(err, "create segment pool")
	}
	defer pool.Release()
	go func() {
		for _, seg := range d.segments {
			s := seg
			if ctx.Err() != nil {
				s.finish(ctx.Err())
				continue
			}
			if err := pool.Submit(func() {
				s.finish(d.fetch(ctx, s))
			}); err != nil {
				logrus.Errorf("submit segment failed: %v", err)
				s.finish(err)
			}
		}
	}()
	return d.merge(ctx)
}

func (d *Downloader) parse(ctx context.Context) error {
	var data []byte
	switch {
	case d.cfg.M3u8Url != "":
		resp, err := d.t.Client().R().SetContext(ctx).Get(d.cfg.M3u8Url)
		if err != nil {
			return errors.Wrapf(err, "fetch playlist %s", d.cfg.M3u8Url)
		}
		if resp.StatusCode != http.StatusOK {
			return &httprange.StatusError{Code: resp.StatusCode, URL: d.cfg.M3u8Url}
		}
		data = resp.Bytes()
	case d.cfg.M3u8Path != "":
		b, err := os.ReadFile(d.cfg.M3u8Path)
		if err != nil {
			return errors.Wrapf(err, "read playlist %s", d.cfg.M3u8Path)
		}
		data = b
	default:
		return errors.New("no playlist given")
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return errors.Wrap(err, "parse playlist")
	}
	if listType != m3u8.MEDIA {
		return ErrMasterPlaylist
	}
	d.playList = playlist.(*m3u8.MediaPlaylist)
	return nil
}

func (d *Downloader) mkTmp() error {
	d.tmp = filepath.Join(d.cfg.WorkDir, fmt.Sprintf("%s.tmp", d.cfg.SaveName))
	if err := os.MkdirAll(d.tmp, 0o755); err != nil {
		return errors.Wrapf(err, "create temp dir %s", d.tmp)
	}
	return nil
}

func (d *Downloader) initSegments(ctx context.Context) error {
	var key *m3u8.Key
	idx := 0
	for _, seg := range d.playList.Segments {
		if seg == nil {
			continue
		}
		if seg.Key != nil {
			key = seg.Key
		}
		url, err := utils.ResolveURL(d.cfg.BaseUrl, seg.URI)
		if err != nil {
			return err
		}
		s := &segment{
			index: idx,
			url:   url,
			path:  filepath.Join(d.tmp, fmt.Sprintf("%d.ts", idx)),
			done:  make(chan struct{}),
		}
		if key != nil && key.Method != "NONE" {
			if s.crypt, err = d.segmentCrypt(ctx, key, d.playList.SeqNo+uint64(idx)); err != nil {
				return err
			}
		}
		d.segments = append(d.segments, s)
		idx++
	}
	atomic.StoreInt64(&d.total, int64(len(d.segments)))
	return nil
}

func (d *Downloader) segmentCrypt(ctx context.Context, key *m3u8.Key, seq uint64) (*crypt, error) {
	if key.Method != "AES-128" {
		return nil, errors.Errorf("encryption method %s is not supported", key.Method)
	}
	iv, err := decode.ParseIV(key.IV)
	if err != nil {
		return nil, err
	}
	if iv == nil {
		iv = decode.SequenceIV(seq)
	}
	k, err := d.requestKey(ctx, key.URI)
	if err != nil {
		return nil, err
	}
	return &crypt{key: k, iv: iv}, nil
}

func (d *Downloader) requestKey(ctx context.Context, uri string) ([]byte, error) {
	url, err := utils.ResolveURL(d.cfg.BaseUrl, uri)
	if err != nil {
		return nil, err
	}
	if k, ok := d.keys[url]; ok {
		return k, nil
	}
	var w = bytes.NewBuffer(make([]byte, 0, 32))
	resp, err := d.t.Client().R().SetContext(ctx).SetOutput(w).Get(url)
	if err != nil {
		return nil, errors.Wrapf(err, "request key %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httprange.StatusError{Code: resp.StatusCode, URL: url}
	}
	d.keys[url] = w.Bytes()
	return w.Bytes(), nil
}

// fetch downloads one segment unless a previous run already left it behind.
func (d *Downloader) fetch(ctx context.Context, s *segment) error {
	if _, err := os.Stat(s.path); err == nil {
		atomic.AddInt64(&d.complete, 1)
		return nil
	}
	f, err := os.CreateTemp(d.tmp, fmt.Sprintf("tmp_*.%d", s.index))
	if err != nil {
		return errors.Wrap(err, "create segment file")
	}
	defer os.Remove(f.Name())

	net, err := d.t.Downloader(s.url, f)
	if err != nil {
		_ = f.Close()
		return err
	}
	cb := &segmentCallback{d: d, s: s, f: f}
	cfg := dl.Config{Priority: segmentPriority(s.index), MaxLimit: d.cfg.MaxLimit}
	err = dl.New(cfg, net, net, cb, d.reg).Run(ctx)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "close segment file")
	}
	return errors.Wrapf(err, "segment %d", s.index)
}

// segmentPriority favours early segments so the merge can move on.
func segmentPriority(index int) int8 {
	return int8(max(0, 100-index))
}

// merge appends the segments to the output in playlist order.
func (d *Downloader) merge(ctx context.Context) (err error) {
	saveFile, err := os.Create(filepath.Join(d.cfg.WorkDir, d.cfg.SaveName))
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	defer func() {
		_ = saveFile.Close()
	}()

	for _, s := range d.segments {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
		}
		if s.err != nil {
			return s.err
		}
		err := func() error {
			f, err := os.Open(s.path)
			if err != nil {
				return err
			}
			_, err = io.Copy(saveFile, f)
			_ = f.Close()
			_ = os.Remove(s.path)
			return err
		}()
		if err != nil {
			return errors.Wrapf(err, "merge segment %d", s.index)
		}
	}
	if err = os.RemoveAll(d.tmp); err != nil {
		logrus.Errorf("remove %s failed: %v", d.tmp, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "merge",
		"segments": len(d.segments),
		"output":   saveFile.Name(),
	}).Info("Playlist downloaded")
	return nil
}
