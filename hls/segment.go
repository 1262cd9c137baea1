package hls

import (
	"os"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/timerzz/xload/dl"
	"github.com/timerzz/xload/pkg/decode"
)

type crypt struct {
	key []byte
	iv  []byte
}

type segment struct {
	index int
	url   string
	// path holds the finished, decrypted segment
	path  string
	crypt *crypt

	err  error
	done chan struct{}
}

func (s *segment) finish(err error) {
	s.err = err
	close(s.done)
}

// segmentCallback moves a downloaded segment into place.
type segmentCallback struct {
	d *Downloader
	s *segment
	f *os.File
}

func (c *segmentCallback) OnProgress(dl.Progress) {}

func (c *segmentCallback) OnOK(int64) error {
	if err := c.f.Sync(); err != nil {
		return errors.Wrap(err, "sync segment")
	}
	if c.s.crypt == nil {
		if err := os.Rename(c.f.Name(), c.s.path); err != nil {
			return errors.Wrapf(err, "rename %s", c.f.Name())
		}
	} else {
		b, err := os.ReadFile(c.f.Name())
		if err != nil {
			return errors.Wrapf(err, "read %s", c.f.Name())
		}
		if b, err = decode.AESDecrypt(b, c.s.crypt.key, c.s.crypt.iv); err != nil {
			return errors.Wrapf(err, "decrypt segment %d", c.s.index)
		}
		if err = os.WriteFile(c.s.path, b, 0o644); err != nil {
			return errors.Wrapf(err, "save %s", c.s.path)
		}
	}
	atomic.AddInt64(&c.d.complete, 1)
	return nil
}

func (c *segmentCallback) OnError(error) {}
