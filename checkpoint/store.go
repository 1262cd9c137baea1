// Package checkpoint persists what a transfer has done so far, so that an
// interrupted transfer can resume without moving ready parts again.
package checkpoint

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/timerzz/xload/dl"
	"github.com/timerzz/xload/parts"
)

var ErrNotFound = errors.New("checkpoint not found")

// Record is the persisted state of one transfer.
type Record struct {
	URL         string       `json:"url"`
	Path        string       `json:"path"`
	Direction   dl.Direction `json:"direction"`
	Size        int64        `json:"size"`
	IsSizeFinal bool         `json:"is_size_final"`
	PartSize    int64        `json:"part_size"`
	PartCount   int32        `json:"part_count"`
	Bitmask     []byte       `json:"bitmask"`
	Session     string       `json:"session,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Key identifies the transfer of url to or from path.
func Key(direction dl.Direction, url, path string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(direction.String()+"\x00"+url+"\x00"+path)).String()
}

func (r *Record) Key() string {
	return Key(r.Direction, r.URL, r.Path)
}

// ReadyParts decodes the bitmask.
func (r *Record) ReadyParts() ([]int32, error) {
	if len(r.Bitmask) == 0 {
		return nil, nil
	}
	limit := int32(-1)
	if r.IsSizeFinal && r.PartCount > 0 {
		limit = r.PartCount
	}
	mask, err := parts.DecodeBitmask(r.Bitmask, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", r.Key())
	}
	return mask.ReadyParts(), nil
}

// Update copies a progress report into the record.
func (r *Record) Update(p dl.Progress) {
	r.PartSize = p.PartSize
	r.PartCount = p.PartCount
	r.Bitmask = append(r.Bitmask[:0], p.Bitmask...)
	if p.Size > 0 {
		r.Size = p.Size
		r.IsSizeFinal = true
	}
}

// Store keeps one JSON file per record.
type Store struct {
	fs billy.Filesystem
}

func NewStore(fs billy.Filesystem) *Store {
	return &Store{fs: fs}
}

// Open returns a store in dir on the local disk.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create checkpoint dir %s", dir)
	}
	return NewStore(osfs.New(dir)), nil
}

func fileName(key string) string {
	return key + ".json"
}

// Save writes the record, replacing an older one.
func (s *Store) Save(r *Record) error {
	r.UpdatedAt = time.Now()
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "marshal checkpoint")
	}
	tmp, err := util.TempFile(s.fs, "", ".checkpoint-")
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(tmp.Name())
		return errors.Wrap(err, "write checkpoint")
	}
	if err = s.fs.Rename(tmp.Name(), fileName(r.Key())); err != nil {
		_ = s.fs.Remove(tmp.Name())
		return errors.Wrap(err, "rename checkpoint")
	}
	return nil
}

// Load returns the record for key or ErrNotFound.
func (s *Store) Load(key string) (*Record, error) {
	f, err := s.fs.Open(fileName(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotFound, key)
		}
		return nil, errors.Wrapf(err, "open checkpoint %s", key)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read checkpoint %s", key)
	}
	var r Record
	if err = json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", key)
	}
	return &r, nil
}

func (s *Store) Delete(key string) error {
	err := s.fs.Remove(fileName(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete checkpoint %s", key)
	}
	return nil
}

// Callback saves a record on every progress report and removes it once the
// transfer is done. Calls are forwarded to next, which may be nil.
type Callback struct {
	store   *Store
	record  *Record
	next    dl.Callback
	session func() string
}

func (s *Store) Callback(r *Record, next dl.Callback) *Callback {
	return &Callback{store: s, record: r, next: next}
}

// WithSession makes every saved record carry the current upload session.
func (c *Callback) WithSession(session func() string) *Callback {
	c.session = session
	return c
}

func (c *Callback) OnProgress(p dl.Progress) {
	c.record.Update(p)
	if c.session != nil {
		c.record.Session = c.session()
	}
	if err := c.store.Save(c.record); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OnProgress",
			"url":      c.record.URL,
			"error":    err.Error(),
		}).Warn("Save checkpoint failed")
	}
	if c.next != nil {
		c.next.OnProgress(p)
	}
}

func (c *Callback) OnOK(size int64) error {
	if err := c.store.Delete(c.record.Key()); err != nil {
		logrus.Errorf("delete checkpoint failed: %v", err)
	}
	if c.next != nil {
		return c.next.OnOK(size)
	}
	return nil
}

func (c *Callback) OnError(err error) {
	if c.next != nil {
		c.next.OnError(err)
	}
}
