package checkpoint

import (
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timerzz/xload/dl"
	"github.com/timerzz/xload/parts"
)

func TestKey(t *testing.T) {
	a := Key(dl.Download, "http://host/file", "/tmp/file")
	assert.Equal(t, a, Key(dl.Download, "http://host/file", "/tmp/file"))
	assert.NotEqual(t, a, Key(dl.Upload, "http://host/file", "/tmp/file"))
	assert.NotEqual(t, a, Key(dl.Download, "http://host/file", "/tmp/other"))
}

func TestStoreSaveLoadDelete(t *testing.T) {
	store := NewStore(memfs.New())
	r := &Record{
		URL:         "http://host/file",
		Path:        "/tmp/file",
		Size:        1000,
		IsSizeFinal: true,
		PartSize:    100,
		PartCount:   10,
		Bitmask:     parts.NewBitmask(0, 1, 5).Encode(-1),
		Session:     "abc",
	}
	require.NoError(t, store.Save(r))
	assert.False(t, r.UpdatedAt.IsZero())

	loaded, err := store.Load(r.Key())
	require.NoError(t, err)
	assert.Equal(t, r.URL, loaded.URL)
	assert.Equal(t, r.Session, loaded.Session)
	ready, err := loaded.ReadyParts()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 5}, ready)

	// saving again replaces the record
	r.Bitmask = parts.NewBitmask(0, 1, 2).Encode(-1)
	require.NoError(t, store.Save(r))
	loaded, err = store.Load(r.Key())
	require.NoError(t, err)
	ready, err = loaded.ReadyParts()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2}, ready)

	require.NoError(t, store.Delete(r.Key()))
	_, err = store.Load(r.Key())
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, store.Delete(r.Key()))
}

func TestRecordReadyPartsChecksPartCount(t *testing.T) {
	r := &Record{IsSizeFinal: true, PartCount: 3, Bitmask: parts.NewBitmask(0, 9).Encode(-1)}
	_, err := r.ReadyParts()
	assert.True(t, errors.Is(err, parts.ErrInvalidBitmask))

	r.IsSizeFinal = false
	ready, err := r.ReadyParts()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 9}, ready)

	ready, err = (&Record{}).ReadyParts()
	require.NoError(t, err)
	assert.Empty(t, ready)
}

type countingCallback struct {
	progress int
	ok       int
}

func (c *countingCallback) OnProgress(dl.Progress) { c.progress++ }
func (c *countingCallback) OnOK(int64) error      { c.ok++; return nil }
func (c *countingCallback) OnError(error)         {}

func TestCallback(t *testing.T) {
	store := NewStore(memfs.New())
	r := &Record{URL: "http://host/file", Path: "/tmp/file"}
	next := &countingCallback{}
	cb := store.Callback(r, next)

	cb.OnProgress(dl.Progress{PartCount: 4, PartSize: 256, Bitmask: parts.NewBitmask(1).Encode(-1), Size: 1000})
	loaded, err := store.Load(r.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(256), loaded.PartSize)
	assert.Equal(t, int64(1000), loaded.Size)
	assert.True(t, loaded.IsSizeFinal)
	ready, err := loaded.ReadyParts()
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, ready)

	require.NoError(t, cb.OnOK(1000))
	_, err = store.Load(r.Key())
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 1, next.progress)
	assert.Equal(t, 1, next.ok)
}

func TestCallbackRecordsSession(t *testing.T) {
	store := NewStore(memfs.New())
	r := &Record{URL: "http://host/upload", Path: "/tmp/file", Direction: dl.Upload}
	session := ""
	cb := store.Callback(r, nil).WithSession(func() string { return session })

	cb.OnProgress(dl.Progress{PartSize: 100})
	loaded, err := store.Load(r.Key())
	require.NoError(t, err)
	assert.Empty(t, loaded.Session)

	session = "abc"
	cb.OnProgress(dl.Progress{PartSize: 100})
	loaded, err = store.Load(r.Key())
	require.NoError(t, err)
	assert.Equal(t, "abc", loaded.Session)
	assert.Equal(t, dl.Upload, loaded.Direction)
}
