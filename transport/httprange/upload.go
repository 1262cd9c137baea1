package httprange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"

	"github.com/timerzz/xload/dl"
)

// Uploader sends parts of a local file with Content-Range PUT requests. The
// server answers the first request with a session id that every later
// request carries.
type Uploader struct {
	*retrier
	t    *Transport
	url  string
	src  io.ReaderAt
	size int64
	opts options

	mu      sync.Mutex
	session string
}

// Uploader uploads size bytes of src to url.
func (t *Transport) Uploader(url string, src io.ReaderAt, size int64, opts ...Option) *Uploader {
	u := &Uploader{retrier: newRetrier(t.cfg.MaxAttempts), t: t, url: url, src: src, size: size}
	for _, opt := range opts {
		opt(&u.opts)
	}
	if r := u.opts.resume; r.session != "" && r.size == size {
		u.session = r.session
	}
	return u
}

// Session returns the server session id, empty until the first part went out.
func (u *Uploader) Session() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.session
}

func (u *Uploader) setSession(session string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.session == "" {
		u.session = session
	}
}

func (u *Uploader) FileInfo(context.Context) (dl.FileInfo, error) {
	info := dl.FileInfo{
		Size:              u.size,
		ExpectedSize:      u.size,
		IsSizeFinal:       !u.opts.growing,
		UsePartCountLimit: true,
		IsUpload:          true,
		NeedDelay:         u.t.cfg.NeedDelay,
	}
	if r := u.opts.resume; r.partSize > 0 && u.Session() != "" {
		info.PartSize = r.partSize
		info.ReadyParts = dropBadParts(r.readyParts, u.opts.badParts)
	}
	return info, nil
}

// Submit starts a part. Without a session the part is blocking: nothing
// else is sent until the server handed out the session.
func (u *Uploader) Submit(ctx context.Context, op dl.Operation, done func(dl.Result)) (bool, error) {
	blocking := u.Session() == ""
	u.t.run(func() {
		done(u.send(ctx, op))
	}, func(err error) {
		done(dl.Result{Err: err})
	})
	return blocking, nil
}

func (u *Uploader) send(ctx context.Context, op dl.Operation) dl.Result {
	part := op.Part
	data := make([]byte, part.Size)
	n, err := u.src.ReadAt(data, part.Offset)
	if err != nil && err != io.EOF {
		return dl.Result{Err: errors.Wrapf(err, "read part %d", part.ID)}
	}
	data = data[:n]
	if n == 0 {
		return dl.Result{}
	}

	total := "*"
	if op.FileSize > 0 {
		total = fmt.Sprint(op.FileSize)
	}
	r := u.t.client.R().
		SetContext(ctx).
		SetHeader("Content-Range", fmt.Sprintf("bytes %d-%d/%s", part.Offset, part.Offset+int64(n)-1, total)).
		SetBodyBytes(data)
	if session := u.Session(); session != "" {
		r.SetHeader(SessionHeader, session)
	}
	resp, err := r.Put(u.url)
	if err != nil {
		return dl.Result{Err: err}
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusPermanentRedirect:
	default:
		return dl.Result{Err: &StatusError{Code: resp.StatusCode, URL: u.url}}
	}
	if session := resp.Header.Get(SessionHeader); session != "" {
		u.setSession(session)
	}
	u.t.count(n)
	return dl.Result{Size: int64(n)}
}

func (u *Uploader) ProcessPart(op dl.Operation, res dl.Result) (int64, error) {
	if res.Size > 0 && u.Session() == "" {
		return 0, errors.Errorf("%s: server sent no %s", u.url, SessionHeader)
	}
	return res.Size, nil
}
