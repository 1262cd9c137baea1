package httprange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/timerzz/nio"

	"github.com/timerzz/xload/dl"
)

// Downloader fetches parts of one URL with Range requests.
type Downloader struct {
	*retrier
	t    *Transport
	url  string
	opts options

	dst io.WriterAt
	seq io.Writer
}

// Downloader writes url into dst at the offsets of the parts. With
// WithSequentialOutput dst only needs to be an io.Writer.
func (t *Transport) Downloader(url string, dst io.Writer, opts ...Option) (*Downloader, error) {
	d := &Downloader{retrier: newRetrier(t.cfg.MaxAttempts), t: t, url: url}
	for _, opt := range opts {
		opt(&d.opts)
	}
	if d.opts.sequential {
		d.seq = dst
		return d, nil
	}
	at, ok := dst.(io.WriterAt)
	if !ok {
		return nil, errors.Errorf("%T can not be written at offsets", dst)
	}
	d.dst = at
	return d, nil
}

// FileInfo asks the server for the size of the file. A server that does not
// report it yields a download of unknown size.
func (d *Downloader) FileInfo(ctx context.Context) (dl.FileInfo, error) {
	resp, err := d.t.client.R().SetContext(ctx).Head(d.url)
	if err != nil {
		return dl.FileInfo{}, errors.Wrapf(err, "head %s", d.url)
	}
	if resp.StatusCode != http.StatusOK {
		return dl.FileInfo{}, &StatusError{Code: resp.StatusCode, URL: d.url}
	}
	size := max(resp.ContentLength, 0)

	info := dl.FileInfo{
		Size:              size,
		ExpectedSize:      size,
		IsSizeFinal:       resp.ContentLength >= 0,
		UsePartCountLimit: true,
		Offset:            d.opts.offset,
		Limit:             d.opts.limit,
		NeedDelay:         d.t.cfg.NeedDelay,
	}
	if r := d.opts.resume; r.partSize > 0 {
		if size != 0 && r.size == size {
			info.PartSize = r.partSize
			info.ReadyParts = r.readyParts
		} else {
			logrus.WithFields(logrus.Fields{
				"function":        "FileInfo",
				"url":             d.url,
				"size":            size,
				"checkpoint_size": r.size,
			}).Warn("File changed since the checkpoint, starting over")
		}
	}
	return info, nil
}

func (d *Downloader) Submit(ctx context.Context, op dl.Operation, done func(dl.Result)) (bool, error) {
	d.t.run(func() {
		done(d.fetch(ctx, op))
	}, func(err error) {
		done(dl.Result{Err: err})
	})
	return false, nil
}

func (d *Downloader) fetch(ctx context.Context, op dl.Operation) dl.Result {
	part := op.Part
	var buf bytes.Buffer
	buf.Grow(int(part.Size))
	resp, err := d.t.client.R().
		SetContext(ctx).
		SetHeader("Range", fmt.Sprintf("bytes=%d-%d", part.Offset, part.Offset+part.Size-1)).
		SetOutput(nio.NWriter(&buf, d.t.count)).
		Get(d.url)
	if err != nil {
		return dl.Result{Err: err}
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		data := buf.Bytes()
		if int64(len(data)) > part.Size {
			data = data[:part.Size]
		}
		return dl.Result{Size: int64(len(data)), Data: data}
	case http.StatusOK:
		// the server ignored the range and sent the whole file
		data := buf.Bytes()
		if part.Offset >= int64(len(data)) {
			return dl.Result{}
		}
		data = data[part.Offset:min(part.Offset+part.Size, int64(len(data)))]
		return dl.Result{Size: int64(len(data)), Data: data}
	case http.StatusRequestedRangeNotSatisfiable:
		return dl.Result{}
	default:
		return dl.Result{Err: &StatusError{Code: resp.StatusCode, URL: d.url}}
	}
}

// ProcessPart stores the part and returns its length.
func (d *Downloader) ProcessPart(op dl.Operation, res dl.Result) (int64, error) {
	if d.seq != nil {
		n, err := d.seq.Write(res.Data)
		return int64(n), errors.Wrapf(err, "write part %d", op.Part.ID)
	}
	n, err := d.dst.WriteAt(res.Data, op.Part.Offset)
	return int64(n), errors.Wrapf(err, "write part %d", op.Part.ID)
}
