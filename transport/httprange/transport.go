// Package httprange moves file parts over plain HTTP: downloads with Range
// requests and uploads with Content-Range PUTs. It implements the dl.Network
// and dl.Source collaborators.
package httprange

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/imroc/req/v3"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/timerzz/xload/dl"
)

const (
	defaultMaxThread   = 16
	defaultMaxAttempts = 5

	// SessionHeader carries the upload session id.
	SessionHeader = "X-Upload-Session"
)

type Config struct {
	RetryCount int
	MaxThread  int
	// MaxAttempts bounds how often one part is retried after a transient failure.
	MaxAttempts int
	BaseUrl     string
	Proxy       string
	Timeout     *time.Duration
	// NeedDelay paces the first submissions of every transfer.
	NeedDelay bool
}

// StatusError is an unexpected HTTP status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Temporary reports whether retrying may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// Transport holds the HTTP client and the worker pool shared by every
// transfer created from it.
type Transport struct {
	cfg    Config
	client *req.Client
	pool   *ants.Pool

	transferred int64
}

func New(cfg Config) (*Transport, error) {
	if cfg.MaxThread <= 0 {
		cfg.MaxThread = defaultMaxThread
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	// parts are raw bytes, never transcoded
	client := req.C().DisableAutoDecode()
	if cfg.Proxy != "" {
		client = client.SetProxyURL(cfg.Proxy)
	}
	if cfg.RetryCount > 0 {
		client = client.SetCommonRetryCount(cfg.RetryCount)
	}
	if cfg.Timeout != nil {
		client = client.SetTimeout(*cfg.Timeout).SetTLSHandshakeTimeout(*cfg.Timeout)
	}
	if cfg.BaseUrl != "" {
		client = client.SetBaseURL(cfg.BaseUrl)
	}
	pool, err := ants.NewPool(cfg.MaxThread)
	if err != nil {
		return nil, errors.Wrap(err, "create worker pool")
	}
	return &Transport{cfg: cfg, client: client, pool: pool}, nil
}

// Client returns the configured HTTP client.
func (t *Transport) Client() *req.Client {
	return t.client
}

// Transferred returns the number of payload bytes moved so far.
func (t *Transport) Transferred() int64 {
	return atomic.LoadInt64(&t.transferred)
}

func (t *Transport) count(n int) {
	atomic.AddInt64(&t.transferred, int64(n))
}

// Release stops the worker pool.
func (t *Transport) Release() {
	t.pool.Release()
}

// run executes task on the pool without blocking the caller. If the pool
// refuses the task, fail is called instead.
func (t *Transport) run(task func(), fail func(error)) {
	go func() {
		if err := t.pool.Submit(task); err != nil {
			logrus.Errorf("submit task failed: %v", err)
			fail(errors.Wrap(err, "submit task"))
		}
	}()
}

// retrier decides which failed parts are worth another attempt. It is only
// used from the loader goroutine.
type retrier struct {
	maxAttempts int
	attempts    map[int32]int
}

func newRetrier(maxAttempts int) *retrier {
	return &retrier{maxAttempts: maxAttempts, attempts: make(map[int32]int)}
}

func (r *retrier) ShouldRestart(op dl.Operation, res dl.Result) (bool, error) {
	if res.Err == nil {
		return false, nil
	}
	var statusErr *StatusError
	if errors.As(res.Err, &statusErr) && !statusErr.Temporary() {
		return false, res.Err
	}
	r.attempts[op.Part.ID]++
	if n := r.attempts[op.Part.ID]; n >= r.maxAttempts {
		return false, errors.Wrapf(res.Err, "part %d failed %d times", op.Part.ID, n)
	}
	logrus.WithFields(logrus.Fields{
		"function": "ShouldRestart",
		"part_id":  op.Part.ID,
		"attempt":  r.attempts[op.Part.ID],
		"error":    res.Err.Error(),
	}).Warn("Retry part")
	return true, nil
}

// resumeState is what a previous attempt left behind.
type resumeState struct {
	size       int64
	partSize   int64
	readyParts []int32
	session    string
}

type options struct {
	resume     resumeState
	offset     int64
	limit      int64
	badParts   []int32
	sequential bool
	growing    bool
}

type Option func(*options)

// WithResume continues a transfer of a file of the given size from a
// checkpoint. It is ignored when the size no longer matches.
func WithResume(size, partSize int64, readyParts []int32, session string) Option {
	return func(o *options) {
		o.resume = resumeState{size: size, partSize: partSize, readyParts: readyParts, session: session}
	}
}

// WithWindow starts with a streaming window.
func WithWindow(offset, limit int64) Option {
	return func(o *options) {
		o.offset = offset
		o.limit = limit
	}
}

// WithBadParts marks checkpointed upload parts the server lost.
func WithBadParts(ids ...int32) Option {
	return func(o *options) {
		o.badParts = append(o.badParts, ids...)
	}
}

// WithSequentialOutput makes a download write parts one after another
// instead of at their offsets; the loader must run with dl.Config.Ordered.
func WithSequentialOutput() Option {
	return func(o *options) {
		o.sequential = true
	}
}

// WithGrowing marks an upload source that is still being written; its size
// is a known prefix until the loader is told otherwise.
func WithGrowing() Option {
	return func(o *options) {
		o.growing = true
	}
}

// dropBadParts removes lost parts from a checkpoint. Losing the first part
// invalidates the whole upload.
func dropBadParts(ready, bad []int32) []int32 {
	if len(bad) == 0 {
		return ready
	}
	lost := make(map[int32]bool, len(bad))
	for _, id := range bad {
		if id == 0 {
			return nil
		}
		lost[id] = true
	}
	kept := make([]int32, 0, len(ready))
	for _, id := range ready {
		if !lost[id] {
			kept = append(kept, id)
		}
	}
	return kept
}
