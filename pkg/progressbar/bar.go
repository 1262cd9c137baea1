package progressbar

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timerzz/xload/pkg/utils"
)

type cfg struct {
	interval   time.Duration
	stepHook   func(*Bar)
	finishHook func()
	title      string
	out        io.Writer
	bytes      bool
}

// Bar prints a one-line progress report every interval. The setters may be
// called from any goroutine.
type Bar struct {
	total    atomic.Int64
	cur      atomic.Int64
	size     atomic.Int64
	lastSize int64
	lastTime time.Time

	cfg cfg

	finish     chan struct{}
	finishOnce sync.Once
	stopped    chan struct{}
}

func New(opts ...Option) *Bar {
	c := cfg{interval: time.Second, out: os.Stdout}
	for _, opt := range opts {
		opt(&c)
	}
	return &Bar{
		cfg:     c,
		finish:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (b *Bar) Run() {
	defer close(b.stopped)
	ticker := time.NewTicker(b.cfg.interval)
	defer ticker.Stop()
	b.lastTime = time.Now()
	for {
		select {
		case <-ticker.C:
			if b.cfg.stepHook != nil {
				b.cfg.stepHook(b)
			}
			if b.total.Load() <= 0 {
				continue
			}
			b.render()
		case <-b.finish:
			if b.cfg.stepHook != nil {
				b.cfg.stepHook(b)
			}
			b.render()
			if b.cfg.finishHook != nil {
				b.cfg.finishHook()
			}
			return
		}
	}
}

func (b *Bar) render() {
	total, cur, size := b.total.Load(), b.cur.Load(), b.size.Load()
	var percent float64
	if total > 0 {
		percent = 100 * float64(cur) / float64(total)
	}
	rate := utils.SizePercentFormat(b.lastTime, size-b.lastSize)
	b.lastTime, b.lastSize = time.Now(), size
	if b.cfg.bytes {
		fmt.Fprintf(b.cfg.out, "\r %s %.2f%%  %10s/%s %20s", b.cfg.title, percent,
			utils.FormatSize(cur), utils.FormatSize(total), rate)
		return
	}
	fmt.Fprintf(b.cfg.out, "\r %s %.2f%%  %8d/%d %20s", b.cfg.title, percent, cur, total, rate)
}

func (b *Bar) SetTotal(t int64) {
	b.total.Store(t)
}

func (b *Bar) SetCur(t int64) {
	b.cur.Store(t)
}

// SetSize sets the bytes moved so far; the rate is derived from it.
func (b *Bar) SetSize(t int64) {
	b.size.Store(t)
}

// Finish renders the final state and waits for Run to return. It may be
// called more than once.
func (b *Bar) Finish() {
	b.finishOnce.Do(func() {
		close(b.finish)
	})
	<-b.stopped
}

type Option func(*cfg)

func WithInterval(duration time.Duration) Option {
	return func(cfg *cfg) {
		cfg.interval = duration
	}
}

func WithTitle(title string) Option {
	return func(cfg *cfg) {
		cfg.title = title
	}
}

func WithStepHook(h func(self *Bar)) Option {
	return func(cfg *cfg) {
		cfg.stepHook = h
	}
}

func WithFinishHook(h func()) Option {
	return func(cfg *cfg) {
		cfg.finishHook = h
	}
}

func WithOutput(w io.Writer) Option {
	return func(cfg *cfg) {
		cfg.out = w
	}
}

// WithBytes renders cur and total as byte sizes.
func WithBytes() Option {
	return func(cfg *cfg) {
		cfg.bytes = true
	}
}
