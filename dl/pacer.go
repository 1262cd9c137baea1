package dl

import (
	"time"
)

const (
	firstPaceDelay = 50 * time.Millisecond
	minPaceDelay   = 3 * time.Millisecond
)

type pacedChunk struct {
	id    uint64
	delay time.Duration
}

// pacer spaces out submissions. A chunk is released right away when the
// previous one left long enough ago; after a chunk leaves the next one waits
// for the delay the chunk was queued with.
type pacer struct {
	delay  time.Duration
	nextAt time.Time
	queue  []pacedChunk
	timer  *time.Timer
	wake   func()
}

func newPacer(wake func()) *pacer {
	return &pacer{delay: firstPaceDelay, wake: wake}
}

func (p *pacer) push(id uint64) {
	p.queue = append(p.queue, pacedChunk{id: id, delay: p.delay})
	p.delay = max(p.delay*8/10, minPaceDelay)
}

// next pops the first chunk when it is due.
func (p *pacer) next(now time.Time) (uint64, bool) {
	if len(p.queue) == 0 || now.Before(p.nextAt) {
		return 0, false
	}
	c := p.queue[0]
	p.queue = p.queue[1:]
	p.nextAt = now.Add(c.delay)
	return c.id, true
}

func (p *pacer) remove(id uint64) {
	for i, c := range p.queue {
		if c.id == id {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

func (p *pacer) len() int {
	return len(p.queue)
}

// arm schedules a wake up for when the first queued chunk is due.
func (p *pacer) arm(now time.Time) {
	if len(p.queue) == 0 || p.wake == nil {
		return
	}
	wait := max(p.nextAt.Sub(now), 0)
	if p.timer == nil {
		p.timer = time.AfterFunc(wait, p.wake)
		return
	}
	p.timer.Reset(wait)
}

func (p *pacer) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.queue = nil
}
