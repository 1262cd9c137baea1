package dl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacerDelays(t *testing.T) {
	p := newPacer(nil)
	for id := uint64(1); id <= 20; id++ {
		p.push(id)
	}
	assert.Equal(t, firstPaceDelay, p.queue[0].delay)
	assert.Equal(t, 40*time.Millisecond, p.queue[1].delay)
	assert.Equal(t, minPaceDelay, p.queue[19].delay)
	for i := 1; i < len(p.queue); i++ {
		assert.LessOrEqual(t, p.queue[i].delay, p.queue[i-1].delay)
	}
}

func TestPacerReleasesWhenDue(t *testing.T) {
	p := newPacer(nil)
	p.push(1)
	p.push(2)
	p.push(3)

	now := time.Now()
	id, ok := p.next(now)
	require.True(t, ok)
	assert.Equal(t, uint64(1), id)

	_, ok = p.next(now.Add(firstPaceDelay - time.Millisecond))
	assert.False(t, ok)

	now = now.Add(firstPaceDelay)
	id, ok = p.next(now)
	require.True(t, ok)
	assert.Equal(t, uint64(2), id)

	p.remove(3)
	_, ok = p.next(now.Add(time.Second))
	assert.False(t, ok)
	assert.Equal(t, 0, p.len())
}

func TestPacerWakes(t *testing.T) {
	woke := make(chan struct{}, 1)
	p := newPacer(func() { woke <- struct{}{} })
	p.push(1)
	p.push(2)
	now := time.Now()
	_, ok := p.next(now)
	require.True(t, ok)
	p.arm(now)

	select {
	case <-woke:
	case <-time.After(5 * time.Second):
		t.Fatal("pacer did not wake")
	}
	p.stop()
	assert.Equal(t, 0, p.len())
}
