package progressbar

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBarRendersOnFinish(t *testing.T) {
	var out bytes.Buffer
	finished := false
	steps := 0
	b := New(
		WithInterval(time.Hour),
		WithOutput(&out),
		WithTitle("download"),
		WithStepHook(func(b *Bar) {
			steps++
			b.SetTotal(10)
			b.SetCur(5)
			b.SetSize(1024)
		}),
		WithFinishHook(func() { finished = true }),
	)
	go b.Run()
	b.Finish()
	b.Finish()

	assert.True(t, finished)
	assert.Equal(t, 1, steps)
	assert.Contains(t, out.String(), "download 50.00%")
	assert.Contains(t, out.String(), "5/10")
}

func TestBarTicksWithBytes(t *testing.T) {
	var out syncBuffer
	b := New(WithInterval(10*time.Millisecond), WithOutput(&out), WithBytes())
	b.SetTotal(2048)
	b.SetCur(1024)
	go b.Run()
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "1.00 KB/2.00 KB")
	}, 5*time.Second, 10*time.Millisecond)
	b.Finish()
}
