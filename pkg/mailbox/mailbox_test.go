package mailbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushDrainOrder(t *testing.T) {
	box := New[int]()
	for i := 0; i < 5; i++ {
		require.True(t, box.Push(i))
	}
	assert.Equal(t, 5, box.Len())

	select {
	case <-box.Signal():
	default:
		t.Fatal("no signal after push")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, box.Drain())
	assert.Empty(t, box.Drain())
}

func TestCloseReturnsQueuedMessages(t *testing.T) {
	box := New[string]()
	box.Push("a")
	box.Push("b")
	assert.Equal(t, []string{"a", "b"}, box.Close())

	assert.True(t, box.Closed())
	assert.False(t, box.Push("c"))
	assert.Empty(t, box.Drain())
	assert.Empty(t, box.Close())
}

func TestConcurrentSenders(t *testing.T) {
	box := New[int]()
	const senders, perSender = 8, 100

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				box.Push(i)
			}
		}()
	}

	received := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timeout := time.After(5 * time.Second)
	for received < senders*perSender {
		select {
		case <-box.Signal():
			received += len(box.Drain())
		case <-done:
			received += len(box.Drain())
		case <-timeout:
			t.Fatalf("received %d messages", received)
		}
	}
	assert.Equal(t, senders*perSender, received)
}
