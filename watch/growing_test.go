package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type report struct {
	size    int64
	isReady bool
}

type recorder struct {
	mu      sync.Mutex
	reports []report
}

func (r *recorder) report(size int64, isReady bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{size, isReady})
}

func (r *recorder) last() report {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reports) == 0 {
		return report{size: -1}
	}
	return r.reports[len(r.reports)-1]
}

func TestGrowingReportsPrefixAndCompletion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "growing.log")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(make([]byte, 100))
	require.NoError(t, err)

	rec := &recorder{}
	g := NewGrowing(path, 300*time.Millisecond, rec.report)
	errs := make(chan error, 1)
	go func() { errs <- g.Run(context.Background()) }()

	require.Eventually(t, func() bool { return rec.last() == report{100, false} }, 5*time.Second, 10*time.Millisecond)
	_, err = f.Write(make([]byte, 50))
	require.NoError(t, err)

	select {
	case err = <-errs:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not finish")
	}
	assert.Equal(t, report{150, true}, rec.last())
	for _, r := range rec.reports[:len(rec.reports)-1] {
		assert.False(t, r.isReady)
	}
}

func TestGrowingShrinkIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "growing.log")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))

	rec := &recorder{}
	g := NewGrowing(path, 5*time.Second, rec.report)
	errs := make(chan error, 1)
	go func() { errs <- g.Run(context.Background()) }()

	require.Eventually(t, func() bool { return rec.last().size == 100 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, os.Truncate(path, 10))

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not finish")
	}
}

func TestGrowingMissingFile(t *testing.T) {
	g := NewGrowing(filepath.Join(t.TempDir(), "missing"), time.Second, func(int64, bool) {})
	assert.Error(t, g.Run(context.Background()))
}

func TestGrowingContextCanceled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "growing.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := NewGrowing(path, time.Minute, func(int64, bool) {})
	assert.ErrorIs(t, g.Run(ctx), context.Canceled)
}
