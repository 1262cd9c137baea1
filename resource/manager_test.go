package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	link   Link
	state  State
	grants []int64
}

func newFakeWorker(unitSize int64) *fakeWorker {
	return &fakeWorker{state: NewState(unitSize)}
}

func (w *fakeWorker) SetResourceLink(link Link) {
	w.link = link
}

func (w *fakeWorker) UpdateResources(state State) {
	prev := w.state.Limit()
	w.state.UpdateSlave(state)
	w.grants = append(w.grants, w.state.Limit()-prev)
}

func (w *fakeWorker) need(extra int64) {
	w.state.UpdateEstimatedLimit(extra)
	w.link.UpdateResources(w.state)
}

func TestRegisterWorkerHandsOutLink(t *testing.T) {
	m := NewManager(Config{})
	w := newFakeWorker(1)
	id := m.RegisterWorker(w, 0)
	require.NotNil(t, w.link)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, []NodeID{id}, m.Order())
}

func TestGreedyServesSmallestNeedFirst(t *testing.T) {
	m := NewManager(Config{MaxLimit: 10000, Mode: ModeGreedy})
	hog := newFakeWorker(1000)
	small := newFakeWorker(1000)
	big := newFakeWorker(1000)
	m.RegisterWorker(hog, 0)
	m.RegisterWorker(big, 0)
	m.RegisterWorker(small, 0)

	hog.need(10000)
	require.Equal(t, []int64{10000}, hog.grants)
	big.need(8000)
	small.need(6000)
	assert.Empty(t, big.grants)
	assert.Empty(t, small.grants)

	hog.link.Hangup()
	assert.Equal(t, []int64{6000}, small.grants)
	assert.Equal(t, []int64{4000}, big.grants)
	assert.Equal(t, int64(0), m.Pool().Unused())
}

func TestBaselineServesInPriorityOrder(t *testing.T) {
	m := NewManager(Config{MaxLimit: 10000, Mode: ModeBaseline})
	hog := newFakeWorker(1000)
	low := newFakeWorker(1000)
	high := newFakeWorker(1000)
	m.RegisterWorker(hog, 20)
	m.RegisterWorker(low, 0)
	m.RegisterWorker(high, 5)

	hog.need(10000)
	low.need(6000)
	high.need(8000)
	hog.link.Hangup()

	assert.Equal(t, []int64{8000}, high.grants)
	assert.Equal(t, []int64{2000}, low.grants)
}

func TestZeroNeedDoesNotBlockBaseline(t *testing.T) {
	m := NewManager(Config{MaxLimit: 10000})
	idle := newFakeWorker(1000)
	busy := newFakeWorker(1000)
	m.RegisterWorker(idle, 10)
	m.RegisterWorker(busy, 0)

	busy.need(3000)
	assert.Empty(t, idle.grants)
	assert.Equal(t, []int64{3000}, busy.grants)
}

func TestGrantsAreWholeUnits(t *testing.T) {
	m := NewManager(Config{MaxLimit: 10000, Mode: ModeGreedy})
	w := newFakeWorker(3000)
	m.RegisterWorker(w, 0)

	w.need(10000)
	require.Len(t, w.grants, 1)
	assert.Equal(t, int64(9000), w.grants[0])
	assert.Equal(t, int64(1000), m.Pool().Unused())

	other := newFakeWorker(3000)
	m.RegisterWorker(other, 0)
	other.need(3000)
	assert.Empty(t, other.grants)
}

func TestConsumedBudgetIsRecycled(t *testing.T) {
	m := NewManager(Config{MaxLimit: 10000, Mode: ModeGreedy})
	first := newFakeWorker(1000)
	second := newFakeWorker(1000)
	m.RegisterWorker(first, 0)
	m.RegisterWorker(second, 0)

	first.need(10000)
	second.need(6000)
	require.Empty(t, second.grants)

	first.state.StartUse(4000)
	first.state.StopUse(4000)
	first.need(6000)

	assert.Equal(t, []int64{4000}, second.grants)
	assert.GreaterOrEqual(t, m.Pool().Unused(), int64(0))
	assert.Equal(t, int64(10000), m.Pool().ActiveLimit())
}

func TestHangupReturnsBudget(t *testing.T) {
	m := NewManager(Config{MaxLimit: 4000, Mode: ModeBaseline})
	w := newFakeWorker(1000)
	m.RegisterWorker(w, 0)
	w.need(4000)
	require.Equal(t, int64(0), m.Pool().Unused())

	w.link.Hangup()
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, m.Order())
	assert.Equal(t, int64(4000), m.Pool().Unused())

	// a hung up worker is ignored
	w.link.UpdateResources(w.state)
	assert.Equal(t, int64(4000), m.Pool().Unused())
}

func TestPriorityBucketOrder(t *testing.T) {
	m := NewManager(Config{})
	register := func(priority int8) NodeID {
		return m.RegisterWorker(newFakeWorker(1), priority)
	}

	a := register(1)
	c := register(-1)
	b := register(1)
	d := register(-1)
	e := register(2)
	f := register(-3)
	g := register(0)

	assert.Equal(t, []NodeID{f, e, b, a, c, d, g}, m.Order())
}

func TestUpdatePriorityReinserts(t *testing.T) {
	m := NewManager(Config{})
	first := newFakeWorker(1)
	second := newFakeWorker(1)
	a := m.RegisterWorker(first, 3)
	b := m.RegisterWorker(second, 1)
	require.Equal(t, []NodeID{a, b}, m.Order())

	second.link.UpdatePriority(3)
	assert.Equal(t, []NodeID{b, a}, m.Order())

	second.link.UpdatePriority(-3)
	assert.Equal(t, []NodeID{a, b}, m.Order())

	m.UpdatePriority(NodeID(99), 1)
	assert.Equal(t, []NodeID{a, b}, m.Order())
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeBaseline, ModeGreedy} {
		parsed, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}
	_, err := ParseMode("fastest")
	assert.Error(t, err)
}
