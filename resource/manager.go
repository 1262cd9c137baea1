// Package resource shares a global bandwidth budget between transfers.
//
// Every transfer registers as a Worker and reports how much budget it needs;
// the Manager hands out budget in whole units either to the transfers that
// need the least first (ModeGreedy) or in priority order (ModeBaseline).
package resource

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultMaxLimit is the budget shared by all workers of one manager.
const DefaultMaxLimit = int64(1 << 21)

type Mode uint8

const (
	ModeBaseline Mode = iota
	ModeGreedy
)

func (m Mode) String() string {
	if m == ModeGreedy {
		return "greedy"
	}
	return "baseline"
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "greedy":
		return ModeGreedy, nil
	case "baseline":
		return ModeBaseline, nil
	}
	return 0, errors.Errorf("unknown mode %q", s)
}

type Config struct {
	MaxLimit int64
	Mode     Mode
}

func (c Config) withDefaults() Config {
	if c.MaxLimit <= 0 {
		c.MaxLimit = DefaultMaxLimit
	}
	return c
}

type NodeID uint64

// Worker is a transfer that receives budget. UpdateResources is called with
// the manager's copy of the worker's state; only its limit is authoritative.
// Implementations must not call back into the manager synchronously.
type Worker interface {
	SetResourceLink(link Link)
	UpdateResources(state State)
}

// Link is the worker's handle on its manager.
type Link interface {
	UpdateResources(state State)
	UpdatePriority(priority int8)
	Hangup()
}

type node struct {
	id        NodeID
	worker    Worker
	state     State
	key       int64
	heapIndex int
}

func (n *node) inHeap() bool {
	return n.heapIndex >= 0
}

type worklistEntry struct {
	magnitude int
	id        NodeID
}

// Manager is the single-owner budget arbiter. It is not safe for concurrent
// use; Scheduler wraps it in a goroutine.
type Manager struct {
	cfg  Config
	pool State

	nodes    map[NodeID]*node
	worklist []worklistEntry
	byExtra  nodeHeap
	lastID   NodeID

	newLink func(NodeID) Link
}

// NewManager returns a manager whose links call it directly.
func NewManager(cfg Config) *Manager {
	m := newManager(cfg, nil)
	m.newLink = func(id NodeID) Link {
		return directLink{m: m, id: id}
	}
	return m
}

func newManager(cfg Config, newLink func(NodeID) Link) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		nodes:   make(map[NodeID]*node),
		newLink: newLink,
	}
}

// RegisterWorker adds w with the given priority and hands it its link.
func (m *Manager) RegisterWorker(w Worker, priority int8) NodeID {
	m.lastID++
	n := &node{id: m.lastID, worker: w, heapIndex: -1}
	m.nodes[n.id] = n
	m.addToWorklist(n.id, priority)

	logrus.WithFields(logrus.Fields{
		"function": "RegisterWorker",
		"node_id":  n.id,
		"priority": priority,
	}).Debug("Register worker")
	w.SetResourceLink(m.newLink(n.id))
	return n.id
}

// addToWorklist keeps both priority signs in one list sorted by descending
// magnitude. A non-negative priority goes before its equals, a negative one
// after them.
func (m *Manager) addToWorklist(id NodeID, priority int8) {
	mag := int(priority)
	before := func(e worklistEntry) bool { return e.magnitude <= mag }
	if priority < 0 {
		mag = -mag
		before = func(e worklistEntry) bool { return e.magnitude < mag }
	}
	pos := len(m.worklist)
	for i, e := range m.worklist {
		if before(e) {
			pos = i
			break
		}
	}
	m.worklist = append(m.worklist, worklistEntry{})
	copy(m.worklist[pos+1:], m.worklist[pos:])
	m.worklist[pos] = worklistEntry{magnitude: mag, id: id}
}

func (m *Manager) removeFromWorklist(id NodeID) {
	for i, e := range m.worklist {
		if e.id == id {
			m.worklist = append(m.worklist[:i], m.worklist[i+1:]...)
			return
		}
	}
}

// UpdatePriority moves a worker to the position a new registration with
// priority would take.
func (m *Manager) UpdatePriority(id NodeID, priority int8) {
	if _, ok := m.nodes[id]; !ok {
		return
	}
	m.removeFromWorklist(id)
	m.addToWorklist(id, priority)
	m.Loop()
}

// UpdateResources merges a worker's report into the pool and hands out
// whatever budget is free.
func (m *Manager) UpdateResources(id NodeID, state State) {
	n, ok := m.nodes[id]
	if !ok {
		return
	}
	m.pool.Sub(n.state)
	n.state.UpdateMaster(state)
	m.pool.Add(n.state)

	logrus.WithFields(logrus.Fields{
		"function": "UpdateResources",
		"node_id":  id,
		"node":     n.state.String(),
		"pool":     m.pool.String(),
	}).Trace("Worker reported resources")

	if m.cfg.Mode == ModeGreedy {
		m.addToHeap(n)
	}
	m.Loop()
}

func (m *Manager) addToHeap(n *node) {
	key := n.state.EstimatedExtra()
	if key == 0 {
		m.byExtra.remove(n)
		return
	}
	m.byExtra.upsert(n, key)
}

// Hangup returns the budget held by a worker to the pool and forgets it.
func (m *Manager) Hangup(id NodeID) {
	n, ok := m.nodes[id]
	if !ok {
		return
	}
	m.byExtra.remove(n)
	m.pool.Sub(n.state)
	m.removeFromWorklist(id)
	delete(m.nodes, id)

	logrus.WithFields(logrus.Fields{
		"function": "Hangup",
		"node_id":  id,
		"pool":     m.pool.String(),
	}).Debug("Worker hung up")
	m.Loop()
}

// Loop refreshes the pool so that MaxLimit bytes are active again and grants
// budget until a worker cannot be served.
func (m *Manager) Loop() {
	m.pool.UpdateLimit(m.cfg.MaxLimit - m.pool.ActiveLimit())

	if m.cfg.Mode == ModeGreedy {
		var popped []*node
		for m.byExtra.Len() > 0 {
			n := m.byExtra.pop()
			popped = append(popped, n)
			if !m.satisfyNode(n) {
				break
			}
		}
		for _, n := range popped {
			m.addToHeap(n)
		}
		return
	}

	for _, e := range m.worklist {
		if !m.satisfyNode(m.nodes[e.id]) {
			break
		}
	}
}

// satisfyNode grants a node as much of what it asks for as the pool allows,
// in whole units. It reports false when nothing could be granted.
func (m *Manager) satisfyNode(n *node) bool {
	unit := n.state.UnitSize()
	need := n.state.EstimatedExtra()
	need = (need + unit - 1) / unit * unit
	if need <= 0 {
		return true
	}
	give := min(need, m.pool.Unused())
	give -= give % unit
	if give <= 0 {
		return false
	}
	m.pool.StartUse(give)
	n.state.UpdateLimit(give)

	logrus.WithFields(logrus.Fields{
		"function": "satisfyNode",
		"node_id":  n.id,
		"need":     need,
		"give":     give,
	}).Trace("Grant resources")
	n.worker.UpdateResources(n.state)
	return true
}

// Pool returns the aggregated budget of all workers.
func (m *Manager) Pool() State {
	return m.pool
}

// Len returns the number of registered workers.
func (m *Manager) Len() int {
	return len(m.nodes)
}

// Order returns the registered workers in baseline service order.
func (m *Manager) Order() []NodeID {
	ids := make([]NodeID, 0, len(m.worklist))
	for _, e := range m.worklist {
		ids = append(ids, e.id)
	}
	return ids
}

type directLink struct {
	m  *Manager
	id NodeID
}

func (l directLink) UpdateResources(state State) { l.m.UpdateResources(l.id, state) }
func (l directLink) UpdatePriority(priority int8) { l.m.UpdatePriority(l.id, priority) }
func (l directLink) Hangup()                      { l.m.Hangup(l.id) }
