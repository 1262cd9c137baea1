package resource

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/timerzz/xload/pkg/mailbox"
)

type messageKind uint8

const (
	msgRegister messageKind = iota
	msgUpdateResources
	msgUpdatePriority
	msgHangup
)

type message struct {
	kind     messageKind
	id       NodeID
	worker   Worker
	priority int8
	state    State
}

// Scheduler runs a Manager on its own goroutine. Workers talk to it only
// through messages, so any number of transfers may share one Scheduler.
type Scheduler struct {
	manager *Manager
	box     *mailbox.Mailbox[message]
}

func NewScheduler(cfg Config) *Scheduler {
	s := &Scheduler{box: mailbox.New[message]()}
	s.manager = newManager(cfg, func(id NodeID) Link {
		return schedulerLink{box: s.box, id: id}
	})
	return s
}

// RegisterWorker queues the registration of w; w receives its link from the
// scheduler goroutine.
func (s *Scheduler) RegisterWorker(w Worker, priority int8) {
	if !s.box.Push(message{kind: msgRegister, worker: w, priority: priority}) {
		logrus.WithFields(logrus.Fields{
			"function": "RegisterWorker",
		}).Warn("Scheduler is stopped, worker gets no resources")
	}
}

// Run serves messages until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	logrus.WithFields(logrus.Fields{
		"function":  "Run",
		"max_limit": s.manager.cfg.MaxLimit,
		"mode":      s.manager.cfg.Mode.String(),
	}).Debug("Scheduler started")
	defer s.box.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.box.Signal():
			for _, msg := range s.box.Drain() {
				s.handle(msg)
			}
		}
	}
}

func (s *Scheduler) handle(msg message) {
	switch msg.kind {
	case msgRegister:
		s.manager.RegisterWorker(msg.worker, msg.priority)
	case msgUpdateResources:
		s.manager.UpdateResources(msg.id, msg.state)
	case msgUpdatePriority:
		s.manager.UpdatePriority(msg.id, msg.priority)
	case msgHangup:
		s.manager.Hangup(msg.id)
	}
}

type schedulerLink struct {
	box *mailbox.Mailbox[message]
	id  NodeID
}

func (l schedulerLink) UpdateResources(state State) {
	l.box.Push(message{kind: msgUpdateResources, id: l.id, state: state})
}

func (l schedulerLink) UpdatePriority(priority int8) {
	l.box.Push(message{kind: msgUpdatePriority, id: l.id, priority: priority})
}

func (l schedulerLink) Hangup() {
	l.box.Push(message{kind: msgHangup, id: l.id})
}
