// Package dl drives one file transfer: it asks parts.Manager which part to
// move next, hands parts to a Network within the budget granted by a
// resource manager, and reports progress to a Callback.
package dl

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/timerzz/xload/parts"
	"github.com/timerzz/xload/pkg/mailbox"
	"github.com/timerzz/xload/resource"
)

var (
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("loader closed")
	// ErrMalformedResult is returned when the network reports an impossible size.
	ErrMalformedResult = errors.New("malformed result")
)

type eventKind uint8

const (
	evResult eventKind = iota
	evSetLink
	evResources
	evDownloadedPart
	evLocalLocation
	evPriority
	evWake
	evClose
)

type event struct {
	kind     eventKind
	id       uint64
	result   Result
	link     resource.Link
	state    resource.State
	offset   int64
	limit    int64
	ready    bool
	priority int8
}

// Loader is one transfer. All of its state is owned by the goroutine in Run;
// the exported methods only post messages to it.
type Loader struct {
	cfg Config
	src Source
	net Network
	cb  Callback
	reg Registrar

	box  *mailbox.Mailbox[event]
	done chan struct{}
	err  error

	ctx       context.Context
	direction Direction
	parts     parts.Manager
	state     resource.State
	link      resource.Link
	checker   Checker

	chunks     map[uint64]*chunk
	lastID     uint64
	blockingID uint64

	ordered *orderedStage[finishedChunk]
	pacer   *pacer

	stopped bool

	totalParts    int
	badOrderParts []int32
}

func New(cfg Config, src Source, net Network, cb Callback, reg Registrar) *Loader {
	return &Loader{
		cfg:    cfg.withDefaults(),
		src:    src,
		net:    net,
		cb:     cb,
		reg:    reg,
		box:    mailbox.New[event](),
		done:   make(chan struct{}),
		ctx:    context.Background(),
		chunks: make(map[uint64]*chunk),
	}
}

// Run performs the transfer. It returns nil once the whole file is
// transferred and accepted by Callback.OnOK, parts.ErrWindowSatisfied when
// only the streaming window is, ErrClosed after Close, ctx.Err() when ctx is
// done first, or the fatal error also passed to Callback.OnError.
func (l *Loader) Run(ctx context.Context) error {
	defer close(l.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.ctx = ctx

	l.startUp(ctx)
	for !l.stopped {
		select {
		case <-ctx.Done():
			l.stop(ctx.Err())
		case <-l.box.Signal():
			l.pump()
		}
	}
	l.tearDown()
	return l.err
}

// Wait is closed when Run returns.
func (l *Loader) Wait() <-chan struct{} {
	return l.done
}

// Err returns the result of Run once Wait is closed.
func (l *Loader) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// UpdateDownloadedPart moves the streaming window. Parts in flight outside
// the new window are canceled.
func (l *Loader) UpdateDownloadedPart(offset, limit int64) {
	l.box.Push(event{kind: evDownloadedPart, offset: offset, limit: limit})
}

// UpdateLocalFileLocation reports that the first size bytes of a growing
// local file are final; isReady means the file will not grow any more.
func (l *Loader) UpdateLocalFileLocation(size int64, isReady bool) {
	l.box.Push(event{kind: evLocalLocation, offset: size, ready: isReady})
}

func (l *Loader) UpdatePriority(priority int8) {
	l.box.Push(event{kind: evPriority, priority: priority})
}

// Close stops the transfer; parts in flight are canceled.
func (l *Loader) Close() {
	l.box.Push(event{kind: evClose})
}

// SetResourceLink implements resource.Worker.
func (l *Loader) SetResourceLink(link resource.Link) {
	if !l.box.Push(event{kind: evSetLink, link: link}) {
		link.Hangup()
	}
}

// UpdateResources implements resource.Worker.
func (l *Loader) UpdateResources(state resource.State) {
	l.box.Push(event{kind: evResources, state: state})
}

func (l *Loader) pump() {
	events := l.box.Drain()
	for i, ev := range events {
		if l.stopped {
			l.dropEvents(events[i:])
			return
		}
		l.handle(ev)
	}
}

// dropEvents discards events that arrive after the transfer stopped. A link
// among them still has to be given back.
func (l *Loader) dropEvents(events []event) {
	for _, ev := range events {
		if ev.kind == evSetLink {
			ev.link.Hangup()
		}
	}
}

func (l *Loader) handle(ev event) {
	switch ev.kind {
	case evResult:
		l.onResult(ev.id, ev.result)
	case evSetLink:
		l.link = ev.link
		l.updateEstimatedLimit()
	case evResources:
		l.state.UpdateSlave(ev.state)
		l.loop()
	case evDownloadedPart:
		l.updateDownloadedPart(ev.offset, ev.limit)
	case evLocalLocation:
		l.updateLocalFileLocation(ev.offset, ev.ready)
	case evPriority:
		l.cfg.Priority = ev.priority
		if l.link != nil {
			l.link.UpdatePriority(ev.priority)
		}
	case evWake:
		l.loop()
	case evClose:
		l.stop(ErrClosed)
	}
}

func (l *Loader) startUp(ctx context.Context) {
	info, err := l.src.FileInfo(ctx)
	if err != nil {
		l.fail(errors.Wrap(err, "get file info"))
		return
	}
	if info.IsUpload {
		l.direction = Upload
	}
	expectedSize := max(info.Size, info.ExpectedSize)
	err = l.parts.Init(info.Size, expectedSize, info.IsSizeFinal, info.PartSize, info.ReadyParts,
		info.UsePartCountLimit, info.IsUpload)
	if err != nil {
		l.fail(err)
		return
	}
	if info.NeedCheck {
		checker, ok := l.net.(Checker)
		if !ok {
			l.fail(errors.New("network can not check transferred data"))
			return
		}
		l.checker = checker
		l.parts.SetNeedCheck()
	}
	if info.OnlyCheck {
		l.parts.SetCheckedPrefixSize(0)
	}
	l.parts.SetStreamingOffset(info.Offset, info.Limit)
	if l.cfg.Ordered {
		l.ordered = newOrderedStage[finishedChunk]()
	}
	if info.NeedDelay {
		box := l.box
		l.pacer = newPacer(func() {
			box.Push(event{kind: evWake})
		})
	}
	l.state.SetUnitSize(l.parts.PartSize())

	logrus.WithFields(logrus.Fields{
		"function":  "startUp",
		"direction": l.direction.String(),
		"parts":     l.parts.String(),
	}).Debug("Start transfer")

	l.updateEstimatedLimit()
	l.onProgress()
	l.reg.RegisterWorker(l, l.cfg.Priority)
	l.loop()
}

func (l *Loader) loop() {
	if l.stopped {
		return
	}
	if err := l.doLoop(); err != nil {
		if errors.Is(err, parts.ErrWindowSatisfied) {
			l.stop(err)
			return
		}
		l.fail(err)
	}
}

func (l *Loader) doLoop() error {
	if err := l.checkPrefix(); err != nil {
		return err
	}

	if l.parts.MayFinish() {
		l.logOrderStats()
		if err := l.parts.Finish(); err != nil {
			return err
		}
		size, err := l.parts.Size()
		if err != nil {
			return err
		}
		if err := l.cb.OnOK(size); err != nil {
			return err
		}
		l.stop(nil)
		return nil
	}

	for {
		if l.blockingID != 0 {
			break
		}
		if l.state.Unused() < l.parts.PartSize() {
			break
		}
		part, err := l.parts.StartPart()
		if err != nil {
			return err
		}
		if part.Empty() {
			break
		}
		l.state.StartUse(part.Size)
		if err := l.startChunk(part); err != nil {
			return err
		}
	}
	return l.dispatchPaced()
}

func (l *Loader) checkPrefix() error {
	if l.checker == nil {
		return nil
	}
	checked := l.parts.CheckedPrefixSize()
	ready := l.parts.UncheckedReadyPrefixSize()
	if ready <= checked {
		return nil
	}
	n, err := l.checker.CheckPrefix(checked, ready)
	if err != nil {
		return errors.Wrapf(err, "check prefix %d..%d", checked, ready)
	}
	if n < checked || n > ready {
		return errors.Wrapf(ErrMalformedResult, "checked prefix %d outside %d..%d", n, checked, ready)
	}
	if n != checked {
		l.parts.SetCheckedPrefixSize(n)
		l.onProgress()
	}
	return nil
}

func (l *Loader) startChunk(part parts.Part) error {
	l.lastID++
	ctx, cancel := context.WithCancel(l.ctx)
	c := &chunk{
		op: Operation{
			ID:              l.lastID,
			Part:            part,
			Direction:       l.direction,
			PartCount:       l.parts.PartCount(),
			FileSize:        l.parts.SizeOrZero(),
			StreamingOffset: l.parts.StreamingOffset(),
		},
		ctx:    ctx,
		cancel: cancel,
	}
	l.chunks[c.op.ID] = c
	if l.ordered != nil {
		l.ordered.expect(part.ID)
	}
	if l.pacer != nil {
		l.pacer.push(c.op.ID)
		return nil
	}
	return l.submit(c)
}

func (l *Loader) submit(c *chunk) error {
	c.status = chunkRunning
	box, id := l.box, c.op.ID
	blocking, err := l.net.Submit(c.ctx, c.op, func(res Result) {
		box.Push(event{kind: evResult, id: id, result: res})
	})
	if err != nil {
		return errors.Wrapf(err, "submit %s", c.op)
	}
	if blocking {
		l.blockingID = id
	}
	return nil
}

func (l *Loader) dispatchPaced() error {
	if l.pacer == nil {
		return nil
	}
	now := time.Now()
	for l.blockingID == 0 {
		id, ok := l.pacer.next(now)
		if !ok {
			break
		}
		c, ok := l.chunks[id]
		if !ok || c.status != chunkQueued {
			continue
		}
		if err := l.submit(c); err != nil {
			return err
		}
	}
	if l.blockingID == 0 {
		l.pacer.arm(now)
	}
	return nil
}

func (l *Loader) cancelChunk(c *chunk) {
	if c.status == chunkCanceled {
		return
	}
	queued := c.status == chunkQueued
	c.status = chunkCanceled
	c.cancel()
	if queued {
		l.pacer.remove(c.op.ID)
		l.box.Push(event{kind: evResult, id: c.op.ID, result: Result{Err: context.Canceled}})
	}
}

func (l *Loader) onResult(id uint64, res Result) {
	if id == l.blockingID {
		l.blockingID = 0
	}
	c, ok := l.chunks[id]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "onResult",
			"op_id":    id,
		}).Warn("Got result for unknown part")
		return
	}
	delete(l.chunks, id)
	c.cancel()

	if err := l.handleResult(c, res); err != nil {
		l.fail(err)
		return
	}
	l.updateEstimatedLimit()
	l.loop()
}

func (l *Loader) handleResult(c *chunk, res Result) error {
	restart := c.status == chunkCanceled || errors.Is(res.Err, context.Canceled)
	if !restart {
		var err error
		if restart, err = l.net.ShouldRestart(c.op, res); err != nil {
			return errors.Wrapf(err, "%s", c.op)
		}
	}
	if restart {
		logrus.WithFields(logrus.Fields{
			"function": "handleResult",
			"part_id":  c.op.Part.ID,
			"size":     c.op.Part.Size,
			"error":    res.Err,
		}).Debug("Restart part")
		l.state.StopUse(c.op.Part.Size)
		if err := l.parts.OnPartFailed(c.op.Part.ID); err != nil {
			return err
		}
		return l.pruneOrdered()
	}
	if res.Err != nil {
		return errors.Wrapf(res.Err, "%s", c.op)
	}

	done := finishedChunk{op: c.op, res: res}
	if l.ordered != nil {
		return l.ordered.add(c.op.Part.ID, done, l.onPartQuery)
	}
	return l.onPartQuery(done)
}

// pruneOrdered stops holding results back for parts that are neither in
// flight nor will be started again.
func (l *Loader) pruneOrdered() error {
	if l.ordered == nil {
		return nil
	}
	return l.ordered.prune(func(id int32) bool {
		return l.inFlight(id) || l.parts.InStreamingWindow(id)
	}, l.onPartQuery)
}

func (l *Loader) inFlight(id int32) bool {
	for _, c := range l.chunks {
		if c.op.Part.ID == id {
			return true
		}
	}
	return false
}

func (l *Loader) onPartQuery(done finishedChunk) error {
	if l.stopped {
		return nil
	}
	size, err := l.net.ProcessPart(done.op, done.res)
	if err != nil {
		return errors.Wrapf(err, "process %s", done.op)
	}
	if size < 0 {
		return errors.Wrapf(ErrMalformedResult, "%s processed %d bytes", done.op, size)
	}
	part := done.op.Part
	l.state.StopUse(part.Size)

	oldPrefix := l.parts.UncheckedReadyPrefixCount()
	if err := l.parts.OnPartOK(part.ID, part.Size, size); err != nil {
		return err
	}
	l.totalParts++
	if l.parts.UncheckedReadyPrefixCount() == oldPrefix {
		l.badOrderParts = append(l.badOrderParts, part.ID)
	}
	l.onProgress()
	return nil
}

func (l *Loader) updateEstimatedLimit() {
	if l.stopped {
		return
	}
	l.state.UpdateEstimatedLimit(l.parts.EstimatedExtra())
	if l.link != nil {
		l.link.UpdateResources(l.state)
	}
}

func (l *Loader) updateDownloadedPart(offset, limit int64) {
	if l.parts.StreamingOffset() != offset {
		begin := l.parts.SetStreamingOffset(offset, limit)
		partSize := l.parts.PartSize()
		newEnd := l.parts.PartCount()
		if limit > 0 {
			newEnd = int32((offset+limit-1)/partSize) + 1
		}
		maxParts := int32(l.cfg.MaxLimit / partSize)
		end := begin + min(maxParts, newEnd-begin)

		logrus.WithFields(logrus.Fields{
			"function": "updateDownloadedPart",
			"offset":   offset,
			"limit":    limit,
			"begin":    begin,
			"end":      end,
		}).Debug("Protect parts")
		for _, c := range l.chunks {
			if id := c.op.Part.ID; id < begin || id >= end {
				l.cancelChunk(c)
			}
		}
	} else {
		l.parts.SetStreamingLimit(limit)
	}
	if err := l.pruneOrdered(); err != nil {
		l.fail(err)
		return
	}
	l.updateEstimatedLimit()
	l.loop()
}

func (l *Loader) updateLocalFileLocation(size int64, isReady bool) {
	if err := l.parts.SetKnownPrefix(size, isReady); err != nil {
		l.fail(err)
		return
	}
	l.updateEstimatedLimit()
	l.loop()
}

func (l *Loader) onProgress() {
	size := l.parts.SizeOrZero()
	l.cb.OnProgress(Progress{
		PartCount:        l.parts.PartCount(),
		PartSize:         l.parts.PartSize(),
		ReadyPrefixCount: l.parts.ReadyPrefixCount(),
		Bitmask:          l.parts.EncodedBitmask(),
		Ready:            l.parts.Ready(),
		ReadySize:        l.parts.ReadySize(),
		Size:             size,
	})
}

func (l *Loader) logOrderStats() {
	rate := 0.0
	if l.totalParts != 0 {
		rate = 100 * float64(len(l.badOrderParts)) / float64(l.totalParts)
	}
	logrus.WithFields(logrus.Fields{
		"function":  "logOrderStats",
		"bad":       len(l.badOrderParts),
		"total":     l.totalParts,
		"bad_parts": l.badOrderParts,
	}).Infof("Bad %s order rate: %.2f%%", l.direction, rate)
}

func (l *Loader) fail(err error) {
	if l.stopped {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "fail",
		"parts":    l.parts.String(),
		"error":    err.Error(),
	}).Error("Transfer failed")
	l.cb.OnError(err)
	l.stop(err)
}

func (l *Loader) stop(err error) {
	if l.stopped {
		return
	}
	l.stopped = true
	l.err = err
}

func (l *Loader) tearDown() {
	for _, c := range l.chunks {
		c.cancel()
	}
	l.chunks = make(map[uint64]*chunk)
	if l.ordered != nil {
		l.ordered.clear()
	}
	if l.pacer != nil {
		l.pacer.stop()
	}
	if l.link != nil {
		l.link.Hangup()
		l.link = nil
	}
	l.dropEvents(l.box.Close())
}
