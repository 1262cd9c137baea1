package parts

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Manager decides which part of a file to transfer next and records the
// outcome of every part. The zero value must be initialized with Init.
type Manager struct {
	needCheck         bool
	checkedPrefixSize int64

	knownPrefix     bool
	knownPrefixSize int64

	size         int64
	expectedSize int64
	minSize      int64
	maxSize      int64
	unknownSize  bool

	readySize          int64
	streamingReadySize int64

	partSize int64
	// partCount may be smaller than len(status): parts started past the end
	// of a file whose size was discovered later are kept until they finish.
	partCount    int32
	pendingCount int32

	firstEmptyPart    int32
	firstNotReadyPart int32

	streamingOffset            int64
	streamingLimit             int64
	firstStreamingEmptyPart    int32
	firstStreamingNotReadyPart int32

	usePartCountLimit bool
	isUpload          bool

	status  []Status
	bitmask Bitmask
}

// Init prepares the manager for a transfer attempt.
//
// size is the known file size, or the known prefix when isSizeFinal is false,
// or 0 when nothing is known. expectedSize is an estimate of the final size
// used to pick a part size when partSize is 0. readyParts lists parts already
// transferred by a previous attempt.
func (m *Manager) Init(size, expectedSize int64, isSizeFinal bool, partSize int64, readyParts []int32,
	usePartCountLimit, isUpload bool) error {
	if size < 0 || expectedSize < size {
		return errors.Errorf("invalid file size %d with expected size %d", size, expectedSize)
	}
	if partSize < 0 {
		return errors.Errorf("invalid part size %d", partSize)
	}
	*m = Manager{
		expectedSize:      expectedSize,
		usePartCountLimit: usePartCountLimit,
		isUpload:          isUpload,
	}
	if m.expectedSize > MaxFileSize {
		return errors.Wrapf(ErrFileTooBig, "expected size %d", m.expectedSize)
	}
	if !isSizeFinal {
		return m.initKnownPrefix(size, partSize, readyParts)
	}
	if size == 0 {
		return m.initNoSize(partSize, readyParts)
	}
	m.size = size

	if partSize != 0 {
		m.partSize = partSize
		if usePartCountLimit && m.partSize < MaxPartSize && calcPartCount(m.expectedSize, m.partSize) > MaxPartCount {
			if isUpload {
				return errors.Wrapf(ErrRestartRequired, "part size %d is too small for %d bytes", partSize, m.expectedSize)
			}
			return errors.Wrapf(ErrTooManyParts, "part size %d, expected size %d", partSize, m.expectedSize)
		}
	} else {
		m.partSize = minKnownPartSize
		for m.partSize < MaxPartSize && calcPartCount(m.expectedSize, m.partSize) > MaxPartCount {
			m.partSize *= 2
		}
	}
	if usePartCountLimit && calcPartCount(m.expectedSize, m.partSize) > MaxPartCountPremium {
		return errors.Wrapf(ErrFileTooBig, "%d bytes do not fit into %d parts", m.expectedSize, MaxPartCountPremium)
	}
	count := calcPartCount(m.size, m.partSize)
	if count > math.MaxInt32 {
		return errors.Wrapf(ErrTooManyParts, "%d parts", count)
	}
	m.partCount = int32(count)

	return m.initCommon(readyParts)
}

func (m *Manager) initKnownPrefix(knownPrefix, partSize int64, readyParts []int32) error {
	m.knownPrefix = true
	m.knownPrefixSize = knownPrefix
	return m.initNoSize(partSize, readyParts)
}

func (m *Manager) initNoSize(partSize int64, readyParts []int32) error {
	m.unknownSize = true
	m.size = 0
	m.minSize = 0
	m.maxSize = math.MaxInt64

	if partSize != 0 {
		m.partSize = partSize
	} else {
		m.partSize = minUnknownPartSize
		for m.partSize < MaxPartSize && calcPartCount(m.expectedSize, m.partSize) > MaxPartCount {
			m.partSize *= 2
		}
		// the expected size may be wrong
		if m.partSize < MaxPartSize {
			m.partSize *= 2
		}
	}
	m.partCount = 0
	for _, id := range readyParts {
		if id+1 > m.partCount {
			m.partCount = id + 1
		}
	}
	return m.initCommon(readyParts)
}

func (m *Manager) initCommon(readyParts []int32) error {
	m.readySize = 0
	m.streamingReadySize = 0
	m.pendingCount = 0
	m.firstEmptyPart = 0
	m.firstNotReadyPart = 0
	m.status = make([]Status, m.partCount)

	for _, id := range readyParts {
		if m.knownPrefix && int64(id) >= m.knownPrefixSize/m.partSize {
			return m.readyPartError(id, "ready part %d is past the known prefix of %d bytes", id, m.knownPrefixSize)
		}
		if id < 0 || id >= m.partCount {
			return m.readyPartError(id, "ready part %d is out of range, part count is %d", id, m.partCount)
		}
		if m.status[id] == StatusReady {
			continue
		}
		m.status[id] = StatusReady
		m.bitmask.Set(id)
		m.readySize += m.Part(id).Size
	}

	m.checkedPrefixSize = int64(m.ReadyPrefixCount()) * m.partSize
	return nil
}

func (m *Manager) readyPartError(id int32, format string, args ...interface{}) error {
	if m.isUpload && id >= 0 {
		return errors.Wrapf(ErrRestartRequired, format, args...)
	}
	return errors.Wrapf(ErrInvalidPart, format, args...)
}

// SetStreamingOffset moves the window of interest to start at offset and span
// limit bytes, 0 meaning up to the end of the file. It returns the first part
// of the window that is not ready yet.
func (m *Manager) SetStreamingOffset(offset, limit int64) int32 {
	finish := func() int32 {
		m.SetStreamingLimit(limit)
		m.updateFirstNotReadyPart()
		return m.firstStreamingNotReadyPart
	}

	if offset < 0 || m.needCheck || (!m.unknownSize && m.size < offset) {
		if offset != 0 {
			logrus.WithFields(logrus.Fields{
				"function":     "SetStreamingOffset",
				"offset":       offset,
				"need_check":   m.needCheck,
				"unknown_size": m.unknownSize,
				"size":         m.size,
			}).Warn("Ignore streaming offset")
		}
		m.streamingOffset = 0
		return finish()
	}

	partID := offset / m.partSize
	if (m.usePartCountLimit || m.unknownSize) && partID >= int64(m.partCountCeiling()) {
		logrus.WithFields(logrus.Fields{
			"function": "SetStreamingOffset",
			"offset":   offset,
			"part_id":  partID,
		}).Warn("Ignore streaming offset past the part count limit")
		m.streamingOffset = 0
		return finish()
	}

	m.streamingOffset = offset
	m.firstStreamingEmptyPart = int32(partID)
	m.firstStreamingNotReadyPart = int32(partID)
	if m.partCount < int32(partID) {
		m.setPartCount(int32(partID))
	}
	return finish()
}

// SetStreamingLimit changes the size of the window of interest without moving it.
func (m *Manager) SetStreamingLimit(limit int64) {
	if limit < 0 {
		limit = 0
	}
	if limit > MaxFileSize {
		limit = MaxFileSize
	}
	m.streamingLimit = limit
	m.streamingReadySize = 0
	if m.streamingLimit == 0 {
		return
	}
	for id := int32(0); id < m.partCount; id++ {
		if m.status[id] == StatusReady && m.isPartInStreamingLimit(id) {
			m.streamingReadySize += m.Part(id).Size
		}
	}
}

// StreamingOffset returns the start of the window of interest.
func (m *Manager) StreamingOffset() int64 {
	return m.streamingOffset
}

// StartPart picks the next part to transfer and marks it pending. It returns
// EmptyPart when nothing can be started right now.
func (m *Manager) StartPart() (Part, error) {
	m.updateFirstEmptyPart()
	id := m.firstStreamingEmptyPart
	if m.knownPrefix && int64(id) >= m.knownPrefixSize/m.partSize {
		// wait for more of the prefix to become known
		return EmptyPart, nil
	}
	if id == m.partCount {
		if m.unknownSize {
			if m.partCount+1 > m.partCountCeiling() {
				if !m.isUpload {
					return EmptyPart, errors.Wrap(ErrRestartRequired, "increase part size")
				}
				return EmptyPart, errors.Wrap(ErrFileTooBig, "too big file with unknown size")
			}
			m.setPartCount(m.partCount + 1)
		} else {
			if m.firstEmptyPart >= m.partCount {
				return EmptyPart, nil
			}
			id = m.firstEmptyPart
		}
	}

	total := m.size
	if m.unknownSize {
		total = m.maxSize
	}
	if !m.isPartInStreamingLimit(id) || int64(id)*m.partSize >= total {
		return EmptyPart, nil
	}

	m.status[id] = StatusPending
	m.pendingCount++
	return m.Part(id), nil
}

// SetKnownPrefix reports that the first size bytes of a file that is still
// growing are final. isReady means the whole file is now known.
func (m *Manager) SetKnownPrefix(size int64, isReady bool) error {
	if !m.knownPrefix || size < m.knownPrefixSize ||
		(!isReady && size/m.partSize < int64(len(m.status))) {
		return errors.Wrapf(ErrRestartRequired, "known prefix changed from %d to %d", m.knownPrefixSize, size)
	}
	var count int64
	if isReady {
		count = calcPartCount(size, m.partSize)
	} else {
		count = size / m.partSize
	}
	if count < int64(len(m.status)) || count > math.MaxInt32 {
		return errors.Wrapf(ErrRestartRequired, "known prefix of %d bytes does not cover %d parts", size, len(m.status))
	}

	m.knownPrefixSize = size
	if size > m.expectedSize {
		m.expectedSize = size
	}
	m.setPartCount(int32(count))
	if isReady {
		m.size = size
		m.unknownSize = false
		m.knownPrefix = false
		if m.streamingLimit != 0 {
			m.SetStreamingLimit(m.streamingLimit)
		}
	}

	if m.usePartCountLimit && m.partSize < MaxPartSize && calcPartCount(m.expectedSize, m.partSize) > MaxPartCount {
		return errors.Wrapf(ErrRestartRequired, "part size %d is too small for %d bytes", m.partSize, m.expectedSize)
	}
	return nil
}

// OnPartOK marks a pending part ready. requestedSize is the size the part was
// started with and actualSize the number of bytes really transferred.
func (m *Manager) OnPartOK(id int32, requestedSize, actualSize int64) error {
	if id < 0 || int(id) >= len(m.status) {
		return errors.Wrapf(ErrInvalidPart, "part %d of %d", id, len(m.status))
	}
	if m.status[id] != StatusPending {
		return errors.Wrapf(ErrInvalidTransition, "part %d is %s, not pending", id, m.status[id])
	}
	if actualSize < 0 || actualSize > requestedSize {
		return m.integrityError(errors.Wrapf(ErrIntegrity, "part %d: transferred %d bytes of %d requested",
			id, actualSize, requestedSize))
	}
	m.pendingCount--
	m.status[id] = StatusReady
	if actualSize != 0 {
		m.bitmask.Set(id)
	}
	m.readySize += actualSize
	if m.streamingLimit > 0 && id < m.partCount && m.isPartInStreamingLimit(id) {
		m.streamingReadySize += actualSize
	}

	logrus.WithFields(logrus.Fields{
		"function":    "OnPartOK",
		"part_id":     id,
		"part_size":   requestedSize,
		"actual_size": actualSize,
		"ready_size":  m.readySize,
	}).Debug("Transferred part")

	offset := m.partSize * int64(id)
	end := offset + actualSize
	if m.unknownSize {
		if requestedSize != m.partSize {
			return m.integrityError(errors.Wrapf(ErrIntegrity, "part %d of unknown size file requested with %d bytes, part size is %d",
				id, requestedSize, m.partSize))
		}
		sizeChanged := false
		if actualSize < m.partSize && end < m.maxSize {
			m.maxSize = end
			sizeChanged = true
		}
		if actualSize != 0 && end > m.minSize {
			m.minSize = end
		}
		if m.minSize > m.maxSize {
			return m.integrityError(errors.Wrapf(ErrIntegrity, "min_size %d > max_size %d", m.minSize, m.maxSize))
		}
		if m.minSize == m.maxSize {
			m.unknownSize = false
			m.size = m.minSize
			m.shrinkPartCount(int32(calcPartCount(m.size, m.partSize)))
			sizeChanged = true
		}
		if sizeChanged && m.streamingLimit != 0 {
			m.SetStreamingLimit(m.streamingLimit)
		}
		return nil
	}

	if (actualSize < requestedSize && offset < m.size) || (offset >= m.size && actualSize > 0) {
		return m.integrityError(errors.Wrapf(ErrIntegrity, "size %d, offset %d, transferred size %d, part size %d",
			m.size, offset, actualSize, requestedSize))
	}
	return nil
}

func (m *Manager) integrityError(err error) error {
	logrus.WithFields(logrus.Fields{
		"function":      "OnPartOK",
		"parts_manager": m.String(),
		"error":         err.Error(),
	}).Error("Transferred part contradicts file size")
	return err
}

// OnPartFailed returns a pending part to the empty state so it is retried.
func (m *Manager) OnPartFailed(id int32) error {
	if id < 0 || int(id) >= len(m.status) {
		return errors.Wrapf(ErrInvalidPart, "part %d of %d", id, len(m.status))
	}
	if m.status[id] != StatusPending {
		return errors.Wrapf(ErrInvalidTransition, "part %d is %s, not pending", id, m.status[id])
	}
	m.pendingCount--
	m.status[id] = StatusEmpty
	if id >= m.partCount {
		return nil
	}
	if id < m.firstEmptyPart {
		m.firstEmptyPart = id
	}
	if m.streamingOffset == 0 {
		m.firstStreamingEmptyPart = m.firstEmptyPart
		return nil
	}
	offsetPart := int32(m.streamingOffset / m.partSize)
	if id >= offsetPart && id < m.firstStreamingEmptyPart {
		m.firstStreamingEmptyPart = id
	}
	return nil
}

// Ready reports whether the whole file is transferred and, when integrity
// checking is on, checked.
func (m *Manager) Ready() bool {
	return m.UncheckedReady() && (!m.needCheck || m.checkedPrefixSize == m.size)
}

// UncheckedReady reports whether the whole file is transferred.
func (m *Manager) UncheckedReady() bool {
	return !m.unknownSize && m.readySize == m.size
}

// MayFinish reports whether the transfer can stop: either the file is ready
// or the requested streaming window is.
func (m *Manager) MayFinish() bool {
	if m.isStreamingLimitReached() {
		return true
	}
	return m.Ready()
}

// Finish returns nil when the file is ready, ErrWindowSatisfied when only the
// streaming window is, and ErrNotFinished otherwise.
func (m *Manager) Finish() error {
	if m.Ready() {
		return nil
	}
	if m.isStreamingLimitReached() {
		return ErrWindowSatisfied
	}
	return ErrNotFinished
}

// EstimatedExtra returns how many more bytes are needed to complete the
// streaming window, or the whole file when there is no window.
func (m *Manager) EstimatedExtra() int64 {
	if m.streamingLimit == 0 {
		return m.ExpectedSize() - m.readySize
	}
	partSize := m.partSize
	roundUp := func(size int64) int64 {
		return (size + partSize - 1) / partSize * partSize
	}
	offset, limit := m.streamingOffset, m.streamingLimit
	begin := offset / partSize * partSize
	var windowSize int64
	switch {
	case m.unknownSize:
		begin = min(begin, m.maxSize)
		end := min(roundUp(offset+limit), m.maxSize)
		windowSize = end - begin
	case offset+limit <= m.size:
		end := min(roundUp(offset+limit), m.size)
		windowSize = end - begin
	case offset < m.size:
		prefix := min(roundUp(offset+limit-m.size), m.size)
		suffix := m.size - begin
		windowSize = min(m.size, prefix+suffix)
	}
	extra := windowSize - m.streamingReadySize
	if extra < 0 {
		return 0
	}
	return extra
}

// InStreamingWindow reports whether part id may still be started for the
// current streaming window. Without a limit every part may.
func (m *Manager) InStreamingWindow(id int32) bool {
	if id < 0 || id >= m.partCount {
		return m.streamingLimit == 0 && id >= 0
	}
	return m.isPartInStreamingLimit(id)
}

func (m *Manager) isPartInStreamingLimit(id int32) bool {
	if m.streamingLimit == 0 {
		return true
	}
	begin := int64(id) * m.partSize
	end := begin + m.Part(id).Size
	intersects := func(from, to int64) bool {
		return max(from, begin) < min(to, end)
	}

	windowBegin := m.streamingOffset
	windowEnd := m.streamingOffset + m.streamingLimit
	if intersects(windowBegin, windowEnd) {
		return true
	}
	// the window wraps around to the beginning of the file
	if !m.unknownSize && windowEnd > m.size && intersects(0, windowEnd-m.size) {
		return true
	}
	return false
}

func (m *Manager) isStreamingLimitReached() bool {
	if m.streamingLimit == 0 {
		return false
	}
	m.updateFirstNotReadyPart()
	id := m.firstStreamingNotReadyPart
	if !m.unknownSize && id == m.partCount {
		id = m.firstNotReadyPart
	}
	if id == m.partCount || !m.isPartInStreamingLimit(id) {
		return m.EstimatedExtra() == 0
	}
	return false
}

func (m *Manager) updateFirstEmptyPart() {
	for m.firstEmptyPart < m.partCount && m.status[m.firstEmptyPart] != StatusEmpty {
		m.firstEmptyPart++
	}
	if m.streamingOffset == 0 {
		m.firstStreamingEmptyPart = m.firstEmptyPart
		return
	}
	for m.firstStreamingEmptyPart < m.partCount && m.status[m.firstStreamingEmptyPart] != StatusEmpty {
		m.firstStreamingEmptyPart++
	}
}

func (m *Manager) updateFirstNotReadyPart() {
	for m.firstNotReadyPart < m.partCount && m.status[m.firstNotReadyPart] == StatusReady {
		m.firstNotReadyPart++
	}
	if m.streamingOffset == 0 {
		m.firstStreamingNotReadyPart = m.firstNotReadyPart
		return
	}
	for m.firstStreamingNotReadyPart < m.partCount && m.status[m.firstStreamingNotReadyPart] == StatusReady {
		m.firstStreamingNotReadyPart++
	}
}

func (m *Manager) setPartCount(count int32) {
	m.partCount = count
	if int(count) > len(m.status) {
		m.status = append(m.status, make([]Status, int(count)-len(m.status))...)
	}
}

// shrinkPartCount drops trailing parts that turned out to lie past the end
// of the file. Their status entries stay so that in-flight ones can finish.
func (m *Manager) shrinkPartCount(count int32) {
	if count >= m.partCount {
		return
	}
	m.partCount = count
	m.firstEmptyPart = min(m.firstEmptyPart, count)
	m.firstNotReadyPart = min(m.firstNotReadyPart, count)
	m.firstStreamingEmptyPart = min(m.firstStreamingEmptyPart, count)
	m.firstStreamingNotReadyPart = min(m.firstStreamingNotReadyPart, count)
}

func (m *Manager) partCountCeiling() int32 {
	if m.usePartCountLimit {
		return MaxPartCountPremium
	}
	return MaxPartCountPremium + unlimitedPartSlack
}

// SetNeedCheck turns on integrity checking: the file is only ready once the
// checked prefix covers all of it. Streaming windows are disabled meanwhile.
func (m *Manager) SetNeedCheck() {
	m.needCheck = true
	m.SetStreamingOffset(0, 0)
}

// SetCheckedPrefixSize records how many leading bytes passed the integrity check.
func (m *Manager) SetCheckedPrefixSize(size int64) {
	m.checkedPrefixSize = size
}

// CheckedPrefixSize returns how many leading bytes passed the integrity check.
func (m *Manager) CheckedPrefixSize() int64 {
	return m.checkedPrefixSize
}

// UncheckedReadyPrefixCount returns the number of leading ready parts.
func (m *Manager) UncheckedReadyPrefixCount() int32 {
	m.updateFirstNotReadyPart()
	return m.firstNotReadyPart
}

// ReadyPrefixCount returns the number of leading ready parts, capped by the
// checked prefix when integrity checking is on.
func (m *Manager) ReadyPrefixCount() int32 {
	count := m.UncheckedReadyPrefixCount()
	if m.needCheck {
		if checked := int32(m.checkedPrefixSize / m.partSize); checked < count {
			return checked
		}
	}
	return count
}

// UncheckedReadyPrefixSize returns the number of leading bytes in ready parts.
func (m *Manager) UncheckedReadyPrefixSize() int64 {
	count := m.UncheckedReadyPrefixCount()
	if count == 0 {
		return 0
	}
	part := m.Part(count - 1)
	res := part.Offset
	if !m.unknownSize {
		res = min(res+part.Size, m.size)
	}
	return res
}

// Bitmask returns the set of ready parts.
func (m *Manager) Bitmask() Bitmask {
	return m.bitmask
}

// EncodedBitmask serializes the ready parts for a checkpoint, truncated at
// the checked prefix when integrity checking is on.
func (m *Manager) EncodedBitmask() []byte {
	prefixCount := int32(-1)
	if m.needCheck {
		prefixCount = int32(m.checkedPrefixSize / m.partSize)
	}
	return m.bitmask.Encode(prefixCount)
}

// Part returns the byte range of part id given what is known about the size.
func (m *Manager) Part(id int32) Part {
	size := m.partSize
	offset := size * int64(id)
	total := m.size
	if m.unknownSize {
		total = m.maxSize
	}
	if total < offset {
		size = 0
	} else {
		size = min(size, total-offset)
	}
	return Part{ID: id, Offset: offset, Size: size}
}

// Status returns the state of part id.
func (m *Manager) Status(id int32) Status {
	if id < 0 || int(id) >= len(m.status) {
		return StatusEmpty
	}
	return m.status[id]
}

// Size returns the final file size.
func (m *Manager) Size() (int64, error) {
	if m.unknownSize {
		return 0, ErrUnknownSize
	}
	return m.size, nil
}

// SizeOrZero returns the final file size or 0 while it is unknown.
func (m *Manager) SizeOrZero() int64 {
	return m.size
}

// SizeBounds returns the interval [min, max) the unknown size is known to lie in.
func (m *Manager) SizeBounds() (int64, int64) {
	if !m.unknownSize {
		return m.size, m.size
	}
	return m.minSize, m.maxSize
}

// ReadySize returns the number of bytes in ready parts.
func (m *Manager) ReadySize() int64 {
	return m.readySize
}

// ExpectedSize returns the file size, or a guess while it is unknown.
func (m *Manager) ExpectedSize() int64 {
	if m.unknownSize {
		return min(max(m.minSize+unknownSizeLookahead, m.readySize*2), m.maxSize)
	}
	return m.size
}

// PartSize returns the nominal part size.
func (m *Manager) PartSize() int64 {
	return m.partSize
}

// PartCount returns the number of parts the file currently has.
func (m *Manager) PartCount() int32 {
	return m.partCount
}

// PendingCount returns the number of parts in flight.
func (m *Manager) PendingCount() int32 {
	return m.pendingCount
}

// IsUpload reports the transfer direction given to Init.
func (m *Manager) IsUpload() bool {
	return m.isUpload
}

func (m *Manager) String() string {
	direction := "down"
	if m.isUpload {
		direction = "up"
	}
	return fmt.Sprintf("PartsManager[%sload, need_check = %t, checked_prefix_size = %d, known_prefix = %t, "+
		"known_prefix_size = %d, size = %d, expected_size = %d, min_size = %d, max_size = %d, unknown_size = %t, "+
		"ready_size = %d, streaming_ready_size = %d, part_size = %d, part_count = %d, pending_count = %d, "+
		"first_empty_part = %d, first_not_ready_part = %d, streaming_offset = %d, streaming_limit = %d, "+
		"first_streaming_empty_part = %d, first_streaming_not_ready_part = %d, use_part_count_limit = %t, "+
		"part_status_count = %d: %s]",
		direction, m.needCheck, m.checkedPrefixSize, m.knownPrefix, m.knownPrefixSize, m.size, m.expectedSize,
		m.minSize, m.maxSize, m.unknownSize, m.readySize, m.streamingReadySize, m.partSize, m.partCount,
		m.pendingCount, m.firstEmptyPart, m.firstNotReadyPart, m.streamingOffset, m.streamingLimit,
		m.firstStreamingEmptyPart, m.firstStreamingNotReadyPart, m.usePartCountLimit, len(m.status), m.bitmask)
}
