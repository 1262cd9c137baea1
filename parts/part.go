// Package parts tracks which byte ranges of a single file transfer are
// missing, in flight or done.
//
// A Manager is a pure state machine: it performs no I/O and is not safe for
// concurrent use. The transfer loop that owns it asks for the next Part with
// StartPart and reports the outcome with OnPartOK or OnPartFailed.
package parts

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrRestartRequired means the transfer has to be started again from
	// scratch with different parameters, usually a bigger part size.
	ErrRestartRequired = errors.New("transfer restart required")

	// ErrFileTooBig is returned when the file cannot be split within the part limits.
	ErrFileTooBig = errors.New("file is too big")

	// ErrTooManyParts is returned when an explicit part size yields too many parts.
	ErrTooManyParts = errors.New("too many parts for the part size")

	// ErrIntegrity reports transferred byte counts that contradict what is
	// known about the file size. It is never retried.
	ErrIntegrity = errors.New("failed to transfer file")

	// ErrInvalidTransition is returned for a part status change that is not
	// Empty->Pending, Pending->Ready or Pending->Empty.
	ErrInvalidTransition = errors.New("invalid part status transition")

	// ErrInvalidPart is returned for a part id outside of the file.
	ErrInvalidPart = errors.New("invalid part id")

	// ErrInvalidBitmask is returned when a persisted bitmask cannot be decoded
	// or refers to parts the file does not have.
	ErrInvalidBitmask = errors.New("invalid ready bitmask")

	// ErrUnknownSize is returned by Size while the file size is not final.
	ErrUnknownSize = errors.New("file size is unknown")

	// ErrWindowSatisfied is returned by Finish when the streaming window is
	// complete but the file as a whole is not.
	ErrWindowSatisfied = errors.New("streaming window is ready")

	// ErrNotFinished is returned by Finish while parts are still missing.
	ErrNotFinished = errors.New("file transferring not finished")
)

// Part is a contiguous byte range of a file. Only the last part of a file
// may be shorter than the part size.
type Part struct {
	ID     int32
	Offset int64
	Size   int64
}

// EmptyPart is returned by StartPart when there is nothing to start.
var EmptyPart = Part{ID: -1}

// Empty reports whether p is the sentinel returned when nothing can start.
func (p Part) Empty() bool {
	return p.Size == 0
}

func (p Part) String() string {
	return fmt.Sprintf("part %d [%d, %d)", p.ID, p.Offset, p.Offset+p.Size)
}

// Status is the lifecycle state of one part.
type Status uint8

const (
	StatusEmpty Status = iota
	StatusPending
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}
