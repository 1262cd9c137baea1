package dl

import (
	"context"
	"strconv"

	"github.com/timerzz/xload/parts"
	"github.com/timerzz/xload/resource"
)

type Direction uint8

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Operation is one part transfer handed to the network.
type Operation struct {
	ID        uint64
	Part      parts.Part
	Direction Direction
	// PartCount and FileSize are what was known when the part started;
	// FileSize is 0 while the size is unknown.
	PartCount       int32
	FileSize        int64
	StreamingOffset int64
}

func (op Operation) String() string {
	return op.Direction.String() + " op " + strconv.FormatUint(op.ID, 10) + " " + op.Part.String()
}

// Result is the outcome of an Operation. Size is the number of bytes the
// network moved, Data optionally carries them.
type Result struct {
	Size int64
	Data []byte
	Err  error
}

// Network moves single parts.
//
// Submit must not block. done must be called exactly once, also when ctx is
// canceled, and may be called from any goroutine. A blocking operation
// prevents further parts from starting until its result arrives.
//
// ShouldRestart decides whether a result is retried; an error is fatal.
// ProcessPart consumes a successful result and returns the number of bytes
// the part really holds.
type Network interface {
	Submit(ctx context.Context, op Operation, done func(Result)) (blocking bool, err error)
	ShouldRestart(op Operation, res Result) (bool, error)
	ProcessPart(op Operation, res Result) (int64, error)
}

// Checker is implemented by networks that verify transferred data. It gets
// the verified and the transferred prefix sizes and returns the new verified
// prefix size.
type Checker interface {
	CheckPrefix(checked, ready int64) (int64, error)
}

// FileInfo describes the file and what a previous attempt left behind.
type FileInfo struct {
	// Size is the file size, the known prefix when IsSizeFinal is false, or
	// 0 when nothing is known.
	Size              int64
	ExpectedSize      int64
	IsSizeFinal       bool
	PartSize          int64
	ReadyParts        []int32
	UsePartCountLimit bool
	IsUpload          bool

	// Offset and Limit select the initial streaming window.
	Offset int64
	Limit  int64

	// NeedDelay paces submissions: 50ms apart at first, then 20% shorter
	// each time down to 3ms.
	NeedDelay bool
	NeedCheck bool
	OnlyCheck bool
}

type Source interface {
	FileInfo(ctx context.Context) (FileInfo, error)
}

// Progress is reported after every change of the ready set. Bitmask is the
// encoded ready mask and together with PartSize is what a checkpoint stores.
type Progress struct {
	PartCount        int32
	PartSize         int64
	ReadyPrefixCount int32
	Bitmask          []byte
	Ready            bool
	ReadySize        int64
	Size             int64
}

type Callback interface {
	OnProgress(p Progress)
	OnOK(size int64) error
	OnError(err error)
}

// Registrar hands out resource links; resource.Scheduler implements it.
type Registrar interface {
	RegisterWorker(w resource.Worker, priority int8)
}
