package dl

import (
	"context"
)

const (
	chunkQueued = chunkStatus(iota)
	chunkRunning
	chunkCanceled
)

type chunkStatus int

// chunk is an Operation in flight. The loader owns it until the result
// arrives; canceling ctx asks the network to give up.
type chunk struct {
	op     Operation
	status chunkStatus
	ctx    context.Context
	cancel context.CancelFunc
}

// finishedChunk waits in the ordered stage for the parts before it.
type finishedChunk struct {
	op  Operation
	res Result
}
