package utils

import (
	"sync"

	"github.com/clearmeet/conference-client/pkg/logger"
)

// OpsQueue runs closures one at a time in submission order. It is the
// cooperative run loop every conference mutation is scheduled onto.
type OpsQueue struct {
	logger logger.Logger
	name   string
	size   int

	lock      sync.RWMutex
	ops       chan func()
	isStarted bool
	isStopped bool
	doneChan  chan struct{}
}

func NewOpsQueue(l logger.Logger, name string, size int) *OpsQueue {
	return &OpsQueue{
		logger:   l,
		name:     name,
		size:     size,
		ops:      make(chan func(), size),
		doneChan: make(chan struct{}),
	}
}

func (oq *OpsQueue) Start() {
	oq.lock.Lock()
	if oq.isStarted {
		oq.lock.Unlock()
		return
	}
	oq.isStarted = true
	oq.lock.Unlock()

	go oq.process()
}

// Stop closes the queue. Ops already accepted still run; the returned
// channel closes once the last one finishes.
func (oq *OpsQueue) Stop() <-chan struct{} {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return oq.doneChan
	}

	oq.isStopped = true
	close(oq.ops)
	oq.lock.Unlock()
	return oq.doneChan
}

func (oq *OpsQueue) Enqueue(op func()) {
	oq.lock.RLock()
	defer oq.lock.RUnlock()
	if oq.isStopped {
		return
	}

	select {
	case oq.ops <- op:
	default:
		oq.logger.Errorw("ops queue full", nil, "name", oq.name, "size", oq.size)
	}
}

func (oq *OpsQueue) process() {
	for op := range oq.ops {
		op()
	}
	close(oq.doneChan)
}
