package rtc

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/clearmeet/conference-client/pkg/logger"
	"github.com/clearmeet/conference-client/pkg/utils"
)

type operationKind int

const (
	operationAdd operationKind = iota
	operationRemove
	operationReplace
	operationMute
)

func (k operationKind) String() string {
	switch k {
	case operationAdd:
		return "add"
	case operationRemove:
		return "remove"
	case operationReplace:
		return "replace"
	case operationMute:
		return "mute"
	default:
		return "unknown"
	}
}

type operation struct {
	kind    operationKind
	execute func() error
	result  *utils.Future[struct{}]
}

// operationQueue serializes track mutations: entries run strictly one at a
// time in call order, so the sessions observe at most one in-flight
// mutation no matter how many calls are issued concurrently. Abort rejects
// everything still queued or executing; an executing entry is allowed to
// finish before its rejection is delivered.
type operationQueue struct {
	logger logger.Logger

	lock    sync.Mutex
	cond    *sync.Cond
	ops     deque.Deque[*operation]
	aborted bool
	done    chan struct{}
}

func newOperationQueue(l logger.Logger) *operationQueue {
	q := &operationQueue{
		logger: l,
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.lock)
	go q.process()
	return q
}

func (q *operationQueue) Enqueue(kind operationKind, execute func() error) *utils.Future[struct{}] {
	result := utils.NewFuture[struct{}]()

	q.lock.Lock()
	if q.aborted {
		q.lock.Unlock()
		result.Reject(ErrOperationAborted)
		return result
	}
	q.ops.PushBack(&operation{kind: kind, execute: execute, result: result})
	q.cond.Signal()
	q.lock.Unlock()

	return result
}

// Abort rejects every pending and executing entry and returns once the
// in-flight mutation, if any, has unwound.
func (q *operationQueue) Abort() {
	q.lock.Lock()
	if q.aborted {
		q.lock.Unlock()
		<-q.done
		return
	}
	q.aborted = true
	q.cond.Signal()
	q.lock.Unlock()

	<-q.done
}

func (q *operationQueue) process() {
	for {
		q.lock.Lock()
		for q.ops.Len() == 0 && !q.aborted {
			q.cond.Wait()
		}
		if q.aborted {
			q.drainLocked()
			q.lock.Unlock()
			close(q.done)
			return
		}
		op := q.ops.PopFront()
		q.lock.Unlock()

		err := op.execute()

		q.lock.Lock()
		if q.aborted {
			// the mutation finished, but the conference is gone
			op.result.Reject(ErrOperationAborted)
			q.drainLocked()
			q.lock.Unlock()
			close(q.done)
			return
		}
		q.lock.Unlock()

		if err != nil {
			q.logger.Warnw("track operation failed", err, "kind", op.kind.String())
			op.result.Reject(err)
		} else {
			op.result.Resolve(struct{}{})
		}
	}
}

// caller holds lock
func (q *operationQueue) drainLocked() {
	for q.ops.Len() > 0 {
		q.ops.PopFront().result.Reject(ErrOperationAborted)
	}
}
