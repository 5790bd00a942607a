// Package request implements the request lifecycle: an application
// thread submits a request against a slave's protocol, blocks until it
// leaves QUEUED and then until it leaves BUSY, while servicing happens
// off-thread on the slave FSM's step path. Grounded on
// pkg/sdo/client.go's ReadRaw/WriteRaw — a synchronous-looking call backed
// by a non-blockingly-advanced state machine — generalized from a
// time.Sleep poll loop (acceptable for CANopen's ordinary blocking client
// context) to a sync.Cond wait-set, since a busy-poll here would spin the
// application thread against an RT-owned send/receive cycle it has no
// business polling directly.
package request

import (
	"context"
	"errors"
	"sync"

	"github.com/samsamfire/goethercat/slave"
)

// Protocol identifies which per-slave sub-machine a request targets.
type Protocol uint8

const (
	ProtocolCoE Protocol = iota
	ProtocolSoE
	ProtocolFoE
	ProtocolEoE
	ProtocolSII
	ProtocolALState
	ProtocolMailbox
	ProtocolPDOConfig
)

// State is a request's lifecycle state.
type State uint8

const (
	StateQueued State = iota
	StateBusy
	StateSuccess
	StateFailure
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "QUEUED"
	case StateBusy:
		return "BUSY"
	case StateSuccess:
		return "SUCCESS"
	case StateFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

var ErrInterrupted = errors.New("request: submission interrupted while queued")

// Request is one unit of application-requested protocol work against a
// single slave. Params/Result are protocol-specific payloads (e.g. a CoE
// index/subindex/data tuple in, a byte slice or error out); callers type-
// assert based on Protocol.
type Request struct {
	Protocol Protocol
	Slave    *slave.Slave
	Params   any

	state  State
	Result any
	Err    error
}

func (r *Request) State() State { return r.state }

// Queue holds every outstanding request, grouped implicitly by slave and
// protocol, and the wait-set application threads block on. One Queue is
// shared by the whole master, as distinct from the master's other
// internal locks, which guard separate fields entirely.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*Request
}

func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Submit appends req in state QUEUED and blocks until it reaches a
// terminal state. If ctx is cancelled while req is still QUEUED, it is
// removed from the queue and Submit returns ErrInterrupted; once a
// request has started running (BUSY), Submit ignores ctx cancellation
// and waits it out — the protocol state machines this repo builds have
// no abort-mid-transfer path.
func (q *Queue) Submit(ctx context.Context, req *Request) error {
	q.mu.Lock()
	req.state = StateQueued
	q.items = append(q.items, req)
	q.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				if req.state == StateQueued {
					q.removeLocked(req)
					req.state = StateFailure
					req.Err = ErrInterrupted
					q.cond.Broadcast()
				}
				q.mu.Unlock()
			case <-done:
			}
		}()
		defer close(done)
	}

	q.mu.Lock()
	for req.state == StateQueued {
		q.cond.Wait()
	}
	for req.state == StateBusy {
		q.cond.Wait()
	}
	state := req.state
	q.mu.Unlock()

	if state == StateFailure && req.Err == ErrInterrupted {
		return ErrInterrupted
	}
	return nil
}

func (q *Queue) removeLocked(req *Request) {
	for i, r := range q.items {
		if r == req {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// Pop finds the oldest QUEUED request for (slave, protocol), transitions
// it to BUSY and returns it, or returns nil if none is waiting. Called
// from the slave FSM's step path, never from an application thread.
func (q *Queue) Pop(s *slave.Slave, protocol Protocol) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.items {
		if r.Slave == s && r.Protocol == protocol && r.state == StateQueued {
			r.state = StateBusy
			q.cond.Broadcast()
			return r
		}
	}
	return nil
}

// Finish transitions req to SUCCESS or FAILURE, records result/err, removes
// it from the queue and wakes every Submit waiting on the condition
// variable.
func (q *Queue) Finish(req *Request, result any, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req.Result = result
	req.Err = err
	if err != nil {
		req.state = StateFailure
	} else {
		req.state = StateSuccess
	}
	q.removeLocked(req)
	q.cond.Broadcast()
}
