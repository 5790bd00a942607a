// Package phase implements the phase controller: ORPHANED / IDLE /
// OPERATION and the worker goroutine(s) driving each, grounded directly on
// pkg/node.NodeProcessor's context.WithCancel + ticker-driven background/
// main goroutines + sync.WaitGroup-backed Start/Stop/Wait, generalized from
// per-node CANopen processing (SYNC/TPDO/RPDO background, NMT main) to
// master-wide processing (one Controller replaces N NodeProcessors, driving
// the master FSM and per-slave FSMs instead of one node's SYNC/PDO/main).
package phase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Phase is the master's current lifecycle phase.
type Phase uint8

const (
	// PhaseOrphaned means no link is up; nothing is driven.
	PhaseOrphaned Phase = iota
	// PhaseIdle means only scanning/discovery runs, on an internally owned
	// worker goroutine with its own send/receive callbacks.
	PhaseIdle
	// PhaseOperation means the application owns send/receive; a worker
	// goroutine drives only the master/slave FSMs, and the application's
	// RT thread drives the datagram engine's send/receive cycle itself.
	PhaseOperation
)

func (p Phase) String() string {
	switch p {
	case PhaseOrphaned:
		return "ORPHANED"
	case PhaseIdle:
		return "IDLE"
	case PhaseOperation:
		return "OPERATION"
	default:
		return "UNKNOWN"
	}
}

var ErrWrongPhase = errors.New("phase: transition not valid from the current phase")

// Controller owns the single worker goroutine active at any time (idle or
// operation — never both) and the phase transitions between them.
type Controller struct {
	logger *slog.Logger
	period time.Duration

	mu     sync.Mutex
	phase  Phase
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController constructs a Controller starting in PhaseOrphaned, ticking
// its worker every period once started.
func NewController(period time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{logger: logger.With("service", "[PHASE]"), period: period, phase: PhaseOrphaned}
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// EnterIdle starts the idle worker, ticking step once per period until
// Stop is called or ctx is cancelled. Valid from ORPHANED or OPERATION
// (OPERATION→IDLE is the deactivate path).
func (c *Controller) EnterIdle(ctx context.Context, step func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseIdle {
		return nil
	}
	c.stopWorkerLocked()
	c.startWorkerLocked(ctx, step)
	c.phase = PhaseIdle
	return nil
}

// EnterOperation transitions IDLE→OPERATION: it waits for drain (in-flight
// scan and configuration) to return, applies setPreOp (request every
// slave's state to PREOP) and then starts the operation worker driving
// step. Only valid from PhaseIdle.
func (c *Controller) EnterOperation(ctx context.Context, drain func(), setPreOp func(), step func()) error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return ErrWrongPhase
	}
	c.mu.Unlock()

	if drain != nil {
		drain()
	}
	if setPreOp != nil {
		setPreOp()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopWorkerLocked()
	c.startWorkerLocked(ctx, step)
	c.phase = PhaseOperation
	return nil
}

// Deactivate transitions OPERATION→IDLE: stops the operation worker,
// clears domains/configs and resets force_config via the supplied
// callback, then restarts the idle worker running idleStep. Only valid
// from PhaseOperation.
func (c *Controller) Deactivate(ctx context.Context, cleanup func(), idleStep func()) error {
	c.mu.Lock()
	if c.phase != PhaseOperation {
		c.mu.Unlock()
		return ErrWrongPhase
	}
	c.stopWorkerLocked()
	c.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.startWorkerLocked(ctx, idleStep)
	c.phase = PhaseIdle
	return nil
}

// Stop halts the current worker (if any) and returns to PhaseOrphaned.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopWorkerLocked()
	c.phase = PhaseOrphaned
}

// Wait blocks until the current (or just-stopped) worker goroutine exits.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) startWorkerLocked(ctx context.Context, step func()) {
	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(workerCtx, step)
	}()
}

func (c *Controller) stopWorkerLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) run(ctx context.Context, step func()) {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if step != nil {
				step()
			}
		}
	}
}
