// Package engine implements the EtherCAT datagram engine: queuing,
// index allocation, frame packing, transmission, receive demultiplexing and
// timeout sweeping for outstanding datagrams.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/link"
	"github.com/samsamfire/goethercat/mailbox"
)

var (
	ErrClosed           = errors.New("engine: closed")
	ErrIndexSpaceFull   = errors.New("engine: no free datagram index available")
	ErrNoLinkConfigured = errors.New("engine: no link device configured")
)

// logRateLimit bounds how often a repeated error condition (corrupted frame,
// reply matching no in-flight datagram) is logged, one message per second per kind,
// matching BusManager.Process's per-instance error-state tracking
// generalized to a per-kind timestamp guard.
const logRateLimit = time.Second

// Engine owns the pending queue and in-flight table for one link. Multiple
// Engines (one per bonded link) can share the same index space allocation
// strategy but each tracks its own in-flight datagrams.
type Engine struct {
	logger *slog.Logger
	link   link.Device

	mu       sync.Mutex
	pending  []*frame.Datagram
	inFlight map[uint8]*frame.Datagram
	nextIdx  uint8
	closed   bool

	defaultTimeout time.Duration

	lastLogAt map[string]time.Time

	// resolveMailbox, when set, lets Handle dispatch an FPRD reply
	// straight into a slave's mailbox inbox instead of always copying
	// payload into the datagram's own buffer.
	resolveMailbox mailbox.Resolver
}

// SetMailboxResolver installs the callback Handle uses to look up a slave
// by (station address, offset) for mailbox dispatch. Passing nil disables
// dispatch, so every FPRD reply copies into its datagram's buffer.
func (e *Engine) SetMailboxResolver(r mailbox.Resolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolveMailbox = r
}

// NewEngine constructs an Engine bound to dev, with capacity pre-allocated
// up front (the in-flight table and pending slice are sized so steady-state
// operation never grows them — keeping the real-time send/receive path
// allocation-free).
func NewEngine(dev link.Device, capacity int, defaultTimeout time.Duration) *Engine {
	e := &Engine{
		logger:         slog.Default().With("component", "engine"),
		link:           dev,
		pending:        make([]*frame.Datagram, 0, capacity),
		inFlight:       make(map[uint8]*frame.Datagram, capacity),
		defaultTimeout: defaultTimeout,
		lastLogAt:      make(map[string]time.Time),
	}
	if dev != nil {
		_ = dev.Subscribe(e)
	}
	return e
}

// Queue places dg on the pending queue, to be packed into the next Send:
// if dg is already queued this is a no-op that refreshes its state,
// otherwise (state != Invalid) it is appended to the tail.
func (e *Engine) Queue(dg *frame.Datagram) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if dg.Queued() {
		dg.State = frame.StateQueued
		return nil
	}
	if dg.State == frame.StateInvalid {
		return fmt.Errorf("engine: cannot queue a datagram in state %s", dg.State)
	}
	dg.State = frame.StateQueued
	dg.QueuedAt = time.Now()
	dg.MarkQueued()
	e.pending = append(e.pending, dg)
	return nil
}


// Send packs every pending datagram into one or more wire frames (splitting
// whenever the next datagram would exceed the Ethernet MTU), allocates each
// an index, records it in-flight, and transmits via the link device.
func (e *Engine) Send() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.link == nil {
		e.mu.Unlock()
		return ErrNoLinkConfigured
	}
	pending := e.pending
	e.pending = e.pending[:0]
	e.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	now := time.Now()
	var batch []*frame.Datagram
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		fr := &frame.Frame{Datagrams: batch}
		body, err := frame.Encode(fr)
		if err != nil {
			return err
		}
		if err := e.link.Send(body); err != nil {
			return err
		}
		for _, dg := range batch {
			dg.State = frame.StateSent
			dg.SentAt = now
		}
		batch = nil
		return nil
	}

	for _, dg := range pending {
		e.mu.Lock()
		idx, err := e.allocateIndex()
		if err != nil {
			e.mu.Unlock()
			dg.State = frame.StateError
			dg.ClearQueued()
			return err
		}
		dg.Index = idx
		e.inFlight[idx] = dg
		dg.ClearQueued()
		e.mu.Unlock()

		projected := estimateFrameLen(batch) + datagramWireLen(dg)
		if projected > frame.MaxEthernetFrameLen && len(batch) > 0 {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, dg)
	}
	return flush()
}

func datagramWireLen(dg *frame.Datagram) int { return 10 + len(dg.Data) + 2 }

func estimateFrameLen(batch []*frame.Datagram) int {
	total := 2
	for _, dg := range batch {
		total += datagramWireLen(dg)
	}
	return total
}

// allocateIndex finds a free 8-bit index via a rolling counter, advancing
// past collisions with the in-flight table, matching
// BusManager.Subscribe's monotonic-subscription-counter-with-collision-
// check style generalized to a bounded (256-slot) space.
func (e *Engine) allocateIndex() (uint8, error) {
	for i := 0; i < 256; i++ {
		candidate := e.nextIdx
		e.nextIdx++
		if _, busy := e.inFlight[candidate]; !busy {
			return candidate, nil
		}
	}
	return 0, ErrIndexSpaceFull
}

// Handle implements link.FrameListener: it is invoked by the link device
// for every received telegram body, demultiplexing each datagram inside it
// to its matching in-flight entry by index.
func (e *Engine) Handle(body []byte) {
	fr, err := frame.Decode(body)
	if err != nil {
		e.rateLimitedLog("corrupted", "discarding corrupted frame", "err", err)
		return
	}
	now := time.Now()
	for _, rx := range fr.Datagrams {
		e.mu.Lock()
		dg, ok := e.inFlight[rx.Index]
		if !ok || rx.Command != dg.Command || len(rx.Data) != len(dg.Data) {
			e.mu.Unlock()
			e.rateLimitedLog("unmatched", "received datagram does not match any in-flight index/command/size", "index", rx.Index)
			continue
		}
		delete(e.inFlight, rx.Index)
		resolver := e.resolveMailbox
		e.mu.Unlock()

		dg.WorkingCounter = rx.WorkingCounter
		copyToBuffer := true
		if rx.Command == frame.CommandFPRD && resolver != nil {
			switch mailbox.Dispatch(rx, resolver) {
			case mailbox.OutcomeRoutedMBG, mailbox.OutcomeRoutedProtocol:
				copyToBuffer = false
			}
		}
		if copyToBuffer {
			copy(dg.Data, rx.Data)
		}
		dg.State = frame.StateReceived
		dg.ReceivedAt = now
	}
}

// Timeout sweeps in-flight datagrams older than the engine's default
// timeout (or dg-specific deadline, if the caller tracks one externally)
// and marks them StateTimedOut, returning them so the caller (slavefsm or
// request) can react.
func (e *Engine) Timeout() []*frame.Datagram {
	e.mu.Lock()
	defer e.mu.Unlock()
	deadline := time.Now().Add(-e.defaultTimeout)
	var expired []*frame.Datagram
	for idx, dg := range e.inFlight {
		if dg.SentAt.Before(deadline) {
			dg.State = frame.StateTimedOut
			delete(e.inFlight, idx)
			expired = append(expired, dg)
		}
	}
	return expired
}

// Close marks the engine closed; further Queue/Send calls fail.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// rateLimitedLog logs at most once per logRateLimit per kind, so a
// storm of one recurring error doesn't flood the log.
func (e *Engine) rateLimitedLog(kind, msg string, args ...any) {
	e.mu.Lock()
	last, ok := e.lastLogAt[kind]
	now := time.Now()
	if ok && now.Sub(last) < logRateLimit {
		e.mu.Unlock()
		return
	}
	e.lastLogAt[kind] = now
	e.mu.Unlock()
	e.logger.Warn(msg, args...)
}
