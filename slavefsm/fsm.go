// Package slavefsm implements the per-slave FSM: a single sub-machine
// advances the slave's current operation (SII read, mailbox
// check/read/write, CoE/SoE/FoE/EoE transfers, MBG forward, dictionary
// upload, PDO assignment, AL-state transition) one datagram round-trip
// at a time, mirroring pkg/sdo.SDOClient's explicit-state stepping
// discipline generalized to many sub-machines sharing one slot.
package slavefsm

import (
	"errors"

	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
)

// Result reports what a Stepper did with the datagram it was given.
type Result int

const (
	// ResultPending means the datagram is still in flight; the caller
	// should leave it alone and call Step again next cycle.
	ResultPending Result = iota
	// ResultConsumed means the stepper built a new request into dg and
	// wants it queued again (dg.State has been reset to Init).
	ResultConsumed
	// ResultDone means the sub-machine finished; the FSM should remove
	// itself from the master's execution list.
	ResultDone
	// ResultError means the sub-machine failed; Err() holds the reason.
	ResultError
)

// Stepper is one per-slave sub-machine. Step is called once per cycle
// with the single datagram this FSM owns; the implementation builds its
// first request into dg when dg.State == frame.StateInit and inspects a
// reply only when dg.State == frame.StateReceived (in any other state it
// must leave dg untouched and return ResultPending to preserve the "at
// most one datagram per FSM" invariant).
type Stepper interface {
	Step(dg *frame.Datagram) (Result, error)
}

var (
	ErrNoStepper = errors.New("slavefsm: no sub-machine running")
	// ErrDatagramTimedOut is the error reported through Err() when a
	// scheduler aborts an FSM whose datagram the engine marked
	// frame.StateTimedOut rather than StateReceived.
	ErrDatagramTimedOut = errors.New("slavefsm: datagram timed out")
)

// sized returns dg.Data resized to exactly n bytes, reusing the
// underlying array when it already has enough capacity instead of
// reallocating — datagrams drawn from the external ring are pre-sized
// for the largest sub-machine payload a slave FSM may need.
func sized(dg *frame.Datagram, n int) []byte {
	if cap(dg.Data) < n {
		dg.Data = make([]byte, n)
		return dg.Data
	}
	dg.Data = dg.Data[:n]
	return dg.Data
}

// ESC register addresses used by the register-level steppers (SII and
// AL-state transition), ETG.1000.4.
const (
	RegALControl    uint16 = 0x0120
	RegALStatus     uint16 = 0x0130
	RegALStatusCode uint16 = 0x0134
	RegSIIControl   uint16 = 0x0502
	RegSIIAddress   uint16 = 0x0504
	RegSIIData      uint16 = 0x0508
)

// FSM drives exactly one Stepper at a time for one slave.
type FSM struct {
	Slave   *slave.Slave
	stepper Stepper
	err     error
}

func New(s *slave.Slave) *FSM { return &FSM{Slave: s} }

// Run installs a new sub-machine to drive, replacing any finished one.
func (f *FSM) Run(s Stepper) { f.stepper = s; f.err = nil }

// Idle reports whether the FSM currently has no sub-machine running and
// is eligible to be picked up by the master's round-robin pass.
func (f *FSM) Idle() bool { return f.stepper == nil }

func (f *FSM) Err() error { return f.err }

// Abort forcibly clears the running sub-machine, recording err as the
// reason. Used by a scheduler when dg.State == frame.StateTimedOut: Step
// itself has no path out of that state (it only advances on Received or
// Init), so a stuck FSM must be reclaimed from outside.
func (f *FSM) Abort(err error) {
	f.stepper = nil
	f.err = err
}

// Step advances the currently running sub-machine by one datagram
// round-trip: if dg is neither INIT nor RECEIVED, the FSM leaves it in
// place; otherwise it hands dg to the sub-machine, which either consumes it
// (rebuilds it in place, ready to re-queue), reports done, or fails.
func (f *FSM) Step(dg *frame.Datagram) (Result, error) {
	if f.stepper == nil {
		return ResultDone, ErrNoStepper
	}
	if dg.State != frame.StateReceived && dg.State != frame.StateInit {
		return ResultPending, nil
	}
	res, err := f.stepper.Step(dg)
	switch res {
	case ResultDone:
		f.stepper = nil
	case ResultError:
		f.stepper = nil
		f.err = err
	}
	return res, err
}
