// Package dc implements the distributed-clock datagram plumbing: building
// and stepping the small set of fixed datagrams the master cycles to
// propagate and monitor DC time across the reference clock and the rest
// of the bus. The offset/drift arithmetic itself is out of scope here;
// this package only produces the wire traffic and exposes the raw
// register values a caller combines into that arithmetic.
//
// Grounded on pkg/sync.SYNC: a producer/consumer cyclic-broadcast object
// with its own timer/counter bookkeeping and an explicit "not yet valid"
// state, generalized here from CANopen's SYNC CAN frame (one counter,
// one COB-ID) to EtherCAT's DC register traffic: Clock owns the three
// reference-clock datagrams (push app time in, broadcast-propagate, 64-bit
// read), Monitor owns the per-slave deviation sweep.
package dc

import (
	"errors"

	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
)

// Register offsets on the ESC, per ETG.1000.4 clause on the DC System
// Time block.
const (
	RegSystemTime           uint16 = 0x0910 // 64-bit local copy of the reference's system time
	RegSystemTimeOffset     uint16 = 0x0920 // 64-bit offset applied to this slave's own clock
	RegSystemTimeDelay      uint16 = 0x0928 // 32-bit propagation delay from the reference clock
	RegSystemTimeDifference uint16 = 0x092C // 32-bit signed deviation from the reference clock
)

var (
	// ErrNoReferenceClock is returned by any read that needs a selected
	// reference clock when none has been found yet.
	ErrNoReferenceClock = errors.New("dc: no reference clock selected")
	// ErrOffsetNotValid is a busy/again condition: the sync datagram has
	// not yet completed a round trip since the reference clock was
	// (re)selected.
	ErrOffsetNotValid = errors.New("dc: reference clock offset not yet valid")
)

// Clock owns the fixed datagrams the master cycles for DC bookkeeping:
// one Clock per master, reused cycle after cycle exactly like the
// engine's FSM datagrams (frame.Datagram.Reset keeps the backing buffer
// and only clears transient state).
type Clock struct {
	reference *slave.Slave

	refSync *frame.Datagram // FPWR reference's RegSystemTime: push app time in
	sync    *frame.Datagram // FRMW reference's RegSystemTime: broadcast propagate + read back
	sync64  *frame.Datagram // FPRD reference's RegSystemTime (8 bytes): 64-bit read

	offsetValid bool
}

// NewClock allocates the three reference-clock datagrams, all addressed to
// the broadcast station (0xFFFF) until SelectReference targets a real
// slave.
func NewClock() (*Clock, error) {
	refSync, err := frame.New(frame.CommandFPWR, 0xFFFF, RegSystemTime, 4)
	if err != nil {
		return nil, err
	}
	sync, err := frame.New(frame.CommandFRMW, 0xFFFF, RegSystemTime, 4)
	if err != nil {
		return nil, err
	}
	sync64, err := frame.New(frame.CommandFPRD, 0xFFFF, RegSystemTime, 8)
	if err != nil {
		return nil, err
	}
	return &Clock{refSync: refSync, sync: sync, sync64: sync64}, nil
}

// Reference returns the currently selected reference clock slave, or nil.
func (c *Clock) Reference() *slave.Slave { return c.reference }

// SelectReference re-targets the FPWR/FRMW/FPRD datagrams at ref's station
// address (or the broadcast address if ref is nil, meaning no slave on the
// bus supports DC). Invalidates any previously-accumulated offset: a round
// trip must complete against the new target before readers may trust it.
func (c *Clock) SelectReference(ref *slave.Slave) {
	c.reference = ref
	addr := uint16(0xFFFF)
	if ref != nil {
		addr = ref.StationAddress
	}
	c.refSync.SlaveAddress = addr
	c.sync.SlaveAddress = addr
	c.sync64.SlaveAddress = addr
	c.offsetValid = false
}

// QueueWriteReferenceTime stamps appTime into the FPWR datagram so the
// reference clock's System Time register is pushed the application's
// notion of time, per ecrt_master_sync_reference_clock. Returns
// ErrNoReferenceClock if none is selected.
func (c *Clock) QueueWriteReferenceTime(appTime uint64) (*frame.Datagram, error) {
	if c.reference == nil {
		return nil, ErrNoReferenceClock
	}
	c.refSync.Reset()
	c.refSync.AppTimestamp = appTime
	frame.PutUint32(c.refSync.Data, uint32(appTime))
	return c.refSync, nil
}

// QueueSync resets and returns the FRMW propagation datagram for queueing.
// FRMW both writes the outgoing value (ignored here, zeroed) and
// accumulates the reference's register contents on its way back around
// the ring, which is what synchronizes every slave's local system-time
// offset register against the reference.
func (c *Clock) QueueSync() (*frame.Datagram, error) {
	if c.reference == nil {
		return nil, ErrNoReferenceClock
	}
	c.sync.Reset()
	clear(c.sync.Data)
	return c.sync, nil
}

// QueueSync64 resets and returns the 64-bit FPRD read of the reference's
// full System Time register.
func (c *Clock) QueueSync64() (*frame.Datagram, error) {
	if c.reference == nil {
		return nil, ErrNoReferenceClock
	}
	c.sync64.Reset()
	return c.sync64, nil
}

// ObserveSync inspects a received sync datagram (as returned by QueueSync)
// and marks the offset valid once a round trip has completed. Must be
// called once per cycle after the engine demuxes replies.
func (c *Clock) ObserveSync(dg *frame.Datagram) {
	if dg == c.sync && dg.State == frame.StateReceived && dg.WorkingCounter > 0 {
		c.offsetValid = true
	}
}

// ReferenceTime returns the reference clock's system time as last observed
// by the FRMW sync datagram, with the reference's own transmission delay
// removed, per ecrt_master_reference_clock_time. Returns ErrOffsetNotValid
// (the "busy/again" condition) until ObserveSync has seen one round trip.
func (c *Clock) ReferenceTime() (uint32, error) {
	if c.reference == nil {
		return 0, ErrNoReferenceClock
	}
	if !c.offsetValid {
		return 0, ErrOffsetNotValid
	}
	return frame.Uint32(c.sync.Data) - c.reference.PropagationDelay, nil
}

// ReferenceTime64 is ReferenceTime's 64-bit counterpart, read from the
// FPRD sync64 datagram rather than the FRMW sync datagram (they are
// populated independently; a caller wanting 64-bit time must queue
// QueueSync64 itself, mirroring ecrt_master_64bit_reference_clock_time's
// separate queue/read pair).
func (c *Clock) ReferenceTime64() (uint64, error) {
	if c.reference == nil {
		return 0, ErrNoReferenceClock
	}
	if c.sync64.State != frame.StateReceived {
		return 0, ErrOffsetNotValid
	}
	if !c.offsetValid {
		return 0, ErrOffsetNotValid
	}
	return frame.Uint64(c.sync64.Data) - uint64(c.reference.PropagationDelay), nil
}

// OffsetValid reports whether ReferenceTime/ReferenceTime64 currently
// return a trustworthy value.
func (c *Clock) OffsetValid() bool { return c.offsetValid }
