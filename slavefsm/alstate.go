package slavefsm

import (
	"errors"
	"fmt"

	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
)

var ErrALStateRejected = errors.New("slavefsm: slave rejected requested AL state")

// ALStateTransition writes the AL control register with the requested
// state, then polls AL status until the slave reports either the
// requested state or an error flag (ETG.1000.4 §6.4.1).
type ALStateTransition struct {
	s       *slave.Slave
	want    slave.ALState
	wrote   bool
}

func NewALStateTransition(s *slave.Slave, want slave.ALState) *ALStateTransition {
	return &ALStateTransition{s: s, want: want}
}

func (t *ALStateTransition) Step(dg *frame.Datagram) (Result, error) {
	if !t.wrote {
		t.wrote = true
		dg.Reset()
		dg.Command = frame.CommandFPWR
		dg.SlaveAddress = t.s.StationAddress
		dg.OffsetAddress = RegALControl
		buf := sized(dg, 2)
		frame.PutUint16(buf, uint16(t.want))
		return ResultConsumed, nil
	}
	if dg.State != frame.StateReceived {
		return ResultPending, nil
	}
	return t.pollStatus(dg)
}

func (t *ALStateTransition) pollStatus(dg *frame.Datagram) (Result, error) {
	// The datagram we just observed is either the write's WC-only reply
	// (first time through) or a status poll reply; distinguish by offset.
	if dg.OffsetAddress == RegALControl {
		dg.Reset()
		dg.Command = frame.CommandFPRD
		dg.SlaveAddress = t.s.StationAddress
		dg.OffsetAddress = RegALStatus
		sized(dg, 2)
		return ResultConsumed, nil
	}

	got := slave.ALState(frame.Uint16(dg.Data[0:2]))
	t.s.State = got
	if got.HasError() {
		return ResultError, fmt.Errorf("%w: slave reported %s", ErrALStateRejected, got)
	}
	if got&slave.ALStateMask == t.want&slave.ALStateMask {
		return ResultDone, nil
	}
	dg.Reset()
	dg.Command = frame.CommandFPRD
	dg.SlaveAddress = t.s.StationAddress
	dg.OffsetAddress = RegALStatus
	sized(dg, 2)
	return ResultConsumed, nil
}
