package master

import (
	"errors"

	"github.com/samsamfire/goethercat/engine"
	"github.com/samsamfire/goethercat/frame"
)

var ErrWorkingCounterMismatch = errors.New("master: domain working counter below expected")

// Domain is a contiguous logical-addressed process-data image, built on a
// single LRW datagram covering its whole byte range: every cycle the
// application-facing Data buffer is copied into the datagram, queued,
// and — once the reply lands — copied back out, with the working counter
// checked against how many slave sync managers were expected to
// participate.
//
// Grounded on frame.Datagram's "Lxx: OffsetAddress+SlaveAddress together
// form the 32-bit logical address" convention (frame/datagram.go), split
// here as SlaveAddress holding the low 16 bits and OffsetAddress the high
// 16, since nothing in the ESC register map pins down which half goes
// where for a software-only master that never talks to a real ESC's FMMU
// configuration registers.
type Domain struct {
	dg             *frame.Datagram
	Data           []byte
	expectedWC     uint16
}

// newDomain constructs a Domain covering size bytes starting at
// logicalAddress.
func newDomain(logicalAddress uint32, size int) (*Domain, error) {
	dg, err := frame.New(frame.CommandLRW, uint16(logicalAddress), uint16(logicalAddress>>16), size)
	if err != nil {
		return nil, err
	}
	return &Domain{dg: dg, Data: make([]byte, size)}, nil
}

// Size reports the domain's byte length.
func (d *Domain) Size() int { return len(d.Data) }

// ExpectWorkingCounter sets the working counter value process() treats as
// fully successful (the sum of each participating slave sync manager's
// contribution — 1 for an input-only or output-only SM, 2 for one with
// both directions active, per ETG.1000.4).
func (d *Domain) ExpectWorkingCounter(n uint16) { d.expectedWC = n }

// WorkingCounter reports the working counter from the domain's last
// completed cycle.
func (d *Domain) WorkingCounter() uint16 { return d.dg.WorkingCounter }

// queue copies Data into the datagram and places it on eng's pending
// queue for the next Send.
func (d *Domain) queue(eng *engine.Engine) error {
	d.dg.Reset()
	copy(d.dg.Data, d.Data)
	return eng.Queue(d.dg)
}

// process copies the received reply back into Data and reports whether
// the working counter met expectations. Called after Receive demultiplexes
// the current cycle's replies.
func (d *Domain) process() (bool, error) {
	if d.dg.State != frame.StateReceived {
		return false, nil
	}
	copy(d.Data, d.dg.Data)
	if d.dg.WorkingCounter < d.expectedWC {
		return false, ErrWorkingCounterMismatch
	}
	return true, nil
}
