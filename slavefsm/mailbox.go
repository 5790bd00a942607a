package slavefsm

import (
	"errors"

	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
)

var ErrMailboxWriteRejected = errors.New("slavefsm: mailbox write got working counter 0")

// MailboxCheck polls the slave's mailbox status bit (the SyncManager 1
// status register's mailbox-full flag) until data is pending, then
// reports done so the caller can run MailboxRead.
type MailboxCheck struct {
	s       *slave.Slave
	started bool
}

func NewMailboxCheck(s *slave.Slave) *MailboxCheck { return &MailboxCheck{s: s} }

const regSyncManager1Status uint16 = 0x0805

func (c *MailboxCheck) Step(dg *frame.Datagram) (Result, error) {
	if !c.started {
		c.started = true
		dg.Reset()
		dg.Command = frame.CommandFPRD
		dg.SlaveAddress = c.s.StationAddress
		dg.OffsetAddress = regSyncManager1Status
		sized(dg, 1)
		return ResultConsumed, nil
	}
	if dg.State != frame.StateReceived {
		return ResultPending, nil
	}
	const mailboxFullBit = 1 << 3
	if dg.Data[0]&mailboxFullBit == 0 {
		dg.Reset()
		dg.Command = frame.CommandFPRD
		dg.SlaveAddress = c.s.StationAddress
		dg.OffsetAddress = regSyncManager1Status
		sized(dg, 1)
		return ResultConsumed, nil
	}
	return ResultDone, nil
}

// MailboxRead issues one FPRD against the slave's tx-mailbox offset. The
// receive path (engine.Handle + mailbox.Dispatch) routes the reply into
// the matching per-protocol inbox rather than this datagram's own
// buffer, so by the time Step observes StateReceived the caller's
// concern is just noticing completion.
type MailboxRead struct {
	s     *slave.Slave
	asked bool
}

func NewMailboxRead(s *slave.Slave) *MailboxRead { return &MailboxRead{s: s} }

func (r *MailboxRead) Step(dg *frame.Datagram) (Result, error) {
	if !r.asked {
		r.asked = true
		dg.Reset()
		dg.Command = frame.CommandFPRD
		dg.SlaveAddress = r.s.StationAddress
		dg.OffsetAddress = r.s.Mailbox.TxOffset
		sized(dg, int(r.s.Mailbox.TxSize))
		return ResultConsumed, nil
	}
	if dg.State != frame.StateReceived {
		return ResultPending, nil
	}
	return ResultDone, nil
}

// MailboxWrite writes one mailbox frame (already built by a protocol
// client, e.g. coe.Client.Upload) to the slave's rx-mailbox offset.
type MailboxWrite struct {
	s       *slave.Slave
	payload []byte
	sent    bool
}

func NewMailboxWrite(s *slave.Slave, payload []byte) *MailboxWrite {
	return &MailboxWrite{s: s, payload: payload}
}

func (w *MailboxWrite) Step(dg *frame.Datagram) (Result, error) {
	if !w.sent {
		w.sent = true
		dg.Reset()
		dg.Command = frame.CommandFPWR
		dg.SlaveAddress = w.s.StationAddress
		dg.OffsetAddress = w.s.Mailbox.RxOffset
		buf := sized(dg, len(w.payload))
		copy(buf, w.payload)
		return ResultConsumed, nil
	}
	if dg.State != frame.StateReceived {
		return ResultPending, nil
	}
	if dg.WorkingCounter == 0 {
		return ResultError, ErrMailboxWriteRejected
	}
	return ResultDone, nil
}
