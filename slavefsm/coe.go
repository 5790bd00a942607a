package slavefsm

import (
	"github.com/samsamfire/goethercat/coe"
	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
)

type transferPhase int

const (
	phaseWriteRequest transferPhase = iota
	phasePollMailbox
	phaseReadReply
)

// CoESDO drives one CoE SDO upload or download to completion: write the
// client's current request payload to the slave's rx-mailbox, poll the
// mailbox-full status bit, read the reply, feed it back to the client,
// and repeat until the client reports Done or Aborted (expedited
// transfers finish in one round trip, segmented ones take several).
type CoESDO struct {
	s       *slave.Slave
	client  *coe.Client
	phase   transferPhase
	pending []byte
}

// NewCoEUpload starts an SDO upload of (index, subindex) using the
// slave's CoE client.
func NewCoEUpload(s *slave.Slave, index uint16, subindex uint8) (*CoESDO, error) {
	payload, err := s.CoE.Upload(index, subindex)
	if err != nil {
		return nil, err
	}
	return &CoESDO{s: s, client: s.CoE, pending: payload}, nil
}

// NewCoEDownload starts an SDO download of data into (index, subindex)
// using the slave's CoE client.
func NewCoEDownload(s *slave.Slave, index uint16, subindex uint8, data []byte) (*CoESDO, error) {
	payload, err := s.CoE.Download(index, subindex, data)
	if err != nil {
		return nil, err
	}
	return &CoESDO{s: s, client: s.CoE, pending: payload}, nil
}

func (t *CoESDO) Step(dg *frame.Datagram) (Result, error) {
	switch t.phase {
	case phaseWriteRequest:
		return t.writeRequest(dg)
	case phasePollMailbox:
		return t.pollMailbox(dg)
	case phaseReadReply:
		return t.readReply(dg)
	default:
		return ResultPending, nil
	}
}

func (t *CoESDO) writeRequest(dg *frame.Datagram) (Result, error) {
	if dg.State == frame.StateInit {
		dg.Command = frame.CommandFPWR
		dg.SlaveAddress = t.s.StationAddress
		dg.OffsetAddress = t.s.Mailbox.RxOffset
		buf := sized(dg, len(t.pending))
		copy(buf, t.pending)
		return ResultConsumed, nil
	}
	if dg.State != frame.StateReceived {
		return ResultPending, nil
	}
	t.phase = phasePollMailbox
	dg.Reset()
	dg.Command = frame.CommandFPRD
	dg.SlaveAddress = t.s.StationAddress
	dg.OffsetAddress = regSyncManager1Status
	sized(dg, 1)
	return ResultConsumed, nil
}

func (t *CoESDO) pollMailbox(dg *frame.Datagram) (Result, error) {
	if dg.State != frame.StateReceived {
		return ResultPending, nil
	}
	const mailboxFullBit = 1 << 3
	if dg.Data[0]&mailboxFullBit == 0 {
		dg.Reset()
		dg.Command = frame.CommandFPRD
		dg.SlaveAddress = t.s.StationAddress
		dg.OffsetAddress = regSyncManager1Status
		sized(dg, 1)
		return ResultConsumed, nil
	}
	t.phase = phaseReadReply
	t.s.Mbx.CoE.PayloadSize = 0
	dg.Reset()
	dg.Command = frame.CommandFPRD
	dg.SlaveAddress = t.s.StationAddress
	dg.OffsetAddress = t.s.Mailbox.TxOffset
	sized(dg, int(t.s.Mailbox.TxSize))
	return ResultConsumed, nil
}

// readReply is called once the tx-mailbox read above comes back. The
// receive path's mailbox dispatch (engine.Engine.Handle + mailbox.Dispatch)
// has already routed the reply into the slave's CoE inbox rather than this
// datagram's own buffer, so that is what Step reads from.
func (t *CoESDO) readReply(dg *frame.Datagram) (Result, error) {
	if dg.State != frame.StateReceived {
		return ResultPending, nil
	}
	inbox := t.s.Mbx.CoE
	reply := dg.Data
	if inbox.PayloadSize > 0 {
		reply = inbox.Data[:inbox.PayloadSize]
	}
	next, err := t.client.Step(reply)
	if err != nil {
		return ResultError, err
	}
	if next == nil {
		return ResultDone, nil
	}
	t.pending = next
	t.phase = phaseWriteRequest
	dg.Reset()
	return ResultConsumed, nil
}
