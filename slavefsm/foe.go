package slavefsm

import (
	"github.com/samsamfire/goethercat/foe"
	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
)

// FoEFile drives one FoE file read or write to completion. Unlike CoE/SoE,
// a single FoE transfer exchanges several mailbox round trips (one per
// 512-byte segment), so writeRequest/pollMailbox/readReply loop until the
// client reports the transfer done.
type FoEFile struct {
	s       *slave.Slave
	client  *foe.Client
	phase   transferPhase
	pending []byte
}

func NewFoERead(s *slave.Slave, filename string, password uint32) (*FoEFile, error) {
	payload, err := s.FoE.Read(filename, password)
	if err != nil {
		return nil, err
	}
	return &FoEFile{s: s, client: s.FoE, pending: payload}, nil
}

func NewFoEWrite(s *slave.Slave, filename string, password uint32, data []byte) (*FoEFile, error) {
	payload, err := s.FoE.Write(filename, password, data)
	if err != nil {
		return nil, err
	}
	return &FoEFile{s: s, client: s.FoE, pending: payload}, nil
}

func (t *FoEFile) Step(dg *frame.Datagram) (Result, error) {
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

func (t *FoEFile) writeRequest(dg *frame.Datagram) (Result, error) {
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

func (t *FoEFile) pollMailbox(dg *frame.Datagram) (Result, error) {
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
	t.s.Mbx.FoE.PayloadSize = 0
	dg.Reset()
	dg.Command = frame.CommandFPRD
	dg.SlaveAddress = t.s.StationAddress
	dg.OffsetAddress = t.s.Mailbox.TxOffset
	sized(dg, int(t.s.Mailbox.TxSize))
	return ResultConsumed, nil
}

func (t *FoEFile) readReply(dg *frame.Datagram) (Result, error) {
	if dg.State != frame.StateReceived {
		return ResultPending, nil
	}
	inbox := t.s.Mbx.FoE
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
