package slavefsm

import (
	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
	"github.com/samsamfire/goethercat/soe"
)

// SoEIDN drives one SoE IDN read or write to completion, the same
// write-mailbox/poll/read-mailbox cycle as CoESDO but against the
// slave's SoE client and inbox.
type SoEIDN struct {
	s       *slave.Slave
	client  *soe.Client
	phase   transferPhase
	pending []byte
}

func NewSoERead(s *slave.Slave, driveNo uint8, idn uint16) (*SoEIDN, error) {
	payload, err := s.SoE.Read(driveNo, idn)
	if err != nil {
		return nil, err
	}
	return &SoEIDN{s: s, client: s.SoE, pending: payload}, nil
}

func NewSoEWrite(s *slave.Slave, driveNo uint8, idn uint16, data []byte) (*SoEIDN, error) {
	payload, err := s.SoE.Write(driveNo, idn, data)
	if err != nil {
		return nil, err
	}
	return &SoEIDN{s: s, client: s.SoE, pending: payload}, nil
}

func (t *SoEIDN) Step(dg *frame.Datagram) (Result, error) {
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

func (t *SoEIDN) writeRequest(dg *frame.Datagram) (Result, error) {
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

func (t *SoEIDN) pollMailbox(dg *frame.Datagram) (Result, error) {
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
	t.s.Mbx.SoE.PayloadSize = 0
	dg.Reset()
	dg.Command = frame.CommandFPRD
	dg.SlaveAddress = t.s.StationAddress
	dg.OffsetAddress = t.s.Mailbox.TxOffset
	sized(dg, int(t.s.Mailbox.TxSize))
	return ResultConsumed, nil
}

func (t *SoEIDN) readReply(dg *frame.Datagram) (Result, error) {
	if dg.State != frame.StateReceived {
		return ResultPending, nil
	}
	inbox := t.s.Mbx.SoE
	reply := dg.Data
	if inbox.PayloadSize > 0 {
		reply = inbox.Data[:inbox.PayloadSize]
	}
	if err := t.client.Step(reply); err != nil {
		return ResultError, err
	}
	return ResultDone, nil
}
