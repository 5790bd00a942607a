package slavefsm

import (
	"github.com/samsamfire/goethercat/eoe"
	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/mailbox"
	"github.com/samsamfire/goethercat/slave"
)

// EoESetIP writes an EoE SetIP parameter frame to the slave's mailbox and
// waits for the slave to accept it with a nonzero working counter; EoE's
// init-response payload itself is not otherwise interpreted here (the
// real network-interface plumbing is out of scope, per package eoe's
// doc comment).
type EoESetIP struct {
	s       *slave.Slave
	payload []byte
	sent    bool
}

func NewEoESetIP(s *slave.Slave, params eoe.SetIP) *EoESetIP {
	body := make([]byte, 2+6+4+4+4+4+len(params.DNSName))
	body[0] = byte(eoe.FrameTypeInitRequest)
	copy(body[2:8], params.MAC[:])
	copy(body[8:12], params.IP[:])
	copy(body[12:16], params.SubnetMask[:])
	copy(body[16:20], params.DefaultGateway[:])
	copy(body[20:24], params.DNSServer[:])
	copy(body[24:], params.DNSName)

	out := make([]byte, 6+len(body))
	mailbox.EncodeHeader(out, mailbox.Header{Length: uint16(len(body)), Type: uint8(mailbox.ProtocolEoE)})
	copy(out[6:], body)
	return &EoESetIP{s: s, payload: out}
}

func (t *EoESetIP) Step(dg *frame.Datagram) (Result, error) {
	if !t.sent {
		t.sent = true
		dg.Reset()
		dg.Command = frame.CommandFPWR
		dg.SlaveAddress = t.s.StationAddress
		dg.OffsetAddress = t.s.Mailbox.RxOffset
		buf := sized(dg, len(t.payload))
		copy(buf, t.payload)
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

// MBGForward relays a raw mailbox frame supplied by a Mailbox Gateway
// client to a slave's rx-mailbox and waits for its reply to land in the
// slave's mailbox gateway inbox.
type MBGForward struct {
	s       *slave.Slave
	request []byte
	phase   transferPhase
	Reply   []byte
}

func NewMBGForward(s *slave.Slave, rawMailboxFrame []byte) *MBGForward {
	return &MBGForward{s: s, request: rawMailboxFrame}
}

func (t *MBGForward) Step(dg *frame.Datagram) (Result, error) {
	switch t.phase {
	case phaseWriteRequest:
		if dg.State == frame.StateInit {
			dg.Command = frame.CommandFPWR
			dg.SlaveAddress = t.s.StationAddress
			dg.OffsetAddress = t.s.Mailbox.RxOffset
			buf := sized(dg, len(t.request))
			copy(buf, t.request)
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

	case phasePollMailbox:
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
		t.s.Mbx.MBG.PayloadSize = 0
		dg.Reset()
		dg.Command = frame.CommandFPRD
		dg.SlaveAddress = t.s.StationAddress
		dg.OffsetAddress = t.s.Mailbox.TxOffset
		sized(dg, int(t.s.Mailbox.TxSize))
		return ResultConsumed, nil

	case phaseReadReply:
		if dg.State != frame.StateReceived {
			return ResultPending, nil
		}
		inbox := t.s.Mbx.MBG
		if inbox.PayloadSize > 0 {
			t.Reply = append([]byte(nil), inbox.Data[:inbox.PayloadSize]...)
		} else {
			t.Reply = append([]byte(nil), dg.Data...)
		}
		return ResultDone, nil

	default:
		return ResultPending, nil
	}
}
