package mailbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/frame"
)

func mailboxPayload(t *testing.T, protocol uint8, mbgAddress uint16, body []byte) []byte {
	t.Helper()
	buf := make([]byte, headerLen+len(body))
	EncodeHeader(buf, Header{
		Length:  uint16(len(body)),
		Address: mbgAddress,
		Type:    protocol,
	})
	copy(buf[headerLen:], body)
	return buf
}

func newSlave() *Slave {
	return &Slave{
		StationAddress:  0x1001,
		TxMailboxOffset: 0x0130,
		ValidMboxData:   true,
		CoE:             NewInbox(64),
		FoE:             NewInbox(64),
		SoE:             NewInbox(64),
		VoE:             NewInbox(64),
		EoEFrag:         NewInbox(64),
		EoEInit:         NewInbox(64),
		MBG:             NewInbox(64),
	}
}

// eoeBody builds an EoE mailbox body: a 2-byte fragmentation-header word
// whose low nibble carries frameType, followed by rest.
func eoeBody(frameType uint8, rest []byte) []byte {
	body := make([]byte, 2+len(rest))
	PutLE16(body[0:2], uint16(frameType&0x0F))
	copy(body[2:], rest)
	return body
}

func TestDispatchRoutesCoEPayload(t *testing.T) {
	s := newSlave()
	payload := mailboxPayload(t, uint8(ProtocolCoE), 0, []byte{0xAA, 0xBB})
	dg := &frame.Datagram{
		Command:        frame.CommandFPRD,
		SlaveAddress:   s.StationAddress,
		OffsetAddress:  s.TxMailboxOffset,
		Data:           payload,
		WorkingCounter: 1,
	}

	outcome := Dispatch(dg, func(addr, off uint16) (*Slave, bool) {
		if addr == s.StationAddress && off == s.TxMailboxOffset {
			return s, true
		}
		return nil, false
	})

	assert.Equal(t, OutcomeRoutedProtocol, outcome)
	require.Equal(t, len(payload), s.CoE.PayloadSize)
	assert.Equal(t, payload, s.CoE.Data[:s.CoE.PayloadSize])
}

func TestDispatchRoutesMBGWhenAddressMatches(t *testing.T) {
	s := newSlave()
	s.MBGConfigured = true
	s.MBGOffset = 0x4000
	mbgAddr := s.StationAddress + s.MBGOffset - 1
	payload := mailboxPayload(t, uint8(ProtocolCoE), mbgAddr, []byte{0x01})

	dg := &frame.Datagram{
		Command:        frame.CommandFPRD,
		SlaveAddress:   s.StationAddress,
		OffsetAddress:  s.TxMailboxOffset,
		Data:           payload,
		WorkingCounter: 1,
	}
	outcome := Dispatch(dg, func(addr, off uint16) (*Slave, bool) { return s, true })
	assert.Equal(t, OutcomeRoutedMBG, outcome)
	assert.Equal(t, len(payload), s.MBG.PayloadSize)
}

func TestDispatchNotMailboxOnZeroWorkingCounter(t *testing.T) {
	s := newSlave()
	payload := mailboxPayload(t, uint8(ProtocolCoE), 0, []byte{0x01})
	dg := &frame.Datagram{
		Command:        frame.CommandFPRD,
		SlaveAddress:   s.StationAddress,
		OffsetAddress:  s.TxMailboxOffset,
		Data:           payload,
		WorkingCounter: 0,
	}
	outcome := Dispatch(dg, func(addr, off uint16) (*Slave, bool) { return s, true })
	assert.Equal(t, OutcomeNotMailbox, outcome)
}

func TestDispatchFallbackWhenInboxTooSmall(t *testing.T) {
	s := newSlave()
	s.CoE = NewInbox(1)
	payload := mailboxPayload(t, uint8(ProtocolCoE), 0, []byte{0x01, 0x02, 0x03})
	dg := &frame.Datagram{
		Command:        frame.CommandFPRD,
		SlaveAddress:   s.StationAddress,
		OffsetAddress:  s.TxMailboxOffset,
		Data:           payload,
		WorkingCounter: 1,
	}
	outcome := Dispatch(dg, func(addr, off uint16) (*Slave, bool) { return s, true })
	assert.Equal(t, OutcomeFallback, outcome)
}

func TestDispatchNotMailboxWhenNoSlaveMatches(t *testing.T) {
	dg := &frame.Datagram{
		Command:        frame.CommandFPRD,
		SlaveAddress:   0x9999,
		OffsetAddress:  0x0130,
		Data:           []byte{0, 0, 0, 0, 0, 0},
		WorkingCounter: 1,
	}
	outcome := Dispatch(dg, func(addr, off uint16) (*Slave, bool) { return nil, false })
	assert.Equal(t, OutcomeNotMailbox, outcome)
}

func TestDispatchRoutesEoEFragmentToEoEFrag(t *testing.T) {
	s := newSlave()
	payload := mailboxPayload(t, uint8(ProtocolEoE), 0, eoeBody(eoeFrameTypeFragment, []byte{0x01, 0x02}))
	dg := &frame.Datagram{
		Command:        frame.CommandFPRD,
		SlaveAddress:   s.StationAddress,
		OffsetAddress:  s.TxMailboxOffset,
		Data:           payload,
		WorkingCounter: 1,
	}
	outcome := Dispatch(dg, func(addr, off uint16) (*Slave, bool) { return s, true })
	assert.Equal(t, OutcomeRoutedProtocol, outcome)
	require.Equal(t, len(payload), s.EoEFrag.PayloadSize)
	assert.Equal(t, 0, s.EoEInit.PayloadSize)
}

func TestDispatchRoutesEoEInitResponseToEoEInit(t *testing.T) {
	s := newSlave()
	payload := mailboxPayload(t, uint8(ProtocolEoE), 0, eoeBody(eoeFrameTypeInitResponse, []byte{0x03, 0x04}))
	dg := &frame.Datagram{
		Command:        frame.CommandFPRD,
		SlaveAddress:   s.StationAddress,
		OffsetAddress:  s.TxMailboxOffset,
		Data:           payload,
		WorkingCounter: 1,
	}
	outcome := Dispatch(dg, func(addr, off uint16) (*Slave, bool) { return s, true })
	assert.Equal(t, OutcomeRoutedProtocol, outcome)
	require.Equal(t, len(payload), s.EoEInit.PayloadSize)
	assert.Equal(t, 0, s.EoEFrag.PayloadSize)
}

func TestDispatchFallbackOnUnknownEoESubtype(t *testing.T) {
	s := newSlave()
	payload := mailboxPayload(t, uint8(ProtocolEoE), 0, eoeBody(0x02, []byte{0x05}))
	dg := &frame.Datagram{
		Command:        frame.CommandFPRD,
		SlaveAddress:   s.StationAddress,
		OffsetAddress:  s.TxMailboxOffset,
		Data:           payload,
		WorkingCounter: 1,
	}
	outcome := Dispatch(dg, func(addr, off uint16) (*Slave, bool) { return s, true })
	assert.Equal(t, OutcomeFallback, outcome)
	assert.Equal(t, 0, s.EoEFrag.PayloadSize)
	assert.Equal(t, 0, s.EoEInit.PayloadSize)
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{Length: 10, Address: 0x2233, Channel: 0x1F, Priority: 2, Type: 3, Counter: 7}
	buf := make([]byte, headerLen)
	EncodeHeader(buf, h)
	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}
