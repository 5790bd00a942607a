// Package mailbox implements the mailbox frame format and the mailbox
// dispatcher: on receipt of an FPRD addressed to a slave's tx-mailbox
// offset, route the payload into the matching per-protocol inbox instead of
// leaving it in the datagram buffer.
package mailbox

import (
	"errors"

	"github.com/samsamfire/goethercat/frame"
)

// Protocol identifies which mailbox protocol a frame carries, the protocol
// byte of the mailbox header's type(4)+counter(4) field.
type Protocol uint8

const (
	ProtocolVoE Protocol = 0x0 // Vendor over EtherCAT — wire value is 0xF; alias kept distinct below
	ProtocolEoE Protocol = 0x2
	ProtocolCoE Protocol = 0x3
	ProtocolFoE Protocol = 0x4
	ProtocolSoE Protocol = 0x5
)

// ProtocolVoEWire is the wire value of the VoE protocol nibble (0xF); kept
// separate from ProtocolVoE's zero value so the zero Protocol never aliases
// a real protocol.
const ProtocolVoEWire Protocol = 0xF

const headerLen = 6

var (
	ErrHeaderTooShort = errors.New("mailbox: payload shorter than a mailbox header")
)

// Header is the fixed 6-byte mailbox frame header:
// length(16) | address(16) | channel(6)+priority(2) | type(4)+counter(4).
type Header struct {
	Length   uint16
	Address  uint16 // mailbox-header slave-address field (MBG routing uses this)
	Channel  uint8
	Priority uint8
	Type     uint8 // protocol nibble
	Counter  uint8
}

// DecodeHeader parses the fixed header out of a mailbox frame payload.
func DecodeHeader(payload []byte) (Header, error) {
	if len(payload) < headerLen {
		return Header{}, ErrHeaderTooShort
	}
	lengthAndAddr := payload[0:4]
	length := uint16(lengthAndAddr[0]) | uint16(lengthAndAddr[1])<<8
	addr := uint16(lengthAndAddr[2]) | uint16(lengthAndAddr[3])<<8
	channelPriority := payload[4]
	typeCounter := payload[5]
	return Header{
		Length:   length,
		Address:  addr,
		Channel:  channelPriority & 0x3F,
		Priority: channelPriority >> 6,
		Type:     typeCounter & 0x0F,
		Counter:  typeCounter >> 4,
	}, nil
}

// EncodeHeader writes h's 6-byte wire form into out[0:6].
func EncodeHeader(out []byte, h Header) {
	out[0] = byte(h.Length)
	out[1] = byte(h.Length >> 8)
	out[2] = byte(h.Address)
	out[3] = byte(h.Address >> 8)
	out[4] = (h.Channel & 0x3F) | (h.Priority << 6)
	out[5] = (h.Type & 0x0F) | (h.Counter << 4)
}

// protocol returns the protocol nibble of h.Type, resolving the wire-only
// 0xF VoE value to ProtocolVoEWire.
func (h Header) protocol() Protocol {
	if h.Type == uint8(ProtocolVoEWire) {
		return ProtocolVoEWire
	}
	return Protocol(h.Type)
}

// Inbox is a fixed-capacity per-slave per-protocol buffer, written only by
// the dispatch path and read only by the FSM owning that protocol — a
// slave's mailbox lock excludes at the protocol level, not the byte level.
type Inbox struct {
	Data        []byte
	PayloadSize int
}

// NewInbox allocates an Inbox with the given fixed capacity.
func NewInbox(capacity int) *Inbox {
	return &Inbox{Data: make([]byte, capacity)}
}

// write copies payload into the inbox if it fits, reporting whether it did.
func (ib *Inbox) write(payload []byte) bool {
	if ib == nil || len(payload) > len(ib.Data) {
		return false
	}
	n := copy(ib.Data, payload)
	ib.PayloadSize = n
	return true
}

// PutLE16, LE16, PutLE32 and LE32 re-export frame's little-endian codec
// helpers for protocol packages (coe/soe/foe) building mailbox payloads,
// so they need not import frame solely for byte-order plumbing.
func PutLE16(b []byte, v uint16) { frame.PutUint16(b, v) }
func LE16(b []byte) uint16       { return frame.Uint16(b) }
func PutLE32(b []byte, v uint32) { frame.PutUint32(b, v) }
func LE32(b []byte) uint32       { return frame.Uint32(b) }

// Slave is the subset of slave state the dispatcher needs: the addressing
// triple that identifies "this FPRD is a mailbox read for me", and its
// inbox set. Defined here (not imported from package slave) to avoid a
// mailbox<->slave import cycle; package slave's *Slave satisfies it.
type Slave struct {
	StationAddress uint16
	TxMailboxOffset uint16
	ValidMboxData  bool
	// MBGOffset is the configured MBG station-address offset; MBGConfigured
	// is false when no MBG offset has been set for this network.
	MBGOffset    uint16
	MBGConfigured bool

	CoE      *Inbox
	FoE      *Inbox
	SoE      *Inbox
	VoE      *Inbox
	EoEFrag  *Inbox
	EoEInit  *Inbox
	MBG      *Inbox
}

func (s *Slave) inboxFor(p Protocol, payload []byte) *Inbox {
	switch p {
	case ProtocolCoE:
		return s.CoE
	case ProtocolFoE:
		return s.FoE
	case ProtocolSoE:
		return s.SoE
	case ProtocolVoEWire:
		return s.VoE
	case ProtocolEoE:
		return s.eoeInboxFor(payload)
	default:
		return nil
	}
}

// EoE sub-protocol type nibble values, mirroring eoe.FrameTypeFragment and
// eoe.FrameTypeInitResponse's wire values. Duplicated here rather than
// imported, since package eoe imports mailbox and a mailbox->eoe import
// would cycle.
const (
	eoeFrameTypeInitResponse = 0x01
	eoeFrameTypeFragment     = 0x03
)

// eoeInboxFor sub-dispatches an EoE mailbox payload by its fragmentation
// header's type nibble (the first 2 bytes after the mailbox header,
// low nibble): FRAME_FRAG routes to EoEFrag, INIT_RES routes to EoEInit,
// anything else (or a payload too short to carry the header) falls back
// to the datagram buffer by returning nil.
func (s *Slave) eoeInboxFor(payload []byte) *Inbox {
	if len(payload) < headerLen+2 {
		return nil
	}
	frameType := LE16(payload[headerLen:headerLen+2]) & 0x0F
	switch frameType {
	case eoeFrameTypeFragment:
		return s.EoEFrag
	case eoeFrameTypeInitResponse:
		return s.EoEInit
	default:
		return nil
	}
}

// Resolver looks up the slave (if any) whose tx-mailbox offset matches a
// received FPRD's (stationAddress, offset).
type Resolver func(stationAddress, offset uint16) (*Slave, bool)

// Outcome reports how Dispatch disposed of a received datagram's payload.
type Outcome int

const (
	// OutcomeNotMailbox: the datagram was not a mailbox-addressed FPRD (or
	// had a zero working counter); its payload is left in the datagram
	// buffer for the ordinary receive path to use.
	OutcomeNotMailbox Outcome = iota
	// OutcomeRoutedMBG: payload routed to the slave's MBG inbox.
	OutcomeRoutedMBG
	// OutcomeRoutedProtocol: payload routed to a per-protocol inbox.
	OutcomeRoutedProtocol
	// OutcomeFallback: was mailbox-shaped but no inbox matched or fit;
	// payload was left in the datagram buffer as a fallback.
	OutcomeFallback
)

// Dispatch applies the mailbox dispatch rule for one received datagram.
// It never mutates dg.Data; inbox writes are additional copies, leaving
// the datagram buffer untouched for successfully-routed mailbox traffic.
func Dispatch(dg *frame.Datagram, resolve Resolver) Outcome {
	if dg.Command != frame.CommandFPRD || dg.WorkingCounter == 0 {
		return OutcomeNotMailbox
	}
	slave, ok := resolve(dg.SlaveAddress, dg.OffsetAddress)
	if !ok || !slave.ValidMboxData {
		return OutcomeNotMailbox
	}

	hdr, err := DecodeHeader(dg.Data)
	if err != nil {
		return OutcomeFallback
	}

	if slave.MBGConfigured && uint32(hdr.Address)+1 == uint32(dg.SlaveAddress)+uint32(slave.MBGOffset) {
		if slave.MBG.write(dg.Data) {
			return OutcomeRoutedMBG
		}
		return OutcomeFallback
	}

	inbox := slave.inboxFor(hdr.protocol(), dg.Data)
	if inbox.write(dg.Data) {
		return OutcomeRoutedProtocol
	}
	return OutcomeFallback
}
