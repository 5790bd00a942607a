// Package gateway implements the master's synthetic object dictionary: a
// CoE SDO server answering Mailbox Gateway requests addressed to station
// 0 out of the master's own slave list, rather than out of any real
// slave's mailbox.
package gateway

import (
	"fmt"

	"github.com/samsamfire/goethercat/coe"
	"github.com/samsamfire/goethercat/mailbox"
	"github.com/samsamfire/goethercat/slave"
)

// segmentCapacity matches coe.Client's own upload-segment payload size.
const segmentCapacity = 7

// SlaveSource reports the master's current slave list, resolved fresh on
// every request so a synthetic OD answer always reflects the most recent
// scan.
type SlaveSource func() []*slave.Slave

// Server answers CoE SDO uploads/downloads addressed to station 0 over
// the Mailbox Gateway: 0x1000 master device type, 0x8000+i per-slave
// identity/status, 0xA000+i AL state read/write, 0xF000 modular device
// profile, 0xF020+k slave range list.
//
// Grounded on pkg/gateway.BaseGateway's "wrap a fixed set of well-known
// answers" shape, generalized from forwarding a read to a real remote
// node's object dictionary to answering locally out of the master's own
// slave list. Its request/reply framing reuses coe.Client's
// upload/download wire format but runs the opposite direction: Step
// consumes a request and produces a reply, where coe.Client consumes a
// reply and produces the next request.
//
// Only one segmented transfer may be in flight at a time, matching
// coe.Client's own single-transfer design — a synthetic OD access
// overlapping an in-progress segmented upload silently abandons the
// earlier one's cursor.
type Server struct {
	slaves SlaveSource

	toggle uint8
	cursor int
	data   []byte
}

func NewServer(slaves SlaveSource) *Server {
	return &Server{slaves: slaves}
}

// Step consumes one CoE mailbox frame (header + SDO payload) addressed to
// station 0 and returns the reply frame to send back.
func (s *Server) Step(received []byte) ([]byte, error) {
	hdr, err := mailbox.DecodeHeader(received)
	if err != nil {
		return nil, err
	}
	body := received[6:]
	if len(body) < 1 {
		return nil, fmt.Errorf("gateway: truncated CoE request")
	}

	switch body[0] >> 5 {
	case 2: // ccsInitiateUpload
		return s.initiateUpload(hdr, body)
	case 3: // ccsUploadSegment
		return s.uploadSegment(hdr), nil
	case 1: // ccsInitiateDownload
		return s.initiateDownload(hdr, body)
	default:
		return s.abortFrame(hdr, coe.AbortUnknownCommand), nil
	}
}

func (s *Server) initiateUpload(hdr mailbox.Header, body []byte) ([]byte, error) {
	if len(body) < 4 {
		return s.abortFrame(hdr, coe.AbortGeneral), nil
	}
	index := mailbox.LE16(body[1:3])
	subindex := body[3]

	value, abort := s.lookup(index, subindex)
	if abort != 0 {
		return s.abortFrame(hdr, abort), nil
	}
	if len(value) <= 4 {
		return s.expeditedUploadResponse(hdr, index, subindex, value), nil
	}

	s.data = value
	s.cursor = 0
	s.toggle = 0
	payload := make([]byte, 8)
	payload[0] = (2 << 5) | 0x01 // scsInitiateUpload, size indicated, not expedited
	mailbox.PutLE16(payload[1:3], index)
	payload[3] = subindex
	mailbox.PutLE32(payload[4:8], uint32(len(value)))
	return s.withHeader(hdr, payload), nil
}

func (s *Server) expeditedUploadResponse(hdr mailbox.Header, index uint16, subindex uint8, value []byte) []byte {
	n := len(value)
	payload := make([]byte, 8)
	sizeBits := uint8(4-n) << 2
	payload[0] = (2 << 5) | 0x02 | 0x01 | sizeBits // scsInitiateUpload, e=1, s=1
	mailbox.PutLE16(payload[1:3], index)
	payload[3] = subindex
	copy(payload[4:4+n], value)
	return s.withHeader(hdr, payload)
}

func (s *Server) uploadSegment(hdr mailbox.Header) []byte {
	remaining := s.data[s.cursor:]
	n := len(remaining)
	last := n <= segmentCapacity
	if !last {
		n = segmentCapacity
	}
	payload := make([]byte, 1+segmentCapacity)
	sizeBits := uint8(0)
	if last {
		sizeBits = uint8(segmentCapacity-n) << 1
	}
	cmd := (s.toggle << 4) | sizeBits // scsUploadSegment == 0
	if last {
		cmd |= 0x01
	}
	payload[0] = cmd
	copy(payload[1:1+n], remaining[:n])
	s.cursor += n
	s.toggle ^= 1
	return s.withHeader(hdr, payload)
}

func (s *Server) initiateDownload(hdr mailbox.Header, body []byte) ([]byte, error) {
	if len(body) < 4 {
		return s.abortFrame(hdr, coe.AbortGeneral), nil
	}
	index := mailbox.LE16(body[1:3])
	subindex := body[3]
	if body[0]&0x02 == 0 {
		return s.abortFrame(hdr, coe.AbortUnsupportedAccess), nil
	}
	n := 4
	if body[0]&0x01 != 0 {
		n = 4 - int((body[0]>>2)&0x03)
	}
	if len(body) < 4+n {
		return s.abortFrame(hdr, coe.AbortGeneral), nil
	}

	if abort := s.write(index, subindex, body[4:4+n]); abort != 0 {
		return s.abortFrame(hdr, abort), nil
	}
	payload := make([]byte, 8)
	payload[0] = 3 << 5 // scsInitiateDownload
	mailbox.PutLE16(payload[1:3], index)
	payload[3] = subindex
	return s.withHeader(hdr, payload), nil
}

// lookup resolves one synthetic OD entry to its raw little-endian value.
func (s *Server) lookup(index uint16, subindex uint8) ([]byte, coe.AbortCode) {
	switch {
	case index == 0x1000:
		if subindex != 0 {
			return nil, coe.AbortSubindexNotExist
		}
		return le32(0), 0

	case index >= 0x8000 && index < 0x9000:
		return s.lookupSlaveEntry(index-0x8000, subindex)

	case index >= 0xA000 && index < 0xB000:
		return s.lookupALStateEntry(index-0xA000, subindex)

	case index == 0xF000:
		switch subindex {
		case 1:
			return le16(0x0001), 0
		case 2:
			return le16(4080), 0
		case 3:
			return le32(0x000000FF), 0
		default:
			return nil, coe.AbortSubindexNotExist
		}

	case index >= 0xF020 && index < 0xF030:
		return s.lookupSlaveRange(index-0xF020, subindex)

	default:
		return nil, coe.AbortObjectNotExist
	}
}

func (s *Server) lookupSlaveEntry(i uint16, subindex uint8) ([]byte, coe.AbortCode) {
	slaves := s.slaves()
	if int(i) >= len(slaves) {
		return nil, coe.AbortObjectNotExist
	}
	sl := slaves[i]
	switch {
	case subindex == 0:
		return []byte{35}, 0
	case subindex == 1:
		return le32(addressAndOffset(i, sl.StationAddress)), 0
	case subindex == 2:
		// Order string: not retained anywhere in this repo's SII parsing.
		return make([]byte, 16), 0
	case subindex == 3:
		// Name: not retained anywhere in this repo's SII parsing.
		return make([]byte, 32), 0
	case subindex == 4:
		return le32(0), 0
	case subindex == 5:
		return le32(sl.Identity.VendorID), 0
	case subindex == 6:
		return le32(sl.Identity.ProductCode), 0
	case subindex == 7:
		return le32(sl.Identity.RevisionNumber), 0
	case subindex == 8:
		return le32(sl.Identity.SerialNumber), 0
	case subindex >= 9 && subindex <= 32:
		return nil, coe.AbortLocalControl
	case subindex == 33:
		return le16(sl.Mailbox.RxSize), 0
	case subindex == 34:
		return le16(sl.Mailbox.TxSize), 0
	case subindex == 35:
		return []byte{linkStatusByte(sl)}, 0
	default:
		return nil, coe.AbortSubindexNotExist
	}
}

func (s *Server) lookupALStateEntry(i uint16, subindex uint8) ([]byte, coe.AbortCode) {
	slaves := s.slaves()
	if int(i) >= len(slaves) {
		return nil, coe.AbortObjectNotExist
	}
	sl := slaves[i]
	switch subindex {
	case 0:
		return []byte{2}, 0
	case 1:
		return le16(uint16(sl.State)), 0
	case 2:
		return le16(uint16(sl.RequestedState)), 0
	default:
		return nil, coe.AbortSubindexNotExist
	}
}

func (s *Server) lookupSlaveRange(k uint16, subindex uint8) ([]byte, coe.AbortCode) {
	slaves := s.slaves()
	start := int(k) * 255
	if subindex == 0 {
		remaining := len(slaves) - start
		switch {
		case remaining <= 0:
			return []byte{0}, 0
		case remaining >= 255:
			return []byte{255}, 0
		default:
			return []byte{byte(remaining)}, 0
		}
	}
	pos := start + int(subindex) - 1
	if pos < 0 || pos >= len(slaves) {
		return nil, coe.AbortObjectNotExist
	}
	return le32(addressAndOffset(uint16(pos), slaves[pos].StationAddress)), 0
}

func (s *Server) write(index uint16, subindex uint8, data []byte) coe.AbortCode {
	if index < 0xA000 || index >= 0xB000 {
		return coe.AbortUnsupportedAccess
	}
	if subindex != 2 {
		return coe.AbortReadOnly
	}
	if len(data) != 2 {
		return coe.AbortLengthMismatch
	}
	slaves := s.slaves()
	i := int(index - 0xA000)
	if i >= len(slaves) {
		return coe.AbortObjectNotExist
	}
	slaves[i].RequestedState = slave.ALState(mailbox.LE16(data))
	return 0
}

func (s *Server) withHeader(hdr mailbox.Header, sdoPayload []byte) []byte {
	out := make([]byte, 6+len(sdoPayload))
	mailbox.EncodeHeader(out, mailbox.Header{
		Length:  uint16(len(sdoPayload)),
		Address: hdr.Address,
		Type:    uint8(mailbox.ProtocolCoE),
		Counter: hdr.Counter,
	})
	copy(out[6:], sdoPayload)
	return out
}

func (s *Server) abortFrame(hdr mailbox.Header, code coe.AbortCode) []byte {
	payload := make([]byte, 8)
	payload[0] = 4 << 5 // ccsAbort
	mailbox.PutLE32(payload[4:8], uint32(code))
	return s.withHeader(hdr, payload)
}

// addressAndOffset packs a slave position (low 16 bits) and its station
// address (high 16 bits) into the "slave-address+offset" /
// "slave position + address offset" value returned for the 0x8000+i
// subindex-1 and 0xF020+k entries — the same low/offset-high convention
// master.newDomain uses for a logical address, applied here since nothing
// in the ESC register map pins down which half carries which for these
// synthetic entries either.
func addressAndOffset(position uint16, stationAddress uint16) uint32 {
	return uint32(position) | uint32(stationAddress)<<16
}

func linkStatusByte(sl *slave.Slave) byte {
	var b byte
	for i, p := range sl.Ports {
		if p.LinkUp {
			b |= 1 << uint(4+i)
		}
	}
	return b
}

func le16(v uint16) []byte {
	b := make([]byte, 2)
	mailbox.PutLE16(b, v)
	return b
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	mailbox.PutLE32(b, v)
	return b
}
