package slavefsm

import (
	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
)

// SII EEPROM word offsets carrying the identity category (ETG.2010).
const (
	siiWordVendorID    uint16 = 0x0008
	siiWordProductCode uint16 = 0x000A
	siiWordRevision    uint16 = 0x000C
	siiWordSerial      uint16 = 0x000E
)

const siiBusyBit uint16 = 1 << 15

// siiWords is the ordered set of EEPROM words the identity read needs.
var siiWords = [4]uint16{siiWordVendorID, siiWordProductCode, siiWordRevision, siiWordSerial}

type siiPhase int

const (
	siiPhaseStart siiPhase = iota
	siiPhaseAddressSent
	siiPhasePolling
	siiPhaseDataRequested
)

// SIIReader reads a slave's identity out of its SII EEPROM, one word at a
// time: write the word address to the SII address register, poll the
// busy bit on the control register, then read the 4-byte data register.
// A cache hit (by identity or alias) short-circuits straight to
// ResultDone without touching the bus.
type SIIReader struct {
	s       *slave.Slave
	cache   *slave.SIICache
	wordIdx int
	phase   siiPhase
	words   [4]uint32
}

func NewSIIReader(s *slave.Slave, cache *slave.SIICache) *SIIReader {
	return &SIIReader{s: s, cache: cache}
}

func (r *SIIReader) Step(dg *frame.Datagram) (Result, error) {
	if r.phase == siiPhaseStart {
		if img, ok := r.cache.Lookup(r.s.Identity, r.s.Alias); ok {
			r.s.SII = img
			r.s.Identity = img.Identity
			return ResultDone, nil
		}
		return r.sendWordAddress(dg)
	}
	if dg.State != frame.StateReceived {
		return ResultPending, nil
	}

	switch r.phase {
	case siiPhaseAddressSent:
		return r.sendStatusPoll(dg)
	case siiPhasePolling:
		status := frame.Uint16(dg.Data[0:2])
		if status&siiBusyBit != 0 {
			return r.sendStatusPoll(dg)
		}
		return r.sendDataRead(dg)
	case siiPhaseDataRequested:
		return r.consumeWord(dg)
	default:
		return ResultPending, nil
	}
}

func (r *SIIReader) sendWordAddress(dg *frame.Datagram) (Result, error) {
	dg.Reset()
	dg.Command = frame.CommandFPWR
	dg.SlaveAddress = r.s.StationAddress
	dg.OffsetAddress = RegSIIAddress
	buf := sized(dg, 4)
	frame.PutUint32(buf, uint32(siiWords[r.wordIdx]))
	r.phase = siiPhaseAddressSent
	return ResultConsumed, nil
}

func (r *SIIReader) sendStatusPoll(dg *frame.Datagram) (Result, error) {
	dg.Reset()
	dg.Command = frame.CommandFPRD
	dg.SlaveAddress = r.s.StationAddress
	dg.OffsetAddress = RegSIIControl
	sized(dg, 2)
	r.phase = siiPhasePolling
	return ResultConsumed, nil
}

func (r *SIIReader) sendDataRead(dg *frame.Datagram) (Result, error) {
	dg.Reset()
	dg.Command = frame.CommandFPRD
	dg.SlaveAddress = r.s.StationAddress
	dg.OffsetAddress = RegSIIData
	sized(dg, 4)
	r.phase = siiPhaseDataRequested
	return ResultConsumed, nil
}

func (r *SIIReader) consumeWord(dg *frame.Datagram) (Result, error) {
	r.words[r.wordIdx] = frame.Uint32(dg.Data[0:4])
	r.wordIdx++
	if r.wordIdx >= len(siiWords) {
		id := slave.Identity{
			VendorID:       r.words[0],
			ProductCode:    r.words[1],
			RevisionNumber: r.words[2],
			SerialNumber:   r.words[3],
		}
		img := &slave.SIIImage{Identity: id}
		r.s.Identity = id
		r.s.SII = img
		r.cache.Store(r.s.Alias, img)
		return ResultDone, nil
	}
	return r.sendWordAddress(dg)
}
