package masterfsm

import (
	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
	"github.com/samsamfire/goethercat/slavefsm"
)

// regStationAddress is the ESC's configured-station-address register
// (ETG.1000.4 §6.2), written once per slave during scan via auto-increment
// addressing so later work can address each slave with FPxx commands.
const regStationAddress uint16 = 0x0010

// inboxCapacity is the per-protocol mailbox inbox size newly scanned slaves
// are constructed with, generous enough for the largest mailbox frame any
// protocol in this repo builds.
const inboxCapacity = 1486

type scanPhase int

const (
	scanPhaseAssignAddress scanPhase = iota
	scanPhaseReadSII
)

// BusScan auto-increment-addresses every slave in ring order, assigning
// each a fixed station address and reading its SII identity, grounded on
// pkg/network.Network.Scan's node-by-node enumeration.
type BusScan struct {
	cache      *slave.SIICache
	expected   int
	position   int
	phase      scanPhase
	wroteAddr  bool
	current    *slave.Slave
	sii        *slavefsm.SIIReader
	Discovered []*slave.Slave
}

// NewBusScan starts a scan expecting to find exactly expectedCount slaves,
// the count the preceding broadcast AL-state read's working counter
// reported.
func NewBusScan(expectedCount int, cache *slave.SIICache) *BusScan {
	return &BusScan{cache: cache, expected: expectedCount}
}

func (b *BusScan) Step(dg *frame.Datagram) (Result, error) {
	if b.position >= b.expected {
		return ResultDone, nil
	}

	switch b.phase {
	case scanPhaseAssignAddress:
		return b.stepAssignAddress(dg)
	case scanPhaseReadSII:
		return b.stepReadSII(dg)
	default:
		return ResultPending, nil
	}
}

func (b *BusScan) stepAssignAddress(dg *frame.Datagram) (Result, error) {
	if !b.wroteAddr {
		b.wroteAddr = true
		b.current = slave.New(b.position, 0, inboxCapacity)
		// Auto-increment addressing: the wire offset walks backwards from
		// the first slave on the link, so position N is addressed as -N.
		dg.Reset()
		dg.Command = frame.CommandAPWR
		dg.SlaveAddress = uint16(-int16(b.position))
		dg.OffsetAddress = regStationAddress
		dg.Data = dg.Data[:2]
		addr := firstStationAddress + uint16(b.position)
		frame.PutUint16(dg.Data, addr)
		return ResultConsumed, nil
	}
	if dg.State != frame.StateReceived {
		return ResultPending, nil
	}
	addr := firstStationAddress + uint16(b.position)
	b.current.SetStationAddress(addr)
	b.phase = scanPhaseReadSII
	b.sii = slavefsm.NewSIIReader(b.current, b.cache)
	dg.Reset()
	return ResultConsumed, nil
}

func (b *BusScan) stepReadSII(dg *frame.Datagram) (Result, error) {
	res, err := b.sii.Step(dg)
	switch res {
	case slavefsm.ResultPending:
		return ResultPending, nil
	case slavefsm.ResultConsumed:
		return ResultConsumed, nil
	case slavefsm.ResultError:
		return ResultDone, err
	default: // slavefsm.ResultDone
		b.Discovered = append(b.Discovered, b.current)
		b.current = nil
		b.sii = nil
		b.wroteAddr = false
		b.phase = scanPhaseAssignAddress
		b.position++
		if b.position >= b.expected {
			return ResultDone, nil
		}
		dg.Reset()
		return ResultConsumed, nil
	}
}
