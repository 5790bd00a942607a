// Package slave holds the per-slave data model: identity, port topology,
// AL state, mailbox descriptor and per-protocol inboxes, SII cache
// reference, and the DC/FSM bookkeeping the master keeps per slave on the
// bus.
package slave

import (
	"sync"

	"github.com/samsamfire/goethercat/coe"
	"github.com/samsamfire/goethercat/foe"
	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/mailbox"
	"github.com/samsamfire/goethercat/soe"
)

// ALState is the slave's application-layer state, ETG.1000.3's
// INIT/PREOP/BOOT/SAFEOP/OP state machine.
type ALState uint8

const (
	ALStateInit    ALState = 0x01
	ALStatePreOp   ALState = 0x02
	ALStateBoot    ALState = 0x03
	ALStateSafeOp  ALState = 0x04
	ALStateOp      ALState = 0x08
	alStateErrFlag ALState = 0x10
	// ALStateMask isolates the state bits from the AL status error flag.
	ALStateMask ALState = 0x0F
)

func (s ALState) String() string {
	switch s &^ alStateErrFlag {
	case ALStateInit:
		return "INIT"
	case ALStatePreOp:
		return "PRE-OP"
	case ALStateBoot:
		return "BOOT"
	case ALStateSafeOp:
		return "SAFE-OP"
	case ALStateOp:
		return "OP"
	default:
		return "UNKNOWN"
	}
}

// HasError reports whether the slave's AL status carries the error flag
// (bit 4 of the AL status register).
func (s ALState) HasError() bool { return s&alStateErrFlag != 0 }

// Protocol bitmap bits reported by the slave's mailbox protocol register
// (ETG.1000.6 §5.2), in the order AoE/EoE/CoE/FoE/SoE/VoE.
const (
	ProtocolBitAoE uint16 = 1 << iota
	ProtocolBitEoE
	ProtocolBitCoE
	ProtocolBitFoE
	ProtocolBitSoE
	ProtocolBitVoE
)

// Identity is a slave's SII-reported identity tuple, used both for
// protocol matching against slave configs and as the SIICache key.
type Identity struct {
	VendorID       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

// Port is one of a slave's four physical ports, carrying the topology
// information the master's scan derives while walking the ring.
type Port struct {
	LinkUp         bool
	LoopClosed     bool
	SignalDetected bool
	ReceiveTime    uint32
	// NextSlave is the ring position of the slave connected downstream of
	// this port, or -1 if nothing is connected.
	NextSlave int
}

// MailboxDescriptor holds a slave's mailbox sync-manager configuration as
// read from its SII, and the protocols it advertises support for.
type MailboxDescriptor struct {
	RxOffset  uint16
	RxSize    uint16
	TxOffset  uint16
	TxSize    uint16
	Protocols uint16
}

func (d MailboxDescriptor) Supports(bit uint16) bool { return d.Protocols&bit != 0 }

// Slave is one bus member, keyed by its ring position and optionally an
// alias: identity, ports, AL state, mailbox descriptor/inboxes, DC
// capability, and per-slave FSM bookkeeping.
type Slave struct {
	mu sync.Mutex

	RingPosition int
	Alias        uint16

	LinkIndex      int
	StationAddress uint16

	Identity Identity
	Ports    [4]Port

	State        ALState
	RequestedState ALState

	SII *SIIImage

	Mailbox MailboxDescriptor

	// Mbx bridges this slave's mailbox fields into the shape the
	// mailbox package's Dispatch resolver needs (station address,
	// tx-mailbox offset, valid flag, MBG offset/configured, per-protocol
	// inboxes) — see mailbox.Slave.
	Mbx *mailbox.Slave

	HasDC                bool
	DCSupportFlags       uint8
	SystemTimeDifference int32
	PropagationDelay     uint32

	ForceConfig bool

	CoE *coe.Client
	SoE *soe.Client
	FoE *foe.Client

	// FSMState/FSMDatagram are the per-slave FSM's current sub-machine
	// handle and the single datagram it owns while running (slavefsm
	// package advances these; slave only stores them).
	FSMState    int
	FSMDatagram *frame.Datagram
}

// New constructs a Slave at the given ring position with default inbox
// capacities wired up for every mailbox protocol.
func New(ringPosition int, linkIndex int, inboxCapacity int) *Slave {
	s := &Slave{
		RingPosition: ringPosition,
		LinkIndex:    linkIndex,
		State:        ALStateInit,
		CoE:          coe.NewClient(),
		SoE:          soe.NewClient(),
		FoE:          foe.NewClient(),
	}
	for i := range s.Ports {
		s.Ports[i].NextSlave = -1
	}
	s.Mbx = &mailbox.Slave{
		StationAddress: 0,
		CoE:            mailbox.NewInbox(inboxCapacity),
		FoE:            mailbox.NewInbox(inboxCapacity),
		SoE:            mailbox.NewInbox(inboxCapacity),
		VoE:            mailbox.NewInbox(inboxCapacity),
		EoEFrag:        mailbox.NewInbox(inboxCapacity),
		EoEInit:        mailbox.NewInbox(inboxCapacity),
		MBG:            mailbox.NewInbox(inboxCapacity),
	}
	return s
}

// Lock/Unlock guard the single in-flight mailbox transaction invariant:
// only one mailbox transaction may be in flight per slave at a time.
func (s *Slave) Lock()   { s.mu.Lock() }
func (s *Slave) Unlock() { s.mu.Unlock() }

// SetStationAddress assigns the station address the master hands out
// during scan, keeping the bridged mailbox.Slave view in sync.
func (s *Slave) SetStationAddress(addr uint16) {
	s.StationAddress = addr
	s.Mbx.StationAddress = addr
}

// ConfigureMailbox records the mailbox descriptor read from SII and marks
// the bridged mailbox.Slave as eligible for dispatch.
func (s *Slave) ConfigureMailbox(d MailboxDescriptor) {
	s.Mailbox = d
	s.Mbx.TxMailboxOffset = d.TxOffset
	s.Mbx.ValidMboxData = d.TxSize > 0
}

// ConfigureMBG enables Master Mailbox Gateway forwarding at the given
// offset.
func (s *Slave) ConfigureMBG(offset uint16) {
	s.Mbx.MBGOffset = offset
	s.Mbx.MBGConfigured = true
}
