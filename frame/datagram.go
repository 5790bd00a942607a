// Package frame implements the wire-level EtherCAT datagram and frame types:
// the fixed record described by the datagram engine, and the encode/decode of
// one or more datagrams into an Ethernet-framed EtherCAT telegram.
package frame

import (
	"errors"
	"time"
)

// Command identifies the addressing mode of a datagram, per ETG.1000.
type Command uint8

const (
	CommandNOP  Command = 0x00 // No operation
	CommandAPRD Command = 0x01 // Auto-increment read
	CommandAPWR Command = 0x02 // Auto-increment write
	CommandAPRW Command = 0x03 // Auto-increment read-write
	CommandFPRD Command = 0x04 // Fixed-address read
	CommandFPWR Command = 0x05 // Fixed-address write
	CommandFPRW Command = 0x06 // Fixed-address read-write
	CommandBRD  Command = 0x07 // Broadcast read
	CommandBWR  Command = 0x08 // Broadcast write
	CommandBRW  Command = 0x09 // Broadcast read-write
	CommandLRD  Command = 0x0A // Logical read
	CommandLWR  Command = 0x0B // Logical write
	CommandLRW  Command = 0x0C // Logical read-write
	CommandARMW Command = 0x0D // Auto-increment read-multiple-write
	CommandFRMW Command = 0x0E // Fixed-address read-multiple-write
)

func (c Command) String() string {
	switch c {
	case CommandNOP:
		return "NOP"
	case CommandAPRD:
		return "APRD"
	case CommandAPWR:
		return "APWR"
	case CommandAPRW:
		return "APRW"
	case CommandFPRD:
		return "FPRD"
	case CommandFPWR:
		return "FPWR"
	case CommandFPRW:
		return "FPRW"
	case CommandBRD:
		return "BRD"
	case CommandBWR:
		return "BWR"
	case CommandBRW:
		return "BRW"
	case CommandLRD:
		return "LRD"
	case CommandLWR:
		return "LWR"
	case CommandLRW:
		return "LRW"
	case CommandARMW:
		return "ARMW"
	case CommandFRMW:
		return "FRMW"
	default:
		return "UNKNOWN"
	}
}

// IsReadCommand reports whether the master copies reply payload back out of
// a datagram with this command: true for read, read-write and
// read-multiple-write commands, false for NOP and pure writes.
func (c Command) IsReadCommand() bool {
	switch c {
	case CommandAPRD, CommandFPRD, CommandBRD, CommandLRD,
		CommandAPRW, CommandFPRW, CommandBRW, CommandLRW, CommandARMW, CommandFRMW:
		return true
	default:
		return false
	}
}

// State is the lifecycle state of a Datagram.
type State uint8

const (
	StateInvalid   State = iota
	StateInit            // Freshly constructed, not yet queued
	StateQueued          // On the engine's pending queue, waiting to be sent
	StateSent            // Sent on the wire, holds an index reservation on its link
	StateReceived        // A matching reply has been demuxed into it
	StateError           // Terminated abnormally (bad index, ring overflow, ...)
	StateTimedOut        // No reply arrived within the configured timeout
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "INVALID"
	case StateInit:
		return "INIT"
	case StateQueued:
		return "QUEUED"
	case StateSent:
		return "SENT"
	case StateReceived:
		return "RECEIVED"
	case StateError:
		return "ERROR"
	case StateTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// MaxDatagramPayload is the largest payload a single datagram may carry,
// leaving room for Ethernet, EtherCAT, datagram and working-counter overhead
// within one maximum-size Ethernet frame.
const MaxDatagramPayload = 1486

var (
	ErrPayloadTooLarge = errors.New("ethercat: datagram payload exceeds maximum size")
	ErrNotOwned        = errors.New("ethercat: datagram already queued elsewhere")
)

// Datagram is the smallest addressable unit of EtherCAT work. Datagrams are
// exclusively owned by whichever component created them (the engine for
// master/slave-FSM work, the external ring for injected FSM work, the
// application for domain process-data datagrams) — Queue borrows a reference,
// it never transfers ownership.
type Datagram struct {
	Command Command
	// Index is allocated by the engine at send time; zero beforehand.
	Index uint8
	// SlaveAddress and OffsetAddress: interpretation depends on Command.
	// For APxx/ARMW commands SlaveAddress is an auto-increment (negative wire)
	// offset from the addressed slave; for FPxx/FRMW it is the slave's fixed
	// station address; for Lxx OffsetAddress and SlaveAddress together form
	// the 32-bit logical address.
	SlaveAddress  uint16
	OffsetAddress uint16

	// Data is the datagram payload buffer. Its length is fixed at
	// construction and reused across cycles; callers write request data into
	// it before Queue and read reply data out of it after Receive.
	Data []byte

	// WorkingCounter is filled in by slaves in flight and verified on receive.
	WorkingCounter uint16

	State State
	// Link is the index of the link (bonded main=0/backup=1...) this
	// datagram is queued/sent on.
	Link int

	QueuedAt   time.Time
	SentAt     time.Time
	ReceivedAt time.Time

	// AppTimestamp is a snapshot of application time taken at send, used by
	// distributed-clock datagrams; zero for ordinary datagrams.
	AppTimestamp uint64

	// queued tracks list membership in O(1) so Queue can detect "already on
	// the pending queue" without scanning it, matching the invariant that a
	// datagram is on at most one list at a time.
	queued bool
}

// New constructs a Datagram with a payload buffer of the given size, ready to
// be filled in and Queue-d. State starts at StateInit.
func New(cmd Command, slaveAddress, offsetAddress uint16, size int) (*Datagram, error) {
	if size < 0 || size > MaxDatagramPayload {
		return nil, ErrPayloadTooLarge
	}
	return &Datagram{
		Command:       cmd,
		SlaveAddress:  slaveAddress,
		OffsetAddress: offsetAddress,
		Data:          make([]byte, size),
		State:         StateInit,
	}, nil
}

// Reset restores a datagram to StateInit so it can be reused (e.g. an FSM's
// datagram across steps, or an external ring slot between injections).
// It clears list membership, index, working counter and timestamps but keeps
// the allocated Data buffer.
func (d *Datagram) Reset() {
	d.State = StateInit
	d.Index = 0
	d.WorkingCounter = 0
	d.queued = false
	d.QueuedAt = time.Time{}
	d.SentAt = time.Time{}
	d.ReceivedAt = time.Time{}
}

// Queued reports whether this datagram is currently linked onto some engine's
// pending queue.
func (d *Datagram) Queued() bool { return d.queued }

// MarkQueued and ClearQueued let the owning queue (engine.Engine, or any
// other component that maintains a pending list of datagrams) update list
// membership without exposing the underlying field.
func (d *Datagram) MarkQueued()  { d.queued = true }
func (d *Datagram) ClearQueued() { d.queued = false }
