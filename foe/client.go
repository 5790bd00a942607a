// Package foe implements the FoE (File over EtherCAT) read/write client: a
// small request/ack/data/ack handshake for transferring one named file,
// advanced one mailbox round-trip at a time like package coe.
package foe

import (
	"errors"
	"fmt"

	"github.com/samsamfire/goethercat/mailbox"
)

// Opcode is the FoE operation code, the first byte of the FoE payload.
type Opcode uint8

const (
	OpcodeReadRequest  Opcode = 1
	OpcodeWriteRequest Opcode = 2
	OpcodeData         Opcode = 3
	OpcodeAck          Opcode = 4
	OpcodeError        Opcode = 5
	OpcodeBusy         Opcode = 6
)

// ErrorCode is an FoE error code, ETG.1000.6 §8.
type ErrorCode uint32

func (e ErrorCode) Error() string { return fmt.Sprintf("foe: error code 0x%08X", uint32(e)) }

const (
	ErrorNotFound     ErrorCode = 0x00000001
	ErrorAccessDenied ErrorCode = 0x00000002
	ErrorDiskFull     ErrorCode = 0x00000003
	ErrorProgramError ErrorCode = 0x00000007
)

var (
	ErrBusy      = errors.New("foe: transfer already in progress")
	ErrIdle      = errors.New("foe: no transfer in progress")
	ErrTruncated = errors.New("foe: mailbox payload too short")
)

// MaxDataPerPacket bounds one FoE data segment's payload so it always fits
// a single mailbox frame alongside its header.
const MaxDataPerPacket = 512

type State uint8

const (
	StateIdle State = iota
	StateWaitingAck
	StateUploading
	StateDownloading
	StateDone
	StateFailed
)

// Client runs one file read or write at a time.
type Client struct {
	state    State
	write    bool
	filename string
	password uint32

	data       []byte
	packetNo   uint32
	cursor     int
	lastSent   int

	errCode ErrorCode
	err     error
}

func NewClient() *Client { return &Client{} }

func (c *Client) State() State      { return c.state }
func (c *Client) Data() []byte      { return c.data }
func (c *Client) ErrorCode() ErrorCode { return c.errCode }
func (c *Client) Err() error        { return c.err }

// idleForNextTransfer reports whether the client may start a new transfer:
// either it has never run one, or its last one reached a terminal state.
func (c *Client) idleForNextTransfer() bool {
	switch c.state {
	case StateIdle, StateDone, StateFailed:
		return true
	default:
		return false
	}
}

// Read begins a file read, returning the read-request mailbox payload.
func (c *Client) Read(filename string, password uint32) ([]byte, error) {
	if !c.idleForNextTransfer() {
		return nil, ErrBusy
	}
	c.reset(filename, password, false)
	c.state = StateWaitingAck
	return c.buildRequest(OpcodeReadRequest), nil
}

// Write begins a file write of data, returning the write-request mailbox
// payload.
func (c *Client) Write(filename string, password uint32, data []byte) ([]byte, error) {
	if !c.idleForNextTransfer() {
		return nil, ErrBusy
	}
	c.reset(filename, password, true)
	c.data = append([]byte(nil), data...)
	c.state = StateWaitingAck
	return c.buildRequest(OpcodeWriteRequest), nil
}

func (c *Client) reset(filename string, password uint32, write bool) {
	c.filename = filename
	c.password = password
	c.write = write
	c.data = nil
	c.packetNo = 0
	c.cursor = 0
	c.errCode = 0
	c.err = nil
}

func (c *Client) buildRequest(op Opcode) []byte {
	body := make([]byte, 6+len(c.filename))
	body[0] = uint8(op)
	mailbox.PutLE32(body[2:6], c.password)
	copy(body[6:], c.filename)
	return c.withHeader(body)
}

func (c *Client) withHeader(body []byte) []byte {
	out := make([]byte, 6+len(body))
	mailbox.EncodeHeader(out, mailbox.Header{Length: uint16(len(body)), Type: uint8(mailbox.ProtocolFoE)})
	copy(out[6:], body)
	return out
}

func (c *Client) buildDataPacket() []byte {
	remaining := c.data[c.cursor:]
	n := len(remaining)
	if n > MaxDataPerPacket {
		n = MaxDataPerPacket
	}
	body := make([]byte, 6+n)
	body[0] = uint8(OpcodeData)
	mailbox.PutLE32(body[2:6], c.packetNo)
	copy(body[6:], remaining[:n])
	c.lastSent = n
	return c.withHeader(body)
}

func (c *Client) buildAck() []byte {
	body := make([]byte, 6)
	body[0] = uint8(OpcodeAck)
	mailbox.PutLE32(body[2:6], c.packetNo)
	return c.withHeader(body)
}

// Step feeds one received mailbox frame into the client, returning the next
// payload to send. It returns nil when a write has just completed and when
// the slave answered busy; a read's final data packet returns the closing
// ack, with State already StateDone.
func (c *Client) Step(received []byte) ([]byte, error) {
	if c.state == StateIdle || c.state == StateDone || c.state == StateFailed {
		return nil, ErrIdle
	}
	if _, err := mailbox.DecodeHeader(received); err != nil {
		return nil, ErrTruncated
	}
	body := received[6:]
	if len(body) < 6 {
		return nil, ErrTruncated
	}
	op := Opcode(body[0])

	if op == OpcodeError {
		if len(body) < 6 {
			c.errCode = ErrorProgramError
		} else {
			c.errCode = ErrorCode(mailbox.LE32(body[2:6]))
		}
		c.state = StateFailed
		c.err = c.errCode
		return nil, c.err
	}
	if op == OpcodeBusy {
		return nil, nil // slave asked for more time; caller retries next cycle
	}

	switch c.state {
	case StateWaitingAck:
		if c.write {
			if op != OpcodeAck {
				return c.protocolError(op)
			}
			c.state = StateDownloading
			return c.buildDataPacket(), nil
		}
		if op != OpcodeData {
			return c.protocolError(op)
		}
		return c.consumeUploadPacket(body)

	case StateDownloading:
		if op != OpcodeAck {
			return c.protocolError(op)
		}
		c.cursor += c.lastSent
		c.packetNo++
		if c.cursor >= len(c.data) && c.lastSent < MaxDataPerPacket {
			c.state = StateDone
			return nil, nil
		}
		return c.buildDataPacket(), nil

	case StateUploading:
		if op != OpcodeData {
			return c.protocolError(op)
		}
		return c.consumeUploadPacket(body)

	default:
		return nil, fmt.Errorf("foe: unexpected state %d", c.state)
	}
}

func (c *Client) consumeUploadPacket(body []byte) ([]byte, error) {
	pktNo := mailbox.LE32(body[2:6])
	chunk := body[6:]
	c.data = append(c.data, chunk...)
	c.packetNo = pktNo
	c.state = StateUploading
	ack := c.buildAck()
	if len(chunk) < MaxDataPerPacket {
		c.state = StateDone
		return ack, nil
	}
	return ack, nil
}

func (c *Client) protocolError(got Opcode) ([]byte, error) {
	prevState := c.state
	c.state = StateFailed
	c.err = fmt.Errorf("foe: unexpected opcode %d in state %d", got, prevState)
	return nil, c.err
}
