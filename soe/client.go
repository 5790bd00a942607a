// Package soe implements the SoE (Servo drive over EtherCAT) IDN read/write
// client, advanced one mailbox round-trip at a time like package coe.
package soe

import (
	"errors"
	"fmt"

	"github.com/samsamfire/goethercat/mailbox"
)

// Opcode is the 3-bit SoE command code in the first header byte.
type Opcode uint8

const (
	OpcodeReadRequest   Opcode = 1
	OpcodeReadResponse  Opcode = 2
	OpcodeWriteRequest  Opcode = 3
	OpcodeWriteResponse Opcode = 4
)

// ErrorCode is the 2-byte SoE error code returned in a failed response.
type ErrorCode uint16

func (e ErrorCode) Error() string { return fmt.Sprintf("soe: error code 0x%04X", uint16(e)) }

const (
	ErrorNone          ErrorCode = 0x0000
	ErrorIDNNotExist   ErrorCode = 0x8002
	ErrorElementNotSet ErrorCode = 0x800C
	ErrorAccessDenied  ErrorCode = 0x8008
)

var (
	ErrBusy      = errors.New("soe: transfer already in progress")
	ErrIdle      = errors.New("soe: no transfer in progress")
	ErrTruncated = errors.New("soe: mailbox payload too short")
)

type State uint8

const (
	StateIdle State = iota
	StateWaitingResponse
	StateDone
	StateFailed
)

// soeHeaderLen is the fixed SoE header: opcode/driveNo/incomplete/error(1) +
// elementFlags(1) + idn(2).
const soeHeaderLen = 4

// Client runs one IDN read or write at a time against a single slave's SoE
// mailbox.
type Client struct {
	state    State
	driveNo  uint8
	idn      uint16
	write    bool
	data     []byte
	errCode  ErrorCode
	err      error
}

func NewClient() *Client { return &Client{} }

func (c *Client) State() State     { return c.state }
func (c *Client) Data() []byte     { return c.data }
func (c *Client) ErrorCode() ErrorCode { return c.errCode }
func (c *Client) Err() error       { return c.err }

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

// Read begins an IDN read on driveNo, returning the mailbox payload to send.
func (c *Client) Read(driveNo uint8, idn uint16) ([]byte, error) {
	if !c.idleForNextTransfer() {
		return nil, ErrBusy
	}
	c.reset(driveNo, idn, false)
	header := c.buildHeader(OpcodeReadRequest, false, 0)
	c.state = StateWaitingResponse
	return c.withHeader(header, nil), nil
}

// Write begins an IDN write on driveNo with data, returning the mailbox
// payload to send.
func (c *Client) Write(driveNo uint8, idn uint16, data []byte) ([]byte, error) {
	if !c.idleForNextTransfer() {
		return nil, ErrBusy
	}
	c.reset(driveNo, idn, true)
	c.data = append([]byte(nil), data...)
	header := c.buildHeader(OpcodeWriteRequest, false, 0)
	c.state = StateWaitingResponse
	return c.withHeader(header, data), nil
}

func (c *Client) reset(driveNo uint8, idn uint16, write bool) {
	c.driveNo = driveNo
	c.idn = idn
	c.write = write
	c.data = nil
	c.errCode = ErrorNone
	c.err = nil
}

func (c *Client) buildHeader(op Opcode, incomplete bool, elementFlags uint8) []byte {
	h := make([]byte, soeHeaderLen)
	b0 := uint8(op) | (c.driveNo << 3)
	if incomplete {
		b0 |= 1 << 6
	}
	h[0] = b0
	h[1] = elementFlags
	mailbox.PutLE16(h[2:4], c.idn)
	return h
}

func (c *Client) withHeader(soeHeader []byte, data []byte) []byte {
	body := append(append([]byte(nil), soeHeader...), data...)
	out := make([]byte, 6+len(body))
	mailbox.EncodeHeader(out, mailbox.Header{Length: uint16(len(body)), Type: uint8(mailbox.ProtocolSoE)})
	copy(out[6:], body)
	return out
}

// Step feeds one received mailbox frame into the client. Fragmented
// (incomplete) transfers are out of scope: a single round-trip is assumed
// to carry the whole IDN value, true for all but the largest SoE
// parameters.
func (c *Client) Step(received []byte) error {
	if c.state != StateWaitingResponse {
		return ErrIdle
	}
	if _, err := mailbox.DecodeHeader(received); err != nil {
		return ErrTruncated
	}
	body := received[6:]
	if len(body) < soeHeaderLen {
		return ErrTruncated
	}
	b0 := body[0]
	opcode := Opcode(b0 & 0x07)
	hasError := b0&(1<<7) != 0
	if hasError {
		if len(body) < soeHeaderLen+2 {
			c.errCode = ErrorIDNNotExist
		} else {
			c.errCode = ErrorCode(mailbox.LE16(body[soeHeaderLen : soeHeaderLen+2]))
		}
		c.state = StateFailed
		c.err = c.errCode
		return c.err
	}

	switch opcode {
	case OpcodeReadResponse:
		c.data = append([]byte(nil), body[soeHeaderLen:]...)
		c.state = StateDone
		return nil
	case OpcodeWriteResponse:
		c.state = StateDone
		return nil
	default:
		c.state = StateFailed
		c.err = fmt.Errorf("soe: unexpected opcode %d", opcode)
		return c.err
	}
}
