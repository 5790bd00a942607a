// Package coe implements the CoE (CANopen over EtherCAT) SDO client state
// machine: expedited and segmented upload/download, stepped one mailbox
// round-trip at a time by the owning per-slave FSM.
package coe

import (
	"errors"
	"fmt"

	"github.com/samsamfire/goethercat/mailbox"
)

// AbortCode is an SDO abort code as defined by CiA 301 / ETG.1000.6,
// returned by a slave (or synthesized locally) when a transfer cannot
// proceed.
type AbortCode uint32

const (
	AbortToggleBit       AbortCode = 0x05030000
	AbortTimeout         AbortCode = 0x05040000
	AbortUnknownCommand  AbortCode = 0x05040001
	AbortOutOfMemory     AbortCode = 0x05040005
	AbortUnsupportedAccess AbortCode = 0x06010000
	AbortWriteOnly       AbortCode = 0x06010001
	AbortReadOnly        AbortCode = 0x06010002
	AbortObjectNotExist  AbortCode = 0x06020000
	AbortLengthMismatch  AbortCode = 0x06070010
	AbortSubindexNotExist AbortCode = 0x06090011
	AbortGeneral         AbortCode = 0x08000000
	AbortLocalControl    AbortCode = 0x08000020
)

func (a AbortCode) Error() string {
	return fmt.Sprintf("coe: abort 0x%08X", uint32(a))
}

// Command specifier values, the top 3 bits of the first SDO command byte.
const (
	ccsDownloadSegment = 0
	ccsInitiateDownload = 1
	ccsInitiateUpload   = 2
	ccsUploadSegment    = 3
	ccsAbort            = 4
)

const (
	scsInitiateDownload = 3
	scsInitiateUpload   = 2
	scsUploadSegment    = 0
	scsDownloadSegment  = 1
)

var (
	ErrBusy      = errors.New("coe: transfer already in progress")
	ErrIdle      = errors.New("coe: no transfer in progress")
	ErrTruncated = errors.New("coe: mailbox payload too short")
)

// State is the CoE client's transfer state, one transition advanced per
// Step call — the same discipline pkg/sdo.SDOClient's upload/downloadMain
// use, generalized from CANopen SDO frames to CoE mailbox payloads.
type State uint8

const (
	StateIdle State = iota
	StateWaitingInitiateResponse
	StateUploadSegmented
	StateDownloadSegmented
	StateDone
	StateAborted
)

// Client runs one SDO transfer at a time against a single slave's CoE
// mailbox, exactly mirroring SDOClient's one-transfer-at-a-time design.
type Client struct {
	state State

	index    uint16
	subindex uint8
	download bool

	// data accumulates an upload's result, or holds a download's source.
	data   []byte
	cursor int

	toggle  uint8
	counter uint8

	abort AbortCode
	err   error
}

// NewClient constructs an idle CoE client.
func NewClient() *Client { return &Client{} }

func (c *Client) State() State       { return c.state }
func (c *Client) Data() []byte       { return c.data }
func (c *Client) Abort() AbortCode   { return c.abort }
func (c *Client) Err() error         { return c.err }

// idleForNextTransfer reports whether the client may start a new transfer:
// either it has never run one, or its last one reached a terminal state.
func (c *Client) idleForNextTransfer() bool {
	switch c.state {
	case StateIdle, StateDone, StateAborted:
		return true
	default:
		return false
	}
}

// Upload begins an SDO upload (slave -> master read) of (index, subindex),
// returning the mailbox payload to send. Must be called while idle or
// after a previous transfer has finished.
func (c *Client) Upload(index uint16, subindex uint8) ([]byte, error) {
	if !c.idleForNextTransfer() {
		return nil, ErrBusy
	}
	c.reset(index, subindex, false)
	c.counter++
	payload := make([]byte, 8)
	payload[0] = ccsInitiateUpload << 5
	mailbox.PutLE16(payload[1:3], index)
	payload[3] = subindex
	c.state = StateWaitingInitiateResponse
	return c.withHeader(payload), nil
}

// Download begins an SDO download (master -> slave write) of data into
// (index, subindex), returning the mailbox payload to send.
func (c *Client) Download(index uint16, subindex uint8, data []byte) ([]byte, error) {
	if !c.idleForNextTransfer() {
		return nil, ErrBusy
	}
	c.reset(index, subindex, true)
	c.data = append([]byte(nil), data...)
	c.counter++

	if len(data) <= 4 {
		payload := make([]byte, 8)
		n := len(data)
		sizeBits := uint8(4-n) << 2
		payload[0] = (ccsInitiateDownload << 5) | sizeBits | 0x03 // e=1,s=1
		mailbox.PutLE16(payload[1:3], index)
		payload[3] = subindex
		copy(payload[4:4+n], data)
		c.state = StateWaitingInitiateResponse
		return c.withHeader(payload), nil
	}

	payload := make([]byte, 8)
	payload[0] = (ccsInitiateDownload << 5) | 0x01 // s=1, normal (segmented) transfer
	mailbox.PutLE16(payload[1:3], index)
	payload[3] = subindex
	mailbox.PutLE32(payload[4:8], uint32(len(data)))
	c.state = StateWaitingInitiateResponse
	return c.withHeader(payload), nil
}

func (c *Client) reset(index uint16, subindex uint8, download bool) {
	c.index = index
	c.subindex = subindex
	c.download = download
	c.data = nil
	c.cursor = 0
	c.toggle = 0
	c.abort = 0
	c.err = nil
}

// withHeader prefixes payload with the 6-byte mailbox header (length set to
// payload's length, protocol=CoE).
func (c *Client) withHeader(sdoPayload []byte) []byte {
	out := make([]byte, 6+len(sdoPayload))
	mailbox.EncodeHeader(out, mailbox.Header{
		Length:  uint16(len(sdoPayload)),
		Type:    uint8(mailbox.ProtocolCoE),
		Counter: c.counter,
	})
	copy(out[6:], sdoPayload)
	return out
}

// Step feeds one received mailbox frame (header+SDO payload) into the
// client, returning the next payload to send (nil if none — e.g. the
// transfer finished or the response warrants no reply).
func (c *Client) Step(received []byte) ([]byte, error) {
	if c.state == StateIdle || c.state == StateDone || c.state == StateAborted {
		return nil, ErrIdle
	}
	if _, err := mailbox.DecodeHeader(received); err != nil {
		return nil, ErrTruncated
	}
	body := received[6:]
	if len(body) < 1 {
		return nil, ErrTruncated
	}

	ccs := body[0] >> 5
	if ccs == ccsAbort {
		if len(body) < 8 {
			c.abort = AbortGeneral
		} else {
			c.abort = AbortCode(mailbox.LE32(body[4:8]))
		}
		c.state = StateAborted
		c.err = c.abort
		return nil, c.err
	}

	switch c.state {
	case StateWaitingInitiateResponse:
		return c.stepInitiateResponse(body)
	case StateUploadSegmented:
		return c.stepUploadSegment(body)
	case StateDownloadSegmented:
		return c.stepDownloadSegmentResponse(body)
	default:
		return nil, fmt.Errorf("coe: unexpected state %d", c.state)
	}
}

func (c *Client) stepInitiateResponse(body []byte) ([]byte, error) {
	if !c.download {
		if len(body) < 4 || body[0]>>5 != scsInitiateUpload {
			c.state = StateAborted
			c.err = AbortUnknownCommand
			return nil, c.err
		}
		expedited := body[0]&0x02 != 0
		sizeIndicated := body[0]&0x01 != 0
		if expedited {
			n := 4
			if sizeIndicated {
				n = 4 - int((body[0]>>2)&0x03)
			}
			if len(body) < 4+n {
				c.state = StateAborted
				c.err = ErrTruncated
				return nil, c.err
			}
			c.data = append([]byte(nil), body[4:4+n]...)
			c.state = StateDone
			return nil, nil
		}
		// Segmented upload: initiate response carries a 4-byte size, first
		// segment request follows.
		c.state = StateUploadSegmented
		c.toggle = 0
		reqPayload := []byte{ccsUploadSegment << 5}
		return c.withHeader(reqPayload), nil
	}

	// download
	if len(body) < 4 || body[0]>>5 != scsInitiateDownload {
		c.state = StateAborted
		c.err = AbortUnknownCommand
		return nil, c.err
	}
	if len(c.data) <= 4 {
		c.state = StateDone
		return nil, nil
	}
	return c.nextDownloadSegment(), nil
}

// segmentCapacity is the max payload bytes per SDO segment (7 data bytes
// per the standard SDO segment format).
const segmentCapacity = 7

func (c *Client) nextDownloadSegment() []byte {
	remaining := c.data[c.cursor:]
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
	cmd := (ccsDownloadSegment << 5) | (c.toggle << 4) | sizeBits
	if last {
		cmd |= 0x01
	}
	payload[0] = cmd
	copy(payload[1:1+n], remaining[:n])
	c.cursor += n
	c.state = StateDownloadSegmented
	return c.withHeader(payload)
}

func (c *Client) stepDownloadSegmentResponse(body []byte) ([]byte, error) {
	if len(body) < 1 || body[0]>>5 != scsDownloadSegment {
		c.state = StateAborted
		c.err = AbortUnknownCommand
		return nil, c.err
	}
	toggleGot := (body[0] >> 4) & 0x01
	if toggleGot != c.toggle {
		c.state = StateAborted
		c.err = AbortToggleBit
		return nil, c.err
	}
	c.toggle ^= 1
	if c.cursor >= len(c.data) {
		c.state = StateDone
		return nil, nil
	}
	return c.nextDownloadSegment(), nil
}

func (c *Client) stepUploadSegment(body []byte) ([]byte, error) {
	if len(body) < 1 || body[0]>>5 != scsUploadSegment {
		c.state = StateAborted
		c.err = AbortUnknownCommand
		return nil, c.err
	}
	toggleGot := (body[0] >> 4) & 0x01
	if toggleGot != c.toggle {
		c.state = StateAborted
		c.err = AbortToggleBit
		return nil, c.err
	}
	last := body[0]&0x01 != 0
	n := 7 - int((body[0]>>1)&0x07)
	if len(body) < 1+n {
		c.state = StateAborted
		c.err = ErrTruncated
		return nil, c.err
	}
	c.data = append(c.data, body[1:1+n]...)
	c.toggle ^= 1
	if last {
		c.state = StateDone
		return nil, nil
	}
	payload := []byte{(ccsUploadSegment << 5) | (c.toggle << 4)}
	return c.withHeader(payload), nil
}
