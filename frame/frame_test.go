package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	dg1, err := New(CommandFPRD, 0x1001, 0x0130, 4)
	require.NoError(t, err)
	copy(dg1.Data, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	dg1.Index = 7
	dg1.WorkingCounter = 1

	dg2, err := New(CommandLWR, 0, 0x2000, 2)
	require.NoError(t, err)
	copy(dg2.Data, []byte{0x01, 0x02})
	dg2.Index = 8

	fr := &Frame{Datagrams: []*Datagram{dg1, dg2}}
	buf, err := Encode(fr)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(buf), MinEthernetFrameLen)

	decoded, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, decoded.Datagrams, 2)

	assert.Equal(t, dg1.Command, decoded.Datagrams[0].Command)
	assert.Equal(t, dg1.Index, decoded.Datagrams[0].Index)
	assert.Equal(t, dg1.SlaveAddress, decoded.Datagrams[0].SlaveAddress)
	assert.Equal(t, dg1.OffsetAddress, decoded.Datagrams[0].OffsetAddress)
	assert.Equal(t, dg1.Data, decoded.Datagrams[0].Data)
	assert.Equal(t, dg1.WorkingCounter, decoded.Datagrams[0].WorkingCounter)

	assert.Equal(t, dg2.Command, decoded.Datagrams[1].Command)
	assert.Equal(t, dg2.Data, decoded.Datagrams[1].Data)
}

func TestEncodePadsToMinimumEthernetFrame(t *testing.T) {
	dg, err := New(CommandNOP, 0, 0, 0)
	require.NoError(t, err)
	fr := &Frame{Datagrams: []*Datagram{dg}}

	buf, err := Encode(fr)
	require.NoError(t, err)
	assert.Len(t, buf, MinEthernetFrameLen)
}

func TestEncodeRejectsOversizeFrame(t *testing.T) {
	dg, err := New(CommandBWR, 0, 0, MaxDatagramPayload)
	require.NoError(t, err)
	// A full-size datagram alone fills a frame exactly; a second one cannot fit.
	dg2, err := New(CommandNOP, 0, 0, 0)
	require.NoError(t, err)
	fr := &Frame{Datagrams: []*Datagram{dg, dg2}}

	_, err = Encode(fr)
	assert.ErrorIs(t, err, ErrFrameTooLong)
}

func TestEncodeRejectsEmptyFrame(t *testing.T) {
	_, err := Encode(&Frame{})
	assert.ErrorIs(t, err, ErrNoDatagrams)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	dg, err := New(CommandFPRD, 1, 2, 4)
	require.NoError(t, err)
	fr := &Frame{Datagrams: []*Datagram{dg}}
	buf, err := Encode(fr)
	require.NoError(t, err)

	_, err = Decode(buf[:ethercatHeaderLen+3])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeRejectsBadFrameType(t *testing.T) {
	buf := make([]byte, MinEthernetFrameLen)
	putUint16(buf[0:2], uint16(0)|(2<<12))
	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrBadFrameType)
}

func TestMultipleDatagramsMoreBitOnlyOnNonLast(t *testing.T) {
	dg1, _ := New(CommandAPRD, 0, 0, 1)
	dg2, _ := New(CommandAPRD, 0, 0, 1)
	dg3, _ := New(CommandAPRD, 0, 0, 1)
	fr := &Frame{Datagrams: []*Datagram{dg1, dg2, dg3}}
	buf, err := Encode(fr)
	require.NoError(t, err)

	off := ethercatHeaderLen
	for i := 0; i < 3; i++ {
		lenWord := uint16At(buf[off+6 : off+8])
		more := lenWord&(1<<15) != 0
		if i < 2 {
			assert.True(t, more, "datagram %d should have more-bit set", i)
		} else {
			assert.False(t, more, "last datagram must not have more-bit set")
		}
		off += datagramHeaderLen + 1 + wkcLen
	}
}
