package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsOversizePayload(t *testing.T) {
	_, err := New(CommandFPRD, 0, 0, MaxDatagramPayload+1)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestResetClearsTransientFieldsKeepsBuffer(t *testing.T) {
	dg, err := New(CommandFPWR, 1, 2, 4)
	require.NoError(t, err)
	dg.Index = 5
	dg.WorkingCounter = 1
	dg.State = StateReceived
	dg.queued = true

	buf := dg.Data
	dg.Reset()

	assert.Equal(t, StateInit, dg.State)
	assert.EqualValues(t, 0, dg.Index)
	assert.EqualValues(t, 0, dg.WorkingCounter)
	assert.False(t, dg.Queued())
	assert.Same(t, &buf[0], &dg.Data[0], "Reset must not reallocate the payload buffer")
}

func TestCommandIsReadCommand(t *testing.T) {
	assert.True(t, CommandFPRD.IsReadCommand())
	assert.True(t, CommandLRW.IsReadCommand())
	assert.False(t, CommandFPWR.IsReadCommand())
	assert.False(t, CommandNOP.IsReadCommand())
}

func TestCodecRoundTrip(t *testing.T) {
	b16 := make([]byte, 2)
	PutUint16(b16, 0xBEEF)
	assert.Equal(t, uint16(0xBEEF), Uint16(b16))

	b32 := make([]byte, 4)
	PutUint32(b32, 0xDEADBEEF)
	assert.Equal(t, uint32(0xDEADBEEF), Uint32(b32))

	b64 := make([]byte, 8)
	PutUint64(b64, 0x0123456789ABCDEF)
	assert.Equal(t, uint64(0x0123456789ABCDEF), Uint64(b64))
}
