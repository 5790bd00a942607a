package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/engine"
	"github.com/samsamfire/goethercat/frame"
)

func TestNewDomainSplitsLogicalAddressAcrossSlaveAndOffset(t *testing.T) {
	d, err := newDomain(0x00020001, 8)
	require.NoError(t, err)
	assert.Equal(t, frame.CommandLRW, d.dg.Command)
	assert.Equal(t, uint16(0x0001), d.dg.SlaveAddress)
	assert.Equal(t, uint16(0x0002), d.dg.OffsetAddress)
	assert.Equal(t, 8, d.Size())
}

func TestDomainQueuePlacesCopyOfDataOnEngine(t *testing.T) {
	d, err := newDomain(0, 4)
	require.NoError(t, err)
	copy(d.Data, []byte{1, 2, 3, 4})

	eng := engine.NewEngine(nil, 4, time.Second)
	require.NoError(t, d.queue(eng))
	assert.Equal(t, []byte{1, 2, 3, 4}, d.dg.Data)
	assert.Equal(t, frame.StateQueued, d.dg.State)
}

func TestDomainProcessReportsWorkingCounterMismatch(t *testing.T) {
	d, err := newDomain(0, 2)
	require.NoError(t, err)
	d.ExpectWorkingCounter(2)
	d.dg.State = frame.StateReceived
	d.dg.WorkingCounter = 1

	ok, err := d.process()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrWorkingCounterMismatch)
}

func TestDomainProcessSucceedsAndCopiesReplyBack(t *testing.T) {
	d, err := newDomain(0, 4)
	require.NoError(t, err)
	d.ExpectWorkingCounter(1)
	frame.PutUint32(d.dg.Data, 0xAABBCCDD)
	d.dg.State = frame.StateReceived
	d.dg.WorkingCounter = 1

	ok, err := d.process()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(0xAABBCCDD), frame.Uint32(d.Data))
}

func TestDomainProcessLeavesDataUntouchedWhenNotYetReceived(t *testing.T) {
	d, err := newDomain(0, 2)
	require.NoError(t, err)

	ok, err := d.process()
	require.NoError(t, err)
	assert.False(t, ok)
}
