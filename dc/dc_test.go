package dc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
)

func newTestSlave(station uint16, delay uint32) *slave.Slave {
	s := slave.New(0, 0, 8)
	s.SetStationAddress(station)
	s.HasDC = true
	s.PropagationDelay = delay
	return s
}

func TestNewClockDefaultsToBroadcast(t *testing.T) {
	c, err := NewClock()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFF), c.refSync.SlaveAddress)
	assert.Equal(t, uint16(0xFFFF), c.sync.SlaveAddress)
	assert.Equal(t, uint16(0xFFFF), c.sync64.SlaveAddress)
	assert.Nil(t, c.Reference())
}

func TestSelectReferenceRetargetsDatagrams(t *testing.T) {
	c, err := NewClock()
	require.NoError(t, err)
	ref := newTestSlave(0x1003, 120)

	c.SelectReference(ref)
	assert.Same(t, ref, c.Reference())
	assert.Equal(t, uint16(0x1003), c.refSync.SlaveAddress)
	assert.Equal(t, uint16(0x1003), c.sync.SlaveAddress)
	assert.Equal(t, uint16(0x1003), c.sync64.SlaveAddress)

	c.SelectReference(nil)
	assert.Equal(t, uint16(0xFFFF), c.refSync.SlaveAddress)
	assert.Nil(t, c.Reference())
}

func TestQueueWriteReferenceTimeErrorsWithoutReference(t *testing.T) {
	c, err := NewClock()
	require.NoError(t, err)
	_, err = c.QueueWriteReferenceTime(100)
	assert.ErrorIs(t, err, ErrNoReferenceClock)
}

func TestQueueWriteReferenceTimeEncodesAppTime(t *testing.T) {
	c, err := NewClock()
	require.NoError(t, err)
	c.SelectReference(newTestSlave(0x1000, 0))

	dg, err := c.QueueWriteReferenceTime(0x1122334455)
	require.NoError(t, err)
	assert.Equal(t, frame.CommandFPWR, dg.Command)
	assert.Equal(t, RegSystemTime, dg.OffsetAddress)
	assert.Equal(t, uint32(0x22334455), frame.Uint32(dg.Data))
	assert.Equal(t, uint64(0x1122334455), dg.AppTimestamp)
}

func TestQueueSyncAndSync64ErrorWithoutReference(t *testing.T) {
	c, err := NewClock()
	require.NoError(t, err)

	_, err = c.QueueSync()
	assert.ErrorIs(t, err, ErrNoReferenceClock)
	_, err = c.QueueSync64()
	assert.ErrorIs(t, err, ErrNoReferenceClock)
}

func TestObserveSyncMarksOffsetValidOnlyForSyncDatagram(t *testing.T) {
	c, err := NewClock()
	require.NoError(t, err)
	c.SelectReference(newTestSlave(0x1000, 0))

	other, err := frame.New(frame.CommandFRMW, 0x1000, RegSystemTime, 4)
	require.NoError(t, err)
	other.State = frame.StateReceived
	other.WorkingCounter = 1
	c.ObserveSync(other)
	assert.False(t, c.OffsetValid())

	dg, err := c.QueueSync()
	require.NoError(t, err)
	dg.State = frame.StateReceived
	dg.WorkingCounter = 1
	c.ObserveSync(dg)
	assert.True(t, c.OffsetValid())
}

func TestObserveSyncIgnoresZeroWorkingCounter(t *testing.T) {
	c, err := NewClock()
	require.NoError(t, err)
	c.SelectReference(newTestSlave(0x1000, 0))

	dg, err := c.QueueSync()
	require.NoError(t, err)
	dg.State = frame.StateReceived
	dg.WorkingCounter = 0
	c.ObserveSync(dg)
	assert.False(t, c.OffsetValid())
}

func TestReferenceTimeErrorsUntilOffsetValid(t *testing.T) {
	c, err := NewClock()
	require.NoError(t, err)
	ref := newTestSlave(0x1000, 50)
	c.SelectReference(ref)

	_, err = c.ReferenceTime()
	assert.ErrorIs(t, err, ErrOffsetNotValid)

	dg, err := c.QueueSync()
	require.NoError(t, err)
	frame.PutUint32(dg.Data, 10_000)
	dg.State = frame.StateReceived
	dg.WorkingCounter = 1
	c.ObserveSync(dg)

	got, err := c.ReferenceTime()
	require.NoError(t, err)
	assert.Equal(t, uint32(10_000-50), got)
}

func TestSelectReferenceInvalidatesPreviousOffset(t *testing.T) {
	c, err := NewClock()
	require.NoError(t, err)
	ref := newTestSlave(0x1000, 0)
	c.SelectReference(ref)

	dg, err := c.QueueSync()
	require.NoError(t, err)
	dg.State = frame.StateReceived
	dg.WorkingCounter = 1
	c.ObserveSync(dg)
	require.True(t, c.OffsetValid())

	c.SelectReference(newTestSlave(0x1001, 0))
	assert.False(t, c.OffsetValid())
}

func TestReferenceTime64RequiresReceivedDatagram(t *testing.T) {
	c, err := NewClock()
	require.NoError(t, err)
	ref := newTestSlave(0x1000, 5)
	c.SelectReference(ref)

	dg, err := c.QueueSync()
	require.NoError(t, err)
	dg.State = frame.StateReceived
	dg.WorkingCounter = 1
	c.ObserveSync(dg)

	_, err = c.ReferenceTime64()
	assert.ErrorIs(t, err, ErrOffsetNotValid)

	dg64, err := c.QueueSync64()
	require.NoError(t, err)
	frame.PutUint64(dg64.Data, 1_000_000)
	dg64.State = frame.StateReceived

	got, err := c.ReferenceTime64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000-5), got)
}
