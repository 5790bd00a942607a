package dc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
)

func TestMonitorReturnsIdleWhenNoSlaveHasDC(t *testing.T) {
	a := slave.New(0, 0, 8)
	b := slave.New(1, 0, 8)
	m := NewMonitor([]*slave.Slave{a, b})
	dg := newTestDatagram(t)

	res, err := m.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultIdle, res)
}

func TestMonitorSweepsCapableSlaveAndRecordsDifference(t *testing.T) {
	a := slave.New(0, 0, 8)
	b := slave.New(1, 0, 8)
	b.SetStationAddress(0x1001)
	b.HasDC = true
	m := NewMonitor([]*slave.Slave{a, b})
	dg := newTestDatagram(t)

	res, err := m.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)
	assert.Equal(t, frame.CommandFPRD, dg.Command)
	assert.Equal(t, uint16(0x1001), dg.SlaveAddress)
	assert.Equal(t, RegSystemTimeDifference, dg.OffsetAddress)

	res, err = m.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, res)

	frame.PutUint32(dg.Data, uint32(int32(-42)))
	dg.State = frame.StateReceived
	dg.WorkingCounter = 1

	res, err = m.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)
	assert.EqualValues(t, -42, b.SystemTimeDifference)
	assert.EqualValues(t, 0, a.SystemTimeDifference)
}

func TestMonitorSkipsRecordingOnZeroWorkingCounter(t *testing.T) {
	a := slave.New(0, 0, 8)
	a.SetStationAddress(0x1000)
	a.HasDC = true
	m := NewMonitor([]*slave.Slave{a})
	dg := newTestDatagram(t)

	_, err := m.Step(dg)
	require.NoError(t, err)
	dg.State = frame.StateReceived
	dg.WorkingCounter = 0
	frame.PutUint32(dg.Data, 999)

	res, err := m.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)
	assert.EqualValues(t, 0, a.SystemTimeDifference)
}

func TestMonitorChainsStraightIntoNextTargetAfterRecording(t *testing.T) {
	a := slave.New(0, 0, 8)
	a.SetStationAddress(0x1000)
	a.HasDC = true
	b := slave.New(1, 0, 8)
	b.SetStationAddress(0x1001)
	b.HasDC = true
	m := NewMonitor([]*slave.Slave{a, b})
	dg := newTestDatagram(t)

	_, err := m.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1000), dg.SlaveAddress)

	frame.PutUint32(dg.Data, 7)
	dg.State = frame.StateReceived
	dg.WorkingCounter = 1

	res, err := m.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)
	assert.EqualValues(t, 7, a.SystemTimeDifference)
	// Step rebuilt dg into a fresh request for the next slave in the same
	// call, rather than leaving the just-consumed reply for the caller to
	// queue a cycle late.
	assert.Equal(t, frame.CommandFPRD, dg.Command)
	assert.Equal(t, uint16(0x1001), dg.SlaveAddress)
	assert.NotEqual(t, frame.StateReceived, dg.State)
}

func newTestDatagram(t *testing.T) *frame.Datagram {
	t.Helper()
	dg, err := frame.New(frame.CommandNOP, 0, 0, 256)
	require.NoError(t, err)
	return dg
}
