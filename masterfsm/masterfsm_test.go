package masterfsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
)

func newTestDatagram(t *testing.T) *frame.Datagram {
	t.Helper()
	dg, err := frame.New(frame.CommandNOP, 0, 0, 256)
	require.NoError(t, err)
	return dg
}

func TestFSMTriggersScanOnSlaveCountChange(t *testing.T) {
	f := NewFSM(slave.NewSIICache())
	dg := newTestDatagram(t)

	res, err := f.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)
	assert.Equal(t, frame.CommandBRD, dg.Command)

	dg.State = frame.StateReceived
	dg.WorkingCounter = 2
	res, err = f.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)
	assert.True(t, f.ScanBusy())
}

func TestFSMSkipsScanWhenCountUnchanged(t *testing.T) {
	f := NewFSM(slave.NewSIICache())
	dg := newTestDatagram(t)

	_, _ = f.Step(dg)
	dg.State = frame.StateReceived
	dg.WorkingCounter = 0
	res, _ := f.Step(dg)
	assert.Equal(t, ResultIdle, res)
	assert.False(t, f.ScanBusy())

	dg.State = frame.StateInit
	res, err := f.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)
	dg.State = frame.StateReceived
	dg.WorkingCounter = 0
	res, _ = f.Step(dg)
	assert.Equal(t, ResultIdle, res)
	assert.False(t, f.ScanBusy())
}

func TestFSMSkipsScanWhenNotAllowed(t *testing.T) {
	f := NewFSM(slave.NewSIICache())
	f.SetAllowScan(false)
	dg := newTestDatagram(t)

	_, _ = f.Step(dg)
	dg.State = frame.StateReceived
	dg.WorkingCounter = 3
	res, _ := f.Step(dg)
	assert.Equal(t, ResultIdle, res)
	assert.False(t, f.ScanBusy())
}

func TestBusScanAssignsAddressesAndReadsIdentity(t *testing.T) {
	cache := slave.NewSIICache()
	scan := NewBusScan(1, cache)
	dg := newTestDatagram(t)
	dg.State = frame.StateInit

	res, err := scan.Step(dg) // assign address request
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)
	assert.Equal(t, frame.CommandAPWR, dg.Command)
	assert.Equal(t, regStationAddress, dg.OffsetAddress)

	dg.State = frame.StateReceived
	var done bool
	for steps := 0; steps < 40 && !done; steps++ {
		res, err = scan.Step(dg)
		require.NoError(t, err)
		if res == ResultDone {
			done = true
			break
		}
		assert.Equal(t, ResultConsumed, res)
		if dg.Command == frame.CommandFPRD && dg.OffsetAddress == 0x0502 {
			frame.PutUint16(dg.Data, 0) // SII control register: not busy
		}
		dg.State = frame.StateReceived
	}
	require.True(t, done)
	require.Len(t, scan.Discovered, 1)
	assert.Equal(t, firstStationAddress, scan.Discovered[0].StationAddress)
}

func TestBuildTopologyChainsRingOrder(t *testing.T) {
	a := slave.New(0, 0, 8)
	b := slave.New(1, 0, 8)
	BuildTopology([]*slave.Slave{a, b})
	assert.Equal(t, 1, a.Ports[0].NextSlave)
	assert.Equal(t, -1, b.Ports[0].NextSlave)
}

func TestSelectDCReferencePicksFirstCapableSlave(t *testing.T) {
	a := slave.New(0, 0, 8)
	b := slave.New(1, 0, 8)
	b.HasDC = true
	ref := SelectDCReference([]*slave.Slave{a, b})
	assert.Same(t, b, ref)
}

func TestForceRescanRejectsWhileScanning(t *testing.T) {
	f := NewFSM(slave.NewSIICache())
	require.NoError(t, f.ForceRescan())
	assert.ErrorIs(t, f.ForceRescan(), ErrScanInProgress)
}
