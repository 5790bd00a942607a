package slavefsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
)

func newTestSlave() *slave.Slave {
	s := slave.New(0, 0, 256)
	s.SetStationAddress(0x1001)
	s.ConfigureMailbox(slave.MailboxDescriptor{RxOffset: 0x1000, RxSize: 256, TxOffset: 0x1100, TxSize: 256})
	return s
}

func newTestDatagram(t *testing.T) *frame.Datagram {
	t.Helper()
	dg, err := frame.New(frame.CommandNOP, 0, 0, 256)
	require.NoError(t, err)
	return dg
}

func TestFSMIdleAndNoStepper(t *testing.T) {
	s := newTestSlave()
	f := New(s)
	assert.True(t, f.Idle())
	dg := newTestDatagram(t)
	res, err := f.Step(dg)
	assert.Equal(t, ResultDone, res)
	assert.ErrorIs(t, err, ErrNoStepper)
}

func TestFSMAbortClearsRunningStepperAndRecordsErr(t *testing.T) {
	s := newTestSlave()
	f := New(s)
	f.Run(NewALStateTransition(s, slave.ALStateOp))
	assert.False(t, f.Idle())

	f.Abort(ErrDatagramTimedOut)
	assert.True(t, f.Idle())
	assert.ErrorIs(t, f.Err(), ErrDatagramTimedOut)

	dg := newTestDatagram(t)
	res, err := f.Step(dg)
	assert.Equal(t, ResultDone, res)
	assert.ErrorIs(t, err, ErrNoStepper)
}

func TestSIIReaderCacheHitSkipsBus(t *testing.T) {
	s := newTestSlave()
	cache := slave.NewSIICache()
	id := slave.Identity{VendorID: 1, ProductCode: 2, SerialNumber: 99}
	cache.Store(0, &slave.SIIImage{Identity: id})
	s.Identity = id

	r := NewSIIReader(s, cache)
	dg := newTestDatagram(t)
	dg.State = frame.StateInit
	res, err := r.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultDone, res)
}

func TestSIIReaderReadsFourWordsThenDone(t *testing.T) {
	s := newTestSlave()
	cache := slave.NewSIICache()
	r := NewSIIReader(s, cache)
	dg := newTestDatagram(t)
	dg.State = frame.StateInit

	res, err := r.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)
	assert.Equal(t, frame.CommandFPWR, dg.Command)

	for word := 0; word < len(siiWords); word++ {
		dg.State = frame.StateReceived

		res, err = r.Step(dg)
		require.NoError(t, err)
		assert.Equal(t, ResultConsumed, res)
		assert.Equal(t, frame.CommandFPRD, dg.Command)
		assert.Equal(t, RegSIIControl, dg.OffsetAddress)
		frame.PutUint16(dg.Data, 0) // not busy
		dg.State = frame.StateReceived

		res, err = r.Step(dg)
		require.NoError(t, err)
		assert.Equal(t, ResultConsumed, res)
		assert.Equal(t, RegSIIData, dg.OffsetAddress)
		frame.PutUint32(dg.Data, uint32(100+word))
		dg.State = frame.StateReceived

		res, err = r.Step(dg)
		require.NoError(t, err)
		if word == len(siiWords)-1 {
			assert.Equal(t, ResultDone, res)
		} else {
			// consuming a word issues the next word's address write.
			assert.Equal(t, ResultConsumed, res)
			assert.Equal(t, frame.CommandFPWR, dg.Command)
		}
	}
	assert.Equal(t, uint32(100), s.Identity.VendorID)
	assert.Equal(t, uint32(103), s.Identity.SerialNumber)
}

func TestMailboxWriteSucceedsOnNonzeroWorkingCounter(t *testing.T) {
	s := newTestSlave()
	w := NewMailboxWrite(s, []byte{1, 2, 3})
	dg := newTestDatagram(t)
	dg.State = frame.StateInit

	res, err := w.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)
	assert.Equal(t, frame.CommandFPWR, dg.Command)

	dg.State = frame.StateReceived
	dg.WorkingCounter = 1
	res, err = w.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultDone, res)
}

func TestMailboxWriteErrorsOnZeroWorkingCounter(t *testing.T) {
	s := newTestSlave()
	w := NewMailboxWrite(s, []byte{1})
	dg := newTestDatagram(t)
	dg.State = frame.StateInit
	_, _ = w.Step(dg)
	dg.State = frame.StateReceived
	dg.WorkingCounter = 0
	res, err := w.Step(dg)
	assert.Equal(t, ResultError, res)
	assert.ErrorIs(t, err, ErrMailboxWriteRejected)
}

func TestALStateTransitionReachesRequestedState(t *testing.T) {
	s := newTestSlave()
	tr := NewALStateTransition(s, slave.ALStatePreOp)
	dg := newTestDatagram(t)
	dg.State = frame.StateInit

	res, err := tr.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)
	assert.Equal(t, RegALControl, dg.OffsetAddress)

	dg.State = frame.StateReceived
	res, err = tr.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)
	assert.Equal(t, RegALStatus, dg.OffsetAddress)

	frame.PutUint16(dg.Data, uint16(slave.ALStatePreOp))
	dg.State = frame.StateReceived
	res, err = tr.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultDone, res)
	assert.Equal(t, slave.ALStatePreOp, s.State)
}

func TestALStateTransitionReportsSlaveError(t *testing.T) {
	s := newTestSlave()
	tr := NewALStateTransition(s, slave.ALStateOp)
	dg := newTestDatagram(t)
	dg.State = frame.StateInit
	_, _ = tr.Step(dg)
	dg.State = frame.StateReceived
	_, _ = tr.Step(dg)

	errored := slave.ALStatePreOp | 0x10
	frame.PutUint16(dg.Data, uint16(errored))
	dg.State = frame.StateReceived
	res, err := tr.Step(dg)
	assert.Equal(t, ResultError, res)
	assert.ErrorIs(t, err, ErrALStateRejected)
}

func TestCoESDOExpeditedUploadRoundTrip(t *testing.T) {
	s := newTestSlave()
	tr, err := NewCoEUpload(s, 0x6000, 1)
	require.NoError(t, err)
	dg := newTestDatagram(t)
	dg.State = frame.StateInit

	res, err := tr.Step(dg) // write request
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)
	assert.Equal(t, frame.CommandFPWR, dg.Command)

	dg.State = frame.StateReceived
	res, err = tr.Step(dg) // poll mailbox (not full)
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)
	dg.Data[0] = 0
	dg.State = frame.StateReceived

	res, err = tr.Step(dg) // poll mailbox (full now)
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)
	dg.Data[0] = 1 << 3
	dg.State = frame.StateReceived

	res, err = tr.Step(dg) // read reply request issued
	require.NoError(t, err)
	assert.Equal(t, ResultConsumed, res)

	// Simulate mailbox dispatch routing the expedited upload response into
	// the slave's CoE inbox instead of dg.Data.
	resp := make([]byte, 6+8)
	mboxHeader(resp, 8)
	resp[6] = (2 << 5) | 0x02 | 0x01 // scs=upload, e=1, s=1, n=0 (4 bytes)
	copy(resp[10:14], []byte{0xAA, 0xBB, 0xCC, 0xDD})
	s.Mbx.CoE.Data = resp
	s.Mbx.CoE.PayloadSize = len(resp)
	dg.State = frame.StateReceived

	res, err = tr.Step(dg)
	require.NoError(t, err)
	assert.Equal(t, ResultDone, res)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, s.CoE.Data())
}

// mboxHeader writes a minimal 6-byte mailbox header (length, type=CoE) at
// buf[0:6] for test fixtures.
func mboxHeader(buf []byte, payloadLen int) {
	frame.PutUint16(buf[0:2], uint16(payloadLen))
	buf[4] = 0
	buf[5] = 3 // CoE
}
