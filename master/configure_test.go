package master

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
	"github.com/samsamfire/goethercat/slavefsm"
)

func newConfigTestSlave() *slave.Slave {
	s := slave.New(0, 0, 256)
	s.SetStationAddress(0x1001)
	s.ConfigureMailbox(slave.MailboxDescriptor{RxOffset: 0x1000, RxSize: 256, TxOffset: 0x1100, TxSize: 256})
	return s
}

// driveStepper runs stepper to ResultDone, supplying the reply every
// ResultConsumed call asks for based on the datagram's command/address,
// distinguishing a CoE mailbox write/poll/read cycle from an AL-state
// control/status cycle by register offset, the same addresses
// slavefsm's own constructors use.
func driveStepper(t *testing.T, s *slave.Slave, stepper slavefsm.Stepper, want slave.ALState) {
	t.Helper()
	dg, err := frame.New(frame.CommandNOP, 0, 0, 256)
	require.NoError(t, err)
	dg.State = frame.StateInit

	for i := 0; i < 500; i++ {
		res, err := stepper.Step(dg)
		require.NoError(t, err)
		if res == slavefsm.ResultDone {
			return
		}
		require.Equal(t, slavefsm.ResultConsumed, res)

		switch {
		case dg.Command == frame.CommandFPWR && dg.OffsetAddress == s.Mailbox.RxOffset:
			dg.WorkingCounter = 1
		case dg.Command == frame.CommandFPRD && dg.OffsetAddress == s.Mailbox.TxOffset:
			frame.PutUint16(dg.Data[0:2], 4)
			dg.Data[4] = 0
			dg.Data[5] = 3 // CoE
			dg.Data[6] = 0x60 // scs=initiate download
			dg.WorkingCounter = 1
		case dg.Command == frame.CommandFPRD && dg.OffsetAddress == slavefsm.RegALStatus:
			frame.PutUint16(dg.Data, uint16(want))
			dg.WorkingCounter = 1
		case dg.Command == frame.CommandFPWR && dg.OffsetAddress == slavefsm.RegALControl:
			dg.WorkingCounter = 1
		case dg.Command == frame.CommandFPRD:
			// sync-manager-1 status poll during a mailbox transfer: report full.
			dg.Data[0] = 1 << 3
			dg.WorkingCounter = 1
		default:
			t.Fatalf("unexpected datagram %+v", dg)
		}
		dg.State = frame.StateReceived
	}
	t.Fatal("stepper did not reach ResultDone")
}

func TestConfigSequenceRunsAllFourStagesToALState(t *testing.T) {
	s := newConfigTestSlave()
	cfg := slave.NewConfig(0, 0, 1, 2)
	cfg.AddStartupSDO(slave.StartupSDO{Index: 0x8000, Subindex: 1, Data: []byte{0x01}})

	seq := newConfigSequence(s, cfg, slave.ALStateSafeOp)
	driveStepper(t, s, seq, slave.ALStateSafeOp)

	assert.Equal(t, slave.ALStateSafeOp, s.State)
	assert.Equal(t, len(seq.stages), seq.idx)
}

func TestConfigSequenceWithNoStartupSDOsOrPDOsStillSetsALState(t *testing.T) {
	s := newConfigTestSlave()
	cfg := slave.NewConfig(0, 0, 1, 2)

	seq := newConfigSequence(s, cfg, slave.ALStateOp)
	driveStepper(t, s, seq, slave.ALStateOp)

	assert.Equal(t, slave.ALStateOp, s.State)
}
