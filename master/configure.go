package master

import (
	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
	"github.com/samsamfire/goethercat/slavefsm"
)

// Sync-manager PDO assignment object indices, ETG.1000.6 §5.6.
const (
	smAssignRxPDO uint16 = 0x1C12
	smAssignTxPDO uint16 = 0x1C13
)

// configSequence applies a slave.Config to a live slave: startup SDOs in
// declared order, then RxPDO assignment, then TxPDO assignment, then the
// AL-state transition to want. One stage runs to ResultDone before the
// next starts, the same "wraps another Stepper, advance one at a time"
// shape slavefsm.PDOAssignSequence itself uses one level down — grounded
// on PDOAssignSequence's inner *StartupSDOSequence field.
type configSequence struct {
	stages []slavefsm.Stepper
	idx    int
}

// newConfigSequence builds the composite stepper for cfg. It never fails:
// every stage constructor it calls (NewStartupSDOSequence,
// NewPDOAssignSequence, NewALStateTransition) builds from data already
// validated by the time a Config is attached to a live slave.
func newConfigSequence(s *slave.Slave, cfg *slave.Config, want slave.ALState) *configSequence {
	return &configSequence{
		stages: []slavefsm.Stepper{
			slavefsm.NewStartupSDOSequence(s, cfg.StartupSDOs),
			slavefsm.NewPDOAssignSequence(s, smAssignRxPDO, cfg.RxPDOs),
			slavefsm.NewPDOAssignSequence(s, smAssignTxPDO, cfg.TxPDOs),
			slavefsm.NewALStateTransition(s, want),
		},
	}
}

func (c *configSequence) Step(dg *frame.Datagram) (slavefsm.Result, error) {
	if c.idx >= len(c.stages) {
		return slavefsm.ResultDone, nil
	}
	res, err := c.stages[c.idx].Step(dg)
	if res != slavefsm.ResultDone {
		return res, err
	}
	c.idx++
	if c.idx >= len(c.stages) {
		return slavefsm.ResultDone, nil
	}
	dg.Reset()
	return slavefsm.ResultConsumed, nil
}
