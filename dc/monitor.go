package dc

import (
	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
)

// Monitor round-robins a single FPRD datagram over every DC-capable
// slave's System Time Difference register, populating
// slave.Slave.SystemTimeDifference one slave per Step call. The per-slave
// register cannot be collapsed into a broadcast read the way the
// reference clock's System Time can (QueueSync/QueueSync64 above), since
// each slave reports its own deviation.
//
// Grounded on the same round-robin-over-slaves shape master.Scheduler's per-slave
// FSM execution list uses, applied here to a standing background sweep
// rather than a one-shot scan.
type Monitor struct {
	slaves  []*slave.Slave
	pos     int
	pending bool
}

func NewMonitor(slaves []*slave.Slave) *Monitor {
	return &Monitor{slaves: slaves}
}

// Step drives one FPRD round trip against the next DC-capable slave in
// rotation. On the first call for a given slave it rebuilds dg and
// returns ResultConsumed; once dg comes back StateReceived it records the
// value and moves on to the next slave. Returns ResultIdle if no slave in
// the list reports DC capability.
func (m *Monitor) Step(dg *frame.Datagram) (Result, error) {
	if !m.pending {
		target, ok := m.nextCapable()
		if !ok {
			return ResultIdle, nil
		}
		dg.Reset()
		dg.Command = frame.CommandFPRD
		dg.SlaveAddress = target.StationAddress
		dg.OffsetAddress = RegSystemTimeDifference
		dg.Data = dg.Data[:4]
		m.pending = true
		return ResultConsumed, nil
	}

	if dg.State != frame.StateReceived {
		return ResultPending, nil
	}
	m.pending = false
	if dg.WorkingCounter != 0 {
		target := m.slaves[(m.pos-1+len(m.slaves))%len(m.slaves)]
		target.Lock()
		target.SystemTimeDifference = int32(frame.Uint32(dg.Data))
		target.Unlock()
	}

	// Chain straight into the next target so every ResultConsumed return
	// corresponds to a freshly built outgoing request, matching the
	// Stepper convention the rest of this codebase uses (consumed means
	// "ready to queue"), rather than leaving a stale received datagram
	// for the caller to queue a cycle late.
	next, ok := m.nextCapable()
	if !ok {
		return ResultIdle, nil
	}
	dg.Reset()
	dg.Command = frame.CommandFPRD
	dg.SlaveAddress = next.StationAddress
	dg.OffsetAddress = RegSystemTimeDifference
	dg.Data = dg.Data[:4]
	m.pending = true
	return ResultConsumed, nil
}

func (m *Monitor) nextCapable() (*slave.Slave, bool) {
	if len(m.slaves) == 0 {
		return nil, false
	}
	for range m.slaves {
		if m.pos >= len(m.slaves) {
			m.pos = 0
		}
		s := m.slaves[m.pos]
		m.pos++
		if s.HasDC {
			return s, true
		}
	}
	return nil, false
}
