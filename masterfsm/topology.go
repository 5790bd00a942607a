package masterfsm

import "github.com/samsamfire/goethercat/slave"

// BuildTopology chains discovered slaves in ring order via each slave's
// first port's NextSlave field. Full multi-port branch topology (open
// ports, loop detection across branches) needs live port-status registers
// this repo does not yet read; ring order is what auto-increment addressing
// already guarantees, so it is what BuildTopology records.
func BuildTopology(slaves []*slave.Slave) {
	for i, s := range slaves {
		s.Lock()
		if i+1 < len(slaves) {
			s.Ports[0].NextSlave = slaves[i+1].RingPosition
		} else {
			s.Ports[0].NextSlave = -1
		}
		s.Unlock()
	}
}

// SelectDCReference designates the first DC-capable slave in ring order as
// the distributed-clock reference. Offset/delay computation belongs to
// package dc; this only returns which slave is the reference, and the
// master hands that slave to its dc.Clock after each completed scan.
func SelectDCReference(slaves []*slave.Slave) *slave.Slave {
	for _, s := range slaves {
		if s.HasDC {
			return s
		}
	}
	return nil
}
