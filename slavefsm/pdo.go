package slavefsm

import (
	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
)

// StartupSDOSequence applies a slave config's startup SDO writes in
// order during slave configuration, driving one CoESDO download to
// completion before starting the next.
type StartupSDOSequence struct {
	s       *slave.Slave
	sdos    []slave.StartupSDO
	idx     int
	current *CoESDO
}

func NewStartupSDOSequence(s *slave.Slave, sdos []slave.StartupSDO) *StartupSDOSequence {
	return &StartupSDOSequence{s: s, sdos: sdos}
}

func (seq *StartupSDOSequence) Step(dg *frame.Datagram) (Result, error) {
	if seq.idx >= len(seq.sdos) {
		return ResultDone, nil
	}
	if seq.current == nil {
		sdo := seq.sdos[seq.idx]
		t, err := NewCoEDownload(seq.s, sdo.Index, sdo.Subindex, sdo.Data)
		if err != nil {
			return ResultError, err
		}
		seq.current = t
		dg.Reset()
	}
	res, err := seq.current.Step(dg)
	if res == ResultDone {
		seq.idx++
		seq.current = nil
		if seq.idx >= len(seq.sdos) {
			return ResultDone, nil
		}
		dg.Reset()
		return ResultConsumed, nil
	}
	return res, err
}

// PDOAssignSequence writes a slave config's PDO assignment (sync-manager
// PDO list) and per-PDO mapping entries as a sequence of startup SDO
// writes: subindex 0 of the assignment object is cleared, then for each
// PDO its index goes into the next assignment subindex (1..N), followed
// by its mapping object (subindex 0 cleared, entries into 1..M, entry
// count into subindex 0), and finally the PDO count is written to the
// assignment object's subindex 0 — grounded on pdo_configurator.go's
// RPDO/TPDOConfigurator.Configure helpers generalized from CANopen's
// fixed base indices to an arbitrary per-slave PDOAssignment list.
type PDOAssignSequence struct {
	s       *slave.Slave
	smIndex uint16 // sync-manager PDO assignment object, e.g. 0x1C12/0x1C13
	pdos    []slave.PDOAssignment
	inner   *StartupSDOSequence
}

func NewPDOAssignSequence(s *slave.Slave, smIndex uint16, pdos []slave.PDOAssignment) *PDOAssignSequence {
	sdos := buildPDOAssignSDOs(smIndex, pdos)
	return &PDOAssignSequence{s: s, smIndex: smIndex, pdos: pdos, inner: NewStartupSDOSequence(s, sdos)}
}

func buildPDOAssignSDOs(smIndex uint16, pdos []slave.PDOAssignment) []slave.StartupSDO {
	var sdos []slave.StartupSDO
	sdos = append(sdos, slave.StartupSDO{Index: smIndex, Subindex: 0, Data: []byte{0}})
	for i, p := range pdos {
		buf := make([]byte, 2)
		buf[0] = byte(p.Index)
		buf[1] = byte(p.Index >> 8)
		sdos = append(sdos, slave.StartupSDO{Index: smIndex, Subindex: uint8(i + 1), Data: buf})

		mapSDOs := []slave.StartupSDO{{Index: p.Index, Subindex: 0, Data: []byte{0}}}
		for j, e := range p.Entries {
			word := uint32(e.Index)<<16 | uint32(e.Subindex)<<8 | uint32(e.LengthBits)
			eb := make([]byte, 4)
			eb[0] = byte(word)
			eb[1] = byte(word >> 8)
			eb[2] = byte(word >> 16)
			eb[3] = byte(word >> 24)
			mapSDOs = append(mapSDOs, slave.StartupSDO{Index: p.Index, Subindex: uint8(j + 1), Data: eb})
		}
		mapSDOs = append(mapSDOs, slave.StartupSDO{Index: p.Index, Subindex: 0, Data: []byte{byte(len(p.Entries))}})
		sdos = append(sdos, mapSDOs...)
	}
	sdos = append(sdos, slave.StartupSDO{Index: smIndex, Subindex: 0, Data: []byte{byte(len(pdos))}})
	return sdos
}

func (p *PDOAssignSequence) Step(dg *frame.Datagram) (Result, error) {
	return p.inner.Step(dg)
}

// DictUpload uploads a sequence of (index, subindex) object values from a
// slave's CoE dictionary, accumulating each into Values.
type DictUpload struct {
	s       *slave.Slave
	targets [][2]uint16 // {index, subindex}
	idx     int
	current *CoESDO
	Values  [][]byte
}

func NewDictUpload(s *slave.Slave, targets [][2]uint16) *DictUpload {
	return &DictUpload{s: s, targets: targets}
}

func (d *DictUpload) Step(dg *frame.Datagram) (Result, error) {
	if d.idx >= len(d.targets) {
		return ResultDone, nil
	}
	if d.current == nil {
		t := d.targets[d.idx]
		up, err := NewCoEUpload(d.s, t[0], uint8(t[1]))
		if err != nil {
			return ResultError, err
		}
		d.current = up
		dg.Reset()
	}
	res, err := d.current.Step(dg)
	if res == ResultDone {
		d.Values = append(d.Values, append([]byte(nil), d.current.client.Data()...))
		d.idx++
		d.current = nil
		if d.idx >= len(d.targets) {
			return ResultDone, nil
		}
		dg.Reset()
		return ResultConsumed, nil
	}
	return res, err
}
