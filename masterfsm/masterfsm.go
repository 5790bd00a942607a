// Package masterfsm implements the master FSM: the top-level cycle of
// broadcast AL-state read, rescan-on-count-change, bus scan (auto-increment
// addressing, SII read, topology/DC-reference reconstruction), and handing
// off to per-slave configuration. Grounded on pkg/network.Network.Scan
// (parallel enumeration across all possible node IDs) generalized from
// CANopen's flat node-ID space to EtherCAT's auto-increment/ring-position
// scan, and on pkg/lss/master.go's master-driven enumeration protocol as the
// closest existing analogue of scan-then-assign-station-address.
package masterfsm

import (
	"errors"
	"sync"

	"github.com/samsamfire/goethercat/frame"
	"github.com/samsamfire/goethercat/slave"
)

var ErrScanInProgress = errors.New("masterfsm: scan already in progress")

// firstStationAddress is the fixed station address assigned to ring
// position 0 during a scan; subsequent slaves get firstStationAddress+N.
const firstStationAddress uint16 = 0x1000

const regALStatusAddr uint16 = 0x0130

// FSM drives the master-wide cycle: a broadcast AL-state read each cycle,
// a full rescan whenever the responding slave count changes, and (between
// scans) nothing — per-slave configuration and servicing are driven by
// slavefsm FSMs that master.Scheduler owns.
type FSM struct {
	mu sync.Mutex

	Slaves []*slave.Slave
	cache  *slave.SIICache

	scanBusy  bool
	allowScan bool

	lastSlaveCount int
	scan           *BusScan

	probeAsked bool
}

// NewFSM constructs a master FSM with scanning allowed and no slaves yet
// discovered.
func NewFSM(cache *slave.SIICache) *FSM {
	return &FSM{cache: cache, allowScan: true}
}

// ScanBusy reports whether a scan is currently running, the flag the
// application-activation path waits on before proceeding.
func (f *FSM) ScanBusy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanBusy
}

// SetAllowScan gates whether the FSM may start a new scan, set false while
// the application is mid-activation.
func (f *FSM) SetAllowScan(allow bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowScan = allow
}

// ForceRescan starts a scan on the next Step even if the slave count did
// not change, used for an application-triggered rescan. Returns
// ErrScanInProgress if one is already running.
func (f *FSM) ForceRescan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scan != nil {
		return ErrScanInProgress
	}
	f.scanBusy = true
	f.scan = NewBusScan(f.lastSlaveCount, f.cache)
	return nil
}

// Step drives one datagram round trip of the master cycle: a broadcast
// AL-state read (BRD) whose working counter reports how many slaves
// responded, then — if that count differs from the last cycle's and
// scanning is allowed — a full bus scan. Callers typically own a small pool
// of datagrams dedicated to master-FSM work, feeding each one to Step every
// cycle the way slavefsm's per-slave FSMs are fed theirs.
func (f *FSM) Step(dg *frame.Datagram) (Result, error) {
	f.mu.Lock()
	scanning := f.scan != nil
	f.mu.Unlock()

	if scanning {
		return f.stepScan(dg)
	}

	if !f.probeAsked {
		f.probeAsked = true
		dg.Reset()
		dg.Command = frame.CommandBRD
		dg.SlaveAddress = 0
		dg.OffsetAddress = regALStatusAddr
		dg.Data = dg.Data[:2]
		return ResultConsumed, nil
	}
	if dg.State != frame.StateReceived {
		return ResultPending, nil
	}
	f.probeAsked = false
	count := int(dg.WorkingCounter)

	f.mu.Lock()
	changed := count != f.lastSlaveCount
	f.lastSlaveCount = count
	allow := f.allowScan
	f.mu.Unlock()

	if changed && allow {
		f.mu.Lock()
		f.scanBusy = true
		f.scan = NewBusScan(count, f.cache)
		f.mu.Unlock()
		dg.Reset()
		return ResultConsumed, nil
	}
	return ResultIdle, nil
}

func (f *FSM) stepScan(dg *frame.Datagram) (Result, error) {
	res, err := f.scan.Step(dg)
	if res == ResultPending {
		return ResultPending, nil
	}
	if res == ResultConsumed {
		return ResultConsumed, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanBusy = false
	if err == nil {
		f.Slaves = f.scan.Discovered
		BuildTopology(f.Slaves)
		SelectDCReference(f.Slaves)
	}
	f.scan = nil
	return ResultDone, err
}
